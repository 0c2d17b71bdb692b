package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/m-mcgowan/usb-device/internal/autostart"
	"github.com/m-mcgowan/usb-device/internal/hubagent"
	"github.com/m-mcgowan/usb-device/internal/metrics"
)

func (a *app) hubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Drive the USB Insight Hub displays",
	}
	cmd.AddCommand(
		a.hubStatusCmd(),
		a.hubSyncCmd(),
		a.hubWatchCmd(),
		a.hubInstallCmd(),
		a.hubUninstallCmd(),
		a.hubLogCmd(),
	)
	return cmd
}

func (a *app) buildAgent(useHotplug bool, m *metrics.Metrics) (*hubagent.Agent, error) {
	reg, err := a.loadRegistry()
	if err != nil {
		return nil, err
	}
	source, err := newHotplugSource(useHotplug, a)
	if err != nil {
		return nil, err
	}
	return hubagent.New(a.log, hubagent.Config{}, reg, a.ports(), source, m), nil
}

func (a *app) hubStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show hub info and channel assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, err := a.buildAgent(false, nil)
			if err != nil {
				return err
			}
			return agent.Status(cmd.Context(), os.Stdout)
		},
	}
}

func (a *app) hubSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the current device state to all channels once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agent, err := a.buildAgent(false, nil)
			if err != nil {
				return err
			}
			return agent.Sync(cmd.Context())
		},
	}
}

func (a *app) hubWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Continuously keep the hub displays in sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m := metrics.New()
			agent, err := a.buildAgent(true, m)
			if err != nil {
				return err
			}

			if a.cfg.HTTPAddr != "" {
				srv := newStatusServer(a, agent, m)
				go func() {
					a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("status endpoint listening")
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.log.Error().Err(err).Msg("http server error")
					}
				}()
				defer func() {
					shutdownCtx, cancel := timeoutContext(10 * time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			err = agent.Watch(ctx)
			if err != nil && ctx.Err() != nil {
				// Signal-driven exit is a clean shutdown.
				a.log.Info().Msg("shutdown complete")
				return nil
			}
			return err
		},
	}
}

func (a *app) hubInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the hub agent as a login service",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			binary, err := os.Executable()
			if err != nil {
				return err
			}
			if err := autostart.Install(binary); err != nil {
				return err
			}
			fmt.Println("[ok] Hub agent installed and started")
			fmt.Printf("     Log: %s\n", autostart.LogPath())
			return nil
		},
	}
}

func (a *app) hubUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the hub agent login service",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := autostart.Uninstall(); err != nil {
				return err
			}
			fmt.Println("[ok] Hub agent uninstalled")
			return nil
		},
	}
}

func (a *app) hubLogCmd() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the tail of the hub agent log",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			f, err := os.Open(autostart.LogPath())
			if err != nil {
				return fmt.Errorf("no agent log at %s (is the agent installed?)", autostart.LogPath())
			}
			defer f.Close()

			var tail []string
			s := bufio.NewScanner(f)
			s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for s.Scan() {
				tail = append(tail, s.Text())
				if len(tail) > lines {
					tail = tail[1:]
				}
			}
			for _, line := range tail {
				fmt.Println(line)
			}
			return s.Err()
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")
	return cmd
}
