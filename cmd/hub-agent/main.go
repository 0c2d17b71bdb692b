// Command hub-agent keeps the USB Insight Hub displays updated with
// device names and connection status. It is the standalone daemon
// entrypoint; the same loop is reachable via "usb-device hub watch".
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/config"
	"github.com/m-mcgowan/usb-device/internal/hotplug"
	"github.com/m-mcgowan/usb-device/internal/httpapi"
	"github.com/m-mcgowan/usb-device/internal/hubagent"
	"github.com/m-mcgowan/usb-device/internal/logging"
	"github.com/m-mcgowan/usb-device/internal/metrics"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/registry"
)

func main() {
	cfg := config.Load()

	confPath := flag.String("config", cfg.ConfPath, "path to devices.conf")
	hubPort := flag.String("hub-port", "", "override: CDC serial port for the hub controller")
	hubLocation := flag.String("hub-location", "", "override: hub topology path for channel mapping")
	interval := flag.Duration("interval", 2*time.Second, "keepalive interval (must stay below the 4.5s display watchdog)")
	once := flag.Bool("once", false, "sync once and exit")
	status := flag.Bool("status", false, "print hub status and exit")
	flag.Parse()

	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := registry.LoadFile(*confPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load device registry")
	}
	if len(reg.Devices) == 0 {
		fmt.Fprintln(os.Stderr, "No devices found in config. Add devices to:")
		fmt.Fprintf(os.Stderr, "  %s\n", *confPath)
		os.Exit(1)
	}

	agentCfg := hubagent.Config{
		Interval:    *interval,
		HubPort:     *hubPort,
		HubLocation: *hubLocation,
	}
	ports := portenum.New(cfg.Python)

	switch {
	case *status:
		agent := hubagent.New(logger, agentCfg, reg, ports, nil, nil)
		if err := agent.Status(ctx, os.Stdout); err != nil {
			logger.Fatal().Err(err).Msg("status failed")
		}
	case *once:
		agent := hubagent.New(logger, agentCfg, reg, ports, nil, nil)
		if err := agent.Sync(ctx); err != nil {
			logger.Fatal().Err(err).Msg("sync failed")
		}
	default:
		watch(ctx, logger, cfg, agentCfg, reg, ports)
	}
}

func watch(ctx context.Context, logger zerolog.Logger, cfg config.Config, agentCfg hubagent.Config, reg *registry.Registry, ports *portenum.Enumerator) {
	source, err := hotplug.New()
	if err != nil {
		logger.Warn().Err(err).Msg("no native hotplug source, polling on the keepalive timer")
		source = hotplug.NewTimerOnly()
	}

	m := metrics.New()
	agent := hubagent.New(logger, agentCfg, reg, ports, source, m)

	if cfg.HTTPAddr != "" {
		h := httpapi.NewHandler(logger, agent, m)
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("status endpoint listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("http server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := agent.Watch(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("agent loop failed")
	}
	logger.Info().Msg("shutdown complete")
}
