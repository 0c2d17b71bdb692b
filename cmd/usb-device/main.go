// Command usb-device manages a fleet of named USB devices: resolving
// fuzzy names to physical ports, power-cycling through switchable hubs,
// arbitrating exclusive access, and dispatching per-type plugin actions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/m-mcgowan/usb-device/internal/cache"
	"github.com/m-mcgowan/usb-device/internal/config"
	"github.com/m-mcgowan/usb-device/internal/history"
	"github.com/m-mcgowan/usb-device/internal/hubenum"
	"github.com/m-mcgowan/usb-device/internal/locks"
	"github.com/m-mcgowan/usb-device/internal/logging"
	"github.com/m-mcgowan/usb-device/internal/monitor"
	"github.com/m-mcgowan/usb-device/internal/plugin"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/power"
	"github.com/m-mcgowan/usb-device/internal/registry"
	"github.com/m-mcgowan/usb-device/internal/resolve"
	"github.com/m-mcgowan/usb-device/internal/scan"
	"github.com/m-mcgowan/usb-device/internal/version"
)

func main() {
	cfg := config.Load()
	a := &app{
		cfg: cfg,
		log: logging.New(os.Stderr, cfg.LogLevel),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "usb-device: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg config.Config
	log zerolog.Logger
}

func (a *app) loadRegistry() (*registry.Registry, error) {
	return registry.LoadFile(a.cfg.ConfPath)
}

func (a *app) loadCache() (*cache.Cache, error) {
	return cache.Load(a.cfg.DBPath)
}

func (a *app) lockManager() *locks.Manager {
	return locks.NewManager(a.cfg.LockDir)
}

func (a *app) ports() *portenum.Enumerator {
	return portenum.New(a.cfg.Python)
}

func (a *app) hubs() *hubenum.Enumerator {
	tool := "uhubctl"
	if a.cfg.BinDir != "" {
		tool = filepath.Join(a.cfg.BinDir, "uhubctl")
	}
	return hubenum.New(hubenum.ExecRunner(tool))
}

func (a *app) uhubctlPath() string {
	if a.cfg.BinDir != "" {
		return filepath.Join(a.cfg.BinDir, "uhubctl")
	}
	return "uhubctl"
}

func (a *app) dispatcher() *plugin.Dispatcher {
	return plugin.New(a.log, a.cfg.BundledPluginDir(), a.cfg.UserPluginDir())
}

func (a *app) engine(db *cache.Cache) *power.Engine {
	return power.New(a.log, hubenum.ExecRunner(a.uhubctlPath()), a.ports(), db, a.lockManager(), os.Stderr)
}

// resolveName performs the full fuzzy-name to topology resolution.
func (a *app) resolveName(ctx context.Context, query string, live bool) (resolve.Resolved, error) {
	reg, err := a.loadRegistry()
	if err != nil {
		return resolve.Resolved{}, err
	}
	db, err := a.loadCache()
	if err != nil {
		return resolve.Resolved{}, err
	}
	return resolve.Resolve(ctx, query, reg, db, resolve.Options{
		Live:  live,
		Hubs:  a.hubs(),
		Ports: a.ports(),
		Log:   a.log,
	})
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "usb-device",
		Short:         "Manage named USB devices: find, power-cycle, lock, and monitor them",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.ArbitraryArgs,
		// A first argument that is not a command is a device name,
		// followed by a chain of actions to run against it.
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return a.runChain(cmd.Context(), args[0], args[1:])
		},
	}

	root.AddCommand(
		a.listCmd(),
		a.scanCmd(),
		a.checkCmd(),
		a.findCmd(),
		a.typeCmd(),
		a.portCmd(),
		a.resetCmd(),
		a.onOffCmd("on"),
		a.onOffCmd("off"),
		a.checkoutCmd(),
		a.checkinCmd(),
		a.locksCmd(),
		a.monitorCmd(),
		a.versionCmd(),
		a.hubCmd(),
	)
	return root
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the registry with current status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			db, err := a.loadCache()
			if err != nil {
				return err
			}
			lm := a.lockManager()

			for _, d := range reg.Devices {
				id := d.Identifier
				if id == "" {
					id = "location=" + d.Location
				}
				fmt.Printf("%s (%s)  %s\n", d.Name, d.Type, id)

				switch {
				case d.Location != "":
					hub, port := resolve.SplitLocation(d.Location)
					fmt.Printf("    hub=%s port=%s link=static\n", hub, port)
				default:
					if rec, ok := db.Get(d.Name); ok {
						fmt.Printf("    hub=%s port=%s link=%s last_seen=%s\n",
							rec.Hub, rec.Port, rec.Link, rec.LastSeen)
					} else {
						fmt.Printf("    (no cached location; run: usb-device scan)\n")
					}
				}
				if info, held := lm.Holder(d.Name); held {
					fmt.Printf("    LOCKED by %s (pid %d) %s\n", info.Owner, info.PID, info.Purpose)
				}
			}
			return nil
		},
	}
}

func (a *app) scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rescan all registered devices and update the location cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			db, err := a.loadCache()
			if err != nil {
				return err
			}

			var recorder scan.Recorder
			if a.cfg.DatabaseURL != "" {
				store, err := history.Open(ctx, a.cfg.DatabaseURL)
				if err != nil {
					a.log.Warn().Err(err).Msg("scan history store unavailable")
				} else {
					defer store.Close()
					recorder = store
				}
			}

			s := scan.New(a.log, reg, db, a.hubs(), a.ports(), recorder)
			sum, err := s.Run(ctx)
			if err != nil {
				return err
			}
			sum.Print(os.Stdout)
			return nil
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify external dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			failed := 0
			report := func(name string, err error, hint string) {
				if err == nil {
					fmt.Printf("[ok]   %s\n", name)
					return
				}
				failed++
				fmt.Printf("[FAIL] %s: %v\n", name, err)
				if hint != "" {
					fmt.Printf("       %s\n", hint)
				}
			}

			reg, err := a.loadRegistry()
			report("devices.conf", err, "fix the registry file at "+a.cfg.ConfPath)

			_, err = exec.LookPath(a.uhubctlPath())
			report("uhubctl", err, "install uhubctl for power control (https://github.com/mvp/uhubctl)")

			_, portErr := a.ports().List(ctx)
			report("port enumerator", portErr, "install python3 + pyserial, or set "+config.EnvPython)

			if reg != nil {
				d := a.dispatcher()
				seen := map[string]bool{}
				for _, dev := range reg.Devices {
					if dev.Type == "generic" || seen[dev.Type] {
						continue
					}
					seen[dev.Type] = true
					report("plugin "+dev.Type, d.Check(ctx, dev.Type), "")
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find NAME",
		Short: "Resolve a device name to its hub, port, and link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.resolveName(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			printResolved(r)
			return nil
		},
	}
}

func printResolved(r resolve.Resolved) {
	fmt.Printf("name: %s\n", r.Name)
	fmt.Printf("type: %s\n", r.Type)
	if r.Identifier != "" {
		fmt.Printf("id: %s\n", r.Identifier)
	}
	fmt.Printf("hub: %s\n", r.Hub)
	fmt.Printf("port: %s\n", r.Port)
	link := r.Link
	if r.Cached {
		link = cache.LinkCached + " (" + r.Link + ")"
	}
	fmt.Printf("link: %s\n", link)
	if r.Dev != "" {
		fmt.Printf("dev: %s\n", r.Dev)
	}
	if r.LastSeen != "" {
		fmt.Printf("last_seen: %s\n", r.LastSeen)
	}
}

func (a *app) typeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "type NAME",
		Short: "Print a device's type tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			dev, _, err := resolve.Match(reg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(dev.Type)
			return nil
		},
	}
}

func (a *app) portCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "port NAME",
		Short: "Print a device's serial port path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.resolvePort(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
}

// resolvePort maps a fuzzy name (or a literal /dev path) to a live
// serial device path.
func (a *app) resolvePort(ctx context.Context, query string) (string, error) {
	if strings.HasPrefix(query, "/dev/") {
		return query, nil
	}
	reg, err := a.loadRegistry()
	if err != nil {
		return "", err
	}
	dev, _, err := resolve.Match(reg, query)
	if err != nil {
		return "", err
	}
	if !dev.HasSerial() {
		return "", fmt.Errorf("%s has no serial number (type %s)", dev.Name, dev.Type)
	}

	ports, err := a.ports().List(ctx)
	if err != nil {
		return "", err
	}
	p, seen, dup := portenum.FindIdentifier(ports, dev.Identifier)
	if dup {
		a.log.Warn().Str("device", dev.Name).Msg("identifier on multiple ports, using first")
	}
	if !seen || p.Device == "" {
		return "", fmt.Errorf("%s is not connected (no serial port for %s)", dev.Name, dev.Identifier)
	}
	return p.Device, nil
}

func (a *app) resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset NAME",
		Short: "Power-cycle a device's port, escalating to the hub if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.resolveName(ctx, args[0], true)
			if err != nil {
				return err
			}
			db, err := a.loadCache()
			if err != nil {
				return err
			}
			return a.engine(db).Reset(ctx, r, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the hub-cycle confirmation")
	return cmd
}

func (a *app) onOffCmd(action string) *cobra.Command {
	short := "Restore power to a device's port"
	if action == "off" {
		short = "Cut power to a device's port"
	}
	return &cobra.Command{
		Use:   action + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.resolveName(ctx, args[0], true)
			if err != nil {
				return err
			}
			db, err := a.loadCache()
			if err != nil {
				return err
			}
			eng := a.engine(db)
			if action == "on" {
				return eng.On(ctx, r)
			}
			return eng.Off(ctx, r)
		},
	}
}

func (a *app) checkoutCmd() *cobra.Command {
	var owner, purpose string
	var ttl, timeout time.Duration
	var wait bool
	cmd := &cobra.Command{
		Use:   "checkout NAME",
		Short: "Take the advisory lock on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			dev, _, err := resolve.Match(reg, args[0])
			if err != nil {
				return err
			}
			res, err := a.lockManager().Checkout(cmd.Context(), dev.Name, locks.CheckoutOptions{
				Owner:       owner,
				Purpose:     purpose,
				TTL:         ttl,
				Wait:        wait,
				WaitTimeout: timeout,
			})
			if res.Reclaimed {
				fmt.Println("Reclaiming stale lock")
			}
			if err != nil {
				return fmt.Errorf("checkout %s: %w", dev.Name, err)
			}
			fmt.Printf("Checked out %s\n", dev.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner (default: user@host)")
	cmd.Flags().StringVar(&purpose, "purpose", "", "why the device is held")
	cmd.Flags().DurationVar(&ttl, "ttl", locks.DefaultTTL, "lock time-to-live")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the lock instead of failing")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

func (a *app) checkinCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "checkin NAME",
		Short: "Release the advisory lock on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.loadRegistry()
			if err != nil {
				return err
			}
			dev, _, err := resolve.Match(reg, args[0])
			if err != nil {
				return err
			}
			if err := a.lockManager().Checkin(dev.Name, force); err != nil {
				return err
			}
			fmt.Printf("Checked in %s\n", dev.Name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "release even if another live process holds the lock")
	return cmd
}

func (a *app) locksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List all device locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.lockManager().List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No locks.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tOWNER\tPID\tSINCE\tPURPOSE\tSTATE")
			for _, e := range entries {
				state := "held"
				if e.Stale {
					state = "stale"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					e.Slug, e.Info.Owner, e.Info.PID,
					e.Info.Timestamp.Format(time.RFC3339), e.Info.Purpose, state)
			}
			return w.Flush()
		},
	}
}

func (a *app) monitorCmd() *cobra.Command {
	var baud int
	var timestamps bool
	var timeout time.Duration
	var sends []string
	var doReset, doBootloader bool
	cmd := &cobra.Command{
		Use:   "monitor NAME",
		Short: "Stream serial output from a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := a.resolvePort(ctx, args[0])
			if err != nil {
				return err
			}

			if doReset {
				if err := monitor.ResetBaudTouch(path, os.Stderr); err != nil {
					fmt.Fprintf(os.Stderr, "[monitor] Reset failed: %v\n", err)
				}
			} else if doBootloader {
				if err := monitor.EnterBootloader(path, baud, os.Stderr); err != nil {
					fmt.Fprintf(os.Stderr, "[monitor] Bootloader entry failed: %v\n", err)
				}
			}

			m := monitor.New(path, baud, os.Stdout, os.Stderr)
			m.Timestamps = timestamps
			m.Timeout = timeout
			for _, s := range sends {
				m.Sends = append(m.Sends, monitor.ParseSend(s))
			}
			return m.Run(ctx)
		},
	}
	cmd.Flags().IntVarP(&baud, "baud", "b", 115200, "baud rate")
	cmd.Flags().BoolVarP(&timestamps, "timestamps", "t", false, "timestamp each line")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "capture window; 0 runs until interrupted")
	cmd.Flags().StringArrayVar(&sends, "send", nil, "send DATA after connecting; prefix @SECSx to delay")
	cmd.Flags().BoolVar(&doReset, "reset", false, "reset via 1200 baud touch before monitoring")
	cmd.Flags().BoolVar(&doBootloader, "bootloader", false, "enter bootloader via RTS/DTR before monitoring")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("usb-device %s\n", version.String())
		},
	}
}

// runChain executes "NAME cmd [cmd…]": each action runs against the
// named device, built-ins first, then the device type's plugin.
func (a *app) runChain(ctx context.Context, name string, actions []string) error {
	reg, err := a.loadRegistry()
	if err != nil {
		return err
	}
	dev, _, err := resolve.Match(reg, name)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		r, err := a.resolveName(ctx, dev.Name, true)
		if err != nil {
			return err
		}
		printResolved(r)
		return nil
	}

	for _, action := range actions {
		if err := a.runAction(ctx, dev, action); err != nil {
			return fmt.Errorf("%s %s: %w", dev.Name, action, err)
		}
	}
	return nil
}

func (a *app) runAction(ctx context.Context, dev registry.Device, action string) error {
	switch action {
	case "find":
		r, err := a.resolveName(ctx, dev.Name, true)
		if err != nil {
			return err
		}
		printResolved(r)
		return nil
	case "type":
		fmt.Println(dev.Type)
		return nil
	case "port":
		path, err := a.resolvePort(ctx, dev.Name)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case "reset", "on", "off":
		r, err := a.resolveName(ctx, dev.Name, true)
		if err != nil {
			return err
		}
		db, err := a.loadCache()
		if err != nil {
			return err
		}
		eng := a.engine(db)
		switch action {
		case "reset":
			return eng.Reset(ctx, r, false)
		case "on":
			return eng.On(ctx, r)
		default:
			return eng.Off(ctx, r)
		}
	case "checkout":
		res, err := a.lockManager().Checkout(ctx, dev.Name, locks.CheckoutOptions{})
		if res.Reclaimed {
			fmt.Println("Reclaiming stale lock")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Checked out %s\n", dev.Name)
		return nil
	case "checkin":
		if err := a.lockManager().Checkin(dev.Name, false); err != nil {
			return err
		}
		fmt.Printf("Checked in %s\n", dev.Name)
		return nil
	}

	// Not a built-in: the device type's plugin owns it.
	port := ""
	if dev.HasSerial() {
		if p, err := a.resolvePort(ctx, dev.Name); err == nil {
			port = p
		}
	}
	return a.dispatcher().Run(ctx, dev.Type, action, plugin.Env{
		Name: dev.Name,
		Port: port,
		Chip: dev.Chip,
	})
}
