// Package power switches device power and verifies re-enumeration.
//
// The default backend drives per-port power switching through uhubctl;
// devices registered with a pdu= address are switched through an
// SNMP-managed PDU outlet instead. Port-level reset escalates to a
// hub-level cycle after confirmation, since cycling a hub drops every
// device on it.
package power

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/cache"
	"github.com/m-mcgowan/usb-device/internal/hubenum"
	"github.com/m-mcgowan/usb-device/internal/locks"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/resolve"
)

// reappearTimeout bounds the wait for a device to re-enumerate after a
// power cycle.
const reappearTimeout = 10 * time.Second

// Backend switches power for one device.
type Backend interface {
	Set(ctx context.Context, dev resolve.Resolved, action string) error
	// CycleHub power-cycles the entire hub the device sits on.
	CycleHub(ctx context.Context, hub string) error
}

// Engine coordinates backends, lock warnings, and re-enumeration checks.
type Engine struct {
	log   zerolog.Logger
	run   hubenum.Runner
	ports resolve.PortSource
	db    *cache.Cache
	locks *locks.Manager
	out   io.Writer
	// confirm prompts the user before hub-level escalation.
	confirm func(prompt string) bool
	// reappear bounds the re-enumeration wait; tests shorten it.
	reappear time.Duration
}

// New assembles an Engine. run defaults to uhubctl from PATH; out
// defaults to stderr.
func New(log zerolog.Logger, run hubenum.Runner, ports resolve.PortSource, db *cache.Cache, lm *locks.Manager, out io.Writer) *Engine {
	if run == nil {
		run = hubenum.ExecRunner("uhubctl")
	}
	if out == nil {
		out = os.Stderr
	}
	return &Engine{
		log:      log,
		run:      run,
		ports:    ports,
		db:       db,
		locks:    lm,
		out:      out,
		confirm:  ttyConfirm,
		reappear: reappearTimeout,
	}
}

// SetConfirm replaces the escalation prompt (tests, --force paths).
func (e *Engine) SetConfirm(f func(string) bool) { e.confirm = f }

// On restores power to the device's port.
func (e *Engine) On(ctx context.Context, dev resolve.Resolved) error {
	e.warnIfLocked(dev.Name)
	return e.backend(dev).Set(ctx, dev, "on")
}

// Off cuts power to the device's port.
func (e *Engine) Off(ctx context.Context, dev resolve.Resolved) error {
	e.warnIfLocked(dev.Name)
	return e.backend(dev).Set(ctx, dev, "off")
}

// Reset power-cycles the device's port and waits for it to re-enumerate.
// If the device does not reappear, the reset escalates to cycling the
// whole hub; without force, escalation lists the collateral devices and
// asks for confirmation. A failure after the hub cycle is reported but
// not fatal.
func (e *Engine) Reset(ctx context.Context, dev resolve.Resolved, force bool) error {
	e.warnIfLocked(dev.Name)

	b := e.backend(dev)
	fmt.Fprintf(e.out, "Power-cycling %s (hub %s port %s)...\n", dev.Name, dev.Hub, dev.Port)
	if err := b.Set(ctx, dev, "cycle"); err != nil {
		return err
	}

	// Location-only devices have no serial identity to watch for.
	if dev.Identifier == "" {
		return nil
	}

	if e.waitReappear(ctx, dev.Identifier) {
		fmt.Fprintf(e.out, "%s re-enumerated.\n", dev.Name)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !force {
		others := e.collateral(dev)
		prompt := fmt.Sprintf("%s did not re-enumerate. Cycle the whole hub %s?", dev.Name, dev.Hub)
		if len(others) > 0 {
			prompt = fmt.Sprintf("%s did not re-enumerate. Cycle the whole hub %s? This also power-cycles: %s.",
				dev.Name, dev.Hub, strings.Join(others, ", "))
		}
		if !e.confirm(prompt + " [y/N] ") {
			return fmt.Errorf("%s did not re-enumerate and hub cycle was declined", dev.Name)
		}
	}

	fmt.Fprintf(e.out, "Cycling hub %s...\n", dev.Hub)
	if err := b.CycleHub(ctx, dev.Hub); err != nil {
		return err
	}
	if e.waitReappear(ctx, dev.Identifier) {
		fmt.Fprintf(e.out, "%s re-enumerated after hub cycle.\n", dev.Name)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	fmt.Fprintf(e.out, "warning: %s still not visible after hub cycle\n", dev.Name)
	return nil
}

func (e *Engine) backend(dev resolve.Resolved) Backend {
	if dev.PDU != "" {
		return &pduBackend{log: e.log}
	}
	return &uhubctlBackend{run: e.run}
}

func (e *Engine) warnIfLocked(name string) {
	if e.locks == nil {
		return
	}
	if info, held := e.locks.Holder(name); held && info.PID != os.Getpid() {
		fmt.Fprintf(e.out, "warning: %s is checked out by %s (pid %d); proceeding (locks are advisory)\n",
			name, info.Owner, info.PID)
	}
}

// waitReappear polls the port enumerator until the identifier is visible
// again or the timeout elapses. Cancellable via ctx.
func (e *Engine) waitReappear(ctx context.Context, identifier string) bool {
	deadline := time.Now().Add(e.reappear)
	poll := 500 * time.Millisecond
	if e.reappear < poll {
		poll = e.reappear / 2
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
		ports, err := e.ports.List(ctx)
		if err != nil {
			continue
		}
		if _, seen, _ := portenum.FindIdentifier(ports, identifier); seen {
			return true
		}
	}
	return false
}

// collateral lists the other devices cached on the same hub.
func (e *Engine) collateral(dev resolve.Resolved) []string {
	if e.db == nil {
		return nil
	}
	var out []string
	for _, name := range e.db.OnHub(dev.Hub) {
		if name != dev.Name {
			out = append(out, name)
		}
	}
	return out
}

func ttyConfirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}

// uhubctlBackend switches hub port power through the external tool.
type uhubctlBackend struct {
	run hubenum.Runner
}

func (b *uhubctlBackend) Set(ctx context.Context, dev resolve.Resolved, action string) error {
	if dev.Hub == "" || dev.Hub == "-" {
		return fmt.Errorf("no power-switchable hub governs %s", dev.Name)
	}
	_, err := b.run(ctx, "-l", dev.Hub, "-p", dev.Port, "-a", action)
	if err != nil {
		return fmt.Errorf("uhubctl %s hub %s port %s: %w", action, dev.Hub, dev.Port, err)
	}
	return nil
}

func (b *uhubctlBackend) CycleHub(ctx context.Context, hub string) error {
	_, err := b.run(ctx, "-l", hub, "-a", "cycle")
	if err != nil {
		return fmt.Errorf("uhubctl cycle hub %s: %w", hub, err)
	}
	return nil
}
