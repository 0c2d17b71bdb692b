// Package hubagent keeps the display hub's per-channel screens in sync
// with attached device state.
//
// The hub firmware clears a display after 4.5 seconds of serial silence,
// so the agent re-pushes every channel on a 2-second keepalive cadence
// even when nothing changed. Hotplug events trigger an immediate
// re-enumeration after a short settle; bootloader probing happens only
// when a device first appears on a channel, to keep the probe's port
// grab off the steady-state path.
package hubagent

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/hotplug"
	"github.com/m-mcgowan/usb-device/internal/metrics"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/probe"
	"github.com/m-mcgowan/usb-device/internal/registry"
)

// Runtime states rendered on the hub.
const (
	StateRunning      = "running"
	StateBootloader   = "bootloader"
	StateSleeping     = "sleeping"
	StateDisconnected = "disconnected"
	StateUnknown      = "unknown"
)

var stateColors = map[string]string{
	StateRunning:      ColorGreen,
	StateBootloader:   ColorOrange,
	StateSleeping:     ColorCyan,
	StateDisconnected: ColorRed,
	StateUnknown:      ColorDarkGrey,
}

// Config tunes the agent. Zero values select the defaults.
type Config struct {
	Channels int
	// Interval is the keepalive cadence; it must stay below the hub's
	// 4.5-second display-clear watchdog.
	Interval time.Duration
	Settle   time.Duration
	// HubPort and HubLocation override auto-detection (registry section
	// [hub:insight], keys port= and location=).
	HubPort     string
	HubLocation string
}

func (c Config) withDefaults() Config {
	if c.Channels <= 0 {
		c.Channels = DisplayChannels
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Settle <= 0 {
		c.Settle = 500 * time.Millisecond
	}
	return c
}

// ChannelState is one channel's current assignment, as exposed to the
// status command and the HTTP endpoint.
type ChannelState struct {
	Channel     int    `json:"channel"`
	Identifier  string `json:"identifier,omitempty"`
	Device      string `json:"device,omitempty"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	State       string `json:"state,omitempty"`
	Registered  bool   `json:"registered"`
}

// Agent is the display-hub state machine.
type Agent struct {
	log zerolog.Logger
	cfg Config
	m   *metrics.Metrics

	devices map[string]registry.Device // keyed by lowercased identifier

	list    func(ctx context.Context) ([]portenum.Port, error)
	open    func(path string) (io.ReadWriteCloser, error)
	probeFn func(path string) probe.State

	sig    *hotplug.Signal
	source hotplug.Source

	hubPort string
	hubLoc  string
	conn    *Conn
	hubLost bool

	mu         sync.Mutex
	chanIDs    map[int]string
	chanStates map[int]string
	chanInfo   map[int]ChannelState
	lastPush   map[int]Display
	probeCache map[string]string
	lastPushAt time.Time
}

// New assembles an Agent. source may be nil for pure-timer operation;
// m may be nil.
func New(log zerolog.Logger, cfg Config, reg *registry.Registry, ports *portenum.Enumerator, source hotplug.Source, m *metrics.Metrics) *Agent {
	cfg = cfg.withDefaults()

	// Registry [hub:insight] overrides beat auto-detection.
	if insight, ok := reg.HubConfig["insight"]; ok {
		if cfg.HubPort == "" {
			cfg.HubPort = insight["port"]
		}
		if cfg.HubLocation == "" {
			cfg.HubLocation = insight["location"]
		}
	}

	devices := map[string]registry.Device{}
	for _, d := range reg.Devices {
		if d.Identifier != "" {
			devices[strings.ToLower(d.Identifier)] = d
		}
	}

	return &Agent{
		log:        log,
		cfg:        cfg,
		m:          m,
		devices:    devices,
		list:       ports.List,
		open:       openSerial,
		probeFn:    probe.Device,
		sig:        hotplug.NewSignal(),
		source:     source,
		chanIDs:    map[int]string{},
		chanStates: map[int]string{},
		chanInfo:   map[int]ChannelState{},
		lastPush:   map[int]Display{},
		probeCache: map[string]string{},
	}
}

// ensureHub detects and opens the controller port.
func (a *Agent) ensureHub(ctx context.Context) error {
	port, loc := a.cfg.HubPort, a.cfg.HubLocation
	if port == "" || loc == "" {
		ports, err := a.list(ctx)
		if err != nil {
			return fmt.Errorf("enumerate ports: %w", err)
		}
		autoPort, autoLoc, _ := Detect(ports)
		if port == "" {
			port = autoPort
		}
		if loc == "" {
			loc = autoLoc
		}
		if port == "" {
			return fmt.Errorf("display hub not found; is it connected?")
		}
	}
	if loc == "" {
		return fmt.Errorf("display hub found at %s but its location is unknown; set [hub:insight] location=", port)
	}

	rw, err := a.open(port)
	if err != nil {
		return fmt.Errorf("open hub controller %s: %w", port, err)
	}
	a.mu.Lock()
	a.hubPort = port
	a.hubLoc = loc
	a.mu.Unlock()
	a.conn = NewConn(rw)
	return nil
}

// Sync performs a one-shot push of all channels and exits.
func (a *Agent) Sync(ctx context.Context) error {
	if err := a.ensureHub(ctx); err != nil {
		return err
	}
	defer a.closeHub()

	displays, err := a.scanChannels(ctx, true)
	if err != nil {
		return err
	}
	return a.pushAll(displays, true)
}

// Watch runs the agent loop until ctx is cancelled. The hub being
// absent at startup is not fatal: the loop keeps re-detecting every
// keepalive interval.
func (a *Agent) Watch(ctx context.Context) error {
	if a.source != nil {
		if err := a.source.Subscribe(a.sig); err != nil {
			a.log.Warn().Err(err).Msg("hotplug subscription failed, degrading to keepalive polling")
		} else {
			defer a.source.Close()
			a.log.Info().Msg("hotplug events subscribed")
		}
	}

	if err := a.ensureHub(ctx); err != nil {
		a.log.Warn().Err(err).Msg("hub unavailable, will retry")
		a.hubLost = true
	} else {
		a.refresh(ctx, true, true)
	}

	a.log.Info().Dur("interval", a.cfg.Interval).Msg("watching")

	timer := time.NewTimer(a.cfg.Interval)
	defer timer.Stop()
	for {
		woken := false
		select {
		case <-ctx.Done():
			a.closeHub()
			return ctx.Err()
		case <-a.sig.Chan():
			woken = true
		case <-timer.C:
		}
		timer.Reset(a.cfg.Interval)
		a.m.IncWake(woken)

		if a.hubLost {
			if a.reconnect(ctx) {
				a.log.Info().Str("port", a.hubPort).Msg("reconnected to display hub")
				a.refresh(ctx, true, true)
			}
			continue
		}

		if woken {
			// Let USB enumeration settle, then drain events that fired
			// meanwhile so they don't cause a redundant wake.
			if !sleepCtx(ctx, a.cfg.Settle) {
				a.closeHub()
				return ctx.Err()
			}
			a.sig.Clear()
		}

		a.refresh(ctx, woken, false)
	}
}

// refresh enumerates, recomputes channel state, and pushes. probeNew
// enables bootloader probing for newly-appeared devices.
func (a *Agent) refresh(ctx context.Context, probeNew, force bool) {
	start := time.Now()
	displays, err := a.scanChannels(ctx, probeNew)
	a.m.ObserveScan(time.Since(start))
	if err != nil {
		a.log.Warn().Err(err).Msg("port enumeration failed")
		return
	}
	if err := a.pushAll(displays, force); err != nil {
		a.log.Warn().Err(err).Msg("hub push failed, entering reconnect")
		a.hubLost = true
		a.closeHub()
	}
}

// scanChannels maps enumerated ports onto display channels and builds
// the desired render state.
func (a *Agent) scanChannels(ctx context.Context, probeNew bool) (map[int]Display, error) {
	ports, err := a.list(ctx)
	if err != nil {
		return nil, err
	}

	assigned := map[int]portenum.Port{}
	for _, p := range ports {
		if p.Identifier == "" {
			continue
		}
		if _, registered := a.devices[strings.ToLower(p.Identifier)]; !registered {
			continue
		}
		c, ok := ChannelFor(p.Location, a.hubLoc, a.cfg.Channels)
		if !ok {
			continue
		}
		if _, taken := assigned[c]; !taken {
			assigned[c] = p
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	displays := map[int]Display{}
	for c := 1; c <= a.cfg.Channels; c++ {
		p, present := assigned[c]
		if !present {
			if id := a.chanIDs[c]; id != "" {
				delete(a.probeCache, id)
			}
			delete(a.chanIDs, c)
			delete(a.chanStates, c)
			a.chanInfo[c] = ChannelState{Channel: c}
			displays[c] = emptyDisplay()
			continue
		}

		dev := a.devices[strings.ToLower(p.Identifier)]
		state := a.chanStates[c]
		if !strings.EqualFold(a.chanIDs[c], p.Identifier) || state == "" {
			state = a.probeState(p, dev, probeNew)
		}
		a.chanIDs[c] = p.Identifier
		a.chanStates[c] = state
		a.chanInfo[c] = ChannelState{
			Channel:     c,
			Identifier:  p.Identifier,
			Device:      p.Device,
			Name:        dev.Name,
			DisplayName: dev.DisplayName,
			State:       state,
			Registered:  true,
		}
		displays[c] = buildDisplay(dev, state, p.Location)
	}
	return displays, nil
}

// probeState classifies a newly-appeared device. Probing is keyed on the
// identifier so a device is probed at most once per appearance.
func (a *Agent) probeState(p portenum.Port, dev registry.Device, probeNew bool) string {
	if p.Device == "" {
		return StateSleeping
	}
	if dev.Type != "esp32" {
		return StateRunning
	}
	if cached, ok := a.probeCache[p.Identifier]; ok {
		return cached
	}
	if !probeNew {
		return StateRunning
	}

	state := StateRunning
	switch a.probeFn(p.Device) {
	case probe.StateBootloader:
		state = StateBootloader
	case probe.StateUnknown:
		state = StateUnknown
	}
	a.m.ObserveProbe(state)
	a.probeCache[p.Identifier] = state
	return state
}

// pushAll writes every channel in index order. All channels push every
// cycle to feed the display watchdog; only changes are logged unless
// force is set.
func (a *Agent) pushAll(displays map[int]Display, force bool) error {
	for c := 1; c <= a.cfg.Channels; c++ {
		d := displays[c]
		name := ChannelName(c)
		changed := !d.Equal(a.lastPush[c])

		err := a.conn.Push(name, d)
		a.m.ObservePush(name, err == nil)
		if err != nil {
			return fmt.Errorf("push %s: %w", name, err)
		}
		if changed || force {
			a.log.Info().Str("channel", name).Str("text", d.Lines["T1"].Txt).
				Str("color", d.Lines["T1"].Color).Msg("channel updated")
		}
		a.lastPush[c] = d
	}
	a.mu.Lock()
	a.lastPushAt = time.Now()
	a.mu.Unlock()
	return nil
}

// reconnect drops all cached state and attempts a fresh detect/open.
// The hub may have moved to a different port path.
func (a *Agent) reconnect(ctx context.Context) bool {
	a.closeHub()

	a.mu.Lock()
	a.chanIDs = map[int]string{}
	a.chanStates = map[int]string{}
	a.lastPush = map[int]Display{}
	a.probeCache = map[string]string{}
	a.mu.Unlock()

	if err := a.ensureHub(ctx); err != nil {
		a.log.Debug().Err(err).Msg("hub still unavailable")
		return false
	}
	a.hubLost = false
	a.m.IncReconnect()
	return true
}

func (a *Agent) closeHub() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// Snapshot returns the current channel assignments for status surfaces.
func (a *Agent) Snapshot() []ChannelState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ChannelState, 0, a.cfg.Channels)
	for c := 1; c <= a.cfg.Channels; c++ {
		if info, ok := a.chanInfo[c]; ok {
			out = append(out, info)
		} else {
			out = append(out, ChannelState{Channel: c})
		}
	}
	return out
}

// HubInfo reports the controller port and hub location once detected.
func (a *Agent) HubInfo() (port, location string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hubPort, a.hubLoc
}

// Status prints the hub and channel assignments without pushing.
func (a *Agent) Status(ctx context.Context, w io.Writer) error {
	port, loc := a.cfg.HubPort, a.cfg.HubLocation
	ports, err := a.list(ctx)
	if err != nil {
		return err
	}
	if port == "" || loc == "" {
		autoPort, autoLoc, ok := Detect(ports)
		if !ok && port == "" {
			return fmt.Errorf("display hub not found; is it connected?")
		}
		if port == "" {
			port = autoPort
		}
		if loc == "" {
			loc = autoLoc
		}
	}

	fmt.Fprintf(w, "Insight Hub: %s\n", port)
	fmt.Fprintf(w, "Hub location: %s\n", loc)
	fmt.Fprintf(w, "Registered devices: %d\n\n", len(a.devices))

	type chanDev struct {
		name, dev, display string
		registered         bool
	}
	byChannel := map[int]chanDev{}
	for _, p := range ports {
		if p.Identifier == "" {
			continue
		}
		c, ok := ChannelFor(p.Location, loc, a.cfg.Channels)
		if !ok {
			continue
		}
		if _, taken := byChannel[c]; taken {
			continue
		}
		if dev, registered := a.devices[strings.ToLower(p.Identifier)]; registered {
			byChannel[c] = chanDev{name: dev.Name, dev: p.Device, display: dev.DisplayName, registered: true}
		} else {
			byChannel[c] = chanDev{name: p.Product, dev: p.Device, display: registry.Truncate(p.Product)}
		}
	}

	for c := 1; c <= a.cfg.Channels; c++ {
		d, ok := byChannel[c]
		if !ok {
			fmt.Fprintf(w, "  %s: (empty)\n", ChannelName(c))
			continue
		}
		suffix := ""
		if !d.registered {
			suffix = " (unregistered)"
		}
		fmt.Fprintf(w, "  %s: %s%s\n", ChannelName(c), d.name, suffix)
		fmt.Fprintf(w, "       dev=%s  display=%s\n", d.dev, d.display)
	}
	return nil
}

func buildDisplay(dev registry.Device, state, location string) Display {
	color, ok := stateColors[state]
	if !ok {
		color = ColorGreen
	}

	lines := map[string]Line{
		"T1": {Txt: registry.Truncate(dev.DisplayName), Color: color},
	}
	if state != StateRunning {
		lines["T2"] = Line{Txt: registry.Truncate(state), Color: color}
	} else if dev.Type != "generic" {
		lines["T2"] = Line{Txt: registry.Truncate(dev.Type), Color: ColorDarkGrey}
	}
	if location != "" {
		lines["T3"] = Line{Txt: registry.Truncate(location), Color: ColorDarkGrey}
	}
	return Display{Lines: lines, NumDev: "10", UsbType: "2"}
}

func emptyDisplay() Display {
	return Display{
		Lines:   map[string]Line{"T1": {Txt: "---", Color: ColorDarkGrey}},
		NumDev:  "10",
		UsbType: "2",
	}
}

// sleepCtx sleeps for d unless ctx ends first; reports whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
