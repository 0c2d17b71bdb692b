// Package resolve maps user-provided fuzzy names to registered devices
// and fuses registry, cache, and live enumerator evidence into a
// Resolved.
package resolve

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/cache"
	"github.com/m-mcgowan/usb-device/internal/hubenum"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/registry"
)

// nameListCap bounds the candidate list printed on a failed lookup.
const nameListCap = 20

// Resolved is a device with its resolved topology.
type Resolved struct {
	registry.Device

	Hub      string
	Port     string
	Link     string
	Dev      string
	LastSeen string
	// Cached is set when the topology came from the location cache
	// rather than a live pass.
	Cached bool
}

// NotFoundError reports a failed name lookup with the registered names.
type NotFoundError struct {
	Query string
	Names []string
}

func (e *NotFoundError) Error() string {
	if len(e.Names) == 0 {
		return fmt.Sprintf("no device matching %q (registry is empty)", e.Query)
	}
	names := e.Names
	suffix := ""
	if len(names) > nameListCap {
		suffix = fmt.Sprintf("\n  … and %d more", len(names)-nameListCap)
		names = names[:nameListCap]
	}
	return fmt.Sprintf("no device matching %q; registered devices:\n  %s%s",
		e.Query, strings.Join(names, "\n  "), suffix)
}

// Match selects a device by fuzzy name. Matching proceeds in tiers
// (exact, substring, then regular expression, all case-insensitive) and
// the first non-empty tier wins. Ties go to registry order; the full
// match set is returned so callers can warn on ambiguity.
func Match(reg *registry.Registry, query string) (registry.Device, []registry.Device, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	var exact, substr, rx []registry.Device
	var re *regexp.Regexp
	if compiled, err := regexp.Compile("(?i)" + query); err == nil {
		re = compiled
	}

	for _, d := range reg.Devices {
		name := strings.ToLower(d.Name)
		switch {
		case name == q:
			exact = append(exact, d)
		case strings.Contains(name, q):
			substr = append(substr, d)
		case re != nil && re.MatchString(d.Name):
			rx = append(rx, d)
		}
	}

	for _, tier := range [][]registry.Device{exact, substr, rx} {
		if len(tier) > 0 {
			return tier[0], tier, nil
		}
	}
	return registry.Device{}, nil, &NotFoundError{Query: query, Names: reg.Names()}
}

// HubSource snapshots power-controllable hub state.
type HubSource interface {
	Snapshot(ctx context.Context) []hubenum.PortInfo
}

// PortSource enumerates serial-capable USB devices.
type PortSource interface {
	List(ctx context.Context) ([]portenum.Port, error)
}

// Options controls topology resolution.
type Options struct {
	// Live requests a fresh enumerator pass; the cache is consulted only
	// when that pass does not locate the device.
	Live  bool
	Hubs  HubSource
	Ports PortSource
	Log   zerolog.Logger
}

// Resolve matches query against the registry and resolves the device's
// topology per the selected evidence source.
func Resolve(ctx context.Context, query string, reg *registry.Registry, db *cache.Cache, opts Options) (Resolved, error) {
	dev, matches, err := Match(reg, query)
	if err != nil {
		return Resolved{}, err
	}
	if len(matches) > 1 {
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name)
		}
		opts.Log.Warn().Str("query", query).Strs("matches", names).
			Msg("ambiguous device name, using first registry match")
	}

	r := Resolved{Device: dev}

	// Static-location devices derive topology purely from the registry.
	if dev.Location != "" {
		r.Hub, r.Port = SplitLocation(dev.Location)
		r.Link = cache.LinkStatic
		return r, nil
	}

	if opts.Live {
		if rec, ok := locateLive(ctx, dev, opts); ok {
			r.Hub, r.Port, r.Link, r.Dev = rec.Hub, rec.Port, rec.Link, rec.Dev
			return r, nil
		}
	}

	if rec, ok := db.Get(dev.Name); ok {
		r.Hub, r.Port, r.Link, r.Dev, r.LastSeen = rec.Hub, rec.Port, rec.Link, rec.Dev, rec.LastSeen
		r.Cached = true
		return r, nil
	}

	if opts.Live {
		return r, fmt.Errorf("device %q not currently connected (no cached location either); try: usb-device scan", dev.Name)
	}
	return r, fmt.Errorf("no known location for %q; try: usb-device scan", dev.Name)
}

func locateLive(ctx context.Context, dev registry.Device, opts Options) (cache.Record, bool) {
	var ports []portenum.Port
	if opts.Ports != nil {
		var err error
		ports, err = opts.Ports.List(ctx)
		if err != nil {
			opts.Log.Debug().Err(err).Msg("port enumerator unavailable")
		}
	}
	var hubs []hubenum.PortInfo
	if opts.Hubs != nil {
		hubs = opts.Hubs.Snapshot(ctx)
	}
	return Locate(dev, hubs, ports, opts.Log)
}

// Locate fuses one device's hub-enumerator and port-enumerator evidence
// into a location record. The scanner applies this per registered device.
func Locate(dev registry.Device, hubs []hubenum.PortInfo, ports []portenum.Port, log zerolog.Logger) (cache.Record, bool) {
	if dev.Identifier == "" {
		return cache.Record{}, false
	}

	rec := cache.Record{Identifier: dev.Identifier}

	port, seen, dup := portenum.FindIdentifier(ports, dev.Identifier)
	if dup {
		log.Warn().Str("device", dev.Name).Str("identifier", dev.Identifier).
			Msg("identifier appears on multiple serial ports, using first")
	}
	if seen {
		rec.Dev = port.Device
	}

	// Direct: the power-control tool itself enumerated the device.
	if hp, ok := hubenum.Find(hubs, dev.Identifier); ok {
		rec.Hub = hp.Hub
		rec.Port = hp.Port
		rec.Link = cache.LinkDirect
		return rec, true
	}

	if !seen {
		return cache.Record{}, false
	}

	// Indirect: a sub-hub intervenes; infer the nearest controllable
	// port from the topology prefix.
	if hub, p, ok := nearestControllable(port.Location, hubenum.Hubs(hubs)); ok {
		rec.Hub = hub
		rec.Port = p
		rec.Link = cache.LinkIndirect
		return rec, true
	}

	rec.Hub = "-"
	rec.Port = "-"
	rec.Link = cache.LinkNoHub
	return rec, true
}

// nearestControllable finds the longest hub id that prefixes location and
// returns the first topology segment past it.
func nearestControllable(location string, hubs []string) (hub, port string, ok bool) {
	if location == "" {
		return "", "", false
	}
	best := ""
	for _, h := range hubs {
		if strings.HasPrefix(location, h+".") && len(h) > len(best) {
			best = h
		}
	}
	if best == "" {
		return "", "", false
	}
	rest := location[len(best)+1:]
	port, _, _ = strings.Cut(rest, ".")
	return best, port, true
}

// SplitLocation splits a topology string at the last dot into hub and
// port ("20-2.3" → "20-2", "3"). A dotless location is all hub.
func SplitLocation(location string) (hub, port string) {
	i := strings.LastIndex(location, ".")
	if i < 0 {
		return location, ""
	}
	return location[:i], location[i+1:]
}
