// Package scan cross-joins the registry with the hub and port
// enumerators, computes the new location-cache state, and persists it.
package scan

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/cache"
	"github.com/m-mcgowan/usb-device/internal/registry"
	"github.com/m-mcgowan/usb-device/internal/resolve"
)

// Observation is one device sighting, as handed to the optional recorder.
type Observation struct {
	Name       string
	Identifier string
	Hub        string
	Port       string
	Link       string
	Dev        string
	SeenAt     string
}

// Recorder receives scan observations (the pgx-backed history store
// implements this; nil disables recording).
type Recorder interface {
	RecordScan(ctx context.Context, obs []Observation) error
}

// Outcome is one device's scan result.
type Outcome struct {
	Device  registry.Device
	Record  cache.Record
	Found   bool
	Evicted string // name evicted from this record's hub/port, if any
	Skipped string // reason the record was not written this pass
}

// Summary is the result of one scan pass.
type Summary struct {
	Found    int
	Outcomes []Outcome
}

// Scanner performs a single-pass rescan of all registered devices.
type Scanner struct {
	log      zerolog.Logger
	reg      *registry.Registry
	db       *cache.Cache
	hubs     resolve.HubSource
	ports    resolve.PortSource
	recorder Recorder
	now      func() time.Time
}

// New assembles a Scanner. recorder may be nil.
func New(log zerolog.Logger, reg *registry.Registry, db *cache.Cache, hubs resolve.HubSource, ports resolve.PortSource, recorder Recorder) *Scanner {
	return &Scanner{
		log:      log,
		reg:      reg,
		db:       db,
		hubs:     hubs,
		ports:    ports,
		recorder: recorder,
		now:      time.Now,
	}
}

// Run executes one scan pass and persists the cache. The cache holds at
// most one name per (hub, port): a newly observed claim evicts a stale
// holder, and within a pass the device declared earlier in the registry
// wins.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	unlock, err := acquireScanLock(s.db)
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	hubSnap := s.hubs.Snapshot(ctx)
	ports, err := s.ports.List(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("port enumerator unavailable, scanning with hub evidence only")
	}

	var sum Summary
	var obs []Observation
	claimed := map[string]string{} // "hub|port" -> name, this pass
	seenAt := s.now().UTC().Format(time.RFC3339)

	for _, dev := range s.reg.Devices {
		// Static-location devices derive topology from the registry
		// alone and never join scan evidence.
		if dev.Identifier == "" {
			continue
		}

		rec, found := resolve.Locate(dev, hubSnap, ports, s.log)
		if !found {
			// Offline: the previous record, if any, stands.
			sum.Outcomes = append(sum.Outcomes, offlineOutcome(dev, s.db))
			continue
		}

		out := Outcome{Device: dev, Record: rec, Found: true}

		if rec.Link == cache.LinkDirect || rec.Link == cache.LinkIndirect {
			key := rec.Hub + "|" + rec.Port
			if winner, taken := claimed[key]; taken {
				// Earlier registry declaration wins the port; this
				// device retains its prior record.
				out.Skipped = fmt.Sprintf("hub %s port %s already claimed by %q", rec.Hub, rec.Port, winner)
				s.log.Warn().Str("device", dev.Name).Str("winner", winner).
					Str("hub", rec.Hub).Str("port", rec.Port).Msg("conflicting port claim")
				sum.Outcomes = append(sum.Outcomes, out)
				sum.Found++
				continue
			}
			claimed[key] = dev.Name

			if old, ok := s.db.ByHubPort(rec.Hub, rec.Port); ok && old != dev.Name {
				s.db.Delete(old)
				out.Evicted = old
				s.log.Info().Str("evicted", old).Str("device", dev.Name).
					Str("hub", rec.Hub).Str("port", rec.Port).Msg("port reassigned, evicting stale record")
			}
		}

		rec.LastSeen = seenAt
		s.db.Put(dev.Name, rec)
		sum.Found++
		sum.Outcomes = append(sum.Outcomes, out)
		obs = append(obs, Observation{
			Name:       dev.Name,
			Identifier: dev.Identifier,
			Hub:        rec.Hub,
			Port:       rec.Port,
			Link:       rec.Link,
			Dev:        rec.Dev,
			SeenAt:     seenAt,
		})
	}

	if err := s.db.Save(); err != nil {
		return sum, fmt.Errorf("persist location cache: %w", err)
	}

	if s.recorder != nil && len(obs) > 0 {
		if err := s.recorder.RecordScan(ctx, obs); err != nil {
			s.log.Warn().Err(err).Msg("scan history recording failed")
		}
	}

	return sum, nil
}

func offlineOutcome(dev registry.Device, db *cache.Cache) Outcome {
	out := Outcome{Device: dev}
	if rec, ok := db.Get(dev.Name); ok {
		out.Record = rec
	}
	return out
}

// Print writes the human-readable per-device scan report.
func (sum Summary) Print(w io.Writer) {
	for _, out := range sum.Outcomes {
		switch {
		case out.Found && out.Skipped != "":
			fmt.Fprintf(w, "[conflict] %s: %s\n", out.Device.Name, out.Skipped)
		case out.Found && out.Record.Link == cache.LinkNoHub:
			fmt.Fprintf(w, "[found] %s dev=%s link=no-hub (no power-switchable hub)\n",
				out.Device.Name, out.Record.Dev)
		case out.Found:
			fmt.Fprintf(w, "[found] %s hub=%s port=%s link=%s\n",
				out.Device.Name, out.Record.Hub, out.Record.Port, out.Record.Link)
			if out.Evicted != "" {
				fmt.Fprintf(w, "  evicted stale record for %s\n", out.Evicted)
			}
		case out.Record.Hub != "" || out.Record.Dev != "":
			fmt.Fprintf(w, "[offline] %s (last seen %s)\n", out.Device.Name, out.Record.LastSeen)
		default:
			fmt.Fprintf(w, "[offline] %s (never seen)\n", out.Device.Name)
		}
	}
	fmt.Fprintf(w, "Scan complete: %d device(s) found\n", sum.Found)
}

// acquireScanLock serializes scanner passes (and their cache writes)
// across processes using mkdir semantics next to the cache file.
func acquireScanLock(db *cache.Cache) (func(), error) {
	dir := db.LockPath()
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return func() { _ = os.Remove(dir) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("another scan is in progress (%s)", dir)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
