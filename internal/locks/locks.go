// Package locks provides advisory per-device exclusive access with
// liveness-based stale-lock reclamation.
//
// A lock is a directory under the lock root (mkdir is the acquire
// primitive) holding a line-oriented info document. Locks are local to
// one workstation.
package locks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultTTL bounds a lock's life even if its owner process survives.
const DefaultTTL = 1800 * time.Second

const infoFile = "info"

// Info is the lock metadata stored in the info document.
type Info struct {
	PID       int
	Owner     string
	Timestamp time.Time
	Purpose   string
	TTL       time.Duration
}

// Entry is one lock as reported by List.
type Entry struct {
	Slug  string
	Info  Info
	Stale bool
}

// ConflictError reports a checkout refused by a live holder.
type ConflictError struct {
	Slug string
	Info Info
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("locked by %s (pid %d)", e.Info.Owner, e.Info.PID)
	if e.Info.Purpose != "" {
		msg += ": " + e.Info.Purpose
	}
	return msg
}

// Slug maps a device name to its lock directory name: lowercased, with
// every non-alphanumeric character replaced by an underscore. The mapping is
// idempotent; two differently-cased names share a slug by design, so all
// operations key on the slug.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Manager operates on a lock root directory.
type Manager struct {
	root string
	// pidAlive is swappable for tests.
	pidAlive func(pid int) bool
	now      func() time.Time
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{
		root:     dir,
		pidAlive: pidAlive,
		now:      time.Now,
	}
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// CheckoutOptions tunes Checkout. Zero values select the defaults.
type CheckoutOptions struct {
	Owner       string
	Purpose     string
	TTL         time.Duration
	Wait        bool
	WaitTimeout time.Duration
}

// CheckoutResult reports how the lock was obtained.
type CheckoutResult struct {
	Slug string
	// Reclaimed is set when a stale lock was removed first.
	Reclaimed bool
}

// Checkout acquires the lock for name. A live holder fails the call (or
// is waited out with Wait); a stale lock (dead PID or expired TTL) is
// silently reclaimed.
func (m *Manager) Checkout(ctx context.Context, name string, opts CheckoutOptions) (CheckoutResult, error) {
	slug := Slug(name)
	if slug == "" || strings.Trim(slug, "_") == "" {
		return CheckoutResult{}, fmt.Errorf("cannot derive a lock name from %q", name)
	}
	if opts.Owner == "" {
		opts.Owner = defaultOwner()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	deadline := m.now().Add(opts.WaitTimeout)
	res := CheckoutResult{Slug: slug}
	for {
		reclaimed, err := m.tryAcquire(slug, opts)
		res.Reclaimed = res.Reclaimed || reclaimed
		if err == nil {
			return res, nil
		}
		var conflict *ConflictError
		if !opts.Wait || !errors.As(err, &conflict) || m.now().After(deadline) {
			return res, err
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *Manager) tryAcquire(slug string, opts CheckoutOptions) (reclaimed bool, err error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return false, err
	}

	dir := filepath.Join(m.root, slug)
	if info, ok := m.readInfo(slug); ok {
		if m.stale(info) {
			if err := os.RemoveAll(dir); err != nil {
				return false, fmt.Errorf("reclaim stale lock: %w", err)
			}
			reclaimed = true
		} else {
			return false, &ConflictError{Slug: slug, Info: info}
		}
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			// Lost the race to a concurrent checkout.
			if info, ok := m.readInfo(slug); ok {
				return reclaimed, &ConflictError{Slug: slug, Info: info}
			}
		}
		return reclaimed, err
	}

	info := Info{
		PID:       os.Getpid(),
		Owner:     opts.Owner,
		Timestamp: m.now().UTC(),
		Purpose:   opts.Purpose,
		TTL:       opts.TTL,
	}
	if err := writeInfo(filepath.Join(dir, infoFile), info); err != nil {
		_ = os.RemoveAll(dir)
		return reclaimed, err
	}
	return reclaimed, nil
}

// Checkin releases the lock for name. Releasing a lock that does not
// exist succeeds silently; releasing another live holder's lock requires
// force.
func (m *Manager) Checkin(name string, force bool) error {
	slug := Slug(name)
	dir := filepath.Join(m.root, slug)

	info, ok := m.readInfo(slug)
	if !ok {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil
		}
		// Directory without a readable info document: treat as stale.
		return os.RemoveAll(dir)
	}

	if !force && !m.stale(info) && info.PID != os.Getpid() {
		return fmt.Errorf("refusing to release lock held by %s (pid %d); use force", info.Owner, info.PID)
	}
	return os.RemoveAll(dir)
}

// Holder returns the current live holder of name's lock, if any.
func (m *Manager) Holder(name string) (Info, bool) {
	info, ok := m.readInfo(Slug(name))
	if !ok || m.stale(info) {
		return Info{}, false
	}
	return info, true
}

// List enumerates all locks under the root, flagging stale ones.
func (m *Manager) List() ([]Entry, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, ok := m.readInfo(e.Name())
		if !ok {
			out = append(out, Entry{Slug: e.Name(), Stale: true})
			continue
		}
		out = append(out, Entry{Slug: e.Name(), Info: info, Stale: m.stale(info)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// stale reports whether the lock's owner is demonstrably dead or its TTL
// has elapsed.
func (m *Manager) stale(info Info) bool {
	if !m.pidAlive(info.PID) {
		return true
	}
	ttl := info.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.now().After(info.Timestamp.Add(ttl))
}

func (m *Manager) readInfo(slug string) (Info, bool) {
	data, err := os.ReadFile(filepath.Join(m.root, slug, infoFile))
	if err != nil {
		return Info{}, false
	}
	return parseInfo(string(data)), true
}

func parseInfo(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		key, val, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch key {
		case "PID":
			info.PID, _ = strconv.Atoi(val)
		case "OWNER":
			info.Owner = val
		case "TIMESTAMP":
			info.Timestamp, _ = time.Parse(time.RFC3339, val)
		case "PURPOSE":
			info.Purpose = val
		case "TTL":
			secs, _ := strconv.Atoi(val)
			info.TTL = time.Duration(secs) * time.Second
		}
	}
	return info
}

func writeInfo(path string, info Info) error {
	content := fmt.Sprintf("PID=%d\nOWNER=%s\nTIMESTAMP=%s\nPURPOSE=%s\nTTL=%d\n",
		info.PID, info.Owner, info.Timestamp.Format(time.RFC3339), info.Purpose,
		int(info.TTL/time.Second))
	return os.WriteFile(path, []byte(content), 0o644)
}

func defaultOwner() string {
	owner := "unknown"
	if u, err := user.Current(); err == nil {
		owner = u.Username
	}
	if host, err := os.Hostname(); err == nil {
		owner += "@" + host
	}
	return owner
}
