// Package hubenum snapshots power-controllable hub state by invoking
// uhubctl and parsing its status tree.
//
// The output is human-readable and varies across uhubctl versions and hub
// firmware, so parsing is deliberately tolerant: unrecognized lines are
// skipped, and a missing tool yields an empty snapshot. Workstations
// without switchable hubs still work for serial-only tasks.
package hubenum

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Port classes. ClassDevice accompanies an extracted device identifier;
// the others are reported when no identifier could be extracted.
const (
	ClassDevice  = "device"
	ClassHub     = "hub"
	ClassEmpty   = "empty"
	ClassUnknown = "unknown"
)

// PortInfo is one hub port's observed state.
type PortInfo struct {
	Hub        string // uhubctl hub id, e.g. "20-2" or "20-2.3"
	Port       string // port number on that hub
	Identifier string // extracted device identifier (MAC/serial), or ""
	Class      string // device, hub, empty, unknown
	Descriptor string // raw bracketed descriptor, if any
}

// Runner invokes the external power-control tool and returns its stdout.
type Runner func(ctx context.Context, args ...string) (string, error)

// ExecRunner runs uhubctl from PATH (or the given absolute path).
func ExecRunner(tool string) Runner {
	return func(ctx context.Context, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, tool, args...)
		out, err := cmd.Output()
		return string(out), err
	}
}

// Enumerator wraps a Runner with the snapshot/parse logic.
type Enumerator struct {
	run Runner
}

// New returns an Enumerator using the given runner; nil means uhubctl
// from PATH.
func New(run Runner) *Enumerator {
	if run == nil {
		run = ExecRunner("uhubctl")
	}
	return &Enumerator{run: run}
}

// Snapshot enumerates all controllable hubs. Failure is silent by design:
// a missing tool or empty output returns an empty slice.
func (e *Enumerator) Snapshot(ctx context.Context) []PortInfo {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := e.run(ctx)
	if err != nil {
		return nil
	}
	return Parse(out)
}

var (
	hubLineRe  = regexp.MustCompile(`^Current status for hub ([0-9][0-9.\-]*)(?:\s+\[(.*)\])?`)
	portLineRe = regexp.MustCompile(`^\s+Port (\d+): \S+\s*(.*)$`)
	macRe      = regexp.MustCompile(`\b([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})\b`)
	serialRe   = regexp.MustCompile(`\s([0-9A-Za-z]{8,})$`)
)

// Parse extracts port records from uhubctl status output.
func Parse(output string) []PortInfo {
	var out []PortInfo
	var hub string

	for _, line := range strings.Split(output, "\n") {
		if m := hubLineRe.FindStringSubmatch(line); m != nil {
			hub = m[1]
			continue
		}
		m := portLineRe.FindStringSubmatch(line)
		if m == nil || hub == "" {
			continue
		}

		info := PortInfo{Hub: hub, Port: m[1]}
		rest := strings.TrimSpace(m[2])

		if open := strings.Index(rest, "["); open >= 0 && strings.HasSuffix(rest, "]") {
			info.Descriptor = rest[open+1 : len(rest)-1]
		}
		info.Identifier, info.Class = classify(info.Descriptor, rest)
		out = append(out, info)
	}
	return out
}

func classify(descriptor, rest string) (identifier, class string) {
	if descriptor == "" {
		if strings.Contains(rest, "connect") {
			return "", ClassUnknown
		}
		return "", ClassEmpty
	}
	if m := macRe.FindStringSubmatch(descriptor); m != nil {
		return m[1], ClassDevice
	}
	if strings.Contains(strings.ToLower(descriptor), "hub") {
		return "", ClassHub
	}
	// Some descriptors end with a bare serial number.
	if m := serialRe.FindStringSubmatch(descriptor); m != nil {
		return m[1], ClassDevice
	}
	return "", ClassUnknown
}

// Find returns the port where identifier is directly visible.
func Find(snapshot []PortInfo, identifier string) (PortInfo, bool) {
	for _, p := range snapshot {
		if p.Identifier != "" && strings.EqualFold(p.Identifier, identifier) {
			return p, true
		}
	}
	return PortInfo{}, false
}

// Hubs returns the distinct hub ids in the snapshot, in first-seen order.
func Hubs(snapshot []PortInfo) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range snapshot {
		if !seen[p.Hub] {
			seen[p.Hub] = true
			out = append(out, p.Hub)
		}
	}
	return out
}
