// Package portenum lists serial-capable USB devices with their OS
// topology strings.
//
// The primary path shells out to a pyserial one-liner (the only portable
// source of USB location strings); USB_DEVICE_PYTHON overrides the
// interpreter. When python is unavailable we fall back to the in-process
// go.bug.st enumerator, which knows identifiers and products but not
// locations. That is enough for serial-only workflows.
package portenum

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// Port is one enumerated serial device.
type Port struct {
	Identifier string // USB serial number (chip MAC for espressif parts)
	Device     string // OS device path, e.g. /dev/cu.usbmodem101
	Location   string // full topology string, e.g. "20-2.2.1"; may be empty
	VIDPID     string // "vid:pid" hex, lowercase, when known
	Product    string // USB product string, when known
}

// listScript prints one pipe-separated line per port. Field order matches
// Parse below.
const listScript = `
import serial.tools.list_ports
for p in serial.tools.list_ports.comports():
    vid = "%04x:%04x" % (p.vid, p.pid) if p.vid is not None else ""
    print("|".join([p.serial_number or "", p.device or "", p.location or "", vid, p.product or ""]))
`

// Enumerator lists serial ports.
type Enumerator struct {
	Python string // interpreter for the external path; "" disables it
}

// New returns an Enumerator using the given python interpreter.
func New(python string) *Enumerator {
	return &Enumerator{Python: python}
}

// List enumerates current serial ports. The external pyserial path is
// preferred for its location strings; any failure falls back to the
// in-process enumerator.
func (e *Enumerator) List(ctx context.Context) ([]Port, error) {
	if e.Python != "" {
		if ports, err := e.listExternal(ctx); err == nil {
			return ports, nil
		}
	}
	return listNative()
}

func (e *Enumerator) listExternal(ctx context.Context) ([]Port, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Python, "-c", listScript)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("port enumerator (%s): %w", e.Python, err)
	}
	return Parse(string(out)), nil
}

// Parse decodes the pipe-separated enumerator output. Lines with fewer
// than two fields are skipped.
func Parse(output string) []Port {
	var out []Port
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Split(line, "|")
		if len(f) < 2 || f[1] == "" {
			continue
		}
		p := Port{Identifier: f[0], Device: f[1]}
		if len(f) > 2 {
			p.Location = f[2]
		}
		if len(f) > 3 {
			p.VIDPID = strings.ToLower(f[3])
		}
		if len(f) > 4 {
			p.Product = f[4]
		}
		out = append(out, p)
	}
	return out
}

func listNative() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var out []Port
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		p := Port{
			Identifier: d.SerialNumber,
			Device:     d.Name,
			Product:    d.Product,
		}
		if d.VID != "" {
			p.VIDPID = strings.ToLower(d.VID + ":" + d.PID)
		}
		out = append(out, p)
	}
	return out, nil
}

// FindIdentifier returns the first port carrying the identifier
// (case-insensitive) and whether more than one matched. Dual-CDC devices
// expose the same serial number on two ports; the first occurrence wins.
func FindIdentifier(ports []Port, identifier string) (Port, bool, bool) {
	var found Port
	matches := 0
	for _, p := range ports {
		if p.Identifier != "" && strings.EqualFold(p.Identifier, identifier) {
			if matches == 0 {
				found = p
			}
			matches++
		}
	}
	return found, matches > 0, matches > 1
}
