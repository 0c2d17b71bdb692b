//go:build !linux

package hotplug

import "errors"

// ErrUnsupported marks platforms without a native hotplug facility.
var ErrUnsupported = errors.New("no native hotplug source on this platform")

// New reports that this platform has no native hotplug facility; callers
// degrade to NewTimerOnly and keepalive polling.
func New() (Source, error) {
	return nil, ErrUnsupported
}
