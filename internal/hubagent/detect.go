package hubagent

import (
	"strconv"
	"strings"

	"github.com/m-mcgowan/usb-device/internal/portenum"
)

// Insight Hub identification.
const (
	hubProduct = "InsightHUB Controller"
	hubVIDPID  = "303a:1001"
)

// DisplayChannels is the hub's display-slot count in the current
// generation. The controller itself sits on the hub's last internal
// port, one past the display channels.
const DisplayChannels = 3

// Detect finds the hub controller among enumerated ports and derives the
// hub's own topology path by stripping the controller's port segment
// ("20-3.3.4" → hub "20-3.3").
func Detect(ports []portenum.Port) (portPath, hubLocation string, ok bool) {
	for _, p := range ports {
		if p.Product != hubProduct && p.VIDPID != hubVIDPID {
			continue
		}
		loc := ""
		if i := strings.LastIndex(p.Location, "."); i > 0 {
			loc = p.Location[:i]
		}
		return p.Device, loc, true
	}
	return "", "", false
}

// ChannelFor maps a device location to a display channel: a device at L
// sits on channel c iff L starts with hub "." c, for c in 1..n. Devices
// deeper behind the channel (sub-hubs) still map to it.
func ChannelFor(location, hubLocation string, n int) (int, bool) {
	if location == "" || hubLocation == "" {
		return 0, false
	}
	if !strings.HasPrefix(location, hubLocation+".") {
		return 0, false
	}
	rest := location[len(hubLocation)+1:]
	seg, _, _ := strings.Cut(rest, ".")
	c, err := strconv.Atoi(seg)
	if err != nil || c < 1 || c > n {
		return 0, false
	}
	return c, true
}

// ChannelName renders the wire name for a channel index ("CH1"...).
func ChannelName(c int) string {
	return "CH" + strconv.Itoa(c)
}
