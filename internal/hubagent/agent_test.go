package hubagent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/probe"
	"github.com/m-mcgowan/usb-device/internal/registry"
)

// fakeHubPort acknowledges every push with {"status":"ok"}.
type fakeHubPort struct {
	writes []string
	closed bool
}

func (f *fakeHubPort) Write(p []byte) (int, error) {
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeHubPort) Read(p []byte) (int, error) {
	return copy(p, "{\"status\":\"ok\"}\n"), nil
}

func (f *fakeHubPort) Close() error {
	f.closed = true
	return nil
}

func mustParse(t *testing.T, content string) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse(content, "devices.conf")
	require.NoError(t, err)
	return reg
}

func testAgent(t *testing.T, reg *registry.Registry, ports []portenum.Port) (*Agent, *fakeHubPort) {
	t.Helper()
	a := New(zerolog.Nop(), Config{
		HubPort:     "/dev/cu.usbmodem2101",
		HubLocation: "20-3.3",
	}, reg, portenum.New(""), nil, nil)

	hub := &fakeHubPort{}
	a.list = func(context.Context) ([]portenum.Port, error) { return ports, nil }
	a.open = func(string) (io.ReadWriteCloser, error) { return hub, nil }
	a.probeFn = func(string) probe.State { return probe.StateRunning }
	return a, hub
}

func TestSyncPushesAllChannelsInOrder(t *testing.T) {
	reg := mustParse(t, "Board X=AA:AA:AA:AA:AA:AA\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "/dev/ttyACM0", Location: "20-3.3.1"},
	}
	a, hub := testAgent(t, reg, ports)

	require.NoError(t, a.Sync(context.Background()))
	require.Len(t, hub.writes, 3)

	for i, ch := range []string{"CH1", "CH2", "CH3"} {
		var msg struct {
			Action string             `json:"action"`
			Params map[string]Display `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(hub.writes[i]), &msg))
		assert.Equal(t, "set", msg.Action)
		_, ok := msg.Params[ch]
		assert.True(t, ok, "push %d should address %s", i, ch)
	}

	assert.Contains(t, hub.writes[0], "Board X")
	assert.Contains(t, hub.writes[0], ColorGreen)
	// Empty channels render the placeholder.
	assert.Contains(t, hub.writes[1], "---")
	assert.True(t, hub.closed)
}

// A probed esp32 sitting in the ROM bootloader renders in orange.
func TestBootloaderDeviceRendersOrange(t *testing.T) {
	reg := mustParse(t, "[Board X]\nmac=AA:AA:AA:AA:AA:AA\ntype=esp32\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "/dev/ttyACM0", Location: "20-3.3.1"},
	}
	a, hub := testAgent(t, reg, ports)
	a.probeFn = func(string) probe.State { return probe.StateBootloader }

	require.NoError(t, a.Sync(context.Background()))
	assert.Contains(t, hub.writes[0], ColorOrange)
	assert.Contains(t, hub.writes[0], "bootloader")
}

// Probing happens at most once per appearance, keyed on the identifier.
func TestProbeOncePerAppearance(t *testing.T) {
	reg := mustParse(t, "[Board X]\nmac=AA:AA:AA:AA:AA:AA\ntype=esp32\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "/dev/ttyACM0", Location: "20-3.3.1"},
	}
	a, _ := testAgent(t, reg, ports)

	probes := 0
	a.probeFn = func(string) probe.State {
		probes++
		return probe.StateRunning
	}
	a.hubLoc = "20-3.3"

	ctx := context.Background()
	_, err := a.scanChannels(ctx, true)
	require.NoError(t, err)
	_, err = a.scanChannels(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, probes)

	// Disappearance clears the probe cache; reappearance probes again.
	a.list = func(context.Context) ([]portenum.Port, error) { return nil, nil }
	_, err = a.scanChannels(ctx, true)
	require.NoError(t, err)
	a.list = func(context.Context) ([]portenum.Port, error) { return ports, nil }
	_, err = a.scanChannels(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, probes)
}

// Every display line stays within the hub's 14-character limit.
func TestDisplayTextTruncated(t *testing.T) {
	reg := mustParse(t, "A Device With A Very Long Name=AA:AA:AA:AA:AA:AA\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "/dev/ttyACM0", Location: "20-3.3.2.7.1"},
	}
	a, _ := testAgent(t, reg, ports)
	a.hubLoc = "20-3.3"

	displays, err := a.scanChannels(context.Background(), true)
	require.NoError(t, err)
	for _, d := range displays {
		for slot, line := range d.Lines {
			assert.LessOrEqual(t, len(line.Txt), registry.MaxDisplayLen, "line %s", slot)
		}
	}
}

func TestUnregisteredDevicesIgnored(t *testing.T) {
	reg := mustParse(t, "Board X=AA:AA:AA:AA:AA:AA\n")
	ports := []portenum.Port{
		{Identifier: "FF:FF:FF:FF:FF:FF", Device: "/dev/ttyACM9", Location: "20-3.3.1"},
	}
	a, _ := testAgent(t, reg, ports)
	a.hubLoc = "20-3.3"

	displays, err := a.scanChannels(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "---", displays[1].Lines["T1"].Txt)
}

// A device with no serial device path is present but asleep.
func TestSleepingState(t *testing.T) {
	reg := mustParse(t, "Board X=AA:AA:AA:AA:AA:AA\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "", Location: "20-3.3.1"},
	}
	a, _ := testAgent(t, reg, ports)
	a.hubLoc = "20-3.3"

	displays, err := a.scanChannels(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, StateSleeping, displays[1].Lines["T2"].Txt)
	assert.Equal(t, ColorCyan, displays[1].Lines["T1"].Color)
}

func TestRegistryHubOverride(t *testing.T) {
	reg := mustParse(t, "[hub:insight]\nport=/dev/cu.usbmodemX\nlocation=20-9.1\n\nBoard=AA:AA:AA:AA:AA:AA\n")
	a := New(zerolog.Nop(), Config{}, reg, portenum.New(""), nil, nil)
	assert.Equal(t, "/dev/cu.usbmodemX", a.cfg.HubPort)
	assert.Equal(t, "20-9.1", a.cfg.HubLocation)
}

func TestStatusOutput(t *testing.T) {
	reg := mustParse(t, "Board X=AA:AA:AA:AA:AA:AA\n")
	ports := []portenum.Port{
		{Identifier: "AA:AA:AA:AA:AA:AA", Device: "/dev/ttyACM0", Location: "20-3.3.1"},
		{Identifier: "FF:FF:FF:FF:FF:FF", Device: "/dev/ttyACM1", Location: "20-3.3.2", Product: "Some Gadget"},
	}
	a, _ := testAgent(t, reg, ports)

	var sb strings.Builder
	require.NoError(t, a.Status(context.Background(), &sb))
	out := sb.String()
	assert.Contains(t, out, "CH1: Board X")
	assert.Contains(t, out, "CH2: Some Gadget (unregistered)")
	assert.Contains(t, out, "CH3: (empty)")
}
