package power

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-mcgowan/usb-device/internal/cache"
	"github.com/m-mcgowan/usb-device/internal/portenum"
	"github.com/m-mcgowan/usb-device/internal/registry"
	"github.com/m-mcgowan/usb-device/internal/resolve"
)

// fakeRunner records uhubctl invocations.
type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) run(_ context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	return "", nil
}

// portsAfter makes the identifier visible after n List calls.
type portsAfter struct {
	identifier string
	after      int
	calls      int
}

func (p *portsAfter) List(context.Context) ([]portenum.Port, error) {
	p.calls++
	if p.calls <= p.after {
		return nil, nil
	}
	return []portenum.Port{{Identifier: p.identifier, Device: "/dev/ttyACM0"}}, nil
}

func resolved(name, id string) resolve.Resolved {
	return resolve.Resolved{
		Device: registry.Device{Name: name, Identifier: id, Type: "generic"},
		Hub:    "20-2",
		Port:   "1",
		Link:   cache.LinkDirect,
	}
}

func testEngine(t *testing.T, run *fakeRunner, ports resolve.PortSource, db *cache.Cache) (*Engine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	e := New(zerolog.Nop(), run.run, ports, db, nil, &out)
	e.reappear = 50 * time.Millisecond
	return e, &out
}

func TestOnOff(t *testing.T) {
	run := &fakeRunner{}
	e, _ := testEngine(t, run, &portsAfter{}, nil)

	require.NoError(t, e.On(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA")))
	require.NoError(t, e.Off(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA")))

	require.Len(t, run.calls, 2)
	assert.Equal(t, []string{"-l", "20-2", "-p", "1", "-a", "on"}, run.calls[0])
	assert.Equal(t, []string{"-l", "20-2", "-p", "1", "-a", "off"}, run.calls[1])
}

func TestResetSucceedsOnReappearance(t *testing.T) {
	run := &fakeRunner{}
	ports := &portsAfter{identifier: "AA:AA:AA:AA:AA:AA"}
	e, out := testEngine(t, run, ports, nil)

	err := e.Reset(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA"), false)
	require.NoError(t, err)

	require.Len(t, run.calls, 1)
	assert.Equal(t, []string{"-l", "20-2", "-p", "1", "-a", "cycle"}, run.calls[0])
	assert.Contains(t, out.String(), "re-enumerated")
}

// A reset that never re-enumerates escalates to a hub cycle after
// confirmation, listing the collateral devices.
func TestResetEscalatesToHubCycle(t *testing.T) {
	run := &fakeRunner{}
	ports := &portsAfter{identifier: "AA:AA:AA:AA:AA:AA", after: 1 << 30}
	db := tempCache(t)
	db.Put("Device B", cache.Record{Hub: "20-2", Port: "2"})
	e, out := testEngine(t, run, ports, db)

	var prompt string
	e.SetConfirm(func(p string) bool {
		prompt = p
		return true
	})

	err := e.Reset(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA"), false)
	require.NoError(t, err)

	assert.Contains(t, prompt, "Device B")
	require.Len(t, run.calls, 2)
	assert.Equal(t, []string{"-l", "20-2", "-a", "cycle"}, run.calls[1])
	// Failure after the hub cycle is reported but not fatal.
	assert.Contains(t, out.String(), "still not visible")
}

func TestResetDeclinedEscalationFails(t *testing.T) {
	run := &fakeRunner{}
	ports := &portsAfter{identifier: "AA:AA:AA:AA:AA:AA", after: 1 << 30}
	e, _ := testEngine(t, run, ports, nil)
	e.SetConfirm(func(string) bool { return false })

	err := e.Reset(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declined")
	require.Len(t, run.calls, 1)
}

// force skips the confirmation prompt entirely.
func TestResetForceSkipsPrompt(t *testing.T) {
	run := &fakeRunner{}
	ports := &portsAfter{identifier: "AA:AA:AA:AA:AA:AA", after: 1 << 30}
	e, _ := testEngine(t, run, ports, nil)
	e.SetConfirm(func(string) bool {
		t.Fatal("prompt must not fire with force")
		return false
	})

	err := e.Reset(context.Background(), resolved("Device A", "AA:AA:AA:AA:AA:AA"), true)
	require.NoError(t, err)
	require.Len(t, run.calls, 2)
}

// Location-only devices have no identifier to wait for; the cycle alone
// completes the reset.
func TestResetStaticDevice(t *testing.T) {
	run := &fakeRunner{}
	e, _ := testEngine(t, run, &portsAfter{after: 1 << 30}, nil)

	dev := resolve.Resolved{
		Device: registry.Device{Name: "Charger A", Location: "20-2.3", Type: "power"},
		Hub:    "20-2",
		Port:   "3",
		Link:   cache.LinkStatic,
	}
	require.NoError(t, e.Reset(context.Background(), dev, false))
	require.Len(t, run.calls, 1)
}

func TestNoHubDeviceCannotBeSwitched(t *testing.T) {
	run := &fakeRunner{}
	e, _ := testEngine(t, run, &portsAfter{}, nil)

	dev := resolve.Resolved{
		Device: registry.Device{Name: "Device A", Identifier: "AA:AA:AA:AA:AA:AA"},
		Hub:    "-",
		Port:   "-",
		Link:   cache.LinkNoHub,
	}
	err := e.On(context.Background(), dev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no power-switchable hub")
}

func TestParsePDUAddress(t *testing.T) {
	addr, err := parsePDUAddress("pdu1.lab:4")
	require.NoError(t, err)
	assert.Equal(t, pduAddress{Host: "pdu1.lab", Outlet: 4, Community: "private"}, addr)

	addr, err = parsePDUAddress("10.0.0.9:12:lab")
	require.NoError(t, err)
	assert.Equal(t, pduAddress{Host: "10.0.0.9", Outlet: 12, Community: "lab"}, addr)

	_, err = parsePDUAddress("justahost")
	require.Error(t, err)
	_, err = parsePDUAddress("host:zero")
	require.Error(t, err)
}

func tempCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Load(t.TempDir() + "/locations.json")
	require.NoError(t, err)
	return c
}

func TestCollateralExcludesSelf(t *testing.T) {
	db := tempCache(t)
	db.Put("Device A", cache.Record{Hub: "20-2", Port: "1"})
	db.Put("Device B", cache.Record{Hub: "20-2", Port: "2"})
	db.Put("Device C", cache.Record{Hub: "20-3", Port: "1"})

	e, _ := testEngine(t, &fakeRunner{}, &portsAfter{}, db)
	others := e.collateral(resolved("Device A", "AA:AA:AA:AA:AA:AA"))
	assert.Equal(t, []string{"Device B"}, others)
	assert.False(t, strings.Contains(strings.Join(others, ","), "Device C"))
}
