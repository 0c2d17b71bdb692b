package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlatForm(t *testing.T) {
	reg, err := Parse("My Device=B8:F8:62:D2:2A:FC\n", "devices.conf")
	require.NoError(t, err)
	require.Len(t, reg.Devices, 1)

	d := reg.Devices[0]
	assert.Equal(t, "My Device", d.Name)
	assert.Equal(t, "B8:F8:62:D2:2A:FC", d.Identifier)
	assert.Equal(t, "generic", d.Type)
	assert.Equal(t, "My Device", d.DisplayName)
}

func TestParseSectionForm(t *testing.T) {
	content := `
# comment
; also a comment
[MPCB 1.9 Development]
mac=B8:F8:62:D2:2A:FC
type=esp32
chip=esp32s3
hub_name=MPCB 1.9
`
	reg, err := Parse(content, "devices.conf")
	require.NoError(t, err)
	require.Len(t, reg.Devices, 1)

	d := reg.Devices[0]
	assert.Equal(t, "MPCB 1.9 Development", d.Name)
	assert.Equal(t, "B8:F8:62:D2:2A:FC", d.Identifier)
	assert.Equal(t, "esp32", d.Type)
	assert.Equal(t, "esp32s3", d.Chip)
	assert.Equal(t, "MPCB 1.9", d.DisplayName)
}

// Flat N=V and a minimal [N] mac=V section must register equivalent
// generic devices.
func TestFlatAndSectionEquivalence(t *testing.T) {
	flat, err := Parse("Board=AA:BB:CC:DD:EE:FF\n", "a")
	require.NoError(t, err)
	section, err := Parse("[Board]\nmac=AA:BB:CC:DD:EE:FF\n", "b")
	require.NoError(t, err)

	df, ds := flat.Devices[0], section.Devices[0]
	df.Line, ds.Line = 0, 0
	assert.Equal(t, df, ds)
}

func TestSerialAliasesMac(t *testing.T) {
	reg, err := Parse("[Board]\nserial=DN05PQXJ\n", "devices.conf")
	require.NoError(t, err)
	assert.Equal(t, "DN05PQXJ", reg.Devices[0].Identifier)
}

func TestLocationDevice(t *testing.T) {
	content := "[Charger A]\nlocation=20-2.3\ntype=power\n"
	reg, err := Parse(content, "devices.conf")
	require.NoError(t, err)

	d := reg.Devices[0]
	assert.Equal(t, "20-2.3", d.Location)
	assert.Empty(t, d.Identifier)
	assert.False(t, d.HasSerial())
	assert.Equal(t, "power", d.Type)
}

func TestHubSectionIsNotADevice(t *testing.T) {
	content := `
[hub:insight]
port=/dev/cu.usbmodem2101
location=20-3.3

[Board]
mac=AA:BB:CC:DD:EE:FF
`
	reg, err := Parse(content, "devices.conf")
	require.NoError(t, err)

	require.Len(t, reg.Devices, 1)
	assert.Equal(t, "Board", reg.Devices[0].Name)

	cfg, ok := reg.HubConfig["insight"]
	require.True(t, ok)
	assert.Equal(t, "/dev/cu.usbmodem2101", cfg["port"])
	assert.Equal(t, "20-3.3", cfg["location"])
}

func TestDuplicateNameError(t *testing.T) {
	content := "Board=AA:BB:CC:DD:EE:01\n\n[Board]\nmac=AA:BB:CC:DD:EE:02\n"
	_, err := Parse(content, "devices.conf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate device name "Board"`)
	assert.Contains(t, err.Error(), "devices.conf:3")
}

func TestIdentifierAndLocationConflict(t *testing.T) {
	content := "[Board]\nmac=AA:BB:CC:DD:EE:FF\nlocation=20-2.1\n"
	_, err := Parse(content, "devices.conf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both a serial identifier and a location")
}

func TestUnknownKeyError(t *testing.T) {
	content := "[Board]\nmac=AA:BB:CC:DD:EE:FF\ncolour=red\n"
	_, err := Parse(content, "devices.conf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "colour"`)
	assert.Contains(t, err.Error(), "devices.conf:3")
}

func TestErrorsAreAggregated(t *testing.T) {
	content := "[A]\nbogus=1\n[B]\nwrong=2\nmac=AA:BB:CC:DD:EE:FF\n"
	_, err := Parse(content, "devices.conf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown key "bogus"`)
	assert.Contains(t, err.Error(), `unknown key "wrong"`)
}

func TestDisplayNameTruncation(t *testing.T) {
	long := "A Very Long Device Name Indeed"
	reg, err := Parse(long+"=AA:BB:CC:DD:EE:FF\n", "devices.conf")
	require.NoError(t, err)
	assert.Len(t, reg.Devices[0].DisplayName, MaxDisplayLen)
	assert.True(t, strings.HasPrefix(long, reg.Devices[0].DisplayName))
}

func TestLookupIsCaseSensitive(t *testing.T) {
	reg, err := Parse("Board=AA:BB:CC:DD:EE:FF\n", "devices.conf")
	require.NoError(t, err)

	_, ok := reg.Lookup("Board")
	assert.True(t, ok)
	_, ok = reg.Lookup("board")
	assert.False(t, ok)
}
