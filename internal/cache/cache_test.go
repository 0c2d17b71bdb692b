package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Load(filepath.Join(t.TempDir(), "locations.json"))
	require.NoError(t, err)
	return c
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	c := tempCache(t)
	assert.Equal(t, 0, c.Len())
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json")
	c, err := Load(path)
	require.NoError(t, err)

	rec := Record{
		Identifier: "AA:BB:CC:DD:EE:FF",
		Hub:        "20-2",
		Port:       "1",
		Link:       LinkDirect,
		Dev:        "/dev/cu.usbmodem101",
		LastSeen:   "2026-08-06T10:00:00Z",
	}
	c.Put("Device A", rec)
	require.NoError(t, c.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("Device A")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

// The legacy on-disk key for the identifier is "mac".
func TestIdentifierStoredUnderMacKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json")
	c, err := Load(path)
	require.NoError(t, err)
	c.Put("Device A", Record{Identifier: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, c.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", doc["Device A"]["mac"])
}

func TestByHubPort(t *testing.T) {
	c := tempCache(t)
	c.Put("Device A", Record{Hub: "20-2", Port: "1"})
	c.Put("Device B", Record{Hub: "20-2", Port: "2"})

	name, ok := c.ByHubPort("20-2", "1")
	require.True(t, ok)
	assert.Equal(t, "Device A", name)

	_, ok = c.ByHubPort("20-2", "3")
	assert.False(t, ok)
}

func TestOnHub(t *testing.T) {
	c := tempCache(t)
	c.Put("B", Record{Hub: "20-2", Port: "2"})
	c.Put("A", Record{Hub: "20-2", Port: "1"})
	c.Put("C", Record{Hub: "20-3", Port: "1"})

	assert.Equal(t, []string{"A", "B"}, c.OnHub("20-2"))
}

func TestDelete(t *testing.T) {
	c := tempCache(t)
	c.Put("Device A", Record{Hub: "20-2", Port: "1"})
	c.Delete("Device A")
	_, ok := c.Get("Device A")
	assert.False(t, ok)
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt location cache")
}

// Save must not leave temp files behind and must produce a complete
// document.
func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locations.json")
	c, err := Load(path)
	require.NoError(t, err)
	c.Put("Device A", Record{Hub: "20-2", Port: "1"})
	require.NoError(t, c.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "locations.json", entries[0].Name())
}
