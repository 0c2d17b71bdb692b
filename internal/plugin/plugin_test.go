package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func TestFindSearchesBundledFirst(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	writeScript(t, filepath.Join(bundled, "esp32", "bootloader"), "exit 0")
	writeScript(t, filepath.Join(user, "esp32", "bootloader"), "exit 1")

	d := New(zerolog.Nop(), bundled, user)
	p, ok := d.Find("esp32")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(bundled, "esp32"), p.Dir)
}

func TestFindUserDirFallback(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	writeScript(t, filepath.Join(user, "nrf52", "flash"), "exit 0")

	d := New(zerolog.Nop(), bundled, user)
	p, ok := d.Find("nrf52")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(user, "nrf52"), p.Dir)
}

func TestGenericHasNoPlugin(t *testing.T) {
	bundled := t.TempDir()
	writeScript(t, filepath.Join(bundled, "generic", "anything"), "exit 0")

	d := New(zerolog.Nop(), bundled)
	_, ok := d.Find("generic")
	assert.False(t, ok)
}

func TestCommandsFromManifest(t *testing.T) {
	bundled := t.TempDir()
	dir := filepath.Join(bundled, "esp32")
	writeScript(t, filepath.Join(dir, "bootloader"), "exit 0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(`
name: esp32
description: Espressif chip actions
commands: [bootloader, boot, flash]
`), 0o644))

	d := New(zerolog.Nop(), bundled)
	assert.Equal(t, []string{"boot", "bootloader", "flash"}, d.Commands("esp32"))
}

func TestCommandsFromExecutables(t *testing.T) {
	bundled := t.TempDir()
	writeScript(t, filepath.Join(bundled, "esp32", "bootloader"), "exit 0")
	writeScript(t, filepath.Join(bundled, "esp32", "boot"), "exit 0")

	d := New(zerolog.Nop(), bundled)
	assert.Equal(t, []string{"boot", "bootloader"}, d.Commands("esp32"))
}

func TestRunUnknownActionNamesBoth(t *testing.T) {
	d := New(zerolog.Nop(), t.TempDir())
	err := d.Run(context.Background(), "esp32", "levitate", Env{})

	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "esp32", unknown.Type)
	assert.Equal(t, "levitate", unknown.Action)
	assert.Contains(t, err.Error(), "esp32")
	assert.Contains(t, err.Error(), "levitate")
}

func TestRunPassesDeviceContext(t *testing.T) {
	bundled := t.TempDir()
	marker := filepath.Join(t.TempDir(), "seen")
	writeScript(t, filepath.Join(bundled, "esp32", "bootloader"),
		`echo "$USB_DEVICE_NAME|$USB_DEVICE_PORT|$USB_DEVICE_CHIP" > `+marker)

	d := New(zerolog.Nop(), bundled)
	err := d.Run(context.Background(), "esp32", "bootloader", Env{
		Name: "Board X",
		Port: "/dev/ttyACM0",
		Chip: "esp32s3",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "Board X|/dev/ttyACM0|esp32s3\n", string(got))
}

func TestCheckPassesWithoutCheckScript(t *testing.T) {
	bundled := t.TempDir()
	writeScript(t, filepath.Join(bundled, "esp32", "bootloader"), "exit 0")

	d := New(zerolog.Nop(), bundled)
	assert.NoError(t, d.Check(context.Background(), "esp32"))
}

func TestCheckReportsFailure(t *testing.T) {
	bundled := t.TempDir()
	writeScript(t, filepath.Join(bundled, "esp32", "check"), "echo esptool not found; exit 1")

	d := New(zerolog.Nop(), bundled)
	err := d.Check(context.Background(), "esp32")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "esptool not found")
}

func TestTypes(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	writeScript(t, filepath.Join(bundled, "esp32", "boot"), "exit 0")
	writeScript(t, filepath.Join(user, "esp32", "boot"), "exit 0")
	writeScript(t, filepath.Join(user, "nrf52", "flash"), "exit 0")

	d := New(zerolog.Nop(), bundled, user)
	assert.Equal(t, []string{"esp32", "nrf52"}, d.Types())
}
