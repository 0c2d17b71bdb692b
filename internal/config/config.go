// Package config resolves the paths and environment overrides shared by
// every usb-device command.
package config

import (
	"os"
	"path/filepath"
)

// Environment variables honored across the tool. The path settings fall
// back to XDG-style defaults under the user's home directory.
const (
	EnvConf        = "USB_DEVICE_CONF"
	EnvDB          = "USB_DEVICE_DB"
	EnvLockDir     = "USB_DEVICE_LOCK_DIR"
	EnvPython      = "USB_DEVICE_PYTHON"
	EnvDir         = "USB_DEVICE_DIR"
	EnvBin         = "USB_DEVICE_BIN"
	EnvVersion     = "USB_DEVICE_VERSION"
	EnvDatabaseURL = "USB_DEVICE_DATABASE_URL"
	EnvLogLevel    = "LOG_LEVEL"
	EnvHTTPAddr    = "HTTP_ADDR"
)

// Config is the resolved runtime configuration.
type Config struct {
	// ConfPath is the device registry file (devices.conf).
	ConfPath string
	// DBPath is the persistent location cache (locations.json).
	DBPath string
	// LockDir is the root of the per-device lock directories.
	LockDir string
	// Python is the interpreter used for the external port enumerator.
	Python string
	// InstallDir is where bundled plugins and helper scripts live.
	InstallDir string
	// BinDir overrides the directory external tools are looked up in.
	BinDir string
	// DatabaseURL enables the optional scan-history recorder.
	DatabaseURL string
	// LogLevel and HTTPAddr drive the hub agent.
	LogLevel string
	HTTPAddr string
}

// Load resolves configuration from the environment.
func Load() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "usb-devices")

	installDir := envOr(EnvDir, base)
	return Config{
		ConfPath:    envOr(EnvConf, filepath.Join(base, "devices.conf")),
		DBPath:      envOr(EnvDB, filepath.Join(base, "locations.json")),
		LockDir:     envOr(EnvLockDir, filepath.Join(base, "locks")),
		Python:      envOr(EnvPython, "python3"),
		InstallDir:  installDir,
		BinDir:      os.Getenv(EnvBin),
		DatabaseURL: os.Getenv(EnvDatabaseURL),
		LogLevel:    envOr(EnvLogLevel, "info"),
		HTTPAddr:    os.Getenv(EnvHTTPAddr),
	}
}

// BundledPluginDir is the plugins directory shipped with the install.
func (c Config) BundledPluginDir() string {
	return filepath.Join(c.InstallDir, "plugins")
}

// UserPluginDir is the user-local plugins directory, searched after the
// bundled one.
func (c Config) UserPluginDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "usb-devices", "plugins.d")
}

func envOr(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
