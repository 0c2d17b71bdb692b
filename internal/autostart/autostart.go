// Package autostart wires the hub agent into the platform service
// manager: a LaunchAgent on Darwin, a systemd user unit on Linux. Only
// the unit files and the load/unload invocations live here; service
// supervision itself is the platform's problem.
package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

const label = "com.usb-devices.hub-agent"

// LogPath is where the supervised agent writes its log.
func LogPath() string {
	home, _ := os.UserHomeDir()
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Logs", "hub-agent.log")
	}
	return filepath.Join(home, ".local", "state", "usb-devices", "hub-agent.log")
}

// Install registers the agent binary for autostart and starts it.
func Install(binary string) error {
	switch runtime.GOOS {
	case "darwin":
		return installLaunchd(binary)
	case "linux":
		return installSystemd(binary)
	default:
		return fmt.Errorf("autostart is not supported on %s", runtime.GOOS)
	}
}

// Uninstall stops the agent and removes the autostart wiring.
func Uninstall() error {
	switch runtime.GOOS {
	case "darwin":
		return uninstallLaunchd()
	case "linux":
		return uninstallSystemd()
	default:
		return fmt.Errorf("autostart is not supported on %s", runtime.GOOS)
	}
}

func plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", label+".plist")
}

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key><string>%[1]s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%[2]s</string>
		<string>hub</string>
		<string>watch</string>
	</array>
	<key>RunAtLoad</key><true/>
	<key>KeepAlive</key><true/>
	<key>ThrottleInterval</key><integer>10</integer>
	<key>StandardOutPath</key><string>%[3]s</string>
	<key>StandardErrorPath</key><string>%[3]s</string>
</dict>
</plist>
`

func installLaunchd(binary string) error {
	path := plistPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(plistTemplate, label, binary, LogPath())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}

	uid := fmt.Sprintf("gui/%d", os.Getuid())
	_ = exec.Command("launchctl", "bootout", uid, path).Run()
	if out, err := exec.Command("launchctl", "bootstrap", uid, path).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl bootstrap: %v: %s", err, out)
	}
	return nil
}

func uninstallLaunchd() error {
	path := plistPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	uid := fmt.Sprintf("gui/%d", os.Getuid())
	_ = exec.Command("launchctl", "bootout", uid, path).Run()
	return os.Remove(path)
}

func unitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", "hub-agent.service")
}

const unitTemplate = `[Unit]
Description=USB Insight Hub display agent

[Service]
ExecStart=%s hub watch
Restart=always
RestartSec=10
StandardOutput=append:%s
StandardError=append:%s

[Install]
WantedBy=default.target
`

func installSystemd(binary string) error {
	path := unitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(LogPath()), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(unitTemplate, binary, LogPath(), LogPath())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}

	if out, err := exec.Command("systemctl", "--user", "daemon-reload").CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %v: %s", err, out)
	}
	if out, err := exec.Command("systemctl", "--user", "enable", "--now", "hub-agent.service").CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl enable: %v: %s", err, out)
	}
	return nil
}

func uninstallSystemd() error {
	path := unitPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_ = exec.Command("systemctl", "--user", "disable", "--now", "hub-agent.service").Run()
	if err := os.Remove(path); err != nil {
		return err
	}
	_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
	return nil
}
