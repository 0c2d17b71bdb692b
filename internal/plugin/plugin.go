// Package plugin extends the command surface per device type.
//
// A plugin is a directory named after its type tag, holding one
// executable per action (plugins/esp32/bootloader) and an optional
// plugin.yaml manifest declaring the action set. The bundled plugins
// directory is searched before the user one; first match wins.
//
// Plugin processes receive context through the environment:
// USB_DEVICE_NAME, USB_DEVICE_PORT (resolved serial path, may be empty),
// and USB_DEVICE_CHIP (the registry chip= value). The action name is
// argv[1].
package plugin

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const manifestFile = "plugin.yaml"

// Reserved action names handled by the dispatcher itself.
const (
	ActionCommands = "commands"
	ActionCheck    = "check"
)

// Manifest is the optional per-type plugin.yaml.
type Manifest struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Commands    []string `yaml:"commands"`
}

// Plugin is a resolved plugin directory.
type Plugin struct {
	Type     string
	Dir      string
	Manifest *Manifest
}

// UnknownActionError names the type/action pair that has no
// implementation.
type UnknownActionError struct {
	Type   string
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("no %q action for device type %q", e.Action, e.Type)
}

// Env is the device context handed to plugin processes.
type Env struct {
	Name string
	Port string
	Chip string
}

// Dispatcher resolves and invokes per-type plugins.
type Dispatcher struct {
	dirs []string
	log  zerolog.Logger
}

// New builds a Dispatcher searching dirs in order (bundled first, then
// user).
func New(log zerolog.Logger, dirs ...string) *Dispatcher {
	return &Dispatcher{dirs: dirs, log: log}
}

// Find locates the plugin for a type tag. The generic type never has a
// plugin.
func (d *Dispatcher) Find(typeTag string) (*Plugin, bool) {
	if typeTag == "" || typeTag == "generic" {
		return nil, false
	}
	for _, root := range d.dirs {
		dir := filepath.Join(root, typeTag)
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			continue
		}
		p := &Plugin{Type: typeTag, Dir: dir}
		if m, err := loadManifest(filepath.Join(dir, manifestFile)); err != nil {
			d.log.Warn().Err(err).Str("type", typeTag).Msg("ignoring malformed plugin manifest")
		} else {
			p.Manifest = m
		}
		return p, true
	}
	return nil, false
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &m, nil
}

// Commands returns the actions a type's plugin adds. The manifest is
// authoritative when present; otherwise the executables in the plugin
// directory are listed.
func (d *Dispatcher) Commands(typeTag string) []string {
	p, ok := d.Find(typeTag)
	if !ok {
		return nil
	}
	if p.Manifest != nil && len(p.Manifest.Commands) > 0 {
		out := append([]string(nil), p.Manifest.Commands...)
		sort.Strings(out)
		return out
	}

	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == manifestFile {
			continue
		}
		if info, err := e.Info(); err == nil && info.Mode()&0o111 != 0 {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

// Run invokes the implementation of (typeTag, action). Output streams to
// the invoking terminal.
func (d *Dispatcher) Run(ctx context.Context, typeTag, action string, env Env) error {
	p, ok := d.Find(typeTag)
	if !ok {
		return &UnknownActionError{Type: typeTag, Action: action}
	}
	bin := filepath.Join(p.Dir, action)
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() || fi.Mode()&0o111 == 0 {
		return &UnknownActionError{Type: typeTag, Action: action}
	}

	cmd := exec.CommandContext(ctx, bin, action)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"USB_DEVICE_NAME="+env.Name,
		"USB_DEVICE_PORT="+env.Port,
		"USB_DEVICE_CHIP="+env.Chip,
	)

	d.log.Debug().Str("type", typeTag).Str("action", action).Str("bin", bin).Msg("dispatching plugin action")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s.%s: %w", typeTag, action, err)
	}
	return nil
}

// Check runs a plugin's dependency check, if it declares one. A plugin
// without a check executable passes vacuously.
func (d *Dispatcher) Check(ctx context.Context, typeTag string) error {
	p, ok := d.Find(typeTag)
	if !ok {
		return nil
	}
	bin := filepath.Join(p.Dir, ActionCheck)
	if fi, err := os.Stat(bin); err != nil || fi.Mode()&0o111 == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, bin, ActionCheck)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s check failed: %s", typeTag, firstLine(string(out)))
	}
	return nil
}

// Types lists every type tag that has a plugin directory, bundled dirs
// first, without duplicates.
func (d *Dispatcher) Types() []string {
	seen := map[string]bool{}
	var out []string
	for _, root := range d.dirs {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && !seen[e.Name()] {
				seen[e.Name()] = true
				out = append(out, e.Name())
			}
		}
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
