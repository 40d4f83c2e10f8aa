package hook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// hookedEvents are the lifecycle points the shim is registered for.
var hookedEvents = []types.HookEventType{
	types.HookSessionStart,
	types.HookSessionEnd,
	types.HookUserPromptSubmit,
	types.HookPreToolUse,
	types.HookPostToolUse,
	types.HookPermissionRequest,
	types.HookNotification,
	types.HookStop,
	types.HookSubagentStop,
	types.HookPreCompact,
}

// Installer registers this daemon's hook shim in the assistant's
// settings file. The shim is the daemon binary itself, invoked as
// "<binary> hook", so no separate script is copied.
type Installer struct {
	ClaudeDir  string // e.g. ~/.claude
	BinaryPath string // absolute path to the daemon binary
	SocketPath string // forwarded to the shim via flag
}

// settingsFile returns the assistant settings path.
func (i *Installer) settingsFile() string {
	return filepath.Join(i.ClaudeDir, "settings.json")
}

// hookCommand builds the shim invocation line.
func (i *Installer) hookCommand() string {
	return fmt.Sprintf("%s hook --socket %s", i.BinaryPath, i.SocketPath)
}

// IsInstalled reports whether the settings file already references the
// shim for every hooked event.
func (i *Installer) IsInstalled() (bool, error) {
	settings, err := i.readSettings()
	if err != nil {
		return false, err
	}
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		return false, nil
	}
	for _, ev := range hookedEvents {
		if !containsCommand(hooks[string(ev)], i.hookCommand()) {
			return false, nil
		}
	}
	return true, nil
}

// Install merges the shim registration into settings.json, preserving
// unrelated settings and hooks.
func (i *Installer) Install() error {
	if err := os.MkdirAll(i.ClaudeDir, 0o755); err != nil {
		return fmt.Errorf("create claude dir: %w", err)
	}

	settings, err := i.readSettings()
	if err != nil {
		return err
	}

	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		hooks = make(map[string]any)
		settings["hooks"] = hooks
	}

	cmd := i.hookCommand()
	for _, ev := range hookedEvents {
		key := string(ev)
		if containsCommand(hooks[key], cmd) {
			continue
		}
		entries, _ := hooks[key].([]any)
		entries = append(entries, map[string]any{
			"matcher": "*",
			"hooks": []any{
				map[string]any{"type": "command", "command": cmd},
			},
		})
		hooks[key] = entries
	}

	if err := i.writeSettings(settings); err != nil {
		return err
	}

	logging.Info().Str("settings", i.settingsFile()).Msg("hook shim installed")
	return nil
}

// Uninstall removes every shim registration, leaving other hooks
// untouched.
func (i *Installer) Uninstall() error {
	settings, err := i.readSettings()
	if err != nil {
		return err
	}
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		return nil
	}

	cmd := i.hookCommand()
	for key, raw := range hooks {
		entries, ok := raw.([]any)
		if !ok {
			continue
		}
		var kept []any
		for _, entry := range entries {
			if !entryHasCommand(entry, cmd) {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(hooks, key)
		} else {
			hooks[key] = kept
		}
	}

	return i.writeSettings(settings)
}

func (i *Installer) readSettings() (map[string]any, error) {
	data, err := os.ReadFile(i.settingsFile())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if settings == nil {
		settings = make(map[string]any)
	}
	return settings, nil
}

func (i *Installer) writeSettings(settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	tmp := i.settingsFile() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, i.settingsFile())
}

// containsCommand reports whether any registered entry runs cmd.
func containsCommand(raw any, cmd string) bool {
	entries, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, entry := range entries {
		if entryHasCommand(entry, cmd) {
			return true
		}
	}
	return false
}

func entryHasCommand(entry any, cmd string) bool {
	m, ok := entry.(map[string]any)
	if !ok {
		return false
	}
	inner, ok := m["hooks"].([]any)
	if !ok {
		return false
	}
	for _, h := range inner {
		hm, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if hm["command"] == cmd {
			return true
		}
	}
	return false
}
