// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
)

// Paths contains the standard paths for claude-island data.
type Paths struct {
	Config  string // ~/.config/claude-island
	State   string // ~/.local/state/claude-island
	Runtime string // $XDG_RUNTIME_DIR, falling back to /tmp
}

// GetPaths returns the standard paths for claude-island data.
func GetPaths() *Paths {
	return &Paths{
		Config:  filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "claude-island"),
		State:   filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "claude-island"),
		Runtime: getEnvOrDefault("XDG_RUNTIME_DIR", "/tmp"),
	}
}

// EnsurePaths creates the config and state directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Config, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DefaultSocketPath returns the hook endpoint socket path.
func (p *Paths) DefaultSocketPath() string {
	return filepath.Join(p.Runtime, "claude-island.sock")
}

// DefaultSessionsRoot returns the assistant's session log directory.
func DefaultSessionsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".claude", "sessions")
}

// ClaudeDir returns the assistant's configuration directory, used by
// the hook installer.
func ClaudeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".claude")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultConfigHome() string {
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
