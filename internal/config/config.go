package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/claude-island/claude-island/pkg/types"
)

// Defaults applied before any file or environment override.
const (
	DefaultListenAddr       = "127.0.0.1:7171"
	DefaultApprovalTimeout  = 300 * time.Second
	DefaultDebounceWindow   = 100 * time.Millisecond
	DefaultLogLevel         = "info"
	defaultApprovalTimeoutS = 300
	defaultDebounceWindowMs = 100
)

// Load loads configuration from multiple sources (priority order):
// 1. Built-in defaults
// 2. Global config (~/.config/claude-island/claude-island.{json,jsonc,yaml})
// 3. Environment variables (CLAUDE_ISLAND_*)
func Load() (*types.Config, error) {
	cfg := defaults()

	dir := GetPaths().Config
	for _, name := range []string{"claude-island.json", "claude-island.jsonc", "claude-island.yaml", "claude-island.yml"} {
		if err := loadConfigFile(filepath.Join(dir, name), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// defaults returns a config populated with built-in defaults.
func defaults() *types.Config {
	return &types.Config{
		SessionsRoot:        DefaultSessionsRoot(),
		SocketPath:          GetPaths().DefaultSocketPath(),
		ListenAddr:          DefaultListenAddr,
		LogLevel:            DefaultLogLevel,
		ApprovalTimeoutSecs: defaultApprovalTimeoutS,
		DebounceWindowMs:    defaultDebounceWindowMs,
	}
}

// loadConfigFile loads a single config file into cfg. JSON and JSONC
// files share a decoder; YAML gets its own.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg types.Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
			return err
		}
	}

	mergeConfig(cfg, &fileCfg)
	return nil
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.SessionsRoot != "" {
		target.SessionsRoot = source.SessionsRoot
	}
	if source.SocketPath != "" {
		target.SocketPath = source.SocketPath
	}
	if source.ListenAddr != "" {
		target.ListenAddr = source.ListenAddr
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.ApprovalTimeoutSecs > 0 {
		target.ApprovalTimeoutSecs = source.ApprovalTimeoutSecs
	}
	if source.DebounceWindowMs > 0 {
		target.DebounceWindowMs = source.DebounceWindowMs
	}
	if source.Policy != nil {
		target.Policy = source.Policy
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *types.Config) {
	if v := os.Getenv("CLAUDE_ISLAND_SESSIONS_ROOT"); v != "" {
		cfg.SessionsRoot = v
	}
	if v := os.Getenv("CLAUDE_ISLAND_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("CLAUDE_ISLAND_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CLAUDE_ISLAND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CLAUDE_ISLAND_APPROVAL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ApprovalTimeoutSecs = secs
		}
	}
	if v := os.Getenv("CLAUDE_ISLAND_DEBOUNCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.DebounceWindowMs = ms
		}
	}
}

// ApprovalTimeout returns the configured approval timeout as a Duration.
func ApprovalTimeout(cfg *types.Config) time.Duration {
	if cfg.ApprovalTimeoutSecs <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(cfg.ApprovalTimeoutSecs) * time.Second
}

// DebounceWindow returns the configured debounce window as a Duration.
func DebounceWindow(cfg *types.Config) time.Duration {
	if cfg.DebounceWindowMs <= 0 {
		return DefaultDebounceWindow
	}
	return time.Duration(cfg.DebounceWindowMs) * time.Millisecond
}
