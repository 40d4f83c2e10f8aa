package types

// Config represents the claude-island daemon configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty" yaml:"-"`

	// SessionsRoot is the directory holding per-session log directories.
	SessionsRoot string `json:"sessions_root,omitempty" yaml:"sessions_root"`

	// SocketPath is the hook endpoint's unix socket path.
	SocketPath string `json:"socket_path,omitempty" yaml:"socket_path"`

	// ListenAddr is the loopback address the frontend endpoint binds to.
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr"`

	// LogLevel is one of trace/debug/info/warn/error.
	LogLevel string `json:"log_level,omitempty" yaml:"log_level"`

	// ApprovalTimeoutSecs is how long a pending PermissionRequest waits
	// for a decision before it is auto-denied.
	ApprovalTimeoutSecs int `json:"approval_timeout,omitempty" yaml:"approval_timeout"`

	// DebounceWindowMs coalesces rapid log-file modification events.
	DebounceWindowMs int `json:"debounce_window_ms,omitempty" yaml:"debounce_window_ms"`

	// Policy holds auto-decision rules applied to PermissionRequests
	// before they are surfaced to frontends.
	Policy *PolicyConfig `json:"policy,omitempty" yaml:"policy"`
}

// PolicyConfig configures automatic approval decisions. Every rule maps
// to "allow", "deny", or "ask"; unmatched requests default to ask.
type PolicyConfig struct {
	// Tools maps a tool name to an action, e.g. {"Read": "allow"}.
	Tools map[string]string `json:"tools,omitempty" yaml:"tools"`

	// Bash maps command patterns to actions, e.g. {"git status *": "allow",
	// "rm *": "deny"}. Patterns match parsed commands, not raw strings.
	Bash map[string]string `json:"bash,omitempty" yaml:"bash"`

	// Paths maps doublestar file patterns to actions for file tools,
	// e.g. {"**/.env": "deny"}.
	Paths map[string]string `json:"paths,omitempty" yaml:"paths"`
}
