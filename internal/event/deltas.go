package event

import "github.com/claude-island/claude-island/pkg/types"

// DeltaKind tags a change record published by the mutator.
type DeltaKind string

const (
	DeltaSessionUpserted DeltaKind = "session.upserted"
	DeltaApprovalOpened  DeltaKind = "approval.opened"
	DeltaApprovalClosed  DeltaKind = "approval.closed"
	DeltaMessageAppended DeltaKind = "message.appended"

	// DeltaResync is synthesized for subscribers that fell behind; the
	// consumer is expected to re-query the session model.
	DeltaResync DeltaKind = "resync"
)

// Delta is a typed change record describing one model mutation.
type Delta struct {
	Kind       DeltaKind          `json:"kind"`
	SessionID  string             `json:"sessionID,omitempty"`
	Phase      types.SessionPhase `json:"phase,omitempty"`
	ToolName   string             `json:"toolName,omitempty"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Message    types.Message      `json:"message,omitempty"`
}
