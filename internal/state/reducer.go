package state

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// Reduce applies one hook event to a session and returns the deltas to
// publish. It touches nothing outside the given session, so replaying
// the same events over a fresh session yields the same state, except
// that each PermissionRequest mints a new random approval ID.
// Unknown event types must be filtered out by the caller.
func Reduce(sess *types.Session, ev types.HookEvent, now time.Time) []event.Delta {
	sess.UpdatedAt = now
	if ev.HasTTY {
		sess.HasTTY = true
	}

	var deltas []event.Delta

	switch ev.Type {
	case types.HookSessionStart:
		sess.Phase = types.PhaseIdle

	case types.HookSessionEnd:
		sess.Phase = types.PhaseCompleted

	case types.HookUserPromptSubmit:
		sess.Phase = types.PhaseProcessing

	case types.HookPreToolUse:
		sess.ActiveTool = &types.Tool{
			Name:       ev.ToolName,
			Status:     types.ToolRunning,
			StartTime:  now,
			Parameters: ev.Parameters,
		}
		sess.Phase = types.PhaseRunningTool

	case types.HookPostToolUse:
		if sess.ActiveTool == nil || sess.ActiveTool.Name != ev.ToolName {
			// Out-of-order duplicate; leave state untouched beyond the
			// timestamp bump.
			logging.Warn().
				Str("session", shortID(sess.ID)).
				Str("tool", ev.ToolName).
				Msg("PostToolUse without matching active tool, ignoring")
			break
		}
		end := now
		sess.ActiveTool.EndTime = &end
		sess.ActiveTool.Status = types.ToolSuccess
		sess.ActiveTool.Result = ev.Result
		sess.Tools = append(sess.Tools, *sess.ActiveTool)
		sess.ActiveTool = nil
		sess.Phase = types.PhaseIdle

	case types.HookPermissionRequest:
		if sess.PendingApproval != nil {
			// A newer request supersedes the pending one; the hook
			// endpoint denies the prior held connection.
			deltas = append(deltas, event.Delta{
				Kind:      event.DeltaApprovalClosed,
				SessionID: sess.ID,
			})
		}
		sess.PendingApproval = &types.ApprovalRequest{
			ID:          ulid.Make().String(),
			ToolName:    ev.ToolName,
			Parameters:  ev.Parameters,
			RequestedAt: now,
		}
		sess.Phase = types.PhaseWaitingApproval
		deltas = append(deltas, event.Delta{
			Kind:       event.DeltaApprovalOpened,
			SessionID:  sess.ID,
			ToolName:   ev.ToolName,
			Parameters: ev.Parameters,
		})

	case types.HookNotification:
		logging.Debug().
			Str("session", shortID(sess.ID)).
			Str("message", ev.Message).
			Msg("notification")

	case types.HookStop, types.HookSubagentStop:
		sess.ActiveTool = nil
		sess.Phase = types.PhaseIdle

	case types.HookPreCompact:
		// Compaction is handled by the assistant itself; the log tailer
		// picks up the rewritten file via truncation detection.
	}

	deltas = append(deltas, event.Delta{
		Kind:      event.DeltaSessionUpserted,
		SessionID: sess.ID,
		Phase:     sess.Phase,
	})
	return deltas
}

// resolveApproval clears a pending approval after a decision, timeout,
// or lost peer. approvalID guards against late decisions racing a
// superseding request: a stale ID is a no-op.
func resolveApproval(sess *types.Session, approvalID string, now time.Time) []event.Delta {
	if sess.PendingApproval == nil {
		return nil
	}
	if approvalID != "" && sess.PendingApproval.ID != approvalID {
		return nil
	}

	sess.PendingApproval = nil
	if sess.Phase == types.PhaseWaitingApproval {
		sess.Phase = types.PhaseIdle
	}
	sess.UpdatedAt = now

	return []event.Delta{
		{Kind: event.DeltaApprovalClosed, SessionID: sess.ID},
		{Kind: event.DeltaSessionUpserted, SessionID: sess.ID, Phase: sess.Phase},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
