// Package state holds the authoritative in-memory session model. All
// writes flow through a single mutator goroutine fed by a bounded
// channel; readers take consistent snapshots.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// commandQueueSize bounds the mutator's input channel.
const commandQueueSize = 256

// ErrStoreClosed is returned by Submit after the mutator has exited.
var ErrStoreClosed = errors.New("state: store closed")

// Command is one unit of work for the mutator.
type Command interface{ isCommand() }

// HookEventCmd applies a hook event through the reducer. Applied, when
// non-nil, is closed once the mutator has applied the event; the hook
// endpoint uses it to order responses after application.
type HookEventCmd struct {
	Event   types.HookEvent
	Applied chan struct{}
}

// LogBatchCmd appends tailed conversation records. Reset means the
// tailer re-read the log from the start (first read, truncation, or a
// clear marker): the conversation is replaced by Messages atomically in
// the same delta batch.
type LogBatchCmd struct {
	SessionID string
	Messages  []types.Message
	Reset     bool
}

// ApprovalResolvedCmd clears a pending approval after a decision,
// timeout, shutdown, or lost peer. ApprovalID may be empty to match
// whatever approval is pending.
type ApprovalResolvedCmd struct {
	SessionID  string
	ApprovalID string
}

// TaskLogSeenCmd records discovery of a subagent task log. Task logs
// are counted but not merged into the parent conversation.
type TaskLogSeenCmd struct {
	SessionID string
}

func (HookEventCmd) isCommand()        {}
func (LogBatchCmd) isCommand()         {}
func (ApprovalResolvedCmd) isCommand() {}
func (TaskLogSeenCmd) isCommand()      {}

// Store is the session model plus its mutator.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session

	bus  *event.Bus
	cmds chan Command
	done chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

// NewStore creates a store publishing deltas on bus.
func NewStore(bus *event.Bus) *Store {
	return &Store{
		sessions: make(map[string]*types.Session),
		bus:      bus,
		cmds:     make(chan Command, commandQueueSize),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Run is the mutator loop. It exits once ctx is cancelled and the
// command queue has been drained.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case cmd := <-s.cmds:
			s.apply(cmd)
		case <-ctx.Done():
			for {
				select {
				case cmd := <-s.cmds:
					s.apply(cmd)
				default:
					return
				}
			}
		}
	}
}

// Submit queues a command for the mutator. It blocks while the queue
// is full and fails once ctx is cancelled or the mutator has exited.
func (s *Store) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-s.done:
		return ErrStoreClosed
	default:
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the mutator has drained and exited.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// apply runs one command under the write lock and publishes the
// resulting deltas in order.
func (s *Store) apply(cmd Command) {
	var deltas []event.Delta

	s.mu.Lock()
	switch c := cmd.(type) {
	case HookEventCmd:
		deltas = s.applyHookEvent(c.Event)
		if c.Applied != nil {
			close(c.Applied)
		}
	case LogBatchCmd:
		deltas = s.applyLogBatch(c)
	case ApprovalResolvedCmd:
		if sess, ok := s.sessions[c.SessionID]; ok {
			deltas = resolveApproval(sess, c.ApprovalID, s.now())
		}
	case TaskLogSeenCmd:
		if sess, ok := s.sessions[c.SessionID]; ok {
			sess.TaskLogCount++
		}
	}
	s.mu.Unlock()

	for _, d := range deltas {
		s.bus.Publish(d)
	}
}

func (s *Store) applyHookEvent(ev types.HookEvent) []event.Delta {
	if ev.SessionID == "" {
		logging.Warn().Str("type", string(ev.Type)).Msg("event missing session_id, dropped")
		return nil
	}
	if !ev.Type.Known() {
		logging.Warn().
			Str("type", string(ev.Type)).
			Str("session", shortID(ev.SessionID)).
			Msg("unknown event type, dropped")
		return nil
	}

	return Reduce(s.ensureSession(ev.SessionID), ev, s.now())
}

func (s *Store) applyLogBatch(c LogBatchCmd) []event.Delta {
	if c.SessionID == "" {
		return nil
	}
	sess := s.ensureSession(c.SessionID)
	now := s.now()
	sess.UpdatedAt = now

	var deltas []event.Delta
	if c.Reset {
		sess.Conversation = append([]types.Message(nil), c.Messages...)
	} else {
		sess.Conversation = append(sess.Conversation, c.Messages...)
	}
	for _, m := range c.Messages {
		deltas = append(deltas, event.Delta{
			Kind:      event.DeltaMessageAppended,
			SessionID: sess.ID,
			Message:   m,
		})
	}
	deltas = append(deltas, event.Delta{
		Kind:      event.DeltaSessionUpserted,
		SessionID: sess.ID,
		Phase:     sess.Phase,
	})
	return deltas
}

// ensureSession returns the session, creating it in phase idle on
// first observation. Caller holds the write lock.
func (s *Store) ensureSession(id string) *types.Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	now := s.now()
	sess := &types.Session{
		ID:        id,
		Phase:     types.PhaseIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[id] = sess
	logging.Info().Str("session", shortID(id)).Msg("session created")
	return sess
}

// Get returns a deep copy of the session, or nil if unknown.
func (s *Store) Get(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Clone()
	}
	return nil
}

// List returns summaries of every session, most recently updated first.
func (s *Store) List() []types.SessionSummary {
	s.mu.RLock()
	summaries := make([]types.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		summaries = append(summaries, sess.Summary())
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries
}

// Conversation returns a copy of the session's conversation, or nil
// for an unknown session.
func (s *Store) Conversation(id string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return append([]types.Message(nil), sess.Conversation...)
	}
	return nil
}
