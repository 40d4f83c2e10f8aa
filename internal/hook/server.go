package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/internal/policy"
	"github.com/claude-island/claude-island/internal/state"
	"github.com/claude-island/claude-island/pkg/types"
)

const (
	// maxEventSize bounds a single hook payload.
	maxEventSize = 64 * 1024

	// readDeadline bounds how long a client may take to deliver its
	// event and half-close.
	readDeadline = 30 * time.Second

	// writeDeadline bounds each response frame.
	writeDeadline = 5 * time.Second

	// staleProbeTimeout is the dial timeout used to probe a leftover
	// socket file on startup.
	staleProbeTimeout = 250 * time.Millisecond
)

// ErrAlreadyRunning is returned when another daemon holds the socket.
var ErrAlreadyRunning = errors.New("hook: socket already in use by a live process")

// ErrNoPending is returned by Decide when the session has no pending
// hook call.
var ErrNoPending = errors.New("hook: no pending approval for session")

// pendingCall is a held permission-request connection. The decision
// channel is buffered so duplicate decisions never block and only the
// first one wins.
type pendingCall struct {
	sessionID  string
	approvalID string
	decisionCh chan types.HookDecision
}

func (p *pendingCall) resolve(d types.HookDecision) {
	select {
	case p.decisionCh <- d:
	default:
	}
}

// Server is the hook endpoint.
type Server struct {
	socketPath string
	timeout    time.Duration
	store      *state.Store
	policy     *policy.Policy

	ln net.Listener

	mu      sync.Mutex
	pending map[string]*pendingCall

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a hook endpoint. pol may be nil to disable
// auto-decisions.
func NewServer(socketPath string, timeout time.Duration, store *state.Store, pol *policy.Policy) *Server {
	if pol == nil {
		pol = policy.New(nil)
	}
	return &Server{
		socketPath: socketPath,
		timeout:    timeout,
		store:      store,
		policy:     pol,
		pending:    make(map[string]*pendingCall),
	}
}

// Start binds the socket and begins accepting connections. A stale
// socket file left by a crashed daemon is unlinked iff no process
// answers on it.
func (s *Server) Start(ctx context.Context) error {
	if err := s.clearStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind hook socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod hook socket: %w", err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(ctx)

	logging.Info().Str("path", s.socketPath).Msg("hook endpoint listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// clearStaleSocket probes an existing socket file and unlinks it only
// when nothing is listening behind it.
func (s *Server) clearStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}

	logging.Info().Str("path", s.socketPath).Msg("removing stale hook socket")
	if err := os.Remove(s.socketPath); err != nil {
		return fmt.Errorf("unlink stale socket: %w", err)
	}
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn().Err(err).Msg("hook accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn services exactly one hook invocation.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	ev, err := readEvent(conn)
	if err != nil {
		logging.Warn().Err(err).Msg("malformed hook payload, closing")
		return
	}

	applied := make(chan struct{})
	cmd := state.HookEventCmd{Event: ev, Applied: applied}
	if err := s.store.Submit(s.ctx, cmd); err != nil {
		logging.Warn().Err(err).Msg("submit hook event failed")
		return
	}
	select {
	case <-applied:
	case <-s.ctx.Done():
		return
	}

	if ev.Type != types.HookPermissionRequest || ev.SessionID == "" {
		// No response body for non-approval events.
		return
	}

	s.serveApproval(conn, ev)
}

// serveApproval registers the pending call, acknowledges, and holds
// the connection until a decision, the timeout, or shutdown.
func (s *Server) serveApproval(conn net.Conn, ev types.HookEvent) {
	approvalID := s.pendingApprovalID(ev.SessionID)

	call := &pendingCall{
		sessionID:  ev.SessionID,
		approvalID: approvalID,
		decisionCh: make(chan types.HookDecision, 1),
	}

	s.mu.Lock()
	if prior, ok := s.pending[ev.SessionID]; ok {
		prior.resolve(types.HookDecision{Decision: types.DecisionDeny, Reason: types.ReasonSuperseded})
	}
	s.pending[ev.SessionID] = call
	s.mu.Unlock()

	if err := writeFrame(conn, types.HookAck{Status: "waiting_for_approval"}); err != nil {
		logging.Warn().Err(err).Str("session", ev.SessionID).Msg("ack write failed, dropping pending call")
		s.closeCall(call, call.approvalID)
		return
	}

	// Policy verdicts short-circuit the frontend round-trip.
	switch s.policy.Evaluate(ev.ToolName, ev.Parameters) {
	case policy.ActionAllow:
		call.resolve(types.HookDecision{Decision: types.DecisionAllow, Reason: "policy"})
	case policy.ActionDeny:
		call.resolve(types.HookDecision{Decision: types.DecisionDeny, Reason: "policy"})
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var decision types.HookDecision
	select {
	case decision = <-call.decisionCh:
	case <-timer.C:
		decision = types.HookDecision{Decision: types.DecisionDeny, Reason: types.ReasonTimeout}
	case <-s.ctx.Done():
		decision = types.HookDecision{Decision: types.DecisionDeny, Reason: types.ReasonShutdown}
	}

	if err := writeFrame(conn, decision); err != nil {
		logging.Warn().Err(err).Str("session", ev.SessionID).Msg("decision write failed, peer gone")
	} else {
		logging.Info().
			Str("session", ev.SessionID).
			Str("decision", string(decision.Decision)).
			Str("reason", decision.Reason).
			Msg("approval resolved")
	}

	s.closeCall(call, call.approvalID)
}

// closeCall unregisters the call (unless superseded by a newer one)
// and tells the model to clear the matching approval.
func (s *Server) closeCall(call *pendingCall, approvalID string) {
	s.mu.Lock()
	if s.pending[call.sessionID] == call {
		delete(s.pending, call.sessionID)
	}
	s.mu.Unlock()

	cmd := state.ApprovalResolvedCmd{SessionID: call.sessionID, ApprovalID: approvalID}
	if err := s.store.Submit(context.Background(), cmd); err != nil && !errors.Is(err, state.ErrStoreClosed) {
		logging.Warn().Err(err).Str("session", call.sessionID).Msg("approval cleanup failed")
	}
}

// pendingApprovalID reads the approval id the reducer just minted for
// this session's request.
func (s *Server) pendingApprovalID(sessionID string) string {
	if sess := s.store.Get(sessionID); sess != nil && sess.PendingApproval != nil {
		return sess.PendingApproval.ID
	}
	return ""
}

// Decide routes a frontend decision to the session's held connection.
func (s *Server) Decide(sessionID string, decision types.Decision, reason string) error {
	s.mu.Lock()
	call, ok := s.pending[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoPending
	}
	call.resolve(types.HookDecision{Decision: decision, Reason: reason})
	return nil
}

// SocketPath returns the endpoint's socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// PendingCount reports how many hook calls are currently held open.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop refuses new connections, synthesizes shutdown denials for every
// held call, and waits for in-flight handlers.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

// readEvent reads one JSON hook event, bounded by maxEventSize.
func readEvent(conn net.Conn) (types.HookEvent, error) {
	var ev types.HookEvent

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	defer conn.SetReadDeadline(time.Time{})

	data, err := io.ReadAll(io.LimitReader(conn, maxEventSize))
	if err != nil {
		return ev, fmt.Errorf("read hook event: %w", err)
	}
	if len(data) == 0 {
		return ev, errors.New("empty hook payload")
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode hook event: %w", err)
	}
	return ev, nil
}

// writeFrame writes one JSON response frame and waits for it to drain.
func writeFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	defer conn.SetWriteDeadline(time.Time{})
	_, err = conn.Write(data)
	return err
}
