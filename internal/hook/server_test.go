package hook

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/policy"
	"github.com/claude-island/claude-island/internal/state"
	"github.com/claude-island/claude-island/pkg/types"
)

type fixture struct {
	store  *state.Store
	bus    *event.Bus
	server *Server
	socket string
}

func newFixture(t *testing.T, timeout time.Duration, pol *policy.Policy) *fixture {
	t.Helper()

	bus := event.NewBus()
	store := state.NewStore(bus)
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	socket := filepath.Join(t.TempDir(), "island.sock")
	srv := NewServer(socket, timeout, store, pol)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		srv.Stop()
		cancel()
		<-store.Done()
		bus.Close()
	})

	return &fixture{store: store, bus: bus, server: srv, socket: socket}
}

// sendEvent delivers an event and returns the connection for response
// reading.
func sendEvent(t *testing.T, socket string, ev types.HookEvent) *net.UnixConn {
	t.Helper()
	raw, err := net.Dial("unix", socket)
	require.NoError(t, err)
	conn := raw.(*net.UnixConn)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())
	return conn
}

// readFrame decodes the next JSON object from the connection. Its
// decoder may buffer bytes past that object and they are discarded, so
// frames already written back to back need one shared decoder.
func readFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(conn)
	require.NoError(t, dec.Decode(v))
}

func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestServer_SocketPermissions(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	info, err := os.Stat(fx.socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestServer_NonApprovalEventNoResponse(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	conn := sendEvent(t, fx.socket, types.HookEvent{Type: types.HookSessionStart, SessionID: "A"})
	defer conn.Close()

	// Server closes without writing a body.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, _ := conn.Read(buf)
	assert.Zero(t, n)

	waitFor(t, func() bool { return fx.store.Get("A") != nil })
	assert.Equal(t, types.PhaseIdle, fx.store.Get("A").Phase)
}

func TestServer_EventAppliedBeforeResponse(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	conn := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "B",
		ToolName: "Bash", Parameters: map[string]any{"cmd": "ls"},
	})
	defer conn.Close()

	var ack types.HookAck
	readFrame(t, conn, &ack)
	assert.Equal(t, "waiting_for_approval", ack.Status)

	// By the time the ack is on the wire the model must already hold
	// the pending approval.
	sess := fx.store.Get("B")
	require.NotNil(t, sess)
	assert.Equal(t, types.PhaseWaitingApproval, sess.Phase)
	require.NotNil(t, sess.PendingApproval)
}

func TestServer_ApprovalAllowRoundTrip(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	conn := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "B",
		ToolName: "Bash", Parameters: map[string]any{"cmd": "ls"},
	})
	defer conn.Close()

	var ack types.HookAck
	readFrame(t, conn, &ack)
	assert.Equal(t, "waiting_for_approval", ack.Status)

	waitFor(t, func() bool { return fx.server.PendingCount() == 1 })
	require.NoError(t, fx.server.Decide("B", types.DecisionAllow, "user approved"))

	var decision types.HookDecision
	readFrame(t, conn, &decision)
	assert.Equal(t, types.DecisionAllow, decision.Decision)

	waitFor(t, func() bool {
		s := fx.store.Get("B")
		return s.PendingApproval == nil && s.Phase == types.PhaseIdle
	})
	assert.Zero(t, fx.server.PendingCount())
}

func TestServer_ApprovalTimeout(t *testing.T) {
	fx := newFixture(t, 100*time.Millisecond, nil)

	conn := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "B", ToolName: "Bash",
	})
	defer conn.Close()

	var ack types.HookAck
	readFrame(t, conn, &ack)

	var decision types.HookDecision
	readFrame(t, conn, &decision)
	assert.Equal(t, types.DecisionDeny, decision.Decision)
	assert.Equal(t, types.ReasonTimeout, decision.Reason)

	waitFor(t, func() bool {
		s := fx.store.Get("B")
		return s.PendingApproval == nil && s.Phase == types.PhaseIdle
	})
}

func TestServer_SupersededApproval(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	first := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "C", ToolName: "Bash",
	})
	defer first.Close()

	var ack types.HookAck
	readFrame(t, first, &ack)
	waitFor(t, func() bool { return fx.server.PendingCount() == 1 })

	second := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "C", ToolName: "Write",
	})
	defer second.Close()
	readFrame(t, second, &ack)

	// First connection is denied with the supersession reason.
	var decision types.HookDecision
	readFrame(t, first, &decision)
	assert.Equal(t, types.DecisionDeny, decision.Decision)
	assert.Equal(t, types.ReasonSuperseded, decision.Reason)

	// The newer approval stays pending and is resolved normally.
	waitFor(t, func() bool {
		s := fx.store.Get("C")
		return s != nil && s.PendingApproval != nil && s.PendingApproval.ToolName == "Write"
	})
	require.NoError(t, fx.server.Decide("C", types.DecisionAllow, "user approved"))

	readFrame(t, second, &decision)
	assert.Equal(t, types.DecisionAllow, decision.Decision)
}

func TestServer_PeerVanishedClearsApproval(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	conn := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "D", ToolName: "Bash",
	})

	var ack types.HookAck
	readFrame(t, conn, &ack)
	waitFor(t, func() bool { return fx.server.PendingCount() == 1 })

	// Peer dies without waiting for the decision.
	conn.Close()
	require.NoError(t, fx.server.Decide("D", types.DecisionAllow, "user approved"))

	waitFor(t, func() bool {
		s := fx.store.Get("D")
		return s.PendingApproval == nil && fx.server.PendingCount() == 0
	})
}

func TestServer_MalformedPayloadIgnored(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)

	raw, err := net.Dial("unix", fx.socket)
	require.NoError(t, err)
	conn := raw.(*net.UnixConn)
	_, err = conn.Write([]byte("this is not json"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())
	conn.Close()

	// A valid event afterwards still works.
	c2 := sendEvent(t, fx.socket, types.HookEvent{Type: types.HookSessionStart, SessionID: "E"})
	defer c2.Close()
	waitFor(t, func() bool { return fx.store.Get("E") != nil })
}

func TestServer_DecideWithoutPending(t *testing.T) {
	fx := newFixture(t, time.Minute, nil)
	assert.ErrorIs(t, fx.server.Decide("nobody", types.DecisionAllow, "late"), ErrNoPending)
}

func TestServer_PolicyAutoAllow(t *testing.T) {
	pol := policy.New(&types.PolicyConfig{Tools: map[string]string{"Read": "allow"}})
	fx := newFixture(t, time.Minute, pol)

	conn := sendEvent(t, fx.socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "F",
		ToolName: "Read", Parameters: map[string]any{"file_path": "/x"},
	})
	defer conn.Close()

	// The ack and the policy decision are written back to back, so one
	// decoder reads both frames.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(conn)

	var ack types.HookAck
	require.NoError(t, dec.Decode(&ack))

	var decision types.HookDecision
	require.NoError(t, dec.Decode(&decision))
	assert.Equal(t, types.DecisionAllow, decision.Decision)
	assert.Equal(t, "policy", decision.Reason)

	waitFor(t, func() bool { return fx.store.Get("F").PendingApproval == nil })
}

func TestServer_ShutdownDeniesPending(t *testing.T) {
	bus := event.NewBus()
	store := state.NewStore(bus)
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)
	defer func() {
		cancel()
		<-store.Done()
		bus.Close()
	}()

	socket := filepath.Join(t.TempDir(), "island.sock")
	srv := NewServer(socket, time.Minute, store, nil)
	require.NoError(t, srv.Start(context.Background()))

	conn := sendEvent(t, socket, types.HookEvent{
		Type: types.HookPermissionRequest, SessionID: "G", ToolName: "Bash",
	})
	defer conn.Close()

	var ack types.HookAck
	readFrame(t, conn, &ack)
	waitFor(t, func() bool { return srv.PendingCount() == 1 })

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	var decision types.HookDecision
	readFrame(t, conn, &decision)
	assert.Equal(t, types.DecisionDeny, decision.Decision)
	assert.Equal(t, types.ReasonShutdown, decision.Reason)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestServer_StaleSocketReplaced(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "island.sock")

	// Simulate a crashed daemon's leftover socket file.
	stale, err := net.Listen("unix", socket)
	require.NoError(t, err)
	stale.Close() // Listener closed; on most systems the file is unlinked, so recreate it.
	if _, err := os.Stat(socket); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(socket, nil, 0o600))
	}

	bus := event.NewBus()
	defer bus.Close()
	store := state.NewStore(bus)
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)
	defer func() {
		cancel()
		<-store.Done()
	}()

	srv := NewServer(socket, time.Minute, store, nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn := sendEvent(t, socket, types.HookEvent{Type: types.HookSessionStart, SessionID: "H"})
	defer conn.Close()
	waitFor(t, func() bool { return store.Get("H") != nil })
}

func TestServer_LiveSocketRefused(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "island.sock")

	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	bus := event.NewBus()
	defer bus.Close()
	store := state.NewStore(bus)

	srv := NewServer(socket, time.Minute, store, nil)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyRunning)
}
