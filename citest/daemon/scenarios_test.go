package daemon_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/hook"
	"github.com/claude-island/claude-island/internal/server"
	"github.com/claude-island/claude-island/internal/state"
	"github.com/claude-island/claude-island/internal/tailer"
	"github.com/claude-island/claude-island/internal/watcher"
	"github.com/claude-island/claude-island/pkg/types"
)

// daemon wires the full pipeline the way cmd/claude-islandd does:
// watcher -> store <- hook socket, deltas -> bus -> HTTP endpoint.
type daemon struct {
	root   string
	socket string

	bus     *event.Bus
	store   *state.Store
	hooks   *hook.Server
	watch   *watcher.Watcher
	ts      *httptest.Server
	cancel  context.CancelFunc
	stopped bool
}

func startDaemon(approvalTimeout time.Duration) *daemon {
	tmp, err := os.MkdirTemp("", "island-e2e-*")
	Expect(err).NotTo(HaveOccurred())

	d := &daemon{
		root:   filepath.Join(tmp, "sessions"),
		socket: filepath.Join(tmp, "island.sock"),
	}

	d.bus = event.NewBus()
	d.store = state.NewStore(d.bus)
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go d.store.Run(ctx)

	d.hooks = hook.NewServer(d.socket, approvalTimeout, d.store, nil)
	Expect(d.hooks.Start(context.Background())).To(Succeed())

	d.watch, err = watcher.New(d.root, 10*time.Millisecond, d.store)
	Expect(err).NotTo(HaveOccurred())
	d.watch.Start(context.Background())

	srv := server.New(server.DefaultConfig(), d.store, d.bus, d.hooks, d.watch.Healthy)
	d.ts = httptest.NewServer(srv.Router())

	return d
}

func (d *daemon) stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	d.ts.Close()
	d.watch.Stop()
	d.hooks.Stop()
	d.cancel()
	<-d.store.Done()
	d.bus.Close()
}

// sendHook delivers one event over the unix socket and returns the
// connection so response frames can be read.
func (d *daemon) sendHook(ev types.HookEvent) *net.UnixConn {
	raw, err := net.Dial("unix", d.socket)
	Expect(err).NotTo(HaveOccurred())
	conn := raw.(*net.UnixConn)

	data, err := json.Marshal(ev)
	Expect(err).NotTo(HaveOccurred())
	_, err = conn.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(conn.CloseWrite()).To(Succeed())
	return conn
}

// sendHookAndClose is for events that produce no response body.
func (d *daemon) sendHookAndClose(ev types.HookEvent) {
	conn := d.sendHook(ev)
	// Wait for the server-side close so ordering is deterministic.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	conn.Read(buf)
	conn.Close()
}

func readFrame(conn net.Conn, v any) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ExpectWithOffset(1, json.NewDecoder(conn).Decode(v)).To(Succeed())
}

func (d *daemon) getSession(id string) *types.Session {
	resp, err := http.Get(d.ts.URL + "/session/" + id)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	var sess types.Session
	Expect(json.NewDecoder(resp.Body).Decode(&sess)).To(Succeed())
	return &sess
}

func (d *daemon) getConversation(id string) []types.Message {
	resp, err := http.Get(d.ts.URL + "/session/" + id + "/message")
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	var msgs []types.Message
	Expect(json.NewDecoder(resp.Body).Decode(&msgs)).To(Succeed())
	return msgs
}

func (d *daemon) submitDecision(id string, decision types.Decision) {
	body := strings.NewReader(`{"decision":"` + string(decision) + `"}`)
	resp, err := http.Post(d.ts.URL+"/session/"+id+"/approval", "application/json", body)
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))
}

var _ = Describe("claude-islandd end to end", func() {
	var d *daemon

	AfterEach(func() {
		d.stop()
	})

	Describe("happy-path tool call", func() {
		BeforeEach(func() { d = startDaemon(time.Minute) })

		It("walks idle -> processing -> running_tool -> idle and records the tool", func() {
			phases := make(chan types.SessionPhase, 16)
			sub := d.bus.Subscribe(16)
			defer sub.Unsubscribe()
			go func() {
				for delta := range sub.C {
					if delta.Kind == event.DeltaSessionUpserted {
						phases <- delta.Phase
					}
				}
			}()

			d.sendHookAndClose(types.HookEvent{Type: types.HookSessionStart, SessionID: "A"})
			d.sendHookAndClose(types.HookEvent{Type: types.HookUserPromptSubmit, SessionID: "A"})
			d.sendHookAndClose(types.HookEvent{
				Type: types.HookPreToolUse, SessionID: "A",
				ToolName: "Read", Parameters: map[string]any{"file": "/x"},
			})
			d.sendHookAndClose(types.HookEvent{
				Type: types.HookPostToolUse, SessionID: "A",
				ToolName: "Read", Result: map[string]any{"ok": true},
			})

			expected := []types.SessionPhase{
				types.PhaseIdle, types.PhaseProcessing, types.PhaseRunningTool, types.PhaseIdle,
			}
			for _, want := range expected {
				Eventually(phases).Should(Receive(Equal(want)))
			}

			sess := d.getSession("A")
			Expect(sess).NotTo(BeNil())
			Expect(sess.Phase).To(Equal(types.PhaseIdle))
			Expect(sess.Tools).To(HaveLen(1))
			Expect(sess.ActiveTool).To(BeNil())
		})

		It("ignores a duplicate PostToolUse", func() {
			d.sendHookAndClose(types.HookEvent{Type: types.HookPreToolUse, SessionID: "A", ToolName: "Read"})
			d.sendHookAndClose(types.HookEvent{Type: types.HookPostToolUse, SessionID: "A", ToolName: "Read"})
			d.sendHookAndClose(types.HookEvent{Type: types.HookPostToolUse, SessionID: "A", ToolName: "Read"})

			Eventually(func() int {
				sess := d.getSession("A")
				if sess == nil {
					return -1
				}
				return len(sess.Tools)
			}).Should(Equal(1))
			Expect(d.getSession("A").Phase).To(Equal(types.PhaseIdle))
		})
	})

	Describe("approval round-trips", func() {
		BeforeEach(func() { d = startDaemon(time.Minute) })

		It("delivers an allow decision to the held hook connection", func() {
			conn := d.sendHook(types.HookEvent{
				Type: types.HookPermissionRequest, SessionID: "B",
				ToolName: "Bash", Parameters: map[string]any{"cmd": "ls"},
			})
			defer conn.Close()

			var ack types.HookAck
			readFrame(conn, &ack)
			Expect(ack.Status).To(Equal("waiting_for_approval"))

			Eventually(func() *types.ApprovalRequest {
				sess := d.getSession("B")
				if sess == nil {
					return nil
				}
				return sess.PendingApproval
			}).ShouldNot(BeNil())

			d.submitDecision("B", types.DecisionAllow)

			var decision types.HookDecision
			readFrame(conn, &decision)
			Expect(decision.Decision).To(Equal(types.DecisionAllow))

			Eventually(func() types.SessionPhase {
				return d.getSession("B").Phase
			}).Should(Equal(types.PhaseIdle))
			Expect(d.getSession("B").PendingApproval).To(BeNil())
		})

		It("supersedes a pending approval with a newer request", func() {
			first := d.sendHook(types.HookEvent{Type: types.HookPermissionRequest, SessionID: "C", ToolName: "Bash"})
			defer first.Close()
			var ack types.HookAck
			readFrame(first, &ack)

			Eventually(d.hooks.PendingCount).Should(Equal(1))

			second := d.sendHook(types.HookEvent{Type: types.HookPermissionRequest, SessionID: "C", ToolName: "Write"})
			defer second.Close()
			readFrame(second, &ack)

			var denied types.HookDecision
			readFrame(first, &denied)
			Expect(denied.Decision).To(Equal(types.DecisionDeny))
			Expect(denied.Reason).To(Equal("superseded"))

			Eventually(func() string {
				sess := d.getSession("C")
				if sess == nil || sess.PendingApproval == nil {
					return ""
				}
				return sess.PendingApproval.ToolName
			}).Should(Equal("Write"))

			d.submitDecision("C", types.DecisionAllow)
			var resolved types.HookDecision
			readFrame(second, &resolved)
			Expect(resolved.Decision).To(Equal(types.DecisionAllow))
		})
	})

	Describe("approval timeout", func() {
		BeforeEach(func() { d = startDaemon(150 * time.Millisecond) })

		It("auto-denies with reason timeout and returns the session to idle", func() {
			conn := d.sendHook(types.HookEvent{Type: types.HookPermissionRequest, SessionID: "B", ToolName: "Bash"})
			defer conn.Close()

			var ack types.HookAck
			readFrame(conn, &ack)

			var decision types.HookDecision
			readFrame(conn, &decision)
			Expect(decision.Decision).To(Equal(types.DecisionDeny))
			Expect(decision.Reason).To(Equal("timeout"))

			Eventually(func() types.SessionPhase {
				return d.getSession("B").Phase
			}).Should(Equal(types.PhaseIdle))
		})
	})

	Describe("conversation log tailing", func() {
		BeforeEach(func() { d = startDaemon(time.Minute) })

		It("resets the conversation on /clear and keeps only later messages", func() {
			dir := filepath.Join(d.root, "S")
			Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
			logPath := filepath.Join(dir, tailer.ConversationLog)

			seed := `{"type":"user","content":"one"}` + "\n" +
				`{"type":"assistant","content":"two"}` + "\n" +
				`{"type":"user","content":"three"}` + "\n"
			Expect(os.WriteFile(logPath, []byte(seed), 0o644)).To(Succeed())

			Eventually(func() int { return len(d.getConversation("S")) }).Should(Equal(3))

			// Outside the debounce window.
			time.Sleep(30 * time.Millisecond)

			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.WriteString(
				`{"type":"user","content":"/clear"}` + "\n" +
					`{"type":"user","content":"post-1"}` + "\n" +
					`{"type":"assistant","content":"post-2"}` + "\n")
			Expect(err).NotTo(HaveOccurred())
			f.Close()

			Eventually(func() []string {
				var got []string
				for _, m := range d.getConversation("S") {
					got = append(got, m.Content())
				}
				return got
			}).Should(Equal([]string{"post-1", "post-2"}))
		})
	})
})
