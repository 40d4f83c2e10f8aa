package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/logging"
)

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second

// WireEvent is the frame published to SSE subscribers.
type WireEvent struct {
	Type       string `json:"type"`
	Properties any    `json:"properties"`
}

// wireEventFor maps a model delta to its frontend representation.
func wireEventFor(d event.Delta) WireEvent {
	switch d.Kind {
	case event.DeltaSessionUpserted:
		return WireEvent{
			Type:       "session.state_changed",
			Properties: map[string]any{"sessionID": d.SessionID, "phase": d.Phase},
		}
	case event.DeltaApprovalOpened:
		return WireEvent{
			Type: "permission.request",
			Properties: map[string]any{
				"sessionID":  d.SessionID,
				"toolName":   d.ToolName,
				"parameters": d.Parameters,
			},
		}
	case event.DeltaApprovalClosed:
		return WireEvent{
			Type:       "permission.resolved",
			Properties: map[string]any{"sessionID": d.SessionID},
		}
	case event.DeltaMessageAppended:
		return WireEvent{
			Type:       "message.new",
			Properties: map[string]any{"sessionID": d.SessionID, "message": d.Message},
		}
	case event.DeltaResync:
		return WireEvent{Type: "resync", Properties: map[string]any{}}
	default:
		return WireEvent{Type: string(d.Kind), Properties: map[string]any{}}
	}
}

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event frame.
func (s *sseWriter) writeEvent(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", jsonData); err != nil {
		return err
	}

	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events streams every delta to the client until it disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	if err := sse.writeEvent(WireEvent{Type: "server.connected", Properties: map[string]any{}}); err != nil {
		return
	}

	sub := s.bus.Subscribe(event.DefaultQueueSize)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case d, ok := <-sub.C:
			if !ok {
				// Bus closed on shutdown; the final Resync has already
				// been delivered above.
				return
			}
			if err := sse.writeEvent(wireEventFor(d)); err != nil {
				logging.Debug().Err(err).Msg("SSE client gone")
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
