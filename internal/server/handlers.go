package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/claude-island/claude-island/internal/hook"
	"github.com/claude-island/claude-island/internal/logging"
	"github.com/claude-island/claude-island/pkg/types"
)

// listSessions returns summaries of every observed session.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

// getSession returns the full snapshot of one session.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess := s.store.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// getConversation returns the session's message log in order.
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if s.store.Get(id) == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown session")
		return
	}
	conv := s.store.Conversation(id)
	if conv == nil {
		conv = []types.Message{}
	}
	writeJSON(w, http.StatusOK, conv)
}

// decisionRequest is the submit_decision payload.
type decisionRequest struct {
	Decision types.Decision `json:"decision"`
	Reason   string         `json:"reason,omitempty"`
}

// submitDecision routes a frontend verdict to the held hook
// connection. Decisions against a closed or superseded approval are
// accepted and dropped.
func (s *Server) submitDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "decision must be allow or deny")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "user decision from frontend"
	}

	if err := s.hooks.Decide(id, req.Decision, reason); err != nil {
		if errors.Is(err, hook.ErrNoPending) {
			// Late or duplicate decision; silently dropped.
			logging.Debug().Str("session", id).Msg("decision for closed approval dropped")
			writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// health reports daemon liveness plus the watcher backend state.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	var watcherErr string
	if s.watcherHealth != nil {
		if err := s.watcherHealth(); err != nil {
			status = "degraded"
			watcherErr = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"watcherError":     watcherErr,
		"sessions":         len(s.store.List()),
		"pendingApprovals": s.hooks.PendingCount(),
		"subscribers":      s.bus.SubscriberCount(),
	})
}
