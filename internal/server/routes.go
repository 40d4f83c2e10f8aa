package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Get("/message", s.getConversation)
			r.Post("/approval", s.submitDecision)
		})
	})

	// Event streaming (SSE)
	r.Get("/event", s.events)

	// Health
	r.Get("/health", s.health)
}
