// Package server provides the HTTP endpoint frontends use to query
// sessions, stream deltas, and submit approval decisions.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/claude-island/claude-island/internal/event"
	"github.com/claude-island/claude-island/internal/hook"
	"github.com/claude-island/claude-island/internal/state"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:7171",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE
	}
}

// Server is the frontend endpoint.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	store *state.Store
	bus   *event.Bus
	hooks *hook.Server

	// watcherHealth reports the directory watcher's backend state for
	// the health query; nil means no watcher is wired.
	watcherHealth func() error
}

// New creates a new Server instance.
func New(cfg *Config, store *state.Store, bus *event.Bus, hooks *hook.Server, watcherHealth func() error) *Server {
	s := &Server{
		config:        cfg,
		router:        chi.NewRouter(),
		store:         store,
		bus:           bus,
		hooks:         hooks,
		watcherHealth: watcherHealth,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	// Frontends may be local webviews; keep CORS permissive on the
	// loopback-only listener.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
}

// Start begins serving. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
