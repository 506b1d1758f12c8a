// Package api exposes the daemon's liveness surface: health, run-loop
// status and queue statistics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/store"
)

// StatusProvider reports the run loop's current state
type StatusProvider interface {
	Status() dispatch.Status
}

// Server is the HTTP status server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      store.Store
	supervisor StatusProvider
	addr       string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new status server
func NewServer(s store.Store, supervisor StatusProvider, addr string, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		supervisor: supervisor,
		addr:       addr,
		logger:     logger,
		startTime:  time.Now(),
	}

	srv.setupRoutes()
	return srv
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/queue", s.handleQueue)
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting status server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}
