// Package api exposes a read-only status surface over HTTP. kitops stays
// poll-based: there are no mutating endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kitops/internal/core"
)

// StatusSource reports the live view of all scheduled tasks.
type StatusSource interface {
	Snapshot() []core.TaskStatus
}

// RunSource reads recorded run history.
type RunSource interface {
	ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error)
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	status     StatusSource
	runs       RunSource
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the status API server.
func NewServer(addr, authToken string, status StatusSource, runs RunSource, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		status:    status,
		runs:      runs,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("status api listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}/runs", s.handleListRuns)
	})
}
