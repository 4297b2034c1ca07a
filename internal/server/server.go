// Package server exposes repair runs over HTTP: start and inspect runs, follow
// them live over a websocket and scrape metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/michaelbrown/fixloop/internal/config"
	"github.com/michaelbrown/fixloop/internal/launch"
	"github.com/michaelbrown/fixloop/internal/llm"
	"github.com/michaelbrown/fixloop/internal/repair"
	"github.com/michaelbrown/fixloop/internal/storage"
)

// Builder creates a controller for one run.
type Builder interface {
	Build(req launch.Request, onDelta llm.StreamHandler) (*repair.Controller, launch.Meta, error)
}

// Pinger reports whether the execution runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server for the fixloop API.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	builder Builder
	pinger  Pinger
	runs    *RunManager
	router  chi.Router
	http    *http.Server
	logger  *slog.Logger
}

// New creates a new Server. pinger may be nil.
func New(cfg *config.Config, store storage.Store, builder Builder, pinger Pinger) *Server {
	logger := slog.Default().With("component", "server")
	s := &Server{
		cfg:     cfg,
		store:   store,
		builder: builder,
		pinger:  pinger,
		runs:    NewRunManager(logger),
		router:  chi.NewRouter(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs/{id}/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Get("/runs", s.handleListRuns)
			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Delete("/runs/{id}", s.handleDeleteRun)
			r.Get("/runs/{id}/attempts", s.handleGetAttempts)

			r.Get("/providers", s.handleListProviders)
			r.Get("/languages", s.handleListLanguages)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Runs returns the manager of in-process runs.
func (s *Server) Runs() *RunManager {
	return s.runs
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("fixloop server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels active runs and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.runs.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
