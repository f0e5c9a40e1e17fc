package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/storage"
)

// Executor runs one submission through the pipeline.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Server is the HTTP server for the runbox API.
type Server struct {
	cfg       *config.Config
	exec      Executor
	history   storage.Store
	artifacts artifact.Store
	events    *runner.Hub
	router    chi.Router
	http      *http.Server
}

// New creates a new Server. history, artifacts and events may be nil; the
// routes that need them then answer 404.
func New(cfg *config.Config, exec Executor, history storage.Store, artifacts artifact.Store, events *runner.Hub) *Server {
	s := &Server{
		cfg:       cfg,
		exec:      exec,
		history:   history,
		artifacts: artifacts,
		events:    events,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log.StdLogger(), NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(limitBody(s.cfg.Server.MaxUploadBytes))
		r.Use(requireAPIKey(s.cfg.Auth.APIKey))

		r.Post("/run", s.handleRun)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		})
		r.Get("/runs/{id}/output", s.handleRunOutput)

		// WebSocket (no JSON content-type)
		r.Get("/events", s.handleEvents)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies at max bytes. Zero disables the cap.
func limitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("runbox server listening on http://localhost%s (log level %s)", addr, log.Level())
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Runs in flight finish; event
// subscribers are disconnected.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Infof("shutting down server")
	if s.events != nil {
		s.events.CloseAll()
	}
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
