// Package httpserver provides the REST API of the review orchestrator.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/helixir/review-orchestrator/internal/database"
	"github.com/helixir/review-orchestrator/internal/domain"
	"github.com/helixir/review-orchestrator/internal/repository"
	"github.com/helixir/review-orchestrator/internal/temporal"
)

// RunClient starts and controls pipeline runs. *temporal.ReviewClient
// satisfies it.
type RunClient interface {
	Execute(ctx context.Context, id uuid.UUID, startFrom domain.Stage, skip []domain.Stage) (*temporal.RunInfo, error)
	Resume(ctx context.Context, id uuid.UUID) (*temporal.RunInfo, error)
	Rerun(ctx context.Context, id uuid.UUID, stage domain.Stage, override map[string]any) (*temporal.RunInfo, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Describe(ctx context.Context, id uuid.UUID) (*temporal.RunDescription, error)
	Health(ctx context.Context) error
}

// StageReader reads per-stage state. *pipeline.Orchestrator satisfies it.
type StageReader interface {
	GetStageStatus(ctx context.Context, id uuid.UUID) ([]domain.StageStatus, error)
	GetStageProgress(ctx context.Context, id uuid.UUID, stage domain.Stage) (*domain.ProgressSnapshot, error)
}

// HealthChecker reports database health. *database.DB satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

var (
	_ RunClient     = (*temporal.ReviewClient)(nil)
	_ HealthChecker = (*database.DB)(nil)
)

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ProgressPollInterval is how often the progress stream re-reads the
	// checkpoint. Defaults to 2s.
	ProgressPollInterval time.Duration
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Workflows repository.WorkflowRepository
	Runs      RunClient
	Stages    StageReader
	DB        HealthChecker
	Logger    zerolog.Logger
}

// Server is the HTTP REST API server.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	workflows    repository.WorkflowRepository
	runs         RunClient
	stages       StageReader
	db           HealthChecker
	validate     *validator.Validate
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		workflows:    deps.Workflows,
		runs:         deps.Runs,
		stages:       deps.Stages,
		db:           deps.DB,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		pollInterval: cfg.ProgressPollInterval,
		logger:       deps.Logger.With().Str("component", "http-server").Logger(),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 2 * time.Second
	}

	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(jsonContentTypeMiddleware)

		r.Get("/modes", s.listModes)

		r.Post("/workflows", s.createWorkflow)
		r.Get("/workflows", s.listWorkflows)
		r.Route("/workflows/{workflowID}", func(r chi.Router) {
			r.Use(workflowIDMiddleware)

			r.Get("/", s.getWorkflow)
			r.Post("/run", s.runWorkflow)
			r.Get("/run", s.describeRun)
			r.Post("/resume", s.resumeWorkflow)
			r.Post("/cancel", s.cancelWorkflow)
			r.Get("/stages", s.getStageStatus)
			r.Post("/stages/{stage}/rerun", s.rerunStage)
			r.Get("/stages/{stage}/progress", s.getStageProgress)
			r.Get("/stages/{stage}/progress/stream", s.streamProgress)
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler reports liveness and database health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler also requires Temporal to be reachable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.db.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	if err := s.runs.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": "healthy",
			"temporal": "unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
		"temporal": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
