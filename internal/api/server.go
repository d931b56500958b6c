package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/crawler"
	"github.com/JakeFAU/media-scraper/internal/dispatcher"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// Triggers is the run control surface the handlers drive.
type Triggers interface {
	StartScrape(ctx context.Context, params crawler.RunParams, allowConcurrent bool) (string, error)
	StartCleanup(ctx context.Context) (string, error)
	ActiveRuns(ctx context.Context) ([]crawler.Run, error)
	Get(ctx context.Context, runID string) (crawler.Run, error)
	Terminate(ctx context.Context, runID, reason string) error
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router   chi.Router
	triggers Triggers
	ready    ReadyFunc
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(triggers Triggers, ready ReadyFunc, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		triggers: triggers,
		ready:    ready,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/cleanup", s.startCleanup)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startScrape)
			r.Get("/", s.listActive)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/terminate", s.terminate)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRunRequest struct {
	BaseURL         string `json:"base_url"`
	MaxPages        *int   `json:"max_pages"`
	BatchSize       *int   `json:"batch_size"`
	Force           *bool  `json:"force"`
	AllowConcurrent bool   `json:"allow_concurrent"`
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) startScrape(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	params := s.toRunParams(req)
	runID, err := s.triggers.StartScrape(r.Context(), params, req.AllowConcurrent)
	if err != nil {
		s.writeStartError(w, runID, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) startCleanup(w http.ResponseWriter, r *http.Request) {
	runID, err := s.triggers.StartCleanup(r.Context())
	if err != nil {
		s.writeStartError(w, runID, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) listActive(w http.ResponseWriter, r *http.Request) {
	runs, err := s.triggers.ActiveRuns(r.Context())
	if err != nil {
		s.logger.Error("list active runs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []crawler.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.triggers.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	req := terminateRequest{Reason: "terminated via API"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	err := s.triggers.Terminate(r.Context(), runID, req.Reason)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, crawler.ErrRunTerminal):
		s.writeError(w, http.StatusConflict, "run already finished")
	case err != nil:
		s.logger.Error("terminate run failed", zap.String("run_id", runID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to terminate run")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "terminating"})
	}
}

func (s *Server) writeStartError(w http.ResponseWriter, activeRunID string, err error) {
	switch {
	case errors.Is(err, crawler.ErrRunActive):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "active_run_id": activeRunID})
	case errors.Is(err, dispatcher.ErrInvalidParams):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("start run failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start run")
	}
}

// toRunParams fills unset request fields from the scraper defaults.
func (s *Server) toRunParams(req startRunRequest) crawler.RunParams {
	params := s.cfg.DefaultRunParams()
	if req.BaseURL != "" {
		params.BaseURL = req.BaseURL
	}
	if req.MaxPages != nil {
		maxPages := *req.MaxPages
		params.MaxPages = &maxPages
	}
	params.BatchSize = valueOrDefault(req.BatchSize, params.BatchSize)
	params.Force = valueOrDefault(req.Force, params.Force)
	return params
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
