// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/adlibrary-crawler/internal/admission"
	"github.com/JakeFAU/adlibrary-crawler/internal/chatlog"
	"github.com/JakeFAU/adlibrary-crawler/internal/config"
	"github.com/JakeFAU/adlibrary-crawler/internal/crawler"
	"github.com/JakeFAU/adlibrary-crawler/internal/metrics"
	"github.com/JakeFAU/adlibrary-crawler/internal/queue"
	"github.com/JakeFAU/adlibrary-crawler/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	readinessTimeout      = 2 * time.Second
)

// Queue admits crawl jobs and reports where they stand.
type Queue interface {
	Submit(job *crawler.Job) (queue.Position, error)
	PositionOf(originID string) (queue.Position, bool)
	Len() int
	Active() (string, bool)
}

// Canceler records an origin's request to stop its crawl.
type Canceler interface {
	RequestCancel(originID string)
}

// MessageLog records inbound requests.
type MessageLog interface {
	Record(e chatlog.Entry)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators behind the HTTP handlers. Notifier, Log,
// Progress and Checks are optional.
type Deps struct {
	Queue    Queue
	Jobs     crawler.JobStore
	IDs      crawler.IDGenerator
	Clock    crawler.Clock
	Cancel   Canceler
	Notifier crawler.Notifier
	Log      MessageLog
	Progress store.ProgressRepository
	Checks   map[string]ReadinessCheck
}

// Server wires HTTP handlers to the queue and stores.
type Server struct {
	router chi.Router
	deps   Deps
	admit  *admission.Service
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	s.admit = admission.New(admission.Deps{
		Queue:    deps.Queue,
		Jobs:     deps.Jobs,
		IDs:      deps.IDs,
		Clock:    deps.Clock,
		Notifier: deps.Notifier,
		Log:      deps.Log,
	}, logger)
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawls", s.submitCrawl)
		r.Get("/queue", s.queueState)
		r.Route("/origins/{origin_id}", func(r chi.Router) {
			r.Get("/position", s.getPosition)
			r.Post("/cancel", s.cancelOrigin)
		})
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/result", s.getJobResult)
			r.Post("/cancel", s.cancelJob)
		})
		if deps.Progress != nil {
			runs := NewProgressHandler(deps.Progress, logger)
			r.Get("/runs", runs.ListRuns)
			r.Get("/runs/{job_id}", runs.GetRun)
			r.Get("/runs/{job_id}/targets", runs.ListRunTargets)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req admission.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.admit.Admit(r.Context(), req)
	var dup *admission.DuplicateError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": res.JobID, "position": int(res.Position)})
	case errors.Is(err, admission.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "origin already has a crawl in progress",
			"position": int(dup.Position),
		})
	case errors.Is(err, queue.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down")
	default:
		s.logger.Error("admit crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
	}
}

func (s *Server) queueState(w http.ResponseWriter, _ *http.Request) {
	_, busy := s.deps.Queue.Active()
	writeJSON(w, http.StatusOK, map[string]any{"active": busy, "waiting": s.deps.Queue.Len()})
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	originID := chi.URLParam(r, "origin_id")
	pos, ok := s.deps.Queue.PositionOf(originID)
	if !ok {
		writeError(w, http.StatusNotFound, "no crawl for origin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"origin_id": originID, "position": int(pos)})
}

func (s *Server) cancelOrigin(w http.ResponseWriter, r *http.Request) {
	originID := chi.URLParam(r, "origin_id")
	if _, ok := s.deps.Queue.PositionOf(originID); !ok {
		writeError(w, http.StatusNotFound, "no crawl for origin")
		return
	}
	s.deps.Cancel.RequestCancel(originID)
	s.logger.Info("cancellation requested", zap.String("origin_id", originID))
	writeJSON(w, http.StatusAccepted, map[string]string{"origin_id": originID, "status": "canceling"})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already finished", "status": string(job.Status)})
		return
	}
	s.deps.Cancel.RequestCancel(job.OriginID)
	s.logger.Info("cancellation requested", zap.String("job_id", jobID), zap.String("origin_id", job.OriginID))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

type resultDTO struct {
	JobID   string     `json:"job_id"`
	Keyword string     `json:"keyword"`
	Cleaned bool       `json:"cleaned"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != crawler.JobStatusSucceeded {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job has no result", "status": string(job.Status)})
		return
	}
	table, err := s.deps.Jobs.GetResult(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load result failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, resultDTO{
			JobID:   jobID,
			Keyword: job.Keyword,
			Cleaned: table.Cleaned,
			Columns: table.Columns,
			Rows:    table.Rows,
		})
	case "records":
		writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "records": table.Maps()})
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".csv"))
		w.WriteHeader(http.StatusOK)
		if err := table.WriteCSV(w); err != nil {
			s.logger.Warn("write csv failed", zap.String("job_id", jobID), zap.Error(err))
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
