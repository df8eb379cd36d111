// Package api exposes the HTTP interface for the scan engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seolens/scan-engine/internal/metrics"
	"github.com/seolens/scan-engine/internal/orchestrator"
	"github.com/seolens/scan-engine/internal/scan"
	"github.com/seolens/scan-engine/internal/store"
)

// Config controls the API surface.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// Backend names the active store implementation for readiness reporting.
	Backend string
	// Durable is false when the volatile fallback store is active.
	Durable bool
	// RequestTimeout bounds each request (default 60s).
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator and store.
type Server struct {
	router chi.Router
	store  store.Store
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	cfg    Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st store.Store, orch *orchestrator.Orchestrator, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		store:  st,
		orch:   orch,
		logger: logger,
		cfg:    cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Get("/", s.scanHistory)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Get("/services", s.getScanServices)
				r.Post("/services/{service}/retry", s.retryService)
			})
		})
		r.Route("/stats", func(r chi.Router) {
			r.Get("/scans", s.scanStats)
			r.Get("/services", s.serviceStats)
			r.Get("/errors", s.errorStats)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports store connectivity and makes the active backend explicit,
// so a deployment running on the volatile fallback is observable.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"backend": s.cfg.Backend,
		"durable": s.cfg.Durable,
	}
	if err := s.store.Healthy(r.Context()); err != nil {
		payload["status"] = "unavailable"
		payload["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	payload["status"] = "ready"
	writeJSON(w, http.StatusOK, payload)
}

type createScanRequest struct {
	URL      string   `json:"url"`
	Services []string `json:"services,omitempty"`
	UserType string   `json:"user_type,omitempty"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.orch.StartScan(r.Context(), orchestrator.StartRequest{
		URL:      req.URL,
		Services: req.Services,
		UserType: req.UserType,
	})
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrNoServices), errors.Is(err, scan.ErrUnknownService):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrQuotaExceeded):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	status := http.StatusCreated
	if result.CacheHit {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	sc, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scan": sc})
}

func (s *Server) getScanServices(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetScan(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	records, err := s.store.GetScanServices(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": records})
}

func (s *Server) retryService(w http.ResponseWriter, r *http.Request) {
	id, ok := s.scanID(w, r)
	if !ok {
		return
	}
	service := chi.URLParam(r, "service")

	sc, err := s.orch.Retry(r.Context(), id, service)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "scan or service not found")
		case errors.Is(err, scan.ErrRetryNotEligible):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scan": sc})
}

func (s *Server) scanHistory(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	scans, err := s.store.ScanHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if scans == nil {
		scans = []scan.Scan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) scanStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.MetricsStats(r.Context(), sinceQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) serviceStats(w http.ResponseWriter, r *http.Request) {
	perf, err := s.store.ServicePerformance(r.Context(), sinceQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if perf == nil {
		perf = []store.ServicePerformance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": perf})
}

func (s *Server) errorStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ErrorAnalysis(r.Context(), sinceQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if counts == nil {
		counts = []store.ErrorCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": counts})
}

func (s *Server) scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "scan_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return uuid.UUID{}, false
	}
	return id, true
}

// sinceQuery maps an ?hours= window to a cutoff, defaulting to 24h.
func sinceQuery(r *http.Request) time.Time {
	hours := intQuery(r, "hours", 24)
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
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
