// Package api provides the HTTP surface of the consensus engine: label
// submission, consensus queries, machine lifecycle, event history, and
// observability endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/health"
	"github.com/labelmint/labelmint/internal/service"
)

// Server is the engine's HTTP API server.
type Server struct {
	svc            *service.Service
	bus            *eventbus.Bus
	checker        *health.Checker
	metricsEnabled bool
}

// NewServer creates an API server over the orchestration service and bus.
func NewServer(svc *service.Service, bus *eventbus.Bus) *Server {
	return &Server{svc: svc, bus: bus}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealthChecker attaches the health checker feeding /health detail.
func (s *Server) SetHealthChecker(c *health.Checker) { s.checker = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/labels", s.handleSubmitLabel)
		r.Post("/labels/batch", s.handleSubmitBatch)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleCreateTask)
		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Delete("/", s.handleRemoveTask)
			r.Get("/machine", s.handleGetMachine)
			r.Get("/consensus", s.handleGetConsensus)
			r.Get("/reviewers", s.handleReviewersNeeded)
			r.Post("/assign", s.handleAssign)
			r.Post("/start", s.handleStart)
			r.Post("/review", s.handleReview)
			r.Post("/cancel", s.handleCancel)
			r.Post("/fail", s.handleFail)
			r.Post("/expire", s.handleExpire)
			r.Post("/dispute", s.handleDispute)
			r.Post("/resolve", s.handleResolve)
		})

		r.Get("/events", s.handleEvents)
		r.Get("/engine/metrics", s.handleEngineMetrics)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps engine errors onto HTTP statuses: unknown machines are
// 404, duplicates and illegal transitions are 409 conflicts, the remaining
// validation failures are 422, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""

	switch {
	case errors.Is(err, domain.ErrMachineNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		status, kind = http.StatusConflict, "duplicate_submission"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, kind = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrInvalidTaskState):
		status, kind = http.StatusUnprocessableEntity, "invalid_task_state"
	case errors.Is(err, domain.ErrInvalidLabelValue):
		status, kind = http.StatusUnprocessableEntity, "invalid_label_value"
	case errors.Is(err, domain.ErrInvalidConfidence):
		status, kind = http.StatusUnprocessableEntity, "invalid_confidence"
	case errors.Is(err, domain.ErrInvalidTimeSpent):
		status, kind = http.StatusUnprocessableEntity, "invalid_time_spent"
	case errors.Is(err, domain.ErrBatchDisabled):
		status, kind = http.StatusForbidden, "batch_disabled"
	case errors.Is(err, domain.ErrBatchTooLarge):
		status, kind = http.StatusRequestEntityTooLarge, "batch_too_large"
	case errors.Is(err, domain.ErrInvalidConfig):
		status, kind = http.StatusUnprocessableEntity, "invalid_config"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Kind: "bad_request"})
		return false
	}
	return true
}
