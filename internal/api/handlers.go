package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := http.StatusOK
	body := map[string]any{"status": "ok", "checks": s.checker.Statuses()}
	if !s.checker.Healthy() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

// ─── Labels ─────────────────────────────────────────────────────────────────

func (s *Server) handleSubmitLabel(w http.ResponseWriter, r *http.Request) {
	var sub domain.LabelSubmission
	if !decodeBody(w, r, &sub) {
		return
	}
	result, err := s.svc.SubmitLabel(sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type batchRequest struct {
	Submissions []domain.LabelSubmission `json:"submissions"`
}

type batchResponse struct {
	Results map[string]domain.ConsensusResult `json:"results"`
	Errors  string                            `json:"errors,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := s.svc.SubmitLabelsBatch(req.Submissions)
	if err != nil && results == nil {
		writeError(w, err)
		return
	}

	// Partial success: accepted groups report results, rejected groups are
	// described in errors.
	resp := batchResponse{Results: results}
	status := http.StatusCreated
	if err != nil {
		resp.Errors = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

type createTaskRequest struct {
	TaskID         string `json:"task_id"`
	Honeypot       bool   `json:"honeypot"`
	ExpectedAnswer string `json:"expected_answer,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := s.svc.CreateTaskMachine(req.TaskID, req.Honeypot)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Honeypot && req.ExpectedAnswer != "" {
		if err := s.svc.RegisterHoneypotAnswer(req.TaskID, req.ExpectedAnswer); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task_id": m.TaskID(),
		"state":   m.State(),
		"config":  m.Config(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.svc.ActiveTaskMachines()})
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.svc.RemoveTaskMachine(taskID) {
		writeError(w, domain.ErrMachineNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": taskID})
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetTaskMachine(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetConsensus(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.GetConsensus(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReviewersNeeded(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	needs, err := s.svc.NeedsAdditionalReviewers(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	needed, err := s.svc.AdditionalReviewersNeeded(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"needs_additional_reviewers": needs,
		"additional_needed":          needed,
	})
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

type lifecycleRequest struct {
	WorkerID   string `json:"worker_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	FinalLabel string `json:"final_label,omitempty"`
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, fn func(taskID string, req lifecycleRequest) error) {
	taskID := chi.URLParam(r, "taskID")
	var req lifecycleRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := fn(taskID, req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.svc.GetTaskMachine(taskID)
	if err != nil {
		// Terminal transitions release the machine; report the action alone.
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "state": m.State()})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.AssignTask(taskID, req.WorkerID)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.StartTask(taskID, req.WorkerID)
	})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.SubmitTaskForReview(taskID, req.WorkerID)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.CancelTask(taskID, req.Reason)
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.FailTask(taskID, req.Reason)
	})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.HandleExpiration(taskID)
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.DisputeTask(taskID, req.Reason)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(taskID string, req lifecycleRequest) error {
		return s.svc.ResolveDispute(taskID, req.FinalLabel, req.WorkerID)
	})
}

// ─── Observability ──────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	events := s.bus.History(eventbus.HistoryFilter{
		TaskID: q.Get("task_id"),
		Type:   domain.EventType(q.Get("type")),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEngineMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Metrics())
}
