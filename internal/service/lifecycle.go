package service

import (
	"github.com/labelmint/labelmint/internal/consensus"
	"github.com/labelmint/labelmint/internal/domain"
)

// lifecycleEvents maps a transition target to the lifecycle event published
// alongside STATE_CHANGED. Consensus outcome events carry richer payloads
// and are published by the evaluation path instead.
var lifecycleEvents = map[domain.TaskState]domain.EventType{
	domain.StateCreated:       domain.EventTaskCreated,
	domain.StateAssigned:      domain.EventTaskAssigned,
	domain.StateInProgress:    domain.EventTaskStarted,
	domain.StatePendingReview: domain.EventTaskSubmitted,
	domain.StateCompleted:     domain.EventTaskCompleted,
	domain.StateCancelled:     domain.EventTaskCancelled,
	domain.StateExpired:       domain.EventTaskExpired,
	domain.StateFailed:        domain.EventTaskFailed,
}

// onTransition is registered on every machine the service creates. It turns
// committed transitions into bus events; terminal lifecycle events in turn
// trigger the cleanup subscription.
func (s *Service) onTransition(taskID string, rec domain.TransitionRecord) {
	if !s.opts.EnableEventPublishing {
		return
	}
	if err := s.bus.PublishStateChanged(taskID, rec); err != nil {
		s.log.WithError(err).Warn("publish state changed")
	}
	if t, ok := lifecycleEvents[rec.To]; ok {
		workerID, _ := rec.Context["worker_id"].(string)
		if err := s.bus.PublishTaskLifecycle(t, taskID, workerID, rec.Context); err != nil {
			s.log.WithError(err).Warn("publish lifecycle event")
		}
	}
}

// withMachine runs fn on the task's machine under the per-task lock.
func (s *Service) withMachine(taskID string, fn func(*consensus.Machine) error) error {
	unlock := s.lockTask(taskID)
	defer unlock()

	m, err := s.GetTaskMachine(taskID)
	if err != nil {
		return err
	}
	return fn(m)
}

// AssignTask offers the task to a worker.
func (s *Service) AssignTask(taskID, workerID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.AssignTo(workerID)
	})
}

// StartTask marks the task as being worked on.
func (s *Service) StartTask(taskID, workerID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.StartWork(workerID)
	})
}

// SubmitTaskForReview moves the task into review.
func (s *Service) SubmitTaskForReview(taskID, workerID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.SubmitForReview(workerID)
	})
}

// CancelTask cancels the task. Terminal: the machine is released via the
// cleanup subscription.
func (s *Service) CancelTask(taskID, reason string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.Cancel(reason)
	})
}

// FailTask marks the task as failed.
func (s *Service) FailTask(taskID, reason string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.HandleFailure(reason)
	})
}

// HandleExpiration expires the task. The engine runs no timer of its own;
// an external scheduler calls this to realize deadlines.
func (s *Service) HandleExpiration(taskID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.HandleExpiration()
	})
}

// RequeueTask returns an expired or failed task to CREATED for a fresh
// attempt.
func (s *Service) RequeueTask(taskID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.Transition(domain.StateCreated, map[string]any{"reason": "requeued"})
	})
}

// DisputeTask escalates a conflicted task into UNDER_DISPUTE.
func (s *Service) DisputeTask(taskID, reason string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		return m.Transition(domain.StateUnderDispute, map[string]any{"reason": reason})
	})
}

// ResolveDispute resolves a disputed task and completes it with the given
// final label.
func (s *Service) ResolveDispute(taskID, finalLabel, resolverID string) error {
	return s.withMachine(taskID, func(m *consensus.Machine) error {
		ctx := map[string]any{"final_label": finalLabel, "worker_id": resolverID}
		if err := m.Transition(domain.StateResolved, ctx); err != nil {
			return err
		}
		return m.Transition(domain.StateCompleted, ctx)
	})
}
