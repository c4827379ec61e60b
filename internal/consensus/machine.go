// Package consensus implements the per-task state machine and the
// vote-aggregation algorithm. One Machine instance tracks one task: its
// current lifecycle state, the ordered transition history, and the consensus
// configuration that tunes aggregation for that task.
package consensus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/infra/metrics"
)

// TransitionListener observes committed transitions on a Machine.
// Listeners are invoked after the transition is recorded, in registration
// order, on the transitioning goroutine.
type TransitionListener func(taskID string, rec domain.TransitionRecord)

// Machine is the per-task finite state machine. Transition is the sole
// mutator of state: every change passes through its table guard and appends
// exactly one history entry.
type Machine struct {
	mu        sync.RWMutex
	taskID    string
	state     domain.TaskState
	config    domain.ConsensusConfig
	history   []domain.TransitionRecord
	lastAt    time.Time
	listeners []TransitionListener

	// Injectable clock
	now func() time.Time
}

// NewMachine creates a Machine in CREATED with a validated configuration.
func NewMachine(taskID string, cfg domain.ConsensusConfig) (*Machine, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		taskID: taskID,
		state:  domain.StateCreated,
		config: cfg,
		now:    time.Now,
	}, nil
}

// TaskID returns the owning task's id.
func (m *Machine) TaskID() string { return m.taskID }

// State returns the current lifecycle state.
func (m *Machine) State() domain.TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Config returns the machine's consensus configuration.
func (m *Machine) Config() domain.ConsensusConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// LastTransitionAt returns when the most recent transition committed
// (zero time if none has).
func (m *Machine) LastTransitionAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAt
}

// History returns a copy of the ordered transition history.
func (m *Machine) History() []domain.TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// OnTransition registers a listener for committed transitions.
func (m *Machine) OnTransition(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves the machine to newState if the table allows it. On
// rejection it returns a StateTransitionError carrying both states and the
// legal targets, and the machine is left unchanged. On success it records
// exactly one history entry and notifies listeners.
func (m *Machine) Transition(newState domain.TaskState, context map[string]any) error {
	m.mu.Lock()
	if !domain.IsValidTransition(m.state, newState) {
		from := m.state
		m.mu.Unlock()
		metrics.TransitionsRejected.Inc()
		return domain.NewStateTransitionError(from, newState)
	}

	at := m.now()
	rec := domain.TransitionRecord{
		From:    m.state,
		To:      newState,
		At:      at,
		Context: context,
	}
	m.state = newState
	m.lastAt = at
	m.history = append(m.history, rec)

	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	taskID := m.taskID
	m.mu.Unlock()

	for _, l := range listeners {
		l(taskID, rec)
	}
	return nil
}

// ProcessConsensusResult drives the machine from a consensus outcome. It is
// callable only while the current state permits consensus evaluation.
//
//   - reached: CONSENSUS_REACHED then immediately COMPLETED (two recorded
//     transitions, both carrying the agreed label and confidence)
//   - conflict: CONFLICT_DETECTED
//   - otherwise: back to ASSIGNED requesting additional reviewers
//
// The ASSIGNED target doubles here as "needs more anonymous reviewers";
// the context reason distinguishes it from a worker assignment.
func (m *Machine) ProcessConsensusResult(result domain.ConsensusResult, workerID string) error {
	if st := m.State(); !domain.CanCalculateConsensus(st) {
		return fmt.Errorf("cannot process consensus result in state %s: %w", st, domain.ErrInvalidTransition)
	}

	switch {
	case result.Reached:
		ctx := map[string]any{
			"agreed_label": result.AgreedLabel,
			"confidence":   result.Confidence,
			"total_labels": result.TotalLabels,
		}
		if workerID != "" {
			ctx["worker_id"] = workerID
		}
		if err := m.Transition(domain.StateConsensusReached, ctx); err != nil {
			return err
		}
		return m.Transition(domain.StateCompleted, ctx)

	case result.Conflict:
		ctx := map[string]any{
			"label_counts": result.LabelCounts,
			"total_labels": result.TotalLabels,
		}
		if workerID != "" {
			ctx["worker_id"] = workerID
		}
		return m.Transition(domain.StateConflictDetected, ctx)

	default:
		return m.Transition(domain.StateAssigned, map[string]any{
			"reason":       "additional_reviewers_needed",
			"total_labels": result.TotalLabels,
		})
	}
}

// ─── Lifecycle Convenience Operations ───────────────────────────────────────
// Thin wrappers over Transition with a fixed target. Each fails with a
// StateTransitionError when the current state does not permit it.

// AssignTo moves the task to ASSIGNED for a specific worker.
func (m *Machine) AssignTo(workerID string) error {
	return m.Transition(domain.StateAssigned, map[string]any{"worker_id": workerID})
}

// StartWork moves the task to IN_PROGRESS.
func (m *Machine) StartWork(workerID string) error {
	return m.Transition(domain.StateInProgress, map[string]any{"worker_id": workerID})
}

// SubmitForReview moves the task to PENDING_REVIEW.
func (m *Machine) SubmitForReview(workerID string) error {
	return m.Transition(domain.StatePendingReview, map[string]any{"worker_id": workerID})
}

// HandleExpiration moves the task to EXPIRED. Called by an external
// scheduler; the machine runs no timer of its own.
func (m *Machine) HandleExpiration() error {
	return m.Transition(domain.StateExpired, map[string]any{"reason": "deadline_exceeded"})
}

// HandleFailure moves the task to FAILED.
func (m *Machine) HandleFailure(reason string) error {
	return m.Transition(domain.StateFailed, map[string]any{"reason": reason})
}

// Cancel moves the task to CANCELLED.
func (m *Machine) Cancel(reason string) error {
	return m.Transition(domain.StateCancelled, map[string]any{"reason": reason})
}

// ─── Serialization ──────────────────────────────────────────────────────────

// snapshot is the JSON wire form of a Machine.
type snapshot struct {
	TaskID           string                    `json:"task_id"`
	State            domain.TaskState          `json:"state"`
	Config           domain.ConsensusConfig    `json:"config"`
	LastTransitionAt time.Time                 `json:"last_transition_at"`
	History          []domain.TransitionRecord `json:"history"`
}

// MarshalJSON serializes task id, state, config, last transition time and
// the full history losslessly.
func (m *Machine) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(snapshot{
		TaskID:           m.taskID,
		State:            m.state,
		Config:           m.config,
		LastTransitionAt: m.lastAt,
		History:          m.history,
	})
}

// FromJSON reconstructs a Machine from its MarshalJSON form. Listeners are
// not part of the wire form and must be re-registered.
func FromJSON(data []byte) (*Machine, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode machine: %w", err)
	}
	m, err := NewMachine(s.TaskID, s.Config)
	if err != nil {
		return nil, err
	}
	m.state = s.State
	m.lastAt = s.LastTransitionAt
	m.history = s.History
	return m, nil
}
