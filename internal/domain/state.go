// Package domain holds the pure types of the consensus engine: task states
// and the transition table, labels, consensus configuration and results, and
// the event vocabulary. No behavior beyond predicates and no infrastructure
// dependency; the engines around it carry the stack.
package domain

import "sort"

// TaskState labels a task's position in the labeling lifecycle.
type TaskState string

const (
	StateCreated          TaskState = "CREATED"
	StateAssigned         TaskState = "ASSIGNED"
	StateInProgress       TaskState = "IN_PROGRESS"
	StatePendingReview    TaskState = "PENDING_REVIEW"
	StateConsensusReached TaskState = "CONSENSUS_REACHED"
	StateConflictDetected TaskState = "CONFLICT_DETECTED"
	StateUnderDispute     TaskState = "UNDER_DISPUTE"
	StateResolved         TaskState = "RESOLVED"
	StateCompleted        TaskState = "COMPLETED"
	StateCancelled        TaskState = "CANCELLED"
	StateExpired          TaskState = "EXPIRED"
	StateFailed           TaskState = "FAILED"
)

// allowedTransitions is the static lifecycle table. COMPLETED and CANCELLED
// are terminal and have no outgoing edges.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	StateCreated: {
		StateAssigned:  {},
		StateCancelled: {},
		StateExpired:   {},
	},
	StateAssigned: {
		StateInProgress: {},
		StateCancelled:  {},
		StateExpired:    {},
		StateFailed:     {},
	},
	StateInProgress: {
		StatePendingReview: {},
		StateCancelled:     {},
		StateExpired:       {},
		StateFailed:        {},
	},
	StatePendingReview: {
		StateConsensusReached: {},
		StateConflictDetected: {},
		StateUnderDispute:     {},
	},
	StateConsensusReached: {
		StateCompleted: {},
	},
	StateConflictDetected: {
		StateAssigned:     {},
		StateUnderDispute: {},
	},
	StateUnderDispute: {
		StateResolved:         {},
		StateConflictDetected: {},
	},
	StateResolved: {
		StateCompleted: {},
	},
	StateExpired: {
		StateCreated: {},
	},
	StateFailed: {
		StateCreated: {},
	},
	StateCompleted: {},
	StateCancelled: {},
}

// IsValidTransition reports whether the lifecycle allows from → to.
// Unknown states are never valid.
func IsValidTransition(from, to TaskState) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// NextStates returns the legal targets from a state, sorted for
// deterministic output. Unknown states yield an empty slice.
func NextStates(from TaskState) []TaskState {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return nil
	}
	result := make([]TaskState, 0, len(allowed))
	for s := range allowed {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(s TaskState) bool {
	return s == StateCompleted || s == StateCancelled
}

// IsActive reports whether a task in this state still needs work.
func IsActive(s TaskState) bool {
	switch s {
	case StateCreated, StateAssigned, StateInProgress, StatePendingReview,
		StateConflictDetected, StateUnderDispute:
		return true
	}
	return false
}

// CanCalculateConsensus reports whether consensus evaluation is meaningful
// in this state: the task has collected labels and awaits a verdict.
func CanCalculateConsensus(s TaskState) bool {
	switch s {
	case StatePendingReview, StateConflictDetected, StateUnderDispute:
		return true
	}
	return false
}
