package domain

import "time"

// EventType names one kind of engine event. The set is closed: the bus
// rejects types outside this vocabulary at publish time.
type EventType string

const (
	// Task lifecycle
	EventTaskCreated   EventType = "TASK_CREATED"
	EventTaskAssigned  EventType = "TASK_ASSIGNED"
	EventTaskStarted   EventType = "TASK_STARTED"
	EventTaskSubmitted EventType = "TASK_SUBMITTED"
	EventTaskCompleted EventType = "TASK_COMPLETED"
	EventTaskCancelled EventType = "TASK_CANCELLED"
	EventTaskExpired   EventType = "TASK_EXPIRED"
	EventTaskFailed    EventType = "TASK_FAILED"

	// State machine
	EventStateChanged EventType = "STATE_CHANGED"

	// Consensus
	EventConsensusReached EventType = "CONSENSUS_REACHED"
	EventConsensusFailed  EventType = "CONSENSUS_FAILED"
	EventConflictDetected EventType = "CONFLICT_DETECTED"
	EventLabelsSubmitted  EventType = "LABELS_SUBMITTED"

	// Worker quality
	EventHoneypotPassed        EventType = "HONEYPOT_PASSED"
	EventHoneypotFailed        EventType = "HONEYPOT_FAILED"
	EventWorkerAccuracyUpdated EventType = "WORKER_ACCURACY_UPDATED"
	EventWorkerTrustUpdated    EventType = "WORKER_TRUST_UPDATED"
)

// AllEventTypes lists the full closed vocabulary.
var AllEventTypes = []EventType{
	EventTaskCreated, EventTaskAssigned, EventTaskStarted, EventTaskSubmitted,
	EventTaskCompleted, EventTaskCancelled, EventTaskExpired, EventTaskFailed,
	EventStateChanged,
	EventConsensusReached, EventConsensusFailed, EventConflictDetected,
	EventLabelsSubmitted,
	EventHoneypotPassed, EventHoneypotFailed,
	EventWorkerAccuracyUpdated, EventWorkerTrustUpdated,
}

// IsValidEventType reports whether t belongs to the closed vocabulary.
func IsValidEventType(t EventType) bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TerminalEventFor maps a terminal-ish event type to true when its arrival
// means the task's in-memory machine can be released.
func TerminalEventFor(t EventType) bool {
	return t == EventTaskCompleted || t == EventTaskCancelled || t == EventTaskFailed
}

// TaskEvent is one immutable record in the bus history. The canonical order
// of events is history append order, not Timestamp.
type TaskEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	TaskID    string            `json:"task_id"`
	Timestamp time.Time         `json:"timestamp"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TransitionRecord is one entry in a machine's transition history.
type TransitionRecord struct {
	From    TaskState      `json:"from"`
	To      TaskState      `json:"to"`
	At      time.Time      `json:"at"`
	Context map[string]any `json:"context,omitempty"`
}
