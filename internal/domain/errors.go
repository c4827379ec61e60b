package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency. All are synchronous,
// caller-visible, and non-retryable: they signal a caller bug or a genuine
// business conflict, never a transient fault.

var (
	// Transition errors
	ErrInvalidTransition = errors.New("state transition not allowed")

	// Submission validation errors
	ErrInvalidTaskState   = errors.New("task state does not accept label submissions")
	ErrDuplicateSubmission = errors.New("worker already submitted a label for this task")
	ErrInvalidLabelValue  = errors.New("label value is empty")
	ErrInvalidConfidence  = errors.New("confidence must lie in [0,1]")
	ErrInvalidTimeSpent   = errors.New("time spent must lie in [0, 3600000] ms")

	// Lookup errors
	ErrMachineNotFound = errors.New("task machine not found")

	// Construction errors
	ErrInvalidConfig = errors.New("invalid consensus configuration")

	// Batch errors
	ErrBatchDisabled = errors.New("batch processing is disabled")
	ErrBatchTooLarge = errors.New("batch exceeds the configured maximum size")

	// Event bus errors
	ErrUnknownEventType = errors.New("event type outside the closed vocabulary")
)

// StateTransitionError reports an attempted transition outside the table.
// It carries both states and the legal targets from the current state.
type StateTransitionError struct {
	From  TaskState
	To    TaskState
	Valid []TaskState
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s → %s (valid: %v)", e.From, e.To, e.Valid)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *StateTransitionError) Unwrap() error { return ErrInvalidTransition }

// NewStateTransitionError builds the error with the valid-target list filled
// from the transition table.
func NewStateTransitionError(from, to TaskState) *StateTransitionError {
	return &StateTransitionError{From: from, To: to, Valid: NextStates(from)}
}

// ValidationError reports a rejected label submission. Kind is one of the
// submission sentinel errors above, so both errors.Is (on the kind) and
// errors.As (on the struct) work.
type ValidationError struct {
	Field  string
	Reason string
	Kind   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// ConfigError reports a construction-time invariant violation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }
