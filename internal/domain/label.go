package domain

import "time"

// MaxTimeSpentMs caps a label's reported time-spent at one hour.
const MaxTimeSpentMs = 3_600_000

// Label is one worker's judgment for a task. At most one Label may exist per
// (task, worker) pair; the orchestration service enforces this before storage.
type Label struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	WorkerID    string    `json:"worker_id"`
	Value       string    `json:"value"`
	Confidence  *float64  `json:"confidence,omitempty"`
	TimeSpentMs *int64    `json:"time_spent_ms,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// LabelSubmission is the caller-facing input to SubmitLabel: identity is
// assigned by the service, not the caller.
type LabelSubmission struct {
	TaskID      string   `json:"task_id"`
	WorkerID    string   `json:"worker_id"`
	Value       string   `json:"value"`
	Confidence  *float64 `json:"confidence,omitempty"`
	TimeSpentMs *int64   `json:"time_spent_ms,omitempty"`
}

// ConsensusConfig tunes the vote-aggregation algorithm for one task.
type ConsensusConfig struct {
	// RequiredLabels is the quorum: minimum submissions before a decision
	// is attempted.
	RequiredLabels int `json:"required_labels"`

	// Threshold is the minimum vote count the leading value must hold.
	Threshold int `json:"threshold"`

	// HoneypotThreshold is the accuracy bar for honeypot tasks. Consumed by
	// external trust scoring, not by the aggregation algorithm itself.
	HoneypotThreshold float64 `json:"honeypot_threshold"`

	// MaxReviewers caps the total labels ever collected for a task.
	MaxReviewers int `json:"max_reviewers"`

	// ConflictResolutionTimeout is advisory: no timer fires inside the core.
	// An external scheduler must call HandleExpiration to realize it.
	ConflictResolutionTimeout time.Duration `json:"conflict_resolution_timeout"`
}

// Validate checks construction-time invariants.
func (c ConsensusConfig) Validate() error {
	if c.RequiredLabels < 1 {
		return &ConfigError{Field: "required_labels", Reason: "must be at least 1"}
	}
	if c.Threshold < 1 {
		return &ConfigError{Field: "threshold", Reason: "must be at least 1"}
	}
	if c.MaxReviewers < c.RequiredLabels {
		return &ConfigError{Field: "max_reviewers", Reason: "must be >= required_labels"}
	}
	if c.Threshold > c.MaxReviewers {
		return &ConfigError{Field: "threshold", Reason: "must be <= max_reviewers"}
	}
	if c.HoneypotThreshold < 0 || c.HoneypotThreshold > 1 {
		return &ConfigError{Field: "honeypot_threshold", Reason: "must lie in [0,1]"}
	}
	return nil
}

// ConsensusResult is the outcome of one vote aggregation over a task's
// current label set. Derived, never persisted: recomputed on every query.
type ConsensusResult struct {
	Reached     bool           `json:"reached"`
	Confidence  float64        `json:"confidence"`
	AgreedLabel string         `json:"agreed_label,omitempty"`
	LabelCounts map[string]int `json:"label_counts"`
	TotalLabels int            `json:"total_labels"`
	Conflict    bool           `json:"conflict"`
}
