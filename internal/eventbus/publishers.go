package eventbus

import "github.com/labelmint/labelmint/internal/domain"

// Convenience publishers, one per event shape. Each builds the canonical
// payload for its kind so subscribers can rely on the data keys.

// PublishTaskCreated records a new task entering the engine.
func (b *Bus) PublishTaskCreated(taskID string, honeypot bool) error {
	return b.Publish(domain.TaskEvent{
		Type:   domain.EventTaskCreated,
		TaskID: taskID,
		Data:   map[string]any{"honeypot": honeypot},
	})
}

// PublishTaskAssigned records a task being offered to a worker.
func (b *Bus) PublishTaskAssigned(taskID, workerID string) error {
	return b.Publish(domain.TaskEvent{
		Type:     domain.EventTaskAssigned,
		TaskID:   taskID,
		WorkerID: workerID,
	})
}

// PublishStateChanged records one committed machine transition.
func (b *Bus) PublishStateChanged(taskID string, rec domain.TransitionRecord) error {
	return b.Publish(domain.TaskEvent{
		Type:   domain.EventStateChanged,
		TaskID: taskID,
		Data: map[string]any{
			"from":    rec.From,
			"to":      rec.To,
			"context": rec.Context,
		},
	})
}

// PublishLabelsSubmitted records accepted label submissions. The full label
// slice rides in the payload so audit and persistence subscribers see every
// submission even when a batch attributes its transition to one worker.
func (b *Bus) PublishLabelsSubmitted(taskID, workerID string, labels []domain.Label) error {
	return b.Publish(domain.TaskEvent{
		Type:     domain.EventLabelsSubmitted,
		TaskID:   taskID,
		WorkerID: workerID,
		Data: map[string]any{
			"labels": labels,
			"count":  len(labels),
		},
	})
}

// PublishConsensusReached records an agreement verdict.
func (b *Bus) PublishConsensusReached(taskID string, result domain.ConsensusResult) error {
	return b.Publish(domain.TaskEvent{
		Type:   domain.EventConsensusReached,
		TaskID: taskID,
		Data: map[string]any{
			"agreed_label": result.AgreedLabel,
			"confidence":   result.Confidence,
			"total_labels": result.TotalLabels,
		},
	})
}

// PublishConsensusFailed records a quorum-met evaluation that produced
// neither agreement nor conflict.
func (b *Bus) PublishConsensusFailed(taskID string, result domain.ConsensusResult) error {
	return b.Publish(domain.TaskEvent{
		Type:   domain.EventConsensusFailed,
		TaskID: taskID,
		Data: map[string]any{
			"label_counts": result.LabelCounts,
			"total_labels": result.TotalLabels,
		},
	})
}

// PublishConflictDetected records a conflict verdict.
func (b *Bus) PublishConflictDetected(taskID string, result domain.ConsensusResult) error {
	return b.Publish(domain.TaskEvent{
		Type:   domain.EventConflictDetected,
		TaskID: taskID,
		Data: map[string]any{
			"label_counts": result.LabelCounts,
			"total_labels": result.TotalLabels,
		},
	})
}

// PublishTaskLifecycle records a terminal or lifecycle event by type.
func (b *Bus) PublishTaskLifecycle(t domain.EventType, taskID, workerID string, data map[string]any) error {
	return b.Publish(domain.TaskEvent{
		Type:     t,
		TaskID:   taskID,
		WorkerID: workerID,
		Data:     data,
	})
}

// PublishHoneypotResult records a worker's honeypot outcome for external
// trust scoring.
func (b *Bus) PublishHoneypotResult(taskID, workerID string, passed bool, expected, submitted string) error {
	t := domain.EventHoneypotFailed
	if passed {
		t = domain.EventHoneypotPassed
	}
	return b.Publish(domain.TaskEvent{
		Type:     t,
		TaskID:   taskID,
		WorkerID: workerID,
		Data: map[string]any{
			"expected":  expected,
			"submitted": submitted,
		},
	})
}

// PublishWorkerAccuracy records an accuracy figure computed by an external
// scorer. The engine publishes the vocabulary; it never computes trust.
func (b *Bus) PublishWorkerAccuracy(workerID string, accuracy float64) error {
	return b.Publish(domain.TaskEvent{
		Type:     domain.EventWorkerAccuracyUpdated,
		WorkerID: workerID,
		Data:     map[string]any{"accuracy": accuracy},
	})
}
