// Package service implements the consensus orchestration façade: it
// validates and records label submissions, owns the population of live task
// state machines, drives consensus recalculation and the resulting
// transitions, and maintains engine-wide metrics. Downstream consumers are
// reached only through the event bus, never called directly.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/labelmint/labelmint/internal/consensus"
	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/infra/metrics"
	"github.com/labelmint/labelmint/internal/log"
)

// Options configures the orchestration service at construction.
type Options struct {
	RequiredLabels            int
	Threshold                 int
	HoneypotThreshold         float64
	MaxReviewers              int
	ConflictResolutionTimeout time.Duration
	EnableEventPublishing     bool
	EnableBatchProcessing     bool
	MaxBatchSize              int
	BatchTimeout              time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		RequiredLabels:            3,
		Threshold:                 2,
		HoneypotThreshold:         0.9,
		MaxReviewers:              7,
		ConflictResolutionTimeout: 24 * time.Hour,
		EnableEventPublishing:     true,
		EnableBatchProcessing:     true,
		MaxBatchSize:              50,
		BatchTimeout:              5 * time.Second,
	}
}

// consensusConfig derives the per-task configuration from the options.
func (o Options) consensusConfig(honeypot bool) domain.ConsensusConfig {
	cfg := domain.ConsensusConfig{
		RequiredLabels:            o.RequiredLabels,
		Threshold:                 o.Threshold,
		HoneypotThreshold:         o.HoneypotThreshold,
		MaxReviewers:              o.MaxReviewers,
		ConflictResolutionTimeout: o.ConflictResolutionTimeout,
	}
	if honeypot {
		// A single label resolves a honeypot immediately.
		cfg.RequiredLabels = 1
		cfg.Threshold = 1
	}
	return cfg
}

// validate checks construction-time invariants, closing the gap where the
// original never rejected a bad configuration.
func (o Options) validate() error {
	if err := o.consensusConfig(false).Validate(); err != nil {
		return err
	}
	if o.EnableBatchProcessing && o.MaxBatchSize < 1 {
		return &domain.ConfigError{Field: "max_batch_size", Reason: "must be at least 1 when batching is enabled"}
	}
	return nil
}

// Service is the consensus orchestration engine. All mutation for one task
// id is serialized through a per-task lock, so validate → append → recompute
// → transition is atomic per task; different tasks proceed in parallel.
type Service struct {
	opts Options
	bus  *eventbus.Bus
	log  *logrus.Entry

	mu       sync.RWMutex
	machines map[string]*consensus.Machine
	labels   map[string][]domain.Label
	taskMu   map[string]*sync.Mutex
	honeypot map[string]bool
	expected map[string]string // honeypot task id → known-correct answer

	metrics engineMetrics

	// Injectable clock
	now func() time.Time
}

// New creates a Service bound to an explicitly constructed bus and registers
// the terminal-event cleanup subscriptions that bound the resident machine
// population to currently open tasks.
func New(bus *eventbus.Bus, opts Options) (*Service, error) {
	if bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	s := &Service{
		opts:     opts,
		bus:      bus,
		log:      log.GetLogger().WithField("component", "consensus-service"),
		machines: make(map[string]*consensus.Machine),
		labels:   make(map[string][]domain.Label),
		taskMu:   make(map[string]*sync.Mutex),
		honeypot: make(map[string]bool),
		expected: make(map[string]string),
		now:      time.Now,
	}

	for _, t := range []domain.EventType{
		domain.EventTaskCompleted, domain.EventTaskCancelled, domain.EventTaskFailed,
	} {
		if _, err := bus.Subscribe(t, s.onTerminalEvent); err != nil {
			return nil, fmt.Errorf("register cleanup subscription: %w", err)
		}
	}
	return s, nil
}

// Bus returns the bus handle the service publishes to.
func (s *Service) Bus() *eventbus.Bus { return s.bus }

// onTerminalEvent releases the machine and label working set for a task once
// a terminal event appears on the bus.
func (s *Service) onTerminalEvent(ev domain.TaskEvent) {
	if ev.TaskID == "" {
		return
	}
	if s.RemoveTaskMachine(ev.TaskID) {
		s.log.WithFields(logrus.Fields{
			"task_id": ev.TaskID,
			"event":   ev.Type,
		}).Debug("released task machine after terminal event")
	}
}

// lockTask acquires the per-task mutex, creating it on first use.
func (s *Service) lockTask(taskID string) func() {
	s.mu.Lock()
	mu, ok := s.taskMu[taskID]
	if !ok {
		mu = &sync.Mutex{}
		s.taskMu[taskID] = mu
	}
	s.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// ─── Machine Population ─────────────────────────────────────────────────────

// CreateTaskMachine creates (or returns the existing) state machine for a
// task. Honeypot machines are configured so one label resolves consensus.
func (s *Service) CreateTaskMachine(taskID string, isHoneypot bool) (*consensus.Machine, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	s.mu.Lock()
	if m, ok := s.machines[taskID]; ok {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	m, err := consensus.NewMachine(taskID, s.opts.consensusConfig(isHoneypot))
	if err != nil {
		return nil, err
	}
	m.OnTransition(s.onTransition)

	s.mu.Lock()
	s.machines[taskID] = m
	s.honeypot[taskID] = isHoneypot
	count := len(s.machines)
	s.mu.Unlock()

	metrics.MachinesActive.Set(float64(count))
	if s.opts.EnableEventPublishing {
		if err := s.bus.PublishTaskCreated(taskID, isHoneypot); err != nil {
			s.log.WithError(err).Warn("publish task created")
		}
	}
	return m, nil
}

// GetTaskMachine returns the live machine for a task.
func (s *Service) GetTaskMachine(taskID string) (*consensus.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrMachineNotFound)
	}
	return m, nil
}

// RemoveTaskMachine drops a task's machine, labels, and lock entry. It
// reports whether a machine was present.
func (s *Service) RemoveTaskMachine(taskID string) bool {
	s.mu.Lock()
	_, ok := s.machines[taskID]
	delete(s.machines, taskID)
	delete(s.labels, taskID)
	delete(s.taskMu, taskID)
	delete(s.honeypot, taskID)
	delete(s.expected, taskID)
	count := len(s.machines)
	s.mu.Unlock()

	if ok {
		metrics.MachinesActive.Set(float64(count))
	}
	return ok
}

// ActiveTaskMachines returns the ids of all live machines, sorted.
func (s *Service) ActiveTaskMachines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.machines))
	for id := range s.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterHoneypotAnswer records the known-correct answer for a honeypot
// task. When the task completes, each worker's label is compared against it
// and a honeypot pass/fail event is published for external trust scoring.
func (s *Service) RegisterHoneypotAnswer(taskID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrMachineNotFound)
	}
	if !s.honeypot[taskID] {
		return fmt.Errorf("task %s is not a honeypot", taskID)
	}
	s.expected[taskID] = answer
	return nil
}

// ─── Label Submission ───────────────────────────────────────────────────────

// SubmitLabel validates and records one label, recomputes consensus over the
// task's full label set, drives the state machine, and returns the result.
// Every rejection is a distinct, non-retryable error.
func (s *Service) SubmitLabel(sub domain.LabelSubmission) (domain.ConsensusResult, error) {
	unlock := s.lockTask(sub.TaskID)
	defer unlock()

	m, err := s.GetTaskMachine(sub.TaskID)
	if err != nil {
		metrics.LabelsSubmitted.WithLabelValues("machine_not_found").Inc()
		return domain.ConsensusResult{}, err
	}
	if err := s.validateSubmission(m, sub, s.labelsFor(sub.TaskID)); err != nil {
		metrics.LabelsSubmitted.WithLabelValues(rejectionKind(err)).Inc()
		return domain.ConsensusResult{}, err
	}

	label := s.buildLabel(sub)
	s.appendLabels(sub.TaskID, label)
	metrics.LabelsSubmitted.WithLabelValues("accepted").Inc()

	if s.opts.EnableEventPublishing {
		if err := s.bus.PublishLabelsSubmitted(sub.TaskID, sub.WorkerID, []domain.Label{label}); err != nil {
			s.log.WithError(err).Warn("publish labels submitted")
		}
	}
	return s.evaluate(m, sub.TaskID, sub.WorkerID), nil
}

// SubmitLabelsBatch records many submissions at once. Submissions are
// grouped by task; within a group every submission is validated before any
// is appended, consensus is computed once for the whole group, and the
// machine is driven a single time with the transition attributed to the
// group's first submission. Groups fail or succeed independently.
func (s *Service) SubmitLabelsBatch(subs []domain.LabelSubmission) (map[string]domain.ConsensusResult, error) {
	if !s.opts.EnableBatchProcessing {
		return nil, domain.ErrBatchDisabled
	}
	if len(subs) == 0 {
		return map[string]domain.ConsensusResult{}, nil
	}
	if len(subs) > s.opts.MaxBatchSize {
		return nil, fmt.Errorf("%d submissions exceed max batch size %d: %w",
			len(subs), s.opts.MaxBatchSize, domain.ErrBatchTooLarge)
	}
	metrics.BatchesSubmitted.Inc()

	// Group by task id, preserving first-seen order.
	var order []string
	groups := make(map[string][]domain.LabelSubmission)
	for _, sub := range subs {
		if _, ok := groups[sub.TaskID]; !ok {
			order = append(order, sub.TaskID)
		}
		groups[sub.TaskID] = append(groups[sub.TaskID], sub)
	}

	results := make(map[string]domain.ConsensusResult, len(order))
	var errs []error
	for _, taskID := range order {
		result, err := s.submitGroup(taskID, groups[taskID])
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", taskID, err))
			continue
		}
		results[taskID] = result
	}
	return results, errors.Join(errs...)
}

// submitGroup processes one task's slice of a batch under the task lock.
func (s *Service) submitGroup(taskID string, group []domain.LabelSubmission) (domain.ConsensusResult, error) {
	unlock := s.lockTask(taskID)
	defer unlock()

	m, err := s.GetTaskMachine(taskID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}

	// Validate everything before appending anything. Duplicates are checked
	// against the stored set and within the group itself.
	existing := s.labelsFor(taskID)
	seen := make(map[string]struct{}, len(group))
	for _, sub := range group {
		if _, dup := seen[sub.WorkerID]; dup {
			return domain.ConsensusResult{}, &domain.ValidationError{
				Field:  "worker_id",
				Reason: fmt.Sprintf("worker %s appears twice in batch", sub.WorkerID),
				Kind:   domain.ErrDuplicateSubmission,
			}
		}
		seen[sub.WorkerID] = struct{}{}
		if err := s.validateSubmission(m, sub, existing); err != nil {
			return domain.ConsensusResult{}, err
		}
	}

	labels := make([]domain.Label, 0, len(group))
	for _, sub := range group {
		labels = append(labels, s.buildLabel(sub))
	}
	s.appendLabels(taskID, labels...)
	metrics.LabelsSubmitted.WithLabelValues("accepted").Add(float64(len(labels)))

	first := group[0].WorkerID
	if s.opts.EnableEventPublishing {
		if err := s.bus.PublishLabelsSubmitted(taskID, first, labels); err != nil {
			s.log.WithError(err).Warn("publish labels submitted")
		}
	}

	// One consensus calculation and one machine drive for the whole group.
	// Attributing the transition to the first submitter is a known
	// compromise; audit consumers read the labels payload instead.
	return s.evaluate(m, taskID, first), nil
}

// validateSubmission runs the rejection pipeline in its fixed order.
func (s *Service) validateSubmission(m *consensus.Machine, sub domain.LabelSubmission, existing []domain.Label) error {
	if st := m.State(); st != domain.StateAssigned && st != domain.StateInProgress {
		return &domain.ValidationError{
			Field:  "task_state",
			Reason: fmt.Sprintf("state %s does not accept submissions", st),
			Kind:   domain.ErrInvalidTaskState,
		}
	}
	for _, l := range existing {
		if l.WorkerID == sub.WorkerID {
			return &domain.ValidationError{
				Field:  "worker_id",
				Reason: fmt.Sprintf("worker %s already labeled task %s", sub.WorkerID, sub.TaskID),
				Kind:   domain.ErrDuplicateSubmission,
			}
		}
	}
	if strings.TrimSpace(sub.Value) == "" {
		return &domain.ValidationError{
			Field:  "value",
			Reason: "label value is empty",
			Kind:   domain.ErrInvalidLabelValue,
		}
	}
	if sub.Confidence != nil && (*sub.Confidence < 0 || *sub.Confidence > 1) {
		return &domain.ValidationError{
			Field:  "confidence",
			Reason: fmt.Sprintf("%v outside [0,1]", *sub.Confidence),
			Kind:   domain.ErrInvalidConfidence,
		}
	}
	if sub.TimeSpentMs != nil && (*sub.TimeSpentMs < 0 || *sub.TimeSpentMs > domain.MaxTimeSpentMs) {
		return &domain.ValidationError{
			Field:  "time_spent_ms",
			Reason: fmt.Sprintf("%d outside [0,%d]", *sub.TimeSpentMs, domain.MaxTimeSpentMs),
			Kind:   domain.ErrInvalidTimeSpent,
		}
	}
	return nil
}

func (s *Service) buildLabel(sub domain.LabelSubmission) domain.Label {
	return domain.Label{
		ID:          uuid.NewString(),
		TaskID:      sub.TaskID,
		WorkerID:    sub.WorkerID,
		Value:       strings.TrimSpace(sub.Value),
		Confidence:  sub.Confidence,
		TimeSpentMs: sub.TimeSpentMs,
		CreatedAt:   s.now(),
	}
}

func (s *Service) labelsFor(taskID string) []domain.Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := s.labels[taskID]
	out := make([]domain.Label, len(labels))
	copy(out, labels)
	return out
}

func (s *Service) appendLabels(taskID string, labels ...domain.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labels[taskID] = append(s.labels[taskID], labels...)
}

// ─── Consensus Evaluation ───────────────────────────────────────────────────

// evaluate recomputes consensus over the task's full label set, records
// metrics, publishes the outcome, and drives the state machine. Caller holds
// the task lock.
func (s *Service) evaluate(m *consensus.Machine, taskID, workerID string) domain.ConsensusResult {
	labels := s.labelsFor(taskID)

	start := s.now()
	result := m.CheckConsensus(labels)
	elapsed := s.now().Sub(start)

	s.metrics.record(result, elapsed)
	metrics.ConsensusCalculations.Inc()
	metrics.ConsensusLatency.Observe(elapsed.Seconds())
	metrics.ConsensusOutcomes.WithLabelValues(outcomeLabel(result)).Inc()

	switch {
	case result.Reached, result.Conflict:
		s.drive(m, taskID, workerID, result, labels)
	case result.TotalLabels >= m.Config().RequiredLabels:
		// Quorum met but no verdict either way: margin above one with the
		// leader short of threshold. More labels are needed.
		if s.opts.EnableEventPublishing {
			if err := s.bus.PublishConsensusFailed(taskID, result); err != nil {
				s.log.WithError(err).Warn("publish consensus failed")
			}
		}
	}
	return result
}

// drive advances the machine into review and applies the verdict. A conflict
// that still has reviewer capacity immediately re-opens the task for
// additional workers.
func (s *Service) drive(m *consensus.Machine, taskID, workerID string, result domain.ConsensusResult, labels []domain.Label) {
	// Snapshot honeypot bookkeeping up front: a reached verdict completes the
	// task, and terminal cleanup releases these entries.
	s.mu.RLock()
	isHoneypot := s.honeypot[taskID]
	expected := s.expected[taskID]
	s.mu.RUnlock()

	if err := s.advanceToReview(m, workerID); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Error("advance to review")
		return
	}
	if err := m.ProcessConsensusResult(result, workerID); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Error("process consensus result")
		return
	}

	if s.opts.EnableEventPublishing {
		var err error
		if result.Reached {
			err = s.bus.PublishConsensusReached(taskID, result)
		} else {
			err = s.bus.PublishConflictDetected(taskID, result)
		}
		if err != nil {
			s.log.WithError(err).Warn("publish consensus outcome")
		}
	}

	if result.Reached {
		s.evaluateHoneypot(taskID, labels, isHoneypot, expected)
		return
	}

	if m.State() == domain.StateConflictDetected && m.NeedsAdditionalReviewers(labels) {
		needed := m.AdditionalReviewersNeeded(labels)
		err := m.Transition(domain.StateAssigned, map[string]any{
			"reason":               "additional_reviewers_needed",
			"additional_reviewers": needed,
		})
		if err != nil {
			s.log.WithError(err).WithField("task_id", taskID).Error("request additional reviewers")
		}
	}
}

// advanceToReview walks the machine into PENDING_REVIEW so a verdict can be
// applied: ASSIGNED → IN_PROGRESS → PENDING_REVIEW.
func (s *Service) advanceToReview(m *consensus.Machine, workerID string) error {
	if m.State() == domain.StateAssigned {
		if err := m.StartWork(workerID); err != nil {
			return err
		}
	}
	if m.State() == domain.StateInProgress {
		return m.SubmitForReview(workerID)
	}
	return nil
}

// evaluateHoneypot compares each worker's label against the registered
// known-correct answer and publishes pass/fail events. Trust scoring itself
// is external; the engine only reports outcomes.
func (s *Service) evaluateHoneypot(taskID string, labels []domain.Label, isHoneypot bool, expected string) {
	if !isHoneypot || expected == "" || !s.opts.EnableEventPublishing {
		return
	}
	for _, l := range labels {
		passed := l.Value == expected
		if err := s.bus.PublishHoneypotResult(taskID, l.WorkerID, passed, expected, l.Value); err != nil {
			s.log.WithError(err).Warn("publish honeypot result")
		}
	}
}

// GetConsensus recomputes the verdict from the task's current label set.
// No caching: label counts per task are bounded by MaxReviewers.
func (s *Service) GetConsensus(taskID string) (domain.ConsensusResult, error) {
	m, err := s.GetTaskMachine(taskID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	return m.CheckConsensus(s.labelsFor(taskID)), nil
}

// NeedsAdditionalReviewers reports whether the task should be offered to
// more workers.
func (s *Service) NeedsAdditionalReviewers(taskID string) (bool, error) {
	m, err := s.GetTaskMachine(taskID)
	if err != nil {
		return false, err
	}
	return m.NeedsAdditionalReviewers(s.labelsFor(taskID)), nil
}

// AdditionalReviewersNeeded returns how many more labels to request.
func (s *Service) AdditionalReviewersNeeded(taskID string) (int, error) {
	m, err := s.GetTaskMachine(taskID)
	if err != nil {
		return 0, err
	}
	return m.AdditionalReviewersNeeded(s.labelsFor(taskID)), nil
}

func rejectionKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTaskState):
		return "invalid_task_state"
	case errors.Is(err, domain.ErrDuplicateSubmission):
		return "duplicate_submission"
	case errors.Is(err, domain.ErrInvalidLabelValue):
		return "invalid_label_value"
	case errors.Is(err, domain.ErrInvalidConfidence):
		return "invalid_confidence"
	case errors.Is(err, domain.ErrInvalidTimeSpent):
		return "invalid_time_spent"
	default:
		return "rejected"
	}
}

func outcomeLabel(r domain.ConsensusResult) string {
	switch {
	case r.Reached:
		return "reached"
	case r.Conflict:
		return "conflict"
	default:
		return "pending"
	}
}
