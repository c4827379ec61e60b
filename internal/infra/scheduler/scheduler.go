// Package scheduler realizes the engine's advisory timeouts. The consensus
// core runs no timer of its own: this component watches the event bus for
// assignments and conflicts, tracks per-task deadlines, and calls the
// service's expiration handler when they pass.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/log"
)

// Config controls the deadline scheduler.
type Config struct {
	// TickInterval: how often deadlines are swept.
	TickInterval time.Duration

	// AssignmentTimeout: how long an assigned task may sit without
	// resolution before it expires.
	AssignmentTimeout time.Duration

	// ConflictResolutionTimeout: how long a conflicted task may stay
	// unresolved. Zero disables conflict deadlines.
	ConflictResolutionTimeout time.Duration
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:              30 * time.Second,
		AssignmentTimeout:         2 * time.Hour,
		ConflictResolutionTimeout: 24 * time.Hour,
	}
}

// ExpirationHandler is the service hook invoked when a deadline passes.
type ExpirationHandler func(taskID string) error

type deadline struct {
	taskID string
	at     time.Time
	reason string
}

// Scheduler tracks task deadlines and fires expirations.
type Scheduler struct {
	mu        sync.Mutex
	config    Config
	deadlines map[string]deadline
	expire    ExpirationHandler
	logger    *logrus.Entry

	// Injectable clock
	now func() time.Time
}

// New creates a Scheduler firing into the given expiration handler and
// subscribes it to the bus for deadline bookkeeping.
func New(cfg Config, bus *eventbus.Bus, expire ExpirationHandler) *Scheduler {
	s := &Scheduler{
		config:    cfg,
		deadlines: make(map[string]deadline),
		expire:    expire,
		logger:    log.GetLogger().WithField("component", "deadline-scheduler"),
		now:       time.Now,
	}

	bus.SubscribeToAll(func(ev domain.TaskEvent) {
		s.observe(ev)
	})
	return s
}

// observe maintains deadlines from bus traffic: an assignment arms the
// assignment deadline, a conflict arms the resolution deadline, and any
// terminal event disarms the task.
func (s *Scheduler) observe(ev domain.TaskEvent) {
	switch ev.Type {
	case domain.EventTaskAssigned:
		if s.config.AssignmentTimeout > 0 {
			s.arm(ev.TaskID, s.config.AssignmentTimeout, "assignment_timeout")
		}
	case domain.EventConflictDetected:
		if s.config.ConflictResolutionTimeout > 0 {
			s.arm(ev.TaskID, s.config.ConflictResolutionTimeout, "conflict_resolution_timeout")
		}
	case domain.EventTaskCompleted, domain.EventTaskCancelled,
		domain.EventTaskExpired, domain.EventTaskFailed:
		s.disarm(ev.TaskID)
	}
}

func (s *Scheduler) arm(taskID string, d time.Duration, reason string) {
	if taskID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[taskID] = deadline{taskID: taskID, at: s.now().Add(d), reason: reason}
}

func (s *Scheduler) disarm(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, taskID)
}

// Pending returns how many deadlines are currently armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadlines)
}

// Sweep fires the expiration handler for every deadline that has passed and
// returns how many fired. Safe to call directly; Run calls it on a ticker.
func (s *Scheduler) Sweep() int {
	now := s.now()

	s.mu.Lock()
	var due []deadline
	for id, d := range s.deadlines {
		if !now.Before(d.at) {
			due = append(due, d)
			delete(s.deadlines, id)
		}
	}
	s.mu.Unlock()

	for _, d := range due {
		entry := s.logger.WithFields(logrus.Fields{"task_id": d.taskID, "reason": d.reason})
		if err := s.expire(d.taskID); err != nil {
			entry.WithError(err).Warn("expire task")
			continue
		}
		entry.Info("task expired")
	}
	return len(due)
}

// Run sweeps deadlines until the context is cancelled. Call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.config.TickInterval
	if interval <= 0 {
		interval = DefaultConfig().TickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
