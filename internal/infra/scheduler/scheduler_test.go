package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
)

type expireRecorder struct {
	mu    sync.Mutex
	tasks []string
	err   error
}

func (r *expireRecorder) handle(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, taskID)
	return r.err
}

func (r *expireRecorder) fired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func TestScheduler_ArmAndSweep(t *testing.T) {
	bus := eventbus.New()
	rec := &expireRecorder{}
	cfg := Config{
		TickInterval:              time.Second,
		AssignmentTimeout:         time.Hour,
		ConflictResolutionTimeout: 2 * time.Hour,
	}
	s := New(cfg, bus, rec.handle)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := bus.PublishTaskAssigned("task-1", "w1"); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}

	// Before the deadline nothing fires.
	s.now = func() time.Time { return base.Add(59 * time.Minute) }
	if n := s.Sweep(); n != 0 {
		t.Errorf("early sweep fired %d", n)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	if n := s.Sweep(); n != 1 {
		t.Fatalf("sweep fired %d, want 1", n)
	}
	if fired := rec.fired(); len(fired) != 1 || fired[0] != "task-1" {
		t.Errorf("fired = %v", fired)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after sweep", s.Pending())
	}

	// Fired deadlines do not fire twice.
	if n := s.Sweep(); n != 0 {
		t.Errorf("repeat sweep fired %d", n)
	}
}

func TestScheduler_ConflictDeadline(t *testing.T) {
	bus := eventbus.New()
	rec := &expireRecorder{}
	cfg := Config{AssignmentTimeout: time.Hour, ConflictResolutionTimeout: 2 * time.Hour}
	s := New(cfg, bus, rec.handle)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := bus.PublishTaskAssigned("task-1", "w1"); err != nil {
		t.Fatal(err)
	}
	// A conflict re-arms the task with the longer resolution deadline.
	if err := bus.PublishConflictDetected("task-1", domain.ConsensusResult{Conflict: true}); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (re-armed, not duplicated)", s.Pending())
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	if n := s.Sweep(); n != 0 {
		t.Errorf("assignment deadline fired despite re-arm: %d", n)
	}
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := s.Sweep(); n != 1 {
		t.Errorf("resolution deadline fired %d, want 1", n)
	}
}

func TestScheduler_TerminalDisarms(t *testing.T) {
	bus := eventbus.New()
	rec := &expireRecorder{}
	s := New(DefaultConfig(), bus, rec.handle)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := bus.PublishTaskAssigned("task-1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishTaskLifecycle(domain.EventTaskCompleted, "task-1", "w1", nil); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after terminal event", s.Pending())
	}

	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	if n := s.Sweep(); n != 0 {
		t.Errorf("disarmed task fired %d", n)
	}
}

func TestScheduler_ZeroTimeoutsDisable(t *testing.T) {
	bus := eventbus.New()
	rec := &expireRecorder{}
	s := New(Config{}, bus, rec.handle)

	if err := bus.PublishTaskAssigned("task-1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishConflictDetected("task-2", domain.ConsensusResult{Conflict: true}); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d with zero timeouts, want 0", s.Pending())
	}
}

func TestScheduler_HandlerErrorKeepsSweeping(t *testing.T) {
	bus := eventbus.New()
	rec := &expireRecorder{err: errors.New("machine not found")}
	cfg := Config{AssignmentTimeout: time.Minute}
	s := New(cfg, bus, rec.handle)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	if err := bus.PublishTaskAssigned("task-1", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := bus.PublishTaskAssigned("task-2", "w2"); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	if n := s.Sweep(); n != 2 {
		t.Errorf("sweep fired %d, want 2 despite handler errors", n)
	}
	if fired := rec.fired(); len(fired) != 2 {
		t.Errorf("handler called %d times, want 2", len(fired))
	}
}
