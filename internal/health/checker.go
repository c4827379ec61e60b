// Package health provides periodic component health checks for the engine.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/infra/sqlite"
	"github.com/labelmint/labelmint/internal/service"
)

// Check defines a single named health check.
type Check struct {
	Name    string
	CheckFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a checker with the standard engine checks: store
// connectivity, bus history watermark, and machine-population watermark.
func NewChecker(db *sqlite.DB, bus *eventbus.Bus, svc *service.Service) *Checker {
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					if db == nil {
						return nil // persistence disabled
					}
					return db.Ping()
				},
			},
			{
				Name: "event_history",
				CheckFn: func(ctx context.Context) error {
					// At capacity the bus evicts oldest events; flag when the
					// journal consumer may be falling behind.
					if bus.HistorySize() >= eventbus.DefaultHistoryCapacity {
						return fmt.Errorf("event history at capacity")
					}
					return nil
				},
			},
			{
				Name: "task_machines",
				CheckFn: func(ctx context.Context) error {
					if n := len(svc.ActiveTaskMachines()); n > 100_000 {
						return fmt.Errorf("%d live machines, terminal cleanup may be stuck", n)
					}
					return nil
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	now := time.Now()
	statuses := make([]Status, 0, len(c.checks))
	for _, check := range c.checks {
		st := Status{Name: check.Name, Healthy: true, CheckedAt: now}
		if err := check.CheckFn(ctx); err != nil {
			st.Healthy = false
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Healthy reports whether every check passed on the last run.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, st := range c.statuses {
		if !st.Healthy {
			return false
		}
	}
	return true
}
