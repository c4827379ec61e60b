// Package eventbus is the engine's publish/subscribe hub. It records every
// event in a bounded FIFO history and fans out to type-scoped, wildcard, and
// pattern subscriptions. History append order is the canonical order of
// events; downstream consumers (notifications, trust scoring, payments) are
// pure subscribers and are never called directly by the core.
package eventbus

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/infra/metrics"
)

// DefaultHistoryCapacity bounds the retained event history.
const DefaultHistoryCapacity = 10_000

// Handler consumes one event. Handlers run on the publishing goroutine in
// subscription order; a handler doing slow work should hand it off, see
// Async. A panicking handler is isolated and never affects history recording
// or delivery to other subscribers.
type Handler func(domain.TaskEvent)

// Async wraps a handler so each delivery runs on its own goroutine,
// decoupling the subscriber's work from the publisher.
func Async(h Handler) Handler {
	return func(ev domain.TaskEvent) {
		go h(ev)
	}
}

type subscription struct {
	id        string
	eventType domain.EventType // empty for wildcard/pattern registrations
	pattern   *regexp.Regexp   // compiled regex for pattern registrations
	substring string           // fallback when the pattern is not a valid regex
	handler   Handler
	once      bool
}

func (s *subscription) matchesPattern(t domain.EventType) bool {
	if s.pattern != nil {
		return s.pattern.MatchString(string(t))
	}
	return strings.Contains(string(t), s.substring)
}

// Bus is a typed publish/subscribe hub with bounded history. Type-scoped,
// wildcard, and pattern subscriptions live in independent registries.
// Construct one per process and pass it by handle; there is no package-level
// default instance.
type Bus struct {
	mu       sync.Mutex
	capacity int
	history  []domain.TaskEvent

	byType   map[domain.EventType][]*subscription
	wildcard []*subscription
	patterns []*subscription

	// Injectable clock
	now func() time.Time
}

// New creates a Bus with the default history capacity.
func New() *Bus {
	return NewWithCapacity(DefaultHistoryCapacity)
}

// NewWithCapacity creates a Bus retaining at most capacity events.
func NewWithCapacity(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultHistoryCapacity
	}
	return &Bus{
		capacity: capacity,
		byType:   make(map[domain.EventType][]*subscription),
		now:      time.Now,
	}
}

// Publish records the event and notifies subscribers. The event type must
// belong to the closed vocabulary. A zero timestamp is stamped at publish
// time and an empty id is assigned. History append happens before any
// subscriber runs, so history order is authoritative regardless of what
// subscribers do.
func (b *Bus) Publish(event domain.TaskEvent) error {
	if !domain.IsValidEventType(event.Type) {
		return domain.ErrUnknownEventType
	}

	b.mu.Lock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}

	b.history = append(b.history, event)
	if len(b.history) > b.capacity {
		// FIFO eviction, oldest first
		b.history = b.history[len(b.history)-b.capacity:]
	}

	targets := b.collectTargets(event.Type)
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	metrics.EventHistorySize.Set(float64(len(b.history)))
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub.handler, event)
	}
	return nil
}

// collectTargets snapshots matching subscriptions in notification order
// (type-scoped, then wildcard, then pattern, each in subscription order) and
// removes once-registrations. Caller holds b.mu.
func (b *Bus) collectTargets(t domain.EventType) []*subscription {
	var targets []*subscription

	typed := b.byType[t]
	targets = append(targets, typed...)
	b.byType[t] = dropOnce(typed)

	targets = append(targets, b.wildcard...)
	b.wildcard = dropOnce(b.wildcard)

	for _, sub := range b.patterns {
		if sub.matchesPattern(t) {
			targets = append(targets, sub)
		}
	}
	b.patterns = dropOnceMatching(b.patterns, t)

	return targets
}

func dropOnce(subs []*subscription) []*subscription {
	kept := subs[:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	return kept
}

func dropOnceMatching(subs []*subscription, t domain.EventType) []*subscription {
	kept := subs[:0]
	for _, s := range subs {
		if !(s.once && s.matchesPattern(t)) {
			kept = append(kept, s)
		}
	}
	return kept
}

// deliver runs one handler with panic isolation.
func deliver(h Handler, ev domain.TaskEvent) {
	defer func() {
		_ = recover()
	}()
	h(ev)
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

// SubscribeOption customizes a registration.
type SubscribeOption func(*subscription)

// Once makes the registration deliver exactly one notification, then
// auto-remove.
func Once() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// WithID pins the subscription id instead of generating one.
func WithID(id string) SubscribeOption {
	return func(s *subscription) { s.id = id }
}

// Subscribe registers a handler for one event type and returns the
// subscription id for Unsubscribe.
func (b *Bus) Subscribe(t domain.EventType, h Handler, opts ...SubscribeOption) (string, error) {
	if !domain.IsValidEventType(t) {
		return "", domain.ErrUnknownEventType
	}
	sub := &subscription{id: uuid.NewString(), eventType: t, handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], sub)
	return sub.id, nil
}

// SubscribeToAll registers a wildcard handler notified for every event.
func (b *Bus) SubscribeToAll(h Handler, opts ...SubscribeOption) string {
	sub := &subscription{id: uuid.NewString(), handler: h}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, sub)
	return sub.id
}

// SubscribePattern registers a handler for every event type matching the
// pattern. The pattern is compiled as a regular expression; if it is not a
// valid regex it falls back to substring matching.
func (b *Bus) SubscribePattern(pattern string, h Handler, opts ...SubscribeOption) string {
	sub := &subscription{id: uuid.NewString(), handler: h, substring: pattern}
	if re, err := regexp.Compile(pattern); err == nil {
		sub.pattern = re
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns = append(b.patterns, sub)
	return sub.id
}

// Unsubscribe removes exactly one registration by id. It reports whether a
// registration was removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.byType {
		if kept, removed := withoutID(subs, id); removed {
			b.byType[t] = kept
			return true
		}
	}
	if kept, removed := withoutID(b.wildcard, id); removed {
		b.wildcard = kept
		return true
	}
	if kept, removed := withoutID(b.patterns, id); removed {
		b.patterns = kept
		return true
	}
	return false
}

// UnsubscribeAll removes every type-scoped registration for a type and
// returns how many were removed. Wildcard and pattern registrations are
// untouched.
func (b *Bus) UnsubscribeAll(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := len(b.byType[t])
	delete(b.byType, t)
	return removed
}

func withoutID(subs []*subscription, id string) ([]*subscription, bool) {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...), true
		}
	}
	return subs, false
}

// SubscriberCount returns the total number of live registrations across all
// registries.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.wildcard) + len(b.patterns)
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

// ─── History ────────────────────────────────────────────────────────────────

// HistoryFilter narrows a History query. Zero values mean "no filter".
type HistoryFilter struct {
	TaskID string
	Type   domain.EventType
	Limit  int
}

// History returns retained events matching the filter, newest first.
func (b *Bus) History(f HistoryFilter) []domain.TaskEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.TaskEvent
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if f.TaskID != "" && ev.TaskID != f.TaskID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// HistorySize returns how many events are currently retained.
func (b *Bus) HistorySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.history)
}
