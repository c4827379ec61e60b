package sqlite

import (
	"github.com/labelmint/labelmint/internal/domain"
	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/log"
)

// AttachBus wires the store to the event bus as a pure subscriber: every
// event is journaled, accepted labels are persisted, and task state rows
// follow STATE_CHANGED. Returns the subscription id. Persistence failures
// are logged, never propagated: a failing store must not disturb the
// publisher or other subscribers.
func (d *DB) AttachBus(bus *eventbus.Bus) string {
	logger := log.GetLogger().WithField("component", "sqlite-store")

	return bus.SubscribeToAll(func(ev domain.TaskEvent) {
		if err := d.AppendEvent(ev); err != nil {
			logger.WithError(err).Warn("journal event")
		}

		switch ev.Type {
		case domain.EventTaskCreated:
			honeypot, _ := ev.Data["honeypot"].(bool)
			if err := d.UpsertTask(ev.TaskID, domain.StateCreated, honeypot, ev.Timestamp); err != nil {
				logger.WithError(err).Warn("record task")
			}

		case domain.EventStateChanged:
			to, ok := ev.Data["to"].(domain.TaskState)
			if !ok {
				return
			}
			if err := d.UpsertTask(ev.TaskID, to, false, ev.Timestamp); err != nil {
				logger.WithError(err).Warn("record task state")
			}

		case domain.EventLabelsSubmitted:
			labels, ok := ev.Data["labels"].([]domain.Label)
			if !ok {
				return
			}
			for _, l := range labels {
				if err := d.SaveLabel(l); err != nil {
					logger.WithError(err).WithField("label_id", l.ID).Warn("persist label")
				}
			}
		}
	})
}
