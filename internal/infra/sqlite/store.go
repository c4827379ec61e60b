// Package sqlite is the durable persistence collaborator for the consensus
// engine. The core operates purely in memory; this store subscribes to the
// event bus and records tasks, labels, and the event journal as they happen.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/labelmint/labelmint/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/consensus.db.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "consensus.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity.
func (d *DB) Ping() error { return d.db.Ping() }

// migrate runs idempotent schema migrations. The (task_id, worker_id)
// uniqueness constraint backs the engine's duplicate-submission check for
// true concurrent writers.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			honeypot   BOOLEAN NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS labels (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			worker_id     TEXT NOT NULL,
			value         TEXT NOT NULL,
			confidence    REAL,
			time_spent_ms INTEGER,
			created_at    INTEGER NOT NULL,
			UNIQUE(task_id, worker_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_labels_task ON labels(task_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			task_id   TEXT,
			worker_id TEXT,
			timestamp INTEGER NOT NULL,
			data      TEXT,
			metadata  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TaskRecord is the durable view of a task.
type TaskRecord struct {
	ID        string           `json:"id"`
	State     domain.TaskState `json:"state"`
	Honeypot  bool             `json:"honeypot"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// UpsertTask records a task's current state.
func (d *DB) UpsertTask(id string, state domain.TaskState, honeypot bool, at time.Time) error {
	_, err := d.db.Exec(`INSERT INTO tasks (id, state, honeypot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		id, string(state), honeypot, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask returns a task's durable record.
func (d *DB) GetTask(id string) (TaskRecord, error) {
	var rec TaskRecord
	var state string
	var updated int64
	err := d.db.QueryRow(`SELECT id, state, honeypot, updated_at FROM tasks WHERE id = ?`, id).
		Scan(&rec.ID, &state, &rec.Honeypot, &updated)
	if err != nil {
		return TaskRecord{}, fmt.Errorf("get task %s: %w", id, err)
	}
	rec.State = domain.TaskState(state)
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, nil
}

// ─── Labels ─────────────────────────────────────────────────────────────────

// SaveLabel durably records one label. The UNIQUE(task_id, worker_id)
// constraint rejects a duplicate pair.
func (d *DB) SaveLabel(l domain.Label) error {
	_, err := d.db.Exec(`INSERT INTO labels
		(id, task_id, worker_id, value, confidence, time_spent_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TaskID, l.WorkerID, l.Value, l.Confidence, l.TimeSpentMs, l.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save label %s: %w", l.ID, err)
	}
	return nil
}

// LabelsForTask returns a task's stored labels in submission order.
func (d *DB) LabelsForTask(taskID string) ([]domain.Label, error) {
	rows, err := d.db.Query(`SELECT id, task_id, worker_id, value, confidence, time_spent_ms, created_at
		FROM labels WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	var labels []domain.Label
	for rows.Next() {
		var l domain.Label
		var created int64
		if err := rows.Scan(&l.ID, &l.TaskID, &l.WorkerID, &l.Value, &l.Confidence, &l.TimeSpentMs, &created); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		l.CreatedAt = time.UnixMilli(created)
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// ─── Event Journal ──────────────────────────────────────────────────────────

// AppendEvent journals one bus event. Data and metadata are stored as JSON.
func (d *DB) AppendEvent(ev domain.TaskEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	_, err = d.db.Exec(`INSERT INTO events (id, type, task_id, worker_id, timestamp, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.TaskID, ev.WorkerID, ev.Timestamp.UnixMilli(), string(data), string(meta))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// EventsForTask returns a task's journaled events, newest first.
func (d *DB) EventsForTask(taskID string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(`SELECT id, type, task_id, worker_id, timestamp, data, metadata
		FROM events WHERE task_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var t string
		var ts int64
		var data, meta string
		if err := rows.Scan(&ev.ID, &t, &ev.TaskID, &ev.WorkerID, &ts, &data, &meta); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(t)
		ev.Timestamp = time.UnixMilli(ts)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents returns the journal size.
func (d *DB) CountEvents() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
