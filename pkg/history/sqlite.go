package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS step_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id     TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	state       TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS step_events_plan_idx ON step_events (plan_id, id);
CREATE INDEX IF NOT EXISTS step_events_occurred_idx ON step_events (occurred_at);
`

// SQLiteStore persists events in an embedded SQLite database for single-node
// deployments. Use ":memory:" as the path in tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes access per connection; a single
	// connection avoids table-lock errors from concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, ev plan.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("history: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_events (plan_id, step_id, state, trace_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.PlanID, ev.Step.ID, string(ev.Step.State), ev.TraceID, ev.OccurredAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("history: append event: %w", err)
	}
	return nil
}

// PlanEvents implements Store.
func (s *SQLiteStore) PlanEvents(ctx context.Context, planID string) ([]plan.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM step_events WHERE plan_id = ? ORDER BY id`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query plan events: %w", err)
	}
	defer rows.Close()

	var out []plan.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		var ev plan.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("history: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM step_events WHERE occurred_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
