package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS step_events (
	id          BIGSERIAL PRIMARY KEY,
	plan_id     TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	state       TEXT NOT NULL,
	trace_id    TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS step_events_plan_idx ON step_events (plan_id, id);
CREATE INDEX IF NOT EXISTS step_events_occurred_idx ON step_events (occurred_at);
`

// PostgresStore persists events in Postgres, the shared database a
// horizontally scaled deployment backs history with.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing connection pool. The caller owns schema
// setup; tests use this with sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, ev plan.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("history: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_events (plan_id, step_id, state, trace_id, occurred_at, payload) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.PlanID, ev.Step.ID, string(ev.Step.State), ev.TraceID, ev.OccurredAt, payload,
	)
	if err != nil {
		return fmt.Errorf("history: append event: %w", err)
	}
	return nil
}

// PlanEvents implements Store.
func (s *PostgresStore) PlanEvents(ctx context.Context, planID string) ([]plan.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM step_events WHERE plan_id = $1 ORDER BY id`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query plan events: %w", err)
	}
	defer rows.Close()

	var out []plan.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		var ev plan.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("history: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune implements Store.
func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM step_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
