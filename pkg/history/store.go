// Package history is the durable persistence contract for step events. The
// in-memory event bus is bounded and process-local; deployments that need
// durable, shareable history append every event here as well.
package history

import (
	"context"
	"time"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

// Store persists step events append-only.
type Store interface {
	// Append records one event. Events are immutable once appended.
	Append(ctx context.Context, ev plan.Event) error
	// PlanEvents returns a plan's events in append order.
	PlanEvents(ctx context.Context, planID string) ([]plan.Event, error)
	// Prune deletes events that occurred before the cutoff and returns the
	// number removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Close releases the underlying connection.
	Close() error
}
