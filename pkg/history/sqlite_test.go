package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/history"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

func openTestStore(t *testing.T) *history.SQLiteStore {
	t.Helper()
	store, err := history.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendAndReplay(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	states := []plan.StepState{plan.StateQueued, plan.StateRunning, plan.StateCompleted}
	for _, st := range states {
		require.NoError(t, store.Append(ctx, sampleEvent("s1", st)))
	}

	events, err := store.PlanEvents(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, st := range states {
		assert.Equal(t, st, events[i].Step.State, "insertion order must survive replay")
		assert.Equal(t, "trace-1", events[i].TraceID)
	}
}

func TestSQLiteStore_PlanEventsIsolatedByPlan(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := sampleEvent("s1", plan.StateRunning)
	require.NoError(t, store.Append(ctx, ev))

	other := ev
	other.PlanID = "plan-2"
	require.NoError(t, store.Append(ctx, other))

	events, err := store.PlanEvents(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "plan-1", events[0].PlanID)
}

func TestSQLiteStore_UnknownPlanEmpty(t *testing.T) {
	store := openTestStore(t)

	events, err := store.PlanEvents(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := sampleEvent("s1", plan.StateCompleted)
	old.OccurredAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, old))

	recent := sampleEvent("s2", plan.StateRunning)
	recent.OccurredAt = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, recent))

	removed, err := store.Prune(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := store.PlanEvents(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "s2", events[0].Step.ID)
}
