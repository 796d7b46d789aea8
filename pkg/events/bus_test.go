package events_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/events"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

func stepEvent(planID, stepID string, state plan.StepState) plan.Event {
	return plan.Event{
		Kind:   plan.EventKindStep,
		PlanID: planID,
		Step:   plan.StepSnapshot{ID: stepID, State: state},
	}
}

func TestBus_HistoryOrder(t *testing.T) {
	bus := events.NewBus()
	states := []plan.StepState{plan.StateQueued, plan.StateRunning, plan.StateCompleted}
	for _, st := range states {
		bus.Publish(stepEvent("p1", "s1", st))
	}

	hist := bus.History("p1")
	require.Len(t, hist, 3)
	for i, st := range states {
		assert.Equal(t, st, hist[i].Step.State)
	}
	assert.Empty(t, bus.History("p2"))
}

func TestBus_AssignsTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	bus := events.NewBus(events.WithClock(func() time.Time { return now }))

	bus.Publish(stepEvent("p1", "s1", plan.StateQueued))
	assert.Equal(t, now, bus.History("p1")[0].OccurredAt)

	explicit := stepEvent("p1", "s1", plan.StateRunning)
	explicit.OccurredAt = now.Add(-time.Minute)
	bus.Publish(explicit)
	assert.Equal(t, now.Add(-time.Minute), bus.History("p1")[1].OccurredAt)
}

func TestBus_HistoryCapFIFO(t *testing.T) {
	bus := events.NewBus(events.WithHistoryLimit(5))
	for i := 0; i < 8; i++ {
		ev := stepEvent("p1", "s1", plan.StateRunning)
		ev.Step.Attempt = i
		bus.Publish(ev)
	}
	hist := bus.History("p1")
	require.Len(t, hist, 5)
	assert.Equal(t, 3, hist[0].Step.Attempt, "oldest events evicted first")
	assert.Equal(t, 7, hist[4].Step.Attempt)
}

func TestBus_Latest(t *testing.T) {
	bus := events.NewBus()
	bus.Publish(stepEvent("p1", "s1", plan.StateQueued))
	bus.Publish(stepEvent("p1", "s2", plan.StateQueued))
	bus.Publish(stepEvent("p1", "s1", plan.StateRunning))

	ev, ok := bus.Latest("p1", "s1")
	require.True(t, ok)
	assert.Equal(t, plan.StateRunning, ev.Step.State)

	_, ok = bus.Latest("p1", "missing")
	assert.False(t, ok)
}

func TestBus_SubscribeOrderAndUnsubscribe(t *testing.T) {
	bus := events.NewBus()

	var mu sync.Mutex
	var got []plan.StepState
	unsub := bus.Subscribe("p1", func(ev plan.Event) {
		mu.Lock()
		got = append(got, ev.Step.State)
		mu.Unlock()
	})

	states := []plan.StepState{plan.StateQueued, plan.StateRunning, plan.StateRetrying, plan.StateRunning, plan.StateCompleted}
	for _, st := range states {
		bus.Publish(stepEvent("p1", "s1", st))
	}
	bus.Publish(stepEvent("p2", "x", plan.StateQueued)) // different plan, not delivered

	mu.Lock()
	assert.Equal(t, states, got)
	mu.Unlock()

	unsub()
	bus.Publish(stepEvent("p1", "s1", plan.StateFailed))
	mu.Lock()
	assert.Len(t, got, len(states), "no delivery after unsubscribe")
	mu.Unlock()
}

func TestBus_ConcurrentPublishKeepsPerStepOrder(t *testing.T) {
	bus := events.NewBus()

	var mu sync.Mutex
	seen := map[string][]int{}
	bus.Subscribe("p1", func(ev plan.Event) {
		mu.Lock()
		seen[ev.Step.ID] = append(seen[ev.Step.ID], ev.Step.Attempt)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		stepID := fmt.Sprintf("s%d", s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ev := stepEvent("p1", stepID, plan.StateRunning)
				ev.Step.Attempt = i
				bus.Publish(ev)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for stepID, attempts := range seen {
		require.Len(t, attempts, 50, stepID)
		for i, a := range attempts {
			assert.Equal(t, i, a, "step %s delivered out of order", stepID)
		}
	}
}

func TestBus_EvictsSettledPlans(t *testing.T) {
	bus := events.NewBus(events.WithRetention(20 * time.Millisecond))

	bus.Publish(stepEvent("p1", "s1", plan.StateQueued))
	bus.Publish(stepEvent("p1", "s1", plan.StateCompleted))

	require.Eventually(t, func() bool {
		return len(bus.History("p1")) == 0
	}, time.Second, 5*time.Millisecond, "settled plan history should be evicted")
}

func TestBus_PublicationReschedulesEviction(t *testing.T) {
	bus := events.NewBus(events.WithRetention(40 * time.Millisecond))

	bus.Publish(stepEvent("p1", "s1", plan.StateCompleted))
	time.Sleep(20 * time.Millisecond)
	// A fresh publication for the plan resets the retention window.
	bus.Publish(stepEvent("p1", "s2", plan.StateFailed))
	time.Sleep(25 * time.Millisecond)

	assert.NotEmpty(t, bus.History("p1"), "timer should have been rescheduled")

	require.Eventually(t, func() bool {
		return len(bus.History("p1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBus_NoEvictionWhileStepsLive(t *testing.T) {
	bus := events.NewBus(events.WithRetention(10 * time.Millisecond))

	bus.Publish(stepEvent("p1", "s1", plan.StateCompleted))
	bus.Publish(stepEvent("p1", "s2", plan.StateRunning))

	time.Sleep(50 * time.Millisecond)
	assert.NotEmpty(t, bus.History("p1"), "live step must block eviction")
}
