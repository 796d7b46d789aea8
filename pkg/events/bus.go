// Package events provides the in-memory step event bus: a bounded,
// replayable per-plan history with ordered fan-out to subscribers.
//
// The bus has no durability across process restarts. Deployments that need
// durable history persist events through an external store; the bus caps
// memory, not correctness.
package events

import (
	"sync"
	"time"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

const (
	// DefaultHistoryLimit caps per-plan history with FIFO eviction.
	DefaultHistoryLimit = 200
	// DefaultRetention is how long a settled plan's history is kept after
	// its last terminal transition.
	DefaultRetention = 5 * time.Minute
)

// Listener receives events for a single plan in publication order.
// Listeners must not block; a slow listener delays delivery for its plan.
type Listener func(plan.Event)

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit overrides the per-plan history cap.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.limit = n
		}
	}
}

// WithRetention overrides the settled-plan retention window.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.retention = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

type subscriber struct {
	id int
	fn Listener
}

type planRecord struct {
	deliverMu sync.Mutex // serializes fan-out so subscribers observe publication order
	history   []plan.Event
	latest    map[string]plan.StepState // step id -> last published state
	subs      []subscriber
	eviction  *time.Timer
	evictGen  int // invalidates timers that fire after a reschedule
}

// Bus is the in-memory event bus. Construct one per process (or per test);
// it is never a package-level singleton.
type Bus struct {
	mu        sync.Mutex
	plans     map[string]*planRecord
	nextSub   int
	limit     int
	retention time.Duration
	now       func() time.Time
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		plans:     make(map[string]*planRecord),
		limit:     DefaultHistoryLimit,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish records the event and fans it out to the plan's subscribers.
// If the producer omitted OccurredAt, publication time is assigned. Once
// every step the bus has seen for the plan is terminal, history eviction is
// scheduled; any further publication cancels and reschedules the timer.
func (b *Bus) Publish(ev plan.Event) {
	if ev.PlanID == "" {
		return
	}
	if ev.Kind == "" {
		ev.Kind = plan.EventKindStep
	}

	b.mu.Lock()
	rec := b.record(ev.PlanID)
	b.mu.Unlock()

	// Fan-out order per plan is the lock acquisition order here, which is
	// the publication order because producers publish transitions for a
	// step only while holding that step's transition lock.
	rec.deliverMu.Lock()
	defer rec.deliverMu.Unlock()

	b.mu.Lock()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}
	rec.history = append(rec.history, ev)
	if len(rec.history) > b.limit {
		rec.history = rec.history[len(rec.history)-b.limit:]
	}
	if ev.Step.ID != "" {
		rec.latest[ev.Step.ID] = ev.Step.State
	}
	b.rescheduleEvictionLocked(ev.PlanID, rec)
	subs := make([]subscriber, len(rec.subs))
	copy(subs, rec.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// History returns a copy of the plan's retained events in publication order.
func (b *Bus) History(planID string) []plan.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.plans[planID]
	if !ok {
		return nil
	}
	out := make([]plan.Event, len(rec.history))
	copy(out, rec.history)
	return out
}

// Latest returns the most recent retained event for a step, if any.
func (b *Bus) Latest(planID, stepID string) (plan.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.plans[planID]
	if !ok {
		return plan.Event{}, false
	}
	for i := len(rec.history) - 1; i >= 0; i-- {
		if rec.history[i].Step.ID == stepID {
			return rec.history[i], true
		}
	}
	return plan.Event{}, false
}

// Subscribe registers a listener for a single plan and returns its
// unsubscribe function. Events published before subscription are not
// replayed; use History for catch-up.
func (b *Bus) Subscribe(planID string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.record(planID)
	b.nextSub++
	id := b.nextSub
	rec.subs = append(rec.subs, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		rec, ok := b.plans[planID]
		if !ok {
			return
		}
		for i, s := range rec.subs {
			if s.id == id {
				rec.subs = append(rec.subs[:i], rec.subs[i+1:]...)
				return
			}
		}
	}
}

// record returns the plan's record, creating it if needed. Callers hold b.mu.
func (b *Bus) record(planID string) *planRecord {
	rec, ok := b.plans[planID]
	if !ok {
		rec = &planRecord{latest: make(map[string]plan.StepState)}
		b.plans[planID] = rec
	}
	return rec
}

// rescheduleEvictionLocked cancels any pending eviction and, when every step
// seen so far is terminal, arms a fresh retention timer. Callers hold b.mu.
func (b *Bus) rescheduleEvictionLocked(planID string, rec *planRecord) {
	rec.evictGen++
	if rec.eviction != nil {
		rec.eviction.Stop()
		rec.eviction = nil
	}
	if len(rec.latest) == 0 {
		return
	}
	for _, st := range rec.latest {
		if !st.Terminal() {
			return
		}
	}
	gen := rec.evictGen
	rec.eviction = time.AfterFunc(b.retention, func() {
		b.evict(planID, gen)
	})
}

func (b *Bus) evict(planID string, gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.plans[planID]
	if !ok {
		return
	}
	// A publication between the timer firing and this lock acquisition has
	// re-armed a newer timer; leave the record alone in that case.
	if rec.evictGen != gen {
		return
	}
	delete(b.plans, planID)
}
