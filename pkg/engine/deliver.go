package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/dispatch"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/queue"
)

// HandleDelivery processes one queue delivery. It always returns nil for
// application-level outcomes (the engine records them as step transitions);
// redelivery is reserved for the queue's own failure modes. Transitions for
// a step are serialized by its per-step mutex, so events reach the bus in
// transition order even under concurrent deliveries.
func (e *Engine) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	e.mu.Lock()
	ps, ok := e.plans[d.PlanID]
	e.mu.Unlock()
	if !ok {
		// A delivery for a plan this instance does not own, most likely
		// replayed from a previous process. Ack and drop.
		e.logger.Warn("delivery for unknown plan", "plan", d.PlanID, "step", d.StepID)
		return nil
	}
	s := ps.plan.Step(d.StepID)
	if s == nil {
		e.logger.Warn("delivery for unknown step", "plan", d.PlanID, "step", d.StepID)
		return nil
	}

	mu := ps.lockFor(d.StepID)
	mu.Lock()
	defer mu.Unlock()

	// Terminal steps ignore every further delivery: no attempt increment,
	// no RPC.
	if s.State.Terminal() {
		return nil
	}

	invID := invocationID(d.PlanID, d.StepID, d.Attempt)
	if e.alreadyDispatched(invID) {
		e.logger.Debug("duplicate delivery absorbed", "plan", d.PlanID, "step", d.StepID, "attempt", d.Attempt)
		return nil
	}

	subject, err := e.subs.Resolve(ctx, ps.agent)
	if err != nil {
		// Infrastructure failure: fail the step, never crash the consumer.
		e.failStep(ctx, ps, s, fmt.Sprintf("subject resolution failed: %v", err))
		return nil
	}
	if ps.approved[s.ID] {
		// A recorded human approval stands in for the missing grant. The
		// overlay goes onto a rebuilt map: resolvers may hand back a nil or
		// shared Approvals map, and a per-step approval must never leak into
		// the resolver's own state.
		approvals := make(map[string]bool, len(subject.Approvals)+1)
		for k, v := range subject.Approvals {
			approvals[k] = v
		}
		approvals[s.Capability] = true
		subject.Approvals = approvals
	}

	// Policy is re-evaluated at delivery time to catch grants revoked since
	// submission.
	decision := e.gate.Evaluate(subject, actionFor(s))
	if !decision.Allow {
		if ps.cleanAtSubmit[s.ID] {
			e.failStep(ctx, ps, s, "policy_revoked: "+denialSummary(decision))
			return nil
		}
		if decision.OnlyApprovalsMissing() {
			e.transition(ctx, ps, s, plan.StateWaitingApproval,
				fmt.Sprintf("awaiting approval for %s", s.CapabilityLabel))
			return nil
		}
		e.failStep(ctx, ps, s, denialSummary(decision))
		return nil
	}
	if s.ApprovalRequired && !ps.approved[s.ID] {
		e.transition(ctx, ps, s, plan.StateWaitingApproval,
			fmt.Sprintf("awaiting approval for %s", s.CapabilityLabel))
		return nil
	}

	e.dispatchStep(ctx, ps, s, d, invID)
	return nil
}

// dispatchStep runs the step once through the dispatch client and applies
// the resulting outer transition. Caller holds the step lock.
func (e *Engine) dispatchStep(ctx context.Context, ps *planState, s *plan.Step, d queue.Delivery, invID string) {
	s.Attempt = d.Attempt
	if !e.transition(ctx, ps, s, plan.StateRunning, fmt.Sprintf("dispatching to %s", s.Tool)) {
		return
	}
	e.markDispatched(invID)

	var done func(error)
	if e.obs != nil {
		ctx, done = e.obs.TrackDispatch(ctx, ps.plan.ID, s.ID, s.Tool)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	results, err := e.client.ExecuteTool(callCtx, dispatch.Invocation{
		ID:              invID,
		PlanID:          ps.plan.ID,
		StepID:          s.ID,
		Tool:            s.Tool,
		Capability:      s.Capability,
		CapabilityLabel: s.CapabilityLabel,
		Labels:          append([]string(nil), s.Labels...),
		Input:           s.Input,
		Metadata: map[string]string{
			"trace_id": ps.traceID,
			"action":   s.Action,
			"attempt":  fmt.Sprintf("%d", d.Attempt),
		},
		Timeout: s.Timeout,
	})
	cancel()
	if done != nil {
		done(err)
	}

	if err == nil {
		e.foldResults(s, results)
		e.transition(ctx, ps, s, plan.StateCompleted, s.Summary)
		return
	}

	derr := dispatch.Classify(err)
	switch {
	case derr.Code == dispatch.CodeTimeout:
		// A hung backend retried blindly risks duplicate side effects;
		// timeouts are terminal.
		e.failStep(ctx, ps, s, fmt.Sprintf("timed out after %s: %s", s.Timeout, derr.Message))

	case derr.Retryable:
		next := d.Attempt + 1
		if e.cfg.Outer.Exhausted(next) {
			s.Attempt = next // the full budget was consumed
			e.transition(ctx, ps, s, plan.StateDeadLettered,
				fmt.Sprintf("dead-lettered after %d attempts: %s", next, derr.Message))
			return
		}
		if !e.transition(ctx, ps, s, plan.StateRetrying,
			fmt.Sprintf("attempt %d failed (%s), retrying", d.Attempt+1, derr.Code)) {
			return
		}
		e.scheduleRetry(ps, s, next, invID)

	default:
		e.failStep(ctx, ps, s, derr.Error())
	}
}

// scheduleRetry re-enqueues the step after the outer backoff delay.
func (e *Engine) scheduleRetry(ps *planState, s *plan.Step, attempt int, invID string) {
	delay := e.cfg.Outer.Delay(attempt, invID)
	planID := ps.plan.ID
	enqueue := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.enqueue(ctx, planID, s, attempt); err != nil {
			mu := ps.lockFor(s.ID)
			mu.Lock()
			e.failStep(ctx, ps, s, fmt.Sprintf("re-enqueue failed: %v", err))
			mu.Unlock()
		}
	}
	// Always fire on a timer goroutine: the caller holds the step lock and
	// the failure path inside enqueue re-acquires it.
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, enqueue)
}

// foldResults collapses the backend's ordered result sequence into the step.
// The last result wins for summary and output; the diff is taken from the
// last result that carries one.
func (e *Engine) foldResults(s *plan.Step, results []dispatch.Result) {
	if len(results) == 0 {
		s.Summary = "completed"
		return
	}
	last := results[len(results)-1]
	if last.Summary != "" {
		s.Summary = last.Summary
	} else {
		s.Summary = "completed"
	}
	if len(last.Output) > 0 {
		s.Output = append(s.Output[:0], last.Output...)
	}
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Diff != nil {
			s.Diff = results[i].Diff
			break
		}
	}
}

// alreadyDispatched reports whether the invocation id was dispatched within
// the dedupe window, pruning expired entries as a side effect.
func (e *Engine) alreadyDispatched(invID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-e.cfg.DedupeWindow)
	for id, at := range e.seen {
		if at.Before(cutoff) {
			delete(e.seen, id)
		}
	}
	_, ok := e.seen[invID]
	return ok
}

func (e *Engine) markDispatched(invID string) {
	e.mu.Lock()
	e.seen[invID] = e.now()
	e.mu.Unlock()
}
