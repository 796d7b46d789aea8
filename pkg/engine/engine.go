// Package engine owns the per-plan step state machine: it validates and
// admits plan submissions through the policy gate, drives step execution off
// the durable queue, parks approval-gated steps for a human decision,
// retries transient dispatch failures up to the outer budget, and publishes
// every transition to the event bus.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/canon"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/dispatch"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/events"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/history"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/observability"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/policy"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/queue"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/retry"
)

// SubjectResolver resolves an agent's current grants. It is consulted at
// submission time and again on every delivery so revoked approvals and
// downgraded capabilities take effect before execution.
type SubjectResolver interface {
	Resolve(ctx context.Context, agent string) (policy.Subject, error)
}

// StaticSubjects is a fixed subject table, the typed replacement for parsing
// capability grants out of free-form front matter.
type StaticSubjects map[string]policy.Subject

// Resolve implements SubjectResolver.
func (s StaticSubjects) Resolve(_ context.Context, agent string) (policy.Subject, error) {
	sub, ok := s[agent]
	if !ok {
		return policy.Subject{}, fmt.Errorf("unknown agent %q", agent)
	}
	// Copy mutable fields so callers can overlay approvals safely.
	out := sub
	out.Capabilities = append([]string(nil), sub.Capabilities...)
	out.Approvals = make(map[string]bool, len(sub.Approvals))
	for k, v := range sub.Approvals {
		out.Approvals[k] = v
	}
	return out, nil
}

// Approval decision values accepted from the external approval surface.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ApprovalDecision is the input from the external approval surface.
type ApprovalDecision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// ApprovalConflictError reports a decision submitted for a step that is not
// waiting for approval. The step's state is not mutated.
type ApprovalConflictError struct {
	PlanID string
	StepID string
	State  plan.StepState
}

func (e *ApprovalConflictError) Error() string {
	return fmt.Sprintf("approval conflict: step %s/%s is %s, not %s", e.PlanID, e.StepID, e.State, plan.StateWaitingApproval)
}

// ErrPlanNotFound is wrapped into lookups for unknown plans or steps.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// Config tunes the engine.
type Config struct {
	// Outer is the queue-driven retry budget; exhausting it dead-letters.
	Outer retry.Policy
	// DefaultStepTimeout applies when the submitter sets none.
	DefaultStepTimeout time.Duration
	// DedupeWindow bounds how long processed invocation ids are remembered
	// to absorb duplicate queue deliveries.
	DedupeWindow time.Duration
}

// DefaultConfig returns the documented defaults: 3 outer attempts, 900s step
// timeout, 5 minute dedupe window.
func DefaultConfig() Config {
	return Config{
		Outer:              retry.DefaultOuter(),
		DefaultStepTimeout: 900 * time.Second,
		DedupeWindow:       5 * time.Minute,
	}
}

// Deps are the engine's collaborators. Bus, Gate, Subjects, Queue and
// Dispatch are required; History and Obs are optional.
type Deps struct {
	Gate     policy.Gate
	Subjects SubjectResolver
	Queue    queue.Queue
	Dispatch *dispatch.Client
	Bus      *events.Bus
	History  history.Store
	Obs      *observability.Provider
	Logger   *slog.Logger
}

// planState is the engine-private bookkeeping for one owned plan.
type planState struct {
	plan    *plan.Plan
	agent   string
	traceID string

	stepMu map[string]*sync.Mutex
	// cleanAtSubmit marks steps whose submission-time decision carried no
	// denials at all. A later denial of any kind on such a step means the
	// grants changed underneath us: policy_revoked, not waiting_approval.
	cleanAtSubmit map[string]bool
	// approved marks steps whose waiting_approval was resolved by a human
	// approve decision.
	approved map[string]bool
}

func (ps *planState) lockFor(stepID string) *sync.Mutex {
	return ps.stepMu[stepID]
}

// Engine is the plan orchestration engine. One engine instance is the single
// logical owner of every plan it admits.
type Engine struct {
	cfg    Config
	gate   policy.Gate
	subs   SubjectResolver
	queue  queue.Queue
	client *dispatch.Client
	bus    *events.Bus
	hist   history.Store
	obs    *observability.Provider
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	plans map[string]*planState
	seen  map[string]time.Time // invocation id -> dispatch time, for dedupe
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Outer.MaxAttempts <= 0 {
		cfg.Outer = retry.DefaultOuter()
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 900 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		gate:   deps.Gate,
		subs:   deps.Subjects,
		queue:  deps.Queue,
		client: deps.Dispatch,
		bus:    deps.Bus,
		hist:   deps.History,
		obs:    deps.Obs,
		logger: logger.With("component", "engine"),
		now:    time.Now,
		plans:  make(map[string]*planState),
		seen:   make(map[string]time.Time),
	}
}

// Run consumes queue deliveries until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.queue.Consume(ctx, e.HandleDelivery)
}

// Submit validates and normalizes a submission, checks every step against
// the policy gate, enqueues admissible steps and rejects the rest. The
// returned plan is a point-in-time snapshot; it never aliases engine state.
func (e *Engine) Submit(ctx context.Context, sub *plan.Submission, agent string) (*plan.Plan, error) {
	p, err := plan.Normalize(sub, e.cfg.DefaultStepTimeout, e.now())
	if err != nil {
		return nil, err
	}
	subject, err := e.subs.Resolve(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("resolve subject: %w", err)
	}

	ps := &planState{
		plan:          p,
		agent:         agent,
		traceID:       uuid.NewString(),
		stepMu:        make(map[string]*sync.Mutex, len(p.Steps)),
		cleanAtSubmit: make(map[string]bool, len(p.Steps)),
		approved:      make(map[string]bool),
	}
	for _, s := range p.Steps {
		ps.stepMu[s.ID] = &sync.Mutex{}
	}

	e.mu.Lock()
	e.plans[p.ID] = ps
	e.mu.Unlock()

	for _, s := range p.Steps {
		decision := e.gate.Evaluate(subject, actionFor(s))
		switch {
		case decision.Allow:
			ps.cleanAtSubmit[s.ID] = true
		case decision.OnlyApprovalsMissing():
			// Missing approvals park the step at delivery time; it is
			// still admissible.
		default:
			mu := ps.lockFor(s.ID)
			mu.Lock()
			e.transition(ctx, ps, s, plan.StateRejected, denialSummary(decision))
			mu.Unlock()
			continue
		}

		e.publish(ctx, ps, s) // queued
		if err := e.enqueue(ctx, p.ID, s, 0); err != nil {
			mu := ps.lockFor(s.ID)
			mu.Lock()
			e.failStep(ctx, ps, s, fmt.Sprintf("enqueue failed: %v", err))
			mu.Unlock()
		}
	}

	e.logger.Info("plan submitted",
		"plan", p.ID,
		"agent", agent,
		"steps", len(p.Steps),
		"goal", p.Goal,
	)
	return e.snapshotPlan(ps), nil
}

// Plan returns a deep snapshot of an admitted plan. Step copies are taken
// under the per-step locks, so the snapshot is never torn mid-transition.
func (e *Engine) Plan(planID string) (*plan.Plan, error) {
	e.mu.Lock()
	ps, ok := e.plans[planID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return e.snapshotPlan(ps), nil
}

func (e *Engine) snapshotPlan(ps *planState) *plan.Plan {
	out := *ps.plan
	out.SuccessCriteria = append([]string(nil), ps.plan.SuccessCriteria...)
	out.Steps = make([]*plan.Step, len(ps.plan.Steps))
	for i, s := range ps.plan.Steps {
		mu := ps.lockFor(s.ID)
		mu.Lock()
		out.Steps[i] = s.Clone()
		mu.Unlock()
	}
	return &out
}

// Decide applies a human approval decision to a step parked in
// waiting_approval. A decision for a step in any other state is a conflict
// and mutates nothing.
func (e *Engine) Decide(ctx context.Context, planID, stepID string, dec ApprovalDecision) error {
	if dec.Decision != DecisionApprove && dec.Decision != DecisionReject {
		return fmt.Errorf("invalid decision %q", dec.Decision)
	}
	ps, s, err := e.step(planID, stepID)
	if err != nil {
		return err
	}

	mu := ps.lockFor(stepID)
	mu.Lock()
	defer mu.Unlock()

	if s.State != plan.StateWaitingApproval {
		return &ApprovalConflictError{PlanID: planID, StepID: stepID, State: s.State}
	}

	if dec.Decision == DecisionReject {
		e.transition(ctx, ps, s, plan.StateRejected, rationaleSummary("rejected by approver", dec.Rationale))
		return nil
	}

	ps.approved[stepID] = true
	e.transition(ctx, ps, s, plan.StateApproved, rationaleSummary("approved", dec.Rationale))
	if err := e.enqueue(ctx, planID, s, s.Attempt); err != nil {
		e.failStep(ctx, ps, s, fmt.Sprintf("enqueue after approval failed: %v", err))
		return err
	}
	return nil
}

// Cancel fails every non-terminal step of the plan with reason cancelled and
// publishes those transitions. Terminal steps are untouched.
func (e *Engine) Cancel(ctx context.Context, planID string) error {
	e.mu.Lock()
	ps, ok := e.plans[planID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	for _, s := range ps.plan.Steps {
		mu := ps.lockFor(s.ID)
		mu.Lock()
		if !s.State.Terminal() {
			e.failStep(ctx, ps, s, "cancelled")
		}
		mu.Unlock()
	}
	e.logger.Info("plan cancelled", "plan", planID)
	return nil
}

func (e *Engine) step(planID, stepID string) (*planState, *plan.Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.plans[planID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	s := ps.plan.Step(stepID)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: step %s/%s", ErrPlanNotFound, planID, stepID)
	}
	return ps, s, nil
}

// transition applies a state change under the caller-held step lock and
// publishes it. Illegal transitions (including anything out of a terminal
// state) are dropped with a log line.
func (e *Engine) transition(ctx context.Context, ps *planState, s *plan.Step, to plan.StepState, summary string) bool {
	if !plan.CanTransition(s.State, to) {
		e.logger.Warn("dropping illegal transition",
			"plan", ps.plan.ID,
			"step", s.ID,
			"from", s.State,
			"to", to,
		)
		return false
	}
	s.State = to
	if summary != "" {
		s.Summary = summary
	}
	e.publish(ctx, ps, s)
	return true
}

// failStep transitions a step to failed with the given summary.
func (e *Engine) failStep(ctx context.Context, ps *planState, s *plan.Step, summary string) {
	e.transition(ctx, ps, s, plan.StateFailed, summary)
}

// publish snapshots the step into an event, hands it to the bus, and
// best-effort appends it to durable history.
func (e *Engine) publish(ctx context.Context, ps *planState, s *plan.Step) {
	ev := plan.Event{
		Kind:       plan.EventKindStep,
		TraceID:    ps.traceID,
		PlanID:     ps.plan.ID,
		OccurredAt: e.now().UTC(),
		Step:       s.Snapshot(),
	}
	e.bus.Publish(ev)
	if e.hist != nil {
		if err := e.hist.Append(ctx, ev); err != nil {
			e.logger.Error("history append failed", "plan", ps.plan.ID, "step", s.ID, "error", err)
		}
	}
}

func (e *Engine) enqueue(ctx context.Context, planID string, s *plan.Step, attempt int) error {
	return e.queue.Enqueue(ctx, queue.Delivery{
		PlanID:           planID,
		StepID:           s.ID,
		Attempt:          attempt,
		Tool:             s.Tool,
		Action:           s.Action,
		Capability:       s.Capability,
		CapabilityLabel:  s.CapabilityLabel,
		Labels:           append([]string(nil), s.Labels...),
		TimeoutSeconds:   s.TimeoutSeconds,
		ApprovalRequired: s.ApprovalRequired,
		Input:            s.Input,
	})
}

// actionFor maps a step onto the policy gate's action shape.
func actionFor(s *plan.Step) policy.Action {
	return policy.Action{
		Type:         s.Action,
		Capabilities: []string{s.Capability},
		RunMode:      policy.RunModeAny,
	}
}

// invocationID derives the stable idempotency key for one outer attempt of
// one step: identical deliveries always produce the identical id.
func invocationID(planID, stepID string, attempt int) string {
	digest, err := canon.Hash(map[string]any{
		"plan":    planID,
		"step":    stepID,
		"attempt": attempt,
	})
	if err != nil {
		// canon.Hash only fails on unmarshalable input, which this is not.
		digest = fmt.Sprintf("%s:%s:%d", planID, stepID, attempt)
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(digest)).String()
}

func denialSummary(d policy.Decision) string {
	msg := "policy denied:"
	for _, dn := range d.Deny {
		if dn.Capability != "" {
			msg += fmt.Sprintf(" %s(%s)", dn.Reason, dn.Capability)
		} else {
			msg += fmt.Sprintf(" %s", dn.Reason)
		}
	}
	return msg
}

func rationaleSummary(prefix, rationale string) string {
	if rationale == "" {
		return prefix
	}
	return prefix + ": " + rationale
}
