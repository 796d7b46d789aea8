// Package plan defines the orchestrator's core data model: plans, steps,
// step states and the immutable step events published for every transition.
package plan

import (
	"encoding/json"
	"time"
)

// StepState enumerates the lifecycle states of a plan step.
type StepState string

const (
	StateQueued          StepState = "queued"
	StateRunning         StepState = "running"
	StateRetrying        StepState = "retrying"
	StateWaitingApproval StepState = "waiting_approval"
	StateApproved        StepState = "approved"
	StateRejected        StepState = "rejected"
	StateCompleted       StepState = "completed"
	StateFailed          StepState = "failed"
	StateDeadLettered    StepState = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateDeadLettered:
		return true
	}
	return false
}

// transitions maps each non-terminal state to the states reachable from it.
// Terminal states are intentionally absent: nothing leaves them.
var transitions = map[StepState][]StepState{
	StateQueued:          {StateRunning, StateWaitingApproval, StateRejected, StateFailed},
	StateRunning:         {StateCompleted, StateRetrying, StateFailed, StateDeadLettered},
	StateRetrying:        {StateRunning, StateFailed},
	StateWaitingApproval: {StateApproved, StateRejected, StateFailed},
	StateApproved:        {StateRunning, StateFailed},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to StepState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DiffFile is a single patched file inside a step's diff payload.
type DiffFile struct {
	Path  string `json:"path"`
	Patch string `json:"patch"`
}

// Diff is the structured diff a tool backend may attach to a step result.
// File order is meaningful and preserved.
type Diff struct {
	Files []DiffFile `json:"files"`
}

// Step is a single capability-scoped unit of work within a plan. The engine
// exclusively owns mutation of State, Attempt, Summary, Output and Diff;
// everything else is immutable after normalization.
type Step struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	Tool             string          `json:"tool"`
	Capability       string          `json:"capability"`
	CapabilityLabel  string          `json:"capabilityLabel"`
	Labels           []string        `json:"labels,omitempty"`
	Timeout          time.Duration   `json:"-"`
	TimeoutSeconds   int             `json:"timeoutSeconds"`
	ApprovalRequired bool            `json:"approvalRequired"`
	Input            json.RawMessage `json:"input,omitempty"`

	State   StepState       `json:"state"`
	Attempt int             `json:"attempt"`
	Summary string          `json:"summary,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Diff    *Diff           `json:"diff,omitempty"`
}

// Plan is a goal decomposed into an ordered sequence of steps. Immutable
// once created except for per-step state.
type Plan struct {
	ID              string    `json:"id"`
	Goal            string    `json:"goal"`
	Steps           []*Step   `json:"steps"`
	SuccessCriteria []string  `json:"successCriteria,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(stepID string) *Step {
	for _, s := range p.Steps {
		if s.ID == stepID {
			return s
		}
	}
	return nil
}

// Clone deep-copies the step, detaching every mutable field.
func (s *Step) Clone() *Step {
	out := *s
	out.Labels = append([]string(nil), s.Labels...)
	out.Input = append(json.RawMessage(nil), s.Input...)
	out.Output = append(json.RawMessage(nil), s.Output...)
	if s.Diff != nil {
		files := make([]DiffFile, len(s.Diff.Files))
		copy(files, s.Diff.Files)
		out.Diff = &Diff{Files: files}
	}
	return &out
}

// Settled reports whether every step has reached a terminal state.
func (p *Plan) Settled() bool {
	for _, s := range p.Steps {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

// EventKindStep is the only event kind the orchestrator emits today.
const EventKindStep = "plan.step"

// StepSnapshot is the read-only copy of step fields carried by an Event.
type StepSnapshot struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	State            StepState       `json:"state"`
	Capability       string          `json:"capability"`
	CapabilityLabel  string          `json:"capabilityLabel"`
	Labels           []string        `json:"labels"`
	Tool             string          `json:"tool"`
	TimeoutSeconds   int             `json:"timeoutSeconds"`
	ApprovalRequired bool            `json:"approvalRequired"`
	Attempt          int             `json:"attempt"`
	Summary          string          `json:"summary"`
	Output           json.RawMessage `json:"output,omitempty"`
	Diff             *Diff           `json:"diff,omitempty"`
}

// Event is the immutable record of a single step transition. Append-only;
// never mutated after publication.
type Event struct {
	Kind       string       `json:"event"`
	TraceID    string       `json:"traceId"`
	PlanID     string       `json:"planId"`
	OccurredAt time.Time    `json:"occurredAt"`
	Step       StepSnapshot `json:"step"`
}

// Snapshot builds an event snapshot of the step's current fields. Labels are
// copied so later mutation of the step cannot leak into published events.
func (s *Step) Snapshot() StepSnapshot {
	labels := make([]string, len(s.Labels))
	copy(labels, s.Labels)
	snap := StepSnapshot{
		ID:               s.ID,
		Action:           s.Action,
		State:            s.State,
		Capability:       s.Capability,
		CapabilityLabel:  s.CapabilityLabel,
		Labels:           labels,
		Tool:             s.Tool,
		TimeoutSeconds:   s.TimeoutSeconds,
		ApprovalRequired: s.ApprovalRequired,
		Attempt:          s.Attempt,
		Summary:          s.Summary,
	}
	if len(s.Output) > 0 {
		snap.Output = append(json.RawMessage(nil), s.Output...)
	}
	if s.Diff != nil {
		files := make([]DiffFile, len(s.Diff.Files))
		copy(files, s.Diff.Files)
		snap.Diff = &Diff{Files: files}
	}
	return snap
}
