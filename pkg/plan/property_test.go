package plan_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/plan"
)

func genState() gopter.Gen {
	return gen.OneConstOf(
		plan.StateQueued,
		plan.StateRunning,
		plan.StateRetrying,
		plan.StateWaitingApproval,
		plan.StateApproved,
		plan.StateRejected,
		plan.StateCompleted,
		plan.StateFailed,
		plan.StateDeadLettered,
	)
}

func TestStateMachineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states admit no transition", prop.ForAll(
		func(from, to plan.StepState) bool {
			if from.Terminal() {
				return !plan.CanTransition(from, to)
			}
			return true
		},
		genState(), genState(),
	))

	properties.Property("a transition never starts from a terminal state", prop.ForAll(
		func(from, to plan.StepState) bool {
			if plan.CanTransition(from, to) {
				return !from.Terminal()
			}
			return true
		},
		genState(), genState(),
	))

	properties.Property("self transitions are never legal", prop.ForAll(
		func(s plan.StepState) bool {
			return !plan.CanTransition(s, s)
		},
		genState(),
	))

	properties.TestingRun(t)
}

func TestNormalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	defaultTimeout := 900 * time.Second

	properties.Property("normalized steps start queued with a positive timeout", prop.ForAll(
		func(id string, timeoutSeconds int) bool {
			sub := &plan.Submission{
				Goal: "generated",
				Steps: []plan.StepSubmission{{
					ID:             id,
					Action:         "act",
					Tool:           "tool",
					Capability:     "cap",
					TimeoutSeconds: timeoutSeconds,
				}},
			}
			p, err := plan.Normalize(sub, defaultTimeout, time.Now())
			if err != nil {
				return false
			}
			s := p.Steps[0]
			if s.State != plan.StateQueued || s.Timeout <= 0 {
				return false
			}
			if timeoutSeconds > 0 {
				return s.Timeout == time.Duration(timeoutSeconds)*time.Second
			}
			return s.Timeout == defaultTimeout
		},
		gen.Identifier(),
		gen.IntRange(0, 3600),
	))

	properties.Property("capability label defaults to the capability", prop.ForAll(
		func(capability string) bool {
			sub := &plan.Submission{
				Goal: "generated",
				Steps: []plan.StepSubmission{{
					ID: "s1", Action: "act", Tool: "tool", Capability: capability,
				}},
			}
			p, err := plan.Normalize(sub, defaultTimeout, time.Now())
			return err == nil && p.Steps[0].CapabilityLabel == capability
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
