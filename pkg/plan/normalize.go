package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// submissionSchema constrains the wire shape of a plan submission before any
// typed decoding happens. Semantic checks (duplicate ids, timeout bounds)
// live in Normalize.
const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "steps"],
  "properties": {
    "goal": {"type": "string", "minLength": 1},
    "successCriteria": {"type": "array", "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "action", "tool", "capability"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "tool": {"type": "string", "minLength": 1},
          "capability": {"type": "string", "minLength": 1},
          "capabilityLabel": {"type": "string"},
          "labels": {"type": "array", "items": {"type": "string"}},
          "timeoutSeconds": {"type": "integer", "minimum": 0},
          "approvalRequired": {"type": "boolean"},
          "input": {}
        }
      }
    }
  }
}`

var compiledSubmissionSchema = jsonschema.MustCompileString("plan-submission.json", submissionSchema)

// StepSubmission is the caller-supplied description of a single step.
type StepSubmission struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	Tool             string          `json:"tool"`
	Capability       string          `json:"capability"`
	CapabilityLabel  string          `json:"capabilityLabel,omitempty"`
	Labels           []string        `json:"labels,omitempty"`
	TimeoutSeconds   int             `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool            `json:"approvalRequired,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
}

// Submission is the caller-supplied description of a plan.
type Submission struct {
	Goal            string           `json:"goal"`
	Steps           []StepSubmission `json:"steps"`
	SuccessCriteria []string         `json:"successCriteria,omitempty"`
}

// ParseSubmission validates raw JSON against the submission schema and
// decodes it. Schema violations are returned verbatim so callers can relay
// them to the submitter.
func ParseSubmission(raw []byte) (*Submission, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("submission is not valid JSON: %w", err)
	}
	if err := compiledSubmissionSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("submission failed schema validation: %w", err)
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("submission decode failed: %w", err)
	}
	return &sub, nil
}

// Normalize turns a submission into an owned Plan: assigns the plan id,
// applies the default step timeout, and enforces per-plan step id uniqueness.
// Every step starts in queued.
func Normalize(sub *Submission, defaultTimeout time.Duration, now time.Time) (*Plan, error) {
	if sub == nil {
		return nil, fmt.Errorf("nil submission")
	}
	if sub.Goal == "" {
		return nil, fmt.Errorf("submission missing goal")
	}
	if len(sub.Steps) == 0 {
		return nil, fmt.Errorf("submission has no steps")
	}

	p := &Plan{
		ID:              uuid.NewString(),
		Goal:            sub.Goal,
		SuccessCriteria: append([]string(nil), sub.SuccessCriteria...),
		CreatedAt:       now.UTC(),
	}

	seen := make(map[string]struct{}, len(sub.Steps))
	for _, ss := range sub.Steps {
		if ss.ID == "" || ss.Action == "" || ss.Tool == "" || ss.Capability == "" {
			return nil, fmt.Errorf("step %q: id, action, tool and capability are required", ss.ID)
		}
		if _, dup := seen[ss.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", ss.ID)
		}
		seen[ss.ID] = struct{}{}

		timeout := time.Duration(ss.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		label := ss.CapabilityLabel
		if label == "" {
			label = ss.Capability
		}
		p.Steps = append(p.Steps, &Step{
			ID:               ss.ID,
			Action:           ss.Action,
			Tool:             ss.Tool,
			Capability:       ss.Capability,
			CapabilityLabel:  label,
			Labels:           append([]string(nil), ss.Labels...),
			Timeout:          timeout,
			TimeoutSeconds:   int(timeout / time.Second),
			ApprovalRequired: ss.ApprovalRequired,
			Input:            append(json.RawMessage(nil), ss.Input...),
			State:            StateQueued,
		})
	}
	return p, nil
}
