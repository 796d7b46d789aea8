package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// GuardRule attaches a CEL expression to an action type. The expression sees
// `subject` and `action` as maps and must evaluate to a bool; false (or any
// evaluation error) denies.
type GuardRule struct {
	Action string `yaml:"action" json:"action"`
	Expr   string `yaml:"expr" json:"expr"`
}

// Ruleset is the typed policy configuration the gate compiles at startup.
// The approval-gated capability table is explicit configuration, never an
// inline literal, so deployments can override it.
type Ruleset struct {
	ApprovalGated map[string]bool `yaml:"approval_gated" json:"approval_gated"`
	Guards        []GuardRule     `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// DefaultRuleset gates repo.write and network.egress behind approvals and
// carries no guards.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		ApprovalGated: map[string]bool{
			"repo.write":     true,
			"network.egress": true,
		},
	}
}

// LoadRuleset reads a YAML ruleset from disk.
func LoadRuleset(path string) (*Ruleset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read ruleset: %w", err)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("policy: parse ruleset: %w", err)
	}
	if rs.ApprovalGated == nil {
		rs.ApprovalGated = map[string]bool{}
	}
	return &rs, nil
}

// CapabilityGate is the compiled, immutable gate. All state is fixed at
// construction; Evaluate is pure.
type CapabilityGate struct {
	approvalGated map[string]bool
	guards        map[string]cel.Program
}

// NewGate compiles the ruleset's guard expressions. A compile failure is
// returned to the caller, which must fall back to FailClosed rather than
// running without policy.
func NewGate(rs *Ruleset) (*CapabilityGate, error) {
	if rs == nil {
		rs = DefaultRuleset()
	}
	gated := make(map[string]bool, len(rs.ApprovalGated))
	for c, v := range rs.ApprovalGated {
		gated[c] = v
	}

	guards := make(map[string]cel.Program, len(rs.Guards))
	if len(rs.Guards) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: cel environment: %w", err)
		}
		for _, g := range rs.Guards {
			if g.Action == "" || g.Expr == "" {
				return nil, fmt.Errorf("policy: guard rule needs action and expr")
			}
			ast, iss := env.Compile(g.Expr)
			if iss != nil && iss.Err() != nil {
				return nil, fmt.Errorf("policy: guard for action %q: %w", g.Action, iss.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("policy: guard program for action %q: %w", g.Action, err)
			}
			guards[g.Action] = prg
		}
	}
	return &CapabilityGate{approvalGated: gated, guards: guards}, nil
}

// NewGateFromFile loads and compiles a ruleset file. On any failure it
// returns a fail-closed gate alongside the error so callers that ignore the
// error still deny everything.
func NewGateFromFile(path string) (Gate, error) {
	rs, err := LoadRuleset(path)
	if err != nil {
		return FailClosed(), err
	}
	g, err := NewGate(rs)
	if err != nil {
		return FailClosed(), err
	}
	return g, nil
}

// Evaluate implements Gate. Denials accumulate in a stable order: capability
// checks in the action's declared order, then run mode, then guards.
func (g *CapabilityGate) Evaluate(subject Subject, action Action) Decision {
	held := make(map[string]bool, len(subject.Capabilities))
	for _, c := range subject.Capabilities {
		held[c] = true
	}

	var deny []Denial
	for _, c := range action.Capabilities {
		if !held[c] {
			deny = append(deny, Denial{Reason: ReasonMissingCapability, Capability: c})
		}
		// Approval is checked even when the capability is nominally held.
		if g.approvalGated[c] && !subject.Approvals[c] {
			deny = append(deny, Denial{Reason: ReasonApprovalRequired, Capability: c})
		}
	}

	if action.RunMode != "" && action.RunMode != RunModeAny && action.RunMode != subject.RunMode {
		deny = append(deny, Denial{Reason: ReasonRunModeMismatch})
	}

	if prg, ok := g.guards[action.Type]; ok {
		pass, err := evalGuard(prg, subject, action)
		if err != nil || !pass {
			deny = append(deny, Denial{Reason: ReasonGuardRejected})
		}
	}

	return Decision{Allow: len(deny) == 0, Deny: deny}
}

// ApprovalGated reports whether the capability requires a recorded approval,
// for callers that need the table without a full evaluation.
func (g *CapabilityGate) ApprovalGated(capability string) bool {
	return g.approvalGated[capability]
}

// GatedCapabilities returns the sorted set of approval-gated capabilities.
func (g *CapabilityGate) GatedCapabilities() []string {
	caps := make([]string, 0, len(g.approvalGated))
	for c, v := range g.approvalGated {
		if v {
			caps = append(caps, c)
		}
	}
	sort.Strings(caps)
	return caps
}

func evalGuard(prg cel.Program, subject Subject, action Action) (bool, error) {
	out, _, err := prg.Eval(map[string]any{
		"subject": toMap(subject),
		"action":  toMap(action),
	})
	if err != nil {
		return false, err
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: guard did not evaluate to bool")
	}
	return pass, nil
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// failClosedGate denies every action. It is the mandatory fallback when the
// ruleset fails to load or compile.
type failClosedGate struct{}

// FailClosed returns a gate that denies everything with ruleset_unavailable.
func FailClosed() Gate {
	return failClosedGate{}
}

func (failClosedGate) Evaluate(Subject, Action) Decision {
	return Decision{Allow: false, Deny: []Denial{{Reason: ReasonRulesetUnavailable}}}
}
