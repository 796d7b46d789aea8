// Package policy implements the capability policy gate: a pure decision
// function over a subject's grants and an action's requirements. The gate
// holds no mutable state beyond its compiled ruleset, so it can be
// re-evaluated at submission time and again at delivery time without
// coordination.
package policy

// RunMode is the deployment posture constraining which actions are permitted.
type RunMode string

const (
	RunModeConsumer   RunMode = "consumer"
	RunModeEnterprise RunMode = "enterprise"
	RunModeAny        RunMode = "any"
)

// Subject describes the actor requesting an action.
type Subject struct {
	Agent        string          `json:"agent"`
	Capabilities []string        `json:"capabilities"`
	Approvals    map[string]bool `json:"approvals"`
	RunMode      RunMode         `json:"run_mode"`
}

// Action describes the requested operation and its requirements.
// RunMode defaults to "any" when empty.
type Action struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	RunMode      RunMode  `json:"run_mode,omitempty"`
}

// Reason classifies a single denial.
type Reason string

const (
	ReasonMissingCapability  Reason = "missing_capability"
	ReasonApprovalRequired   Reason = "approval_required"
	ReasonRunModeMismatch    Reason = "run_mode_mismatch"
	ReasonGuardRejected      Reason = "guard_rejected"
	ReasonRulesetUnavailable Reason = "ruleset_unavailable"
)

// Denial is one reason an action was denied. Capability is set for the
// capability-scoped reasons.
type Denial struct {
	Reason     Reason `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// Decision is the gate's output. Allow holds iff Deny is empty. Denials
// accumulate rather than short-circuit so a caller can present every
// remediation step at once.
type Decision struct {
	Allow bool     `json:"allow"`
	Deny  []Denial `json:"deny,omitempty"`
}

// Has reports whether the decision carries at least one denial with the
// given reason.
func (d Decision) Has(r Reason) bool {
	for _, dn := range d.Deny {
		if dn.Reason == r {
			return true
		}
	}
	return false
}

// OnlyApprovalsMissing reports whether the decision is denied solely because
// approvals are missing. The engine parks such steps in waiting_approval
// instead of failing them.
func (d Decision) OnlyApprovalsMissing() bool {
	if d.Allow || len(d.Deny) == 0 {
		return false
	}
	for _, dn := range d.Deny {
		if dn.Reason != ReasonApprovalRequired {
			return false
		}
	}
	return true
}

// MissingApprovals lists the capabilities whose approvals the decision found
// missing, in denial order.
func (d Decision) MissingApprovals() []string {
	var caps []string
	for _, dn := range d.Deny {
		if dn.Reason == ReasonApprovalRequired {
			caps = append(caps, dn.Capability)
		}
	}
	return caps
}

// Gate is the single stable decision surface the engine consumes.
type Gate interface {
	Evaluate(subject Subject, action Action) Decision
}
