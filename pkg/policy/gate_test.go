package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/policy"
)

func mustGate(t *testing.T, rs *policy.Ruleset) *policy.CapabilityGate {
	t.Helper()
	g, err := policy.NewGate(rs)
	require.NoError(t, err)
	return g
}

func TestGate_Allow(t *testing.T) {
	g := mustGate(t, nil)
	dec := g.Evaluate(
		policy.Subject{Agent: "dev", Capabilities: []string{"repo.read"}, RunMode: policy.RunModeConsumer},
		policy.Action{Type: "analyze", Capabilities: []string{"repo.read"}},
	)
	assert.True(t, dec.Allow)
	assert.Empty(t, dec.Deny)
}

func TestGate_MissingCapability(t *testing.T) {
	g := mustGate(t, nil)
	dec := g.Evaluate(
		policy.Subject{Agent: "dev", Capabilities: []string{"repo.read"}},
		policy.Action{Type: "patch", Capabilities: []string{"repo.write"}},
	)
	assert.False(t, dec.Allow)
	// repo.write is both unheld and approval-gated: two denials accumulate.
	require.Len(t, dec.Deny, 2)
	assert.Equal(t, policy.ReasonMissingCapability, dec.Deny[0].Reason)
	assert.Equal(t, "repo.write", dec.Deny[0].Capability)
	assert.Equal(t, policy.ReasonApprovalRequired, dec.Deny[1].Reason)
}

func TestGate_ApprovalRequiredEvenWhenCapabilityHeld(t *testing.T) {
	g := mustGate(t, nil)
	dec := g.Evaluate(
		policy.Subject{Agent: "dev", Capabilities: []string{"repo.write"}},
		policy.Action{Type: "patch", Capabilities: []string{"repo.write"}},
	)
	assert.False(t, dec.Allow)
	require.Len(t, dec.Deny, 1)
	assert.Equal(t, policy.ReasonApprovalRequired, dec.Deny[0].Reason)
	assert.Equal(t, "repo.write", dec.Deny[0].Capability)
	assert.True(t, dec.OnlyApprovalsMissing())
	assert.Equal(t, []string{"repo.write"}, dec.MissingApprovals())
}

func TestGate_ApprovalRecorded(t *testing.T) {
	g := mustGate(t, nil)
	dec := g.Evaluate(
		policy.Subject{
			Agent:        "dev",
			Capabilities: []string{"repo.write"},
			Approvals:    map[string]bool{"repo.write": true},
		},
		policy.Action{Type: "patch", Capabilities: []string{"repo.write"}},
	)
	assert.True(t, dec.Allow)
}

func TestGate_RunModeMismatch(t *testing.T) {
	g := mustGate(t, nil)
	sub := policy.Subject{Agent: "dev", Capabilities: []string{"deploy"}, RunMode: policy.RunModeConsumer}

	dec := g.Evaluate(sub, policy.Action{Type: "deploy", Capabilities: []string{"deploy"}, RunMode: policy.RunModeEnterprise})
	assert.False(t, dec.Allow)
	require.Len(t, dec.Deny, 1)
	assert.Equal(t, policy.ReasonRunModeMismatch, dec.Deny[0].Reason)

	// "any" and empty both match every run mode.
	assert.True(t, g.Evaluate(sub, policy.Action{Type: "deploy", Capabilities: []string{"deploy"}, RunMode: policy.RunModeAny}).Allow)
	assert.True(t, g.Evaluate(sub, policy.Action{Type: "deploy", Capabilities: []string{"deploy"}}).Allow)
}

func TestGate_DenialsAccumulate(t *testing.T) {
	g := mustGate(t, nil)
	dec := g.Evaluate(
		policy.Subject{Agent: "dev", RunMode: policy.RunModeConsumer},
		policy.Action{
			Type:         "exfiltrate",
			Capabilities: []string{"repo.write", "network.egress"},
			RunMode:      policy.RunModeEnterprise,
		},
	)
	assert.False(t, dec.Allow)
	// Two missing capabilities, two missing approvals, one run-mode mismatch.
	assert.Len(t, dec.Deny, 5)
	assert.False(t, dec.OnlyApprovalsMissing())
}

func TestGate_DecisionsAreStable(t *testing.T) {
	g := mustGate(t, nil)
	sub := policy.Subject{Agent: "dev", Capabilities: []string{"repo.read"}}
	act := policy.Action{Type: "patch", Capabilities: []string{"repo.write"}}

	first := g.Evaluate(sub, act)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, g.Evaluate(sub, act))
	}
}

func TestGate_AllowIffNoDenials(t *testing.T) {
	g := mustGate(t, nil)
	subjects := []policy.Subject{
		{},
		{Capabilities: []string{"repo.read"}},
		{Capabilities: []string{"repo.write"}, Approvals: map[string]bool{"repo.write": true}},
	}
	actions := []policy.Action{
		{Type: "a"},
		{Type: "b", Capabilities: []string{"repo.read"}},
		{Type: "c", Capabilities: []string{"repo.write"}},
		{Type: "d", Capabilities: []string{"repo.read", "repo.write"}, RunMode: policy.RunModeEnterprise},
	}
	for _, sub := range subjects {
		for _, act := range actions {
			dec := g.Evaluate(sub, act)
			assert.Equal(t, len(dec.Deny) == 0, dec.Allow)
		}
	}
}

func TestGate_CELGuard(t *testing.T) {
	g := mustGate(t, &policy.Ruleset{
		ApprovalGated: map[string]bool{},
		Guards: []policy.GuardRule{
			{Action: "deploy", Expr: `subject.run_mode == "enterprise"`},
		},
	})

	enterprise := policy.Subject{Agent: "ops", Capabilities: []string{"deploy"}, RunMode: policy.RunModeEnterprise}
	consumer := policy.Subject{Agent: "dev", Capabilities: []string{"deploy"}, RunMode: policy.RunModeConsumer}
	act := policy.Action{Type: "deploy", Capabilities: []string{"deploy"}}

	assert.True(t, g.Evaluate(enterprise, act).Allow)

	dec := g.Evaluate(consumer, act)
	assert.False(t, dec.Allow)
	require.Len(t, dec.Deny, 1)
	assert.Equal(t, policy.ReasonGuardRejected, dec.Deny[0].Reason)
}

func TestNewGate_GuardCompileError(t *testing.T) {
	_, err := policy.NewGate(&policy.Ruleset{
		Guards: []policy.GuardRule{{Action: "deploy", Expr: "this is not CEL ((("}},
	})
	assert.Error(t, err)
}

func TestFailClosed(t *testing.T) {
	g := policy.FailClosed()
	dec := g.Evaluate(
		policy.Subject{Agent: "root", Capabilities: []string{"repo.read"}},
		policy.Action{Type: "analyze", Capabilities: []string{"repo.read"}},
	)
	assert.False(t, dec.Allow)
	require.Len(t, dec.Deny, 1)
	assert.Equal(t, policy.ReasonRulesetUnavailable, dec.Deny[0].Reason)
}

func TestNewGateFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ruleset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
approval_gated:
  repo.write: true
  funds.transfer: true
`), 0o600))

	gate, err := policy.NewGateFromFile(path)
	require.NoError(t, err)

	dec := gate.Evaluate(
		policy.Subject{Capabilities: []string{"funds.transfer"}},
		policy.Action{Type: "pay", Capabilities: []string{"funds.transfer"}},
	)
	assert.True(t, dec.Has(policy.ReasonApprovalRequired))
}

func TestNewGateFromFile_FailsClosed(t *testing.T) {
	gate, err := policy.NewGateFromFile("/does/not/exist.yaml")
	assert.Error(t, err)
	dec := gate.Evaluate(policy.Subject{}, policy.Action{Type: "anything"})
	assert.False(t, dec.Allow)
}
