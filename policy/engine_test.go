package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxpgo-dev/mxpgo/identity"
)

func toolRequest(name string) *Request {
	return NewRequest(identity.NewAgentID(), ActionToolInvoke, name)
}

func mustRule(t *testing.T, name string, m Matcher, d Decision) Rule {
	t.Helper()
	rule, err := NewRule(name, m, d)
	require.NoError(t, err)
	return rule
}

func TestFirstMatchWins(t *testing.T) {
	engine := NewRuleEngine(
		EngineConfig{DefaultDecision: Allow()},
		mustRule(t, "deny-echo", Matcher{Action: ActionToolInvoke, Subject: "echo"}, Deny("tool disabled")),
		mustRule(t, "escalate-all-tools", Matcher{Action: ActionToolInvoke}, Escalate("needs approval", "secops")),
	)

	decision, err := engine.Evaluate(context.Background(), toolRequest("echo"))
	require.NoError(t, err)
	assert.True(t, decision.IsDeny())
	assert.Equal(t, "tool disabled", decision.Reason)

	decision, err = engine.Evaluate(context.Background(), toolRequest("other"))
	require.NoError(t, err)
	assert.True(t, decision.IsEscalate())
	assert.Equal(t, []string{"secops"}, decision.Approvers)
}

func TestDefaultDecision(t *testing.T) {
	engine := NewRuleEngine(EngineConfig{DefaultDecision: Deny("no rules")})

	decision, err := engine.Evaluate(context.Background(), toolRequest("anything"))
	require.NoError(t, err)
	assert.True(t, decision.IsDeny())
	assert.Equal(t, "no rules", decision.Reason)
}

func TestScopeMatching(t *testing.T) {
	engine := NewRuleEngine(
		EngineConfig{DefaultDecision: Deny("unscoped")},
		mustRule(t, "write-scope", Matcher{Action: ActionToolInvoke, Scopes: []string{"write:inventory"}}, Allow()),
	)

	req := toolRequest("inv_update").WithScopes("write:inventory", "read:inventory")
	decision, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.IsAllow())

	req = toolRequest("inv_update").WithScopes("read:inventory")
	decision, err = engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.IsDeny())
}

func TestMetadataAndPrefixMatching(t *testing.T) {
	engine := NewRuleEngine(
		EngineConfig{DefaultDecision: Allow()},
		mustRule(t, "deny-prod-writes", Matcher{
			SubjectPrefix: "inv_",
			Metadata:      map[string]string{"env": "prod"},
		}, Deny("prod writes disabled")),
	)

	req := toolRequest("inv_delete").WithMetadata("env", "prod")
	decision, err := engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.IsDeny())

	req = toolRequest("inv_delete").WithMetadata("env", "staging")
	decision, err = engine.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.IsAllow())
}

type slowApprover struct{}

func (slowApprover) Approve(ctx context.Context, _ *Request) (Decision, error) {
	<-ctx.Done()
	return Decision{}, ctx.Err()
}

type grantingApprover struct{}

func (grantingApprover) Approve(_ context.Context, _ *Request) (Decision, error) {
	return AllowWithReason("approved remotely"), nil
}

func TestApproverTimeoutBecomesEscalate(t *testing.T) {
	rule := mustRule(t, "deferred", Matcher{Subject: "transfer_funds"}, Escalate("manual review", "ops@x", "cfo@x")).
		WithApprover(slowApprover{})
	engine := NewRuleEngine(EngineConfig{
		DefaultDecision:    Allow(),
		EscalationDeadline: 20 * time.Millisecond,
	}, rule)

	decision, err := engine.Evaluate(context.Background(), toolRequest("transfer_funds"))
	require.NoError(t, err)
	assert.True(t, decision.IsEscalate())
	assert.Contains(t, decision.Reason, "timed out")
	assert.Equal(t, []string{"ops@x", "cfo@x"}, decision.Approvers)
}

func TestApproverGrants(t *testing.T) {
	rule := mustRule(t, "deferred", Matcher{Subject: "transfer_funds"}, Escalate("manual review", "ops@x")).
		WithApprover(grantingApprover{})
	engine := NewRuleEngine(EngineConfig{DefaultDecision: Deny("default")}, rule)

	decision, err := engine.Evaluate(context.Background(), toolRequest("transfer_funds"))
	require.NoError(t, err)
	assert.True(t, decision.IsAllow())
	assert.Equal(t, "approved remotely", decision.Reason)
}

func TestRuleNameRequired(t *testing.T) {
	_, err := NewRule("  ", Matcher{}, Allow())
	assert.Error(t, err)
}
