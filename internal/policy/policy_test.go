package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

const (
	testDID  = "did:mesh:0000000000000000000000000000000000000000000000000000000000000001"
	otherDID = "did:mesh:0000000000000000000000000000000000000000000000000000000000000002"
)

func newEngine(t *testing.T) (*policy.Engine, *bus.Bus, *testutil.Recorder) {
	t.Helper()
	eventBus := bus.New(testutil.TestLogger(), 64)
	t.Cleanup(eventBus.Close)
	audit := testutil.NewRecorder()
	engine, err := policy.New(eventBus, audit, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, eventBus, audit
}

func mkPolicy(name, selector string, rules ...model.PolicyRule) model.Policy {
	return model.Policy{Version: "1.0", Name: name, Selector: selector, Rules: rules}
}

func mkRule(name string, priority int, condition string, verdict model.Verdict) model.PolicyRule {
	return model.PolicyRule{Name: name, Priority: priority, Condition: condition, Verdict: verdict}
}

func toolCtx(tool, path string) model.PolicyContext {
	return model.PolicyContext{
		Action: model.ActionContext{Type: "tool_call", Tool: tool, Path: path},
		Agent:  model.AgentPolicyView{TrustScore: 600},
	}
}

func TestCompoundConditionMatchesSecondBranch(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("fs-guard", "*",
		mkRule("block-sensitive-paths", 100,
			`action.path == '/etc/passwd' or action.path == '/etc/shadow'`,
			model.VerdictDeny),
	)))

	dec := engine.Evaluate(ctx, testDID, toolCtx("fs_read", "/etc/shadow"))
	assert.False(t, dec.Allowed)
	assert.Equal(t, model.VerdictDeny, dec.Verdict)
	assert.Equal(t, "fs-guard", dec.PolicyName)
	assert.Equal(t, "block-sensitive-paths", dec.RuleName)

	dec = engine.Evaluate(ctx, testDID, toolCtx("fs_read", "/etc/hosts"))
	assert.True(t, dec.Allowed)
	assert.Equal(t, model.VerdictAllow, dec.Verdict)
}

func TestFirstMatchByPriorityWins(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("tools", "*",
		mkRule("general", 100, `action.type == 'tool_call'`, model.VerdictDeny),
		mkRule("shell-is-fine", 200, `action.tool == 'shell'`, model.VerdictWarn),
	)))

	// Both rules match; the higher priority one decides for the policy.
	dec := engine.Evaluate(ctx, testDID, toolCtx("shell", ""))
	assert.Equal(t, model.VerdictWarn, dec.Verdict)
	assert.Equal(t, "shell-is-fine", dec.RuleName)
	assert.True(t, dec.Allowed)
}

func TestMostRestrictiveAcrossPolicies(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx,
		mkPolicy("baseline", "*",
			mkRule("watch-tools", 10, `action.type == 'tool_call'`, model.VerdictWarn)),
		mkPolicy("lockdown", testDID,
			mkRule("no-shell", 10, `action.tool == 'shell'`, model.VerdictDeny)),
	))

	dec := engine.Evaluate(ctx, testDID, toolCtx("shell", ""))
	assert.Equal(t, model.VerdictDeny, dec.Verdict)
	assert.Equal(t, "lockdown", dec.PolicyName)
	assert.Len(t, dec.Matched, 2)

	// The lockdown policy does not select the other agent.
	dec = engine.Evaluate(ctx, otherDID, toolCtx("shell", ""))
	assert.Equal(t, model.VerdictWarn, dec.Verdict)
	assert.Equal(t, "baseline", dec.PolicyName)
}

func TestSelectorByTag(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("search-team", "team:search",
		mkRule("no-writes", 10, `action.type == 'tool_call'`, model.VerdictDeny))))

	pctx := toolCtx("index", "")
	dec := engine.Evaluate(ctx, testDID, pctx)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "no applicable policies", dec.Reason)

	pctx.Agent.Tags = []string{"team:search"}
	dec = engine.Evaluate(ctx, testDID, pctx)
	assert.False(t, dec.Allowed)
}

func TestDefaultVerdictApplies(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	p := mkPolicy("strict", "*",
		mkRule("allow-search", 10, `action.tool == 'search'`, model.VerdictAllow))
	p.DefaultVerdict = model.VerdictDeny
	require.NoError(t, engine.Install(ctx, p))

	dec := engine.Evaluate(ctx, testDID, toolCtx("search", ""))
	assert.True(t, dec.Allowed)

	dec = engine.Evaluate(ctx, testDID, toolCtx("shell", ""))
	assert.False(t, dec.Allowed)
	assert.Empty(t, dec.RuleName)
	assert.Contains(t, dec.Reason, "default")
}

func TestTrustScoreComparison(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("score-floor", "*",
		mkRule("low-trust", 10, `agent.trust_score < 500 and action.type == 'tool_call'`, model.VerdictDeny))))

	pctx := toolCtx("search", "")
	pctx.Agent.TrustScore = 300
	assert.False(t, engine.Evaluate(ctx, testDID, pctx).Allowed)

	pctx.Agent.TrustScore = 700
	assert.True(t, engine.Evaluate(ctx, testDID, pctx).Allowed)
}

func TestMembershipAndClassificationFlags(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	approval := mkRule("pii-export", 10, `data.contains_pii and action.tool == 'export'`, model.VerdictRequireApproval)
	approval.Approvers = []string{"ops@example.com"}
	require.NoError(t, engine.Install(ctx, mkPolicy("data-guard", "*",
		mkRule("no-risky-tools", 20, `action.tool in ['shell', 'exec']`, model.VerdictDeny),
		approval)))

	assert.False(t, engine.Evaluate(ctx, testDID, toolCtx("exec", "")).Allowed)
	assert.True(t, engine.Evaluate(ctx, testDID, toolCtx("search", "")).Allowed)

	pctx := toolCtx("export", "")
	pctx.Data.ContainsPII = true
	dec := engine.Evaluate(ctx, testDID, pctx)
	assert.False(t, dec.Allowed)
	assert.Equal(t, model.VerdictRequireApproval, dec.Verdict)
	assert.Equal(t, []string{"ops@example.com"}, dec.Approvers)
}

func TestRateLimitForcesDeny(t *testing.T) {
	engine, eventBus, audit := newEngine(t)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.KindPolicyViolation)
	defer eventBus.Unsubscribe(sub)

	limited := mkRule("burst", 10, `action.type == 'tool_call'`, model.VerdictAllow)
	limited.Limit = "2/1h"
	require.NoError(t, engine.Install(ctx, mkPolicy("throttle", "*", limited)))

	assert.True(t, engine.Evaluate(ctx, testDID, toolCtx("search", "")).Allowed)
	assert.True(t, engine.Evaluate(ctx, testDID, toolCtx("search", "")).Allowed)

	dec := engine.Evaluate(ctx, testDID, toolCtx("search", ""))
	assert.False(t, dec.Allowed)
	assert.True(t, dec.RateLimited)
	assert.Contains(t, dec.Reason, "rate limit")

	// Windows are per agent.
	assert.True(t, engine.Evaluate(ctx, otherDID, toolCtx("search", "")).Allowed)

	select {
	case ev := <-sub.C:
		assert.Equal(t, testDID, ev.AgentDID)
	case <-time.After(time.Second):
		t.Fatal("missing violation event")
	}
	assert.Equal(t, 1, audit.CountByType(model.EventPolicyViolation))
}

func TestMalformedRuleSkippedPolicySurvives(t *testing.T) {
	engine, _, audit := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("mixed", "*",
		mkRule("broken", 100, `action.path ==`, model.VerdictDeny),
		mkRule("works", 10, `action.tool == 'shell'`, model.VerdictDeny))))

	assert.Equal(t, []string{"mixed"}, engine.ActivePolicies())
	assert.GreaterOrEqual(t, audit.CountByType(model.EventPolicyMalformed), 1)

	dec := engine.Evaluate(ctx, testDID, toolCtx("shell", ""))
	assert.False(t, dec.Allowed)
	assert.Equal(t, "works", dec.RuleName)
}

func TestMalformedPolicyRejected(t *testing.T) {
	engine, _, audit := newEngine(t)
	ctx := context.Background()

	noSelector := model.Policy{Version: "1.0", Name: "no-selector",
		Rules: []model.PolicyRule{mkRule("r", 1, "true", model.VerdictDeny)}}
	badVersion := mkPolicy("future", "*", mkRule("r", 1, "true", model.VerdictDeny))
	badVersion.Version = "2.0"

	require.NoError(t, engine.Install(ctx, noSelector, badVersion))
	assert.Empty(t, engine.ActivePolicies())
	assert.Equal(t, 2, audit.CountByType(model.EventPolicyMalformed))
}

func TestMissingContextKeyDoesNotMatch(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("args-guard", "*",
		mkRule("flagged", 10, `action.args.flag == 'on'`, model.VerdictDeny))))

	dec := engine.Evaluate(ctx, testDID, toolCtx("search", ""))
	assert.True(t, dec.Allowed, "a condition over an absent key must not match")

	pctx := toolCtx("search", "")
	pctx.Action.Args = map[string]string{"flag": "on"}
	assert.False(t, engine.Evaluate(ctx, testDID, pctx).Allowed)
}

func TestVerdictReporting(t *testing.T) {
	engine, _, audit := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("report", "*",
		mkRule("warn-shell", 20, `action.tool == 'shell'`, model.VerdictWarn),
		mkRule("deny-exec", 30, `action.tool == 'exec'`, model.VerdictDeny))))

	engine.Evaluate(ctx, testDID, toolCtx("search", ""))
	assert.Empty(t, audit.Entries(), "plain allow records nothing")

	engine.Evaluate(ctx, testDID, toolCtx("shell", ""))
	warn, ok := audit.LastByType(model.EventPolicyEvaluation)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeWarning, warn.Outcome)
	assert.Equal(t, "warn-shell", warn.Data["rule"])

	engine.Evaluate(ctx, testDID, toolCtx("exec", ""))
	deny, ok := audit.LastByType(model.EventPolicyViolation)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeDenied, deny.Outcome)
	assert.Equal(t, "report", deny.Data["policy"])
}

func TestPolicyByName(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.Install(ctx, mkPolicy("lookup", "*",
		mkRule("r", 1, "true", model.VerdictLog))))

	p, ok := engine.PolicyByName("lookup")
	require.True(t, ok)
	assert.Equal(t, "*", p.Selector)

	_, ok = engine.PolicyByName("missing")
	assert.False(t, ok)
}
