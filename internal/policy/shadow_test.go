package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

// silentEngine builds a candidate engine with no bus and no recorder, so
// replayed evaluations produce no audit or event traffic of their own.
func silentEngine(t *testing.T, policies ...model.Policy) *policy.Engine {
	t.Helper()
	engine, err := policy.New(nil, nil, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	require.NoError(t, engine.Install(context.Background(), policies...))
	return engine
}

func TestShadowObservesDivergence(t *testing.T) {
	production, _, audit := newEngine(t)
	ctx := context.Background()

	candidate := silentEngine(t, mkPolicy("candidate", "*",
		mkRule("no-shell", 10, `action.tool == 'shell'`, model.VerdictDeny)))
	shadow := policy.NewShadow(candidate, storage.NewMemory(), audit, testutil.TestLogger(), 4, 0)
	production.SetShadow(shadow)

	// Production has no policies, so the request sails through even though
	// the candidate set would have denied it.
	dec := production.Evaluate(ctx, testDID, toolCtx("shell", ""))
	assert.True(t, dec.Allowed)

	require.Eventually(t, func() bool {
		return shadow.Stats().Total == 1
	}, 3*time.Second, 10*time.Millisecond)

	stats := shadow.Stats()
	assert.Equal(t, int64(1), stats.Diverged)
	assert.Equal(t, 1, stats.WindowSamples)
	assert.False(t, stats.Ready, "window not full yet")

	recs, err := shadow.Records(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, testDID, recs[0].AgentDID)
	assert.True(t, recs[0].Diverged)
	assert.Equal(t, model.VerdictAllow, recs[0].ProductionVerdict)
	assert.Equal(t, model.VerdictDeny, recs[0].ShadowVerdict)
	assert.Len(t, recs[0].ContextHash, 64)

	assert.Equal(t, 1, audit.CountByType(model.EventShadowDivergence))
}

func TestShadowReadiness(t *testing.T) {
	ctx := context.Background()
	candidate := silentEngine(t)
	shadow := policy.NewShadow(candidate, storage.NewMemory(), nil, testutil.TestLogger(), 3, 0.02)

	pctx := toolCtx("search", "")
	for i := 0; i < 3; i++ {
		shadow.Observe(ctx, testDID, &pctx, model.VerdictAllow)
	}
	stats := shadow.Stats()
	assert.Equal(t, 3, stats.WindowSamples)
	assert.Zero(t, stats.WindowDivergence)
	assert.True(t, stats.Ready)

	// One disagreement in a window of three blows way past the threshold.
	shadow.Observe(ctx, testDID, &pctx, model.VerdictDeny)
	stats = shadow.Stats()
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(1), stats.Diverged)
	assert.False(t, stats.Ready)
}

func TestShadowCannotChangeProductionDecision(t *testing.T) {
	production, _, audit := newEngine(t)
	ctx := context.Background()

	candidate := silentEngine(t, mkPolicy("deny-all", "*",
		mkRule("everything", 10, "true", model.VerdictDeny)))
	shadow := policy.NewShadow(candidate, storage.NewMemory(), audit, testutil.TestLogger(), 10, 0)
	production.SetShadow(shadow)

	for i := 0; i < 3; i++ {
		assert.True(t, production.Evaluate(ctx, testDID, toolCtx("search", "")).Allowed)
	}
	require.Eventually(t, func() bool {
		return shadow.Stats().Total == 3
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), shadow.Stats().Diverged)
	assert.Zero(t, audit.CountByType(model.EventPolicyViolation),
		"candidate denials must not surface as production violations")
}

func TestShadowRecordsTail(t *testing.T) {
	ctx := context.Background()
	candidate := silentEngine(t)
	shadow := policy.NewShadow(candidate, storage.NewMemory(), nil, testutil.TestLogger(), 10, 0)

	for i := 0; i < 5; i++ {
		pctx := toolCtx("search", "")
		shadow.Observe(ctx, testDID, &pctx, model.VerdictAllow)
	}
	recs, err := shadow.Records(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
