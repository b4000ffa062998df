package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
)

const basePolicyYAML = `version: "1.0"
name: base-guard
agent: "*"
rules:
  - name: no-shell
    priority: 100
    condition: action.tool == 'shell'
    action: deny
`

const extraPolicyJSON = `{
  "version": "1.0",
  "name": "extra-guard",
  "agent": "*",
  "rules": [
    {"name": "warn-exec", "priority": 50, "condition": "action.tool == 'exec'", "action": "warn", "limit": "10/1m"}
  ]
}`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseFileNameFallsBackToFileStem(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "team-policy.yaml", `version: "1.0"
agent: "*"
rules:
  - name: r
    priority: 1
    condition: "true"
    action: log
`)

	p, err := policy.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "team-policy", p.Name)
	assert.Equal(t, "*", p.Selector)
}

func TestParseFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "extra.json", extraPolicyJSON)

	p, err := policy.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "extra-guard", p.Name)
	require.Len(t, p.Rules, 1)
	assert.Equal(t, model.VerdictWarn, p.Rules[0].Verdict)
	assert.Equal(t, "10/1m", p.Rules[0].Limit)
}

func TestLoadDirectory(t *testing.T) {
	engine, _, audit := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	writePolicy(t, dir, "10-base.yaml", basePolicyYAML)
	writePolicy(t, dir, "20-extra.json", extraPolicyJSON)
	badPath := writePolicy(t, dir, "90-broken.yaml", "rules: [\n")
	writePolicy(t, dir, "notes.txt", "not a policy, ignored")

	n, err := engine.LoadDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"base-guard", "extra-guard"}, engine.ActivePolicies())

	assert.Equal(t, 2, audit.CountByType(model.EventPolicyLoaded))
	assert.Equal(t, 1, audit.CountByType(model.EventPolicyMalformed))
	bad, ok := audit.LastByType(model.EventPolicyMalformed)
	require.True(t, ok)
	assert.Equal(t, badPath, bad.Data["source"])

	assert.False(t, engine.Evaluate(ctx, testDID, toolCtx("shell", "")).Allowed)
}

func TestLoadDirectoryPreservesPoliciesFromBrokenFile(t *testing.T) {
	engine, _, audit := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := writePolicy(t, dir, "keeper.yaml", `version: "1.0"
name: keeper
agent: "*"
rules:
  - name: no-shell
    priority: 10
    condition: action.tool == 'shell'
    action: deny
`)
	n, err := engine.LoadDirectory(ctx, dir)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A bad rewrite must not knock out the running policy.
	require.NoError(t, os.WriteFile(path, []byte("{{{{\n"), 0o600))
	n, err = engine.LoadDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"keeper"}, engine.ActivePolicies())
	assert.False(t, engine.Evaluate(ctx, testDID, toolCtx("shell", "")).Allowed)

	assert.Equal(t, 1, audit.CountByType(model.EventPolicyLoaded), "the carried-over policy is not re-announced")
	assert.Equal(t, 1, audit.CountByType(model.EventPolicyMalformed))

	// Deleting the file drops its policies on the next load.
	require.NoError(t, os.Remove(path))
	n, err = engine.LoadDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, engine.ActivePolicies())
}

func TestLoadFileReplacesByName(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	other := writePolicy(t, dir, "other.yaml", basePolicyYAML)
	require.NoError(t, engine.LoadFile(ctx, other))

	path := writePolicy(t, dir, "mine.yaml", `version: "1.0"
name: mine
agent: "*"
rules:
  - name: no-exec
    priority: 10
    condition: action.tool == 'exec'
    action: deny
`)
	require.NoError(t, engine.LoadFile(ctx, path))
	assert.False(t, engine.Evaluate(ctx, testDID, toolCtx("exec", "")).Allowed)

	writePolicy(t, dir, "mine.yaml", `version: "1.0"
name: mine
agent: "*"
rules:
  - name: no-exec
    priority: 10
    condition: action.tool == 'forbidden'
    action: deny
`)
	require.NoError(t, engine.LoadFile(ctx, path))
	assert.Equal(t, []string{"base-guard", "mine"}, engine.ActivePolicies())
	assert.True(t, engine.Evaluate(ctx, testDID, toolCtx("exec", "")).Allowed)
}

func TestLoadFileRejectsBrokenPolicy(t *testing.T) {
	engine, _, _ := newEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	path := writePolicy(t, dir, "broken.yaml", `version: "3.0"
name: broken
agent: "*"
rules: []
`)
	err := engine.LoadFile(ctx, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
	assert.Empty(t, engine.ActivePolicies())
}
