package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/audit"
	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/canonical"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

const (
	testDID      = "did:mesh:0000000000000000000000000000000000000000000000000000000000000001"
	otherDID     = "did:mesh:0000000000000000000000000000000000000000000000000000000000000002"
	exportSource = "urn:agentmesh:test"
)

type fixture struct {
	log      *audit.Log
	eventBus *bus.Bus
	store    *storage.MemoryBackend
}

func newFixture(t *testing.T, retention time.Duration) *fixture {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New(testutil.TestLogger(), 64)
	t.Cleanup(eventBus.Close)

	log, err := audit.New(audit.NewStorageSink(store), eventBus, testutil.TestLogger(), exportSource, retention)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return &fixture{log: log, eventBus: eventBus, store: store}
}

func appendN(t *testing.T, log *audit.Log, n int) []model.AuditEntry {
	t.Helper()
	out := make([]model.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e, err := log.Append(context.Background(), model.EventToolInvoked, testDID,
			"invoke", "tool:search", map[string]any{"attempt": i}, model.OutcomeSuccess)
		require.NoError(t, err)
		out = append(out, *e)
	}
	return out
}

func TestAppendBuildsChain(t *testing.T) {
	f := newFixture(t, 0)

	sub := f.eventBus.Subscribe(bus.KindAuditAppended)
	defer f.eventBus.Unsubscribe(sub)

	entries := appendN(t, f.log, 3)

	assert.Equal(t, canonical.ZeroHash, entries[0].PreviousHash)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.True(t, canonical.ValidHex(e.Hash), "hash must be 64-char hex")
		assert.NotEqual(t, e.PreviousHash, e.Hash)
		if i > 0 {
			assert.Equal(t, entries[i-1].Hash, e.PreviousHash)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, testDID, ev.AgentDID)
			assert.Equal(t, model.EventToolInvoked, string(ev.Extensions["event_type"]))
		case <-time.After(time.Second):
			t.Fatal("missing appended event")
		}
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	err := f.log.Record(ctx, model.AuditEntry{
		EventType: model.EventAgentRegistered,
		AgentDID:  testDID,
		Action:    "register",
	})
	require.NoError(t, err)

	got, err := f.log.Query(ctx, model.AuditFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].EntryID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, model.OutcomeSuccess, got[0].Outcome)
	assert.Equal(t, uint64(1), got[0].Seq)
}

func TestRecordRejectsIncompleteEntries(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	err := f.log.Record(ctx, model.AuditEntry{Action: "register"})
	assert.ErrorContains(t, err, "event type")

	err = f.log.Record(ctx, model.AuditEntry{EventType: model.EventAgentRegistered})
	assert.ErrorContains(t, err, "action")
}

func TestQueryFilters(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	appendN(t, f.log, 2)
	_, err := f.log.Append(ctx, model.EventPolicyViolation, otherDID, "evaluate", "",
		map[string]any{"rule": "no-pii"}, model.OutcomeDenied)
	require.NoError(t, err)

	byType, err := f.log.Query(ctx, model.AuditFilter{EventType: model.EventPolicyViolation}, 0)
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, otherDID, byType[0].AgentDID)

	byAgent, err := f.log.Query(ctx, model.AuditFilter{AgentDID: testDID}, 0)
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	byOutcome, err := f.log.Query(ctx, model.AuditFilter{Outcome: model.OutcomeDenied}, 0)
	require.NoError(t, err)
	assert.Len(t, byOutcome, 1)

	// A positive limit keeps the most recent matches, still in chain order.
	limited, err := f.log.Query(ctx, model.AuditFilter{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(2), limited[0].Seq)
	assert.Equal(t, uint64(3), limited[1].Seq)
}

func TestVerifyIntegrityCleanChain(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	appendN(t, f.log, 5)

	ok, idx, err := f.log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), idx)
	assert.False(t, f.log.Suppressed())

	// The verification itself lands on the chain.
	got, err := f.log.Query(ctx, model.AuditFilter{EventType: model.EventIntegrityVerified}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestVerifyIntegrityEmptyChain(t *testing.T) {
	f := newFixture(t, 0)

	ok, idx, err := f.log.VerifyIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), idx)
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	appendN(t, f.log, 3)

	sub := f.eventBus.Subscribe(bus.KindIntegrityAlert)
	defer f.eventBus.Unsubscribe(sub)

	// Doctor the middle entry in place: same hash fields, altered action.
	raws, err := f.store.LRange(ctx, "audit:log", 0, -1)
	require.NoError(t, err)
	require.Len(t, raws, 3)
	var doctored model.AuditEntry
	require.NoError(t, json.Unmarshal(raws[1], &doctored))
	doctored.Action = "doctored"
	forged, err := json.Marshal(&doctored)
	require.NoError(t, err)
	require.NoError(t, f.store.LTrim(ctx, "audit:log", 0, 0))
	require.NoError(t, f.store.RPush(ctx, "audit:log", forged, raws[2]))

	ok, idx, err := f.log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), idx)
	assert.True(t, f.log.Suppressed())

	select {
	case ev := <-sub.C:
		assert.Contains(t, ev.Reason, "index 1")
	case <-time.After(time.Second):
		t.Fatal("missing integrity alert")
	}

	broken, err := f.log.Query(ctx, model.AuditFilter{EventType: model.EventIntegrityBroken}, 0)
	require.NoError(t, err)
	assert.Len(t, broken, 1)
}

func TestExportSuppressionAndAcknowledge(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	appendN(t, f.log, 2)

	// Break the chain by rewriting the first entry's hash.
	raws, err := f.store.LRange(ctx, "audit:log", 0, -1)
	require.NoError(t, err)
	var first model.AuditEntry
	require.NoError(t, json.Unmarshal(raws[0], &first))
	first.Hash = canonical.ZeroHash
	forged, err := json.Marshal(&first)
	require.NoError(t, err)
	require.NoError(t, f.store.LTrim(ctx, "audit:log", 1, -1))
	require.NoError(t, f.store.LPush(ctx, "audit:log", forged))

	ok, _, err := f.log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.log.Export(ctx, nil, nil)
	assert.ErrorIs(t, err, audit.ErrExportSuppressed)

	f.log.AcknowledgeIntegrityFailure(ctx, "ops@example.com")
	assert.False(t, f.log.Suppressed())

	events, err := f.log.Export(ctx, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	acked, err := f.log.Query(ctx, model.AuditFilter{EventType: model.EventIntegrityAcked}, 0)
	require.NoError(t, err)
	require.Len(t, acked, 1)
	assert.Equal(t, "ops@example.com", acked[0].Data["operator"])
}

func TestExportEnvelope(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	entry, err := f.log.Append(ctx, model.EventTrustHandshake, testDID, "handshake", "",
		map[string]any{"peer": otherDID}, model.OutcomeSuccess)
	require.NoError(t, err)

	events, err := f.log.Export(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, entry.EntryID.String(), ev.ID)
	assert.Equal(t, "ai.agentmesh.trust.handshake", ev.Type)
	assert.Equal(t, exportSource, ev.Source)
	assert.Equal(t, testDID, ev.Subject)
	assert.Equal(t, "application/json", ev.DataContentType)
	assert.Equal(t, "handshake", ev.Data["action"])
	detail, okDetail := ev.Data["detail"].(map[string]any)
	require.True(t, okDetail)
	assert.Equal(t, otherDID, detail["peer"])

	// Window bounds: start after the entry excludes it.
	after := entry.Timestamp.Add(time.Second)
	events, err = f.log.Export(ctx, &after, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPruneKeepsChainVerifiable(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	ctx := context.Background()

	appendN(t, f.log, 2)
	time.Sleep(100 * time.Millisecond)
	appendN(t, f.log, 1)

	dropped, err := f.log.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	got, err := f.log.Query(ctx, model.AuditFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].Seq, "retained entries keep their sequence numbers")

	ok, idx, err := f.log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), idx)
}

func TestFileSinkPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	eventBus := bus.New(testutil.TestLogger(), 8)
	t.Cleanup(eventBus.Close)

	sink, err := audit.NewFileSink(path, 0, testutil.TestLogger())
	require.NoError(t, err)
	log, err := audit.New(sink, eventBus, testutil.TestLogger(), exportSource, 0)
	require.NoError(t, err)
	appendN(t, log, 3)
	require.NoError(t, log.Close())

	sink, err = audit.NewFileSink(path, 0, testutil.TestLogger())
	require.NoError(t, err)
	log, err = audit.New(sink, eventBus, testutil.TestLogger(), exportSource, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ctx := context.Background()
	entry, err := log.Append(ctx, model.EventToolInvoked, testDID, "invoke", "",
		nil, model.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), entry.Seq, "sequence continues across reopen")

	ok, idx, err := log.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), idx)
}

func TestFileSinkDropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	eventBus := bus.New(testutil.TestLogger(), 8)
	t.Cleanup(eventBus.Close)

	sink, err := audit.NewFileSink(path, 0, testutil.TestLogger())
	require.NoError(t, err)
	log, err := audit.New(sink, eventBus, testutil.TestLogger(), exportSource, 0)
	require.NoError(t, err)
	appendN(t, log, 2)
	require.NoError(t, log.Close())

	// Simulate an append cut off mid-record.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = file.WriteString(`{"entry_id":"tr`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	sink, err = audit.NewFileSink(path, 0, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	n, err := sink.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestFileSinkRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	eventBus := bus.New(testutil.TestLogger(), 8)
	t.Cleanup(eventBus.Close)

	sink, err := audit.NewFileSink(path, 0, testutil.TestLogger())
	require.NoError(t, err)
	log, err := audit.New(sink, eventBus, testutil.TestLogger(), exportSource, 0)
	require.NoError(t, err)
	appendN(t, log, 3)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(raw)
	require.Len(t, lines, 3)
	lines[1] = []byte("not json")
	require.NoError(t, os.WriteFile(path, joinLines(lines), 0o600))

	_, err = audit.NewFileSink(path, 0, testutil.TestLogger())
	assert.ErrorContains(t, err, "corrupt")
}

func TestFileSinkBackgroundFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := audit.NewFileSink(path, 10*time.Millisecond, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	entry := model.AuditEntry{EventType: model.EventToolInvoked, Action: "invoke", Outcome: model.OutcomeSuccess}
	require.NoError(t, sink.Append(context.Background(), &entry))

	assert.Eventually(t, func() bool {
		raw, err := os.ReadFile(path)
		return err == nil && len(splitLines(raw)) == 1
	}, 3*time.Second, 10*time.Millisecond, "background loop should flush the append")
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}
