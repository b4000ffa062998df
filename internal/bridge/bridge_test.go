package bridge_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/bridge"
	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

type fakeDirectory struct {
	mu     sync.Mutex
	agents map[string]*model.AgentIdentity
}

func (d *fakeDirectory) Get(_ context.Context, did string) (*model.AgentIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[did]
	if !ok {
		return nil, identity.ErrNotFound
	}
	out := *agent
	return &out, nil
}

func (d *fakeDirectory) remove(did string) {
	d.mu.Lock()
	delete(d.agents, did)
	d.mu.Unlock()
}

// fakeTrust serves both the handshake score reads and the bridge's ranked
// peer listing.
type fakeTrust struct {
	mu     sync.Mutex
	totals map[string]int
	ranked []reward.RankedAgent
}

func (f *fakeTrust) Score(_ context.Context, did string) (*model.TrustScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, ok := f.totals[did]
	if !ok {
		total = 500
	}
	return &model.TrustScore{AgentDID: did, TotalScore: total, Tier: model.TierForScore(total)}, nil
}

func (f *fakeTrust) TrustedPeers(_ context.Context, minScore int) ([]reward.RankedAgent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reward.RankedAgent, 0, len(f.ranked))
	for _, ra := range f.ranked {
		if ra.Score >= minScore {
			out = append(out, ra)
		}
	}
	return out, nil
}

func (f *fakeTrust) set(did string, total int) {
	f.mu.Lock()
	f.totals[did] = total
	f.mu.Unlock()
}

type fakeSink struct {
	mu      sync.Mutex
	dids    []string
	signals []model.RewardSignal
}

func (f *fakeSink) Signal(_ context.Context, did string, sig model.RewardSignal) (*model.TrustScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dids = append(f.dids, did)
	f.signals = append(f.signals, sig)
	return &model.TrustScore{AgentDID: did, TotalScore: 490}, nil
}

type fakePolicies struct {
	mu   sync.Mutex
	deny *model.PolicyDecision
	seen []model.PolicyContext
}

func (p *fakePolicies) Evaluate(_ context.Context, _ string, pctx model.PolicyContext) *model.PolicyDecision {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, pctx)
	if p.deny != nil {
		return p.deny
	}
	return &model.PolicyDecision{Allowed: true, Verdict: model.VerdictAllow, Reason: "default allow"}
}

// stubAdapter returns canned transport behavior for failure-path tests.
type stubAdapter struct {
	protocols []string
	verifyErr error
	resp      *bridge.Response
	sendErr   error
}

func (a *stubAdapter) Name() string        { return "stub" }
func (a *stubAdapter) Protocols() []string { return a.protocols }

func (a *stubAdapter) VerifyPeerIdentity(context.Context, bridge.PeerInfo) error {
	return a.verifyErr
}

func (a *stubAdapter) Send(context.Context, bridge.PeerInfo, *bridge.Message) (*bridge.Response, error) {
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	return a.resp, nil
}

type fixture struct {
	svc   *bridge.Service
	hs    *handshake.Service
	loop  *bridge.LoopbackAdapter
	dir   *fakeDirectory
	trust *fakeTrust
	sink  *fakeSink
	gate  *fakePolicies
	keys  *keystore.MemoryKeyStore
	bus   *bus.Bus
	audit *testutil.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New(testutil.TestLogger(), 64)
	t.Cleanup(eventBus.Close)

	f := &fixture{
		dir:   &fakeDirectory{agents: make(map[string]*model.AgentIdentity)},
		trust: &fakeTrust{totals: make(map[string]int)},
		sink:  &fakeSink{},
		gate:  &fakePolicies{},
		keys:  keystore.NewMemoryKeyStore(),
		bus:   eventBus,
		audit: testutil.NewRecorder(),
	}
	f.hs = handshake.New(store, f.dir, f.trust, nil, eventBus, f.audit,
		testutil.TestLogger(), 30*time.Second, 15*time.Minute, 700)
	f.loop = bridge.NewLoopbackAdapter(f.hs, f.keys, "loopback", "mcp", "a2a")
	f.svc = bridge.New(store, f.hs, f.trust, f.sink, f.gate, f.audit, testutil.TestLogger())
	f.svc.RegisterAdapter(f.loop)
	return f
}

// addAgent registers an active identity whose key the loopback adapter hosts.
func (f *fixture) addAgent(t *testing.T, score int, caps ...string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	set, err := capability.ParseSet(caps)
	require.NoError(t, err)

	did := model.DeriveDID(pub)
	f.dir.mu.Lock()
	f.dir.agents[did] = &model.AgentIdentity{
		DID:          did,
		Name:         "agent",
		PublicKey:    pub,
		SponsorEmail: "ops@example.com",
		Capabilities: set,
		Status:       model.StatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	f.dir.mu.Unlock()
	require.NoError(t, f.keys.Import(context.Background(), did, priv))
	f.trust.set(did, score)
	return did
}

// addUnhostedAgent registers an identity without importing its key, so the
// loopback adapter cannot vouch for it.
func (f *fixture) addUnhostedAgent(t *testing.T, score int) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	did := model.DeriveDID(pub)
	f.dir.mu.Lock()
	f.dir.agents[did] = &model.AgentIdentity{
		DID:       did,
		Name:      "agent",
		PublicKey: pub,
		Status:    model.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	f.dir.mu.Unlock()
	f.trust.set(did, score)
	return did
}

func (f *fixture) verify(t *testing.T, callerDID, peerDID string) *model.HandshakeResult {
	t.Helper()
	res, err := f.svc.VerifyPeer(context.Background(), callerDID, peerDID, "loopback", handshake.Requirements{})
	require.NoError(t, err)
	require.True(t, res.Trusted)
	return res
}

// capture collects messages a hosted handler receives.
type capture struct {
	mu   sync.Mutex
	msgs []*bridge.Message
}

func (c *capture) handler(_ context.Context, msg *bridge.Message) (*bridge.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return &bridge.Response{Payload: json.RawMessage(`{"ok":true}`)}, nil
}

func (c *capture) received() []*bridge.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*bridge.Message(nil), c.msgs...)
}

func TestVerifyPeerOverLoopback(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800, "invoke:tool")
	peer := f.addAgent(t, 820, "invoke:tool", "read:data")

	res := f.verify(t, caller, peer)
	assert.Equal(t, peer, res.PeerDID)
	assert.Equal(t, 820, res.TrustScore)
	require.NotNil(t, res.CachedUntil)

	// A cached result short-circuits the relay entirely: even with the
	// directory entry gone the pair stays trusted until the cache expires.
	f.dir.remove(peer)
	again, err := f.svc.VerifyPeer(context.Background(), caller, peer, "loopback", handshake.Requirements{})
	require.NoError(t, err)
	assert.True(t, again.Trusted)
}

func TestVerifyPeerWithoutAdapter(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)

	res, err := f.svc.VerifyPeer(context.Background(), caller, peer, "grpc", handshake.Requirements{})
	require.NoError(t, err)
	assert.False(t, res.Trusted)
	assert.Equal(t, model.FailurePeerProtocolUnsupported, res.FailureReason)

	entry, ok := f.audit.LastByType(model.EventTrustHandshake)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeDenied, entry.Outcome)
	assert.Equal(t, "bridge", entry.Data["stage"])
	assert.Equal(t, "peer_protocol_unsupported", entry.Data["reason"])
}

func TestVerifyPeerNotHosted(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800)
	peer := f.addUnhostedAgent(t, 820)

	res, err := f.svc.VerifyPeer(context.Background(), caller, peer, "loopback", handshake.Requirements{})
	require.NoError(t, err)
	assert.False(t, res.Trusted)
	assert.Equal(t, model.FailurePeerUnknown, res.FailureReason)
}

func TestVerifyPeerEnforcesRequirements(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 620, "read:data")

	res, err := f.svc.VerifyPeer(context.Background(), caller, peer, "loopback",
		handshake.Requirements{MinScore: 700})
	require.NoError(t, err)
	assert.False(t, res.Trusted)
	assert.Equal(t, model.FailureTrustBelowThreshold, res.FailureReason)
	assert.Equal(t, 620, res.TrustScore)

	_, ok := f.hs.Cached(context.Background(), caller, peer)
	assert.False(t, ok, "failed verification must not be cached")
}

func TestVerifyPeerBrokenTransport(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)

	// An adapter that answers challenges with garbage fails signature
	// classification rather than erroring out.
	f.svc.RegisterAdapter(&stubAdapter{
		protocols: []string{"grpc"},
		resp:      &bridge.Response{Payload: json.RawMessage("not json")},
	})
	res, err := f.svc.VerifyPeer(context.Background(), caller, peer, "grpc", handshake.Requirements{})
	require.NoError(t, err)
	assert.False(t, res.Trusted)
	assert.Equal(t, model.FailureBadSignature, res.FailureReason)

	// Transport-level failures are errors, not trust verdicts.
	f.svc.RegisterAdapter(&stubAdapter{
		protocols: []string{"grpc"},
		sendErr:   context.DeadlineExceeded,
	})
	res, err = f.svc.VerifyPeer(context.Background(), caller, peer, "grpc", handshake.Requirements{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorContains(t, err, "deliver challenge")
}

func TestSendMessageRequiresHandshake(t *testing.T) {
	f := newFixture(t)
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)

	msg := &bridge.Message{Type: "task.request", Payload: json.RawMessage(`{"task":"summarize"}`)}
	_, err := f.svc.SendMessage(context.Background(), caller, peer, msg, "loopback", "")
	require.ErrorIs(t, err, bridge.ErrHandshakeRequired)
}

func TestSendMessageDeliversInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)
	f.verify(t, caller, peer)

	var inbox capture
	f.loop.Host(peer, inbox.handler)

	first := &bridge.Message{Type: "task.request", Payload: json.RawMessage(`{"task":"summarize"}`)}
	resp, err := f.svc.SendMessage(ctx, caller, peer, first, "loopback", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))

	second := &bridge.Message{Type: "task.status", Payload: json.RawMessage(`{"task":"summarize"}`)}
	_, err = f.svc.SendMessage(ctx, caller, peer, second, "loopback", "")
	require.NoError(t, err)

	got := inbox.received()
	require.Len(t, got, 2)
	assert.Equal(t, "task.request", got[0].Type)
	assert.Equal(t, "task.status", got[1].Type)
	assert.NotEqual(t, uuid.Nil, got[0].ID)
	assert.Equal(t, "loopback", got[0].Protocol)
	assert.Equal(t, uuid.Nil, first.ID, "caller's message is not mutated")

	hist, err := f.svc.History(ctx, caller, peer, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, got[0].ID, hist[0].MessageID)
	assert.Equal(t, "task.request", hist[0].Type)
	assert.Equal(t, "task.status", hist[1].Type)
	assert.Equal(t, "loopback", hist[0].SourceProtocol)
	assert.Equal(t, "loopback", hist[0].TargetProtocol)
	assert.False(t, hist[0].At.IsZero())

	assert.Equal(t, 2, f.audit.CountByType(model.EventMessageSent))
}

func TestSendMessageTranslatesProtocol(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)
	f.verify(t, caller, peer)

	var inbox capture
	f.loop.Host(peer, inbox.handler)

	msg := &bridge.Message{
		Type:    "task.request",
		Payload: json.RawMessage(`{"task":"summarize"}`),
		Headers: map[string]string{"x-trace": "abc"},
	}
	_, err := f.svc.SendMessage(ctx, caller, peer, msg, "mcp", "a2a")
	require.NoError(t, err)

	got := inbox.received()
	require.Len(t, got, 1)
	assert.Equal(t, "a2a", got[0].Protocol)
	assert.Equal(t, "mcp", got[0].Headers[bridge.HeaderSourceProtocol])
	assert.Equal(t, "abc", got[0].Headers["x-trace"])
	assert.NotContains(t, msg.Headers, bridge.HeaderSourceProtocol, "caller's headers are not mutated")

	hist, err := f.svc.History(ctx, caller, peer, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "mcp", hist[0].SourceProtocol)
	assert.Equal(t, "a2a", hist[0].TargetProtocol)
}

func TestSendMessageBlockedByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)
	f.verify(t, caller, peer)

	var inbox capture
	f.loop.Host(peer, inbox.handler)
	f.gate.deny = &model.PolicyDecision{
		Allowed:    false,
		Verdict:    model.VerdictDeny,
		PolicyName: "mesh-guard",
		RuleName:   "deny-fanout",
		Reason:     "external fanout disabled",
	}

	msg := &bridge.Message{Type: "task.request"}
	_, err := f.svc.SendMessage(ctx, caller, peer, msg, "loopback", "")
	require.ErrorIs(t, err, bridge.ErrMessageBlocked)
	assert.Empty(t, inbox.received())

	entry, ok := f.audit.LastByType(model.EventMessageBlocked)
	require.True(t, ok)
	assert.Equal(t, model.OutcomeDenied, entry.Outcome)
	assert.Equal(t, "mesh-guard", entry.Data["policy"])
	assert.Equal(t, "deny-fanout", entry.Data["rule"])

	// The gate saw the full send context, caller score included.
	f.gate.mu.Lock()
	pctx := f.gate.seen[len(f.gate.seen)-1]
	f.gate.mu.Unlock()
	assert.Equal(t, "message_send", pctx.Action.Type)
	assert.Equal(t, "task.request", pctx.Action.Tool)
	assert.Equal(t, peer, pctx.Action.Args["peer_did"])
	assert.Equal(t, caller, pctx.Agent.DID)
	assert.Equal(t, 800, pctx.Agent.TrustScore)

	hist, err := f.svc.History(ctx, caller, peer, 10)
	require.NoError(t, err)
	assert.Empty(t, hist, "blocked messages never reach the journal")
}

func TestRevokePeerTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caller := f.addAgent(t, 800)
	peer := f.addAgent(t, 820)
	f.verify(t, caller, peer)
	f.verify(t, peer, caller)

	require.NoError(t, f.svc.RevokePeerTrust(ctx, caller, peer, "stale results"))

	_, ok := f.hs.Cached(ctx, caller, peer)
	assert.False(t, ok)
	_, ok = f.hs.Cached(ctx, peer, caller)
	assert.False(t, ok, "revocation clears both directions of the pair")

	_, err := f.svc.SendMessage(ctx, caller, peer, &bridge.Message{Type: "task.request"}, "loopback", "")
	require.ErrorIs(t, err, bridge.ErrHandshakeRequired)

	f.sink.mu.Lock()
	require.Len(t, f.sink.signals, 1)
	sig := f.sink.signals[0]
	reported := f.sink.dids[0]
	f.sink.mu.Unlock()
	assert.Equal(t, peer, reported)
	assert.Equal(t, model.DimensionCollaborationHealth, sig.Dimension)
	assert.InDelta(t, 0.2, sig.Value, 1e-9)
	assert.Equal(t, "stale results", sig.Details["reason"])
	assert.Equal(t, caller, sig.Details["reported_by"])

	assert.Equal(t, 1, f.audit.CountByType(model.EventPeerTrustRevoked))
}

func TestTrustedPeersListing(t *testing.T) {
	f := newFixture(t)
	f.trust.ranked = []reward.RankedAgent{
		{DID: "did:mesh:aaa", Score: 930},
		{DID: "did:mesh:bbb", Score: 850},
		{DID: "did:mesh:ccc", Score: 610},
	}

	got, err := f.svc.TrustedPeers(context.Background(), 800)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 930, got[0].Score)
	assert.Equal(t, 850, got[1].Score)
}
