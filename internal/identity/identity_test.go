package identity_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

type fixture struct {
	svc      *identity.Service
	store    *storage.MemoryBackend
	eventBus *bus.Bus
	audit    *testutil.Recorder
}

func newFixture(t *testing.T, maxAgents int, requireVerified bool) *fixture {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New(testutil.TestLogger(), 64)
	t.Cleanup(eventBus.Close)
	audit := testutil.NewRecorder()
	svc := identity.New(store, eventBus, audit, testutil.TestLogger(), maxAgents, requireVerified)
	return &fixture{svc: svc, store: store, eventBus: eventBus, audit: audit}
}

func genKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)
	pub := genKey(t)

	agent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name:         "scout-1",
		PublicKey:    pub,
		SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:data", "invoke:search"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeriveDID(pub), agent.DID)
	assert.True(t, strings.HasPrefix(agent.DID, "did:mesh:"))
	assert.Equal(t, model.StatusActive, agent.Status)

	got, err := f.svc.Get(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, "scout-1", got.Name)
	assert.Equal(t, "ops@example.com", got.SponsorEmail)
	assert.Len(t, got.Capabilities, 2)

	// Sponsor was auto-created and indexed.
	sponsor, err := f.svc.GetSponsor(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{agent.DID}, sponsor.SponsoredDIDs)
	assert.False(t, sponsor.Verified())

	assert.Equal(t, 1, f.audit.CountByType(model.EventAgentRegistered))
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)
	pub := genKey(t)

	_, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "a", PublicKey: pub, SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "b", PublicKey: pub, SponsorEmail: "other@example.com",
	})
	assert.ErrorIs(t, err, identity.ErrDuplicate)
}

func TestRegisterValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	_, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "bad name!", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	assert.Error(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "ok", PublicKey: genKey(t), SponsorEmail: "not-an-email",
	})
	assert.Error(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "ok", PublicKey: []byte("short"), SponsorEmail: "ops@example.com",
	})
	assert.Error(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "ok", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"Read:Data"},
	})
	assert.Error(t, err, "uppercase capability segments are invalid")
}

func TestRegisterEnforcesSponsorQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, false)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Register(ctx, identity.RegisterInput{
			Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		})
		require.NoError(t, err)
	}

	_, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	assert.ErrorIs(t, err, identity.ErrQuotaExceeded)

	// A different sponsor is unaffected.
	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "other@example.com",
	})
	assert.NoError(t, err)
}

func TestRegisterChildMustNarrowCapabilities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	parent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "parent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:*"},
	})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "child", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"write:data"},
		ParentDID:    &parent.DID,
	})
	assert.ErrorIs(t, err, identity.ErrCapabilityEscalation)

	child, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "child", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:data"},
		ParentDID:    &parent.DID,
	})
	require.NoError(t, err)
	assert.Equal(t, parent.DID, *child.ParentDID)
}

func TestRevokeCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	parent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "parent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:*"},
	})
	require.NoError(t, err)
	child, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "child", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:data"}, ParentDID: &parent.DID,
	})
	require.NoError(t, err)
	grandchild, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "grandchild", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:data"}, ParentDID: &child.DID,
	})
	require.NoError(t, err)

	sub := f.eventBus.Subscribe(bus.KindAgentRevoked)
	defer f.eventBus.Unsubscribe(sub)

	revoked, err := f.svc.Revoke(ctx, parent.DID, "compromised key")
	require.NoError(t, err)
	assert.Len(t, revoked, 3)
	assert.Equal(t, parent.DID, revoked[0])

	for _, did := range []string{parent.DID, child.DID, grandchild.DID} {
		got, err := f.svc.Get(ctx, did)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRevoked, got.Status)
		assert.NotNil(t, got.RevokedAt)
	}

	// Descendants carry the cascade reason, the root the original.
	gotChild, err := f.svc.Get(ctx, child.DID)
	require.NoError(t, err)
	assert.Contains(t, gotChild.RevokeReason, "cascade")

	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, bus.KindAgentRevoked, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing revocation event")
		}
	}

	assert.Equal(t, 3, f.audit.CountByType(model.EventAgentRevoked))

	// Quota slots were released: three new agents fit again.
	for i := 0; i < 3; i++ {
		_, err := f.svc.Register(ctx, identity.RegisterInput{
			Name: "replacement", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		})
		require.NoError(t, err)
	}
}

func TestRevokeTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	agent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, agent.DID, "cleanup")
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, agent.DID, "again")
	assert.ErrorIs(t, err, identity.ErrAlreadyRevoked)
}

func TestSuspendAndReactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	agent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)

	suspended, err := f.svc.Suspend(ctx, agent.DID, "anomalous traffic")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, suspended.Status)
	assert.False(t, suspended.Usable(time.Now()))

	restored, err := f.svc.Reactivate(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, restored.Status)

	_, err = f.svc.Reactivate(ctx, agent.DID)
	assert.ErrorIs(t, err, identity.ErrNotSuspended)
}

func TestReactivateRevokedFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	agent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)
	_, err = f.svc.Revoke(ctx, agent.DID, "done")
	require.NoError(t, err)

	_, err = f.svc.Reactivate(ctx, agent.DID)
	assert.ErrorIs(t, err, identity.ErrAlreadyRevoked)
}

func TestRequireVerifiedSponsor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, true)

	_, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	assert.ErrorIs(t, err, identity.ErrSponsorUnverified)

	_, err = f.svc.EnrollSponsor(ctx, identity.SponsorInput{Email: "ops@example.com", Name: "Ops"})
	require.NoError(t, err)
	_, err = f.svc.VerifySponsor(ctx, "ops@example.com", "manual")
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	assert.NoError(t, err)
}

func TestSponsorCapabilityCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	_, err := f.svc.EnrollSponsor(ctx, identity.SponsorInput{
		Email:               "ops@example.com",
		AllowedCapabilities: []string{"read:*"},
	})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"write:data"},
	})
	assert.ErrorIs(t, err, identity.ErrCapabilityEscalation)

	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "agent", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		Capabilities: []string{"read:reports"},
	})
	assert.NoError(t, err)
}

func TestExpiryTransitionsOnRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	expiry := time.Now().Add(60 * time.Millisecond)
	agent, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "ephemeral", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	got, err := f.svc.Get(ctx, agent.DID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, got.Usable(time.Now()))
	assert.Equal(t, 1, f.audit.CountByType(model.EventAgentExpired))
}

func TestListBySponsorAndActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, false)

	a, err := f.svc.Register(ctx, identity.RegisterInput{
		Name: "a", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "b", PublicKey: genKey(t), SponsorEmail: "ops@example.com",
	})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, identity.RegisterInput{
		Name: "c", PublicKey: genKey(t), SponsorEmail: "other@example.com",
	})
	require.NoError(t, err)

	mine, err := f.svc.ListBySponsor(ctx, "ops@example.com")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = f.svc.Revoke(ctx, a.DID, "cleanup")
	require.NoError(t, err)

	active, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, agent := range active {
		assert.NotEqual(t, a.DID, agent.DID)
	}
}
