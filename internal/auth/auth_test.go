package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh-ai/agentmesh/internal/auth"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/testutil"
)

func newManager(t *testing.T) *auth.Manager {
	t.Helper()
	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	m, err := auth.NewManager(store, "", time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	return m
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("amk_test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("amk_test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("amk_wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("amk_test-key-123", "not-a-phc-string")
	assert.Error(t, err)
}

func TestCreateKeyAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	key, secret, err := m.CreateKey(ctx, "ci-runner", auth.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, key.KeyID)
	assert.True(t, len(secret) > 4 && secret[:4] == "amk_")

	token, exp, err := m.Authenticate(ctx, key.KeyID, secret)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, claims.KeyID)
	assert.Equal(t, "ci-runner", claims.Name)
	assert.Equal(t, auth.RoleOperator, claims.Role)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	key, _, err := m.CreateKey(ctx, "ci-runner", auth.RoleReader)
	require.NoError(t, err)

	_, _, err = m.Authenticate(ctx, key.KeyID, "amk_wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, _, err = m.Authenticate(ctx, "no-such-key", "amk_wrong")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestDisabledKeyCannotAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	key, secret, err := m.CreateKey(ctx, "retired", auth.RoleOperator)
	require.NoError(t, err)
	require.NoError(t, m.DisableKey(ctx, key.KeyID))

	_, _, err = m.Authenticate(ctx, key.KeyID, secret)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	key, secret, err := m.CreateKey(ctx, "ci", auth.RoleReader)
	require.NoError(t, err)
	token, _, err := m.Authenticate(ctx, key.KeyID, secret)
	require.NoError(t, err)

	_, err = m.ValidateToken(token + "x")
	assert.Error(t, err)

	other := newManager(t)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestCreateKeyValidatesInput(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, _, err := m.CreateKey(ctx, "", auth.RoleReader)
	assert.Error(t, err)
	_, _, err = m.CreateKey(ctx, "x", auth.Role("root"))
	assert.Error(t, err)
}

func TestSeedAdmin(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	require.NoError(t, m.SeedAdmin(ctx, "amk_bootstrap"))

	token, _, err := m.Authenticate(ctx, "admin-seed", "amk_bootstrap")
	require.NoError(t, err)
	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, claims.Role)

	// Re-seeding with the same secret is a no-op; a new secret rotates.
	require.NoError(t, m.SeedAdmin(ctx, "amk_bootstrap"))
	require.NoError(t, m.SeedAdmin(ctx, "amk_rotated"))
	_, _, err = m.Authenticate(ctx, "admin-seed", "amk_bootstrap")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	_, _, err = m.Authenticate(ctx, "admin-seed", "amk_rotated")
	assert.NoError(t, err)

	require.NoError(t, m.SeedAdmin(ctx, ""))
}

func TestListKeysElidesSecrets(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, _, err := m.CreateKey(ctx, "a", auth.RoleReader)
	require.NoError(t, err)
	_, _, err = m.CreateKey(ctx, "b", auth.RoleAdmin)
	require.NoError(t, err)

	keys, err := m.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.Empty(t, k.SecretHash)
	}
}

func TestNewManagerLoadsKeyFromDisk(t *testing.T) {
	ctx := context.Background()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "session.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	store := storage.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	m1, err := auth.NewManager(store, path, time.Hour, testutil.TestLogger())
	require.NoError(t, err)
	m2, err := auth.NewManager(store, path, time.Hour, testutil.TestLogger())
	require.NoError(t, err)

	key, secret, err := m1.CreateKey(ctx, "shared", auth.RoleReader)
	require.NoError(t, err)
	token, _, err := m1.Authenticate(ctx, key.KeyID, secret)
	require.NoError(t, err)

	// Same key on disk, so a second manager honors the session.
	claims, err := m2.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, claims.KeyID)
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, auth.RoleAdmin.AtLeast(auth.RoleReader))
	assert.True(t, auth.RoleOperator.AtLeast(auth.RoleOperator))
	assert.False(t, auth.RoleReader.AtLeast(auth.RoleOperator))
}

func TestBearerToken(t *testing.T) {
	tok, ok := auth.BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = auth.BearerToken("abc")
	assert.False(t, ok)
	_, ok = auth.BearerToken("Basic abc")
	assert.False(t, ok)
}
