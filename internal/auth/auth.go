// Package auth provides control-plane authentication for the mesh: managed
// API keys hashed with Argon2id and short-lived Ed25519-signed session JWTs.
//
// This guards the operator HTTP surface only. Agent-to-agent trust is the
// handshake protocol's job and never passes through here.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// Role is an operator principal's access level on the control plane.
type Role string

const (
	// RoleAdmin may revoke identities, rewrite weights, acknowledge
	// integrity failures, and manage API keys.
	RoleAdmin Role = "admin"
	// RoleOperator may register agents, issue credentials, and drive
	// handshakes, but not perform destructive administration.
	RoleOperator Role = "operator"
	// RoleReader has read-only access to scores, audit, and reports.
	RoleReader Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleReader
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	rank := map[Role]int{RoleReader: 1, RoleOperator: 2, RoleAdmin: 3}
	return rank[r] >= rank[min]
}

// ErrInvalidCredentials is returned for any authentication failure. The
// cause (unknown key, bad secret, disabled key) is deliberately not leaked.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// APIKey is a managed control-plane key record. The secret itself is never
// stored; only its Argon2id hash.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	Role       Role       `json:"role"`
	SecretHash string     `json:"secret_hash"`
	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

func apiKeyKey(keyID string) string { return "authkey:" + keyID }

// Claims extends jwt.RegisteredClaims with the mesh principal fields.
type Claims struct {
	jwt.RegisteredClaims
	KeyID string `json:"key_id"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

// Manager owns API key records and session token issuance.
type Manager struct {
	store      storage.Backend
	logger     *slog.Logger
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	sessionTTL time.Duration
}

// NewManager creates an auth manager. keyPath points to a PKCS#8 PEM
// Ed25519 private key for session signing; empty generates an ephemeral key,
// which means sessions do not survive a restart.
func NewManager(store storage.Backend, keyPath string, sessionTTL time.Duration, logger *slog.Logger) (*Manager, error) {
	var priv ed25519.PrivateKey
	if keyPath == "" {
		logger.Warn("auth: no session key configured, generating ephemeral key pair (not for production)")
		var err error
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
	} else {
		raw, err := os.ReadFile(keyPath) //nolint:gosec // path comes from validated config, not user input
		if err != nil {
			return nil, fmt.Errorf("auth: read session key: %w", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, fmt.Errorf("auth: decode session key PEM")
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parse session key: %w", err)
		}
		edPriv, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("auth: session key is not Ed25519")
		}
		priv = edPriv
	}

	return &Manager{
		store:      store,
		logger:     logger,
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
		sessionTTL: sessionTTL,
	}, nil
}

// CreateKey mints a new API key and returns the record plus the one-time
// plaintext secret. The secret is not recoverable afterwards.
func (m *Manager) CreateKey(ctx context.Context, name string, role Role) (*APIKey, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("auth: key name is required")
	}
	if !role.Valid() {
		return nil, "", fmt.Errorf("auth: unknown role %q", role)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("auth: generate secret: %w", err)
	}
	secret := "amk_" + base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := HashAPIKey(secret)
	if err != nil {
		return nil, "", err
	}

	key := &APIKey{
		KeyID:      uuid.New().String(),
		Name:       name,
		Role:       role,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.putKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, secret, nil
}

// DisableKey marks an API key unusable. Existing sessions expire naturally.
func (m *Manager) DisableKey(ctx context.Context, keyID string) error {
	key, err := m.getKey(ctx, keyID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	key.DisabledAt = &now
	return m.putKey(ctx, key)
}

// ListKeys returns every key record with secrets elided.
func (m *Manager) ListKeys(ctx context.Context) ([]APIKey, error) {
	keys, err := m.store.Scan(ctx, "authkey:")
	if err != nil {
		return nil, fmt.Errorf("auth: scan keys: %w", err)
	}
	out := make([]APIKey, 0, len(keys))
	for _, k := range keys {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("auth: load key: %w", err)
		}
		var rec APIKey
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("auth: decode key: %w", err)
		}
		rec.SecretHash = ""
		out = append(out, rec)
	}
	return out, nil
}

// Authenticate verifies a key ID + secret pair and issues a session JWT.
// Unknown IDs burn a dummy hash so timing does not reveal key existence.
func (m *Manager) Authenticate(ctx context.Context, keyID, secret string) (string, time.Time, error) {
	key, err := m.getKey(ctx, keyID)
	if err != nil {
		DummyVerify()
		return "", time.Time{}, ErrInvalidCredentials
	}
	if key.DisabledAt != nil {
		DummyVerify()
		return "", time.Time{}, ErrInvalidCredentials
	}
	ok, err := VerifyAPIKey(secret, key.SecretHash)
	if err != nil || !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return m.issueSession(key)
}

// SeedAdmin ensures a bootstrap admin key exists for the configured secret.
// A no-op when the secret is empty or the seed key already matches.
func (m *Manager) SeedAdmin(ctx context.Context, secret string) error {
	if secret == "" {
		m.logger.Warn("auth: no admin API key configured, control plane has no bootstrap principal")
		return nil
	}
	const seedID = "admin-seed"
	if existing, err := m.getKey(ctx, seedID); err == nil {
		if ok, _ := VerifyAPIKey(secret, existing.SecretHash); ok && existing.DisabledAt == nil {
			return nil
		}
	}
	hash, err := HashAPIKey(secret)
	if err != nil {
		return err
	}
	key := &APIKey{
		KeyID:      seedID,
		Name:       "bootstrap admin",
		Role:       RoleAdmin,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.putKey(ctx, key); err != nil {
		return err
	}
	m.logger.Info("auth: seeded bootstrap admin key", "key_id", seedID)
	return nil
}

// issueSession creates a signed JWT for the key's principal.
func (m *Manager) issueSession(key *APIKey) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.sessionTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key.KeyID,
			Issuer:    "agentmesh",
			Audience:  jwt.ClaimStrings{"agentmesh"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		KeyID: key.KeyID,
		Name:  key.Name,
		Role:  key.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a session JWT, returning the claims.
func (m *Manager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("agentmesh"),
		jwt.WithIssuer("agentmesh"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate session: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid session claims")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func (m *Manager) getKey(ctx context.Context, keyID string) (*APIKey, error) {
	raw, err := m.store.Get(ctx, apiKeyKey(keyID))
	if err != nil {
		return nil, fmt.Errorf("auth: load key: %w", err)
	}
	var key APIKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("auth: decode key: %w", err)
	}
	return &key, nil
}

func (m *Manager) putKey(ctx context.Context, key *APIKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("auth: encode key: %w", err)
	}
	if err := m.store.Set(ctx, apiKeyKey(key.KeyID), raw, 0); err != nil {
		return fmt.Errorf("auth: persist key: %w", err)
	}
	return nil
}
