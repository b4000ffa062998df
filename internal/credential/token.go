package credential

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// tokenIssuer is the iss and aud claim on every mesh credential token.
const tokenIssuer = "agentmesh"

// Claims is the JWT payload of a bearer credential. The jti claim carries the
// credential ID and the sub claim the agent DID; the stored credential record
// remains the source of truth for live status.
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"cap"`
	ResourceIDs  []string `json:"res,omitempty"`
	IssuedFor    string   `json:"issued_for,omitempty"`
}

// Signer mints and verifies EdDSA credential tokens with the mesh issuer key.
//
// Ed25519 signing is deterministic, so minting the same credential record
// twice yields the same token string. Callers rely on that to re-derive a
// bearer token from a stored record.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner loads the mesh issuer key from a PKCS#8 PEM file. An empty path
// generates an ephemeral key pair; tokens then die with the process.
func NewSigner(keyPath string) (*Signer, error) {
	if keyPath == "" {
		slog.Warn("credential: no mesh key configured, generating ephemeral issuer key (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("credential: generate issuer key: %w", err)
		}
		return &Signer{privateKey: priv, publicKey: pub}, nil
	}

	raw, err := os.ReadFile(keyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("credential: read mesh key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("credential: decode mesh key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("credential: parse mesh key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("credential: mesh key is not Ed25519")
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("credential: unexpected public key type")
	}
	return &Signer{privateKey: priv, publicKey: pub}, nil
}

// NewSignerFromKey wraps an existing private key. Used by tests and embedders
// that manage issuer key custody themselves.
func NewSignerFromKey(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("credential: issuer key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("credential: unexpected public key type")
	}
	return &Signer{privateKey: priv, publicKey: pub}, nil
}

// PublicKey returns the issuer verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.publicKey
}

// Mint signs a bearer token for the credential record.
func (s *Signer) Mint(cred *model.Credential) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        cred.CredentialID.String(),
			Subject:   cred.AgentDID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenIssuer},
			IssuedAt:  jwt.NewNumericDate(cred.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(cred.ExpiresAt),
		},
		Capabilities: cred.Capabilities.Strings(),
		ResourceIDs:  cred.ResourceIDs,
		IssuedFor:    cred.IssuedFor,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("credential: sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and expiry and returns the claims.
func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("credential: unexpected signing method: %v", token.Header["alg"])
			}
			return s.publicKey, nil
		},
		jwt.WithAudience(tokenIssuer),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("credential: parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("credential: invalid token claims")
	}
	return claims, nil
}
