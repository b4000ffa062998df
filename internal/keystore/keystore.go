// Package keystore implements custody of agent signing keys.
//
// The KeyStore interface is the only component that ever touches private key
// bytes. Backends: the in-memory store (default) and anything HSM-shaped; the
// interface takes a context because hardware-backed operations may block.
package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when no key material exists for an agent.
	ErrKeyNotFound = errors.New("keystore: key not found")
	// ErrCrypto is returned on malformed key material or signing failure.
	ErrCrypto = errors.New("keystore: crypto error")
)

// KeyStore generates, holds, signs with, and destroys Ed25519 key pairs.
type KeyStore interface {
	// Generate creates a fresh keypair under agentID and returns the raw
	// 32-byte public key. Generating over an existing key replaces it.
	Generate(ctx context.Context, agentID string) (ed25519.PublicKey, error)

	// Sign signs data with the private key held for agentID.
	Sign(ctx context.Context, agentID string, data []byte) ([]byte, error)

	// PublicKey returns the public half for agentID.
	PublicKey(ctx context.Context, agentID string) (ed25519.PublicKey, error)

	// Delete destroys the key material for agentID. Deleting an absent key
	// fails with ErrKeyNotFound.
	Delete(ctx context.Context, agentID string) error
}

// Verify checks an Ed25519 signature. Verification needs only public
// material, so it lives outside the custody interface.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// EncodePublicKey renders a public key in the wire format: base64 of the raw
// 32-byte point, no ASN.1 wrapping.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the wire format produced by EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key base64: %v", ErrCrypto, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrCrypto, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeSignature renders a signature as base64 of the raw 64 bytes.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature parses the wire format produced by EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: signature base64: %v", ErrCrypto, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrCrypto, ed25519.SignatureSize, len(raw))
	}
	return raw, nil
}
