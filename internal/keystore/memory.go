package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// MemoryKeyStore holds private keys in process memory. Keys do not survive a
// restart; production deployments that need durable custody plug in an
// HSM-shaped implementation instead.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewMemoryKeyStore creates an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]ed25519.PrivateKey)}
}

// Generate creates and stores a fresh Ed25519 keypair for agentID.
func (s *MemoryKeyStore) Generate(_ context.Context, agentID string) (ed25519.PublicKey, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: empty agent id", ErrCrypto)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrCrypto, err)
	}

	s.mu.Lock()
	s.keys[agentID] = priv
	s.mu.Unlock()

	return pub, nil
}

// Sign signs data with the private key held for agentID.
func (s *MemoryKeyStore) Sign(_ context.Context, agentID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, agentID)
	}
	return ed25519.Sign(priv, data), nil
}

// PublicKey returns the public half for agentID.
func (s *MemoryKeyStore) PublicKey(_ context.Context, agentID string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	priv, ok := s.keys[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, agentID)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected public key type", ErrCrypto)
	}
	return pub, nil
}

// Delete destroys the key material for agentID.
func (s *MemoryKeyStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, agentID)
	}
	delete(s.keys, agentID)
	return nil
}

// Import installs existing private key material under agentID. Used by the
// responder side of handshake tests and by agents that bring their own keys.
func (s *MemoryKeyStore) Import(_ context.Context, agentID string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return fmt.Errorf("%w: private key must be %d bytes, got %d", ErrCrypto, ed25519.PrivateKeySize, len(priv))
	}
	s.mu.Lock()
	s.keys[agentID] = priv
	s.mu.Unlock()
	return nil
}
