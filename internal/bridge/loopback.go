package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
)

// Handler consumes a message delivered to a locally hosted agent.
type Handler func(ctx context.Context, msg *Message) (*Response, error)

// LoopbackAdapter delivers to agents hosted in the same process. It answers
// handshake challenges itself by signing with the hosted agent's key, so a
// local agent needs a handler only for domain messages.
type LoopbackAdapter struct {
	handshakes *handshake.Service
	keys       keystore.KeyStore
	protocols  []string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopbackAdapter builds the in-process adapter. With no explicit
// protocols it claims only DefaultProtocol.
func NewLoopbackAdapter(handshakes *handshake.Service, keys keystore.KeyStore, protocols ...string) *LoopbackAdapter {
	if len(protocols) == 0 {
		protocols = []string{DefaultProtocol}
	}
	return &LoopbackAdapter{
		handshakes: handshakes,
		keys:       keys,
		protocols:  protocols,
		handlers:   make(map[string]Handler),
	}
}

func (a *LoopbackAdapter) Name() string { return "loopback" }

func (a *LoopbackAdapter) Protocols() []string { return a.protocols }

// Host attaches a message handler for a locally hosted DID.
func (a *LoopbackAdapter) Host(did string, h Handler) {
	a.mu.Lock()
	a.handlers[did] = h
	a.mu.Unlock()
}

// VerifyPeerIdentity checks that the peer's signing key is hosted here.
func (a *LoopbackAdapter) VerifyPeerIdentity(ctx context.Context, peer PeerInfo) error {
	if _, err := a.keys.PublicKey(ctx, peer.DID); err != nil {
		return fmt.Errorf("bridge: peer %s not hosted locally: %w", peer.DID, err)
	}
	return nil
}

// Send delivers in-process. Handshake challenges are answered with the hosted
// key; everything else goes to the peer's handler.
func (a *LoopbackAdapter) Send(ctx context.Context, peer PeerInfo, msg *Message) (*Response, error) {
	if msg.Type == MessageTypeHandshake {
		return a.answerChallenge(ctx, peer, msg)
	}
	a.mu.RLock()
	h, ok := a.handlers[peer.DID]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bridge: no local handler for %s", peer.DID)
	}
	return h(ctx, msg)
}

func (a *LoopbackAdapter) answerChallenge(ctx context.Context, peer PeerInfo, msg *Message) (*Response, error) {
	var challenge model.HandshakeChallenge
	if err := json.Unmarshal(msg.Payload, &challenge); err != nil {
		return nil, fmt.Errorf("bridge: decode challenge: %w", err)
	}
	resp, err := a.handshakes.Respond(ctx, challenge.ChallengeID, peer.DID, a.keys)
	if err != nil {
		return nil, fmt.Errorf("bridge: answer challenge for %s: %w", peer.DID, err)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode handshake response: %w", err)
	}
	return &Response{Payload: payload}, nil
}
