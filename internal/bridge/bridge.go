// Package bridge routes messages between mesh agents across pluggable
// protocol adapters.
//
// The bridge never forwards blind: a message to a peer requires a fresh
// successful handshake, passes the policy engine when one is wired, and is
// delivered in order per caller/peer pair. Adapters declare the transports
// they speak; the bridge picks one by protocol and translates the envelope
// when the source and target dialects differ. Payload grammars belong to the
// adapters.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

var (
	// ErrHandshakeRequired is returned when a message is sent to a peer
	// without a fresh successful handshake.
	ErrHandshakeRequired = errors.New("bridge: no fresh successful handshake with peer")
	// ErrNoAdapter is returned when no registered adapter speaks the
	// requested protocol.
	ErrNoAdapter = errors.New("bridge: no adapter for protocol")
	// ErrMessageBlocked is returned when the policy engine denies a send.
	ErrMessageBlocked = errors.New("bridge: message blocked by policy")
)

const (
	// MessageTypeHandshake is the reserved message type carrying a handshake
	// challenge to the peer; the response payload is the signed answer.
	MessageTypeHandshake = "handshake.challenge"

	// HeaderSourceProtocol records the original dialect on a translated
	// message.
	HeaderSourceProtocol = "x-agentmesh-source-protocol"

	// DefaultProtocol is assumed when neither the call nor the peer
	// registration names a transport.
	DefaultProtocol = "loopback"

	journalKept = 200
)

func journalKey(callerDID, peerDID string) string {
	return "bridge:log:" + callerDID + "\x00" + peerDID
}

// PeerInfo describes the remote endpoint an adapter delivers to.
type PeerInfo struct {
	DID      string            `json:"did"`
	Endpoint string            `json:"endpoint,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Message is the protocol-neutral envelope the bridge routes. Payload bytes
// are opaque to the bridge.
type Message struct {
	ID       uuid.UUID         `json:"id"`
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	SentAt   time.Time         `json:"sent_at,omitzero"`
}

// Response is the peer's answer to a delivered message.
type Response struct {
	Payload json.RawMessage   `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Adapter is one pluggable transport. Implementations verify who is on the
// other end, deliver messages, and declare which protocols they speak.
type Adapter interface {
	Name() string
	Protocols() []string
	VerifyPeerIdentity(ctx context.Context, peer PeerInfo) error
	Send(ctx context.Context, peer PeerInfo, msg *Message) (*Response, error)
}

// TrustReader is the scoring view the bridge consumes: per-agent scores for
// policy context and the ranked listing behind get_trusted_peers.
type TrustReader interface {
	Score(ctx context.Context, did string) (*model.TrustScore, error)
	TrustedPeers(ctx context.Context, minScore int) ([]reward.RankedAgent, error)
}

// SignalSink receives behavior signals the bridge emits, such as a caller
// withdrawing trust from a peer.
type SignalSink interface {
	Signal(ctx context.Context, did string, sig model.RewardSignal) (*model.TrustScore, error)
}

// Evaluator is the policy gate applied to outbound messages.
type Evaluator interface {
	Evaluate(ctx context.Context, agentDID string, pctx model.PolicyContext) *model.PolicyDecision
}

// Recorder receives audit entries for bridge activity.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// DeliveryRecord is one journaled delivery for a caller/peer pair.
type DeliveryRecord struct {
	MessageID      uuid.UUID `json:"message_id"`
	Type           string    `json:"type"`
	SourceProtocol string    `json:"source_protocol"`
	TargetProtocol string    `json:"target_protocol"`
	At             time.Time `json:"at"`
}

// Service is the protocol bridge.
type Service struct {
	store      storage.Backend
	handshakes *handshake.Service
	trust      TrustReader
	signals    SignalSink
	policies   Evaluator
	audit      Recorder
	logger     *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
	peers    map[string]PeerInfo

	locks stripedLocks

	sent    metric.Int64Counter
	blocked metric.Int64Counter
}

// New creates the bridge. signals and policies may be nil, which disables
// trust-revocation feedback and the outbound policy gate respectively.
// Policy-blocked sends surface on the event bus through the policy engine's
// own violation events.
func New(store storage.Backend, handshakes *handshake.Service, trust TrustReader, signals SignalSink, policies Evaluator, audit Recorder, logger *slog.Logger) *Service {
	meter := telemetry.Meter("agentmesh/bridge")
	sent, _ := meter.Int64Counter("agentmesh.bridge.messages_sent",
		metric.WithDescription("Messages delivered to peers"))
	blocked, _ := meter.Int64Counter("agentmesh.bridge.messages_blocked",
		metric.WithDescription("Messages denied by policy"))

	return &Service{
		store:      store,
		handshakes: handshakes,
		trust:      trust,
		signals:    signals,
		policies:   policies,
		audit:      audit,
		logger:     logger,
		adapters:   make(map[string]Adapter),
		peers:      make(map[string]PeerInfo),
		sent:       sent,
		blocked:    blocked,
	}
}

// RegisterAdapter installs an adapter for every protocol it declares.
// Registration happens once at startup; a later adapter claiming the same
// protocol replaces the earlier one.
func (s *Service) RegisterAdapter(a Adapter) {
	s.mu.Lock()
	for _, proto := range a.Protocols() {
		s.adapters[proto] = a
	}
	s.mu.Unlock()
	s.logger.Info("bridge adapter registered", "adapter", a.Name(), "protocols", a.Protocols())
}

// RegisterPeer records endpoint details for a DID so later sends can resolve
// them.
func (s *Service) RegisterPeer(info PeerInfo) {
	s.mu.Lock()
	s.peers[info.DID] = info
	s.mu.Unlock()
}

// VerifyPeer establishes trust with a peer, serving from the handshake cache
// when a fresh result exists and otherwise driving the full challenge round
// over the peer's transport.
func (s *Service) VerifyPeer(ctx context.Context, callerDID, peerDID, protocol string, req handshake.Requirements) (*model.HandshakeResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentmesh.agent_did", callerDID),
		attribute.String("agentmesh.peer_did", peerDID),
	)

	if cached, ok := s.handshakes.Cached(ctx, callerDID, peerDID); ok && cached.Trusted {
		return cached, nil
	}

	info, proto := s.resolvePeer(peerDID, protocol)
	adapter, ok := s.adapterFor(proto)
	if !ok {
		return s.fail(ctx, callerDID, peerDID, model.FailurePeerProtocolUnsupported), nil
	}
	if err := adapter.VerifyPeerIdentity(ctx, info); err != nil {
		s.logger.Info("bridge: peer identity verification failed",
			"caller", callerDID, "peer", peerDID, "adapter", adapter.Name(), "error", err)
		return s.fail(ctx, callerDID, peerDID, model.FailurePeerUnknown), nil
	}

	challenge, err := s.handshakes.Initiate(ctx, callerDID, peerDID, proto)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal challenge: %w", err)
	}
	wire, err := adapter.Send(ctx, info, &Message{
		ID:       uuid.New(),
		Type:     MessageTypeHandshake,
		Payload:  payload,
		Protocol: proto,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: deliver challenge to %s: %w", peerDID, err)
	}
	var resp model.HandshakeResponse
	if err := json.Unmarshal(wire.Payload, &resp); err != nil {
		s.logger.Info("bridge: malformed handshake response",
			"caller", callerDID, "peer", peerDID, "error", err)
		return s.fail(ctx, callerDID, peerDID, model.FailureBadSignature), nil
	}

	return s.handshakes.Verify(ctx, callerDID, &resp, req)
}

// SendMessage delivers a message to a peer. The pair must hold a fresh
// successful handshake; the policy engine may still block the send. Messages
// to the same pair are delivered in the order they are accepted.
func (s *Service) SendMessage(ctx context.Context, callerDID, peerDID string, msg *Message, sourceProtocol, targetProtocol string) (*Response, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentmesh.agent_did", callerDID),
		attribute.String("agentmesh.peer_did", peerDID),
	)

	cached, ok := s.handshakes.Cached(ctx, callerDID, peerDID)
	if !ok || !cached.Trusted {
		return nil, ErrHandshakeRequired
	}

	target := targetProtocol
	if target == "" {
		target = sourceProtocol
	}
	info, target := s.resolveTarget(peerDID, target)
	adapter, ok := s.adapterFor(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, target)
	}

	if s.policies != nil {
		if err := s.gate(ctx, callerDID, peerDID, msg, sourceProtocol, target); err != nil {
			return nil, err
		}
	}

	var out *Message
	if sourceProtocol != target {
		out = translate(msg, sourceProtocol, target)
	} else {
		cp := *msg
		cp.Protocol = target
		out = &cp
	}
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.SentAt.IsZero() {
		out.SentAt = time.Now().UTC()
	}

	// Per-pair serialization gives the FIFO delivery guarantee.
	unlock := s.locks.lock(callerDID + "\x00" + peerDID)
	defer unlock()

	resp, err := adapter.Send(ctx, info, out)
	if err != nil {
		return nil, fmt.Errorf("bridge: send to %s: %w", peerDID, err)
	}
	s.journal(ctx, callerDID, peerDID, out, sourceProtocol, target)

	s.sent.Add(ctx, 1)
	s.logger.Debug("message delivered",
		"caller", callerDID, "peer", peerDID, "type", out.Type,
		"source_protocol", sourceProtocol, "target_protocol", target)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventMessageSent,
		AgentDID:  callerDID,
		Action:    "send_message",
		Resource:  peerDID,
		Outcome:   model.OutcomeSuccess,
		Data: map[string]any{
			"message_id":      out.ID.String(),
			"type":            out.Type,
			"source_protocol": sourceProtocol,
			"target_protocol": target,
		},
	})
	return resp, nil
}

// TrustedPeers lists agents at or above minScore, best first.
func (s *Service) TrustedPeers(ctx context.Context, minScore int) ([]reward.RankedAgent, error) {
	return s.trust.TrustedPeers(ctx, minScore)
}

// RevokePeerTrust withdraws the caller's trust in a peer: cached handshakes
// for the pair are dropped in both directions and a negative collaboration
// signal is reported.
func (s *Service) RevokePeerTrust(ctx context.Context, callerDID, peerDID, reason string) error {
	s.handshakes.Invalidate(callerDID, peerDID)
	s.handshakes.Invalidate(peerDID, callerDID)

	if s.signals != nil {
		_, err := s.signals.Signal(ctx, peerDID, model.RewardSignal{
			Dimension: model.DimensionCollaborationHealth,
			Value:     0.2,
			Source:    "bridge",
			Details:   map[string]string{"reason": reason, "reported_by": callerDID},
		})
		if err != nil {
			s.logger.Debug("bridge: collaboration signal not applied", "peer", peerDID, "error", err)
		}
	}

	s.logger.Info("peer trust revoked", "caller", callerDID, "peer", peerDID, "reason", reason)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventPeerTrustRevoked,
		AgentDID:  callerDID,
		Action:    "revoke_peer_trust",
		Resource:  peerDID,
		Outcome:   model.OutcomeSuccess,
		Data:      map[string]any{"peer_did": peerDID, "reason": reason},
	})
	return nil
}

// History returns the most recent deliveries for the pair, oldest first.
func (s *Service) History(ctx context.Context, callerDID, peerDID string, n int) ([]DeliveryRecord, error) {
	if n <= 0 || n > journalKept {
		n = journalKept
	}
	raws, err := s.store.LRange(ctx, journalKey(callerDID, peerDID), int64(-n), -1)
	if err != nil {
		return nil, fmt.Errorf("bridge: read delivery journal: %w", err)
	}
	out := make([]DeliveryRecord, 0, len(raws))
	for _, raw := range raws {
		var rec DeliveryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Warn("corrupt delivery journal entry", "caller", callerDID, "peer", peerDID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// gate runs the outbound policy check. The caller's authoritative score is
// attached so score-conditioned policies see the real value.
func (s *Service) gate(ctx context.Context, callerDID, peerDID string, msg *Message, source, target string) error {
	view := model.AgentPolicyView{DID: callerDID}
	if score, err := s.trust.Score(ctx, callerDID); err == nil {
		view.TrustScore = score.TotalScore
		view.Tier = string(score.Tier)
	} else {
		s.logger.Warn("bridge: score lookup failed, policy sees zero", "caller", callerDID, "error", err)
	}

	dec := s.policies.Evaluate(ctx, callerDID, model.PolicyContext{
		Action: model.ActionContext{
			Type: "message_send",
			Tool: msg.Type,
			Args: map[string]string{
				"peer_did":        peerDID,
				"source_protocol": source,
				"target_protocol": target,
			},
		},
		Resource: peerDID,
		Agent:    view,
	})
	if dec.Allowed {
		return nil
	}

	s.blocked.Add(ctx, 1)
	s.logger.Info("message blocked by policy",
		"caller", callerDID, "peer", peerDID, "policy", dec.PolicyName, "rule", dec.RuleName)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventMessageBlocked,
		AgentDID:  callerDID,
		Action:    "send_message",
		Resource:  peerDID,
		Outcome:   model.OutcomeDenied,
		Data: map[string]any{
			"policy":  dec.PolicyName,
			"rule":    dec.RuleName,
			"verdict": string(dec.Verdict),
			"reason":  dec.Reason,
		},
	})
	return fmt.Errorf("%w: %s", ErrMessageBlocked, dec.Reason)
}

func (s *Service) journal(ctx context.Context, callerDID, peerDID string, msg *Message, source, target string) {
	raw, err := json.Marshal(DeliveryRecord{
		MessageID:      msg.ID,
		Type:           msg.Type,
		SourceProtocol: source,
		TargetProtocol: target,
		At:             time.Now().UTC(),
	})
	if err != nil {
		return
	}
	key := journalKey(callerDID, peerDID)
	if err := s.store.RPush(ctx, key, raw); err != nil {
		s.logger.Warn("delivery journal append failed", "caller", callerDID, "peer", peerDID, "error", err)
		return
	}
	if err := s.store.LTrim(ctx, key, -journalKept, -1); err != nil {
		s.logger.Warn("delivery journal trim failed", "caller", callerDID, "peer", peerDID, "error", err)
	}
}

// resolvePeer merges registered endpoint details with the requested protocol
// for the handshake leg.
func (s *Service) resolvePeer(peerDID, protocol string) (PeerInfo, string) {
	s.mu.RLock()
	info, ok := s.peers[peerDID]
	s.mu.RUnlock()
	if !ok {
		info = PeerInfo{DID: peerDID}
	}
	proto := protocol
	if proto == "" {
		proto = info.Protocol
	}
	if proto == "" {
		proto = DefaultProtocol
	}
	info.Protocol = proto
	return info, proto
}

// resolveTarget is resolvePeer for the delivery leg, where the target
// protocol wins over the peer registration.
func (s *Service) resolveTarget(peerDID, target string) (PeerInfo, string) {
	return s.resolvePeer(peerDID, target)
}

func (s *Service) adapterFor(protocol string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[protocol]
	return a, ok
}

func (s *Service) fail(ctx context.Context, callerDID, peerDID string, reason model.FailureReason) *model.HandshakeResult {
	s.record(ctx, model.AuditEntry{
		EventType: model.EventTrustHandshake,
		AgentDID:  callerDID,
		Action:    "verify",
		Outcome:   model.OutcomeDenied,
		Data: map[string]any{
			"peer_did": peerDID,
			"reason":   string(reason),
			"stage":    "bridge",
		},
	})
	return &model.HandshakeResult{PeerDID: peerDID, FailureReason: reason}
}

func (s *Service) record(ctx context.Context, entry model.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("bridge audit record failed", "event_type", entry.EventType, "error", err)
	}
}

// translate re-frames a message for the target dialect: the envelope protocol
// flips and the original dialect rides along in a header. Payload conversion
// is the receiving adapter's concern.
func translate(msg *Message, source, target string) *Message {
	out := *msg
	out.Protocol = target
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderSourceProtocol] = source
	out.Headers = headers
	return &out
}

// stripedLocks serializes work per key while keeping distinct keys parallel.
type stripedLocks struct {
	mus [64]sync.Mutex
}

func (l *stripedLocks) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.mus[h.Sum32()%uint32(len(l.mus))]
	mu.Lock()
	return mu.Unlock
}
