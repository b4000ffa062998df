// Package handshake implements the three-phase trust handshake between mesh
// agents.
//
// A caller issues a short-lived nonce challenge, the peer signs
// nonce || responder_did || timestamp with its identity key, and the caller
// verifies the signature against the registered public key, re-fetches the
// authoritative trust score, and intersects capabilities with its own
// requirements. Declared score and capabilities in the response are treated
// as hints only. Successful results are cached per (caller, peer) pair;
// failures never are, and a revocation of either party drops the pair.
package handshake

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

// ErrChallengeNotFound is returned when no pending challenge exists for the
// given ID. Verification maps this to a challenge_expired result; Respond
// surfaces it directly.
var ErrChallengeNotFound = errors.New("handshake: challenge not found")

const (
	nonceBytes = 32

	// Challenges are retained past their nominal expiry so a late response
	// classifies as expired rather than unknown.
	challengeRetention = 10
)

func challengeKey(id string) string { return "handshake:challenge:" + id }

func cacheKey(callerDID, peerDID string) string { return callerDID + "\x00" + peerDID }

// AgentDirectory resolves registered identities for key lookup and status.
type AgentDirectory interface {
	Get(ctx context.Context, did string) (*model.AgentIdentity, error)
}

// ScoreReader supplies the authoritative trust score for a DID.
type ScoreReader interface {
	Score(ctx context.Context, did string) (*model.TrustScore, error)
}

// Recorder receives audit entries for handshake outcomes.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// RevocationChecker answers whether a DID sits in the revocation set. The
// set's in-process mirror makes this a map read on the verification hot
// path, ahead of the registry lookup. Nil skips the check.
type RevocationChecker interface {
	IsDIDRevoked(ctx context.Context, did string) (bool, error)
}

// Requirements are the caller's conditions for trusting a peer.
type Requirements struct {
	// MinScore overrides the configured trust threshold when positive.
	MinScore int
	// Capabilities the peer must hold. Empty means none required.
	Capabilities capability.Set
}

// pendingChallenge binds an issued challenge to the pair it was issued for.
type pendingChallenge struct {
	Challenge model.HandshakeChallenge `json:"challenge"`
	CallerDID string                   `json:"caller_did"`
	PeerDID   string                   `json:"peer_did"`
}

// Service runs handshakes and caches successful results.
type Service struct {
	store       storage.Backend
	agents      AgentDirectory
	scores      ScoreReader
	revocations RevocationChecker
	eventBus    *bus.Bus
	audit       Recorder
	logger      *slog.Logger

	nonceTTL time.Duration
	cacheTTL time.Duration
	minScore int

	results *gocache.Cache

	verified  metric.Int64Counter
	failed    metric.Int64Counter
	cacheHits metric.Int64Counter
}

// New creates the handshake service. nonceTTL bounds challenge validity,
// cacheTTL bounds how long a successful result may be reused, and minScore is
// the default trust threshold applied when a verification names none.
func New(store storage.Backend, agents AgentDirectory, scores ScoreReader, revocations RevocationChecker, eventBus *bus.Bus, audit Recorder, logger *slog.Logger, nonceTTL, cacheTTL time.Duration, minScore int) *Service {
	meter := telemetry.Meter("agentmesh/handshake")
	verified, _ := meter.Int64Counter("agentmesh.handshakes.verified",
		metric.WithDescription("Handshakes verified successfully"))
	failed, _ := meter.Int64Counter("agentmesh.handshakes.failed",
		metric.WithDescription("Handshakes failed"))
	cacheHits, _ := meter.Int64Counter("agentmesh.handshakes.cache_hits",
		metric.WithDescription("Verifications served from the result cache"))

	return &Service{
		store:       store,
		agents:      agents,
		scores:      scores,
		revocations: revocations,
		eventBus:    eventBus,
		audit:     audit,
		logger:    logger,
		nonceTTL:  nonceTTL,
		cacheTTL:  cacheTTL,
		minScore:  minScore,
		results:   gocache.New(cacheTTL, cacheTTL),
		verified:  verified,
		failed:    failed,
		cacheHits: cacheHits,
	}
}

// Run drops cached results for revoked agents as revocations land on the
// bus. The TTL cache reclaims expired entries on its own.
func (s *Service) Run(ctx context.Context) {
	sub := s.eventBus.Subscribe(bus.KindAgentRevoked, bus.KindAutoRevocation)
	defer s.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if ev.AgentDID != "" {
				s.InvalidateAgent(ev.AgentDID)
			}
		}
	}
}

// Initiate opens a handshake toward peerDID: a fresh random nonce with a
// 30-second-class expiry, stored under the challenge ID so the later
// verification can bind the response to this caller/peer pair.
func (s *Service) Initiate(ctx context.Context, callerDID, peerDID, protocol string) (*model.HandshakeChallenge, error) {
	if err := model.ValidateDID(callerDID); err != nil {
		return nil, fmt.Errorf("handshake: caller: %w", err)
	}
	if err := model.ValidateDID(peerDID); err != nil {
		return nil, fmt.Errorf("handshake: peer: %w", err)
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("handshake: generate nonce: %w", err)
	}

	now := time.Now().UTC()
	challenge := model.HandshakeChallenge{
		ChallengeID: uuid.New(),
		Nonce:       nonce,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.nonceTTL),
		Protocol:    protocol,
	}
	raw, err := json.Marshal(pendingChallenge{Challenge: challenge, CallerDID: callerDID, PeerDID: peerDID})
	if err != nil {
		return nil, fmt.Errorf("handshake: marshal challenge: %w", err)
	}
	if err := s.store.Set(ctx, challengeKey(challenge.ChallengeID.String()), raw, challengeRetention*s.nonceTTL); err != nil {
		return nil, fmt.Errorf("handshake: store challenge: %w", err)
	}

	s.logger.Debug("handshake challenge issued",
		"caller", callerDID, "peer", peerDID, "challenge_id", challenge.ChallengeID, "protocol", protocol)
	return &challenge, nil
}

// Respond produces the peer's answer to a challenge for an agent whose key
// lives in the local keystore: the signature over the challenge nonce plus
// the responder's declared capabilities and score. The declarations are
// convenience hints; the verifier re-derives both from its own sources.
func (s *Service) Respond(ctx context.Context, challengeID uuid.UUID, responderDID string, keys keystore.KeyStore) (*model.HandshakeResponse, error) {
	pending, err := s.loadChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	resp := &model.HandshakeResponse{
		ChallengeID:  challengeID,
		ResponderDID: responderDID,
		Timestamp:    time.Now().UTC(),
	}
	if agent, err := s.agents.Get(ctx, responderDID); err == nil {
		resp.Capabilities = agent.Capabilities
	}
	if score, err := s.scores.Score(ctx, responderDID); err == nil {
		resp.TrustScore = score.TotalScore
	}

	sig, err := keys.Sign(ctx, responderDID, resp.SignedPayload(pending.Challenge.Nonce))
	if err != nil {
		return nil, fmt.Errorf("handshake: sign response: %w", err)
	}
	resp.Signature = keystore.EncodeSignature(sig)
	return resp, nil
}

// Verify decides whether the caller may trust the responding peer. Protocol
// failures come back as an untrusted result with a reason; only
// infrastructure faults return an error. A successful result is cached for
// the caller/peer pair until the cache TTL or a revocation of either party.
func (s *Service) Verify(ctx context.Context, callerDID string, resp *model.HandshakeResponse, req Requirements) (*model.HandshakeResult, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentmesh.agent_did", callerDID),
		attribute.String("agentmesh.peer_did", resp.ResponderDID),
	)

	minScore := req.MinScore
	if minScore <= 0 {
		minScore = s.minScore
	}

	pending, err := s.loadChallenge(ctx, resp.ChallengeID)
	if err != nil {
		if errors.Is(err, ErrChallengeNotFound) {
			return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureChallengeExpired, 0), nil
		}
		return nil, err
	}
	// The challenge is consumed by this attempt, pass or fail.
	if err := s.store.Delete(ctx, challengeKey(resp.ChallengeID.String())); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("handshake: drop challenge failed", "challenge_id", resp.ChallengeID, "error", err)
	}

	now := time.Now().UTC()
	if pending.Challenge.Expired(now) {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureChallengeExpired, 0), nil
	}
	// A challenge only binds the pair it was issued for.
	if pending.CallerDID != callerDID || pending.PeerDID != resp.ResponderDID {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureChallengeExpired, 0), nil
	}

	// Fast path: a peer in the revocation set is rejected before the
	// registry read. Lookup failures fall through to the status check.
	if s.revocations != nil {
		if revoked, err := s.revocations.IsDIDRevoked(ctx, resp.ResponderDID); err != nil {
			s.logger.Warn("revocation lookup failed", "did", resp.ResponderDID, "error", err)
		} else if revoked {
			return s.fail(ctx, callerDID, resp.ResponderDID, model.FailurePeerRevoked, 0), nil
		}
	}

	agent, err := s.agents.Get(ctx, resp.ResponderDID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return s.fail(ctx, callerDID, resp.ResponderDID, model.FailurePeerUnknown, 0), nil
		}
		return nil, fmt.Errorf("handshake: look up peer: %w", err)
	}
	if !agent.Usable(now) {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailurePeerRevoked, 0), nil
	}

	sig, err := keystore.DecodeSignature(resp.Signature)
	if err != nil {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureBadSignature, 0), nil
	}
	if !keystore.Verify(agent.PublicKey, resp.SignedPayload(pending.Challenge.Nonce), sig) {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureBadSignature, 0), nil
	}

	score, err := s.scores.Score(ctx, resp.ResponderDID)
	if err != nil {
		return nil, fmt.Errorf("handshake: fetch trust score: %w", err)
	}
	if score.TotalScore < minScore {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureTrustBelowThreshold, score.TotalScore), nil
	}

	if proto := pending.Challenge.Protocol; proto != "" && !supportsProtocol(agent.Capabilities, proto) {
		return s.fail(ctx, callerDID, resp.ResponderDID, model.FailurePeerProtocolUnsupported, score.TotalScore), nil
	}

	granted := agent.Capabilities
	if len(req.Capabilities) > 0 {
		if !req.Capabilities.SubsetOf(agent.Capabilities) {
			return s.fail(ctx, callerDID, resp.ResponderDID, model.FailureCapabilityInsufficient, score.TotalScore), nil
		}
		granted = agent.Capabilities.Intersect(req.Capabilities)
	}

	until := now.Add(s.cacheTTL)
	result := &model.HandshakeResult{
		PeerDID:      resp.ResponderDID,
		Trusted:      true,
		TrustScore:   score.TotalScore,
		Capabilities: granted,
		CachedUntil:  &until,
	}
	s.results.Set(cacheKey(callerDID, resp.ResponderDID), result, s.cacheTTL)

	s.verified.Add(ctx, 1)
	s.logger.Info("handshake verified",
		"caller", callerDID, "peer", resp.ResponderDID,
		"score", score.TotalScore, "protocol", pending.Challenge.Protocol)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventTrustHandshake,
		AgentDID:  callerDID,
		Action:    "verify",
		Outcome:   model.OutcomeSuccess,
		Data: map[string]any{
			"peer_did": resp.ResponderDID,
			"score":    score.TotalScore,
			"protocol": pending.Challenge.Protocol,
		},
	})
	return result, nil
}

// Cached returns the cached successful result for the pair, when fresh.
func (s *Service) Cached(ctx context.Context, callerDID, peerDID string) (*model.HandshakeResult, bool) {
	v, ok := s.results.Get(cacheKey(callerDID, peerDID))
	if !ok {
		return nil, false
	}
	s.cacheHits.Add(ctx, 1)
	cp := *v.(*model.HandshakeResult)
	return &cp, true
}

// Invalidate drops the cached result for one caller/peer pair.
func (s *Service) Invalidate(callerDID, peerDID string) {
	s.results.Delete(cacheKey(callerDID, peerDID))
}

// InvalidateAgent drops every cached result the DID participates in, as
// caller or peer.
func (s *Service) InvalidateAgent(did string) {
	dropped := 0
	for key := range s.results.Items() {
		caller, peer, ok := strings.Cut(key, "\x00")
		if !ok {
			continue
		}
		if caller == did || peer == did {
			s.results.Delete(key)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Debug("handshake cache invalidated", "did", did, "entries", dropped)
	}
}

func (s *Service) loadChallenge(ctx context.Context, id uuid.UUID) (*pendingChallenge, error) {
	raw, err := s.store.Get(ctx, challengeKey(id.String()))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("handshake: read challenge: %w", err)
	}
	var pending pendingChallenge
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("handshake: decode challenge: %w", err)
	}
	return &pending, nil
}

// supportsProtocol checks a declared transport against the agent's grant.
// Transports are declared as "protocol:<name>" capability tokens; an agent
// declaring none is treated as protocol-agnostic.
func supportsProtocol(caps capability.Set, proto string) bool {
	declared := false
	for _, t := range caps {
		if t.Action() == "protocol" {
			declared = true
			break
		}
	}
	if !declared {
		return true
	}
	return caps.Grants(capability.Token("protocol:" + proto))
}

func (s *Service) fail(ctx context.Context, callerDID, peerDID string, reason model.FailureReason, score int) *model.HandshakeResult {
	s.failed.Add(ctx, 1)
	s.logger.Info("handshake failed", "caller", callerDID, "peer", peerDID, "reason", reason)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventTrustHandshake,
		AgentDID:  callerDID,
		Action:    "verify",
		Outcome:   model.OutcomeDenied,
		Data: map[string]any{
			"peer_did": peerDID,
			"reason":   string(reason),
		},
	})
	return &model.HandshakeResult{PeerDID: peerDID, TrustScore: score, FailureReason: reason}
}

func (s *Service) record(ctx context.Context, entry model.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("handshake audit record failed", "event_type", entry.EventType, "error", err)
	}
}
