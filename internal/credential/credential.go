// Package credential implements the ephemeral bearer credential manager:
// issuance scoped to an agent's capability grant, validation against the
// stored record, threshold-driven rotation with overlap, and revocation
// wired to the mesh event bus.
//
// Issuance and rotation are serialized per agent DID over striped locks so
// concurrent requests for one agent cannot double-issue or double-rotate
// while requests for different agents proceed in parallel.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

var (
	// ErrInvalidCredential is returned when a credential is unknown, expired,
	// revoked, or fails token verification.
	ErrInvalidCredential = errors.New("credential: invalid credential")
	// ErrCapabilityEscalation is returned when the requested scope exceeds
	// the agent's registered capabilities.
	ErrCapabilityEscalation = errors.New("credential: requested capabilities exceed agent grant")
	// ErrInvalidTTL is returned when the requested lifetime is non-positive
	// or exceeds the configured maximum.
	ErrInvalidTTL = errors.New("credential: invalid ttl")
	// ErrAgentNotUsable is returned when the subject agent is not active.
	ErrAgentNotUsable = errors.New("credential: agent is not active")
	// ErrAlreadyRevoked is returned when revoking a revoked credential.
	ErrAlreadyRevoked = errors.New("credential: already revoked")
)

// recordGrace keeps credential records readable after expiry for audit and
// debugging before storage reclaims them.
const recordGrace = 24 * time.Hour

// AgentDirectory is the registry view the manager needs: current status and
// capability grant per agent.
type AgentDirectory interface {
	Get(ctx context.Context, did string) (*model.AgentIdentity, error)
}

// Recorder receives audit entries for credential lifecycle events.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// RevocationChecker is the fast revocation lookup consulted during
// validation, before the stored record. The set answers from an in-process
// mirror, so a revoked credential is rejected without a record or registry
// read. Nil disables the fast path; the record and agent status checks
// still catch revocations.
type RevocationChecker interface {
	IsDIDRevoked(ctx context.Context, did string) (bool, error)
	IsCredentialRevoked(ctx context.Context, credentialID string) (bool, error)
}

// Service issues, validates, rotates, and revokes bearer credentials.
type Service struct {
	store       storage.Backend
	signer      *Signer
	agents      AgentDirectory
	revocations RevocationChecker
	eventBus    *bus.Bus
	audit       Recorder
	logger      *slog.Logger

	maxTTL          time.Duration
	rotateThreshold float64
	sweepInterval   time.Duration

	locks stripedLocks

	issued  metric.Int64Counter
	rotated metric.Int64Counter
	revoked metric.Int64Counter
}

// New creates a credential manager. rotateThreshold is the fraction of a
// credential's lifetime remaining at which rotation becomes due.
func New(store storage.Backend, signer *Signer, agents AgentDirectory, revocations RevocationChecker, eventBus *bus.Bus, audit Recorder, logger *slog.Logger, maxTTL time.Duration, rotateThreshold float64, sweepInterval time.Duration) *Service {
	meter := telemetry.Meter("agentmesh/credential")
	issued, _ := meter.Int64Counter("agentmesh.credentials.issued",
		metric.WithDescription("Credentials issued, rotations included"))
	rotated, _ := meter.Int64Counter("agentmesh.credentials.rotated",
		metric.WithDescription("Credential rotations performed"))
	revoked, _ := meter.Int64Counter("agentmesh.credentials.revoked",
		metric.WithDescription("Credentials revoked"))

	return &Service{
		store:           store,
		signer:          signer,
		agents:          agents,
		revocations:     revocations,
		eventBus:        eventBus,
		audit:           audit,
		logger:          logger,
		maxTTL:          maxTTL,
		rotateThreshold: rotateThreshold,
		sweepInterval:   sweepInterval,
		issued:          issued,
		rotated:         rotated,
		revoked:         revoked,
	}
}

func credKey(id uuid.UUID) string     { return "cred:rec:" + id.String() }
func agentCredsKey(did string) string { return "cred:agent:" + did }

// rotationDueKey is the sorted set of active credential IDs scored by the
// unix second their rotation window opens.
const rotationDueKey = "cred:rotation:due"

// IssueInput carries the parameters of an issuance request.
type IssueInput struct {
	AgentDID     string
	Capabilities []string // empty issues the agent's full grant
	ResourceIDs  []string
	TTL          time.Duration // zero uses the configured maximum
	IssuedFor    string
}

// Issue creates a credential for an active agent. The requested scope must
// be a subset of the agent's registered capabilities and the TTL within the
// configured maximum. The returned credential carries the bearer token.
func (s *Service) Issue(ctx context.Context, input IssueInput) (*model.Credential, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("agentmesh.agent_did", input.AgentDID))

	// 1. Validate the request shape.
	if err := model.ValidateDID(input.AgentDID); err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	ttl := input.TTL
	if ttl == 0 {
		ttl = s.maxTTL
	}
	if ttl < 0 || ttl > s.maxTTL {
		return nil, fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidTTL, ttl, s.maxTTL)
	}

	// 2. The agent must be active and the scope within its grant.
	agent, err := s.agents.Get(ctx, input.AgentDID)
	if err != nil {
		return nil, fmt.Errorf("credential: lookup agent: %w", err)
	}
	now := time.Now().UTC()
	if !agent.Usable(now) {
		return nil, fmt.Errorf("%w: status %s", ErrAgentNotUsable, agent.Status)
	}

	caps := agent.Capabilities
	if len(input.Capabilities) > 0 {
		caps, err = capability.ParseSet(input.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("credential: %w", err)
		}
		if !caps.SubsetOf(agent.Capabilities) {
			return nil, ErrCapabilityEscalation
		}
	}

	unlock := s.locks.lock(input.AgentDID)
	defer unlock()

	// 3. Build, sign, persist.
	cred := &model.Credential{
		CredentialID: uuid.New(),
		AgentDID:     input.AgentDID,
		Capabilities: caps.Normalize(),
		ResourceIDs:  input.ResourceIDs,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Status:       model.CredentialActive,
		IssuedFor:    input.IssuedFor,
	}
	token, err := s.signer.Mint(cred)
	if err != nil {
		return nil, err
	}
	if err := s.persistNew(ctx, cred, nil); err != nil {
		return nil, err
	}

	s.issued.Add(ctx, 1)
	s.logger.Info("credential issued",
		"credential_id", cred.CredentialID, "did", cred.AgentDID, "ttl", ttl, "issued_for", cred.IssuedFor)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventCredentialIssued,
		AgentDID:  cred.AgentDID,
		Action:    "issue",
		Resource:  cred.CredentialID.String(),
		Data: map[string]any{
			"capabilities": cred.Capabilities.Strings(),
			"expires_at":   cred.ExpiresAt.Format(time.RFC3339Nano),
			"issued_for":   cred.IssuedFor,
		},
		Outcome: model.OutcomeSuccess,
	})

	out := *cred
	out.Token = token
	return &out, nil
}

// Validate verifies a bearer token end to end: signature and expiry on the
// token, then live status on the stored record and on the subject agent.
func (s *Service) Validate(ctx context.Context, bearerToken string) (*model.Credential, error) {
	claims, err := s.signer.Parse(bearerToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed credential id", ErrInvalidCredential)
	}

	// Fast path: the revocation set answers from its mirror before any
	// record load. Lookup failures fall through to the authoritative
	// status checks below.
	if s.revocations != nil {
		if revoked, err := s.revocations.IsCredentialRevoked(ctx, claims.ID); err != nil {
			s.logger.Warn("revocation lookup failed", "credential_id", claims.ID, "error", err)
		} else if revoked {
			return nil, fmt.Errorf("%w: revoked", ErrInvalidCredential)
		}
		if revoked, err := s.revocations.IsDIDRevoked(ctx, claims.Subject); err != nil {
			s.logger.Warn("revocation lookup failed", "did", claims.Subject, "error", err)
		} else if revoked {
			return nil, fmt.Errorf("%w: agent revoked", ErrInvalidCredential)
		}
	}

	cred, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown credential", ErrInvalidCredential)
		}
		return nil, err
	}
	if cred.AgentDID != claims.Subject {
		return nil, fmt.Errorf("%w: token subject does not match record", ErrInvalidCredential)
	}

	now := time.Now().UTC()
	if !cred.ValidAt(now) {
		return nil, fmt.Errorf("%w: status %s", ErrInvalidCredential, cred.Status)
	}

	agent, err := s.agents.Get(ctx, cred.AgentDID)
	if err != nil {
		return nil, fmt.Errorf("%w: agent lookup failed", ErrInvalidCredential)
	}
	if !agent.Usable(now) {
		return nil, fmt.Errorf("%w: agent status %s", ErrInvalidCredential, agent.Status)
	}
	return cred, nil
}

// Get returns the stored credential record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	cred, err := s.get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown credential", ErrInvalidCredential)
		}
		return nil, err
	}
	return cred, nil
}

// RotateIfNeeded rotates the credential when its rotation window has opened:
// the predecessor keeps status "rotated" and stays valid through its original
// expiry while the successor carries identical scope on a fresh lifetime.
// Outside the window it returns the credential unchanged. Called on a rotated
// predecessor it follows the forward pointer and returns the live successor.
// The returned credential always carries its bearer token.
func (s *Service) RotateIfNeeded(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	cred, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(cred.AgentDID)
	defer unlock()

	// Reload under the lock; another caller may have won the rotation.
	cred, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch cred.Status {
	case model.CredentialRevoked:
		return nil, fmt.Errorf("%w: status revoked", ErrInvalidCredential)
	case model.CredentialRotated:
		if cred.RotatedTo == nil {
			return nil, fmt.Errorf("%w: rotated with no successor", ErrInvalidCredential)
		}
		return s.withToken(ctx, *cred.RotatedTo)
	}
	if !now.Before(cred.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired", ErrInvalidCredential)
	}

	agent, err := s.agents.Get(ctx, cred.AgentDID)
	if err != nil {
		return nil, fmt.Errorf("credential: lookup agent: %w", err)
	}
	if !agent.Usable(now) {
		return nil, fmt.Errorf("%w: status %s", ErrAgentNotUsable, agent.Status)
	}

	if now.Before(s.rotateAt(cred)) {
		return s.attachToken(cred)
	}

	// Rotation window open: cut the successor with identical scope.
	ttl := cred.ExpiresAt.Sub(cred.IssuedAt)
	successor := &model.Credential{
		CredentialID: uuid.New(),
		AgentDID:     cred.AgentDID,
		Capabilities: cred.Capabilities,
		ResourceIDs:  cred.ResourceIDs,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		Status:       model.CredentialActive,
		IssuedFor:    cred.IssuedFor,
		RotatedFrom:  &cred.CredentialID,
	}
	token, err := s.signer.Mint(successor)
	if err != nil {
		return nil, err
	}

	cred.Status = model.CredentialRotated
	cred.RotatedTo = &successor.CredentialID
	predecessor, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("credential: marshal predecessor: %w", err)
	}
	if err := s.persistNew(ctx, successor, []storage.Op{
		{Kind: storage.OpSet, Key: credKey(cred.CredentialID), Value: predecessor, TTL: recordGrace},
		{Kind: storage.OpZRem, Key: rotationDueKey, Member: cred.CredentialID.String()},
	}); err != nil {
		return nil, err
	}

	s.rotated.Add(ctx, 1)
	s.issued.Add(ctx, 1)
	s.logger.Info("credential rotated",
		"credential_id", cred.CredentialID, "successor_id", successor.CredentialID, "did", cred.AgentDID)
	s.record(ctx, model.AuditEntry{
		EventType: model.EventCredentialRotated,
		AgentDID:  cred.AgentDID,
		Action:    "rotate",
		Resource:  cred.CredentialID.String(),
		Data: map[string]any{
			"successor_id":       successor.CredentialID.String(),
			"predecessor_expiry": cred.ExpiresAt.Format(time.RFC3339Nano),
		},
		Outcome: model.OutcomeSuccess,
	})
	s.eventBus.Publish(bus.Event{
		Kind:         bus.KindCredentialRotated,
		AgentDID:     cred.AgentDID,
		CredentialID: cred.CredentialID.String(),
		At:           now,
	})

	out := *successor
	out.Token = token
	return &out, nil
}

// Revoke permanently invalidates a credential.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID, reason string) error {
	cred, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(cred.AgentDID)
	defer unlock()

	cred, err = s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cred.Status == model.CredentialRevoked {
		return ErrAlreadyRevoked
	}

	if err := s.persistRevocations(ctx, []*model.Credential{cred}, reason); err != nil {
		return err
	}
	s.logger.Info("credential revoked", "credential_id", id, "did", cred.AgentDID, "reason", reason)
	return nil
}

// RevokeAllForAgent revokes every live credential of an agent and returns
// how many were revoked. Used directly and by the agent revocation cascade.
func (s *Service) RevokeAllForAgent(ctx context.Context, did, reason string) (int, error) {
	unlock := s.locks.lock(did)
	defer unlock()

	index, err := s.store.HGetAll(ctx, agentCredsKey(did))
	if err != nil {
		return 0, fmt.Errorf("credential: read agent index: %w", err)
	}

	var live []*model.Credential
	for field := range index {
		id, err := uuid.Parse(field)
		if err != nil {
			continue
		}
		cred, err := s.get(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // expired out of storage
			}
			return 0, err
		}
		if cred.Status == model.CredentialRevoked {
			continue
		}
		live = append(live, cred)
	}
	if len(live) == 0 {
		return 0, nil
	}

	if err := s.persistRevocations(ctx, live, reason); err != nil {
		return 0, err
	}
	s.logger.Info("agent credentials revoked", "did", did, "count", len(live), "reason", reason)
	return len(live), nil
}

// Run drives the manager's background work: the rotation sweep ticker and
// the agent revocation cascade. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.eventBus.Subscribe(bus.KindAgentRevoked)
	defer s.eventBus.Unsubscribe(sub)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if _, err := s.RevokeAllForAgent(ctx, ev.AgentDID, "agent revoked"); err != nil {
				s.logger.Warn("credential cascade failed", "did", ev.AgentDID, "error", err)
			}
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				s.logger.Warn("rotation sweep failed", "error", err)
			}
		}
	}
}

// sweepOnce rotates every credential whose rotation window has opened.
// Entries that can no longer rotate are dropped from the due set.
func (s *Service) sweepOnce(ctx context.Context) error {
	due, err := s.store.ZRangeByScore(ctx, rotationDueKey, math.Inf(-1), float64(time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("credential: read rotation due set: %w", err)
	}
	for _, member := range due {
		id, err := uuid.Parse(member.Member)
		if err != nil {
			_ = s.store.ZRem(ctx, rotationDueKey, member.Member)
			continue
		}
		if _, err := s.RotateIfNeeded(ctx, id); err != nil {
			if errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrAgentNotUsable) {
				if rerr := s.store.ZRem(ctx, rotationDueKey, member.Member); rerr != nil {
					s.logger.Warn("drop stale rotation entry failed", "credential_id", id, "error", rerr)
				}
				continue
			}
			s.logger.Warn("sweep rotation failed", "credential_id", id, "error", err)
		}
	}
	return nil
}

// get loads a record straight from storage; callers map ErrNotFound.
func (s *Service) get(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	raw, err := s.store.Get(ctx, credKey(id))
	if err != nil {
		return nil, err
	}
	var cred model.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("credential: decode record %s: %w", id, err)
	}
	return &cred, nil
}

// withToken loads a record and attaches its re-minted bearer token.
func (s *Service) withToken(ctx context.Context, id uuid.UUID) (*model.Credential, error) {
	cred, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.attachToken(cred)
}

func (s *Service) attachToken(cred *model.Credential) (*model.Credential, error) {
	token, err := s.signer.Mint(cred)
	if err != nil {
		return nil, err
	}
	out := *cred
	out.Token = token
	return &out, nil
}

// persistNew writes a fresh credential record, its agent index entry, and
// its rotation due entry in one batch, plus any extra ops from the caller.
// The stored record never contains the bearer token.
func (s *Service) persistNew(ctx context.Context, cred *model.Credential, extra []storage.Op) error {
	stored := *cred
	stored.Token = ""
	raw, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("credential: marshal record: %w", err)
	}
	ttl := time.Until(cred.ExpiresAt) + recordGrace

	ops := []storage.Op{
		{Kind: storage.OpSet, Key: credKey(cred.CredentialID), Value: raw, TTL: ttl},
		{Kind: storage.OpHSet, Key: agentCredsKey(cred.AgentDID), Field: cred.CredentialID.String(), Value: []byte(cred.ExpiresAt.Format(time.RFC3339Nano))},
		{Kind: storage.OpZAdd, Key: rotationDueKey, Member: cred.CredentialID.String(), Score: float64(s.rotateAt(cred).Unix())},
	}
	ops = append(ops, extra...)
	if err := s.store.Apply(ctx, ops); err != nil {
		return fmt.Errorf("credential: persist: %w", err)
	}
	return nil
}

// persistRevocations marks the credentials revoked in one batch, then emits
// the per-credential audit entries and bus events.
func (s *Service) persistRevocations(ctx context.Context, creds []*model.Credential, reason string) error {
	now := time.Now().UTC()
	var ops []storage.Op
	for _, cred := range creds {
		cred.Status = model.CredentialRevoked
		cred.RevokeReason = reason
		raw, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("credential: marshal record: %w", err)
		}
		ops = append(ops,
			storage.Op{Kind: storage.OpSet, Key: credKey(cred.CredentialID), Value: raw, TTL: recordGrace},
			storage.Op{Kind: storage.OpZRem, Key: rotationDueKey, Member: cred.CredentialID.String()},
			storage.Op{Kind: storage.OpHDel, Key: agentCredsKey(cred.AgentDID), Field: cred.CredentialID.String()},
		)
	}
	if err := s.store.Apply(ctx, ops); err != nil {
		return fmt.Errorf("credential: persist revocations: %w", err)
	}

	s.revoked.Add(ctx, int64(len(creds)))
	for _, cred := range creds {
		s.record(ctx, model.AuditEntry{
			EventType: model.EventCredentialRevoked,
			AgentDID:  cred.AgentDID,
			Action:    "revoke",
			Resource:  cred.CredentialID.String(),
			Data:      map[string]any{"reason": reason},
			Outcome:   model.OutcomeSuccess,
		})
		s.eventBus.Publish(bus.Event{
			Kind:         bus.KindCredentialRevoked,
			AgentDID:     cred.AgentDID,
			CredentialID: cred.CredentialID.String(),
			Reason:       reason,
			At:           now,
		})
	}
	return nil
}

// record appends an audit entry; failures are logged, never fatal.
func (s *Service) record(ctx context.Context, entry model.AuditEntry) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", "event_type", entry.EventType, "error", err)
	}
}

// rotateAt is the instant a credential's rotation window opens: the point
// where the configured fraction of its lifetime remains.
func (s *Service) rotateAt(cred *model.Credential) time.Time {
	ttl := cred.ExpiresAt.Sub(cred.IssuedAt)
	threshold := time.Duration(float64(ttl) * s.rotateThreshold)
	return cred.ExpiresAt.Add(-threshold)
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
