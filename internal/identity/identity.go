// Package identity implements the agent registry.
//
// Every agent identity is anchored to a human sponsor and carries a DID
// derived from its Ed25519 public key, so the same key always resolves to
// the same identity. Registration enforces sponsor quotas and capability
// narrowing against the parent agent; revocation cascades through the
// parent/child graph. Both the HTTP API and the MCP operator surface
// delegate to this service.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

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
	// ErrNotFound is returned when no agent exists for the given DID.
	ErrNotFound = errors.New("identity: agent not found")
	// ErrDuplicate is returned when the public key is already registered.
	// DIDs derive from keys, so the same key always collides.
	ErrDuplicate = errors.New("identity: public key already registered")
	// ErrSponsorNotFound is returned when a sponsor lookup misses.
	ErrSponsorNotFound = errors.New("identity: sponsor not found")
	// ErrSponsorUnverified is returned when registration requires a verified
	// sponsor and the sponsor has not completed verification.
	ErrSponsorUnverified = errors.New("identity: sponsor not verified")
	// ErrQuotaExceeded is returned when a sponsor is at its active-agent cap.
	ErrQuotaExceeded = errors.New("identity: sponsor agent quota exceeded")
	// ErrAlreadyRevoked is returned for operations on a revoked agent.
	ErrAlreadyRevoked = errors.New("identity: agent already revoked")
	// ErrNotSuspended is returned when reactivating an agent that is not suspended.
	ErrNotSuspended = errors.New("identity: agent not suspended")
	// ErrCapabilityEscalation is returned when a child requests capabilities
	// its parent or sponsor does not hold.
	ErrCapabilityEscalation = errors.New("identity: requested capabilities exceed grantor's")
)

// Recorder appends entries to the tamper-evident audit chain.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// Service encapsulates registry business logic.
type Service struct {
	store    storage.Backend
	eventBus *bus.Bus
	audit    Recorder
	logger   *slog.Logger

	maxAgentsPerSponsor int
	requireVerified     bool

	registered metric.Int64Counter
	revoked    metric.Int64Counter
}

// New creates the registry service. maxAgentsPerSponsor bounds concurrently
// active agents per sponsor; requireVerified gates registration on sponsor
// verification.
func New(store storage.Backend, eventBus *bus.Bus, audit Recorder, logger *slog.Logger, maxAgentsPerSponsor int, requireVerified bool) *Service {
	meter := telemetry.Meter("agentmesh/identity")
	registered, _ := meter.Int64Counter("agentmesh.agents.registered",
		metric.WithDescription("Agent identities registered"),
	)
	revoked, _ := meter.Int64Counter("agentmesh.agents.revoked",
		metric.WithDescription("Agent identities revoked, including cascades"),
	)
	return &Service{
		store:               store,
		eventBus:            eventBus,
		audit:               audit,
		logger:              logger,
		maxAgentsPerSponsor: maxAgentsPerSponsor,
		requireVerified:     requireVerified,
		registered:          registered,
		revoked:             revoked,
	}
}

// Storage keys. Record, index, and counter keys are namespaced separately so
// prefix scans stay unambiguous even when emails contain unusual characters.
func agentKey(did string) string           { return "agent:rec:" + did }
func childrenKey(did string) string        { return "agent:children:" + did }
func sponsorKey(email string) string       { return "sponsor:rec:" + email }
func sponsorAgentsKey(email string) string { return "sponsor:agents:" + email }
func sponsorActiveKey(email string) string { return "sponsor:active:" + email }

// RegisterInput describes a registration request.
type RegisterInput struct {
	Name         string
	PublicKey    ed25519.PublicKey
	SponsorEmail string
	Capabilities []string
	ParentDID    *string
	ExpiresAt    *time.Time
}

// Register creates a new agent identity.
//
// The DID is derived from the public key; registering the same key twice
// fails with ErrDuplicate. When a parent DID is given the requested
// capabilities must not exceed the parent's, and the child hangs off the
// parent in the revocation graph. The sponsor record is created on first
// use and its active-agent quota is enforced atomically via the storage
// counter.
func (s *Service) Register(ctx context.Context, input RegisterInput) (*model.AgentIdentity, error) {
	if err := model.ValidateAgentName(input.Name); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if err := model.ValidateEmail(input.SponsorEmail); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if len(input.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(input.PublicKey))
	}
	caps, err := capability.ParseSet(input.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("identity: expiry must be in the future")
	}

	did := model.DeriveDID(input.PublicKey)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("agentmesh.agent_did", did))

	exists, err := s.store.Exists(ctx, agentKey(did))
	if err != nil {
		return nil, fmt.Errorf("identity: check duplicate: %w", err)
	}
	if exists {
		return nil, ErrDuplicate
	}

	sponsor, err := s.ensureSponsor(ctx, input.SponsorEmail)
	if err != nil {
		return nil, err
	}
	if s.requireVerified && !sponsor.Verified() {
		return nil, ErrSponsorUnverified
	}
	if len(sponsor.AllowedCapabilities) > 0 && !caps.SubsetOf(sponsor.AllowedCapabilities) {
		return nil, ErrCapabilityEscalation
	}

	if input.ParentDID != nil {
		parent, err := s.Get(ctx, *input.ParentDID)
		if err != nil {
			return nil, fmt.Errorf("identity: parent: %w", err)
		}
		if !parent.Usable(time.Now()) {
			return nil, fmt.Errorf("identity: parent %s is not active", parent.DID)
		}
		if !caps.SubsetOf(parent.Capabilities) {
			return nil, ErrCapabilityEscalation
		}
	}

	// Atomic quota claim: take the slot first, give it back on failure.
	active, err := s.store.Incr(ctx, sponsorActiveKey(input.SponsorEmail))
	if err != nil {
		return nil, fmt.Errorf("identity: claim quota: %w", err)
	}
	limit := sponsor.MaxAgents
	if limit <= 0 {
		limit = s.maxAgentsPerSponsor
	}
	if active > int64(limit) {
		if _, derr := s.store.Decr(ctx, sponsorActiveKey(input.SponsorEmail)); derr != nil {
			s.logger.Warn("identity: quota rollback failed", "sponsor", input.SponsorEmail, "error", derr)
		}
		return nil, ErrQuotaExceeded
	}

	now := time.Now().UTC()
	agent := &model.AgentIdentity{
		DID:          did,
		Name:         input.Name,
		PublicKey:    input.PublicKey,
		SponsorEmail: input.SponsorEmail,
		Capabilities: caps.Normalize(),
		Status:       model.StatusActive,
		ParentDID:    input.ParentDID,
		CreatedAt:    now,
		ExpiresAt:    input.ExpiresAt,
	}

	raw, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal agent: %w", err)
	}
	ops := []storage.Op{
		{Kind: storage.OpSet, Key: agentKey(did), Value: raw},
		{Kind: storage.OpHSet, Key: sponsorAgentsKey(input.SponsorEmail), Field: did, Value: []byte(now.Format(time.RFC3339))},
	}
	if input.ParentDID != nil {
		ops = append(ops, storage.Op{Kind: storage.OpHSet, Key: childrenKey(*input.ParentDID), Field: did, Value: []byte("1")})
	}
	if err := s.store.Apply(ctx, ops); err != nil {
		if _, derr := s.store.Decr(ctx, sponsorActiveKey(input.SponsorEmail)); derr != nil {
			s.logger.Warn("identity: quota rollback failed", "sponsor", input.SponsorEmail, "error", derr)
		}
		return nil, fmt.Errorf("identity: persist agent: %w", err)
	}

	s.registered.Add(ctx, 1)
	s.logger.Info("agent registered",
		"did", did,
		"name", input.Name,
		"sponsor", input.SponsorEmail,
		"capabilities", len(agent.Capabilities),
	)

	if err := s.audit.Record(ctx, model.AuditEntry{
		EventType: model.EventAgentRegistered,
		AgentDID:  did,
		Action:    "register",
		Outcome:   model.OutcomeSuccess,
		Data: map[string]any{
			"name":         input.Name,
			"sponsor":      input.SponsorEmail,
			"capabilities": agent.Capabilities.Strings(),
		},
	}); err != nil {
		s.logger.Warn("identity: audit record failed", "error", err)
	}

	return agent, nil
}

// Get returns the identity for did. Identities past their expiry are
// transitioned to expired on read and persisted opportunistically.
func (s *Service) Get(ctx context.Context, did string) (*model.AgentIdentity, error) {
	if err := model.ValidateDID(did); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	raw, err := s.store.Get(ctx, agentKey(did))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("identity: get agent: %w", err)
	}
	var agent model.AgentIdentity
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("identity: decode agent: %w", err)
	}

	if agent.Status == model.StatusActive && agent.ExpiresAt != nil && !time.Now().Before(*agent.ExpiresAt) {
		agent.Status = model.StatusExpired
		if err := s.put(ctx, &agent); err != nil {
			s.logger.Warn("identity: persist expiry failed", "did", did, "error", err)
		} else if err := s.audit.Record(ctx, model.AuditEntry{
			EventType: model.EventAgentExpired,
			AgentDID:  did,
			Action:    "expire",
			Outcome:   model.OutcomeSuccess,
		}); err != nil {
			s.logger.Warn("identity: audit record failed", "error", err)
		}
	}

	return &agent, nil
}

// ListBySponsor returns every identity sponsored by email, newest first.
func (s *Service) ListBySponsor(ctx context.Context, email string) ([]*model.AgentIdentity, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	fields, err := s.store.HGetAll(ctx, sponsorAgentsKey(email))
	if err != nil {
		return nil, fmt.Errorf("identity: list sponsored agents: %w", err)
	}
	agents := make([]*model.AgentIdentity, 0, len(fields))
	for did := range fields {
		agent, err := s.Get(ctx, did)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // index entry outlived the record
			}
			return nil, err
		}
		agents = append(agents, agent)
	}
	sortAgentsNewestFirst(agents)
	return agents, nil
}

// ListActive returns every usable identity on the mesh.
func (s *Service) ListActive(ctx context.Context) ([]*model.AgentIdentity, error) {
	keys, err := s.store.Scan(ctx, "agent:rec:")
	if err != nil {
		return nil, fmt.Errorf("identity: scan agents: %w", err)
	}
	now := time.Now()
	var agents []*model.AgentIdentity
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("identity: get agent: %w", err)
		}
		var agent model.AgentIdentity
		if err := json.Unmarshal(raw, &agent); err != nil {
			return nil, fmt.Errorf("identity: decode agent: %w", err)
		}
		if agent.Usable(now) {
			agents = append(agents, &agent)
		}
	}
	sortAgentsNewestFirst(agents)
	return agents, nil
}

// put persists an updated agent record.
func (s *Service) put(ctx context.Context, agent *model.AgentIdentity) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("identity: marshal agent: %w", err)
	}
	if err := s.store.Set(ctx, agentKey(agent.DID), raw, 0); err != nil {
		return fmt.Errorf("identity: persist agent: %w", err)
	}
	return nil
}

func sortAgentsNewestFirst(agents []*model.AgentIdentity) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.After(agents[j].CreatedAt)
	})
}
