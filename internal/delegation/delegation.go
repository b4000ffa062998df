// Package delegation builds and verifies the tamper-evident chains that link
// sponsor-rooted agents to their sub-agents.
//
// Every link is signed by its delegator over the canonical (RFC 8785)
// serialization and hash-linked to its predecessor, so a chain can be
// re-verified from storage at any time. Capability narrowing is enforced at
// append time and re-checked at verification. A global graph view over live
// links rejects additions that would close a directed cycle, including
// cycles spanning multiple chains.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentmesh-ai/agentmesh/internal/canonical"
	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

var (
	// ErrChainNotFound is returned for an unknown chain ID.
	ErrChainNotFound = errors.New("delegation: chain not found")
	// ErrExpiredLink marks a link past its expiry.
	ErrExpiredLink = errors.New("delegation: link expired")
	// ErrBadSignature marks a link whose signature does not verify.
	ErrBadSignature = errors.New("delegation: bad signature")
	// ErrDepthExceeded is returned when a chain would outgrow the limit.
	ErrDepthExceeded = errors.New("delegation: max depth exceeded")
	// ErrNarrowing is returned when a link widens its delegator's grant.
	ErrNarrowing = errors.New("delegation: capabilities exceed delegator grant")
	// ErrHashBroken marks broken hash linkage between adjacent links.
	ErrHashBroken = errors.New("delegation: hash linkage broken")
	// ErrCycle is returned when a link would close a directed cycle.
	ErrCycle = errors.New("delegation: link would create a cycle")
	// ErrLinkOrder marks a link whose delegator is not the previous delegatee.
	ErrLinkOrder = errors.New("delegation: link order broken")
	// ErrDelegatorInactive marks a link whose delegator is no longer usable.
	ErrDelegatorInactive = errors.New("delegation: delegator not active")
)

// AgentDirectory is the registry view the chain builder needs.
type AgentDirectory interface {
	Get(ctx context.Context, did string) (*model.AgentIdentity, error)
}

// Recorder receives audit entries for delegation events.
type Recorder interface {
	Record(ctx context.Context, entry model.AuditEntry) error
}

// Service builds, stores, and verifies delegation chains.
type Service struct {
	store    storage.Backend
	agents   AgentDirectory
	keys     keystore.KeyStore
	audit    Recorder
	logger   *slog.Logger
	maxDepth int

	// mu serializes additions. The cycle check reads the whole live graph,
	// so two concurrent adds must not interleave between check and write.
	mu sync.Mutex

	linksAdded metric.Int64Counter
}

// New creates the delegation service. maxDepth bounds chain length.
func New(store storage.Backend, agents AgentDirectory, keys keystore.KeyStore, audit Recorder, logger *slog.Logger, maxDepth int) *Service {
	meter := telemetry.Meter("agentmesh/delegation")
	linksAdded, _ := meter.Int64Counter("agentmesh.delegation.links_added",
		metric.WithDescription("Delegation links appended across all chains"))
	return &Service{
		store:      store,
		agents:     agents,
		keys:       keys,
		audit:      audit,
		logger:     logger,
		maxDepth:   maxDepth,
		linksAdded: linksAdded,
	}
}

func chainKey(id string) string     { return "deleg:chain:" + id }
func graphOutKey(did string) string { return "deleg:graph:out:" + did }
func byAgentKey(did string) string  { return "deleg:byagent:" + did }

// AddLinkInput carries the parameters of a link addition. An empty ChainID
// starts a new chain rooted at the delegator's sponsor.
type AddLinkInput struct {
	ChainID      string
	DelegatorDID string
	DelegateeDID string
	Capabilities []string
	ExpiresAt    *time.Time
}

// AddLink appends a signed link. The delegated capabilities must be a subset
// of the delegator's current grant, the delegator must hold a signing key in
// the key store, and the edge must not close a cycle in the live graph.
func (s *Service) AddLink(ctx context.Context, input AddLinkInput) (*model.DelegationChain, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("agentmesh.delegator_did", input.DelegatorDID),
		attribute.String("agentmesh.delegatee_did", input.DelegateeDID),
	)

	// 1. Validate the request shape.
	if err := model.ValidateDID(input.DelegatorDID); err != nil {
		return nil, fmt.Errorf("delegation: delegator: %w", err)
	}
	if err := model.ValidateDID(input.DelegateeDID); err != nil {
		return nil, fmt.Errorf("delegation: delegatee: %w", err)
	}
	if input.DelegatorDID == input.DelegateeDID {
		return nil, ErrCycle
	}
	caps, err := capability.ParseSet(input.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("delegation: at least one capability is required")
	}
	now := time.Now().UTC()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return nil, fmt.Errorf("delegation: expiry must be in the future")
	}

	// 2. Both parties must be registered; the delegator usable, and the
	// delegated set within its current grant.
	delegator, err := s.agents.Get(ctx, input.DelegatorDID)
	if err != nil {
		return nil, fmt.Errorf("delegation: lookup delegator: %w", err)
	}
	if !delegator.Usable(now) {
		return nil, fmt.Errorf("%w: status %s", ErrDelegatorInactive, delegator.Status)
	}
	delegatee, err := s.agents.Get(ctx, input.DelegateeDID)
	if err != nil {
		return nil, fmt.Errorf("delegation: lookup delegatee: %w", err)
	}
	if delegatee.Status == model.StatusRevoked {
		return nil, fmt.Errorf("delegation: delegatee is revoked")
	}
	if !caps.SubsetOf(delegator.Capabilities) {
		return nil, ErrNarrowing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 3. Load or start the chain and enforce order, depth, and narrowing
	// against the leaf.
	var chain *model.DelegationChain
	previousHash := canonical.ZeroHash
	if input.ChainID == "" {
		chain = &model.DelegationChain{
			ChainID:      uuid.New().String(),
			SponsorEmail: delegator.SponsorEmail,
			CreatedAt:    now,
		}
	} else {
		chain, err = s.Get(ctx, input.ChainID)
		if err != nil {
			return nil, err
		}
		leaf := chain.Leaf()
		if leaf == nil {
			return nil, fmt.Errorf("delegation: chain %s has no links", chain.ChainID)
		}
		if leaf.DelegateeDID != input.DelegatorDID {
			return nil, fmt.Errorf("%w: delegator must be the current leaf %s", ErrLinkOrder, leaf.DelegateeDID)
		}
		if !caps.SubsetOf(leaf.Capabilities) {
			return nil, ErrNarrowing
		}
		previousHash, err = canonical.Hash(leaf)
		if err != nil {
			return nil, err
		}
	}
	if len(chain.Links)+1 > s.maxDepth {
		return nil, fmt.Errorf("%w: limit %d", ErrDepthExceeded, s.maxDepth)
	}

	// 4. Reject edges that close a directed cycle in the live graph.
	reachable, err := s.reaches(ctx, input.DelegateeDID, input.DelegatorDID, now)
	if err != nil {
		return nil, err
	}
	if reachable {
		return nil, ErrCycle
	}

	// 5. Sign and append.
	link := model.DelegationLink{
		DelegatorDID:     input.DelegatorDID,
		DelegateeDID:     input.DelegateeDID,
		Capabilities:     caps.Normalize(),
		PreviousLinkHash: previousHash,
		CreatedAt:        now,
		ExpiresAt:        input.ExpiresAt,
	}
	payload, err := canonical.Marshal(link)
	if err != nil {
		return nil, err
	}
	sig, err := s.keys.Sign(ctx, input.DelegatorDID, payload)
	if err != nil {
		return nil, fmt.Errorf("delegation: sign link: %w", err)
	}
	link.Signature = keystore.EncodeSignature(sig)
	chain.Links = append(chain.Links, link)

	raw, err := json.Marshal(chain)
	if err != nil {
		return nil, fmt.Errorf("delegation: marshal chain: %w", err)
	}
	edgeExpiry := ""
	if link.ExpiresAt != nil {
		edgeExpiry = link.ExpiresAt.Format(time.RFC3339Nano)
	}
	if err := s.store.Apply(ctx, []storage.Op{
		{Kind: storage.OpSet, Key: chainKey(chain.ChainID), Value: raw},
		{Kind: storage.OpHSet, Key: graphOutKey(input.DelegatorDID), Field: input.DelegateeDID, Value: []byte(edgeExpiry)},
		{Kind: storage.OpHSet, Key: byAgentKey(input.DelegatorDID), Field: chain.ChainID, Value: []byte("delegator")},
		{Kind: storage.OpHSet, Key: byAgentKey(input.DelegateeDID), Field: chain.ChainID, Value: []byte("delegatee")},
	}); err != nil {
		return nil, fmt.Errorf("delegation: persist chain: %w", err)
	}

	s.linksAdded.Add(ctx, 1)
	s.logger.Info("delegation link added",
		"chain_id", chain.ChainID, "delegator", input.DelegatorDID, "delegatee", input.DelegateeDID,
		"depth", len(chain.Links))
	s.record(ctx, model.AuditEntry{
		EventType: model.EventDelegationCreated,
		AgentDID:  input.DelegatorDID,
		Action:    "add_link",
		Resource:  chain.ChainID,
		Data: map[string]any{
			"delegatee":    input.DelegateeDID,
			"capabilities": caps.Strings(),
			"depth":        len(chain.Links),
		},
		Outcome: model.OutcomeSuccess,
	})
	return chain, nil
}

// Get loads a chain by ID.
func (s *Service) Get(ctx context.Context, chainID string) (*model.DelegationChain, error) {
	raw, err := s.store.Get(ctx, chainKey(chainID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
		}
		return nil, fmt.Errorf("delegation: read chain: %w", err)
	}
	var chain model.DelegationChain
	if err := json.Unmarshal(raw, &chain); err != nil {
		return nil, fmt.Errorf("delegation: decode chain %s: %w", chainID, err)
	}
	return &chain, nil
}

// ListByAgent returns the IDs of every chain the agent participates in,
// sorted for stable output.
func (s *Service) ListByAgent(ctx context.Context, did string) ([]string, error) {
	index, err := s.store.HGetAll(ctx, byAgentKey(did))
	if err != nil {
		return nil, fmt.Errorf("delegation: read agent index: %w", err)
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// VerifyResult is the outcome of a chain verification. LinkIndex is the
// zero-based failing link, -1 when the chain verifies.
type VerifyResult struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	LinkIndex int    `json:"link_index"`
}

// Verify walks the chain root to leaf and checks, per link: hash linkage,
// delegator signature, capability narrowing, link expiry, and that the
// delegator is still usable. It reports the first failure.
func (s *Service) Verify(ctx context.Context, chainID string) (VerifyResult, error) {
	chain, err := s.Get(ctx, chainID)
	if err != nil {
		return VerifyResult{}, err
	}
	return s.verifyChain(ctx, chain)
}

func (s *Service) verifyChain(ctx context.Context, chain *model.DelegationChain) (VerifyResult, error) {
	fail := func(i int, err error) VerifyResult {
		return VerifyResult{OK: false, Reason: err.Error(), LinkIndex: i}
	}
	if len(chain.Links) == 0 {
		return fail(-1, fmt.Errorf("delegation: chain has no links")), nil
	}
	if len(chain.Links) > s.maxDepth {
		return fail(-1, fmt.Errorf("%w: limit %d", ErrDepthExceeded, s.maxDepth)), nil
	}

	now := time.Now().UTC()
	for i := range chain.Links {
		link := &chain.Links[i]

		// Hash linkage. The first link anchors at the zero hash; later
		// links commit to the full previous link, signature included.
		if i == 0 {
			if link.PreviousLinkHash != canonical.ZeroHash {
				return fail(i, fmt.Errorf("%w: first link must anchor at the zero hash", ErrHashBroken)), nil
			}
		} else {
			prev := &chain.Links[i-1]
			if link.DelegatorDID != prev.DelegateeDID {
				return fail(i, ErrLinkOrder), nil
			}
			want, err := canonical.Hash(prev)
			if err != nil {
				return VerifyResult{}, err
			}
			if link.PreviousLinkHash != want {
				return fail(i, ErrHashBroken), nil
			}
		}

		// Signature over the canonical link with the signature cleared.
		delegator, err := s.agents.Get(ctx, link.DelegatorDID)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("delegation: lookup delegator: %w", err)
		}
		unsigned := *link
		unsigned.Signature = ""
		payload, err := canonical.Marshal(unsigned)
		if err != nil {
			return VerifyResult{}, err
		}
		sig, err := keystore.DecodeSignature(link.Signature)
		if err != nil {
			return fail(i, fmt.Errorf("%w: %v", ErrBadSignature, err)), nil
		}
		if !keystore.Verify(delegator.PublicKey, payload, sig) {
			return fail(i, ErrBadSignature), nil
		}

		// Narrowing: the root link against the delegator's current grant,
		// later links against their predecessor.
		if i == 0 {
			if !link.Capabilities.SubsetOf(delegator.Capabilities) {
				return fail(i, ErrNarrowing), nil
			}
		} else if !link.Capabilities.SubsetOf(chain.Links[i-1].Capabilities) {
			return fail(i, ErrNarrowing), nil
		}

		if link.Expired(now) {
			return fail(i, ErrExpiredLink), nil
		}
		if !delegator.Usable(now) {
			return fail(i, fmt.Errorf("%w: %s status %s", ErrDelegatorInactive, link.DelegatorDID, delegator.Status)), nil
		}
	}
	return VerifyResult{OK: true, LinkIndex: -1}, nil
}

// EffectiveCapabilities returns the set the chain conveys end to end: the
// intersection over all links, which the narrowing invariant collapses to
// the leaf's set.
func (s *Service) EffectiveCapabilities(ctx context.Context, chainID string) (capability.Set, error) {
	chain, err := s.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if len(chain.Links) == 0 {
		return nil, nil
	}
	effective := chain.Links[0].Capabilities
	for i := 1; i < len(chain.Links); i++ {
		effective = effective.Intersect(chain.Links[i].Capabilities)
	}
	return effective, nil
}

// TraceCapability walks the chain and reports, per link, whether the
// capability flows through it and via which granted token.
func (s *Service) TraceCapability(ctx context.Context, chainID, rawCap string) ([]model.CapabilityTrace, error) {
	req, err := capability.Parse(rawCap)
	if err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	chain, err := s.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}

	out := make([]model.CapabilityTrace, 0, len(chain.Links))
	for i := range chain.Links {
		link := &chain.Links[i]
		entry := model.CapabilityTrace{
			LinkIndex:    i,
			DelegatorDID: link.DelegatorDID,
			DelegateeDID: link.DelegateeDID,
			CreatedAt:    link.CreatedAt,
		}
		for _, granted := range link.Capabilities {
			if granted.Subsumes(req) {
				entry.Granted = true
				entry.Via = string(granted)
				break
			}
		}
		out = append(out, entry)
		if !entry.Granted {
			break // the flow stops at the first link that does not carry it
		}
	}
	return out, nil
}

// reaches reports whether `from` can reach `to` over live graph edges.
// Expired edges are skipped and lazily dropped.
func (s *Service) reaches(ctx context.Context, from, to string, now time.Time) (bool, error) {
	if from == to {
		return true, nil
	}
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]

		edges, err := s.store.HGetAll(ctx, graphOutKey(node))
		if err != nil {
			return false, fmt.Errorf("delegation: read graph edges: %w", err)
		}
		for next, rawExpiry := range edges {
			if expiry := string(rawExpiry); expiry != "" {
				at, err := time.Parse(time.RFC3339Nano, expiry)
				if err == nil && !now.Before(at) {
					if derr := s.store.HDel(ctx, graphOutKey(node), next); derr != nil {
						s.logger.Warn("drop expired graph edge failed", "from", node, "to", next, "error", derr)
					}
					continue
				}
			}
			if next == to {
				return true, nil
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false, nil
}

// record appends an audit entry; failures are logged, never fatal.
func (s *Service) record(ctx context.Context, entry model.AuditEntry) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", "event_type", entry.EventType, "error", err)
	}
}
