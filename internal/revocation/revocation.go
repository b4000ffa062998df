// Package revocation maintains the authoritative set of revoked agent DIDs
// and credential IDs.
//
// Lookups hit an in-process mirror first and fall through to storage, so a
// hot path check is a map read. The mirror holds positive entries only; a
// miss is never trusted without consulting storage. Entries may carry an
// expiry for temporary bans, absence of expiry means permanent.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
)

// Entry is one revocation record.
type Entry struct {
	Reason    string     `json:"reason"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the entry never expires.
func (e *Entry) Permanent() bool { return e.ExpiresAt == nil }

// Service is the revocation set.
type Service struct {
	store    storage.Backend
	eventBus *bus.Bus
	logger   *slog.Logger
	mirror   *cache.Cache

	added metric.Int64Counter
}

// New creates the revocation set. The mirror evicts expired entries once a
// minute; permanent entries stay pinned.
func New(store storage.Backend, eventBus *bus.Bus, logger *slog.Logger) *Service {
	meter := telemetry.Meter("agentmesh/revocation")
	added, _ := meter.Int64Counter("agentmesh.revocations.added",
		metric.WithDescription("Entries added to the revocation set"))
	return &Service{
		store:    store,
		eventBus: eventBus,
		logger:   logger,
		mirror:   cache.New(cache.NoExpiration, time.Minute),
		added:    added,
	}
}

func didKey(did string) string { return "revoked:did:" + did }
func credKey(id string) string { return "revoked:cred:" + id }

// RevokeDID adds an agent DID to the set and broadcasts the revocation.
// A nil until makes the entry permanent.
func (s *Service) RevokeDID(ctx context.Context, did, reason string, until *time.Time) error {
	return s.add(ctx, didKey(did), reason, until, &bus.Event{
		Kind: bus.KindAgentRevoked, AgentDID: did, Reason: reason,
	})
}

// RevokeCredential adds a credential ID to the set and broadcasts.
func (s *Service) RevokeCredential(ctx context.Context, credentialID, reason string, until *time.Time) error {
	return s.add(ctx, credKey(credentialID), reason, until, &bus.Event{
		Kind: bus.KindCredentialRevoked, CredentialID: credentialID, Reason: reason,
	})
}

// IsDIDRevoked reports whether the agent DID is currently in the set.
func (s *Service) IsDIDRevoked(ctx context.Context, did string) (bool, error) {
	entry, err := s.lookup(ctx, didKey(did))
	return entry != nil, err
}

// IsCredentialRevoked reports whether the credential ID is currently in the set.
func (s *Service) IsCredentialRevoked(ctx context.Context, credentialID string) (bool, error) {
	entry, err := s.lookup(ctx, credKey(credentialID))
	return entry != nil, err
}

// DIDEntry returns the revocation entry for a DID, nil when absent.
func (s *Service) DIDEntry(ctx context.Context, did string) (*Entry, error) {
	return s.lookup(ctx, didKey(did))
}

// CredentialEntry returns the revocation entry for a credential, nil when absent.
func (s *Service) CredentialEntry(ctx context.Context, credentialID string) (*Entry, error) {
	return s.lookup(ctx, credKey(credentialID))
}

// ListDIDs returns every revoked DID, sorted, including temporary entries
// that have not yet expired.
func (s *Service) ListDIDs(ctx context.Context) ([]string, error) {
	keys, err := s.store.Scan(ctx, "revoked:did:")
	if err != nil {
		return nil, fmt.Errorf("revocation: scan: %w", err)
	}
	dids := make([]string, 0, len(keys))
	for _, k := range keys {
		dids = append(dids, strings.TrimPrefix(k, "revoked:did:"))
	}
	return dids, nil
}

// lookup checks the mirror, then storage; storage hits backfill the mirror.
func (s *Service) lookup(ctx context.Context, key string) (*Entry, error) {
	if v, ok := s.mirror.Get(key); ok {
		entry := v.(Entry)
		return &entry, nil
	}
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("revocation: read: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("revocation: decode entry: %w", err)
	}
	s.mirror.Set(key, entry, mirrorTTL(&entry))
	return &entry, nil
}

// Run ingests revocations announced by other components so their entries
// land in the set without direct coupling. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sub := s.eventBus.Subscribe(bus.KindAgentRevoked, bus.KindCredentialRevoked)
	defer s.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			var key string
			switch {
			case ev.Kind == bus.KindAgentRevoked && ev.AgentDID != "":
				key = didKey(ev.AgentDID)
			case ev.Kind == bus.KindCredentialRevoked && ev.CredentialID != "":
				key = credKey(ev.CredentialID)
			default:
				continue
			}
			// No rebroadcast here: the event already went out once.
			if err := s.add(ctx, key, ev.Reason, nil, nil); err != nil {
				s.logger.Warn("revocation ingest failed", "key", key, "error", err)
			}
		}
	}
}

func (s *Service) add(ctx context.Context, key, reason string, until *time.Time, announce *bus.Event) error {
	now := time.Now().UTC()
	if until != nil && !until.After(now) {
		return fmt.Errorf("revocation: expiry must be in the future")
	}

	entry := Entry{Reason: reason, AddedAt: now, ExpiresAt: until}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("revocation: marshal entry: %w", err)
	}
	var ttl time.Duration
	if until != nil {
		ttl = until.Sub(now)
	}
	if err := s.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("revocation: persist: %w", err)
	}
	s.mirror.Set(key, entry, mirrorTTL(&entry))

	s.added.Add(ctx, 1)
	s.logger.Info("revocation recorded", "key", key, "reason", reason, "permanent", entry.Permanent())
	if announce != nil {
		announce.At = now
		s.eventBus.Publish(*announce)
	}
	return nil
}

func mirrorTTL(entry *Entry) time.Duration {
	if entry.ExpiresAt == nil {
		return cache.NoExpiration
	}
	return time.Until(*entry.ExpiresAt)
}
