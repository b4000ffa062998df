package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// SponsorInput describes an explicit sponsor enrollment. All fields except
// Email are optional; registration auto-creates a minimal record when the
// sponsor is first referenced.
type SponsorInput struct {
	Email               string
	Name                string
	Organization        string
	AllowedCapabilities []string
	MaxAgents           int
}

// EnrollSponsor creates or updates the sponsor profile for input.Email.
// Verification state is never touched here; see VerifySponsor.
func (s *Service) EnrollSponsor(ctx context.Context, input SponsorInput) (*model.HumanSponsor, error) {
	if err := model.ValidateEmail(input.Email); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	allowed, err := capability.ParseSet(input.AllowedCapabilities)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	sponsor, err := s.loadSponsor(ctx, input.Email)
	if err != nil && !errors.Is(err, ErrSponsorNotFound) {
		return nil, err
	}
	if sponsor == nil {
		sponsor = &model.HumanSponsor{
			Email:     input.Email,
			CreatedAt: time.Now().UTC(),
		}
	}
	sponsor.Name = input.Name
	sponsor.Organization = input.Organization
	sponsor.AllowedCapabilities = allowed.Normalize()
	if input.MaxAgents > 0 {
		sponsor.MaxAgents = input.MaxAgents
	} else if sponsor.MaxAgents == 0 {
		sponsor.MaxAgents = s.maxAgentsPerSponsor
	}

	if err := s.putSponsor(ctx, sponsor); err != nil {
		return nil, err
	}
	s.logger.Info("sponsor enrolled", "email", sponsor.Email, "max_agents", sponsor.MaxAgents)
	return sponsor, nil
}

// GetSponsor returns the sponsor record with its sponsored DIDs populated
// from the registry index.
func (s *Service) GetSponsor(ctx context.Context, email string) (*model.HumanSponsor, error) {
	if err := model.ValidateEmail(email); err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	sponsor, err := s.loadSponsor(ctx, email)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.HGetAll(ctx, sponsorAgentsKey(email))
	if err != nil {
		return nil, fmt.Errorf("identity: list sponsored dids: %w", err)
	}
	dids := make([]string, 0, len(fields))
	for did := range fields {
		dids = append(dids, did)
	}
	sort.Strings(dids)
	sponsor.SponsoredDIDs = dids
	return sponsor, nil
}

// VerifySponsor marks the sponsor as verified through the given method
// (e.g. "email", "dns", "manual"). Operator-only.
func (s *Service) VerifySponsor(ctx context.Context, email, method string) (*model.HumanSponsor, error) {
	if method == "" {
		return nil, fmt.Errorf("identity: verification method is required")
	}
	sponsor, err := s.loadSponsor(ctx, email)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sponsor.VerifiedAt = &now
	sponsor.VerifiedMethod = method
	if err := s.putSponsor(ctx, sponsor); err != nil {
		return nil, err
	}

	s.logger.Info("sponsor verified", "email", email, "method", method)
	if err := s.audit.Record(ctx, model.AuditEntry{
		EventType: model.EventAgentVerified,
		Action:    "verify_sponsor",
		Outcome:   model.OutcomeSuccess,
		Data:      map[string]any{"sponsor": email, "method": method},
	}); err != nil {
		s.logger.Warn("identity: audit record failed", "error", err)
	}
	return sponsor, nil
}

// ListSponsors returns every sponsor profile, ordered by email.
func (s *Service) ListSponsors(ctx context.Context) ([]*model.HumanSponsor, error) {
	keys, err := s.store.Scan(ctx, "sponsor:rec:")
	if err != nil {
		return nil, fmt.Errorf("identity: scan sponsors: %w", err)
	}
	sponsors := make([]*model.HumanSponsor, 0, len(keys))
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("identity: get sponsor: %w", err)
		}
		var sponsor model.HumanSponsor
		if err := json.Unmarshal(raw, &sponsor); err != nil {
			return nil, fmt.Errorf("identity: decode sponsor: %w", err)
		}
		sponsors = append(sponsors, &sponsor)
	}
	return sponsors, nil
}

// ensureSponsor returns the sponsor for email, creating a minimal
// unverified record on first reference.
func (s *Service) ensureSponsor(ctx context.Context, email string) (*model.HumanSponsor, error) {
	sponsor, err := s.loadSponsor(ctx, email)
	if err == nil {
		return sponsor, nil
	}
	if !errors.Is(err, ErrSponsorNotFound) {
		return nil, err
	}
	sponsor = &model.HumanSponsor{
		Email:     email,
		MaxAgents: s.maxAgentsPerSponsor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.putSponsor(ctx, sponsor); err != nil {
		return nil, err
	}
	s.logger.Info("sponsor auto-created", "email", email)
	return sponsor, nil
}

func (s *Service) loadSponsor(ctx context.Context, email string) (*model.HumanSponsor, error) {
	raw, err := s.store.Get(ctx, sponsorKey(email))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSponsorNotFound
		}
		return nil, fmt.Errorf("identity: get sponsor: %w", err)
	}
	var sponsor model.HumanSponsor
	if err := json.Unmarshal(raw, &sponsor); err != nil {
		return nil, fmt.Errorf("identity: decode sponsor: %w", err)
	}
	return &sponsor, nil
}

func (s *Service) putSponsor(ctx context.Context, sponsor *model.HumanSponsor) error {
	raw, err := json.Marshal(sponsor)
	if err != nil {
		return fmt.Errorf("identity: marshal sponsor: %w", err)
	}
	if err := s.store.Set(ctx, sponsorKey(sponsor.Email), raw, 0); err != nil {
		return fmt.Errorf("identity: persist sponsor: %w", err)
	}
	return nil
}
