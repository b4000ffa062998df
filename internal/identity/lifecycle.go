package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/model"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
)

// Revoke permanently revokes an agent and every descendant in its
// delegation subtree. It returns the DIDs revoked by this call in
// breadth-first order, the root first. Revocation is terminal: revoked
// agents cannot be reactivated and their DIDs cannot be re-registered
// (the key derivation maps them to the same DID).
func (s *Service) Revoke(ctx context.Context, did, reason string) ([]string, error) {
	root, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	if root.Status == model.StatusRevoked {
		return nil, ErrAlreadyRevoked
	}

	subtree, err := s.collectSubtree(ctx, did)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var (
		ops     []storage.Op
		revoked []string
		// sponsors whose active counter must drop, one entry per agent
		released []string
	)
	for i, memberDID := range subtree {
		agent := root
		if i > 0 {
			agent, err = s.Get(ctx, memberDID)
			if err != nil {
				return nil, err
			}
			if agent.Status == model.StatusRevoked {
				continue
			}
		}

		agent.Status = model.StatusRevoked
		agent.RevokedAt = &now
		if i == 0 {
			agent.RevokeReason = reason
		} else {
			agent.RevokeReason = "cascade: ancestor " + did + " revoked"
		}

		raw, err := json.Marshal(agent)
		if err != nil {
			return nil, fmt.Errorf("identity: marshal agent: %w", err)
		}
		ops = append(ops, storage.Op{Kind: storage.OpSet, Key: agentKey(agent.DID), Value: raw})
		revoked = append(revoked, agent.DID)
		released = append(released, agent.SponsorEmail)
	}

	if err := s.store.Apply(ctx, ops); err != nil {
		return nil, fmt.Errorf("identity: persist revocations: %w", err)
	}
	for _, email := range released {
		if _, err := s.store.Decr(ctx, sponsorActiveKey(email)); err != nil {
			s.logger.Warn("identity: release quota failed", "sponsor", email, "error", err)
		}
	}

	s.revoked.Add(ctx, int64(len(revoked)))
	s.logger.Info("agent revoked", "did", did, "reason", reason, "cascade_count", len(revoked)-1)

	for i, memberDID := range revoked {
		memberReason := reason
		action := "revoke"
		if i > 0 {
			memberReason = "cascade: ancestor " + did + " revoked"
			action = "revoke_cascade"
		}
		if err := s.audit.Record(ctx, model.AuditEntry{
			EventType: model.EventAgentRevoked,
			AgentDID:  memberDID,
			Action:    action,
			Outcome:   model.OutcomeSuccess,
			Data:      map[string]any{"reason": memberReason, "origin": did},
		}); err != nil {
			s.logger.Warn("identity: audit record failed", "error", err)
		}
		s.eventBus.Publish(bus.Event{
			Kind:     bus.KindAgentRevoked,
			AgentDID: memberDID,
			Reason:   memberReason,
			At:       now,
		})
	}

	return revoked, nil
}

// Suspend pauses an active agent without tearing down its credentials.
// Validation fails while suspended; Reactivate restores it.
func (s *Service) Suspend(ctx context.Context, did, reason string) (*model.AgentIdentity, error) {
	agent, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	switch agent.Status {
	case model.StatusRevoked:
		return nil, ErrAlreadyRevoked
	case model.StatusActive:
	default:
		return nil, fmt.Errorf("identity: agent %s is %s, not active", did, agent.Status)
	}

	agent.Status = model.StatusSuspended
	if err := s.put(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.Info("agent suspended", "did", did, "reason", reason)
	if err := s.audit.Record(ctx, model.AuditEntry{
		EventType: model.EventAgentSuspended,
		AgentDID:  did,
		Action:    "suspend",
		Outcome:   model.OutcomeSuccess,
		Data:      map[string]any{"reason": reason},
	}); err != nil {
		s.logger.Warn("identity: audit record failed", "error", err)
	}
	s.eventBus.Publish(bus.Event{
		Kind:     bus.KindAgentSuspended,
		AgentDID: did,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	return agent, nil
}

// Reactivate restores a suspended agent to active.
func (s *Service) Reactivate(ctx context.Context, did string) (*model.AgentIdentity, error) {
	agent, err := s.Get(ctx, did)
	if err != nil {
		return nil, err
	}
	switch agent.Status {
	case model.StatusRevoked:
		return nil, ErrAlreadyRevoked
	case model.StatusSuspended:
	default:
		return nil, ErrNotSuspended
	}

	agent.Status = model.StatusActive
	if err := s.put(ctx, agent); err != nil {
		return nil, err
	}

	s.logger.Info("agent reactivated", "did", did)
	if err := s.audit.Record(ctx, model.AuditEntry{
		EventType: model.EventAgentReactivated,
		AgentDID:  did,
		Action:    "reactivate",
		Outcome:   model.OutcomeSuccess,
	}); err != nil {
		s.logger.Warn("identity: audit record failed", "error", err)
	}
	return agent, nil
}

// collectSubtree walks the parent/child index breadth-first from root and
// returns root plus every descendant DID.
func (s *Service) collectSubtree(ctx context.Context, root string) ([]string, error) {
	order := []string{root}
	queue := []string{root}
	seen := map[string]bool{root: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := s.store.HGetAll(ctx, childrenKey(cur))
		if err != nil {
			return nil, fmt.Errorf("identity: read children of %s: %w", cur, err)
		}
		for child := range children {
			if seen[child] {
				continue
			}
			seen[child] = true
			order = append(order, child)
			queue = append(queue, child)
		}
	}
	return order, nil
}
