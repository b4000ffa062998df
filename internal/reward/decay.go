package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/bus"
)

// Run drives the engine's background work: the idle-decay sweep ticker and
// ingestion of revocations announced by other components, so their agents
// stop being scored and ranked. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	sub := e.eventBus.Subscribe(bus.KindAgentRevoked)
	defer e.eventBus.Unsubscribe(sub)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if err := e.markRevoked(ctx, ev.AgentDID); err != nil {
				e.logger.Warn("mark revoked failed", "did", ev.AgentDID, "error", err)
			}
		case <-ticker.C:
			if err := e.sweepOnce(ctx); err != nil {
				e.logger.Warn("decay sweep failed", "error", err)
			}
		}
	}
}

// sweepOnce applies idle decay across the ranked population.
func (e *Engine) sweepOnce(ctx context.Context) error {
	members, err := e.store.ZRangeByScore(ctx, rankingKey, 0, 1000)
	if err != nil {
		return fmt.Errorf("reward: read ranking: %w", err)
	}
	for _, m := range members {
		if err := e.decayAgent(ctx, m.Member); err != nil {
			e.logger.Warn("decay failed", "did", m.Member, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// decayAgent applies whatever decay the agent's current idle period owes
// beyond what previous sweeps already took, capped so the composite never
// decays below the floor, then runs threshold enforcement on the result.
func (e *Engine) decayAgent(ctx context.Context, did string) error {
	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}

	now := time.Now().UTC()
	idle := now.Sub(rec.LastPositiveAt)
	if idle < e.idleAfter {
		return nil
	}

	owed := e.decayRate * idle.Hours()
	delta := owed - rec.PeriodDecay
	if delta <= 0 {
		return nil
	}
	room := float64(rec.Total - scoreFloor)
	if room < 0 {
		room = 0
	}
	if delta > room {
		delta = room
	}
	if delta == 0 {
		return nil
	}

	rec.PeriodDecay += delta
	rec.DecayPenalty += delta
	rec.UpdatedAt = now
	if err := e.commit(ctx, rec, nil); err != nil {
		return err
	}

	e.logger.Debug("trust score decayed",
		"did", did, "decay", delta, "score", rec.Total, "idle_hours", idle.Hours())
	e.enforce(ctx, rec)
	return nil
}

// markRevoked flags an agent's scoring state terminal after an external
// revocation. The engine's own auto-revocations pass through here too when
// the identity registry broadcasts them; by then the record is already
// terminal and this is a no-op.
func (e *Engine) markRevoked(ctx context.Context, did string) error {
	unlock := e.locks.lock(did)
	defer unlock()

	rec, err := e.load(ctx, did)
	if err != nil {
		return err
	}
	if rec.Revoked {
		return nil
	}
	rec.Revoked = true
	rec.UpdatedAt = time.Now().UTC()
	if err := e.commit(ctx, rec, nil); err != nil {
		return err
	}
	e.logger.Info("scoring stopped for revoked agent", "did", did)
	return nil
}
