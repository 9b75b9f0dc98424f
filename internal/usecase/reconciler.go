package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/metrics"
	"go.uber.org/zap"
)

type ReconcileResult struct {
	Adopted     int `json:"adopted"`
	Closed      int `json:"closed"`
	Reprotected int `json:"reprotected"`
	Failed      int `json:"failed"`
}

// Reconcile converges the store with the exchange. Exchange positions nobody
// tracks are adopted with the most conservative plan, tracked positions gone
// from the exchange are closed, and positions stuck in Pending are protected
// again. Failed entries are left for RecoverFailed and block adoption of
// their slot. Positions with an evaluation in flight are skipped, never
// waited for; the next sweep picks them up.
func (m *LifecycleManager) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	snaps, err := m.exchange.GetPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch positions: %w", err)
	}
	live := make(map[string]domain.PositionSnapshot, len(snaps))
	for _, s := range snaps {
		if s.Quantity > qtyEpsilon {
			live[s.Key()] = s
		}
	}

	tracked := make(map[string]bool)
	for _, p := range m.store.List() {
		key := domain.PositionKey(p.Symbol, p.Side)
		switch p.LifecycleState {
		case domain.StateFailed:
			tracked[key] = true
			res.Failed++
			continue
		case domain.StateClosed:
			// closed but not removed before a restart
			if err := m.store.Remove(ctx, p.ID); err != nil {
				m.logger.Error("Failed to drop closed position", zap.String("id", p.ID), zap.Error(err))
			}
			continue
		}

		if _, ok := live[key]; !ok {
			err := m.closeMissing(ctx, p)
			switch {
			case errors.Is(err, domain.ErrPositionBusy):
				m.logger.Debug("Missing position busy, closing next sweep", zap.String("id", p.ID))
				tracked[key] = true
			case err != nil:
				m.logger.Error("Failed to close missing position", zap.String("id", p.ID), zap.Error(err))
				tracked[key] = true
			default:
				res.Closed++
			}
			continue
		}
		tracked[key] = true

		if p.LifecycleState == domain.StatePending {
			err := m.withPosition(ctx, p.ID, m.protect)
			switch {
			case errors.Is(err, domain.ErrPositionBusy):
				m.logger.Debug("Pending position busy, skipping re-protect", zap.String("id", p.ID))
			case err != nil:
				m.logger.Error("Failed to re-protect position", zap.String("id", p.ID), zap.Error(err))
			default:
				res.Reprotected++
			}
		}
		m.startWorker(p.ID)
	}

	for key, snap := range live {
		if tracked[key] {
			continue
		}
		if _, err := m.adopt(ctx, snap, "untracked exchange position adopted"); err != nil {
			if errors.Is(err, domain.ErrPositionExists) {
				// an entry fill reached Open after the store was listed
				continue
			}
			m.logger.Error("Failed to adopt exchange position",
				zap.String("symbol", snap.Symbol),
				zap.String("side", string(snap.Side)),
				zap.Error(err))
			continue
		}
		res.Adopted++
	}

	metrics.OpenPositions.Set(float64(m.store.Len()))
	m.logger.Info("Reconciliation finished",
		zap.Int("exchange_positions", len(live)),
		zap.Int("adopted", res.Adopted),
		zap.Int("closed", res.Closed),
		zap.Int("reprotected", res.Reprotected),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (m *LifecycleManager) closeMissing(ctx context.Context, p *domain.Position) error {
	price, err := m.exchange.GetPrice(ctx, p.Symbol)
	if err != nil {
		m.logger.Warn("No exit price for missing position", zap.String("symbol", p.Symbol), zap.Error(err))
		price = 0
	}
	return m.withPosition(ctx, p.ID, func(tctx context.Context, id string) error {
		m.mergeOrders(tctx, id, m.refreshOrders(tctx, p))
		return m.finalize(tctx, id, price, "position absent on exchange")
	})
}

// withPosition claims the position and runs fn on a detached transition
// context. It returns ErrPositionBusy at once if an evaluation holds it.
func (m *LifecycleManager) withPosition(ctx context.Context, id string, fn func(context.Context, string) error) error {
	if !m.claim(id) {
		return fmt.Errorf("%w: %s", domain.ErrPositionBusy, id)
	}
	defer m.release(id)
	tctx, cancel := m.transitionContext(ctx)
	defer cancel()
	return fn(tctx, id)
}

// adopt starts tracking an exchange position that has no store entry. It
// returns ErrPositionExists if the slot got tracked in the meantime.
func (m *LifecycleManager) adopt(ctx context.Context, snap domain.PositionSnapshot, reason string) (*domain.Position, error) {
	tier := m.tiers.MostConservative()
	plan := m.calc.Compute(tier, domain.RegimeQuiet)

	entry := snap.EntryPrice
	if entry <= 0 {
		entry = snap.MarkPrice
	}
	now := m.now()
	pos := &domain.Position{
		ID:                uuid.NewString(),
		Symbol:            snap.Symbol,
		Side:              snap.Side,
		EntryPrice:        entry,
		Quantity:          snap.Quantity,
		RemainingQty:      snap.Quantity,
		Tier:              tier,
		RiskPlan:          plan,
		TrailingState:     domain.TrailingInactive,
		FilledLadderSteps: make(map[int]bool),
		LifecycleState:    domain.StatePending,
		HighWaterPrice:    entry,
		Synthesized:       true,
		CreatedAt:         now,
	}
	m.claim(pos.ID)
	defer m.release(pos.ID)
	if err := m.store.Insert(ctx, pos); err != nil {
		return nil, err
	}
	m.logger.Warn("Adopting exchange position",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("entry", pos.EntryPrice),
		zap.String("reason", reason))
	m.emit(pos, "", domain.StatePending, reason, false)

	tctx, cancel := m.transitionContext(ctx)
	err := m.protect(tctx, pos.ID)
	cancel()
	if err != nil {
		return nil, err
	}
	m.startWorker(pos.ID)
	return m.store.Get(pos.ID)
}

// RecoverFailed is the explicit way out of Failed: the failed entry is
// archived and the position is re-derived from the exchange snapshot.
// It returns nil when the exchange no longer holds the position.
func (m *LifecycleManager) RecoverFailed(ctx context.Context, id string) (*domain.Position, error) {
	pos, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if pos.LifecycleState != domain.StateFailed {
		return nil, fmt.Errorf("%w: %s is %s, not %s", domain.ErrInvalidTransition, id, pos.LifecycleState, domain.StateFailed)
	}

	snap, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return nil, fmt.Errorf("fetch position %s: %w", pos.Symbol, err)
	}

	err = m.withPosition(ctx, id, func(tctx context.Context, id string) error {
		m.cancelDangling(tctx, pos)
		h := buildHistory(pos, snap.MarkPrice, "recovered: "+pos.FailureReason, m.now())
		if err := m.history.SavePositionHistory(tctx, h); err != nil {
			m.logger.Error("Failed to save position history", zap.String("id", id), zap.Error(err))
		}
		return m.store.Remove(tctx, id)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Failed position cleared for recovery", zap.String("id", id), zap.String("symbol", pos.Symbol))

	if snap.Quantity <= qtyEpsilon {
		metrics.OpenPositions.Set(float64(m.store.Len()))
		return nil, nil
	}
	return m.adopt(ctx, snap, "recovered from "+string(domain.StateFailed))
}
