package usecase

import (
	"context"
	"fmt"
	"math"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

// Evaluate runs one lifecycle poll for a position. A poll that finds another
// evaluation of the same position in flight returns without doing anything.
func (m *LifecycleManager) Evaluate(ctx context.Context, id string) error {
	if !m.claim(id) {
		m.logger.Debug("Evaluation already in flight", zap.String("id", id))
		return nil
	}
	defer m.release(id)
	return m.evaluateClaimed(ctx, id)
}

func (m *LifecycleManager) evaluateClaimed(ctx context.Context, id string) error {
	pos, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if pos.LifecycleState.Terminal() {
		return nil
	}

	tctx, cancel := m.transitionContext(ctx)
	defer cancel()

	if pos.LifecycleState == domain.StatePending {
		return m.protect(tctx, id)
	}

	snap, err := m.exchange.GetPosition(ctx, pos.Symbol, pos.Side)
	if err != nil {
		return fmt.Errorf("fetch position %s: %w", pos.Symbol, err)
	}
	price := snap.MarkPrice
	if price <= 0 {
		if price, err = m.exchange.GetPrice(ctx, pos.Symbol); err != nil {
			return fmt.Errorf("fetch price %s: %w", pos.Symbol, err)
		}
	}

	if snap.Quantity <= qtyEpsilon {
		m.mergeOrders(tctx, id, m.refreshOrders(ctx, pos))
		return m.finalize(tctx, id, price, "exchange position closed")
	}
	if snap.Side != "" && snap.Side != pos.Side {
		m.fail(tctx, id, fmt.Sprintf("exchange position flipped to %s", snap.Side))
		return nil
	}
	if snap.Quantity > pos.RemainingQty+qtyTolerance(pos.Quantity) {
		m.fail(tctx, id, fmt.Sprintf("exchange position grew to %v, tracking %v", snap.Quantity, pos.RemainingQty))
		return nil
	}

	refreshed := m.refreshOrders(ctx, pos)
	pos, err = m.applyExchangeState(tctx, pos, snap.Quantity, price, refreshed)
	if err != nil {
		return err
	}

	if err := m.evaluateTrailing(tctx, pos, price); err != nil {
		return err
	}
	if pos, err = m.store.Get(id); err != nil || pos.LifecycleState.Terminal() {
		return err
	}
	return m.evaluateLadder(tctx, pos, price)
}

func qtyTolerance(qty float64) float64 {
	return math.Max(qty*1e-6, qtyEpsilon)
}

// refreshOrders fetches the current status of every order the position still
// believes is working. Lookup failures keep the cached status.
func (m *LifecycleManager) refreshOrders(ctx context.Context, pos *domain.Position) map[string]domain.OrderRef {
	out := make(map[string]domain.OrderRef)
	for _, ref := range pos.ProtectiveOrders {
		if !ref.Status.Live() || ref.ExchangeOrderID == "" {
			continue
		}
		cur, err := m.exchange.GetOrder(ctx, pos.Symbol, ref.ExchangeOrderID)
		if err != nil {
			if isUnknownOrder(err) {
				ref.Status = domain.OrderStatusCanceled
				ref.UpdatedAt = m.now()
				out[ref.ClientOrderID] = ref
				continue
			}
			m.logger.Debug("Order status lookup failed",
				zap.String("id", pos.ID),
				zap.String("exchange_order_id", ref.ExchangeOrderID),
				zap.Error(err))
			continue
		}
		ref.Status = cur.Status
		ref.ExecutedQty = cur.ExecutedQty
		ref.AvgPrice = cur.AvgPrice
		ref.UpdatedAt = m.now()
		out[ref.ClientOrderID] = ref
	}
	return out
}

// mergeOrders records refreshed refs without touching anything else.
func (m *LifecycleManager) mergeOrders(ctx context.Context, id string, refreshed map[string]domain.OrderRef) {
	if len(refreshed) == 0 {
		return
	}
	_, err := m.store.Update(ctx, id, func(p *domain.Position) error {
		for i, o := range p.ProtectiveOrders {
			if r, ok := refreshed[o.ClientOrderID]; ok {
				p.ProtectiveOrders[i] = r
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("Failed to record refreshed orders", zap.String("id", id), zap.Error(err))
	}
}

// applyExchangeState writes refreshed order refs, confirmed ladder fills,
// remaining quantity and the high-water price in a single update. The
// exchange state was read against read.Version; if the position was written
// since, the update is dropped with ErrStaleUpdate and the next poll redoes it.
func (m *LifecycleManager) applyExchangeState(ctx context.Context, read *domain.Position, qty, price float64, refreshed map[string]domain.OrderRef) (*domain.Position, error) {
	id := read.ID
	var from domain.LifecycleState
	var newFills []int
	pos, err := m.store.UpdateAt(ctx, id, read.Version, func(p *domain.Position) error {
		if p.LifecycleState.Terminal() {
			return domain.ErrStaleUpdate
		}
		from = p.LifecycleState
		for i, o := range p.ProtectiveOrders {
			if r, ok := refreshed[o.ClientOrderID]; ok {
				p.ProtectiveOrders[i] = r
			}
		}
		for _, o := range p.ProtectiveOrders {
			if o.Kind == domain.OrderKindTakeProfit && o.Status == domain.OrderStatusFilled && !p.FilledLadderSteps[o.Step] {
				p.FilledLadderSteps[o.Step] = true
				newFills = append(newFills, o.Step)
			}
		}
		p.RemainingQty = qty
		if p.HighWaterPrice <= 0 || p.MoreFavorable(price, p.HighWaterPrice) {
			p.HighWaterPrice = price
			if p.TrailingState == domain.TrailingArmed && p.MoreFavorable(price, p.PriceAtProfit(p.RiskPlan.TrailingActivationPct)) {
				p.TrailingState = domain.TrailingRatcheting
			}
		}
		if len(newFills) > 0 {
			if _, err := setState(p, domain.StatePartiallyClosed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, step := range newFills {
		m.logger.Info("Take-profit step filled",
			zap.String("id", id),
			zap.String("symbol", pos.Symbol),
			zap.Int("step", step),
			zap.Float64("remaining", pos.RemainingQty))
	}
	if pos.LifecycleState != from {
		m.emit(pos, from, pos.LifecycleState, fmt.Sprintf("take-profit steps %v filled", newFills), false)
	}
	return pos, nil
}

func (m *LifecycleManager) evaluateTrailing(ctx context.Context, pos *domain.Position, price float64) error {
	if pos.TrailingState == domain.TrailingInactive {
		if pos.RiskPlan.TrailingActivationPct <= 0 || pos.ProfitPct(price) < pos.RiskPlan.TrailingActivationPct {
			return nil
		}
		return m.armTrailing(ctx, pos, price)
	}
	return m.maintainTrailing(ctx, pos, price)
}

// armTrailing places the trailing stop and only then cancels the static
// stop-loss, so the position is never without a stop in between.
func (m *LifecycleManager) armTrailing(ctx context.Context, pos *domain.Position, price float64) error {
	if _, err := m.placeTrailing(ctx, pos, price); err != nil {
		if escalates(err) {
			m.fail(ctx, pos.ID, fmt.Sprintf("trailing stop rejected: %v", err))
			return nil
		}
		return err
	}
	m.cancelOrders(ctx, pos.ID, domain.OrderKindStopLoss)

	target := pos.LifecycleState
	if target == domain.StateProtectedOpen {
		target = domain.StateTrailingArmed
	}
	reason := fmt.Sprintf("profit %.2f%% reached trailing activation %.2f%%", pos.ProfitPct(price), pos.RiskPlan.TrailingActivationPct)
	err := m.transition(ctx, pos.ID, target, reason, func(p *domain.Position) {
		p.TrailingState = domain.TrailingArmed
		p.RearmFailures = 0
		p.HighWaterPrice = price
	})
	if err == nil {
		m.logger.Info("Trailing stop armed",
			zap.String("id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.Float64("activation_price", price),
			zap.Float64("callback_pct", pos.RiskPlan.TrailingCallbackPct))
	}
	return err
}

// maintainTrailing re-arms a trailing stop that is no longer working. After
// RearmAttempts consecutive failures the static stop-loss is restored as a
// safety net while re-arming continues on later polls.
func (m *LifecycleManager) maintainTrailing(ctx context.Context, pos *domain.Position, price float64) error {
	if _, ok := pos.LiveOrder(domain.OrderKindTrailing, 0); ok {
		if pos.RearmFailures > 0 {
			return m.restoreTrailing(ctx, pos)
		}
		return nil
	}
	if i := pos.FindOrder(domain.OrderKindTrailing, 0); i >= 0 && pos.ProtectiveOrders[i].Status == domain.OrderStatusFilled {
		return nil
	}

	activation := price
	if !pos.MoreFavorable(activation, pos.EntryPrice) {
		activation = pos.HighWaterPrice
	}
	if _, err := m.placeTrailing(ctx, pos, activation); err != nil {
		return m.rearmFailed(ctx, pos, err)
	}
	cur, err := m.store.Get(pos.ID)
	if err != nil {
		return err
	}
	m.logger.Info("Trailing stop re-armed", zap.String("id", pos.ID), zap.String("symbol", pos.Symbol))
	return m.restoreTrailing(ctx, cur)
}

// restoreTrailing clears the fallback after a successful re-arm.
func (m *LifecycleManager) restoreTrailing(ctx context.Context, pos *domain.Position) error {
	if _, ok := pos.LiveOrder(domain.OrderKindStopLoss, 0); ok {
		m.cancelOrders(ctx, pos.ID, domain.OrderKindStopLoss)
	}
	target := pos.LifecycleState
	if target == domain.StateProtectedOpen {
		target = domain.StateTrailingArmed
	}
	return m.transition(ctx, pos.ID, target, "trailing stop re-armed", func(p *domain.Position) {
		p.RearmFailures = 0
	})
}

func (m *LifecycleManager) rearmFailed(ctx context.Context, pos *domain.Position, cause error) error {
	cur, err := m.store.Update(ctx, pos.ID, func(p *domain.Position) error {
		p.RearmFailures++
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Warn("Trailing stop re-arm failed",
		zap.String("id", pos.ID),
		zap.Int("failures", cur.RearmFailures),
		zap.Error(cause))
	if cur.RearmFailures < m.cfg.RearmAttempts {
		return nil
	}

	if _, ok := cur.LiveOrder(domain.OrderKindStopLoss, 0); !ok {
		if _, err := m.placeStopLoss(ctx, cur, cur.RemainingQty); err != nil {
			m.fail(ctx, pos.ID, fmt.Sprintf("unprotected: trailing re-arm and safety stop-loss both failed: %v", err))
			return nil
		}
		m.alert(cur, fmt.Sprintf("trailing stop lost after %d re-arm attempts, static stop-loss restored", cur.RearmFailures))
	}
	target := cur.LifecycleState
	if target == domain.StateTrailingArmed {
		target = domain.StateProtectedOpen
	}
	return m.transition(ctx, pos.ID, target, "trailing fallback to static stop-loss", nil)
}

func (m *LifecycleManager) placeTrailing(ctx context.Context, pos *domain.Position, activation float64) (domain.OrderRef, error) {
	return m.submit(ctx, pos, domain.OrderParams{
		Type:            domain.OrderTypeTrailingStop,
		Quantity:        pos.RemainingQty,
		ActivationPrice: activation,
		CallbackRate:    pos.RiskPlan.TrailingCallbackPct,
		Kind:            domain.OrderKindTrailing,
	})
}

// cancelOrders cancels every live order of kind and marks it cancelled.
func (m *LifecycleManager) cancelOrders(ctx context.Context, id string, kind domain.OrderKind) {
	pos, err := m.store.Get(id)
	if err != nil {
		return
	}
	cancelled := make(map[string]bool)
	for _, o := range pos.ProtectiveOrders {
		if o.Kind != kind || !o.Status.Live() {
			continue
		}
		if err := m.exchange.CancelOrder(ctx, pos.Symbol, o.ExchangeOrderID); err != nil && !isUnknownOrder(err) {
			m.logger.Warn("Failed to cancel order",
				zap.String("id", id),
				zap.String("kind", string(kind)),
				zap.String("exchange_order_id", o.ExchangeOrderID),
				zap.Error(err))
			continue
		}
		cancelled[o.ClientOrderID] = true
	}
	if len(cancelled) == 0 {
		return
	}
	_, err = m.store.Update(ctx, id, func(p *domain.Position) error {
		for i, o := range p.ProtectiveOrders {
			if cancelled[o.ClientOrderID] {
				p.ProtectiveOrders[i].Status = domain.OrderStatusCanceled
				p.ProtectiveOrders[i].UpdatedAt = m.now()
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("Failed to record cancelled orders", zap.String("id", id), zap.Error(err))
	}
}

// evaluateLadder submits a reduce-only market order for every crossed step
// that is neither filled nor already working. Steps are marked filled only
// from exchange-confirmed order status in applyExchangeState.
func (m *LifecycleManager) evaluateLadder(ctx context.Context, pos *domain.Position, price float64) error {
	profit := pos.ProfitPct(price)
	for i, step := range pos.RiskPlan.TakeProfitLadder {
		if pos.FilledLadderSteps[i] || profit < step.Pct {
			continue
		}
		if _, ok := pos.LiveOrder(domain.OrderKindTakeProfit, i); ok {
			continue
		}
		qty := math.Min(step.Portion*pos.Quantity, pos.RemainingQty)
		if qty <= qtyEpsilon {
			continue
		}
		m.logger.Info("Take-profit step crossed",
			zap.String("id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.Int("step", i),
			zap.Float64("profit_pct", profit),
			zap.Float64("qty", qty))
		_, err := m.submit(ctx, pos, domain.OrderParams{
			Type:     domain.OrderTypeMarket,
			Quantity: qty,
			Kind:     domain.OrderKindTakeProfit,
			Step:     i,
		})
		if err != nil {
			if escalates(err) {
				m.fail(ctx, pos.ID, fmt.Sprintf("take-profit step %d rejected: %v", i, err))
				return nil
			}
			return err
		}
		if pos, err = m.store.Get(pos.ID); err != nil {
			return err
		}
	}
	return nil
}
