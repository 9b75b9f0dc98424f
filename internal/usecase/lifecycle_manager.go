package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/metrics"
	"go.uber.org/zap"
)

const qtyEpsilon = 1e-9

// clientIDNamespace seeds deterministic client order ids, so a retried
// submission reuses the id of the attempt it repeats.
var clientIDNamespace = uuid.MustParse("6f1c1c2e-3b8e-4d4f-9a55-1d2b5e0c7a11")

type LifecycleConfig struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	TransitionTimeout time.Duration
	RearmAttempts     int
	QuoteAsset        string
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		PollInterval:      10 * time.Second,
		ReconcileInterval: time.Minute,
		TransitionTimeout: 30 * time.Second,
		RearmAttempts:     2,
		QuoteAsset:        "USDT",
	}
}

// OpenRequest hands a confirmed entry fill to the manager. A zero Balance is
// fetched from the exchange; a zero ATRPct uses the reference ATR.
type OpenRequest struct {
	Fill    domain.EntryFill
	Balance float64
	Regime  domain.MarketRegime
	ATRPct  float64
}

// LifecycleManager drives every tracked position from entry fill to close.
type LifecycleManager struct {
	exchange domain.Exchange
	modes    *PositionModeNegotiator
	tiers    *TierResolver
	calc     *RiskCalculator
	store    *PositionStore
	history  domain.PositionRepository
	events   domain.EventSink
	logger   *zap.Logger
	cfg      LifecycleConfig
	now      func() time.Time

	inflight sync.Map // ids of positions claimed by an evaluation

	mu      sync.Mutex
	runCtx  context.Context
	workers map[string]*positionWorker
	wg      sync.WaitGroup
}

func NewLifecycleManager(
	exchange domain.Exchange,
	modes *PositionModeNegotiator,
	tiers *TierResolver,
	calc *RiskCalculator,
	store *PositionStore,
	history domain.PositionRepository,
	events domain.EventSink,
	cfg LifecycleConfig,
	logger *zap.Logger,
) *LifecycleManager {
	def := DefaultLifecycleConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = def.TransitionTimeout
	}
	if cfg.RearmAttempts <= 0 {
		cfg.RearmAttempts = def.RearmAttempts
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	return &LifecycleManager{
		exchange: exchange,
		modes:    modes,
		tiers:    tiers,
		calc:     calc,
		store:    store,
		history:  history,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		workers:  make(map[string]*positionWorker),
	}
}

func (m *LifecycleManager) Store() *PositionStore {
	return m.store
}

// Positions returns copies of every tracked position.
func (m *LifecycleManager) Positions() []*domain.Position {
	return m.store.List()
}

func (m *LifecycleManager) Position(id string) (*domain.Position, error) {
	return m.store.Get(id)
}

// Open takes over a freshly filled entry: it derives the RiskPlan, records
// the position as Pending and places the stop-loss and first take-profit.
// If protection cannot be placed the position ends Failed with a critical
// alert; it is never left unprotected silently. A fill for a slot that is
// already tracked, for example one reconciliation adopted first, returns the
// tracked position with ErrPositionExists.
func (m *LifecycleManager) Open(ctx context.Context, req OpenRequest) (*domain.Position, error) {
	fill := req.Fill
	if fill.Symbol == "" || fill.Quantity <= 0 || fill.Price <= 0 {
		return nil, fmt.Errorf("invalid entry fill: %+v", fill)
	}
	if fill.Side != domain.SideLong && fill.Side != domain.SideShort {
		return nil, fmt.Errorf("invalid entry side %q", fill.Side)
	}
	if cur, ok := m.store.FindByKey(fill.Symbol, fill.Side); ok {
		return cur, fmt.Errorf("%w: %s %s as %s", domain.ErrPositionExists, fill.Symbol, fill.Side, cur.ID)
	}

	balance := req.Balance
	if balance <= 0 {
		b, err := m.exchange.GetBalance(ctx, m.cfg.QuoteAsset)
		if err != nil {
			return nil, fmt.Errorf("fetch balance: %w", err)
		}
		balance = b
	}
	regime := domain.ParseRegime(string(req.Regime))

	tier := m.tiers.Resolve(balance)
	plan := m.calc.ComputeWithATR(tier, regime, req.ATRPct)

	if open := len(m.openPositions()); open >= plan.MaxPositions {
		m.logger.Warn("Entry exceeds tier position limit, protecting anyway",
			zap.String("symbol", fill.Symbol),
			zap.Int("open", open),
			zap.Int("max_positions", plan.MaxPositions))
	}

	filledAt := fill.FilledAt
	if filledAt.IsZero() {
		filledAt = m.now()
	}
	pos := &domain.Position{
		ID:                uuid.NewString(),
		Symbol:            fill.Symbol,
		Side:              fill.Side,
		EntryPrice:        fill.Price,
		Quantity:          fill.Quantity,
		RemainingQty:      fill.Quantity,
		EntryOrderID:      fill.OrderID,
		Tier:              tier,
		RiskPlan:          plan,
		TrailingState:     domain.TrailingInactive,
		FilledLadderSteps: make(map[int]bool),
		LifecycleState:    domain.StatePending,
		HighWaterPrice:    fill.Price,
		CreatedAt:         filledAt,
	}
	m.claim(pos.ID)
	if err := m.store.Insert(ctx, pos); err != nil {
		m.release(pos.ID)
		if errors.Is(err, domain.ErrPositionExists) {
			cur, _ := m.store.FindByKey(fill.Symbol, fill.Side)
			return cur, err
		}
		return nil, err
	}
	metrics.OpenPositions.Set(float64(m.store.Len()))

	m.logger.Info("Position opened",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("balance", balance),
		zap.Float64("tier_floor", tier.BalanceFloor),
		zap.String("regime", string(regime)),
		zap.Float64("stop_loss_pct", plan.StopLossPct),
		zap.Int("max_leverage", plan.MaxLeverage))
	m.emit(pos, "", domain.StatePending, "entry filled", false)

	tctx, cancel := m.transitionContext(ctx)
	err := m.protect(tctx, pos.ID)
	cancel()
	m.release(pos.ID)
	if err != nil {
		cur, _ := m.store.Get(pos.ID)
		return cur, err
	}

	m.startWorker(pos.ID)
	return m.store.Get(pos.ID)
}

// protect places the static stop-loss and the first ladder order for a
// Pending position and moves it to ProtectedOpen. Orders that are already
// live are not placed again, so it is safe to re-run after a crash.
func (m *LifecycleManager) protect(ctx context.Context, id string) error {
	pos, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if pos.LifecycleState != domain.StatePending {
		return nil
	}

	if _, ok := pos.LiveOrder(domain.OrderKindStopLoss, 0); !ok {
		if _, err := m.placeStopLoss(ctx, pos, pos.Quantity); err != nil {
			m.fail(ctx, id, fmt.Sprintf("unprotected: stop-loss rejected: %v", err))
			return err
		}
	}

	if len(pos.RiskPlan.TakeProfitLadder) > 0 && !pos.FilledLadderSteps[0] {
		if _, ok := pos.LiveOrder(domain.OrderKindTakeProfit, 0); !ok {
			step := pos.RiskPlan.TakeProfitLadder[0]
			params := domain.OrderParams{
				Type:      domain.OrderTypeTakeProfit,
				Quantity:  step.Portion * pos.Quantity,
				StopPrice: pos.PriceAtProfit(step.Pct),
				Kind:      domain.OrderKindTakeProfit,
				Step:      0,
			}
			if _, err := m.submit(ctx, pos, params); err != nil {
				m.fail(ctx, id, fmt.Sprintf("unprotected: take-profit step 0 rejected: %v", err))
				return err
			}
		}
	}

	return m.transition(ctx, id, domain.StateProtectedOpen, "protective orders placed", nil)
}

func (m *LifecycleManager) placeStopLoss(ctx context.Context, pos *domain.Position, qty float64) (domain.OrderRef, error) {
	return m.submit(ctx, pos, domain.OrderParams{
		Type:      domain.OrderTypeStopMarket,
		Quantity:  qty,
		StopPrice: pos.PriceAtLoss(pos.RiskPlan.StopLossPct),
		Kind:      domain.OrderKindStopLoss,
	})
}

// submit places a closing order for pos and records the resulting ref. The
// client order id is derived from the position, the order kind/step and the
// number of earlier orders of that kind, so repeating a lost submission
// repeats the same id and the exchange deduplicates it.
func (m *LifecycleManager) submit(ctx context.Context, pos *domain.Position, params domain.OrderParams) (domain.OrderRef, error) {
	if cur, err := m.store.Get(pos.ID); err == nil {
		pos = cur
	}
	params.Symbol = pos.Symbol
	params.Side = pos.Side
	params.Closing = true
	params.ClientOrderID = clientOrderID(pos, params.Kind, params.Step)

	ref, err := m.modes.PlaceOrder(ctx, params)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(params.Kind), domain.KindOf(err).String()).Inc()
		m.logger.Error("Order rejected",
			zap.String("id", pos.ID),
			zap.String("symbol", pos.Symbol),
			zap.String("kind", string(params.Kind)),
			zap.Int("step", params.Step),
			zap.String("client_order_id", params.ClientOrderID),
			zap.Error(err))
		return domain.OrderRef{}, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(params.Kind), "ok").Inc()

	ref.Kind = params.Kind
	ref.Step = params.Step
	ref.Symbol = pos.Symbol
	if ref.ClientOrderID == "" {
		ref.ClientOrderID = params.ClientOrderID
	}
	if ref.Quantity == 0 {
		ref.Quantity = params.Quantity
	}
	if ref.Status == "" {
		ref.Status = domain.OrderStatusNew
	}
	if ref.UpdatedAt.IsZero() {
		ref.UpdatedAt = m.now()
	}
	if ref.ReduceOnlyDropped {
		m.alert(pos, fmt.Sprintf("%s order %s accepted without reduceOnly", ref.Kind, ref.ExchangeOrderID))
	}

	// The order exists on the exchange now; record it even if the position
	// moved on meanwhile so it can be cancelled on close.
	if _, err := m.store.Update(ctx, pos.ID, func(p *domain.Position) error {
		p.UpsertOrder(ref)
		return nil
	}); err != nil {
		m.logger.Error("Failed to record order",
			zap.String("id", pos.ID),
			zap.String("exchange_order_id", ref.ExchangeOrderID),
			zap.Error(err))
	}

	m.logger.Info("Order placed",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("kind", string(ref.Kind)),
		zap.Int("step", ref.Step),
		zap.String("exchange_order_id", ref.ExchangeOrderID),
		zap.Float64("qty", ref.Quantity))
	return ref, nil
}

func clientOrderID(pos *domain.Position, kind domain.OrderKind, step int) string {
	gen := 0
	for _, o := range pos.ProtectiveOrders {
		if o.Kind == kind && o.Step == step {
			gen++
		}
	}
	key := fmt.Sprintf("%s/%s/%d/%d", pos.ID, kind, step, gen)
	return uuid.NewSHA1(clientIDNamespace, []byte(key)).String()
}

// transition moves a position to state `to`, optionally mutating it in the
// same write, and emits the event when the state actually changed.
func (m *LifecycleManager) transition(ctx context.Context, id string, to domain.LifecycleState, reason string, mutate func(p *domain.Position)) error {
	var from domain.LifecycleState
	var changed bool
	pos, err := m.store.Update(ctx, id, func(p *domain.Position) error {
		from = p.LifecycleState
		c, err := setState(p, to)
		if err != nil {
			return err
		}
		changed = c
		if mutate != nil {
			mutate(p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		m.emit(pos, from, to, reason, to == domain.StateFailed)
	}
	return nil
}

// fail moves the position to Failed and raises a critical alert. Failed
// positions are never retried automatically.
func (m *LifecycleManager) fail(ctx context.Context, id, reason string) {
	err := m.transition(ctx, id, domain.StateFailed, reason, func(p *domain.Position) {
		p.FailureReason = reason
	})
	if err != nil {
		m.logger.Error("Failed to mark position failed",
			zap.String("id", id),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	m.logger.Error("Position failed", zap.String("id", id), zap.String("reason", reason))
}

// alert publishes a critical event without a state change.
func (m *LifecycleManager) alert(pos *domain.Position, reason string) {
	m.logger.Error("Position alert", zap.String("id", pos.ID), zap.String("symbol", pos.Symbol), zap.String("reason", reason))
	m.emit(pos, pos.LifecycleState, pos.LifecycleState, reason, true)
}

// finalize cancels whatever is still working for the position, writes the
// history record and drops it from the store.
func (m *LifecycleManager) finalize(ctx context.Context, id string, exitPrice float64, reason string) error {
	pos, err := m.store.Get(id)
	if err != nil {
		return err
	}

	m.cancelDangling(ctx, pos)

	var from domain.LifecycleState
	pos, err = m.store.Update(ctx, id, func(p *domain.Position) error {
		from = p.LifecycleState
		if _, err := setState(p, domain.StateClosed); err != nil {
			return err
		}
		p.RemainingQty = 0
		return nil
	})
	if err != nil {
		return err
	}

	h := buildHistory(pos, exitPrice, reason, m.now())
	if err := m.history.SavePositionHistory(ctx, h); err != nil {
		m.logger.Error("Failed to save position history", zap.String("id", id), zap.Error(err))
	}
	if err := m.store.Remove(ctx, id); err != nil {
		return err
	}
	metrics.OpenPositions.Set(float64(m.store.Len()))

	m.logger.Info("Position closed",
		zap.String("id", id),
		zap.String("symbol", pos.Symbol),
		zap.Float64("exit", h.ExitPrice),
		zap.Float64("pnl", h.RealizedPnL),
		zap.String("reason", reason))
	m.emit(pos, from, domain.StateClosed, reason, false)
	return nil
}

// cancelDangling cancels live orders that belong to the position. Orders of
// the other side of a hedge-mode symbol are left alone.
func (m *LifecycleManager) cancelDangling(ctx context.Context, pos *domain.Position) {
	ours := make(map[string]bool, len(pos.ProtectiveOrders))
	for _, o := range pos.ProtectiveOrders {
		ours[o.ClientOrderID] = true
	}
	toCancel := make(map[string]string)
	for _, o := range pos.ProtectiveOrders {
		if o.Status.Live() && o.ExchangeOrderID != "" {
			toCancel[o.ExchangeOrderID] = o.ClientOrderID
		}
	}
	open, err := m.exchange.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn("Failed to list open orders, cancelling known refs only", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
	for _, o := range open {
		if ours[o.ClientOrderID] {
			toCancel[o.ExchangeOrderID] = o.ClientOrderID
		}
	}
	for orderID := range toCancel {
		if err := m.exchange.CancelOrder(ctx, pos.Symbol, orderID); err != nil && !isUnknownOrder(err) {
			m.logger.Warn("Failed to cancel dangling order",
				zap.String("id", pos.ID),
				zap.String("exchange_order_id", orderID),
				zap.Error(err))
		}
	}
}

func buildHistory(pos *domain.Position, exitPrice float64, reason string, now time.Time) *domain.PositionHistory {
	dir := 1.0
	if pos.Side == domain.SideShort {
		dir = -1
	}
	var pnl, exitQty, exitNotional float64
	for _, o := range pos.ProtectiveOrders {
		if o.ExecutedQty > 0 && o.AvgPrice > 0 {
			pnl += dir * (o.AvgPrice - pos.EntryPrice) * o.ExecutedQty
			exitQty += o.ExecutedQty
			exitNotional += o.AvgPrice * o.ExecutedQty
		}
	}
	if rest := pos.Quantity - exitQty; rest > qtyEpsilon && exitPrice > 0 {
		pnl += dir * (exitPrice - pos.EntryPrice) * rest
		exitQty += rest
		exitNotional += exitPrice * rest
	}
	avgExit := exitPrice
	if exitQty > 0 {
		avgExit = exitNotional / exitQty
	}
	return &domain.PositionHistory{
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     avgExit,
		RealizedPnL:   math.Round(pnl*1e8) / 1e8,
		FilledSteps:   len(pos.FilledLadderSteps),
		TrailingState: pos.TrailingState,
		FinalState:    pos.LifecycleState,
		Reason:        reason,
		OpenedAt:      pos.CreatedAt,
		ClosedAt:      now,
	}
}

func (m *LifecycleManager) emit(pos *domain.Position, from, to domain.LifecycleState, reason string, critical bool) {
	if from != to {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if m.events == nil {
		return
	}
	m.events.Publish(domain.LifecycleEvent{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		FromState:  from,
		ToState:    to,
		Reason:     reason,
		Critical:   critical,
		Timestamp:  m.now(),
	})
}

// transitionContext detaches a transition from shutdown cancellation so it
// completes instead of stopping half-applied, bounded by TransitionTimeout.
func (m *LifecycleManager) transitionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TransitionTimeout)
}

// claim marks a position as being evaluated and reports whether the caller
// got it. It never waits: a caller that loses the claim skips the position
// until a later poll. No lock is held while a claim is out.
func (m *LifecycleManager) claim(id string) bool {
	_, busy := m.inflight.LoadOrStore(id, struct{}{})
	return !busy
}

func (m *LifecycleManager) release(id string) {
	m.inflight.Delete(id)
}

func (m *LifecycleManager) openPositions() []*domain.Position {
	var out []*domain.Position
	for _, p := range m.store.List() {
		if IsOpen(p.LifecycleState) || p.LifecycleState == domain.StatePending {
			out = append(out, p)
		}
	}
	return out
}

// escalates reports whether an order error must fail the position instead
// of being retried on the next poll. Only transport and throttle errors are
// retried; validation and mode errors arrive here after the gateway and the
// negotiator have spent their single repair.
func escalates(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindTransport, domain.KindThrottle:
		return false
	}
	return true
}

func isUnknownOrder(err error) bool {
	var ee *domain.ExchangeError
	return errors.As(err, &ee) && (ee.Code == -2011 || ee.Code == -2013)
}
