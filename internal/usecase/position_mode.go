package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

const DefaultModeTTL = 30 * time.Second

// Lower-cased fragments of exchange messages that mean the order disagreed
// with the account's position mode.
var modeConflictSignatures = []string{
	"position side does not match",
	"position side cannot be changed",
	"positionside",
	"dual side position",
}

// IsModeConflict reports whether err came from a position-mode mismatch.
func IsModeConflict(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsKind(err, domain.KindPositionModeConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range modeConflictSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// PositionModeNegotiator resolves the account's one-way/hedge mode and shapes
// order parameters to match it. The mode is always queried, never guessed
// from open positions.
type PositionModeNegotiator struct {
	exchange domain.Exchange
	logger   *zap.Logger
	ttl      time.Duration
	now      func() time.Time

	fetchMu sync.Mutex
	mu      sync.RWMutex
	cached  *domain.PositionModeSetting
}

func NewPositionModeNegotiator(exchange domain.Exchange, ttl time.Duration, logger *zap.Logger) *PositionModeNegotiator {
	if ttl <= 0 {
		ttl = DefaultModeTTL
	}
	return &PositionModeNegotiator{
		exchange: exchange,
		logger:   logger,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CurrentMode returns the cached mode, fetching it when missing or expired.
func (n *PositionModeNegotiator) CurrentMode(ctx context.Context) (domain.PositionModeSetting, error) {
	if m, ok := n.fresh(); ok {
		return m, nil
	}

	n.fetchMu.Lock()
	defer n.fetchMu.Unlock()

	// another caller may have fetched while we waited
	if m, ok := n.fresh(); ok {
		return m, nil
	}

	dual, err := n.exchange.GetPositionMode(ctx)
	if err != nil {
		return domain.PositionModeSetting{}, fmt.Errorf("fetch position mode: %w", err)
	}
	m := domain.PositionModeSetting{DualSidePosition: dual, ResolvedAt: n.now()}

	n.mu.Lock()
	n.cached = &m
	n.mu.Unlock()

	n.logger.Debug("Position mode resolved", zap.Bool("dual_side_position", dual))
	return m, nil
}

func (n *PositionModeNegotiator) fresh() (domain.PositionModeSetting, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cached == nil || n.now().Sub(n.cached.ResolvedAt) >= n.ttl {
		return domain.PositionModeSetting{}, false
	}
	return *n.cached, true
}

// Invalidate drops the cached mode so the next call re-fetches it.
func (n *PositionModeNegotiator) Invalidate() {
	n.mu.Lock()
	n.cached = nil
	n.mu.Unlock()
}

// AdaptOrderParams applies the mode rules to an order: hedge mode always
// carries positionSide, one-way mode never does; reduceOnly is sent only on
// closing orders in both modes.
func AdaptOrderParams(base domain.OrderParams, mode domain.PositionModeSetting) domain.OrderParams {
	out := base
	out.PositionSide = ""
	out.ReduceOnly = ""

	if mode.DualSidePosition {
		switch base.Side {
		case domain.SideLong:
			out.PositionSide = domain.PositionSideLong
		case domain.SideShort:
			out.PositionSide = domain.PositionSideShort
		default:
			out.PositionSide = domain.PositionSideBoth
		}
	}
	if base.Closing {
		out.ReduceOnly = domain.ReduceOnlyTrue
	}
	return out
}

func (n *PositionModeNegotiator) AdaptOrderParams(base domain.OrderParams, mode domain.PositionModeSetting) domain.OrderParams {
	return AdaptOrderParams(base, mode)
}

// PlaceOrder adapts and submits an order. A position-mode conflict
// invalidates the cache and allows exactly one retry with the re-fetched mode.
func (n *PositionModeNegotiator) PlaceOrder(ctx context.Context, base domain.OrderParams) (domain.OrderRef, error) {
	mode, err := n.CurrentMode(ctx)
	if err != nil {
		return domain.OrderRef{}, err
	}
	ref, err := n.exchange.PlaceOrder(ctx, AdaptOrderParams(base, mode))
	if err == nil || !IsModeConflict(err) {
		return ref, err
	}

	n.logger.Warn("Position mode conflict, re-fetching mode",
		zap.String("symbol", base.Symbol),
		zap.Bool("cached_dual_side", mode.DualSidePosition),
		zap.Error(err))
	n.Invalidate()

	mode, err = n.CurrentMode(ctx)
	if err != nil {
		return domain.OrderRef{}, err
	}
	return n.exchange.PlaceOrder(ctx, AdaptOrderParams(base, mode))
}

// SetMode switches the account mode. It refuses while the symbol has an
// open position because the exchange rejects the switch in that case.
func (n *PositionModeNegotiator) SetMode(ctx context.Context, symbol string, dualSide bool) error {
	positions, err := n.exchange.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	open := 0
	for _, p := range positions {
		if p.Symbol == symbol && p.Quantity > 0 {
			open++
		}
	}
	if open > 0 {
		return fmt.Errorf("%w: %s has %d open", domain.ErrModeChangeBlocked, symbol, open)
	}

	current, err := n.CurrentMode(ctx)
	if err == nil && current.DualSidePosition == dualSide {
		return nil
	}

	defer n.Invalidate()
	if err := n.exchange.SetPositionMode(ctx, dualSide); err != nil {
		if IsModeConflict(err) {
			return fmt.Errorf("%w: %v", domain.ErrModeChangeBlocked, err)
		}
		return err
	}
	n.logger.Info("Position mode changed", zap.Bool("dual_side_position", dualSide))
	return nil
}
