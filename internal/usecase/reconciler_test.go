package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/risk_lifecycle/internal/domain"
)

func TestReconcile_AdoptsUntrackedPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.OpenPosition("BTCUSDT", domain.SideLong, 0.01, 50000)
	h.ex.OpenPosition("ETHUSDT", domain.SideLong, 1, 3000)
	h.ex.OpenPosition("SOLUSDT", domain.SideShort, 10, 150)

	res, err := h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Adopted: 3}, res)

	positions := h.manager.Positions()
	require.Len(t, positions, 3)
	for _, p := range positions {
		assert.True(t, p.Synthesized, p.Symbol)
		assert.Equal(t, domain.StateProtectedOpen, p.LifecycleState, p.Symbol)
		assert.Equal(t, domain.RiskExtremelyLow, p.Tier.RiskLevel, p.Symbol)
		assert.Equal(t, domain.RegimeQuiet, p.RiskPlan.Regime, p.Symbol)
		_, ok := p.LiveOrder(domain.OrderKindStopLoss, 0)
		assert.True(t, ok, p.Symbol)
	}
	assert.Equal(t, 3, h.ex.LiveOrders(domain.OrderKindStopLoss))

	sol, ok := h.store.FindByKey("SOLUSDT", domain.SideShort)
	require.True(t, ok)
	assert.InDelta(t, 150, sol.EntryPrice, 1e-9)
	assert.InDelta(t, 10, sol.Quantity, 1e-9)

	res, err = h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Adopted)
	assert.Len(t, h.manager.Positions(), 3)
	assert.Equal(t, 3, h.ex.LiveOrders(domain.OrderKindStopLoss))
}

func TestReconcile_ClosesMissingPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	btc := h.openLong(t, "BTCUSDT", 50000, 0.01, 100, domain.RegimeTrending)
	eth := h.openLong(t, "ETHUSDT", 3000, 1, 100, domain.RegimeTrending)

	h.ex.ClosePosition("ETHUSDT", domain.SideLong)

	res, err := h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, 0, res.Adopted)

	_, err = h.manager.Position(eth.ID)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	_, err = h.manager.Position(btc.ID)
	assert.NoError(t, err)

	history := h.repo.History()
	require.Len(t, history, 1)
	assert.Equal(t, eth.ID, history[0].PositionID)
	assert.Equal(t, "position absent on exchange", history[0].Reason)

	// only the ETH orders are cancelled
	assert.Equal(t, 1, h.ex.LiveOrders(domain.OrderKindStopLoss))
	assert.Equal(t, 1, h.ex.LiveOrders(domain.OrderKindTakeProfit))
}

func TestLifecycleManager_OpenAfterAdoptionKeepsOneSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.ex.OpenPosition("BTCUSDT", domain.SideLong, 0.01, 50000)

	res, err := h.manager.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Adopted)
	adopted := h.manager.Positions()[0]

	pos, err := h.manager.Open(ctx, OpenRequest{
		Fill:    domain.EntryFill{Symbol: "BTCUSDT", Side: domain.SideLong, Price: 50000, Quantity: 0.01, OrderID: "entry-1"},
		Balance: 100,
		Regime:  domain.RegimeTrending,
	})
	assert.ErrorIs(t, err, domain.ErrPositionExists)
	require.NotNil(t, pos)
	assert.Equal(t, adopted.ID, pos.ID)

	assert.Len(t, h.manager.Positions(), 1)
	assert.Equal(t, 1, h.ex.LiveOrders(domain.OrderKindStopLoss))
	assert.Equal(t, 1, h.ex.LiveOrders(domain.OrderKindTakeProfit))
}

func TestReconcile_AdoptSkipsSlotTrackedMeanwhile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.openLong(t, "BTCUSDT", 50000, 0.01, 100, domain.RegimeTrending)

	// a sweep that listed the exchange before Open inserted the position
	snap, err := h.ex.GetPosition(ctx, "BTCUSDT", domain.SideLong)
	require.NoError(t, err)
	_, err = h.manager.adopt(ctx, snap, "untracked exchange position adopted")
	assert.ErrorIs(t, err, domain.ErrPositionExists)

	positions := h.manager.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, pos.ID, positions[0].ID)
	assert.Len(t, h.ex.PlacedOf(domain.OrderKindStopLoss, 0), 1)

	res, err := h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Adopted)
	assert.Equal(t, 1, h.ex.LiveOrders(domain.OrderKindStopLoss))
}

func TestReconcile_SkipsPositionInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pos := h.openLong(t, "BTCUSDT", 50000, 0.01, 100, domain.RegimeTrending)
	h.ex.ClosePosition("BTCUSDT", domain.SideLong)

	require.True(t, h.manager.claim(pos.ID))
	done := make(chan ReconcileResult, 1)
	go func() {
		res, err := h.manager.Reconcile(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	var res ReconcileResult
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("Reconcile waited for an in-flight evaluation")
	}
	assert.Equal(t, ReconcileResult{}, res)
	assert.Equal(t, domain.StateProtectedOpen, h.get(t, pos.ID).LifecycleState)

	h.manager.release(pos.ID)
	res, err := h.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Empty(t, h.manager.Positions())
}

func insertFailed(t *testing.T, h *testHarness, symbol string, qty, entry float64) *domain.Position {
	t.Helper()
	pos := &domain.Position{
		ID:             "failed-" + strings.ToLower(symbol),
		Symbol:         symbol,
		Side:           domain.SideLong,
		EntryPrice:     entry,
		Quantity:       qty,
		RemainingQty:   qty,
		RiskPlan:       h.manager.calc.Compute(h.manager.tiers.Resolve(100), domain.RegimeQuiet),
		TrailingState:  domain.TrailingInactive,
		LifecycleState: domain.StateFailed,
		FailureReason:  "unprotected: stop-loss rejected",
	}
	require.NoError(t, h.store.Insert(context.Background(), pos))
	return pos
}

func TestReconcile_FailedBlocksAdoption(t *testing.T) {
	h := newHarness(t)
	h.ex.OpenPosition("BTCUSDT", domain.SideLong, 0.01, 50000)
	failed := insertFailed(t, h, "BTCUSDT", 0.01, 50000)

	res, err := h.manager.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Failed: 1}, res)

	positions := h.manager.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, failed.ID, positions[0].ID)
	assert.Equal(t, domain.StateFailed, positions[0].LifecycleState)
	assert.Empty(t, h.ex.Placed())
}

func TestRecoverFailed(t *testing.T) {
	t.Run("rejects a position that is not failed", func(t *testing.T) {
		h := newHarness(t)
		pos := h.openLong(t, "BTCUSDT", 50000, 0.01, 100, domain.RegimeTrending)

		_, err := h.manager.RecoverFailed(context.Background(), pos.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("unknown id", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.manager.RecoverFailed(context.Background(), "nope")
		assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	})

	t.Run("re-adopts the exchange position", func(t *testing.T) {
		h := newHarness(t)
		h.ex.OpenPosition("BTCUSDT", domain.SideLong, 0.01, 50000)
		failed := insertFailed(t, h, "BTCUSDT", 0.01, 50000)

		pos, err := h.manager.RecoverFailed(context.Background(), failed.ID)
		require.NoError(t, err)
		require.NotNil(t, pos)
		assert.NotEqual(t, failed.ID, pos.ID)
		assert.True(t, pos.Synthesized)
		assert.Equal(t, domain.StateProtectedOpen, pos.LifecycleState)

		_, err = h.manager.Position(failed.ID)
		assert.ErrorIs(t, err, domain.ErrPositionNotFound)

		history := h.repo.History()
		require.Len(t, history, 1)
		assert.Equal(t, failed.ID, history[0].PositionID)
		assert.True(t, strings.HasPrefix(history[0].Reason, "recovered: "))
		assert.Equal(t, domain.StateFailed, history[0].FinalState)
	})

	t.Run("exchange position gone", func(t *testing.T) {
		h := newHarness(t)
		h.ex.SetMark("BTCUSDT", 50000)
		failed := insertFailed(t, h, "BTCUSDT", 0.01, 50000)

		pos, err := h.manager.RecoverFailed(context.Background(), failed.ID)
		require.NoError(t, err)
		assert.Nil(t, pos)
		assert.Empty(t, h.manager.Positions())
		assert.Len(t, h.repo.History(), 1)
	})
}

func TestLifecycleManager_RunDrivesWorkers(t *testing.T) {
	h := newHarness(t)
	h.ex.OpenPosition("BTCUSDT", domain.SideLong, 0.01, 50000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.manager.WorkerCount() == 1 && len(h.manager.Positions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.ex.ClosePosition("BTCUSDT", domain.SideLong)

	require.Eventually(t, func() bool {
		return h.manager.WorkerCount() == 0 && len(h.manager.Positions()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.repo.History(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLifecycleManager_OpenStartsWorkerWhenRunning(t *testing.T) {
	h := newHarness(t)
	// keep periodic reconciliation from adopting the entry before Open records it
	h.manager.cfg.ReconcileInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx) }()

	// wait for the initial reconciliation to set up the run context
	require.Eventually(t, func() bool {
		h.manager.mu.Lock()
		defer h.manager.mu.Unlock()
		return h.manager.runCtx != nil
	}, time.Second, 5*time.Millisecond)

	pos := h.openLong(t, "BTCUSDT", 50000, 0.01, 100, domain.RegimeTrending)
	assert.Equal(t, 1, h.manager.WorkerCount())

	// the worker picks up the first ladder fill on its own
	h.ex.SetPrice("BTCUSDT", 50600)
	require.Eventually(t, func() bool {
		p, err := h.manager.Position(pos.ID)
		return err == nil && p.LifecycleState == domain.StatePartiallyClosed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, h.manager.WorkerCount())
}
