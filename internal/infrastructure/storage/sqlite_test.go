package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/risk_lifecycle/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition() *domain.Position {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Position{
		ID:           "pos-1",
		Symbol:       "BTCUSDT",
		Side:         domain.SideLong,
		EntryPrice:   50000,
		Quantity:     0.01,
		RemainingQty: 0.01,
		RiskPlan: domain.RiskPlan{
			StopLossPct:      1.4,
			TakeProfitLadder: []domain.LadderStep{{Pct: 1, Portion: 0.5}, {Pct: 2, Portion: 0.5}},
			MaxLeverage:      15,
		},
		ProtectiveOrders: []domain.OrderRef{{
			ExchangeOrderID: "11",
			ClientOrderID:   "c-11",
			Kind:            domain.OrderKindStopLoss,
			Status:          domain.OrderStatusNew,
			Quantity:        0.01,
		}},
		TrailingState:     domain.TrailingInactive,
		FilledLadderSteps: map[int]bool{0: true},
		LifecycleState:    domain.StateProtectedOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           3,
	}
}

func TestSQLiteStore_PositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := samplePosition()
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, pos.Symbol, got.Symbol)
	assert.Equal(t, pos.RiskPlan.TakeProfitLadder, got.RiskPlan.TakeProfitLadder)
	assert.Equal(t, pos.ProtectiveOrders, got.ProtectiveOrders)
	assert.True(t, got.FilledLadderSteps[0])
	assert.Equal(t, int64(3), got.Version)
}

func TestSQLiteStore_SavePositionOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := samplePosition()
	require.NoError(t, s.SavePosition(ctx, pos))

	pos.LifecycleState = domain.StateTrailingArmed
	pos.TrailingState = domain.TrailingArmed
	pos.Version++
	require.NoError(t, s.SavePosition(ctx, pos))

	all, err := s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.StateTrailingArmed, all[0].LifecycleState)
	assert.Equal(t, domain.TrailingArmed, all[0].TrailingState)
}

func TestSQLiteStore_DeletePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, samplePosition()))
	require.NoError(t, s.DeletePosition(ctx, "pos-1"))

	_, err := s.GetPosition(ctx, "pos-1")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestSQLiteStore_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		h := &domain.PositionHistory{
			PositionID:    "pos",
			Symbol:        "BTCUSDT",
			Side:          domain.SideLong,
			Quantity:      0.01,
			EntryPrice:    50000,
			ExitPrice:     50500,
			RealizedPnL:   5,
			FilledSteps:   i,
			TrailingState: domain.TrailingArmed,
			FinalState:    domain.StateClosed,
			Reason:        "exchange position closed",
			OpenedAt:      base,
			ClosedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.SavePositionHistory(ctx, h))
		assert.NotZero(t, h.ID)
	}

	got, err := s.ListPositionHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].FilledSteps, "newest first")
	assert.Equal(t, domain.StateClosed, got[0].FinalState)
	assert.Equal(t, domain.TrailingArmed, got[0].TrailingState)
}

func TestSQLiteStore_LifecycleEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveLifecycleEvent(ctx, domain.LifecycleEvent{
		PositionID: "pos-1", Symbol: "BTCUSDT", ToState: domain.StatePending, Reason: "entry filled", Timestamp: ts,
	}))
	require.NoError(t, s.SaveLifecycleEvent(ctx, domain.LifecycleEvent{
		PositionID: "pos-1", Symbol: "BTCUSDT", FromState: domain.StatePending, ToState: domain.StateFailed,
		Reason: "unprotected", Critical: true, Timestamp: ts.Add(time.Second),
	}))

	events, err := s.ListLifecycleEvents(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.StatePending, events[0].ToState)
	assert.True(t, events[1].Critical)
	assert.Equal(t, domain.StatePending, events[1].FromState)
}
