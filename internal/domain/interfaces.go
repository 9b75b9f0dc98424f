package domain

import (
	"context"
	"time"
)

// Exchange is the futures exchange gateway. Implementations own request
// signing and transport-level retries only.
type Exchange interface {
	ServerTime(ctx context.Context) (time.Time, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context, asset string) (float64, error)

	GetPositionMode(ctx context.Context) (bool, error)
	SetPositionMode(ctx context.Context, dualSide bool) error
	GetPosition(ctx context.Context, symbol string, side Side) (PositionSnapshot, error)
	GetPositions(ctx context.Context) ([]PositionSnapshot, error)

	PlaceOrder(ctx context.Context, params OrderParams) (OrderRef, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderRef, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error)
}

// PositionRepository persists open positions and their history.
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, id string) error
	ListPositions(ctx context.Context) ([]*Position, error)

	SavePositionHistory(ctx context.Context, history *PositionHistory) error
	ListPositionHistory(ctx context.Context, limit int) ([]*PositionHistory, error)
	SaveLifecycleEvent(ctx context.Context, event LifecycleEvent) error
}

// EventSink receives lifecycle events. Publish must not block the caller.
type EventSink interface {
	Publish(event LifecycleEvent)
}
