package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side, or "" for an unknown side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return ""
}

// LifecycleState is the state of a position inside the lifecycle state machine.
type LifecycleState string

const (
	StatePending         LifecycleState = "PENDING"
	StateProtectedOpen   LifecycleState = "PROTECTED_OPEN"
	StateTrailingArmed   LifecycleState = "TRAILING_ARMED"
	StatePartiallyClosed LifecycleState = "PARTIALLY_CLOSED"
	StateClosed          LifecycleState = "CLOSED"
	StateFailed          LifecycleState = "FAILED"
)

// Terminal reports whether no further automatic transition leaves this state.
func (s LifecycleState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type TrailingState string

const (
	TrailingInactive   TrailingState = "INACTIVE"
	TrailingArmed      TrailingState = "ARMED"
	TrailingRatcheting TrailingState = "RATCHETING"
)

// Position is one open exchange position and its full risk state.
type Position struct {
	ID                string         `json:"id"`
	Symbol            string         `json:"symbol"`
	Side              Side           `json:"side"`
	EntryPrice        float64        `json:"entry_price"`
	Quantity          float64        `json:"quantity"`
	RemainingQty      float64        `json:"remaining_qty"`
	EntryOrderID      string         `json:"entry_order_id,omitempty"`
	Tier              AccountTier    `json:"tier"`
	RiskPlan          RiskPlan       `json:"risk_plan"`
	ProtectiveOrders  []OrderRef     `json:"protective_orders"`
	TrailingState     TrailingState  `json:"trailing_state"`
	FilledLadderSteps map[int]bool   `json:"filled_ladder_steps"`
	LifecycleState    LifecycleState `json:"lifecycle_state"`
	HighWaterPrice    float64        `json:"high_water_price"`
	RearmFailures     int            `json:"rearm_failures"`
	OrderGeneration   int            `json:"order_generation"`
	Synthesized       bool           `json:"synthesized"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int64          `json:"version"`
}

// Clone returns a deep copy so callers can work outside the store lock.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.ProtectiveOrders = append([]OrderRef(nil), p.ProtectiveOrders...)
	c.FilledLadderSteps = make(map[int]bool, len(p.FilledLadderSteps))
	for k, v := range p.FilledLadderSteps {
		c.FilledLadderSteps[k] = v
	}
	c.RiskPlan.TakeProfitLadder = append([]LadderStep(nil), p.RiskPlan.TakeProfitLadder...)
	return &c
}

// ProfitPct is the unrealized profit in percent of entry at the given price.
func (p *Position) ProfitPct(price float64) float64 {
	if p.EntryPrice <= 0 || price <= 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// PriceAtProfit is the price at which the position shows pct percent profit.
func (p *Position) PriceAtProfit(pct float64) float64 {
	if p.Side == SideShort {
		return p.EntryPrice * (1 - pct/100)
	}
	return p.EntryPrice * (1 + pct/100)
}

// PriceAtLoss is the price at which the position shows pct percent loss.
func (p *Position) PriceAtLoss(pct float64) float64 {
	return p.PriceAtProfit(-pct)
}

// MoreFavorable reports whether a is a better price than b for this side.
func (p *Position) MoreFavorable(a, b float64) bool {
	if p.Side == SideShort {
		return a < b
	}
	return a > b
}

// FindOrder returns the index of the newest order of kind/step, or -1.
func (p *Position) FindOrder(kind OrderKind, step int) int {
	for i := len(p.ProtectiveOrders) - 1; i >= 0; i-- {
		o := p.ProtectiveOrders[i]
		if o.Kind == kind && (kind != OrderKindTakeProfit || o.Step == step) {
			return i
		}
	}
	return -1
}

// LiveOrder returns the newest order of kind/step that is still working on the exchange.
func (p *Position) LiveOrder(kind OrderKind, step int) (OrderRef, bool) {
	for i := len(p.ProtectiveOrders) - 1; i >= 0; i-- {
		o := p.ProtectiveOrders[i]
		if o.Kind == kind && (kind != OrderKindTakeProfit || o.Step == step) && o.Status.Live() {
			return o, true
		}
	}
	return OrderRef{}, false
}

// UpsertOrder replaces the order with the same client id or appends it.
func (p *Position) UpsertOrder(ref OrderRef) {
	for i := range p.ProtectiveOrders {
		if ref.ClientOrderID != "" && p.ProtectiveOrders[i].ClientOrderID == ref.ClientOrderID {
			p.ProtectiveOrders[i] = ref
			return
		}
	}
	p.ProtectiveOrders = append(p.ProtectiveOrders, ref)
}

// PositionSnapshot is the exchange's view of a position.
type PositionSnapshot struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// Key identifies a position slot on the exchange.
func (s PositionSnapshot) Key() string {
	return PositionKey(s.Symbol, s.Side)
}

func PositionKey(symbol string, side Side) string {
	return symbol + ":" + string(side)
}

// EntryFill is the confirmed fill of an entry order.
type EntryFill struct {
	Symbol   string
	Side     Side
	Price    float64
	Quantity float64
	OrderID  string
	FilledAt time.Time
}

// PositionHistory represents a closed position.
type PositionHistory struct {
	ID            int64          `json:"id"`
	PositionID    string         `json:"position_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Quantity      float64        `json:"quantity"`
	EntryPrice    float64        `json:"entry_price"`
	ExitPrice     float64        `json:"exit_price"`
	RealizedPnL   float64        `json:"realized_pnl"`
	FilledSteps   int            `json:"filled_steps"`
	TrailingState TrailingState  `json:"trailing_state"`
	FinalState    LifecycleState `json:"final_state"`
	Reason        string         `json:"reason"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      time.Time      `json:"closed_at"`
}
