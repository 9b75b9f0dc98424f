package domain

import "time"

type OrderKind string

const (
	OrderKindStopLoss   OrderKind = "STOP_LOSS"
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT_STEP"
	OrderKindTrailing   OrderKind = "TRAILING_STOP"
)

type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Live reports whether the order is still working on the exchange.
func (s OrderStatus) Live() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// Dead reports whether the order ended without filling.
func (s OrderStatus) Dead() bool {
	return s == OrderStatusCanceled || s == OrderStatusRejected || s == OrderStatusExpired
}

// OrderRef is the last known status of an exchange order. The exchange stays
// the source of truth; refs are refreshed by polling and reconciliation.
// ReduceOnlyDropped marks an order the exchange only accepted without the
// reduceOnly flag.
type OrderRef struct {
	ExchangeOrderID   string      `json:"exchange_order_id"`
	ClientOrderID     string      `json:"client_order_id"`
	Symbol            string      `json:"symbol"`
	Kind              OrderKind   `json:"kind"`
	Step              int         `json:"step"`
	Status            OrderStatus `json:"status"`
	Quantity          float64     `json:"quantity"`
	ExecutedQty       float64     `json:"executed_qty"`
	AvgPrice          float64     `json:"avg_price"`
	UpdatedAt         time.Time   `json:"updated_at"`
	ReduceOnlyDropped bool        `json:"reduce_only_dropped,omitempty"`
}

// OrderParams describes an order to submit. PositionSide and ReduceOnly are
// wire values filled in by position-mode adaptation; empty means the
// parameter is not sent. ReduceOnly is the literal string "true" when set.
type OrderParams struct {
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        float64
	StopPrice       float64
	ActivationPrice float64
	CallbackRate    float64
	ClientOrderID   string
	Closing         bool
	Kind            OrderKind
	Step            int

	PositionSide string
	ReduceOnly   string
}

// OrderSide is the BUY/SELL direction sent to the exchange.
func (p OrderParams) OrderSide() string {
	buy := p.Side == SideLong
	if p.Closing {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}
