package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/metrics"
	"go.uber.org/zap"
)

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) ref() domain.OrderRef {
	qty, _ := strconv.ParseFloat(r.OrigQty, 64)
	executed, _ := strconv.ParseFloat(r.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(r.AvgPrice, 64)
	ref := domain.OrderRef{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Symbol:          r.Symbol,
		Status:          orderStatus(r.Status),
		Quantity:        qty,
		ExecutedQty:     executed,
		AvgPrice:        avg,
	}
	if r.UpdateTime > 0 {
		ref.UpdatedAt = time.UnixMilli(r.UpdateTime)
	}
	return ref
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	case "":
		return domain.OrderStatusNew
	}
	return domain.OrderStatus(s)
}

func validationError(format string, args ...interface{}) *domain.ExchangeError {
	return &domain.ExchangeError{Kind: domain.KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// PlaceOrder shapes the order to the symbol filters and submits it. Three
// rejections are repaired locally, each at most once: an unwanted reduceOnly
// is stripped, a too-small notional is rounded up to the minimum, and a
// precision error reloads the filters and re-rounds. A duplicate client
// order id resolves to the order that already exists. An order accepted only
// after stripping reduceOnly comes back with ReduceOnlyDropped set so the
// caller can raise it.
func (b *BinanceAdapter) PlaceOrder(ctx context.Context, p domain.OrderParams) (domain.OrderRef, error) {
	f, err := b.filtersFor(ctx, p.Symbol)
	if err != nil {
		return domain.OrderRef{}, err
	}

	qty := f.FloorQty(p.Quantity)
	var notionalRepaired, reduceOnlyStripped, precisionRepaired bool

	if p.ReduceOnly == "" && !p.Closing {
		price, err := b.referencePrice(ctx, p)
		if err != nil {
			return domain.OrderRef{}, err
		}
		if f.BelowMinNotional(qty, price) {
			qty = f.MinNotionalQty(price)
			notionalRepaired = true
			metrics.ExchangeRepairs.WithLabelValues("notional_round_up").Inc()
			b.logger.Debug("Quantity raised to minimum notional",
				zap.String("symbol", p.Symbol),
				zap.Float64("requested", p.Quantity),
				zap.String("qty", qty.String()))
		}
	}
	if !qty.IsPositive() {
		return domain.OrderRef{}, validationError("quantity %v below step size %s for %s", p.Quantity, f.StepSize, p.Symbol)
	}

	params := orderValues(p, qty, f)
	for {
		ref, err := b.submitOrder(ctx, params)
		if err == nil {
			ref.ReduceOnlyDropped = reduceOnlyStripped
			return ref, nil
		}

		switch {
		case hasCode(err, codeDuplicateClientID) && p.ClientOrderID != "":
			b.logger.Info("Duplicate client order id, resolving existing order",
				zap.String("symbol", p.Symbol),
				zap.String("client_order_id", p.ClientOrderID))
			return b.orderByClientID(ctx, p.Symbol, p.ClientOrderID)

		case hasCode(err, codeParamNotRequired) && params.Get("reduceOnly") != "" && !reduceOnlyStripped:
			reduceOnlyStripped = true
			params.Del("reduceOnly")
			metrics.ExchangeRepairs.WithLabelValues("reduce_only_strip").Inc()
			b.logger.Error("reduceOnly rejected, resubmitting closing order without it",
				zap.String("symbol", p.Symbol),
				zap.String("position_side", params.Get("positionSide")),
				zap.Error(err))
			continue

		case hasCode(err, codeNotionalTooSmall) && !notionalRepaired:
			notionalRepaired = true
			price, perr := b.referencePrice(ctx, p)
			if perr != nil {
				return domain.OrderRef{}, err
			}
			qty = f.MinNotionalQty(price)
			params.Set("quantity", qty.String())
			metrics.ExchangeRepairs.WithLabelValues("notional_round_up").Inc()
			b.logger.Warn("Notional too small, resubmitting at minimum",
				zap.String("symbol", p.Symbol),
				zap.String("qty", qty.String()))
			continue

		case hasCode(err, codePrecision) && !precisionRepaired:
			precisionRepaired = true
			fresh, ferr := b.reloadFilters(ctx, p.Symbol)
			if ferr != nil {
				return domain.OrderRef{}, err
			}
			f = fresh
			qty = f.FloorQty(qty.InexactFloat64())
			stripped := params.Get("reduceOnly") == "" && p.ReduceOnly != ""
			params = orderValues(p, qty, f)
			if stripped {
				params.Del("reduceOnly")
			}
			metrics.ExchangeRepairs.WithLabelValues("precision").Inc()
			b.logger.Warn("Precision rejected, re-rounded with fresh filters", zap.String("symbol", p.Symbol))
			continue
		}
		return domain.OrderRef{}, err
	}
}

// referencePrice is the price the order will trade at, for notional checks.
func (b *BinanceAdapter) referencePrice(ctx context.Context, p domain.OrderParams) (float64, error) {
	switch {
	case p.StopPrice > 0:
		return p.StopPrice, nil
	case p.ActivationPrice > 0:
		return p.ActivationPrice, nil
	}
	return b.GetPrice(ctx, p.Symbol)
}

func orderValues(p domain.OrderParams, qty decimal.Decimal, f symbolFilters) url.Values {
	v := url.Values{}
	v.Set("symbol", p.Symbol)
	v.Set("side", p.OrderSide())
	v.Set("type", string(p.Type))
	v.Set("quantity", qty.String())
	v.Set("newOrderRespType", "RESULT")
	if p.ClientOrderID != "" {
		v.Set("newClientOrderId", p.ClientOrderID)
	}
	if p.PositionSide != "" {
		v.Set("positionSide", p.PositionSide)
	}
	if p.ReduceOnly != "" {
		v.Set("reduceOnly", p.ReduceOnly)
	}

	switch p.Type {
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfit:
		v.Set("stopPrice", f.RoundPrice(p.StopPrice).String())
		v.Set("workingType", "MARK_PRICE")
	case domain.OrderTypeTrailingStop:
		if p.ActivationPrice > 0 {
			v.Set("activationPrice", f.RoundPrice(p.ActivationPrice).String())
		}
		v.Set("callbackRate", decimal.NewFromFloat(p.CallbackRate).StringFixed(1))
		v.Set("workingType", "MARK_PRICE")
	}
	return v
}

func (b *BinanceAdapter) submitOrder(ctx context.Context, params url.Values) (domain.OrderRef, error) {
	body, err := b.request(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return domain.OrderRef{}, err
	}
	var res orderResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return domain.OrderRef{}, fmt.Errorf("decode order: %w", err)
	}
	return res.ref(), nil
}

func (b *BinanceAdapter) orderByClientID(ctx context.Context, symbol, clientID string) (domain.OrderRef, error) {
	var res orderResponse
	params := url.Values{"symbol": {symbol}, "origClientOrderId": {clientID}}
	if err := b.getJSON(ctx, "/fapi/v1/order", params, true, &res); err != nil {
		return domain.OrderRef{}, err
	}
	return res.ref(), nil
}

// CancelOrder cancels an order. An order the exchange no longer knows is
// already gone and is not an error.
func (b *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	_, err := b.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if hasCode(err, codeUnknownOrder) || hasCode(err, codeOrderNotExist) {
		b.logger.Debug("Cancel of unknown order ignored", zap.String("symbol", symbol), zap.String("order_id", orderID))
		return nil
	}
	return err
}

func (b *BinanceAdapter) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderRef, error) {
	var res orderResponse
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	if err := b.getJSON(ctx, "/fapi/v1/order", params, true, &res); err != nil {
		return domain.OrderRef{}, err
	}
	return res.ref(), nil
}

func (b *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderRef, error) {
	var res []orderResponse
	if err := b.getJSON(ctx, "/fapi/v1/openOrders", url.Values{"symbol": {symbol}}, true, &res); err != nil {
		return nil, err
	}
	out := make([]domain.OrderRef, 0, len(res))
	for _, r := range res {
		out = append(out, r.ref())
	}
	return out, nil
}
