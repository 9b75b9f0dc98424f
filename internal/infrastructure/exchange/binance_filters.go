package exchange

import (
	"context"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

// symbolFilters are the exchangeInfo trading rules needed to shape orders.
type symbolFilters struct {
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// FloorQty rounds q down to the step size.
func (f symbolFilters) FloorQty(q float64) decimal.Decimal {
	d := decimal.NewFromFloat(q)
	if f.StepSize.IsPositive() {
		d = d.Div(f.StepSize).Floor().Mul(f.StepSize)
	}
	return d
}

// RoundPrice rounds p to the nearest tick.
func (f symbolFilters) RoundPrice(p float64) decimal.Decimal {
	d := decimal.NewFromFloat(p)
	if f.TickSize.IsPositive() {
		d = d.Div(f.TickSize).Round(0).Mul(f.TickSize)
	}
	return d
}

// MinNotionalQty is the smallest step-aligned quantity whose notional at
// price reaches the minimum notional.
func (f symbolFilters) MinNotionalQty(price float64) decimal.Decimal {
	if !f.MinNotional.IsPositive() || price <= 0 {
		return f.MinQty
	}
	q := f.MinNotional.Div(decimal.NewFromFloat(price))
	if f.StepSize.IsPositive() {
		q = q.Div(f.StepSize).Ceil().Mul(f.StepSize)
	}
	if q.LessThan(f.MinQty) {
		q = f.MinQty
	}
	return q
}

// BelowMinNotional reports whether qty at price is under the minimum notional.
func (f symbolFilters) BelowMinNotional(qty decimal.Decimal, price float64) bool {
	if !f.MinNotional.IsPositive() || price <= 0 {
		return false
	}
	return qty.Mul(decimal.NewFromFloat(price)).LessThan(f.MinNotional)
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			TickSize   string `json:"tickSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// loadFilters refreshes the cached trading rules of every symbol.
func (b *BinanceAdapter) loadFilters(ctx context.Context) error {
	var info exchangeInfo
	if err := b.getJSON(ctx, "/fapi/v1/exchangeInfo", url.Values{}, false, &info); err != nil {
		return fmt.Errorf("load exchange info: %w", err)
	}

	filters := make(map[string]symbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		var f symbolFilters
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseDecimal(flt.StepSize)
				f.MinQty = parseDecimal(flt.MinQty)
			case "PRICE_FILTER":
				f.TickSize = parseDecimal(flt.TickSize)
			case "MIN_NOTIONAL":
				f.MinNotional = parseDecimal(flt.Notional)
			}
		}
		filters[s.Symbol] = f
	}

	b.filtersMu.Lock()
	b.filters = filters
	b.filtersMu.Unlock()
	b.logger.Debug("Exchange filters loaded", zap.Int("symbols", len(filters)))
	return nil
}

func (b *BinanceAdapter) filtersFor(ctx context.Context, symbol string) (symbolFilters, error) {
	b.filtersMu.RLock()
	f, ok := b.filters[symbol]
	b.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	if err := b.loadFilters(ctx); err != nil {
		return symbolFilters{}, err
	}

	b.filtersMu.RLock()
	f, ok = b.filters[symbol]
	b.filtersMu.RUnlock()
	if !ok {
		return symbolFilters{}, fmt.Errorf("%w: %s", domain.ErrUnknownSymbol, symbol)
	}
	return f, nil
}

func (b *BinanceAdapter) reloadFilters(ctx context.Context, symbol string) (symbolFilters, error) {
	if err := b.loadFilters(ctx); err != nil {
		return symbolFilters{}, err
	}
	return b.filtersFor(ctx, symbol)
}
