package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/infrastructure/retry"
	"github.com/vitos/risk_lifecycle/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BinanceFuturesURL = "https://fapi.binance.com"
	BinanceTestnetURL = "https://testnet.binancefuture.com"
)

type BinanceConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow time.Duration
	Timeout    time.Duration

	// Token bucket shared by every request of this client.
	RequestsPerSecond float64
	Burst             int

	Retry retry.Config
}

// BinanceAdapter talks to the Binance USDⓈ-M futures REST API. Every request
// waits on one shared rate limiter, transport failures and throttles are
// retried with jittered backoff, and business errors come back classified
// as *domain.ExchangeError.
type BinanceAdapter struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow time.Duration
	client     *http.Client
	limiter    *rate.Limiter
	retry      retry.Config
	logger     *zap.Logger

	timeOffset atomic.Int64 // server minus local clock, ms

	filtersMu sync.RWMutex
	filters   map[string]symbolFilters
}

func NewBinanceAdapter(cfg BinanceConfig, logger *zap.Logger) *BinanceAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BinanceFuturesURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Retry.InitialDelay == 0 && cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	b := &BinanceAdapter{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		recvWindow: cfg.RecvWindow,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:     logger,
		filters:    make(map[string]symbolFilters),
	}

	b.retry = cfg.Retry
	b.retry.RetryIf = domain.IsRetryable
	b.retry.MinDelay = func(err error) time.Duration {
		if ee, ok := asExchangeError(err); ok {
			return ee.RetryAfter
		}
		return 0
	}
	return b
}

func asExchangeError(err error) (*domain.ExchangeError, bool) {
	var ee *domain.ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// --- REST plumbing ---

func (b *BinanceAdapter) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BinanceAdapter) timestamp() int64 {
	return time.Now().UnixMilli() + b.timeOffset.Load()
}

// request sends one call with retries. A signed call rejected for its
// timestamp re-syncs the clock offset and is repeated once.
func (b *BinanceAdapter) request(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	body, err := b.requestWithRetry(ctx, method, path, params, signed)
	if signed && hasCode(err, codeTimestampOutOfRange) {
		b.logger.Warn("Timestamp rejected, re-syncing server time", zap.String("path", path))
		metrics.ExchangeRepairs.WithLabelValues("time_resync").Inc()
		if _, syncErr := b.SyncTime(ctx); syncErr != nil {
			return nil, err
		}
		body, err = b.requestWithRetry(ctx, method, path, params, signed)
	}
	return body, err
}

func (b *BinanceAdapter) requestWithRetry(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	cfg := b.retry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.ExchangeRetries.WithLabelValues(domain.KindOf(err).String()).Inc()
		b.logger.Debug("Retrying exchange request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		return b.send(ctx, method, path, params, signed)
	})
}

func (b *BinanceAdapter) send(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(b.timestamp(), 10))
		q.Set("recvWindow", strconv.FormatInt(b.recvWindow.Milliseconds(), 10))
	}
	query := q.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	fullURL := b.baseURL + path
	var reqBody io.Reader
	if method == http.MethodPost {
		reqBody = strings.NewReader(query)
	} else if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	metrics.ExchangeRequestLatency.WithLabelValues(path).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		ee := classifyResponse(resp, respBody)
		if ee.Kind == domain.KindUnknown {
			b.logger.Error("Unclassified exchange error",
				zap.String("method", method),
				zap.String("path", path),
				zap.String("params", params.Encode()),
				zap.Int("status", resp.StatusCode),
				zap.ByteString("response", respBody))
		}
		return nil, ee
	}
	return respBody, nil
}

func (b *BinanceAdapter) getJSON(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	body, err := b.request(ctx, http.MethodGet, path, params, signed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// --- Market & account ---

// SyncTime refreshes the server clock offset and returns the server time.
func (b *BinanceAdapter) SyncTime(ctx context.Context) (time.Time, error) {
	before := time.Now()
	body, err := b.requestWithRetry(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	after := time.Now()
	local := before.Add(after.Sub(before) / 2).UnixMilli()
	b.timeOffset.Store(res.ServerTime - local)
	return time.UnixMilli(res.ServerTime), nil
}

// TimeOffset is the last measured server-minus-local clock difference.
func (b *BinanceAdapter) TimeOffset() time.Duration {
	return time.Duration(b.timeOffset.Load()) * time.Millisecond
}

func (b *BinanceAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	return b.SyncTime(ctx)
}

func (b *BinanceAdapter) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {symbol}}, false, &res); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res.Price, 64)
}

func (b *BinanceAdapter) GetBalance(ctx context.Context, asset string) (float64, error) {
	var res []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := b.getJSON(ctx, "/fapi/v2/balance", nil, true, &res); err != nil {
		return 0, err
	}
	for _, r := range res {
		if r.Asset == asset {
			return strconv.ParseFloat(r.Balance, 64)
		}
	}
	return 0, nil
}

func (b *BinanceAdapter) GetPositionMode(ctx context.Context) (bool, error) {
	var res struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := b.getJSON(ctx, "/fapi/v1/positionSide/dual", nil, true, &res); err != nil {
		return false, err
	}
	return res.DualSidePosition, nil
}

// SetPositionMode switches one-way/hedge mode. Asking for the current mode
// is not an error.
func (b *BinanceAdapter) SetPositionMode(ctx context.Context, dualSide bool) error {
	params := url.Values{"dualSidePosition": {strconv.FormatBool(dualSide)}}
	_, err := b.request(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	if hasCode(err, codeNoNeedToChangeMode) {
		return nil
	}
	return err
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	PositionSide     string `json:"positionSide"`
}

func (p positionRisk) snapshot() domain.PositionSnapshot {
	amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
	entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
	mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
	lev, _ := strconv.Atoi(p.Leverage)

	s := domain.PositionSnapshot{
		Symbol:        p.Symbol,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
		Leverage:      lev,
	}
	switch p.PositionSide {
	case domain.PositionSideLong:
		s.Side = domain.SideLong
	case domain.PositionSideShort:
		s.Side = domain.SideShort
	default:
		// one-way mode: the sign carries the side
		if amt < 0 {
			s.Side = domain.SideShort
		} else if amt > 0 {
			s.Side = domain.SideLong
		}
	}
	if amt < 0 {
		amt = -amt
	}
	s.Quantity = amt
	return s
}

func (b *BinanceAdapter) positionRisk(ctx context.Context, symbol string) ([]positionRisk, error) {
	var params url.Values
	if symbol != "" {
		params = url.Values{"symbol": {symbol}}
	}
	var res []positionRisk
	if err := b.getJSON(ctx, "/fapi/v2/positionRisk", params, true, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetPositions returns every non-empty position on the account.
func (b *BinanceAdapter) GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	res, err := b.positionRisk(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []domain.PositionSnapshot
	for _, r := range res {
		s := r.snapshot()
		if s.Quantity > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetPosition returns the position in the symbol/side slot. In one-way mode
// a position held on the other side comes back with that side so callers
// can see the flip; an empty slot has zero quantity.
func (b *BinanceAdapter) GetPosition(ctx context.Context, symbol string, side domain.Side) (domain.PositionSnapshot, error) {
	res, err := b.positionRisk(ctx, symbol)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}
	empty := domain.PositionSnapshot{Symbol: symbol, Side: side}
	var flipped *domain.PositionSnapshot
	for _, r := range res {
		s := r.snapshot()
		if empty.MarkPrice == 0 {
			empty.MarkPrice = s.MarkPrice
		}
		if s.Quantity == 0 {
			continue
		}
		if s.Side == side {
			return s, nil
		}
		if r.PositionSide == domain.PositionSideBoth {
			flipped = &s
		}
	}
	if flipped != nil {
		return *flipped, nil
	}
	return empty, nil
}
