package usecase

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

type fakeOrder struct {
	params domain.OrderParams
	ref    domain.OrderRef
}

type fakePosition struct {
	side  domain.Side
	qty   float64
	entry float64
}

// MockExchange is an in-memory futures venue. Market orders fill at once,
// stop and take-profit orders fill when SetPrice crosses their stop price.
// Trailing orders rest until a test triggers them.
type MockExchange struct {
	mu sync.Mutex

	dualSide  bool
	balance   float64
	prices    map[string]float64
	positions map[string]*fakePosition
	orders    map[string]*fakeOrder
	byClient  map[string]string
	nextID    int

	placed       []domain.OrderParams
	cancelled    []string
	modeFetches  int
	modeSwitches int

	// placeErr, when set, is consulted before an order is accepted.
	placeErr func(p domain.OrderParams) error
	// dropReduceOnly reports reduce-only orders as accepted without the flag.
	dropReduceOnly bool
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		balance:   100,
		prices:    make(map[string]float64),
		positions: make(map[string]*fakePosition),
		orders:    make(map[string]*fakeOrder),
		byClient:  make(map[string]string),
	}
}

func (m *MockExchange) OpenPosition(symbol string, side domain.Side, qty, entry float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[domain.PositionKey(symbol, side)] = &fakePosition{side: side, qty: qty, entry: entry}
	if _, ok := m.prices[symbol]; !ok {
		m.prices[symbol] = entry
	}
}

func (m *MockExchange) ClosePosition(symbol string, side domain.Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, domain.PositionKey(symbol, side))
}

func (m *MockExchange) SetPositionQty(symbol string, side domain.Side, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[domain.PositionKey(symbol, side)]; ok {
		p.qty = qty
	}
}

func (m *MockExchange) SetPlaceErr(fn func(p domain.OrderParams) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErr = fn
}

func (m *MockExchange) SetDropReduceOnly(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropReduceOnly = drop
}

// SetPrice moves the mark price and fills every resting order it crosses.
func (m *MockExchange) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	for _, o := range m.orders {
		if o.params.Symbol != symbol || !o.ref.Status.Live() {
			continue
		}
		long := o.params.Side == domain.SideLong
		var hit bool
		switch o.params.Type {
		case domain.OrderTypeStopMarket:
			hit = (long && price <= o.params.StopPrice) || (!long && price >= o.params.StopPrice)
		case domain.OrderTypeTakeProfit:
			hit = (long && price >= o.params.StopPrice) || (!long && price <= o.params.StopPrice)
		}
		if hit {
			m.fillLocked(o, price)
		}
	}
}

// SetMark moves the mark price without triggering resting orders.
func (m *MockExchange) SetMark(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// CancelByExchange kills a working order as if the venue had expired it.
func (m *MockExchange) CancelByExchange(kind domain.OrderKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.params.Kind == kind && o.ref.Status.Live() {
			o.ref.Status = domain.OrderStatusExpired
		}
	}
}

func (m *MockExchange) fillLocked(o *fakeOrder, price float64) {
	pos, ok := m.positions[domain.PositionKey(o.params.Symbol, o.params.Side)]
	qty := o.params.Quantity
	if ok && qty > pos.qty {
		qty = pos.qty
	}
	o.ref.Status = domain.OrderStatusFilled
	o.ref.ExecutedQty = qty
	o.ref.AvgPrice = price
	if ok {
		pos.qty -= qty
		if pos.qty <= 1e-12 {
			delete(m.positions, domain.PositionKey(o.params.Symbol, o.params.Side))
		}
	}
}

func (m *MockExchange) Placed() []domain.OrderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderParams(nil), m.placed...)
}

func (m *MockExchange) PlacedOf(kind domain.OrderKind, step int) []domain.OrderParams {
	var out []domain.OrderParams
	for _, p := range m.Placed() {
		if p.Kind == kind && p.Step == step {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockExchange) LiveOrders(kind domain.OrderKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.params.Kind == kind && o.ref.Status.Live() {
			n++
		}
	}
	return n
}

func (m *MockExchange) PositionQty(symbol string, side domain.Side) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[domain.PositionKey(symbol, side)]; ok {
		return p.qty
	}
	return 0
}

func (m *MockExchange) ServerTime(context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (m *MockExchange) GetPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, &domain.ExchangeError{Kind: domain.KindValidation, Code: -1121, Msg: "Invalid symbol."}
	}
	return p, nil
}

func (m *MockExchange) GetBalance(context.Context, string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *MockExchange) GetPositionMode(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeFetches++
	return m.dualSide, nil
}

func (m *MockExchange) SetPositionMode(_ context.Context, dualSide bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeSwitches++
	m.dualSide = dualSide
	return nil
}

// setModeBehindOurBack flips the account mode without telling any cache.
func (m *MockExchange) setModeBehindOurBack(dualSide bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dualSide = dualSide
}

func (m *MockExchange) GetPosition(_ context.Context, symbol string, side domain.Side) (domain.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := domain.PositionSnapshot{Symbol: symbol, Side: side, MarkPrice: m.prices[symbol]}
	if p, ok := m.positions[domain.PositionKey(symbol, side)]; ok {
		snap.Quantity = p.qty
		snap.EntryPrice = p.entry
		return snap, nil
	}
	if p, ok := m.positions[domain.PositionKey(symbol, side.Opposite())]; ok && !m.dualSide {
		snap.Side = p.side
		snap.Quantity = p.qty
		snap.EntryPrice = p.entry
	}
	return snap, nil
}

func (m *MockExchange) GetPositions(context.Context) ([]domain.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PositionSnapshot
	for key, p := range m.positions {
		symbol := key[:len(key)-len(string(p.side))-1]
		out = append(out, domain.PositionSnapshot{
			Symbol:     symbol,
			Side:       p.side,
			Quantity:   p.qty,
			EntryPrice: p.entry,
			MarkPrice:  m.prices[symbol],
		})
	}
	return out, nil
}

func (m *MockExchange) PlaceOrder(_ context.Context, p domain.OrderParams) (domain.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.placeErr != nil {
		if err := m.placeErr(p); err != nil {
			return domain.OrderRef{}, err
		}
	}
	if (m.dualSide && p.PositionSide == "") || (!m.dualSide && p.PositionSide != "") {
		return domain.OrderRef{}, &domain.ExchangeError{
			Kind: domain.KindPositionModeConflict,
			Code: -4061,
			Msg:  "Order's position side does not match user's setting.",
		}
	}
	if id, ok := m.byClient[p.ClientOrderID]; ok && p.ClientOrderID != "" {
		return m.orders[id].ref, nil
	}

	m.nextID++
	id := strconv.Itoa(m.nextID)
	o := &fakeOrder{
		params: p,
		ref: domain.OrderRef{
			ExchangeOrderID: id,
			ClientOrderID:   p.ClientOrderID,
			Symbol:          p.Symbol,
			Kind:            p.Kind,
			Step:            p.Step,
			Status:          domain.OrderStatusNew,
			Quantity:        p.Quantity,
		},
	}
	m.orders[id] = o
	m.byClient[p.ClientOrderID] = id
	m.placed = append(m.placed, p)
	if p.Type == domain.OrderTypeMarket {
		m.fillLocked(o, m.prices[p.Symbol])
	}
	ref := o.ref
	ref.ReduceOnlyDropped = m.dropReduceOnly && p.ReduceOnly != ""
	return ref, nil
}

func (m *MockExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || !o.ref.Status.Live() {
		return &domain.ExchangeError{Kind: domain.KindValidation, Code: -2011, Msg: "Unknown order sent."}
	}
	o.ref.Status = domain.OrderStatusCanceled
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *MockExchange) GetOrder(_ context.Context, _ string, orderID string) (domain.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return domain.OrderRef{}, &domain.ExchangeError{Kind: domain.KindValidation, Code: -2013, Msg: "Order does not exist."}
	}
	return o.ref, nil
}

func (m *MockExchange) GetOpenOrders(_ context.Context, symbol string) ([]domain.OrderRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderRef
	for _, o := range m.orders {
		if o.params.Symbol == symbol && o.ref.Status.Live() {
			out = append(out, o.ref)
		}
	}
	return out, nil
}

// MockRepo is an in-memory PositionRepository.
type MockRepo struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
	history   []*domain.PositionHistory
	events    []domain.LifecycleEvent
	saveErr   error
}

func NewMockRepo() *MockRepo {
	return &MockRepo{positions: make(map[string]*domain.Position)}
}

func (r *MockRepo) SavePosition(_ context.Context, pos *domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.positions[pos.ID] = pos.Clone()
	return nil
}

func (r *MockRepo) DeletePosition(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, id)
	return nil
}

func (r *MockRepo) ListPositions(context.Context) ([]*domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Position
	for _, p := range r.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (r *MockRepo) SavePositionHistory(_ context.Context, h *domain.PositionHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.ID = int64(len(r.history) + 1)
	r.history = append(r.history, h)
	return nil
}

func (r *MockRepo) ListPositionHistory(context.Context, int) ([]*domain.PositionHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.PositionHistory(nil), r.history...), nil
}

func (r *MockRepo) SaveLifecycleEvent(_ context.Context, e domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MockRepo) History() []*domain.PositionHistory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.PositionHistory(nil), r.history...)
}

// eventRecorder is a synchronous EventSink.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (e *eventRecorder) Publish(ev domain.LifecycleEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventRecorder) Critical() []domain.LifecycleEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.LifecycleEvent
	for _, ev := range e.events {
		if ev.Critical {
			out = append(out, ev)
		}
	}
	return out
}

func (e *eventRecorder) States(positionID string) []domain.LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.LifecycleState
	for _, ev := range e.events {
		if ev.PositionID == positionID && ev.FromState != ev.ToState {
			out = append(out, ev.ToState)
		}
	}
	return out
}

type testHarness struct {
	ex      *MockExchange
	repo    *MockRepo
	events  *eventRecorder
	store   *PositionStore
	manager *LifecycleManager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	return newHarnessWith(t, DefaultCalculatorConfig())
}

func newHarnessWith(t *testing.T, calcCfg CalculatorConfig) *testHarness {
	t.Helper()
	ex := NewMockExchange()
	repo := NewMockRepo()
	events := &eventRecorder{}

	resolver, err := NewTierResolver(DefaultTiers())
	if err != nil {
		t.Fatalf("tiers: %v", err)
	}
	calc, err := NewRiskCalculator(calcCfg)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	store := NewPositionStore(repo)
	modes := NewPositionModeNegotiator(ex, time.Minute, zap.NewNop())
	cfg := DefaultLifecycleConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ReconcileInterval = 50 * time.Millisecond
	mgr := NewLifecycleManager(ex, modes, resolver, calc, store, repo, events, cfg, zap.NewNop())
	return &testHarness{ex: ex, repo: repo, events: events, store: store, manager: mgr}
}

// openLong fills a long entry on the fake venue and hands it to the manager.
func (h *testHarness) openLong(t *testing.T, symbol string, price, qty, balance float64, regime domain.MarketRegime) *domain.Position {
	t.Helper()
	h.ex.OpenPosition(symbol, domain.SideLong, qty, price)
	pos, err := h.manager.Open(context.Background(), OpenRequest{
		Fill:    domain.EntryFill{Symbol: symbol, Side: domain.SideLong, Price: price, Quantity: qty, OrderID: "entry-1"},
		Balance: balance,
		Regime:  regime,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}

func errMargin(p domain.OrderParams) error {
	return &domain.ExchangeError{Kind: domain.KindInsufficientMargin, Code: -2019, Msg: fmt.Sprintf("Margin is insufficient for %s.", p.Kind)}
}
