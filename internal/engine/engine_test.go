package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type placedOrder struct {
	clientOrderID string
	price         decimal.Decimal
	qty           decimal.Decimal
}

type placedStop struct {
	clientOrderID string
	trigger       decimal.Decimal
	limit         decimal.Decimal
	qty           decimal.Decimal
}

type mockExchange struct {
	placedBuys    []placedOrder
	placedStops   []placedStop
	cancelled     []string
	nextID        int
	placeBuyErr   error
	placeStopErrs []error // consumed one per PlaceStopLimitSell call
	cancelErr     error
	venueOrders   map[string]*ports.VenueOrder // keyed by client order id
	openOrders    []*ports.VenueOrder
	lastPrice     decimal.Decimal
}

func newMockExchange() *mockExchange {
	return &mockExchange{venueOrders: make(map[string]*ports.VenueOrder)}
}

func (m *mockExchange) PlaceLimitBuy(ctx context.Context, productID, clientOrderID string, price, qty decimal.Decimal) (*ports.OrderAck, error) {
	if m.placeBuyErr != nil {
		return nil, m.placeBuyErr
	}
	m.placedBuys = append(m.placedBuys, placedOrder{clientOrderID, price, qty})
	m.nextID++
	return &ports.OrderAck{
		OrderID:       fmt.Sprintf("venue-%d", m.nextID),
		ClientOrderID: clientOrderID,
		Status:        domain.OrderOpen,
		Timestamp:     time.Now(),
	}, nil
}

func (m *mockExchange) PlaceStopLimitSell(ctx context.Context, productID, clientOrderID string, trigger, limit, qty decimal.Decimal) (*ports.OrderAck, error) {
	if len(m.placeStopErrs) > 0 {
		err := m.placeStopErrs[0]
		m.placeStopErrs = m.placeStopErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.placedStops = append(m.placedStops, placedStop{clientOrderID, trigger, limit, qty})
	m.nextID++
	return &ports.OrderAck{
		OrderID:       fmt.Sprintf("stop-%d", m.nextID),
		ClientOrderID: clientOrderID,
		Status:        domain.OrderOpen,
		Timestamp:     time.Now(),
	}, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, productID, orderID string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockExchange) GetOrderStatus(ctx context.Context, productID, orderID, clientOrderID string) (*ports.VenueOrder, error) {
	if clientOrderID != "" {
		if vo, ok := m.venueOrders[clientOrderID]; ok {
			return vo, nil
		}
	}
	for _, vo := range m.venueOrders {
		if orderID != "" && vo.OrderID == orderID {
			return vo, nil
		}
	}
	return nil, nil
}

func (m *mockExchange) ListOpenOrders(ctx context.Context, productID string) ([]*ports.VenueOrder, error) {
	return m.openOrders, nil
}

func (m *mockExchange) GetLastTradePrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	return m.lastPrice, nil
}

// liveStops counts placed stops minus cancelled ones.
func (m *mockExchange) liveStopQtys(t *testing.T, store *memStore) []decimal.Decimal {
	t.Helper()
	var out []decimal.Decimal
	for _, o := range store.orders {
		if o.Kind == domain.KindStop && !o.State.IsTerminal() {
			out = append(out, o.Qty)
		}
	}
	return out
}

// memStore is an in-memory ports.Store. Entities are cloned through JSON
// so tests observe only persisted state.
type memStore struct {
	positions map[string]*domain.Position
	orders    map[string]*domain.Order // by client order id
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
	}
}

func clone[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (s *memStore) SavePosition(ctx context.Context, pos *domain.Position) error {
	s.positions[pos.ID] = clone(pos)
	return nil
}

func (s *memStore) LoadPosition(ctx context.Context, id string) (*domain.Position, error) {
	if p, ok := s.positions[id]; ok {
		return clone(p), nil
	}
	return nil, nil
}

func (s *memStore) ListPositions(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.positions))
	for id := range s.positions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) ListOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	var out []*domain.Position
	for _, p := range s.positions {
		if !p.Status.IsTerminal() {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (s *memStore) FindPositionByEntryClientID(ctx context.Context, clientOrderID string) (*domain.Position, error) {
	for _, p := range s.positions {
		if p.EntryClientOrderID == clientOrderID {
			return clone(p), nil
		}
	}
	return nil, nil
}

func (s *memStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	s.orders[order.ClientOrderID] = clone(order)
	return nil
}

func (s *memStore) LoadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	for _, o := range s.orders {
		if o.OrderID == orderID && orderID != "" {
			return clone(o), nil
		}
	}
	return nil, nil
}

func (s *memStore) LoadOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	if o, ok := s.orders[clientOrderID]; ok {
		return clone(o), nil
	}
	return nil, nil
}

func (s *memStore) ListOrders(ctx context.Context, positionID string) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range s.orders {
		if o.PositionID == positionID {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *memStore) ListOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range s.orders {
		if !o.State.IsTerminal() {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (s *memStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockPortfolio struct {
	admissionErr error
	fills        []decimal.Decimal
	closes       []decimal.Decimal
}

func (m *mockPortfolio) CheckAdmission(ctx context.Context, productID string, notional decimal.Decimal) error {
	return m.admissionErr
}
func (m *mockPortfolio) RecordFill(positionID, productID string, notional decimal.Decimal) {
	m.fills = append(m.fills, notional)
}
func (m *mockPortfolio) RecordClose(positionID, productID string, entryNotional, realizedPnL decimal.Decimal) {
	m.closes = append(m.closes, realizedPnL)
}

func d(s string) decimal.Decimal { return domain.MustMoney(s) }

func testPair() PairConfig {
	return PairConfig{
		ProductID:             "BTC-USD",
		TrailPct:              d("0.02"),
		StopLimitBufferPct:    d("0.005"),
		MinRatchet:            d("0.001"),
		StopEscalationStepPct: d("0.002"),
		MaxStopFailures:       3,
		MaxEntryWaitCandles:   2,
	}
}

func newTestEngine(t *testing.T, exch *mockExchange, store *memStore, pf Portfolio) *Engine {
	t.Helper()
	eng, err := New(Config{
		Pair:      testPair(),
		Logger:    &mockLogger{},
		Exchange:  exch,
		Store:     store,
		Portfolio: pf,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(context.Background()))
	return eng
}

func TestSubmitEntryIdempotent(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	intent := EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")}
	posID1, _, err := eng.SubmitEntry(ctx, intent)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		posID, _, err := eng.SubmitEntry(ctx, intent)
		require.NoError(t, err)
		assert.Equal(t, posID1, posID)
	}

	assert.Len(t, exch.placedBuys, 1, "exactly one venue order after repeated submission")
	assert.Len(t, store.positions, 1)
	assert.Len(t, store.orders, 1)
}

func TestResubmitAfterRateLimitKeepsOnePosition(t *testing.T) {
	// A rate-limited placement leaves the position pending; resubmitting
	// the same intent retries the placement instead of minting a second
	// position and order pair.
	exch := newMockExchange()
	exch.placeBuyErr = fmt.Errorf("stub: %w", ports.ErrRateLimited)
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	intent := EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")}
	_, _, err := eng.SubmitEntry(ctx, intent)
	require.ErrorIs(t, err, ports.ErrRateLimited)

	exch.placeBuyErr = nil
	posID, _, err := eng.SubmitEntry(ctx, intent)
	require.NoError(t, err)

	assert.Len(t, store.positions, 1, "retry reuses the pending position")
	assert.Len(t, store.orders, 1)
	assert.Len(t, exch.placedBuys, 1)

	order, err := store.LoadOrderByClientID(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, order.State)
	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingEntry, pos.Status)
}

func TestRejectsWorkBeforeReconciliation(t *testing.T) {
	eng, err := New(Config{
		Pair:     testPair(),
		Logger:   &mockLogger{},
		Exchange: newMockExchange(),
		Store:    newMemStore(),
	})
	require.NoError(t, err)

	_, _, err = eng.SubmitEntry(context.Background(), EntryIntent{ProductID: "BTC-USD", LimitPrice: d("1"), Qty: d("1")})
	assert.ErrorIs(t, err, ErrNotReconciled)
	assert.ErrorIs(t, eng.OnTrade(context.Background(), d("1")), ErrNotReconciled)
}

func TestNoSellBeforeEntryFill(t *testing.T) {
	// Entry never fills; ticks must not create any SELL order.
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, _, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)

	for _, tick := range []string{"55000", "60000", "40000"} {
		require.NoError(t, eng.OnTrade(ctx, d(tick)))
	}

	assert.Empty(t, exch.placedStops, "no SELL order may exist before the entry fills")
	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingEntry, pos.Status)
}

func TestPartialFillsPlaceWeightedStop(t *testing.T) {
	// Fills 0.4@50000 then 0.6@50100: entry 50060, one live stop qty 1.0
	// at trigger 49058.8, limit 48813.506.
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)

	require.NoError(t, eng.HandleFill(ctx, clientID, d("0.4"), d("50000")))
	require.NoError(t, eng.HandleFill(ctx, clientID, d("0.6"), d("50100")))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, pos.EntryPrice.Equal(d("50060")), "entry %s", pos.EntryPrice)
	assert.True(t, pos.QtyFilled.Equal(d("1")))

	live := exch.liveStopQtys(t, store)
	require.Len(t, live, 1, "exactly one live stop")
	assert.True(t, live[0].Equal(d("1")), "stop qty %s", live[0])

	last := exch.placedStops[len(exch.placedStops)-1]
	assert.True(t, last.trigger.Equal(d("49058.8")), "trigger %s", last.trigger)
	assert.True(t, last.limit.Equal(d("48813.506")), "limit %s", last.limit)
}

func TestRatchetUpwardThroughTicks(t *testing.T) {
	// Entry 50000 qty 1; ticks 50500, 51000, 50800, 51500 yield triggers
	// 49490, 49980, 49980 (no replacement), 50470.
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))
	require.Len(t, exch.placedStops, 1) // initial stop at 49000

	want := []struct {
		tick    string
		trigger string
		stops   int
	}{
		{"50500", "49490", 2},
		{"51000", "49980", 3},
		{"50800", "49980", 3},
		{"51500", "50470", 4},
	}
	for _, step := range want {
		require.NoError(t, eng.OnTrade(ctx, d(step.tick)))
		assert.Len(t, exch.placedStops, step.stops, "tick %s", step.tick)
		pos, err := store.LoadPosition(ctx, posID)
		require.NoError(t, err)
		require.NotNil(t, pos.StopTrigger)
		assert.True(t, pos.StopTrigger.Equal(d(step.trigger)),
			"tick %s: trigger %s want %s", step.tick, pos.StopTrigger, step.trigger)
	}
}

func TestCancelOkPlaceFailRetriesWithoutLoosening(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))

	// Next replacement: cancel succeeds, place fails once.
	exch.placeStopErrs = []error{fmt.Errorf("stub: %w", ports.ErrVenueUnavailable)}
	require.NoError(t, eng.OnTrade(ctx, d("51000"))) // wanted trigger 49980

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Empty(t, pos.StopOrderID, "stop is gone after cancel-ok place-fail")
	require.NotNil(t, pos.StopTrigger)
	prevTrigger := *pos.StopTrigger

	// Price pulls back below the failed tick: the retry must not loosen.
	require.NoError(t, eng.OnTrade(ctx, d("50200")))
	pos, err = store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.NotEmpty(t, pos.StopOrderID, "retry placed a stop")
	require.NotNil(t, pos.StopTrigger)
	assert.True(t, pos.StopTrigger.GreaterThanOrEqual(prevTrigger),
		"retry loosened the stop: %s -> %s", prevTrigger, pos.StopTrigger)

	last := exch.placedStops[len(exch.placedStops)-1]
	assert.True(t, last.trigger.GreaterThanOrEqual(prevTrigger))
}

func TestEscalationCapsTriggerBelowHighest(t *testing.T) {
	// Zero limit buffer with an aggressive escalation step: the escalated
	// trigger lands at the midpoint toward the high, never at or above it.
	exch := newMockExchange()
	store := newMemStore()
	pair := testPair()
	pair.StopLimitBufferPct = decimal.Zero
	pair.StopEscalationStepPct = d("0.5")
	pair.MaxStopFailures = 1
	eng, err := New(Config{
		Pair:     pair,
		Logger:   &mockLogger{},
		Exchange: exch,
		Store:    store,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(context.Background()))
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)

	// Initial placement fails, pushing the failure count to the threshold.
	exch.placeStopErrs = []error{fmt.Errorf("stub: %w", ports.ErrVenueUnavailable)}
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))

	require.NoError(t, eng.OnTrade(ctx, d("50000")))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	require.NotNil(t, pos.StopTrigger)
	assert.True(t, pos.StopTrigger.LessThan(pos.HighestPrice),
		"trigger %s must stay below high %s", pos.StopTrigger, pos.HighestPrice)
	assert.True(t, pos.StopTrigger.Equal(d("49500")), "trigger %s", pos.StopTrigger)
}

func TestAdmissionRejectionSendsAndPersistsNothing(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	pf := &mockPortfolio{admissionErr: &ports.AdmissionError{Reason: "position_size_exceeds_limit"}}
	eng := newTestEngine(t, exch, store, pf)

	_, _, err := eng.SubmitEntry(context.Background(), EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("600"), Qty: d("1")})
	require.ErrorIs(t, err, ports.ErrAdmissionRejected)

	assert.Empty(t, exch.placedBuys, "no order may reach the venue")
	assert.Empty(t, store.positions, "no position row may be persisted")
	assert.Empty(t, store.orders)
}

func TestVenueRejectClosesPosition(t *testing.T) {
	exch := newMockExchange()
	exch.placeBuyErr = fmt.Errorf("stub: %w", ports.ErrInsufficientFunds)
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)

	_, _, err := eng.SubmitEntry(context.Background(), EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.ErrorIs(t, err, ports.ErrVenueFatal)

	order, err := store.LoadOrderByClientID(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderRejected, order.State)

	pos, err := store.FindPositionByEntryClientID(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.StatusClosed, pos.Status)
}

func TestHandleStopFillClosesPosition(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	pf := &mockPortfolio{}
	eng := newTestEngine(t, exch, store, pf)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	require.NotEmpty(t, pos.StopOrderID)

	require.NoError(t, eng.HandleStopFill(ctx, pos.StopOrderID, d("1"), d("49000")))

	pos, err = store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.True(t, pos.RealizedPnL.Equal(d("-1000")), "pnl %s", pos.RealizedPnL)
	require.Len(t, pf.closes, 1)
	assert.True(t, pf.closes[0].Equal(d("-1000")))
}

func TestSyncOrdersDetectsVenueStopFill(t *testing.T) {
	// The venue fills the stop between ticks; the next poll must close the
	// position instead of cancelling the filled stop and selling again.
	exch := newMockExchange()
	store := newMemStore()
	pf := &mockPortfolio{}
	eng := newTestEngine(t, exch, store, pf)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	stop, err := store.LoadOrder(ctx, pos.StopOrderID)
	require.NoError(t, err)
	require.NotNil(t, stop)
	exch.venueOrders[stop.ClientOrderID] = &ports.VenueOrder{
		OrderID:       stop.OrderID,
		ClientOrderID: stop.ClientOrderID,
		Side:          domain.Sell,
		Price:         stop.Price,
		Qty:           stop.Qty,
		ExecutedQty:   d("1"),
		AvgFillPrice:  d("49000"),
		State:         domain.OrderFilled,
	}
	stopsBefore := len(exch.placedStops)

	require.NoError(t, eng.SyncOrders(ctx))
	require.NoError(t, eng.OnTrade(ctx, d("51000")))

	pos, err = store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.True(t, pos.RealizedPnL.Equal(d("-1000")), "pnl %s", pos.RealizedPnL)
	assert.Len(t, exch.placedStops, stopsBefore, "no fresh SELL after the venue-side fill")
	require.Len(t, pf.closes, 1)

	// Re-polling the same venue state applies nothing further.
	require.NoError(t, eng.SyncOrders(ctx))
	pos, err = store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.True(t, pos.RealizedPnL.Equal(d("-1000")))
	assert.Len(t, pf.closes, 1)
}

func TestSyncOrdersDetectsVenueEntryFill(t *testing.T) {
	// A resting entry fills while no fill event arrives: the poll opens
	// the position and places the initial stop.
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)

	order, err := store.LoadOrderByClientID(ctx, clientID)
	require.NoError(t, err)
	exch.venueOrders[clientID] = &ports.VenueOrder{
		OrderID:       order.OrderID,
		ClientOrderID: clientID,
		Side:          domain.Buy,
		Price:         d("50000"),
		Qty:           d("1"),
		ExecutedQty:   d("1"),
		AvgFillPrice:  d("50000"),
		State:         domain.OrderFilled,
	}

	require.NoError(t, eng.SyncOrders(ctx))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(d("50000")))
	require.Len(t, exch.placedStops, 1, "first fill places the initial stop")
}

func TestForceExitBookkeepingClose(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)
	require.NoError(t, eng.HandleFill(ctx, clientID, d("1"), d("50000")))

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	stopID := pos.StopOrderID
	require.NotEmpty(t, stopID)
	stopsBefore := len(exch.placedStops)

	require.NoError(t, eng.ForceExit(ctx, posID, d("48000")))

	assert.Contains(t, exch.cancelled, stopID, "outstanding stop cancelled")
	pos, err = store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusForceExited, pos.Status)
	assert.True(t, pos.RealizedPnL.Equal(d("-2000")))

	orders, err := store.ListOrders(ctx, posID)
	require.NoError(t, err)
	var exits int
	for _, o := range orders {
		if o.Kind == domain.KindForceExit {
			exits++
			assert.Equal(t, domain.OrderFilled, o.State)
		}
	}
	assert.Equal(t, 1, exits)
	assert.Len(t, exch.placedStops, stopsBefore, "no sell reaches the venue for a bookkeeping close")
}

func TestEntryExpiryAfterCandleCloses(t *testing.T) {
	exch := newMockExchange()
	store := newMemStore()
	eng := newTestEngine(t, exch, store, nil)
	ctx := context.Background()

	posID, clientID, err := eng.SubmitEntry(ctx, EntryIntent{ClientOrderID: "A", ProductID: "BTC-USD", LimitPrice: d("50000"), Qty: d("1")})
	require.NoError(t, err)

	require.NoError(t, eng.OnCandleClose(ctx))
	order, err := store.LoadOrderByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderOpen, order.State, "one candle is not yet expiry")

	require.NoError(t, eng.OnCandleClose(ctx))
	order, err = store.LoadOrderByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, order.State)

	pos, err := store.LoadPosition(ctx, posID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, pos.Status)
	assert.Len(t, exch.cancelled, 1)
}
