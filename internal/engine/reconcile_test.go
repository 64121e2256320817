package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// seedOpenPosition persists an OPEN position with a live stop S1 plus its
// two orders, as a crashed process would have left them.
func seedOpenPosition(t *testing.T, store *memStore) *domain.Position {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	pos := domain.NewPosition("pos-1", "BTC-USD", "entry-1", now)
	require.NoError(t, pos.RegisterFill(d("1"), d("50000"), now))
	pos.ApplyNewStop(d("49000"), d("48755"), "S1", now)
	require.NoError(t, store.SavePosition(ctx, pos))

	entry := domain.NewOrder("entry-1", pos.ID, "BTC-USD", domain.KindEntry, d("50000"), d("1"), now)
	entry.OrderID = "E1"
	require.NoError(t, entry.Transition(domain.OrderOpen, now))
	require.NoError(t, entry.ApplyFill(d("1"), d("50000"), now))
	require.NoError(t, store.SaveOrder(ctx, entry))

	stop := domain.NewOrder("stop-1", pos.ID, "BTC-USD", domain.KindStop, d("48755"), d("1"), now)
	stop.OrderID = "S1"
	require.NoError(t, stop.Transition(domain.OrderOpen, now))
	require.NoError(t, store.SaveOrder(ctx, stop))
	return pos
}

func TestReconcileOrphanScenario(t *testing.T) {
	// Venue reports S1 cancelled and shows an extra order X with an unknown
	// client id. Afterwards: S1 cancelled locally, replacement stop placed,
	// X cancelled at the venue.
	exch := newMockExchange()
	store := newMemStore()
	seedOpenPosition(t, store)

	exch.venueOrders["stop-1"] = &ports.VenueOrder{
		OrderID: "S1", ClientOrderID: "stop-1",
		Side: domain.Sell, Qty: d("1"), State: domain.OrderCancelled,
	}
	exch.openOrders = []*ports.VenueOrder{
		{OrderID: "X", ClientOrderID: "unknown-x", Side: domain.Buy, State: domain.OrderOpen},
	}

	eng, err := New(Config{Pair: testPair(), Logger: &mockLogger{}, Exchange: exch, Store: store})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(context.Background()))

	ctx := context.Background()
	stop, err := store.LoadOrderByClientID(ctx, "stop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, stop.State)

	pos, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.NotEmpty(t, pos.StopOrderID, "replacement stop placed")
	assert.NotEqual(t, "S1", pos.StopOrderID)
	require.Len(t, exch.placedStops, 1)
	assert.True(t, exch.placedStops[0].trigger.GreaterThanOrEqual(d("49000")),
		"replacement obeys the ratchet: %s", exch.placedStops[0].trigger)

	assert.Contains(t, exch.cancelled, "X", "orphan venue order cancelled")
}

func TestReconcileReplaysMissedEntryFill(t *testing.T) {
	// The entry filled while the process was down: the fill is replayed and
	// the initial stop placed.
	exch := newMockExchange()
	store := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	pos := domain.NewPosition("pos-1", "BTC-USD", "entry-1", now)
	require.NoError(t, store.SavePosition(ctx, pos))
	entry := domain.NewOrder("entry-1", pos.ID, "BTC-USD", domain.KindEntry, d("50000"), d("1"), now)
	entry.OrderID = "E1"
	require.NoError(t, entry.Transition(domain.OrderOpen, now))
	require.NoError(t, store.SaveOrder(ctx, entry))

	exch.venueOrders["entry-1"] = &ports.VenueOrder{
		OrderID: "E1", ClientOrderID: "entry-1",
		Side: domain.Buy, Qty: d("1"), ExecutedQty: d("1"), AvgFillPrice: d("50000"),
		State: domain.OrderFilled,
	}

	eng, err := New(Config{Pair: testPair(), Logger: &mockLogger{}, Exchange: exch, Store: store})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(ctx))

	got, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.True(t, got.EntryPrice.Equal(d("50000")))
	assert.NotEmpty(t, got.StopOrderID, "stop placed for the replayed fill")

	order, err := store.LoadOrderByClientID(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.State)
}

func TestReconcileMarksUnknownPendingRejected(t *testing.T) {
	// The venue never saw the submission: the order dies and the pending
	// position is aborted.
	exch := newMockExchange()
	store := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	pos := domain.NewPosition("pos-1", "BTC-USD", "entry-1", now)
	require.NoError(t, store.SavePosition(ctx, pos))
	entry := domain.NewOrder("entry-1", pos.ID, "BTC-USD", domain.KindEntry, d("50000"), d("1"), now)
	require.NoError(t, store.SaveOrder(ctx, entry))

	eng, err := New(Config{Pair: testPair(), Logger: &mockLogger{}, Exchange: exch, Store: store})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(ctx))

	order, err := store.LoadOrderByClientID(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, order.State)

	got, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestReconcileQuarantinesOverfill(t *testing.T) {
	// Venue reports more filled than the local order ever asked for.
	exch := newMockExchange()
	store := newMemStore()
	seedOpenPosition(t, store)
	ctx := context.Background()

	exch.venueOrders["stop-1"] = &ports.VenueOrder{
		OrderID: "S1", ClientOrderID: "stop-1",
		Side: domain.Sell, Qty: d("1"), ExecutedQty: d("2"), AvgFillPrice: d("48800"),
		State: domain.OrderFilled,
	}

	eng, err := New(Config{Pair: testPair(), Logger: &mockLogger{}, Exchange: exch, Store: store})
	require.NoError(t, err)
	err = eng.Reconcile(ctx)
	require.ErrorIs(t, err, ports.ErrReconciliationConflict)

	pos, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, pos.Inconsistent, "position quarantined")
	assert.Equal(t, domain.StatusOpen, pos.Status, "status untouched, human intervention required")

	// A quarantined position is excluded from trading.
	stopsBefore := len(exch.placedStops)
	require.NoError(t, eng.OnTrade(ctx, d("60000")))
	assert.Len(t, exch.placedStops, stopsBefore)

	got, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.True(t, got.HighestPrice.Equal(pos.HighestPrice), "trail frozen while quarantined")
}

func TestReconcileStoplessPositionGetsStop(t *testing.T) {
	// Open position, no stop order at all (crash between fill and stop
	// placement). Reconciliation restores one.
	exch := newMockExchange()
	store := newMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	pos := domain.NewPosition("pos-1", "BTC-USD", "entry-1", now)
	require.NoError(t, pos.RegisterFill(d("1"), d("50000"), now))
	require.NoError(t, store.SavePosition(ctx, pos))

	eng, err := New(Config{Pair: testPair(), Logger: &mockLogger{}, Exchange: exch, Store: store})
	require.NoError(t, err)
	require.NoError(t, eng.Reconcile(ctx))

	got, err := store.LoadPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.StopOrderID)
	require.Len(t, exch.placedStops, 1)
	assert.True(t, exch.placedStops[0].trigger.Equal(d("49000")), "trigger %s", exch.placedStops[0].trigger)

	require.NoError(t, eng.OnTrade(ctx, d("51000")))
}
