package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/engine"
	"trailbot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
}

func (m *mockPrices) GetLastTradePrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.prices[productID], nil
}

type mockOrchestrator struct {
	mu            sync.Mutex
	reconciled    bool
	reconcileErr  error
	priceUpdates  map[string][]decimal.Decimal
	candleCloses  int
	submitted     []engine.EntryIntent
	emergencyRuns int
	shutdowns     int
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{priceUpdates: make(map[string][]decimal.Decimal)}
}

func (m *mockOrchestrator) ReconcileAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconcileErr != nil {
		return m.reconcileErr
	}
	m.reconciled = true
	return nil
}

func (m *mockOrchestrator) CheckAllEntries(ctx context.Context, signals ports.SignalSource, asOf time.Time) (map[string]*ports.EntrySignal, error) {
	out := make(map[string]*ports.EntrySignal)
	sig, err := signals.Signal(ctx, "BTC-USD", asOf)
	if err != nil {
		return nil, err
	}
	if sig != nil && sig.ShouldBuy {
		out["BTC-USD"] = sig
	}
	return out, nil
}

func (m *mockOrchestrator) SubmitCoordinatedEntries(ctx context.Context, entries []engine.EntryIntent) map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make(map[string]error, len(entries))
	for _, e := range entries {
		m.submitted = append(m.submitted, e)
		results[e.ProductID] = nil
	}
	return results
}

func (m *mockOrchestrator) HandlePriceUpdate(ctx context.Context, productID string, lastPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceUpdates[productID] = append(m.priceUpdates[productID], lastPrice)
	return nil
}

func (m *mockOrchestrator) HandleCandleClose(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candleCloses++
	return nil
}

func (m *mockOrchestrator) CheckEmergency(ctx context.Context, prices map[string]decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyRuns++
	return false, nil
}

func (m *mockOrchestrator) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
}

type mockPortfolio struct {
	mu       sync.Mutex
	restored bool
}

func (m *mockPortfolio) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = true
	return nil
}

type buySignals struct{}

func (buySignals) Signal(ctx context.Context, productID string, asOf time.Time) (*ports.EntrySignal, error) {
	return &ports.EntrySignal{
		ShouldBuy:  true,
		ProductID:  productID,
		LimitPrice: decimal.NewFromInt(50000),
		Qty:        decimal.RequireFromString("0.01"),
	}, nil
}

func TestServiceLifecycle(t *testing.T) {
	orch := newMockOrchestrator()
	pf := &mockPortfolio{}
	prices := &mockPrices{prices: map[string]decimal.Decimal{
		"BTC-USD": decimal.NewFromInt(50000),
	}}

	svc, err := NewTradingService(Config{
		Logger:         &mockLogger{},
		Prices:         prices,
		Orchestrator:   orch,
		Portfolio:      pf,
		Signals:        buySignals{},
		ProductIDs:     []string{"BTC-USD"},
		PollInterval:   5 * time.Millisecond,
		CandleInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.True(t, orch.reconciled, "reconciliation ran before trading")
	assert.NotEmpty(t, orch.priceUpdates["BTC-USD"], "price loop dispatched updates")
	assert.Greater(t, orch.candleCloses, 0, "candle loop ran")
	assert.Greater(t, orch.emergencyRuns, 0, "emergency threshold checked")
	assert.NotEmpty(t, orch.submitted, "buy signals submitted")
	assert.Equal(t, 1, orch.shutdowns, "orchestrator shut down on exit")

	pf.mu.Lock()
	defer pf.mu.Unlock()
	assert.True(t, pf.restored)
}

func TestServiceAbortsWhenReconciliationFails(t *testing.T) {
	orch := newMockOrchestrator()
	orch.reconcileErr = errors.New("venue unreachable")

	svc, err := NewTradingService(Config{
		Logger:       &mockLogger{},
		Prices:       &mockPrices{},
		Orchestrator: orch,
		ProductIDs:   []string{"BTC-USD"},
	})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup reconciliation")
}

func TestNewTradingServiceValidatesDependencies(t *testing.T) {
	_, err := NewTradingService(Config{Logger: &mockLogger{}})
	require.Error(t, err)

	_, err = NewTradingService(Config{
		Logger:       &mockLogger{},
		Prices:       &mockPrices{},
		Orchestrator: newMockOrchestrator(),
	})
	require.Error(t, err, "product IDs required")
}
