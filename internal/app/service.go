package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"trailbot/internal/engine"
	"trailbot/internal/ports"
)

// Orchestrator is the multi-pair coordination surface the service drives.
// Satisfied by *orchestrator.Orchestrator.
type Orchestrator interface {
	ReconcileAll(ctx context.Context) error
	CheckAllEntries(ctx context.Context, signals ports.SignalSource, asOfCandleClose time.Time) (map[string]*ports.EntrySignal, error)
	SubmitCoordinatedEntries(ctx context.Context, entries []engine.EntryIntent) map[string]error
	HandlePriceUpdate(ctx context.Context, productID string, lastPrice decimal.Decimal) error
	HandleCandleClose(ctx context.Context) error
	CheckEmergency(ctx context.Context, pricesByProduct map[string]decimal.Decimal) (bool, error)
	Shutdown(ctx context.Context)
}

// PriceSource supplies last trade prices for the polling loop.
// Satisfied by the exchange adapter.
type PriceSource interface {
	GetLastTradePrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Portfolio is the startup-restore surface. Satisfied by
// *portfolio.Manager.
type Portfolio interface {
	Restore(ctx context.Context) error
}

// Config holds the trading service's dependencies.
type Config struct {
	Logger         ports.Logger
	Prices         PriceSource
	Orchestrator   Orchestrator
	Portfolio      Portfolio          // optional
	Signals        ports.SignalSource // optional; no entries are opened without one
	ProductIDs     []string
	PollInterval   time.Duration // price poll cadence, default 2s
	CandleInterval time.Duration // candle close cadence, default 1m
}

// TradingService runs the reconcile-then-trade lifecycle: startup
// reconciliation, portfolio restore, then the price and candle loops
// until a shutdown signal arrives.
type TradingService struct {
	cfg Config
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg Config) (*TradingService, error) {
	if cfg.Logger == nil || cfg.Prices == nil || cfg.Orchestrator == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(cfg.ProductIDs) == 0 {
		return nil, fmt.Errorf("at least one product ID is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = time.Minute
	}
	return &TradingService{cfg: cfg}, nil
}

// Start begins the trading service's main loop. It returns when ctx is
// cancelled or a SIGINT/SIGTERM arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.cfg.Logger.Info(ctx, "Starting Trading Service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.cfg.Logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Reconciliation runs strictly before any trading work.
	if err := s.cfg.Orchestrator.ReconcileAll(ctx); err != nil {
		s.cfg.Logger.Error(ctx, err, "Startup reconciliation failed")
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	s.cfg.Logger.Info(ctx, "Reconciliation complete")

	if s.cfg.Portfolio != nil {
		if err := s.cfg.Portfolio.Restore(ctx); err != nil {
			s.cfg.Logger.Error(ctx, err, "Portfolio restore failed")
			return fmt.Errorf("portfolio restore: %w", err)
		}
		s.cfg.Logger.Info(ctx, "Portfolio state restored")
	}

	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	candleTicker := time.NewTicker(s.cfg.CandleInterval)
	defer candleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info(ctx, "Shutting down trading service")
			// Shutdown gets a fresh context: the loop context is already done.
			s.cfg.Orchestrator.Shutdown(context.WithoutCancel(ctx))
			return nil
		case <-pollTicker.C:
			s.pollPrices(ctx)
		case <-candleTicker.C:
			s.onCandleClose(ctx)
		}
	}
}

// pollPrices fetches last trade prices, feeds the trailing stops and
// checks the portfolio emergency threshold.
func (s *TradingService) pollPrices(ctx context.Context) {
	prices := make(map[string]decimal.Decimal, len(s.cfg.ProductIDs))
	for _, pid := range s.cfg.ProductIDs {
		price, err := s.cfg.Prices.GetLastTradePrice(ctx, pid)
		if err != nil {
			s.cfg.Logger.Warn(ctx, "Price poll failed", map[string]interface{}{"productID": pid, "error": err.Error()})
			continue
		}
		prices[pid] = price
		if err := s.cfg.Orchestrator.HandlePriceUpdate(ctx, pid, price); err != nil {
			s.cfg.Logger.Error(ctx, err, "Price update failed", map[string]interface{}{"productID": pid})
		}
	}
	if len(prices) == 0 {
		return
	}
	liquidated, err := s.cfg.Orchestrator.CheckEmergency(ctx, prices)
	if err != nil {
		s.cfg.Logger.Error(ctx, err, "Emergency check failed")
	}
	if liquidated {
		s.cfg.Logger.Warn(ctx, "Emergency liquidation executed")
	}
}

// onCandleClose advances entry expiry and, when a signal source is
// configured, evaluates and submits new entries.
func (s *TradingService) onCandleClose(ctx context.Context) {
	if err := s.cfg.Orchestrator.HandleCandleClose(ctx); err != nil {
		s.cfg.Logger.Error(ctx, err, "Candle close handling failed")
	}
	if s.cfg.Signals == nil {
		return
	}
	buys, err := s.cfg.Orchestrator.CheckAllEntries(ctx, s.cfg.Signals, time.Now().UTC())
	if err != nil {
		s.cfg.Logger.Error(ctx, err, "Entry signal check failed")
		return
	}
	if len(buys) == 0 {
		return
	}
	entries := make([]engine.EntryIntent, 0, len(buys))
	for pid, sig := range buys {
		entries = append(entries, engine.EntryIntent{
			ClientOrderID: sig.ClientOrderID,
			ProductID:     pid,
			LimitPrice:    sig.LimitPrice,
			Qty:           sig.Qty,
		})
	}
	for pid, err := range s.cfg.Orchestrator.SubmitCoordinatedEntries(ctx, entries) {
		if err != nil {
			s.cfg.Logger.Warn(ctx, "Entry submission failed", map[string]interface{}{"productID": pid, "error": err.Error()})
		}
	}
}
