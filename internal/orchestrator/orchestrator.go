package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trailbot/internal/domain"
	"trailbot/internal/engine"
	"trailbot/internal/portfolio"
	"trailbot/internal/ports"
)

// ErrShuttingDown is returned for order-placing operations once shutdown
// has begun.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Engine is the per-pair execution surface the orchestrator drives.
// Satisfied by *engine.Engine.
type Engine interface {
	ProductID() string
	Reconcile(ctx context.Context) error
	SubmitEntry(ctx context.Context, intent engine.EntryIntent) (positionID, clientOrderID string, err error)
	SyncOrders(ctx context.Context) error
	OnTrade(ctx context.Context, lastPrice decimal.Decimal) error
	OnCandleClose(ctx context.Context) error
	ForceExit(ctx context.Context, positionID string, price decimal.Decimal) error
}

// Portfolio is the aggregate view the orchestrator reports and consults.
// Satisfied by *portfolio.Manager.
type Portfolio interface {
	Metrics(ctx context.Context, prices map[string]decimal.Decimal) (*portfolio.Metrics, error)
	RebalanceActions() []portfolio.RebalanceHint
	CheckRiskLimits() []string
	ShouldEmergencyLiquidate(ctx context.Context, prices map[string]decimal.Decimal) (bool, error)
}

// Status aggregates portfolio metrics with risk violations and rebalance
// hints.
type Status struct {
	Metrics       *portfolio.Metrics        `json:"metrics"`
	Violations    []string                  `json:"violations,omitempty"`
	Rebalance     []portfolio.RebalanceHint `json:"rebalance,omitempty"`
	QuarantinedAt []string                  `json:"quarantined,omitempty"`
}

// Config holds the orchestrator's dependencies.
type Config struct {
	Logger        ports.Logger
	Store         ports.Store
	Portfolio     Portfolio
	Engines       []Engine
	MaxConcurrent int           // bounded parallelism for coordinated submission
	RetryCeiling  int           // rate-limit denial retries per entry
	RetryDelay    time.Duration // initial backoff delay for those retries
}

// Orchestrator coordinates a fixed set of per-pair engines under one
// portfolio risk budget. The engine set is immutable after construction;
// per-call state is local, so methods are safe for concurrent use.
type Orchestrator struct {
	logger        ports.Logger
	store         ports.Store
	portfolio     Portfolio
	engines       map[string]Engine
	maxConcurrent int
	retryCeiling  int
	retryDelay    time.Duration
	shuttingDown  atomic.Bool
}

// New creates an orchestrator over the given engines.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil || cfg.Store == nil {
		return nil, fmt.Errorf("missing required dependencies for orchestrator")
	}
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("at least one engine is required")
	}
	engines := make(map[string]Engine, len(cfg.Engines))
	for _, e := range cfg.Engines {
		if _, dup := engines[e.ProductID()]; dup {
			return nil, fmt.Errorf("duplicate engine for product %s", e.ProductID())
		}
		engines[e.ProductID()] = e
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	retryCeiling := cfg.RetryCeiling
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Orchestrator{
		logger:        cfg.Logger,
		store:         cfg.Store,
		portfolio:     cfg.Portfolio,
		engines:       engines,
		maxConcurrent: maxConcurrent,
		retryCeiling:  retryCeiling,
		retryDelay:    retryDelay,
	}, nil
}

// ReconcileAll runs every engine's startup reconciliation. Conflicts
// quarantine their positions but do not stop the other engines; any other
// error aborts startup.
func (o *Orchestrator) ReconcileAll(ctx context.Context) error {
	for pid, eng := range o.engines {
		if err := eng.Reconcile(ctx); err != nil {
			if errors.Is(err, ports.ErrReconciliationConflict) {
				o.logger.Warn(ctx, "Reconciliation quarantined positions", map[string]interface{}{
					"productID": pid, "error": err.Error(),
				})
				continue
			}
			return fmt.Errorf("reconcile %s: %w", pid, err)
		}
	}
	return nil
}

// CheckAllEntries fans the signal source across all registered pairs
// concurrently and returns the pairs that produced a buy signal.
func (o *Orchestrator) CheckAllEntries(ctx context.Context, signals ports.SignalSource, asOfCandleClose time.Time) (map[string]*ports.EntrySignal, error) {
	var mu sync.Mutex
	out := make(map[string]*ports.EntrySignal)

	g, gctx := errgroup.WithContext(ctx)
	for pid := range o.engines {
		pid := pid
		g.Go(func() error {
			sig, err := signals.Signal(gctx, pid, asOfCandleClose)
			if err != nil {
				return fmt.Errorf("signal %s: %w", pid, err)
			}
			if sig == nil || !sig.ShouldBuy {
				return nil
			}
			mu.Lock()
			out[pid] = sig
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitCoordinatedEntries submits entries with bounded parallelism.
// Failed admissions and venue errors are reported per pair without
// aborting the others; rate-limit denials are retried with exponential
// backoff up to the configured ceiling.
func (o *Orchestrator) SubmitCoordinatedEntries(ctx context.Context, entries []engine.EntryIntent) map[string]error {
	results := make(map[string]error, len(entries))
	if o.shuttingDown.Load() {
		for _, intent := range entries {
			results[intent.ProductID] = ErrShuttingDown
		}
		return results
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrent)
	for _, intent := range entries {
		intent := intent
		g.Go(func() error {
			err := o.submitWithRetry(gctx, intent)
			mu.Lock()
			results[intent.ProductID] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // per-pair errors are in results
	return results
}

func (o *Orchestrator) submitWithRetry(ctx context.Context, intent engine.EntryIntent) error {
	eng, ok := o.engines[intent.ProductID]
	if !ok {
		return fmt.Errorf("no engine registered for %s: %w", intent.ProductID, ports.ErrNotFound)
	}
	b := &backoff.Backoff{Min: o.retryDelay, Max: o.retryDelay * 8, Factor: 2, Jitter: true}
	for {
		if o.shuttingDown.Load() {
			return ErrShuttingDown
		}
		_, _, err := eng.SubmitEntry(ctx, intent)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrRateLimited) || int(b.Attempt()) >= o.retryCeiling {
			return err
		}
		wait := b.Duration()
		o.logger.Warn(ctx, "Entry submission rate limited, backing off", map[string]interface{}{
			"productID": intent.ProductID, "attempt": int(b.Attempt()), "wait": wait.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// HandlePriceUpdate dispatches a last-trade price to the pair's engine.
// Venue fills are polled, not streamed: order state syncs first, so a stop
// that filled at the venue closes locally before the trailing update could
// try to replace it.
func (o *Orchestrator) HandlePriceUpdate(ctx context.Context, productID string, lastPrice decimal.Decimal) error {
	eng, ok := o.engines[productID]
	if !ok {
		return fmt.Errorf("no engine registered for %s: %w", productID, ports.ErrNotFound)
	}
	if err := eng.SyncOrders(ctx); err != nil {
		return err
	}
	return eng.OnTrade(ctx, lastPrice)
}

// HandleCandleClose advances entry expiry on every engine.
func (o *Orchestrator) HandleCandleClose(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, eng := range o.engines {
		eng := eng
		g.Go(func() error {
			return eng.OnCandleClose(gctx)
		})
	}
	return g.Wait()
}

// EmergencyLiquidatePortfolio force-exits every OPEN position at the
// supplied reference prices. Idempotent: positions already terminal are
// skipped, so re-invocation after a partial failure completes the rest.
func (o *Orchestrator) EmergencyLiquidatePortfolio(ctx context.Context, pricesByProduct map[string]decimal.Decimal) error {
	open, err := o.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	var failures []string
	for _, pos := range open {
		if pos.Status != domain.StatusOpen {
			continue
		}
		eng, ok := o.engines[pos.ProductID]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: no engine", pos.ID))
			continue
		}
		price, ok := pricesByProduct[pos.ProductID]
		if !ok {
			failures = append(failures, fmt.Sprintf("%s: no reference price for %s", pos.ID, pos.ProductID))
			continue
		}
		if err := eng.ForceExit(ctx, pos.ID, price); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Already closed by a concurrent path; idempotent skip.
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", pos.ID, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("emergency liquidation incomplete: %v", failures)
	}
	o.logger.Warn(ctx, "Emergency liquidation complete", map[string]interface{}{"positions": len(open)})
	return nil
}

// CheckEmergency consults the portfolio loss threshold and liquidates
// everything when it is breached. Returns whether liquidation ran.
func (o *Orchestrator) CheckEmergency(ctx context.Context, pricesByProduct map[string]decimal.Decimal) (bool, error) {
	if o.portfolio == nil {
		return false, nil
	}
	trip, err := o.portfolio.ShouldEmergencyLiquidate(ctx, pricesByProduct)
	if err != nil || !trip {
		return false, err
	}
	o.logger.Error(ctx, nil, "Portfolio loss threshold breached, liquidating", nil)
	return true, o.EmergencyLiquidatePortfolio(ctx, pricesByProduct)
}

// PortfolioStatus aggregates metrics, risk violations, rebalance hints
// and quarantined positions.
func (o *Orchestrator) PortfolioStatus(ctx context.Context, prices map[string]decimal.Decimal) (*Status, error) {
	status := &Status{}
	if o.portfolio != nil {
		met, err := o.portfolio.Metrics(ctx, prices)
		if err != nil {
			return nil, err
		}
		status.Metrics = met
		status.Violations = o.portfolio.CheckRiskLimits()
		status.Rebalance = o.portfolio.RebalanceActions()
	}
	open, err := o.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, pos := range open {
		if pos.Inconsistent {
			status.QuarantinedAt = append(status.QuarantinedAt, pos.ID)
		}
	}
	return status, nil
}

// Shutdown stops order placement. In-flight work finishes under its own
// context; no new orders are placed afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.shuttingDown.Store(true)
	o.logger.Info(ctx, "Orchestrator shutting down, order placement disabled")
}
