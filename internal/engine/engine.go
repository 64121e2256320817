package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// ErrNotReconciled is returned when work arrives before the startup
// reconciliation pass has completed.
var ErrNotReconciled = errors.New("engine has not completed reconciliation")

// Portfolio is the slice of the portfolio manager the engine consults.
// A nil Portfolio admits everything (single-pair operation, tests).
type Portfolio interface {
	// CheckAdmission decides whether a new entry of the given notional may
	// be submitted. Returns an AdmissionError on rejection.
	CheckAdmission(ctx context.Context, productID string, notional decimal.Decimal) error
	// RecordFill accounts for capital deployed by an entry fill.
	RecordFill(positionID, productID string, notional decimal.Decimal)
	// RecordClose accounts for capital returned by an exit.
	RecordClose(positionID, productID string, entryNotional, realizedPnL decimal.Decimal)
}

// PairConfig carries the per-pair strategy parameters.
type PairConfig struct {
	ProductID             string
	TrailPct              decimal.Decimal
	StopLimitBufferPct    decimal.Decimal
	MinRatchet            decimal.Decimal
	StopEscalationStepPct decimal.Decimal // trigger escalation per failure past the threshold
	MaxStopFailures       int             // placement failures before escalation kicks in
	MaxEntryWaitCandles   int             // cancel unfilled entries after this many candle closes
	StopTimeout           time.Duration   // triggered-but-unfilled stop replacement threshold
}

// EntryIntent is a request to open a position with a limit buy.
type EntryIntent struct {
	ClientOrderID string
	ProductID     string
	LimitPrice    decimal.Decimal
	Qty           decimal.Decimal
}

// Engine is the per-pair execution core. It owns every position of its
// product: entries, fill handling, the trailing stop ratchet and stop
// replacement all run under one mutex, so events apply in arrival order.
type Engine struct {
	cfg       PairConfig
	logger    ports.Logger
	exchange  ports.ExchangeClient
	store     ports.Store
	portfolio Portfolio
	now       func() time.Time

	mu          sync.Mutex
	ready       bool
	needsStop   map[string]bool      // position id -> stop placement pending retry
	stopFails   map[string]int       // position id -> consecutive placement failures
	entryWaits  map[string]int       // entry client order id -> candle closes while unfilled
	triggeredAt map[string]time.Time // stop order id -> first tick at/below trigger
}

// Config holds the engine's dependencies.
type Config struct {
	Pair      PairConfig
	Logger    ports.Logger
	Exchange  ports.ExchangeClient
	Store     ports.Store
	Portfolio Portfolio // optional
	Now       func() time.Time
}

// New creates an execution engine for one trading pair.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil || cfg.Exchange == nil || cfg.Store == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if cfg.Pair.ProductID == "" {
		return nil, fmt.Errorf("pair product ID is required")
	}
	if cfg.Pair.TrailPct.LessThanOrEqual(decimal.Zero) || cfg.Pair.TrailPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("trail_pct must be in (0, 1), got %s", cfg.Pair.TrailPct)
	}
	if cfg.Pair.StopLimitBufferPct.IsNegative() {
		return nil, fmt.Errorf("stop_limit_buffer_pct must not be negative")
	}
	if cfg.Pair.MaxStopFailures <= 0 {
		cfg.Pair.MaxStopFailures = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:         cfg.Pair,
		logger:      cfg.Logger,
		exchange:    cfg.Exchange,
		store:       cfg.Store,
		portfolio:   cfg.Portfolio,
		now:         now,
		needsStop:   make(map[string]bool),
		stopFails:   make(map[string]int),
		entryWaits:  make(map[string]int),
		triggeredAt: make(map[string]time.Time),
	}, nil
}

// ProductID returns the pair this engine owns.
func (e *Engine) ProductID() string {
	return e.cfg.ProductID
}

// SubmitEntry places a limit buy opening a new position. Repeated calls
// with the same client order ID return the existing position instead of
// creating a duplicate. The portfolio admission check runs before anything
// is persisted or sent to the venue.
func (e *Engine) SubmitEntry(ctx context.Context, intent EntryIntent) (positionID string, clientOrderID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := "SubmitEntry"

	if !e.ready {
		return "", "", ErrNotReconciled
	}
	if intent.ProductID != e.cfg.ProductID {
		return "", "", fmt.Errorf("%s: intent for %s on engine for %s: %w", op, intent.ProductID, e.cfg.ProductID, ports.ErrInvalidRequest)
	}
	if intent.LimitPrice.LessThanOrEqual(decimal.Zero) || intent.Qty.LessThanOrEqual(decimal.Zero) {
		return "", "", fmt.Errorf("%s: non-positive price or qty: %w", op, ports.ErrInvalidRequest)
	}
	if intent.ClientOrderID == "" {
		intent.ClientOrderID = uuid.NewString()
	}

	// Idempotency guard: the same client order id maps to the same position.
	existing, err := e.store.FindPositionByEntryClientID(ctx, intent.ClientOrderID)
	if err != nil {
		return "", "", err
	}
	if existing != nil {
		order, err := e.store.LoadOrderByClientID(ctx, intent.ClientOrderID)
		if err != nil {
			return "", "", err
		}
		if order != nil && order.State == domain.OrderPendingSubmit {
			// An earlier attempt never confirmed placement. Retry it under
			// the same client order id; the venue dedupes on that id, so
			// this cannot double the order.
			if err := e.placeEntry(ctx, existing, order); err != nil {
				return "", "", err
			}
		} else {
			e.logger.Debug(ctx, op+": duplicate submission, returning existing position", map[string]interface{}{
				"clientOrderID": intent.ClientOrderID, "positionID": existing.ID,
			})
		}
		return existing.ID, intent.ClientOrderID, nil
	}

	if e.portfolio != nil {
		if err := e.portfolio.CheckAdmission(ctx, intent.ProductID, domain.Notional(intent.LimitPrice, intent.Qty)); err != nil {
			return "", "", err
		}
	}

	now := e.now()
	pos := domain.NewPosition(uuid.NewString(), intent.ProductID, intent.ClientOrderID, now)
	order := domain.NewOrder(intent.ClientOrderID, pos.ID, intent.ProductID, domain.KindEntry, intent.LimitPrice, intent.Qty, now)

	err = e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.SavePosition(ctx, pos); err != nil {
			return err
		}
		return e.store.SaveOrder(ctx, order)
	})
	if err != nil {
		return "", "", err
	}

	if err := e.placeEntry(ctx, pos, order); err != nil {
		return "", "", err
	}
	return pos.ID, intent.ClientOrderID, nil
}

// placeEntry sends a persisted PENDING_SUBMIT entry order to the venue and
// records the outcome. Shared by fresh submissions and retried ones.
func (e *Engine) placeEntry(ctx context.Context, pos *domain.Position, order *domain.Order) error {
	op := "SubmitEntry"
	ack, err := e.exchange.PlaceLimitBuy(ctx, pos.ProductID, order.ClientOrderID, order.Price, order.Qty)
	if err != nil {
		if errors.Is(err, ports.ErrVenueFatal) {
			if rejErr := e.rejectEntry(ctx, pos, order); rejErr != nil {
				e.logger.Error(ctx, rejErr, op+": failed to record entry rejection", map[string]interface{}{"positionID": pos.ID})
			}
			return err
		}
		// Outcome unknown (timeout, canceled). Local state stays PENDING;
		// resubmission or reconciliation resolves it via the client order id.
		e.logger.Warn(ctx, op+": venue outcome unknown, left for resubmission", map[string]interface{}{
			"clientOrderID": order.ClientOrderID, "error": err.Error(),
		})
		return err
	}

	now := e.now()
	order.OrderID = ack.OrderID
	if err := order.Transition(domain.OrderOpen, now); err != nil {
		return err
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return err
	}
	e.entryWaits[order.ClientOrderID] = 0

	e.logger.Info(ctx, op+": entry placed", map[string]interface{}{
		"positionID": pos.ID, "clientOrderID": order.ClientOrderID, "orderID": ack.OrderID,
		"price": order.Price.String(), "qty": order.Qty.String(),
	})

	// The venue may report an immediate (partial) fill in the ack.
	if ack.ExecutedQty.GreaterThan(decimal.Zero) {
		return e.applyEntryFill(ctx, order, pos, ack.ExecutedQty, ack.AvgFillPrice)
	}
	return nil
}

func (e *Engine) rejectEntry(ctx context.Context, pos *domain.Position, order *domain.Order) error {
	now := e.now()
	if err := order.Transition(domain.OrderRejected, now); err != nil {
		return err
	}
	if err := pos.Abort(now); err != nil {
		return err
	}
	return e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
		return e.store.SavePosition(ctx, pos)
	})
}

// HandleFill applies a fill event for an entry order, identified by venue
// order ID or, failing that, client order ID. On the position's first fill
// the initial stop-limit sell is computed and placed; this is the only
// path that creates the first stop, and it runs only after a confirmed
// BUY fill.
func (e *Engine) HandleFill(ctx context.Context, orderID string, filledQty, fillPrice decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return ErrNotReconciled
	}
	order, err := e.lookupOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Kind != domain.KindEntry {
		return e.handleStopFillLocked(ctx, order, filledQty, fillPrice)
	}
	pos, err := e.store.LoadPosition(ctx, order.PositionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("HandleFill: order %s has no position %s: %w", order.ClientOrderID, order.PositionID, ports.ErrNotFound)
	}
	return e.applyEntryFill(ctx, order, pos, filledQty, fillPrice)
}

func (e *Engine) applyEntryFill(ctx context.Context, order *domain.Order, pos *domain.Position, filledQty, fillPrice decimal.Decimal) error {
	op := "HandleFill"
	now := e.now()
	firstFill := pos.Status == domain.StatusPendingEntry

	err := e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := order.ApplyFill(filledQty, fillPrice, now); err != nil {
			return err
		}
		if err := pos.RegisterFill(filledQty, fillPrice, now); err != nil {
			return err
		}
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
		return e.store.SavePosition(ctx, pos)
	})
	if err != nil {
		return err
	}
	if order.State.IsTerminal() {
		delete(e.entryWaits, order.ClientOrderID)
	}
	if e.portfolio != nil {
		e.portfolio.RecordFill(pos.ID, pos.ProductID, domain.Notional(fillPrice, filledQty))
	}
	e.logger.Info(ctx, op+": entry fill applied", map[string]interface{}{
		"positionID": pos.ID, "filledQty": filledQty.String(), "fillPrice": fillPrice.String(),
		"entryPrice": pos.EntryPrice.String(), "qtyFilled": pos.QtyFilled.String(),
	})

	if firstFill {
		trigger, limit := pos.ComputeNewStop(e.cfg.TrailPct, e.cfg.StopLimitBufferPct)
		if err := e.placeStop(ctx, pos, trigger, limit); err != nil {
			// Retried on the next trade tick; the position is flagged.
			e.logger.Error(ctx, err, op+": initial stop placement failed, flagged for retry", map[string]interface{}{"positionID": pos.ID})
		}
	} else if pos.Status == domain.StatusOpen {
		// A later partial fill grew the position; the live stop covers too
		// little quantity. Replace it for the new remaining quantity at the
		// recomputed trigger, never below the one already applied.
		trigger, limit := pos.ComputeNewStop(e.cfg.TrailPct, e.cfg.StopLimitBufferPct)
		if pos.StopTrigger != nil && trigger.LessThan(*pos.StopTrigger) {
			trigger, limit = *pos.StopTrigger, *pos.StopLimit
		}
		if err := e.replaceStop(ctx, pos, trigger, limit); err != nil {
			e.logger.Error(ctx, err, op+": stop resize failed, flagged for retry", map[string]interface{}{"positionID": pos.ID})
		}
	}
	return nil
}

// placeStop creates, persists and submits a stop-limit sell for the
// position's remaining quantity, then records the new trigger and limit.
// On failure the position is flagged needs-stop and the failure counter
// feeds the escalation policy.
func (e *Engine) placeStop(ctx context.Context, pos *domain.Position, trigger, limit decimal.Decimal) error {
	op := "placeStop"
	now := e.now()
	clientOrderID := uuid.NewString()
	stop := domain.NewOrder(clientOrderID, pos.ID, pos.ProductID, domain.KindStop, limit, pos.QtyFilled, now)
	if err := e.store.SaveOrder(ctx, stop); err != nil {
		return err
	}

	ack, err := e.exchange.PlaceStopLimitSell(ctx, pos.ProductID, clientOrderID, trigger, limit, pos.QtyFilled)
	if err != nil {
		e.needsStop[pos.ID] = true
		e.stopFails[pos.ID]++
		if errors.Is(err, ports.ErrVenueFatal) {
			if trErr := stop.Transition(domain.OrderRejected, e.now()); trErr == nil {
				if saveErr := e.store.SaveOrder(ctx, stop); saveErr != nil {
					e.logger.Error(ctx, saveErr, op+": failed to persist rejected stop", map[string]interface{}{"positionID": pos.ID})
				}
			}
		}
		return err
	}

	now = e.now()
	stop.OrderID = ack.OrderID
	if err := stop.Transition(domain.OrderOpen, now); err != nil {
		return err
	}
	pos.ApplyNewStop(trigger, limit, ack.OrderID, now)
	err = e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.SaveOrder(ctx, stop); err != nil {
			return err
		}
		return e.store.SavePosition(ctx, pos)
	})
	if err != nil {
		return err
	}
	delete(e.needsStop, pos.ID)
	delete(e.stopFails, pos.ID)
	e.logger.Info(ctx, op+": stop placed", map[string]interface{}{
		"positionID": pos.ID, "orderID": ack.OrderID,
		"trigger": trigger.String(), "limit": limit.String(), "qty": pos.QtyFilled.String(),
	})
	return nil
}

// OnTrade processes a last-trade price tick: updates the trail for every
// open position of this pair and replaces stops where the ratchet allows.
// A downward stop is never written.
func (e *Engine) OnTrade(ctx context.Context, lastPrice decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return ErrNotReconciled
	}
	positions, err := e.openPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Status != domain.StatusOpen || pos.Inconsistent {
			continue
		}
		if err := e.trailPosition(ctx, pos, lastPrice); err != nil {
			// Tick loops absorb retriable and transition errors; persistence
			// failures propagate.
			if errors.Is(err, ports.ErrPersistence) {
				return err
			}
			e.logger.Error(ctx, err, "OnTrade: trailing update failed", map[string]interface{}{"positionID": pos.ID})
		}
	}
	return nil
}

func (e *Engine) trailPosition(ctx context.Context, pos *domain.Position, lastPrice decimal.Decimal) error {
	prevHighest := pos.HighestPrice
	pos.ObservePrice(lastPrice)
	if !pos.HighestPrice.Equal(prevHighest) {
		if err := e.store.SavePosition(ctx, pos); err != nil {
			return err
		}
	}

	trigger, limit := pos.ComputeNewStop(e.cfg.TrailPct, e.cfg.StopLimitBufferPct)
	trigger, limit = e.escalate(pos, trigger, limit)

	needsStop := e.needsStop[pos.ID]
	if needsStop || pos.ShouldReplaceStop(trigger, e.cfg.MinRatchet) {
		// A pending retry must not loosen: fall back to the last applied
		// trigger when the fresh computation is below it.
		if pos.StopTrigger != nil && trigger.LessThan(*pos.StopTrigger) {
			trigger, limit = *pos.StopTrigger, *pos.StopLimit
		}
		if err := e.replaceStop(ctx, pos, trigger, limit); err != nil {
			return err
		}
		return nil
	}

	return e.checkStopTimeout(ctx, pos, lastPrice)
}

// escalate tightens the candidate stop after repeated placement failures:
// each failure past the threshold moves the trigger a configured step
// closer to the market, capped strictly below the highest seen price.
// The trigger only ever moves up.
func (e *Engine) escalate(pos *domain.Position, trigger, limit decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	over := e.stopFails[pos.ID] - e.cfg.MaxStopFailures
	if over < 0 || e.cfg.StopEscalationStepPct.LessThanOrEqual(decimal.Zero) {
		return trigger, limit
	}
	escalated := trigger
	for i := 0; i <= over; i++ {
		escalated = domain.PctAbove(escalated, e.cfg.StopEscalationStepPct)
	}
	ceiling := domain.PctBelow(pos.HighestPrice, e.cfg.StopLimitBufferPct)
	if ceiling.GreaterThanOrEqual(pos.HighestPrice) {
		// Zero limit buffer: cap at the midpoint so the trigger stays
		// strictly below the highest seen price.
		ceiling = trigger.Add(pos.HighestPrice.Sub(trigger).Div(decimal.NewFromInt(2)))
	}
	if escalated.GreaterThanOrEqual(ceiling) {
		escalated = ceiling
	}
	if escalated.LessThanOrEqual(trigger) {
		return trigger, limit
	}
	return escalated, domain.PctBelow(escalated, e.cfg.StopLimitBufferPct)
}

// replaceStop cancels the live stop (if any) and places the new one.
// Cancel-succeeded-place-failed leaves the position flagged needs-stop;
// the next tick retries with unchanged or tighter parameters.
func (e *Engine) replaceStop(ctx context.Context, pos *domain.Position, trigger, limit decimal.Decimal) error {
	op := "replaceStop"
	if pos.StopOrderID != "" {
		err := e.exchange.CancelOrder(ctx, pos.ProductID, pos.StopOrderID)
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			// Old stop may still be live; do not place a second one.
			e.logger.Warn(ctx, op+": cancel failed, keeping existing stop", map[string]interface{}{
				"positionID": pos.ID, "stopOrderID": pos.StopOrderID, "error": err.Error(),
			})
			return err
		}
		if err := e.markStopCancelled(ctx, pos.StopOrderID); err != nil {
			return err
		}
		delete(e.triggeredAt, pos.StopOrderID)
		pos.ClearStopOrder(e.now())
		if err := e.store.SavePosition(ctx, pos); err != nil {
			return err
		}
	}
	return e.placeStop(ctx, pos, trigger, limit)
}

func (e *Engine) markStopCancelled(ctx context.Context, stopOrderID string) error {
	stop, err := e.store.LoadOrder(ctx, stopOrderID)
	if err != nil {
		return err
	}
	if stop == nil || stop.State.IsTerminal() {
		return nil
	}
	if err := stop.Transition(domain.OrderCancelled, e.now()); err != nil {
		return err
	}
	return e.store.SaveOrder(ctx, stop)
}

// checkStopTimeout replaces a stop that triggered but has not filled within
// the configured timeout. The replacement keeps the trigger and tightens
// the limit buffer; the trigger is never lowered.
func (e *Engine) checkStopTimeout(ctx context.Context, pos *domain.Position, lastPrice decimal.Decimal) error {
	if e.cfg.StopTimeout <= 0 || pos.StopOrderID == "" || pos.StopTrigger == nil {
		return nil
	}
	if lastPrice.GreaterThan(*pos.StopTrigger) {
		delete(e.triggeredAt, pos.StopOrderID)
		return nil
	}
	now := e.now()
	first, seen := e.triggeredAt[pos.StopOrderID]
	if !seen {
		e.triggeredAt[pos.StopOrderID] = now
		return nil
	}
	if now.Sub(first) < e.cfg.StopTimeout {
		return nil
	}

	trigger := *pos.StopTrigger
	// Halve the gap between trigger and limit on each escalation.
	limit := trigger.Sub(trigger.Sub(*pos.StopLimit).Div(decimal.NewFromInt(2)))
	e.logger.Warn(ctx, "stop triggered but unfilled past timeout, tightening limit", map[string]interface{}{
		"positionID": pos.ID, "trigger": trigger.String(), "newLimit": limit.String(),
	})
	return e.replaceStop(ctx, pos, trigger, limit)
}

// HandleStopFill applies a fill event for a stop (or force-exit) order and
// closes the position accordingly.
func (e *Engine) HandleStopFill(ctx context.Context, orderID string, filledQty, fillPrice decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return ErrNotReconciled
	}
	order, err := e.lookupOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return e.handleStopFillLocked(ctx, order, filledQty, fillPrice)
}

func (e *Engine) handleStopFillLocked(ctx context.Context, order *domain.Order, filledQty, fillPrice decimal.Decimal) error {
	op := "HandleStopFill"
	if order.Kind == domain.KindEntry {
		return fmt.Errorf("%s: order %s is an entry: %w", op, order.ClientOrderID, ports.ErrInvalidRequest)
	}
	pos, err := e.store.LoadPosition(ctx, order.PositionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("%s: order %s has no position %s: %w", op, order.ClientOrderID, order.PositionID, ports.ErrNotFound)
	}

	now := e.now()
	entryNotional := domain.Notional(pos.EntryPrice, filledQty)
	err = e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := order.ApplyFill(filledQty, fillPrice, now); err != nil {
			return err
		}
		if err := pos.Close(fillPrice, filledQty, now); err != nil {
			return err
		}
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
		return e.store.SavePosition(ctx, pos)
	})
	if err != nil {
		return err
	}
	if pos.Status.IsTerminal() {
		delete(e.needsStop, pos.ID)
		delete(e.stopFails, pos.ID)
		delete(e.triggeredAt, order.OrderID)
	}
	if e.portfolio != nil {
		e.portfolio.RecordClose(pos.ID, pos.ProductID, entryNotional, fillPrice.Sub(pos.EntryPrice).Mul(filledQty))
	}
	e.logger.Info(ctx, op+": exit fill applied", map[string]interface{}{
		"positionID": pos.ID, "filledQty": filledQty.String(), "fillPrice": fillPrice.String(),
		"status": pos.Status, "realizedPnL": pos.RealizedPnL.String(),
	})
	return nil
}

// ForceExit cancels any outstanding stop, records a synthetic FORCE_EXIT
// order at the operator-supplied price and closes the position. This is a
// bookkeeping close; no sell is sent to the venue.
func (e *Engine) ForceExit(ctx context.Context, positionID string, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := "ForceExit"

	pos, err := e.store.LoadPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("%s: position %s: %w", op, positionID, ports.ErrNotFound)
	}
	if pos.Status != domain.StatusOpen {
		return fmt.Errorf("%s: position %s is %s: %w", op, positionID, pos.Status, domain.ErrInvalidTransition)
	}

	if pos.StopOrderID != "" {
		if err := e.exchange.CancelOrder(ctx, pos.ProductID, pos.StopOrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			return err
		}
		if err := e.markStopCancelled(ctx, pos.StopOrderID); err != nil {
			return err
		}
		delete(e.triggeredAt, pos.StopOrderID)
		pos.ClearStopOrder(e.now())
	}

	now := e.now()
	qty := pos.QtyFilled
	entryNotional := domain.Notional(pos.EntryPrice, qty)
	realized := price.Sub(pos.EntryPrice).Mul(qty)
	exit := domain.NewOrder(uuid.NewString(), pos.ID, pos.ProductID, domain.KindForceExit, price, qty, now)
	// Synthetic order: it never reaches the venue, its fill is the
	// operator's reference price.
	if err := exit.Transition(domain.OrderOpen, now); err != nil {
		return err
	}
	if err := exit.ApplyFill(qty, price, now); err != nil {
		return err
	}

	err = e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := pos.ForceClose(price, now); err != nil {
			return err
		}
		if err := e.store.SaveOrder(ctx, exit); err != nil {
			return err
		}
		return e.store.SavePosition(ctx, pos)
	})
	if err != nil {
		return err
	}
	delete(e.needsStop, pos.ID)
	delete(e.stopFails, pos.ID)
	if e.portfolio != nil {
		e.portfolio.RecordClose(pos.ID, pos.ProductID, entryNotional, realized)
	}
	e.logger.Warn(ctx, op+": position force-exited at operator price", map[string]interface{}{
		"positionID": pos.ID, "price": price.String(), "qty": qty.String(), "realizedPnL": realized.String(),
	})
	return nil
}

// OnCandleClose advances the entry-expiry clock: entries still unfilled
// after MaxEntryWaitCandles closes are cancelled at the venue and aborted
// locally.
func (e *Engine) OnCandleClose(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := "OnCandleClose"

	if !e.ready {
		return ErrNotReconciled
	}
	if e.cfg.MaxEntryWaitCandles <= 0 {
		return nil
	}
	for clientOrderID := range e.entryWaits {
		e.entryWaits[clientOrderID]++
		if e.entryWaits[clientOrderID] < e.cfg.MaxEntryWaitCandles {
			continue
		}
		order, err := e.store.LoadOrderByClientID(ctx, clientOrderID)
		if err != nil {
			return err
		}
		if order == nil || order.State.IsTerminal() {
			delete(e.entryWaits, clientOrderID)
			continue
		}
		if order.FilledQty.GreaterThan(decimal.Zero) {
			// Partially filled entries are left to complete or be managed
			// by the operator; only fully unfilled entries expire.
			delete(e.entryWaits, clientOrderID)
			continue
		}
		if err := e.expireEntry(ctx, order); err != nil {
			e.logger.Error(ctx, err, op+": entry expiry failed", map[string]interface{}{"clientOrderID": clientOrderID})
			continue
		}
		delete(e.entryWaits, clientOrderID)
	}
	return nil
}

func (e *Engine) expireEntry(ctx context.Context, order *domain.Order) error {
	op := "expireEntry"
	if err := e.exchange.CancelOrder(ctx, order.ProductID, order.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		return err
	}
	now := e.now()
	if err := order.Transition(domain.OrderCancelled, now); err != nil {
		return err
	}
	pos, err := e.store.LoadPosition(ctx, order.PositionID)
	if err != nil {
		return err
	}
	return e.store.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
		if pos != nil && pos.Status == domain.StatusPendingEntry {
			if err := pos.Abort(now); err != nil {
				return err
			}
			if err := e.store.SavePosition(ctx, pos); err != nil {
				return err
			}
			e.logger.Info(ctx, op+": unfilled entry expired", map[string]interface{}{
				"positionID": pos.ID, "clientOrderID": order.ClientOrderID,
			})
		}
		return nil
	})
}

// lookupOrder resolves an identifier that may be a venue order ID or a
// client order ID.
func (e *Engine) lookupOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.store.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order, err = e.store.LoadOrderByClientID(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ports.ErrNotFound)
	}
	return order, nil
}

// openPositions returns this pair's non-terminal positions.
func (e *Engine) openPositions(ctx context.Context) ([]*domain.Position, error) {
	all, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	mine := all[:0]
	for _, pos := range all {
		if pos.ProductID == e.cfg.ProductID {
			mine = append(mine, pos)
		}
	}
	return mine, nil
}
