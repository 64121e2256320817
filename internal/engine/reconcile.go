package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
)

// Reconcile aligns local state with venue state. It runs once at startup,
// strictly before the engine accepts entries, fills or trade ticks, and
// unlocks normal processing when it completes.
//
// Procedure: replay fills the process missed, mark orders the venue no
// longer knows, restore missing stops for open positions (obeying the
// ratchet against the last known trigger), and cancel venue-open orders
// with client order IDs unknown locally. Positions whose venue fill
// quantity exceeds the local order quantity are quarantined and excluded
// from trading until an operator intervenes.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := "Reconcile"

	e.logger.Info(ctx, op+": starting", map[string]interface{}{"productID": e.cfg.ProductID})

	openOrders, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	var conflicts []string
	for _, order := range openOrders {
		if order.ProductID != e.cfg.ProductID {
			continue
		}
		quarantined, err := e.reconcileOrder(ctx, order)
		if err != nil {
			return err
		}
		if quarantined != "" {
			conflicts = append(conflicts, quarantined)
		}
	}

	if err := e.restoreMissingStops(ctx); err != nil {
		return err
	}
	if err := e.sweepOrphans(ctx); err != nil {
		return err
	}

	e.ready = true
	e.logger.Info(ctx, op+": complete, accepting work", map[string]interface{}{
		"productID": e.cfg.ProductID, "quarantined": len(conflicts),
	})
	if len(conflicts) > 0 {
		return fmt.Errorf("%s: %d position(s) quarantined: %v: %w", op, len(conflicts), conflicts, ports.ErrReconciliationConflict)
	}
	return nil
}

// SyncOrders polls the venue for every non-terminal order of this pair
// and applies fill quantity the process has not seen yet: a resting entry
// that filled opens its position, a stop that filled closes it. Runs every
// price tick, before the trailing update. Only the cumulative delta is
// applied, so re-polling an already-applied fill is a no-op. PENDING_SUBMIT
// orders are left alone; their placement is resolved by resubmission or
// the startup pass.
func (e *Engine) SyncOrders(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	op := "SyncOrders"

	if !e.ready {
		return ErrNotReconciled
	}
	open, err := e.store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range open {
		if order.ProductID != e.cfg.ProductID || order.State == domain.OrderPendingSubmit {
			continue
		}
		if _, err := e.reconcileOrder(ctx, order); err != nil {
			if errors.Is(err, ports.ErrPersistence) {
				return err
			}
			e.logger.Error(ctx, err, op+": order sync failed", map[string]interface{}{
				"clientOrderID": order.ClientOrderID,
			})
		}
	}
	return nil
}

// reconcileOrder resolves one persisted non-terminal order against the
// venue. Returns the quarantined position ID when the venue's fill exceeds
// the local order quantity.
func (e *Engine) reconcileOrder(ctx context.Context, order *domain.Order) (string, error) {
	op := "Reconcile"
	venue, err := e.exchange.GetOrderStatus(ctx, order.ProductID, order.OrderID, order.ClientOrderID)
	if err != nil {
		return "", err
	}

	if venue == nil {
		// The venue never saw it, or it is long gone.
		e.logger.Warn(ctx, op+": order unknown at venue, closing locally", map[string]interface{}{
			"clientOrderID": order.ClientOrderID, "state": order.State,
		})
		return "", e.markOrderDead(ctx, order)
	}

	if venue.ExecutedQty.GreaterThan(order.Qty) {
		return order.PositionID, e.quarantine(ctx, order, venue)
	}

	if order.State == domain.OrderPendingSubmit {
		order.OrderID = venue.OrderID
		if err := order.Transition(domain.OrderOpen, e.now()); err != nil {
			return "", err
		}
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return "", err
		}
	}

	// Replay any fill quantity the process missed while down.
	missed := venue.ExecutedQty.Sub(order.FilledQty)
	if missed.GreaterThan(decimal.Zero) {
		fillPrice := venue.AvgFillPrice
		if fillPrice.IsZero() {
			fillPrice = order.Price
		}
		e.logger.Info(ctx, op+": replaying missed fill", map[string]interface{}{
			"clientOrderID": order.ClientOrderID, "missedQty": missed.String(), "fillPrice": fillPrice.String(),
		})
		pos, err := e.store.LoadPosition(ctx, order.PositionID)
		if err != nil {
			return "", err
		}
		if pos == nil {
			return "", fmt.Errorf("%s: order %s has no position %s: %w", op, order.ClientOrderID, order.PositionID, ports.ErrNotFound)
		}
		if order.Kind == domain.KindEntry {
			if err := e.applyEntryFill(ctx, order, pos, missed, fillPrice); err != nil {
				return "", err
			}
		} else {
			if err := e.handleStopFillLocked(ctx, order, missed, fillPrice); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	switch venue.State {
	case domain.OrderCancelled, domain.OrderRejected:
		e.logger.Warn(ctx, op+": venue reports order gone, closing locally", map[string]interface{}{
			"clientOrderID": order.ClientOrderID, "venueState": venue.State,
		})
		return "", e.markOrderDead(ctx, order)
	default:
		// Still open at the venue; nothing to heal.
		return "", nil
	}
}

// markOrderDead moves a non-terminal order to its dead state (REJECTED
// from PENDING_SUBMIT, CANCELLED otherwise) and repairs the owning
// position: aborting never-filled entries, clearing dangling stop IDs.
func (e *Engine) markOrderDead(ctx context.Context, order *domain.Order) error {
	now := e.now()
	dead := domain.OrderCancelled
	if order.State == domain.OrderPendingSubmit {
		dead = domain.OrderRejected
	}
	if err := order.Transition(dead, now); err != nil {
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
		if pos == nil {
			return nil
		}
		changed := false
		if order.Kind == domain.KindEntry && pos.Status == domain.StatusPendingEntry {
			if err := pos.Abort(now); err != nil {
				return err
			}
			changed = true
		}
		if order.Kind == domain.KindStop && pos.StopOrderID != "" &&
			(pos.StopOrderID == order.OrderID || order.OrderID == "") {
			pos.ClearStopOrder(now)
			changed = true
		}
		if !changed {
			return nil
		}
		return e.store.SavePosition(ctx, pos)
	})
}

// quarantine flags a position the startup pass cannot heal. It is left in
// place, marked inconsistent, and skipped by all trading paths.
func (e *Engine) quarantine(ctx context.Context, order *domain.Order, venue *ports.VenueOrder) error {
	pos, err := e.store.LoadPosition(ctx, order.PositionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("quarantine: order %s has no position %s: %w", order.ClientOrderID, order.PositionID, ports.ErrNotFound)
	}
	pos.Inconsistent = true
	pos.UpdatedAt = e.now()
	e.logger.Error(ctx, ports.ErrReconciliationConflict, "venue fill exceeds local order quantity, quarantining position", map[string]interface{}{
		"positionID": pos.ID, "clientOrderID": order.ClientOrderID,
		"venueExecuted": venue.ExecutedQty.String(), "localQty": order.Qty.String(),
	})
	return e.store.SavePosition(ctx, pos)
}

// restoreMissingStops places a stop for every open, unquarantined position
// left without one. The replacement obeys the ratchet rule against the
// last known trigger; a position with no price history seeds the trail
// from the current last-trade price.
func (e *Engine) restoreMissingStops(ctx context.Context) error {
	positions, err := e.openPositions(ctx)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.Status != domain.StatusOpen || pos.Inconsistent || pos.StopOrderID != "" {
			continue
		}
		if pos.HighestPrice.IsZero() {
			last, err := e.exchange.GetLastTradePrice(ctx, pos.ProductID)
			if err != nil {
				return err
			}
			pos.ObservePrice(last)
		}
		trigger, limit := pos.ComputeNewStop(e.cfg.TrailPct, e.cfg.StopLimitBufferPct)
		if pos.StopTrigger != nil && trigger.LessThan(*pos.StopTrigger) {
			trigger, limit = *pos.StopTrigger, *pos.StopLimit
		}
		if err := e.placeStop(ctx, pos, trigger, limit); err != nil {
			e.logger.Error(ctx, err, "Reconcile: stop restoration failed, flagged for retry", map[string]interface{}{"positionID": pos.ID})
		}
	}
	return nil
}

// sweepOrphans cancels venue-open orders whose client order IDs are
// unknown locally.
func (e *Engine) sweepOrphans(ctx context.Context) error {
	venueOrders, err := e.exchange.ListOpenOrders(ctx, e.cfg.ProductID)
	if err != nil {
		return err
	}
	for _, vo := range venueOrders {
		known, err := e.store.LoadOrderByClientID(ctx, vo.ClientOrderID)
		if err != nil {
			return err
		}
		if known != nil {
			continue
		}
		e.logger.Warn(ctx, "Reconcile: cancelling orphan venue order", map[string]interface{}{
			"orderID": vo.OrderID, "clientOrderID": vo.ClientOrderID,
		})
		if err := e.exchange.CancelOrder(ctx, e.cfg.ProductID, vo.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			return err
		}
	}
	return nil
}
