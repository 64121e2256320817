package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents an aggregate holding in one product, created by an
// entry fill and closed by exit fills.
//
// Invariants maintained by the methods below:
//   - HighestPrice >= EntryPrice once the position is OPEN
//   - StopTrigger, when set, is strictly below HighestPrice and only ever
//     moves upward (ratchet-only)
//   - StopLimit < StopTrigger
//   - StopOrderID is non-empty only while the position is OPEN and a stop
//     is live at the venue
type Position struct {
	ID                 string          `json:"position_id"`
	ProductID          string          `json:"product_id"`
	EntryClientOrderID string          `json:"entry_client_order_id"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	QtyFilled          decimal.Decimal `json:"qty_filled"` // remaining open quantity
	HighestPrice       decimal.Decimal `json:"highest_price_since_entry"`
	StopTrigger        *decimal.Decimal `json:"current_stop_trigger,omitempty"`
	StopLimit          *decimal.Decimal `json:"current_stop_limit,omitempty"`
	StopOrderID        string          `json:"stop_order_id,omitempty"`
	Status             PositionStatus  `json:"status"`
	Inconsistent       bool            `json:"inconsistent,omitempty"` // quarantined by reconciliation
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewPosition creates a position in PENDING_ENTRY, before any fill exists.
func NewPosition(id, productID, entryClientOrderID string, now time.Time) *Position {
	return &Position{
		ID:                 id,
		ProductID:          productID,
		EntryClientOrderID: entryClientOrderID,
		EntryPrice:         decimal.Zero,
		QtyFilled:          decimal.Zero,
		HighestPrice:       decimal.Zero,
		Status:             StatusPendingEntry,
		RealizedPnL:        decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// RegisterFill records a fill of the entry order. The first fill sets the
// entry price, seeds the highest-seen price and opens the position; later
// partial fills fold into a quantity-weighted average entry price.
func (p *Position) RegisterFill(qty, price decimal.Decimal, now time.Time) error {
	if p.Status != StatusPendingEntry && p.Status != StatusOpen {
		return fmt.Errorf("position %s: fill in status %s: %w", p.ID, p.Status, ErrInvalidTransition)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("position %s: non-positive fill qty %s: %w", p.ID, qty, ErrInvalidTransition)
	}

	if p.QtyFilled.IsZero() {
		p.EntryPrice = price
		p.QtyFilled = qty
		p.HighestPrice = price
		p.Status = StatusOpen
	} else {
		p.EntryPrice = WeightedAverage(p.EntryPrice, p.QtyFilled, price, qty)
		p.QtyFilled = p.QtyFilled.Add(qty)
		// The trail never sits below the entry price.
		if p.EntryPrice.GreaterThan(p.HighestPrice) {
			p.HighestPrice = p.EntryPrice
		}
	}
	p.UpdatedAt = now
	return nil
}

// ObservePrice updates the highest price seen since entry. Prices observed
// before the entry fill, or after close, are ignored for trailing purposes.
func (p *Position) ObservePrice(lastTrade decimal.Decimal) {
	if p.Status != StatusOpen {
		return
	}
	if lastTrade.GreaterThan(p.HighestPrice) {
		p.HighestPrice = lastTrade
	}
}

// ComputeNewStop derives candidate stop prices from the highest price seen:
// trigger = highest * (1 - trailPct), limit = trigger * (1 - bufferPct).
// Pure: no state is mutated.
func (p *Position) ComputeNewStop(trailPct, bufferPct decimal.Decimal) (trigger, limit decimal.Decimal) {
	trigger = PctBelow(p.HighestPrice, trailPct)
	limit = PctBelow(trigger, bufferPct)
	return trigger, limit
}

// ShouldReplaceStop reports whether the stop should be replaced with one at
// newTrigger. A missing stop is always replaced; otherwise the new trigger
// must improve on the current one by more than minRatchet. It never returns
// true when newTrigger would move the stop down.
func (p *Position) ShouldReplaceStop(newTrigger, minRatchet decimal.Decimal) bool {
	if p.StopTrigger == nil {
		return true
	}
	if newTrigger.LessThanOrEqual(*p.StopTrigger) {
		return false
	}
	return newTrigger.GreaterThan(PctAbove(*p.StopTrigger, minRatchet))
}

// ApplyNewStop records a placed stop order: trigger, limit and the venue
// order id are set together.
func (p *Position) ApplyNewStop(trigger, limit decimal.Decimal, stopOrderID string, now time.Time) {
	t, l := trigger, limit
	p.StopTrigger = &t
	p.StopLimit = &l
	p.StopOrderID = stopOrderID
	p.UpdatedAt = now
}

// ClearStopOrder forgets the live stop order id (after a cancel or a venue
// report that the stop is gone) while keeping the last trigger/limit so the
// ratchet rule still binds the replacement.
func (p *Position) ClearStopOrder(now time.Time) {
	p.StopOrderID = ""
	p.UpdatedAt = now
}

// Abort terminates a position whose entry never filled (venue reject or
// entry expiry). Only legal from PENDING_ENTRY.
func (p *Position) Abort(now time.Time) error {
	if p.Status != StatusPendingEntry {
		return fmt.Errorf("position %s: abort in status %s: %w", p.ID, p.Status, ErrInvalidTransition)
	}
	p.Status = StatusClosed
	p.UpdatedAt = now
	return nil
}

// Close records an exit fill: realized P&L accrues as
// (exitPrice - entryPrice) * exitQty and the open quantity shrinks. When
// the open quantity reaches zero the position transitions to CLOSED.
func (p *Position) Close(exitPrice, exitQty decimal.Decimal, now time.Time) error {
	return p.close(exitPrice, exitQty, StatusClosed, now)
}

// ForceClose closes the full remaining quantity at an operator-supplied
// reference price and marks the position FORCE_EXITED. This is a
// bookkeeping close: any real exit order must be placed separately.
func (p *Position) ForceClose(price decimal.Decimal, now time.Time) error {
	return p.close(price, p.QtyFilled, StatusForceExited, now)
}

func (p *Position) close(exitPrice, exitQty decimal.Decimal, terminal PositionStatus, now time.Time) error {
	if p.Status != StatusOpen {
		return fmt.Errorf("position %s: close in status %s: %w", p.ID, p.Status, ErrInvalidTransition)
	}
	if exitQty.LessThanOrEqual(decimal.Zero) || exitQty.GreaterThan(p.QtyFilled) {
		return fmt.Errorf("position %s: exit qty %s vs open %s: %w", p.ID, exitQty, p.QtyFilled, ErrInvalidTransition)
	}

	p.RealizedPnL = p.RealizedPnL.Add(exitPrice.Sub(p.EntryPrice).Mul(exitQty))
	p.QtyFilled = p.QtyFilled.Sub(exitQty)
	if p.QtyFilled.IsZero() {
		p.Status = terminal
		p.StopOrderID = ""
	}
	p.UpdatedAt = now
	return nil
}

// UnrealizedPnL returns (currentPrice - entryPrice) * open quantity, or
// zero when the position holds nothing.
func (p *Position) UnrealizedPnL(currentPrice decimal.Decimal) decimal.Decimal {
	if p.Status != StatusOpen || p.QtyFilled.IsZero() {
		return decimal.Zero
	}
	return currentPrice.Sub(p.EntryPrice).Mul(p.QtyFilled)
}

// Notional returns the deployed capital in this position at entry prices.
func (p *Position) Notional() decimal.Decimal {
	return Notional(p.EntryPrice, p.QtyFilled)
}
