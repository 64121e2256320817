package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a single exchange order owned by a position.
//
// OrderID is the venue-assigned identifier and stays empty until the venue
// acknowledges the submission. ClientOrderID is generated before submission
// and is the idempotency key: re-submitting the same ClientOrderID after a
// retry must resolve to the same venue order.
type Order struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	PositionID    string          `json:"position_id"`
	ProductID     string          `json:"product_id"`
	Kind          OrderKind       `json:"kind"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	State         OrderState      `json:"state"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FillPrice     decimal.Decimal `json:"fill_price"` // quantity-weighted average
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewOrder creates an order in PENDING_SUBMIT.
func NewOrder(clientOrderID, positionID, productID string, kind OrderKind, price, qty decimal.Decimal, now time.Time) *Order {
	return &Order{
		ClientOrderID: clientOrderID,
		PositionID:    positionID,
		ProductID:     productID,
		Kind:          kind,
		Side:          kind.Side(),
		Price:         price,
		Qty:           qty,
		State:         OrderPendingSubmit,
		FilledQty:     decimal.Zero,
		FillPrice:     decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// legalTransitions is the closed transition table. Self-loops are handled
// separately for idempotency on duplicate venue notifications.
var legalTransitions = map[OrderState][]OrderState{
	OrderPendingSubmit:   {OrderOpen, OrderRejected},
	OrderOpen:            {OrderPartiallyFilled, OrderFilled, OrderCancelled},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled},
}

// Transition moves the order to a new state, enforcing the lifecycle table.
// Duplicate notifications (transition into the current state) are no-ops
// and return nil, so replayed venue events are harmless.
func (o *Order) Transition(to OrderState, now time.Time) error {
	if o.State == to {
		if o.State == OrderPartiallyFilled {
			o.UpdatedAt = now
		}
		return nil
	}
	for _, allowed := range legalTransitions[o.State] {
		if allowed == to {
			o.State = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("order %s: %s -> %s: %w", o.ClientOrderID, o.State, to, ErrInvalidTransition)
}

// ApplyFill records a (partial) fill, maintaining FilledQty <= Qty and the
// quantity-weighted average fill price, and transitions the order to
// PARTIALLY_FILLED or FILLED accordingly.
func (o *Order) ApplyFill(qty, price decimal.Decimal, now time.Time) error {
	if o.State != OrderOpen && o.State != OrderPartiallyFilled {
		return fmt.Errorf("order %s: fill in state %s: %w", o.ClientOrderID, o.State, ErrInvalidTransition)
	}
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s: non-positive fill qty %s: %w", o.ClientOrderID, qty, ErrInvalidTransition)
	}
	newFilled := o.FilledQty.Add(qty)
	if newFilled.GreaterThan(o.Qty) {
		return fmt.Errorf("order %s: filled %s exceeds qty %s: %w", o.ClientOrderID, newFilled, o.Qty, ErrInvalidTransition)
	}

	if o.FilledQty.IsZero() {
		o.FillPrice = price
	} else {
		o.FillPrice = WeightedAverage(o.FillPrice, o.FilledQty, price, qty)
	}
	o.FilledQty = newFilled

	next := OrderPartiallyFilled
	if o.FilledQty.Equal(o.Qty) {
		next = OrderFilled
	}
	return o.Transition(next, now)
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}
