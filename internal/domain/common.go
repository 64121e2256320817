package domain

import "errors"

// ErrInvalidTransition is returned when an Order or Position is asked to
// perform a state transition that the lifecycle tables do not allow.
// It always indicates a caller bug, not a venue condition.
var ErrInvalidTransition = errors.New("invalid state transition")

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderKind classifies what role an order plays in a position's lifecycle.
type OrderKind string

const (
	KindEntry     OrderKind = "ENTRY"      // limit BUY opening a position
	KindStop      OrderKind = "STOP"       // stop-limit SELL protecting a position
	KindForceExit OrderKind = "FORCE_EXIT" // operator-initiated bookkeeping SELL
)

// Side returns the order side implied by the kind: entries buy, exits sell.
func (k OrderKind) Side() OrderSide {
	if k == KindEntry {
		return Buy
	}
	return Sell
}

// OrderState represents the lifecycle state of an exchange order.
type OrderState string

const (
	OrderPendingSubmit   OrderState = "PENDING_SUBMIT"
	OrderOpen            OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "PENDING_ENTRY"
	StatusOpen         PositionStatus = "OPEN"
	StatusClosed       PositionStatus = "CLOSED"
	StatusForceExited  PositionStatus = "FORCE_EXITED"
)

// IsTerminal reports whether the position has been fully closed out.
func (s PositionStatus) IsTerminal() bool {
	return s == StatusClosed || s == StatusForceExited
}
