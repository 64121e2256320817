package ports

import (
	"context"

	"trailbot/internal/domain"
)

// PositionRepository stores and retrieves positions. Writes are atomic
// with respect to external readers.
type PositionRepository interface {
	// SavePosition upserts a position by its ID.
	SavePosition(ctx context.Context, pos *domain.Position) error
	// LoadPosition retrieves a position by ID. Returns nil, nil if not found.
	LoadPosition(ctx context.Context, positionID string) (*domain.Position, error)
	// ListPositions returns all position IDs.
	ListPositions(ctx context.Context) ([]string, error)
	// ListOpenPositions returns all positions whose status is not terminal.
	ListOpenPositions(ctx context.Context) ([]*domain.Position, error)
	// FindPositionByEntryClientID retrieves the position created for a
	// given entry client order ID, if any. Used as the idempotency guard
	// for repeated entry submissions. Returns nil, nil if not found.
	FindPositionByEntryClientID(ctx context.Context, clientOrderID string) (*domain.Position, error)
}

// OrderRepository stores and retrieves orders.
type OrderRepository interface {
	// SaveOrder upserts an order, keyed by its client order ID (the venue
	// ID is unknown until ack).
	SaveOrder(ctx context.Context, order *domain.Order) error
	// LoadOrder retrieves an order by venue order ID. Returns nil, nil if
	// not found.
	LoadOrder(ctx context.Context, orderID string) (*domain.Order, error)
	// LoadOrderByClientID retrieves an order by client order ID.
	LoadOrderByClientID(ctx context.Context, clientOrderID string) (*domain.Order, error)
	// ListOrders returns all orders belonging to a position.
	ListOrders(ctx context.Context, positionID string) ([]*domain.Order, error)
	// ListOpenOrders returns all orders in a non-terminal state.
	ListOpenOrders(ctx context.Context) ([]*domain.Order, error)
}

// Transactor runs a function such that all repository writes within it are
// all-or-nothing; readers outside the transaction observe either the
// pre-state or the post-state, never an intermediate.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the full persistence contract the engine consumes.
type Store interface {
	PositionRepository
	OrderRepository
	Transactor
}
