package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trailbot/internal/domain"
)

// OrderAck is the venue's acknowledgement of an order submission.
type OrderAck struct {
	OrderID       string // venue-assigned order ID
	ClientOrderID string // echoed client order ID
	Status        domain.OrderState
	ExecutedQty   decimal.Decimal // quantity already filled at ack time
	AvgFillPrice  decimal.Decimal // average fill price, zero if unfilled
	Timestamp     time.Time
}

// VenueOrder is the venue's view of an order, as returned by status queries
// and open-order enumeration.
type VenueOrder struct {
	OrderID       string
	ClientOrderID string
	Side          domain.OrderSide
	Price         decimal.Decimal
	Qty           decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgFillPrice  decimal.Decimal
	State         domain.OrderState
	UpdatedAt     time.Time
}

// ExchangeClient is the capability set the execution core needs from a
// venue. Implementations must honour idempotency via clientOrderID:
// re-submitting the same clientOrderID after a retry returns the existing
// venue order rather than creating a duplicate. All calls consult the
// shared rate-limit policy before dispatch and retry retriable venue
// errors with backoff; non-retriable errors surface wrapped in the ports
// sentinels.
type ExchangeClient interface {
	// PlaceLimitBuy places a GTC limit BUY order.
	PlaceLimitBuy(ctx context.Context, productID, clientOrderID string, price, qty decimal.Decimal) (*OrderAck, error)

	// PlaceStopLimitSell places a stop-limit SELL: when the last trade
	// price falls through trigger, a limit sell at limit is released.
	PlaceStopLimitSell(ctx context.Context, productID, clientOrderID string, trigger, limit, qty decimal.Decimal) (*OrderAck, error)

	// CancelOrder cancels an open order by its venue ID.
	// Returns ErrOrderNotFound if the venue no longer knows the order.
	CancelOrder(ctx context.Context, productID, orderID string) error

	// GetOrderStatus retrieves the venue's view of an order by venue ID or,
	// if orderID is empty, by clientOrderID. Returns nil, nil when the
	// venue does not know the order.
	GetOrderStatus(ctx context.Context, productID, orderID, clientOrderID string) (*VenueOrder, error)

	// ListOpenOrders enumerates all open orders for the product.
	ListOpenOrders(ctx context.Context, productID string) ([]*VenueOrder, error)

	// GetLastTradePrice retrieves the most recent trade price.
	GetLastTradePrice(ctx context.Context, productID string) (decimal.Decimal, error)
}
