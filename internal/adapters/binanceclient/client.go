package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"trailbot/internal/ports"
	"trailbot/internal/ratelimit"
	"trailbot/internal/signals"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"
)

// Client implements ports.ExchangeClient against the Binance spot API.
//
// Every request first consults the shared rate-limit policy, then runs with
// bounded retries on retriable venue errors. Order submissions carry the
// caller's client order ID, so a resubmission after an ambiguous failure
// resolves to the existing venue order instead of creating a duplicate.
type Client struct {
	spotClient  *binance.Client
	logger      ports.Logger
	limits      *ratelimit.Policy
	symbols     map[string]string // product ID -> venue symbol
	retryDelay  time.Duration
	maxRetries  int
	maxRateWait time.Duration
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey      string
	SecretKey   string
	UseTestnet  bool
	Logger      ports.Logger
	RateLimits  *ratelimit.Policy
	Symbols     map[string]string // product ID -> venue symbol, e.g. "BTC-USD" -> "BTCUSDT"
	RetryDelay  time.Duration     // initial backoff delay (e.g., 1 * time.Second)
	MaxRetries  int               // retry ceiling for retriable errors
	MaxRateWait time.Duration     // longest wait on a depleted rate-limit bucket
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global binance.UseTestnet.
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	limits := cfg.RateLimits
	if limits == nil {
		limits = ratelimit.NewDefault()
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 1 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	maxRateWait := cfg.MaxRateWait
	if maxRateWait <= 0 {
		maxRateWait = 10 * time.Second
	}

	return &Client{
		spotClient:  client,
		logger:      cfg.Logger,
		limits:      limits,
		symbols:     cfg.Symbols,
		retryDelay:  retryDelay,
		maxRetries:  maxRetries,
		maxRateWait: maxRateWait,
	}, nil
}

// symbol maps a product ID to its venue symbol. Unmapped products fall back
// to the ID with separators stripped ("BTC-USD" -> "BTCUSD").
func (c *Client) symbol(productID string) string {
	if s, ok := c.symbols[productID]; ok {
		return s
	}
	return strings.ReplaceAll(productID, "-", "")
}

// handleError translates Binance API errors into the standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1001, -1006, -1007, -1008: // Internal error / unexpected response / timeout / busy
			mappedErr = ports.ErrVenueUnavailable
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1112, -1115, -1116, -1117, -1120, -1121, -1125, -1130, -1131: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrInvalidRequest
			}
		case -2011: // Cancel rejected, the order is already gone
			mappedErr = ports.ErrOrderNotFound
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP, or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") ||
		strings.Contains(err.Error(), "no such host") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// withRetry runs fn under the endpoint's rate-limit budget, retrying
// retriable venue errors with jittered exponential backoff. Past the retry
// ceiling the error escalates to ErrVenueFatal; the last underlying error is
// reported but no longer classified as retriable.
func (c *Client) withRetry(ctx context.Context, endpoint, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    c.retryDelay,
		Max:    c.retryDelay * 16,
		Factor: 2,
		Jitter: true,
	}
	for {
		if !c.limits.WaitIfNeeded(ctx, endpoint, c.maxRateWait) {
			if ctx.Err() != nil {
				return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
			}
			return fmt.Errorf("%s: rate limit budget exhausted for %s: %w", op, endpoint, ports.ErrRateLimited)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrVenueRetriable) {
			return err
		}
		if int(b.Attempt()) >= c.maxRetries {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w (last: %v)", op, c.maxRetries, ports.ErrVenueFatal, err)
		}

		wait := b.Duration()
		c.logger.Warn(ctx, op+": retriable venue error, backing off", map[string]interface{}{
			"attempt": int(b.Attempt()), "wait": wait.String(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// PlaceLimitBuy places a GTC limit BUY order.
func (c *Client) PlaceLimitBuy(ctx context.Context, productID, clientOrderID string, price, qty decimal.Decimal) (*ports.OrderAck, error) {
	op := "PlaceLimitBuy"
	svc := func() (*binance.CreateOrderResponse, error) {
		return c.spotClient.NewCreateOrderService().
			Symbol(c.symbol(productID)).
			Side(binance.SideTypeBuy).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(price.String()).
			Quantity(qty.String()).
			NewClientOrderID(clientOrderID).
			Do(ctx)
	}
	ack, err := c.placeOrder(ctx, op, productID, clientOrderID, svc)
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"productID": productID, "clientOrderID": clientOrderID,
		"price": price.String(), "qty": qty.String(), "orderID": ack.OrderID,
	})
	return ack, nil
}

// PlaceStopLimitSell places a stop-limit SELL order.
func (c *Client) PlaceStopLimitSell(ctx context.Context, productID, clientOrderID string, trigger, limit, qty decimal.Decimal) (*ports.OrderAck, error) {
	op := "PlaceStopLimitSell"
	svc := func() (*binance.CreateOrderResponse, error) {
		return c.spotClient.NewCreateOrderService().
			Symbol(c.symbol(productID)).
			Side(binance.SideTypeSell).
			Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			StopPrice(trigger.String()).
			Price(limit.String()).
			Quantity(qty.String()).
			NewClientOrderID(clientOrderID).
			Do(ctx)
	}
	ack, err := c.placeOrder(ctx, op, productID, clientOrderID, svc)
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"productID": productID, "clientOrderID": clientOrderID,
		"trigger": trigger.String(), "limit": limit.String(), "qty": qty.String(), "orderID": ack.OrderID,
	})
	return ack, nil
}

// placeOrder submits an order with retries. Before each retry the order is
// looked up by client order ID: if an earlier attempt landed despite the
// error, the existing venue order is returned instead of a duplicate.
func (c *Client) placeOrder(ctx context.Context, op, productID, clientOrderID string, svc func() (*binance.CreateOrderResponse, error)) (*ports.OrderAck, error) {
	var ack *ports.OrderAck
	err := c.withRetry(ctx, ratelimit.EndpointOrders, op, func() error {
		if existing, lookupErr := c.lookupByClientID(ctx, productID, clientOrderID); lookupErr == nil && existing != nil {
			ack = &ports.OrderAck{
				OrderID:       existing.OrderID,
				ClientOrderID: existing.ClientOrderID,
				Status:        existing.State,
				ExecutedQty:   existing.ExecutedQty,
				AvgFillPrice:  existing.AvgFillPrice,
				Timestamp:     existing.UpdatedAt,
			}
			c.logger.Warn(ctx, op+": order already exists at venue, resuming it", map[string]interface{}{
				"clientOrderID": clientOrderID, "orderID": existing.OrderID,
			})
			return nil
		}

		resp, err := svc()
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		ack = translateCreateResponse(resp)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// CancelOrder cancels an open order by its venue ID.
func (c *Client) CancelOrder(ctx context.Context, productID, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: malformed order id %q: %w", op, orderID, ports.ErrInvalidRequest)
	}
	return c.withRetry(ctx, ratelimit.EndpointOrderByID, op, func() error {
		_, err := c.spotClient.NewCancelOrderService().
			Symbol(c.symbol(productID)).
			OrderID(id).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		c.logger.Info(ctx, op+" successful", map[string]interface{}{"productID": productID, "orderID": orderID})
		return nil
	})
}

// GetOrderStatus retrieves the venue's view of an order by venue ID or, if
// orderID is empty, by clientOrderID. Returns nil, nil when the venue does
// not know the order.
func (c *Client) GetOrderStatus(ctx context.Context, productID, orderID, clientOrderID string) (*ports.VenueOrder, error) {
	op := "GetOrderStatus"
	svc := c.spotClient.NewGetOrderService().Symbol(c.symbol(productID))
	if orderID != "" {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed order id %q: %w", op, orderID, ports.ErrInvalidRequest)
		}
		svc = svc.OrderID(id)
	} else if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		return nil, fmt.Errorf("%s: neither order id nor client order id given: %w", op, ports.ErrInvalidRequest)
	}

	var result *ports.VenueOrder
	err := c.withRetry(ctx, ratelimit.EndpointOrderByID, op, func() error {
		order, err := svc.Do(ctx)
		if err != nil {
			mapped := c.handleError(ctx, err, op)
			if errors.Is(mapped, ports.ErrOrderNotFound) {
				result = nil
				return nil
			}
			return mapped
		}
		result = translateOrder(order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) lookupByClientID(ctx context.Context, productID, clientOrderID string) (*ports.VenueOrder, error) {
	order, err := c.spotClient.NewGetOrderService().
		Symbol(c.symbol(productID)).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	return translateOrder(order), nil
}

// ListOpenOrders enumerates all open orders for the product.
func (c *Client) ListOpenOrders(ctx context.Context, productID string) ([]*ports.VenueOrder, error) {
	op := "ListOpenOrders"
	var result []*ports.VenueOrder
	err := c.withRetry(ctx, ratelimit.EndpointOrders, op, func() error {
		orders, err := c.spotClient.NewListOpenOrdersService().
			Symbol(c.symbol(productID)).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		result = make([]*ports.VenueOrder, 0, len(orders))
		for _, o := range orders {
			result = append(result, translateOrder(o))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetLastTradePrice retrieves the most recent trade price for the product.
func (c *Client) GetLastTradePrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	op := "GetLastTradePrice"
	var price decimal.Decimal
	err := c.withRetry(ctx, ratelimit.EndpointTicker, op, func() error {
		prices, err := c.spotClient.NewListPricesService().
			Symbol(c.symbol(productID)).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		if len(prices) == 0 {
			return c.handleError(ctx, fmt.Errorf("no price data returned for %s", productID), op)
		}
		price, err = decimal.NewFromString(prices[0].Price)
		if err != nil {
			return c.handleError(ctx, fmt.Errorf("could not parse price %q: %w", prices[0].Price, err), op)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

// Klines retrieves the most recent closed candles for the product. It
// satisfies signals.KlineSource.
func (c *Client) Klines(ctx context.Context, productID, interval string, limit int) ([]*signals.Kline, error) {
	op := "Klines"
	var result []*signals.Kline
	err := c.withRetry(ctx, ratelimit.EndpointTicker, op, func() error {
		klines, err := c.spotClient.NewKlinesService().
			Symbol(c.symbol(productID)).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err != nil {
			return c.handleError(ctx, err, op)
		}
		result = make([]*signals.Kline, 0, len(klines))
		for _, k := range klines {
			parsed, err := translateKline(k)
			if err != nil {
				return c.handleError(ctx, err, op)
			}
			result = append(result, parsed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping checks connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.spotClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}
