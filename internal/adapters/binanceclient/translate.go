package binanceclient

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"trailbot/internal/domain"
	"trailbot/internal/ports"
	"trailbot/internal/signals"
)

// translateState maps a venue order status onto the local lifecycle.
func translateState(status binance.OrderStatusType) domain.OrderState {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return domain.OrderOpen
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return domain.OrderCancelled
	case binance.OrderStatusTypeRejected:
		return domain.OrderRejected
	default:
		return domain.OrderOpen
	}
}

func translateSide(side binance.SideType) domain.OrderSide {
	if side == binance.SideTypeSell {
		return domain.Sell
	}
	return domain.Buy
}

// avgFillPrice derives the average fill price from the cumulative quote
// volume; zero while nothing is filled.
func avgFillPrice(executedQty, cumQuote decimal.Decimal) decimal.Decimal {
	if executedQty.IsZero() {
		return decimal.Zero
	}
	return cumQuote.Div(executedQty)
}

// money parses a venue decimal string, treating the empty string as zero.
// Venue payloads are trusted not to carry malformed numbers past the API
// layer's own validation.
func money(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func translateCreateResponse(resp *binance.CreateOrderResponse) *ports.OrderAck {
	executed := money(resp.ExecutedQuantity)
	return &ports.OrderAck{
		OrderID:       formatOrderID(resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Status:        translateState(resp.Status),
		ExecutedQty:   executed,
		AvgFillPrice:  avgFillPrice(executed, money(resp.CummulativeQuoteQuantity)),
		Timestamp:     time.UnixMilli(resp.TransactTime),
	}
}

func translateOrder(o *binance.Order) *ports.VenueOrder {
	executed := money(o.ExecutedQuantity)
	return &ports.VenueOrder{
		OrderID:       formatOrderID(o.OrderID),
		ClientOrderID: o.ClientOrderID,
		Side:          translateSide(o.Side),
		Price:         money(o.Price),
		Qty:           money(o.OrigQuantity),
		ExecutedQty:   executed,
		AvgFillPrice:  avgFillPrice(executed, money(o.CummulativeQuoteQuantity)),
		State:         translateState(o.Status),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

func formatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// translateKline parses one venue candle. Candle prices feed indicator
// math only, so they come out as float64.
func translateKline(k *binance.Kline) (*signals.Kline, error) {
	parse := func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}
	open, err := parse(k.Open)
	if err != nil {
		return nil, fmt.Errorf("malformed kline open %q: %w", k.Open, err)
	}
	high, err := parse(k.High)
	if err != nil {
		return nil, fmt.Errorf("malformed kline high %q: %w", k.High, err)
	}
	low, err := parse(k.Low)
	if err != nil {
		return nil, fmt.Errorf("malformed kline low %q: %w", k.Low, err)
	}
	closePrice, err := parse(k.Close)
	if err != nil {
		return nil, fmt.Errorf("malformed kline close %q: %w", k.Close, err)
	}
	volume, err := parse(k.Volume)
	if err != nil {
		return nil, fmt.Errorf("malformed kline volume %q: %w", k.Volume, err)
	}
	return &signals.Kline{
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}
