package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EntrySignal is an externally-generated buy intent. The core never
// inspects indicator internals; it only consumes the resulting intent.
type EntrySignal struct {
	ShouldBuy     bool
	ProductID     string
	LimitPrice    decimal.Decimal
	Qty           decimal.Decimal
	ClientOrderID string
}

// SignalSource produces entry signals on candle close. It is called once
// per product per candle; a nil signal means no opinion.
type SignalSource interface {
	Signal(ctx context.Context, productID string, asOfCandleClose time.Time) (*EntrySignal, error)
}
