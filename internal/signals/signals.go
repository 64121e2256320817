// Package signals generates entry intents from candle data. The core
// never inspects indicator internals; it consumes the resulting
// ports.EntrySignal. Indicator math runs on float64 candle data, which
// is never persisted or compared as money; the emitted limit price and
// quantity are decimals.
package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trailbot/internal/ports"
)

// Kline is one closed candle of market data.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// KlineSource supplies recent closed candles for a product.
// Satisfied by the exchange adapter.
type KlineSource interface {
	Klines(ctx context.Context, productID, interval string, limit int) ([]*Kline, error)
}

// Config holds parameters for the entry strategy.
type Config struct {
	ShortTermMAPeriod int     // e.g., 20
	LongTermMAPeriod  int     // e.g., 50
	EMAPeriod         int     // e.g., 20
	RSIPeriod         int     // e.g., 14
	RSIOverbought     float64 // e.g., 70.0
	RSIOversold       float64 // e.g., 30.0
	Interval          string  // candle interval, e.g. "1m"

	// Notionals is the per-product entry budget in quote currency; the
	// emitted quantity is Notionals[productID] / limit price.
	Notionals map[string]decimal.Decimal

	Klines KlineSource
	Logger ports.Logger
}

// Strategy emits a buy intent when the trend and momentum conditions
// line up on candle close. It implements ports.SignalSource.
type Strategy struct {
	cfg    Config
	logger ports.Logger
}

// New creates a new Strategy instance.
func New(cfg Config) (*Strategy, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for signals")
	}
	if cfg.Klines == nil {
		return nil, fmt.Errorf("kline source is required for signals")
	}
	if cfg.ShortTermMAPeriod <= 0 || cfg.LongTermMAPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.RSIPeriod <= 0 {
		return nil, fmt.Errorf("strategy periods must be positive")
	}
	if cfg.ShortTermMAPeriod >= cfg.LongTermMAPeriod {
		return nil, fmt.Errorf("short term MA period must be less than long term MA period")
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	return &Strategy{cfg: cfg, logger: cfg.Logger}, nil
}

// RequiredDataPoints returns the minimum number of klines needed for the
// strategy calculations. It's the max of all indicator periods + 1 (for
// RSI lookback).
func (s *Strategy) RequiredDataPoints() int {
	maxPeriod := s.cfg.LongTermMAPeriod
	if s.cfg.EMAPeriod > maxPeriod {
		maxPeriod = s.cfg.EMAPeriod
	}
	if s.cfg.RSIPeriod > maxPeriod {
		maxPeriod = s.cfg.RSIPeriod
	}
	return maxPeriod + 1
}

// Signal evaluates the entry conditions for one product on candle close.
func (s *Strategy) Signal(ctx context.Context, productID string, asOfCandleClose time.Time) (*ports.EntrySignal, error) {
	required := s.RequiredDataPoints()
	klines, err := s.cfg.Klines.Klines(ctx, productID, s.cfg.Interval, required)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", productID, err)
	}
	if len(klines) < required {
		s.logger.Debug(ctx, "Not enough kline data for strategy evaluation",
			map[string]interface{}{"productID": productID, "available": len(klines), "required": required})
		return &ports.EntrySignal{ProductID: productID}, nil
	}

	currentPrice := klines[len(klines)-1].Close
	if !s.shouldEnter(ctx, productID, klines, currentPrice) {
		return &ports.EntrySignal{ProductID: productID}, nil
	}

	limitPrice := decimal.NewFromFloat(currentPrice)
	notional, ok := s.cfg.Notionals[productID]
	if !ok || notional.LessThanOrEqual(decimal.Zero) || limitPrice.LessThanOrEqual(decimal.Zero) {
		s.logger.Warn(ctx, "Entry conditions met but no notional budget configured",
			map[string]interface{}{"productID": productID})
		return &ports.EntrySignal{ProductID: productID}, nil
	}
	qty := notional.Div(limitPrice).RoundDown(6)
	if qty.IsZero() {
		return &ports.EntrySignal{ProductID: productID}, nil
	}
	return &ports.EntrySignal{
		ShouldBuy:  true,
		ProductID:  productID,
		LimitPrice: limitPrice,
		Qty:        qty,
		// The id is minted here, once per signal, so every submission
		// attempt for this intent hits the engine's idempotency guard.
		ClientOrderID: uuid.NewString(),
	}, nil
}

// shouldEnter implements the trend-following entry logic: price above
// both MAs with the short above the long, above the EMA, and RSI not
// overbought.
func (s *Strategy) shouldEnter(ctx context.Context, productID string, klines []*Kline, currentPrice float64) bool {
	shortTermMA, err := calculateMovingAverage(klines, s.cfg.ShortTermMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate short term MA")
		return false
	}

	longTermMA, err := calculateMovingAverage(klines, s.cfg.LongTermMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate long term MA")
		return false
	}

	ema, err := calculateEMA(klines, s.cfg.EMAPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate EMA")
		return false
	}

	rsi, err := calculateRSI(klines, s.cfg.RSIPeriod)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to calculate RSI")
		return false
	}

	isTrendingUp := currentPrice > shortTermMA && currentPrice > longTermMA && shortTermMA > longTermMA
	isNotOverbought := rsi < s.cfg.RSIOverbought
	isAboveEMA := currentPrice > ema

	if isTrendingUp && isNotOverbought && isAboveEMA {
		s.logger.Info(ctx, "Trade entry conditions met", map[string]interface{}{
			"productID":    productID,
			"currentPrice": currentPrice,
			"shortMA":      shortTermMA,
			"longMA":       longTermMA,
			"ema":          ema,
			"rsi":          rsi,
			"rsiLimit":     s.cfg.RSIOverbought,
		})
		return true
	}

	s.logger.Debug(ctx, "Trade entry conditions not met", map[string]interface{}{
		"productID":       productID,
		"currentPrice":    currentPrice,
		"shortMA":         shortTermMA,
		"longMA":          longTermMA,
		"ema":             ema,
		"rsi":             rsi,
		"isTrendingUp":    isTrendingUp,
		"isNotOverbought": isNotOverbought,
		"isAboveEMA":      isAboveEMA,
	})
	return false
}
