package signals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockKlines struct {
	klines []*Kline
	err    error
}

func (m *mockKlines) Klines(ctx context.Context, productID, interval string, limit int) ([]*Kline, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.klines, nil
}

func series(closes []float64) []*Kline {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*Kline, len(closes))
	for i, c := range closes {
		out[i] = &Kline{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1,
		}
	}
	return out
}

// uptrend builds n candles that rise two steps out of three. The net
// slope keeps the short MA above the long MA while the pullbacks keep
// RSI below the overbought threshold.
func uptrend(n int) []*Kline {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		if i%3 == 2 {
			price -= 2
		} else {
			price += 2
		}
		closes[i] = price
	}
	return series(closes)
}

func flat(n int) []*Kline {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100
	}
	return series(closes)
}

func testConfig(src KlineSource) Config {
	return Config{
		ShortTermMAPeriod: 20,
		LongTermMAPeriod:  50,
		EMAPeriod:         20,
		RSIPeriod:         14,
		RSIOverbought:     70.0,
		RSIOversold:       30.0,
		Interval:          "1m",
		Notionals:         map[string]decimal.Decimal{"BTC-USD": decimal.NewFromInt(1000)},
		Klines:            src,
		Logger:            &mockLogger{},
	}
}

func TestNewValidation(t *testing.T) {
	src := &mockKlines{}

	_, err := New(testConfig(src))
	require.NoError(t, err)

	cfg := testConfig(src)
	cfg.Logger = nil
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig(src)
	cfg.Klines = nil
	_, err = New(cfg)
	assert.Error(t, err)

	cfg = testConfig(src)
	cfg.ShortTermMAPeriod = 50
	cfg.LongTermMAPeriod = 20
	_, err = New(cfg)
	assert.Error(t, err, "short MA period must stay below long MA period")

	cfg = testConfig(src)
	cfg.RSIPeriod = 0
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestRequiredDataPoints(t *testing.T) {
	s, err := New(testConfig(&mockKlines{}))
	require.NoError(t, err)
	assert.Equal(t, 51, s.RequiredDataPoints(), "longest period plus one for RSI lookback")
}

func TestSignalBuysInUptrend(t *testing.T) {
	src := &mockKlines{klines: uptrend(61)}
	s, err := New(testConfig(src))
	require.NoError(t, err)

	sig, err := s.Signal(context.Background(), "BTC-USD", time.Now())
	require.NoError(t, err)
	require.True(t, sig.ShouldBuy)

	last := src.klines[len(src.klines)-1].Close
	assert.True(t, sig.LimitPrice.Equal(decimal.NewFromFloat(last)), "limit at last close, got %s", sig.LimitPrice)
	wantQty := decimal.NewFromInt(1000).Div(sig.LimitPrice).RoundDown(6)
	assert.True(t, sig.Qty.Equal(wantQty), "qty %s want %s", sig.Qty, wantQty)
	assert.NotEmpty(t, sig.ClientOrderID, "buy signals carry a submission id")

	// A fresh evaluation is a distinct intent with its own id.
	again, err := s.Signal(context.Background(), "BTC-USD", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, sig.ClientOrderID, again.ClientOrderID)
}

func TestSignalHoldsInFlatMarket(t *testing.T) {
	s, err := New(testConfig(&mockKlines{klines: flat(61)}))
	require.NoError(t, err)

	sig, err := s.Signal(context.Background(), "BTC-USD", time.Now())
	require.NoError(t, err)
	assert.False(t, sig.ShouldBuy)
}

func TestSignalHoldsWithoutEnoughData(t *testing.T) {
	s, err := New(testConfig(&mockKlines{klines: uptrend(10)}))
	require.NoError(t, err)

	sig, err := s.Signal(context.Background(), "BTC-USD", time.Now())
	require.NoError(t, err)
	assert.False(t, sig.ShouldBuy)
}

func TestSignalHoldsWithoutBudget(t *testing.T) {
	cfg := testConfig(&mockKlines{klines: uptrend(61)})
	cfg.Notionals = nil
	s, err := New(cfg)
	require.NoError(t, err)

	sig, err := s.Signal(context.Background(), "BTC-USD", time.Now())
	require.NoError(t, err)
	assert.False(t, sig.ShouldBuy, "conditions met but no notional configured")
}

func TestSignalPropagatesSourceError(t *testing.T) {
	s, err := New(testConfig(&mockKlines{err: errors.New("venue down")}))
	require.NoError(t, err)

	_, err = s.Signal(context.Background(), "BTC-USD", time.Now())
	require.Error(t, err)
}

func TestCalculateRSI(t *testing.T) {
	// Pure gains saturate at 100, pure losses floor at 0.
	up := make([]float64, 20)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi, err := calculateRSI(series(up), 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, rsi)

	down := make([]float64, 20)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi, err = calculateRSI(series(down), 14)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rsi)

	// No change at all is neutral.
	rsi, err = calculateRSI(flat(20), 14)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rsi)

	_, err = calculateRSI(flat(10), 14)
	assert.Error(t, err, "needs period+1 candles")
}

func TestCalculateMovingAverage(t *testing.T) {
	ma, err := calculateMovingAverage(series([]float64{1, 2, 3, 4, 5}), 5)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, ma, 1e-9)

	// Only the trailing window counts.
	ma, err = calculateMovingAverage(series([]float64{100, 100, 1, 2, 3}), 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, ma, 1e-9)

	_, err = calculateMovingAverage(series([]float64{1, 2}), 3)
	assert.Error(t, err)
}

func TestCalculateEMAFollowsTrend(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	ema, err := calculateEMA(series(closes), 10)
	require.NoError(t, err)
	sma, err := calculateMovingAverage(series(closes), 10)
	require.NoError(t, err)
	last := closes[len(closes)-1]
	assert.Less(t, ema, last, "EMA lags the last price in an uptrend")
	assert.Greater(t, ema, sma, "EMA tracks the trend tighter than the SMA")
}
