package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(t *testing.T, entryPrice, qty string) *Position {
	t.Helper()
	pos := NewPosition("pos-1", "BTC-USD", "client-1", time.Now())
	require.NoError(t, pos.RegisterFill(MustMoney(qty), MustMoney(entryPrice), time.Now()))
	require.Equal(t, StatusOpen, pos.Status)
	return pos
}

func TestRegisterFillFirstFillOpensPosition(t *testing.T) {
	pos := NewPosition("pos-1", "BTC-USD", "client-1", time.Now())
	require.Equal(t, StatusPendingEntry, pos.Status)

	require.NoError(t, pos.RegisterFill(MustMoney("0.5"), MustMoney("50000"), time.Now()))

	assert.Equal(t, StatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(MustMoney("50000")))
	assert.True(t, pos.QtyFilled.Equal(MustMoney("0.5")))
	assert.True(t, pos.HighestPrice.Equal(MustMoney("50000")))
}

func TestRegisterFillWeightedAverageEntry(t *testing.T) {
	// Scenario: 0.4 @ 50000 then 0.6 @ 50100 must average to exactly 50060.
	pos := NewPosition("pos-1", "BTC-USD", "client-1", time.Now())
	require.NoError(t, pos.RegisterFill(MustMoney("0.4"), MustMoney("50000"), time.Now()))
	require.NoError(t, pos.RegisterFill(MustMoney("0.6"), MustMoney("50100"), time.Now()))

	assert.True(t, pos.EntryPrice.Equal(MustMoney("50060")), "entry price %s", pos.EntryPrice)
	assert.True(t, pos.QtyFilled.Equal(MustMoney("1.0")))

	trigger, limit := pos.ComputeNewStop(MustMoney("0.02"), MustMoney("0.005"))
	assert.True(t, trigger.Equal(MustMoney("49058.8")), "trigger %s", trigger)
	assert.True(t, limit.Equal(MustMoney("48813.506")), "limit %s", limit)
}

func TestRegisterFillExactAverageNoDrift(t *testing.T) {
	// Sum(q_i * p_i) / Sum(q_i) must hold exactly across many fills.
	pos := NewPosition("pos-1", "BTC-USD", "client-1", time.Now())
	fills := []struct{ qty, price string }{
		{"0.1", "50000.01"},
		{"0.2", "50010.02"},
		{"0.3", "49995.37"},
		{"0.4", "50003.11"},
	}
	totalNotional := decimal.Zero
	totalQty := decimal.Zero
	for _, f := range fills {
		q, p := MustMoney(f.qty), MustMoney(f.price)
		require.NoError(t, pos.RegisterFill(q, p, time.Now()))
		totalNotional = totalNotional.Add(q.Mul(p))
		totalQty = totalQty.Add(q)
	}
	want := totalNotional.Div(totalQty)
	assert.True(t, pos.EntryPrice.Equal(want), "got %s want %s", pos.EntryPrice, want)
}

func TestRegisterFillRejectedWhenClosed(t *testing.T) {
	pos := openPosition(t, "50000", "1")
	require.NoError(t, pos.Close(MustMoney("51000"), MustMoney("1"), time.Now()))

	err := pos.RegisterFill(MustMoney("1"), MustMoney("50000"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestObservePriceIgnoredBeforeEntryFill(t *testing.T) {
	pos := NewPosition("pos-1", "BTC-USD", "client-1", time.Now())
	pos.ObservePrice(MustMoney("60000"))
	assert.True(t, pos.HighestPrice.IsZero(), "pre-fill prices must not seed the trail")
}

func TestRatchetUpwardScenario(t *testing.T) {
	// entry 50000, qty 1, trail 2%, buffer 0.5%, min ratchet 0.1%.
	// Ticks 50500, 51000, 50800, 51500 -> triggers 49490, 49980, 49980, 50470.
	trail := MustMoney("0.02")
	buffer := MustMoney("0.005")
	minRatchet := MustMoney("0.001")

	pos := openPosition(t, "50000", "1")

	steps := []struct {
		tick          string
		wantTrigger   string
		shouldReplace bool
	}{
		{"50500", "49490", true},
		{"51000", "49980", true},
		{"50800", "49980", false},
		{"51500", "50470", true},
	}

	for _, step := range steps {
		pos.ObservePrice(MustMoney(step.tick))
		trigger, limit := pos.ComputeNewStop(trail, buffer)
		replace := pos.ShouldReplaceStop(trigger, minRatchet)
		assert.Equal(t, step.shouldReplace, replace, "tick %s", step.tick)
		if replace {
			pos.ApplyNewStop(trigger, limit, "stop-"+step.tick, time.Now())
		}
		require.NotNil(t, pos.StopTrigger)
		assert.True(t, pos.StopTrigger.Equal(MustMoney(step.wantTrigger)),
			"tick %s: trigger %s want %s", step.tick, pos.StopTrigger, step.wantTrigger)
	}
}

func TestRatchetOnlyUnderPullback(t *testing.T) {
	// entry 100, trail 10%. Ticks 110, 105, 95 -> trigger 99, unchanged after.
	trail := MustMoney("0.10")
	buffer := MustMoney("0.005")
	minRatchet := decimal.Zero

	pos := openPosition(t, "100", "1")

	for i, tick := range []string{"110", "105", "95"} {
		pos.ObservePrice(MustMoney(tick))
		trigger, limit := pos.ComputeNewStop(trail, buffer)
		if pos.ShouldReplaceStop(trigger, minRatchet) {
			pos.ApplyNewStop(trigger, limit, "stop", time.Now())
		}
		require.NotNil(t, pos.StopTrigger)
		assert.True(t, pos.StopTrigger.Equal(MustMoney("99")), "tick %d: trigger %s", i, pos.StopTrigger)
	}
}

func TestStopTriggerSequenceNonDecreasing(t *testing.T) {
	// Property: over any tick sequence the applied trigger never decreases.
	trail := MustMoney("0.03")
	buffer := MustMoney("0.004")
	minRatchet := MustMoney("0.0005")

	pos := openPosition(t, "1000", "2")
	ticks := []string{"1010", "990", "1050", "1049", "1051", "900", "1200", "1199.99", "1300"}

	var prev *decimal.Decimal
	for _, tick := range ticks {
		pos.ObservePrice(MustMoney(tick))
		trigger, limit := pos.ComputeNewStop(trail, buffer)
		if pos.ShouldReplaceStop(trigger, minRatchet) {
			pos.ApplyNewStop(trigger, limit, "stop", time.Now())
		}
		if prev != nil {
			require.True(t, pos.StopTrigger.GreaterThanOrEqual(*prev),
				"trigger decreased: %s -> %s at tick %s", prev, pos.StopTrigger, tick)
		}
		cur := *pos.StopTrigger
		prev = &cur
	}
}

func TestShouldReplaceStopNeverTrueForLowerTrigger(t *testing.T) {
	pos := openPosition(t, "100", "1")
	pos.ApplyNewStop(MustMoney("99"), MustMoney("98.5"), "stop", time.Now())

	assert.False(t, pos.ShouldReplaceStop(MustMoney("99"), decimal.Zero), "equal trigger")
	assert.False(t, pos.ShouldReplaceStop(MustMoney("98"), decimal.Zero), "lower trigger")
	// Improvement below the min ratchet threshold is also rejected.
	assert.False(t, pos.ShouldReplaceStop(MustMoney("99.05"), MustMoney("0.001")))
	assert.True(t, pos.ShouldReplaceStop(MustMoney("99.2"), MustMoney("0.001")))
}

func TestClosePartialThenFull(t *testing.T) {
	pos := openPosition(t, "50000", "2")

	require.NoError(t, pos.Close(MustMoney("51000"), MustMoney("0.5"), time.Now()))
	assert.Equal(t, StatusOpen, pos.Status)
	assert.True(t, pos.QtyFilled.Equal(MustMoney("1.5")))
	assert.True(t, pos.RealizedPnL.Equal(MustMoney("500")), "pnl %s", pos.RealizedPnL)

	require.NoError(t, pos.Close(MustMoney("52000"), MustMoney("1.5"), time.Now()))
	assert.Equal(t, StatusClosed, pos.Status)
	assert.True(t, pos.QtyFilled.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(MustMoney("3500")), "pnl %s", pos.RealizedPnL)
	assert.Empty(t, pos.StopOrderID)
}

func TestCloseRejectsOverExit(t *testing.T) {
	pos := openPosition(t, "50000", "1")
	err := pos.Close(MustMoney("51000"), MustMoney("1.5"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestForceCloseBookkeeping(t *testing.T) {
	pos := openPosition(t, "50000", "1")
	pos.ApplyNewStop(MustMoney("49000"), MustMoney("48755"), "stop-1", time.Now())

	require.NoError(t, pos.ForceClose(MustMoney("48000"), time.Now()))
	assert.Equal(t, StatusForceExited, pos.Status)
	assert.True(t, pos.QtyFilled.IsZero())
	assert.True(t, pos.RealizedPnL.Equal(MustMoney("-2000")), "pnl %s", pos.RealizedPnL)
	assert.Empty(t, pos.StopOrderID)
}

func TestUnrealizedPnL(t *testing.T) {
	pos := openPosition(t, "50000", "0.5")
	assert.True(t, pos.UnrealizedPnL(MustMoney("51000")).Equal(MustMoney("500")))
	assert.True(t, pos.UnrealizedPnL(MustMoney("49000")).Equal(MustMoney("-500")))

	require.NoError(t, pos.Close(MustMoney("51000"), MustMoney("0.5"), time.Now()))
	assert.True(t, pos.UnrealizedPnL(MustMoney("60000")).IsZero())
}
