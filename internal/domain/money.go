package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// All monetary values (prices, quantities, percentages, P&L) are
// decimal.Decimal. Comparisons are exact; binary floats never back a
// persisted or compared value. Venue responses are parsed from their
// decimal string representation directly.

var one = decimal.NewFromInt(1)

// MustMoney parses a decimal string and panics on failure. Intended for
// constants and test fixtures, not for venue input.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid money literal %q: %v", s, err))
	}
	return d
}

// PctBelow returns base * (1 - pct). pct is a fraction, e.g. 0.02 for 2%.
func PctBelow(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(one.Sub(pct))
}

// PctAbove returns base * (1 + pct).
func PctAbove(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(one.Add(pct))
}

// WeightedAverage returns (p1*q1 + p2*q2) / (q1 + q2) exactly.
// Used for averaging the entry price across partial fills.
func WeightedAverage(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}

// Notional returns price * qty.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}
