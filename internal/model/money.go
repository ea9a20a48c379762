package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Currency is the single settlement currency of the engine.
const Currency = "USD"

var hundred = decimal.NewFromInt(100)

// FormatUSD renders an amount for display, e.g. "$9,140.00".
func FormatUSD(amount decimal.Decimal) string {
	cents := amount.Shift(2).Round(0).IntPart()
	return money.New(cents, Currency).Display()
}

// Ratio returns delta/base, or zero when base is zero.
func Ratio(delta, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return delta.DivRound(base, 8)
}

// Percent returns delta/base*100 rounded to 4 places, or zero when base is zero.
func Percent(delta, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return delta.Mul(hundred).DivRound(base, 4)
}
