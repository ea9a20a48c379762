// Package ledger implements the holdings bookkeeping for a portfolio:
// buy and sell state transitions with weighted-average cost.
//
// Every function here is pure. A portfolio value goes in, a new portfolio
// value comes out, and the input is never modified. The only time input is
// the timestamp the caller passes in, which is stamped on touched holdings.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
)

// PriceScale is the number of decimal places kept on average prices.
// Cash is never rounded: qty * price is exact for decimal prices.
var PriceScale int32 = 8

// Result describes the effect of one transition.
type Result struct {
	Symbol       string
	Side         string
	Quantity     int64
	Price        decimal.Decimal
	CashDelta    decimal.Decimal // -cost on buy, +proceeds on sell
	RealizedGain decimal.Decimal // qty * (price - avg) on sell
	Holding      model.Holding   // position after the transition (zero quantity if closed)
}

// ApplyBuy debits qty*price from cash and merges the shares into the
// existing position using weighted-average cost:
//
//	newAvg = (oldQty*oldAvg + qty*price) / (oldQty + qty)
func ApplyBuy(p model.Portfolio, symbol string, qty int64, price decimal.Decimal, at time.Time) (model.Portfolio, Result, error) {
	if err := checkInputs(symbol, qty, price); err != nil {
		return p, Result{}, err
	}

	q := decimal.NewFromInt(qty)
	cost := q.Mul(price)
	if cost.GreaterThan(p.Cash) {
		return p, Result{}, fmt.Errorf("%w: cost %s exceeds cash %s", model.ErrInsufficientFunds, cost, p.Cash)
	}

	next := p.Clone()
	next.Cash = p.Cash.Sub(cost)

	h, idx := find(next.Holdings, symbol)
	if idx < 0 {
		h = model.Holding{Symbol: symbol, Quantity: qty, AvgPrice: price, UpdatedAt: at}
		next.Holdings = append(next.Holdings, h)
		sortHoldings(next.Holdings)
	} else {
		oldQ := decimal.NewFromInt(h.Quantity)
		total := h.Quantity + qty
		h.AvgPrice = oldQ.Mul(h.AvgPrice).Add(cost).DivRound(decimal.NewFromInt(total), PriceScale)
		h.Quantity = total
		h.UpdatedAt = at
		next.Holdings[idx] = h
	}

	return next, Result{
		Symbol:    symbol,
		Side:      model.SideBuy,
		Quantity:  qty,
		Price:     price,
		CashDelta: cost.Neg(),
		Holding:   h,
	}, nil
}

// ApplySell credits qty*price to cash and reduces the position, removing it
// when it reaches zero. The average price of the remaining shares is
// unchanged.
func ApplySell(p model.Portfolio, symbol string, qty int64, price decimal.Decimal, at time.Time) (model.Portfolio, Result, error) {
	if err := checkInputs(symbol, qty, price); err != nil {
		return p, Result{}, err
	}

	h, idx := find(p.Holdings, symbol)
	if idx < 0 || qty > h.Quantity {
		held := int64(0)
		if idx >= 0 {
			held = h.Quantity
		}
		return p, Result{}, fmt.Errorf("%w: selling %d %s, holding %d", model.ErrInsufficientShares, qty, symbol, held)
	}

	q := decimal.NewFromInt(qty)
	proceeds := q.Mul(price)
	realized := q.Mul(price.Sub(h.AvgPrice))

	next := p.Clone()
	next.Cash = p.Cash.Add(proceeds)

	h.Quantity -= qty
	h.UpdatedAt = at
	if h.Quantity == 0 {
		next.Holdings = append(next.Holdings[:idx], next.Holdings[idx+1:]...)
	} else {
		next.Holdings[idx] = h
	}

	return next, Result{
		Symbol:       symbol,
		Side:         model.SideSell,
		Quantity:     qty,
		Price:        price,
		CashDelta:    proceeds,
		RealizedGain: realized,
		Holding:      h,
	}, nil
}

// Apply dispatches on side.
func Apply(p model.Portfolio, side, symbol string, qty int64, price decimal.Decimal, at time.Time) (model.Portfolio, Result, error) {
	switch side {
	case model.SideBuy:
		return ApplyBuy(p, symbol, qty, price, at)
	case model.SideSell:
		return ApplySell(p, symbol, qty, price, at)
	default:
		return p, Result{}, fmt.Errorf("%w: side must be buy or sell, got %q", model.ErrValidation, side)
	}
}

// Validate checks the portfolio invariants: non-negative cash, positive
// holding quantities, non-negative average prices, one holding per symbol.
func Validate(p model.Portfolio) error {
	if p.Cash.IsNegative() {
		return fmt.Errorf("ledger: negative cash %s", p.Cash)
	}
	seen := make(map[string]bool, len(p.Holdings))
	for _, h := range p.Holdings {
		if h.Quantity <= 0 {
			return fmt.Errorf("ledger: holding %s has quantity %d", h.Symbol, h.Quantity)
		}
		if h.AvgPrice.IsNegative() {
			return fmt.Errorf("ledger: holding %s has negative average price", h.Symbol)
		}
		if seen[h.Symbol] {
			return fmt.Errorf("ledger: duplicate holding %s", h.Symbol)
		}
		seen[h.Symbol] = true
	}
	return nil
}

// CostBasis returns Σ qty * avg over all holdings.
func CostBasis(p model.Portfolio) decimal.Decimal {
	total := decimal.Zero
	for _, h := range p.Holdings {
		total = total.Add(decimal.NewFromInt(h.Quantity).Mul(h.AvgPrice))
	}
	return total
}

func checkInputs(symbol string, qty int64, price decimal.Decimal) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", model.ErrValidation)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", model.ErrValidation, qty)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", model.ErrValidation, price)
	}
	return nil
}

func find(holdings []model.Holding, symbol string) (model.Holding, int) {
	for i, h := range holdings {
		if h.Symbol == symbol {
			return h, i
		}
	}
	return model.Holding{}, -1
}

func sortHoldings(holdings []model.Holding) {
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
}
