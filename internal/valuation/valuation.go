// Package valuation marks portfolios to market.
package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trading-engine/internal/model"
)

// DefaultConcurrency caps parallel price lookups for one portfolio.
const DefaultConcurrency = 8

// PriceSource is satisfied by *pricecache.Cache.
type PriceSource interface {
	Get(ctx context.Context, symbol string) (model.PriceEntry, error)
	GetAllowStale(ctx context.Context, symbol string) (model.PriceEntry, error)
}

// Valuator computes valuations. It holds no per-call state and is safe for
// concurrent use.
type Valuator struct {
	prices      PriceSource
	concurrency int
	now         func() time.Time
}

// Option configures a Valuator.
type Option func(*Valuator)

// WithConcurrency caps parallel price lookups.
func WithConcurrency(n int) Option {
	return func(v *Valuator) {
		if n > 0 {
			v.concurrency = n
		}
	}
}

// WithClock injects the time source used for AsOf.
func WithClock(now func() time.Time) Option {
	return func(v *Valuator) { v.now = now }
}

// New creates a Valuator.
func New(prices PriceSource, opts ...Option) *Valuator {
	v := &Valuator{
		prices:      prices,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Valuate values p for display. Prices may be stale when the quote source
// is down; the result is flagged Stale in that case.
func (v *Valuator) Valuate(ctx context.Context, p *model.Portfolio) (*model.Valuation, error) {
	return v.valuate(ctx, p, v.prices.GetAllowStale)
}

// ValuateFresh values p with fresh prices only and fails if any price
// cannot be refreshed.
func (v *Valuator) ValuateFresh(ctx context.Context, p *model.Portfolio) (*model.Valuation, error) {
	return v.valuate(ctx, p, v.prices.Get)
}

type lookupFunc func(ctx context.Context, symbol string) (model.PriceEntry, error)

func (v *Valuator) valuate(ctx context.Context, p *model.Portfolio, lookup lookupFunc) (*model.Valuation, error) {
	entries := make([]model.PriceEntry, len(p.Holdings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, h := range p.Holdings {
		g.Go(func() error {
			e, err := lookup(gctx, h.Symbol)
			if err != nil {
				return fmt.Errorf("value %s: %w", h.Symbol, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	val := &model.Valuation{
		PortfolioID:   p.ID,
		UserID:        p.UserID,
		CompetitionID: p.CompetitionID,
		Version:       p.Version,
		Cash:          p.Cash,
		Holdings:      make([]model.HoldingValue, 0, len(p.Holdings)),
		AsOf:          v.now().UTC(),
	}

	holdingsValue := decimal.Zero
	costBasis := decimal.Zero
	unrealized := decimal.Zero
	for i, h := range p.Holdings {
		hv := valueHolding(h, entries[i])
		holdingsValue = holdingsValue.Add(hv.Value)
		costBasis = costBasis.Add(hv.CostBasis)
		unrealized = unrealized.Add(hv.Unrealized)
		if hv.Stale {
			val.Stale = true
		}
		val.Holdings = append(val.Holdings, hv)
	}

	val.HoldingsValue = holdingsValue
	val.TotalValue = p.Cash.Add(holdingsValue)
	val.TotalValueDisplay = model.FormatUSD(val.TotalValue)
	val.UnrealizedChange = unrealized
	val.UnrealizedChangePercent = model.Percent(unrealized, costBasis)
	val.TotalChangePercent = model.Percent(val.TotalValue.Sub(p.InitialCash), p.InitialCash)
	return val, nil
}

func valueHolding(h model.Holding, e model.PriceEntry) model.HoldingValue {
	q := decimal.NewFromInt(h.Quantity)
	value := q.Mul(e.Price)
	cost := q.Mul(h.AvgPrice)

	hv := model.HoldingValue{
		Symbol:            h.Symbol,
		Quantity:          h.Quantity,
		AvgPrice:          h.AvgPrice,
		CurrentPrice:      e.Price,
		PreviousClose:     e.PreviousClose,
		Value:             value,
		CostBasis:         cost,
		Unrealized:        value.Sub(cost),
		UnrealizedPercent: model.Percent(value.Sub(cost), cost),
		Stale:             e.Stale,
	}
	if e.PreviousClose.IsPositive() {
		hv.DayChange = q.Mul(e.Price.Sub(e.PreviousClose))
	}
	return hv
}
