// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Competition visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Holding is a position in one symbol within a Portfolio.
type Holding struct {
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	AvgPrice  decimal.Decimal `json:"avg_price"` // weighted-average purchase price
	UpdatedAt time.Time       `json:"updated_at"`
}

// Portfolio is cash plus holdings owned by one user, optionally scoped to a
// competition. CompetitionID is empty for the user's main portfolio.
type Portfolio struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	CompetitionID string          `json:"competition_id,omitempty"`
	Cash          decimal.Decimal `json:"cash"`
	InitialCash   decimal.Decimal `json:"initial_cash"`
	Holdings      []Holding       `json:"holdings"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Holding returns the position in symbol, if any.
func (p *Portfolio) Holding(symbol string) (Holding, bool) {
	for _, h := range p.Holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return Holding{}, false
}

// Clone returns a deep copy so callers can mutate without aliasing the
// holdings slice.
func (p Portfolio) Clone() Portfolio {
	out := p
	out.Holdings = append([]Holding(nil), p.Holdings...)
	return out
}

// Trade is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id"`
	PortfolioID   string          `json:"portfolio_id"`
	UserID        string          `json:"user_id"`
	CompetitionID string          `json:"competition_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	CashDelta     decimal.Decimal `json:"cash_delta"`    // signed: -cost on buy, +proceeds on sell
	RealizedGain  decimal.Decimal `json:"realized_gain"` // zero for buys
	Timestamp     time.Time       `json:"timestamp"`
	Version       int64           `json:"version"` // portfolio version produced by this trade
}

// SnapshotHolding is a holding frozen at snapshot time.
type SnapshotHolding struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Value    decimal.Decimal `json:"value"`
}

// PortfolioSnapshot is an append-only point-in-time valuation.
type PortfolioSnapshot struct {
	ID               string            `json:"id"`
	PortfolioID      string            `json:"portfolio_id"`
	UserID           string            `json:"user_id"`
	CompetitionID    string            `json:"competition_id,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	TotalValue       decimal.Decimal   `json:"total_value"`
	Cash             decimal.Decimal   `json:"cash"`
	Holdings         []SnapshotHolding `json:"holdings"`
	PortfolioVersion int64             `json:"portfolio_version"`
}

// Competition is a time-bounded trading contest.
// EndDate is nil for open-ended competitions.
type Competition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Details      string          `json:"details,omitempty"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      *time.Time      `json:"end_date"`
	StartingCash decimal.Decimal `json:"starting_cash"`
	Visibility   string          `json:"visibility"`
	Locked       bool            `json:"locked"` // no new participants
	Closed       bool            `json:"closed"` // no further trading
	Players      int             `json:"players"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Ended reports whether the competition end date lies before now.
func (c *Competition) Ended(now time.Time) bool {
	return c.EndDate != nil && c.EndDate.Before(now)
}

// Started reports whether trading may have begun.
func (c *Competition) Started(now time.Time) bool {
	return !c.StartDate.After(now)
}

// CompetitionParticipant is the leaderboard projection for one user in one
// competition. It is derived from valuations and snapshots, never edited.
type CompetitionParticipant struct {
	UserID              string          `json:"user_id"`
	CompetitionID       string          `json:"competition_id"`
	Rank                int             `json:"rank"`
	AccountValue        decimal.Decimal `json:"account_value"`
	AccountValueDisplay string          `json:"account_value_display,omitempty"`
	TodayChange         decimal.Decimal `json:"today_change"`
	OverallChange       decimal.Decimal `json:"overall_change"`
	JoinedAt            time.Time       `json:"joined_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// PriceEntry is one cached quote.
type PriceEntry struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	FetchedAt     time.Time       `json:"fetched_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	Stale         bool            `json:"stale,omitempty"`
}

// HoldingValue is a holding marked to the current price.
type HoldingValue struct {
	Symbol            string          `json:"symbol"`
	Quantity          int64           `json:"quantity"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	PreviousClose     decimal.Decimal `json:"previous_close"`
	Value             decimal.Decimal `json:"value"`      // qty * current price
	CostBasis         decimal.Decimal `json:"cost_basis"` // qty * avg price
	Unrealized        decimal.Decimal `json:"unrealized"`
	UnrealizedPercent decimal.Decimal `json:"unrealized_percent"`
	DayChange         decimal.Decimal `json:"day_change"` // qty * (price - previous close)
	Stale             bool            `json:"stale,omitempty"`
}

// Valuation is a live, read-only view of a portfolio's worth.
type Valuation struct {
	PortfolioID             string          `json:"portfolio_id"`
	UserID                  string          `json:"user_id"`
	CompetitionID           string          `json:"competition_id,omitempty"`
	Version                 int64           `json:"version"`
	Cash                    decimal.Decimal `json:"cash"`
	HoldingsValue           decimal.Decimal `json:"holdings_value"`
	TotalValue              decimal.Decimal `json:"total_value"`
	TotalValueDisplay       string          `json:"total_value_display"`
	Holdings                []HoldingValue  `json:"holdings"`
	UnrealizedChange        decimal.Decimal `json:"unrealized_change"`
	UnrealizedChangePercent decimal.Decimal `json:"unrealized_change_percent"`
	TotalChangePercent      decimal.Decimal `json:"total_change_percent"`
	Stale                   bool            `json:"stale,omitempty"`
	AsOf                    time.Time       `json:"as_of"`
}
