// Package trade executes market buy and sell orders against a user's
// portfolio.
//
// An order is validated, priced, applied to the loaded portfolio by the
// ledger and committed only if the portfolio version is unchanged since it
// was read. Conflicting commits are retried a bounded number of times.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 5 * time.Second
	defaultBackoff        = 10 * time.Millisecond
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,11}$`)

// PriceSource supplies fresh prices. *pricecache.Cache satisfies it.
type PriceSource interface {
	Get(ctx context.Context, symbol string) (model.PriceEntry, error)
	TTL() time.Duration
}

// Publisher is notified after a trade commits.
type Publisher interface {
	PublishTrade(t *model.Trade)
}

// PriceHint is a price the client already holds, with the time it was
// quoted. It is honoured only while younger than the price TTL and within
// the hint tolerance of the server's own cached price.
type PriceHint struct {
	Price    decimal.Decimal `json:"price"`
	QuotedAt time.Time       `json:"quoted_at"`
}

// Order is a market order. CompetitionID is empty for the main portfolio.
type Order struct {
	UserID        string
	CompetitionID string
	Symbol        string
	Side          string
	Quantity      int64
	PriceHint     *PriceHint
}

// Service executes trades. Safe for concurrent use; per-portfolio
// serialization comes from the store's version check.
type Service struct {
	store          store.Store
	prices         PriceSource
	publisher      Publisher
	maxAttempts    int
	requestTimeout time.Duration
	backoff        time.Duration
	startingCash   decimal.Decimal
	hintTolerance  decimal.Decimal
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMaxAttempts bounds commit attempts per order.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRequestTimeout bounds the price lookup of one order.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithBackoff sets the base delay between conflicting attempts.
func WithBackoff(d time.Duration) Option {
	return func(s *Service) { s.backoff = d }
}

// WithStartingCash sets the cash a new main portfolio receives.
func WithStartingCash(cash decimal.Decimal) Option {
	return func(s *Service) {
		if cash.IsPositive() {
			s.startingCash = cash
		}
	}
}

// WithHintTolerance sets how far a price hint may deviate from the cached
// price, as a fraction of it. Zero requires an exact match.
func WithHintTolerance(frac decimal.Decimal) Option {
	return func(s *Service) {
		if !frac.IsNegative() {
			s.hintTolerance = frac
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new trade service.
func NewService(st store.Store, prices PriceSource, opts ...Option) *Service {
	s := &Service{
		store:          st,
		prices:         prices,
		maxAttempts:    DefaultMaxAttempts,
		requestTimeout: DefaultRequestTimeout,
		backoff:        defaultBackoff,
		startingCash:   decimal.NewFromInt(10000),
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Buy executes a market buy.
func (s *Service) Buy(ctx context.Context, o Order) (*model.Trade, error) {
	o.Side = model.SideBuy
	return s.Execute(ctx, o)
}

// Sell executes a market sell.
func (s *Service) Sell(ctx context.Context, o Order) (*model.Trade, error) {
	o.Side = model.SideSell
	return s.Execute(ctx, o)
}

// Execute runs one order to completion or returns an error wrapping one of
// the model error kinds. A failed order leaves no trace in the store.
func (s *Service) Execute(ctx context.Context, o Order) (*model.Trade, error) {
	start := time.Now()
	t, err := s.execute(ctx, o)

	side := o.Side
	if side != model.SideBuy && side != model.SideSell {
		side = "invalid"
	}
	metrics.TradesTotal.WithLabelValues(side, resultLabel(err)).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Info("trade rejected",
			"user", o.UserID,
			"competition", o.CompetitionID,
			"symbol", o.Symbol,
			"side", o.Side,
			"qty", o.Quantity,
			"err", err,
		)
		return nil, err
	}
	return t, nil
}

func (s *Service) execute(ctx context.Context, o Order) (*model.Trade, error) {
	o, err := normalize(o)
	if err != nil {
		return nil, err
	}

	if o.CompetitionID != "" {
		if err := s.checkCompetition(ctx, o.CompetitionID); err != nil {
			return nil, err
		}
	}

	price, err := s.resolvePrice(ctx, o)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		p, err := s.store.GetPortfolio(ctx, o.UserID, o.CompetitionID)
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		next, res, err := ledger.Apply(*p, o.Side, o.Symbol, o.Quantity, price, now)
		if err != nil {
			return nil, err
		}
		next.UpdatedAt = now

		t := &model.Trade{
			ID:            uuid.New().String(),
			PortfolioID:   p.ID,
			UserID:        o.UserID,
			CompetitionID: o.CompetitionID,
			Symbol:        o.Symbol,
			Side:          o.Side,
			Quantity:      o.Quantity,
			Price:         price,
			CashDelta:     res.CashDelta,
			RealizedGain:  res.RealizedGain,
			Timestamp:     now,
		}

		err = s.store.CommitTrade(ctx, &next, t, p.Version)
		if err == nil {
			s.logger.Info("trade executed",
				"trade_id", t.ID,
				"user", t.UserID,
				"competition", t.CompetitionID,
				"symbol", t.Symbol,
				"side", t.Side,
				"qty", t.Quantity,
				"price", t.Price.String(),
				"cash", next.Cash.String(),
				"version", t.Version,
			)
			if s.publisher != nil {
				s.publisher.PublishTrade(t)
			}
			return t, nil
		}
		if !errors.Is(err, model.ErrConcurrencyConflict) {
			return nil, err
		}

		metrics.TradeConflicts.Inc()
		if attempt >= s.maxAttempts {
			return nil, fmt.Errorf("%w: portfolio busy after %d attempts", model.ErrConcurrencyConflict, attempt)
		}
		s.logger.Debug("trade commit conflict, retrying", "user", o.UserID, "attempt", attempt)
		if err := sleepWithContext(ctx, s.retryDelay(attempt)); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
		}
	}
}

// resolvePrice always asks the price source under the request timeout. A
// client hint replaces the cached price only when acceptHint agrees.
func (s *Service) resolvePrice(ctx context.Context, o Order) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	entry, err := s.prices.Get(pctx, o.Symbol)
	if err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrExternalService) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: price for %s: %v", model.ErrExternalService, o.Symbol, err)
	}
	if !entry.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no usable price for %s", model.ErrExternalService, o.Symbol)
	}

	if h := o.PriceHint; h != nil {
		if s.acceptHint(*h, entry) {
			return h.Price, nil
		}
		s.logger.Debug("price hint overridden",
			"symbol", o.Symbol,
			"hint", h.Price.String(),
			"price", entry.Price.String(),
		)
	}
	return entry.Price, nil
}

// acceptHint reports whether h is younger than the TTL and within the
// tolerance of the fresh cached entry's price.
func (s *Service) acceptHint(h PriceHint, entry model.PriceEntry) bool {
	if !h.Price.IsPositive() || h.QuotedAt.IsZero() || entry.Stale {
		return false
	}
	age := s.now().Sub(h.QuotedAt)
	if age < 0 || age >= s.prices.TTL() {
		return false
	}
	limit := entry.Price.Mul(s.hintTolerance)
	return h.Price.Sub(entry.Price).Abs().LessThanOrEqual(limit)
}

func (s *Service) checkCompetition(ctx context.Context, competitionID string) error {
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return err
	}
	now := s.now()
	switch {
	case c.Ended(now):
		return fmt.Errorf("%w: competition ended", model.ErrValidation)
	case !c.Started(now):
		return fmt.Errorf("%w: competition not started", model.ErrValidation)
	case c.Closed:
		return fmt.Errorf("%w: competition closed", model.ErrValidation)
	}
	return nil
}

// OpenPortfolio creates the user's main portfolio with the configured
// starting cash.
func (s *Service) OpenPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	startingCash := s.startingCash

	now := s.now().UTC()
	p := &model.Portfolio{
		ID:          uuid.New().String(),
		UserID:      userID,
		Cash:        startingCash,
		InitialCash: startingCash,
		Holdings:    []model.Holding{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePortfolio(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("portfolio opened", "user", userID, "portfolio_id", p.ID, "cash", startingCash.String())
	return p, nil
}

// Portfolio loads a portfolio.
func (s *Service) Portfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	return s.store.GetPortfolio(ctx, userID, competitionID)
}

// Trades lists the newest trades of the user's current portfolio in the
// scope. Trades of a portfolio left earlier are not included.
func (s *Service) Trades(ctx context.Context, userID, competitionID string, limit int) ([]model.Trade, error) {
	p, err := s.store.GetPortfolio(ctx, userID, competitionID)
	if err != nil {
		return nil, err
	}
	trades, err := s.store.ListTrades(ctx, p.ID, limit)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// normalize validates an order without touching any state.
func normalize(o Order) (Order, error) {
	o.UserID = strings.TrimSpace(o.UserID)
	o.Symbol = strings.ToUpper(strings.TrimSpace(o.Symbol))
	o.Side = strings.ToLower(strings.TrimSpace(o.Side))

	if o.UserID == "" {
		return o, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	if o.Side != model.SideBuy && o.Side != model.SideSell {
		return o, fmt.Errorf("%w: side must be buy or sell", model.ErrValidation)
	}
	if o.Quantity <= 0 {
		return o, fmt.Errorf("%w: quantity must be a positive integer", model.ErrValidation)
	}
	if !symbolPattern.MatchString(o.Symbol) {
		return o, fmt.Errorf("%w: invalid symbol %q", model.ErrValidation, o.Symbol)
	}
	return o, nil
}

func (s *Service) retryDelay(attempt int) time.Duration {
	if s.backoff <= 0 {
		return 0
	}
	base := s.backoff * time.Duration(attempt)
	return base + time.Duration(rand.Int64N(int64(s.backoff)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, model.ErrExternalService):
		return "external"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
