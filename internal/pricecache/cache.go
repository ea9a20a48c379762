// Package pricecache is a short-TTL cache in front of the quote source.
//
// A lookup is served from the backend while now < ExpiresAt. Otherwise the
// symbol is refetched; concurrent refetches of the same symbol collapse into
// a single upstream call and every waiter receives its result. A failed
// refetch is reported as model.ErrExternalService, unless the caller asked
// for allow-stale reads, in which case the expired entry is returned with
// Stale set.
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/quote"
)

// DefaultTTL matches the quote staleness tolerance of the trading flow.
const DefaultTTL = 60 * time.Second

// DefaultFetchTimeout bounds one upstream fetch.
const DefaultFetchTimeout = 5 * time.Second

// Fetcher is the upstream quote source.
type Fetcher interface {
	Quote(ctx context.Context, symbol string) (quote.Quote, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, symbol string) (quote.Quote, error)

// Quote calls f.
func (f FetcherFunc) Quote(ctx context.Context, symbol string) (quote.Quote, error) {
	return f(ctx, symbol)
}

// Backend stores price entries. Entries past ExpiresAt must still be
// returned while they are inside the backend's retention window.
type Backend interface {
	Load(ctx context.Context, symbol string) (model.PriceEntry, bool, error)
	Store(ctx context.Context, entry model.PriceEntry) error
}

// Cache is safe for concurrent use.
type Cache struct {
	fetcher      Fetcher
	backend      Backend
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	group        singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched price is fresh.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithBackend replaces the default in-memory backend.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithFetchTimeout bounds a single upstream fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a cache in front of fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:      fetcher,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.backend == nil {
		c.backend = NewMemoryBackend(24*time.Hour, c.now)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a fresh price for symbol. It never serves an expired entry.
func (c *Cache) Get(ctx context.Context, symbol string) (model.PriceEntry, error) {
	return c.lookup(ctx, symbol, false)
}

// GetAllowStale returns a fresh price when possible and falls back to the
// last known price if the refresh fails. For read-only paths only.
func (c *Cache) GetAllowStale(ctx context.Context, symbol string) (model.PriceEntry, error) {
	return c.lookup(ctx, symbol, true)
}

func (c *Cache) lookup(ctx context.Context, symbol string, allowStale bool) (model.PriceEntry, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return model.PriceEntry{}, fmt.Errorf("%w: symbol is required", model.ErrValidation)
	}

	cached, found, err := c.backend.Load(ctx, symbol)
	if err != nil {
		c.logger.Warn("price cache load failed", "symbol", symbol, "err", err)
		found = false
	}
	if found && c.now().Before(cached.ExpiresAt) {
		metrics.PriceCacheRequests.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.PriceCacheRequests.WithLabelValues("miss").Inc()

	entry, err := c.fetch(ctx, symbol)
	if err == nil {
		return entry, nil
	}
	if errors.Is(err, model.ErrValidation) {
		return model.PriceEntry{}, err
	}

	if allowStale && found {
		metrics.PriceCacheRequests.WithLabelValues("stale").Inc()
		c.logger.Warn("serving stale price",
			"symbol", symbol,
			"fetched_at", cached.FetchedAt,
			"err", err,
		)
		cached.Stale = true
		return cached, nil
	}

	metrics.PriceCacheRequests.WithLabelValues("error").Inc()
	return model.PriceEntry{}, fmt.Errorf("%w: price for %s: %v", model.ErrExternalService, symbol, err)
}

// fetch refreshes symbol through the singleflight group. The shared fetch
// is detached from the caller's cancellation so one impatient caller does
// not fail the others; each caller still stops waiting when its own
// context ends.
func (c *Cache) fetch(ctx context.Context, symbol string) (model.PriceEntry, error) {
	ch := c.group.DoChan(symbol, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		// Another flight may have stored a fresh entry between our miss
		// and acquiring the key.
		if e, ok, err := c.backend.Load(fctx, symbol); err == nil && ok && c.now().Before(e.ExpiresAt) {
			return e, nil
		}

		q, err := c.fetcher.Quote(fctx, symbol)
		if err != nil {
			metrics.QuoteFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.QuoteFetches.WithLabelValues("ok").Inc()

		now := c.now()
		e := model.PriceEntry{
			Symbol:        symbol,
			Price:         q.Price,
			PreviousClose: q.PreviousClose,
			FetchedAt:     now,
			ExpiresAt:     now.Add(c.ttl),
		}
		if err := c.backend.Store(fctx, e); err != nil {
			c.logger.Warn("price cache store failed", "symbol", symbol, "err", err)
		}
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.PriceEntry{}, res.Err
		}
		return res.Val.(model.PriceEntry), nil
	case <-ctx.Done():
		return model.PriceEntry{}, ctx.Err()
	}
}
