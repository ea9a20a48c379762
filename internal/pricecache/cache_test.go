package pricecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/quote"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	calls atomic.Int32
	price atomic.Value // string
	err   atomic.Value // error wrapper
}

type errBox struct{ err error }

func newCountingFetcher(price string) *countingFetcher {
	f := &countingFetcher{}
	f.price.Store(price)
	f.err.Store(errBox{})
	return f
}

func (f *countingFetcher) Quote(_ context.Context, symbol string) (quote.Quote, error) {
	f.calls.Add(1)
	if e := f.err.Load().(errBox).err; e != nil {
		return quote.Quote{}, e
	}
	p := decimal.RequireFromString(f.price.Load().(string))
	return quote.Quote{Symbol: symbol, Price: p, PreviousClose: p}, nil
}

func newTestCache(f Fetcher) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	c := New(f, WithTTL(time.Minute), WithClock(clock.Now))
	return c, clock
}

func TestGet_CachesWithinTTL(t *testing.T) {
	f := newCountingFetcher("150")
	c, clock := newTestCache(f)
	ctx := context.Background()

	e, err := c.Get(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, "150", e.Price.String())
	assert.False(t, e.Stale)

	clock.Advance(59 * time.Second)
	_, err = c.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGet_RefetchesAfterExpiry(t *testing.T) {
	f := newCountingFetcher("150")
	c, clock := newTestCache(f)
	ctx := context.Background()

	_, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)

	f.price.Store("155")
	clock.Advance(time.Minute)

	e, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "155", e.Price.String())
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestGet_ConcurrentMissesCollapse(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, symbol string) (quote.Quote, error) {
		calls.Add(1)
		<-release
		return quote.Quote{Symbol: symbol, Price: decimal.NewFromInt(100)}, nil
	})
	c, _ := newTestCache(f)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Get(context.Background(), "MSFT")
			if err == nil && !e.Price.Equal(decimal.NewFromInt(100)) {
				err = errors.New("unexpected price " + e.Price.String())
			}
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_FetchFailureIsExternal(t *testing.T) {
	f := newCountingFetcher("150")
	f.err.Store(errBox{errors.New("connection refused")})
	c, _ := newTestCache(f)

	_, err := c.Get(context.Background(), "AAPL")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExternalService))
}

func TestGet_UnknownSymbolIsValidation(t *testing.T) {
	f := newCountingFetcher("150")
	f.err.Store(errBox{quote.ErrUnknownSymbol})
	c, _ := newTestCache(f)

	_, err := c.Get(context.Background(), "ZZZZ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.False(t, errors.Is(err, model.ErrExternalService))
}

func TestGet_EmptySymbol(t *testing.T) {
	c, _ := newTestCache(newCountingFetcher("1"))
	_, err := c.Get(context.Background(), "  ")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestGet_NeverServesExpired(t *testing.T) {
	f := newCountingFetcher("150")
	c, clock := newTestCache(f)
	ctx := context.Background()

	_, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)

	f.err.Store(errBox{errors.New("upstream down")})
	clock.Advance(2 * time.Minute)

	_, err = c.Get(ctx, "AAPL")
	assert.True(t, errors.Is(err, model.ErrExternalService))
}

func TestGetAllowStale_ServesLastKnown(t *testing.T) {
	f := newCountingFetcher("150")
	c, clock := newTestCache(f)
	ctx := context.Background()

	_, err := c.Get(ctx, "AAPL")
	require.NoError(t, err)

	f.err.Store(errBox{errors.New("upstream down")})
	clock.Advance(2 * time.Minute)

	e, err := c.GetAllowStale(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, e.Stale)
	assert.Equal(t, "150", e.Price.String())
}

func TestGetAllowStale_NothingCached(t *testing.T) {
	f := newCountingFetcher("150")
	f.err.Store(errBox{errors.New("upstream down")})
	c, _ := newTestCache(f)

	_, err := c.GetAllowStale(context.Background(), "AAPL")
	assert.True(t, errors.Is(err, model.ErrExternalService))
}

func TestGet_CallerCancelDoesNotFailOthers(t *testing.T) {
	release := make(chan struct{})
	f := FetcherFunc(func(ctx context.Context, symbol string) (quote.Quote, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return quote.Quote{}, ctx.Err()
		}
		return quote.Quote{Symbol: symbol, Price: decimal.NewFromInt(42)}, nil
	})
	c, _ := newTestCache(f)

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "NVDA")
		firstErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	secondDone := make(chan model.PriceEntry, 1)
	go func() {
		e, err := c.Get(context.Background(), "NVDA")
		if err == nil {
			secondDone <- e
		}
		close(secondDone)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.Error(t, <-firstErr)

	close(release)
	e, ok := <-secondDone
	require.True(t, ok)
	assert.Equal(t, "42", e.Price.String())
}

func TestMemoryBackend_Retention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend(time.Hour, clock.Now)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, model.PriceEntry{
		Symbol:    "AAPL",
		Price:     decimal.NewFromInt(1),
		FetchedAt: clock.Now(),
		ExpiresAt: clock.Now().Add(time.Minute),
	}))

	clock.Advance(30 * time.Minute)
	_, ok, err := b.Load(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Hour)
	_, ok, err = b.Load(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}
