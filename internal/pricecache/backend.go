package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-engine/internal/model"
)

// MemoryBackend keeps entries in a process-local map.
type MemoryBackend struct {
	mu        sync.RWMutex
	entries   map[string]model.PriceEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryBackend creates a backend that forgets entries once they are
// older than retention past their expiry.
func NewMemoryBackend(retention time.Duration, now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{
		entries:   make(map[string]model.PriceEntry),
		retention: retention,
		now:       now,
	}
}

func (b *MemoryBackend) Load(_ context.Context, symbol string) (model.PriceEntry, bool, error) {
	b.mu.RLock()
	e, ok := b.entries[symbol]
	b.mu.RUnlock()
	if !ok {
		return model.PriceEntry{}, false, nil
	}
	if b.retention > 0 && b.now().After(e.ExpiresAt.Add(b.retention)) {
		b.mu.Lock()
		delete(b.entries, symbol)
		b.mu.Unlock()
		return model.PriceEntry{}, false, nil
	}
	return e, true, nil
}

func (b *MemoryBackend) Store(_ context.Context, e model.PriceEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.Stale = false
	b.entries[e.Symbol] = e
	return nil
}

// RedisBackend shares price entries between engine instances. Keys live
// for TTL plus the retention window so allow-stale reads still find them
// after they stop being fresh.
type RedisBackend struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisBackend creates a Redis-backed price store.
func NewRedisBackend(rdb *redis.Client, retention time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, retention: retention}
}

func (b *RedisBackend) Load(ctx context.Context, symbol string) (model.PriceEntry, bool, error) {
	data, err := b.rdb.Get(ctx, priceKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PriceEntry{}, false, nil
	}
	if err != nil {
		return model.PriceEntry{}, false, err
	}
	var e model.PriceEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return model.PriceEntry{}, false, fmt.Errorf("decode price entry %s: %w", symbol, err)
	}
	return e, true, nil
}

func (b *RedisBackend) Store(ctx context.Context, e model.PriceEntry) error {
	e.Stale = false
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	expiry := time.Until(e.ExpiresAt) + b.retention
	if expiry <= 0 {
		expiry = b.retention
	}
	return b.rdb.Set(ctx, priceKey(e.Symbol), data, expiry).Err()
}

func priceKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
