// Package cache provides a Redis-backed read-through decorator over
// store.CandleStore, cutting repeated round-trips to the underlying store
// when the optimizer re-queries the same (symbol, range) for every
// parameter set in a sweep.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"meanrevert-research/libs/store"
)

// Config configures the Redis connection and entry lifetime.
type Config struct {
	RedisURL string
	TTL      time.Duration // default 10 minutes
}

// CandleStore wraps an underlying store.CandleStore, caching Query results
// by (symbol, start, end) and invalidating nothing explicitly: writes go
// straight through to the underlying store, and a TTL bounds staleness.
type CandleStore struct {
	underlying store.CandleStore
	client     *redis.Client
	ttl        time.Duration
}

// New builds a CandleStore decorator, pinging Redis once to fail fast on
// a bad address.
func New(underlying store.CandleStore, cfg Config) (*CandleStore, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connect to redis: %w", err)
	}

	return &CandleStore{underlying: underlying, client: client, ttl: ttl}, nil
}

// InsertMany passes through to the underlying store unchanged; cached
// ranges become stale only after their TTL expires, which is acceptable
// since ingest writes only ever extend a symbol's range forward in time
// and a sweep's range is fixed for the life of one optimizer run.
func (c *CandleStore) InsertMany(ctx context.Context, candles []store.Candle) (int, error) {
	return c.underlying.InsertMany(ctx, candles)
}

// Query serves from Redis on a hit; on a miss it queries the underlying
// store, caches the result, and returns it.
func (c *CandleStore) Query(ctx context.Context, symbol string, start, end time.Time) ([]store.Candle, error) {
	key := cacheKey(symbol, start, end)

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var candles []store.Candle
		if jerr := json.Unmarshal(data, &candles); jerr == nil {
			return candles, nil
		}
		// A corrupt cache entry falls through to the underlying store
		// rather than failing the query outright.
	}

	candles, err := c.underlying.Query(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(candles); err == nil {
		_ = c.client.Set(ctx, key, data, c.ttl).Err() // cache-fill errors are non-fatal
	}
	return candles, nil
}

// Close releases the Redis connection.
func (c *CandleStore) Close() error {
	return c.client.Close()
}

func cacheKey(symbol string, start, end time.Time) string {
	return fmt.Sprintf("candles:%s:%d:%d", symbol, start.UnixNano(), end.UnixNano())
}
