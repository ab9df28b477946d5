package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/port"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idempotency:"

	defaultPeekTTL        = 2 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour

	// peekLoadTimeout bounds a shared cache fill, which no single caller owns.
	peekLoadTimeout = time.Second
)

// RedisStockCache serves Peek from a short-lived Redis copy of the
// authoritative quantity. Entries are never invalidated; they only expire, so
// readers can see a value up to the TTL old. Checkouts never read it.
type RedisStockCache struct {
	client redis.UniversalClient
	source port.StockPeeker
	ttl    time.Duration
	group  singleflight.Group
}

func NewRedisStockCache(client redis.UniversalClient, source port.StockPeeker, ttl time.Duration) *RedisStockCache {
	if ttl <= 0 {
		ttl = defaultPeekTTL
	}
	return &RedisStockCache{client: client, source: source, ttl: ttl}
}

func (c *RedisStockCache) Peek(ctx context.Context, key domain.StockKey) (int, error) {
	cacheKey := stockKeyPrefix + key.String()

	qty, err := c.client.Get(ctx, cacheKey).Int()
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, redis.Nil) {
		// cache unavailable, fall through to the store
		return c.source.Peek(ctx, key)
	}

	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), peekLoadTimeout)
		defer cancel()

		qty, err := c.source.Peek(loadCtx, key)
		if err != nil {
			return 0, err
		}
		// best effort; a failed SET only costs the next reader a store hit
		c.client.Set(loadCtx, cacheKey, strconv.Itoa(qty), c.ttl)
		return qty, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

type RedisIdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, ttl: ttl}
}

func (s *RedisIdempotencyStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}

	return ok, nil
}

func (s *RedisIdempotencyStore) DeleteIdempotency(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}
