package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/labdesk-api/internal/resilience"
)

const cacheKeyPrefix = "catalog:test:"

// CachedLookup serves tests from Redis, falling back to Next on a miss.
// Cache failures are logged and never fail the lookup. While Breaker is open
// the cache is bypassed entirely.
type CachedLookup struct {
	Next    Lookup
	Client  *redis.Client
	TTL     time.Duration
	Logger  zerolog.Logger
	Breaker *resilience.Breaker
}

func cacheKey(id uuid.UUID) string { return cacheKeyPrefix + id.String() }

// Tests implements Lookup.
func (c CachedLookup) Tests(ctx context.Context, ids []uuid.UUID) ([]Test, error) {
	if c.Client == nil || c.TTL <= 0 || len(ids) == 0 {
		return c.Next.Tests(ctx, ids)
	}

	if !c.Breaker.Allow(ctx) {
		return c.Next.Tests(ctx, ids)
	}
	found, missing := c.read(ctx, ids)
	if len(missing) > 0 {
		fresh, err := c.Next.Tests(ctx, missing)
		if err != nil {
			return nil, err
		}
		c.write(ctx, fresh)
		for _, t := range fresh {
			found[t.ID] = t
		}
	}
	return order(ids, found)
}

// Invalidate drops cached entries, for example after a price change.
func (c CachedLookup) Invalidate(ctx context.Context, ids ...uuid.UUID) error {
	if c.Client == nil || len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	return c.Client.Del(ctx, keys...).Err()
}

func (c CachedLookup) read(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Test, []uuid.UUID) {
	found := make(map[uuid.UUID]Test, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}
	values, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.Breaker.Report(ctx, false)
		c.Logger.Warn().Err(err).Msg("catalog cache read failed")
		return found, ids
	}
	c.Breaker.Report(ctx, true)
	if err != nil {
		return found, ids
	}

	var missing []uuid.UUID
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var t Test
		if err := json.Unmarshal([]byte(raw), &t); err != nil || t.ID != ids[i] {
			missing = append(missing, ids[i])
			continue
		}
		found[t.ID] = t
	}
	return found, missing
}

func (c CachedLookup) write(ctx context.Context, tests []Test) {
	pipe := c.Client.Pipeline()
	for _, t := range tests {
		data, err := json.Marshal(t)
		if err != nil {
			continue
		}
		pipe.Set(ctx, cacheKey(t.ID), data, c.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("catalog cache write failed")
	}
}
