package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/labdesk-api/internal/resilience"
)

// ErrNotAcquired is returned when the lock could not be obtained before the
// caller's context expired.
var ErrNotAcquired = errors.New("lock: not acquired")

const (
	defaultTTL     = 30 * time.Second
	defaultBackoff = 50 * time.Millisecond
	maxBackoffMult = 8
	keyPrefix      = "lock:"
)

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Locker provides a Redis-backed mutual exclusion keyed by resource name.
// Waiters retry with jittered exponential backoff starting at RetryBackoff.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// BillKey returns the lock key guarding mutations of a single bill.
func BillKey(billID uuid.UUID) string {
	return "bill:" + billID.String()
}

// WithLock executes fn while holding the lock for key. The lock is released
// once fn returns, whatever the result. ttl bounds how long a crashed holder
// can block others.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	redisKey := keyPrefix + key
	token := uuid.NewString()
	if err := l.acquire(ctx, redisKey, token, ttl, backoff); err != nil {
		return err
	}
	defer l.release(redisKey, token)
	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key, token string, ttl, backoff time.Duration) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
			}
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		timer.Reset(resilience.Backoff(backoff, backoff*maxBackoffMult, attempt, 0.2))
	}
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.R, []string{key}, token).Err()
}
