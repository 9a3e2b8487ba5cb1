// Package lock provides a small Redis-backed mutual exclusion primitive.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoClient is returned when the locker has no Redis client.
var ErrNoClient = errors.New("lock: redis client not configured")

var releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Locker provides a Redis-backed distributed lock keyed by name.
type Locker struct {
	R            redis.Cmdable
	RetryBackoff time.Duration
}

// Release frees a held lock. It is safe to call more than once.
type Release func()

// TryLock acquires key for ttl without waiting. ok is false when another
// holder owns the key; the returned Release is then a no-op.
func (l Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	if l.R == nil {
		return func() {}, false, ErrNoClient
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.R, []string{key}, token).Err()
	}, true, nil
}

// WithLock runs fn while holding key, retrying until the lock is acquired or
// ctx is done. The lock is released even when fn returns an error.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		release, ok, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			defer release()
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
