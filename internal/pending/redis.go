package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-kashier/internal/lock"
)

const (
	redisKeyPrefix = "kashier:pending:"
	redisSweepKey  = "kashier:pending-sweep"
)

var deleteIfUnchanged = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Redis stores credentials as JSON strings. Consumption uses GETDEL so only
// one concurrent caller can observe a given credential.
type Redis struct {
	R    redis.Cmdable
	opts Options
	lock lock.Locker

	// SweepEvery limits how often any instance scans for stale keys.
	SweepEvery time.Duration
}

// NewRedis returns a Redis-backed store.
func NewRedis(client redis.Cmdable, opts Options) *Redis {
	return &Redis{
		R:          client,
		opts:       opts.withDefaults(),
		lock:       lock.Locker{R: client},
		SweepEvery: time.Minute,
	}
}

func redisKey(orderID string) string { return redisKeyPrefix + orderID }

// Store implements Store.
func (s *Redis) Store(ctx context.Context, orderID, authToken string) error {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Credential{OrderID: id, AuthToken: authToken, StoredAt: s.opts.Clock.Now()})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	// Redis expiry is a backstop; freshness is decided from storedAt.
	if err := s.R.Set(ctx, redisKey(id), payload, s.opts.TTL+time.Minute).Err(); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	if err := s.sweep(ctx); err != nil {
		s.opts.Logger.Warn().Err(err).Msg("pending store: sweep failed")
	}
	return nil
}

// RetrieveAndConsume implements Store.
func (s *Redis) RetrieveAndConsume(ctx context.Context, orderID string) (string, bool, error) {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return "", false, err
	}
	raw, err := s.R.GetDel(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume credential: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", false, fmt.Errorf("decode credential: %w", err)
	}
	if expired(c, s.opts.Clock.Now(), s.opts.TTL) {
		return "", false, nil
	}
	return c.AuthToken, true, nil
}

// Ping checks connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return s.R.Ping(ctx).Err()
}

// sweep deletes stale entries. The lock is held for SweepEvery and never
// released, so at most one sweep runs per interval across all writers.
func (s *Redis) sweep(ctx context.Context) error {
	if s.SweepEvery > 0 {
		_, ok, err := s.lock.TryLock(ctx, redisSweepKey, s.SweepEvery)
		if err != nil || !ok {
			return err
		}
	}
	now := s.opts.Clock.Now()
	iter := s.R.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.R.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var c Credential
		if json.Unmarshal([]byte(raw), &c) == nil && !expired(c, now, s.opts.TTL) {
			continue
		}
		if err := deleteIfUnchanged.Run(ctx, s.R, []string{key}, raw).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
