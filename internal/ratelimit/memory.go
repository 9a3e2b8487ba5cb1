package ratelimit

import (
	"context"
	"time"

	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// Memory is a process-local fixed window limiter for deployments without Redis.
type Memory struct {
	l *limiter.Limiter
}

// NewMemory allows max events per window for each key.
func NewMemory(window time.Duration, max int) *Memory {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          "checkout",
		CleanUpInterval: window,
	})
	return &Memory{l: limiter.New(store, limiter.Rate{Period: window, Limit: int64(max)})}
}

// Allow implements Limiter.
func (m *Memory) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := m.l.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !res.Reached,
		Limit:     int(res.Limit),
		Remaining: int(res.Remaining),
		ResetAt:   time.Unix(res.Reset, 0),
	}, nil
}
