// Package ratelimit throttles requests per key.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter records one event for key and reports whether it is within the limit.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}
