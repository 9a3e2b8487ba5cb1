// Package pending keeps the caller's auth token between checkout and the
// asynchronous gateway webhook. Entries are read once and expire after a TTL.
package pending

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/obs"
)

// DefaultTTL bounds how long a stored credential stays redeemable.
const DefaultTTL = time.Hour

var (
	// ErrNotFound reports that no live credential exists for the order.
	ErrNotFound = errors.New("pending: credential not found")
	// ErrEmptyOrderID rejects blank order ids.
	ErrEmptyOrderID = errors.New("pending: order id is required")
)

// Store persists one auth token per order id until it is consumed or expires.
// Store overwrites any existing entry for the order (last write wins).
type Store interface {
	Store(ctx context.Context, orderID, authToken string) error
	RetrieveAndConsume(ctx context.Context, orderID string) (string, bool, error)
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Credential is the persisted record.
type Credential struct {
	OrderID   string    `json:"orderId"`
	AuthToken string    `json:"authToken"`
	StoredAt  time.Time `json:"storedAt"`
}

// Options are shared by all backends.
type Options struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = clock.System()
	}
	return o
}

func expired(c Credential, now time.Time, ttl time.Duration) bool {
	return now.Sub(c.StoredAt) > ttl
}

func normaliseOrderID(orderID string) (string, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return "", ErrEmptyOrderID
	}
	return id, nil
}

// Consume wraps RetrieveAndConsume, returning ErrNotFound when nothing live exists.
func Consume(ctx context.Context, s Store, orderID string) (string, error) {
	token, ok, err := s.RetrieveAndConsume(ctx, orderID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

// Instrument decorates s with tracing spans and pending_store_ops_total counters.
func Instrument(driver string, s Store) Store {
	return instrumented{driver: driver, next: s}
}

type instrumented struct {
	driver string
	next   Store
}

func (i instrumented) Store(ctx context.Context, orderID, authToken string) error {
	ctx, span := otel.Tracer("pending").Start(ctx, "pending.store")
	defer span.End()
	span.SetAttributes(attribute.String("pending.driver", i.driver), attribute.String("order.id", orderID))

	err := i.next.Store(ctx, orderID, authToken)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	obs.IncPendingStore(i.driver, "store", result)
	return err
}

func (i instrumented) RetrieveAndConsume(ctx context.Context, orderID string) (string, bool, error) {
	ctx, span := otel.Tracer("pending").Start(ctx, "pending.consume")
	defer span.End()
	span.SetAttributes(attribute.String("pending.driver", i.driver), attribute.String("order.id", orderID))

	token, ok, err := i.next.RetrieveAndConsume(ctx, orderID)
	result := "hit"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !ok:
		result = "miss"
	}
	span.SetAttributes(attribute.String("pending.result", result))
	obs.IncPendingStore(i.driver, "consume", result)
	return token, ok, err
}

// Ping forwards to the wrapped backend when it supports health checks.
func (i instrumented) Ping(ctx context.Context) error {
	if p, ok := i.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
