package payment_test

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/payment"
)

func TestRedisStatusStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := payment.RedisStatusStore{R: client, TTL: time.Minute}
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, payment.Outcome{OrderID: "ord-1", Status: "SUCCESS", ClearCart: true, UpdatedAt: fixedNow}))
	got, ok, err := s.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.ClearCart)
	require.Equal(t, "SUCCESS", got.Status)

	mr.FastForward(2 * time.Minute)
	_, ok, err = s.Get(ctx, "ord-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatusStoresKeepActivatedOutcome(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]payment.StatusStore{
		"redis":  payment.RedisStatusStore{R: client, TTL: time.Hour},
		"memory": payment.NewMemoryStatusStore(time.Hour, clock.NewManual(fixedNow)),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Put(ctx, payment.Outcome{OrderID: "X1", Status: "PENDING", Result: payment.ResultStatusUpdated, UpdatedAt: fixedNow}))
			require.NoError(t, s.Put(ctx, payment.Outcome{OrderID: "X1", Status: "SUCCESS", Result: payment.ResultActivated, Activated: true, ClearCart: true, UpdatedAt: fixedNow}))
			require.NoError(t, s.Put(ctx, payment.Outcome{OrderID: "X1", Status: "PENDING", Result: payment.ResultStatusUpdated, UpdatedAt: fixedNow}))
			require.NoError(t, s.Put(ctx, payment.Outcome{OrderID: "X1", Status: "FAILED", Result: payment.ResultStatusUpdated, UpdatedAt: fixedNow}))

			got, ok, err := s.Get(ctx, "X1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "SUCCESS", got.Status)
			require.True(t, got.Activated)
			require.True(t, got.ClearCart)
		})
	}
}
