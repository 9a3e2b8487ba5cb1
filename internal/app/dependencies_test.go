package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-kashier/internal/app"
	"github.com/noah-isme/backend-kashier/internal/config"
	"github.com/noah-isme/backend-kashier/internal/payment"
	"github.com/noah-isme/backend-kashier/internal/ratelimit"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Pending:            config.Pending{Driver: driver, TTL: time.Hour},
		PaymentStatusTTL:   time.Hour,
		CheckoutRateLimit:  2,
		CheckoutRateWindow: time.Minute,
	}
}

func TestConnectMemoryWithoutRedis(t *testing.T) {
	ctx := context.Background()
	deps, err := app.Connect(ctx, testConfig(config.DriverMemory), zerolog.Nop(), false)
	require.NoError(t, err)
	defer deps.Close()

	require.Nil(t, deps.Redis)
	require.IsType(t, &payment.MemoryStatusStore{}, deps.Statuses)
	require.IsType(t, &ratelimit.Memory{}, deps.Limiter(testConfig(config.DriverMemory)))

	require.NoError(t, deps.Pending.Store(ctx, "ord-1", "tok"))
	token, ok, err := deps.Pending.RetrieveAndConsume(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok", token)
}

func TestConnectRedisDriver(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.DriverRedis)
	cfg.RedisURL = "redis://" + mr.Addr()

	ctx := context.Background()
	deps, err := app.Connect(ctx, cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	defer deps.Close()

	require.IsType(t, payment.RedisStatusStore{}, deps.Statuses)
	require.IsType(t, ratelimit.SlidingRedis{}, deps.Limiter(cfg))

	require.NoError(t, deps.Pending.Store(ctx, "ord-2", "tok"))
	require.True(t, mr.Exists("kashier:pending:ord-2"))

	probes := deps.Probes()
	require.Contains(t, probes, "pending_store")
	require.Contains(t, probes, "redis")
	for name, probe := range probes {
		require.NoError(t, probe(ctx), name)
	}
}

func TestConnectRedisDriverRequiresURL(t *testing.T) {
	_, err := app.Connect(context.Background(), testConfig(config.DriverRedis), zerolog.Nop(), false)
	require.Error(t, err)
}

func TestConnectFileDriver(t *testing.T) {
	cfg := testConfig(config.DriverFile)
	cfg.Pending.Dir = t.TempDir()
	deps, err := app.Connect(context.Background(), cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	defer deps.Close()
	require.NoError(t, deps.Probes()["pending_store"](context.Background()))
}
