package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-kashier/internal/clock"
	"github.com/noah-isme/backend-kashier/internal/config"
	"github.com/noah-isme/backend-kashier/internal/health"
	"github.com/noah-isme/backend-kashier/internal/obs"
	"github.com/noah-isme/backend-kashier/internal/payment"
	"github.com/noah-isme/backend-kashier/internal/pending"
	"github.com/noah-isme/backend-kashier/internal/ratelimit"
)

// Dependencies holds the connections and stores shared by the HTTP handlers.
// DB and Redis are nil when the configuration does not need them.
type Dependencies struct {
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Pending  pending.Store
	Statuses payment.StatusStore

	logger zerolog.Logger
}

// Connect opens the backends selected by cfg and builds the stores on top of them.
func Connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger, instrumentMetrics bool) (*Dependencies, error) {
	d := &Dependencies{logger: logger}

	if cfg.RedisURL != "" {
		rdb, err := newRedis(ctx, cfg.RedisURL, logger, instrumentMetrics)
		if err != nil {
			return nil, err
		}
		d.Redis = rdb
	}

	if cfg.Pending.Driver == config.DriverPostgres {
		if err := pending.Migrate(cfg.DatabaseURL); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate pending store: %w", err)
		}
		pool, err := newPool(ctx, cfg.DatabaseURL)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.DB = pool
	}

	store, err := d.pendingStore(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Pending = pending.Instrument(cfg.Pending.Driver, store)

	if d.Redis != nil {
		d.Statuses = payment.RedisStatusStore{R: d.Redis, TTL: cfg.PaymentStatusTTL}
	} else {
		d.Statuses = payment.NewMemoryStatusStore(cfg.PaymentStatusTTL, clock.System())
	}
	return d, nil
}

func (d *Dependencies) pendingStore(cfg *config.Config) (pending.Store, error) {
	opts := pending.Options{TTL: cfg.Pending.TTL, Logger: obs.Component(d.logger, "pending_store")}
	switch cfg.Pending.Driver {
	case config.DriverRedis:
		if d.Redis == nil {
			return nil, errors.New("redis pending store requires REDIS_URL")
		}
		return pending.NewRedis(d.Redis, opts), nil
	case config.DriverPostgres:
		return pending.NewPostgres(d.DB, opts), nil
	case config.DriverFile:
		return pending.NewFile(cfg.Pending.Dir, opts)
	case config.DriverMemory:
		return pending.NewMemory(opts), nil
	default:
		return nil, fmt.Errorf("unsupported pending store driver %q", cfg.Pending.Driver)
	}
}

// Limiter picks the checkout rate limiter: a shared sliding window when redis
// is available, a process-local one otherwise.
func (d *Dependencies) Limiter(cfg *config.Config) ratelimit.Limiter {
	if d.Redis != nil {
		return ratelimit.SlidingRedis{
			Client: d.Redis,
			Prefix: "kashier:rl:checkout:",
			Window: cfg.CheckoutRateWindow,
			Max:    cfg.CheckoutRateLimit,
		}
	}
	return ratelimit.NewMemory(cfg.CheckoutRateWindow, cfg.CheckoutRateLimit)
}

// Probes returns the readiness checks for every configured backend.
func (d *Dependencies) Probes() map[string]health.Probe {
	probes := map[string]health.Probe{}
	if p, ok := d.Pending.(pending.Pinger); ok {
		probes["pending_store"] = p.Ping
	}
	if d.Redis != nil {
		rdb := d.Redis
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if d.DB != nil {
		probes["database"] = d.DB.Ping
	}
	return probes
}

// Close releases open connections.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.logger.Error().Err(err).Msg("close redis")
		}
	}
}

func newRedis(ctx context.Context, url string, logger zerolog.Logger, instrumentMetrics bool) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if instrumentMetrics {
		if err := redisotel.InstrumentMetrics(rdb); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func newPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{Component: "pending_store"}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "kashier-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
