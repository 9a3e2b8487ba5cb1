package pending

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the Postgres store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres stores credentials in the pending_credentials table.
// Consumption is a single DELETE ... RETURNING, which is atomic per row.
type Postgres struct {
	db   DB
	opts Options
}

// NewPostgres returns a Postgres-backed store. Run Migrate first.
func NewPostgres(db DB, opts Options) *Postgres {
	return &Postgres{db: db, opts: opts.withDefaults()}
}

// Store implements Store.
func (s *Postgres) Store(ctx context.Context, orderID, authToken string) error {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return err
	}
	now := s.opts.Clock.Now()
	_, err = s.db.Exec(ctx, `INSERT INTO pending_credentials (order_id, auth_token, stored_at)
VALUES ($1, $2, $3)
ON CONFLICT (order_id) DO UPDATE SET auth_token = EXCLUDED.auth_token, stored_at = EXCLUDED.stored_at`,
		id, authToken, now)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_credentials WHERE stored_at < $1`, now.Add(-s.opts.TTL))
	if err != nil {
		s.opts.Logger.Warn().Err(err).Msg("pending store: sweep failed")
	} else if n := tag.RowsAffected(); n > 0 {
		s.opts.Logger.Debug().Int64("removed", n).Msg("pending store: swept stale credentials")
	}
	return nil
}

// RetrieveAndConsume implements Store.
func (s *Postgres) RetrieveAndConsume(ctx context.Context, orderID string) (string, bool, error) {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return "", false, err
	}
	var c Credential
	err = s.db.QueryRow(ctx, `DELETE FROM pending_credentials WHERE order_id = $1 RETURNING order_id, auth_token, stored_at`, id).
		Scan(&c.OrderID, &c.AuthToken, &c.StoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("consume credential: %w", err)
	}
	if expired(c, s.opts.Clock.Now(), s.opts.TTL) {
		return "", false, nil
	}
	return c.AuthToken, true, nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
