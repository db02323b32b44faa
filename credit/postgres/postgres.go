// Package postgres provides a PostgreSQL-backed LedgerStore for imagegate.
//
// Balances live in credit_accounts and every adjustment appends a row to
// credit_transactions in the same database transaction. The balance update is
// a conditional UPDATE, so concurrent charges can never overdraw an account.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ineyio/imagegate"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrEmptyConnectionString = errors.New("imagegate/postgres: empty connection string, use DATABASE_URL")
	ErrHealthcheckFailed     = errors.New("imagegate/postgres: healthcheck failed")
)

// Config holds the pool settings.
type Config struct {
	ConnectionString string        `env:"DATABASE_URL"`
	MaxConns         int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns         int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	RetryAttempts    int           `env:"DATABASE_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval    time.Duration `env:"DATABASE_RETRY_INTERVAL" envDefault:"2s"`
}

// Connect creates a pool and pings it, retrying on failure.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrEmptyConnectionString
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: open pool: %w", err)
	}

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		if err = pool.Ping(ctx); err == nil {
			return pool, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	pool.Close()
	return nil, fmt.Errorf("imagegate/postgres: ping: %w", err)
}

// Healthcheck returns a ping probe for pool.
func Healthcheck(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("imagegate/postgres: migrations fs: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.InfoContext(ctx, "migration applied",
				slog.String("source", r.Source.Path),
				slog.Duration("duration", r.Duration))
		}
	}
	return nil
}

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ imagegate.LedgerStore = (*Store)(nil)

// New creates a Store. Run Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// OpenAccount creates ownerID with an initial balance. An existing account
// is left unchanged.
func (s *Store) OpenAccount(ctx context.Context, ownerID string, balance int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (owner_id, balance) VALUES ($1, $2) ON CONFLICT (owner_id) DO NOTHING`,
		ownerID, balance,
	)
	if err != nil {
		return fmt.Errorf("imagegate/postgres: open account: %w", err)
	}
	return nil
}

// Balance returns the balance of ownerID.
func (s *Store) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_id = $1`, ownerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, imagegate.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("imagegate/postgres: balance: %w", err)
	}
	return balance, nil
}

// Adjust applies delta and logs the transaction atomically.
func (s *Store) Adjust(ctx context.Context, ownerID string, delta int64, reason string) (imagegate.CreditTransaction, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return imagegate.CreditTransaction{}, 0, fmt.Errorf("imagegate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance + $1, updated_at = now()
			WHERE owner_id = $2 AND balance + $1 >= 0
			RETURNING balance`,
		delta, ownerID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		err = tx.QueryRow(ctx,
			`SELECT true FROM credit_accounts WHERE owner_id = $1`, ownerID,
		).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return imagegate.CreditTransaction{}, 0, imagegate.ErrAccountNotFound
		}
		if err != nil {
			return imagegate.CreditTransaction{}, 0, fmt.Errorf("imagegate/postgres: check account: %w", err)
		}
		return imagegate.CreditTransaction{}, 0, &imagegate.InsufficientCreditsError{Required: -delta}
	}
	if err != nil {
		return imagegate.CreditTransaction{}, 0, fmt.Errorf("imagegate/postgres: update balance: %w", err)
	}

	entry := imagegate.CreditTransaction{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Delta:   delta,
		Reason:  reason,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_transactions (id, owner_id, delta, reason) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		entry.ID, ownerID, delta, reason,
	).Scan(&entry.Timestamp)
	if err != nil {
		return imagegate.CreditTransaction{}, 0, fmt.Errorf("imagegate/postgres: insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return imagegate.CreditTransaction{}, 0, fmt.Errorf("imagegate/postgres: commit: %w", err)
	}
	return entry, balance, nil
}

// Transactions returns up to limit entries, newest first.
func (s *Store) Transactions(ctx context.Context, ownerID string, limit int) ([]imagegate.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, owner_id, delta, reason, created_at FROM credit_transactions
			WHERE owner_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("imagegate/postgres: transactions: %w", err)
	}
	defer rows.Close()

	var out []imagegate.CreditTransaction
	for rows.Next() {
		var t imagegate.CreditTransaction
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Delta, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("imagegate/postgres: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("imagegate/postgres: transactions: %w", err)
	}
	return out, nil
}
