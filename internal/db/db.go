package db

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Execer is the statement surface shared by *pgxpool.Pool and pgx.Tx
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect establishes a connection pool to the database and returns the pool.
// The initial ping is retried so services can start before Postgres is ready.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	// Set max connections and create pool
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}

	err = retry.Do(
		func() error {
			ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return pool.Ping(ctxPing)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		pool.Close()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "ping database: context done")
		}
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}
