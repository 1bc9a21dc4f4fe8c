// Package postgres persists pipeline state: files, points of interest,
// candidate relationships, evidence, the transactional outbox, runs and
// per-directory progress.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// PgxPool is the minimal subset of pgxpool the repos need; tests stub it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool creates a traced pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: parse: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	return pool, nil
}

// dbtx is what a repo method executes against: the pool, or a transaction
// when one was passed in.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// pick resolves the execution target for an optional transaction handle.
func pick(pool PgxPool, tx domain.Tx) dbtx {
	if tx != nil {
		if t, ok := tx.(pgx.Tx); ok {
			return t
		}
	}
	return pool
}

// TxManager implements domain.TxRunner on a pgx pool.
type TxManager struct{ Pool PgxPool }

// NewTxManager constructs a TxManager with the given pool.
func NewTxManager(p PgxPool) *TxManager { return &TxManager{Pool: p} }

// WithTx runs fn inside a single transaction. The fn receives an opaque
// handle it must pass back into repository methods so all writes commit or
// roll back together.
func (t *TxManager) WithTx(ctx domain.Context, fn func(tx domain.Tx) error) error {
	pgtx, err := t.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=postgres.WithTx: begin: %w", err)
	}
	if err := fn(pgtx); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("op=postgres.WithTx: commit: %w", err)
	}
	return nil
}

var _ domain.TxRunner = (*TxManager)(nil)
