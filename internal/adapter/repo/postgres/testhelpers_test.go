package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed set of scan funcs.
type rowsStub struct {
	idx   int
	rows  []func(dest ...any) error
	err   error
	pgx.Rows
}

func (r *rowsStub) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *rowsStub) Scan(dest ...any) error { return r.rows[r.idx-1](dest...) }
func (r *rowsStub) Err() error             { return r.err }
func (r *rowsStub) Close()                 {}

// poolStub implements postgres.PgxPool for tests. Exec calls are recorded so
// assertions can inspect the SQL and arguments.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	execSQL  []string
	execArgs [][]any
	row      rowStub
	rows     *rowsStub
	queryErr error
	beginTx  func() (pgx.Tx, error)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execSQL = append(p.execSQL, sql)
	p.execArgs = append(p.execArgs, args)
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginTx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.beginTx()
}

// txStub implements just enough of pgx.Tx for TxManager tests; unimplemented
// methods panic via the embedded nil interface.
type txStub struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	execSQL    []string
}

func (t *txStub) Commit(_ context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error { t.rolledBack = true; return nil }

func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.CommandTag{}, nil
}
