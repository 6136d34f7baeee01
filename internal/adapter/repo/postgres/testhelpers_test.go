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

func errRow(err error) rowStub {
	return rowStub{scan: func(_ ...any) error { return err }}
}

// rowsStub implements pgx.Rows by embedding the interface and overriding the
// methods the repos touch. It serves empty result sets.
type rowsStub struct{ pgx.Rows }

func (rowsStub) Next() bool { return false }
func (rowsStub) Err() error { return nil }
func (rowsStub) Close()     {}

// poolStub implements postgres.PgxPool for tests. Behaviors are configured
// per call-site via the function fields; a nil field fails the call.
type poolStub struct {
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row
	queryFn    func(sql string, args []any) (pgx.Rows, error)
	beginFn    func() (pgx.Tx, error)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execFn == nil {
		return pgconn.CommandTag{}, errors.New("no exec configured")
	}
	return p.execFn(sql, args)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn == nil {
		return errRow(errors.New("no row configured"))
	}
	return p.queryRowFn(sql, args)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn == nil {
		return nil, errors.New("no query configured")
	}
	return p.queryFn(sql, args)
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginFn == nil {
		return nil, errors.New("no tx configured")
	}
	return p.beginFn()
}

// txStub implements pgx.Tx by embedding the interface; only the overridden
// methods may be called.
type txStub struct {
	pgx.Tx
	execFn     func(sql string, args []any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args []any) pgx.Row

	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn == nil {
		return pgconn.CommandTag{}, errors.New("no tx exec configured")
	}
	return t.execFn(sql, args)
}

func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRowFn == nil {
		return errRow(errors.New("no tx row configured"))
	}
	return t.queryRowFn(sql, args)
}

func (t *txStub) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *txStub) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}
