package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool and pgx.Tx that repositories use.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxBeginner starts transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type contextKey string

const txKey contextKey = "db_tx"

// WithTx runs fn inside a transaction. Repositories called with the
// context passed to fn join the transaction through ConnFromContext. The
// transaction commits when fn returns nil and rolls back otherwise.
func WithTx(ctx context.Context, b TxBeginner, fn func(ctx context.Context) error) error {
	if ConnFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ConnFromContext returns the transaction started by WithTx, or nil.
func ConnFromContext(ctx context.Context) Querier {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	if tx == nil {
		return nil
	}
	return tx
}

// Conn returns the transaction in ctx, falling back to q.
func Conn(ctx context.Context, q Querier) Querier {
	if c := ConnFromContext(ctx); c != nil {
		return c
	}
	return q
}
