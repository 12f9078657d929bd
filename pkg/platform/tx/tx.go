// Package tx carries a SQL transaction through a context so several store
// calls can share one row lock.
package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

type ctxKey struct{}

var txKey = ctxKey{}

type txState struct {
	tx     *sql.Tx
	joined atomic.Bool
}

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, &txState{tx: tx})
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	state, ok := ctx.Value(txKey).(*txState)
	if !ok {
		return nil, false
	}
	return state.tx, true
}

// Joined reports whether a Run call joined the transaction carried by ctx
// instead of opening its own. Work that joined commits or rolls back with the
// outer transaction.
func Joined(ctx context.Context) bool {
	state, ok := ctx.Value(txKey).(*txState)
	return ok && state.joined.Load()
}

// Conn returns the transaction carried by ctx, or db.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

// Run calls fn inside the transaction carried by ctx. Without one it opens
// a transaction on db and commits it when fn succeeds. name labels errors.
func Run[T any](ctx context.Context, db *sql.DB, name string, fn func(ctx context.Context, tx *sql.Tx) (T, error)) (T, error) {
	if state, ok := ctx.Value(txKey).(*txState); ok {
		state.joined.Store(true)
		return fn(ctx, state.tx)
	}

	var zero T
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin %s tx: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	out, err := fn(WithTx(ctx, tx), tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit %s tx: %w", name, err)
	}
	return out, nil
}
