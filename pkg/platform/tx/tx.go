// Package tx defines the transaction boundary shared by the resource tree and
// the history stores.
//
// SQL-backed stores read the active *sql.Tx from context so that a history
// entry and the mutation it describes commit or roll back together.
package tx

import (
	"context"
	"database/sql"
)

// Runner runs fn inside a transaction. Implementations join a transaction that
// is already present in ctx instead of opening a nested one. If fn returns an
// error nothing fn wrote is committed.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f RunnerFunc) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Direct runs fn without any transactional guarantee. Used when history
// capture is disabled and the resource tree has nothing to pair with.
var Direct Runner = RunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
