package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/klinik/klinik/internal/platform/apperr"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// AbortError is a transaction Postgres rolled back to break a lock conflict.
// It matches apperr.ErrConflict; the request can be retried as is.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return "transaction aborted by a concurrent update, retry the request"
}

func (e *AbortError) Is(target error) bool { return target == apperr.ErrConflict }

func (e *AbortError) Unwrap() error { return e.Cause }

func translateAbort(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected) {
		return &AbortError{Cause: err}
	}
	return err
}

type contextKey string

const DBTxKey contextKey = "db_tx"

// TxFromContext returns the transaction started by TxManager.WithinTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Transactor is implemented by TxManager and by in-memory stores in tests.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxManager runs units of work inside a single database transaction. Every
// repository reached with the derived context executes on that transaction.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithinTx commits when fn returns nil and rolls back otherwise. A call made
// with a context that already carries a transaction joins it. Deadlock and
// serialization aborts come back as *AbortError.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return translateAbort(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateAbort(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}
