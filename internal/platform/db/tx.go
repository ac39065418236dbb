package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBTxKey contextKey = "db_tx"

// PostgreSQL error codes the services react to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Transactor runs fn inside a database transaction. Repositories called with
// the ctx handed to fn join that transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx returns a copy of ctx carrying tx.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// Conn picks the transaction from ctx when there is one, otherwise the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DefaultTxAttempts bounds how often a top-level transaction is re-run after
// a deadlock or serialization failure.
const DefaultTxAttempts = 3

const retryBackoff = 20 * time.Millisecond

// TxManager opens READ COMMITTED transactions on a pool. Row locks taken with
// SELECT ... FOR UPDATE inside fn hold until commit.
type TxManager struct {
	pool     beginner
	attempts int
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool, attempts: DefaultTxAttempts}
}

// InTx begins a transaction, or a savepoint when ctx already carries one.
// A top-level transaction that fails with a deadlock or serialization
// failure is rolled back and fn runs again, so fn must not have side effects
// outside the transaction.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return Savepoint(ctx, fn)
	}
	if m == nil || m.pool == nil {
		return fmt.Errorf("no database connection in context")
	}

	attempts := max(m.attempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		var tx pgx.Tx
		tx, err = m.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		err = run(ctx, tx, fn)
		if err == nil || !IsRetryable(err) || i == attempts {
			return err
		}
		select {
		case <-time.After(time.Duration(i) * retryBackoff):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// Savepoint runs fn inside a nested transaction of the one carried by ctx, so
// that a failed statement (a unique violation, say) can be rolled back
// without aborting the outer transaction.
func Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	outer := TxFromContext(ctx)
	if outer == nil {
		return fmt.Errorf("no database transaction in context")
	}
	sp, err := outer.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	return run(ctx, sp, fn)
}

func run(ctx context.Context, tx pgx.Tx, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// ConstraintName returns the violated constraint, or "" for other errors.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// IsRetryable reports serialization failures and deadlocks.
func IsRetryable(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}
