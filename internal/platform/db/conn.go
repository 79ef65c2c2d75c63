package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

var ErrNoConn = errors.New("no database connection in context")

// WithConn acquires a pooled connection, makes it available to fn through
// the context and releases it on every exit path.
func WithConn(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return fn(context.WithValue(ctx, DBConnKey, conn))
}

// ConnMiddleware pins one pooled connection to each request so every query a
// handler issues runs on the same session.
func ConnMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			acquired := false
			err := WithConn(c.Request().Context(), pool, func(ctx context.Context) error {
				acquired = true
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("db", ConnFromContext(ctx))
				return next(c)
			})
			if !acquired {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return err
		}
	}
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// beginner is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RunInTx runs fn inside a transaction. An existing transaction in ctx is
// reused (pgx turns the nested Begin into a savepoint). Otherwise the request
// connection is used when present, falling back to the pool.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var src beginner
	switch {
	case TxFromContext(ctx) != nil:
		src = TxFromContext(ctx)
	case ConnFromContext(ctx) != nil:
		src = ConnFromContext(ctx)
	case pool != nil:
		src = pool
	default:
		return ErrNoConn
	}

	tx, err := src.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx), tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
