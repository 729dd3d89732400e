package core

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Execer is the subset of *sql.Tx (and *sql.DB, for pragma-only callers)
// the engine packages need. Handing out this narrow interface instead of
// *sql.Tx keeps engine code from reaching past the serialized handle.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithHandle serializes fn behind the core's single backing connection,
// running it inside a transaction (database/sql's default BeginTx, a deferred
// BEGIN) with SQLITE_BUSY retry — the
// same shape as the teacher's beginImmediateWithRetry
// (internal/storage/sqlite/queries.go), generalized from issue-table writes
// to every typed-engine operation. op is used purely for telemetry/log
// labeling.
//
// fn's transaction is committed if fn returns nil, rolled back otherwise.
// Nested WithHandle calls are not supported: fn must not call back into
// WithHandle on the same Core.
func (c *Core) WithHandle(ctx context.Context, op string, fn func(ctx context.Context, tx Execer) error) error {
	return c.tel.withHandleSpan(ctx, op, func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 2 * time.Millisecond
		bo.MaxInterval = 50 * time.Millisecond
		bo.MaxElapsedTime = 5 * time.Second

		return backoff.Retry(func() error {
			tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
			if err != nil {
				if isBusy(err) {
					return err // retried
				}
				return backoff.Permanent(wrapDBError(op, err))
			}

			if err := fn(ctx, tx); err != nil {
				_ = tx.Rollback()
				if isBusy(err) {
					return err
				}
				return backoff.Permanent(wrapIfUntagged(op, err))
			}

			if err := tx.Commit(); err != nil {
				if isBusy(err) {
					return err
				}
				return backoff.Permanent(wrapDBError(op, err))
			}
			return nil
		}, bo)
	})
}

// wrapIfUntagged applies wrapDBError to err unless it's already one of the
// engine's own tagged *Error values — a call-site semantic error like
// core.ErrNoSuchKey should reach the caller unchanged, not get a second
// "op: " label wrapped around it. Only errors that escape fn un-tagged (a
// bare driver/stdlib error) get wrapDBError's treatment.
func wrapIfUntagged(op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return wrapDBError(op, err)
}

// isBusy reports whether err is SQLite's "database is busy/locked" signal,
// the one condition WithHandle's retry loop should absorb instead of
// surfacing to the caller. Matched by message rather than by asserting a
// concrete driver error type, so it keeps working regardless of which
// sqlite driver wraps the condition.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
