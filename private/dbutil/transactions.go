// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package dbutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

const (
	txRetryLimit  = 10
	txRetryWindow = 5 * time.Minute
)

// WithTx runs fn inside a transaction on the pool. The transaction commits
// when fn returns nil and rolls back otherwise. Serialization failures are
// retried, so fn must be idempotent with respect to side effects outside the
// database.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()

	for i := 0; ; i++ {
		err := withTxOnce(ctx, pool, fn)
		if time.Since(start) < txRetryWindow && i < txRetryLimit {
			if code := ErrCode(err); code == pgerrcode.SerializationFailure || code == pgerrcode.DeadlockDetected {
				mon.Event(fmt.Sprintf("transaction_retry_%d", i+1))
				continue
			}
		}
		mon.IntVal("transaction_retries").Observe(int64(i))
		return err
	}
}

func withTxOnce(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context, pgx.Tx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err == nil {
			err = Error.Wrap(tx.Commit(ctx))
		} else {
			_ = tx.Rollback(ctx)
		}
	}()
	return fn(ctx, tx)
}

// ErrCode returns the SQLSTATE code of err, or the empty string.
func ErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return ErrCode(err) == pgerrcode.UniqueViolation
}

// IsNoRows reports whether err means the query matched no rows.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
