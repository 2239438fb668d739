// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package migrate implements versioned schema migrations.
package migrate

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/private/dbutil"
)

var (
	// Error is the default error class for migrations.
	Error = errs.Class("migrate")
	// ErrValidateVersionMismatch is when the recorded database version does not
	// match any migration step.
	ErrValidateVersionMismatch = errs.Class("migrate version mismatch")
)

// Migration describes a sequence of schema steps applied to a database.
type Migration struct {
	// Table is the name of the table tracking the applied version.
	Table string
	Steps []*Step
}

// Step describes a single migration step.
type Step struct {
	Description string
	Version     int // versions start at 0
	Action      Action
}

// Action is something that needs to be done inside a migration transaction.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx pgx.Tx) error
}

// SQL performs a series of statements in a single step.
type SQL []string

// Run implements Action.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, tx pgx.Tx) error {
	for _, query := range sql {
		if _, err := tx.Exec(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func runs an arbitrary function in a single step.
type Func func(ctx context.Context, log *zap.Logger, tx pgx.Tx) error

// Run implements Action.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx pgx.Tx) error {
	return fn(ctx, log, tx)
}

// Run applies all unapplied steps in order, each in its own transaction.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, pool *pgxpool.Pool) error {
	if migration.Table == "" {
		return Error.New("migration table not set")
	}
	if err := migration.ensureVersionTable(ctx, pool); err != nil {
		return err
	}

	current, err := migration.currentVersion(ctx, pool)
	if err != nil {
		return err
	}

	last := -1
	for _, step := range migration.Steps {
		if step.Version <= last {
			return Error.New("steps have non-increasing versions: %d after %d", step.Version, last)
		}
		last = step.Version

		if step.Version <= current {
			continue
		}

		stepLog := log.With(zap.Int("version", step.Version), zap.String("description", step.Description))
		stepLog.Info("applying migration step")

		err := dbutil.WithTx(ctx, pool, func(ctx context.Context, tx pgx.Tx) error {
			if err := step.Action.Run(ctx, stepLog, tx); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO `+migration.Table+` (version, commit_ts) VALUES ($1, now())`,
				step.Version)
			return Error.Wrap(err)
		})
		if err != nil {
			return err
		}
	}

	if current > last {
		return ErrValidateVersionMismatch.New("database version %d is newer than the latest step %d", current, last)
	}
	return nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version int NOT NULL,
			commit_ts timestamptz NOT NULL
		)`)
	return Error.Wrap(err)
}

func (migration *Migration) currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version *int
	err := pool.QueryRow(ctx, `SELECT max(version) FROM `+migration.Table).Scan(&version)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if version == nil {
		return -1, nil
	}
	return *version, nil
}
