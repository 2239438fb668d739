// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/private/dbutil"
)

var mon = monkit.Package()

// Config is the kernel database configuration.
type Config struct {
	ApplicationName string
	MaxConns        int32
}

// DB provides access to the kernel's relational storage. All coordination
// rides on the database; DB holds no cross-request mutable state.
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool

	testCleanup func() error
}

// Open opens a connection pool to the kernel database.
func Open(ctx context.Context, log *zap.Logger, connstr string, config Config) (*DB, error) {
	if config.ApplicationName == "" {
		config.ApplicationName = "gerrydb"
	}
	pool, err := dbutil.OpenPool(ctx, connstr, dbutil.Config{
		ApplicationName: config.ApplicationName,
		MaxConns:        config.MaxConns,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	log.Debug("connected", zap.String("application_name", config.ApplicationName))

	return &DB{
		log:         log,
		pool:        pool,
		testCleanup: func() error { return nil },
	}, nil
}

// Pool exposes the underlying pool for collaborating packages.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping checks whether the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.pool.Ping(ctx))
}

// TestingSetCleanup sets the callback for cleaning up a test database.
func (db *DB) TestingSetCleanup(cleanup func() error) {
	db.testCleanup = cleanup
}

// Close closes the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return errs.Wrap(db.testCleanup())
}

// withTx runs fn in a transaction with retry-on-serialization-failure.
func (db *DB) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return dbutil.WithTx(ctx, db.pool, fn)
}

// TestingDeleteAll removes all rows from every kernel table. Only for tests.
func (db *DB) TestingDeleteAll(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	// break the ref <-> entity back-reference cycles first
	for _, query := range []string{
		`UPDATE gerrydb.locality_refs SET loc_id = NULL`,
		`UPDATE gerrydb.column_refs SET col_id = NULL`,
	} {
		if _, err := db.pool.Exec(ctx, query); err != nil {
			return Error.Wrap(err)
		}
	}

	for _, table := range []string{
		"view_renders", "view_geo_set_versions", "views",
		"view_template_set_members", "view_template_column_members",
		"view_template_versions", "view_templates",
		"graph_edges", "graphs", "plan_assignments", "plans",
		"column_values", "column_set_members", "column_sets",
		"columns", "column_refs",
		"geo_set_members", "geo_set_versions",
		"geo_versions", "geo_bins", "geographies", "geo_imports", "geo_layers",
		"localities", "locality_refs",
		"etags", "namespace_limits", "scopes", "namespaces",
		"user_group_members", "user_groups", "api_keys", "meta", "users",
	} {
		if _, err := db.pool.Exec(ctx, `DELETE FROM gerrydb.`+table); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
