// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package kerneltest provides a harness and fixtures for tests that need a
// real kernel database. Tests are skipped unless GERRYDB_TEST_POSTGRES
// points at a database the suite may write to.
package kerneltest

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/wkb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

// PostgresEnv names the environment variable carrying the test connstring.
const PostgresEnv = "GERRYDB_TEST_POSTGRES"

// Run opens a migrated kernel database and calls fn with it. All rows are
// deleted before fn runs so tests start from an empty schema.
func Run(t *testing.T, fn func(ctx context.Context, t *testing.T, db *kernel.DB)) {
	connstr := os.Getenv(PostgresEnv)
	if connstr == "" {
		t.Skipf("%s not set, skipping", PostgresEnv)
	}

	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := kernel.Open(ctx, log, connstr, kernel.Config{
		ApplicationName: "gerrydb-test-" + t.Name(),
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	require.NoError(t, db.MigrateToLatest(ctx))
	require.NoError(t, db.TestingDeleteAll(ctx))

	fn(ctx, t, db)
}

var userSeq atomic.Int64

// CreateUserAndMeta inserts a user row and a meta record owned by it,
// returning both ids. Most kernel fixtures hang off these. Emails carry a
// sequence number so a test can create several users.
func CreateUserAndMeta(ctx context.Context, t *testing.T, db *kernel.DB) (userID, metaID int64) {
	err := db.Pool().QueryRow(ctx, `
		INSERT INTO gerrydb.users (email, name) VALUES ($1, $2) RETURNING user_id
	`, fmt.Sprintf("%s-%d@example.com", t.Name(), userSeq.Add(1)), t.Name()).Scan(&userID)
	require.NoError(t, err)

	meta, err := db.CreateMeta(ctx, kernel.CreateMeta{
		Notes:     "test fixture",
		CreatedBy: userID,
	})
	require.NoError(t, err)
	return userID, meta.ID
}

// CreateNamespace inserts a namespace for fixtures.
func CreateNamespace(ctx context.Context, t *testing.T, db *kernel.DB, path string, public bool, userID, metaID int64) kernel.Namespace {
	ns, err := db.CreateNamespace(ctx, kernel.CreateNamespace{
		Path:        path,
		Description: "test namespace",
		Public:      public,
		MetaID:      metaID,
		CreatedBy:   userID,
		Unlimited:   true,
	})
	require.NoError(t, err)
	return ns
}

// UnitSquare returns WKB for a unit square polygon offset by (dx, dy).
func UnitSquare(t *testing.T, dx, dy float64) []byte {
	encoded, err := wkb.EncodeBytes(geom.Polygon{{
		{dx, dy}, {dx + 1, dy}, {dx + 1, dy + 1}, {dx, dy + 1}, {dx, dy},
	}})
	require.NoError(t, err)
	return encoded
}

// Point returns WKB for a point.
func Point(t *testing.T, x, y float64) []byte {
	encoded, err := wkb.EncodeBytes(geom.Point{x, y})
	require.NoError(t, err)
	return encoded
}
