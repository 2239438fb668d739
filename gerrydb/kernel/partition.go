// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// The column-value table is list-partitioned by column id, and each column
// partition is list-partitioned by geography id. Bulk writes for disjoint
// columns therefore avoid lock contention, and partitions can be maintained
// individually. All creation statements are idempotent; operational pruning
// is out of scope.

// ColumnPartitionName returns the per-column partition name.
func ColumnPartitionName(colID int64) string {
	return fmt.Sprintf("column_values_%d", colID)
}

// GeoPartitionName returns the nested per-geography partition name.
func GeoPartitionName(colID, geoID int64) string {
	return fmt.Sprintf("column_values_%d_%d", colID, geoID)
}

// ensureColumnPartition creates the list partition of column_values for a
// column id, itself partitioned by geography id.
func ensureColumnPartition(ctx context.Context, tx pgx.Tx, colID int64) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS gerrydb.%s
		PARTITION OF gerrydb.column_values FOR VALUES IN (%d)
		PARTITION BY LIST (geo_id)
	`, ColumnPartitionName(colID), colID))
	return Error.Wrap(err)
}

// ensureGeoPartitions creates nested per-geography partitions under a column
// partition.
func ensureGeoPartitions(ctx context.Context, tx pgx.Tx, colID int64, geoIDs []int64) error {
	for _, geoID := range geoIDs {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS gerrydb.%s
			PARTITION OF gerrydb.%s FOR VALUES IN (%d)
		`, GeoPartitionName(colID, geoID), ColumnPartitionName(colID), geoID))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// ensurePartitionsForColumn creates a new column's partition plus nested
// partitions for every geography already in its namespace.
func ensurePartitionsForColumn(ctx context.Context, tx pgx.Tx, colID, namespaceID int64) error {
	if err := ensureColumnPartition(ctx, tx, colID); err != nil {
		return err
	}
	geoIDs, err := namespaceGeoIDs(ctx, tx, namespaceID)
	if err != nil {
		return err
	}
	return ensureGeoPartitions(ctx, tx, colID, geoIDs)
}

// ensurePartitionsForGeos creates nested partitions for new geographies
// under every existing column partition in their namespace.
func ensurePartitionsForGeos(ctx context.Context, tx pgx.Tx, namespaceID int64, geoIDs []int64) error {
	rows, err := tx.Query(ctx, `
		SELECT col_id FROM gerrydb.columns WHERE namespace_id = $1
	`, namespaceID)
	if err != nil {
		return Error.Wrap(err)
	}
	colIDs, err := collectIDs(rows)
	if err != nil {
		return err
	}
	for _, colID := range colIDs {
		if err := ensureColumnPartition(ctx, tx, colID); err != nil {
			return err
		}
		if err := ensureGeoPartitions(ctx, tx, colID, geoIDs); err != nil {
			return err
		}
	}
	return nil
}

func namespaceGeoIDs(ctx context.Context, tx pgx.Tx, namespaceID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT geo_id FROM gerrydb.geographies WHERE namespace_id = $1
	`, namespaceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectIDs(rows)
}

// PartitionExists reports whether a partition of column_values with the
// given name exists.
func (db *DB) PartitionExists(ctx context.Context, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var exists bool
	err = db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_tables WHERE schemaname = 'gerrydb' AND tablename = $1
		)
	`, name).Scan(&exists)
	return exists, Error.Wrap(err)
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, Error.Wrap(err)
		}
		out = append(out, id)
	}
	return out, Error.Wrap(rows.Err())
}
