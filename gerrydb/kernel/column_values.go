// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// ColumnValue is a bitemporal typed value for a (column, geography).
// Exactly one of the typed slots matching the column's declared type is
// populated.
type ColumnValue struct {
	ColID     int64
	GeoID     int64
	MetaID    int64
	ValidFrom time.Time
	ValidTo   *time.Time

	Float *float64
	Int   *int64
	Str   *string
	Bool  *bool
}

// equalSlots compares the populated typed slots of two values.
func (v ColumnValue) equalSlots(other ColumnValue) bool {
	switch {
	case (v.Float == nil) != (other.Float == nil),
		(v.Int == nil) != (other.Int == nil),
		(v.Str == nil) != (other.Str == nil),
		(v.Bool == nil) != (other.Bool == nil):
		return false
	}
	if v.Float != nil && *v.Float != *other.Float {
		return false
	}
	if v.Int != nil && *v.Int != *other.Int {
		return false
	}
	if v.Str != nil && *v.Str != *other.Str {
		return false
	}
	if v.Bool != nil && *v.Bool != *other.Bool {
		return false
	}
	return true
}

// SetColumnValue is one (geography, value) pair in a batch write. Value is
// any JSON scalar; it is type-checked against the column's declared type.
type SetColumnValue struct {
	GeoPath string
	Value   any
}

// SetColumnValues contains arguments for a batch value write.
type SetColumnValues struct {
	ColumnID    int64
	ColumnType  ColumnType
	NamespaceID int64
	Values      []SetColumnValue
	MetaID      int64
}

// Verify verifies batch write fields, type-checks every value, and rejects
// duplicate geographies. All type errors across the batch are collected and
// reported together.
func (opts *SetColumnValues) Verify() error {
	if opts.ColumnID == 0 {
		return ErrInvalidRequest.New("ColumnID missing")
	}
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Values) == 0 {
		return ErrInvalidRequest.New("no values given")
	}

	var typeErrs TypeErrors
	seen := make(map[string]bool, len(opts.Values))
	var duplicate []string
	for _, val := range opts.Values {
		if err := ValidatePath(val.GeoPath); err != nil {
			return err
		}
		path := NormalizeGeoPath(val.GeoPath)
		if seen[path] {
			duplicate = append(duplicate, path)
		}
		seen[path] = true
		if _, err := coerceValue(opts.ColumnType, val.Value); err != nil {
			typeErrs = append(typeErrs, TypeError{Path: path, Reason: err.Error()})
		}
	}
	if len(duplicate) > 0 {
		return ErrCreateValue.Wrap(&PathError{Reason: "duplicate geographies in batch", Paths: duplicate})
	}
	if len(typeErrs) > 0 {
		return ErrColumnValueType.Wrap(typeErrs)
	}
	return nil
}

// coerceValue checks a wire value against the column type and fills the
// matching typed slot. int is silently promoted to float for float columns.
func coerceValue(typ ColumnType, value any) (ColumnValue, error) {
	var out ColumnValue
	switch typ {
	case ColumnTypeFloat:
		switch v := value.(type) {
		case float64:
			out.Float = &v
		case float32:
			f := float64(v)
			out.Float = &f
		case int:
			f := float64(v)
			out.Float = &f
		case int64:
			f := float64(v)
			out.Float = &f
		default:
			return out, Error.New("expected float, got %T", value)
		}
	case ColumnTypeInt:
		switch v := value.(type) {
		case int:
			i := int64(v)
			out.Int = &i
		case int64:
			out.Int = &v
		case uint64:
			i := int64(v)
			out.Int = &i
		case float64:
			// JSON numbers decode to float64; accept integral values
			i := int64(v)
			if float64(i) != v {
				return out, Error.New("expected int, got non-integral %v", v)
			}
			out.Int = &i
		default:
			return out, Error.New("expected int, got %T", value)
		}
	case ColumnTypeStr:
		v, ok := value.(string)
		if !ok {
			return out, Error.New("expected str, got %T", value)
		}
		out.Str = &v
	case ColumnTypeBool:
		v, ok := value.(bool)
		if !ok {
			return out, Error.New("expected bool, got %T", value)
		}
		out.Bool = &v
	case ColumnTypeJSON:
		return out, Error.New("json columns do not support batch writes")
	default:
		return out, Error.New("unknown column type %q", typ)
	}
	return out, nil
}

// SetColumnValues writes a batch of values bitemporally: unchanged values
// produce zero writes, changed values close the prior open row and insert a
// new one, and history is preserved. At most one open value exists per
// (column, geography).
func (db *DB) SetColumnValues(ctx context.Context, opts SetColumnValues) (inserted int, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		inserted = 0

		paths := make([]string, len(opts.Values))
		for i, val := range opts.Values {
			paths[i] = NormalizeGeoPath(val.GeoPath)
		}

		geoIDs := make(map[string]int64, len(paths))
		rows, err := tx.Query(ctx, `
			SELECT path, geo_id FROM gerrydb.geographies
			WHERE namespace_id = $1 AND path = ANY($2)
		`, opts.NamespaceID, paths)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var path string
				var id int64
				if scanErr := rows.Scan(&path, &id); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				geoIDs[path] = id
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		var missing []string
		batchIDs := make([]int64, 0, len(paths))
		for _, path := range paths {
			id, ok := geoIDs[path]
			if !ok {
				missing = append(missing, path)
				continue
			}
			batchIDs = append(batchIDs, id)
		}
		if len(missing) > 0 {
			return ErrCreateValue.Wrap(&PathError{Reason: "geographies not found", Paths: missing})
		}

		if err := ensureColumnPartition(ctx, tx, opts.ColumnID); err != nil {
			return err
		}
		if err := ensureGeoPartitions(ctx, tx, opts.ColumnID, batchIDs); err != nil {
			return err
		}

		// load the currently-open rows so unchanged values write nothing
		open := make(map[int64]ColumnValue, len(batchIDs))
		openRows, err := tx.Query(ctx, `
			SELECT geo_id, valid_from, val_float, val_int, val_str, val_bool
			FROM gerrydb.column_values
			WHERE col_id = $1 AND geo_id = ANY($2) AND valid_to IS NULL
		`, opts.ColumnID, batchIDs)
		if err != nil {
			return Error.Wrap(err)
		}
		func() {
			defer openRows.Close()
			for openRows.Next() {
				var val ColumnValue
				if scanErr := openRows.Scan(&val.GeoID, &val.ValidFrom, &val.Float, &val.Int, &val.Str, &val.Bool); scanErr != nil {
					err = Error.Wrap(scanErr)
					return
				}
				open[val.GeoID] = val
			}
			err = Error.Wrap(openRows.Err())
		}()
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, setVal := range opts.Values {
			geoID := geoIDs[paths[i]]
			val, err := coerceValue(opts.ColumnType, setVal.Value)
			if err != nil {
				return ErrColumnValueType.Wrap(TypeErrors{{Path: paths[i], Reason: err.Error()}})
			}

			if prior, ok := open[geoID]; ok {
				if prior.equalSlots(val) {
					continue
				}
				// close only the prior row whose value actually changed
				batch.Queue(`
					UPDATE gerrydb.column_values SET valid_to = $1
					WHERE col_id = $2 AND geo_id = $3 AND valid_from = $4
				`, now, opts.ColumnID, geoID, prior.ValidFrom)
			}

			batch.Queue(`
				INSERT INTO gerrydb.column_values
					(col_id, geo_id, meta_id, valid_from, val_float, val_int, val_str, val_bool)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, opts.ColumnID, geoID, opts.MetaID, now, val.Float, val.Int, val.Str, val.Bool)
			inserted++
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionColumns, &opts.NamespaceID)
	})
	if err != nil {
		return 0, err
	}

	mon.IntVal("column_values_inserted").Observe(int64(inserted))
	return inserted, nil
}

// OpenColumnValues returns the open value rows for a column across a set of
// geographies.
func (db *DB) OpenColumnValues(ctx context.Context, colID int64, geoIDs []int64) (_ []ColumnValue, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT col_id, geo_id, meta_id, valid_from, valid_to, val_float, val_int, val_str, val_bool
		FROM gerrydb.column_values
		WHERE col_id = $1 AND geo_id = ANY($2) AND valid_to IS NULL
	`, colID, geoIDs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var vals []ColumnValue
	for rows.Next() {
		var val ColumnValue
		if err := rows.Scan(&val.ColID, &val.GeoID, &val.MetaID, &val.ValidFrom, &val.ValidTo,
			&val.Float, &val.Int, &val.Str, &val.Bool); err != nil {
			return nil, Error.Wrap(err)
		}
		vals = append(vals, val)
	}
	return vals, Error.Wrap(rows.Err())
}
