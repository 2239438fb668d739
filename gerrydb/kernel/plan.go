// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// DefaultPlanQuota limits plans per (namespace, layer, locality).
const DefaultPlanQuota = 100

// Plan assigns district labels to the geographies of a GeoSetVersion.
type Plan struct {
	ID           int64
	NamespaceID  int64
	Path         string
	SetVersionID int64
	NumDistricts int
	Complete     bool
	Description  string
	SourceURL    *string
	MetaID       int64
	CreatedAt    time.Time
	// Assignments maps geography path to district label.
	Assignments map[string]string
}

// CreatePlan contains arguments for creating a plan.
type CreatePlan struct {
	NamespaceID  int64
	Path         string
	SetVersionID int64
	Assignments  map[string]string
	Description  string
	SourceURL    *string
	MetaID       int64
}

// Verify verifies create plan request fields.
func (opts *CreatePlan) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.SetVersionID == 0 {
		return ErrInvalidRequest.New("SetVersionID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Assignments) == 0 {
		return ErrInvalidRequest.New("no assignments given")
	}
	for path := range opts.Assignments {
		if err := ValidatePath(path); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreatePlan creates a plan over a GeoSetVersion. Every assigned geography
// must be a member of the set; num_districts is the count of distinct
// labels and complete means every member is assigned.
func (db *DB) CreatePlan(ctx context.Context, opts CreatePlan) (plan Plan, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Plan{}, err
	}

	plan = Plan{
		NamespaceID:  opts.NamespaceID,
		Path:         NormalizePath(opts.Path),
		SetVersionID: opts.SetVersionID,
		Description:  opts.Description,
		SourceURL:    opts.SourceURL,
		MetaID:       opts.MetaID,
		Assignments:  make(map[string]string, len(opts.Assignments)),
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var count int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM gerrydb.plans p
			JOIN gerrydb.geo_set_versions s ON s.set_version_id = p.set_version_id
			WHERE p.namespace_id = $1
				AND (s.layer_id, s.loc_id) = (
					SELECT layer_id, loc_id FROM gerrydb.geo_set_versions WHERE set_version_id = $2
				)
		`, opts.NamespaceID, opts.SetVersionID).Scan(&count)
		if err != nil {
			return Error.Wrap(err)
		}
		if count >= DefaultPlanQuota {
			return ErrCreateValue.New("plan quota exceeded: %d of %d used", count, DefaultPlanQuota)
		}

		// resolve set members by path
		memberIDs := make(map[string]int64)
		rows, err := tx.Query(ctx, `
			SELECT g.path, g.geo_id
			FROM gerrydb.geo_set_members m
			JOIN gerrydb.geographies g ON g.geo_id = m.geo_id
			WHERE m.set_version_id = $1
		`, opts.SetVersionID)
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
				memberIDs[path] = id
			}
			err = Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		var extra []string
		labels := make(map[string]bool)
		assignedIDs := make(map[int64]string, len(opts.Assignments))
		for path, label := range opts.Assignments {
			normalized := NormalizeGeoPath(path)
			id, ok := memberIDs[normalized]
			if !ok {
				extra = append(extra, normalized)
				continue
			}
			assignedIDs[id] = label
			labels[label] = true
			plan.Assignments[normalized] = label
		}
		if len(extra) > 0 {
			return ErrCreateValue.Wrap(&PathError{
				Reason: "assigned geographies are not members of the geo set",
				Paths:  extra,
			})
		}

		plan.NumDistricts = len(labels)
		plan.Complete = len(assignedIDs) == len(memberIDs)

		err = tx.QueryRow(ctx, `
			INSERT INTO gerrydb.plans
				(namespace_id, path, set_version_id, num_districts, complete, description, source_url, meta_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING plan_id, created_at
		`, plan.NamespaceID, plan.Path, plan.SetVersionID, plan.NumDistricts, plan.Complete,
			plan.Description, plan.SourceURL, plan.MetaID).Scan(&plan.ID, &plan.CreatedAt)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("plan %q already exists in namespace", plan.Path)
		}
		if err != nil {
			return Error.New("unable to insert plan: %w", err)
		}

		batch := &pgx.Batch{}
		for id, label := range assignedIDs {
			batch.Queue(`
				INSERT INTO gerrydb.plan_assignments (plan_id, geo_id, assignment)
				VALUES ($1, $2, $3)
			`, plan.ID, id, label)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return Error.Wrap(err)
		}

		return bumpETag(ctx, tx, CollectionPlans, &opts.NamespaceID)
	})
	if err != nil {
		return Plan{}, err
	}

	mon.Meter("plan_create").Mark(1)
	return plan, nil
}

// GetPlan looks up a plan with its assignments. Returns nil when missing.
func (db *DB) GetPlan(ctx context.Context, namespaceID int64, path string) (_ *Plan, err error) {
	defer mon.Task()(&ctx)(&err)

	var plan Plan
	err = db.pool.QueryRow(ctx, `
		SELECT plan_id, namespace_id, path, set_version_id, num_districts, complete,
			description, source_url, meta_id, created_at
		FROM gerrydb.plans
		WHERE namespace_id = $1 AND path = $2
	`, namespaceID, NormalizePath(path)).Scan(
		&plan.ID, &plan.NamespaceID, &plan.Path, &plan.SetVersionID,
		&plan.NumDistricts, &plan.Complete, &plan.Description, &plan.SourceURL,
		&plan.MetaID, &plan.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	plan.Assignments = make(map[string]string)
	rows, err := db.pool.Query(ctx, `
		SELECT g.path, a.assignment
		FROM gerrydb.plan_assignments a
		JOIN gerrydb.geographies g ON g.geo_id = a.geo_id
		WHERE a.plan_id = $1
	`, plan.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()
	for rows.Next() {
		var geoPath, label string
		if err := rows.Scan(&geoPath, &label); err != nil {
			return nil, Error.Wrap(err)
		}
		plan.Assignments[geoPath] = label
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return &plan, nil
}
