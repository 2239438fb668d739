// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mggg/gerrydb/private/dbutil"
)

// RenderStatus tracks the lifecycle of a view render.
type RenderStatus string

// All render statuses.
const (
	RenderPending   RenderStatus = "pending"
	RenderSucceeded RenderStatus = "succeeded"
	RenderFailed    RenderStatus = "failed"
)

// ViewRender is one materialization of a view into an output file.
type ViewRender struct {
	ID        uuid.UUID
	ViewID    int64
	CreatedBy int64
	CreatedAt time.Time
	Status    RenderStatus
	// Path locates the rendered file when Status is succeeded.
	Path string
}

// CreateViewRender registers a pending render for a view.
func (db *DB) CreateViewRender(ctx context.Context, viewID, createdBy int64) (render ViewRender, err error) {
	defer mon.Task()(&ctx)(&err)

	render = ViewRender{
		ID:        uuid.New(),
		ViewID:    viewID,
		CreatedBy: createdBy,
		Status:    RenderPending,
	}
	err = db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.view_renders (render_id, view_id, created_by, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, render.ID, render.ViewID, render.CreatedBy, string(render.Status)).Scan(&render.CreatedAt)
	if err != nil {
		return ViewRender{}, Error.New("unable to insert view render: %w", err)
	}
	return render, nil
}

// CompleteViewRender marks a render succeeded or failed; the path is kept
// only on success.
func (db *DB) CompleteViewRender(ctx context.Context, renderID uuid.UUID, status RenderStatus, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if status != RenderSucceeded {
		path = ""
	}
	tag, err := db.pool.Exec(ctx, `
		UPDATE gerrydb.view_renders SET status = $2, path = $3 WHERE render_id = $1
	`, renderID, string(status), path)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound.New("render %s", renderID)
	}
	return nil
}

// LatestSucceededRender returns the most recent successful render of a view
// for cache reuse. Returns nil when the view has never rendered.
func (db *DB) LatestSucceededRender(ctx context.Context, viewID int64) (_ *ViewRender, err error) {
	defer mon.Task()(&ctx)(&err)

	var render ViewRender
	var status string
	err = db.pool.QueryRow(ctx, `
		SELECT render_id, view_id, created_by, created_at, status, path
		FROM gerrydb.view_renders
		WHERE view_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, viewID, string(RenderSucceeded)).Scan(
		&render.ID, &render.ViewID, &render.CreatedBy, &render.CreatedAt, &status, &render.Path)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	render.Status = RenderStatus(status)
	return &render, nil
}
