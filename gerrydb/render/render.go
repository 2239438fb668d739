// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

// Package render materializes views into GeoPackage files. The heavy
// lifting is delegated to an external bulk extractor (ogr2ogr) which runs
// the kernel's render-plan SQL against the database; the coordinator then
// validates the result and injects sidecar metadata tables.
package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mggg/gerrydb/gerrydb/kernel"
)

var (
	mon = monkit.Package()

	// Error is the default render error class.
	Error = errs.Class("render")
)

// Config configures the render coordinator.
type Config struct {
	// ExtractorPath locates the ogr2ogr binary.
	ExtractorPath string
	// ExtractorDSN is the GDAL connection string handed to the extractor,
	// e.g. "PG:host=... dbname=...". It may carry read-only credentials.
	ExtractorDSN string
	// OutputDir holds rendered GeoPackage files.
	OutputDir string
}

// Coordinator renders views to GeoPackage files and caches the results.
type Coordinator struct {
	log    *zap.Logger
	db     *kernel.DB
	config Config
}

// NewCoordinator creates a render coordinator.
func NewCoordinator(log *zap.Logger, db *kernel.DB, config Config) *Coordinator {
	if config.ExtractorPath == "" {
		config.ExtractorPath = "ogr2ogr"
	}
	return &Coordinator{log: log, db: db, config: config}
}

// internalPointLayer names the point layer of a rendered view.
func internalPointLayer(viewPath string) string {
	return viewPath + "__internal_points"
}

// Render materializes a view. A previously succeeded render whose file
// still exists is reused; otherwise the extractor runs and the sidecar
// tables are injected into the fresh file.
func (c *Coordinator) Render(ctx context.Context, view kernel.View, createdBy int64) (_ kernel.ViewRender, err error) {
	defer mon.Task()(&ctx)(&err)

	if cached, err := c.db.LatestSucceededRender(ctx, view.ID); err != nil {
		return kernel.ViewRender{}, err
	} else if cached != nil {
		if _, statErr := os.Stat(cached.Path); statErr == nil {
			c.log.Debug("render cache hit",
				zap.Int64("view_id", view.ID),
				zap.Stringer("render_id", cached.ID))
			mon.Meter("render_cache_hit").Mark(1)
			return *cached, nil
		}
	}

	render, err := c.db.CreateViewRender(ctx, view.ID, createdBy)
	if err != nil {
		return kernel.ViewRender{}, err
	}

	path, err := c.render(ctx, view, render)
	if err != nil {
		if completeErr := c.db.CompleteViewRender(ctx, render.ID, kernel.RenderFailed, ""); completeErr != nil {
			c.log.Error("unable to mark render failed", zap.Error(completeErr))
		}
		return kernel.ViewRender{}, err
	}

	if err := c.db.CompleteViewRender(ctx, render.ID, kernel.RenderSucceeded, path); err != nil {
		return kernel.ViewRender{}, err
	}
	render.Status, render.Path = kernel.RenderSucceeded, path

	mon.Meter("render").Mark(1)
	return render, nil
}

func (c *Coordinator) render(ctx context.Context, view kernel.View, render kernel.ViewRender) (path string, err error) {
	plan, err := c.db.BuildRenderPlan(ctx, view)
	if err != nil {
		return "", err
	}

	proj, err := c.targetProjection(ctx, view)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.config.OutputDir, 0o755); err != nil {
		return "", Error.Wrap(err)
	}
	path = filepath.Join(c.config.OutputDir, fmt.Sprintf("%s.gpkg", render.ID))

	if err := c.extract(ctx, path, view.Path, plan.GeographyQuery, proj, false); err != nil {
		return "", err
	}
	if err := c.extract(ctx, path, internalPointLayer(view.Path), plan.InternalPointQuery, proj, true); err != nil {
		return "", err
	}

	if err := injectSidecars(ctx, path, plan); err != nil {
		return "", err
	}
	return path, nil
}

// targetProjection picks the output CRS: the view's own projection, then
// the locality default, then none (extractor passthrough).
func (c *Coordinator) targetProjection(ctx context.Context, view kernel.View) (*string, error) {
	if view.Proj != nil {
		return view.Proj, nil
	}
	loc, err := c.db.GetLocalityByID(ctx, view.LocID)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, kernel.ErrRender.New("view locality %d is gone", view.LocID)
	}
	return loc.DefaultProj, nil
}

// extract runs the bulk extractor for one layer. The second layer of a
// file is written with -update so the first is preserved.
func (c *Coordinator) extract(ctx context.Context, path, layer, query string, proj *string, update bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	args := []string{"-f", "GPKG", path, c.config.ExtractorDSN, "-sql", query, "-nln", layer}
	if update {
		args = append(args, "-update")
	}
	if proj != nil {
		args = append(args, "-t_srs", *proj)
	}

	cmd := exec.CommandContext(ctx, c.config.ExtractorPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		c.log.Error("extractor failed",
			zap.String("layer", layer),
			zap.ByteString("output", output),
			zap.Error(err))
		return kernel.ErrRender.New("extractor failed for layer %q: %v", layer, err)
	}
	return nil
}
