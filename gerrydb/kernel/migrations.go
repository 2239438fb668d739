// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"

	"github.com/mggg/gerrydb/private/migrate"
)

// MigrateToLatest applies all pending schema migrations.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().Run(ctx, db.log.Named("migrate"), db.pool)
}

// Migration returns the kernel schema migration.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "gerrydb_versions",
		Steps: []*migrate.Step{
			{
				Description: "initial schema",
				Version:     0,
				Action: migrate.SQL{
					`CREATE SCHEMA IF NOT EXISTS gerrydb`,

					`CREATE TABLE gerrydb.users (
						user_id bigserial PRIMARY KEY,
						email text NOT NULL UNIQUE,
						name text NOT NULL,
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE gerrydb.api_keys (
						key_hash bytea PRIMARY KEY,
						user_id bigint NOT NULL REFERENCES gerrydb.users (user_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						active boolean NOT NULL DEFAULT true
					)`,
					`CREATE TABLE gerrydb.meta (
						meta_id bigserial PRIMARY KEY,
						uuid uuid NOT NULL UNIQUE,
						notes text NOT NULL DEFAULT '',
						created_at timestamptz NOT NULL DEFAULT now(),
						created_by bigint NOT NULL REFERENCES gerrydb.users (user_id)
					)`,
					`CREATE TABLE gerrydb.user_groups (
						group_id bigserial PRIMARY KEY,
						name text NOT NULL UNIQUE,
						description text NOT NULL DEFAULT '',
						meta_id bigint REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE gerrydb.user_group_members (
						group_id bigint NOT NULL REFERENCES gerrydb.user_groups (group_id),
						user_id bigint NOT NULL REFERENCES gerrydb.users (user_id),
						meta_id bigint REFERENCES gerrydb.meta (meta_id),
						PRIMARY KEY (group_id, user_id)
					)`,

					`CREATE TABLE gerrydb.namespaces (
						namespace_id bigserial PRIMARY KEY,
						path text NOT NULL UNIQUE,
						description text NOT NULL DEFAULT '',
						public boolean NOT NULL,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now()
					)`,
					`CREATE TABLE gerrydb.namespace_limits (
						user_id bigint PRIMARY KEY REFERENCES gerrydb.users (user_id),
						max_namespaces int,
						namespaces_created int NOT NULL DEFAULT 0
					)`,
					`CREATE TABLE gerrydb.scopes (
						scope_id bigserial PRIMARY KEY,
						user_id bigint REFERENCES gerrydb.users (user_id),
						group_id bigint REFERENCES gerrydb.user_groups (group_id),
						scope text NOT NULL,
						namespace_group text,
						namespace_id bigint REFERENCES gerrydb.namespaces (namespace_id),
						meta_id bigint REFERENCES gerrydb.meta (meta_id),
						CHECK ((user_id IS NULL) != (group_id IS NULL)),
						CHECK (namespace_group IS NULL OR namespace_id IS NULL),
						CHECK (namespace_group IN ('public', 'private', 'all'))
					)`,
					`CREATE UNIQUE INDEX scopes_subject_scope_target ON gerrydb.scopes (
						coalesce(user_id, 0), coalesce(group_id, 0), scope,
						coalesce(namespace_group, ''), coalesce(namespace_id, 0)
					)`,

					`CREATE TABLE gerrydb.locality_refs (
						ref_id bigserial PRIMARY KEY,
						path text NOT NULL UNIQUE,
						loc_id bigint,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id)
					)`,
					`CREATE TABLE gerrydb.localities (
						loc_id bigserial PRIMARY KEY,
						canonical_ref_id bigint NOT NULL UNIQUE REFERENCES gerrydb.locality_refs (ref_id),
						parent_id bigint REFERENCES gerrydb.localities (loc_id),
						name text NOT NULL,
						default_proj text,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id)
					)`,
					`ALTER TABLE gerrydb.locality_refs
						ADD CONSTRAINT locality_refs_loc_id_fkey
						FOREIGN KEY (loc_id) REFERENCES gerrydb.localities (loc_id)`,

					`CREATE TABLE gerrydb.geo_layers (
						layer_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						description text NOT NULL DEFAULT '',
						source_url text,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.geo_imports (
						import_id bigserial PRIMARY KEY,
						uuid uuid NOT NULL UNIQUE,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						created_by bigint NOT NULL REFERENCES gerrydb.users (user_id),
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id)
					)`,
					`CREATE TABLE gerrydb.geographies (
						geo_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.geo_bins (
						geo_bin_id bigserial PRIMARY KEY,
						geometry_hash bytea NOT NULL UNIQUE,
						geography bytea NOT NULL,
						internal_point bytea
					)`,
					`CREATE TABLE gerrydb.geo_versions (
						geo_id bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						geo_bin_id bigint NOT NULL REFERENCES gerrydb.geo_bins (geo_bin_id),
						import_id bigint REFERENCES gerrydb.geo_imports (import_id),
						valid_from timestamptz NOT NULL,
						valid_to timestamptz,
						PRIMARY KEY (geo_id, valid_from)
					)`,
					`CREATE UNIQUE INDEX geo_versions_current ON gerrydb.geo_versions (geo_id)
						WHERE valid_to IS NULL`,

					`CREATE TABLE gerrydb.geo_set_versions (
						set_version_id bigserial PRIMARY KEY,
						layer_id bigint NOT NULL REFERENCES gerrydb.geo_layers (layer_id),
						loc_id bigint NOT NULL REFERENCES gerrydb.localities (loc_id),
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						valid_from timestamptz NOT NULL,
						valid_to timestamptz
					)`,
					`CREATE UNIQUE INDEX geo_set_versions_current ON gerrydb.geo_set_versions (layer_id, loc_id)
						WHERE valid_to IS NULL`,
					`CREATE TABLE gerrydb.geo_set_members (
						set_version_id bigint NOT NULL REFERENCES gerrydb.geo_set_versions (set_version_id),
						geo_id bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						member_order int NOT NULL,
						PRIMARY KEY (set_version_id, geo_id)
					)`,

					`CREATE TABLE gerrydb.column_refs (
						ref_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						col_id bigint,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.columns (
						col_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						canonical_ref_id bigint NOT NULL UNIQUE REFERENCES gerrydb.column_refs (ref_id),
						description text NOT NULL DEFAULT '',
						source_url text,
						kind text NOT NULL,
						type text NOT NULL,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id)
					)`,
					`ALTER TABLE gerrydb.column_refs
						ADD CONSTRAINT column_refs_col_id_fkey
						FOREIGN KEY (col_id) REFERENCES gerrydb.columns (col_id)`,

					`CREATE TABLE gerrydb.column_values (
						col_id bigint NOT NULL REFERENCES gerrydb.columns (col_id),
						geo_id bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						valid_from timestamptz NOT NULL,
						valid_to timestamptz,
						val_float double precision,
						val_int bigint,
						val_str text,
						val_bool boolean,
						PRIMARY KEY (col_id, geo_id, valid_from)
					) PARTITION BY LIST (col_id)`,

					`CREATE TABLE gerrydb.column_sets (
						set_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						description text NOT NULL DEFAULT '',
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.column_set_members (
						set_id bigint NOT NULL REFERENCES gerrydb.column_sets (set_id),
						ref_id bigint NOT NULL REFERENCES gerrydb.column_refs (ref_id),
						member_order int NOT NULL,
						PRIMARY KEY (set_id, ref_id)
					)`,

					`CREATE TABLE gerrydb.plans (
						plan_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						set_version_id bigint NOT NULL REFERENCES gerrydb.geo_set_versions (set_version_id),
						num_districts int NOT NULL,
						complete boolean NOT NULL,
						description text NOT NULL DEFAULT '',
						source_url text,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.plan_assignments (
						plan_id bigint NOT NULL REFERENCES gerrydb.plans (plan_id),
						geo_id bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						assignment text NOT NULL,
						PRIMARY KEY (plan_id, geo_id)
					)`,

					`CREATE TABLE gerrydb.graphs (
						graph_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						set_version_id bigint NOT NULL REFERENCES gerrydb.geo_set_versions (set_version_id),
						description text NOT NULL DEFAULT '',
						source_url text,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.graph_edges (
						graph_id bigint NOT NULL REFERENCES gerrydb.graphs (graph_id),
						geo_id_1 bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						geo_id_2 bigint NOT NULL REFERENCES gerrydb.geographies (geo_id),
						weights jsonb,
						PRIMARY KEY (graph_id, geo_id_1, geo_id_2),
						CHECK (geo_id_1 < geo_id_2)
					)`,

					`CREATE TABLE gerrydb.view_templates (
						template_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						description text NOT NULL DEFAULT '',
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.view_template_versions (
						template_version_id bigserial PRIMARY KEY,
						template_id bigint NOT NULL REFERENCES gerrydb.view_templates (template_id),
						valid_from timestamptz NOT NULL,
						valid_to timestamptz,
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id)
					)`,
					`CREATE UNIQUE INDEX view_template_versions_current
						ON gerrydb.view_template_versions (template_id) WHERE valid_to IS NULL`,
					`CREATE TABLE gerrydb.view_template_column_members (
						template_version_id bigint NOT NULL REFERENCES gerrydb.view_template_versions (template_version_id),
						ref_id bigint NOT NULL REFERENCES gerrydb.column_refs (ref_id),
						member_order int NOT NULL,
						PRIMARY KEY (template_version_id, member_order)
					)`,
					`CREATE TABLE gerrydb.view_template_set_members (
						template_version_id bigint NOT NULL REFERENCES gerrydb.view_template_versions (template_version_id),
						set_id bigint NOT NULL REFERENCES gerrydb.column_sets (set_id),
						member_order int NOT NULL,
						PRIMARY KEY (template_version_id, member_order)
					)`,

					`CREATE TABLE gerrydb.views (
						view_id bigserial PRIMARY KEY,
						namespace_id bigint NOT NULL REFERENCES gerrydb.namespaces (namespace_id),
						path text NOT NULL,
						template_version_id bigint NOT NULL REFERENCES gerrydb.view_template_versions (template_version_id),
						loc_id bigint NOT NULL REFERENCES gerrydb.localities (loc_id),
						layer_id bigint NOT NULL REFERENCES gerrydb.geo_layers (layer_id),
						graph_id bigint REFERENCES gerrydb.graphs (graph_id),
						valid_at timestamptz NOT NULL,
						proj text,
						num_geos int NOT NULL,
						set_version_id bigint NOT NULL REFERENCES gerrydb.geo_set_versions (set_version_id),
						meta_id bigint NOT NULL REFERENCES gerrydb.meta (meta_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						UNIQUE (namespace_id, path)
					)`,
					`CREATE TABLE gerrydb.view_geo_set_versions (
						view_id bigint NOT NULL REFERENCES gerrydb.views (view_id),
						set_version_id bigint NOT NULL REFERENCES gerrydb.geo_set_versions (set_version_id),
						PRIMARY KEY (view_id, set_version_id)
					)`,
					`CREATE TABLE gerrydb.view_renders (
						render_id uuid PRIMARY KEY,
						view_id bigint NOT NULL REFERENCES gerrydb.views (view_id),
						created_by bigint NOT NULL REFERENCES gerrydb.users (user_id),
						created_at timestamptz NOT NULL DEFAULT now(),
						status text NOT NULL,
						path text NOT NULL DEFAULT ''
					)`,

					`CREATE TABLE gerrydb.etags (
						collection text NOT NULL,
						namespace_id bigint REFERENCES gerrydb.namespaces (namespace_id),
						etag uuid NOT NULL
					)`,
					`CREATE UNIQUE INDEX etags_collection_namespace
						ON gerrydb.etags (collection, coalesce(namespace_id, 0))`,
				},
			},
		},
	}
}
