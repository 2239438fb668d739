// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/private/dbutil"
)

// TemplateMemberKind discriminates view template member references.
type TemplateMemberKind string

const (
	// TemplateMemberColumn references a single column by ref path.
	TemplateMemberColumn TemplateMemberKind = "column"
	// TemplateMemberColumnSet references a column set by path.
	TemplateMemberColumnSet TemplateMemberKind = "column_set"
)

// TemplateMember is one ordered member of a view template version.
// Namespace names the namespace holding the referenced column or set;
// empty means the template's own namespace.
type TemplateMember struct {
	Kind      TemplateMemberKind
	Namespace string
	Path      string
}

// ViewTemplate is a named, versioned list of columns and column sets. The
// member list is immutable per version; updates open a new version.
type ViewTemplate struct {
	ID          int64
	NamespaceID int64
	Path        string
	Description string
	MetaID      int64

	Version ViewTemplateVersion
	Members []TemplateMember
}

// ViewTemplateVersion is one validity interval of a template's member list.
type ViewTemplateVersion struct {
	ID         int64
	TemplateID int64
	MetaID     int64
	ValidFrom  time.Time
	ValidTo    *time.Time
}

// CreateViewTemplate contains arguments for creating a template with its
// initial version.
type CreateViewTemplate struct {
	NamespaceID int64
	Path        string
	Description string
	Members     []TemplateMember
	MetaID      int64
}

// Verify verifies create view template request fields.
func (opts *CreateViewTemplate) Verify() error {
	if opts.NamespaceID == 0 {
		return ErrInvalidRequest.New("NamespaceID missing")
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if len(opts.Members) == 0 {
		return ErrInvalidRequest.New("no members given")
	}
	for _, member := range opts.Members {
		if member.Kind != TemplateMemberColumn && member.Kind != TemplateMemberColumnSet {
			return ErrInvalidRequest.New("unknown template member kind %q", member.Kind)
		}
		if err := ValidatePath(member.Path); err != nil {
			return err
		}
	}
	return ValidatePath(opts.Path)
}

// CreateViewTemplate creates a template and opens its first version.
func (db *DB) CreateViewTemplate(ctx context.Context, opts CreateViewTemplate) (tmpl ViewTemplate, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return ViewTemplate{}, err
	}

	now := time.Now().UTC()
	tmpl = ViewTemplate{
		NamespaceID: opts.NamespaceID,
		Path:        NormalizePath(opts.Path),
		Description: opts.Description,
		MetaID:      opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tmpl.Members = nil

		err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.view_templates (namespace_id, path, description, meta_id)
			VALUES ($1, $2, $3, $4)
			RETURNING template_id
		`, tmpl.NamespaceID, tmpl.Path, tmpl.Description, tmpl.MetaID).Scan(&tmpl.ID)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("view template %q already exists in namespace", tmpl.Path)
		}
		if err != nil {
			return Error.New("unable to insert view template: %w", err)
		}

		version, members, err := openTemplateVersion(ctx, tx, tmpl.ID, opts.NamespaceID, opts.Members, opts.MetaID, now)
		if err != nil {
			return err
		}
		tmpl.Version, tmpl.Members = version, members
		return bumpETag(ctx, tx, CollectionViewTemplates, &opts.NamespaceID)
	})
	if err != nil {
		return ViewTemplate{}, err
	}

	mon.Meter("view_template_create").Mark(1)
	return tmpl, nil
}

// UpdateViewTemplate contains arguments for opening a new template version.
type UpdateViewTemplate struct {
	NamespaceID int64
	Path        string
	Members     []TemplateMember
	MetaID      int64
}

// Verify verifies update view template request fields.
func (opts *UpdateViewTemplate) Verify() error {
	create := CreateViewTemplate{
		NamespaceID: opts.NamespaceID,
		Path:        opts.Path,
		Members:     opts.Members,
		MetaID:      opts.MetaID,
	}
	return create.Verify()
}

// UpdateViewTemplate closes the template's open version and opens a new one
// with a fresh member list. Views pinned to prior versions are unaffected.
func (db *DB) UpdateViewTemplate(ctx context.Context, opts UpdateViewTemplate) (tmpl ViewTemplate, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return ViewTemplate{}, err
	}

	now := time.Now().UTC()

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT template_id, namespace_id, path, description, meta_id
			FROM gerrydb.view_templates
			WHERE namespace_id = $1 AND path = $2
			FOR UPDATE
		`, opts.NamespaceID, NormalizePath(opts.Path)).Scan(
			&tmpl.ID, &tmpl.NamespaceID, &tmpl.Path, &tmpl.Description, &tmpl.MetaID)
		if dbutil.IsNoRows(err) {
			return ErrNotFound.New("view template %q", opts.Path)
		}
		if err != nil {
			return Error.Wrap(err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE gerrydb.view_template_versions SET valid_to = $1
			WHERE template_id = $2 AND valid_to IS NULL
		`, now, tmpl.ID); err != nil {
			return Error.Wrap(err)
		}

		version, members, err := openTemplateVersion(ctx, tx, tmpl.ID, opts.NamespaceID, opts.Members, opts.MetaID, now)
		if err != nil {
			return err
		}
		tmpl.Version, tmpl.Members = version, members
		return bumpETag(ctx, tx, CollectionViewTemplates, &opts.NamespaceID)
	})
	if err != nil {
		return ViewTemplate{}, err
	}
	return tmpl, nil
}

// openTemplateVersion inserts a version row plus its ordered column and
// column-set members. Member refs resolve within the template's namespace.
func openTemplateVersion(
	ctx context.Context, tx pgx.Tx,
	templateID, namespaceID int64,
	members []TemplateMember, metaID int64, from time.Time,
) (version ViewTemplateVersion, resolved []TemplateMember, err error) {
	version = ViewTemplateVersion{TemplateID: templateID, MetaID: metaID, ValidFrom: from}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.view_template_versions (template_id, valid_from, meta_id)
		VALUES ($1, $2, $3)
		RETURNING template_version_id
	`, templateID, from, metaID).Scan(&version.ID); err != nil {
		return version, nil, Error.New("unable to insert template version: %w", err)
	}

	var missing []string
	batch := &pgx.Batch{}
	for order, member := range members {
		path := NormalizePath(member.Path)
		memberNS := namespaceID
		if member.Namespace != "" {
			var memberPublic bool
			err := tx.QueryRow(ctx, `
				SELECT namespace_id, public FROM gerrydb.namespaces WHERE path = $1
			`, NormalizePath(member.Namespace)).Scan(&memberNS, &memberPublic)
			if dbutil.IsNoRows(err) {
				missing = append(missing, member.Namespace+"/"+path)
				continue
			}
			if err != nil {
				return version, nil, Error.Wrap(err)
			}
			// cross-namespace members may only reach public namespaces;
			// a private foreign namespace is indistinguishable from a
			// missing one
			if memberNS != namespaceID && !memberPublic {
				missing = append(missing, member.Namespace+"/"+path)
				continue
			}
		}
		switch member.Kind {
		case TemplateMemberColumn:
			var refID int64
			err := tx.QueryRow(ctx, `
				SELECT ref_id FROM gerrydb.column_refs
				WHERE namespace_id = $1 AND path = $2 AND col_id IS NOT NULL
			`, memberNS, path).Scan(&refID)
			if dbutil.IsNoRows(err) {
				missing = append(missing, path)
				continue
			}
			if err != nil {
				return version, nil, Error.Wrap(err)
			}
			batch.Queue(`
				INSERT INTO gerrydb.view_template_column_members (template_version_id, ref_id, member_order)
				VALUES ($1, $2, $3)
			`, version.ID, refID, order)
		case TemplateMemberColumnSet:
			var setID int64
			err := tx.QueryRow(ctx, `
				SELECT set_id FROM gerrydb.column_sets
				WHERE namespace_id = $1 AND path = $2
			`, memberNS, path).Scan(&setID)
			if dbutil.IsNoRows(err) {
				missing = append(missing, path)
				continue
			}
			if err != nil {
				return version, nil, Error.Wrap(err)
			}
			batch.Queue(`
				INSERT INTO gerrydb.view_template_set_members (template_version_id, set_id, member_order)
				VALUES ($1, $2, $3)
			`, version.ID, setID, order)
		}
		resolved = append(resolved, TemplateMember{Kind: member.Kind, Namespace: member.Namespace, Path: path})
	}
	if len(missing) > 0 {
		return version, nil, ErrCreateValue.Wrap(&PathError{Reason: "template members not found", Paths: missing})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return version, nil, Error.Wrap(err)
	}
	return version, resolved, nil
}

// GetViewTemplate resolves a template and the version valid at the given
// time. Returns nil when the template is missing or has no version covering
// the instant.
func (db *DB) GetViewTemplate(ctx context.Context, namespaceID int64, path string, at time.Time) (_ *ViewTemplate, err error) {
	defer mon.Task()(&ctx)(&err)

	var tmpl ViewTemplate
	err = db.pool.QueryRow(ctx, `
		SELECT t.template_id, t.namespace_id, t.path, t.description, t.meta_id,
			v.template_version_id, v.meta_id, v.valid_from, v.valid_to
		FROM gerrydb.view_templates t
		JOIN gerrydb.view_template_versions v ON v.template_id = t.template_id
		WHERE t.namespace_id = $1 AND t.path = $2
			AND v.valid_from <= $3 AND (v.valid_to IS NULL OR v.valid_to > $3)
	`, namespaceID, NormalizePath(path), at).Scan(
		&tmpl.ID, &tmpl.NamespaceID, &tmpl.Path, &tmpl.Description, &tmpl.MetaID,
		&tmpl.Version.ID, &tmpl.Version.MetaID, &tmpl.Version.ValidFrom, &tmpl.Version.ValidTo)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	tmpl.Version.TemplateID = tmpl.ID

	tmpl.Members, err = db.templateMembers(ctx, tmpl.Version.ID)
	if err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// templateMembers returns the combined ordered member list of a version.
func (db *DB) templateMembers(ctx context.Context, versionID int64) (_ []TemplateMember, err error) {
	rows, err := db.pool.Query(ctx, `
		SELECT kind, namespace, path FROM (
			SELECT 'column' AS kind, n.path AS namespace, r.path, m.member_order
			FROM gerrydb.view_template_column_members m
			JOIN gerrydb.column_refs r ON r.ref_id = m.ref_id
			JOIN gerrydb.namespaces n ON n.namespace_id = r.namespace_id
			WHERE m.template_version_id = $1
			UNION ALL
			SELECT 'column_set' AS kind, n.path AS namespace, s.path, m.member_order
			FROM gerrydb.view_template_set_members m
			JOIN gerrydb.column_sets s ON s.set_id = m.set_id
			JOIN gerrydb.namespaces n ON n.namespace_id = s.namespace_id
			WHERE m.template_version_id = $1
		) members
		ORDER BY member_order
	`, versionID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var members []TemplateMember
	for rows.Next() {
		var kind, namespace, path string
		if err := rows.Scan(&kind, &namespace, &path); err != nil {
			return nil, Error.Wrap(err)
		}
		members = append(members, TemplateMember{
			Kind:      TemplateMemberKind(kind),
			Namespace: namespace,
			Path:      path,
		})
	}
	return members, Error.Wrap(rows.Err())
}
