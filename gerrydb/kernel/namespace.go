// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package kernel

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/private/dbutil"
)

// DefaultNamespaceQuota is the per-user namespace creation limit applied when
// no explicit limit row exists.
const DefaultNamespaceQuota = 10

// Namespace is a permissioned container for namespaced entities.
type Namespace struct {
	ID          int64
	Path        string
	Description string
	Public      bool
	MetaID      int64
	CreatedAt   time.Time
}

// AuthNamespace converts to the auth package's namespace view.
func (ns Namespace) AuthNamespace() auth.Namespace {
	return auth.Namespace{ID: ns.ID, Public: ns.Public}
}

// CreateNamespace contains arguments for creating a namespace.
type CreateNamespace struct {
	Path        string
	Description string
	Public      bool
	MetaID      int64
	CreatedBy   int64
	// Unlimited bypasses the per-user quota; set for admins.
	Unlimited bool
}

// Verify verifies create namespace request fields.
func (opts *CreateNamespace) Verify() error {
	if err := ValidatePath(opts.Path); err != nil {
		return err
	}
	if err := ValidateSegmentCount(NormalizePath(opts.Path), 1, 1); err != nil {
		return err
	}
	if opts.MetaID == 0 {
		return ErrInvalidRequest.New("MetaID missing")
	}
	if opts.CreatedBy == 0 {
		return ErrInvalidRequest.New("CreatedBy missing")
	}
	return nil
}

// CreateNamespace creates a namespace, enforcing the per-user quota and
// bumping the namespaces ETag. Paths are lowercase-normalized and globally
// unique.
func (db *DB) CreateNamespace(ctx context.Context, opts CreateNamespace) (ns Namespace, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return Namespace{}, err
	}

	ns = Namespace{
		Path:        NormalizePath(opts.Path),
		Description: opts.Description,
		Public:      opts.Public,
		MetaID:      opts.MetaID,
	}

	err = db.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if !opts.Unlimited {
			if err := consumeNamespaceQuota(ctx, tx, opts.CreatedBy); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO gerrydb.namespaces (path, description, public, meta_id)
			VALUES ($1, $2, $3, $4)
			RETURNING namespace_id, created_at
		`, ns.Path, ns.Description, ns.Public, ns.MetaID).Scan(&ns.ID, &ns.CreatedAt)
		if dbutil.IsUniqueViolation(err) {
			return ErrCreateValue.New("namespace %q already exists", ns.Path)
		}
		if err != nil {
			return Error.New("unable to insert namespace: %w", err)
		}

		return bumpETag(ctx, tx, CollectionNamespaces, nil)
	})
	if err != nil {
		return Namespace{}, err
	}

	mon.Meter("namespace_create").Mark(1)
	return ns, nil
}

// consumeNamespaceQuota lazily creates the quota row and increments it,
// failing when the limit is reached. The row lock serializes concurrent
// creations by the same user.
func consumeNamespaceQuota(ctx context.Context, tx pgx.Tx, userID int64) error {
	var maxNamespaces *int
	var created int
	err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.namespace_limits (user_id, namespaces_created)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET namespaces_created = gerrydb.namespace_limits.namespaces_created
		RETURNING max_namespaces, namespaces_created
	`, userID).Scan(&maxNamespaces, &created)
	if err != nil {
		return Error.Wrap(err)
	}

	limit := DefaultNamespaceQuota
	if maxNamespaces != nil {
		limit = *maxNamespaces
	}
	if created >= limit {
		return ErrCreateValue.New("namespace quota exceeded: %d of %d used", created, limit)
	}

	_, err = tx.Exec(ctx, `
		UPDATE gerrydb.namespace_limits
		SET namespaces_created = namespaces_created + 1
		WHERE user_id = $1
	`, userID)
	return Error.Wrap(err)
}

// GetNamespace looks up a namespace by path. Returns nil when missing.
func (db *DB) GetNamespace(ctx context.Context, path string) (_ *Namespace, err error) {
	defer mon.Task()(&ctx)(&err)

	var ns Namespace
	err = db.pool.QueryRow(ctx, `
		SELECT namespace_id, path, description, public, meta_id, created_at
		FROM gerrydb.namespaces WHERE path = $1
	`, NormalizePath(path)).Scan(&ns.ID, &ns.Path, &ns.Description, &ns.Public, &ns.MetaID, &ns.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &ns, nil
}

// ListNamespaces returns the namespaces the given scope set can read.
func (db *DB) ListNamespaces(ctx context.Context, scopes *auth.ScopeSet) (_ []Namespace, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT namespace_id, path, description, public, meta_id, created_at
		FROM gerrydb.namespaces ORDER BY path
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var visible []Namespace
	for rows.Next() {
		var ns Namespace
		if err := rows.Scan(&ns.ID, &ns.Path, &ns.Description, &ns.Public, &ns.MetaID, &ns.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		if scopes.CanReadNamespace(ns.AuthNamespace()) {
			visible = append(visible, ns)
		}
	}
	return visible, Error.Wrap(rows.Err())
}
