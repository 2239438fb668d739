// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package auth

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mggg/gerrydb/private/dbutil"
)

// PostgresDB implements DB over a pgx pool.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB wraps a pool as an auth database.
func NewPostgresDB(pool *pgxpool.Pool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

// Users implements DB.
func (db *PostgresDB) Users() Users { return &users{pool: db.pool} }

// APIKeys implements DB.
func (db *PostgresDB) APIKeys() APIKeys { return &apiKeys{pool: db.pool} }

// Groups implements DB.
func (db *PostgresDB) Groups() Groups { return &groups{pool: db.pool} }

// Grants implements DB.
func (db *PostgresDB) Grants() Grants { return &grants{pool: db.pool} }

type users struct {
	pool *pgxpool.Pool
}

func (db *users) Insert(ctx context.Context, email, name string) (*User, error) {
	user := &User{Email: email, Name: name}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.users (email, name)
		VALUES (lower($1), $2)
		RETURNING user_id, email, created_at
	`, email, name).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if dbutil.IsUniqueViolation(err) {
		return nil, ErrUserExists.New("%s", email)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

func (db *users) Get(ctx context.Context, id int64) (*User, error) {
	return scanUser(db.pool.QueryRow(ctx, `
		SELECT user_id, email, name, created_at FROM gerrydb.users WHERE user_id = $1
	`, id))
}

func (db *users) GetByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(db.pool.QueryRow(ctx, `
		SELECT user_id, email, name, created_at FROM gerrydb.users WHERE email = lower($1)
	`, email))
}

func (db *users) Count(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx, `SELECT count(*) FROM gerrydb.users`).Scan(&count)
	return count, Error.Wrap(err)
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &user, nil
}

type apiKeys struct {
	pool *pgxpool.Pool
}

func (db *apiKeys) Insert(ctx context.Context, digest []byte, userID int64) (*APIKey, error) {
	key := &APIKey{Digest: digest, UserID: userID, Active: true}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.api_keys (key_hash, user_id)
		VALUES ($1, $2)
		RETURNING created_at
	`, digest, userID).Scan(&key.CreatedAt)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}

func (db *apiKeys) GetByDigest(ctx context.Context, digest []byte) (*APIKey, *User, error) {
	var key APIKey
	var user User
	err := db.pool.QueryRow(ctx, `
		SELECT k.key_hash, k.user_id, k.created_at, k.active,
			u.user_id, u.email, u.name, u.created_at
		FROM gerrydb.api_keys k
		JOIN gerrydb.users u ON u.user_id = k.user_id
		WHERE k.key_hash = $1
	`, digest).Scan(
		&key.Digest, &key.UserID, &key.CreatedAt, &key.Active,
		&user.ID, &user.Email, &user.Name, &user.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return &key, &user, nil
}

func (db *apiKeys) Deactivate(ctx context.Context, digest []byte) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE gerrydb.api_keys SET active = false WHERE key_hash = $1
	`, digest)
	if err != nil {
		return Error.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidAPIKey.New("unknown key")
	}
	return nil
}

type groups struct {
	pool *pgxpool.Pool
}

func (db *groups) Insert(ctx context.Context, name, description string, metaID int64) (*Group, error) {
	group := &Group{Name: name, Description: description, MetaID: metaID}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.user_groups (name, description, meta_id)
		VALUES ($1, $2, $3)
		RETURNING group_id, created_at
	`, name, description, nullID(metaID)).Scan(&group.ID, &group.CreatedAt)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return group, nil
}

func (db *groups) GetByName(ctx context.Context, name string) (*Group, error) {
	var group Group
	var metaID *int64
	err := db.pool.QueryRow(ctx, `
		SELECT group_id, name, description, meta_id, created_at
		FROM gerrydb.user_groups WHERE name = $1
	`, name).Scan(&group.ID, &group.Name, &group.Description, &metaID, &group.CreatedAt)
	if dbutil.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if metaID != nil {
		group.MetaID = *metaID
	}
	return &group, nil
}

func (db *groups) AddMember(ctx context.Context, groupID, userID, metaID int64) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO gerrydb.user_group_members (group_id, user_id, meta_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, groupID, userID, nullID(metaID))
	return Error.Wrap(err)
}

type grants struct {
	pool *pgxpool.Pool
}

func (db *grants) GrantUser(ctx context.Context, userID int64, list []Grant, metaID int64) error {
	return db.insert(ctx, &userID, nil, list, metaID)
}

func (db *grants) GrantGroup(ctx context.Context, groupID int64, list []Grant, metaID int64) error {
	return db.insert(ctx, nil, &groupID, list, metaID)
}

func (db *grants) insert(ctx context.Context, userID, groupID *int64, list []Grant, metaID int64) error {
	batch := &pgx.Batch{}
	for _, grant := range list {
		batch.Queue(`
			INSERT INTO gerrydb.scopes (user_id, group_id, scope, namespace_group, namespace_id, meta_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING
		`, userID, groupID, string(grant.Scope), grant.NamespaceGroup, grant.NamespaceID, nullID(metaID))
	}
	return Error.Wrap(db.pool.SendBatch(ctx, batch).Close())
}

func (db *grants) ScopesFor(ctx context.Context, userID int64) (*ScopeSet, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT scope, namespace_group, namespace_id
		FROM gerrydb.scopes
		WHERE user_id = $1
			OR group_id IN (
				SELECT group_id FROM gerrydb.user_group_members WHERE user_id = $1
			)
	`, userID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var list []Grant
	for rows.Next() {
		var grant Grant
		var scope string
		var group *string
		if err := rows.Scan(&scope, &group, &grant.NamespaceID); err != nil {
			return nil, Error.Wrap(err)
		}
		grant.Scope = Scope(scope)
		if group != nil {
			g := NamespaceGroup(*group)
			grant.NamespaceGroup = &g
		}
		list = append(list, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return NewScopeSet(list), nil
}

func (db *grants) UserHasNamespaceGrant(ctx context.Context, userID, namespaceID int64) (bool, error) {
	var has bool
	err := db.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM gerrydb.scopes
			WHERE user_id = $1 AND namespace_id = $2
		)
	`, userID, namespaceID).Scan(&has)
	return has, Error.Wrap(err)
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
