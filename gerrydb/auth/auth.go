// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package auth

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the auth package.
	Error = errs.Class("auth")
	// ErrInvalidAPIKey is returned for malformed, unknown, or inactive keys.
	ErrInvalidAPIKey = errs.Class("invalid api key")
	// ErrUserExists is returned when creating a user with a taken email.
	ErrUserExists = errs.Class("user already exists")
)

// User is an account that can own API keys and metadata.
type User struct {
	ID        int64
	Email     string
	Name      string
	CreatedAt time.Time
}

// APIKey is a credential stored only as its SHA-512 digest.
type APIKey struct {
	Digest    []byte
	UserID    int64
	CreatedAt time.Time
	Active    bool
}

// Group is a named collection of users sharing grants.
type Group struct {
	ID          int64
	Name        string
	Description string
	MetaID      int64
	CreatedAt   time.Time
}

// Users exposes methods to manage the user table.
//
// architecture: Database
type Users interface {
	// Insert adds a user; the email must be unused.
	Insert(ctx context.Context, email, name string) (*User, error)
	// Get queries a user by id.
	Get(ctx context.Context, id int64) (*User, error)
	// GetByEmail queries a user by email.
	GetByEmail(ctx context.Context, email string) (*User, error)
	// Count returns the total number of users.
	Count(ctx context.Context) (int64, error)
}

// APIKeys exposes methods to manage API keys.
//
// architecture: Database
type APIKeys interface {
	// Insert stores a key digest for a user.
	Insert(ctx context.Context, digest []byte, userID int64) (*APIKey, error)
	// GetByDigest looks up a key and its owner by digest.
	GetByDigest(ctx context.Context, digest []byte) (*APIKey, *User, error)
	// Deactivate marks a key inactive.
	Deactivate(ctx context.Context, digest []byte) error
}

// Groups exposes methods to manage user groups and memberships.
//
// architecture: Database
type Groups interface {
	// Insert adds a group.
	Insert(ctx context.Context, name, description string, metaID int64) (*Group, error)
	// GetByName queries a group by name.
	GetByName(ctx context.Context, name string) (*Group, error)
	// AddMember adds a user to a group.
	AddMember(ctx context.Context, groupID, userID, metaID int64) error
}

// Grants exposes methods to manage scope grants.
//
// architecture: Database
type Grants interface {
	// GrantUser attaches grants directly to a user.
	GrantUser(ctx context.Context, userID int64, grants []Grant, metaID int64) error
	// GrantGroup attaches grants to a group.
	GrantGroup(ctx context.Context, groupID int64, grants []Grant, metaID int64) error
	// ScopesFor resolves a user's effective scope set, including grants
	// inherited through group membership.
	ScopesFor(ctx context.Context, userID int64) (*ScopeSet, error)
	// UserHasNamespaceGrant reports whether the user holds any direct
	// namespace-id grant on the given namespace.
	UserHasNamespaceGrant(ctx context.Context, userID, namespaceID int64) (bool, error)
}

// DB bundles the auth tables.
//
// architecture: Master Database
type DB interface {
	Users() Users
	APIKeys() APIKeys
	Groups() Groups
	Grants() Grants
}
