// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha512"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// RawKeyLength is the length of a raw API key.
const RawKeyLength = 64

const keyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Service wraps the auth database with credential and bootstrap logic.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB
}

// NewService constructs an auth service.
func NewService(log *zap.Logger, db DB) *Service {
	return &Service{log: log, db: db}
}

// ValidRawKey reports whether raw is a well-formed API key: exactly 64
// lowercase characters from [0-9a-z].
func ValidRawKey(raw string) bool {
	if len(raw) != RawKeyLength {
		return false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// DigestKey returns the SHA-512 digest under which a raw key is stored.
func DigestKey(raw string) []byte {
	sum := sha512.Sum512([]byte(raw))
	return sum[:]
}

// Authenticate resolves a raw API key to its owning user. Malformed,
// unknown, and inactive keys all fail with ErrInvalidAPIKey.
func (service *Service) Authenticate(ctx context.Context, raw string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	if !ValidRawKey(raw) {
		return nil, ErrInvalidAPIKey.New("malformed key")
	}
	key, user, err := service.db.APIKeys().GetByDigest(ctx, DigestKey(raw))
	if err != nil {
		return nil, err
	}
	if key == nil || user == nil {
		return nil, ErrInvalidAPIKey.New("unknown key")
	}
	if !key.Active {
		return nil, ErrInvalidAPIKey.New("key deactivated")
	}
	return user, nil
}

// CreateUser registers a user and grants the given bundle. The first user
// ever created is implicitly an admin regardless of the requested bundle.
func (service *Service) CreateUser(ctx context.Context, email, name string, grants []Grant) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := service.db.Users().Count(ctx)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		grants = AdminBundle()
	}

	user, err := service.db.Users().Insert(ctx, email, name)
	if err != nil {
		return nil, err
	}
	if len(grants) > 0 {
		if err := service.db.Grants().GrantUser(ctx, user.ID, grants, 0); err != nil {
			return nil, err
		}
	}

	service.log.Info("created user",
		zap.Int64("user_id", user.ID),
		zap.String("email", user.Email),
		zap.Bool("first_user", count == 0))
	return user, nil
}

// randomKey draws RawKeyLength characters uniformly from keyAlphabet.
// Bytes outside the largest multiple of the alphabet size are rejected so
// the modulo introduces no bias.
func randomKey() (string, error) {
	limit := 256 - 256%len(keyAlphabet)
	key := make([]byte, 0, RawKeyLength)
	buf := make([]byte, RawKeyLength)
	for len(key) < RawKeyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", Error.Wrap(err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			key = append(key, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(key) == RawKeyLength {
				break
			}
		}
	}
	return string(key), nil
}

// CreateAPIKey mints a raw key for the user, stores its digest, and returns
// the raw key. The raw key is never persisted.
func (service *Service) CreateAPIKey(ctx context.Context, userID int64) (raw string, err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err = randomKey()
	if err != nil {
		return "", err
	}

	if _, err := service.db.APIKeys().Insert(ctx, DigestKey(raw), userID); err != nil {
		return "", err
	}
	return raw, nil
}

// ScopesFor resolves a user's effective scope set.
func (service *Service) ScopesFor(ctx context.Context, userID int64) (_ *ScopeSet, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Grants().ScopesFor(ctx, userID)
}

// EnsureNamespaceOwner grants the owner bundle on a namespace to its creator
// unless the creator already holds a namespace-level grant on it.
func (service *Service) EnsureNamespaceOwner(ctx context.Context, userID, namespaceID, metaID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	has, err := service.db.Grants().UserHasNamespaceGrant(ctx, userID, namespaceID)
	if err != nil || has {
		return err
	}
	return service.db.Grants().GrantUser(ctx, userID, NamespaceOwnerBundle(namespaceID), metaID)
}
