// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
	"github.com/mggg/gerrydb/gerrydb/kernel/kerneltest"
)

func TestRequireMetaOwnership(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		server := &Server{log: zaptest.NewLogger(t), db: db}

		ownerID, _ := kerneltest.CreateUserAndMeta(ctx, t, db)
		otherID, _ := kerneltest.CreateUserAndMeta(ctx, t, db)

		meta, err := db.CreateMeta(ctx, kernel.CreateMeta{
			Notes:     "owned by the first user",
			CreatedBy: ownerID,
		})
		require.NoError(t, err)

		newReq := func(userID int64) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/namespaces", nil)
			req.Header.Set(headerMetaID, meta.UUID.String())
			return req.WithContext(contextWithUser(req.Context(), &auth.User{ID: userID}))
		}

		got, err := server.requireMeta(newReq(ownerID))
		require.NoError(t, err)
		require.Equal(t, meta.ID, got.ID)

		// writes cannot be attributed to another user's meta
		_, err = server.requireMeta(newReq(otherID))
		require.True(t, kernel.ErrForbidden.Has(err))
	})
}

func TestGetMetaScope(t *testing.T) {
	kerneltest.Run(t, func(ctx context.Context, t *testing.T, db *kernel.DB) {
		server := &Server{log: zaptest.NewLogger(t), db: db}

		ownerID, _ := kerneltest.CreateUserAndMeta(ctx, t, db)
		otherID, _ := kerneltest.CreateUserAndMeta(ctx, t, db)

		meta, err := db.CreateMeta(ctx, kernel.CreateMeta{
			Notes:     "owned by the first user",
			CreatedBy: ownerID,
		})
		require.NoError(t, err)

		get := func(userID int64, scopes *auth.ScopeSet) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/meta/"+meta.UUID.String(), nil)
			reqCtx := contextWithUser(req.Context(), &auth.User{ID: userID})
			reqCtx = contextWithScopes(reqCtx, scopes)
			req = mux.SetURLVars(req.WithContext(reqCtx), map[string]string{
				"uuid": meta.UUID.String(),
			})
			rec := httptest.NewRecorder()
			server.getMeta(rec, req)
			return rec
		}

		none := auth.NewScopeSet(nil)
		reader := auth.NewScopeSet([]auth.Grant{{Scope: auth.ScopeMetaRead}})

		// your own meta is always visible
		require.Equal(t, http.StatusOK, get(ownerID, none).Code)
		// someone else's requires meta:read
		require.Equal(t, http.StatusForbidden, get(otherID, none).Code)
		require.Equal(t, http.StatusOK, get(otherID, reader).Code)
	})
}
