// Copyright (C) 2024 MGGG Redistricting Lab.
// See LICENSE for copying information.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mggg/gerrydb/gerrydb/auth"
	"github.com/mggg/gerrydb/gerrydb/kernel"
)

func TestErrorStatusMapping(t *testing.T) {
	server := &Server{log: zaptest.NewLogger(t)}

	cases := []struct {
		err    error
		status int
	}{
		{auth.ErrInvalidAPIKey.New("unknown key"), http.StatusUnauthorized},
		{kernel.ErrForbidden.New("missing scope"), http.StatusForbidden},
		{kernel.ErrNotFound.New("namespace %q", "census"), http.StatusNotFound},
		{kernel.ErrInvalidRequest.New("malformed body"), http.StatusBadRequest},
		{kernel.ErrViewConflict.New("incompatible geographies"), http.StatusConflict},
		{kernel.ErrCreateValue.New("missing members"), http.StatusUnprocessableEntity},
		{kernel.ErrBulkCreate.New("duplicate paths"), http.StatusUnprocessableEntity},
		{kernel.ErrBulkPatch.New("unknown paths"), http.StatusUnprocessableEntity},
		{kernel.ErrColumnValueType.New("type mismatch"), http.StatusUnprocessableEntity},
		{kernel.ErrRender.New("extractor failed"), http.StatusInternalServerError},
		{kernel.Error.New("connection lost"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
		server.respondError(rec, req, tc.err)
		require.Equal(t, tc.status, rec.Code, "error: %v", tc.err)

		var body errorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.NotEmpty(t, body.Detail)
	}
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	server := &Server{log: zaptest.NewLogger(t)}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
	server.respondError(rec, req, kernel.Error.New("dsn=postgres://secret@host"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "internal error", body.Detail)
	require.NotContains(t, rec.Body.String(), "secret")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/namespaces",
		strings.NewReader(`{"path": "census", "bogus": true}`))

	var body struct {
		Path string `json:"path"`
	}
	err := decodeJSON(req, &body)
	require.True(t, kernel.ErrInvalidRequest.Has(err))
}

func TestDecodeMsgpackRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/geographies/census",
		bytes.NewReader([]byte{0xc1}))

	var body geographiesRequest
	err := decodeMsgpack(req, &body)
	require.True(t, kernel.ErrInvalidRequest.Has(err))
}

func TestRequestContextRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
	require.Nil(t, requestUser(req))
	require.Nil(t, requestScopes(req))

	user := &auth.User{ID: 7, Email: "admin@example.com"}
	scopes := auth.NewScopeSet([]auth.Grant{{Scope: auth.ScopeAll}})
	ctx := req.Context()
	ctx = contextWithUser(ctx, user)
	ctx = contextWithScopes(ctx, scopes)
	req = req.WithContext(ctx)

	require.Equal(t, user, requestUser(req))
	require.True(t, requestScopes(req).HasGlobal(auth.ScopeAll))
}
