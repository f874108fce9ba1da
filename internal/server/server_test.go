// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden-dev/keywarden/internal/metric"
	"github.com/keywarden-dev/keywarden/internal/server"
	"github.com/keywarden-dev/keywarden/internal/vault"
	_ "github.com/keywarden-dev/keywarden/internal/vault/file"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// Wire mirror types for decoding responses in tests. A single bundle shape
// covers secret and deleted-secret payloads.

type attrsJSON struct {
	Enabled   *bool  `json:"enabled"`
	NotBefore *int64 `json:"nbf"`
	Expires   *int64 `json:"exp"`
	Created   int64  `json:"created"`
	Updated   int64  `json:"updated"`
}

type bundleJSON struct {
	ID          string            `json:"id"`
	Value       string            `json:"value"`
	ContentType string            `json:"contentType"`
	Attributes  attrsJSON         `json:"attributes"`
	Tags        map[string]string `json:"tags"`
	RecoveryID  string            `json:"recoveryId"`
	DeletedDate int64             `json:"deletedDate"`
}

type listJSON struct {
	Value    []bundleJSON `json:"value"`
	NextLink string       `json:"nextLink"`
}

type errJSON struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *vault.Store {
	t.Helper()
	st := vault.NewStore(vault.StoreOptions{
		Storage: vault.Options{
			Backend:          "file",
			Path:             filepath.Join(t.TempDir(), "keywarden.json"),
			AutosaveInterval: 50 * time.Millisecond,
			Logger:           testLogger(),
		},
		Logger: testLogger(),
	})
	require.NoError(t, st.Open())
	t.Cleanup(func() {
		if st.State() == vault.StateInitialized {
			_ = st.Close()
		}
	})
	return st
}

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
	}, newTestStore(t), nil, testLogger())
	require.NoError(t, err)
	return srv
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	buf, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(buf)
}

func do(t *testing.T, srv *server.Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), "body: %s", w.Body.String())
}

// versionFromID pulls the version segment out of a bundle id URL.
func versionFromID(t *testing.T, id string) string {
	t.Helper()
	u, err := url.Parse(id)
	require.NoError(t, err)
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	require.Len(t, parts, 3, "id path should be /secrets/{name}/{version}, got %s", u.Path)
	return parts[2]
}

func putSecret(t *testing.T, srv *server.Server, name string, body map[string]any) bundleJSON {
	t.Helper()
	w := do(t, srv, http.MethodPut, "/secrets/"+name, jsonBody(t, body))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var b bundleJSON
	decodeInto(t, w, &b)
	return b
}

func TestServer_New_RequiresListenAddr(t *testing.T) {
	_, err := server.New(server.Config{}, newTestStore(t), nil, testLogger())
	require.Error(t, err)
	assert.True(t, wardenerr.HasCode(err, wardenerr.CodeServerStartFailure))
	assert.Contains(t, err.Error(), "listen address is required")
}

func TestServer_New_RequiresStore(t *testing.T) {
	_, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, nil, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault store is required")
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), "initialized")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := metric.NewRegistry()
	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
	}, newTestStore(t), reg, testLogger())
	require.NoError(t, err)

	w := do(t, srv, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_MetricsEndpoint_AbsentWithoutRegistry(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetSecret_RoundTrip(t *testing.T) {
	srv := newTestServer(t)

	b := putSecret(t, srv, "db-password", map[string]any{
		"value":       "hunter2",
		"contentType": "text/plain",
		"tags":        map[string]string{"env": "dev"},
	})

	assert.Equal(t, "hunter2", b.Value)
	assert.Equal(t, "text/plain", b.ContentType)
	assert.Equal(t, map[string]string{"env": "dev"}, b.Tags)
	assert.True(t, strings.HasPrefix(b.ID, "http://example.com/secrets/db-password/"), "id: %s", b.ID)
	require.NotNil(t, b.Attributes.Enabled)
	assert.True(t, *b.Attributes.Enabled)
	assert.InDelta(t, time.Now().Unix(), b.Attributes.Created, 5)

	w := do(t, srv, http.MethodGet, "/secrets/db-password", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got bundleJSON
	decodeInto(t, w, &got)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "hunter2", got.Value)

	// The same version is addressable by id.
	w = do(t, srv, http.MethodGet, "/secrets/db-password/"+versionFromID(t, b.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeInto(t, w, &got)
	assert.Equal(t, b.ID, got.ID)
}

func TestSetSecret_AttributesFromRequest(t *testing.T) {
	srv := newTestServer(t)

	nbf := int64(1700000000)
	exp := int64(1800000000)
	b := putSecret(t, srv, "token", map[string]any{
		"value": "abc",
		"attributes": map[string]any{
			"enabled": false,
			"nbf":     nbf,
			"exp":     exp,
		},
	})

	require.NotNil(t, b.Attributes.Enabled)
	assert.False(t, *b.Attributes.Enabled)
	require.NotNil(t, b.Attributes.NotBefore)
	assert.Equal(t, nbf, *b.Attributes.NotBefore)
	require.NotNil(t, b.Attributes.Expires)
	assert.Equal(t, exp, *b.Attributes.Expires)
}

func TestSetSecret_NewVersionPerPut(t *testing.T) {
	srv := newTestServer(t)

	first := putSecret(t, srv, "rotating", map[string]any{"value": "v1"})
	second := putSecret(t, srv, "rotating", map[string]any{"value": "v2"})

	assert.NotEqual(t, first.ID, second.ID)

	// A bare read returns the latest version.
	w := do(t, srv, http.MethodGet, "/secrets/rotating", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got bundleJSON
	decodeInto(t, w, &got)
	assert.Equal(t, "v2", got.Value)

	// The first version is still reachable by id.
	w = do(t, srv, http.MethodGet, "/secrets/rotating/"+versionFromID(t, first.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeInto(t, w, &got)
	assert.Equal(t, "v1", got.Value)
}

func TestSetSecret_InvalidName(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/secrets/bad_name", jsonBody(t, map[string]any{"value": "x"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultInvalidInput), e.Error.Code)
	assert.NotEmpty(t, e.Error.Message)
}

func TestSetSecret_MalformedBody(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPut, "/secrets/db-password", strings.NewReader("{not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeServerRequestInvalid), e.Error.Code)
}

func TestGetSecret_NotFound(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/secrets/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultSecretGetNotFound), e.Error.Code)
}

func TestUpdateSecret_OmitsValue(t *testing.T) {
	srv := newTestServer(t)
	putSecret(t, srv, "db-password", map[string]any{
		"value": "hunter2",
		"tags":  map[string]string{"env": "dev"},
	})

	w := do(t, srv, http.MethodPatch, "/secrets/db-password", jsonBody(t, map[string]any{
		"tags": map[string]string{"rotated": "true"},
	}))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var raw map[string]any
	decodeInto(t, w, &raw)
	_, hasValue := raw["value"]
	assert.False(t, hasValue, "update response must not carry the secret value")

	var b bundleJSON
	decodeInto(t, w, &b)
	assert.Equal(t, map[string]string{"rotated": "true"}, b.Tags)

	// The stored value is untouched.
	w = do(t, srv, http.MethodGet, "/secrets/db-password", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got bundleJSON
	decodeInto(t, w, &got)
	assert.Equal(t, "hunter2", got.Value)
	assert.Equal(t, map[string]string{"rotated": "true"}, got.Tags)
}

func TestUpdateSecret_ByVersion(t *testing.T) {
	srv := newTestServer(t)
	first := putSecret(t, srv, "rotating", map[string]any{"value": "v1"})
	putSecret(t, srv, "rotating", map[string]any{"value": "v2"})

	firstID := versionFromID(t, first.ID)
	w := do(t, srv, http.MethodPatch, "/secrets/rotating/"+firstID, jsonBody(t, map[string]any{
		"attributes": map[string]any{"enabled": false},
	}))
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var b bundleJSON
	decodeInto(t, w, &b)
	assert.Equal(t, first.ID, b.ID)
	require.NotNil(t, b.Attributes.Enabled)
	assert.False(t, *b.Attributes.Enabled)

	// The latest version keeps its own attributes.
	w = do(t, srv, http.MethodGet, "/secrets/rotating", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var latest bundleJSON
	decodeInto(t, w, &latest)
	require.NotNil(t, latest.Attributes.Enabled)
	assert.True(t, *latest.Attributes.Enabled)
}

func TestUpdateSecret_NotFound(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodPatch, "/secrets/ghost", jsonBody(t, map[string]any{
		"tags": map[string]string{"a": "b"},
	}))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultSecretUpdateNotFound), e.Error.Code)
}

func TestDeleteSecret_Flow(t *testing.T) {
	srv := newTestServer(t)
	latest := putSecret(t, srv, "doomed", map[string]any{"value": "bye"})

	w := do(t, srv, http.MethodDelete, "/secrets/doomed", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var deleted bundleJSON
	decodeInto(t, w, &deleted)
	assert.Equal(t, latest.ID, deleted.ID)
	assert.NotEmpty(t, deleted.RecoveryID)
	assert.InDelta(t, time.Now().Unix(), deleted.DeletedDate, 5)

	// Reads of the active secret now miss.
	w = do(t, srv, http.MethodGet, "/secrets/doomed", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The tombstone is visible through the deleted view.
	w = do(t, srv, http.MethodGet, "/deletedsecrets/doomed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got bundleJSON
	decodeInto(t, w, &got)
	assert.Equal(t, deleted.RecoveryID, got.RecoveryID)

	// The name stays reserved.
	w = do(t, srv, http.MethodPut, "/secrets/doomed", jsonBody(t, map[string]any{"value": "again"}))
	assert.Equal(t, http.StatusConflict, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultSecretSetConflict), e.Error.Code)
}

func TestDeleteSecret_NotFound(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodDelete, "/secrets/ghost", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultSecretDeleteNotFound), e.Error.Code)
}

func TestListSecrets_Empty(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/secrets", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var page listJSON
	decodeInto(t, w, &page)
	assert.Empty(t, page.Value)
	assert.Empty(t, page.NextLink)
	assert.Contains(t, w.Body.String(), `"value":[]`)
}

func TestListSecrets_PaginationAndNextLink(t *testing.T) {
	srv := newTestServer(t)
	putSecret(t, srv, "charlie", map[string]any{"value": "3"})
	putSecret(t, srv, "alpha", map[string]any{"value": "1"})
	putSecret(t, srv, "bravo", map[string]any{"value": "2"})

	w := do(t, srv, http.MethodGet, "/secrets?maxresults=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page listJSON
	decodeInto(t, w, &page)

	require.Len(t, page.Value, 2)
	assert.Contains(t, page.Value[0].ID, "/secrets/alpha/")
	assert.Contains(t, page.Value[1].ID, "/secrets/bravo/")
	for _, item := range page.Value {
		assert.Empty(t, item.Value, "listings must not carry secret values")
	}

	require.NotEmpty(t, page.NextLink)
	u, err := url.Parse(page.NextLink)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "/secrets", u.Path)
	assert.Equal(t, "bravo", u.Query().Get("marker"))
	assert.Equal(t, "2", u.Query().Get("maxresults"))

	// Following the link yields the rest and ends the walk.
	w = do(t, srv, http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = listJSON{}
	decodeInto(t, w, &page)
	require.Len(t, page.Value, 1)
	assert.Contains(t, page.Value[0].ID, "/secrets/charlie/")
	assert.Empty(t, page.NextLink)
}

func TestListSecrets_InvalidMaxResults(t *testing.T) {
	srv := newTestServer(t)

	for _, raw := range []string{"abc", "0", "-3"} {
		w := do(t, srv, http.MethodGet, "/secrets?maxresults="+raw, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "maxresults=%s", raw)
		var e errJSON
		decodeInto(t, w, &e)
		assert.Equal(t, string(wardenerr.CodeServerRequestInvalid), e.Error.Code)
	}
}

func TestListSecretVersions_Walk(t *testing.T) {
	srv := newTestServer(t)
	var ids []string
	for _, v := range []string{"v1", "v2", "v3"} {
		b := putSecret(t, srv, "rotating", map[string]any{"value": v})
		ids = append(ids, versionFromID(t, b.ID))
	}

	w := do(t, srv, http.MethodGet, "/secrets/rotating/versions?maxresults=2", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var page listJSON
	decodeInto(t, w, &page)

	require.Len(t, page.Value, 2)
	assert.Contains(t, page.Value[0].ID, "/secrets/rotating/"+ids[0])
	assert.Contains(t, page.Value[1].ID, "/secrets/rotating/"+ids[1])
	for _, item := range page.Value {
		assert.Empty(t, item.Value, "version listings must not carry secret values")
	}

	require.NotEmpty(t, page.NextLink)
	u, err := url.Parse(page.NextLink)
	require.NoError(t, err)
	assert.Equal(t, "/secrets/rotating/versions", u.Path)
	assert.Equal(t, ids[1], u.Query().Get("marker"))

	w = do(t, srv, http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = listJSON{}
	decodeInto(t, w, &page)
	require.Len(t, page.Value, 1)
	assert.Contains(t, page.Value[0].ID, "/secrets/rotating/"+ids[2])
	assert.Empty(t, page.NextLink)
}

func TestListSecretVersions_UnknownName(t *testing.T) {
	srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/secrets/ghost/versions", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultVersionListNotFound), e.Error.Code)
}

func TestListDeletedSecrets_Pagination(t *testing.T) {
	srv := newTestServer(t)
	putSecret(t, srv, "alpha", map[string]any{"value": "1"})
	putSecret(t, srv, "bravo", map[string]any{"value": "2"})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/secrets/alpha", nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/secrets/bravo", nil).Code)

	w := do(t, srv, http.MethodGet, "/deletedsecrets?maxresults=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page listJSON
	decodeInto(t, w, &page)

	require.Len(t, page.Value, 1)
	assert.Contains(t, page.Value[0].ID, "/secrets/alpha/")
	assert.NotEmpty(t, page.Value[0].RecoveryID)
	require.NotEmpty(t, page.NextLink)

	u, err := url.Parse(page.NextLink)
	require.NoError(t, err)
	assert.Equal(t, "/deletedsecrets", u.Path)
	assert.Equal(t, "alpha", u.Query().Get("marker"))

	w = do(t, srv, http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = listJSON{}
	decodeInto(t, w, &page)
	require.Len(t, page.Value, 1)
	assert.Contains(t, page.Value[0].ID, "/secrets/bravo/")
	assert.Empty(t, page.NextLink)

	// Active listing no longer shows them.
	w = do(t, srv, http.MethodGet, "/secrets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeInto(t, w, &page)
	assert.Empty(t, page.Value)
}

func TestGetDeletedSecret_ActiveName_NotFound(t *testing.T) {
	srv := newTestServer(t)
	putSecret(t, srv, "alive", map[string]any{"value": "x"})

	w := do(t, srv, http.MethodGet, "/deletedsecrets/alive", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var e errJSON
	decodeInto(t, w, &e)
	assert.Equal(t, string(wardenerr.CodeVaultDeletedGetNotFound), e.Error.Code)
}

func TestSecretID_UsesRequestHost(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/secrets/db-password", jsonBody(t, map[string]any{"value": "x"}))
	req.Host = "vault.local:8200"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var b bundleJSON
	decodeInto(t, w, &b)
	assert.True(t, strings.HasPrefix(b.ID, "http://vault.local:8200/secrets/db-password/"), "id: %s", b.ID)
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, err := server.New(server.Config{
		ListenAddr:  "127.0.0.1:0",
		CORSOrigins: []string{"http://localhost:5173"},
	}, newTestStore(t), nil, testLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/secrets", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_CORSDefaultsToWildcard(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/secrets", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Wait for context cancellation to trigger shutdown.
	<-ctx.Done()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down within timeout")
	}
}
