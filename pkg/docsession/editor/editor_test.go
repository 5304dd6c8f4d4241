package editor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/stretchr/testify/require"
)

func TestHTTPAdapter(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		seen = append(seen, r.Method+" "+r.URL.EscapedPath())

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/documents":
			var body createDocumentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.ID == "exists" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			if body.ID == "broken" {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"boom","message":"storage offline"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodDelete && r.URL.Path == "/documents/gone":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			var body grantRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Permission != PermissionWrite {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	a := NewHTTPAdapter(config.EditorConfig{URL: srv.URL, Token: "sekret", Timeout: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, a.CreateDocument(ctx, "s1", "alice"))
	require.NoError(t, a.CreateDocument(ctx, "exists", "alice"), "409 on create is success")

	err := a.CreateDocument(ctx, "broken", "alice")
	require.True(t, gwerr.Is(err, gwerr.BackendFailure))
	require.Contains(t, err.Error(), "storage offline")

	require.NoError(t, a.DeleteDocument(ctx, "gone"), "404 on delete is success")
	require.NoError(t, a.GrantAccess(ctx, "s1", "bob@example.org", PermissionWrite))
	require.True(t, gwerr.Is(a.GrantAccess(ctx, "s1", "bob", PermissionRead), gwerr.BackendFailure))
	require.NoError(t, a.RevokeAccess(ctx, "s1", "bob"), "404 on revoke is success")

	require.Contains(t, seen, "PUT /documents/s1/access/bob@example.org")
}

func TestHTTPAdapter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := NewHTTPAdapter(config.EditorConfig{URL: url, Timeout: time.Second})
	err := a.CreateDocument(context.Background(), "s1", "alice")
	require.True(t, gwerr.Is(err, gwerr.BackendFailure))
}

func TestNewPicksNopWithoutURL(t *testing.T) {
	a := New(config.EditorConfig{})
	require.IsType(t, NopAdapter{}, a)
	require.NoError(t, a.CreateDocument(context.Background(), "s1", "alice"))
}

func TestMockAdapter(t *testing.T) {
	m := NewMockAdapter().FailOn("grant", gwerr.E(gwerr.BackendFailure, "no"))
	ctx := context.Background()

	require.NoError(t, m.CreateDocument(ctx, "s1", "alice"))
	require.Error(t, m.GrantAccess(ctx, "s1", "bob", PermissionRead))
	require.Len(t, m.Calls(), 2)
	require.Equal(t, "grant", m.Calls()[1].Op)
}
