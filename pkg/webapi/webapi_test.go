package webapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/docsession"
	"github.com/materials-commons/filegate/pkg/docsession/editor"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/driver/local"
	"github.com/materials-commons/filegate/pkg/gwdb"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/locks"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/secret"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
	"github.com/materials-commons/filegate/pkg/xfer"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testCase struct {
	*testing.T
	e      *echo.Echo
	editor *editor.MockAdapter
}

func hashPassword(t *testing.T, password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newTestCase(t *testing.T) *testCase {
	db, err := gwdb.OpenInMemory()
	require.NoErrorf(t, err, "Failed opening db: %s", err)
	stors := stor.NewGormStors(db)

	secrets, err := secret.NewStoreFromConfig(config.SecretConfig{Mode: secret.ModeStatic, StaticKey: "k", Salt: "s"})
	require.NoError(t, err)

	r := router.New(router.Options{
		Primary: config.DriverConfig{Kind: local.Kind, Options: map[string]any{
			"root":          t.TempDir(),
			"per_user_root": true,
			"users": map[string]any{
				"alice": hashPassword(t, "alicepw"),
				"bob":   hashPassword(t, "bobpw"),
			},
		}},
		Mounts: []config.MountConfig{
			{Title: "shared", Kind: local.Kind, Enabled: true, Options: map[string]any{"root": t.TempDir()}},
		},
		MountPointStor: stors.MountPointStor,
		Secrets:        secrets,
		Policy:         driver.DefaultPolicy,
	})

	tc := &testCase{T: t, editor: editor.NewMockAdapter()}

	sessions := docsession.NewManager(docsession.Options{
		Sessions:    stors.SessionStor,
		Invitations: stors.InvitationStor,
		Router:      r,
		Editor:      tc.editor,
	})

	engine := xfer.New(xfer.Options{Resolver: r, Rewriter: sessions, SpoolFs: afero.NewMemMapFs()})

	logins := apimiddleware.NewLoginCache(r.AuthenticateUser, time.Minute)
	tc.e = NewServer(RouteOpts{
		Router:   r,
		Engine:   engine,
		Locks:    locks.NewManager(stors.LockStor, locks.Options{Locks: config.LocksConfig{MaxTimeout: locks.MaxLockTimeout, GCDivisor: 100}}),
		Sessions: sessions,
		Auth: apimiddleware.BasicAuth(apimiddleware.BasicAuthConfig{
			Logins:     logins,
			ListMounts: r.Mounts,
		}),
	})

	return tc
}

type request struct {
	method   string
	target   string
	body     io.Reader
	json     any
	user     string
	password string
	header   http.Header
}

func (tc *testCase) do(req request) *httptest.ResponseRecorder {
	body := req.body
	if req.json != nil {
		b, err := json.Marshal(req.json)
		require.NoError(tc.T, err)
		body = bytes.NewReader(b)
	}

	r := httptest.NewRequest(req.method, req.target, body)
	if req.json != nil {
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	for name, values := range req.header {
		for _, v := range values {
			r.Header.Add(name, v)
		}
	}

	if req.user != "" {
		r.SetBasicAuth(req.user, req.password)
	}

	rec := httptest.NewRecorder()
	tc.e.ServeHTTP(rec, r)
	return rec
}

func (tc *testCase) alice(method, target string, body any) *httptest.ResponseRecorder {
	return tc.as("alice", "alicepw", method, target, body)
}

func (tc *testCase) bob(method, target string, body any) *httptest.ResponseRecorder {
	return tc.as("bob", "bobpw", method, target, body)
}

func (tc *testCase) as(user, password, method, target string, body any) *httptest.ResponseRecorder {
	req := request{method: method, target: target, user: user, password: password}
	switch b := body.(type) {
	case nil:
	case string:
		req.body = bytes.NewBufferString(b)
	default:
		req.json = b
	}
	return tc.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoErrorf(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestAuthentication(t *testing.T) {
	tc := newTestCase(t)

	rec := tc.do(request{method: http.MethodGet, target: "/api/files/list"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tc.as("alice", "wrong", http.MethodGet, "/api/files/list", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tc.alice(http.MethodGet, "/api/files/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Served from the login cache the second time.
	rec = tc.alice(http.MethodGet, "/api/files/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tc.as("alice", "wrong", http.MethodGet, "/api/files/list", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFiles_PutGetInfoList(t *testing.T) {
	tc := newTestCase(t)

	rec := tc.alice(http.MethodPut, "/api/files?path=docs/a.txt", "hello world")
	require.Equalf(t, http.StatusNotFound, rec.Code, "parent folder does not exist yet: %s", rec.Body.String())

	rec = tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "docs"})
	require.Equalf(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	rec = tc.alice(http.MethodPut, "/api/files?path=docs/a.txt", "hello world")
	require.Equalf(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	info := decode[driver.FileInfo](t, rec)
	require.Equal(t, "docs/a.txt", info.Path)
	require.Equal(t, int64(11), info.Size)

	rec = tc.alice(http.MethodPut, "/api/files?path=docs/a.txt", "again")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_exists", decode[ErrorResponse](t, rec).Code)

	rec = tc.alice(http.MethodPut, "/api/files?path=docs/a.txt&overwrite=true", "replaced")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = tc.alice(http.MethodGet, "/api/files?path=docs/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "replaced", rec.Body.String())

	rec = tc.alice(http.MethodGet, "/api/files/info?path=/docs/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(8), decode[driver.FileInfo](t, rec).Size)

	rec = tc.alice(http.MethodGet, "/api/files/info?path=docs/missing.txt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)

	// The namespace root shows the primary folders and the mount points.
	rec = tc.alice(http.MethodGet, "/api/files/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	for _, entry := range decode[[]driver.FileInfo](t, rec) {
		names = append(names, entry.Path)
	}
	require.ElementsMatch(t, []string{"docs", "shared"}, names)

	// Users do not see each other's primary files.
	rec = tc.bob(http.MethodGet, "/api/files/info?path=docs/a.txt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFiles_CopyMoveDeleteAcrossMounts(t *testing.T) {
	tc := newTestCase(t)

	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "docs"}).Code)
	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPut, "/api/files?path=docs/a.txt", "a").Code)
	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPut, "/api/files?path=docs/b.txt", "b").Code)

	rec := tc.alice(http.MethodPost, "/api/files/copy", map[string]any{
		"pairs": []xfer.Pair{{Src: "docs/a.txt", Dst: "shared/a.txt"}, {Src: "docs/missing.txt", Dst: "shared/m.txt"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[xfer.BatchResult](t, rec)
	require.Len(t, result.Done, 1)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "not_found", result.Failed[0].Code)

	rec = tc.alice(http.MethodGet, "/api/files?path=shared/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "a", rec.Body.String())

	rec = tc.alice(http.MethodPost, "/api/files/move", map[string]any{
		"pairs": []xfer.Pair{{Src: "docs/b.txt", Dst: "shared/a.txt"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result = decode[xfer.BatchResult](t, rec)
	require.Len(t, result.Conflicts, 1)

	rec = tc.alice(http.MethodPost, "/api/files/move", map[string]any{
		"pairs":     []xfer.Pair{{Src: "docs/b.txt", Dst: "shared/a.txt"}},
		"overwrite": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[xfer.BatchResult](t, rec).Done, 1)
	require.Equal(t, http.StatusNotFound, tc.alice(http.MethodGet, "/api/files/info?path=docs/b.txt", nil).Code)
	require.Equal(t, "b", tc.alice(http.MethodGet, "/api/files?path=shared/a.txt", nil).Body.String())

	rec = tc.alice(http.MethodDelete, "/api/files?path=shared/a.txt&path=docs/nope.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decode[xfer.DeleteResult](t, rec)
	require.Equal(t, []string{"shared/a.txt"}, deleted.Deleted)
	require.Len(t, deleted.Failed, 1)

	require.Equal(t, http.StatusBadRequest, tc.alice(http.MethodDelete, "/api/files", nil).Code)
}

func TestFolders(t *testing.T) {
	tc := newTestCase(t)

	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "proj"}).Code)
	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "proj/data"}).Code)
	require.Equal(t, http.StatusConflict, tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "proj"}).Code)
	require.Equal(t, http.StatusConflict, tc.alice(http.MethodPost, "/api/folders", map[string]string{"path": "shared"}).Code)
	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPut, "/api/files?path=proj/data/x.csv", "1,2").Code)

	rec := tc.alice(http.MethodPost, "/api/folders/copy", map[string]string{"src": "proj", "dst": "shared/proj"})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	require.Equal(t, "1,2", tc.alice(http.MethodGet, "/api/files?path=shared/proj/data/x.csv", nil).Body.String())

	rec = tc.alice(http.MethodGet, "/api/folders?path=shared", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paths []string
	for _, f := range decode[[]driver.FileInfo](t, rec) {
		paths = append(paths, f.Path)
	}
	require.Equal(t, []string{"shared/proj", "shared/proj/data"}, paths)

	rec = tc.alice(http.MethodPost, "/api/folders/move", map[string]string{"src": "proj", "dst": "proj/inner"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.alice(http.MethodPost, "/api/folders/move", map[string]string{"src": "shared", "dst": "other"})
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	require.Equal(t, "unsupported", decode[ErrorResponse](t, rec).Code)

	require.Equal(t, http.StatusNotImplemented, tc.alice(http.MethodDelete, "/api/folders?path=shared", nil).Code)
	require.Equal(t, http.StatusNoContent, tc.alice(http.MethodDelete, "/api/folders?path=shared/proj", nil).Code)
	require.Equal(t, http.StatusNotFound, tc.alice(http.MethodGet, "/api/files/info?path=shared/proj", nil).Code)
}

func TestMounts_NeedsAuthentication(t *testing.T) {
	tc := newTestCase(t)

	rec := tc.alice(http.MethodPost, "/api/mounts", router.MountRequest{
		Title: "Vault",
		Kind:  local.Kind,
		Options: map[string]any{
			"root":     t.TempDir(),
			"users":    map[string]any{"carol": hashPassword(t, "carolpw")},
			"username": "carol",
			"password": "stale",
		},
		Enabled: true,
	})
	require.Equalf(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	mount := decode[gwmodel.MountPoint](t, rec)
	require.Equal(t, "Vault", mount.Title)
	require.NotContains(t, rec.Body.String(), "carolpw")

	rec = tc.alice(http.MethodGet, "/api/files/list?path=Vault", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Equal(t, "needs_authentication", resp.Code)
	require.Equal(t, "Vault", resp.Mount)

	// Header names arrive canonicalized, the title is still found.
	header := http.Header{}
	header.Set(apimiddleware.MountAuthHeaderPrefix+"vault", base64.StdEncoding.EncodeToString([]byte("carol:carolpw")))
	rec = tc.do(request{method: http.MethodGet, target: "/api/files/list?path=Vault", user: "alice", password: "alicepw", header: header})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	header.Set(apimiddleware.MountAuthHeaderPrefix+"vault", "not base64!")
	rec = tc.do(request{method: http.MethodGet, target: "/api/files/list?path=Vault", user: "alice", password: "alicepw", header: header})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Mounts are private to their owner.
	rec = tc.bob(http.MethodGet, "/api/mounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]gwmodel.MountPoint](t, rec), 1)

	rec = tc.alice(http.MethodPut, "/api/mounts/Vault", router.MountRequest{Title: "Vault", Kind: local.Kind, Options: map[string]any{"root": t.TempDir()}, Enabled: false})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	require.False(t, decode[gwmodel.MountPoint](t, rec).Enabled)

	require.Equal(t, http.StatusForbidden, tc.alice(http.MethodDelete, "/api/mounts/shared", nil).Code)
	require.Equal(t, http.StatusNoContent, tc.alice(http.MethodDelete, "/api/mounts/Vault", nil).Code)
	require.Len(t, decode[[]gwmodel.MountPoint](t, tc.alice(http.MethodGet, "/api/mounts", nil)), 1)
}

func TestLocks(t *testing.T) {
	tc := newTestCase(t)

	rec := tc.alice(http.MethodPost, "/api/locks", map[string]any{"path": "shared/a.txt", "timeout": 60})
	require.Equalf(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	lock := decode[gwmodel.Lock](t, rec)
	require.Equal(t, "filegate://shared/a.txt", lock.URI)
	require.Equal(t, "alice", lock.Owner)
	require.Equal(t, gwmodel.ScopeExclusive, lock.Scope)
	require.NotEmpty(t, lock.Token)

	rec = tc.bob(http.MethodPost, "/api/locks", map[string]any{"path": "shared/a.txt", "scope": "shared"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = tc.bob(http.MethodPost, "/api/locks", map[string]any{"path": "shared/a.txt", "depth": "2"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.bob(http.MethodGet, "/api/locks?path=shared/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]gwmodel.Lock](t, rec), 1)

	rec = tc.alice(http.MethodGet, "/api/locks?path=shared&descendants=true", nil)
	require.Len(t, decode[[]gwmodel.Lock](t, rec), 1)

	rec = tc.alice(http.MethodPost, "/api/locks/refresh", map[string]any{"path": "shared/a.txt", "token": lock.Token, "timeout": 120})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 120, decode[gwmodel.Lock](t, rec).Timeout)

	rec = tc.alice(http.MethodPost, "/api/locks/refresh", map[string]any{"path": "shared/a.txt", "token": "nope"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusNoContent, tc.alice(http.MethodDelete, "/api/locks?path=shared/a.txt&token="+lock.Token, nil).Code)
	require.Empty(t, decode[[]gwmodel.Lock](t, tc.alice(http.MethodGet, "/api/locks?path=shared/a.txt", nil)))
}

func TestLocks_DotSegmentsNameTheSameResource(t *testing.T) {
	tc := newTestCase(t)

	rec := tc.alice(http.MethodPost, "/api/locks", map[string]any{"path": "docs/a.txt"})
	require.Equalf(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	require.Equal(t, "filegate://alice@/docs/a.txt", decode[gwmodel.Lock](t, rec).URI)

	rec = tc.alice(http.MethodPost, "/api/locks", map[string]any{"path": "docs/zz/../a.txt"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = tc.alice(http.MethodPost, "/api/locks", map[string]any{"path": "docs/../../a.txt"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Code)

	rec = tc.alice(http.MethodGet, "/api/files/list?path=..", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNamespaces_AreIsolatedBetweenUsers(t *testing.T) {
	tc := newTestCase(t)

	for _, user := range []func(method, target string, body any) *httptest.ResponseRecorder{tc.alice, tc.bob} {
		require.Equal(t, http.StatusCreated, user(http.MethodPost, "/api/folders", map[string]string{"path": "docs"}).Code)
		require.Equal(t, http.StatusCreated, user(http.MethodPut, "/api/files?path=docs/a.txt", "private").Code)
	}

	rec := tc.alice(http.MethodPost, "/api/locks", map[string]any{"path": "docs/a.txt"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = tc.bob(http.MethodPost, "/api/locks", map[string]any{"path": "docs/a.txt"})
	require.Equalf(t, http.StatusCreated, rec.Code, "bob's file is not alice's: %s", rec.Body.String())

	rec = tc.bob(http.MethodGet, "/api/locks?path=docs/a.txt", nil)
	bobLocks := decode[[]gwmodel.Lock](t, rec)
	require.Len(t, bobLocks, 1)
	require.Equal(t, "bob", bobLocks[0].Owner)

	rec = tc.alice(http.MethodPost, "/api/sessions", docsession.StartRequest{Path: "docs/a.txt"})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = tc.bob(http.MethodGet, "/api/sessions/by-path?path=docs/a.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]gwmodel.Session](t, rec))

	for _, target := range []string{"/api/sessions", "/api/sessions?folder=docs", "/api/sessions?folder="} {
		rec = tc.bob(http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Emptyf(t, decode[[]gwmodel.Session](t, rec), "bob listing %s", target)
	}

	rec = tc.alice(http.MethodGet, "/api/sessions?folder=docs", nil)
	require.Len(t, decode[[]gwmodel.Session](t, rec), 1)
}

func TestInvitations_CannotBeSelfAccepted(t *testing.T) {
	tc := newTestCase(t)

	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPut, "/api/files?path=shared/plan.md", "# plan").Code)
	session := decode[gwmodel.Session](t, tc.alice(http.MethodPost, "/api/sessions", docsession.StartRequest{Path: "shared/plan.md"}))

	target := "/api/sessions/" + session.ID + "/invitations"
	rec := tc.bob(http.MethodPost, target, docsession.InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.bob(http.MethodPost, target, docsession.InviteRequest{User: "bob", Status: gwmodel.InvitationRequested})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tc.bob(http.MethodPut, target, docsession.InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.Equal(t, http.StatusForbidden, tc.bob(http.MethodPost, "/api/sessions", docsession.StartRequest{SessionID: session.ID}).Code)
	for _, call := range tc.editor.Calls() {
		require.Falsef(t, call.Op == "grant" && call.Identity == "bob", "bob was granted %s", call.Permission)
	}
}

func TestSessionsAndInvitations(t *testing.T) {
	tc := newTestCase(t)

	require.Equal(t, http.StatusCreated, tc.alice(http.MethodPut, "/api/files?path=shared/notes.md", "# notes").Code)

	rec := tc.alice(http.MethodPost, "/api/sessions", docsession.StartRequest{Path: "shared/notes.md"})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	session := decode[gwmodel.Session](t, rec)
	require.Equal(t, "alice", session.Owner)

	rec = tc.alice(http.MethodGet, "/api/sessions/by-path?path=shared/notes.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]gwmodel.Session](t, rec), 1)

	rec = tc.alice(http.MethodGet, "/api/sessions?folder=shared", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]gwmodel.Session](t, rec), 1)

	require.Equal(t, http.StatusForbidden, tc.bob(http.MethodGet, "/api/sessions/"+session.ID, nil).Code)
	require.Equal(t, http.StatusForbidden, tc.bob(http.MethodPost, "/api/sessions", docsession.StartRequest{SessionID: session.ID}).Code)

	rec = tc.alice(http.MethodPost, "/api/sessions/"+session.ID+"/invitations", docsession.InviteRequest{User: "bob", Status: gwmodel.InvitationInvited})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = tc.bob(http.MethodPost, "/api/sessions", docsession.StartRequest{SessionID: session.ID})
	require.Equalf(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	rec = tc.bob(http.MethodGet, "/api/invitations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	invitations := decode[[]gwmodel.Invitation](t, rec)
	require.Len(t, invitations, 1)
	require.Equal(t, gwmodel.InvitationAccepted, invitations[0].Status)

	rec = tc.bob(http.MethodPut, "/api/sessions/"+session.ID+"/invitations", docsession.InviteRequest{User: "bob", Status: "bogus"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tc.bob(http.MethodGet, "/api/invitations?since=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusForbidden, tc.bob(http.MethodDelete, "/api/sessions/"+session.ID+"/invitations?user=bob", nil).Code)
	require.Equal(t, http.StatusNoContent, tc.alice(http.MethodDelete, "/api/sessions/"+session.ID+"/invitations?user=bob", nil).Code)

	// Moving the file carries the session along.
	rec = tc.alice(http.MethodPost, "/api/files/move", map[string]any{"pairs": []xfer.Pair{{Src: "shared/notes.md", Dst: "shared/renamed.md"}}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = tc.alice(http.MethodGet, "/api/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "filegate://shared/renamed.md", decode[gwmodel.Session](t, rec).URI)

	require.Equal(t, http.StatusForbidden, tc.bob(http.MethodDelete, "/api/sessions/"+session.ID, nil).Code)
	require.Equal(t, http.StatusNoContent, tc.alice(http.MethodDelete, "/api/sessions/"+session.ID, nil).Code)
	require.Equal(t, http.StatusNotFound, tc.alice(http.MethodGet, "/api/sessions/"+session.ID, nil).Code)
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	handler := HTTPErrorHandler(e)

	rec := httptest.NewRecorder()
	handler(gwerr.E(gwerr.Internal, "database password is hunter2"), e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")

	rec = httptest.NewRecorder()
	handler(gwerr.E(gwerr.BackendFailure, "upstream down"), e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "backend_failure", decode[ErrorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	handler(echo.NewHTTPError(http.StatusMethodNotAllowed), e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	for kind, status := range kindStatus {
		require.Equal(t, status, StatusForKind(kind))
	}
}
