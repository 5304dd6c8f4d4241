package docsession

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/materials-commons/filegate/pkg/docsession/editor"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/driver/local"
	"github.com/materials-commons/filegate/pkg/gwdb"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeRouter serves every path from one shared driver. Paths under "ext/" and "admin/"
// report a user mount and an admin mount. Only "admin" URIs are shared between users.
type fakeRouter struct {
	d driver.Driver

	// denied maps a user to a folder that user cannot reach.
	denied map[string]string
}

func (r *fakeRouter) Resolve(_ context.Context, rc *reqctx.Context, virtualPath string) (driver.Driver, string, *gwmodel.MountPoint, error) {
	p := strings.Trim(virtualPath, "/")
	if folder, ok := r.denied[rc.User]; ok && (p == folder || strings.HasPrefix(p, folder+"/")) {
		return nil, "", nil, gwerr.E(gwerr.PermissionDenied, "%s may not see %s", rc.User, p)
	}

	switch {
	case strings.HasPrefix(p, "ext/"):
		return r.d, p, &gwmodel.MountPoint{Title: "ext", Enabled: true}, nil
	case strings.HasPrefix(p, "admin/"):
		return r.d, p, &gwmodel.MountPoint{Title: "admin", Enabled: true, IsAdminPreconfigured: true}, nil
	}
	return r.d, p, nil, nil
}

func (r *fakeRouter) PathToURI(_ context.Context, rc *reqctx.Context, virtualPath string) (string, error) {
	p := strings.Trim(virtualPath, "/")
	if p == "admin" || strings.HasPrefix(p, "admin/") {
		return "filegate://" + p, nil
	}
	return "filegate://" + rc.User + "@/" + p, nil
}

func (r *fakeRouter) SealCredentials(_ *reqctx.Context, creds reqctx.Credentials) (string, error) {
	return "sealed:" + creds.Username, nil
}

type testCase struct {
	*testing.T
	ctx    context.Context
	fs     afero.Fs
	editor *editor.MockAdapter
	router *fakeRouter
	now    time.Time
	mgr    *Manager
	alice  *reqctx.Context
	bob    *reqctx.Context
	carol  *reqctx.Context
}

func newTestCase(t *testing.T) *testCase {
	db, err := gwdb.OpenInMemory()
	require.NoErrorf(t, err, "Failed opening db: %s", err)
	stors := stor.NewGormStors(db)

	tc := &testCase{
		T:      t,
		ctx:    context.Background(),
		fs:     afero.NewMemMapFs(),
		editor: editor.NewMockAdapter(),
		now:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		alice:  reqctx.New("alice", "pw"),
		bob:    reqctx.New("bob", "pw"),
		carol:  reqctx.New("carol", "pw"),
	}

	d, err := local.New(tc.fs, local.Options{Root: "/"})
	require.NoError(t, err)

	tc.router = &fakeRouter{d: d, denied: map[string]string{}}
	tc.mgr = NewManager(Options{
		Sessions:    stors.SessionStor,
		Invitations: stors.InvitationStor,
		Router:      tc.router,
		Editor:      tc.editor,
		MaxAge:      24 * time.Hour,
		Now:         func() time.Time { return tc.now },
	})

	for _, name := range []string{"/docs/a.txt", "/docs/b.txt", "/ext/c.txt", "/admin/d.txt"} {
		require.NoError(t, afero.WriteFile(tc.fs, name, []byte("content"), 0644))
	}

	return tc
}

func (tc *testCase) start(rc *reqctx.Context, path string) *gwmodel.Session {
	s, err := tc.mgr.Start(tc.ctx, rc, StartRequest{Path: path})
	require.NoErrorf(tc.T, err, "start %s: %s", path, err)
	return s
}

func (tc *testCase) ops() []string {
	var ops []string
	for _, c := range tc.editor.Calls() {
		ops = append(ops, c.Op)
	}
	return ops
}

func TestStart_ReusesWritableSession(t *testing.T) {
	tc := newTestCase(t)

	first := tc.start(tc.alice, "docs/a.txt")
	second := tc.start(tc.alice, "/docs/a.txt")
	require.Equal(t, first.ID, second.ID)
	require.Len(t, first.ID, 64)
	require.True(t, second.IsOwner)
	require.True(t, strings.HasPrefix(second.Type, "text/plain"), "type %s", second.Type)

	readonly, err := tc.mgr.Start(tc.ctx, tc.alice, StartRequest{Path: "docs/a.txt", Readonly: true})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, readonly.ID)

	other := tc.start(tc.bob, "docs/a.txt")
	require.NotEqual(t, first.ID, other.ID, "each owner gets their own session")

	require.Equal(t, []string{"create", "create", "create"}, tc.ops())
}

func TestStart_Validation(t *testing.T) {
	tc := newTestCase(t)

	_, err := tc.mgr.Start(tc.ctx, tc.alice, StartRequest{})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest))

	_, err = tc.mgr.Start(tc.ctx, tc.alice, StartRequest{Path: "docs/missing.txt"})
	require.True(t, gwerr.Is(err, gwerr.NotFound))

	_, err = tc.mgr.Start(tc.ctx, tc.alice, StartRequest{Path: "docs"})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest))

	_, err = tc.mgr.Start(tc.ctx, tc.alice, StartRequest{SessionID: "nope"})
	require.True(t, gwerr.Is(err, gwerr.NotFound))
}

func TestStart_RollsBackWhenEditorFails(t *testing.T) {
	tc := newTestCase(t)
	tc.editor.FailOn("create", gwerr.E(gwerr.BackendFailure, "editor down"))

	_, err := tc.mgr.Start(tc.ctx, tc.alice, StartRequest{Path: "docs/a.txt"})
	require.True(t, gwerr.Is(err, gwerr.BackendFailure))

	sessions, err := tc.mgr.FindByPath(tc.ctx, tc.alice, "docs/a.txt")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestStart_SnapshotsUserMountCredentials(t *testing.T) {
	tc := newTestCase(t)
	tc.alice.SetMountCredentials("ext", reqctx.Credentials{Username: "alice-ext", Password: "x"})
	tc.alice.SetMountCredentials("admin", reqctx.Credentials{Username: "alice-admin", Password: "x"})

	s := tc.start(tc.alice, "ext/c.txt")
	data, err := s.GetData()
	require.NoError(t, err)
	require.Equal(t, "sealed:alice-ext", data.AuthInfo)

	s = tc.start(tc.alice, "admin/d.txt")
	data, err = s.GetData()
	require.NoError(t, err)
	require.Empty(t, data.AuthInfo)
}

func TestInvite_Rules(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	_, err := tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "alice", Status: gwmodel.InvitationInvited})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest), "owner cannot be invited: %v", err)

	_, err = tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationInvited})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "only the owner invites: %v", err)

	_, err = tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: "maybe"})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest))

	inv, err := tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", UserName: "Bob", Status: gwmodel.InvitationInvited, Comment: "join me"})
	require.NoError(t, err)
	require.Equal(t, gwmodel.InvitationInvited, inv.Status)

	calls := tc.editor.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, editor.Call{Op: "grant", ID: s.ID, Identity: "bob", Permission: editor.PermissionWrite}, last)

	joined, err := tc.mgr.Start(tc.ctx, tc.bob, StartRequest{SessionID: s.ID})
	require.NoError(t, err)
	require.False(t, joined.IsOwner)
	require.Equal(t, gwmodel.InvitationAccepted, joined.Invitation, "joining promotes an invitation")

	_, err = tc.mgr.Start(tc.ctx, tc.carol, StartRequest{SessionID: s.ID})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied))

	_, err = tc.mgr.Get(tc.ctx, tc.carol, s.ID)
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied))
}

func TestUpdateInvitation_OwnerAttribution(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	inv, err := tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationRequested})
	require.NoError(t, err)
	require.Equal(t, gwmodel.InvitationRequested, inv.Status)

	_, err = tc.mgr.Start(tc.ctx, tc.bob, StartRequest{SessionID: s.ID})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "a request alone does not grant access")

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.carol, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied))

	inv, err = tc.mgr.UpdateInvitation(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.NoError(t, err)
	require.Equal(t, gwmodel.InvitationAcceptedOwner, inv.Status)
	require.Equal(t, "bob", inv.UserName)

	_, err = tc.mgr.Start(tc.ctx, tc.bob, StartRequest{SessionID: s.ID})
	require.NoError(t, err)

	inv, err = tc.mgr.UpdateInvitation(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationDeclined})
	require.NoError(t, err)
	require.Equal(t, gwmodel.InvitationDeclined, inv.Status)
	require.Equal(t, "revoke", tc.ops()[len(tc.ops())-1])

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationInvited})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest))

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.alice, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.NotFound))
}

func TestInvite_RollsBackWhenEditorFails(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	_, err := tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationRequested})
	require.NoError(t, err)

	tc.editor.FailOn("grant", gwerr.E(gwerr.BackendFailure, "editor down"))

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.BackendFailure))

	_, err = tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationInvited})
	require.True(t, gwerr.Is(err, gwerr.BackendFailure))

	invitations, err := tc.mgr.Invitations(tc.ctx, tc.alice, InvitationFilter{SessionID: s.ID})
	require.NoError(t, err)
	require.Len(t, invitations, 1)
	require.Equal(t, "bob", invitations[0].User)
	require.Equal(t, gwmodel.InvitationRequested, invitations[0].Status)
}

func TestDeleteInvitation(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	_, err := tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationInvited})
	require.NoError(t, err)

	require.True(t, gwerr.Is(tc.mgr.DeleteInvitation(tc.ctx, tc.bob, s.ID, "bob"), gwerr.PermissionDenied))
	require.NoError(t, tc.mgr.DeleteInvitation(tc.ctx, tc.alice, s.ID, "bob"))
	require.Equal(t, "revoke", tc.ops()[len(tc.ops())-1])

	require.True(t, gwerr.Is(tc.mgr.DeleteInvitation(tc.ctx, tc.alice, s.ID, "bob"), gwerr.NotFound))
}

func TestDelete(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")
	_, err := tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationInvited})
	require.NoError(t, err)

	require.True(t, gwerr.Is(tc.mgr.Delete(tc.ctx, tc.bob, s.ID), gwerr.PermissionDenied))

	tc.editor.FailOn("delete", gwerr.E(gwerr.BackendFailure, "editor down"))
	require.True(t, gwerr.Is(tc.mgr.Delete(tc.ctx, tc.alice, s.ID), gwerr.BackendFailure))
	_, err = tc.mgr.Get(tc.ctx, tc.alice, s.ID)
	require.NoError(t, err, "a failed editor delete keeps the session")

	tc.editor.FailOn("delete", nil)
	require.NoError(t, tc.mgr.Delete(tc.ctx, tc.alice, s.ID))
	_, err = tc.mgr.Get(tc.ctx, tc.alice, s.ID)
	require.True(t, gwerr.Is(err, gwerr.NotFound))

	invitations, err := tc.mgr.Invitations(tc.ctx, tc.bob, InvitationFilter{})
	require.NoError(t, err)
	require.Empty(t, invitations)
}

func TestRewriteURI_FollowsFolderMove(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	require.NoError(t, tc.mgr.RewriteURI(tc.ctx, "filegate://alice@/docs", "filegate://alice@/archive", true))

	sessions, err := tc.mgr.FindByPath(tc.ctx, tc.alice, "archive/a.txt")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, s.ID, sessions[0].ID)
}

func TestFindEligible(t *testing.T) {
	tc := newTestCase(t)
	private := tc.start(tc.alice, "docs/a.txt")
	shared := tc.start(tc.alice, "admin/d.txt")
	invited := tc.start(tc.alice, "ext/c.txt")
	_, err := tc.mgr.Invite(tc.ctx, tc.alice, invited.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationInvited})
	require.NoError(t, err)

	sessions, err := tc.mgr.FindEligible(tc.ctx, tc.carol, []string{"docs", "admin"})
	require.NoError(t, err)

	byID := map[string]gwmodel.Session{}
	for _, s := range sessions {
		byID[s.ID] = s
	}
	require.Len(t, byID, 2)
	require.NotContains(t, byID, private.ID, "carol's docs folder is not alice's")
	require.Equal(t, "", byID[shared.ID].Invitation)
	require.Equal(t, gwmodel.InvitationInvited, byID[invited.ID].Invitation)

	sessions, err = tc.mgr.FindEligible(tc.ctx, tc.bob, nil)
	require.NoError(t, err)
	require.Empty(t, sessions, "no folders means only owned and invited sessions")
}

func TestFindEligible_IgnoresUnreachableFolders(t *testing.T) {
	tc := newTestCase(t)
	shared := tc.start(tc.alice, "admin/d.txt")

	sessions, err := tc.mgr.FindEligible(tc.ctx, tc.bob, []string{"admin"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, shared.ID, sessions[0].ID)

	tc.router.denied["bob"] = "admin"
	sessions, err = tc.mgr.FindEligible(tc.ctx, tc.bob, []string{"admin"})
	require.NoError(t, err)
	require.Empty(t, sessions, "bob cannot reach admin")

	delete(tc.router.denied, "bob")
	for _, folder := range []string{"admin/missing", "admin/d.txt"} {
		sessions, err = tc.mgr.FindEligible(tc.ctx, tc.bob, []string{folder})
		require.NoError(t, err)
		require.Emptyf(t, sessions, "%s is not a folder bob can list", folder)
	}
}

func TestFindByPath_IsPerNamespace(t *testing.T) {
	tc := newTestCase(t)
	mine := tc.start(tc.alice, "docs/a.txt")
	tc.start(tc.bob, "docs/a.txt")

	sessions, err := tc.mgr.FindByPath(tc.ctx, tc.alice, "docs/a.txt")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, mine.ID, sessions[0].ID)

	sessions, err = tc.mgr.FindByPath(tc.ctx, tc.carol, "docs/a.txt")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

// racingSessions adds a writable session for the same owner and uri right after the
// first lookup misses, the way a start in another process would.
type racingSessions struct {
	stor.SessionStor
	once  sync.Once
	rival *gwmodel.Session
	err   error
}

func (s *racingSessions) FindWritableSession(ctx context.Context, owner, uri string) (*gwmodel.Session, error) {
	found, err := s.SessionStor.FindWritableSession(ctx, owner, uri)
	s.once.Do(func() {
		if gwerr.Is(err, gwerr.NotFound) {
			s.rival = &gwmodel.Session{ID: "rival", URI: uri, Owner: owner, CreatedAt: time.Now().UTC()}
			s.err = s.SessionStor.CreateSession(ctx, s.rival)
		}
	})
	return found, err
}

func TestStart_LosesRaceToAnotherProcess(t *testing.T) {
	tc := newTestCase(t)

	db, err := gwdb.OpenInMemory()
	require.NoError(t, err)
	stors := stor.NewGormStors(db)
	racing := &racingSessions{SessionStor: stors.SessionStor}

	mgr := NewManager(Options{
		Sessions:    racing,
		Invitations: stors.InvitationStor,
		Router:      tc.router,
		Editor:      tc.editor,
	})

	s, err := mgr.Start(tc.ctx, tc.alice, StartRequest{Path: "docs/a.txt"})
	require.NoError(t, err)
	require.NoError(t, racing.err)
	require.Equal(t, "rival", s.ID)
	require.Empty(t, tc.ops(), "the losing start creates no editing document")
}

func TestInvite_SelfAcceptNeedsAnInvitation(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	_, err := tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.InvalidRequest), "accepting through invite: %v", err)

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.NotFound), "accepting without an invitation: %v", err)

	_, err = tc.mgr.Invite(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationRequested})
	require.NoError(t, err)

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "accepting own request: %v", err)

	_, err = tc.mgr.Start(tc.ctx, tc.bob, StartRequest{SessionID: s.ID})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied))
	require.NotContains(t, tc.ops(), "grant")

	inv, err := tc.mgr.UpdateInvitation(tc.ctx, tc.bob, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationDeclined})
	require.NoError(t, err, "a request can be withdrawn")
	require.Equal(t, gwmodel.InvitationDeclined, inv.Status)

	_, err = tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationInvited})
	require.NoError(t, err)
	inv, err = tc.mgr.UpdateInvitation(tc.ctx, tc.carol, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationAccepted})
	require.NoError(t, err)
	require.Equal(t, gwmodel.InvitationAccepted, inv.Status)

	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.alice, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationDeclined})
	require.NoError(t, err)
	_, err = tc.mgr.UpdateInvitation(tc.ctx, tc.carol, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationAccepted})
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied), "accepting after the owner declined: %v", err)
}

func TestInvitations_Since(t *testing.T) {
	tc := newTestCase(t)
	s := tc.start(tc.alice, "docs/a.txt")

	_, err := tc.mgr.Invite(tc.ctx, tc.alice, s.ID, InviteRequest{User: "bob", Status: gwmodel.InvitationInvited})
	require.NoError(t, err)

	mark := tc.now
	tc.now = tc.now.Add(time.Minute)
	_, err = tc.mgr.Invite(tc.ctx, tc.carol, s.ID, InviteRequest{User: "carol", Status: gwmodel.InvitationRequested})
	require.NoError(t, err)

	all, err := tc.mgr.Invitations(tc.ctx, tc.alice, InvitationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	recent, err := tc.mgr.Invitations(tc.ctx, tc.alice, InvitationFilter{Since: mark})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "carol", recent[0].User)

	mine, err := tc.mgr.Invitations(tc.ctx, tc.bob, InvitationFilter{SessionID: s.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "bob", mine[0].User)
}

func TestGC_RemovesOldSessions(t *testing.T) {
	tc := newTestCase(t)
	old := tc.start(tc.alice, "docs/a.txt")

	tc.now = tc.now.Add(23 * time.Hour)
	fresh := tc.start(tc.alice, "docs/b.txt")

	tc.now = tc.now.Add(2 * time.Hour)
	n, err := tc.mgr.Collect(tc.ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = tc.mgr.Get(tc.ctx, tc.alice, old.ID)
	require.True(t, gwerr.Is(err, gwerr.NotFound))
	_, err = tc.mgr.Get(tc.ctx, tc.alice, fresh.ID)
	require.NoError(t, err)
}
