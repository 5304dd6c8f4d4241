// Package docsession manages collaborative editing sessions on files and the invitations
// that let other users join them. Every session and invitation change is mirrored to the
// editing service; when the service call fails the local change is rolled back.
package docsession

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/docsession/editor"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/lock"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"golang.org/x/crypto/blake2b"
)

// Router is the part of the path router the session manager needs. *router.Router
// implements it.
type Router interface {
	Resolve(ctx context.Context, rc *reqctx.Context, virtualPath string) (driver.Driver, string, *gwmodel.MountPoint, error)
	PathToURI(ctx context.Context, rc *reqctx.Context, virtualPath string) (string, error)
	SealCredentials(rc *reqctx.Context, creds reqctx.Credentials) (string, error)
}

type Options struct {
	Sessions    stor.SessionStor
	Invitations stor.InvitationStor
	Router      Router
	Editor      editor.Adapter

	// MaxAge removes sessions older than this during GC. Zero keeps sessions.
	MaxAge time.Duration

	// Now defaults to the current UTC time.
	Now func() time.Time
}

type Manager struct {
	sessions    stor.SessionStor
	invitations stor.InvitationStor
	router      Router
	editor      editor.Adapter
	maxAge      time.Duration
	now         func() time.Time
	keyLocker   *lock.KeyLocker
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions:    opts.Sessions,
		invitations: opts.Invitations,
		router:      opts.Router,
		editor:      opts.Editor,
		maxAge:      opts.MaxAge,
		now:         opts.Now,
		keyLocker:   lock.NewKeyLocker(),
	}

	if m.editor == nil {
		m.editor = editor.NopAdapter{}
	}

	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}

	return m
}

type StartRequest struct {
	Path      string `json:"path"`
	MimeType  string `json:"mime_type"`
	SessionID string `json:"session_id"`
	Readonly  bool   `json:"readonly"`
}

// Start joins the session named by req.SessionID, or starts editing the file at
// req.Path. An owner starting a writable session on a file they already have one for
// gets the existing session back.
func (m *Manager) Start(ctx context.Context, rc *reqctx.Context, req StartRequest) (*gwmodel.Session, error) {
	if req.SessionID != "" {
		return m.join(ctx, rc, req.SessionID)
	}

	if req.Path == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "path or session id required")
	}

	d, rel, mount, err := m.router.Resolve(ctx, rc, req.Path)
	if err != nil {
		return nil, err
	}

	info, err := d.FileInfo(ctx, rel)
	if err != nil {
		return nil, err
	}

	if info.IsDir {
		return nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", req.Path)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = info.MimeType
	}

	uri, err := m.router.PathToURI(ctx, rc, req.Path)
	if err != nil {
		return nil, err
	}

	// The lock serializes starts in this process. The store's unique writer key catches
	// a start racing in another process, whose session is then returned.
	var session *gwmodel.Session
	err = m.keyLocker.WithLock(rc.User+"\x00"+uri, func() error {
		if !req.Readonly {
			existing, err := m.sessions.FindWritableSession(ctx, rc.User, uri)
			switch {
			case err == nil:
				session = existing
				return nil
			case !gwerr.Is(err, gwerr.NotFound):
				return err
			}
		}

		session, err = m.create(ctx, rc, uri, mimeType, req.Readonly, mount)
		if err != nil && !req.Readonly && gwerr.Is(err, gwerr.AlreadyExists) {
			session, err = m.sessions.FindWritableSession(ctx, rc.User, uri)
		}
		return err
	})

	if err != nil {
		return nil, err
	}

	return m.decorate(ctx, rc, session), nil
}

func (m *Manager) create(ctx context.Context, rc *reqctx.Context, uri, mimeType string, readonly bool, mount *gwmodel.MountPoint) (*gwmodel.Session, error) {
	id, err := m.newSessionID(uri)
	if err != nil {
		return nil, err
	}

	data := gwmodel.SessionData{Type: mimeType}
	if mount != nil && !mount.IsAdminPreconfigured {
		if creds, ok := rc.MountCredentials(mount.Title); ok {
			if data.AuthInfo, err = m.router.SealCredentials(rc, creds); err != nil {
				return nil, err
			}
		}
	}

	session := &gwmodel.Session{
		ID:        id,
		URI:       uri,
		Owner:     rc.User,
		OwnerName: rc.UserName,
		Readonly:  readonly,
		CreatedAt: m.now(),
	}

	if err := session.SetData(data); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, err, "encoding session data")
	}

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := m.editor.CreateDocument(ctx, session.ID, session.Owner); err != nil {
		if rbErr := m.sessions.DeleteSession(ctx, session.ID); rbErr != nil {
			clog.UsingCtx("docsession").WithField("session", session.ID).
				Errorf("Rolling back session after editor failure failed: %s", rbErr)
		}
		return nil, err
	}

	clog.UsingCtx("docsession").WithField("session", session.ID).WithField("uri", uri).
		Infof("Started session for %s", rc.User)
	return session, nil
}

// newSessionID digests the time, the uri and a random nonce.
func (m *Manager) newSessionID(uri string) (string, error) {
	nonce, err := uuid.GenerateUUID()
	if err != nil {
		return "", gwerr.Wrap(gwerr.Internal, err, "generating session nonce")
	}

	sum := blake2b.Sum256([]byte(strconv.FormatInt(time.Now().UnixNano(), 10) + "\x00" + uri + "\x00" + nonce))
	return hex.EncodeToString(sum[:]), nil
}

func (m *Manager) join(ctx context.Context, rc *reqctx.Context, id string) (*gwmodel.Session, error) {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Owner == rc.User {
		return m.decorate(ctx, rc, session), nil
	}

	inv, err := m.invitations.GetInvitation(ctx, id, rc.User)
	switch {
	case gwerr.Is(err, gwerr.NotFound):
		return nil, gwerr.E(gwerr.PermissionDenied, "no permission to join session %s", id)
	case err != nil:
		return nil, err
	case !gwmodel.GrantsAccess(inv.Status):
		return nil, gwerr.E(gwerr.PermissionDenied, "no permission to join session %s", id)
	}

	if inv.Status == gwmodel.InvitationInvited {
		inv.Status = gwmodel.InvitationAccepted
		inv.ChangedAt = m.now()
		if err := m.invitations.SaveInvitation(ctx, inv); err != nil {
			return nil, err
		}
	}

	return m.decorate(ctx, rc, session), nil
}

// Get returns a session its owner or an invited user may see.
func (m *Manager) Get(ctx context.Context, rc *reqctx.Context, id string) (*gwmodel.Session, error) {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.Owner != rc.User {
		if _, err := m.invitations.GetInvitation(ctx, id, rc.User); err != nil {
			if gwerr.Is(err, gwerr.NotFound) {
				return nil, gwerr.E(gwerr.PermissionDenied, "no permission to see session %s", id)
			}
			return nil, err
		}
	}

	return m.decorate(ctx, rc, session), nil
}

// Delete removes a session. Only the owner may delete it. The editing document goes
// first so a failure leaves both sides in place.
func (m *Manager) Delete(ctx context.Context, rc *reqctx.Context, id string) error {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if session.Owner != rc.User {
		return gwerr.E(gwerr.PermissionDenied, "only the owner may delete session %s", id)
	}

	if err := m.editor.DeleteDocument(ctx, id); err != nil {
		return err
	}

	if err := m.sessions.DeleteSession(ctx, id); err != nil {
		return err
	}

	clog.UsingCtx("docsession").WithField("session", id).Infof("Deleted session")
	return nil
}

// FindByPath lists the sessions on the file at virtualPath.
func (m *Manager) FindByPath(ctx context.Context, rc *reqctx.Context, virtualPath string) ([]gwmodel.Session, error) {
	uri, err := m.router.PathToURI(ctx, rc, virtualPath)
	if err != nil {
		return nil, err
	}

	sessions, err := m.sessions.ListSessionsByURI(ctx, uri)
	if err != nil {
		return nil, err
	}

	return m.decorateAll(ctx, rc, sessions), nil
}

// FindEligible lists the sessions the user owns, is invited to, or may ask to join
// because the file lies below one of folderPaths. Folders the user cannot reach as a
// folder are ignored.
func (m *Manager) FindEligible(ctx context.Context, rc *reqctx.Context, folderPaths []string) ([]gwmodel.Session, error) {
	folderURIs := make([]string, 0, len(folderPaths))
	for _, p := range folderPaths {
		uri, err := m.reachableFolderURI(ctx, rc, p)
		if err != nil {
			clog.UsingCtx("docsession").WithField("user", rc.User).WithField("folder", p).
				Debugf("Skipping folder: %s", err)
			continue
		}
		folderURIs = append(folderURIs, uri)
	}

	sessions, err := m.sessions.ListSessionsForUser(ctx, rc.User, folderURIs)
	if err != nil {
		return nil, err
	}

	return m.decorateAll(ctx, rc, sessions), nil
}

// reachableFolderURI returns the URI of the folder at virtualPath after checking that rc
// can see it on its backend.
func (m *Manager) reachableFolderURI(ctx context.Context, rc *reqctx.Context, virtualPath string) (string, error) {
	d, rel, _, err := m.router.Resolve(ctx, rc, virtualPath)
	if err != nil {
		return "", err
	}

	if rel != "" {
		info, err := d.FileInfo(ctx, rel)
		switch {
		case err != nil:
			return "", err
		case !info.IsDir:
			return "", gwerr.E(gwerr.InvalidRequest, "%s is not a folder", virtualPath)
		}
	}

	return m.router.PathToURI(ctx, rc, virtualPath)
}

// RewriteURI follows a moved file or folder.
func (m *Manager) RewriteURI(ctx context.Context, oldURI, newURI string, isFolder bool) error {
	n, err := m.sessions.RewriteSessionURIs(ctx, oldURI, newURI, isFolder)
	if err != nil {
		return err
	}

	if n > 0 {
		clog.UsingCtx("docsession").WithField("old", oldURI).WithField("new", newURI).
			Infof("Rewrote %d session uris", n)
	}

	return nil
}

// GC deletes sessions older than the maximum age. A session whose editing document
// cannot be removed is kept for the next run.
func (m *Manager) GC(ctx context.Context) (int64, error) {
	if m.maxAge <= 0 {
		return 0, nil
	}

	stale, err := m.sessions.ListSessionsCreatedBefore(ctx, m.now().Add(-m.maxAge))
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, session := range stale {
		if err := m.editor.DeleteDocument(ctx, session.ID); err != nil {
			clog.UsingCtx("docsession").WithField("session", session.ID).Warnf("Removing editing document failed: %s", err)
			continue
		}

		if err := m.sessions.DeleteSession(ctx, session.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		clog.UsingCtx("docsession").Infof("Removed %d stale sessions", removed)
	}

	return removed, nil
}

func (m *Manager) Name() string {
	return "sessions"
}

func (m *Manager) Collect(ctx context.Context) (int64, error) {
	return m.GC(ctx)
}

// decorate fills the per-user fields of a session.
func (m *Manager) decorate(ctx context.Context, rc *reqctx.Context, session *gwmodel.Session) *gwmodel.Session {
	if data, err := session.GetData(); err == nil {
		session.Type = data.Type
	}

	session.IsOwner = session.Owner == rc.User
	session.Invitation = ""
	if !session.IsOwner {
		if inv, err := m.invitations.GetInvitation(ctx, session.ID, rc.User); err == nil {
			session.Invitation = inv.Status
		}
	}

	return session
}

func (m *Manager) decorateAll(ctx context.Context, rc *reqctx.Context, sessions []gwmodel.Session) []gwmodel.Session {
	for i := range sessions {
		m.decorate(ctx, rc, &sessions[i])
	}

	return sessions
}
