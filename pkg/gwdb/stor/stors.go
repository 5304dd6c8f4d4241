package stor

import (
	"context"
	"errors"
	"time"

	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"gorm.io/gorm"
)

type LockStor interface {
	// UpsertLock inserts lock or, when a lock with the same (uri, token) exists,
	// updates its owner, scope, depth, timeout and expiry.
	UpsertLock(ctx context.Context, lock *gwmodel.Lock) error
	GetLock(ctx context.Context, uri, token string) (*gwmodel.Lock, error)
	DeleteLock(ctx context.Context, uri, token string) error
	ListLocksForURI(ctx context.Context, uri string, now time.Time) ([]gwmodel.Lock, error)
	ListDescendantLocks(ctx context.Context, uri string, now time.Time) ([]gwmodel.Lock, error)
	ListInfiniteLocksForURIs(ctx context.Context, uris []string, now time.Time) ([]gwmodel.Lock, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

type SessionStor interface {
	CreateSession(ctx context.Context, session *gwmodel.Session) error
	GetSession(ctx context.Context, id string) (*gwmodel.Session, error)
	FindWritableSession(ctx context.Context, owner, uri string) (*gwmodel.Session, error)
	ListSessionsByURI(ctx context.Context, uri string) ([]gwmodel.Session, error)
	ListSessionsForUser(ctx context.Context, user string, folderURIs []string) ([]gwmodel.Session, error)

	// DeleteSession removes the session and all of its invitations.
	DeleteSession(ctx context.Context, id string) error
	RewriteSessionURIs(ctx context.Context, oldURI, newURI string, isFolder bool) (int, error)
	ListSessionsCreatedBefore(ctx context.Context, before time.Time) ([]gwmodel.Session, error)
}

type InvitationStor interface {
	GetInvitation(ctx context.Context, sessionID, user string) (*gwmodel.Invitation, error)
	SaveInvitation(ctx context.Context, invitation *gwmodel.Invitation) error
	DeleteInvitation(ctx context.Context, sessionID, user string) error
	ListInvitationsForSession(ctx context.Context, sessionID string) ([]gwmodel.Invitation, error)
	ListInvitationsForUser(ctx context.Context, user string, since time.Time) ([]gwmodel.Invitation, error)
	ListInvitationsForOwner(ctx context.Context, owner string, since time.Time) ([]gwmodel.Invitation, error)
}

type MountPointStor interface {
	CreateMountPoint(ctx context.Context, mp *gwmodel.MountPoint) (*gwmodel.MountPoint, error)
	UpdateMountPoint(ctx context.Context, mp *gwmodel.MountPoint) (*gwmodel.MountPoint, error)
	GetMountPointByTitle(ctx context.Context, owner, title string) (*gwmodel.MountPoint, error)
	ListMountPointsForOwner(ctx context.Context, owner string) ([]gwmodel.MountPoint, error)
	DeleteMountPoint(ctx context.Context, owner, title string) error
}

type Stors struct {
	LockStor       LockStor
	SessionStor    SessionStor
	InvitationStor InvitationStor
	MountPointStor MountPointStor
}

func NewGormStors(db *gorm.DB) *Stors {
	return &Stors{
		LockStor:       NewGormLockStor(db),
		SessionStor:    NewGormSessionStor(db),
		InvitationStor: NewGormInvitationStor(db),
		MountPointStor: NewGormMountPointStor(db),
	}
}

// toKindErr maps gorm errors onto gateway error kinds.
func toKindErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return gwerr.Wrapf(gwerr.AlreadyExists, err, "%s already exists", what)
	default:
		return gwerr.Wrapf(gwerr.Internal, err, "%s", what)
	}
}

// likeEscape is the LIKE escape character. A backslash would need different quoting in
// mysql and sqlite.
const likeEscape = '!'

// prefixLike is a LIKE condition matching everything that starts with a literal prefix.
const prefixLike = "uri LIKE ? ESCAPE '!'"

// escapeLike escapes LIKE wildcards so a URI can be used as a literal prefix. LIKE may be
// case-insensitive, so callers recheck matches with strings.HasPrefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case likeEscape, '%', '_':
			out = append(out, likeEscape)
		}
		out = append(out, s[i])
	}

	return string(out)
}
