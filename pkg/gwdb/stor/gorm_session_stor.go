package stor

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"gorm.io/gorm"
)

type GormSessionStor struct {
	db *gorm.DB
}

func NewGormSessionStor(db *gorm.DB) *GormSessionStor {
	return &GormSessionStor{db: db}
}

// CreateSession stores session. A second writable session of the same owner on the same
// URI fails with AlreadyExists.
func (s *GormSessionStor) CreateSession(ctx context.Context, session *gwmodel.Session) error {
	session.WriterKey = nil
	if !session.Readonly {
		key := writerKey(session.Owner, session.URI)
		session.WriterKey = &key
	}

	err := WithTxRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		return tx.Create(session).Error
	})

	return toKindErr(err, "session")
}

func (s *GormSessionStor) GetSession(ctx context.Context, id string) (*gwmodel.Session, error) {
	var session gwmodel.Session
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return nil, toKindErr(err, "session "+id)
	}

	return &session, nil
}

// FindWritableSession returns the newest non-readonly session owner holds on uri.
func (s *GormSessionStor) FindWritableSession(ctx context.Context, owner, uri string) (*gwmodel.Session, error) {
	var session gwmodel.Session
	err := s.db.WithContext(ctx).
		Where("owner = ? AND uri = ? AND readonly = ?", owner, uri, false).
		Order("created_at desc").
		First(&session).Error
	if err != nil {
		return nil, toKindErr(err, "session")
	}

	return &session, nil
}

func (s *GormSessionStor) ListSessionsByURI(ctx context.Context, uri string) ([]gwmodel.Session, error) {
	var sessions []gwmodel.Session
	err := s.db.WithContext(ctx).Where("uri = ?", uri).Order("created_at").Find(&sessions).Error
	return sessions, toKindErr(err, "sessions")
}

// ListSessionsForUser returns sessions user owns, sessions user holds an invitation for,
// and sessions on files below any of folderURIs.
func (s *GormSessionStor) ListSessionsForUser(ctx context.Context, user string, folderURIs []string) ([]gwmodel.Session, error) {
	var sessions []gwmodel.Session

	invited := s.db.Model(&gwmodel.Invitation{}).Select("session_id").Where("invitee = ?", user)
	q := s.db.WithContext(ctx).Where("owner = ?", user).Or("id IN (?)", invited)
	for _, folderURI := range folderURIs {
		prefix := strings.TrimSuffix(folderURI, "/") + "/"
		q = q.Or(prefixLike, escapeLike(prefix)+"%")
	}

	if err := q.Order("created_at").Find(&sessions).Error; err != nil {
		return nil, toKindErr(err, "sessions")
	}

	if len(folderURIs) == 0 {
		return sessions, nil
	}

	var invitedIDs []string
	err := s.db.WithContext(ctx).Model(&gwmodel.Invitation{}).Where("invitee = ?", user).Pluck("session_id", &invitedIDs).Error
	if err != nil {
		return nil, toKindErr(err, "invitations")
	}

	isInvited := make(map[string]bool, len(invitedIDs))
	for _, id := range invitedIDs {
		isInvited[id] = true
	}

	matching := sessions[:0]
	for _, session := range sessions {
		if session.Owner == user || isInvited[session.ID] || underAny(session.URI, folderURIs) {
			matching = append(matching, session)
		}
	}

	return matching, nil
}

func underAny(uri string, folderURIs []string) bool {
	for _, folderURI := range folderURIs {
		if strings.HasPrefix(uri, strings.TrimSuffix(folderURI, "/")+"/") {
			return true
		}
	}

	return false
}

func (s *GormSessionStor) DeleteSession(ctx context.Context, id string) error {
	err := WithTxRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&gwmodel.Invitation{}).Error; err != nil {
			return errors.Wrapf(err, "deleting invitations for session %s", id)
		}

		return tx.Where("id = ?", id).Delete(&gwmodel.Session{}).Error
	})

	return toKindErr(err, "session "+id)
}

// RewriteSessionURIs points sessions on oldURI at newURI. When isFolder is set every
// session below oldURI has its prefix replaced as well. A writable session moved onto a
// URI where its owner already has one gives up its writer key. Returns the number of
// sessions changed.
func (s *GormSessionStor) RewriteSessionURIs(ctx context.Context, oldURI, newURI string, isFolder bool) (int, error) {
	oldPrefix := strings.TrimSuffix(oldURI, "/") + "/"
	newPrefix := strings.TrimSuffix(newURI, "/") + "/"

	count := 0
	err := WithTxRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		count = 0

		q := tx.Select("id", "owner", "uri", "readonly").Where("uri = ?", oldURI)
		if isFolder {
			q = q.Or(prefixLike, escapeLike(oldPrefix)+"%")
		}

		var affected []gwmodel.Session
		if err := q.Find(&affected).Error; err != nil {
			return err
		}

		for _, session := range affected {
			var rewritten string
			switch {
			case session.URI == oldURI:
				rewritten = newURI
			case isFolder && strings.HasPrefix(session.URI, oldPrefix):
				rewritten = newPrefix + strings.TrimPrefix(session.URI, oldPrefix)
			default:
				continue
			}

			updates := map[string]any{"uri": rewritten}
			if !session.Readonly {
				key, err := freeWriterKey(tx, session.ID, session.Owner, rewritten)
				if err != nil {
					return err
				}
				updates["writer_key"] = key
			}

			err := tx.Model(&gwmodel.Session{}).Where("id = ?", session.ID).Updates(updates).Error
			if err != nil {
				return errors.Wrapf(err, "rewriting uri of session %s", session.ID)
			}
			count++
		}

		return nil
	})

	return count, toKindErr(err, "session uri rewrite")
}

// freeWriterKey returns the writer key for owner and uri, or nil when another session
// already holds it.
func freeWriterKey(tx *gorm.DB, id, owner, uri string) (*string, error) {
	key := writerKey(owner, uri)

	var holders int64
	err := tx.Model(&gwmodel.Session{}).Where("writer_key = ? AND id <> ?", key, id).Count(&holders).Error
	if err != nil {
		return nil, errors.Wrapf(err, "checking writer key of session %s", id)
	}

	if holders > 0 {
		return nil, nil
	}

	return &key, nil
}

func writerKey(owner, uri string) string {
	sum := blake2b.Sum256([]byte(owner + "\x00" + uri))
	return hex.EncodeToString(sum[:])
}

func (s *GormSessionStor) ListSessionsCreatedBefore(ctx context.Context, before time.Time) ([]gwmodel.Session, error) {
	var sessions []gwmodel.Session
	err := s.db.WithContext(ctx).Where("created_at < ?", before).Find(&sessions).Error
	return sessions, toKindErr(err, "sessions")
}
