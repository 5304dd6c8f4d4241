package stor

import (
	"context"
	"strings"
	"time"

	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormLockStor struct {
	db *gorm.DB
}

func NewGormLockStor(db *gorm.DB) *GormLockStor {
	return &GormLockStor{db: db}
}

func (s *GormLockStor) UpsertLock(ctx context.Context, lock *gwmodel.Lock) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}, {Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "scope", "depth", "timeout", "created_at", "expires"}),
	}).Create(lock).Error

	return toKindErr(err, "lock")
}

func (s *GormLockStor) GetLock(ctx context.Context, uri, token string) (*gwmodel.Lock, error) {
	var lock gwmodel.Lock
	err := s.db.WithContext(ctx).Where("uri = ? AND token = ?", uri, token).First(&lock).Error
	if err != nil {
		return nil, toKindErr(err, "lock")
	}

	return &lock, nil
}

func (s *GormLockStor) DeleteLock(ctx context.Context, uri, token string) error {
	err := s.db.WithContext(ctx).Where("uri = ? AND token = ?", uri, token).Delete(&gwmodel.Lock{}).Error
	return toKindErr(err, "lock")
}

func (s *GormLockStor) ListLocksForURI(ctx context.Context, uri string, now time.Time) ([]gwmodel.Lock, error) {
	var locks []gwmodel.Lock
	err := s.db.WithContext(ctx).
		Where("uri = ? AND expires > ?", uri, now).
		Order("created_at").
		Find(&locks).Error

	return locks, toKindErr(err, "locks")
}

func (s *GormLockStor) ListDescendantLocks(ctx context.Context, uri string, now time.Time) ([]gwmodel.Lock, error) {
	var locks []gwmodel.Lock
	err := s.db.WithContext(ctx).
		Where(prefixLike+" AND expires > ?", escapeLike(uri)+"/%", now).
		Order("uri, created_at").
		Find(&locks).Error
	if err != nil {
		return nil, toKindErr(err, "locks")
	}

	prefix := uri + "/"
	descendants := locks[:0]
	for _, lock := range locks {
		if strings.HasPrefix(lock.URI, prefix) {
			descendants = append(descendants, lock)
		}
	}

	return descendants, nil
}

func (s *GormLockStor) ListInfiniteLocksForURIs(ctx context.Context, uris []string, now time.Time) ([]gwmodel.Lock, error) {
	var locks []gwmodel.Lock
	if len(uris) == 0 {
		return locks, nil
	}

	err := s.db.WithContext(ctx).
		Where("uri IN ? AND depth = ? AND expires > ?", uris, gwmodel.DepthInfinite, now).
		Order("uri, created_at").
		Find(&locks).Error

	return locks, toKindErr(err, "locks")
}

func (s *GormLockStor) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires <= ?", now).Delete(&gwmodel.Lock{})
	return result.RowsAffected, toKindErr(result.Error, "expired locks")
}
