package stor

import (
	"context"

	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"gorm.io/gorm"
)

type GormMountPointStor struct {
	db *gorm.DB
}

func NewGormMountPointStor(db *gorm.DB) *GormMountPointStor {
	return &GormMountPointStor{db: db}
}

// CreateMountPoint stores mp. Fails with AlreadyExists when the owner already has an
// enabled mount point with the same title.
func (s *GormMountPointStor) CreateMountPoint(ctx context.Context, mp *gwmodel.MountPoint) (*gwmodel.MountPoint, error) {
	err := WithTxRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if mp.Enabled {
			if err := ensureTitleFree(tx, mp); err != nil {
				return err
			}
		}

		return tx.Create(mp).Error
	})

	if err != nil {
		return nil, mountErr(err)
	}

	return mp, nil
}

func (s *GormMountPointStor) UpdateMountPoint(ctx context.Context, mp *gwmodel.MountPoint) (*gwmodel.MountPoint, error) {
	err := WithTxRetry(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if mp.Enabled {
			if err := ensureTitleFree(tx, mp); err != nil {
				return err
			}
		}

		result := tx.Model(&gwmodel.MountPoint{}).
			Where("id = ? AND owner = ?", mp.ID, mp.Owner).
			Updates(map[string]interface{}{
				"title":       mp.Title,
				"driver_kind": mp.DriverKind,
				"credentials": mp.Credentials,
				"enabled":     mp.Enabled,
			})
		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return gwerr.E(gwerr.NotFound, "mount point %d not found", mp.ID)
		}

		return nil
	})

	if err != nil {
		return nil, mountErr(err)
	}

	return mp, nil
}

func (s *GormMountPointStor) GetMountPointByTitle(ctx context.Context, owner, title string) (*gwmodel.MountPoint, error) {
	var mp gwmodel.MountPoint
	err := s.db.WithContext(ctx).Where("owner = ? AND title = ?", owner, title).First(&mp).Error
	if err != nil {
		return nil, toKindErr(err, "mount point "+title)
	}

	return &mp, nil
}

func (s *GormMountPointStor) ListMountPointsForOwner(ctx context.Context, owner string) ([]gwmodel.MountPoint, error) {
	var mps []gwmodel.MountPoint
	err := s.db.WithContext(ctx).Where("owner = ?", owner).Order("title").Find(&mps).Error
	return mps, toKindErr(err, "mount points")
}

func (s *GormMountPointStor) DeleteMountPoint(ctx context.Context, owner, title string) error {
	result := s.db.WithContext(ctx).Where("owner = ? AND title = ?", owner, title).Delete(&gwmodel.MountPoint{})
	if result.Error != nil {
		return toKindErr(result.Error, "mount point "+title)
	}

	if result.RowsAffected == 0 {
		return gwerr.E(gwerr.NotFound, "mount point %s not found", title)
	}

	return nil
}

func ensureTitleFree(tx *gorm.DB, mp *gwmodel.MountPoint) error {
	var count int64
	err := tx.Model(&gwmodel.MountPoint{}).
		Where("owner = ? AND title = ? AND enabled = ? AND id <> ?", mp.Owner, mp.Title, true, mp.ID).
		Count(&count).Error
	if err != nil {
		return err
	}

	if count != 0 {
		return gwerr.E(gwerr.AlreadyExists, "mount point %s already exists", mp.Title)
	}

	return nil
}

// mountErr keeps kinded errors raised inside a transaction and maps the rest.
func mountErr(err error) error {
	if _, ok := err.(*gwerr.Error); ok {
		return err
	}

	return toKindErr(err, "mount point")
}
