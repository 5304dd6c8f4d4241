package stor

import (
	"context"
	"time"

	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormInvitationStor struct {
	db *gorm.DB
}

func NewGormInvitationStor(db *gorm.DB) *GormInvitationStor {
	return &GormInvitationStor{db: db}
}

func (s *GormInvitationStor) GetInvitation(ctx context.Context, sessionID, user string) (*gwmodel.Invitation, error) {
	var invitation gwmodel.Invitation
	err := s.db.WithContext(ctx).Where("session_id = ? AND invitee = ?", sessionID, user).First(&invitation).Error
	if err != nil {
		return nil, toKindErr(err, "invitation")
	}

	return &invitation, nil
}

// SaveInvitation inserts or replaces the invitation for (session, user).
func (s *GormInvitationStor) SaveInvitation(ctx context.Context, invitation *gwmodel.Invitation) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "invitee"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "status", "comment", "changed_at"}),
	}).Create(invitation).Error

	return toKindErr(err, "invitation")
}

func (s *GormInvitationStor) DeleteInvitation(ctx context.Context, sessionID, user string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND invitee = ?", sessionID, user).
		Delete(&gwmodel.Invitation{}).Error

	return toKindErr(err, "invitation")
}

func (s *GormInvitationStor) ListInvitationsForSession(ctx context.Context, sessionID string) ([]gwmodel.Invitation, error) {
	var invitations []gwmodel.Invitation
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("changed_at").Find(&invitations).Error
	return invitations, toKindErr(err, "invitations")
}

// ListInvitationsForUser returns invitations addressed to user changed after since.
func (s *GormInvitationStor) ListInvitationsForUser(ctx context.Context, user string, since time.Time) ([]gwmodel.Invitation, error) {
	var invitations []gwmodel.Invitation
	err := s.db.WithContext(ctx).
		Where("invitee = ? AND changed_at > ?", user, since).
		Order("changed_at").
		Find(&invitations).Error

	return invitations, toKindErr(err, "invitations")
}

// ListInvitationsForOwner returns invitations on sessions owned by owner changed after since.
func (s *GormInvitationStor) ListInvitationsForOwner(ctx context.Context, owner string, since time.Time) ([]gwmodel.Invitation, error) {
	var invitations []gwmodel.Invitation
	owned := s.db.Model(&gwmodel.Session{}).Select("id").Where("owner = ?", owner)
	err := s.db.WithContext(ctx).
		Where("session_id IN (?) AND changed_at > ?", owned, since).
		Order("changed_at").
		Find(&invitations).Error

	return invitations, toKindErr(err, "invitations")
}
