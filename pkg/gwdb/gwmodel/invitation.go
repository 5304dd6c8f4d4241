package gwmodel

import (
	"strings"
	"time"
)

const (
	InvitationInvited   = "invited"
	InvitationRequested = "requested"
	InvitationAccepted  = "accepted"
	InvitationDeclined  = "declined"

	// OwnerSuffix marks a status set by the session owner on behalf of the user.
	OwnerSuffix = "-owner"

	InvitationAcceptedOwner = InvitationAccepted + OwnerSuffix
	InvitationDeclinedOwner = InvitationDeclined + OwnerSuffix
)

type Invitation struct {
	SessionID string    `json:"session_id" gorm:"primaryKey;size:64"`
	User      string    `json:"user" gorm:"column:invitee;primaryKey;size:255"`
	UserName  string    `json:"user_name"`
	Status    string    `json:"status" gorm:"size:32"`
	Comment   string    `json:"comment"`
	ChangedAt time.Time `json:"changed_at" gorm:"index"`
}

func (Invitation) TableName() string {
	return "doc_invitations"
}

// BaseStatus strips the owner attribution suffix.
func BaseStatus(status string) string {
	return strings.TrimSuffix(status, OwnerSuffix)
}

// GrantsAccess reports whether a user holding an invitation in this status may join.
func GrantsAccess(status string) bool {
	switch status {
	case InvitationInvited, InvitationAccepted, InvitationAcceptedOwner:
		return true
	default:
		return false
	}
}

func IsValidStatus(status string) bool {
	switch status {
	case InvitationInvited, InvitationRequested, InvitationAccepted, InvitationDeclined,
		InvitationAcceptedOwner, InvitationDeclinedOwner:
		return true
	default:
		return false
	}
}
