package docsession

import (
	"context"
	"sort"
	"time"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/docsession/editor"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
)

type InviteRequest struct {
	User     string `json:"user"`
	UserName string `json:"user_name"`
	Status   string `json:"status"`
	Comment  string `json:"comment"`
}

// Invite creates or replaces the invitation of req.User to a session. The owner
// invites; any other user may only request access for themselves. Answers go through
// UpdateInvitation.
func (m *Manager) Invite(ctx context.Context, rc *reqctx.Context, id string, req InviteRequest) (*gwmodel.Invitation, error) {
	switch gwmodel.BaseStatus(req.Status) {
	case gwmodel.InvitationInvited, gwmodel.InvitationRequested:
	case gwmodel.InvitationAccepted, gwmodel.InvitationDeclined:
		return nil, gwerr.E(gwerr.InvalidRequest, "an invitation must exist before it is %s", req.Status)
	default:
		return nil, gwerr.E(gwerr.InvalidRequest, "invalid invitation status '%s'", req.Status)
	}

	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	previous, err := m.invitations.GetInvitation(ctx, id, req.User)
	switch {
	case gwerr.Is(err, gwerr.NotFound):
		previous = nil
	case err != nil:
		return nil, err
	}

	return m.saveInvitation(ctx, rc, session, previous, req)
}

// UpdateInvitation changes the status of an existing invitation. Only the invited user
// or the session owner may change it; a change made by the owner is marked with the
// owner suffix.
func (m *Manager) UpdateInvitation(ctx context.Context, rc *reqctx.Context, id string, req InviteRequest) (*gwmodel.Invitation, error) {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	previous, err := m.invitations.GetInvitation(ctx, id, req.User)
	if err != nil {
		return nil, err
	}

	switch gwmodel.BaseStatus(req.Status) {
	case gwmodel.InvitationAccepted, gwmodel.InvitationDeclined:
	default:
		return nil, gwerr.E(gwerr.InvalidRequest, "an invitation can only be accepted or declined, not '%s'", req.Status)
	}

	if req.UserName == "" {
		req.UserName = previous.UserName
	}

	return m.saveInvitation(ctx, rc, session, previous, req)
}

// resolveStatus checks that rc may move user's invitation from previous, which is nil
// when there is none, to status and returns the status to store. The user may accept
// only an invitation that grants access already; declining is always allowed.
func resolveStatus(rc *reqctx.Context, session *gwmodel.Session, previous *gwmodel.Invitation, user, status string) (string, error) {
	isOwner := rc.User == session.Owner
	isSelf := rc.User == user

	switch gwmodel.BaseStatus(status) {
	case gwmodel.InvitationInvited:
		if !isOwner {
			return "", gwerr.E(gwerr.PermissionDenied, "only the session owner may invite")
		}
		return gwmodel.InvitationInvited, nil

	case gwmodel.InvitationRequested:
		if !isSelf {
			return "", gwerr.E(gwerr.PermissionDenied, "access can only be requested for yourself")
		}
		return gwmodel.InvitationRequested, nil

	case gwmodel.InvitationAccepted, gwmodel.InvitationDeclined:
		if previous == nil {
			return "", gwerr.E(gwerr.NotFound, "%s has no invitation to answer", user)
		}

		switch {
		case isSelf && gwmodel.BaseStatus(status) == gwmodel.InvitationAccepted && !gwmodel.GrantsAccess(previous.Status):
			return "", gwerr.E(gwerr.PermissionDenied, "%s cannot accept an invitation that is %s", user, previous.Status)
		case isSelf:
			return gwmodel.BaseStatus(status), nil
		case isOwner:
			return gwmodel.BaseStatus(status) + gwmodel.OwnerSuffix, nil
		default:
			return "", gwerr.E(gwerr.PermissionDenied, "only %s or the session owner may answer this invitation", user)
		}
	}

	return "", gwerr.E(gwerr.InvalidRequest, "invalid invitation status '%s'", status)
}

func (m *Manager) saveInvitation(ctx context.Context, rc *reqctx.Context, session *gwmodel.Session, previous *gwmodel.Invitation, req InviteRequest) (*gwmodel.Invitation, error) {
	if req.User == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "user required")
	}

	if req.User == session.Owner {
		return nil, gwerr.E(gwerr.InvalidRequest, "the session owner cannot be invited")
	}

	status, err := resolveStatus(rc, session, previous, req.User, req.Status)
	if err != nil {
		return nil, err
	}

	inv := &gwmodel.Invitation{
		SessionID: session.ID,
		User:      req.User,
		UserName:  req.UserName,
		Status:    status,
		Comment:   req.Comment,
		ChangedAt: m.now(),
	}

	if inv.UserName == "" {
		inv.UserName = req.User
	}

	if err := m.invitations.SaveInvitation(ctx, inv); err != nil {
		return nil, err
	}

	if err := m.mirrorAccess(ctx, session, inv); err != nil {
		m.rollbackInvitation(ctx, session.ID, req.User, previous)
		return nil, err
	}

	clog.UsingCtx("docsession").WithField("session", session.ID).WithField("user", inv.User).
		Infof("Invitation is now %s", inv.Status)
	return inv, nil
}

// mirrorAccess grants or revokes access on the editing service to match inv.
func (m *Manager) mirrorAccess(ctx context.Context, session *gwmodel.Session, inv *gwmodel.Invitation) error {
	switch {
	case gwmodel.GrantsAccess(inv.Status):
		perm := editor.PermissionWrite
		if session.Readonly {
			perm = editor.PermissionRead
		}
		return m.editor.GrantAccess(ctx, session.ID, inv.User, perm)

	case gwmodel.BaseStatus(inv.Status) == gwmodel.InvitationDeclined:
		return m.editor.RevokeAccess(ctx, session.ID, inv.User)
	}

	return nil
}

func (m *Manager) rollbackInvitation(ctx context.Context, sessionID, user string, previous *gwmodel.Invitation) {
	var err error
	if previous != nil {
		err = m.invitations.SaveInvitation(ctx, previous)
	} else {
		err = m.invitations.DeleteInvitation(ctx, sessionID, user)
	}

	if err != nil {
		clog.UsingCtx("docsession").WithField("session", sessionID).WithField("user", user).
			Errorf("Rolling back invitation after editor failure failed: %s", err)
	}
}

// DeleteInvitation removes user's invitation and revokes their access. Only the session
// owner may do this.
func (m *Manager) DeleteInvitation(ctx context.Context, rc *reqctx.Context, id, user string) error {
	session, err := m.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if session.Owner != rc.User {
		return gwerr.E(gwerr.PermissionDenied, "only the owner may remove invitations")
	}

	if _, err := m.invitations.GetInvitation(ctx, id, user); err != nil {
		return err
	}

	if err := m.editor.RevokeAccess(ctx, id, user); err != nil {
		return err
	}

	return m.invitations.DeleteInvitation(ctx, id, user)
}

type InvitationFilter struct {
	// SessionID limits the result to one session.
	SessionID string

	// Since limits the result to invitations changed after it.
	Since time.Time
}

// Invitations lists the invitations addressed to the user and those on sessions the user
// owns, oldest change first.
func (m *Manager) Invitations(ctx context.Context, rc *reqctx.Context, filter InvitationFilter) ([]gwmodel.Invitation, error) {
	if filter.SessionID != "" {
		return m.sessionInvitations(ctx, rc, filter)
	}

	addressed, err := m.invitations.ListInvitationsForUser(ctx, rc.User, filter.Since)
	if err != nil {
		return nil, err
	}

	managed, err := m.invitations.ListInvitationsForOwner(ctx, rc.User, filter.Since)
	if err != nil {
		return nil, err
	}

	all := append(addressed, managed...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].ChangedAt.Before(all[j].ChangedAt) })
	return all, nil
}

func (m *Manager) sessionInvitations(ctx context.Context, rc *reqctx.Context, filter InvitationFilter) ([]gwmodel.Invitation, error) {
	session, err := m.sessions.GetSession(ctx, filter.SessionID)
	if err != nil {
		return nil, err
	}

	var invitations []gwmodel.Invitation
	if session.Owner == rc.User {
		if invitations, err = m.invitations.ListInvitationsForSession(ctx, session.ID); err != nil {
			return nil, err
		}
	} else {
		inv, err := m.invitations.GetInvitation(ctx, session.ID, rc.User)
		switch {
		case gwerr.Is(err, gwerr.NotFound):
			return nil, gwerr.E(gwerr.PermissionDenied, "no permission to see invitations of session %s", session.ID)
		case err != nil:
			return nil, err
		}
		invitations = []gwmodel.Invitation{*inv}
	}

	filtered := invitations[:0]
	for _, inv := range invitations {
		if inv.ChangedAt.After(filter.Since) {
			filtered = append(filtered, inv)
		}
	}

	return filtered, nil
}
