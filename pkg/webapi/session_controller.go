package webapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/docsession"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
)

type SessionController struct {
	sessions *docsession.Manager
}

func NewSessionController(sessions *docsession.Manager) *SessionController {
	return &SessionController{sessions: sessions}
}

// ListSessions returns the sessions the user owns or is invited to, plus those on files
// below the folders given as "folder" query parameters that the user can reach.
func (c *SessionController) ListSessions(ctx echo.Context) error {
	folders := ctx.QueryParams()["folder"]
	sessions, err := c.sessions.FindEligible(ctx.Request().Context(), apimiddleware.RequestContext(ctx), folders)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, sessions)
}

func (c *SessionController) StartSession(ctx echo.Context) error {
	var req docsession.StartRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	session, err := c.sessions.Start(ctx.Request().Context(), apimiddleware.RequestContext(ctx), req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, session)
}

func (c *SessionController) FindSessionsByPath(ctx echo.Context) error {
	p, err := requirePathParam(ctx)
	if err != nil {
		return err
	}

	sessions, err := c.sessions.FindByPath(ctx.Request().Context(), apimiddleware.RequestContext(ctx), p)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, sessions)
}

func (c *SessionController) GetSession(ctx echo.Context) error {
	session, err := c.sessions.Get(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("id"))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, session)
}

func (c *SessionController) DeleteSession(ctx echo.Context) error {
	if err := c.sessions.Delete(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("id")); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}

func (c *SessionController) Invite(ctx echo.Context) error {
	var req docsession.InviteRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	inv, err := c.sessions.Invite(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("id"), req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, inv)
}

func (c *SessionController) UpdateInvitation(ctx echo.Context) error {
	var req docsession.InviteRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	inv, err := c.sessions.UpdateInvitation(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("id"), req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, inv)
}

func (c *SessionController) DeleteInvitation(ctx echo.Context) error {
	user := ctx.QueryParam("user")
	if user == "" {
		return gwerr.E(gwerr.InvalidRequest, "user required")
	}

	if err := c.sessions.DeleteInvitation(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("id"), user); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}

// ListInvitations returns the user's invitations. session_id limits them to one session,
// since (RFC 3339) to those changed after it.
func (c *SessionController) ListInvitations(ctx echo.Context) error {
	filter := docsession.InvitationFilter{SessionID: ctx.QueryParam("session_id")}
	if since := ctx.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return gwerr.Wrapf(gwerr.InvalidRequest, err, "invalid since '%s'", since)
		}
		filter.Since = t
	}

	invitations, err := c.sessions.Invitations(ctx.Request().Context(), apimiddleware.RequestContext(ctx), filter)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, invitations)
}
