package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/locks"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
)

type LockController struct {
	router *router.Router
	locks  *locks.Manager
}

func NewLockController(r *router.Router, lockManager *locks.Manager) *LockController {
	return &LockController{router: r, locks: lockManager}
}

type lockRequest struct {
	Path    string `json:"path"`
	Token   string `json:"token"`
	Scope   string `json:"scope"`
	Depth   string `json:"depth"`
	Timeout int    `json:"timeout"`
}

func parseDepth(depth string) (gwmodel.LockDepth, error) {
	switch depth {
	case "", "0":
		return gwmodel.DepthZero, nil
	case "infinity", "-1":
		return gwmodel.DepthInfinite, nil
	default:
		return 0, gwerr.E(gwerr.InvalidRequest, "invalid lock depth '%s'", depth)
	}
}

// uriParam returns the resource URI of the "path" query parameter for the request user.
func (c *LockController) uriParam(ctx echo.Context) (string, error) {
	p, err := pathParam(ctx)
	if err != nil {
		return "", err
	}

	return c.router.PathToURI(ctx.Request().Context(), apimiddleware.RequestContext(ctx), p)
}

// ListLocks returns the locks in effect on path. descendants=true adds the locks below it.
func (c *LockController) ListLocks(ctx echo.Context) error {
	uri, err := c.uriParam(ctx)
	if err != nil {
		return err
	}

	found, err := c.locks.List(ctx.Request().Context(), uri, boolParam(ctx, "descendants"))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, found)
}

// AcquireLock takes a lock for the request user. A lock held under another token that
// conflicts with the request is reported as a conflict.
func (c *LockController) AcquireLock(ctx echo.Context) error {
	var req lockRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	p, err := requirePath(req.Path)
	if err != nil {
		return err
	}

	depth, err := parseDepth(req.Depth)
	if err != nil {
		return err
	}

	scope := gwmodel.LockScope(req.Scope)
	if scope == "" {
		scope = gwmodel.ScopeExclusive
	}

	rc := apimiddleware.RequestContext(ctx)
	uri, err := c.router.PathToURI(ctx.Request().Context(), rc, p)
	if err != nil {
		return err
	}

	conflicts, err := c.locks.Conflicts(ctx.Request().Context(), uri, scope, depth)
	if err != nil {
		return err
	}

	for _, l := range conflicts {
		if l.Token != req.Token {
			return gwerr.E(gwerr.AlreadyExists, "%s is locked by %s", p, l.Owner)
		}
	}

	lock, err := c.locks.Acquire(ctx.Request().Context(), uri, gwmodel.Lock{
		Owner:   rc.User,
		Token:   req.Token,
		Scope:   scope,
		Depth:   depth,
		Timeout: req.Timeout,
	})
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusCreated, lock)
}

func (c *LockController) RefreshLock(ctx echo.Context) error {
	var req lockRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	if req.Token == "" {
		return gwerr.E(gwerr.InvalidRequest, "token required")
	}

	uri, err := c.router.PathToURI(ctx.Request().Context(), apimiddleware.RequestContext(ctx), req.Path)
	if err != nil {
		return err
	}

	lock, err := c.locks.Refresh(ctx.Request().Context(), uri, req.Token, req.Timeout)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, lock)
}

func (c *LockController) ReleaseLock(ctx echo.Context) error {
	token := ctx.QueryParam("token")
	if token == "" {
		return gwerr.E(gwerr.InvalidRequest, "token required")
	}

	uri, err := c.uriParam(ctx)
	if err != nil {
		return err
	}

	if err := c.locks.Release(ctx.Request().Context(), uri, token); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}
