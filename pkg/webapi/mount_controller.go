package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
)

type MountController struct {
	router *router.Router
}

func NewMountController(r *router.Router) *MountController {
	return &MountController{router: r}
}

// ListMounts returns the admin-preconfigured mount points and the user's own. Stored
// credentials are never returned.
func (c *MountController) ListMounts(ctx echo.Context) error {
	mounts, err := c.router.Mounts(ctx.Request().Context(), apimiddleware.RequestContext(ctx))
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, mounts)
}

func (c *MountController) CreateMount(ctx echo.Context) error {
	var req router.MountRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	mount, err := c.router.CreateMount(ctx.Request().Context(), apimiddleware.RequestContext(ctx), req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusCreated, mount)
}

func (c *MountController) UpdateMount(ctx echo.Context) error {
	var req router.MountRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	mount, err := c.router.UpdateMount(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("title"), req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, mount)
}

func (c *MountController) DeleteMount(ctx echo.Context) error {
	if err := c.router.DeleteMount(ctx.Request().Context(), apimiddleware.RequestContext(ctx), ctx.Param("title")); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}
