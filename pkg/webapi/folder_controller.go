package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
	"github.com/materials-commons/filegate/pkg/xfer"
)

type FolderController struct {
	router *router.Router
	engine *xfer.Engine
}

func NewFolderController(r *router.Router, engine *xfer.Engine) *FolderController {
	return &FolderController{router: r, engine: engine}
}

// ListFolders returns every folder below path.
func (c *FolderController) ListFolders(ctx echo.Context) error {
	p, err := pathParam(ctx)
	if err != nil {
		return err
	}

	rc := apimiddleware.RequestContext(ctx)

	d, rel, mount, err := c.router.Resolve(ctx.Request().Context(), rc, p)
	if err != nil {
		return err
	}

	folders, err := d.FolderList(ctx.Request().Context(), rel)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, toVirtual(mount, folders))
}

func (c *FolderController) CreateFolder(ctx echo.Context) error {
	var req struct {
		Path string `json:"path"`
	}

	if err := ctx.Bind(&req); err != nil {
		return err
	}

	p, err := requirePath(req.Path)
	if err != nil {
		return err
	}

	d, rel, _, err := c.router.Resolve(ctx.Request().Context(), apimiddleware.RequestContext(ctx), p)
	if err != nil {
		return err
	}

	if rel == "" {
		return gwerr.E(gwerr.AlreadyExists, "%s is a mount point", p)
	}

	if err := d.FolderCreate(ctx.Request().Context(), rel); err != nil {
		return err
	}

	return ctx.JSON(http.StatusCreated, map[string]string{"path": p})
}

// DeleteFolder removes a folder and its content. Mount points are removed through the
// mounts API instead.
func (c *FolderController) DeleteFolder(ctx echo.Context) error {
	p, err := requirePathParam(ctx)
	if err != nil {
		return err
	}

	rc := apimiddleware.RequestContext(ctx)
	isRoot, err := c.router.IsMountRoot(ctx.Request().Context(), rc, p)
	switch {
	case err != nil:
		return err
	case isRoot:
		return gwerr.E(gwerr.Unsupported, "%s is a mount point", p)
	}

	d, rel, _, err := c.router.Resolve(ctx.Request().Context(), rc, p)
	if err != nil {
		return err
	}

	if err := d.FolderDelete(ctx.Request().Context(), rel); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}

type folderTransferRequest struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

func (c *FolderController) MoveFolder(ctx echo.Context) error {
	var req folderTransferRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	pair, err := cleanPair(req.Src, req.Dst)
	if err != nil {
		return err
	}

	if err := c.engine.MoveFolder(ctx.Request().Context(), apimiddleware.RequestContext(ctx), pair.Src, pair.Dst); err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, pair)
}

func (c *FolderController) CopyFolder(ctx echo.Context) error {
	var req folderTransferRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	pair, err := cleanPair(req.Src, req.Dst)
	if err != nil {
		return err
	}

	if err := c.engine.CopyFolder(ctx.Request().Context(), apimiddleware.RequestContext(ctx), pair.Src, pair.Dst); err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, pair)
}

func cleanPair(src, dst string) (xfer.Pair, error) {
	var pair xfer.Pair
	var err error
	if pair.Src, err = router.CleanPath(src); err != nil {
		return pair, err
	}

	pair.Dst, err = router.CleanPath(dst)
	return pair, err
}
