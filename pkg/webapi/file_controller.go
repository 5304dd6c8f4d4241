package webapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
	"github.com/materials-commons/filegate/pkg/xfer"
)

type FileController struct {
	router *router.Router
	engine *xfer.Engine
}

func NewFileController(r *router.Router, engine *xfer.Engine) *FileController {
	return &FileController{router: r, engine: engine}
}

// GetFile streams the content of a file.
func (c *FileController) GetFile(ctx echo.Context) error {
	p, err := requirePathParam(ctx)
	if err != nil {
		return err
	}

	rc := apimiddleware.RequestContext(ctx)
	d, rel, _, err := c.router.Resolve(ctx.Request().Context(), rc, p)
	if err != nil {
		return err
	}

	body, info, err := d.FileGet(ctx.Request().Context(), rel)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = echo.MIMEOctetStream
	}

	ctx.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	return ctx.Stream(http.StatusOK, mimeType, body)
}

// PutFile stores the request body at path. Existing files are replaced only with
// overwrite=true.
func (c *FileController) PutFile(ctx echo.Context) error {
	p, err := requirePathParam(ctx)
	if err != nil {
		return err
	}

	rc := apimiddleware.RequestContext(ctx)
	mimeType := ctx.Request().Header.Get(echo.HeaderContentType)
	info, err := c.engine.Put(ctx.Request().Context(), rc, p, ctx.Request().Body, mimeType, boolParam(ctx, "overwrite"))
	if err != nil {
		return err
	}

	info.Path = p
	return ctx.JSON(http.StatusCreated, info)
}

// DeleteFiles deletes every path given as a "path" query parameter.
func (c *FileController) DeleteFiles(ctx echo.Context) error {
	paths := ctx.QueryParams()["path"]
	if len(paths) == 0 {
		return requirePathError()
	}

	result := c.engine.DeleteFiles(ctx.Request().Context(), apimiddleware.RequestContext(ctx), paths)
	return ctx.JSON(http.StatusOK, result)
}

func (c *FileController) GetFileInfo(ctx echo.Context) error {
	p, err := requirePathParam(ctx)
	if err != nil {
		return err
	}

	d, rel, _, err := c.router.Resolve(ctx.Request().Context(), apimiddleware.RequestContext(ctx), p)
	if err != nil {
		return err
	}

	info, err := d.FileInfo(ctx.Request().Context(), rel)
	if err != nil {
		return err
	}

	info.Path = p
	return ctx.JSON(http.StatusOK, info)
}

// ListFiles lists the children of a folder. The namespace root also lists the mount
// points.
func (c *FileController) ListFiles(ctx echo.Context) error {
	p, err := pathParam(ctx)
	if err != nil {
		return err
	}

	rc := apimiddleware.RequestContext(ctx)

	d, rel, mount, err := c.router.Resolve(ctx.Request().Context(), rc, p)
	if err != nil {
		return err
	}

	entries, err := d.FileList(ctx.Request().Context(), rel)
	if err != nil {
		return err
	}
	entries = toVirtual(mount, entries)

	if p == "" {
		mounts, err := c.router.Mounts(ctx.Request().Context(), rc)
		if err != nil {
			return err
		}
		entries = append(entries, mountEntries(mounts)...)
	}

	return ctx.JSON(http.StatusOK, entries)
}

type transferRequest struct {
	Pairs     []xfer.Pair `json:"pairs"`
	Overwrite bool        `json:"overwrite"`
}

func (c *FileController) MoveFiles(ctx echo.Context) error {
	var req transferRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	result := c.engine.MoveFiles(ctx.Request().Context(), apimiddleware.RequestContext(ctx), req.Pairs, req.Overwrite)
	return ctx.JSON(http.StatusOK, result)
}

func (c *FileController) CopyFiles(ctx echo.Context) error {
	var req transferRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	result := c.engine.CopyFiles(ctx.Request().Context(), apimiddleware.RequestContext(ctx), req.Pairs, req.Overwrite)
	return ctx.JSON(http.StatusOK, result)
}

// GetQuota reports the quota of the backend serving path.
func (c *FileController) GetQuota(ctx echo.Context) error {
	p, err := pathParam(ctx)
	if err != nil {
		return err
	}

	d, rel, _, err := c.router.Resolve(ctx.Request().Context(), apimiddleware.RequestContext(ctx), p)
	if err != nil {
		return err
	}

	quota, err := d.Quota(ctx.Request().Context(), rel)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, quota)
}
