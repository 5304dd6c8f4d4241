package webapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`

	// Mount names the mount point whose credentials are missing or rejected.
	Mount string `json:"mount,omitempty"`
}

var kindStatus = map[gwerr.Kind]int{
	gwerr.NotFound:            http.StatusNotFound,
	gwerr.AlreadyExists:       http.StatusConflict,
	gwerr.NeedsAuthentication: http.StatusUnauthorized,
	gwerr.Unsupported:         http.StatusNotImplemented,
	gwerr.PermissionDenied:    http.StatusForbidden,
	gwerr.InvalidRequest:      http.StatusBadRequest,
	gwerr.BackendFailure:      http.StatusBadGateway,
	gwerr.Internal:            http.StatusInternalServerError,
}

// StatusForKind returns the HTTP status a gateway error kind is reported with.
func StatusForKind(kind gwerr.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}

	return http.StatusInternalServerError
}

// HTTPErrorHandler reports gateway errors as JSON. Errors raised by echo itself (routing,
// binding, basic auth) keep echo's own handling.
func HTTPErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		if c.Response().Committed {
			return
		}

		kind := gwerr.KindOf(err)
		resp := ErrorResponse{Code: kind.String(), Message: err.Error(), Mount: gwerr.MountOf(err)}
		if kind == gwerr.Internal {
			clog.UsingCtx("webapi").WithError(err).
				WithField("path", c.Request().URL.Path).
				Errorf("Internal error")
			resp.Message = ""
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(StatusForKind(kind))
		} else {
			writeErr = c.JSON(StatusForKind(kind), resp)
		}

		if writeErr != nil {
			clog.UsingCtx("webapi").WithError(writeErr).Errorf("Unable to write error response")
		}
	}
}
