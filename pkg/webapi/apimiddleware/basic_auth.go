package apimiddleware

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
)

const (
	// MountAuthHeaderPrefix followed by a mount point title carries base64 "user:password"
	// credentials for that mount point.
	MountAuthHeaderPrefix = "X-Mount-Auth-"

	APIVersionHeader = "X-API-Version"

	requestContextKey = "rc"
)

// MountLister returns the mount points visible to a user.
type MountLister func(ctx context.Context, rc *reqctx.Context) ([]gwmodel.MountPoint, error)

type BasicAuthConfig struct {
	Skipper    middleware.Skipper
	Logins     *LoginCache
	ListMounts MountLister
}

// BasicAuth authenticates the request against the primary backend and stores the
// request context for the handlers.
func BasicAuth(config BasicAuthConfig) echo.MiddlewareFunc {
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Skipper: config.Skipper,
		Realm:   "filegate",
		Validator: func(username, password string, c echo.Context) (bool, error) {
			rc, err := config.Logins.Login(c.Request().Context(), username, password)
			switch {
			case gwerr.Is(err, gwerr.NeedsAuthentication), gwerr.Is(err, gwerr.PermissionDenied):
				return false, nil
			case err != nil:
				return false, err
			}

			if v := c.Request().Header.Get(APIVersionHeader); v != "" {
				if rc.APIVersion, err = strconv.Atoi(v); err != nil {
					return false, gwerr.E(gwerr.InvalidRequest, "invalid %s header '%s'", APIVersionHeader, v)
				}
			}

			if err := applyMountCredentials(c.Request().Context(), rc, c.Request().Header, config.ListMounts); err != nil {
				return false, err
			}

			c.Set(requestContextKey, rc)
			return true, nil
		},
	})
}

// RequestContext returns the context BasicAuth stored for the request.
func RequestContext(c echo.Context) *reqctx.Context {
	rc, _ := c.Get(requestContextKey).(*reqctx.Context)
	return rc
}

// SetRequestContext stores rc for the handlers. Tests use it to skip authentication.
func SetRequestContext(c echo.Context, rc *reqctx.Context) {
	c.Set(requestContextKey, rc)
}

// applyMountCredentials copies X-Mount-Auth-<title> headers into rc. Header names lose
// their case on the way in, so titles are matched without case.
func applyMountCredentials(ctx context.Context, rc *reqctx.Context, header http.Header, listMounts MountLister) error {
	supplied := make(map[string]reqctx.Credentials)
	for name, values := range header {
		if len(values) == 0 || len(name) <= len(MountAuthHeaderPrefix) || !strings.EqualFold(name[:len(MountAuthHeaderPrefix)], MountAuthHeaderPrefix) {
			continue
		}

		creds, err := decodeCredentials(values[0])
		if err != nil {
			return gwerr.Wrapf(gwerr.InvalidRequest, err, "invalid %s header", name)
		}
		supplied[strings.ToLower(name[len(MountAuthHeaderPrefix):])] = creds
	}

	if len(supplied) == 0 || listMounts == nil {
		return nil
	}

	mounts, err := listMounts(ctx, rc)
	if err != nil {
		return err
	}

	for _, m := range mounts {
		if creds, ok := supplied[strings.ToLower(m.Title)]; ok {
			rc.SetMountCredentials(m.Title, creds)
		}
	}

	return nil
}

func decodeCredentials(value string) (reqctx.Credentials, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return reqctx.Credentials{}, err
	}

	username, password, ok := strings.Cut(string(b), ":")
	if !ok {
		return reqctx.Credentials{}, gwerr.E(gwerr.InvalidRequest, "credentials must be user:password")
	}

	return reqctx.Credentials{Username: username, Password: password}, nil
}
