package webapi

import (
	"github.com/apex/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/webapi/apimiddleware"
)

// RequestLogger logs one line per request to the "webapi" logging context.
func RequestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := clog.UsingCtx("webapi").WithFields(log.Fields{
				"method":  v.Method,
				"path":    v.URIPath,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"remote":  v.RemoteIP,
			})

			if rc := apimiddleware.RequestContext(c); rc != nil {
				entry = entry.WithField("user", rc.User)
			}

			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}

			entry.Info("request")
			return nil
		},
	})
}
