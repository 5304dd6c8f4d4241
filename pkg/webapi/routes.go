package webapi

import (
	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/docsession"
	"github.com/materials-commons/filegate/pkg/locks"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/materials-commons/filegate/pkg/xfer"
)

type RouteOpts struct {
	Router   *router.Router
	Engine   *xfer.Engine
	Locks    *locks.Manager
	Sessions *docsession.Manager

	// Auth runs before every /api handler. It must store the request context with
	// apimiddleware.SetRequestContext.
	Auth echo.MiddlewareFunc
}

func SetupRoutes(e *echo.Echo, opts RouteOpts) {
	var m []echo.MiddlewareFunc
	if opts.Auth != nil {
		m = append(m, opts.Auth)
	}
	g := e.Group("/api", m...)

	fileController := NewFileController(opts.Router, opts.Engine)
	g.GET("/files", fileController.GetFile)
	g.PUT("/files", fileController.PutFile)
	g.DELETE("/files", fileController.DeleteFiles)
	g.GET("/files/info", fileController.GetFileInfo)
	g.GET("/files/list", fileController.ListFiles)
	g.POST("/files/move", fileController.MoveFiles)
	g.POST("/files/copy", fileController.CopyFiles)
	g.GET("/quota", fileController.GetQuota)

	folderController := NewFolderController(opts.Router, opts.Engine)
	g.GET("/folders", folderController.ListFolders)
	g.POST("/folders", folderController.CreateFolder)
	g.DELETE("/folders", folderController.DeleteFolder)
	g.POST("/folders/move", folderController.MoveFolder)
	g.POST("/folders/copy", folderController.CopyFolder)

	lockController := NewLockController(opts.Router, opts.Locks)
	g.GET("/locks", lockController.ListLocks)
	g.POST("/locks", lockController.AcquireLock)
	g.DELETE("/locks", lockController.ReleaseLock)
	g.POST("/locks/refresh", lockController.RefreshLock)

	sessionController := NewSessionController(opts.Sessions)
	g.GET("/sessions", sessionController.ListSessions)
	g.POST("/sessions", sessionController.StartSession)
	g.GET("/sessions/by-path", sessionController.FindSessionsByPath)
	g.GET("/sessions/:id", sessionController.GetSession)
	g.DELETE("/sessions/:id", sessionController.DeleteSession)
	g.POST("/sessions/:id/invitations", sessionController.Invite)
	g.PUT("/sessions/:id/invitations", sessionController.UpdateInvitation)
	g.DELETE("/sessions/:id/invitations", sessionController.DeleteInvitation)
	g.GET("/invitations", sessionController.ListInvitations)

	mountController := NewMountController(opts.Router)
	g.GET("/mounts", mountController.ListMounts)
	g.POST("/mounts", mountController.CreateMount)
	g.PUT("/mounts/:title", mountController.UpdateMount)
	g.DELETE("/mounts/:title", mountController.DeleteMount)
}

// NewServer returns an echo server with the gateway's error handling, request logging
// and routes.
func NewServer(opts RouteOpts, middlewares ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = HTTPErrorHandler(e)
	e.Use(middlewares...)
	SetupRoutes(e, opts)
	return e
}
