package webapi

import (
	"path"

	"github.com/labstack/echo/v4"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/router"
)

// pathParam returns the cleaned "path" query parameter.
func pathParam(c echo.Context) (string, error) {
	return router.CleanPath(c.QueryParam("path"))
}

func requirePathParam(c echo.Context) (string, error) {
	return requirePath(c.QueryParam("path"))
}

// requirePath cleans a path taken from a request and refuses the namespace root.
func requirePath(p string) (string, error) {
	cleaned, err := router.CleanPath(p)
	switch {
	case err != nil:
		return "", err
	case cleaned == "":
		return "", requirePathError()
	}

	return cleaned, nil
}

func boolParam(c echo.Context, name string) bool {
	switch c.QueryParam(name) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// toVirtual rewrites backend-relative entries into paths of the user's namespace.
func toVirtual(mount *gwmodel.MountPoint, entries []driver.FileInfo) []driver.FileInfo {
	if mount == nil {
		return entries
	}

	for i := range entries {
		entries[i].Path = path.Join(mount.Title, entries[i].Path)
	}

	return entries
}

// mountEntries lists the enabled mount points as folders of the namespace root.
func mountEntries(mounts []gwmodel.MountPoint) []driver.FileInfo {
	var entries []driver.FileInfo
	for _, m := range mounts {
		if !m.Enabled {
			continue
		}
		entries = append(entries, driver.FileInfo{Name: m.Title, Path: m.Title, IsDir: true, ModTime: m.UpdatedAt})
	}

	return entries
}

func requirePathError() error {
	return gwerr.E(gwerr.InvalidRequest, "path required")
}
