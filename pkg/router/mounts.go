package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gosimple/slug"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
)

// MountRequest creates or changes a user mount point. Options hold the driver options,
// including the "username" and "password" login, which may be the %u and %p sentinels.
type MountRequest struct {
	Title   string         `json:"title"`
	Kind    string         `json:"driver"`
	Options map[string]any `json:"options"`
	Enabled bool           `json:"enabled"`
}

// NormalizeTitle returns a title safe to use as a path segment. Empty titles fall back
// to fallback.
func NormalizeTitle(title, fallback string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = slug.Make(fallback)
	} else if !isSafeTitle(title) {
		title = slug.Make(title)
	}

	if !isSafeTitle(title) {
		return "", gwerr.E(gwerr.InvalidRequest, "invalid mount point title")
	}

	return title, nil
}

func isSafeTitle(title string) bool {
	return title != "" && title != "." && title != ".." && !strings.ContainsAny(title, `/\`)
}

func (r *Router) CreateMount(ctx context.Context, rc *reqctx.Context, req MountRequest) (*gwmodel.MountPoint, error) {
	if r.mountStor == nil {
		return nil, gwerr.E(gwerr.Unsupported, "user mount points are disabled")
	}

	if !driver.IsRegistered(req.Kind) {
		return nil, gwerr.E(gwerr.InvalidRequest, "unknown driver kind '%s'", req.Kind)
	}

	title, err := NormalizeTitle(req.Title, req.Kind)
	if err != nil {
		return nil, err
	}

	if r.isAdminTitle(title) {
		return nil, gwerr.E(gwerr.AlreadyExists, "mount point %s already exists", title)
	}

	sealed, err := r.sealOptions(rc, req.Options)
	if err != nil {
		return nil, err
	}

	mp, err := r.mountStor.CreateMountPoint(ctx, &gwmodel.MountPoint{
		Owner:       rc.User,
		Title:       title,
		DriverKind:  strings.ToLower(req.Kind),
		Credentials: sealed,
		Enabled:     req.Enabled,
	})
	if err != nil {
		return nil, err
	}

	r.Forget(rc.User, title)
	clog.UsingCtx("router").WithField("user", rc.User).WithField("title", title).Infof("Created mount point")
	return mp, nil
}

// UpdateMount changes the user's mount point named title. Nil options keep the stored
// options.
func (r *Router) UpdateMount(ctx context.Context, rc *reqctx.Context, title string, req MountRequest) (*gwmodel.MountPoint, error) {
	if r.isAdminTitle(title) {
		return nil, gwerr.E(gwerr.PermissionDenied, "mount point %s is preconfigured", title)
	}

	if r.mountStor == nil {
		return nil, gwerr.E(gwerr.Unsupported, "user mount points are disabled")
	}

	mp, err := r.mountStor.GetMountPointByTitle(ctx, rc.User, title)
	if err != nil {
		return nil, err
	}

	if req.Kind != "" {
		if !driver.IsRegistered(req.Kind) {
			return nil, gwerr.E(gwerr.InvalidRequest, "unknown driver kind '%s'", req.Kind)
		}
		mp.DriverKind = strings.ToLower(req.Kind)
	}

	newTitle, err := NormalizeTitle(req.Title, title)
	if err != nil {
		return nil, err
	}

	if newTitle != title && r.isAdminTitle(newTitle) {
		return nil, gwerr.E(gwerr.AlreadyExists, "mount point %s already exists", newTitle)
	}

	if req.Options != nil {
		if mp.Credentials, err = r.sealOptions(rc, req.Options); err != nil {
			return nil, err
		}
	}

	mp.Title = newTitle
	mp.Enabled = req.Enabled

	if mp, err = r.mountStor.UpdateMountPoint(ctx, mp); err != nil {
		return nil, err
	}

	r.Forget(rc.User, title)
	r.Forget(rc.User, newTitle)
	return mp, nil
}

func (r *Router) DeleteMount(ctx context.Context, rc *reqctx.Context, title string) error {
	if r.isAdminTitle(title) {
		return gwerr.E(gwerr.PermissionDenied, "mount point %s is preconfigured", title)
	}

	if r.mountStor == nil {
		return gwerr.E(gwerr.Unsupported, "user mount points are disabled")
	}

	if err := r.mountStor.DeleteMountPoint(ctx, rc.User, title); err != nil {
		return err
	}

	r.Forget(rc.User, title)
	rc.ForgetMountCredentials(title)
	return nil
}

func (r *Router) isAdminTitle(title string) bool {
	for _, m := range r.adminMounts {
		if m.Title == title {
			return true
		}
	}

	return false
}

func (r *Router) sealOptions(rc *reqctx.Context, opts map[string]any) (string, error) {
	if len(opts) == 0 {
		return "", nil
	}

	if r.secrets == nil {
		return "", gwerr.E(gwerr.Internal, "no secret store configured")
	}

	b, err := json.Marshal(opts)
	if err != nil {
		return "", gwerr.Wrap(gwerr.InvalidRequest, err, "mount options must be json encodable")
	}

	return r.secrets.Encrypt(rc, b)
}

// SealCredentials encrypts creds for storage outside the router, such as the credential
// snapshot kept with a document session.
func (r *Router) SealCredentials(rc *reqctx.Context, creds reqctx.Credentials) (string, error) {
	return r.sealOptions(rc, map[string]any{usernameOption: creds.Username, passwordOption: creds.Password})
}
