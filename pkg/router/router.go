// Package router maps a virtual path onto a storage backend. The first segment of a path
// may name a mount point; everything else belongs to the primary backend.
package router

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"
	"sync"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/materials-commons/filegate/pkg/secret"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

// Separator joins the segments of a virtual path.
const Separator = "/"

const (
	// SentinelUsername in a mount's credentials is replaced by the primary login name.
	SentinelUsername = "%u"

	// SentinelPassword in a mount's credentials is replaced by the primary login password.
	SentinelPassword = "%p"
)

// Option keys holding the backend login inside a mount point's options.
const (
	usernameOption = "username"
	passwordOption = "password"
)

type Options struct {
	// URIScheme prefixes resource URIs. Defaults to "filegate".
	URIScheme string

	Primary config.DriverConfig

	// Mounts are the admin-preconfigured mount points.
	Mounts []config.MountConfig

	MountPointStor stor.MountPointStor
	Secrets        secret.Store
	Policy         driver.Policy
}

type Router struct {
	scheme      string
	primary     config.DriverConfig
	adminMounts []gwmodel.MountPoint
	mountStor   stor.MountPointStor
	secrets     secret.Store
	policy      driver.Policy

	drivers sync.Map
	group   singleflight.Group
}

// cachedDriver remembers the login a driver was authenticated with so a request carrying
// different credentials for the mount gets a fresh driver.
type cachedDriver struct {
	driver driver.Driver
	creds  reqctx.Credentials
}

func New(opts Options) *Router {
	scheme := opts.URIScheme
	if scheme == "" {
		scheme = "filegate"
	}

	r := &Router{
		scheme:    scheme,
		primary:   opts.Primary,
		mountStor: opts.MountPointStor,
		secrets:   opts.Secrets,
		policy:    opts.Policy,
	}

	for _, m := range opts.Mounts {
		r.adminMounts = append(r.adminMounts, gwmodel.MountPoint{
			Title:                m.Title,
			DriverKind:           m.Kind,
			Enabled:              m.Enabled,
			IsAdminPreconfigured: true,
			Options:              m.Options,
		})
	}

	return r
}

// Resolve returns the driver serving virtualPath and the path relative to that driver's
// root. mount is nil when the primary backend serves the path.
func (r *Router) Resolve(ctx context.Context, rc *reqctx.Context, virtualPath string) (driver.Driver, string, *gwmodel.MountPoint, error) {
	p, err := CleanPath(virtualPath)
	if err != nil {
		return nil, "", nil, err
	}

	mounts, err := r.Mounts(ctx, rc)
	if err != nil {
		return nil, "", nil, err
	}

	if mount := longestMatch(mounts, p); mount != nil {
		d, err := r.DriverFor(ctx, rc, mount)
		if err != nil {
			return nil, "", nil, err
		}

		return d, relativeTo(mount, p), mount, nil
	}

	d, err := r.Primary(ctx, rc)
	if err != nil {
		return nil, "", nil, err
	}

	return d, p, nil, nil
}

// longestMatch finds the enabled mount whose title is the longest segment prefix of p.
// Titles are supposed to be unique and free of separators, but neither is assumed here.
func longestMatch(mounts []gwmodel.MountPoint, p string) *gwmodel.MountPoint {
	var best *gwmodel.MountPoint
	for i := range mounts {
		m := &mounts[i]
		if !m.Enabled || m.Title == "" {
			continue
		}

		if p != m.Title && !strings.HasPrefix(p, m.Title+Separator) {
			continue
		}

		if best == nil || len(m.Title) > len(best.Title) {
			best = m
		}
	}

	return best
}

// relativeTo returns p relative to the root of mount.
func relativeTo(mount *gwmodel.MountPoint, p string) string {
	if mount == nil {
		return p
	}

	return strings.TrimPrefix(strings.TrimPrefix(p, mount.Title), Separator)
}

// Mounts returns the admin-preconfigured mounts followed by the user's own mounts.
func (r *Router) Mounts(ctx context.Context, rc *reqctx.Context) ([]gwmodel.MountPoint, error) {
	mounts := make([]gwmodel.MountPoint, 0, len(r.adminMounts))
	mounts = append(mounts, r.adminMounts...)

	if r.mountStor == nil || rc == nil || rc.User == "" {
		return mounts, nil
	}

	userMounts, err := r.mountStor.ListMountPointsForOwner(ctx, rc.User)
	if err != nil {
		return nil, err
	}

	return append(mounts, userMounts...), nil
}

// IsMountRoot reports whether virtualPath names an enabled mount point itself.
func (r *Router) IsMountRoot(ctx context.Context, rc *reqctx.Context, virtualPath string) (bool, error) {
	p, err := CleanPath(virtualPath)
	if err != nil || p == "" {
		return false, err
	}

	mounts, err := r.Mounts(ctx, rc)
	if err != nil {
		return false, err
	}

	for _, m := range mounts {
		if m.Enabled && m.Title == p {
			return true, nil
		}
	}

	return false, nil
}

// Primary returns the primary driver authenticated as the request user.
func (r *Router) Primary(ctx context.Context, rc *reqctx.Context) (driver.Driver, error) {
	creds := rc.PrimaryCredentials()
	key := cacheKey(rc.User, "")
	if cached, ok := r.cached(key); ok && cached.creds == creds {
		return cached.driver, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if cached, ok := r.cached(key); ok && cached.creds == creds {
			return cached.driver, nil
		}
		return r.build(ctx, key, r.primary.Kind, driver.Options(r.primary.Options), creds)
	})
	if err != nil {
		if gwerr.Is(err, gwerr.NeedsAuthentication) {
			return nil, gwerr.Wrap(gwerr.NeedsAuthentication, err, "login to primary backend failed")
		}
		return nil, err
	}

	return v.(driver.Driver), nil
}

// AuthenticateUser checks a login against the primary backend and returns the request
// context for the user. The check always reaches the backend.
func (r *Router) AuthenticateUser(ctx context.Context, username, password string) (*reqctx.Context, error) {
	if username == "" {
		return nil, gwerr.E(gwerr.NeedsAuthentication, "username required")
	}

	rc := reqctx.New(username, password)
	key := cacheKey(username, "")
	if _, err := r.build(ctx, key, r.primary.Kind, driver.Options(r.primary.Options), rc.PrimaryCredentials()); err != nil {
		return nil, err
	}

	return rc, nil
}

// DriverFor returns the authenticated driver for mount, creating it on first use.
// Concurrent first uses for the same user, mount and login share one login.
func (r *Router) DriverFor(ctx context.Context, rc *reqctx.Context, mount *gwmodel.MountPoint) (driver.Driver, error) {
	key := cacheKey(rc.User, mount.Title)
	override, hasOverride := rc.MountCredentials(mount.Title)

	if cached, ok := r.cached(key); ok && (!hasOverride || cached.creds == override) {
		return cached.driver, nil
	}

	flight := key
	if hasOverride {
		flight += "\x00" + credentialDigest(override)
	}

	v, err, _ := r.group.Do(flight, func() (interface{}, error) {
		opts, creds, err := r.mountLogin(rc, mount)
		if err != nil {
			return nil, err
		}

		if hasOverride {
			creds = override
		}

		if cached, ok := r.cached(key); ok && cached.creds == creds {
			return cached.driver, nil
		}

		return r.build(ctx, key, mount.DriverKind, opts, creds)
	})

	if err != nil {
		if gwerr.Is(err, gwerr.NeedsAuthentication) {
			return nil, gwerr.NeedsAuth(mount.Title, err)
		}
		return nil, err
	}

	return v.(driver.Driver), nil
}

// mountLogin returns the driver options of mount with the login split out and sentinel
// values resolved.
func (r *Router) mountLogin(rc *reqctx.Context, mount *gwmodel.MountPoint) (driver.Options, reqctx.Credentials, error) {
	opts := driver.Options{}
	if mount.IsAdminPreconfigured {
		for k, v := range mount.Options {
			opts[k] = v
		}
	} else if mount.Credentials != "" {
		decrypted, err := r.decryptOptions(rc, mount.Credentials)
		if err != nil {
			return nil, reqctx.Credentials{}, err
		}
		opts = decrypted
	}

	creds := reqctx.Credentials{
		Username: optionString(opts, usernameOption),
		Password: optionString(opts, passwordOption),
	}
	delete(opts, usernameOption)
	delete(opts, passwordOption)

	return opts, resolveSentinels(creds, rc), nil
}

func (r *Router) decryptOptions(rc *reqctx.Context, sealed string) (driver.Options, error) {
	if r.secrets == nil {
		return nil, gwerr.E(gwerr.Internal, "no secret store configured")
	}

	plaintext, err := r.secrets.Decrypt(rc, sealed)
	if err != nil {
		return nil, err
	}

	var opts driver.Options
	if err := json.Unmarshal(plaintext, &opts); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, err, "stored mount options are not valid json")
	}

	if opts == nil {
		opts = driver.Options{}
	}

	return opts, nil
}

func resolveSentinels(creds reqctx.Credentials, rc *reqctx.Context) reqctx.Credentials {
	if creds.Username == SentinelUsername {
		creds.Username = rc.User
	}

	if creds.Password == SentinelPassword {
		creds.Password = rc.Password()
	}

	return creds
}

func optionString(opts driver.Options, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}

	return ""
}

// build creates, wraps and authenticates a driver, then caches it under key.
func (r *Router) build(ctx context.Context, key, kind string, opts driver.Options, creds reqctx.Credentials) (driver.Driver, error) {
	d, err := driver.New(kind, opts)
	if err != nil {
		return nil, err
	}

	d = driver.WithPolicy(d, r.policy)
	if err := d.Authenticate(ctx, creds.Username, creds.Password); err != nil {
		clog.UsingCtx("router").WithField("kind", kind).Debugf("Authentication failed: %s", err)
		return nil, err
	}

	r.drivers.Store(key, &cachedDriver{driver: d, creds: creds})
	return d, nil
}

func (r *Router) cached(key string) (*cachedDriver, bool) {
	v, ok := r.drivers.Load(key)
	if !ok {
		return nil, false
	}

	return v.(*cachedDriver), true
}

// Forget drops the cached driver for user and mount title. An empty title is the
// primary driver.
func (r *Router) Forget(user, title string) {
	r.drivers.Delete(cacheKey(user, title))
}

func cacheKey(user, title string) string {
	return user + "\x00" + title
}

func credentialDigest(creds reqctx.Credentials) string {
	sum := blake2b.Sum256([]byte(creds.Username + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}

// CleanPath resolves "." and ".." segments and trims separators. A path climbing above
// the namespace root is rejected.
func CleanPath(p string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(p, Separator))
	switch {
	case cleaned == ".":
		return "", nil
	case cleaned == ".." || strings.HasPrefix(cleaned, ".."+Separator):
		return "", gwerr.E(gwerr.InvalidRequest, "path '%s' leaves the namespace root", p)
	}

	return strings.TrimSuffix(cleaned, Separator), nil
}
