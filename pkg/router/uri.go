package router

import (
	"context"
	"net/url"
	"strings"

	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
)

// PathToURI builds the resource URI that locks and sessions are keyed by:
//
//	<scheme>://[<identity>@]<mount title>/<path below the mount>
//
// The identity is the backend login that owns the file. The primary backend has an empty
// title and the user as identity, a user mount has its owner, and an admin mount has the
// login it is reached with. An admin mount without a login is shared by everyone and its
// URIs carry no identity.
func (r *Router) PathToURI(ctx context.Context, rc *reqctx.Context, virtualPath string) (string, error) {
	p, err := CleanPath(virtualPath)
	if err != nil {
		return "", err
	}

	mounts, err := r.Mounts(ctx, rc)
	if err != nil {
		return "", err
	}

	mount := longestMatch(mounts, p)
	return r.formatURI(identityFor(rc, mount), mountTitle(mount), relativeTo(mount, p)), nil
}

// URIToPath is the inverse of PathToURI. A URI belonging to a namespace other than the
// user's is refused.
func (r *Router) URIToPath(ctx context.Context, rc *reqctx.Context, uri string) (string, error) {
	prefix := r.scheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return "", gwerr.E(gwerr.InvalidRequest, "uri %q does not use scheme %s", uri, r.scheme)
	}

	authority, rest, _ := strings.Cut(strings.TrimPrefix(uri, prefix), Separator)
	if i := strings.Index(authority, "@"); i >= 0 {
		authority = authority[i+1:]
	}

	segments := []string{authority}
	if rest != "" {
		segments = append(segments, strings.Split(rest, Separator)...)
	}

	for i, s := range segments {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return "", gwerr.Wrapf(gwerr.InvalidRequest, err, "invalid uri %q", uri)
		}
		segments[i] = unescaped
	}

	p, err := CleanPath(strings.Join(segments, Separator))
	if err != nil {
		return "", err
	}

	expected, err := r.PathToURI(ctx, rc, p)
	if err != nil {
		return "", err
	}

	if expected != uri {
		return "", gwerr.E(gwerr.PermissionDenied, "uri %q is outside the namespace of %s", uri, rc.User)
	}

	return p, nil
}

func (r *Router) formatURI(identity, title, rel string) string {
	var b strings.Builder
	b.WriteString(r.scheme)
	b.WriteString("://")
	if identity != "" {
		b.WriteString(url.User(identity).String())
		b.WriteString("@")
	}
	b.WriteString(escapeSegment(title))

	if rel != "" {
		for _, s := range strings.Split(rel, Separator) {
			b.WriteString(Separator)
			b.WriteString(escapeSegment(s))
		}
	}

	return b.String()
}

// escapeSegment path-escapes s and also escapes "@" so a title never reads as a login.
func escapeSegment(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), "@", "%40")
}

func mountTitle(mount *gwmodel.MountPoint) string {
	if mount == nil {
		return ""
	}

	return mount.Title
}

// identityFor returns the backend login owning the files rc reaches through mount.
func identityFor(rc *reqctx.Context, mount *gwmodel.MountPoint) string {
	user := ""
	if rc != nil {
		user = rc.User
	}

	switch {
	case mount == nil:
		return user
	case !mount.IsAdminPreconfigured:
		return mount.Owner
	}

	if rc != nil {
		if creds, ok := rc.MountCredentials(mount.Title); ok {
			return creds.Username
		}
	}

	login := optionString(driver.Options(mount.Options), usernameOption)
	if login == SentinelUsername {
		return user
	}

	return login
}
