// Package local implements a driver over a directory tree through afero, so the same code
// serves a real disk and an in-memory filesystem.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
)

const Kind = "local"

func init() {
	driver.Register(Kind, func(opts driver.Options) (driver.Driver, error) {
		return NewFromOptions(opts)
	})
}

type Options struct {
	// Root is the directory served. With Memory set it is a path in the memory fs.
	Root string `mapstructure:"root" validate:"required"`

	// Users maps a username to a bcrypt password hash. When empty any login is accepted.
	Users map[string]string `mapstructure:"users"`

	// PerUserRoot serves Root/<username> instead of Root.
	PerUserRoot bool `mapstructure:"per_user_root"`

	// QuotaBytes reported as the total by Quota. Zero disables quota reporting.
	QuotaBytes int64 `mapstructure:"quota_bytes"`

	// Memory serves an in-memory filesystem, used for tests and demos.
	Memory bool `mapstructure:"memory"`
}

type Driver struct {
	base afero.Fs
	fs   afero.Fs
	opts Options
}

func NewFromOptions(opts driver.Options) (*Driver, error) {
	var o Options
	if err := driver.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}

	var afs afero.Fs
	if o.Memory {
		afs = afero.NewMemMapFs()
	} else {
		afs = afero.NewOsFs()
	}

	return New(afs, o)
}

// New creates a driver serving o.Root on afs, creating the root when missing.
func New(afs afero.Fs, o Options) (*Driver, error) {
	if err := afs.MkdirAll(o.Root, 0755); err != nil {
		return nil, toKindErr(err, o.Root)
	}

	return &Driver{
		base: afs,
		fs:   afero.NewBasePathFs(afs, o.Root),
		opts: o,
	}, nil
}

func (d *Driver) Kind() string {
	return Kind
}

func (d *Driver) Authenticate(_ context.Context, username, password string) error {
	if len(d.opts.Users) != 0 {
		hash, ok := d.opts.Users[username]
		if !ok {
			return gwerr.E(gwerr.NeedsAuthentication, "invalid user or password")
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			return gwerr.E(gwerr.NeedsAuthentication, "invalid user or password")
		}
	}

	if d.opts.PerUserRoot {
		if username == "" || strings.ContainsAny(username, `/\`) || username == ".." {
			return gwerr.E(gwerr.PermissionDenied, "invalid username '%s' for per user root", username)
		}

		userRoot := filepath.Join(d.opts.Root, username)
		if err := d.base.MkdirAll(userRoot, 0755); err != nil {
			return toKindErr(err, username)
		}
		d.fs = afero.NewBasePathFs(d.base, userRoot)
	}

	return nil
}

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		QuotaSupported: d.opts.QuotaBytes > 0,
		RootFiles:      true,
	}
}

func (d *Driver) FileCreate(_ context.Context, p string, r io.Reader, _ string) (*driver.FileInfo, error) {
	name := toFsPath(p)
	if name == "/" {
		return nil, gwerr.E(gwerr.InvalidRequest, "cannot create a file at the root")
	}

	if err := d.requireFolder(path.Dir(name)); err != nil {
		return nil, err
	}

	f, err := d.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	if err := writeAndClose(f, r); err != nil {
		_ = d.fs.Remove(name)
		return nil, toKindErr(err, p)
	}

	return d.stat(p)
}

func (d *Driver) FileUpdate(_ context.Context, p string, r io.Reader) (*driver.FileInfo, error) {
	name := toFsPath(p)
	fi, err := d.fs.Stat(name)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	if fi.IsDir() {
		return nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	}

	f, err := d.fs.OpenFile(name, os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	if err := writeAndClose(f, r); err != nil {
		return nil, toKindErr(err, p)
	}

	return d.stat(p)
}

func (d *Driver) FileDelete(_ context.Context, p string) error {
	name := toFsPath(p)
	fi, err := d.fs.Stat(name)
	if err != nil {
		return toKindErr(err, p)
	}

	if fi.IsDir() {
		return gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	}

	return toKindErr(d.fs.Remove(name), p)
}

func (d *Driver) FileGet(_ context.Context, p string) (io.ReadCloser, *driver.FileInfo, error) {
	fi, err := d.stat(p)
	if err != nil {
		return nil, nil, err
	}

	if fi.IsDir {
		return nil, nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	}

	f, err := d.fs.Open(toFsPath(p))
	if err != nil {
		return nil, nil, toKindErr(err, p)
	}

	return f, fi, nil
}

func (d *Driver) FileInfo(_ context.Context, p string) (*driver.FileInfo, error) {
	return d.stat(p)
}

func (d *Driver) FileList(_ context.Context, p string) ([]driver.FileInfo, error) {
	name := toFsPath(p)
	entries, err := afero.ReadDir(d.fs, name)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	list := make([]driver.FileInfo, 0, len(entries))
	for _, entry := range entries {
		list = append(list, toFileInfo(joinRel(p, entry.Name()), entry))
	}

	return list, nil
}

func (d *Driver) FileMove(_ context.Context, src, dst string) error {
	if err := d.requireAbsent(dst); err != nil {
		return err
	}

	if err := d.requireFolder(path.Dir(toFsPath(dst))); err != nil {
		return err
	}

	return toKindErr(d.fs.Rename(toFsPath(src), toFsPath(dst)), src)
}

func (d *Driver) FileCopy(ctx context.Context, src, dst string) error {
	r, _, err := d.FileGet(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = d.FileCreate(ctx, dst, r, "")
	return err
}

func (d *Driver) FolderCreate(_ context.Context, p string) error {
	name := toFsPath(p)
	if err := d.requireFolder(path.Dir(name)); err != nil {
		return err
	}

	return toKindErr(d.fs.Mkdir(name, 0755), p)
}

func (d *Driver) FolderDelete(_ context.Context, p string) error {
	name := toFsPath(p)
	if name == "/" {
		return gwerr.E(gwerr.PermissionDenied, "cannot delete the root folder")
	}

	if err := d.requireFolder(name); err != nil {
		return err
	}

	return toKindErr(d.fs.RemoveAll(name), p)
}

func (d *Driver) FolderMove(_ context.Context, src, dst string) error {
	if err := d.requireFolder(toFsPath(src)); err != nil {
		return err
	}

	if err := d.requireAbsent(dst); err != nil {
		return err
	}

	return toKindErr(d.fs.Rename(toFsPath(src), toFsPath(dst)), src)
}

func (d *Driver) FolderList(_ context.Context, p string) ([]driver.FileInfo, error) {
	root := toFsPath(p)
	if err := d.requireFolder(root); err != nil {
		return nil, err
	}

	var folders []driver.FileInfo
	err := afero.Walk(d.fs, root, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !fi.IsDir() || walkPath == root {
			return nil
		}

		folders = append(folders, toFileInfo(fromFsPath(walkPath), fi))
		return nil
	})
	if err != nil {
		return nil, toKindErr(err, p)
	}

	// Walk is lexical, which puts "a/b" after "a" but "a-b" before "a/b". Sort on depth so
	// parents always come first.
	sort.SliceStable(folders, func(i, j int) bool {
		return strings.Count(folders[i].Path, "/") < strings.Count(folders[j].Path, "/")
	})

	return folders, nil
}

func (d *Driver) Quota(_ context.Context, _ string) (*driver.Quota, error) {
	if d.opts.QuotaBytes <= 0 {
		return nil, gwerr.E(gwerr.Unsupported, "quota is not configured")
	}

	var used int64
	err := afero.Walk(d.fs, "/", func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !fi.IsDir() {
			used += fi.Size()
		}
		return nil
	})
	if err != nil {
		return nil, toKindErr(err, "")
	}

	return &driver.Quota{Used: used, Total: d.opts.QuotaBytes}, nil
}

func (d *Driver) stat(p string) (*driver.FileInfo, error) {
	fi, err := d.fs.Stat(toFsPath(p))
	if err != nil {
		return nil, toKindErr(err, p)
	}

	info := toFileInfo(strings.Trim(p, "/"), fi)
	return &info, nil
}

func (d *Driver) requireFolder(name string) error {
	fi, err := d.fs.Stat(name)
	if err != nil {
		return toKindErr(err, fromFsPath(name))
	}

	if !fi.IsDir() {
		return gwerr.E(gwerr.InvalidRequest, "%s is not a folder", fromFsPath(name))
	}

	return nil
}

func (d *Driver) requireAbsent(p string) error {
	_, err := d.fs.Stat(toFsPath(p))
	switch {
	case err == nil:
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return toKindErr(err, p)
	}
}

func writeAndClose(f afero.File, r io.Reader) error {
	_, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	return err
}

func toFileInfo(p string, fi os.FileInfo) driver.FileInfo {
	info := driver.FileInfo{
		Name:    fi.Name(),
		Path:    p,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}

	if info.IsDir {
		info.Size = 0
	} else {
		info.MimeType = mime.TypeByExtension(path.Ext(fi.Name()))
	}

	if p == "" {
		info.Name = ""
	}

	return info
}

// toFsPath turns a backend-relative path into an absolute path inside the base fs.
func toFsPath(p string) string {
	return path.Clean("/" + strings.Trim(p, "/"))
}

func fromFsPath(name string) string {
	return strings.TrimPrefix(filepath.ToSlash(name), "/")
}

func joinRel(dir, name string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

func toKindErr(err error, p string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", p)
	case errors.Is(err, fs.ErrExist):
		return gwerr.Wrapf(gwerr.AlreadyExists, err, "%s already exists", p)
	case errors.Is(err, fs.ErrPermission):
		return gwerr.Wrapf(gwerr.PermissionDenied, err, "%s", p)
	default:
		if _, ok := err.(*gwerr.Error); ok {
			return err
		}
		return gwerr.Wrapf(gwerr.BackendFailure, err, "%s", p)
	}
}
