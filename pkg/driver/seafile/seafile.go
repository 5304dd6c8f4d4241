// Package seafile implements a driver for a Seafile server through its api2 REST interface.
//
// The first segment of every path is a library name; libraries are the only thing allowed
// at the root, so the driver reports RootFiles=false.
package seafile

import (
	"context"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

const Kind = "seafile"

func init() {
	driver.Register(Kind, func(opts driver.Options) (driver.Driver, error) {
		return NewFromOptions(opts)
	})
}

type Options struct {
	URL string `mapstructure:"url" validate:"required,url"`

	// Token skips the username/password login when set.
	Token string `mapstructure:"token"`

	// Timeout for the api calls, uploads and downloads included. The call policy bounds
	// calls as well; this protects direct users of the driver.
	Timeout time.Duration `mapstructure:"timeout"`
}

type Driver struct {
	opts   Options
	client *resty.Client

	mu    sync.RWMutex
	token string
	repos map[string]string
}

type repo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
	Type  string `json:"type"`
}

type dirent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

type accountInfo struct {
	Usage int64 `json:"usage"`
	Total int64 `json:"total"`
}

func NewFromOptions(opts driver.Options) (*Driver, error) {
	var o Options
	if err := driver.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}

	return New(o), nil
}

func New(o Options) *Driver {
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Minute
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(o.URL, "/")).
		SetTimeout(o.Timeout).
		SetHeader("Accept", "application/json")

	return &Driver{opts: o, client: client, token: o.Token}
}

func (d *Driver) Kind() string {
	return Kind
}

func (d *Driver) Authenticate(ctx context.Context, username, password string) error {
	if d.opts.Token != "" && username == "" {
		return d.refreshRepos(ctx)
	}

	var result struct {
		Token string `json:"token"`
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"username": username, "password": password}).
		SetResult(&result).
		Post("/api2/auth-token/")
	if err != nil {
		return gwerr.Wrap(gwerr.BackendFailure, err, "seafile login")
	}

	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnauthorized {
		return gwerr.E(gwerr.NeedsAuthentication, "seafile rejected login for %s", username)
	}

	if err := toErrorFromResponse(resp, "login"); err != nil {
		return err
	}

	d.mu.Lock()
	d.token = result.Token
	d.mu.Unlock()

	return d.refreshRepos(ctx)
}

func (d *Driver) request(ctx context.Context) (*resty.Request, error) {
	d.mu.RLock()
	token := d.token
	d.mu.RUnlock()

	if token == "" {
		return nil, gwerr.E(gwerr.NeedsAuthentication, "seafile driver is not authenticated")
	}

	return d.client.R().SetContext(ctx).SetHeader("Authorization", "Token "+token), nil
}

func (d *Driver) refreshRepos(ctx context.Context) error {
	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	var repos []repo
	resp, err := req.SetResult(&repos).Get("/api2/repos/")
	if err != nil {
		return gwerr.Wrap(gwerr.BackendFailure, err, "listing libraries")
	}

	if err := toErrorFromResponse(resp, "libraries"); err != nil {
		return err
	}

	byName := make(map[string]string, len(repos))
	for _, r := range repos {
		byName[r.Name] = r.ID
	}

	d.mu.Lock()
	d.repos = byName
	d.mu.Unlock()
	return nil
}

// split separates the library name from the path inside the library. The inner path is
// absolute as seafile expects.
func (d *Driver) split(ctx context.Context, p string) (repoID, lib, inner string, err error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "", "", gwerr.E(gwerr.InvalidRequest, "path has no library")
	}

	lib, rest, _ := strings.Cut(p, "/")
	inner = "/" + rest

	repoID, ok := d.repoID(lib)
	if !ok {
		if err := d.refreshRepos(ctx); err != nil {
			return "", "", "", err
		}

		if repoID, ok = d.repoID(lib); !ok {
			return "", "", "", gwerr.E(gwerr.NotFound, "library %s not found", lib)
		}
	}

	return repoID, lib, inner, nil
}

func (d *Driver) repoID(lib string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.repos[lib]
	return id, ok
}

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		QuotaSupported: true,
		RootFiles:      false,
		Progress:       true,
	}
}

func (d *Driver) FileCreate(ctx context.Context, p string, r io.Reader, _ string) (*driver.FileInfo, error) {
	if _, err := d.FileInfo(ctx, p); err == nil {
		return nil, gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	} else if !gwerr.Is(err, gwerr.NotFound) {
		return nil, err
	}

	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return nil, err
	}

	if inner == "/" {
		return nil, gwerr.E(gwerr.InvalidRequest, "files cannot be stored at the root")
	}

	dir, name := path.Dir(inner), path.Base(inner)
	link, err := d.link(ctx, repoID, "upload-link", dir)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", name, r).
		SetFormData(map[string]string{"parent_dir": dir, "replace": "0"}).
		Post(link)
	if err != nil {
		return nil, gwerr.Wrapf(gwerr.BackendFailure, err, "uploading %s", p)
	}

	if err := toErrorFromResponse(resp, p); err != nil {
		return nil, err
	}

	return d.FileInfo(ctx, p)
}

func (d *Driver) FileUpdate(ctx context.Context, p string, r io.Reader) (*driver.FileInfo, error) {
	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return nil, err
	}

	if _, err := d.FileInfo(ctx, p); err != nil {
		return nil, err
	}

	dir, name := path.Dir(inner), path.Base(inner)
	link, err := d.link(ctx, repoID, "update-link", dir)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", name, r).
		SetFormData(map[string]string{"target_file": inner}).
		Post(link)
	if err != nil {
		return nil, gwerr.Wrapf(gwerr.BackendFailure, err, "updating %s", p)
	}

	if err := toErrorFromResponse(resp, p); err != nil {
		return nil, err
	}

	return d.FileInfo(ctx, p)
}

// link fetches an upload or update link for dir.
func (d *Driver) link(ctx context.Context, repoID, kind, dir string) (string, error) {
	req, err := d.request(ctx)
	if err != nil {
		return "", err
	}

	var link string
	resp, err := req.SetQueryParam("p", dir).SetResult(&link).Get("/api2/repos/" + repoID + "/" + kind + "/")
	if err != nil {
		return "", gwerr.Wrapf(gwerr.BackendFailure, err, "getting %s for %s", kind, dir)
	}

	if err := toErrorFromResponse(resp, dir); err != nil {
		return "", err
	}

	return link, nil
}

func (d *Driver) FileDelete(ctx context.Context, p string) error {
	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return err
	}

	if _, err := d.FileInfo(ctx, p); err != nil {
		return err
	}

	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetQueryParam("p", inner).Delete("/api2/repos/" + repoID + "/file/")
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "deleting %s", p)
	}

	return toErrorFromResponse(resp, p)
}

func (d *Driver) FileGet(ctx context.Context, p string) (io.ReadCloser, *driver.FileInfo, error) {
	fi, err := d.FileInfo(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	if fi.IsDir {
		return nil, nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	}

	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	req, err := d.request(ctx)
	if err != nil {
		return nil, nil, err
	}

	var link string
	resp, err := req.SetQueryParam("p", inner).SetResult(&link).Get("/api2/repos/" + repoID + "/file/")
	if err != nil {
		return nil, nil, gwerr.Wrapf(gwerr.BackendFailure, err, "getting download link for %s", p)
	}

	if err := toErrorFromResponse(resp, p); err != nil {
		return nil, nil, err
	}

	download, err := d.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(link)
	if err != nil {
		return nil, nil, gwerr.Wrapf(gwerr.BackendFailure, err, "downloading %s", p)
	}

	body := download.RawBody()
	if download.StatusCode() >= 300 {
		_ = body.Close()
		return nil, nil, gwerr.E(gwerr.BackendFailure, "downloading %s: HTTP status %d", p, download.StatusCode())
	}

	return body, fi, nil
}

func (d *Driver) FileInfo(ctx context.Context, p string) (*driver.FileInfo, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return &driver.FileInfo{IsDir: true}, nil
	}

	repoID, lib, inner, err := d.split(ctx, p)
	if err != nil {
		return nil, err
	}

	if inner == "/" {
		return &driver.FileInfo{Name: lib, Path: lib, IsDir: true}, nil
	}

	// Seafile has no single stat call; list the parent and look for the entry.
	dir, name := path.Dir(inner), path.Base(inner)
	entries, err := d.listDir(ctx, repoID, dir)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.Name == name {
			fi := toFileInfo(p, e)
			return &fi, nil
		}
	}

	return nil, gwerr.E(gwerr.NotFound, "%s not found", p)
}

func (d *Driver) listDir(ctx context.Context, repoID, dir string) ([]dirent, error) {
	req, err := d.request(ctx)
	if err != nil {
		return nil, err
	}

	var entries []dirent
	resp, err := req.SetQueryParam("p", dir).SetResult(&entries).Get("/api2/repos/" + repoID + "/dir/")
	if err != nil {
		return nil, gwerr.Wrapf(gwerr.BackendFailure, err, "listing %s", dir)
	}

	if err := toErrorFromResponse(resp, dir); err != nil {
		return nil, err
	}

	return entries, nil
}

func (d *Driver) FileList(ctx context.Context, p string) ([]driver.FileInfo, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		if err := d.refreshRepos(ctx); err != nil {
			return nil, err
		}

		d.mu.RLock()
		list := make([]driver.FileInfo, 0, len(d.repos))
		for name := range d.repos {
			list = append(list, driver.FileInfo{Name: name, Path: name, IsDir: true})
		}
		d.mu.RUnlock()

		sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
		return list, nil
	}

	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return nil, err
	}

	entries, err := d.listDir(ctx, repoID, inner)
	if err != nil {
		return nil, err
	}

	list := make([]driver.FileInfo, 0, len(entries))
	for _, e := range entries {
		list = append(list, toFileInfo(p+"/"+e.Name, e))
	}

	return list, nil
}

func (d *Driver) FileMove(ctx context.Context, src, dst string) error {
	return d.fileOp(ctx, "move", src, dst)
}

func (d *Driver) FileCopy(ctx context.Context, src, dst string) error {
	return d.fileOp(ctx, "copy", src, dst)
}

// fileOp moves or copies src into dst's folder, then renames it when the names differ.
func (d *Driver) fileOp(ctx context.Context, op, src, dst string) error {
	if _, err := d.FileInfo(ctx, dst); err == nil {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", dst)
	} else if !gwerr.Is(err, gwerr.NotFound) {
		return err
	}

	srcRepo, _, srcInner, err := d.split(ctx, src)
	if err != nil {
		return err
	}

	dstRepo, _, dstInner, err := d.split(ctx, dst)
	if err != nil {
		return err
	}

	dstDir, dstName := path.Dir(dstInner), path.Base(dstInner)
	srcName := path.Base(srcInner)

	current := src
	if srcRepo != dstRepo || path.Dir(srcInner) != path.Dir(dstInner) || op == "copy" {
		if srcName != dstName {
			// The file lands under its source name before the rename.
			if _, err := d.FileInfo(ctx, path.Join(path.Dir(dst), srcName)); err == nil {
				return gwerr.E(gwerr.AlreadyExists, "%s already exists in the destination folder", srcName)
			}
		}

		req, err := d.request(ctx)
		if err != nil {
			return err
		}

		resp, err := req.
			SetQueryParam("p", srcInner).
			SetFormData(map[string]string{"operation": op, "dst_repo": dstRepo, "dst_dir": dstDir}).
			Post("/api2/repos/" + srcRepo + "/file/")
		if err != nil {
			return gwerr.Wrapf(gwerr.BackendFailure, err, "%s %s", op, src)
		}

		if err := toErrorFromResponse(resp, src); err != nil {
			return err
		}

		current = path.Join(path.Dir(dst), srcName)
	}

	if srcName == dstName {
		return nil
	}

	return d.rename(ctx, "file", current, dstName)
}

func (d *Driver) rename(ctx context.Context, what, p, newName string) error {
	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return err
	}

	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetQueryParam("p", inner).
		SetFormData(map[string]string{"operation": "rename", "newname": newName}).
		Post("/api2/repos/" + repoID + "/" + what + "/")
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "renaming %s", p)
	}

	return toErrorFromResponse(resp, p)
}

func (d *Driver) FolderCreate(ctx context.Context, p string) error {
	if _, err := d.FileInfo(ctx, p); err == nil {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	} else if !gwerr.Is(err, gwerr.NotFound) {
		return err
	}

	p = strings.Trim(p, "/")
	if !strings.Contains(p, "/") {
		return d.createLibrary(ctx, p)
	}

	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return err
	}

	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetQueryParam("p", inner).
		SetFormData(map[string]string{"operation": "mkdir"}).
		Post("/api2/repos/" + repoID + "/dir/")
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "creating %s", p)
	}

	return toErrorFromResponse(resp, p)
}

func (d *Driver) createLibrary(ctx context.Context, name string) error {
	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetFormData(map[string]string{"name": name}).Post("/api2/repos/")
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "creating library %s", name)
	}

	if err := toErrorFromResponse(resp, name); err != nil {
		return err
	}

	return d.refreshRepos(ctx)
}

func (d *Driver) FolderDelete(ctx context.Context, p string) error {
	repoID, _, inner, err := d.split(ctx, p)
	if err != nil {
		return err
	}

	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	var resp *resty.Response
	if inner == "/" {
		resp, err = req.Delete("/api2/repos/" + repoID + "/")
	} else {
		if _, err := d.FileInfo(ctx, p); err != nil {
			return err
		}
		resp, err = req.SetQueryParam("p", inner).Delete("/api2/repos/" + repoID + "/dir/")
	}

	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "deleting %s", p)
	}

	if err := toErrorFromResponse(resp, p); err != nil {
		return err
	}

	if inner == "/" {
		return d.refreshRepos(ctx)
	}

	return nil
}

// FolderMove supports renames in place and moves between folders that keep the name.
// Libraries cannot be moved into other libraries.
func (d *Driver) FolderMove(ctx context.Context, src, dst string) error {
	if _, err := d.FileInfo(ctx, dst); err == nil {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", dst)
	} else if !gwerr.Is(err, gwerr.NotFound) {
		return err
	}

	srcRepo, _, srcInner, err := d.split(ctx, src)
	if err != nil {
		return err
	}

	dstRepo, _, dstInner, err := d.split(ctx, dst)
	if err != nil {
		return err
	}

	if srcInner == "/" || dstInner == "/" {
		return gwerr.E(gwerr.Unsupported, "libraries cannot be moved")
	}

	srcParent, srcName := path.Dir(srcInner), path.Base(srcInner)
	dstParent, dstName := path.Dir(dstInner), path.Base(dstInner)

	if srcRepo == dstRepo && srcParent == dstParent {
		return d.rename(ctx, "dir", src, dstName)
	}

	if srcName != dstName {
		return gwerr.E(gwerr.Unsupported, "moving and renaming a folder in one step is not supported")
	}

	req, err := d.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.
		SetQueryParam("p", srcParent).
		SetFormData(map[string]string{"dst_repo": dstRepo, "dst_dir": dstParent, "file_names": srcName}).
		Post("/api2/repos/" + srcRepo + "/fileops/move/")
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "moving %s", src)
	}

	return toErrorFromResponse(resp, src)
}

func (d *Driver) FolderList(ctx context.Context, p string) ([]driver.FileInfo, error) {
	var folders []driver.FileInfo

	queue := []string{strings.Trim(p, "/")}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		entries, err := d.FileList(ctx, current)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			if e.IsDir {
				folders = append(folders, e)
				queue = append(queue, e.Path)
			}
		}
	}

	return folders, nil
}

func (d *Driver) Quota(ctx context.Context, _ string) (*driver.Quota, error) {
	req, err := d.request(ctx)
	if err != nil {
		return nil, err
	}

	var info accountInfo
	resp, err := req.SetResult(&info).Get("/api2/account/info/")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.BackendFailure, err, "getting account info")
	}

	if err := toErrorFromResponse(resp, "account info"); err != nil {
		return nil, err
	}

	return &driver.Quota{Used: info.Usage, Total: info.Total}, nil
}

func toFileInfo(p string, e dirent) driver.FileInfo {
	fi := driver.FileInfo{
		Name:    e.Name,
		Path:    strings.Trim(p, "/"),
		Size:    e.Size,
		ModTime: time.Unix(e.MTime, 0),
		IsDir:   e.Type == "dir",
	}

	if fi.IsDir {
		fi.Size = 0
	}

	return fi
}
