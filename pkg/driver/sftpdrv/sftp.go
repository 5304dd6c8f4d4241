// Package sftpdrv implements a driver for a remote directory reached over SFTP.
package sftpdrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
	pkgerrors "github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const Kind = "sftp"

func init() {
	driver.Register(Kind, func(opts driver.Options) (driver.Driver, error) {
		return NewFromOptions(opts)
	})
}

type Options struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port"`

	// Root is the remote directory served. Relative roots are relative to the login directory.
	Root string `mapstructure:"root"`

	// HostKey is the server's public key in authorized_keys format.
	HostKey string `mapstructure:"host_key"`

	// InsecureIgnoreHostKey skips host key verification when no HostKey is set.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type Driver struct {
	opts Options

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func NewFromOptions(opts driver.Options) (*Driver, error) {
	var o Options
	if err := driver.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}

	return New(o)
}

func New(o Options) (*Driver, error) {
	if o.Port == 0 {
		o.Port = 22
	}

	if o.DialTimeout == 0 {
		o.DialTimeout = 15 * time.Second
	}

	if o.HostKey == "" && !o.InsecureIgnoreHostKey {
		return nil, gwerr.E(gwerr.InvalidRequest, "sftp driver for %s needs host_key or insecure_ignore_host_key", o.Host)
	}

	return &Driver{opts: o}, nil
}

func (d *Driver) Kind() string {
	return Kind
}

func (d *Driver) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.opts.HostKey == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(d.opts.HostKey))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidRequest, err, "invalid host_key")
	}

	return ssh.FixedHostKey(key), nil
}

// Authenticate opens the ssh connection and the sftp session on top of it. Calling it
// again replaces the existing connection.
func (d *Driver) Authenticate(ctx context.Context, username, password string) error {
	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(d.opts.Host, fmt.Sprintf("%d", d.opts.Port))
	dialer := net.Dialer{Timeout: d.opts.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "connecting to %s", addr)
	}

	sshConfig := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.opts.DialTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
	if err != nil {
		_ = netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return gwerr.Wrap(gwerr.NeedsAuthentication, err, "sftp login rejected")
		}
		return gwerr.Wrapf(gwerr.BackendFailure, err, "ssh handshake with %s", addr)
	}

	conn := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return gwerr.Wrap(gwerr.BackendFailure, err, "starting sftp subsystem")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	d.conn, d.client = conn, client
	return nil
}

// Close ends the sftp session.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *Driver) closeLocked() {
	if d.client != nil {
		_ = d.client.Close()
	}

	if d.conn != nil {
		_ = d.conn.Close()
	}

	d.client, d.conn = nil, nil
}

func (d *Driver) sftp() (*sftp.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, gwerr.E(gwerr.NeedsAuthentication, "sftp driver is not authenticated")
	}

	return d.client, nil
}

func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		QuotaSupported: true,
		RootFiles:      true,
	}
}

func (d *Driver) remote(p string) string {
	p = strings.Trim(p, "/")
	root := d.opts.Root
	if root == "" {
		root = "."
	}

	if p == "" {
		return root
	}

	return path.Join(root, path.Clean("/" + p)[1:])
}

func (d *Driver) FileCreate(_ context.Context, p string, r io.Reader, _ string) (*driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	name := d.remote(p)
	if _, err := client.Stat(name); err == nil {
		return nil, gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	}

	f, err := client.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = client.Remove(name)
		return nil, toKindErr(err, p)
	}

	if err := f.Close(); err != nil {
		return nil, toKindErr(err, p)
	}

	return d.stat(client, p)
}

func (d *Driver) FileUpdate(_ context.Context, p string, r io.Reader) (*driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	f, err := client.OpenFile(d.remote(p), os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return nil, toKindErr(err, p)
	}

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return nil, toKindErr(err, p)
	}

	if err := f.Close(); err != nil {
		return nil, toKindErr(err, p)
	}

	return d.stat(client, p)
}

func (d *Driver) FileDelete(_ context.Context, p string) error {
	client, err := d.sftp()
	if err != nil {
		return err
	}

	return toKindErr(client.Remove(d.remote(p)), p)
}

func (d *Driver) FileGet(_ context.Context, p string) (io.ReadCloser, *driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, nil, err
	}

	fi, err := d.stat(client, p)
	if err != nil {
		return nil, nil, err
	}

	f, err := client.Open(d.remote(p))
	if err != nil {
		return nil, nil, toKindErr(err, p)
	}

	return f, fi, nil
}

func (d *Driver) FileInfo(_ context.Context, p string) (*driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	return d.stat(client, p)
}

func (d *Driver) FileList(_ context.Context, p string) ([]driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	entries, err := client.ReadDir(d.remote(p))
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
	client, err := d.sftp()
	if err != nil {
		return err
	}

	return d.rename(client, src, dst)
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
	client, err := d.sftp()
	if err != nil {
		return err
	}

	if _, err := client.Stat(d.remote(p)); err == nil {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	}

	return toKindErr(client.Mkdir(d.remote(p)), p)
}

// FolderDelete removes files first, then folders deepest first.
func (d *Driver) FolderDelete(_ context.Context, p string) error {
	if strings.Trim(p, "/") == "" {
		return gwerr.E(gwerr.PermissionDenied, "cannot delete the root folder")
	}

	client, err := d.sftp()
	if err != nil {
		return err
	}

	var dirs []string
	walker := client.Walk(d.remote(p))
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return toKindErr(err, p)
		}

		if walker.Stat().IsDir() {
			dirs = append(dirs, walker.Path())
			continue
		}

		if err := client.Remove(walker.Path()); err != nil {
			return toKindErr(err, p)
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := client.RemoveDirectory(dirs[i]); err != nil {
			return toKindErr(err, p)
		}
	}

	return nil
}

func (d *Driver) FolderMove(_ context.Context, src, dst string) error {
	client, err := d.sftp()
	if err != nil {
		return err
	}

	return d.rename(client, src, dst)
}

// FolderList relies on the sftp walker visiting a folder before its contents.
func (d *Driver) FolderList(_ context.Context, p string) ([]driver.FileInfo, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	root := d.remote(p)
	var folders []driver.FileInfo
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, toKindErr(err, p)
		}

		if !walker.Stat().IsDir() || walker.Path() == root {
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		folders = append(folders, toFileInfo(joinRel(p, rel), walker.Stat()))
	}

	return folders, nil
}

func (d *Driver) Quota(_ context.Context, p string) (*driver.Quota, error) {
	client, err := d.sftp()
	if err != nil {
		return nil, err
	}

	vfs, err := client.StatVFS(d.remote(p))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Unsupported, err, "server does not report disk usage")
	}

	return &driver.Quota{
		Used:  int64((vfs.Blocks - vfs.Bfree) * vfs.Frsize),
		Total: int64(vfs.Blocks * vfs.Frsize),
	}, nil
}

func (d *Driver) rename(client *sftp.Client, src, dst string) error {
	if _, err := client.Stat(d.remote(dst)); err == nil {
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", dst)
	}

	err := client.Rename(d.remote(src), d.remote(dst))
	return toKindErr(pkgerrors.Wrapf(err, "rename %s to %s", src, dst), src)
}

func (d *Driver) stat(client *sftp.Client, p string) (*driver.FileInfo, error) {
	fi, err := client.Stat(d.remote(p))
	if err != nil {
		return nil, toKindErr(err, p)
	}

	info := toFileInfo(strings.Trim(p, "/"), fi)
	return &info, nil
}

func toFileInfo(p string, fi os.FileInfo) driver.FileInfo {
	info := driver.FileInfo{
		Name:    path.Base(p),
		Path:    p,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}

	if info.IsDir {
		info.Size = 0
	} else {
		info.MimeType = mime.TypeByExtension(path.Ext(p))
	}

	if p == "" {
		info.Name = ""
	}

	return info
}

func joinRel(dir, name string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

func toKindErr(err error, p string) error {
	var statusErr *sftp.StatusError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return gwerr.Wrapf(gwerr.NotFound, err, "%s not found", p)
	case errors.Is(err, fs.ErrPermission):
		return gwerr.Wrapf(gwerr.PermissionDenied, err, "%s", p)
	case errors.Is(err, fs.ErrExist):
		return gwerr.Wrapf(gwerr.AlreadyExists, err, "%s already exists", p)
	case errors.As(err, &statusErr) && statusErr.FxCode() == sftp.ErrSSHFxOpUnsupported:
		return gwerr.Wrapf(gwerr.Unsupported, err, "%s", p)
	default:
		return gwerr.Wrapf(gwerr.BackendFailure, err, "%s", p)
	}
}
