package driver

import (
	"context"
	"io"
	"time"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

// Policy controls how outbound driver calls are bounded.
type Policy struct {
	// Timeout bounds every call. Zero disables the bound.
	Timeout time.Duration

	// ReadRetries is how many times an idempotent read failing with BackendFailure is
	// retried. Mutations are never retried.
	ReadRetries int
}

var DefaultPolicy = Policy{Timeout: 60 * time.Second, ReadRetries: 1}

type policyDriver struct {
	Driver
	policy Policy
}

// WithPolicy wraps d so every call runs under policy.
func WithPolicy(d Driver, policy Policy) Driver {
	if pd, ok := d.(*policyDriver); ok {
		d = pd.Driver
	}

	return &policyDriver{Driver: d, policy: policy}
}

// Unwrap returns the driver beneath any policy wrapper.
func Unwrap(d Driver) Driver {
	if pd, ok := d.(*policyDriver); ok {
		return pd.Driver
	}

	return d
}

func (d *policyDriver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, d.policy.Timeout)
}

// call runs a mutation once.
func (d *policyDriver) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return timeoutErr(ctx, fn(ctx))
}

// read runs an idempotent call, retrying on BackendFailure.
func (d *policyDriver) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= d.policy.ReadRetries; attempt++ {
		err = d.call(ctx, fn)
		if err == nil || !gwerr.Is(err, gwerr.BackendFailure) || ctx.Err() != nil {
			return err
		}

		clog.UsingCtx("driver").WithField("op", op).WithField("kind", d.Kind()).
			Warnf("Retrying after backend failure: %s", err)
	}

	return err
}

func timeoutErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == context.DeadlineExceeded && !gwerr.Is(err, gwerr.BackendFailure) {
		return gwerr.Wrap(gwerr.BackendFailure, err, "backend call timed out")
	}

	return err
}

func (d *policyDriver) Authenticate(ctx context.Context, username, password string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.Authenticate(ctx, username, password)
	})
}

func (d *policyDriver) FileCreate(ctx context.Context, path string, r io.Reader, mimeType string) (*FileInfo, error) {
	var fi *FileInfo
	err := d.call(ctx, func(ctx context.Context) (err error) {
		fi, err = d.Driver.FileCreate(ctx, path, r, mimeType)
		return err
	})
	return fi, err
}

func (d *policyDriver) FileUpdate(ctx context.Context, path string, r io.Reader) (*FileInfo, error) {
	var fi *FileInfo
	err := d.call(ctx, func(ctx context.Context) (err error) {
		fi, err = d.Driver.FileUpdate(ctx, path, r)
		return err
	})
	return fi, err
}

func (d *policyDriver) FileDelete(ctx context.Context, path string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FileDelete(ctx, path)
	})
}

// FileGet keeps the call's context alive until the returned reader is closed.
func (d *policyDriver) FileGet(ctx context.Context, path string) (io.ReadCloser, *FileInfo, error) {
	var err error
	for attempt := 0; attempt <= d.policy.ReadRetries; attempt++ {
		callCtx, cancel := d.withTimeout(ctx)
		var (
			rc io.ReadCloser
			fi *FileInfo
		)
		rc, fi, err = d.Driver.FileGet(callCtx, path)
		if err == nil {
			return &cancelOnClose{ReadCloser: rc, cancel: cancel}, fi, nil
		}

		err = timeoutErr(callCtx, err)
		cancel()
		if !gwerr.Is(err, gwerr.BackendFailure) || ctx.Err() != nil {
			return nil, nil, err
		}
	}

	return nil, nil, err
}

func (d *policyDriver) FileInfo(ctx context.Context, path string) (*FileInfo, error) {
	var fi *FileInfo
	err := d.read(ctx, "FileInfo", func(ctx context.Context) (err error) {
		fi, err = d.Driver.FileInfo(ctx, path)
		return err
	})
	return fi, err
}

func (d *policyDriver) FileList(ctx context.Context, path string) ([]FileInfo, error) {
	var entries []FileInfo
	err := d.read(ctx, "FileList", func(ctx context.Context) (err error) {
		entries, err = d.Driver.FileList(ctx, path)
		return err
	})
	return entries, err
}

func (d *policyDriver) FileMove(ctx context.Context, src, dst string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FileMove(ctx, src, dst)
	})
}

func (d *policyDriver) FileCopy(ctx context.Context, src, dst string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FileCopy(ctx, src, dst)
	})
}

func (d *policyDriver) FolderCreate(ctx context.Context, path string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FolderCreate(ctx, path)
	})
}

func (d *policyDriver) FolderDelete(ctx context.Context, path string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FolderDelete(ctx, path)
	})
}

func (d *policyDriver) FolderMove(ctx context.Context, src, dst string) error {
	return d.call(ctx, func(ctx context.Context) error {
		return d.Driver.FolderMove(ctx, src, dst)
	})
}

func (d *policyDriver) FolderList(ctx context.Context, path string) ([]FileInfo, error) {
	var folders []FileInfo
	err := d.read(ctx, "FolderList", func(ctx context.Context) (err error) {
		folders, err = d.Driver.FolderList(ctx, path)
		return err
	})
	return folders, err
}

func (d *policyDriver) Quota(ctx context.Context, path string) (*Quota, error) {
	var q *Quota
	err := d.read(ctx, "Quota", func(ctx context.Context) (err error) {
		q, err = d.Driver.Quota(ctx, path)
		return err
	})
	return q, err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
