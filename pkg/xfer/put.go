package xfer

import (
	"context"
	"io"

	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/materials-commons/filegate/pkg/router"
)

// Put writes r to the file at virtualPath. An existing file is replaced only when
// overwrite is set. The content is spooled first so backends always get a seekable body
// of known size.
func (e *Engine) Put(ctx context.Context, rc *reqctx.Context, virtualPath string, r io.Reader, mimeType string, overwrite bool) (*driver.FileInfo, error) {
	p, err := router.CleanPath(virtualPath)
	if err != nil {
		return nil, err
	}

	if p == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "path required")
	}

	d, rel, _, err := e.resolver.Resolve(ctx, rc, p)
	if err != nil {
		return nil, err
	}

	if err := checkFileDestination(d, rel, p); err != nil {
		return nil, err
	}

	existing, err := d.FileInfo(ctx, rel)
	switch {
	case gwerr.Is(err, gwerr.NotFound):
		existing = nil
	case err != nil:
		return nil, err
	case existing.IsDir:
		return nil, gwerr.E(gwerr.InvalidRequest, "%s is a folder", p)
	case !overwrite:
		return nil, gwerr.E(gwerr.AlreadyExists, "%s already exists", p)
	}

	spool := NewSpool(e.spoolFs, e.spoolDir, e.memLimit)
	defer func() { _ = spool.Close() }()

	if _, err := spool.Fill(r); err != nil {
		return nil, gwerr.Wrap(gwerr.InvalidRequest, err, "reading upload")
	}

	if limit := d.Capabilities().MaxUpload; limit > 0 && spool.Size() > limit {
		return nil, gwerr.E(gwerr.InvalidRequest, "upload is larger than the limit of %d bytes", limit)
	}

	body, err := spool.Reader()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, err, "spool")
	}

	if existing != nil {
		return d.FileUpdate(ctx, rel, body)
	}

	return d.FileCreate(ctx, rel, body, spool.MimeType(mimeType))
}
