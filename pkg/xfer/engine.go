// Package xfer moves, copies and deletes files and folders anywhere in the virtual
// namespace. Operations inside one backend use the backend's own move and copy. Operations
// across backends stream content through a Spool.
package xfer

import (
	"context"
	"strings"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/materials-commons/filegate/pkg/router"
	"github.com/spf13/afero"
)

// DefaultSpoolMemoryLimit is how much of a file is held in memory before spooling to disk.
const DefaultSpoolMemoryLimit = 8 * 1024 * 1024

// Resolver maps virtual paths onto drivers. *router.Router implements it.
type Resolver interface {
	Resolve(ctx context.Context, rc *reqctx.Context, virtualPath string) (driver.Driver, string, *gwmodel.MountPoint, error)
	IsMountRoot(ctx context.Context, rc *reqctx.Context, virtualPath string) (bool, error)
	PathToURI(ctx context.Context, rc *reqctx.Context, virtualPath string) (string, error)
}

// URIRewriter is told about every completed move so resources keyed by URI can follow
// the file.
type URIRewriter interface {
	RewriteURI(ctx context.Context, oldURI, newURI string, isFolder bool) error
}

type Options struct {
	Resolver Resolver
	Rewriter URIRewriter

	// SpoolFs and SpoolDir hold spool files. SpoolFs defaults to the OS filesystem.
	SpoolFs          afero.Fs
	SpoolDir         string
	SpoolMemoryLimit int64
}

type Engine struct {
	resolver Resolver
	rewriter URIRewriter
	spoolFs  afero.Fs
	spoolDir string
	memLimit int64
}

func New(opts Options) *Engine {
	e := &Engine{
		resolver: opts.Resolver,
		rewriter: opts.Rewriter,
		spoolFs:  opts.SpoolFs,
		spoolDir: opts.SpoolDir,
		memLimit: opts.SpoolMemoryLimit,
	}

	if e.spoolFs == nil {
		e.spoolFs = afero.NewOsFs()
	}

	if e.memLimit <= 0 {
		e.memLimit = DefaultSpoolMemoryLimit
	}

	return e
}

// Pair is one source and destination virtual path.
type Pair struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type PairError struct {
	Pair
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// BatchResult reports every pair of a batch. Conflicts are pairs skipped because the
// destination exists and overwrite was not requested.
type BatchResult struct {
	Done      []Pair      `json:"done"`
	Conflicts []Pair      `json:"conflicts"`
	Failed    []PairError `json:"failed"`
}

func (r *BatchResult) record(p Pair, err error) {
	switch {
	case err == nil:
		r.Done = append(r.Done, p)
	case gwerr.Is(err, gwerr.AlreadyExists):
		r.Conflicts = append(r.Conflicts, p)
	default:
		r.Failed = append(r.Failed, PairError{Pair: p, Code: gwerr.KindOf(err).String(), Message: err.Error(), Err: err})
	}
}

// MoveFiles moves each pair independently. A conflict or failure on one pair does not
// stop the others.
func (e *Engine) MoveFiles(ctx context.Context, rc *reqctx.Context, pairs []Pair, overwrite bool) *BatchResult {
	return e.batch(ctx, rc, pairs, overwrite, true)
}

func (e *Engine) CopyFiles(ctx context.Context, rc *reqctx.Context, pairs []Pair, overwrite bool) *BatchResult {
	return e.batch(ctx, rc, pairs, overwrite, false)
}

func (e *Engine) batch(ctx context.Context, rc *reqctx.Context, pairs []Pair, overwrite, move bool) *BatchResult {
	result := &BatchResult{}
	for _, p := range pairs {
		cleaned, err := cleanPair(p)
		if err != nil {
			result.record(p, err)
			continue
		}

		p = cleaned
		err = e.transferFile(ctx, rc, p, overwrite, move)
		if err != nil && !gwerr.Is(err, gwerr.AlreadyExists) {
			clog.UsingCtx("xfer").WithField("src", p.Src).WithField("dst", p.Dst).
				Warnf("Transfer failed: %s", err)
		}
		result.record(p, err)
	}

	return result
}

// DeleteResult reports a DeleteFiles call.
type DeleteResult struct {
	Deleted []string    `json:"deleted"`
	Failed  []PairError `json:"failed"`
}

// DeleteFiles deletes each path independently.
func (e *Engine) DeleteFiles(ctx context.Context, rc *reqctx.Context, paths []string) *DeleteResult {
	result := &DeleteResult{}
	for _, p := range paths {
		cleaned, err := router.CleanPath(p)
		if err == nil {
			p = cleaned
			err = e.deleteFile(ctx, rc, p)
		}

		if err != nil {
			result.Failed = append(result.Failed, PairError{Pair: Pair{Src: p}, Code: gwerr.KindOf(err).String(), Message: err.Error(), Err: err})
			continue
		}
		result.Deleted = append(result.Deleted, p)
	}

	return result
}

func (e *Engine) deleteFile(ctx context.Context, rc *reqctx.Context, p string) error {
	if p == "" {
		return gwerr.E(gwerr.InvalidRequest, "path required")
	}

	d, rel, _, err := e.resolver.Resolve(ctx, rc, p)
	if err != nil {
		return err
	}

	return d.FileDelete(ctx, rel)
}

// transferFile runs the single file algorithm for one pair.
func (e *Engine) transferFile(ctx context.Context, rc *reqctx.Context, p Pair, overwrite, move bool) error {
	if p.Src == "" || p.Dst == "" {
		return gwerr.E(gwerr.InvalidRequest, "source and destination are required")
	}

	if p.Src == p.Dst {
		return gwerr.E(gwerr.InvalidRequest, "source and destination are the same")
	}

	src, srcRel, _, err := e.resolver.Resolve(ctx, rc, p.Src)
	if err != nil {
		return err
	}

	dst, dstRel, _, err := e.resolver.Resolve(ctx, rc, p.Dst)
	if err != nil {
		return err
	}

	if err := checkFileDestination(dst, dstRel, p.Dst); err != nil {
		return err
	}

	if src == dst {
		err = e.nativeTransfer(ctx, src, srcRel, dstRel, overwrite, move)
	} else {
		err = e.streamTransfer(ctx, src, srcRel, dst, dstRel, overwrite, move)
	}

	if err != nil {
		return err
	}

	if move {
		e.rewrite(ctx, rc, p.Src, p.Dst, false)
	}

	return nil
}

// checkFileDestination rejects destinations no file can be written to.
func checkFileDestination(d driver.Driver, rel, virtualPath string) error {
	if rel == "" {
		return gwerr.E(gwerr.InvalidRequest, "destination %s is a mount point root", virtualPath)
	}

	if !strings.Contains(rel, router.Separator) && !d.Capabilities().RootFiles {
		return gwerr.E(gwerr.InvalidRequest, "destination %s needs a folder, the mount point root holds no files", virtualPath)
	}

	return nil
}

// clearDestination returns AlreadyExists when rel exists and overwrite is false, and
// deletes it when overwrite is true.
func clearDestination(ctx context.Context, d driver.Driver, rel string, overwrite bool) error {
	_, err := d.FileInfo(ctx, rel)
	switch {
	case gwerr.Is(err, gwerr.NotFound):
		return nil
	case err != nil:
		return err
	case !overwrite:
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", rel)
	default:
		return d.FileDelete(ctx, rel)
	}
}

func (e *Engine) nativeTransfer(ctx context.Context, d driver.Driver, srcRel, dstRel string, overwrite, move bool) error {
	if err := clearDestination(ctx, d, dstRel, overwrite); err != nil {
		return err
	}

	if move {
		return d.FileMove(ctx, srcRel, dstRel)
	}

	return d.FileCopy(ctx, srcRel, dstRel)
}

// streamTransfer copies between two drivers. For a move the source is deleted only
// after the destination write succeeded.
func (e *Engine) streamTransfer(ctx context.Context, src driver.Driver, srcRel string, dst driver.Driver, dstRel string, overwrite, move bool) error {
	if err := clearDestination(ctx, dst, dstRel, overwrite); err != nil {
		return err
	}

	if err := e.copyStream(ctx, src, srcRel, dst, dstRel); err != nil {
		return err
	}

	if move {
		return src.FileDelete(ctx, srcRel)
	}

	return nil
}

func (e *Engine) copyStream(ctx context.Context, src driver.Driver, srcRel string, dst driver.Driver, dstRel string) error {
	r, info, err := src.FileGet(ctx, srcRel)
	if err != nil {
		return err
	}

	spool := NewSpool(e.spoolFs, e.spoolDir, e.memLimit)
	defer func() { _ = spool.Close() }()

	_, err = spool.Fill(r)
	_ = r.Close()
	if err != nil {
		return gwerr.Wrapf(gwerr.BackendFailure, err, "reading %s", srcRel)
	}

	if limit := dst.Capabilities().MaxUpload; limit > 0 && spool.Size() > limit {
		return gwerr.E(gwerr.InvalidRequest, "%s is larger than the destination upload limit of %d bytes", srcRel, limit)
	}

	body, err := spool.Reader()
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, err, "spool")
	}

	declared := ""
	if info != nil {
		declared = info.MimeType
	}

	_, err = dst.FileCreate(ctx, dstRel, body, spool.MimeType(declared))
	return err
}

func (e *Engine) rewrite(ctx context.Context, rc *reqctx.Context, oldPath, newPath string, isFolder bool) {
	if e.rewriter == nil {
		return
	}

	oldURI, err := e.resolver.PathToURI(ctx, rc, oldPath)
	if err != nil {
		clog.UsingCtx("xfer").WithField("old", oldPath).Errorf("Failed building resource uri after move: %s", err)
		return
	}

	newURI, err := e.resolver.PathToURI(ctx, rc, newPath)
	if err != nil {
		clog.UsingCtx("xfer").WithField("new", newPath).Errorf("Failed building resource uri after move: %s", err)
		return
	}

	if err := e.rewriter.RewriteURI(ctx, oldURI, newURI, isFolder); err != nil {
		clog.UsingCtx("xfer").WithField("old", oldURI).WithField("new", newURI).
			Errorf("Failed rewriting resource uris after move: %s", err)
	}
}

func cleanPair(p Pair) (Pair, error) {
	src, err := router.CleanPath(p.Src)
	if err != nil {
		return p, err
	}

	dst, err := router.CleanPath(p.Dst)
	if err != nil {
		return p, err
	}

	return Pair{Src: src, Dst: dst}, nil
}
