package xfer

import (
	"context"
	"strings"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/reqctx"
	"github.com/materials-commons/filegate/pkg/router"
)

// MoveFolder moves the folder src to dst. dst must not exist.
func (e *Engine) MoveFolder(ctx context.Context, rc *reqctx.Context, src, dst string) error {
	p, err := cleanPair(Pair{Src: src, Dst: dst})
	if err != nil {
		return err
	}

	return e.transferFolder(ctx, rc, p.Src, p.Dst, true)
}

// CopyFolder copies the folder src and everything below it to dst. dst must not exist.
func (e *Engine) CopyFolder(ctx context.Context, rc *reqctx.Context, src, dst string) error {
	p, err := cleanPair(Pair{Src: src, Dst: dst})
	if err != nil {
		return err
	}

	return e.transferFolder(ctx, rc, p.Src, p.Dst, false)
}

func (e *Engine) transferFolder(ctx context.Context, rc *reqctx.Context, src, dst string, move bool) error {
	if src == "" || dst == "" {
		return gwerr.E(gwerr.InvalidRequest, "source and destination are required")
	}

	if dst == src || strings.HasPrefix(dst, src+router.Separator) {
		return gwerr.E(gwerr.InvalidRequest, "cannot place %s inside itself", src)
	}

	// Mount points are not ordinary folders and cannot be renamed, replaced or moved.
	for _, p := range []string{src, dst} {
		isRoot, err := e.resolver.IsMountRoot(ctx, rc, p)
		if err != nil {
			return err
		}

		if isRoot {
			return gwerr.E(gwerr.Unsupported, "%s is a mount point", p)
		}
	}

	srcDriver, srcRel, _, err := e.resolver.Resolve(ctx, rc, src)
	if err != nil {
		return err
	}

	dstDriver, dstRel, _, err := e.resolver.Resolve(ctx, rc, dst)
	if err != nil {
		return err
	}

	if err := requireAbsent(ctx, dstDriver, dstRel); err != nil {
		return err
	}

	if srcDriver == dstDriver {
		if move {
			err = srcDriver.FolderMove(ctx, srcRel, dstRel)
		} else {
			err = e.copyTree(ctx, srcDriver, srcRel, dstDriver, dstRel, true)
		}
	} else {
		err = e.copyTree(ctx, srcDriver, srcRel, dstDriver, dstRel, false)
		if err == nil && move {
			err = srcDriver.FolderDelete(ctx, srcRel)
		}
	}

	if err != nil {
		return err
	}

	if move {
		e.rewrite(ctx, rc, src, dst, true)
	}

	return nil
}

func requireAbsent(ctx context.Context, d driver.Driver, rel string) error {
	_, err := d.FileInfo(ctx, rel)
	switch {
	case gwerr.Is(err, gwerr.NotFound):
		return nil
	case err != nil:
		return err
	default:
		return gwerr.E(gwerr.AlreadyExists, "%s already exists", rel)
	}
}

// copyTree recreates the folder srcRel at dstRel. Subfolders are visited in the order
// FolderList returns them, so a parent is created before its children. native copies
// files with the driver's own copy.
func (e *Engine) copyTree(ctx context.Context, src driver.Driver, srcRel string, dst driver.Driver, dstRel string, native bool) error {
	subfolders, err := src.FolderList(ctx, srcRel)
	if err != nil {
		return err
	}

	if err := dst.FolderCreate(ctx, dstRel); err != nil {
		return err
	}

	folders := make([]string, 0, len(subfolders)+1)
	folders = append(folders, srcRel)
	for _, f := range subfolders {
		folders = append(folders, f.Path)
	}

	log := clog.UsingCtx("xfer").WithField("src", srcRel).WithField("dst", dstRel)
	for _, folder := range folders {
		target := rebase(folder, srcRel, dstRel)
		if folder != srcRel {
			if err := dst.FolderCreate(ctx, target); err != nil {
				return err
			}
		}

		entries, err := src.FileList(ctx, folder)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if entry.IsDir {
				continue
			}

			to := rebase(entry.Path, srcRel, dstRel)
			if native {
				err = src.FileCopy(ctx, entry.Path, to)
			} else {
				err = e.copyStream(ctx, src, entry.Path, dst, to)
			}

			if err != nil {
				log.Warnf("Copying %s to %s failed: %s", entry.Path, to, err)
				return err
			}
		}
	}

	return nil
}

// rebase moves p from below oldRoot to below newRoot.
func rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}

	rest := strings.TrimPrefix(p, oldRoot+router.Separator)
	if oldRoot == "" {
		rest = p
	}

	if newRoot == "" {
		return rest
	}

	return newRoot + router.Separator + rest
}
