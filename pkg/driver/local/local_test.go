package local

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/materials-commons/filegate/pkg/driver"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestDriver(t *testing.T, o Options) *Driver {
	if o.Root == "" {
		o.Root = "/data"
	}
	d, err := New(afero.NewMemMapFs(), o)
	require.NoErrorf(t, err, "Failed creating local driver: %s", err)
	return d
}

func TestDriver_FileLifecycle(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx := context.Background()

	require.NoError(t, d.FolderCreate(ctx, "docs"))

	fi, err := d.FileCreate(ctx, "docs/a.txt", strings.NewReader("hello"), "text/plain")
	require.NoError(t, err)
	require.Equal(t, "docs/a.txt", fi.Path)
	require.Equal(t, int64(5), fi.Size)
	require.Equal(t, "a.txt", fi.Name)

	_, err = d.FileCreate(ctx, "docs/a.txt", strings.NewReader("again"), "")
	require.True(t, gwerr.Is(err, gwerr.AlreadyExists), "expected AlreadyExists, got %v", err)

	_, err = d.FileCreate(ctx, "missing/a.txt", strings.NewReader("x"), "")
	require.True(t, gwerr.Is(err, gwerr.NotFound), "expected NotFound, got %v", err)

	_, err = d.FileUpdate(ctx, "docs/a.txt", strings.NewReader("hello world"))
	require.NoError(t, err)

	rc, fi, err := d.FileGet(ctx, "docs/a.txt")
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "hello world", string(b))
	require.Equal(t, int64(11), fi.Size)

	require.NoError(t, d.FileCopy(ctx, "docs/a.txt", "docs/b.txt"))
	require.NoError(t, d.FileMove(ctx, "docs/b.txt", "c.txt"))

	entries, err := d.FileList(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "c.txt", entries[0].Path)
	require.Equal(t, "docs", entries[1].Path)
	require.True(t, entries[1].IsDir)

	require.NoError(t, d.FileDelete(ctx, "c.txt"))
	_, err = d.FileInfo(ctx, "c.txt")
	require.True(t, gwerr.Is(err, gwerr.NotFound))
}

func TestDriver_FolderListParentsFirst(t *testing.T) {
	d := newTestDriver(t, Options{})
	ctx := context.Background()

	for _, p := range []string{"a", "a/b", "a/b/c", "a-b", "a/d"} {
		require.NoErrorf(t, d.FolderCreate(ctx, p), "Failed creating %s", p)
	}

	folders, err := d.FolderList(ctx, "a")
	require.NoError(t, err)

	var paths []string
	for _, f := range folders {
		paths = append(paths, f.Path)
	}
	require.Equal(t, []string{"a/b", "a/d", "a/b/c"}, paths)

	require.NoError(t, d.FolderDelete(ctx, "a"))
	_, err = d.FileInfo(ctx, "a/b/c")
	require.True(t, gwerr.Is(err, gwerr.NotFound))

	err = d.FolderDelete(ctx, "")
	require.True(t, gwerr.Is(err, gwerr.PermissionDenied))
}

func TestDriver_Authenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	d := newTestDriver(t, Options{Users: map[string]string{"alice": string(hash)}, PerUserRoot: true})
	ctx := context.Background()

	err = d.Authenticate(ctx, "alice", "wrong")
	require.True(t, gwerr.Is(err, gwerr.NeedsAuthentication))

	err = d.Authenticate(ctx, "bob", "secret")
	require.True(t, gwerr.Is(err, gwerr.NeedsAuthentication))

	require.NoError(t, d.Authenticate(ctx, "alice", "secret"))
	_, err = d.FileCreate(ctx, "x.txt", strings.NewReader("x"), "")
	require.NoError(t, err)

	exists, err := afero.Exists(d.base, "/data/alice/x.txt")
	require.NoError(t, err)
	require.True(t, exists, "per user root should place files under the user's folder")
}

func TestDriver_Quota(t *testing.T) {
	d := newTestDriver(t, Options{})
	_, err := d.Quota(context.Background(), "")
	require.True(t, gwerr.Is(err, gwerr.Unsupported))

	d = newTestDriver(t, Options{QuotaBytes: 100})
	_, err = d.FileCreate(context.Background(), "a", strings.NewReader("1234"), "")
	require.NoError(t, err)

	q, err := d.Quota(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, driver.Quota{Used: 4, Total: 100}, *q)
}

func TestRegisteredKind(t *testing.T) {
	d, err := driver.New(Kind, driver.Options{"root": "/x", "memory": true})
	require.NoError(t, err)
	require.Equal(t, Kind, d.Kind())
}
