// Package driver defines the contract every storage backend implements and the registry
// that maps a driver kind to its constructor.
//
// Paths passed to a Driver are backend-relative: "/" separated with no leading separator.
// The empty path is the backend root. Every error a driver returns carries a gwerr kind.
package driver

import (
	"context"
	"io"
	"time"
)

type Capabilities struct {
	// MaxUpload is the largest file the backend accepts in bytes. Zero means no limit.
	MaxUpload int64 `json:"max_upload"`

	QuotaSupported bool `json:"quota_supported"`
	LocksSupported bool `json:"locks_supported"`

	// RootFiles is false for backends whose root holds only folders (for example
	// libraries on a seafile server).
	RootFiles bool `json:"root_files"`

	// Progress is true when uploads report progress.
	Progress bool `json:"progress"`
}

type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	MimeType string    `json:"mime_type,omitempty"`
	ModTime  time.Time `json:"mtime"`
	IsDir    bool      `json:"is_dir"`
}

type Quota struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

type Driver interface {
	// Kind is the registry key the driver was created from.
	Kind() string

	// Authenticate logs into the backend. A rejected login is a NeedsAuthentication error.
	Authenticate(ctx context.Context, username, password string) error

	Capabilities() Capabilities

	// FileCreate writes a new file and fails with AlreadyExists when path exists.
	FileCreate(ctx context.Context, path string, r io.Reader, mimeType string) (*FileInfo, error)

	// FileUpdate replaces the content of an existing file.
	FileUpdate(ctx context.Context, path string, r io.Reader) (*FileInfo, error)

	FileDelete(ctx context.Context, path string) error

	// FileGet opens a file for reading. The caller closes the returned reader.
	FileGet(ctx context.Context, path string) (io.ReadCloser, *FileInfo, error)

	FileInfo(ctx context.Context, path string) (*FileInfo, error)

	// FileList lists the direct children of a folder, both files and folders.
	FileList(ctx context.Context, path string) ([]FileInfo, error)

	FileMove(ctx context.Context, src, dst string) error
	FileCopy(ctx context.Context, src, dst string) error

	FolderCreate(ctx context.Context, path string) error

	// FolderDelete removes a folder and everything below it.
	FolderDelete(ctx context.Context, path string) error

	FolderMove(ctx context.Context, src, dst string) error

	// FolderList returns every folder below path, recursively, as one flat list ordered so
	// that a parent always comes before its children.
	FolderList(ctx context.Context, path string) ([]FileInfo, error)

	Quota(ctx context.Context, path string) (*Quota, error)
}
