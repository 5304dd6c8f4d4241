package xfer

import (
	"bytes"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// sniffLen is how much of the content is kept for content type detection.
const sniffLen = 3072

const defaultMimeType = "application/octet-stream"

// Spool holds the content of one file in transit between two backends. Content stays in
// memory up to the memory limit and moves to a temporary file after that.
type Spool struct {
	fs    afero.Fs
	dir   string
	limit int64

	mem  bytes.Buffer
	file afero.File
	size int64
	head []byte
}

func NewSpool(afs afero.Fs, dir string, memoryLimit int64) *Spool {
	return &Spool{fs: afs, dir: dir, limit: memoryLimit}
}

// Fill reads r to the end.
func (s *Spool) Fill(r io.Reader) (int64, error) {
	n, err := io.CopyN(&s.mem, r, s.limit+1)
	s.size = n
	s.keepHead(s.mem.Bytes())

	switch {
	case errors.Is(err, io.EOF):
		return s.size, nil
	case err != nil:
		return s.size, errors.Wrapf(err, "reading source")
	}

	if s.file, err = afero.TempFile(s.fs, s.dir, "filegate-spool-"); err != nil {
		return s.size, errors.Wrapf(err, "creating spool file")
	}

	if _, err := s.file.Write(s.mem.Bytes()); err != nil {
		return s.size, errors.Wrapf(err, "writing spool file %s", s.file.Name())
	}
	s.mem.Reset()

	n, err = io.Copy(s.file, r)
	s.size += n
	if err != nil {
		return s.size, errors.Wrapf(err, "reading source")
	}

	return s.size, nil
}

func (s *Spool) keepHead(b []byte) {
	if len(b) > sniffLen {
		b = b[:sniffLen]
	}
	s.head = append([]byte(nil), b...)
}

func (s *Spool) Size() int64 {
	return s.size
}

// MimeType detects the content type from the start of the content. When detection finds
// nothing more specific than binary data, fallback is used if given.
func (s *Spool) MimeType(fallback string) string {
	detected := mimetype.Detect(s.head)
	if detected.Is(defaultMimeType) && fallback != "" {
		return fallback
	}

	return detected.String()
}

// Reader returns the content from the start. The reader is seekable so backends that
// sign or checksum uploads can rewind it.
func (s *Spool) Reader() (io.ReadSeeker, error) {
	if s.file == nil {
		return bytes.NewReader(s.mem.Bytes()), nil
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "rewinding spool file %s", s.file.Name())
	}

	return s.file, nil
}

// Close drops the content and removes the spool file if one was created.
func (s *Spool) Close() error {
	s.mem.Reset()
	if s.file == nil {
		return nil
	}

	name := s.file.Name()
	_ = s.file.Close()
	s.file = nil
	return s.fs.Remove(name)
}
