package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps blobs as plain files below a root directory. Writes go
// through a temp file in the same directory and are renamed into place, so
// Open never observes a half-written blob.
type FSStore struct {
	root string
}

// NewFSStore creates the root and the two namespace directories.
func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"videos", "thumbnails"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o750); err != nil {
			return nil, fmt.Errorf("blob root %s: %w", abs, err)
		}
	}
	return &FSStore{root: abs}, nil
}

// Path resolves a key to its absolute location, refusing anything that
// would land outside the root.
func (s *FSStore) Path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	joined := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return joined, nil
}

func (s *FSStore) Save(ctx context.Context, key string, r io.Reader) (int64, error) {
	target, err := s.Path(key)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

func (s *FSStore) Open(ctx context.Context, key string) (File, error) {
	target, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fsFile{File: f, size: info.Size()}, nil
}

// Delete removes the blob. A missing blob reports ErrNotFound so callers
// can tell "already gone" from an I/O failure.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	target, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Root returns the store's base directory, for the disk usage gauge.
func (s *FSStore) Root() string { return s.root }

type fsFile struct {
	*os.File
	size int64
}

func (f *fsFile) Size() int64 { return f.size }

// contextReader aborts a long copy once the request is gone.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
