// Package blob stores opaque byte blobs addressed by storage key: uploaded
// originals under videos/ and generated thumbnails under thumbnails/. Keys
// are opaque to callers; the filesystem layout below the root is an
// implementation detail of the store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid storage key")
)

// File is a positioned read handle over one blob. Seek enables range reads
// without buffering the whole blob.
type File interface {
	io.ReadSeekCloser
	Size() int64
}

// Store is the byte-storage contract. Save must not make a key visible to
// Open until the full write succeeded. Path exposes a local filesystem path
// for external tools (ffprobe/ffmpeg) that cannot consume a Reader.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (File, error)
	Delete(ctx context.Context, key string) error
	Path(key string) (string, error)
}

// NewVideoKey returns a fresh collision-resistant key for an uploaded
// original, preserving the (sanitised) extension so external tools can
// sniff the container.
func NewVideoKey(originalFilename string) string {
	ext := strings.ToLower(path.Ext(originalFilename))
	if !extOK(ext) {
		ext = ""
	}
	return "videos/" + strings.ReplaceAll(uuid.New().String(), "-", "") + ext
}

// ThumbnailKey derives the thumbnail key for a video id. Retries overwrite
// the same key, so a re-run never leaks orphan thumbnails.
func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("thumbnails/%s.jpg", videoID)
}

func extOK(ext string) bool {
	if len(ext) < 2 || len(ext) > 8 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ValidateKey rejects anything that could escape the store's namespaces:
// absolute paths, traversal elements, empty segments, or unknown prefixes.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	if !strings.HasPrefix(key, "videos/") && !strings.HasPrefix(key, "thumbnails/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
