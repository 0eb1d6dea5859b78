package blob_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/technosupport/ts-vod/internal/blob"
)

func newStore(t *testing.T) *blob.FSStore {
	t.Helper()
	s, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestSaveOpenRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	payload := []byte("0123456789abcdef")
	n, err := s.Save(ctx, "videos/clip.mp4", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("Expected %d bytes written, got %d", len(payload), n)
	}

	f, err := s.Open(ctx, "videos/clip.mp4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if f.Size() != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), f.Size())
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Read back %q, want %q", got, payload)
	}
}

func TestPositionedRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	if _, err := s.Save(ctx, "videos/seek.mp4", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	f, err := s.Open(ctx, "videos/seek.mp4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.Seek(4, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(f, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "456" {
		t.Errorf("Expected 456, got %s", buf)
	}
}

func TestOpenMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Open(context.Background(), "videos/absent.mp4")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTwice(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, "thumbnails/v1.jpg", strings.NewReader("jpg")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "thumbnails/v1.jpg"); err != nil {
		t.Fatalf("First delete: %v", err)
	}
	if err := s.Delete(ctx, "thumbnails/v1.jpg"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Second delete should report ErrNotFound, got %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	bad := []string{
		"",
		"videos/../../../etc/passwd",
		"/videos/abs.mp4",
		"videos//double.mp4",
		"other/ns.mp4",
		"videos/a\\b.mp4",
		"..",
	}
	for _, key := range bad {
		if _, err := s.Save(ctx, key, strings.NewReader("x")); !errors.Is(err, blob.ErrInvalidKey) {
			t.Errorf("Save(%q): expected ErrInvalidKey, got %v", key, err)
		}
		if _, err := s.Open(ctx, key); !errors.Is(err, blob.ErrInvalidKey) {
			t.Errorf("Open(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestNewVideoKeyShape(t *testing.T) {
	k1 := blob.NewVideoKey("My Clip.MP4")
	k2 := blob.NewVideoKey("My Clip.MP4")
	if k1 == k2 {
		t.Error("Keys must be collision-resistant random")
	}
	if !strings.HasPrefix(k1, "videos/") || !strings.HasSuffix(k1, ".mp4") {
		t.Errorf("Unexpected key shape: %s", k1)
	}
	if err := blob.ValidateKey(k1); err != nil {
		t.Errorf("Generated key should validate: %v", err)
	}

	// Hostile extensions are dropped, not sanitised into the key.
	k3 := blob.NewVideoKey("evil.mp4/../..")
	if strings.Contains(k3, "..") {
		t.Errorf("Traversal leaked into key: %s", k3)
	}
}

func TestThumbnailKeyStable(t *testing.T) {
	if blob.ThumbnailKey("vid-1") != "thumbnails/vid-1.jpg" {
		t.Errorf("Unexpected thumbnail key: %s", blob.ThumbnailKey("vid-1"))
	}
}
