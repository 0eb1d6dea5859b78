package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/blob"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
)

// Completed originals are immutable, so clients may cache aggressively.
const streamCacheControl = "public, max-age=31536000"

// thumbCacheEntries bounds the in-process thumbnail cache. Thumbnails are
// a few tens of KB, so the worst case stays in single-digit megabytes.
const thumbCacheEntries = 256

// StreamStore is the read surface the streaming routes need.
type StreamStore interface {
	GetByID(ctx context.Context, id string) (*data.Video, error)
	IncrementViewCount(ctx context.Context, id string) error
}

// StreamHandler serves video bytes with single-range support and the
// thumbnail endpoint. Routes sit behind optional auth: anonymous callers
// may reach public videos, everything else needs a token (header, cookie,
// or token query parameter for media elements).
type StreamHandler struct {
	Videos StreamStore
	Blobs  blob.Store
	Logger zerolog.Logger

	thumbs *lru.Cache[string, []byte]
}

func NewStreamHandler(videos StreamStore, blobs blob.Store, logger zerolog.Logger) *StreamHandler {
	cache, _ := lru.New[string, []byte](thumbCacheEntries)
	return &StreamHandler{Videos: videos, Blobs: blobs, Logger: logger, thumbs: cache}
}

// Stream serves the original bytes. Processing videos answer 202 with the
// current progress, failed ones 500; completed videos stream in full or by
// a single byte range.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canView(ac, video) {
		denyView(w, ac, video)
		return
	}

	switch video.Status {
	case data.StatusCompleted:
	case data.StatusFailed:
		writeError(w, http.StatusInternalServerError, "video processing failed")
		return
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   video.Status,
			"progress": video.Progress,
		})
		return
	}

	f, err := h.Blobs.Open(r.Context(), video.StorageKey)
	if err != nil {
		h.Logger.Error().Err(err).
			Str("video_id", video.ID).
			Str("storage_key", video.StorageKey).
			Msg("open video blob")
		writeError(w, http.StatusInternalServerError, "video data unavailable")
		return
	}
	defer f.Close()

	size := f.Size()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", mimeFor(video.Format))
	w.Header().Set("Cache-Control", streamCacheControl)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		h.countView(video.ID)
		h.copyBody(r.Context(), w, f, size, video.ID)
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		h.Logger.Error().Err(err).Str("video_id", video.ID).Msg("seek video blob")
		writeError(w, http.StatusInternalServerError, "video data unavailable")
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	h.countView(video.ID)
	h.copyBody(r.Context(), w, f, end-start+1, video.ID)
}

// Thumbnail serves the poster JPEG under the same access rules as the
// video bytes. Entries are cached per thumbnail key and row revision, so a
// reprocessed video naturally misses the stale entry.
func (h *StreamHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canView(ac, video) {
		denyView(w, ac, video)
		return
	}
	if video.ThumbnailKey == nil {
		writeError(w, http.StatusNotFound, "thumbnail not available")
		return
	}

	cacheKey := *video.ThumbnailKey + "@" + video.UpdatedAt.UTC().Format(time.RFC3339Nano)
	img, cached := h.thumbs.Get(cacheKey)
	if !cached {
		var err error
		img, err = h.readBlob(r.Context(), *video.ThumbnailKey)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				writeError(w, http.StatusNotFound, "thumbnail not available")
				return
			}
			h.Logger.Error().Err(err).Str("video_id", video.ID).Msg("read thumbnail blob")
			writeError(w, http.StatusInternalServerError, "thumbnail unavailable")
			return
		}
		h.thumbs.Add(cacheKey, img)
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", streamCacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(img)
}

func (h *StreamHandler) loadVideo(w http.ResponseWriter, r *http.Request) (*data.Video, *middleware.AuthContext, bool) {
	id := chi.URLParam(r, "id")
	video, err := h.Videos.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return nil, nil, false
		}
		h.Logger.Error().Err(err).Str("video_id", id).Msg("load video")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, nil, false
	}
	return video, middleware.GetAuthContext(r.Context()), true
}

func (h *StreamHandler) readBlob(ctx context.Context, key string) ([]byte, error) {
	f, err := h.Blobs.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// countView fires after the response is committed; failures never affect
// delivery.
func (h *StreamHandler) countView(videoID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Videos.IncrementViewCount(ctx, videoID); err != nil {
			h.Logger.Warn().Err(err).Str("video_id", videoID).Msg("view count increment failed")
		}
	}()
}

// copyBody streams n bytes in bounded chunks, aborting when the client
// goes away. The reader side checks the request context because a stalled
// write can otherwise block past the disconnect.
func (h *StreamHandler) copyBody(ctx context.Context, w io.Writer, src io.Reader, n int64, videoID string) {
	_, err := io.Copy(w, &contextReader{ctx: ctx, r: io.LimitReader(src, n)})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.Logger.Debug().Err(err).Str("video_id", videoID).Msg("stream copy aborted")
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var errRangeUnsatisfiable = errors.New("range not satisfiable")

// parseRange parses a single "bytes=start-end" range, end defaulting to
// size-1. Suffix ranges and multi-range sets are not served: callers get
// 416 with the total size and retry with explicit offsets.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, errRangeUnsatisfiable
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || strings.TrimSpace(startStr) == "" {
		return 0, 0, errRangeUnsatisfiable
	}
	start, err = strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errRangeUnsatisfiable
	}
	end = size - 1
	if s := strings.TrimSpace(endStr); s != "" {
		end, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, 0, errRangeUnsatisfiable
		}
	}
	if start > end || end >= size {
		return 0, 0, errRangeUnsatisfiable
	}
	return start, end, nil
}

var mimeByFormat = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
}

func mimeFor(format string) string {
	if m, ok := mimeByFormat[strings.ToLower(format)]; ok {
		return m
	}
	return "application/octet-stream"
}
