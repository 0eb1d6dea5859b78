package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/blob"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/queue"
	"github.com/technosupport/ts-vod/internal/worker"
)

// multipartSlack is headroom on top of the organization's video size cap
// for the non-file form fields and multipart framing.
const multipartSlack = 1 << 20

// VideoStore is the slice of the data layer the video routes touch.
type VideoStore interface {
	Create(ctx context.Context, v *data.Video) error
	GetByID(ctx context.Context, id string) (*data.Video, error)
	List(ctx context.Context, tenantID string, f data.VideoFilter) ([]*data.Video, int, error)
	UpdateInfo(ctx context.Context, v *data.Video) error
	Delete(ctx context.Context, id string) error
	StorageUsed(ctx context.Context, tenantID string) (int64, error)
}

// OrgDirectory resolves the caller's organization for upload policy.
type OrgDirectory interface {
	GetByID(ctx context.Context, id string) (*data.Organization, error)
}

// Enqueuer schedules background processing jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.Options) (*queue.Job, error)
}

// VideoHandler implements the /api/videos routes: multipart ingest plus
// tenant-scoped listing and management.
type VideoHandler struct {
	Videos   VideoStore
	Orgs     OrgDirectory
	Blobs    blob.Store
	Jobs     Enqueuer
	Process  queue.Options // settings for the processing job
	Fallback OrgDefaults   // used when an organization carries no settings
	Logger   zerolog.Logger
}

// Upload accepts one video file plus its describing fields, stores the
// blob, creates the row and enqueues processing. The blob is written before
// the row so no reader ever sees a Video without bytes; conversely every
// failure after the write tears the blob back down.
func (h *VideoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	org, err := h.Orgs.GetByID(r.Context(), ac.TenantID)
	if err != nil {
		h.Logger.Error().Err(err).Str("organization_id", ac.TenantID).Msg("load organization")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	maxBytes := int64(org.MaxVideoSizeMB) << 20
	if maxBytes <= 0 {
		maxBytes = int64(h.Fallback.MaxVideoSizeMB) << 20
	}
	allowedFormats := org.AllowedFormats
	if len(allowedFormats) == 0 {
		allowedFormats = h.Fallback.AllowedFormats
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed multipart form")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeValidationError(w, map[string]string{"video": "file field is required"})
		return
	}
	defer file.Close()

	title := strings.TrimSpace(r.FormValue("title"))
	description := strings.TrimSpace(r.FormValue("description"))
	visibility := data.Visibility(r.FormValue("visibility"))
	if visibility == "" {
		visibility = data.VisibilityPrivate
	}

	details := map[string]string{}
	if title == "" || len(title) > 200 {
		details["title"] = "must be between 1 and 200 characters"
	}
	if len(description) > 1000 {
		details["description"] = "must be at most 1000 characters"
	}
	if !data.ValidVisibility(visibility) {
		details["visibility"] = "must be one of private, organization, public"
	}
	format := strings.TrimPrefix(strings.ToLower(path.Ext(header.Filename)), ".")
	if !formatAllowed(format, allowedFormats) {
		details["video"] = "format not allowed for this organization"
	}
	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	if header.Size > maxBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the maximum upload size")
		return
	}

	quota := int64(org.MaxStorageGB) << 30
	if quota <= 0 {
		quota = int64(h.Fallback.MaxStorageGB) << 30
	}
	if quota > 0 {
		used, err := h.Videos.StorageUsed(r.Context(), ac.TenantID)
		if err != nil {
			h.Logger.Error().Err(err).Msg("storage usage lookup")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if used+header.Size > quota {
			writeError(w, http.StatusRequestEntityTooLarge, "organization storage quota exceeded")
			return
		}
	}

	key := blob.NewVideoKey(header.Filename)
	written, err := h.Blobs.Save(r.Context(), key, file)
	if err != nil {
		h.Logger.Error().Err(err).Str("storage_key", key).Msg("store upload")
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	video := &data.Video{
		Title:            title,
		Description:      description,
		OriginalFilename: header.Filename,
		StorageKey:       key,
		FileSize:         written,
		Format:           format,
		OrganizationID:   ac.TenantID,
		UploadedBy:       ac.UserID,
		Visibility:       visibility,
		AllowedUserIDs:   []string{},
		Status:           data.StatusProcessing,
	}
	if err := h.Videos.Create(r.Context(), video); err != nil {
		h.discardBlob(key)
		h.Logger.Error().Err(err).Msg("create video row")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	payload, err := json.Marshal(worker.Payload{VideoID: video.ID, EnqueuedAt: time.Now().UTC()})
	if err == nil {
		_, err = h.Jobs.Enqueue(r.Context(), payload, h.Process)
	}
	if err != nil {
		if derr := h.Videos.Delete(context.WithoutCancel(r.Context()), video.ID); derr != nil {
			h.Logger.Warn().Err(derr).Str("video_id", video.ID).Msg("rollback video row")
		}
		h.discardBlob(key)
		h.Logger.Error().Err(err).Str("video_id", video.ID).Msg("enqueue processing job")
		writeError(w, http.StatusInternalServerError, "failed to schedule processing")
		return
	}

	h.Logger.Info().
		Str("video_id", video.ID).
		Str("organization_id", ac.TenantID).
		Int64("file_size", written).
		Str("format", format).
		Msg("video uploaded")

	writeJSON(w, http.StatusCreated, map[string]videoResponse{"video": toVideoResponse(video)})
}

// List returns one page of the caller's tenant videos.
func (h *VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	q := r.URL.Query()
	filter := data.VideoFilter{
		Status:            q.Get("status"),
		SensitivityStatus: q.Get("sensitivity_status"),
		Search:            q.Get("search"),
		SortBy:            q.Get("sort_by"),
		Order:             q.Get("order"),
		Page:              atoiDefault(q.Get("page"), 1),
		Limit:             atoiDefault(q.Get("limit"), 20),
	}

	details := map[string]string{}
	if filter.Status != "" && !validStatusFilter(filter.Status) {
		details["status"] = "must be one of uploading, processing, completed, failed"
	}
	if filter.SensitivityStatus != "" && !validSensitivityFilter(filter.SensitivityStatus) {
		details["sensitivity_status"] = "must be one of pending, safe, flagged"
	}
	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	// Mirror the store's bounds so the pagination envelope matches the page
	// actually served.
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 20
	}

	videos, total, err := h.Videos.List(r.Context(), ac.TenantID, filter)
	if err != nil {
		h.Logger.Error().Err(err).Msg("list videos")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	items := make([]videoResponse, 0, len(videos))
	for _, v := range videos {
		items = append(items, toVideoResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"videos":     items,
		"pagination": newPagination(filter.Page, filter.Limit, total),
	})
}

// Get returns one video after the tenant and visibility checks.
func (h *VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canView(ac, video) {
		denyView(w, ac, video)
		return
	}
	writeJSON(w, http.StatusOK, map[string]videoResponse{"video": toVideoResponse(video)})
}

type updateVideoRequest struct {
	Title          *string          `json:"title"`
	Description    *string          `json:"description"`
	Visibility     *data.Visibility `json:"visibility"`
	AllowedUserIDs *[]string        `json:"allowed_user_ids"`
}

// Update edits the caller-owned fields. Only the uploader or a same-tenant
// admin may edit; absent fields keep their value.
func (h *VideoHandler) Update(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canManage(ac, video) {
		denyView(w, ac, video)
		return
	}

	var req updateVideoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	details := map[string]string{}
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		if t == "" || len(t) > 200 {
			details["title"] = "must be between 1 and 200 characters"
		}
		video.Title = t
	}
	if req.Description != nil {
		if len(*req.Description) > 1000 {
			details["description"] = "must be at most 1000 characters"
		}
		video.Description = *req.Description
	}
	if req.Visibility != nil {
		if !data.ValidVisibility(*req.Visibility) {
			details["visibility"] = "must be one of private, organization, public"
		}
		video.Visibility = *req.Visibility
	}
	if req.AllowedUserIDs != nil {
		video.AllowedUserIDs = *req.AllowedUserIDs
	}
	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	if err := h.Videos.UpdateInfo(r.Context(), video); err != nil {
		if errors.Is(err, data.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		h.Logger.Error().Err(err).Str("video_id", video.ID).Msg("update video")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]videoResponse{"video": toVideoResponse(video)})
}

// Delete removes the row, then the blob and thumbnail. Blob removal is
// best-effort: an orphaned file is recoverable noise, a dangling row is a
// broken library entry.
func (h *VideoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canManage(ac, video) {
		denyView(w, ac, video)
		return
	}

	if err := h.Videos.Delete(r.Context(), video.ID); err != nil {
		if errors.Is(err, data.ErrVideoNotFound) {
			writeError(w, http.StatusNotFound, "video not found")
			return
		}
		h.Logger.Error().Err(err).Str("video_id", video.ID).Msg("delete video")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.discardBlob(video.StorageKey)
	if video.ThumbnailKey != nil {
		h.discardBlob(*video.ThumbnailKey)
	}

	h.Logger.Info().
		Str("video_id", video.ID).
		Str("user_id", ac.UserID).
		Msg("video deleted")
	writeJSON(w, http.StatusOK, struct{}{})
}

// Status reports processing state for pollers that are not on the
// realtime channel.
func (h *VideoHandler) Status(w http.ResponseWriter, r *http.Request) {
	video, ac, ok := h.loadVideo(w, r)
	if !ok {
		return
	}
	if !canView(ac, video) {
		denyView(w, ac, video)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             video.Status,
		"progress":           video.Progress,
		"sensitivity_status": video.Sensitivity.Status,
	})
}

// loadVideo fetches the row behind {id} and writes the 404 itself when the
// id is unknown.
func (h *VideoHandler) loadVideo(w http.ResponseWriter, r *http.Request) (*data.Video, *middleware.AuthContext, bool) {
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

// discardBlob deletes a blob outside the request's lifetime; cleanup should
// not be cancelled by the client going away.
func (h *VideoHandler) discardBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		h.Logger.Warn().Err(err).Str("storage_key", key).Msg("blob cleanup failed")
	}
}

func formatAllowed(format string, allowed []string) bool {
	if format == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimPrefix(a, "."), format) {
			return true
		}
	}
	return false
}

func validStatusFilter(s string) bool {
	switch data.VideoStatus(s) {
	case data.StatusUploading, data.StatusProcessing, data.StatusCompleted, data.StatusFailed:
		return true
	}
	return false
}

func validSensitivityFilter(s string) bool {
	switch s {
	case "pending", "safe", "flagged":
		return true
	}
	return false
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
