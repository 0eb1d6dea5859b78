// Package api holds the HTTP handlers, their wire shapes and the router.
// Handlers depend on narrow store interfaces so tests can swap fakes in;
// the concrete implementations live in internal/data and internal/blob.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/technosupport/ts-vod/internal/data"
)

// maxJSONBody caps request documents on JSON endpoints. Uploads are
// multipart and governed by their own limits.
const maxJSONBody = 1 << 20

// errorResponse is the error envelope: {error, code?, details?}. Code is a
// machine hint (TOKEN_EXPIRED, RATE_LIMITED); details carries per-field
// validation messages.
type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeErrorCode(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeValidationError(w http.ResponseWriter, details map[string]string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Details: details})
}

// decodeJSON reads one JSON document into dst. It reports malformed bodies
// as a client error and never exposes decoder internals.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if dec.Decode(&struct{}{}) != io.EOF {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON document")
		return false
	}
	return true
}

// userResponse is the wire shape of a User. The password hash and refresh
// slot never leave the data layer.
type userResponse struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Role           data.Role  `json:"role"`
	OrganizationID string     `json:"organization_id"`
	Active         bool       `json:"active"`
	LastLoginAt    *time.Time `json:"last_login_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toUserResponse(u *data.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		Role:           u.Role,
		OrganizationID: u.OrganizationID,
		Active:         u.Active,
		LastLoginAt:    u.LastLoginAt,
		CreatedAt:      u.CreatedAt,
	}
}

type organizationResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	OwnerID        *string   `json:"owner_id"`
	MaxStorageGB   int       `json:"max_storage_gb"`
	MaxVideoSizeMB int       `json:"max_video_size_mb"`
	AllowedFormats []string  `json:"allowed_formats"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

func toOrganizationResponse(o *data.Organization) organizationResponse {
	return organizationResponse{
		ID:             o.ID,
		Name:           o.Name,
		Slug:           o.Slug,
		OwnerID:        o.OwnerID,
		MaxStorageGB:   o.MaxStorageGB,
		MaxVideoSizeMB: o.MaxVideoSizeMB,
		AllowedFormats: o.AllowedFormats,
		Active:         o.Active,
		CreatedAt:      o.CreatedAt,
	}
}

type metadataResponse struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Codec           string  `json:"codec"`
	Bitrate         int64   `json:"bitrate"`
	FrameRate       float64 `json:"frame_rate"`
	AudioCodec      string  `json:"audio_codec"`
	Format          string  `json:"format"`
}

type sensitivityResponse struct {
	Score       float64        `json:"score"`
	Level       string         `json:"level"`
	Status      string         `json:"status"`
	Categories  []string       `json:"categories"`
	Details     map[string]any `json:"details,omitempty"`
	AnalyzedAt  *time.Time     `json:"analyzed_at"`
	ReviewedBy  *string        `json:"reviewed_by"`
	ReviewNotes *string        `json:"review_notes"`
}

type videoResponse struct {
	ID               string              `json:"id"`
	Title            string              `json:"title"`
	Description      string              `json:"description"`
	OriginalFilename string              `json:"original_filename"`
	FileSize         int64               `json:"file_size"`
	Format           string              `json:"format"`
	OrganizationID   string              `json:"organization_id"`
	UploadedBy       string              `json:"uploaded_by"`
	Visibility       data.Visibility     `json:"visibility"`
	AllowedUserIDs   []string            `json:"allowed_user_ids"`
	Status           data.VideoStatus    `json:"status"`
	Progress         int                 `json:"processing_progress"`
	Metadata         *metadataResponse   `json:"metadata"`
	ThumbnailKey     *string             `json:"thumbnail_key"`
	Sensitivity      sensitivityResponse `json:"sensitivity"`
	ViewCount        int64               `json:"view_count"`
	LastViewedAt     *time.Time          `json:"last_viewed_at"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func toVideoResponse(v *data.Video) videoResponse {
	out := videoResponse{
		ID:               v.ID,
		Title:            v.Title,
		Description:      v.Description,
		OriginalFilename: v.OriginalFilename,
		FileSize:         v.FileSize,
		Format:           v.Format,
		OrganizationID:   v.OrganizationID,
		UploadedBy:       v.UploadedBy,
		Visibility:       v.Visibility,
		AllowedUserIDs:   v.AllowedUserIDs,
		Status:           v.Status,
		Progress:         v.Progress,
		ThumbnailKey:     v.ThumbnailKey,
		ViewCount:        v.ViewCount,
		LastViewedAt:     v.LastViewedAt,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
	if out.AllowedUserIDs == nil {
		out.AllowedUserIDs = []string{}
	}
	if v.Metadata != nil {
		out.Metadata = &metadataResponse{
			DurationSeconds: v.Metadata.DurationSeconds,
			Width:           v.Metadata.Width,
			Height:          v.Metadata.Height,
			Codec:           v.Metadata.Codec,
			Bitrate:         v.Metadata.Bitrate,
			FrameRate:       v.Metadata.FrameRate,
			AudioCodec:      v.Metadata.AudioCodec,
			Format:          v.Metadata.Format,
		}
	}
	out.Sensitivity = sensitivityResponse{
		Score:       v.Sensitivity.Score,
		Level:       v.Sensitivity.Level,
		Status:      v.Sensitivity.Status,
		Categories:  v.Sensitivity.Categories,
		Details:     v.Sensitivity.Details,
		AnalyzedAt:  v.Sensitivity.AnalyzedAt,
		ReviewedBy:  v.Sensitivity.ReviewedBy,
		ReviewNotes: v.Sensitivity.ReviewNotes,
	}
	if out.Sensitivity.Categories == nil {
		out.Sensitivity.Categories = []string{}
	}
	return out
}

// pagination is the list envelope tail.
type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func newPagination(page, limit, total int) pagination {
	pages := total / limit
	if total%limit != 0 {
		pages++
	}
	return pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
