package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type VideoStatus string

const (
	StatusUploading  VideoStatus = "uploading"
	StatusProcessing VideoStatus = "processing"
	StatusCompleted  VideoStatus = "completed"
	StatusFailed     VideoStatus = "failed"
)

type Visibility string

const (
	VisibilityPrivate      Visibility = "private"
	VisibilityOrganization Visibility = "organization"
	VisibilityPublic       Visibility = "public"
)

func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityPrivate, VisibilityOrganization, VisibilityPublic:
		return true
	}
	return false
}

// VideoMetadata is what the probe stage extracted. Nil on a Video until the
// worker stores it.
type VideoMetadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	Codec           string
	Bitrate         int64
	FrameRate       float64
	AudioCodec      string
	Format          string
}

// VideoSensitivity is the analyzer outcome persisted on the row. Status
// stays "pending" until the worker has run.
type VideoSensitivity struct {
	Score       float64
	Level       string
	Status      string
	Categories  []string
	Details     map[string]any
	AnalyzedAt  *time.Time
	ReviewedBy  *string
	ReviewNotes *string
}

// Video rows are created by the upload handler and then mutated only by the
// worker (status, progress, metadata, thumbnail, sensitivity) and the
// streaming handler (view counters).
type Video struct {
	ID               string
	Title            string
	Description      string
	OriginalFilename string
	StorageKey       string
	FileSize         int64
	Format           string
	OrganizationID   string
	UploadedBy       string
	Visibility       Visibility
	AllowedUserIDs   []string
	Status           VideoStatus
	Progress         int
	Metadata         *VideoMetadata
	ThumbnailKey     *string
	Sensitivity      VideoSensitivity
	ViewCount        int64
	LastViewedAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VideoFilter narrows and orders List results. Zero values mean "no filter";
// page and limit are normalised by List.
type VideoFilter struct {
	Status            string
	SensitivityStatus string
	Search            string
	SortBy            string
	Order             string
	Page              int
	Limit             int
}

type VideoModel struct {
	DB DBTX
}

const videoColumns = `id, title, description, original_filename, storage_key, file_size, format,
	organization_id, uploaded_by, visibility, allowed_user_ids, status, processing_progress,
	duration_seconds, width, height, codec, bitrate, frame_rate, audio_codec, media_format,
	thumbnail_key, sensitivity_score, sensitivity_level, sensitivity_status, sensitivity_categories,
	sensitivity_details, analyzed_at, reviewed_by, review_notes, view_count, last_viewed_at,
	created_at, updated_at`

var videoSortColumns = map[string]string{
	"created_at": "created_at",
	"title":      "title",
	"file_size":  "file_size",
	"view_count": "view_count",
	"duration":   "duration_seconds",
}

// Create inserts the row after the blob exists, so readers never see a Video
// whose bytes are missing.
func (m VideoModel) Create(ctx context.Context, v *Video) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.Status == "" {
		v.Status = StatusProcessing
	}
	if v.Sensitivity.Status == "" {
		v.Sensitivity.Status = "pending"
	}
	query := `
		INSERT INTO videos (id, title, description, original_filename, storage_key, file_size, format,
			organization_id, uploaded_by, visibility, allowed_user_ids, status, processing_progress, sensitivity_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	return m.DB.QueryRowContext(ctx, query,
		v.ID, v.Title, v.Description, v.OriginalFilename, v.StorageKey, v.FileSize, v.Format,
		v.OrganizationID, v.UploadedBy, v.Visibility, pq.Array(v.AllowedUserIDs), v.Status, v.Progress,
		v.Sensitivity.Status,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
}

func (m VideoModel) GetByID(ctx context.Context, id string) (*Video, error) {
	// No tenant filter; the access guards compare organization_id and
	// answer 404 on mismatch.
	query := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

// List returns one page of the tenant's videos plus the unpaged total.
func (m VideoModel) List(ctx context.Context, tenantID string, f VideoFilter) ([]*Video, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
	sortCol, ok := videoSortColumns[f.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		order = "ASC"
	}

	where := []string{"organization_id = $1"}
	args := []any{tenantID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.SensitivityStatus != "" {
		args = append(args, f.SensitivityStatus)
		where = append(where, fmt.Sprintf("sensitivity_status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d OR original_filename ILIKE $%d)", n, n, n))
	}
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER() AS total
		FROM videos
		WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d`,
		videoColumns, strings.Join(where, " AND "), sortCol, order, len(args)-1, len(args))

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var videos []*Video
	total := 0
	for rows.Next() {
		v, n, err := scanVideo(rows, true)
		if err != nil {
			return nil, 0, err
		}
		videos = append(videos, v)
		total = n
	}
	return videos, total, rows.Err()
}

// UpdateInfo persists the caller-editable fields.
func (m VideoModel) UpdateInfo(ctx context.Context, v *Video) error {
	query := `
		UPDATE videos
		SET title = $1, description = $2, visibility = $3, allowed_user_ids = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		v.Title, v.Description, v.Visibility, pq.Array(v.AllowedUserIDs), v.ID,
	).Scan(&v.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrVideoNotFound
	}
	return err
}

// StartAttempt flips the row into processing with progress 0 at the top of
// every attempt. Completed rows never regress.
func (m VideoModel) StartAttempt(ctx context.Context, id string) error {
	query := `
		UPDATE videos
		SET status = 'processing', processing_progress = 0, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// UpdateProgress writes the single progress field so concurrent readers see
// consistent values. Only rows still processing accept it.
func (m VideoModel) UpdateProgress(ctx context.Context, id string, progress int) error {
	query := `
		UPDATE videos
		SET processing_progress = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'processing'
	`
	_, err := m.DB.ExecContext(ctx, query, progress, id)
	return err
}

func (m VideoModel) SetMetadata(ctx context.Context, id string, meta VideoMetadata) error {
	query := `
		UPDATE videos
		SET duration_seconds = $1, width = $2, height = $3, codec = $4, bitrate = $5,
			frame_rate = $6, audio_codec = $7, media_format = $8, updated_at = NOW()
		WHERE id = $9
	`
	_, err := m.DB.ExecContext(ctx, query,
		meta.DurationSeconds, meta.Width, meta.Height, meta.Codec, meta.Bitrate,
		meta.FrameRate, meta.AudioCodec, meta.Format, id,
	)
	return err
}

func (m VideoModel) SetThumbnail(ctx context.Context, id, key string) error {
	query := `UPDATE videos SET thumbnail_key = $1, updated_at = NOW() WHERE id = $2`
	_, err := m.DB.ExecContext(ctx, query, key, id)
	return err
}

func (m VideoModel) SetSensitivity(ctx context.Context, id string, s VideoSensitivity) error {
	details, err := json.Marshal(s.Details)
	if err != nil {
		return err
	}
	query := `
		UPDATE videos
		SET sensitivity_score = $1, sensitivity_level = $2, sensitivity_status = $3,
			sensitivity_categories = $4, sensitivity_details = $5, analyzed_at = NOW(), updated_at = NOW()
		WHERE id = $6
	`
	_, err = m.DB.ExecContext(ctx, query,
		s.Score, s.Level, s.Status, pq.Array(s.Categories), details, id,
	)
	return err
}

// Complete finalises a processing row. Zero rows affected means the video
// vanished or was never processing; the worker treats that as failure.
func (m VideoModel) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE videos
		SET status = 'completed', processing_progress = 100, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// MarkFailed parks the row in failed with progress reset. Completed rows are
// left alone.
func (m VideoModel) MarkFailed(ctx context.Context, id string) error {
	query := `
		UPDATE videos
		SET status = 'failed', processing_progress = 0, updated_at = NOW()
		WHERE id = $1 AND status <> 'completed'
	`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// IncrementViewCount is fired asynchronously after streaming headers flush.
// Lost increments are acceptable; no read path depends on exact counts.
func (m VideoModel) IncrementViewCount(ctx context.Context, id string) error {
	query := `UPDATE videos SET view_count = view_count + 1, last_viewed_at = NOW() WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// Delete removes the row. The caller deletes the blob and thumbnail.
func (m VideoModel) Delete(ctx context.Context, id string) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrVideoNotFound
	}
	return nil
}

// StorageUsed sums the stored original sizes for one tenant. The upload
// handler checks it against the organization's storage cap.
func (m VideoModel) StorageUsed(ctx context.Context, tenantID string) (int64, error) {
	var used int64
	query := `SELECT COALESCE(SUM(file_size), 0) FROM videos WHERE organization_id = $1`
	err := m.DB.QueryRowContext(ctx, query, tenantID).Scan(&used)
	return used, err
}

// CountByStatus feeds the metrics collector.
func (m VideoModel) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM videos GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (m VideoModel) scanOne(row *sql.Row) (*Video, error) {
	v, _, err := scanVideo(row, false)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}
	return v, nil
}

func scanVideo(row rowScanner, withTotal bool) (*Video, int, error) {
	var v Video
	var duration sql.NullFloat64
	var width, height sql.NullInt64
	var codec, audioCodec, mediaFormat sql.NullString
	var bitrate sql.NullInt64
	var frameRate sql.NullFloat64
	var thumbKey sql.NullString
	var score sql.NullFloat64
	var level sql.NullString
	var details []byte
	var analyzedAt, lastViewed sql.NullTime
	var reviewedBy, reviewNotes sql.NullString
	total := 0

	dest := []any{
		&v.ID, &v.Title, &v.Description, &v.OriginalFilename, &v.StorageKey, &v.FileSize, &v.Format,
		&v.OrganizationID, &v.UploadedBy, &v.Visibility, pq.Array(&v.AllowedUserIDs), &v.Status, &v.Progress,
		&duration, &width, &height, &codec, &bitrate, &frameRate, &audioCodec, &mediaFormat,
		&thumbKey, &score, &level, &v.Sensitivity.Status, pq.Array(&v.Sensitivity.Categories),
		&details, &analyzedAt, &reviewedBy, &reviewNotes, &v.ViewCount, &lastViewed,
		&v.CreatedAt, &v.UpdatedAt,
	}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	if duration.Valid || width.Valid || codec.Valid {
		v.Metadata = &VideoMetadata{
			DurationSeconds: duration.Float64,
			Width:           int(width.Int64),
			Height:          int(height.Int64),
			Codec:           codec.String,
			Bitrate:         bitrate.Int64,
			FrameRate:       frameRate.Float64,
			AudioCodec:      audioCodec.String,
			Format:          mediaFormat.String,
		}
	}
	if thumbKey.Valid {
		v.ThumbnailKey = &thumbKey.String
	}
	v.Sensitivity.Score = score.Float64
	v.Sensitivity.Level = level.String
	if len(details) > 0 {
		_ = json.Unmarshal(details, &v.Sensitivity.Details)
	}
	if analyzedAt.Valid {
		v.Sensitivity.AnalyzedAt = &analyzedAt.Time
	}
	if reviewedBy.Valid {
		v.Sensitivity.ReviewedBy = &reviewedBy.String
	}
	if reviewNotes.Valid {
		v.Sensitivity.ReviewNotes = &reviewNotes.String
	}
	if lastViewed.Valid {
		v.LastViewedAt = &lastViewed.Time
	}
	return &v, total, nil
}
