// Package worker runs the video processing pipeline: probe the uploaded
// file, grab a thumbnail, score sensitivity, and finalise the row. Jobs
// arrive through the durable queue; each attempt is independent and safe to
// re-run.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/blob"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/events"
	"github.com/technosupport/ts-vod/internal/log"
	"github.com/technosupport/ts-vod/internal/media"
	"github.com/technosupport/ts-vod/internal/queue"
	"github.com/technosupport/ts-vod/internal/sensitivity"
)

// Payload is the queue message enqueued at upload time.
type Payload struct {
	VideoID    string    `json:"video_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StageError names the pipeline stage behind an attempt failure.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Progress checkpoints published per stage. Completion implies 100.
const (
	progressStarting  = 0
	progressMetadata  = 15
	progressThumbnail = 30
	progressAnalysis  = 80
)

// thumbnailAt is the capture point for poster frames. One second skips the
// black or fade-in first frame most encoders emit.
const thumbnailAt = time.Second

// VideoStore is the slice of the data layer the pipeline mutates.
type VideoStore interface {
	GetByID(ctx context.Context, id string) (*data.Video, error)
	StartAttempt(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	SetMetadata(ctx context.Context, id string, meta data.VideoMetadata) error
	SetThumbnail(ctx context.Context, id, key string) error
	SetSensitivity(ctx context.Context, id string, s data.VideoSensitivity) error
	Complete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// JobQueue is the queue surface the worker consumes from.
type JobQueue interface {
	OnFailure(queue.FailureHandler)
	Consume(ctx context.Context, handler queue.Handler, concurrency int)
	Drain()
	Progress(ctx context.Context, jobID string, percent int) error
}

type Worker struct {
	queue       JobQueue
	videos      VideoStore
	blobs       blob.Store
	prober      media.Prober
	thumbs      media.Thumbnailer
	publisher   events.Publisher
	concurrency int
	logger      zerolog.Logger
}

func New(q JobQueue, videos VideoStore, blobs blob.Store, prober media.Prober, thumbs media.Thumbnailer, publisher events.Publisher, concurrency int) *Worker {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		videos:      videos,
		blobs:       blobs,
		prober:      prober,
		thumbs:      thumbs,
		publisher:   publisher,
		concurrency: concurrency,
		logger:      log.WithComponent("worker"),
	}
}

// Start begins consuming. Cancel ctx to stop taking new jobs, then Drain to
// wait for in-flight attempts.
func (w *Worker) Start(ctx context.Context) {
	w.queue.OnFailure(w.onFailure)
	w.queue.Consume(ctx, w.Handle, w.concurrency)
}

func (w *Worker) Drain() {
	w.queue.Drain()
}

// Handle runs one attempt of the pipeline. Returned errors fail the attempt
// and the queue's retry policy takes over; queue.Terminal errors skip the
// remaining retries.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Terminal(fmt.Errorf("decode payload: %w", err))
	}

	logger := w.logger.With().
		Str("video_id", p.VideoID).
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Logger()

	video, err := w.videos.GetByID(ctx, p.VideoID)
	if err != nil {
		if errors.Is(err, data.ErrVideoNotFound) {
			// Deleted between upload and processing; nothing to retry against.
			return queue.Terminal(&StageError{Stage: "load", Err: err})
		}
		return w.failAttempt(ctx, p.VideoID, &StageError{Stage: "load", Err: err})
	}
	if video.Status == data.StatusCompleted {
		logger.Info().Msg("video already completed, skipping redelivery")
		return nil
	}

	if err := w.videos.StartAttempt(ctx, video.ID); err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "load", Err: err})
	}
	w.progress(ctx, video, job, progressStarting, "starting", "")

	srcPath, err := w.blobs.Path(video.StorageKey)
	if err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "probe", Err: err})
	}

	probed, err := w.prober.Probe(ctx, srcPath)
	if err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "probe", Err: err})
	}
	meta := toVideoMetadata(probed)
	if err := w.videos.SetMetadata(ctx, video.ID, meta); err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "probe", Err: err})
	}
	w.progress(ctx, video, job, progressMetadata, "metadata", "")

	// A missing thumbnail degrades the catalog page, not the video; keep going.
	thumbKey := ""
	if key, err := w.generateThumbnail(ctx, video, probed); err != nil {
		logger.Warn().Err(err).Msg("thumbnail generation failed")
	} else {
		thumbKey = key
	}
	w.progress(ctx, video, job, progressThumbnail, "thumbnail", "")

	result := sensitivity.Analyze(&meta, video.FileSize, video.OriginalFilename)
	if err := w.videos.SetSensitivity(ctx, video.ID, data.VideoSensitivity{
		Score:      result.Score,
		Level:      result.Level,
		Status:     result.Status,
		Categories: result.Categories,
		Details:    result.Details,
	}); err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "analysis", Err: err})
	}
	w.progress(ctx, video, job, progressAnalysis, "analysis", "")

	if err := w.videos.Complete(ctx, video.ID); err != nil {
		return w.failAttempt(ctx, video.ID, &StageError{Stage: "complete", Err: err})
	}

	// The row is committed before anyone hears about it, so a client reacting
	// to the event always reads the completed state.
	w.publisher.PublishCompleted(video.OrganizationID, events.Completed{
		VideoID: video.ID,
		Status:  string(data.StatusCompleted),
		Sensitivity: events.Sensitivity{
			Score:      result.Score,
			Level:      result.Level,
			Status:     result.Status,
			Categories: result.Categories,
		},
		ThumbnailKey: thumbKey,
		Duration:     meta.DurationSeconds,
		Resolution:   resolution(meta.Width, meta.Height),
	})

	logger.Info().
		Float64("score", result.Score).
		Str("sensitivity", result.Status).
		Msg("video processed")
	return nil
}

// generateThumbnail grabs one frame into a temp file and promotes it through
// the blob store so partial writes are never visible.
func (w *Worker) generateThumbnail(ctx context.Context, video *data.Video, meta *media.Metadata) (string, error) {
	if meta.Width == 0 && meta.Height == 0 {
		return "", errors.New("no video stream to capture")
	}

	tmp, err := os.CreateTemp("", "thumb-*.jpg")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	srcPath, err := w.blobs.Path(video.StorageKey)
	if err != nil {
		return "", err
	}
	if err := w.thumbs.Thumbnail(ctx, srcPath, thumbnailAt, tmpPath); err != nil {
		return "", err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := blob.ThumbnailKey(video.ID)
	if _, err := w.blobs.Save(ctx, key, f); err != nil {
		return "", err
	}
	if err := w.videos.SetThumbnail(ctx, video.ID, key); err != nil {
		return "", err
	}
	return key, nil
}

// progress fans one checkpoint out to the row, the job record, and the
// event stream. All three are best-effort; a lost tick never fails a job.
func (w *Worker) progress(ctx context.Context, video *data.Video, job *queue.Job, percent int, stage, message string) {
	if err := w.videos.UpdateProgress(ctx, video.ID, percent); err != nil {
		w.logger.Warn().Err(err).Str("video_id", video.ID).Msg("progress write failed")
	}
	if err := w.queue.Progress(ctx, job.ID, percent); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("job progress write failed")
	}
	w.publisher.PublishProgress(video.OrganizationID, events.Progress{
		VideoID:  video.ID,
		Progress: percent,
		Stage:    stage,
		Message:  message,
	})
}

// failAttempt parks the row in failed before handing the error back to the
// queue. The write runs on a detached context: attempt timeouts must not
// also lose the status change.
func (w *Worker) failAttempt(ctx context.Context, videoID string, err error) error {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if merr := w.videos.MarkFailed(mctx, videoID); merr != nil {
		w.logger.Error().Err(merr).Str("video_id", videoID).Msg("mark failed write failed")
	}
	return err
}

// onFailure publishes the terminal verdict. Attempts that will retry stay
// silent; subscribers only ever hear the final outcome.
func (w *Worker) onFailure(job *queue.Job, cause error, terminal bool) {
	if !terminal {
		return
	}
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("terminal failure with undecodable payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	video, err := w.videos.GetByID(ctx, p.VideoID)
	if err != nil {
		w.logger.Warn().Err(err).Str("video_id", p.VideoID).Msg("terminal failure for missing video")
		return
	}
	// Janitor-detected stalls reach here without a handler having run
	// MarkFailed; the guard in SQL makes the repeat harmless otherwise.
	if err := w.videos.MarkFailed(ctx, video.ID); err != nil {
		w.logger.Error().Err(err).Str("video_id", video.ID).Msg("mark failed write failed")
	}

	w.publisher.PublishFailed(video.OrganizationID, events.Failed{
		VideoID: video.ID,
		Error:   cause.Error(),
	})
	w.logger.Error().
		Err(cause).
		Str("video_id", video.ID).
		Int("attempts", job.Attempt).
		Msg("video processing failed terminally")
}

func toVideoMetadata(m *media.Metadata) data.VideoMetadata {
	return data.VideoMetadata{
		DurationSeconds: m.DurationSeconds,
		Width:           m.Width,
		Height:          m.Height,
		Codec:           m.Codec,
		Bitrate:         m.Bitrate,
		FrameRate:       m.FrameRate,
		AudioCodec:      m.AudioCodec,
		Format:          m.Format,
	}
}

func resolution(width, height int) string {
	if width == 0 && height == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", width, height)
}
