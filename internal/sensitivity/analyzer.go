// Package sensitivity scores uploaded videos with a set of additive
// heuristics over probed metadata and file facts. The function is pure and
// deterministic: the same inputs always produce the same result, so the
// worker can re-run it on retry without drift.
package sensitivity

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/technosupport/ts-vod/internal/data"
)

const (
	StatusSafe    = "safe"
	StatusFlagged = "flagged"

	LevelLow     = "low"
	LevelMedium  = "medium"
	LevelHigh    = "high"
	LevelUnknown = "unknown"
)

// Category names attached to a result. Stable strings, persisted and pushed
// to clients.
const (
	CatLongDuration      = "long_duration"
	CatExtremelyLong     = "extremely_long_duration"
	CatNoVideoStream     = "no_video_stream"
	CatUnusualResolution = "unusual_resolution"
	CatHighBitrate       = "high_bitrate"
	CatLowBitrate        = "low_bitrate"
	CatUnusualFramerate  = "unusual_framerate"
	CatSuspiciousAspect  = "suspicious_aspect_ratio"
	CatNoAudioLongVideo  = "no_audio_long_video"
	CatHighDataRate      = "high_data_rate"
	CatLowDataRate       = "low_data_rate"
	CatUnusualFormat     = "unusual_format"
	CatCorruptMetadata   = "corrupt_metadata"
	CatSuspiciouslySmall = "suspiciously_small_file"
	CatManualReview      = "manual_review_recommended"
	CatAnalysisError     = "analysis_error"
)

// Result is one analysis outcome. Categories hold every rule that fired, in
// rule order, plus manual_review_recommended when the medium band applies.
type Result struct {
	Score      float64
	Status     string
	Level      string
	Categories []string
	Details    map[string]any
}

var allowedContainers = map[string]struct{}{
	"mp4": {}, "avi": {}, "mov": {}, "mkv": {}, "webm": {},
}

// Aspect ratios considered ordinary. A probe within 5% of any of these does
// not fire suspicious_aspect_ratio.
var commonAspects = []float64{16.0 / 9.0, 4.0 / 3.0, 21.0 / 9.0, 1.0, 9.0 / 16.0}

// Analyze scores one video. A nil metadata pointer means the probe failed
// outright; the video is left safe with an analysis_error marker rather
// than flagged, since there is nothing to judge it on.
func Analyze(meta *data.VideoMetadata, fileSize int64, filename string) Result {
	if meta == nil {
		return Result{
			Score:      0,
			Status:     StatusSafe,
			Level:      LevelUnknown,
			Categories: []string{CatAnalysisError},
			Details:    map[string]any{CatAnalysisError: "metadata could not be read"},
		}
	}

	r := Result{
		Categories: []string{},
		Details:    map[string]any{},
	}
	add := func(cat string, weight float64, detail string) {
		r.Score += weight
		r.Categories = append(r.Categories, cat)
		r.Details[cat] = detail
	}

	dur := meta.DurationSeconds

	if dur > 7200 {
		add(CatLongDuration, 0.10, fmt.Sprintf("duration %.0fs exceeds 2 hours", dur))
	}
	if dur > 10800 {
		add(CatExtremelyLong, 0.05, fmt.Sprintf("duration %.0fs exceeds 3 hours", dur))
	}

	// Resolution rules are exclusive: a missing video stream is not also an
	// unusual resolution, and aspect ratio is undefined without dimensions.
	if meta.Width <= 0 || meta.Height <= 0 {
		add(CatNoVideoStream, 0.30, "no video stream dimensions")
	} else {
		if meta.Width < 320 || meta.Height < 240 || meta.Width > 7680 || meta.Height > 4320 {
			add(CatUnusualResolution, 0.15, fmt.Sprintf("%dx%d outside 320x240..7680x4320", meta.Width, meta.Height))
		}
		if !aspectIsCommon(meta.Width, meta.Height) {
			add(CatSuspiciousAspect, 0.10, fmt.Sprintf("aspect ratio %.3f not near a common ratio", float64(meta.Width)/float64(meta.Height)))
		}
	}

	if meta.Bitrate > 15_000_000 {
		add(CatHighBitrate, 0.10, fmt.Sprintf("bitrate %d bps exceeds 15 Mb/s", meta.Bitrate))
	}
	if meta.Bitrate > 0 && meta.Bitrate < 100_000 && dur > 60 {
		add(CatLowBitrate, 0.15, fmt.Sprintf("bitrate %d bps below 100 kb/s for a %.0fs video", meta.Bitrate, dur))
	}

	if fr := meta.FrameRate; fr != 0 && (fr > 120 || fr < 15) {
		add(CatUnusualFramerate, 0.10, fmt.Sprintf("frame rate %.2f fps", fr))
	}

	if meta.AudioCodec == "" && dur > 60 {
		add(CatNoAudioLongVideo, 0.05, fmt.Sprintf("no audio stream in a %.0fs video", dur))
	}

	// Data-rate rules are a chain: a file already flagged as trickling (or
	// firehosing) bytes is not additionally a suspiciously small file.
	if dur > 0 && fileSize > 0 {
		bps := float64(fileSize) / dur
		switch {
		case bps > 10_000_000:
			add(CatHighDataRate, 0.10, fmt.Sprintf("%.0f bytes/s exceeds 10 MB/s", bps))
		case bps < 50_000 && dur > 60:
			add(CatLowDataRate, 0.15, fmt.Sprintf("%.0f bytes/s below 50 kB/s", bps))
		case float64(fileSize) < dur*100_000:
			add(CatSuspiciouslySmall, 0.15, fmt.Sprintf("%d bytes for %.0fs of video", fileSize, dur))
		}
	}

	if format := containerOf(meta, filename); format != "" {
		if _, ok := allowedContainers[format]; !ok {
			add(CatUnusualFormat, 0.05, fmt.Sprintf("container %q outside mp4/avi/mov/mkv/webm", format))
		}
	} else {
		add(CatUnusualFormat, 0.05, "container format undetermined")
	}

	if dur <= 0 || meta.Bitrate <= 0 || strings.EqualFold(meta.Codec, "unknown") {
		add(CatCorruptMetadata, 0.25, "core probe fields missing or unreadable")
	}

	// Weights are 0.05 multiples; round so persisted scores compare exactly.
	r.Score = math.Round(math.Min(r.Score, 1.0)*100) / 100

	switch {
	case r.Score > 0.7:
		r.Status = StatusFlagged
		r.Level = LevelHigh
	case r.Score > 0.4:
		r.Status = StatusFlagged
		r.Level = LevelMedium
		r.Categories = append(r.Categories, CatManualReview)
		r.Details[CatManualReview] = "score in the manual review band"
	default:
		r.Status = StatusSafe
		r.Level = LevelLow
	}
	return r
}

func aspectIsCommon(w, h int) bool {
	ratio := float64(w) / float64(h)
	for _, a := range commonAspects {
		if math.Abs(ratio-a) <= a*0.05 {
			return true
		}
	}
	return false
}

// containerOf prefers the probed container name, falling back to the
// original filename's extension when the probe left it blank.
func containerOf(meta *data.VideoMetadata, filename string) string {
	if meta.Format != "" {
		return strings.ToLower(meta.Format)
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}
