// Package media wraps the external ffmpeg/ffprobe toolchain behind two
// narrow interfaces: probing container metadata and grabbing a thumbnail
// frame. Everything else in the service treats media files as opaque bytes.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Metadata is what one probe extracts. Zero values mean the stream or field
// was absent; the sensitivity analyzer scores those explicitly.
type Metadata struct {
	DurationSeconds float64
	Width           int
	Height          int
	Codec           string
	Bitrate         int64 // bits per second, container-level
	FrameRate       float64
	AudioCodec      string // empty when the file has no audio stream
	Format          string // normalised container name (mp4, mkv, ...)
}

// Prober extracts container and stream metadata from a local file.
type Prober interface {
	Probe(ctx context.Context, path string) (*Metadata, error)
}

// Thumbnailer writes a single JPEG frame taken at the given offset.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, src string, at time.Duration, dst string) error
}

// Toolchain shells out to ffprobe and ffmpeg. The caller's context carries
// the per-attempt deadline; exec.CommandContext kills the child when it
// lapses.
type Toolchain struct {
	FFprobe string
	FFmpeg  string
}

func NewToolchain(ffprobe, ffmpeg string) *Toolchain {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Toolchain{FFprobe: ffprobe, FFmpeg: ffmpeg}
}

func (t *Toolchain) Probe(ctx context.Context, path string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	) // #nosec G204

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	meta, err := parseProbeJSON(out, path)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}
	return meta, nil
}

// Thumbnail grabs one frame at the offset, scaled to a 320px-wide JPEG.
// -y overwrites, so retries are safe.
func (t *Toolchain) Thumbnail(ctx context.Context, src string, at time.Duration, dst string) error {
	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-v", "error",
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", src,
		"-frames:v", "1",
		"-vf", "scale=320:-2",
		"-q:v", "4",
		"-y",
		dst,
	) // #nosec G204

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail %s: %w: %s", filepath.Base(src), err, truncate(string(out), 300))
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		AvgRate    string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func parseProbeJSON(out []byte, path string) (*Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}

	meta := &Metadata{
		Format: normalizeContainer(probe.Format.FormatName, path),
	}
	meta.DurationSeconds, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	meta.Bitrate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)

	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if meta.Codec != "" {
				continue // first video stream wins
			}
			meta.Codec = s.CodecName
			meta.Width = s.Width
			meta.Height = s.Height
			meta.FrameRate = fractionToFloat(s.RFrameRate)
			if meta.FrameRate == 0 {
				meta.FrameRate = fractionToFloat(s.AvgRate)
			}
		case "audio":
			if meta.AudioCodec == "" {
				meta.AudioCodec = s.CodecName
			}
		}
	}

	if meta.Codec == "" && meta.AudioCodec == "" && meta.DurationSeconds == 0 {
		return nil, fmt.Errorf("no streams found")
	}
	return meta, nil
}

// fractionToFloat evaluates ffprobe rational rates like "30000/1001".
func fractionToFloat(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// normalizeContainer maps ffprobe's comma-separated format_name onto one
// canonical short name, preferring the file's own extension when it is in
// the list (ffprobe reports "mov,mp4,m4a,3gp,3g2,mj2" for every ISO-BMFF
// file).
func normalizeContainer(formatName, path string) string {
	names := strings.Split(strings.ToLower(formatName), ",")
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, n := range names {
		if n != "" && n == ext {
			return n
		}
	}
	first := names[0]
	switch first {
	case "matroska":
		return "mkv"
	case "mov":
		return "mp4"
	case "":
		return ext
	}
	return first
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
