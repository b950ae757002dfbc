package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
)

// FFmpeg wraps the ffmpeg executable and its companion ffprobe for the four
// operations the pipeline needs: probe duration, extract frames, validate a
// file and encode a frame sequence.
type FFmpeg struct {
	path   string
	runner *runner
}

func New(log *slog.Logger, path string) *FFmpeg {
	return &FFmpeg{
		path:   path,
		runner: &runner{log: log},
	}
}

// Duration probes container metadata and returns format.duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, videoPath string) (float64, error) {
	const op = "ffmpeg.Duration"

	probe, err := f.probePath()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	out, err := f.runner.runCapture(ctx, probe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		videoPath,
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if strings.TrimSpace(out) == "" {
		return 0, fmt.Errorf("%s: probe produced no output", op)
	}

	var parsed struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: unparsable duration %q: %w", op, parsed.Format.Duration, err)
	}

	return duration, nil
}

// ExtractFrames samples one frame every interval seconds into sequentially
// numbered image files matching outputPattern.
func (f *FFmpeg) ExtractFrames(ctx context.Context, videoPath string, duration, interval float64, outputPattern string, rep progress.Reporter) error {
	const op = "ffmpeg.ExtractFrames"

	_, err := f.runner.run(ctx, f.path, []string{
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=1/%g", interval),
		"-f", "image2",
		outputPattern,
	}, duration, func(pct float64) {
		rep.Status(fmt.Sprintf("Extracting frames from video: %.1f%%", pct))
		rep.Progress(pct)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Validate decodes the whole file discarding output, surfacing decode errors
// only.
func (f *FFmpeg) Validate(ctx context.Context, videoPath string, duration float64, rep progress.Reporter) error {
	const op = "ffmpeg.Validate"

	_, err := f.runner.run(ctx, f.path, []string{
		"-v", "error",
		"-stats",
		"-i", videoPath,
		"-f", "null", "-",
	}, duration, func(pct float64) {
		rep.Status(fmt.Sprintf("Validating video: %.1f%%", pct))
		rep.Progress(pct)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// EncodeTimelapse re-encodes the frames listed in the concat manifest into an
// H.264 video at the requested frame rate.
func (f *FFmpeg) EncodeTimelapse(ctx context.Context, manifestPath, outputPath string, duration, fps float64, rep progress.Reporter) error {
	const op = "ffmpeg.EncodeTimelapse"

	_, err := f.runner.run(ctx, f.path, []string{
		"-r", fmt.Sprintf("%g", fps),
		"-f", "concat",
		"-safe", "0",
		"-i", manifestPath,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-vf", fmt.Sprintf("fps=%g", fps),
		"-pix_fmt", "yuv420p",
		"-fps_mode", "vfr",
		"-y",
		outputPath,
	}, duration, func(pct float64) {
		rep.Status(fmt.Sprintf("Building timelapse video: %.1f%%", pct))
		rep.Progress(pct)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// probePath locates ffprobe next to the configured ffmpeg binary. ffprobe is
// always distributed side by side with ffmpeg, so a missing companion means a
// broken installation.
func (f *FFmpeg) probePath() (string, error) {
	ext := filepath.Ext(f.path)
	if ext != ".exe" {
		ext = ""
	}

	dir := filepath.Dir(f.path)
	if dir == "." && !strings.ContainsRune(f.path, os.PathSeparator) {
		// Bare command name, resolved through PATH like ffmpeg itself.
		return "ffprobe" + ext, nil
	}

	probe := filepath.Join(dir, "ffprobe"+ext)
	if _, err := os.Stat(probe); err != nil {
		return "", fmt.Errorf("%q: %w", probe, errs.ErrToolNotFound)
	}

	return probe, nil
}
