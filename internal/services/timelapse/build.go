package timelapseservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
)

type BuildParams struct {
	// InputDir overrides the job directory as the source of video files.
	InputDir  string
	OutputDir string
	Interval  float64
	FPS       float64
	Cleanup   bool
	Camera    string
}

var videoExtensions = []string{"*.mp4", "*.mov", "*.avi"}

var invalidFileChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// BuildTimelapse extracts frames from every video in the input directory at
// the configured interval, then encodes them into a single timelapse video.
// The target duration is frameCount/fps, not the sum of the source
// durations. Blocks until the operation reaches a terminal state.
func (s *Service) BuildTimelapse(job models.Job, p BuildParams, rep progress.Reporter) (string, error) {
	const op = "service.timelapse.BuildTimelapse"

	log := s.log.With(
		slog.String("op", op),
		slog.String("camera", p.Camera),
		slog.String("job", job.ID),
	)

	s.activeTasks.Add(1)
	defer s.activeTasks.Add(-1)

	ctx, err := s.beginBuild()
	if err != nil {
		log.Warn("unable to create a timelapse video while one is in progress")

		return "", fmt.Errorf("%s: %w", op, err)
	}

	rep = s.record(rep)
	rep.Status("Creating timelapse video...")

	runID := shortuuid.New()
	s.saveRun(models.TimelapseRun{
		RunID:     runID,
		Kind:      models.RunKindBuild,
		Camera:    p.Camera,
		Params:    fmt.Sprintf("interval=%gs fps=%g cleanup=%t", p.Interval, p.FPS, p.Cleanup),
		StartedAt: time.Now(),
	})

	outputPath, err := s.buildTimelapse(ctx, log, job, p, rep)

	switch {
	case err == nil:
		s.endBuild(StateSucceeded)
		s.finishRun(runID, StateSucceeded, 0, 0, outputPath, nil)
		rep.Status("Timelapse created successfully.")
		log.Info("timelapse created", slog.String("output", outputPath))

		return outputPath, nil
	case errors.Is(err, context.Canceled):
		s.endBuild(StateCancelled)
		s.finishRun(runID, StateCancelled, 0, 0, "", err)
		rep.Status("Operation cancelled")
		log.Info("build cancelled")

		return "", fmt.Errorf("%s: %w", op, err)
	default:
		s.endBuild(StateFailed)
		s.finishRun(runID, StateFailed, 0, 0, "", err)
		rep.Status("Timelapse creation failed")
		log.Error("build failed", sl.Err(err))

		return "", fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Service) buildTimelapse(
	ctx context.Context,
	log *slog.Logger,
	job models.Job,
	p BuildParams,
	rep progress.Reporter,
) (string, error) {
	inputDir := p.InputDir
	if inputDir == "" {
		inputDir = job.Dir
	}
	outputDir := p.OutputDir
	if outputDir == "" {
		outputDir = s.outputDir
	}

	inputs, err := listVideos(inputDir)
	if err != nil {
		return "", err
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("%s: %w", inputDir, errs.ErrNoInput)
	}

	log.Info("building timelapse",
		slog.Int("inputs", len(inputs)),
		slog.String("input_dir", inputDir),
	)

	framesDir := job.FramesDir()
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return "", err
	}

	if p.Cleanup {
		defer s.cleanup(log, framesDir, inputs)
	}

	for _, input := range inputs {
		log.Info("processing input video", slog.String("video", input))

		duration, err := s.tool.Duration(ctx, input)
		if err != nil {
			return "", err
		}
		if duration == 0 {
			return "", fmt.Errorf("%s: %w", input, errs.ErrZeroDuration)
		}

		// The display name prefixes each frame so frames from different
		// source videos cannot collide, and the fixed-width counter keeps
		// lexical order chronological.
		name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		pattern := filepath.Join(framesDir, name+"_%06d.png")

		if err := s.tool.ExtractFrames(ctx, input, duration, p.Interval, pattern, rep); err != nil {
			return "", err
		}
	}

	frameCount, err := writeManifest(framesDir, job.ManifestPath(), p.FPS)
	if err != nil {
		return "", err
	}
	if frameCount == 0 {
		return "", fmt.Errorf("%s: %w", framesDir, errs.ErrNoFrames)
	}

	// Each frame is displayed for 1/fps seconds, so the finished video runs
	// frameCount/fps seconds regardless of how long the sources were.
	targetDuration := float64(frameCount) / p.FPS

	log.Info("encoding timelapse",
		slog.Int("frames", frameCount),
		slog.Float64("duration_s", targetDuration),
		slog.Float64("fps", p.FPS),
	)

	outputPath := filepath.Join(outputDir, fmt.Sprintf("%s_timelapse_%s.mp4",
		sanitizeFileName(p.Camera), time.Now().Format("2006-01-02_150405")))

	if err := s.tool.EncodeTimelapse(ctx, job.ManifestPath(), outputPath, targetDuration, p.FPS, rep); err != nil {
		return "", err
	}

	return outputPath, nil
}

// cleanup removes the frame directory and the enumerated source videos,
// logging individual failures without surfacing them.
func (s *Service) cleanup(log *slog.Logger, framesDir string, inputs []string) {
	if err := os.RemoveAll(framesDir); err != nil {
		log.Warn("failed to delete temporary frames", sl.Err(err))
	} else {
		log.Info("cleaned up temporary frames")
	}

	for _, input := range inputs {
		if err := os.Remove(input); err != nil {
			log.Warn("failed to delete video file", slog.String("video", input), sl.Err(err))
		}
	}
}

func listVideos(dir string) ([]string, error) {
	var files []string

	for _, ext := range videoExtensions {
		matches, err := filepath.Glob(filepath.Join(dir, ext))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	return files, nil
}

func sanitizeFileName(name string) string {
	return invalidFileChars.ReplaceAllString(name, "_")
}
