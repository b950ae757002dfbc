package timelapseservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
)

type DownloadParams struct {
	Camera    string
	StartDate time.Time
	EndDate   time.Time
	StartTime string
	EndTime   string
	Validate  bool
}

// DownloadRange walks the requested window segment by segment, strictly in
// chronological order. A segment with no footage is counted and skipped;
// cancellation and any other error abort the whole operation. Blocks until
// the operation reaches a terminal state.
func (s *Service) DownloadRange(job models.Job, p DownloadParams, rep progress.Reporter) error {
	const op = "service.timelapse.DownloadRange"

	log := s.log.With(
		slog.String("op", op),
		slog.String("camera", p.Camera),
		slog.String("job", job.ID),
	)

	s.activeTasks.Add(1)
	defer s.activeTasks.Add(-1)

	ctx, err := s.beginDownload()
	if err != nil {
		log.Warn("unable to start a download while one is in progress")

		return fmt.Errorf("%s: %w", op, err)
	}

	rep = s.record(rep)
	rep.Status("Downloading...")

	runID := shortuuid.New()
	s.saveRun(models.TimelapseRun{
		RunID:     runID,
		Kind:      models.RunKindDownload,
		Camera:    p.Camera,
		Params:    fmt.Sprintf("%s..%s %s-%s validate=%t", p.StartDate.Format(time.DateOnly), p.EndDate.Format(time.DateOnly), p.StartTime, p.EndTime, p.Validate),
		StartedAt: time.Now(),
	})

	downloaded, skipped, err := s.downloadRange(ctx, log, job, p, rep)

	switch {
	case err == nil:
		s.endDownload(StateSucceeded)
		s.finishRun(runID, StateSucceeded, downloaded, skipped, "", nil)
		rep.Status(fmt.Sprintf("Video(s) downloaded (%d success, %d skipped).", downloaded, skipped))

		return nil
	case errors.Is(err, context.Canceled):
		s.endDownload(StateCancelled)
		s.finishRun(runID, StateCancelled, downloaded, skipped, "", err)
		rep.Status("Operation cancelled")
		log.Info("download cancelled")

		return fmt.Errorf("%s: %w", op, err)
	default:
		s.endDownload(StateFailed)
		s.finishRun(runID, StateFailed, downloaded, skipped, "", err)
		rep.Status("Download failed")
		log.Error("download failed", sl.Err(err))

		return fmt.Errorf("%s: %w", op, err)
	}
}

func (s *Service) downloadRange(
	ctx context.Context,
	log *slog.Logger,
	job models.Job,
	p DownloadParams,
	rep progress.Reporter,
) (downloaded, skipped int, err error) {
	client, err := s.controllerClient()
	if err != nil {
		return 0, 0, err
	}

	cameraID, err := client.CameraID(ctx, p.Camera)
	if err != nil {
		return 0, 0, err
	}

	segments, err := Partition(p.StartDate, p.EndDate, p.StartTime, p.EndTime)
	if err != nil {
		return 0, 0, err
	}

	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		return 0, 0, err
	}

	log.Info("using job folder", slog.String("dir", job.Dir), slog.Int("segments", len(segments)))

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return downloaded, skipped, err
		}

		dest := filepath.Join(job.Dir, seg.FileName(p.Camera))

		log.Info("downloading segment",
			slog.Time("start", seg.Start),
			slog.Time("end", seg.End),
		)

		err := client.DownloadVideo(ctx, cameraID, seg.StartMs(), seg.EndMs(), dest, s.stallTimeout, rep)

		switch {
		case err == nil:
			downloaded++
		case errors.Is(err, errs.ErrNoFootage):
			// Non-fatal: this window simply has nothing usable.
			log.Warn("segment has no footage, skipping",
				slog.Time("start", seg.Start),
				slog.Time("end", seg.End),
			)
			skipped++

			continue
		default:
			return downloaded, skipped, err
		}

		if p.Validate {
			if err := s.tool.Validate(ctx, dest, seg.Duration().Seconds(), rep); err != nil {
				return downloaded, skipped, fmt.Errorf("validating %s: %w", dest, err)
			}
		}
	}

	return downloaded, skipped, nil
}
