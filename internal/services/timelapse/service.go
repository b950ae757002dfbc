package timelapseservice

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
)

// ControllerClient is the video-management controller surface the pipeline
// depends on.
type ControllerClient interface {
	Login(ctx context.Context, username, password string) error
	Cameras(ctx context.Context) ([]models.Camera, error)
	CameraID(ctx context.Context, name string) (string, error)
	DownloadVideo(ctx context.Context, cameraID string, startMs, endMs int64, dest string, stallTimeout time.Duration, rep progress.Reporter) error
}

// MediaTool is the external encoder surface: probe, extract, validate, encode.
type MediaTool interface {
	Duration(ctx context.Context, path string) (float64, error)
	ExtractFrames(ctx context.Context, path string, duration, interval float64, outputPattern string, rep progress.Reporter) error
	Validate(ctx context.Context, path string, duration float64, rep progress.Reporter) error
	EncodeTimelapse(ctx context.Context, manifestPath, outputPath string, duration, fps float64, rep progress.Reporter) error
}

// RunSaver persists run history. Persistence failures are logged, never fatal.
type RunSaver interface {
	Create(run models.TimelapseRun) error
	Finish(runID, outcome string, downloaded, skipped int, outputPath, errMsg string) error
}

// ClientFactory builds a controller client for the given base address.
type ClientFactory func(address string) ControllerClient

type OpState string

const (
	StateIdle      OpState = "idle"
	StateRunning   OpState = "running"
	StateSucceeded OpState = "succeeded"
	StateFailed    OpState = "failed"
	StateCancelled OpState = "cancelled"
)

type op struct {
	state  OpState
	cancel context.CancelFunc
}

// Service owns the job working directories, the controller session and at
// most one in-flight download plus one in-flight build.
type Service struct {
	log          *slog.Logger
	newClient    ClientFactory
	tool         MediaTool
	runs         RunSaver
	workDir      string
	outputDir    string
	stallTimeout time.Duration

	mu        sync.Mutex
	client    ControllerClient
	connected bool
	download  op
	build     op

	activeTasks atomic.Int64

	status statusBoard
}

func New(
	log *slog.Logger,
	newClient ClientFactory,
	tool MediaTool,
	runs RunSaver,
	workDir string,
	outputDir string,
	stallTimeout time.Duration,
) *Service {
	return &Service{
		log:          log,
		newClient:    newClient,
		tool:         tool,
		runs:         runs,
		workDir:      workDir,
		outputDir:    outputDir,
		stallTimeout: stallTimeout,
		download:     op{state: StateIdle},
		build:        op{state: StateIdle},
	}
}

// Connect authenticates against the controller. Calling it again once
// connected is a no-op success; the session lives until process exit.
func (s *Service) Connect(ctx context.Context, address, username, password string) error {
	const op = "service.timelapse.Connect"

	log := s.log.With(
		slog.String("op", op),
		slog.String("address", address),
	)

	s.activeTasks.Add(1)
	defer s.activeTasks.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	s.status.set("Connecting...", 0)

	client := s.newClient(address)
	if err := client.Login(ctx, username, password); err != nil {
		log.Error("connection failed", sl.Err(err))
		s.status.set("Connection failed", 0)

		return fmt.Errorf("%s: %w", op, err)
	}

	s.client = client
	s.connected = true
	s.status.set("Connected successfully.", 0)

	log.Info("connected to controller")

	return nil
}

// Cameras returns the controller's camera display names.
func (s *Service) Cameras(ctx context.Context) ([]string, error) {
	const op = "service.timelapse.Cameras"

	s.activeTasks.Add(1)
	defer s.activeTasks.Add(-1)

	client, err := s.controllerClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cameras, err := client.Cameras(ctx)
	if err != nil {
		s.log.Error("failed to retrieve camera list", slog.String("op", op), sl.Err(err))

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	names := make([]string, 0, len(cameras))
	for _, cam := range cameras {
		if cam.Name != "" {
			names = append(names, cam.Name)
		}
	}

	return names, nil
}

// NewJob allocates a fresh working directory name under the configured work
// root. The directory itself is created lazily by the first operation that
// writes to it.
func (s *Service) NewJob() models.Job {
	id := shortuuid.New()

	return models.Job{
		ID:  id,
		Dir: filepath.Join(s.workDir, id),
	}
}

// CancelDownload requests cancellation of the in-flight download, if any.
func (s *Service) CancelDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.download.state == StateRunning && s.download.cancel != nil {
		s.download.cancel()
	}
}

// CancelBuild requests cancellation of the in-flight build, if any.
func (s *Service) CancelBuild() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.build.state == StateRunning && s.build.cancel != nil {
		s.build.cancel()
	}
}

// Shutdown cancels any in-flight work and returns once no operation is still
// running, polling the active-task counter.
func (s *Service) Shutdown(ctx context.Context) error {
	const op = "service.timelapse.Shutdown"

	s.CancelDownload()
	s.CancelBuild()

	for {
		active := s.activeTasks.Load()
		if active == 0 {
			return nil
		}

		s.log.Debug("waiting for tasks to complete",
			slog.String("op", op),
			slog.Int64("active", active),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Status is a point-in-time view of both operation state machines plus the
// most recent status line and progress figure.
type Status struct {
	Connected  bool    `json:"connected"`
	Download   OpState `json:"download"`
	Build      OpState `json:"build"`
	LastStatus string  `json:"last_status"`
	Progress   float64 `json:"progress"`
}

func (s *Service) Snapshot() Status {
	s.mu.Lock()
	connected := s.connected
	download := s.download.state
	build := s.build.state
	s.mu.Unlock()

	line, pct := s.status.get()

	return Status{
		Connected:  connected,
		Download:   download,
		Build:      build,
		LastStatus: line,
		Progress:   pct,
	}
}

func (s *Service) controllerClient() (ControllerClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, errs.ErrNotConnected
	}

	return s.client, nil
}

// beginDownload moves the download state machine to Running and hands back a
// cancellation scope for this single operation.
func (s *Service) beginDownload() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.download.state == StateRunning {
		return nil, errs.ErrDownloadInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.download = op{state: StateRunning, cancel: cancel}

	return ctx, nil
}

func (s *Service) endDownload(outcome OpState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.download.cancel != nil {
		s.download.cancel()
	}
	s.download = op{state: outcome}
}

func (s *Service) beginBuild() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.build.state == StateRunning {
		return nil, errs.ErrBuildInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.build = op{state: StateRunning, cancel: cancel}

	return ctx, nil
}

func (s *Service) endBuild(outcome OpState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.build.cancel != nil {
		s.build.cancel()
	}
	s.build = op{state: outcome}
}

// record tees every status line and progress update into the service's own
// status board before forwarding to the caller's reporter.
func (s *Service) record(rep progress.Reporter) progress.Reporter {
	return progress.Funcs{
		OnStatus: func(msg string) {
			s.status.setLine(msg)
			rep.Status(msg)
		},
		OnProgress: func(pct float64) {
			s.status.setProgress(pct)
			rep.Progress(pct)
		},
	}
}

type statusBoard struct {
	mu       sync.Mutex
	line     string
	progress float64
}

func (b *statusBoard) set(line string, pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.line = line
	b.progress = pct
}

func (b *statusBoard) setLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.line = line
}

func (b *statusBoard) setProgress(pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = pct
}

func (b *statusBoard) get() (string, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.line, b.progress
}

func (s *Service) saveRun(run models.TimelapseRun) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Create(run); err != nil {
		s.log.Error("failed to persist run", sl.Err(err))
	}
}

func (s *Service) finishRun(runID string, outcome OpState, downloaded, skipped int, outputPath string, opErr error) {
	if s.runs == nil {
		return
	}

	errMsg := ""
	if opErr != nil {
		errMsg = opErr.Error()
	}

	if err := s.runs.Finish(runID, string(outcome), downloaded, skipped, outputPath, errMsg); err != nil {
		s.log.Error("failed to persist run outcome", sl.Err(err))
	}
}
