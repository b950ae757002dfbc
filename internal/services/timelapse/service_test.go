package timelapseservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
)

type mockClient struct {
	mu         sync.Mutex
	logins     int
	loginErr   error
	cameras    []models.Camera
	downloads  int
	downloadFn func(ctx context.Context, dest string, call int) error
}

func (m *mockClient) Login(ctx context.Context, username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	return m.loginErr
}

func (m *mockClient) Cameras(ctx context.Context) ([]models.Camera, error) {
	return m.cameras, nil
}

func (m *mockClient) CameraID(ctx context.Context, name string) (string, error) {
	for _, cam := range m.cameras {
		if strings.EqualFold(cam.Name, name) {
			return cam.ID, nil
		}
	}
	return "", errs.ErrCameraNotFound
}

func (m *mockClient) DownloadVideo(ctx context.Context, cameraID string, startMs, endMs int64, dest string, stallTimeout time.Duration, rep progress.Reporter) error {
	m.mu.Lock()
	m.downloads++
	call := m.downloads
	fn := m.downloadFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, dest, call)
	}
	return os.WriteFile(dest, []byte("video"), 0644)
}

func (m *mockClient) downloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads
}

type mockTool struct {
	mu             sync.Mutex
	duration       float64
	durationErr    error
	framesPerVideo int
	validateErr    error

	encodeManifest string
	encodeOutput   string
	encodeDuration float64
	encodeFPS      float64
	encodeCalls    int
}

func (m *mockTool) Duration(ctx context.Context, path string) (float64, error) {
	return m.duration, m.durationErr
}

func (m *mockTool) ExtractFrames(ctx context.Context, path string, duration, interval float64, outputPattern string, rep progress.Reporter) error {
	for i := 1; i <= m.framesPerVideo; i++ {
		name := fmt.Sprintf(outputPattern, i)
		if err := os.WriteFile(name, []byte("png"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockTool) Validate(ctx context.Context, path string, duration float64, rep progress.Reporter) error {
	return m.validateErr
}

func (m *mockTool) EncodeTimelapse(ctx context.Context, manifestPath, outputPath string, duration, fps float64, rep progress.Reporter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encodeCalls++
	m.encodeManifest = manifestPath
	m.encodeOutput = outputPath
	m.encodeDuration = duration
	m.encodeFPS = fps
	return os.WriteFile(outputPath, []byte("timelapse"), 0644)
}

type finishedRun struct {
	outcome    string
	downloaded int
	skipped    int
	outputPath string
}

type mockRuns struct {
	mu       sync.Mutex
	created  []models.TimelapseRun
	finished []finishedRun
}

func (m *mockRuns) Create(run models.TimelapseRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, run)
	return nil
}

func (m *mockRuns) Finish(runID, outcome string, downloaded, skipped int, outputPath, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, finishedRun{outcome: outcome, downloaded: downloaded, skipped: skipped, outputPath: outputPath})
	return nil
}

func (m *mockRuns) last(t *testing.T) finishedRun {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finished) == 0 {
		t.Fatal("no finished runs recorded")
	}
	return m.finished[len(m.finished)-1]
}

func newTestService(t *testing.T, client *mockClient, tool *mockTool, runs *mockRuns) *Service {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := New(
		log,
		func(address string) ControllerClient { return client },
		tool,
		runs,
		t.TempDir(),
		t.TempDir(),
		time.Second,
	)

	return svc
}

func connect(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Connect(context.Background(), "https://controller.local", "admin", "secret"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
}

func testDownloadParams() DownloadParams {
	return DownloadParams{
		Camera:    "Front Door",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		StartTime: "08:00",
		EndTime:   "10:30",
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	client := &mockClient{}
	svc := newTestService(t, client, &mockTool{}, &mockRuns{})

	connect(t, svc)
	connect(t, svc)

	if client.logins != 1 {
		t.Errorf("login called %d times, want 1", client.logins)
	}
	if !svc.Snapshot().Connected {
		t.Error("snapshot should report connected")
	}
}

func TestCamerasRequireConnection(t *testing.T) {
	svc := newTestService(t, &mockClient{}, &mockTool{}, &mockRuns{})

	if _, err := svc.Cameras(context.Background()); !errors.Is(err, errs.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCamerasSkipUnnamed(t *testing.T) {
	client := &mockClient{cameras: []models.Camera{
		{ID: "a", Name: "Front Door"},
		{ID: "b", Name: ""},
		{ID: "c", Name: "Garage"},
	}}
	svc := newTestService(t, client, &mockTool{}, &mockRuns{})
	connect(t, svc)

	names, err := svc.Cameras(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "Front Door" || names[1] != "Garage" {
		t.Errorf("names = %v", names)
	}
}

func TestDownloadRangeSkipsMissingFootage(t *testing.T) {
	client := &mockClient{
		cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}},
		downloadFn: func(ctx context.Context, dest string, call int) error {
			if call == 2 {
				return errs.ErrNoFootage
			}
			return os.WriteFile(dest, []byte("video"), 0644)
		},
	}
	runs := &mockRuns{}
	svc := newTestService(t, client, &mockTool{}, runs)
	connect(t, svc)

	err := svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := client.downloadCount(); got != 3 {
		t.Errorf("download called %d times, want 3", got)
	}
	if st := svc.Snapshot().Download; st != StateSucceeded {
		t.Errorf("download state = %v, want succeeded", st)
	}

	last := runs.last(t)
	if last.outcome != string(StateSucceeded) || last.downloaded != 2 || last.skipped != 1 {
		t.Errorf("run record = %+v", last)
	}
}

func TestDownloadRangeAbortsOnHardError(t *testing.T) {
	hard := errors.New("disk full")
	client := &mockClient{
		cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}},
		downloadFn: func(ctx context.Context, dest string, call int) error {
			if call == 2 {
				return hard
			}
			return os.WriteFile(dest, []byte("video"), 0644)
		},
	}
	svc := newTestService(t, client, &mockTool{}, &mockRuns{})
	connect(t, svc)

	err := svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
	if !errors.Is(err, hard) {
		t.Fatalf("expected wrapped hard error, got %v", err)
	}

	if got := client.downloadCount(); got != 2 {
		t.Errorf("download called %d times, want 2", got)
	}
	if st := svc.Snapshot().Download; st != StateFailed {
		t.Errorf("download state = %v, want failed", st)
	}
}

func TestDownloadRangeCancelled(t *testing.T) {
	var svc *Service

	client := &mockClient{
		cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}},
		downloadFn: func(ctx context.Context, dest string, call int) error {
			svc.CancelDownload()
			<-ctx.Done()
			return ctx.Err()
		},
	}
	runs := &mockRuns{}
	svc = newTestService(t, client, &mockTool{}, runs)
	connect(t, svc)

	err := svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// No further segment may start after cancellation.
	if got := client.downloadCount(); got != 1 {
		t.Errorf("download called %d times, want 1", got)
	}
	if st := svc.Snapshot().Download; st != StateCancelled {
		t.Errorf("download state = %v, want cancelled", st)
	}
	if last := runs.last(t); last.outcome != string(StateCancelled) {
		t.Errorf("run outcome = %q, want cancelled", last.outcome)
	}
}

func TestDownloadRangeRejectsConcurrent(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	client := &mockClient{
		cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}},
		downloadFn: func(ctx context.Context, dest string, call int) error {
			if call == 1 {
				close(started)
				<-release
			}
			return os.WriteFile(dest, []byte("video"), 0644)
		},
	}
	svc := newTestService(t, client, &mockTool{}, &mockRuns{})
	connect(t, svc)

	done := make(chan error, 1)
	go func() {
		done <- svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
	}()

	<-started

	err := svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
	if !errors.Is(err, errs.ErrDownloadInProgress) {
		t.Errorf("expected ErrDownloadInProgress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first download failed: %v", err)
	}
}

func TestDownloadRangeValidateFailure(t *testing.T) {
	client := &mockClient{cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}}}
	tool := &mockTool{validateErr: errors.New("corrupt stream")}
	svc := newTestService(t, client, tool, &mockRuns{})
	connect(t, svc)

	p := testDownloadParams()
	p.Validate = true

	err := svc.DownloadRange(svc.NewJob(), p, progress.Nop())
	if err == nil {
		t.Fatal("expected error from validation")
	}
	if st := svc.Snapshot().Download; st != StateFailed {
		t.Errorf("download state = %v, want failed", st)
	}
}

func TestBuildTimelapse(t *testing.T) {
	tool := &mockTool{duration: 10, framesPerVideo: 3}
	runs := &mockRuns{}
	svc := newTestService(t, &mockClient{}, tool, runs)

	job := svc.NewJob()
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.mp4", "b.mp4"} {
		if err := os.WriteFile(filepath.Join(job.Dir, name), []byte("video"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	output, err := svc.BuildTimelapse(job, BuildParams{Interval: 2, FPS: 10, Camera: "Front/Door"}, progress.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tool.encodeCalls != 1 {
		t.Fatalf("encode called %d times, want 1", tool.encodeCalls)
	}
	if tool.encodeManifest != job.ManifestPath() {
		t.Errorf("encode used manifest %q, want %q", tool.encodeManifest, job.ManifestPath())
	}

	// Two inputs at three frames each, played at 10 fps.
	if want := 0.6; tool.encodeDuration != want {
		t.Errorf("target duration = %v, want %v", tool.encodeDuration, want)
	}
	if tool.encodeFPS != 10 {
		t.Errorf("fps = %v, want 10", tool.encodeFPS)
	}

	base := filepath.Base(output)
	if !strings.HasPrefix(base, "Front_Door_timelapse_") {
		t.Errorf("output name %q should carry the sanitized camera name", base)
	}

	if st := svc.Snapshot().Build; st != StateSucceeded {
		t.Errorf("build state = %v, want succeeded", st)
	}
	if last := runs.last(t); last.outputPath != output {
		t.Errorf("run output path = %q, want %q", last.outputPath, output)
	}
}

func TestBuildTimelapseNoInput(t *testing.T) {
	svc := newTestService(t, &mockClient{}, &mockTool{}, &mockRuns{})

	job := svc.NewJob()
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		t.Fatal(err)
	}

	_, err := svc.BuildTimelapse(job, BuildParams{Interval: 2, FPS: 10, Camera: "cam"}, progress.Nop())
	if !errors.Is(err, errs.ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
	if st := svc.Snapshot().Build; st != StateFailed {
		t.Errorf("build state = %v, want failed", st)
	}
}

func TestBuildTimelapseZeroDuration(t *testing.T) {
	tool := &mockTool{duration: 0}
	svc := newTestService(t, &mockClient{}, tool, &mockRuns{})

	job := svc.NewJob()
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(job.Dir, "a.mp4"), []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := svc.BuildTimelapse(job, BuildParams{Interval: 2, FPS: 10, Camera: "cam"}, progress.Nop())
	if !errors.Is(err, errs.ErrZeroDuration) {
		t.Errorf("expected ErrZeroDuration, got %v", err)
	}
}

func TestBuildTimelapseCleanup(t *testing.T) {
	tool := &mockTool{duration: 10, framesPerVideo: 2}
	svc := newTestService(t, &mockClient{}, tool, &mockRuns{})

	job := svc.NewJob()
	if err := os.MkdirAll(job.Dir, 0755); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(job.Dir, "a.mp4")
	if err := os.WriteFile(input, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.BuildTimelapse(job, BuildParams{Interval: 2, FPS: 10, Cleanup: true, Camera: "cam"}, progress.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := os.Stat(job.FramesDir()); !os.IsNotExist(err) {
		t.Error("frames directory should be removed after cleanup")
	}
	if _, err := os.Stat(input); !os.IsNotExist(err) {
		t.Error("source video should be removed after cleanup")
	}
}

func TestShutdownCancelsRunningDownload(t *testing.T) {
	client := &mockClient{
		cameras: []models.Camera{{ID: "cam1", Name: "Front Door"}},
		downloadFn: func(ctx context.Context, dest string, call int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	svc := newTestService(t, client, &mockTool{}, &mockRuns{})
	connect(t, svc)

	done := make(chan struct{})
	go func() {
		svc.DownloadRange(svc.NewJob(), testDownloadParams(), progress.Nop())
		close(done)
	}()

	// Wait for the download to actually block on its context.
	deadline := time.After(2 * time.Second)
	for svc.Snapshot().Download != StateRunning {
		select {
		case <-deadline:
			t.Fatal("download never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	<-done

	if st := svc.Snapshot().Download; st != StateCancelled {
		t.Errorf("download state = %v, want cancelled", st)
	}
}
