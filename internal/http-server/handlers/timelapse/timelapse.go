package timelapsehandler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/protect-tools/timelapse_exporter/internal/domain/models"
	"github.com/protect-tools/timelapse_exporter/internal/http-server/handlers"
	"github.com/protect-tools/timelapse_exporter/internal/lib/api/response"
	"github.com/protect-tools/timelapse_exporter/internal/lib/progress"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
	timelapseservice "github.com/protect-tools/timelapse_exporter/internal/services/timelapse"
)

// Pipeline is the download/build slice of the timelapse service.
type Pipeline interface {
	NewJob() models.Job
	DownloadRange(job models.Job, p timelapseservice.DownloadParams, rep progress.Reporter) error
	CancelDownload()
	BuildTimelapse(job models.Job, p timelapseservice.BuildParams, rep progress.Reporter) (string, error)
	CancelBuild()
	Snapshot() timelapseservice.Status
}

// RunProvider reads persisted run history.
type RunProvider interface {
	Runs(limit int) ([]models.TimelapseRun, error)
}

type TimelapseHandler struct {
	log      *slog.Logger
	pipeline Pipeline
	runs     RunProvider

	// job is the directory the last started download wrote into; a build
	// without an explicit input_dir picks it up.
	mu  sync.Mutex
	job models.Job
}

func New(log *slog.Logger, pipeline Pipeline, runs RunProvider) *TimelapseHandler {
	return &TimelapseHandler{
		log:      log,
		pipeline: pipeline,
		runs:     runs,
	}
}

type DownloadRequest struct {
	Camera    string `json:"camera" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"start_time" validate:"required,datetime=15:04"`
	EndTime   string `json:"end_time" validate:"required,datetime=15:04"`
	Validate  bool   `json:"validate"`
}

type BuildRequest struct {
	Camera    string  `json:"camera" validate:"required"`
	InputDir  string  `json:"input_dir"`
	OutputDir string  `json:"output_dir"`
	Interval  float64 `json:"interval" validate:"gt=0"`
	FPS       float64 `json:"fps" validate:"gt=0"`
	Cleanup   bool    `json:"cleanup"`
}

// StartDownload starts a download in the background. Hitting the endpoint
// while a download is already running requests cancellation of the running
// one instead of starting another.
func (h *TimelapseHandler) StartDownload(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.timelapse.StartDownload"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.pipeline.Snapshot().Download == timelapseservice.StateRunning {
		h.pipeline.CancelDownload()

		log.Info("download already running, cancellation requested")

		handlers.Error(w, r, http.StatusConflict, response.Error("download already running, cancellation requested", ""))

		return
	}

	var req DownloadRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	startDate, err := time.ParseInLocation(time.DateOnly, req.StartDate, time.Local)
	if err != nil {
		handlers.Error(w, r, http.StatusBadRequest, response.Error("invalid start_date", ""))

		return
	}
	endDate, err := time.ParseInLocation(time.DateOnly, req.EndDate, time.Local)
	if err != nil {
		handlers.Error(w, r, http.StatusBadRequest, response.Error("invalid end_date", ""))

		return
	}
	if endDate.Before(startDate) {
		handlers.Error(w, r, http.StatusBadRequest, response.Error("end_date is before start_date", ""))

		return
	}

	job := h.pipeline.NewJob()

	h.mu.Lock()
	h.job = job
	h.mu.Unlock()

	params := timelapseservice.DownloadParams{
		Camera:    req.Camera,
		StartDate: startDate,
		EndDate:   endDate,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Validate:  req.Validate,
	}

	go func() {
		if err := h.pipeline.DownloadRange(job, params, progress.Nop()); err != nil {
			log.Error("download finished with error", slog.String("job", job.ID), sl.Err(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	render.JSON(w, r, map[string]string{"job_id": job.ID})
}

func (h *TimelapseHandler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	h.pipeline.CancelDownload()

	render.JSON(w, r, map[string]string{"status": "cancellation requested"})
}

// StartBuild starts a timelapse build in the background. Same re-entrancy
// rule as StartDownload. Without an input_dir the build consumes the folder
// of the most recently started download.
func (h *TimelapseHandler) StartBuild(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.timelapse.StartBuild"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.pipeline.Snapshot().Build == timelapseservice.StateRunning {
		h.pipeline.CancelBuild()

		log.Info("build already running, cancellation requested")

		handlers.Error(w, r, http.StatusConflict, response.Error("build already running, cancellation requested", ""))

		return
	}

	var req BuildRequest
	if !h.decode(w, r, log, &req) {
		return
	}

	h.mu.Lock()
	job := h.job
	h.mu.Unlock()

	if job.ID == "" && req.InputDir == "" {
		handlers.Error(w, r, http.StatusBadRequest, response.Error("no downloaded job to build from; provide input_dir", ""))

		return
	}
	if job.ID == "" {
		job = h.pipeline.NewJob()
	}

	params := timelapseservice.BuildParams{
		InputDir:  req.InputDir,
		OutputDir: req.OutputDir,
		Interval:  req.Interval,
		FPS:       req.FPS,
		Cleanup:   req.Cleanup,
		Camera:    req.Camera,
	}

	go func() {
		if _, err := h.pipeline.BuildTimelapse(job, params, progress.Nop()); err != nil {
			log.Error("build finished with error", slog.String("job", job.ID), sl.Err(err))
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	render.JSON(w, r, map[string]string{"job_id": job.ID})
}

func (h *TimelapseHandler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	h.pipeline.CancelBuild()

	render.JSON(w, r, map[string]string{"status": "cancellation requested"})
}

func (h *TimelapseHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.pipeline.Snapshot())
}

func (h *TimelapseHandler) Runs(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.timelapse.Runs"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handlers.Error(w, r, http.StatusBadRequest, response.Error("invalid limit", ""))

			return
		}
		limit = n
	}

	runs, err := h.runs.Runs(limit)
	if err != nil {
		log.Error("failed to read run history", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to read run history", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]interface{}{"runs": runs})
}

// decode reads and validates the JSON body, writing the error response
// itself. Returns false when the request is already answered.
func (h *TimelapseHandler) decode(w http.ResponseWriter, r *http.Request, log *slog.Logger, dst interface{}) bool {
	err := render.DecodeJSON(r.Body, dst)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return false
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return false
	}

	if err := validator.New().Struct(dst); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return false
	}

	return true
}
