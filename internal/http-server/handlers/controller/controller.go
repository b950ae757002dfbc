package controllerhandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/protect-tools/timelapse_exporter/internal/domain/errs"
	"github.com/protect-tools/timelapse_exporter/internal/http-server/handlers"
	"github.com/protect-tools/timelapse_exporter/internal/lib/api/response"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
)

type ControllerHandler struct {
	log      *slog.Logger
	pipeline Pipeline
}

// Pipeline is the controller-facing slice of the timelapse service.
type Pipeline interface {
	Connect(ctx context.Context, address, username, password string) error
	Cameras(ctx context.Context) ([]string, error)
}

func New(log *slog.Logger, pipeline Pipeline) *ControllerHandler {
	return &ControllerHandler{
		log:      log,
		pipeline: pipeline,
	}
}

type ConnectRequest struct {
	Address  string `json:"address" validate:"required,url"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *ControllerHandler) Connect(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.controller.Connect"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	var req ConnectRequest
	err := render.DecodeJSON(r.Body, &req)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Error("request body is empty")

			handlers.Error(w, r, http.StatusBadRequest, response.Error("empty request", ""))

			return
		}

		log.Error("failed to decode request body", sl.Err(err))

		handlers.Error(w, r, http.StatusInternalServerError, response.Error("failed to decode request", middleware.GetReqID(r.Context())))

		return
	}

	if err := validator.New().Struct(req); err != nil {
		validateErr := err.(validator.ValidationErrors)

		log.Error("invalid request", sl.Err(err))

		handlers.Error(w, r, http.StatusBadRequest, response.ValidationError(validateErr))

		return
	}

	if err := h.pipeline.Connect(r.Context(), req.Address, req.Username, req.Password); err != nil {
		if errors.Is(err, errs.ErrUnauthorized) {
			handlers.Error(w, r, http.StatusUnauthorized, response.Error("controller rejected credentials", ""))

			return
		}

		log.Error("failed to connect to controller", sl.Err(err))

		handlers.Error(w, r, http.StatusBadGateway, response.Error("failed to connect to controller", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string]string{"status": "connected"})
}

func (h *ControllerHandler) Cameras(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.controller.Cameras"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	cameras, err := h.pipeline.Cameras(r.Context())
	if err != nil {
		if errors.Is(err, errs.ErrNotConnected) {
			handlers.Error(w, r, http.StatusConflict, response.Error("not connected to controller", ""))

			return
		}

		log.Error("failed to retrieve camera list", sl.Err(err))

		handlers.Error(w, r, http.StatusBadGateway, response.Error("failed to retrieve camera list", middleware.GetReqID(r.Context())))

		return
	}

	render.JSON(w, r, map[string][]string{"cameras": cameras})
}
