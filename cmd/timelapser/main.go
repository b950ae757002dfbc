package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/protect-tools/timelapse_exporter/internal/config"
	"github.com/protect-tools/timelapse_exporter/internal/ffmpeg"
	authhandler "github.com/protect-tools/timelapse_exporter/internal/http-server/handlers/auth"
	controllerhandler "github.com/protect-tools/timelapse_exporter/internal/http-server/handlers/controller"
	timelapsehandler "github.com/protect-tools/timelapse_exporter/internal/http-server/handlers/timelapse"
	authmiddleware "github.com/protect-tools/timelapse_exporter/internal/http-server/middleware/auth"
	"github.com/protect-tools/timelapse_exporter/internal/http-server/middleware/logger"
	"github.com/protect-tools/timelapse_exporter/internal/lib/sl"
	"github.com/protect-tools/timelapse_exporter/internal/protect"
	authservice "github.com/protect-tools/timelapse_exporter/internal/services/auth"
	timelapseservice "github.com/protect-tools/timelapse_exporter/internal/services/timelapse"
	"github.com/protect-tools/timelapse_exporter/internal/storage/postgres"
	authstorage "github.com/protect-tools/timelapse_exporter/internal/storage/postgres/auth"
	runstorage "github.com/protect-tools/timelapse_exporter/internal/storage/postgres/runs"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("starting timelapse exporter", slog.String("env", cfg.Env))

	cfg.DB.Password = os.Getenv("POSTGRES_PASSWORD")
	if cfg.DB.Password == "" {
		panic("POSTGRES_PASSWORD is required")
	}

	storage, err := postgres.New(cfg.DB)
	if err != nil {
		panic(err)
	}

	authStorage := authstorage.New(storage)
	runStorage := runstorage.New(storage)

	authService := authservice.New(log, authStorage, authStorage, cfg.TokenTTL, cfg.Secret)
	if err := authService.CreateInitialAdmin(); err != nil {
		log.Error("failed to create initial admin", sl.Err(err))
	}

	tool := ffmpeg.New(log, cfg.FfmpegPath)

	timelapseService := timelapseservice.New(
		log,
		func(address string) timelapseservice.ControllerClient {
			return protect.New(log, address)
		},
		tool,
		runStorage,
		cfg.WorkDir,
		cfg.OutputDir,
		cfg.Controller.StallTimeout,
	)

	authHandler := authhandler.New(log, authService)
	controllerHandler := controllerhandler.New(log, timelapseService)
	timelapseHandler := timelapsehandler.New(log, timelapseService, runStorage)

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(logger.New(log))
	router.Use(middleware.Recoverer)
	router.Use(middleware.URLFormat)

	router.Post("/auth/login", authHandler.Login)

	router.Group(func(r chi.Router) {
		r.Use(authmiddleware.JWTAuth(cfg.Secret))

		r.With(authmiddleware.AdminRequired).Post("/auth/register", authHandler.RegisterNewUser)

		r.Post("/controller/connect", controllerHandler.Connect)
		r.Get("/cameras", controllerHandler.Cameras)

		r.Post("/downloads", timelapseHandler.StartDownload)
		r.Delete("/downloads", timelapseHandler.CancelDownload)
		r.Post("/timelapses", timelapseHandler.StartBuild)
		r.Delete("/timelapses", timelapseHandler.CancelBuild)
		r.Get("/status", timelapseHandler.Status)
		r.Get("/runs", timelapseHandler.Runs)
	})

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http server listening", slog.String("address", cfg.HTTPServer.Address))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", sl.Err(err))
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := timelapseService.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop running tasks", sl.Err(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop http server", sl.Err(err))
	}

	log.Info("stopped")
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
