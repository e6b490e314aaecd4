// mediafetch/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mediafetch/api"
	"mediafetch/config"
	"mediafetch/ffmpeg"
	"mediafetch/progress"
	"mediafetch/source"
	"mediafetch/task"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if level > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	// 2. External tools
	ffmpegRunner, err := ffmpeg.NewRunner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ffmpeg runner")
	}
	ytdlp, err := source.NewYTDLP(cfg, ffmpegRunner)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize yt-dlp source")
	}

	// 3. Progress hub and job manager
	hub := progress.NewHub(cfg.ProgressBuffer)
	taskManager, err := task.NewManager(cfg, hub, ytdlp, ytdlp)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize task manager")
	}

	// 4. Router and server
	router := api.SetupRouter(taskManager, hub, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info().Msg("Shutting down gracefully, press Ctrl+C again to force")

	// Canceling ctx already told running jobs to stop; give requests 5 seconds to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	taskManager.Wait()

	log.Info().Msg("Server exiting")
}
