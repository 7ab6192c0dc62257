package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/database"
	"github.com/stemsi/exstem-examtaker/internal/examsession"
	"github.com/stemsi/exstem-examtaker/internal/grading"
	"github.com/stemsi/exstem-examtaker/internal/handler"
	"github.com/stemsi/exstem-examtaker/internal/logger"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	"github.com/stemsi/exstem-examtaker/internal/router"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/storage"
	"github.com/stemsi/exstem-examtaker/internal/validator"
	"github.com/stemsi/exstem-examtaker/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("snapshot_store", cfg.SnapshotStore).
		Msg("Starting ExStem Exam Taker")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	studentRepo := repository.NewStudentRepository(pool)
	resultRepo := repository.NewExamResultRepository(pool)

	// ─── Snapshot Store ────────────────────────────────────────────────
	var store examsession.Store
	switch cfg.SnapshotStore {
	case "postgres":
		store = storage.NewPostgresStore(pool)
	case "redis":
		store = storage.NewRedisStore(rdb, cfg.SnapshotTTL)
	default:
		log.Fatal().Str("snapshot_store", cfg.SnapshotStore).Msg("SNAPSHOT_STORE must be redis or postgres")
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb, studentRepo)
	evidenceService := service.NewEvidenceService(cfg.MaxUploadBytes)
	resultService := service.NewResultService(rdb, resultRepo, cfg.ResultTTL, log)
	sessionService := service.NewExamSessionService(
		store,
		grading.NewClient(cfg.GradingURL, cfg.GradingAPIKey, cfg.GradingTimeout, log),
		service.NewResultPublisher(rdb, cfg.ResultTTL, log),
		examsession.NewMemoryPreviews("/api/v1/student/sessions"),
		resultService,
		cfg,
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, sessionService.Len)

	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Session: handler.NewSessionHandler(sessionService, evidenceService, resultService, cfg.MaxUploadBytes, log),
		WS:      handler.NewWSHandler(rdb, sessionService, cfg.TickInterval, log, cfg.AllowedOrigins),
		Health:  healthHandler,
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	resultsWorker := worker.NewResultsWorker(resultRepo, rdb, log)
	go func() {
		resultsWorker.Start(workerCtx)
		close(workerDone)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked WebSocket
	// connections are not tracked by Shutdown and die with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop session clocks and save every live session so students resume
	// where they left off.
	saveCtx, saveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer saveCancel()
	sessionService.Shutdown(saveCtx)

	// 3. Stop the results worker and wait for the queue to drain.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Results worker did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
