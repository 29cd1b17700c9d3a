package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/config"
	"github.com/testline/testline-backend/internal/database"
	"github.com/testline/testline-backend/internal/grading"
	"github.com/testline/testline-backend/internal/handler"
	"github.com/testline/testline-backend/internal/logger"
	"github.com/testline/testline-backend/internal/repository"
	"github.com/testline/testline-backend/internal/router"
	"github.com/testline/testline-backend/internal/service"
	"github.com/testline/testline-backend/internal/session"
	"github.com/testline/testline-backend/internal/validator"
	"github.com/testline/testline-backend/internal/worker"
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
		Msg("Starting Testline Backend")

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
	reviewerRepo := repository.NewReviewerRepository(pool)
	testRepo := repository.NewTestRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	recorder := repository.NewAttemptRecorder(attemptRepo, rdb, log)

	// ─── Initialize Attempt Engine ─────────────────────────────────────
	clock := session.RealClock()
	store := session.NewStore()
	timer := session.NewAuthority(store, clock, cfg.TimerTick, log)
	saves := session.NewCoordinator(store, recorder, cfg.AutosaveDebounce, clock, log)
	engine := grading.NewEngine(grading.PolicyFromConfig(cfg))
	controller := session.NewController(
		store, timer, saves, engine,
		recorder, questionRepo, testRepo,
		clock, cfg.CheckpointRetries, cfg.CheckpointBackoff, log,
	)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	attemptService := service.NewAttemptService(controller, recorder, testRepo, questionRepo, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, studentRepo, reviewerRepo),
		Attempt: handler.NewAttemptHandler(attemptService, reviewerRepo, log),
		WS:      handler.NewWSHandler(attemptService, timer, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	responseWorker := worker.NewResponseWorker(pool, rdb, log)
	resultWorker := worker.NewResultWorker(pool, rdb, log)

	go responseWorker.Start(workerCtx)
	go resultWorker.Start(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop countdowns and settle pending auto-save commits so the last
	//    answers reach the persist queue before the workers drain it.
	timer.Shutdown()
	saves.Close()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
