package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Exam Engine")

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

	checks := map[string]handler.HealthCheck{
		"postgres": pool.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	var store repository.AttemptStore
	switch cfg.StoreDriver {
	case config.StoreDriverSQLite:
		var sqliteDB *sql.DB
		sqliteDB, err = database.OpenSQLite(ctx, cfg.SQLiteDSN, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite attempt store")
		}
		defer sqliteDB.Close()
		store = repository.NewSQLiteAttemptRepository(sqliteDB)
		checks["sqlite"] = sqliteDB.PingContext
	default:
		store = repository.NewAttemptRepository(pool)
	}

	questionRepo := repository.NewQuestionRepository(pool)
	definitionRepo := repository.NewExamDefinitionRepository(pool)
	monitorRepo := repository.NewMonitorRepository(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	bank := service.NewQuestionBankService(questionRepo, definitionRepo, rdb, cfg.QuestionCacheTTL, log)
	assembler := service.NewSessionAssembler(store, bank, nil, log)
	checkpoints := worker.NewCheckpointQueue(rdb, store, log)
	controller := service.NewSessionController(store, bank, checkpoints, monitorRepo, service.ControllerConfig{
		AutosaveInterval:     cfg.AutosaveInterval,
		DeadlineTick:         cfg.DeadlineTick,
		PassThresholdPercent: cfg.PassThresholdPercent,
	}, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(bank, assembler, controller),
		Exam:    handler.NewExamHandler(bank, log),
		Monitor: handler.NewMonitorHandler(monitorRepo, bank, log),
		WS:      handler.NewWSHandler(controller, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(checks, rdb, controller, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	checkpointWorker := worker.NewCheckpointWorker(store, rdb, log)
	sweeper := worker.NewExpirySweeper(store, controller, cfg.SweepInterval, log)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() { defer workers.Done(); checkpointWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); sweeper.Start(workerCtx) }()

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load definitions and question pools before accepting traffic.
	if err := bank.Prewarm(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

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
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. Stop accepting new HTTP requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Checkpoint live attempts. They stay IN_PROGRESS for the next process.
	controller.Shutdown(shutdownCtx)

	// 3. Stop background workers and wait for the checkpoint queue to drain.
	workerCancel()
	stopped := make(chan struct{})
	go func() { workers.Wait(); close(stopped) }()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Workers did not stop before the shutdown deadline")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
