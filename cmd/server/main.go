package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/engine/session"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/telemetry"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
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
		Int("max_violations", cfg.Engine.MaxViolations).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Tracing ───────────────────────────────────────────────────────
	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracer(logger.ServiceName, os.Stderr, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracer(flushCtx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown error")
			}
		}()
	}

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

	clk := clockwork.NewRealClock()

	// ─── Initialize Repositories ───────────────────────────────────────
	assessmentRepo := repository.NewAssessmentRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	assessmentService := service.NewAssessmentService(assessmentRepo, rdb, log)
	attemptService := service.NewAttemptService(attemptRepo, rdb, clk, log)
	monitorService := service.NewMonitorService(monitorRepo)

	// ─── Session Engine ───────────────────────────────────────────────
	// Session loops get their own context so HTTP shutdown can finish
	// before in-flight attempts are checkpointed.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	registry := session.NewRegistry(
		engineCtx,
		attemptService,
		assessmentService,
		session.ConfigFromEngine(cfg.Engine),
		clk,
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		StudentPortal: handler.NewStudentPortalHandler(registry, assessmentService, attemptService),
		WS:            handler.NewWSHandler(registry, attemptService, log, cfg.AllowedOrigins),
		Assessment:    handler.NewAssessmentHandler(assessmentService, attemptService, log),
		Monitor:       handler.NewMonitorHandler(rdb, assessmentService, monitorService, log),
		System:        handler.NewSystemHandler(rdb, registry, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workers, _ := errgroup.WithContext(workerCtx)
	for _, w := range []interface{ Start(context.Context) }{
		worker.NewAutosaveWorker(pool, rdb, log),
		worker.NewViolationWorker(pool, rdb, log),
		worker.NewSubmissionWorker(pool, rdb, log),
	} {
		w := w
		workers.Go(func() error {
			w.Start(workerCtx)
			return nil
		})
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	// 10 stream connects per student per minute absorbs flaky networks.
	connectLimiter := middleware.NewRateLimiter(ctx, 10, time.Minute, clk)
	r := router.SetupRouter(authService, handlers, connectLimiter, cfg, log)

	var h http.Handler = r
	if cfg.TracingEnabled {
		h = otelhttp.NewHandler(r, "http.server")
	}

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           h,
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

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop session loops. Running attempts checkpoint; submitting ones finish
	// their submit first, which SubmitTimeout bounds.
	engineCancel()
	engineWaitCtx, engineWaitCancel := context.WithTimeout(context.Background(), cfg.Engine.SubmitTimeout+5*time.Second)
	defer engineWaitCancel()
	if err := registry.Wait(engineWaitCtx); err != nil {
		log.Warn().Err(err).Int("live_sessions", registry.Len()).Msg("Sessions did not stop in time")
	}

	// 3. Stop background workers; they drain their queues before returning.
	workerCancel()
	drained := make(chan struct{})
	go func() {
		_ = workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
