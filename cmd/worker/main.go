package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"optimo-worker/internal/api"
	"optimo-worker/internal/compile"
	"optimo-worker/internal/config"
	"optimo-worker/internal/ctrader"
	"optimo-worker/internal/logbuf"
	"optimo-worker/internal/notify"
	"optimo-worker/internal/observability"
	"optimo-worker/internal/parallel"
	"optimo-worker/internal/run"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logs := logbuf.New(cfg.LogMaxLines)
	logger := observability.MirrorToBuffer(observability.GetLoggerFromEnv(cfg.LogLevel), logs)
	defer logger.Sync()

	if err := os.MkdirAll(cfg.WorkerRoot, 0o755); err != nil {
		log.Fatalf("Failed to create worker root %s: %v", cfg.WorkerRoot, err)
	}

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		shutdownOtel, err := observability.SetupOpenTelemetry("optimo-worker", serviceVersion, logger)
		if err != nil {
			logger.Warn("OpenTelemetry setup failed", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	policy := parallel.New(runtime.NumCPU(), cfg.CPUTargetPercent, cfg.ParallelPerCore, cfg.ExplicitParallel())
	manager := run.NewManager(cfg, policy, logger, metrics)
	compiler := &compile.Service{
		CLIPath:    cfg.CLIPath,
		WorkerRoot: cfg.WorkerRoot,
		Logger:     logger,
		Metrics:    metrics,
	}
	ctraderSvc := &ctrader.Service{
		CLIPath:    cfg.CLIPath,
		WorkerRoot: cfg.WorkerRoot,
		Logger:     logger,
	}
	handlers := api.NewHandlers(logger, cfg, manager, compiler, ctraderSvc, logs)

	app := fiber.New(fiber.Config{
		AppName:               "optimo-worker",
		DisableStartupMessage: true,
		BodyLimit:             256 * 1024 * 1024, // algo and source archives arrive inline as base64
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.String("kind", "http"), zap.Error(err))
			return c.Status(500).JSON(fiber.Map{"error": "internal error"})
		},
	})
	api.SetupRoutes(app, logger, metrics, handlers)

	addr := cfg.BindHost() + ":" + cfg.BindPort()
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	cliMode := "external"
	if cfg.CustomCLIPatched {
		cliMode = "patched_host"
	}
	snap := policy.Snapshot()
	logger.Info(
		fmt.Sprintf("Worker server running at %s (max_parallel=%d, target=%d%%, cli_mode=%s)",
			addr, snap.MaxParallel, snap.CPUTargetPercent, cliMode),
		zap.String("kind", "startup"),
		zap.String("addr", addr),
		zap.Int("max_parallel", snap.MaxParallel),
		zap.Int("cpu_cores", snap.CPUCores),
		zap.Int("cpu_target_percent", snap.CPUTargetPercent),
		zap.Int("parallel_per_core", snap.ParallelPerCore),
		zap.String("cli_mode", cliMode),
		zap.Int("callback_batch_size", cfg.CallbackBatchSize),
		zap.Duration("callback_batch_flush", cfg.CallbackBatchFlush),
	)

	go notify.New(cfg, logger).AnnounceStartup(snap)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...", zap.String("kind", "startup"))
	manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("Worker stopped", zap.String("kind", "startup"))
}
