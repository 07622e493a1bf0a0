// Package api exposes the worker's HTTP surface: run lifecycle, results,
// parallelism settings, live logs, compile, and cTrader info endpoints.
package api

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"optimo-worker/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
) {
	// Set up middleware
	SetupMiddleware(app, logger, metrics)

	// Health endpoints
	app.Get("/", handlers.Root)
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	// API documentation endpoint
	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "Optimo Backtest Worker API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"health":   "GET /healthz - Health check",
				"ready":    "GET /readyz - Readiness check",
				"status":   "GET /status - Worker counters and parallelism",
				"start":    "POST /run/start - Begin a run",
				"assign":   "POST /run/{run_id}/assign - Enqueue passes",
				"results":  "GET /run/{run_id}/results?limit=&include_artifacts= - Snapshot results",
				"stop":     "POST /run/{run_id}/stop - Stop and drain a run",
				"unlock":   "POST /unlock - Stop the current run if any",
				"settings": "PUT /settings/parallel - Reconfigure parallelism",
				"logs":     "GET /logs/live?since_id=&limit= - Tail worker logs",
				"compile":  "POST /compile - Compile a robot source archive",
				"accounts": "POST /ctrader/accounts - List trading accounts",
				"symbols":  "POST /ctrader/symbols - List account symbols",
			},
			"example_start": fiber.Map{
				"method": "POST",
				"url":    "/run/start",
				"body": fiber.Map{
					"symbol": "EURUSD", "period": "h1",
					"start": "2024-01-01", "end": "2024-02-01",
					"data_mode": "m1", "ctid": "1234567", "account": "9001",
					"pwd_b64": "...", "algo_b64": "...",
				},
			},
		})
	})

	// Prometheus metrics
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	// Run lifecycle
	app.Post("/run/start", handlers.StartRun)
	app.Post("/run/:run_id/assign", handlers.AssignPasses)
	app.Get("/run/:run_id/results", handlers.GetResults)
	app.Post("/run/:run_id/stop", handlers.StopRun)
	app.Post("/run/:run_id/unlock", handlers.UnlockRun)
	app.Post("/unlock", handlers.UnlockCurrent)

	// Worker status and settings
	app.Get("/status", handlers.GetStatus)
	app.Put("/settings/parallel", handlers.UpdateParallelSettings)
	app.Put("/api/settings/parallel", handlers.UpdateParallelSettings)

	// Live logs for the UI
	app.Get("/logs/live", handlers.LiveLogs)

	// Compile and cTrader info (refused while a run is busy)
	app.Post("/compile", handlers.CompileSource)
	app.Post("/ctrader/accounts", handlers.CtraderAccounts)
	app.Post("/api/ctrader/accounts", handlers.CtraderAccounts)
	app.Post("/ctrader/symbols", handlers.CtraderSymbols)
	app.Post("/api/ctrader/symbols", handlers.CtraderSymbols)
}
