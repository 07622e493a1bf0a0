package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"optimo-worker/internal/observability"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	app.Use(requestid.New())

	// CORS middleware: the UI and the controller call from other origins.
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	// Logging + metrics middleware. Polling endpoints are skipped so the UI
	// tailing /logs/live does not flood the very log it is reading.
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		path := c.Path()
		if path == "/logs/live" || path == "/metrics" {
			return err
		}

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("kind", "http"),
			zap.String("method", c.Method()),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		)

		if metrics != nil {
			route := c.Route().Path
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				route,
				fmt.Sprintf("%d", status),
			).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				route,
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})
}
