package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/incidentmap/pipeline/internal/api/handlers"
	"github.com/incidentmap/pipeline/internal/metrics"
	"github.com/incidentmap/pipeline/internal/orchestrator"
	"github.com/incidentmap/pipeline/internal/storage/sqlite"
	"github.com/incidentmap/pipeline/pkg/config"
)

// NewServer wires the operator API: run inspection, metrics and live
// progress over websocket.
func NewServer(cfg config.ServerConfig, store *sqlite.Client, hub *orchestrator.EventHub) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, OPTIONS",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.Handler())

	runsHandler := handlers.NewRunsHandler(store)
	progressHandler := handlers.NewProgressHandler(hub)

	api := app.Group("/api/v1")
	api.Get("/runs", runsHandler.ListRuns)
	api.Get("/runs/:id", runsHandler.GetRun)
	api.Get("/runs/:id/incidents", runsHandler.GetRunIncidents)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/progress", websocket.New(progressHandler.HandleConnection))

	return app
}

// Addr formats the listen address for a server config.
func Addr(cfg config.ServerConfig) string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
