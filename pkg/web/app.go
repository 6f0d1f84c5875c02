package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp builds the admin fiber application around the handlers.
func NewApp(handlers *Handlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Fluxway Admin")
	})

	app.Get("/partitions/:partition/groups/:group/pending", handlers.GetPending)

	app.Get("/deadletter", handlers.GetDeadLetters)
	app.Post("/deadletter/:id/replay", handlers.ReplayDeadLetter)

	instances := app.Group("/instances")
	instances.Get("/", handlers.GetInstances)
	instances.Get("/:id", handlers.GetInstance)
	instances.Get("/:id/variables/:name/history", handlers.GetVariableHistory)
	instances.Post("/:id/cancel", handlers.CancelInstance)

	app.Get("/audit", handlers.GetAudit)

	return app
}
