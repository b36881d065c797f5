package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/handler"
	"github.com/noah-isme/chatsync/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SyncHandler     *handler.SyncHandler
	StreamHandler   *handler.StreamHandler
	LanguageHandler *handler.LanguageHandler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))
	api.Get("/metrics", observability.MetricsHandler())

	if deps.SyncHandler != nil {
		deps.SyncHandler.Register(api)
	}
	if deps.StreamHandler != nil {
		deps.StreamHandler.Register(api)
	}
	if deps.LanguageHandler != nil {
		deps.LanguageHandler.Register(api)
	}
}
