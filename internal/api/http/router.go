package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-sync/internal/api/http/handlers"
	"github.com/spec-kit/ticket-sync/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Users          *handlers.UsersHandler
	Tickets        map[string]*handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes. Ticket routes are registered once per
// configured family under both the API prefix and the family root.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health", cfg.Health.Health)

	authGroup := app.Group("/api/auth")
	authGroup.Post("/register", cfg.Users.Register)
	authGroup.Post("/login", cfg.Users.Login)

	for family, handler := range cfg.Tickets {
		api := app.Group("/api/"+family, cfg.AuthMiddleware.Handle)
		api.Get("/", handler.List)
		api.Put("/:key", handler.Update)

		ops := app.Group("/"+family, cfg.AuthMiddleware.Handle)
		ops.Put("/:key/assumir", handler.Claim)
		ops.Put("/:key/liberar", handler.Release)
		ops.Put("/:key/finalizar", handler.Finish)
		ops.Put("/:key/cancelar", handler.Cancel)
		ops.Get("/:key/observacoes", handler.Notes)
		ops.Put("/:key/observacao", handler.Annotate)
		ops.Get("/sheet", handler.Sheet)
	}
}
