package routes

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

func ipLimiter(max int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:               max,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(dto.ErrorResponse{
				Error: true, Message: "Too many requests, try again later",
			})
		},
	})
}

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	healthHandler *handlers.HealthHandler,
) {
	api := app.Group("/api")

	// General API rate limiter: 60 req/min per IP
	api.Use(ipLimiter(60))

	api.Get("/health", healthHandler.Check)

	// Login is also served at the root of the API for older clients.
	api.Post("/login", ipLimiter(10), authHandler.Login)

	// Auth: public, stricter limit of 10 req/min per IP
	auth := api.Group("/auth")
	public := ipLimiter(10)
	auth.Post("/login", public, authHandler.Login)
	auth.Post("/register", public, authHandler.Register)
	auth.Post("/refresh-token", public, authHandler.Refresh)
	auth.Post("/refresh", public, authHandler.Refresh)
	auth.Post("/logout", public, authHandler.Logout)
	auth.Post("/forgot-password", public, authHandler.ForgotPassword)
	auth.Get("/reset-token/:token", public, authHandler.ValidateResetToken)
	auth.Post("/reset-password/:token", public, authHandler.ResetPassword)

	// Protected routes (JWT required), middleware applied per route so public
	// routes in the same group stay open.
	jwt := middleware.JWTProtected(cfg)
	auth.Post("/logout-all", jwt, authHandler.LogoutAll)
	auth.Post("/change-password", jwt, authHandler.ChangePassword)
	auth.Get("/me", jwt, authHandler.Me)
	auth.Get("/sessions", jwt, authHandler.Sessions)

	admin := api.Group("/admin", jwt, middleware.RequireRole(models.RoleAdmin))
	admin.Post("/users/:id/revoke-sessions", authHandler.RevokeUserSessions)
}
