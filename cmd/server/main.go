package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/database"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/logging"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/maintenance"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/notify"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/observability"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/ratelimit"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/repository"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/routes"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/services"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	cfg := config.Load()

	// Structured logging (JSON to stdout)
	logging.Setup(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	dbLogHandler := logging.NewDBHandler(db)
	logging.Setup(cfg.LogLevel, dbLogHandler)

	// Redis is optional; without it reset requests are not throttled.
	var redisClient *redis.Client
	var resetLimiter services.RequestLimiter
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, reset throttling disabled", "error", err)
		} else {
			resetLimiter = ratelimit.New(redisClient, "bms:", cfg.ResetMaxRequests, cfg.ResetWindow)
		}
	}

	// Sentry error tracking
	sentryEnabled, err := observability.InitSentry(cfg)
	if err != nil {
		slog.Error("sentry init failed", "error", err)
	}

	// Stores and services
	users := repository.NewUserRepository(db)
	tokens := repository.NewRefreshTokenRepository(db)
	issuer, err := services.NewTokenIssuer(cfg, tokens)
	if err != nil {
		slog.Error("token issuer misconfigured", "error", err)
		os.Exit(1)
	}
	hasher := security.NewPasswordHasher(cfg.BcryptCost)
	authService := services.NewAuthService(users, tokens, issuer, hasher, cfg, observability.NewSentryReporter(nil))
	resetService := services.NewPasswordResetService(users, hasher, notify.FromConfig(cfg), authService, resetLimiter, cfg)

	// Refresh token and system log retention
	sweeper := maintenance.NewSweeper(cfg.CleanupInterval,
		maintenance.RefreshTokenJob(tokens, cfg.RefreshRetention),
		maintenance.SystemLogJob(db, cfg.LogRetention),
	)
	sweeper.Start(ctx)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, resetService)
	healthHandler := handlers.NewHealthHandler(
		func(ctx context.Context) error { return database.Ping(ctx, db) },
		redisPing(redisClient),
	)

	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	if sentryEnabled {
		app.Use(sentryfiber.New(sentryfiber.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${locals:requestid}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(middleware.SecurityHeaders())

	routes.Setup(app, cfg, authHandler, healthHandler)

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	if err := app.Shutdown(); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	sweeper.Wait()
	dbLogHandler.Stop()
	observability.Flush()

	shutdownClients(db, redisClient)
	slog.Info("server stopped")
}

func redisPing(client *redis.Client) handlers.PingFunc {
	if client == nil {
		return nil
	}
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}

func shutdownClients(db *gorm.DB, redisClient *redis.Client) {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := database.Close(db); err != nil {
		slog.Error("database close error", "error", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
