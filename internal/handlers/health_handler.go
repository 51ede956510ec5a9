package handlers

import (
	"context"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/gofiber/fiber/v2"
)

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

type HealthHandler struct {
	db    PingFunc
	redis PingFunc
}

// NewHealthHandler checks the database and, when redis is non-nil, Redis.
func NewHealthHandler(db, redis PingFunc) *HealthHandler {
	return &HealthHandler{db: db, redis: redis}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	resp := dto.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        "ok",
	}
	status := fiber.StatusOK

	if err := h.db(ctx); err != nil {
		resp.DB = "unhealthy"
		resp.Status = "degraded"
		status = fiber.StatusServiceUnavailable
	}
	if h.redis != nil {
		resp.Redis = "ok"
		if err := h.redis(ctx); err != nil {
			// Redis only backs throttling, which fails open.
			resp.Redis = "unhealthy"
		}
	}

	return c.Status(status).JSON(resp)
}
