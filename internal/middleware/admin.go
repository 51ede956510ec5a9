package middleware

import (
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/gofiber/fiber/v2"
)

// RequireRole lets the request through only when the token's role claim is
// one of roles. Must run after JWTProtected.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if _, err := UserID(c); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
				Error: true, Message: "Unauthorized",
			})
		}

		role := Role(c)
		if contains(roles, role) {
			return c.Next()
		}

		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
			Error: true, Message: "Admin access required",
		})
	}
}

func contains(list []string, val string) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}
	return false
}
