package middleware

import (
	"context"
	"errors"
	"strconv"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/services"
	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingClaims = errors.New("missing or invalid token claims")

// JWTProtected accepts only HS256 access tokens carrying an expiry and the
// configured issuer. Parsed claims are stored as *services.AccessClaims.
func JWTProtected(cfg *config.Config) fiber.Handler {
	rules := jwt.NewValidator(services.AccessTokenRules(cfg.JWTIssuer)...)
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{JWTAlg: jwtware.HS256, Key: []byte(cfg.JWTSecret)},
		Claims:     &services.AccessClaims{},
		SuccessHandler: func(c *fiber.Ctx) error {
			ac, err := claims(c)
			if err != nil {
				return unauthorized(c)
			}
			if err := rules.Validate(ac); err != nil {
				return unauthorized(c)
			}
			return c.Next()
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return unauthorized(c)
		},
	})
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
		Error:   true,
		Message: "Unauthorized: invalid or expired token",
	})
}

func claims(c *fiber.Ctx) (*services.AccessClaims, error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, ErrMissingClaims
	}
	ac, ok := token.Claims.(*services.AccessClaims)
	if !ok || ac == nil {
		return nil, ErrMissingClaims
	}
	return ac, nil
}

// UserID reads the authenticated user's id from the token subject.
func UserID(c *fiber.Ctx) (uint, error) {
	ac, err := claims(c)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(ac.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrMissingClaims
	}
	return uint(id), nil
}

// Role returns the role claim, or "" when absent.
func Role(c *fiber.Ctx) string {
	ac, err := claims(c)
	if err != nil {
		return ""
	}
	return ac.Role
}

// RequestContext is the request's context carrying the per-request Sentry hub.
func RequestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if hub := sentryfiber.GetHubFromContext(c); hub != nil {
		ctx = sentry.SetHubOnContext(ctx, hub)
	}
	return ctx
}
