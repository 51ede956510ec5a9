package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/services"
	"github.com/gofiber/fiber/v2"
)

// AuthService is the session API the handlers drive.
type AuthService interface {
	Register(ctx context.Context, req *dto.RegisterRequest, ip string) (*dto.AuthResponse, error)
	Login(ctx context.Context, req *dto.LoginRequest, ip string) (*dto.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken, ip string) (*dto.AuthResponse, error)
	Logout(ctx context.Context, refreshToken, ip string) error
	LogoutAll(ctx context.Context, userID uint, ip string) (int64, error)
	ChangePassword(ctx context.Context, userID uint, req *dto.ChangePasswordRequest, ip string) error
	Me(ctx context.Context, userID uint) (*dto.UserResponse, error)
	Sessions(ctx context.Context, userID uint) ([]dto.SessionResponse, error)
}

// PasswordResetService is the reset API the handlers drive.
type PasswordResetService interface {
	RequestReset(ctx context.Context, email, ip string) error
	ValidateResetToken(ctx context.Context, token string) (*models.User, error)
	ResetPassword(ctx context.Context, token, password, confirm, ip string) error
}

type AuthHandler struct {
	authService  AuthService
	resetService PasswordResetService
}

func NewAuthHandler(authService AuthService, resetService PasswordResetService) *AuthHandler {
	return &AuthHandler{authService: authService, resetService: resetService}
}

// Messages returned for token failures. Reuse and expiry read the same.
const (
	msgInvalidRefreshToken = "Invalid or expired refresh token"
	msgInvalidResetToken   = "Invalid or expired reset token"
	msgInternal            = "Internal server error"
	msgForgotPassword      = "If an account exists for that email, a reset link has been sent"
)

func errorJSON(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(dto.ErrorResponse{Error: true, Message: message})
}

func badBody(c *fiber.Ctx) error {
	return errorJSON(c, fiber.StatusBadRequest, "Invalid request body")
}

// authError maps service failures to responses. Anything unrecognised is
// logged and answered with a generic 500.
func authError(c *fiber.Ctx, action string, err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		return errorJSON(c, fiber.StatusUnauthorized, "Invalid email or password")
	case errors.Is(err, services.ErrInvalidRefreshToken), errors.Is(err, services.ErrTokenReuseDetected):
		return errorJSON(c, fiber.StatusUnauthorized, msgInvalidRefreshToken)
	case errors.Is(err, services.ErrAccountInactive):
		return errorJSON(c, fiber.StatusForbidden, "Account is inactive")
	case errors.Is(err, services.ErrInvalidResetToken):
		return errorJSON(c, fiber.StatusBadRequest, msgInvalidResetToken)
	case errors.Is(err, services.ErrPasswordMismatch),
		errors.Is(err, services.ErrWeakPassword),
		errors.Is(err, services.ErrInvalidEmail):
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrEmailTaken):
		return errorJSON(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, services.ErrUserNotFound):
		return errorJSON(c, fiber.StatusNotFound, "User not found")
	case errors.Is(err, services.ErrTooManyRequests):
		return errorJSON(c, fiber.StatusTooManyRequests, "Too many requests, try again later")
	}

	slog.Error("auth request failed",
		"action", action,
		"request_id", requestID(c),
		"ip", c.IP(),
		"error", err,
	)
	return errorJSON(c, fiber.StatusInternalServerError, msgInternal)
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	resp, err := h.authService.Register(middleware.RequestContext(c), &req, c.IP())
	if err != nil {
		return authError(c, "register", err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	resp, err := h.authService.Login(middleware.RequestContext(c), &req, c.IP())
	if err != nil {
		return authError(c, "login", err)
	}
	return c.JSON(resp)
}

func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req dto.RefreshRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	if req.RefreshToken == "" {
		return errorJSON(c, fiber.StatusUnauthorized, msgInvalidRefreshToken)
	}

	resp, err := h.authService.Refresh(middleware.RequestContext(c), req.RefreshToken, c.IP())
	if err != nil {
		return authError(c, "refresh", err)
	}
	return c.JSON(resp)
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var req dto.LogoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if err := h.authService.Logout(middleware.RequestContext(c), req.RefreshToken, c.IP()); err != nil {
		return authError(c, "logout", err)
	}
	return c.JSON(dto.MessageResponse{Message: "Logged out successfully"})
}

func (h *AuthHandler) LogoutAll(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
	}

	n, err := h.authService.LogoutAll(middleware.RequestContext(c), userID, c.IP())
	if err != nil {
		return authError(c, "logout_all", err)
	}
	return c.JSON(dto.RevokedResponse{Message: "All sessions revoked", Revoked: n})
}

func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
	}

	var req dto.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if err := h.authService.ChangePassword(middleware.RequestContext(c), userID, &req, c.IP()); err != nil {
		return authError(c, "change_password", err)
	}
	return c.JSON(dto.MessageResponse{Message: "Password changed, please log in again"})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
	}

	user, err := h.authService.Me(middleware.RequestContext(c), userID)
	if err != nil {
		return authError(c, "me", err)
	}
	return c.JSON(user)
}

func (h *AuthHandler) Sessions(c *fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return errorJSON(c, fiber.StatusUnauthorized, "Unauthorized")
	}

	sessions, err := h.authService.Sessions(middleware.RequestContext(c), userID)
	if err != nil {
		return authError(c, "sessions", err)
	}
	return c.JSON(sessions)
}

// ForgotPassword answers identically for known and unknown emails.
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req dto.ForgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if err := h.resetService.RequestReset(middleware.RequestContext(c), req.Email, c.IP()); err != nil {
		return authError(c, "forgot_password", err)
	}
	return c.JSON(dto.MessageResponse{Message: msgForgotPassword})
}

func (h *AuthHandler) ValidateResetToken(c *fiber.Ctx) error {
	_, err := h.resetService.ValidateResetToken(middleware.RequestContext(c), c.Params("token"))
	if err != nil {
		if errors.Is(err, services.ErrInvalidResetToken) {
			return c.JSON(dto.ValidateResetTokenResponse{Valid: false})
		}
		return authError(c, "validate_reset_token", err)
	}
	return c.JSON(dto.ValidateResetTokenResponse{Valid: true})
}

func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req dto.ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	err := h.resetService.ResetPassword(middleware.RequestContext(c), c.Params("token"), req.Password, req.ConfirmPassword, c.IP())
	if err != nil {
		return authError(c, "reset_password", err)
	}
	return c.JSON(dto.MessageResponse{Message: "Password has been reset"})
}

// RevokeUserSessions is the admin kill switch for another user's sessions.
func (h *AuthHandler) RevokeUserSessions(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid user id")
	}

	n, err := h.authService.LogoutAll(middleware.RequestContext(c), uint(id), c.IP())
	if err != nil {
		return authError(c, "admin_revoke_sessions", err)
	}
	adminID, _ := middleware.UserID(c)
	slog.Info("admin revoked user sessions", "admin_id", adminID, "user_id", id, "revoked", n)
	return c.JSON(dto.RevokedResponse{Message: "Sessions revoked", Revoked: n})
}
