package services

import "errors"

// Authentication-domain failures. Handlers map them to user-safe responses;
// anything else is treated as an internal error.
var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected")
	ErrAccountInactive     = errors.New("account is inactive")
	ErrInvalidResetToken   = errors.New("invalid or expired reset token")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrWeakPassword        = errors.New("password must be at least 8 characters")
	ErrInvalidEmail        = errors.New("a valid email is required")
	ErrEmailTaken          = errors.New("email already registered")
	ErrUserNotFound        = errors.New("user not found")
	ErrTooManyRequests     = errors.New("too many requests")
)

const minPasswordLength = 8

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrWeakPassword
	}
	return nil
}
