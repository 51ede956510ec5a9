// Package repository declares the persistence contracts of the auth subsystem
// and their gorm implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// RefreshTokenStore persists refresh tokens. Tokens are addressed by the
// SHA-256 digest of the opaque value. Every call reads or writes the database;
// implementations must not cache token state.
type RefreshTokenStore interface {
	// Create inserts a new token row.
	Create(ctx context.Context, token *models.RefreshToken) error

	// FindActiveByToken returns the row only while it is active. Missing,
	// revoked and expired rows all yield ErrNotFound.
	FindActiveByToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// FindByToken returns the row in any state, or ErrNotFound.
	FindByToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// Revoke transitions one token from unrevoked to revoked in a single
	// conditional update and reports whether that transition happened. When
	// replacedBy is set the token must also be unexpired and the successor
	// digest is recorded.
	Revoke(ctx context.Context, tokenHash, ip string, replacedBy *string) (bool, error)

	// RevokeAllForUser revokes every unrevoked token of the user.
	RevokeAllForUser(ctx context.Context, userID uint, ip string) (int64, error)

	// RevokeFamily revokes every unrevoked token descended from one login.
	RevokeFamily(ctx context.Context, family, ip string) (int64, error)

	// ListActiveForUser returns the user's active tokens, newest first.
	ListActiveForUser(ctx context.Context, userID uint) ([]models.RefreshToken, error)

	// DeleteExpired purges rows that expired or were revoked before now-retention.
	DeleteExpired(ctx context.Context, retention time.Duration) (int64, error)

	// WithTx runs fn against a store bound to one transaction. The transaction
	// commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(store RefreshTokenStore) error) error
}

// UserStore is the slice of user persistence the auth services need.
type UserStore interface {
	FindByID(ctx context.Context, id uint) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByResetToken(ctx context.Context, tokenHash string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error

	// SetResetToken stores (or clears, with nil) the reset digest and its expiry.
	SetResetToken(ctx context.Context, userID uint, tokenHash *string, expiry *time.Time) error

	// ConsumeResetToken replaces the password and clears the reset fields, but
	// only while tokenHash is still the user's unexpired reset token.
	ConsumeResetToken(ctx context.Context, userID uint, tokenHash, passwordHash string) (bool, error)

	UpdatePassword(ctx context.Context, userID uint, passwordHash string) error
	TouchLogin(ctx context.Context, userID uint, at time.Time) error
}
