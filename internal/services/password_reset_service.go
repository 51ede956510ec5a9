package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/repository"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
)

// ResetNotifier delivers a reset token to the account owner.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error
}

// RequestLimiter throttles by key; Allow returns false once the key is over
// budget and Reset clears the key's counter.
type RequestLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

const revokeAttempts = 3

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	LogoutAll(ctx context.Context, userID uint, ip string) (int64, error)
}

type PasswordResetService struct {
	users    repository.UserStore
	hasher   *security.PasswordHasher
	notifier ResetNotifier
	sessions SessionRevoker
	limiter  RequestLimiter
	ttl      time.Duration
	now      func() time.Time
	backoff  time.Duration
}

// NewPasswordResetService wires the reset flow. limiter may be nil.
func NewPasswordResetService(
	users repository.UserStore,
	hasher *security.PasswordHasher,
	notifier ResetNotifier,
	sessions SessionRevoker,
	limiter RequestLimiter,
	cfg *config.Config,
) *PasswordResetService {
	return &PasswordResetService{
		users:    users,
		hasher:   hasher,
		notifier: notifier,
		sessions: sessions,
		limiter:  limiter,
		ttl:      cfg.ResetTokenExpiry,
		now:      func() time.Time { return time.Now().UTC() },
		backoff:  100 * time.Millisecond,
	}
}

// RequestReset issues a reset token for an existing active account. The result
// is the same whether or not the email is registered; only throttling and
// storage failures surface as errors.
func (s *PasswordResetService) RequestReset(ctx context.Context, email, ip string) error {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return nil
	}
	keys := []string{"reset:email:" + email}
	if ip != "" {
		keys = append(keys, "reset:ip:"+ip)
	}
	if err := s.throttle(ctx, keys...); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive() {
		return nil
	}

	raw, err := security.RandomToken(security.RefreshTokenBytes)
	if err != nil {
		return err
	}
	digest := security.HashToken(raw)
	expiry := s.now().Add(s.ttl)
	if err := s.users.SetResetToken(ctx, user.ID, &digest, &expiry); err != nil {
		return err
	}

	if err := s.notifier.SendPasswordReset(ctx, user, raw, expiry); err != nil {
		slog.Error("failed to deliver password reset", "user_id", user.ID, "error", err)
	}
	return nil
}

// ValidateResetToken returns the owner of an unexpired reset token.
func (s *PasswordResetService) ValidateResetToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrInvalidResetToken
	}
	user, err := s.users.FindByResetToken(ctx, security.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidResetToken
		}
		return nil, err
	}
	if !user.ResetTokenValid(s.now()) {
		return nil, ErrInvalidResetToken
	}
	return user, nil
}

// ResetPassword sets a new password using a reset token. The token is single
// use, and every existing session of the user is revoked.
func (s *PasswordResetService) ResetPassword(ctx context.Context, token, password, confirm, ip string) error {
	if password != confirm {
		return ErrPasswordMismatch
	}
	if err := validatePassword(password); err != nil {
		return err
	}

	user, err := s.ValidateResetToken(ctx, token)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	consumed, err := s.users.ConsumeResetToken(ctx, user.ID, security.HashToken(token), hash)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrInvalidResetToken
	}

	if err := s.revokeSessions(ctx, user.ID, ip); err != nil {
		slog.Error("password reset but session revocation failed", "user_id", user.ID, "error", err)
		return err
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, "reset:email:"+repository.NormalizeEmail(user.Email)); err != nil {
			slog.Warn("failed to clear reset throttle", "user_id", user.ID, "error", err)
		}
	}
	slog.Info("password reset completed", "user_id", user.ID)
	return nil
}

// revokeSessions runs after the password is already changed, so it is
// retried and does not stop when the caller goes away.
func (s *PasswordResetService) revokeSessions(ctx context.Context, userID uint, ip string) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= revokeAttempts; attempt++ {
		if _, err = s.sessions.LogoutAll(ctx, userID, ip); err == nil {
			return nil
		}
		slog.Warn("session revocation failed", "user_id", userID, "attempt", attempt, "error", err)
		if attempt < revokeAttempts {
			time.Sleep(time.Duration(attempt) * s.backoff)
		}
	}
	return err
}

func (s *PasswordResetService) throttle(ctx context.Context, keys ...string) error {
	if s.limiter == nil {
		return nil
	}
	for _, key := range keys {
		ok, err := s.limiter.Allow(ctx, key)
		if err != nil {
			slog.Warn("reset throttle unavailable", "error", err)
			return nil
		}
		if !ok {
			return ErrTooManyRequests
		}
	}
	return nil
}
