package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/repository"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
	"github.com/google/uuid"
)

// ReuseEvent describes a replayed refresh token and the containment applied.
type ReuseEvent struct {
	UserID      uint
	TokenFamily string
	IP          string
	Revoked     int64
}

// SecurityReporter receives security incidents worth alerting on.
type SecurityReporter interface {
	TokenReuseDetected(ctx context.Context, event ReuseEvent)
}

type nopReporter struct{}

func (nopReporter) TokenReuseDetected(context.Context, ReuseEvent) {}

type AuthService struct {
	users    repository.UserStore
	tokens   repository.RefreshTokenStore
	issuer   *TokenIssuer
	hasher   *security.PasswordHasher
	reporter SecurityReporter
	rotation bool
	now      func() time.Time
}

func NewAuthService(
	users repository.UserStore,
	tokens repository.RefreshTokenStore,
	issuer *TokenIssuer,
	hasher *security.PasswordHasher,
	cfg *config.Config,
	reporter SecurityReporter,
) *AuthService {
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &AuthService{
		users:    users,
		tokens:   tokens,
		issuer:   issuer,
		hasher:   hasher,
		reporter: reporter,
		rotation: cfg.RefreshRotationEnabled,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *AuthService) Register(ctx context.Context, req *dto.RegisterRequest, ip string) (*dto.AuthResponse, error) {
	email := repository.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:    email,
		Name:     strings.TrimSpace(req.Name),
		Password: hash,
		Role:     models.RoleUser,
		Status:   models.UserStatusActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	slog.Info("user registered", "user_id", user.ID)
	return s.issuer.IssueAuthTokens(ctx, user, ip)
}

// Login verifies credentials and starts a new token family. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req *dto.LoginRequest, ip string) (*dto.AuthResponse, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.hasher.DummyVerify(req.Password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	ok, err := s.hasher.Verify(req.Password, user.Password)
	if err != nil {
		if errors.Is(err, security.ErrEmptyHash) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive() {
		return nil, ErrAccountInactive
	}

	resp, err := s.issuer.IssueAuthTokens(ctx, user, ip)
	if err != nil {
		return nil, err
	}

	if err := s.users.TouchLogin(ctx, user.ID, s.now()); err != nil {
		slog.Warn("failed to record last login", "user_id", user.ID, "error", err)
	}
	return resp, nil
}

// Refresh exchanges an active refresh token for a new access/refresh pair.
//
// A token that was already rotated away is treated as stolen: its whole family
// is revoked and ErrTokenReuseDetected is returned. The successor is created
// and the presented token revoked in one transaction, and the revoke is
// conditional, so a token can be rotated at most once.
func (s *AuthService) Refresh(ctx context.Context, presented, ip string) (*dto.AuthResponse, error) {
	if presented == "" {
		return nil, ErrInvalidRefreshToken
	}
	digest := security.HashToken(presented)

	current, err := s.tokens.FindActiveByToken(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.rejectInactive(ctx, digest, ip)
		}
		return nil, err
	}

	user, err := s.users.FindByID(ctx, current.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if !user.IsActive() {
		return nil, ErrAccountInactive
	}

	access, err := s.issuer.accessTokenFor(user)
	if err != nil {
		return nil, err
	}
	if !s.rotation {
		return s.issuer.authResponse(user, access, presented), nil
	}

	family := current.TokenFamily
	if family == "" {
		family = uuid.NewString()
	}

	var next string
	err = s.tokens.WithTx(ctx, func(tx repository.RefreshTokenStore) error {
		raw, record, err := s.issuer.issueRefreshToken(ctx, tx, user.ID, ip, family)
		if err != nil {
			return err
		}
		rotated, err := tx.Revoke(ctx, digest, ip, &record.Token)
		if err != nil {
			return err
		}
		if !rotated {
			return ErrInvalidRefreshToken
		}
		next = raw
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			slog.Info("refresh token rotation lost race", "user_id", user.ID, "ip", ip)
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return s.issuer.authResponse(user, access, next), nil
}

// rejectInactive classifies a token that failed the active lookup. Only a
// rotated-away token triggers family containment.
func (s *AuthService) rejectInactive(ctx context.Context, digest, ip string) error {
	stored, err := s.tokens.FindByToken(ctx, digest)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidRefreshToken
		}
		return err
	}

	if stored.State(s.now()) != models.TokenRotated {
		return ErrInvalidRefreshToken
	}

	var revoked int64
	if stored.TokenFamily != "" {
		revoked, err = s.tokens.RevokeFamily(ctx, stored.TokenFamily, ip)
	} else {
		revoked, err = s.tokens.RevokeAllForUser(ctx, stored.UserID, ip)
	}
	if err != nil {
		return fmt.Errorf("failed to revoke token family after reuse: %w", err)
	}

	event := ReuseEvent{UserID: stored.UserID, TokenFamily: stored.TokenFamily, IP: ip, Revoked: revoked}
	slog.Warn("refresh token reuse detected",
		"user_id", event.UserID,
		"token_family", event.TokenFamily,
		"ip", ip,
		"revoked", revoked,
	)
	s.reporter.TokenReuseDetected(ctx, event)
	return ErrTokenReuseDetected
}

// Logout revokes the presented token only. Unknown or already revoked tokens
// are not an error.
func (s *AuthService) Logout(ctx context.Context, presented, ip string) error {
	if presented == "" {
		return nil
	}
	if _, err := s.tokens.Revoke(ctx, security.HashToken(presented), ip, nil); err != nil {
		return err
	}
	return nil
}

// LogoutAll revokes every active refresh token of the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID uint, ip string) (int64, error) {
	n, err := s.tokens.RevokeAllForUser(ctx, userID, ip)
	if err != nil {
		return 0, err
	}
	slog.Info("all sessions revoked", "user_id", userID, "revoked", n)
	return n, nil
}

// ChangePassword replaces the password of an authenticated user and ends all
// of their sessions.
func (s *AuthService) ChangePassword(ctx context.Context, userID uint, req *dto.ChangePasswordRequest, ip string) error {
	if req.NewPassword != req.ConfirmPassword {
		return ErrPasswordMismatch
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	ok, err := s.hasher.Verify(req.CurrentPassword, user.Password)
	if err != nil && !errors.Is(err, security.ErrEmptyHash) {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	_, err = s.LogoutAll(ctx, user.ID, ip)
	return err
}

func (s *AuthService) Me(ctx context.Context, userID uint) (*dto.UserResponse, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	resp := toUserResponse(user)
	return &resp, nil
}

// Sessions lists the user's active refresh tokens without their values.
func (s *AuthService) Sessions(ctx context.Context, userID uint) ([]dto.SessionResponse, error) {
	tokens, err := s.tokens.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.SessionResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, dto.SessionResponse{
			ID:          t.ID,
			CreatedAt:   t.CreatedAt,
			CreatedByIP: t.CreatedByIP,
			ExpiresAt:   t.ExpiresAt,
		})
	}
	return out, nil
}
