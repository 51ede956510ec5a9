package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"gorm.io/gorm"
)

type RefreshTokenRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRefreshTokenRepository(db *gorm.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, now: utcNow}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

func (r *RefreshTokenRepository) FindActiveByToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	err := r.db.WithContext(ctx).
		Where("token = ? AND is_revoked = ? AND expires_at > ?", tokenHash, false, r.now()).
		First(&token).Error
	if err != nil {
		return nil, notFound(err, "failed to find refresh token")
	}
	return &token, nil
}

func (r *RefreshTokenRepository) FindByToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	var token models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ?", tokenHash).First(&token).Error; err != nil {
		return nil, notFound(err, "failed to find refresh token")
	}
	return &token, nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, tokenHash, ip string, replacedBy *string) (bool, error) {
	now := r.now()
	updates := map[string]interface{}{
		"is_revoked":    true,
		"revoked_at":    now,
		"revoked_by_ip": ip,
	}

	q := r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token = ? AND is_revoked = ?", tokenHash, false)
	if replacedBy != nil {
		updates["replaced_by_token"] = *replacedBy
		q = q.Where("expires_at > ?", now)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uint, ip string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", userID, false).
		Updates(map[string]interface{}{
			"is_revoked":    true,
			"revoked_at":    r.now(),
			"revoked_by_ip": ip,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, family, ip string) (int64, error) {
	if family == "" {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token_family = ? AND is_revoked = ?", family, false).
		Updates(map[string]interface{}{
			"is_revoked":    true,
			"revoked_at":    r.now(),
			"revoked_by_ip": ip,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *RefreshTokenRepository) ListActiveForUser(ctx context.Context, userID uint) ([]models.RefreshToken, error) {
	var tokens []models.RefreshToken
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_revoked = ? AND expires_at > ?", userID, false, r.now()).
		Order("created_at DESC").
		Find(&tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return tokens, nil
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().Add(-retention)
	result := r.db.WithContext(ctx).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", cutoff, cutoff).
		Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge refresh tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *RefreshTokenRepository) WithTx(ctx context.Context, fn func(store RefreshTokenStore) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&RefreshTokenRepository{db: tx, now: r.now})
	})
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
