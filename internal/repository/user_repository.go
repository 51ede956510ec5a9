package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"gorm.io/gorm"
)

type UserRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db, now: utcNow}
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *UserRepository) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to find user")
	}
	return &user, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, notFound(err, "failed to find user")
	}
	return &user, nil
}

func (r *UserRepository) FindByResetToken(ctx context.Context, tokenHash string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("reset_token = ?", tokenHash).First(&user).Error; err != nil {
		return nil, notFound(err, "failed to find user")
	}
	return &user, nil
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	user.Email = NormalizeEmail(user.Email)
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) SetResetToken(ctx context.Context, userID uint, tokenHash *string, expiry *time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"reset_token":        tokenHash,
			"reset_token_expiry": expiry,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}
	return nil
}

func (r *UserRepository) ConsumeResetToken(ctx context.Context, userID uint, tokenHash, passwordHash string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND reset_token = ? AND reset_token_expiry > ?", userID, tokenHash, r.now()).
		Updates(map[string]interface{}{
			"password":           passwordHash,
			"reset_token":        nil,
			"reset_token_expiry": nil,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to reset password: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *UserRepository) UpdatePassword(ctx context.Context, userID uint, passwordHash string) error {
	result := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"password":           passwordHash,
			"reset_token":        nil,
			"reset_token_expiry": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) TouchLogin(ctx context.Context, userID uint, at time.Time) error {
	if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("last_login_at", at).Error; err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}
