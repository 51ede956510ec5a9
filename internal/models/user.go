package models

import (
	"time"
)

// Account states. Only active users may log in or refresh.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusDeleted  = "deleted"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type User struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Email            string     `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Name             string     `gorm:"size:255" json:"name"`
	Password         string     `gorm:"not null" json:"-"`
	Role             string     `gorm:"size:20;default:'user'" json:"role"`
	Status           string     `gorm:"size:20;default:'active';index" json:"status"`
	ResetToken       *string    `gorm:"size:64;uniqueIndex" json:"-"`
	ResetTokenExpiry *time.Time `json:"-"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// ResetTokenValid reports whether a reset token is set and still inside its window.
func (u *User) ResetTokenValid(now time.Time) bool {
	return u.ResetToken != nil && u.ResetTokenExpiry != nil && u.ResetTokenExpiry.After(now)
}
