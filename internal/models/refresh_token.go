package models

import (
	"time"
)

// TokenState classifies a stored refresh token at a given instant.
type TokenState int

const (
	TokenMissing TokenState = iota
	TokenActive
	// TokenRotated was revoked because a successor replaced it.
	TokenRotated
	// TokenRevoked was revoked by logout, password change or family containment.
	TokenRevoked
	// TokenExpired is not revoked but past its expiry.
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenActive:
		return "active"
	case TokenRotated:
		return "rotated"
	case TokenRevoked:
		return "revoked"
	case TokenExpired:
		return "expired"
	default:
		return "missing"
	}
}

// RefreshToken is one issued refresh credential. Token and ReplacedByToken hold
// SHA-256 hex digests of the opaque values handed to clients.
type RefreshToken struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Token           string     `gorm:"uniqueIndex;not null;size:64" json:"-"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	TokenFamily     string     `gorm:"size:36;index" json:"token_family"`
	ExpiresAt       time.Time  `gorm:"not null;index" json:"expires_at"`
	CreatedAt       time.Time  `json:"created_at"`
	CreatedByIP     string     `gorm:"size:64" json:"created_by_ip"`
	IsRevoked       bool       `gorm:"not null;default:false;index" json:"is_revoked"`
	RevokedAt       *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedByIP     string     `gorm:"size:64" json:"revoked_by_ip,omitempty"`
	ReplacedByToken *string    `gorm:"size:64" json:"-"`
	User            User       `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsActive holds iff the token is not revoked and expires after now.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}

func (t *RefreshToken) State(now time.Time) TokenState {
	if t == nil {
		return TokenMissing
	}
	switch {
	case t.IsRevoked && t.ReplacedByToken != nil:
		return TokenRotated
	case t.IsRevoked:
		return TokenRevoked
	case !t.ExpiresAt.After(now):
		return TokenExpired
	default:
		return TokenActive
	}
}
