package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/repository"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the payload of an access token. The subject carries the
// user id as a decimal string.
type AccessClaims struct {
	UserID uint   `json:"uid"`
	Role   string `json:"role"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Validate runs during parsing, after the registered claims are checked. The
// subject must be the decimal form of a non-zero user id.
func (c *AccessClaims) Validate() error {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return errors.New("access token subject is not a user id")
	}
	if c.UserID != 0 && uint64(c.UserID) != id {
		return errors.New("access token subject does not match uid")
	}
	return nil
}

// NewAccessClaims builds claims for user, rejecting users without id or email.
func NewAccessClaims(user *models.User) (*AccessClaims, error) {
	if user == nil || user.ID == 0 {
		return nil, errors.New("access claims require a user id")
	}
	if strings.TrimSpace(user.Email) == "" {
		return nil, errors.New("access claims require an email")
	}
	return &AccessClaims{
		UserID: user.ID,
		Role:   user.Role,
		Email:  user.Email,
		Name:   user.Name,
	}, nil
}

// TokenIssuer mints signed access tokens and persisted opaque refresh tokens.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	tokens     repository.RefreshTokenStore
	now        func() time.Time
}

// AccessTokenRules are the parser options every access token must satisfy:
// HS256 only, a mandatory expiry, and the configured issuer.
func AccessTokenRules(issuer string) []jwt.ParserOption {
	return []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
	}
}

// NewTokenIssuer fails with config.ErrConfiguration when no signing secret
// or issuer is set.
func NewTokenIssuer(cfg *config.Config, tokens repository.RefreshTokenStore) (*TokenIssuer, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("%w: JWT secret is not set", config.ErrConfiguration)
	}
	if strings.TrimSpace(cfg.JWTIssuer) == "" {
		return nil, fmt.Errorf("%w: JWT issuer is not set", config.ErrConfiguration)
	}
	return &TokenIssuer{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		accessTTL:  cfg.JWTAccessExpiry,
		refreshTTL: cfg.JWTRefreshExpiry,
		tokens:     tokens,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// IssueAccessToken signs claims with HS256; issued-at and expiry are stamped here.
func (i *TokenIssuer) IssueAccessToken(claims *AccessClaims) (string, error) {
	now := i.now()
	signed := *claims
	signed.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(claims.UserID), 10),
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, signed).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// ParseAccessToken verifies signature, algorithm, expiry and issuer.
func (i *TokenIssuer) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	opts := append(AccessTokenRules(i.issuer), jwt.WithTimeFunc(i.now))
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid access token")
	}
	return claims, nil
}

// IssueRefreshToken persists a new active refresh token and returns the raw
// value for the client. An empty family starts a new one.
func (i *TokenIssuer) IssueRefreshToken(ctx context.Context, userID uint, ip, family string) (string, *models.RefreshToken, error) {
	return i.issueRefreshToken(ctx, i.tokens, userID, ip, family)
}

func (i *TokenIssuer) issueRefreshToken(ctx context.Context, store repository.RefreshTokenStore, userID uint, ip, family string) (string, *models.RefreshToken, error) {
	raw, err := security.RandomToken(security.RefreshTokenBytes)
	if err != nil {
		return "", nil, err
	}
	if family == "" {
		family = uuid.NewString()
	}

	now := i.now()
	record := &models.RefreshToken{
		Token:       security.HashToken(raw),
		UserID:      userID,
		TokenFamily: family,
		ExpiresAt:   now.Add(i.refreshTTL),
		CreatedAt:   now,
		CreatedByIP: ip,
	}
	if err := store.Create(ctx, record); err != nil {
		return "", nil, err
	}
	return raw, record, nil
}

// IssueAuthTokens is the login composition: a fresh access token plus the
// first refresh token of a new family.
func (i *TokenIssuer) IssueAuthTokens(ctx context.Context, user *models.User, ip string) (*dto.AuthResponse, error) {
	access, err := i.accessTokenFor(user)
	if err != nil {
		return nil, err
	}
	refresh, _, err := i.IssueRefreshToken(ctx, user.ID, ip, "")
	if err != nil {
		return nil, err
	}
	return i.authResponse(user, access, refresh), nil
}

func (i *TokenIssuer) accessTokenFor(user *models.User) (string, error) {
	claims, err := NewAccessClaims(user)
	if err != nil {
		return "", err
	}
	return i.IssueAccessToken(claims)
}

func (i *TokenIssuer) authResponse(user *models.User, access, refresh string) *dto.AuthResponse {
	return &dto.AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.accessTTL.Seconds()),
		User:         toUserResponse(user),
	}
}

func toUserResponse(user *models.User) dto.UserResponse {
	return dto.UserResponse{
		ID:     user.ID,
		Email:  user.Email,
		Name:   user.Name,
		Role:   user.Role,
		Status: user.Status,
	}
}
