package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/dto"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@b.com"
	testPassword = "Secret123!"
	testIP       = "10.0.0.1"
)

func login(t *testing.T, env *testEnv) *dto.AuthResponse {
	t.Helper()
	resp, err := env.auth.Login(context.Background(), &dto.LoginRequest{Email: testEmail, Password: testPassword}, testIP)
	require.NoError(t, err)
	return resp
}

func TestLogin_IssuesTokenPair(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)

	resp := login(t, env)

	assert.NotEmpty(t, resp.AccessToken)
	assert.Len(t, resp.RefreshToken, 43)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, user.ID, resp.User.ID)

	row := env.tokens.get(t, resp.RefreshToken)
	assert.Equal(t, user.ID, row.UserID)
	assert.NotEmpty(t, row.TokenFamily)
	assert.False(t, row.IsRevoked)
	assert.Equal(t, testIP, row.CreatedByIP)
	assert.NotEqual(t, resp.RefreshToken, row.Token, "raw token must not be stored")

	claims, err := env.issuer.ParseAccessToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, testEmail, claims.Email)

	assert.NotNil(t, env.users.get(user.ID).LastLoginAt)
}

func TestLogin_EachLoginStartsNewFamily(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)

	first := env.tokens.get(t, login(t, env).RefreshToken)
	second := env.tokens.get(t, login(t, env).RefreshToken)

	assert.NotEqual(t, first.TokenFamily, second.TokenFamily)
}

func TestLogin_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	env.seedUser(t, "off@b.com", testPassword, models.UserStatusInactive)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     dto.LoginRequest
		wantErr error
	}{
		{name: "wrong password", req: dto.LoginRequest{Email: testEmail, Password: "Wrong123!"}, wantErr: ErrInvalidCredentials},
		{name: "unknown email", req: dto.LoginRequest{Email: "nobody@b.com", Password: testPassword}, wantErr: ErrInvalidCredentials},
		{name: "empty password", req: dto.LoginRequest{Email: testEmail}, wantErr: ErrInvalidCredentials},
		{name: "inactive account", req: dto.LoginRequest{Email: "off@b.com", Password: testPassword}, wantErr: ErrAccountInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Login(ctx, &tt.req, testIP)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, env.tokens.all())
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)

	_, err := env.auth.Login(context.Background(), &dto.LoginRequest{Email: "  A@B.COM ", Password: testPassword}, testIP)
	assert.NoError(t, err)
}

func TestRefresh_RotatesToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	original := login(t, env)
	rotated, err := env.auth.Refresh(ctx, original.RefreshToken, testIP)
	require.NoError(t, err)

	assert.NotEqual(t, original.RefreshToken, rotated.RefreshToken)
	assert.NotEmpty(t, rotated.AccessToken)

	old := env.tokens.get(t, original.RefreshToken)
	assert.True(t, old.IsRevoked)
	require.NotNil(t, old.ReplacedByToken)
	assert.Equal(t, security.HashToken(rotated.RefreshToken), *old.ReplacedByToken)
	assert.Equal(t, testIP, old.RevokedByIP)

	next := env.tokens.get(t, rotated.RefreshToken)
	assert.False(t, next.IsRevoked)
	assert.Equal(t, old.TokenFamily, next.TokenFamily)

	// presenting the rotated token again is reuse
	_, err = env.auth.Refresh(ctx, original.RefreshToken, testIP)
	assert.ErrorIs(t, err, ErrTokenReuseDetected)
}

func TestRefresh_ChainHasSingleActiveToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	current := login(t, env).RefreshToken
	issued := []string{current}
	for i := 0; i < 5; i++ {
		resp, err := env.auth.Refresh(ctx, current, testIP)
		require.NoError(t, err)
		current = resp.RefreshToken
		issued = append(issued, current)
	}

	family := env.tokens.get(t, issued[0]).TokenFamily
	active := 0
	for _, row := range env.tokens.all() {
		assert.Equal(t, family, row.TokenFamily)
		if row.IsActive(time.Now().UTC()) {
			active++
		}
	}
	assert.Equal(t, 1, active)

	for i := 0; i < len(issued)-1; i++ {
		row := env.tokens.get(t, issued[i])
		require.NotNil(t, row.ReplacedByToken)
		assert.Equal(t, security.HashToken(issued[i+1]), *row.ReplacedByToken)
	}
	assert.Nil(t, env.tokens.get(t, current).ReplacedByToken)
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	stolen := login(t, env).RefreshToken
	otherDevice := login(t, env).RefreshToken

	legit, err := env.auth.Refresh(ctx, stolen, testIP)
	require.NoError(t, err)

	_, err = env.auth.Refresh(ctx, stolen, "203.0.113.9")
	require.ErrorIs(t, err, ErrTokenReuseDetected)

	// the legitimate successor is gone too
	_, err = env.auth.Refresh(ctx, legit.RefreshToken, testIP)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.True(t, env.tokens.get(t, legit.RefreshToken).IsRevoked)

	// other families survive
	assert.False(t, env.tokens.get(t, otherDevice).IsRevoked)

	require.Equal(t, 1, env.reporter.count())
	event := env.reporter.events[0]
	assert.Equal(t, user.ID, event.UserID)
	assert.Equal(t, "203.0.113.9", event.IP)
	assert.Equal(t, int64(1), event.Revoked)
}

func TestRefresh_ReuseWithoutFamilyRevokesAllForUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	other := login(t, env).RefreshToken

	successor := "legacy-successor"
	now := time.Now().UTC()
	env.tokens.put(models.RefreshToken{
		Token:           security.HashToken("legacy-token"),
		UserID:          user.ID,
		ExpiresAt:       now.Add(time.Hour),
		IsRevoked:       true,
		RevokedAt:       &now,
		ReplacedByToken: &successor,
	})

	_, err := env.auth.Refresh(context.Background(), "legacy-token", testIP)
	require.ErrorIs(t, err, ErrTokenReuseDetected)
	assert.True(t, env.tokens.get(t, other).IsRevoked)
}

func TestRefresh_ReuseContainmentFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	original := login(t, env).RefreshToken
	_, err := env.auth.Refresh(ctx, original, testIP)
	require.NoError(t, err)

	env.tokens.revokeFamilyErr = errors.New("connection reset")
	_, err = env.auth.Refresh(ctx, original, testIP)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenReuseDetected)
	assert.Zero(t, env.reporter.count())
}

func TestRefresh_ConcurrentPresentationRotatesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	token := login(t, env).RefreshToken

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.auth.Refresh(context.Background(), token, testIP)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, err := range failures {
		assert.True(t,
			errors.Is(err, ErrInvalidRefreshToken) || errors.Is(err, ErrTokenReuseDetected),
			"unexpected error: %v", err)
	}

	// no orphaned successors: the original plus exactly one replacement
	assert.Len(t, env.tokens.all(), 2)
}

func TestRefresh_InactiveTokens(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	env.tokens.put(models.RefreshToken{
		Token:       security.HashToken("expired-token"),
		UserID:      user.ID,
		TokenFamily: "fam-expired",
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	})
	loggedOut := login(t, env).RefreshToken
	require.NoError(t, env.auth.Logout(ctx, loggedOut, testIP))

	tests := []struct {
		name  string
		token string
	}{
		{name: "unknown", token: "never-issued"},
		{name: "empty", token: ""},
		{name: "expired", token: "expired-token"},
		{name: "logged out", token: loggedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.auth.Refresh(ctx, tt.token, testIP)
			assert.ErrorIs(t, err, ErrInvalidRefreshToken)
		})
	}
	assert.Zero(t, env.reporter.count(), "plain revocation is not reuse")
}

func TestRefresh_InactiveUser(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	token := login(t, env).RefreshToken

	env.users.setStatus(user.ID, models.UserStatusInactive)

	_, err := env.auth.Refresh(context.Background(), token, testIP)
	assert.ErrorIs(t, err, ErrAccountInactive)
	assert.False(t, env.tokens.get(t, token).IsRevoked)
}

func TestRefresh_RotationDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.RefreshRotationEnabled = false })
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	token := login(t, env).RefreshToken

	resp, err := env.auth.Refresh(context.Background(), token, testIP)
	require.NoError(t, err)

	assert.Equal(t, token, resp.RefreshToken)
	assert.NotEmpty(t, resp.AccessToken)
	assert.False(t, env.tokens.get(t, token).IsRevoked)
	assert.Len(t, env.tokens.all(), 1)
}

func TestRefresh_TokenWithoutFamilyGetsOne(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	env.tokens.put(models.RefreshToken{
		Token:     security.HashToken("legacy-token"),
		UserID:    user.ID,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	})

	resp, err := env.auth.Refresh(context.Background(), "legacy-token", testIP)
	require.NoError(t, err)
	assert.NotEmpty(t, env.tokens.get(t, resp.RefreshToken).TokenFamily)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	first := login(t, env).RefreshToken
	second := login(t, env).RefreshToken

	require.NoError(t, env.auth.Logout(ctx, first, testIP))
	require.NoError(t, env.auth.Logout(ctx, first, testIP), "logout is idempotent")
	require.NoError(t, env.auth.Logout(ctx, "never-issued", testIP))

	assert.True(t, env.tokens.get(t, first).IsRevoked)
	assert.Nil(t, env.tokens.get(t, first).ReplacedByToken)
	assert.False(t, env.tokens.get(t, second).IsRevoked)
}

func TestLogoutAll(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	login(t, env)
	login(t, env)
	login(t, env)

	n, err := env.auth.LogoutAll(ctx, user.ID, testIP)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	sessions, err := env.auth.Sessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	n, err = env.auth.LogoutAll(ctx, user.ID, testIP)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()
	session := login(t, env).RefreshToken

	err := env.auth.ChangePassword(ctx, user.ID, &dto.ChangePasswordRequest{
		CurrentPassword: "Wrong123!", NewPassword: "NewSecret1!", ConfirmPassword: "NewSecret1!",
	}, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = env.auth.ChangePassword(ctx, user.ID, &dto.ChangePasswordRequest{
		CurrentPassword: testPassword, NewPassword: "NewSecret1!", ConfirmPassword: "Different1!",
	}, testIP)
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	err = env.auth.ChangePassword(ctx, user.ID, &dto.ChangePasswordRequest{
		CurrentPassword: testPassword, NewPassword: "short", ConfirmPassword: "short",
	}, testIP)
	assert.ErrorIs(t, err, ErrWeakPassword)

	err = env.auth.ChangePassword(ctx, user.ID, &dto.ChangePasswordRequest{
		CurrentPassword: testPassword, NewPassword: "NewSecret1!", ConfirmPassword: "NewSecret1!",
	}, testIP)
	require.NoError(t, err)

	assert.True(t, env.tokens.get(t, session).IsRevoked)

	_, err = env.auth.Login(ctx, &dto.LoginRequest{Email: testEmail, Password: testPassword}, testIP)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.auth.Login(ctx, &dto.LoginRequest{Email: testEmail, Password: "NewSecret1!"}, testIP)
	assert.NoError(t, err)
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp, err := env.auth.Register(ctx, &dto.RegisterRequest{Email: " New@B.com", Password: testPassword, Name: " Ada "}, testIP)
	require.NoError(t, err)
	assert.Equal(t, "new@b.com", resp.User.Email)
	assert.Equal(t, "Ada", resp.User.Name)
	assert.Equal(t, models.RoleUser, resp.User.Role)
	assert.NotEmpty(t, resp.RefreshToken)

	stored := env.users.get(resp.User.ID)
	assert.NotEqual(t, testPassword, stored.Password)

	_, err = env.auth.Register(ctx, &dto.RegisterRequest{Email: "new@b.com", Password: testPassword}, testIP)
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = env.auth.Register(ctx, &dto.RegisterRequest{Email: "not-an-email", Password: testPassword}, testIP)
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = env.auth.Register(ctx, &dto.RegisterRequest{Email: "x@b.com", Password: "short"}, testIP)
	assert.ErrorIs(t, err, ErrWeakPassword)
}

func TestMeAndSessions(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, testEmail, testPassword, models.UserStatusActive)
	ctx := context.Background()

	me, err := env.auth.Me(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, testEmail, me.Email)

	_, err = env.auth.Me(ctx, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)

	login(t, env)
	login(t, env)
	sessions, err := env.auth.Sessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, testIP, sessions[0].CreatedByIP)
}
