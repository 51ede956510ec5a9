package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/repository"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/security"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- refresh token store ---

type fakeTokenStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	nextID uint
	rows   map[string]*models.RefreshToken

	revokeFamilyErr error
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{rows: make(map[string]*models.RefreshToken)}
}

func (f *fakeTokenStore) now() time.Time { return time.Now().UTC() }

func (f *fakeTokenStore) Create(_ context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[token.Token]; ok {
		return errors.New("duplicate token")
	}
	f.nextID++
	token.ID = f.nextID
	row := *token
	f.rows[token.Token] = &row
	return nil
}

func (f *fakeTokenStore) FindActiveByToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[tokenHash]
	if !ok || !row.IsActive(f.now()) {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeTokenStore) FindByToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeTokenStore) Revoke(_ context.Context, tokenHash, ip string, replacedBy *string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	row, ok := f.rows[tokenHash]
	if !ok || row.IsRevoked {
		return false, nil
	}
	if replacedBy != nil && !row.ExpiresAt.After(now) {
		return false, nil
	}
	f.revoke(row, ip, now)
	if replacedBy != nil {
		next := *replacedBy
		row.ReplacedByToken = &next
	}
	return true, nil
}

func (f *fakeTokenStore) RevokeAllForUser(_ context.Context, userID uint, ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.UserID == userID && !row.IsRevoked {
			f.revoke(row, ip, f.now())
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenStore) RevokeFamily(_ context.Context, family, ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeFamilyErr != nil {
		return 0, f.revokeFamilyErr
	}
	var n int64
	for _, row := range f.rows {
		if family != "" && row.TokenFamily == family && !row.IsRevoked {
			f.revoke(row, ip, f.now())
			n++
		}
	}
	return n, nil
}

func (f *fakeTokenStore) ListActiveForUser(_ context.Context, userID uint) ([]models.RefreshToken, error) {
	var out []models.RefreshToken
	for _, row := range f.all() {
		if row.UserID == userID && row.IsActive(f.now()) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeTokenStore) DeleteExpired(_ context.Context, retention time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-retention)
	var n int64
	for k, row := range f.rows {
		if row.ExpiresAt.Before(cutoff) || (row.RevokedAt != nil && row.RevokedAt.Before(cutoff)) {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

// WithTx serialises transactions and drops rows created by a failed one.
func (f *fakeTokenStore) WithTx(ctx context.Context, fn func(store repository.RefreshTokenStore) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	tx := &fakeTokenTx{fakeTokenStore: f}
	if err := fn(tx); err != nil {
		f.mu.Lock()
		for _, digest := range tx.created {
			delete(f.rows, digest)
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeTokenStore) revoke(row *models.RefreshToken, ip string, now time.Time) {
	row.IsRevoked = true
	row.RevokedAt = &now
	row.RevokedByIP = ip
}

// all returns copies of every row ordered by id.
func (f *fakeTokenStore) all() []models.RefreshToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RefreshToken, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeTokenStore) get(t *testing.T, raw string) models.RefreshToken {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[security.HashToken(raw)]
	require.True(t, ok, "token row not found")
	return *row
}

func (f *fakeTokenStore) put(row models.RefreshToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	row.ID = f.nextID
	f.rows[row.Token] = &row
}

type fakeTokenTx struct {
	*fakeTokenStore
	created []string
}

func (tx *fakeTokenTx) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := tx.fakeTokenStore.Create(ctx, token); err != nil {
		return err
	}
	tx.created = append(tx.created, token.Token)
	return nil
}

// --- user store ---

type fakeUserStore struct {
	mu     sync.Mutex
	nextID uint
	users  map[uint]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[uint]*models.User)}
}

func (f *fakeUserStore) FindByID(_ context.Context, id uint) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUserStore) FindByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = repository.NormalizeEmail(email)
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserStore) FindByResetToken(_ context.Context, tokenHash string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ResetToken != nil && *u.ResetToken == tokenHash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserStore) Create(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user.Email = repository.NormalizeEmail(user.Email)
	for _, u := range f.users {
		if u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	f.nextID++
	user.ID = f.nextID
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeUserStore) SetResetToken(_ context.Context, userID uint, tokenHash *string, expiry *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.ResetToken = tokenHash
	u.ResetTokenExpiry = expiry
	return nil
}

func (f *fakeUserStore) ConsumeResetToken(_ context.Context, userID uint, tokenHash, passwordHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok || u.ResetToken == nil || *u.ResetToken != tokenHash || !u.ResetTokenValid(time.Now().UTC()) {
		return false, nil
	}
	u.Password = passwordHash
	u.ResetToken = nil
	u.ResetTokenExpiry = nil
	return true, nil
}

func (f *fakeUserStore) UpdatePassword(_ context.Context, userID uint, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.Password = passwordHash
	u.ResetToken = nil
	u.ResetTokenExpiry = nil
	return nil
}

func (f *fakeUserStore) TouchLogin(_ context.Context, userID uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (f *fakeUserStore) get(id uint) models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

func (f *fakeUserStore) setStatus(id uint, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].Status = status
}

func (f *fakeUserStore) setResetExpiry(id uint, expiry time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].ResetTokenExpiry = &expiry
}

// --- collaborators ---

type recordingReporter struct {
	mu     sync.Mutex
	events []ReuseEvent
}

func (r *recordingReporter) TokenReuseDetected(_ context.Context, event ReuseEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type sentReset struct {
	userID uint
	token  string
	expiry time.Time
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentReset
	err  error
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, user *models.User, token string, expiresAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentReset{userID: user.ID, token: token, expiry: expiresAt})
	return n.err
}

type stubLimiter struct {
	allow   bool
	err     error
	keys    []string
	cleared []string
}

func (l *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func (l *stubLimiter) Reset(_ context.Context, key string) error {
	l.cleared = append(l.cleared, key)
	return l.err
}

// flakyRevoker fails its first n calls, then delegates to next.
type flakyRevoker struct {
	next     SessionRevoker
	failures int
	calls    int
}

func (r *flakyRevoker) LogoutAll(ctx context.Context, userID uint, ip string) (int64, error) {
	r.calls++
	if r.calls <= r.failures {
		return 0, errors.New("database is locked")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.next.LogoutAll(ctx, userID, ip)
}

// --- environment ---

type testEnv struct {
	cfg      *config.Config
	users    *fakeUserStore
	tokens   *fakeTokenStore
	issuer   *TokenIssuer
	auth     *AuthService
	reset    *PasswordResetService
	reporter *recordingReporter
	notifier *recordingNotifier
	hasher   *security.PasswordHasher
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:              "test-signing-secret",
		JWTIssuer:              "bms-test",
		JWTAccessExpiry:        time.Hour,
		JWTRefreshExpiry:       7 * 24 * time.Hour,
		RefreshRotationEnabled: true,
		ResetTokenExpiry:       24 * time.Hour,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	users := newFakeUserStore()
	tokens := newFakeTokenStore()
	issuer, err := NewTokenIssuer(cfg, tokens)
	require.NoError(t, err)

	hasher := security.NewPasswordHasher(bcrypt.MinCost)
	reporter := &recordingReporter{}
	notifier := &recordingNotifier{}
	auth := NewAuthService(users, tokens, issuer, hasher, cfg, reporter)
	reset := NewPasswordResetService(users, hasher, notifier, auth, nil, cfg)

	return &testEnv{
		cfg:      cfg,
		users:    users,
		tokens:   tokens,
		issuer:   issuer,
		auth:     auth,
		reset:    reset,
		reporter: reporter,
		notifier: notifier,
		hasher:   hasher,
	}
}

func (e *testEnv) seedUser(t *testing.T, email, password, status string) *models.User {
	t.Helper()
	hash, err := e.hasher.Hash(password)
	require.NoError(t, err)
	u := &models.User{
		Email:    email,
		Name:     "Test User",
		Password: hash,
		Role:     models.RoleUser,
		Status:   status,
	}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}
