// Package security holds the credential primitives used by the auth services:
// bcrypt password hashing and opaque random tokens.
package security

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyHash is returned when there is no stored hash to compare against.
var ErrEmptyHash = errors.New("stored password hash is empty")

// DefaultCost is the bcrypt work factor used when none is configured.
const DefaultCost = 10

// dummyHash is compared against when the account does not exist, so unknown
// emails take as long as wrong passwords.
var (
	dummyOnce sync.Once
	dummyHash []byte
)

type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Verify compares plain against storedHash. A wrong password is (false, nil);
// only an empty or malformed hash is an error.
func (h *PasswordHasher) Verify(plain, storedHash string) (bool, error) {
	if storedHash == "" {
		return false, ErrEmptyHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plain))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("failed to compare password: %w", err)
	}
}

// DummyVerify spends one bcrypt comparison and discards the result.
func (h *PasswordHasher) DummyVerify(plain string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plain))
}
