// ABOUTME: Password hashing with bcrypt
// ABOUTME: Hasher is the seam the write pipeline uses so tests can swap in cheaper costs

package password

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and compares passwords.
type Hasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Compare(ctx context.Context, plaintext, digest string) (bool, error)
}

// BcryptHasher implements Hasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a hasher with the given cost; 0 selects bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the bcrypt digest of plaintext.
func (h *BcryptHasher) Hash(_ context.Context, plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(digest), nil
}

// Compare reports whether plaintext matches digest. Malformed digests never match.
func (h *BcryptHasher) Compare(_ context.Context, plaintext, digest string) (bool, error) {
	if digest == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword),
		errors.Is(err, bcrypt.ErrHashTooShort):
		return false, nil
	default:
		var invalid bcrypt.InvalidHashPrefixError
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, fmt.Errorf("comparing password: %w", err)
	}
}
