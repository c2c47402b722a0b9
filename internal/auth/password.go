package auth

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinBcryptCost is the lowest work factor accepted for stored hashes.
	MinBcryptCost = 12

	minPasswordLength = 8
	maxPasswordBytes  = 72
)

// Hasher turns plaintext passwords into one-way digests.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(hash, plaintext string) bool
}

// BcryptHasher hashes passwords with bcrypt at a fixed cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using cost, raised to MinBcryptCost when lower.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < MinBcryptCost {
		cost = MinBcryptCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

// Cost returns the configured work factor.
func (h *BcryptHasher) Cost() int { return h.cost }

// Hash hashes plaintext password using bcrypt.
func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	if len(plaintext) == 0 {
		return "", invalidf("password is empty")
	}
	if len(plaintext) > maxPasswordBytes {
		return "", invalidf("password exceeds 72 bytes")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

// Verify compares plaintext password with stored hash. A mismatch, an empty
// hash or a corrupt hash all return false.
func (h *BcryptHasher) Verify(hash, plaintext string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// ValidatePassword applies the password policy to a new password.
func ValidatePassword(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < minPasswordLength {
		return invalidf(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(plaintext) > maxPasswordBytes {
		return invalidf("password exceeds 72 bytes")
	}
	return nil
}
