package auth

import (
	"errors"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const defaultCost = bcrypt.DefaultCost

// MinPasswordEntropyBits is the strength floor enforced for new credentials.
const MinPasswordEntropyBits = 50

// HashPassword encrypts the supplied plaintext with bcrypt.
func HashPassword(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), defaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ComparePassword verifies plaintext against a stored hash.
func ComparePassword(hash, plaintext string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}

// CheckPasswordStrength rejects guessable passwords.
func CheckPasswordStrength(plaintext string) error {
	return passwordvalidator.Validate(plaintext, MinPasswordEntropyBits)
}
