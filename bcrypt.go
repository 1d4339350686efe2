package textrace

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// defaultPasswordHashCost is the bcrypt cost of non race builds.
const defaultPasswordHashCost = 12

// HashPassword will generate a password hash using the build default cost
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, passwordHashCost())
}

// HashPasswordWithCost generates a password hash with an explicit bcrypt cost.
// Costs outside the bcrypt range fall back to bcrypt.DefaultCost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", newValidationError("password cannot be empty", map[string]any{"field": "password"})
	}

	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(h), err
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}
