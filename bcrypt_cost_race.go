//go:build race

package textrace

import "golang.org/x/crypto/bcrypt"

// Race builds hash at the minimum cost so the provider and session suites
// stay within their timeouts.
func passwordHashCost() int {
	return bcrypt.MinCost
}
