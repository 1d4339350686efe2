//go:build !race

package textrace

func passwordHashCost() int {
	return defaultPasswordHashCost
}
