package textrace

import (
	"embed"
	"io/fs"
)

//go:embed data/sql/migrations/*.sql
var migrationsFS embed.FS

// MigrationsFS returns the schema migrations rooted at their directory, the
// layout migrate.Migrations.Discover expects.
func MigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, "data/sql/migrations")
}
