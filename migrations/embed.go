// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory,
// with one subdirectory per supported dialect.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var root embed.FS

// ForDialect returns the migration set for the given dialect
// ("postgres" or "sqlite").
func ForDialect(dialect string) (fs.FS, error) {
	switch dialect {
	case "postgres", "sqlite":
		return fs.Sub(root, dialect)
	default:
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
}
