package migrations

import "embed"

// Files holds the goose migrations for every supported dialect, one directory each.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS

// Directories inside Files per database driver.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
