package database

import "errors"

// Database errors. Migrate refuses to touch a database that fails either
// check, so the daemon stops before reading waypoints through a schema it
// does not understand.
var (
	// ErrMigrationModified means an applied migration's SQL no longer matches
	// the checksum recorded when it ran.
	ErrMigrationModified = errors.New("database: applied migration was modified")

	// ErrSchemaTooNew means the database holds migrations this build does not
	// ship, typically after a firmware downgrade.
	ErrSchemaTooNew = errors.New("database: schema is newer than this build")

	// ErrCorrupt is returned by Open when the file fails SQLite's integrity check.
	ErrCorrupt = errors.New("database: integrity check failed")

	// ErrNoDownMigration is returned by MigrateDown when the latest
	// migration has no .down.sql.
	ErrNoDownMigration = errors.New("database: migration has no down SQL")
)
