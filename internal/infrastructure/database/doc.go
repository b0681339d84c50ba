// Package database provides SQLite connectivity for the waypoint store.
//
// It opens the database with WAL mode and a busy timeout, and applies
// versioned migrations from any fs.FS (normally the embedded migrations
// package):
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction and
// its checksum is recorded; Migrate refuses a database whose history was
// edited or written by a newer build.
package database
