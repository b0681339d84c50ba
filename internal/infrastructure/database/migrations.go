package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// Migration is one schema step loaded from
// YYYYMMDD_HHMMSS_label.up.sql and its optional .down.sql.
type Migration struct {
	Version  string
	Label    string
	Up       string
	Down     string
	Checksum string // sha256 of Up
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   string
	Label     string
	Checksum  string
	AppliedAt time.Time
}

// Migrate verifies the recorded history against fsys, then applies every
// pending migration oldest first, one transaction each.
//
// A failure leaves earlier migrations committed; the next call resumes at
// the failed one.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - fsys: Filesystem holding the migration files at its root
//
// Returns:
//   - error: ErrMigrationModified or ErrSchemaTooNew when the history does
//     not match fsys, or the failure of the first migration that did not apply
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	applied, pending, err := db.GetMigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}

	known, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	if err := verifyHistory(applied, known); err != nil {
		return err
	}

	for _, m := range pending {
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Label, err)
		}
	}
	return nil
}

// verifyHistory checks each applied migration is still shipped unchanged.
func verifyHistory(applied []MigrationRecord, known []Migration) error {
	byVersion := make(map[string]Migration, len(known))
	for _, m := range known {
		byVersion[m.Version] = m
	}
	for _, rec := range applied {
		m, ok := byVersion[rec.Version]
		if !ok {
			return fmt.Errorf("%w: %s (%s) is applied but unknown", ErrSchemaTooNew, rec.Version, rec.Label)
		}
		if rec.Checksum != m.Checksum {
			return fmt.Errorf("%w: %s (%s)", ErrMigrationModified, rec.Version, rec.Label)
		}
	}
	return nil
}

// MigrateDown reverts the latest applied migration. It is a no-op on an
// empty history.
func (db *DB) MigrateDown(ctx context.Context, fsys fs.FS) error {
	applied, _, err := db.GetMigrationStatus(ctx, fsys)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1]

	known, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}
	idx := sort.Search(len(known), func(i int) bool { return known[i].Version >= latest.Version })
	if idx == len(known) || known[idx].Version != latest.Version {
		return fmt.Errorf("%w: %s", ErrSchemaTooNew, latest.Version)
	}
	m := known[idx]
	if m.Down == "" {
		return fmt.Errorf("%w: %s (%s)", ErrNoDownMigration, m.Version, m.Label)
	}

	return db.inTx(ctx, func(exec func(query string, args ...any) error) error {
		if err := exec(m.Down); err != nil {
			return fmt.Errorf("reverting %s: %w", m.Version, err)
		}
		return exec("DELETE FROM schema_migrations WHERE version = ?", m.Version)
	})
}

// GetMigrationStatus returns the recorded history and the migrations in
// fsys that have not run yet.
func (db *DB) GetMigrationStatus(ctx context.Context, fsys fs.FS) (applied []MigrationRecord, pending []Migration, err error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			label      TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	if applied, err = db.history(ctx); err != nil {
		return nil, nil, err
	}
	known, err := LoadMigrations(fsys)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(applied))
	for _, r := range applied {
		seen[r.Version] = true
	}
	for _, m := range known {
		if !seen[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

// SchemaVersion returns the latest applied version, or "" before the
// first migration.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), '') FROM schema_migrations").Scan(&v)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

func (db *DB) history(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, label, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var at string
		if err := rows.Scan(&r.Version, &r.Label, &r.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		r.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by apply
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schema_migrations: %w", err)
	}
	return out, nil
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	return db.inTx(ctx, func(exec func(query string, args ...any) error) error {
		if err := exec(m.Up); err != nil {
			return err
		}
		return exec(
			"INSERT INTO schema_migrations (version, label, checksum, applied_at) VALUES (?, ?, ?, ?)",
			m.Version, m.Label, m.Checksum, time.Now().UTC().Format(time.RFC3339),
		)
	})
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(exec func(query string, args ...any) error) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	exec := func(query string, args ...any) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}
	if err := fn(exec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// LoadMigrations reads the migrations at the root of fsys, sorted by
// version. Files that do not follow the naming scheme are ignored; a nil
// fsys yields nothing.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, label, up, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Label: label}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
			sum := sha256.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s (%s) has no .up.sql", m.Version, m.Label)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationFilename splits "20261019_090000_waypoints.up.sql" into
// version "20261019_090000", label "waypoints" and direction.
func parseMigrationFilename(name string) (version, label string, up, ok bool) {
	base, found := strings.CutSuffix(name, ".sql")
	if !found {
		return "", "", false, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return "", "", false, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[1]) != 6 || parts[2] == "" {
		return "", "", false, false
	}
	return parts[0] + "_" + parts[1], parts[2], up, true
}
