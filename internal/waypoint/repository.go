package waypoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository defines waypoint persistence.
// Implementations must be safe for use by a single writer plus readers.
type Repository interface {
	// List returns every persisted waypoint ordered by id.
	List(ctx context.Context) ([]Record, error)

	// Create inserts a new waypoint.
	// Returns ErrWaypointExists if the id is already present.
	Create(ctx context.Context, rec Record) error

	// Update rewrites an existing waypoint.
	// Returns ErrWaypointNotFound if the id is absent.
	Update(ctx context.Context, rec Record) error
}

// SQLiteRepository implements Repository on the waypoints table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a SQLite-backed repository on an open, migrated db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List returns every persisted waypoint ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, latitude, longitude, updated_at
		FROM waypoints
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying waypoints: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var id int64
		var updatedAt string
		if err := rows.Scan(&id, &rec.Name, &rec.Latitude, &rec.Longitude, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning waypoint: %w", err)
		}
		rec.ID = uint16(id) //nolint:gosec // CHECK constraint bounds id to uint16
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // Format is controlled
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating waypoints: %w", err)
	}
	return out, nil
}

// Create inserts a new waypoint.
func (r *SQLiteRepository) Create(ctx context.Context, rec Record) error {
	var exists int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM waypoints WHERE id = ?", rec.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking waypoint id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: id %d", ErrWaypointExists, rec.ID)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO waypoints (id, name, latitude, longitude, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Latitude, rec.Longitude, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting waypoint: %w", err)
	}
	return nil
}

// Update rewrites an existing waypoint.
func (r *SQLiteRepository) Update(ctx context.Context, rec Record) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE waypoints
		SET name = ?, latitude = ?, longitude = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.Latitude, rec.Longitude, rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("updating waypoint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrWaypointNotFound, rec.ID)
	}
	return nil
}
