package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// passTimeLayout is fixed width so started_at sorts as text.
const passTimeLayout = "2006-01-02T15:04:05.000000000Z"

// PassRecord is a persisted pass summary.
type PassRecord struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	StartedAt   time.Time `json:"started_at"`
	Devices     int       `json:"devices"`
	Conversions int       `json:"conversions"`
	Failures    int       `json:"failures"`
	Broadcasts  int       `json:"broadcasts"`
	DurationMS  int64     `json:"duration_ms"`
}

// SQLitePassRecorder stores pass summaries in the sync_passes table.
type SQLitePassRecorder struct {
	db *sql.DB
}

// NewSQLitePassRecorder creates a recorder on an open, migrated db.
func NewSQLitePassRecorder(db *sql.DB) *SQLitePassRecorder {
	return &SQLitePassRecorder{db: db}
}

// RecordPass inserts one pass summary.
func (r *SQLitePassRecorder) RecordPass(ctx context.Context, p PassReport) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_passes (id, trigger, started_at, devices, conversions, failures, broadcasts, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Trigger, p.StartedAt.UTC().Format(passTimeLayout),
		p.Devices, p.Conversions, p.Failures(), p.Broadcasts, p.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting sync pass: %w", err)
	}
	return nil
}

// ListRecent returns up to limit passes, newest first.
func (r *SQLitePassRecorder) ListRecent(ctx context.Context, limit int) ([]PassRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger, started_at, devices, conversions, failures, broadcasts, duration_ms
		FROM sync_passes
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sync passes: %w", err)
	}
	defer rows.Close()

	var out []PassRecord
	for rows.Next() {
		var rec PassRecord
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.Trigger, &startedAt, &rec.Devices,
			&rec.Conversions, &rec.Failures, &rec.Broadcasts, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning sync pass: %w", err)
		}
		if rec.StartedAt, err = time.Parse(passTimeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("parsing sync pass time %q: %w", startedAt, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync passes: %w", err)
	}
	return out, nil
}
