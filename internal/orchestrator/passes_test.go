package orchestrator

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/infrastructure/database"
	"github.com/nerrad567/waypoint-sync/migrations"
)

func openTestRecorder(t *testing.T) *SQLitePassRecorder {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "passes.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLitePassRecorder(db.DB)
}

func TestSQLitePassRecorder(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	passes := []PassReport{
		{ID: "a", Trigger: TriggerStartup, StartedAt: base, Devices: 2, Conversions: 2, Broadcasts: 2, Duration: 150 * time.Millisecond},
		{ID: "b", Trigger: TriggerBus, StartedAt: base.Add(time.Minute), Devices: 2, Conversions: 1, ConversionFailures: 1, Broadcasts: 1, BroadcastFailures: 1},
	}
	for _, p := range passes {
		if err := rec.RecordPass(ctx, p); err != nil {
			t.Fatalf("RecordPass(%s) error = %v", p.ID, err)
		}
	}

	got, err := rec.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRecent() returned %d rows, want 2", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("order = %s,%s, want b,a", got[0].ID, got[1].ID)
	}
	if got[0].Failures != 2 {
		t.Errorf("Failures = %d, want 2", got[0].Failures)
	}
	if got[1].DurationMS != 150 || !got[1].StartedAt.Equal(base) {
		t.Errorf("row a = %+v", got[1])
	}

	if err := rec.RecordPass(ctx, passes[0]); err == nil {
		t.Error("RecordPass() with duplicate id expected error")
	}

	limited, err := rec.ListRecent(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("ListRecent(1) = %d rows, %v", len(limited), err)
	}
}

func TestSQLitePassRecorder_OrdersWithinOneSecond(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 9, 0, 5, 0, time.UTC)

	// Whole second first: its shorter RFC3339Nano text would sort after .5.
	for _, p := range []PassReport{
		{ID: "whole", Trigger: TriggerWatch, StartedAt: base},
		{ID: "half", Trigger: TriggerWatch, StartedAt: base.Add(500 * time.Millisecond)},
		{ID: "later", Trigger: TriggerWatch, StartedAt: base.Add(900 * time.Millisecond)},
	} {
		if err := rec.RecordPass(ctx, p); err != nil {
			t.Fatalf("RecordPass(%s) error = %v", p.ID, err)
		}
	}

	got, err := rec.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent() error = %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if want := []string{"later", "half", "whole"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
	if !got[2].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got[2].StartedAt, base)
	}
}
