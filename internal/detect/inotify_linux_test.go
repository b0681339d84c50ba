//go:build linux

package detect

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestInotify_DetectsWrite(t *testing.T) {
	dir := t.TempDir()
	d := New(Options{PrimaryTimeout: 500 * time.Millisecond})
	defer d.Close() //nolint:errcheck // Test cleanup
	if !d.PrimaryActive() {
		t.Skip("inotify not available in this environment")
	}
	if err := d.AddWatch(dir); err != nil {
		t.Fatalf("AddWatch() error = %v", err)
	}
	if d.Stats().PrimaryWatches != 1 {
		t.Skip("inotify watch could not be registered")
	}

	file := filepath.Join(dir, "test_waypoint_change.gpx")
	writeFile(t, file, "Waypoint test data")

	res := d.Check(context.Background())
	if res.Kind != PrimaryHit {
		t.Fatalf("Check() = %v, want PrimaryHit", res.Kind)
	}
	if len(res.Events) != 1 || res.Events[0].Path != file {
		t.Errorf("events = %+v, want one deduplicated event for %s", res.Events, file)
	}
	if !d.InotifyChangeDetected() {
		t.Error("InotifyChangeDetected() = false")
	}

	d.ResetFlags()
	if d.InotifyChangeDetected() {
		t.Error("InotifyChangeDetected() still true after ResetFlags")
	}

	// Everything was drained in the hit cycle.
	if res := d.Check(context.Background()); res.Kind != NoChange {
		t.Errorf("follow-up Check() = %v, want NoChange", res.Kind)
	}
}
