package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/detect"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// reconcileCanonical merges the canonical file into the store.
// present is false when the file does not exist.
func (o *Orchestrator) reconcileCanonical(ctx context.Context) (changed []waypoint.Record, present bool, err error) {
	changed, err = o.importFile(ctx, o.cfg.CanonicalFile)
	if err != nil {
		if notExist(err) {
			return nil, false, nil
		}
		return nil, true, err
	}
	return changed, true, nil
}

// reconcileEvents imports every changed GPX file. When a file other than the
// canonical one contributed changes, the canonical file is rewritten so it
// stays the union of the store.
func (o *Orchestrator) reconcileEvents(ctx context.Context, events []detect.ChangeEvent) ([]waypoint.Record, error) {
	seen := make(map[string]bool, len(events))
	byID := make(map[uint16]waypoint.Record)
	var order []uint16
	var firstErr error
	foreign := false

	for _, ev := range events {
		path := filepath.Clean(ev.Path)
		if seen[path] {
			continue
		}
		seen[path] = true

		recs, err := o.importFile(ctx, path)
		if err != nil {
			if notExist(err) {
				o.logger.Debug("changed file no longer exists", "path", path)
				continue
			}
			o.logger.Error("importing waypoint file", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(recs) > 0 && !samePath(path, o.cfg.CanonicalFile) {
			foreign = true
		}
		for _, r := range recs {
			if _, ok := byID[r.ID]; !ok {
				order = append(order, r.ID)
			}
			byID[r.ID] = r
		}
	}

	if foreign {
		if err := o.exportCanonical(); err != nil {
			o.logger.Error("writing canonical file", "file", o.cfg.CanonicalFile, "error", err)
		}
	}

	changed := make([]waypoint.Record, 0, len(order))
	for _, id := range order {
		changed = append(changed, byID[id])
	}
	return changed, firstErr
}

// importFile reads a GPX file and applies its points to the store: a point
// matched to a stored record updates it, any other point is added.
// It returns the records that were added or changed.
func (o *Orchestrator) importFile(ctx context.Context, path string) ([]waypoint.Record, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the watched directory
	if err != nil {
		return nil, err
	}
	defer f.Close()

	points, skipped, err := waypoint.ReadGPX(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if skipped > 0 {
		o.logger.Warn("skipped invalid waypoints", "path", path, "skipped", skipped)
	}

	targets := matchPoints(points, o.store.List(), samePath(path, o.cfg.CanonicalFile))

	var changed []waypoint.Record
	for i, p := range points {
		if id := targets[i]; id != 0 {
			res, err := o.store.Update(ctx, id, p.Name, p.Latitude, p.Longitude)
			if err != nil {
				o.logger.Error("updating waypoint from file", "path", path, "id", id, "error", err)
				continue
			}
			if res == waypoint.Changed {
				if rec, err := o.store.Get(id); err == nil {
					changed = append(changed, rec)
				}
			}
			continue
		}

		id, err := o.store.Add(ctx, 0, p.Name, p.Latitude, p.Longitude)
		if err != nil {
			o.logger.Error("adding waypoint from file", "path", path, "name", p.Name, "error", err)
			continue
		}
		if rec, err := o.store.Get(id); err == nil {
			changed = append(changed, rec)
		}
	}

	o.logger.Debug("waypoint file reconciled", "path", path, "points", len(points), "changed", len(changed))
	return changed, nil
}

// matchPoints returns, per point, the id of the stored record it updates,
// or 0 for a new waypoint. Each record is matched at most once, in three
// passes: the id carried in the file (only when trustIDs is set), then
// name and position, then name alone in file order, lowest id first.
// records must be ordered by id.
func matchPoints(points []waypoint.Point, records []waypoint.Record, trustIDs bool) []uint16 {
	targets := make([]uint16, len(points))
	used := make(map[uint16]bool, len(points))

	if trustIDs {
		stored := make(map[uint16]bool, len(records))
		for _, r := range records {
			stored[r.ID] = true
		}
		for i, p := range points {
			if p.ID != 0 && stored[p.ID] && !used[p.ID] {
				targets[i] = p.ID
				used[p.ID] = true
			}
		}
	}

	byName := make(map[string][]waypoint.Record)
	for _, r := range records {
		byName[r.Name] = append(byName[r.Name], r)
	}
	claim := func(i int, same func(waypoint.Record) bool) {
		for _, r := range byName[points[i].Name] {
			if !used[r.ID] && same(r) {
				targets[i] = r.ID
				used[r.ID] = true
				return
			}
		}
	}

	for i, p := range points {
		if targets[i] == 0 {
			lat, lon := waypoint.Quantize(p.Latitude), waypoint.Quantize(p.Longitude)
			claim(i, func(r waypoint.Record) bool { return r.Latitude == lat && r.Longitude == lon })
		}
	}
	for i := range points {
		if targets[i] == 0 {
			claim(i, func(waypoint.Record) bool { return true })
		}
	}
	return targets
}

// exportCanonical writes the store to the canonical file atomically and
// remembers the content hash so the write is not taken for a user edit.
func (o *Orchestrator) exportCanonical() error {
	o.exportMu.Lock()
	defer o.exportMu.Unlock()

	var buf bytes.Buffer
	if err := waypoint.WriteGPX(&buf, o.store.List()); err != nil {
		return err
	}
	data := buf.Bytes()

	dir := filepath.Dir(o.cfg.CanonicalFile)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating canonical dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(o.cfg.CanonicalFile)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, o.cfg.CanonicalFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing canonical file: %w", err)
	}

	o.stateMu.Lock()
	o.exportSum = sha256.Sum256(data)
	o.lastExport = time.Now()
	o.stateMu.Unlock()

	o.logger.Debug("canonical file written", "file", o.cfg.CanonicalFile, "bytes", len(data))
	return nil
}

// isOwnExport reports whether the canonical file still holds the bytes of
// the last export.
func (o *Orchestrator) isOwnExport() bool {
	o.stateMu.RLock()
	sum := o.exportSum
	o.stateMu.RUnlock()
	if sum == ([32]byte{}) {
		return false
	}

	data, err := os.ReadFile(o.cfg.CanonicalFile)
	if err != nil {
		return false
	}
	return sha256.Sum256(data) == sum
}

func isGPX(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gpx")
}
