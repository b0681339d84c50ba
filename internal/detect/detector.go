package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Default timings.
const (
	DefaultPrimaryTimeout = 200 * time.Millisecond
	DefaultPollInterval   = 5 * time.Second
)

// watcher is the event-driven primary path.
type watcher interface {
	add(dir string) error
	wait(timeout time.Duration) ([]string, error)
	watchCount() int
	close() error
}

// Options configures a Detector.
type Options struct {
	// PrimaryTimeout bounds the blocking read on the event subscription.
	PrimaryTimeout time.Duration

	// PollInterval is the minimum spacing between fallback walks.
	// Zero polls on every Check that reaches the fallback.
	PollInterval time.Duration

	// DisablePrimary starts the detector in poll-only mode.
	DisablePrimary bool

	Logger Logger
}

// Detector watches directories for waypoint file changes through two paths:
// an inotify subscription (primary) and an mtime walk (fallback). The
// fallback only runs when the primary path yields nothing in a check.
//
// The result of a cycle is held as a single tag until ResetFlags, so
// observers see a stable answer for the whole cycle.
type Detector struct {
	opts   Options
	logger Logger
	now    func() time.Time

	// checkMu serialises Check so the fallback cache has a single writer.
	checkMu sync.Mutex

	mu       sync.Mutex
	primary  watcher
	dirs     []string
	mtimes   map[string]time.Time
	lastPoll time.Time
	hit      ResultKind
	state    State
	closed   bool
}

// New creates a Detector. Failure to initialise the primary path is not an
// error: it is logged and the detector runs poll-only for its lifetime.
func New(opts Options) *Detector {
	if opts.PrimaryTimeout <= 0 {
		opts.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}

	d := &Detector{
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
		mtimes: make(map[string]time.Time),
	}
	if d.logger == nil {
		d.logger = noopLogger{}
	}

	if opts.DisablePrimary {
		d.logger.Info("change detector running poll-only by configuration")
		return d
	}

	w, err := newWatcher()
	if err != nil {
		d.logger.Warn("inotify unavailable, falling back to polling", "error", err)
		return d
	}
	d.primary = w
	return d
}

// AddWatch registers a directory with both paths.
// A primary-path registration failure is logged; the directory is still polled.
func (d *Detector) AddWatch(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat watch dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	for _, existing := range d.dirs {
		if existing == dir {
			return nil
		}
	}
	d.dirs = append(d.dirs, dir)

	if d.primary != nil {
		if err := d.primary.add(dir); err != nil {
			d.logger.Warn("inotify watch failed, directory covered by polling only", "dir", dir, "error", err)
		} else {
			d.logger.Info("inotify watch added", "dir", dir)
		}
	}
	return nil
}

// Check runs one detection: the primary path first, the fallback only if
// the primary yields nothing. The hit tag is kept until ResetFlags.
//
// State: Idle -> Checking -> {PrimaryHit, FallbackHit, NoChange} -> Idle
func (d *Detector) Check(ctx context.Context) Result {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{Kind: NoChange}
	}
	d.state = StateChecking
	primary := d.primary
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.state = StateIdle
		d.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return Result{Kind: NoChange}
	}

	if primary != nil {
		if events := d.checkPrimary(primary); len(events) > 0 {
			d.refreshMtimes(events)
			d.setHit(PrimaryHit)
			return Result{Kind: PrimaryHit, Events: events}
		}
	}

	if ctx.Err() != nil {
		return Result{Kind: NoChange}
	}

	if events := d.checkFallback(); len(events) > 0 {
		d.setHit(FallbackHit)
		return Result{Kind: FallbackHit, Events: events}
	}
	return Result{Kind: NoChange}
}

func (d *Detector) checkPrimary(w watcher) []ChangeEvent {
	paths, err := w.wait(d.opts.PrimaryTimeout)
	if err != nil {
		d.logger.Warn("inotify read failed", "error", err)
	}
	if len(paths) == 0 {
		return nil
	}

	observed := d.now()
	events := make([]ChangeEvent, 0, len(paths))
	for _, p := range paths {
		events = append(events, ChangeEvent{Source: SourceWatch, Path: p, ObservedAt: observed})
	}
	d.logger.Debug("inotify change detected", "paths", len(paths))
	return events
}

// refreshMtimes records the current mtime of files reported by the primary
// path so the next fallback walk does not report them again.
func (d *Detector) refreshMtimes(events []ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ev := range events {
		info, err := os.Stat(ev.Path)
		if err != nil {
			continue
		}
		if info.IsDir() {
			d.snapshotDirLocked(ev.Path)
			continue
		}
		d.mtimes[ev.Path] = info.ModTime()
	}
}

func (d *Detector) snapshotDirLocked(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if info, err := e.Info(); err == nil {
			d.mtimes[filepath.Join(dir, e.Name())] = info.ModTime()
		}
	}
}

func (d *Detector) checkFallback() []ChangeEvent {
	d.mu.Lock()
	now := d.now()
	if d.opts.PollInterval > 0 && !d.lastPoll.IsZero() && now.Sub(d.lastPoll) < d.opts.PollInterval {
		d.mu.Unlock()
		return nil
	}
	d.lastPoll = now
	dirs := append([]string(nil), d.dirs...)
	d.mu.Unlock()

	type stamp struct {
		path  string
		mtime time.Time
	}
	var current []stamp
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			d.logger.Warn("polling watch dir failed", "dir", dir, "error", err)
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			current = append(current, stamp{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var events []ChangeEvent
	present := make(map[string]bool, len(current))
	for _, s := range current {
		present[s.path] = true
		prev, known := d.mtimes[s.path]
		if known && prev.Equal(s.mtime) {
			continue
		}
		d.mtimes[s.path] = s.mtime
		events = append(events, ChangeEvent{Source: SourcePoll, Path: s.path, ObservedAt: now})
	}
	for p := range d.mtimes {
		if !present[p] {
			delete(d.mtimes, p)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	if len(events) > 0 {
		d.logger.Debug("poll change detected", "paths", len(events))
	}
	return events
}

// setHit keeps the first hit of a cycle.
func (d *Detector) setHit(kind ResultKind) {
	d.mu.Lock()
	if d.hit == NoChange {
		d.hit = kind
	}
	d.mu.Unlock()
}

// Flags returns the hit tag for the current cycle.
func (d *Detector) Flags() ResultKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hit
}

// InotifyChangeDetected reports whether the primary path hit this cycle.
func (d *Detector) InotifyChangeDetected() bool {
	return d.Flags() == PrimaryHit
}

// PollChangeDetected reports whether the fallback path hit this cycle.
func (d *Detector) PollChangeDetected() bool {
	return d.Flags() == FallbackHit
}

// ResetFlags clears the cycle's hit tag. Call once per completed cycle.
// It waits for an in-flight Check so a fresh detection is never lost.
func (d *Detector) ResetFlags() {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	d.mu.Lock()
	d.hit = NoChange
	d.mu.Unlock()
}

// State reports whether a Check is in progress.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Prime records current mtimes without reporting them, so files already
// handled by a startup reconciliation are not seen as first-seen changes.
func (d *Detector) Prime() {
	d.checkMu.Lock()
	defer d.checkMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dir := range d.dirs {
		d.snapshotDirLocked(dir)
	}
}

// ClearTimestamps forgets every cached mtime and the poll rate limit.
func (d *Detector) ClearTimestamps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtimes = make(map[string]time.Time)
	d.lastPoll = time.Time{}
}

// PrimaryActive reports whether the inotify path is in use.
func (d *Detector) PrimaryActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primary != nil
}

// WatchedDirs returns the registered directories.
func (d *Detector) WatchedDirs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dirs...)
}

// DisablePrimary closes the inotify path. The detector stays poll-only for
// the rest of its lifetime.
func (d *Detector) DisablePrimary() error {
	d.mu.Lock()
	w := d.primary
	d.primary = nil
	d.mu.Unlock()

	if w == nil {
		return nil
	}
	d.logger.Warn("inotify disabled, detector is poll-only")
	return w.close()
}

// Close releases the primary path. Check returns NoChange afterwards.
func (d *Detector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.DisablePrimary()
}

// Stats is a point-in-time view of detector state.
type Stats struct {
	PrimaryActive  bool   `json:"primary_active"`
	PrimaryWatches int    `json:"primary_watches"`
	WatchedDirs    int    `json:"watched_dirs"`
	TrackedFiles   int    `json:"tracked_files"`
	Flags          string `json:"flags"`
}

// Stats returns counters for health reporting.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		PrimaryActive: d.primary != nil,
		WatchedDirs:   len(d.dirs),
		TrackedFiles:  len(d.mtimes),
		Flags:         d.hit.String(),
	}
	if d.primary != nil {
		s.PrimaryWatches = d.primary.watchCount()
	}
	return s
}
