package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/convert"
	"github.com/nerrad567/waypoint-sync/internal/detect"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// Defaults for Config.
const (
	DefaultCycleInterval     = 2 * time.Second
	DefaultFanoutConcurrency = 2
	DefaultSourceFormat      = "gpx"
)

// Orchestrator is the single synchronisation authority. It turns file
// changes and bus waypoints into fan-out passes: convert the canonical
// file per device format, then broadcast the affected waypoints.
//
// Passes are serialised. Broadcasts run outside store and detector locks.
type Orchestrator struct {
	cfg       Config
	store     *waypoint.Store
	detector  Detector
	devices   DeviceLister
	converter Converter
	bus       Broadcaster
	recorder  PassRecorder
	logger    Logger

	sinksMu sync.RWMutex
	sinks   []EventSink

	// passMu serialises fan-out passes.
	passMu sync.Mutex

	stateMu    sync.RWMutex
	started    bool
	lastPass   *PassReport
	lastExport time.Time
	exportSum  [32]byte

	// exportMu serialises canonical file writes.
	exportMu sync.Mutex

	// background tracks passes started by Submit calls; baseCtx bounds them.
	background sync.WaitGroup
	baseCtx    context.Context

	cycles atomic.Uint64
	passes atomic.Uint64
}

// New creates an Orchestrator and subscribes it to store changes.
// Call OnStartup before Run.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("waypoint store is required")
	}
	if opts.Detector == nil {
		return nil, fmt.Errorf("change detector is required")
	}
	if opts.Devices == nil {
		return nil, fmt.Errorf("device lister is required")
	}
	if opts.Converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	if opts.Config.CanonicalFile == "" {
		return nil, fmt.Errorf("canonical file is required")
	}

	cfg := opts.Config
	if cfg.WatchDir == "" {
		cfg.WatchDir = filepath.Dir(cfg.CanonicalFile)
	}
	if cfg.SourceFormat == "" {
		cfg.SourceFormat = DefaultSourceFormat
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = DefaultFanoutConcurrency
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     opts.Store,
		detector:  opts.Detector,
		devices:   opts.Devices,
		converter: opts.Converter,
		bus:       opts.Broadcaster,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		sinks:     append([]EventSink(nil), opts.Sinks...),
	}
	if o.logger == nil {
		o.logger = noopLogger{}
	}

	o.store.Subscribe(o.relayChange)
	return o, nil
}

// AddSink registers another event sink.
func (o *Orchestrator) AddSink(s EventSink) {
	o.sinksMu.Lock()
	o.sinks = append(o.sinks, s)
	o.sinksMu.Unlock()
}

func (o *Orchestrator) relayChange(c waypoint.Change) {
	o.sinksMu.RLock()
	sinks := o.sinks
	o.sinksMu.RUnlock()
	for _, s := range sinks {
		s.WaypointChanged(c)
	}
}

func (o *Orchestrator) relayPass(r PassReport) {
	o.sinksMu.RLock()
	sinks := o.sinks
	o.sinksMu.RUnlock()
	for _, s := range sinks {
		s.PassCompleted(r)
	}
}

// OnStartup prepares the orchestrator:
//  1. loads the format map (a missing or invalid map is logged and an empty map used)
//  2. registers the watch directory with the detector
//  3. loads the store from its repository
//  4. reconciles the canonical file into the store if present, or writes it
//     from the store if absent
//  5. primes the detector so files already handled are not first-seen changes
//  6. runs one fan-out pass when the canonical file is present
//
// Only a store load failure is returned; everything else degrades.
func (o *Orchestrator) OnStartup(ctx context.Context) error {
	o.loadFormatMap()

	if err := os.MkdirAll(o.cfg.WatchDir, 0o750); err != nil {
		o.logger.Error("creating watch dir", "dir", o.cfg.WatchDir, "error", err)
	}
	if err := o.detector.AddWatch(o.cfg.WatchDir); err != nil {
		o.logger.Error("watching waypoint dir failed, file changes will not be detected", "dir", o.cfg.WatchDir, "error", err)
	}

	if err := o.store.Load(ctx); err != nil {
		return fmt.Errorf("loading waypoint store: %w", err)
	}

	changed, present, err := o.reconcileCanonical(ctx)
	if err != nil {
		o.logger.Error("reconciling canonical file", "file", o.cfg.CanonicalFile, "error", err)
	}
	if !present && o.store.Count() > 0 {
		if err := o.exportCanonical(); err != nil {
			o.logger.Error("writing canonical file", "file", o.cfg.CanonicalFile, "error", err)
		} else {
			present = true
		}
	}

	o.detector.Prime()

	o.stateMu.Lock()
	o.started = true
	o.baseCtx = ctx
	o.stateMu.Unlock()

	o.logger.Info("sync orchestrator started",
		"waypoints", o.store.Count(),
		"reconciled", len(changed),
		"canonical_present", present,
	)

	if present {
		o.fanOut(ctx, TriggerStartup, changed)
	}
	return nil
}

// loadFormatMap installs the format map from disk, or an empty one on failure.
func (o *Orchestrator) loadFormatMap() {
	if o.cfg.FormatMapFile == "" {
		o.logger.Warn("no format map configured, no device will be synchronised")
		o.converter.SetFormats(convert.FormatMap{})
		return
	}

	m, err := convert.LoadFormatMap(o.cfg.FormatMapFile)
	if err != nil {
		o.logger.Error("loading format map, continuing with an empty map", "path", o.cfg.FormatMapFile, "error", err)
		o.converter.SetFormats(convert.FormatMap{})
		return
	}
	o.converter.SetFormats(m)
	o.logger.Info("format map loaded", "path", o.cfg.FormatMapFile, "formats", len(m))
}

// ReloadFormats re-reads the format map. On error the current map is kept.
func (o *Orchestrator) ReloadFormats() (int, error) {
	return o.converter.Reload(o.cfg.FormatMapFile)
}

// Run executes RunCycle every CycleInterval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.isStarted() {
		return ErrNotStarted
	}

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	o.logger.Info("sync loop running", "interval", o.cfg.CycleInterval.String())
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle runs one detection cycle. On a hit it reconciles the canonical
// file and any other changed GPX file in the watch directory, then runs one
// fan-out pass for the records that changed. The detector flags are reset
// exactly once, at the end of the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) CycleReport {
	defer o.detector.ResetFlags()
	o.cycles.Add(1)

	res := o.detector.Check(ctx)
	report := CycleReport{Result: res.Kind, Events: len(res.Events)}
	if !res.Changed() {
		return report
	}

	relevant := o.filterEvents(res.Events)
	report.Ignored = len(res.Events) - len(relevant)
	if len(relevant) == 0 {
		o.logger.Debug("change ignored", "result", res.Kind.String(), "events", len(res.Events))
		return report
	}

	trigger := TriggerWatch
	if res.Kind == detect.FallbackHit {
		trigger = TriggerPoll
	}

	changed, err := o.reconcileEvents(ctx, relevant)
	if err != nil {
		o.logger.Error("reconciling changed files", "error", err)
	}
	report.Changed = len(changed)

	pass := o.fanOut(ctx, trigger, changed)
	report.Pass = &pass
	return report
}

// filterEvents keeps GPX files outside OutputDir, dropping the canonical
// file when its content is what this orchestrator last wrote.
func (o *Orchestrator) filterEvents(events []detect.ChangeEvent) []detect.ChangeEvent {
	out := make([]detect.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if !isGPX(ev.Path) {
			continue
		}
		if o.cfg.OutputDir != "" && isUnder(ev.Path, o.cfg.OutputDir) {
			continue
		}
		if samePath(ev.Path, o.cfg.CanonicalFile) && o.isOwnExport() {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// OnBusWaypoint stores a waypoint received from the bus, rewrites the
// canonical file and fans the new record out to every device.
//
// A waypoint identical in name and position to a stored one is dropped
// with ErrDuplicateWaypoint, so devices repeating each other's broadcasts
// cannot multiply records. Before OnStartup completes it returns
// ErrNotStarted and stores nothing.
func (o *Orchestrator) OnBusWaypoint(ctx context.Context, lat, lon float64, name string) error {
	if !o.isStarted() {
		return ErrNotStarted
	}
	if existing, ok := o.store.FindByName(name); ok &&
		existing.Latitude == waypoint.Quantize(lat) && existing.Longitude == waypoint.Quantize(lon) {
		o.logger.Debug("bus waypoint already stored", "id", existing.ID, "name", name)
		return fmt.Errorf("%w: %q", ErrDuplicateWaypoint, name)
	}

	id, err := o.store.Add(ctx, 0, name, lat, lon)
	if err != nil {
		return fmt.Errorf("storing bus waypoint: %w", err)
	}
	rec, err := o.store.Get(id)
	if err != nil {
		return fmt.Errorf("reading stored waypoint: %w", err)
	}

	o.publish(ctx, TriggerBus, rec)
	return nil
}

// AddWaypoint stores a waypoint submitted by an operator, rewrites the
// canonical file and fans the new record out. explicitID follows Store.Add.
func (o *Orchestrator) AddWaypoint(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error) {
	rec, err := o.addRecord(ctx, explicitID, name, lat, lon)
	if err != nil {
		return waypoint.Record{}, err
	}
	o.publish(ctx, TriggerAPI, rec)
	return rec, nil
}

// SubmitWaypoint stores a waypoint like AddWaypoint and returns once it is
// persisted. The canonical export and fan-out run in the background.
func (o *Orchestrator) SubmitWaypoint(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error) {
	rec, err := o.addRecord(ctx, explicitID, name, lat, lon)
	if err != nil {
		return waypoint.Record{}, err
	}
	o.publishAsync(TriggerAPI, rec)
	return rec, nil
}

// UpdateWaypoint rewrites a stored waypoint. Only a Changed result rewrites
// the canonical file and runs a pass.
func (o *Orchestrator) UpdateWaypoint(ctx context.Context, id uint16, name string, lat, lon float64) (waypoint.UpdateResult, error) {
	res, rec, err := o.updateRecord(ctx, id, name, lat, lon)
	if err != nil || res != waypoint.Changed {
		return res, err
	}
	o.publish(ctx, TriggerAPI, rec)
	return res, nil
}

// SubmitUpdate is UpdateWaypoint with the export and fan-out in the background.
func (o *Orchestrator) SubmitUpdate(ctx context.Context, id uint16, name string, lat, lon float64) (waypoint.UpdateResult, error) {
	res, rec, err := o.updateRecord(ctx, id, name, lat, lon)
	if err != nil || res != waypoint.Changed {
		return res, err
	}
	o.publishAsync(TriggerAPI, rec)
	return res, nil
}

// Wait blocks until every background pass has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) addRecord(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error) {
	id, err := o.store.Add(ctx, explicitID, name, lat, lon)
	if err != nil {
		return waypoint.Record{}, err
	}
	return o.store.Get(id)
}

func (o *Orchestrator) updateRecord(ctx context.Context, id uint16, name string, lat, lon float64) (waypoint.UpdateResult, waypoint.Record, error) {
	res, err := o.store.Update(ctx, id, name, lat, lon)
	if err != nil || res != waypoint.Changed {
		return res, waypoint.Record{}, err
	}
	rec, err := o.store.Get(id)
	return res, rec, err
}

// publish rewrites the canonical file and runs a pass for rec.
func (o *Orchestrator) publish(ctx context.Context, trigger string, rec waypoint.Record) {
	if err := o.exportCanonical(); err != nil {
		o.logger.Error("writing canonical file", "file", o.cfg.CanonicalFile, "error", err)
	}
	o.fanOut(ctx, trigger, []waypoint.Record{rec})
}

// publishAsync runs publish on its own goroutine under the context given
// to OnStartup, so it outlives the caller's request.
func (o *Orchestrator) publishAsync(trigger string, rec waypoint.Record) {
	o.stateMu.RLock()
	ctx := o.baseCtx
	o.stateMu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		o.publish(ctx, trigger, rec)
	}()
}

// SyncAll exports the store and fans every record out. Used for manual resyncs.
func (o *Orchestrator) SyncAll(ctx context.Context) PassReport {
	if err := o.exportCanonical(); err != nil {
		o.logger.Error("writing canonical file", "file", o.cfg.CanonicalFile, "error", err)
	}
	return o.fanOut(ctx, TriggerManual, o.store.List())
}

// Status returns a snapshot for health reporting.
func (o *Orchestrator) Status() Status {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()

	s := Status{
		Started:    o.started,
		Cycles:     o.cycles.Load(),
		Passes:     o.passes.Load(),
		Waypoints:  o.store.Count(),
		LastExport: o.lastExport,
	}
	if o.lastPass != nil {
		p := *o.lastPass
		s.LastPass = &p
	}
	return s
}

// CanonicalFile returns the configured canonical file path.
func (o *Orchestrator) CanonicalFile() string {
	return o.cfg.CanonicalFile
}

func (o *Orchestrator) isStarted() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.started
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// notExist reports whether err means a missing file.
func notExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
