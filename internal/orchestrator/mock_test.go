package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/convert"
	"github.com/nerrad567/waypoint-sync/internal/detect"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

type fakeDetector struct {
	mu      sync.Mutex
	results []detect.Result
	watched []string
	resets  int
	primed  int
	checks  int
}

func (d *fakeDetector) AddWatch(dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched = append(d.watched, dir)
	return nil
}

func (d *fakeDetector) Check(context.Context) detect.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	if len(d.results) == 0 {
		return detect.Result{Kind: detect.NoChange}
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r
}

func (d *fakeDetector) ResetFlags() {
	d.mu.Lock()
	d.resets++
	d.mu.Unlock()
}

func (d *fakeDetector) Prime() {
	d.mu.Lock()
	d.primed++
	d.mu.Unlock()
}

func (d *fakeDetector) push(kind detect.ResultKind, paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := detect.Result{Kind: kind}
	for _, p := range paths {
		r.Events = append(r.Events, detect.ChangeEvent{Source: detect.SourceWatch, Path: p, ObservedAt: time.Now()})
	}
	d.results = append(d.results, r)
}

type fakeDevices struct {
	list []device.Descriptor
}

func (f *fakeDevices) ListDevices() []device.Descriptor {
	return append([]device.Descriptor(nil), f.list...)
}

// fakeConverter records conversions instead of running gpsbabel.
type fakeConverter struct {
	mu      sync.Mutex
	formats convert.FormatMap
	calls   []string
	fail    map[string]bool

	// block, when set, holds every conversion until it is closed.
	block chan struct{}
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{formats: convert.FormatMap{}, fail: map[string]bool{}}
}

func (c *fakeConverter) ConvertDetailed(_ context.Context, canonical, _, target string) convert.Outcome {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, target)
	out := convert.Outcome{Target: target, OutputFile: convert.OutputPath("", canonical, target), Duration: time.Millisecond}
	if c.fail[target] {
		out.Err = fmt.Errorf("%w: exit status 1", convert.ErrConversionFailed)
	}
	return out
}

func (c *fakeConverter) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.formats.Lookup(key)
}

func (c *fakeConverter) SetFormats(m convert.FormatMap) {
	c.mu.Lock()
	c.formats = m.Clone()
	c.mu.Unlock()
}

func (c *fakeConverter) Reload(path string) (int, error) {
	m, err := convert.LoadFormatMap(path)
	if err != nil {
		return 0, err
	}
	c.SetFormats(m)
	return len(m), nil
}

func (c *fakeConverter) sortedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.calls...)
	sort.Strings(out)
	return out
}

func (c *fakeConverter) reset() {
	c.mu.Lock()
	c.calls = nil
	c.mu.Unlock()
}

type fakeBus struct {
	mu   sync.Mutex
	sent []waypoint.Record
	err  error
}

func (b *fakeBus) Broadcast(_ context.Context, rec waypoint.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, rec)
	return nil
}

func (b *fakeBus) records() []waypoint.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]waypoint.Record(nil), b.sent...)
}

func (b *fakeBus) reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

type fakeRecorder struct {
	mu     sync.Mutex
	passes []PassReport
}

func (r *fakeRecorder) RecordPass(_ context.Context, p PassReport) error {
	r.mu.Lock()
	r.passes = append(r.passes, p)
	r.mu.Unlock()
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	changes []waypoint.Change
	passes  []PassReport
}

func (s *recordingSink) WaypointChanged(c waypoint.Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
}

func (s *recordingSink) PassCompleted(r PassReport) {
	s.mu.Lock()
	s.passes = append(s.passes, r)
	s.mu.Unlock()
}

// harness bundles an orchestrator with its fakes over a temp watch dir.
type harness struct {
	dir       string
	canonical string
	orch      *Orchestrator
	store     *waypoint.Store
	detector  *fakeDetector
	devices   *fakeDevices
	converter *fakeConverter
	bus       *fakeBus
	recorder  *fakeRecorder
	sink      *recordingSink
}

const testFormatMap = `{"usr": {"format_name": "garmin_usr"}, "hwr": {"format_name": "lowranceusr"}}`

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	mapFile := filepath.Join(t.TempDir(), "format_mapping.json")
	if err := os.WriteFile(mapFile, []byte(testFormatMap), 0o600); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		dir:       dir,
		canonical: filepath.Join(dir, "waypoints.gpx"),
		store:     waypoint.NewStore(nil),
		detector:  &fakeDetector{},
		devices: &fakeDevices{list: []device.Descriptor{
			{DisplayName: "Garmin", FormatKey: "usr"},
			{DisplayName: "Lowrance", FormatKey: "hwr"},
		}},
		converter: newFakeConverter(),
		bus:       &fakeBus{},
		recorder:  &fakeRecorder{},
		sink:      &recordingSink{},
	}

	orch, err := New(Options{
		Config: Config{
			WatchDir:      dir,
			CanonicalFile: h.canonical,
			FormatMapFile: mapFile,
			OutputDir:     filepath.Join(dir, "out"),
		},
		Store:       h.store,
		Detector:    h.detector,
		Devices:     h.devices,
		Converter:   h.converter,
		Broadcaster: h.bus,
		Recorder:    h.recorder,
		Sinks:       []EventSink{h.sink},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	return h
}

// resetCollaborators clears recorded calls, typically after OnStartup.
func (h *harness) resetCollaborators() {
	h.converter.reset()
	h.bus.reset()
}

type gpxPoint struct {
	name     string
	lat, lon string
}

// writeGPX writes a hand-formatted GPX file.
func writeGPX(t *testing.T, path string, points ...gpxPoint) {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">` + "\n")
	for _, p := range points {
		fmt.Fprintf(&b, "<wpt lat=%q lon=%q><name>%s</name></wpt>\n", p.lat, p.lon, p.name)
	}
	b.WriteString("</gpx>\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
}

// writeRecords writes records through the GPX codec, record ids included.
func writeRecords(t *testing.T, path string, records ...waypoint.Record) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := waypoint.WriteGPX(f, records); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}
