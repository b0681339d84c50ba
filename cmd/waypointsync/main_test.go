package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/waypoint-sync/internal/audit"
	"github.com/nerrad567/waypoint-sync/internal/bridges/n2k"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("WAYPOINTSYNC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_CleanShutdown(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
site:
  id: test-vessel
database:
  path: "` + filepath.Join(dir, "db", "test.db") + `"
  wal_mode: true
  busy_timeout: 5
api:
  enabled: false
mqtt:
  enabled: false
n2k:
  enabled: false
metrics:
  enabled: true
logging:
  level: error
  format: text
sync:
  watch_dir: "` + filepath.Join(dir, "watch") + `"
  canonical_file: "` + filepath.Join(dir, "watch", "waypoints.gpx") + `"
  format_map_file: "` + filepath.Join(dir, "missing.json") + `"
  output_dir: "` + filepath.Join(dir, "out") + `"
  cycle_interval: 50ms
  poll_interval: 1s
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("WAYPOINTSYNC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "db", "test.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("WAYPOINTSYNC_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("WAYPOINTSYNC_CONFIG", "/etc/waypointsync.yaml")
	if got := getConfigPath(); got != "/etc/waypointsync.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestBuildRegistry(t *testing.T) {
	log := logging.Discard()

	reg, err := buildRegistry(config.DevicesConfig{
		Names: []config.DeviceNameEntry{{NAME: "0x00000000000000AA", Name: "Raymarine", Format: "rwf"}},
	}, log)
	if err != nil {
		t.Fatalf("buildRegistry() error = %v", err)
	}
	if reg.Override() {
		t.Error("override active without override list")
	}

	reg.SetSource(staticTable{{Source: 5, NAME: 0xAA}, {Source: 7, NAME: device.NAMEGarmin}})
	got := reg.ListDevices()
	if len(got) != 2 || got[0].FormatKey != "rwf" || got[1].FormatKey != "usr" {
		t.Errorf("ListDevices() = %+v", got)
	}

	reg, err = buildRegistry(config.DevicesConfig{
		Override: []config.DeviceEntry{{Name: "Bench", Format: "usr"}},
	}, log)
	if err != nil {
		t.Fatalf("buildRegistry(override) error = %v", err)
	}
	if !reg.Override() || len(reg.ListDevices()) != 1 {
		t.Errorf("override registry = %+v", reg.ListDevices())
	}

	if _, err := buildRegistry(config.DevicesConfig{
		Names: []config.DeviceNameEntry{{NAME: "zz", Name: "X", Format: "x"}},
	}, log); err == nil {
		t.Error("buildRegistry() accepted invalid NAME")
	}
}

type staticTable []device.BusDevice

func (s staticTable) BusDevices() []device.BusDevice { return s }

type fakeSubscriber struct {
	waypointFn func(mqtt.WaypointCommand) error
	handlers   map[string]mqtt.MessageHandler
	err        error
}

func (f *fakeSubscriber) SubscribeWaypointCommands(fn func(mqtt.WaypointCommand) error) error {
	f.waypointFn = fn
	return f.err
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	if f.handlers == nil {
		f.handlers = make(map[string]mqtt.MessageHandler)
	}
	f.handlers[topic] = h
	return f.err
}

type fakeTarget struct {
	mu    sync.Mutex
	added []string
	syncs int
	done  chan struct{}
}

func (f *fakeTarget) AddWaypoint(_ context.Context, _ uint16, name string, lat, lon float64) (waypoint.Record, error) {
	f.mu.Lock()
	f.added = append(f.added, name)
	f.mu.Unlock()
	f.done <- struct{}{}
	return waypoint.Record{ID: waypoint.FirstID, Name: name, Latitude: lat, Longitude: lon}, nil
}

func (f *fakeTarget) SyncAll(context.Context) orchestrator.PassReport {
	f.mu.Lock()
	f.syncs++
	f.mu.Unlock()
	f.done <- struct{}{}
	return orchestrator.PassReport{ID: "p"}
}

type fakeJournal struct {
	ch chan audit.Entry
}

func (f *fakeJournal) Record(_ context.Context, e *audit.Entry) error {
	f.ch <- *e
	return nil
}

func TestSubscribeCommands(t *testing.T) {
	sub := &fakeSubscriber{}
	target := &fakeTarget{done: make(chan struct{}, 2)}
	journal := &fakeJournal{ch: make(chan audit.Entry, 2)}
	q := newCommandQueue(4)

	if err := subscribeCommands(sub, target, q, journal, logging.Discard()); err != nil {
		t.Fatalf("subscribeCommands() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.run(ctx) //nolint:errcheck // returns nil on cancel

	if err := sub.waypointFn(mqtt.WaypointCommand{Name: "Reef", Latitude: 1, Longitude: 2}); err != nil {
		t.Fatal(err)
	}
	h := sub.handlers[mqtt.Topics{}.SyncCommand()]
	if h == nil {
		t.Fatal("sync command not subscribed")
	}
	if err := h(mqtt.Topics{}.SyncCommand(), nil); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		select {
		case <-target.done:
		case <-time.After(2 * time.Second):
			t.Fatal("command not executed")
		}
	}

	actions := map[string]audit.Entry{}
	for range 2 {
		select {
		case e := <-journal.ch:
			actions[e.Action] = e
		case <-time.After(2 * time.Second):
			t.Fatal("command not journaled")
		}
	}
	if e := actions[audit.ActionCreate]; e.Source != audit.SourceMQTT || e.WaypointID != waypoint.FirstID {
		t.Errorf("create entry = %+v", e)
	}
	if e := actions[audit.ActionSync]; e.Details["pass_id"] != "p" {
		t.Errorf("sync entry = %+v", e)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.added) != 1 || target.added[0] != "Reef" || target.syncs != 1 {
		t.Errorf("added = %v syncs = %d", target.added, target.syncs)
	}
}

func TestSubscribeCommands_Error(t *testing.T) {
	sub := &fakeSubscriber{err: errors.New("not connected")}
	if err := subscribeCommands(sub, &fakeTarget{}, newCommandQueue(1), nil, logging.Discard()); err == nil {
		t.Error("subscribeCommands() error = nil")
	}
}

func TestCommandQueue_Full(t *testing.T) {
	q := newCommandQueue(1)
	if err := q.submit(func(context.Context) {}); err != nil {
		t.Fatal(err)
	}
	if err := q.submit(func(context.Context) {}); !errors.Is(err, errCommandQueueFull) {
		t.Errorf("submit() error = %v, want errCommandQueueFull", err)
	}
}

type fakeCounterSource struct{ m n2k.Metrics }

func (f fakeCounterSource) GetMetrics() n2k.Metrics { return f.m }

type fakeCounterWriter struct {
	ch chan influxdb.BusCounters
}

func (f *fakeCounterWriter) WriteBusCounters(b influxdb.BusCounters, _ time.Time) {
	select {
	case f.ch <- b:
	default:
	}
}

func TestWriteBusCounters(t *testing.T) {
	src := fakeCounterSource{m: n2k.Metrics{
		MessagesReceived: 10,
		Broadcasts:       3,
		BusDevices:       2,
		Gateway:          n2k.GatewayStats{Connected: true},
	}}
	w := &fakeCounterWriter{ch: make(chan influxdb.BusCounters, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- writeBusCounters(ctx, w, src, 10*time.Millisecond) }()

	select {
	case got := <-w.ch:
		if got.MessagesReceived != 10 || got.Broadcasts != 3 || got.Devices != 2 || !got.Connected {
			t.Errorf("counters = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no counters written")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("writeBusCounters() error = %v", err)
	}
}

func TestMetricsSink(t *testing.T) {
	c, err := newCollector()
	if err != nil {
		t.Fatal(err)
	}
	store := waypoint.NewStore(nil)
	sink := metricsSink(c, store)

	if _, err := store.Add(context.Background(), 0, "A", 1, 1); err != nil {
		t.Fatal(err)
	}
	sink.WaypointChanged(waypoint.Change{Kind: waypoint.ChangeAdded})
	sink.PassCompleted(orchestrator.PassReport{
		Trigger:    orchestrator.TriggerWatch,
		Broadcasts: 2,
		Outcomes: []orchestrator.DeviceOutcome{
			{Device: device.Descriptor{DisplayName: "Garmin", FormatKey: "usr"}, Converted: true},
		},
	})

	if got := testutil.ToFloat64(c.WaypointChanges.WithLabelValues("added")); got != 1 {
		t.Errorf("changes = %v", got)
	}
	if got := testutil.ToFloat64(c.Conversions.WithLabelValues("usr", "ok")); got != 1 {
		t.Errorf("conversions = %v", got)
	}
	if got := testutil.ToFloat64(c.Waypoints); got != 1 {
		t.Errorf("waypoints = %v", got)
	}
}

func TestGatewayDaemonSpec(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()

	cfg := config.N2KConfig{
		Gateway: "tcp://" + addr,
		Daemon: config.N2KDaemonConfig{
			Enabled:       true,
			Binary:        "/usr/bin/n2kd",
			Args:          []string{"--port", "2598"},
			MaxRestarts:   5,
			ProbeInterval: time.Second,
		},
	}
	spec := gatewayDaemonSpec(cfg)
	if spec.Name != "n2kd" {
		t.Errorf("Name = %q, want n2kd", spec.Name)
	}
	if spec.MaxRestarts != 5 || len(spec.Args) != 2 {
		t.Errorf("spec = %+v, want restart budget and args copied", spec)
	}
	if spec.Probe == nil {
		t.Fatal("tcp gateway should get a probe")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := spec.Probe(ctx); err != nil {
		t.Errorf("Probe() with listener error = %v", err)
	}
	ln.Close()
	if err := spec.Probe(ctx); err == nil {
		t.Error("Probe() after close should fail")
	}

	cfg.Gateway = "serial:///dev/ttyUSB0"
	if gatewayDaemonSpec(cfg).Probe != nil {
		t.Error("serial gateway should not get a tcp probe")
	}
	cfg.Gateway = "tcp://" + addr
	cfg.Daemon.ProbeInterval = 0
	if gatewayDaemonSpec(cfg).Probe != nil {
		t.Error("zero probe interval should disable the probe")
	}
}

func TestStartGatewayDaemon_MissingBinary(t *testing.T) {
	cfg := config.N2KConfig{
		Gateway: "tcp://127.0.0.1:2598",
		Daemon:  config.N2KDaemonConfig{Enabled: true, Binary: "/nonexistent/n2kd"},
	}
	if _, err := startGatewayDaemon(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatal("startGatewayDaemon() should fail for a missing binary")
	}
}
