package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/waypoint-sync/internal/audit"
	"github.com/nerrad567/waypoint-sync/internal/bridges/n2k"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/process"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

const (
	commandQueueSize        = 16
	defaultBusCounterPeriod = 30 * time.Second
)

// errCommandQueueFull is returned to the MQTT layer when commands back up.
var errCommandQueueFull = errors.New("command queue full")

// buildRegistry creates the device registry from the devices section.
// Configured names extend the built-in table; a non-empty override list
// switches the registry to override mode.
func buildRegistry(cfg config.DevicesConfig, log *logging.Logger) (*device.Registry, error) {
	names := device.DefaultNameTable()
	for _, n := range cfg.Names {
		id, err := device.ParseNAME(n.NAME)
		if err != nil {
			return nil, err
		}
		d := device.Descriptor{DisplayName: n.Name, FormatKey: n.Format}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		names[id] = d
	}

	registry := device.NewRegistry(nil, names)
	registry.SetLogger(log.Component("devices"))

	if len(cfg.Override) > 0 {
		list := make([]device.Descriptor, 0, len(cfg.Override))
		for _, e := range cfg.Override {
			list = append(list, device.Descriptor{DisplayName: e.Name, FormatKey: e.Format})
		}
		if err := registry.SetOverride(list); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// busTable adapts the bridge's address claim table to device.DeviceTableSource.
type busTable struct {
	bridge *n2k.Bridge
}

// BusDevices implements device.DeviceTableSource.
func (t busTable) BusDevices() []device.BusDevice {
	nodes := t.bridge.Devices()
	out := make([]device.BusDevice, len(nodes))
	for i, n := range nodes {
		out[i] = device.BusDevice{Source: n.Source, NAME: n.NAME}
	}
	return out
}

// newBridge starts the gateway client and builds the bridge around it.
// The MQTT health reporter is attached when mqttClient is non-nil.
//
// Parameters:
//   - cfg: Application configuration
//   - mqttClient: MQTT client for health publishing (may be nil)
//   - handler: Receives waypoints created on the bus
//   - log: Logger instance
//
// Returns:
//   - *n2k.Bridge: Bridge ready to Start
//   - error: If the gateway URL is invalid or the bridge cannot be built
func newBridge(cfg *config.Config, mqttClient *mqtt.Client, handler n2k.WaypointHandler, log *logging.Logger) (*n2k.Bridge, error) {
	gw, err := n2k.NewGatewayClient(n2k.GatewayConfig{
		URL:              cfg.N2K.Gateway,
		SerialBaud:       cfg.N2K.SerialBaud,
		WriteTimeout:     cfg.N2K.SendTimeout,
		ReconnectInitial: cfg.N2K.Reconnect.InitialDelay,
		ReconnectMax:     cfg.N2K.Reconnect.MaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}
	gw.SetLogger(log.Component("n2k-gateway"))

	var health *n2k.HealthReporter
	if mqttClient != nil {
		health = n2k.NewHealthReporter(n2k.HealthReporterConfig{
			Version:   version,
			Gateway:   cfg.N2K.Gateway,
			Interval:  cfg.N2K.HealthInterval,
			Publisher: mqttClient,
			Connector: gw,
			Logger:    log.Component("n2k-health"),
		})
	}

	bridge, err := n2k.NewBridge(n2k.BridgeOptions{
		Connector:     gw,
		Handler:       handler,
		SourceAddress: uint8(cfg.N2K.SourceAddress), //nolint:gosec // validated to 1-251
		DrainInterval: cfg.N2K.DrainInterval,
		SendTimeout:   cfg.N2K.SendTimeout,
		QueueSize:     cfg.N2K.QueueSize,
		Health:        health,
		Logger:        log.Component("n2k"),
	})
	if err != nil {
		_ = gw.Close() //nolint:errcheck // bridge construction already failed
		return nil, err
	}

	gw.Start()
	return bridge, nil
}

// gatewayDaemonSpec maps the n2k.daemon section to a supervisor spec.
// A tcp:// gateway gets a dial probe when probe_interval is set.
func gatewayDaemonSpec(cfg config.N2KConfig) process.Spec {
	spec := process.Spec{
		Name:            filepath.Base(cfg.Daemon.Binary),
		Binary:          cfg.Daemon.Binary,
		Args:            cfg.Daemon.Args,
		RestartDelay:    cfg.Daemon.RestartDelay,
		MaxRestartDelay: cfg.Daemon.MaxRestartDelay,
		MaxRestarts:     cfg.Daemon.MaxRestarts,
		StopTimeout:     cfg.Daemon.StopTimeout,
		ProbeInterval:   cfg.Daemon.ProbeInterval,
	}

	addr, isTCP := strings.CutPrefix(cfg.Gateway, "tcp://")
	if isTCP && cfg.Daemon.ProbeInterval > 0 {
		spec.Probe = func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	return spec
}

// startGatewayDaemon launches the supervised gateway process.
func startGatewayDaemon(ctx context.Context, cfg config.N2KConfig, log *logging.Logger) (*process.Supervisor, error) {
	sup, err := process.New(gatewayDaemonSpec(cfg))
	if err != nil {
		return nil, err
	}
	sup.SetLogger(log.Component("gateway-daemon"))
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	return sup, nil
}

// commandQueue runs MQTT commands off the paho callback goroutine, one at a time.
type commandQueue struct {
	ch chan func(context.Context)
}

func newCommandQueue(size int) *commandQueue {
	return &commandQueue{ch: make(chan func(context.Context), size)}
}

// submit queues fn without blocking.
func (q *commandQueue) submit(fn func(context.Context)) error {
	select {
	case q.ch <- fn:
		return nil
	default:
		return errCommandQueueFull
	}
}

func (q *commandQueue) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-q.ch:
			fn(ctx)
		}
	}
}

// commandTarget is the orchestrator surface reachable from MQTT commands.
type commandTarget interface {
	AddWaypoint(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error)
	SyncAll(ctx context.Context) orchestrator.PassReport
}

// commandSubscriber is the MQTT surface subscribeCommands needs.
type commandSubscriber interface {
	SubscribeWaypointCommands(fn func(cmd mqtt.WaypointCommand) error) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// commandJournal records MQTT-initiated changes. Satisfied by *audit.SQLiteRepository.
type commandJournal interface {
	Record(ctx context.Context, e *audit.Entry) error
}

// subscribeCommands routes waypoint and sync commands into q.
// journal may be nil.
func subscribeCommands(sub commandSubscriber, target commandTarget, q *commandQueue, journal commandJournal, log *logging.Logger) error {
	record := func(ctx context.Context, e *audit.Entry) {
		if journal == nil {
			return
		}
		e.Source = audit.SourceMQTT
		if err := journal.Record(ctx, e); err != nil {
			log.Warn("audit record failed", "action", e.Action, "error", err)
		}
	}

	if err := sub.SubscribeWaypointCommands(func(cmd mqtt.WaypointCommand) error {
		return q.submit(func(ctx context.Context) {
			rec, err := target.AddWaypoint(ctx, 0, cmd.Name, cmd.Latitude, cmd.Longitude)
			if err != nil {
				log.Warn("MQTT waypoint command rejected", "name", cmd.Name, "error", err)
				return
			}
			log.Info("waypoint added via MQTT", "id", rec.ID, "name", rec.Name)
			record(ctx, &audit.Entry{
				Action:     audit.ActionCreate,
				WaypointID: rec.ID,
				Details:    map[string]any{"name": rec.Name, "latitude": rec.Latitude, "longitude": rec.Longitude},
			})
		})
	}); err != nil {
		return fmt.Errorf("subscribing waypoint commands: %w", err)
	}

	if err := sub.Subscribe(mqtt.Topics{}.SyncCommand(), 1, func(string, []byte) error {
		return q.submit(func(ctx context.Context) {
			report := target.SyncAll(ctx)
			log.Info("manual sync via MQTT", "pass_id", report.ID, "failures", report.Failures())
			record(ctx, &audit.Entry{
				Action:  audit.ActionSync,
				Details: map[string]any{"pass_id": report.ID, "failures": report.Failures()},
			})
		})
	}); err != nil {
		return fmt.Errorf("subscribing sync commands: %w", err)
	}
	return nil
}

// busCounterSource is satisfied by *n2k.Bridge.
type busCounterSource interface {
	GetMetrics() n2k.Metrics
}

// busCounterWriter is satisfied by *influxdb.Client.
type busCounterWriter interface {
	WriteBusCounters(b influxdb.BusCounters, at time.Time)
}

// writeBusCounters writes a bridge counter snapshot every period until ctx is done.
func writeBusCounters(ctx context.Context, w busCounterWriter, src busCounterSource, period time.Duration) error {
	if period <= 0 {
		period = defaultBusCounterPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.WriteBusCounters(busCounters(src.GetMetrics()), now)
		}
	}
}

func busCounters(m n2k.Metrics) influxdb.BusCounters {
	return influxdb.BusCounters{
		MessagesReceived:  m.MessagesReceived,
		WaypointsReceived: m.WaypointsReceived,
		Broadcasts:        m.Broadcasts,
		BroadcastErrors:   m.BroadcastErrors,
		QueueDropped:      m.QueueDropped,
		Devices:           m.BusDevices,
		Connected:         m.Gateway.Connected,
	}
}
