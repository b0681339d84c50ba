// Waypoint Sync - navigation waypoint distribution daemon
//
// This is the main entry point for the waypoint sync daemon. It keeps one
// canonical waypoint file in step with every navigation device aboard:
//   - Edits to the canonical file are converted to each device's format
//   - Waypoints created on the NMEA 2000 bus are stored and fanned back out
//   - An HTTP API and optional MQTT topics expose the store to other systems
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/waypoint-sync/internal/api"
	"github.com/nerrad567/waypoint-sync/internal/audit"
	"github.com/nerrad567/waypoint-sync/internal/bridges/n2k"
	"github.com/nerrad567/waypoint-sync/internal/convert"
	"github.com/nerrad567/waypoint-sync/internal/detect"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/database"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/influxdb"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/mqtt"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/process"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
	"github.com/nerrad567/waypoint-sync/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting waypoint sync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"site", cfg.Site.ID,
	)

	// Database
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	log.Info("database ready", "path", cfg.Database.Path, "schema", schema)

	store := waypoint.NewStore(waypoint.NewSQLiteRepository(db.DB))
	store.SetLogger(log.Component("store"))
	recorder := orchestrator.NewSQLitePassRecorder(db.DB)
	journal := audit.NewSQLiteRepository(db.DB)

	// Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = newCollector()
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		log.Info("MQTT enabled",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Change detection, devices and conversion
	detector := detect.New(detect.Options{
		PrimaryTimeout: cfg.Sync.PrimaryTimeout,
		PollInterval:   cfg.Sync.PollInterval,
		Logger:         log.Component("detect"),
	})
	defer func() {
		if closeErr := detector.Close(); closeErr != nil {
			log.Error("error closing change detector", "error", closeErr)
		}
	}()

	registry, err := buildRegistry(cfg.Devices, log)
	if err != nil {
		return fmt.Errorf("building device registry: %w", err)
	}

	dispatcher := convert.New(convert.Options{
		Binary:    cfg.Converter.Binary,
		Timeout:   cfg.Converter.Timeout,
		OutputDir: cfg.Sync.OutputDir,
		Logger:    log.Component("convert"),
	})

	// The bridge hands bus waypoints to the orchestrator, which in turn
	// broadcasts through the bridge. orch is assigned before the bridge starts.
	var orch *orchestrator.Orchestrator
	busHandler := n2k.HandlerFunc(func(ctx context.Context, lat, lon float64, name string) error {
		return orch.OnBusWaypoint(ctx, lat, lon, name)
	})

	var gwDaemon *process.Supervisor
	if cfg.N2K.Enabled && cfg.N2K.Daemon.Enabled {
		gwDaemon, err = startGatewayDaemon(ctx, cfg.N2K, log)
		if err != nil {
			return fmt.Errorf("starting gateway daemon: %w", err)
		}
		defer func() {
			log.Info("stopping gateway daemon")
			gwDaemon.Stop()
		}()
	}

	var bridge *n2k.Bridge
	if cfg.N2K.Enabled {
		bridge, err = newBridge(cfg, mqttClient, busHandler, log)
		if err != nil {
			return fmt.Errorf("creating n2k bridge: %w", err)
		}
		registry.SetSource(busTable{bridge: bridge})
	} else {
		log.Info("n2k bridge disabled")
	}

	var bus orchestrator.Broadcaster
	if bridge != nil {
		bus = bridge
	}

	orch, err = orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			WatchDir:          cfg.Sync.WatchDir,
			CanonicalFile:     cfg.Sync.CanonicalFile,
			SourceFormat:      cfg.Sync.SourceFormat,
			FormatMapFile:     cfg.Sync.FormatMapFile,
			OutputDir:         cfg.Sync.OutputDir,
			CycleInterval:     cfg.Sync.CycleInterval,
			FanoutConcurrency: cfg.Sync.FanoutConcurrency,
		},
		Store:       store,
		Detector:    detector,
		Devices:     registry,
		Converter:   dispatcher,
		Broadcaster: bus,
		Recorder:    recorder,
		Logger:      log.Component("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Event sinks are attached before startup so the startup pass is reported.
	if collector != nil {
		orch.AddSink(metricsSink(collector, store))
		if bridge != nil {
			if regErr := collector.RegisterBusGauges(bridge.BusDeviceCount, bridge.IsConnected); regErr != nil {
				log.Warn("bus gauges not registered", "error", regErr)
			}
		}
	}
	if influxClient != nil {
		orch.AddSink(orchestrator.NewInfluxSink(influxClient))
	}
	if mqttClient != nil {
		sink := orchestrator.NewMQTTSink(mqttClient, orchestrator.MQTTSinkConfig{
			WaypointTopic: mqtt.Topics{}.WaypointEvent(),
			SyncTopic:     mqtt.Topics{}.SyncEvent(),
			QoS:           byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
		}, log.Component("mqtt-sink"))
		orch.AddSink(sink)
		g.Go(func() error { return sink.Run(gctx) })
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:      cfg.API,
			WS:          cfg.WebSocket,
			Security:    cfg.Security,
			Logger:      log.Component("api"),
			Store:       store,
			Sync:        orch,
			Devices:     registry,
			Passes:      recorder,
			Audit:       journal,
			Metrics:     collector,
			MetricsPath: cfg.Metrics.Path,
			Version:     version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		orch.AddSink(apiServer.Hub())
	} else if collector != nil {
		log.Warn("metrics enabled but API disabled, metrics are not served")
	}

	// Startup reconciliation and the first pass. The bus starts after it so
	// inbound waypoints never reach an unloaded store.
	if startErr := orch.OnStartup(gctx); startErr != nil {
		return fmt.Errorf("orchestrator startup: %w", startErr)
	}

	// Bus
	if bridge != nil {
		if startErr := bridge.Start(gctx); startErr != nil {
			return fmt.Errorf("starting n2k bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping n2k bridge")
			bridge.Stop()
		}()
		log.Info("n2k bridge started", "gateway", cfg.N2K.Gateway)
	}

	// Runs after the API server closes and before the bridge stops.
	defer orch.Wait()

	if apiServer != nil {
		if startErr := apiServer.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if mqttClient != nil {
		commands := newCommandQueue(commandQueueSize)
		if subErr := subscribeCommands(mqttClient, orch, commands, journal, log); subErr != nil {
			log.Warn("MQTT command subscription failed", "error", subErr)
		}
		g.Go(func() error { return commands.run(gctx) })
	}

	if influxClient != nil && bridge != nil {
		g.Go(func() error { return writeBusCounters(gctx, influxClient, bridge, cfg.N2K.HealthInterval) })
	}

	if err := healthCheck(gctx, db, mqttClient, influxClient, gwDaemon); err != nil {
		log.Warn("startup health check", "error", err)
	}

	g.Go(func() error { return orch.Run(gctx) })

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("waypoint sync stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WAYPOINTSYNC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WAYPOINTSYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newCollector registers the daemon metrics plus Go runtime and process
// collectors on a private registry.
func newCollector() (*metrics.Collector, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg)
}

// metricsSink feeds store changes and passes into the Prometheus collector.
func metricsSink(c *metrics.Collector, store *waypoint.Store) orchestrator.EventSink {
	return orchestrator.FuncSink{
		OnWaypoint: func(ch waypoint.Change) {
			c.ObserveWaypointChange(string(ch.Kind), store.Count())
		},
		OnPass: func(r orchestrator.PassReport) {
			conv := make([]metrics.ConversionResult, 0, len(r.Outcomes))
			for _, o := range r.Outcomes {
				conv = append(conv, metrics.ConversionResult{Format: o.Device.FormatKey, OK: o.Converted})
			}
			c.ObservePass(r.Trigger, r.Duration, conv, r.Broadcasts, r.BroadcastFailures)
			c.SetWaypoints(store.Count())
		},
	}
}

// healthCheck verifies infrastructure connections.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - gwDaemon: Supervised gateway process (may be nil if not managed)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client, gwDaemon *process.Supervisor) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if gwDaemon != nil {
		if snap := gwDaemon.Snapshot(); snap.State != process.StateRunning {
			return fmt.Errorf("gateway daemon %s is %s: %s", snap.Name, snap.State, snap.LastError)
		}
	}
	return nil
}
