package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the waypoint sync daemon.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sync      SyncConfig      `yaml:"sync"`
	Converter ConverterConfig `yaml:"converter"`
	N2K       N2KConfig       `yaml:"n2k"`
	Devices   DevicesConfig   `yaml:"devices"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the vessel or host running the daemon.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
// Publishing waypoint events over MQTT is optional.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for sync telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SyncConfig controls change detection and the fan-out loop.
type SyncConfig struct {
	// WatchDir is the directory monitored for waypoint file changes.
	WatchDir string `yaml:"watch_dir"`

	// CanonicalFile is the waypoint file treated as the source of truth.
	// Its presence at startup triggers a reconciliation pass.
	CanonicalFile string `yaml:"canonical_file"`

	// SourceFormat is the format key of the canonical file.
	SourceFormat string `yaml:"source_format"`

	// FormatMapFile maps device format keys to converter format names.
	FormatMapFile string `yaml:"format_map_file"`

	// OutputDir receives one converted file per device format.
	OutputDir string `yaml:"output_dir"`

	// CycleInterval is the pause between detection cycles.
	CycleInterval time.Duration `yaml:"cycle_interval"`

	// PollInterval rate-limits the mtime polling fallback.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PrimaryTimeout bounds the blocking inotify read in each cycle.
	PrimaryTimeout time.Duration `yaml:"primary_timeout"`

	// FanoutConcurrency caps parallel conversions in one pass.
	FanoutConcurrency int `yaml:"fanout_concurrency"`
}

// ConverterConfig configures the external conversion utility.
type ConverterConfig struct {
	Binary  string        `yaml:"binary"`
	Timeout time.Duration `yaml:"timeout"`
}

// N2KConfig contains NMEA 2000 gateway settings.
type N2KConfig struct {
	Enabled bool `yaml:"enabled"`

	// Gateway is the gateway connection URL.
	// Supported: tcp://host:port, unix:///path, serial:///dev/ttyUSB0
	Gateway string `yaml:"gateway"`

	// SerialBaud is used for serial:// gateways.
	SerialBaud int `yaml:"serial_baud"`

	// SourceAddress is the bus address used for outbound messages.
	SourceAddress int `yaml:"source_address"`

	DrainInterval  time.Duration `yaml:"drain_interval"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	QueueSize      int           `yaml:"queue_size"`
	HealthInterval time.Duration `yaml:"health_interval"`

	Reconnect N2KReconnectConfig `yaml:"reconnect"`

	// Daemon optionally runs the gateway process (for example n2kd or
	// actisense-serial) under supervision before the bridge dials it.
	Daemon N2KDaemonConfig `yaml:"daemon"`
}

// N2KDaemonConfig describes a supervised gateway daemon.
type N2KDaemonConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Binary          string        `yaml:"binary"`
	Args            []string      `yaml:"args"`
	RestartDelay    time.Duration `yaml:"restart_delay"`
	MaxRestartDelay time.Duration `yaml:"max_restart_delay"`
	MaxRestarts     int           `yaml:"max_restarts"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`

	// ProbeInterval enables a TCP probe of a tcp:// gateway. Zero disables it.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// N2KReconnectConfig controls gateway reconnection backoff.
type N2KReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DevicesConfig controls how bus devices are resolved.
type DevicesConfig struct {
	// Override replaces bus discovery with a fixed device list.
	// Intended for bench testing without bus hardware.
	Override []DeviceEntry `yaml:"override"`

	// Names extends the built-in NAME to device type table.
	Names []DeviceNameEntry `yaml:"names"`
}

// DeviceEntry is a device descriptor given directly in configuration.
type DeviceEntry struct {
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// DeviceNameEntry binds a 64-bit bus NAME (hex) to a device type.
type DeviceNameEntry struct {
	NAME   string `yaml:"name_id"`
	Name   string `yaml:"name"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig contains API security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty secret leaves the API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WAYPOINTSYNC_SECTION_KEY
// For example: WAYPOINTSYNC_DATABASE_PATH, WAYPOINTSYNC_N2K_GATEWAY
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "vessel-001",
			Name: "Waypoint Sync",
		},
		Database: DatabaseConfig{
			Path:        "./data/waypointsync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "waypointsync",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sync: SyncConfig{
			WatchDir:          "./data/waypoints",
			CanonicalFile:     "./data/waypoints/waypoints.gpx",
			SourceFormat:      "gpx",
			FormatMapFile:     "./configs/format_mapping.json",
			OutputDir:         "./data/out",
			CycleInterval:     2 * time.Second,
			PollInterval:      5 * time.Second,
			PrimaryTimeout:    200 * time.Millisecond,
			FanoutConcurrency: 2,
		},
		Converter: ConverterConfig{
			Binary:  "gpsbabel",
			Timeout: 30 * time.Second,
		},
		N2K: N2KConfig{
			Enabled:        true,
			Gateway:        "tcp://localhost:2598",
			SerialBaud:     115200,
			SourceAddress:  1,
			DrainInterval:  100 * time.Millisecond,
			SendTimeout:    2 * time.Second,
			QueueSize:      256,
			HealthInterval: 30 * time.Second,
			Reconnect: N2KReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     2 * time.Minute,
			},
			Daemon: N2KDaemonConfig{
				RestartDelay:    2 * time.Second,
				MaxRestartDelay: time.Minute,
				StopTimeout:     5 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: WAYPOINTSYNC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("WAYPOINTSYNC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("WAYPOINTSYNC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WAYPOINTSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WAYPOINTSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("WAYPOINTSYNC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("WAYPOINTSYNC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("WAYPOINTSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Sync paths
	if v := os.Getenv("WAYPOINTSYNC_SYNC_WATCH_DIR"); v != "" {
		cfg.Sync.WatchDir = v
	}
	if v := os.Getenv("WAYPOINTSYNC_SYNC_CANONICAL_FILE"); v != "" {
		cfg.Sync.CanonicalFile = v
	}
	if v := os.Getenv("WAYPOINTSYNC_SYNC_FORMAT_MAP_FILE"); v != "" {
		cfg.Sync.FormatMapFile = v
	}

	// N2K gateway
	if v := os.Getenv("WAYPOINTSYNC_N2K_GATEWAY"); v != "" {
		cfg.N2K.Gateway = v
	}
	if v := os.Getenv("WAYPOINTSYNC_N2K_DAEMON_BINARY"); v != "" {
		cfg.N2K.Daemon.Binary = v
	}

	// Security
	if v := os.Getenv("WAYPOINTSYNC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Sync.WatchDir == "" {
		errs = append(errs, "sync.watch_dir is required")
	}
	if c.Sync.CanonicalFile == "" {
		errs = append(errs, "sync.canonical_file is required")
	}
	switch {
	case c.Sync.OutputDir == "":
		errs = append(errs, "sync.output_dir is required")
	case c.Sync.WatchDir != "" && filepath.Clean(c.Sync.OutputDir) == filepath.Clean(c.Sync.WatchDir):
		errs = append(errs, "sync.output_dir must differ from sync.watch_dir")
	}
	if c.Sync.SourceFormat == "" {
		errs = append(errs, "sync.source_format is required")
	}
	if c.Sync.CycleInterval <= 0 {
		errs = append(errs, "sync.cycle_interval must be positive")
	}
	if c.Sync.PollInterval < time.Second {
		errs = append(errs, "sync.poll_interval must be at least 1s")
	}

	if c.Converter.Binary == "" {
		errs = append(errs, "converter.binary is required")
	}

	if c.N2K.Enabled {
		if c.N2K.Gateway == "" {
			errs = append(errs, "n2k.gateway is required when n2k is enabled")
		}
		if c.N2K.SourceAddress < 1 || c.N2K.SourceAddress > 251 {
			errs = append(errs, "n2k.source_address must be between 1 and 251")
		}
		if c.N2K.DrainInterval <= 0 {
			errs = append(errs, "n2k.drain_interval must be positive")
		}
		if c.N2K.Daemon.Enabled && c.N2K.Daemon.Binary == "" {
			errs = append(errs, "n2k.daemon.binary is required when the daemon is enabled")
		}
	}

	for i, d := range c.Devices.Override {
		if d.Name == "" || d.Format == "" {
			errs = append(errs, fmt.Sprintf("devices.override[%d] needs name and format", i))
		}
	}
	for i, n := range c.Devices.Names {
		if _, err := strconv.ParseUint(strings.TrimPrefix(n.NAME, "0x"), 16, 64); err != nil {
			errs = append(errs, fmt.Sprintf("devices.names[%d].name_id is not a hex NAME", i))
		}
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
