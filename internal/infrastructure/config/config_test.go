package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-vessel"
database:
  path: "/tmp/test.db"
sync:
  watch_dir: "/tmp/watch"
  canonical_file: "/tmp/watch/waypoints.gpx"
  cycle_interval: 3s
  poll_interval: 10s
n2k:
  gateway: "serial:///dev/ttyUSB0"
devices:
  override:
    - name: Garmin
      format: usr
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-vessel" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-vessel")
	}
	if cfg.Sync.WatchDir != "/tmp/watch" {
		t.Errorf("Sync.WatchDir = %q, want %q", cfg.Sync.WatchDir, "/tmp/watch")
	}
	if cfg.Sync.CycleInterval != 3*time.Second {
		t.Errorf("Sync.CycleInterval = %v, want 3s", cfg.Sync.CycleInterval)
	}
	if cfg.Sync.PollInterval != 10*time.Second {
		t.Errorf("Sync.PollInterval = %v, want 10s", cfg.Sync.PollInterval)
	}
	// Untouched values keep their defaults
	if cfg.Sync.SourceFormat != "gpx" {
		t.Errorf("Sync.SourceFormat = %q, want gpx", cfg.Sync.SourceFormat)
	}
	if cfg.N2K.Gateway != "serial:///dev/ttyUSB0" {
		t.Errorf("N2K.Gateway = %q", cfg.N2K.Gateway)
	}
	if len(cfg.Devices.Override) != 1 || cfg.Devices.Override[0].Format != "usr" {
		t.Errorf("Devices.Override = %+v", cfg.Devices.Override)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
`)

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{
			name:   "port ignored when API disabled",
			mutate: func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
		},
		{name: "missing watch dir", mutate: func(c *Config) { c.Sync.WatchDir = "" }, wantErr: true},
		{name: "poll interval too short", mutate: func(c *Config) { c.Sync.PollInterval = 100 * time.Millisecond }, wantErr: true},
		{name: "missing converter", mutate: func(c *Config) { c.Converter.Binary = "" }, wantErr: true},
		{name: "bad source address", mutate: func(c *Config) { c.N2K.SourceAddress = 254 }, wantErr: true},
		{name: "zero source address", mutate: func(c *Config) { c.N2K.SourceAddress = 0 }, wantErr: true},
		{name: "missing output dir", mutate: func(c *Config) { c.Sync.OutputDir = "" }, wantErr: true},
		{
			name:    "output dir is the watch dir",
			mutate:  func(c *Config) { c.Sync.OutputDir = c.Sync.WatchDir + "/" },
			wantErr: true,
		},
		{
			name:   "gateway not needed when n2k disabled",
			mutate: func(c *Config) { c.N2K.Enabled = false; c.N2K.Gateway = "" },
		},
		{
			name:    "daemon enabled without binary",
			mutate:  func(c *Config) { c.N2K.Daemon.Enabled = true },
			wantErr: true,
		},
		{
			name: "daemon with binary",
			mutate: func(c *Config) {
				c.N2K.Daemon.Enabled = true
				c.N2K.Daemon.Binary = "/usr/bin/n2kd"
			},
		},
		{
			name:    "override entry without format",
			mutate:  func(c *Config) { c.Devices.Override = []DeviceEntry{{Name: "Garmin"}} },
			wantErr: true,
		},
		{
			name: "valid NAME entry",
			mutate: func(c *Config) {
				c.Devices.Names = []DeviceNameEntry{{NAME: "0x1122334455667788", Name: "Raymarine", Format: "rmr"}}
			},
		},
		{
			name:    "invalid NAME entry",
			mutate:  func(c *Config) { c.Devices.Names = []DeviceNameEntry{{NAME: "garmin"}} },
			wantErr: true,
		},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{
			name:   "JWT secret long enough",
			mutate: func(c *Config) { c.Security.JWT.Secret = "test-secret-key-at-least-32-chars!" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("WAYPOINTSYNC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("WAYPOINTSYNC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("WAYPOINTSYNC_API_PORT", "9100")
	t.Setenv("WAYPOINTSYNC_SYNC_WATCH_DIR", "/mnt/sd")
	t.Setenv("WAYPOINTSYNC_N2K_GATEWAY", "unix:///run/n2kd.sock")
	t.Setenv("WAYPOINTSYNC_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.API.Port != 9100 {
		t.Errorf("API.Port = %d, want 9100", cfg.API.Port)
	}
	if cfg.Sync.WatchDir != "/mnt/sd" {
		t.Errorf("Sync.WatchDir = %q, want /mnt/sd", cfg.Sync.WatchDir)
	}
	if cfg.N2K.Gateway != "unix:///run/n2kd.sock" {
		t.Errorf("N2K.Gateway = %q", cfg.N2K.Gateway)
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestApplyEnvOverrides_BadPortIgnored(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("WAYPOINTSYNC_API_PORT", "not-a-port")

	applyEnvOverrides(cfg)

	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want default 8090", cfg.API.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Sync.CycleInterval != 2*time.Second {
		t.Errorf("Sync.CycleInterval = %v, want 2s", cfg.Sync.CycleInterval)
	}
	if cfg.N2K.DrainInterval != 100*time.Millisecond {
		t.Errorf("N2K.DrainInterval = %v, want 100ms", cfg.N2K.DrainInterval)
	}
	if cfg.N2K.SourceAddress != 1 {
		t.Errorf("N2K.SourceAddress = %d, want 1", cfg.N2K.SourceAddress)
	}
	if cfg.Converter.Binary != "gpsbabel" {
		t.Errorf("Converter.Binary = %q, want gpsbabel", cfg.Converter.Binary)
	}
}
