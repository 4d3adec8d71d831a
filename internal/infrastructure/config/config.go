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

// Config is the root configuration structure for the WeMo bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains reconciliation and directory settings.
type BridgeConfig struct {
	Name string `yaml:"name"`

	// DeviceCapacity bounds how many discovered devices are published.
	DeviceCapacity int `yaml:"device_capacity"`

	// SettleWindowMS is how long a commanded value suppresses
	// contradicting engine events, in milliseconds.
	SettleWindowMS int `yaml:"settle_window_ms"`

	// FirstDynamicID is the first endpoint identifier handed out by the registry.
	FirstDynamicID int `yaml:"first_dynamic_id"`

	DefaultFriendlyName string `yaml:"default_friendly_name"`

	// RefreshSchedule is a cron spec for periodic re-discovery.
	// Empty disables it.
	RefreshSchedule string `yaml:"refresh_schedule"`

	EventQueueSize    int `yaml:"event_queue_size"`
	DispatchWorkers   int `yaml:"dispatch_workers"`
	DispatchQueueSize int `yaml:"dispatch_queue_size"`

	// MetricsInterval is how often bridge counters are written to InfluxDB, in seconds.
	MetricsInterval int `yaml:"metrics_interval"`

	// HealthInterval is how often bridge health is published, in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// DatabaseConfig contains the endpoint registry SQLite settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// EngineConfig contains device engine connection settings.
type EngineConfig struct {
	// Address is the engine IPC endpoint (host:port).
	Address string `yaml:"address"`

	// DeviceDBPath and StateDBPath locate the engine's own SQLite files.
	DeviceDBPath string `yaml:"device_db_path"`
	StateDBPath  string `yaml:"state_db_path"`

	ConfirmTimeoutMS int `yaml:"confirm_timeout_ms"`
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`

	Daemon EngineDaemonConfig `yaml:"daemon"`
}

// EngineDaemonConfig contains settings for supervising the engine process.
type EngineDaemonConfig struct {
	// Managed indicates whether the bridge starts the engine itself.
	// If false, the engine is expected to be running externally.
	Managed bool `yaml:"managed"`

	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	RestartOnFailure    bool `yaml:"restart_on_failure"`
	RestartDelaySeconds int  `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int  `yaml:"max_restart_attempts"`

	// HealthCheckInterval is how often the engine is pinged, in seconds.
	HealthCheckInterval int `yaml:"health_check_interval"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// InfluxDBConfig contains InfluxDB connection settings.
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

	// File is used when Output is "file".
	File string `yaml:"file"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: WEMOBRIDGE_SECTION_KEY,
// plus the engine's own WEMO_DEVICE_DB_PATH and WEMO_STATE_DB_PATH.
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

// Default returns the built-in configuration with environment overrides
// applied. It is used by CLI subcommands that run without a config file.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	stateDir := DefaultStateDir()
	return &Config{
		Bridge: BridgeConfig{
			Name:                "WeMo Bridge",
			DeviceCapacity:      16,
			SettleWindowMS:      2000,
			FirstDynamicID:      2,
			DefaultFriendlyName: "WeMo Device",
			EventQueueSize:      256,
			DispatchWorkers:     4,
			DispatchQueueSize:   64,
			MetricsInterval:     60,
			HealthInterval:      30,
		},
		Database: DatabaseConfig{
			Path:        filepath.Join(stateDir, "endpoints.db"),
			WALMode:     true,
			BusyTimeout: 5,
		},
		Engine: EngineConfig{
			Address:          "127.0.0.1:49153",
			DeviceDBPath:     filepath.Join(stateDir, "wemo_device.db"),
			StateDBPath:      filepath.Join(stateDir, "wemo_state.db"),
			ConfirmTimeoutMS: 2500,
			ConnectTimeoutMS: 5000,
			RequestTimeoutMS: 5000,
			Daemon: EngineDaemonConfig{
				Binary:              "/usr/bin/wemo_ctrl",
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
				HealthCheckInterval: 30,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "wemobridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "wemobridge",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultStateDir returns the directory holding the engine's databases and
// the endpoint registry: /var/lib/wemo-matter for root, otherwise
// ~/.local/state/wemo-matter.
func DefaultStateDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/wemo-matter"
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "wemo-matter")
	}
	return "."
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("WEMOBRIDGE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Engine (the engine's own variable names are honoured too)
	if v := os.Getenv("WEMOBRIDGE_ENGINE_ADDRESS"); v != "" {
		cfg.Engine.Address = v
	}
	if v := os.Getenv("WEMO_DEVICE_DB_PATH"); v != "" {
		cfg.Engine.DeviceDBPath = v
	}
	if v := os.Getenv("WEMO_STATE_DB_PATH"); v != "" {
		cfg.Engine.StateDBPath = v
	}

	// Bridge
	if v := os.Getenv("WEMOBRIDGE_SETTLE_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.SettleWindowMS = n
		}
	}
	if v := os.Getenv("WEMOBRIDGE_DEVICE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.DeviceCapacity = n
		}
	}

	// MQTT
	if v := os.Getenv("WEMOBRIDGE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("WEMOBRIDGE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("WEMOBRIDGE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("WEMOBRIDGE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Bridge
	if c.Bridge.DeviceCapacity < 1 {
		errs = append(errs, "bridge.device_capacity must be at least 1")
	}
	if c.Bridge.SettleWindowMS <= 0 {
		errs = append(errs, "bridge.settle_window_ms must be positive")
	}
	if c.Bridge.FirstDynamicID < 1 || c.Bridge.FirstDynamicID > 65534 {
		errs = append(errs, "bridge.first_dynamic_id must be between 1 and 65534")
	}
	if c.Bridge.EventQueueSize < 1 {
		errs = append(errs, "bridge.event_queue_size must be at least 1")
	}
	if c.Bridge.DispatchWorkers < 1 {
		errs = append(errs, "bridge.dispatch_workers must be at least 1")
	}
	if c.Bridge.DispatchQueueSize < 1 {
		errs = append(errs, "bridge.dispatch_queue_size must be at least 1")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Engine
	if c.Engine.Address == "" {
		errs = append(errs, "engine.address is required")
	}
	if c.Engine.DeviceDBPath == "" || c.Engine.StateDBPath == "" {
		errs = append(errs, "engine.device_db_path and engine.state_db_path are required")
	}
	if c.Engine.Daemon.Managed && c.Engine.Daemon.Binary == "" {
		errs = append(errs, "engine.daemon.binary is required when managed")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, "mqtt.topic_prefix must be non-empty and contain no wildcards")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when enabled")
	}

	// Logging
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File == "" {
		errs = append(errs, "logging.file is required when output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetSettleWindow returns the settle window as a Duration.
func (c *Config) GetSettleWindow() time.Duration {
	return time.Duration(c.Bridge.SettleWindowMS) * time.Millisecond
}

// GetConfirmTimeout returns the engine confirmation timeout as a Duration.
func (c *Config) GetConfirmTimeout() time.Duration {
	return time.Duration(c.Engine.ConfirmTimeoutMS) * time.Millisecond
}

// GetConnectTimeout returns the engine dial timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Engine.ConnectTimeoutMS) * time.Millisecond
}

// GetRequestTimeout returns the engine request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Engine.RequestTimeoutMS) * time.Millisecond
}
