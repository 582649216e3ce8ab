package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for can2mqtt.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	CAN      CANConfig      `yaml:"can"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	Recorder RecorderConfig `yaml:"recorder"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig contains bridge identity and run-loop settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in health and availability topics.
	ID string `yaml:"id" env:"CAN2MQTT_BRIDGE_ID"`

	// DevicesFile is the path to the device table YAML.
	// Empty means the built-in default table is used.
	DevicesFile string `yaml:"devices_file" env:"CAN2MQTT_DEVICES_FILE"`

	// PollInterval bounds each wait for a bus frame (milliseconds).
	PollInterval int `yaml:"poll_interval_ms" env:"CAN2MQTT_POLL_INTERVAL_MS"`

	// HealthInterval is how often health status is published (seconds).
	HealthInterval int `yaml:"health_interval" env:"CAN2MQTT_HEALTH_INTERVAL"`

	// CommandTimeout bounds a single bus send (seconds).
	CommandTimeout int `yaml:"command_timeout" env:"CAN2MQTT_COMMAND_TIMEOUT"`
}

// CANConfig contains SocketCAN connection settings.
type CANConfig struct {
	// Network is "can" for a kernel SocketCAN interface or "udp" for the
	// multicast emulation used on development machines.
	Network string `yaml:"network" env:"CAN2MQTT_CAN_NETWORK"`

	// Interface is the interface name ("can0") or the udp multicast address.
	Interface string `yaml:"interface" env:"CAN2MQTT_CAN_INTERFACE"`

	// Bitrate is the bus bit-rate used when the link is managed.
	Bitrate int `yaml:"bitrate" env:"CAN2MQTT_CAN_BITRATE"`

	ConnectTimeout    int `yaml:"connect_timeout"`
	ReconnectInterval int `yaml:"reconnect_interval"`

	// ReceiveBuffer is the number of frames queued between the socket
	// reader and the bridge before frames are dropped.
	ReceiveBuffer int `yaml:"receive_buffer"`

	Link CANLinkConfig `yaml:"link"`
}

// CANLinkConfig contains settings for managing the CAN link itself.
type CANLinkConfig struct {
	// Managed indicates whether can2mqtt should bring the link up.
	// If false, the interface is expected to be configured externally.
	Managed bool `yaml:"managed" env:"CAN2MQTT_CAN_LINK_MANAGED"`

	// Mode is "ip" (configure a native interface with ip-link) or
	// "slcand" (supervise slcand for a serial-line adapter).
	Mode string `yaml:"mode"`

	// IPBinary is the path to the ip executable.
	// Default: "/sbin/ip"
	IPBinary string `yaml:"ip_binary"`

	// SlcandBinary is the path to the slcand executable.
	// Default: "/usr/bin/slcand"
	SlcandBinary string `yaml:"slcand_binary"`

	// SerialDevice is the tty of the serial-line adapter (slcand mode only).
	SerialDevice string `yaml:"serial_device"`

	RestartOnFailure    bool `yaml:"restart_on_failure"`
	RestartDelaySeconds int  `yaml:"restart_delay_seconds"`
	MaxRestartAttempts  int  `yaml:"max_restart_attempts"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	KeepAlive int                 `yaml:"keep_alive"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// AvailabilityTopic receives retained "online"/"offline" messages.
	// Empty means can2mqtt/{bridge.id}/availability.
	AvailabilityTopic string `yaml:"availability_topic" env:"CAN2MQTT_MQTT_AVAILABILITY_TOPIC"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" env:"CAN2MQTT_MQTT_HOST"`
	Port     int    `yaml:"port" env:"CAN2MQTT_MQTT_PORT"`
	TLS      bool   `yaml:"tls" env:"CAN2MQTT_MQTT_TLS"`
	ClientID string `yaml:"client_id" env:"CAN2MQTT_MQTT_CLIENT_ID"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"CAN2MQTT_MQTT_USERNAME"`

	// Password must never be logged. Use String() for safe output.
	Password string `yaml:"password" env:"CAN2MQTT_MQTT_PASSWORD"`
}

// String returns a string representation with the password masked.
func (a MQTTAuthConfig) String() string {
	password := ""
	if a.Password != "" {
		password = "[REDACTED]"
	}
	return fmt.Sprintf("MQTTAuthConfig{Username:%q, Password:%s}", a.Username, password)
}

// MarshalJSON implements json.Marshaler to redact the password in JSON output.
func (a MQTTAuthConfig) MarshalJSON() ([]byte, error) {
	type redacted MQTTAuthConfig
	safe := redacted(a)
	if safe.Password != "" {
		safe.Password = "[REDACTED]"
	}
	return json.Marshal(safe)
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path" env:"CAN2MQTT_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// RecorderConfig controls the frame and state history recorder.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled" env:"CAN2MQTT_RECORDER_ENABLED"`

	// RetentionDays is how long state change history is kept. 0 keeps forever.
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron expression for the retention job.
	// Default: "@daily"
	PruneSchedule string `yaml:"prune_schedule"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"CAN2MQTT_INFLUXDB_ENABLED"`
	URL           string `yaml:"url" env:"CAN2MQTT_INFLUXDB_URL"`
	Token         string `yaml:"token" env:"CAN2MQTT_INFLUXDB_TOKEN"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled" env:"CAN2MQTT_API_ENABLED"`
	Host     string           `yaml:"host" env:"CAN2MQTT_API_HOST"`
	Port     int              `yaml:"port" env:"CAN2MQTT_API_PORT"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CAN2MQTT_LOG_LEVEL"`
	Format string `yaml:"format" env:"CAN2MQTT_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CAN2MQTT_SECTION_KEY
// For example: CAN2MQTT_MQTT_HOST, CAN2MQTT_CAN_INTERFACE
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for defaults only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration.
// It matches a single Raspberry Pi style deployment: can0 at 500 kbit/s
// and a broker on localhost.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "can2mqtt",
			PollInterval:   1000,
			HealthInterval: 30,
			CommandTimeout: 5,
		},
		CAN: CANConfig{
			Network:           "can",
			Interface:         "can0",
			Bitrate:           500000,
			ConnectTimeout:    10,
			ReconnectInterval: 5,
			ReceiveBuffer:     256,
			Link: CANLinkConfig{
				Mode:                "ip",
				IPBinary:            "/sbin/ip",
				SlcandBinary:        "/usr/bin/slcand",
				RestartOnFailure:    true,
				RestartDelaySeconds: 5,
				MaxRestartAttempts:  10,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "can2mqtt",
			},
			QoS:       0,
			KeepAlive: 60,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/can2mqtt.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Recorder: RecorderConfig{
			Enabled:       false,
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "can2mqtt",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8088,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies CAN2MQTT_* environment variables declared in
// the struct tags. Unset variables leave the file values untouched.
func applyEnvOverrides(cfg *Config) error {
	return env.Parse(cfg)
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of all validation failures, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateCAN()...)
	errs = append(errs, c.validateMQTT()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateAPI()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.PollInterval < 10 {
		errs = append(errs, "bridge.poll_interval_ms must be at least 10")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.CommandTimeout < 1 {
		errs = append(errs, "bridge.command_timeout must be at least 1 second")
	}
	return errs
}

func (c *Config) validateCAN() []string {
	var errs []string
	if c.CAN.Network != "can" && c.CAN.Network != "udp" {
		errs = append(errs, fmt.Sprintf("can.network %q is invalid (use can or udp)", c.CAN.Network))
	}
	if c.CAN.Interface == "" {
		errs = append(errs, "can.interface is required")
	}
	if c.CAN.Bitrate <= 0 {
		errs = append(errs, "can.bitrate must be positive")
	}
	if c.CAN.ReceiveBuffer < 1 {
		errs = append(errs, "can.receive_buffer must be at least 1")
	}
	if c.CAN.Link.Managed {
		switch c.CAN.Link.Mode {
		case "ip":
		case "slcand":
			if c.CAN.Link.SerialDevice == "" {
				errs = append(errs, "can.link.serial_device is required in slcand mode")
			}
		default:
			errs = append(errs, fmt.Sprintf("can.link.mode %q is invalid (use ip or slcand)", c.CAN.Link.Mode))
		}
	}
	return errs
}

func (c *Config) validateMQTT() []string {
	var errs []string
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	return errs
}

func (c *Config) validateStorage() []string {
	var errs []string
	if c.Recorder.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the recorder is enabled")
	}
	if c.Recorder.RetentionDays < 0 {
		errs = append(errs, "recorder.retention_days must not be negative")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	return errs
}

func (c *Config) validateAPI() []string {
	if !c.API.Enabled {
		return nil
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return []string{"api.port must be between 1 and 65535"}
	}
	return nil
}

func (c *Config) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// GetPollInterval returns the bus poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Bridge.PollInterval) * time.Millisecond
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetCommandTimeout returns the bus send timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Bridge.CommandTimeout) * time.Second
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
