package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable override.
const envPrefix = "LABPLATFORM_"

// DefaultClientID is the MQTT client ID used when none is configured.
// Agents replace it with one derived from their device ID.
const DefaultClientID = "lab-orchestrator"

// Config is the root configuration structure shared by the orchestrator and
// the device agent. Each binary reads the sections it needs.
type Config struct {
	Lab          LabConfig          `yaml:"lab"`
	Database     DatabaseConfig     `yaml:"database"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
}

// LabConfig identifies the installation.
type LabConfig struct {
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
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the registry event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// OrchestratorConfig contains settings for the central orchestrator.
type OrchestratorConfig struct {
	// PluginsDir holds one subdirectory per plugin, each with a manifest.
	PluginsDir string `yaml:"plugins_dir"`

	// RequestTimeout bounds how long a plugin waits for a device response.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// DeviceTTL is how long a device may stay silent before it is expired
	// and its reservation force-released.
	DeviceTTL time.Duration `yaml:"device_ttl"`

	// ExpiryInterval is how often the device registry is swept.
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	// DefaultLease is the reservation lease used when a caller gives none.
	// Zero means reservations never lapse on their own.
	DefaultLease time.Duration `yaml:"default_lease"`

	// Plugins holds deployment overrides keyed by plugin name.
	Plugins map[string]map[string]any `yaml:"plugins"`
}

// AgentConfig contains settings for a device agent.
type AgentConfig struct {
	// DeviceID is this device's identity on the bus.
	DeviceID string `yaml:"device_id"`

	// ModulesDir holds one subdirectory per module, each with a manifest.
	ModulesDir string `yaml:"modules_dir"`

	// HeartbeatInterval is how often the agent announces itself.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MetricsAddr serves Prometheus metrics when set (e.g. ":9101").
	MetricsAddr string `yaml:"metrics_addr"`

	// Modules holds deployment overrides keyed by module name.
	Modules map[string]map[string]any `yaml:"modules"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the config file, if present (never overrides the real environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: LABPLATFORM_SECTION_KEY
// For example: LABPLATFORM_MQTT_HOST, LABPLATFORM_DEVICE_ID
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Lab: LabConfig{
			ID:   "lab-001",
			Name: "Lab Platform",
		},
		Database: DatabaseConfig{
			Path:        "./data/labagent.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: DefaultClientID,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Orchestrator: OrchestratorConfig{
			PluginsDir:     "./plugins",
			RequestTimeout: 10 * time.Second,
			DeviceTTL:      90 * time.Second,
			ExpiryInterval: 15 * time.Second,
			DefaultLease:   60 * time.Second,
		},
		Agent: AgentConfig{
			ModulesDir:        "./modules",
			HeartbeatInterval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "LAB_ID"); v != "" {
		cfg.Lab.ID = v
	}

	// Database
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv(envPrefix + "MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv(envPrefix + "MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv(envPrefix + "MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv(envPrefix + "MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv(envPrefix + "API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv(envPrefix + "INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Orchestrator
	if v := os.Getenv(envPrefix + "PLUGINS_DIR"); v != "" {
		cfg.Orchestrator.PluginsDir = v
	}

	// Agent
	if v := os.Getenv(envPrefix + "DEVICE_ID"); v != "" {
		cfg.Agent.DeviceID = v
	}
	if v := os.Getenv(envPrefix + "MODULES_DIR"); v != "" {
		cfg.Agent.ModulesDir = v
	}
	if v := os.Getenv(envPrefix + "AGENT_METRICS_ADDR"); v != "" {
		cfg.Agent.MetricsAddr = v
	}
}

// Validate checks the settings shared by both binaries.
func (c *Config) Validate() error {
	var errs []string

	if c.Lab.ID == "" {
		errs = append(errs, "lab.id is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Orchestrator.RequestTimeout <= 0 {
		errs = append(errs, "orchestrator.request_timeout must be positive")
	}
	if c.Orchestrator.DeviceTTL <= 0 {
		errs = append(errs, "orchestrator.device_ttl must be positive")
	}
	if c.Orchestrator.ExpiryInterval <= 0 {
		errs = append(errs, "orchestrator.expiry_interval must be positive")
	}
	if c.Orchestrator.DefaultLease < 0 {
		errs = append(errs, "orchestrator.default_lease must not be negative")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateAgent checks the settings only a device agent needs.
func (c *Config) ValidateAgent() error {
	var errs []string

	if c.Agent.DeviceID == "" {
		errs = append(errs, "agent.device_id is required (set LABPLATFORM_DEVICE_ID)")
	} else if strings.ContainsAny(c.Agent.DeviceID, "/+#") {
		errs = append(errs, "agent.device_id must not contain MQTT topic characters")
	}
	if c.Agent.ModulesDir == "" {
		errs = append(errs, "agent.modules_dir is required")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		errs = append(errs, "agent.heartbeat_interval must be positive")
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
