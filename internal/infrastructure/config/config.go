package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the access-fleet coordinator.
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
	Faces     FacesConfig     `yaml:"faces"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the event bus.
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

// APITimeoutConfig contains HTTP timeout settings in seconds.
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

// WebSocketConfig contains settings for the live event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains access-history sink settings.
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

// SyncConfig contains reconciliation engine settings.
type SyncConfig struct {
	// TickInterval is how often the reconciliation driver wakes (seconds).
	TickInterval int `yaml:"tick_interval"`

	// WorkerLimit bounds how many devices may sync concurrently.
	WorkerLimit int `yaml:"worker_limit"`

	// FaceUploadLimit bounds concurrent face-image uploads across the fleet.
	// Face payloads are large; they are rate-limited independently of
	// metadata pushes.
	FaceUploadLimit int `yaml:"face_upload_limit"`

	// OperationTimeout is the per-device sync operation timeout (seconds).
	// An operation exceeding this is treated as a transport failure.
	OperationTimeout int `yaml:"operation_timeout"`

	// AutoSyncDelayMinutes is how long canonical mutations coalesce before
	// a sync pass runs. 0 means immediate; otherwise clamped to 5-60.
	AutoSyncDelayMinutes int `yaml:"auto_sync_delay_minutes"`

	// IntegrityIntervalMinutes is how often in_sync devices are re-diffed
	// to detect drift. Clamped to 5-1440.
	IntegrityIntervalMinutes int `yaml:"integrity_interval_minutes"`

	// EventCacheSize is how many recent events are retained per device
	// for the API.
	EventCacheSize int `yaml:"event_cache_size"`

	// DedupeCacheSize bounds the webhook dedupe cache (entries).
	DedupeCacheSize int `yaml:"dedupe_cache_size"`
}

// FacesConfig locates the face-image content area.
// Images are stored by path; the coordinator never owns the bytes.
type FacesConfig struct {
	Dir string `yaml:"dir"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT          JWTConfig `yaml:"jwt"`
	WebhookToken string    `yaml:"webhook_token"`
}

// JWTConfig contains JWT token settings for the command API.
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ACCESSFLEET_SECTION_KEY
// For example: ACCESSFLEET_DATABASE_PATH, ACCESSFLEET_MQTT_HOST
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Access Fleet",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/accessfleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "accessfleet-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
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
		Sync: SyncConfig{
			TickInterval:             30,
			WorkerLimit:              4,
			FaceUploadLimit:          1,
			OperationTimeout:         60,
			AutoSyncDelayMinutes:     0,
			IntegrityIntervalMinutes: 15,
			EventCacheSize:           100,
			DedupeCacheSize:          2048,
		},
		Faces: FacesConfig{
			Dir: "./data/faces",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL:  15,
				RefreshTokenTTL: 1440,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ACCESSFLEET_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("ACCESSFLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ACCESSFLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ACCESSFLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ACCESSFLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ACCESSFLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ACCESSFLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret and webhook token (always override in production)
	if v := os.Getenv("ACCESSFLEET_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("ACCESSFLEET_WEBHOOK_TOKEN"); v != "" {
		cfg.Security.WebhookToken = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Sync validation
	if c.Sync.WorkerLimit < 1 {
		errs = append(errs, "sync.worker_limit must be at least 1")
	}
	if c.Sync.FaceUploadLimit < 1 {
		errs = append(errs, "sync.face_upload_limit must be at least 1")
	}
	if c.Sync.TickInterval < 1 {
		errs = append(errs, "sync.tick_interval must be at least 1 second")
	}

	// Security validation - JWT secret is REQUIRED.
	// This API controls physical access hardware: empty or weak secrets
	// would allow forged tokens to open doors.
	const minSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set ACCESSFLEET_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	if c.Security.WebhookToken == "" {
		errs = append(errs, "security.webhook_token is required (set ACCESSFLEET_WEBHOOK_TOKEN environment variable)")
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

// GetTickInterval returns the reconciliation tick interval as a Duration.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Sync.TickInterval) * time.Second
}

// GetOperationTimeout returns the per-device operation timeout as a Duration.
func (c *Config) GetOperationTimeout() time.Duration {
	return time.Duration(c.Sync.OperationTimeout) * time.Second
}

// GetAutoSyncDelay returns the clamped auto-sync coalescing delay.
// A configured value of 0 (or below) means immediate; otherwise 5-60 minutes.
func (c *Config) GetAutoSyncDelay() time.Duration {
	m := c.Sync.AutoSyncDelayMinutes
	if m <= 0 {
		return 0
	}
	if m < 5 {
		m = 5
	}
	if m > 60 {
		m = 60
	}
	return time.Duration(m) * time.Minute
}

// GetIntegrityInterval returns the clamped integrity sweep interval.
func (c *Config) GetIntegrityInterval() time.Duration {
	m := c.Sync.IntegrityIntervalMinutes
	if m < 5 {
		m = 5
	}
	if m > 24*60 {
		m = 24 * 60
	}
	return time.Duration(m) * time.Minute
}
