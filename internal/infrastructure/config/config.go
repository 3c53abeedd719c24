package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Logic Tracker.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Redis         RedisConfig         `yaml:"redis"`
	NATS          NATSConfig          `yaml:"nats"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
	Registry      RegistryConfig      `yaml:"registry"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Live          LiveConfig          `yaml:"live"`

	// Attributes is the free-form key/value table consulted when a device
	// attribute lookup falls through to process configuration.
	Attributes map[string]string `yaml:"attributes"`
}

// SiteConfig names the tracker installation. The ID is attached to every
// log entry so several trackers can share one log pipeline.
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
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
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
}

// InfluxDBConfig contains InfluxDB connection settings for position history.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig contains settings for the live position shadow in Redis.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	ShadowTTL int    `yaml:"shadow_ttl"` // seconds
}

// NATSConfig contains settings for the position uplink to NATS.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RegistryConfig tunes the device registry.
type RegistryConfig struct {
	// RefreshDelay is the device cache staleness window in seconds.
	RefreshDelay          int                   `yaml:"refresh_delay"`
	LookupGroupsAttribute bool                  `yaml:"lookup_groups_attribute"`
	IgnoreUnknown         bool                  `yaml:"ignore_unknown"`
	RegisterUnknown       RegisterUnknownConfig `yaml:"register_unknown"`
}

// RegisterUnknownConfig controls automatic provisioning of unseen devices.
type RegisterUnknownConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultCategory string `yaml:"default_category"`
	DefaultGroupID  int64  `yaml:"default_group_id"`
}

// AuthorizationConfig points at the external service that approves
// provisioning of unknown devices.
type AuthorizationConfig struct {
	BaseURL      string `yaml:"base_url"`
	CanCreateURL string `yaml:"can_create_url"`
	// Header holds extra request headers, one "Name: value" per line.
	Header         string `yaml:"header"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
	ReadTimeout    int    `yaml:"read_timeout"`    // seconds
}

// IngestConfig controls the MQTT position ingestion subscriber.
type IngestConfig struct {
	Enabled bool `yaml:"enabled"`
	// Protocols limits ingestion to these decoder names. Empty accepts all.
	Protocols []string `yaml:"protocols"`
}

// LiveConfig sizes the asynchronous live-update dispatcher.
type LiveConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GLTRACKER_SECTION_KEY
// For example: GLTRACKER_DATABASE_PATH, GLTRACKER_REDIS_ADDR
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic Tracker",
		},
		Database: DatabaseConfig{
			Path:        "./data/gltracker.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gltracker",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "gltracker",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "gltracker",
			ShadowTTL: 86400,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "gltracker",
			SubjectPrefix: "gltracker.uplink",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Registry: RegistryConfig{
			RefreshDelay: 300,
		},
		Authorization: AuthorizationConfig{
			ConnectTimeout: 30,
			ReadTimeout:    30,
		},
		Ingest: IngestConfig{
			Enabled: true,
		},
		Live: LiveConfig{
			QueueSize: 1024,
			Workers:   2,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GLTRACKER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GLTRACKER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GLTRACKER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GLTRACKER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GLTRACKER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GLTRACKER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Redis
	if v := os.Getenv("GLTRACKER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GLTRACKER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// NATS
	if v := os.Getenv("GLTRACKER_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// Authorization - header often carries an API key, keep it out of files
	if v := os.Getenv("GLTRACKER_AUTHORIZATION_HEADER"); v != "" {
		cfg.Authorization.Header = v
	}

	// Registry
	if v := os.Getenv("GLTRACKER_REGISTRY_REFRESH_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Registry.RefreshDelay = n
		}
	}
}

// Validate checks the configuration for errors.
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
	if c.MQTT.Enabled && strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}
	if c.Ingest.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "ingest requires mqtt.enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required when nats is enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if c.Registry.RefreshDelay < 0 {
		errs = append(errs, "registry.refresh_delay must not be negative")
	}
	if c.Registry.RegisterUnknown.Enabled && c.Authorization.CanCreateURL == "" {
		errs = append(errs, "authorization.can_create_url is required when registry.register_unknown is enabled")
	}
	if c.Authorization.ConnectTimeout < 0 || c.Authorization.ReadTimeout < 0 {
		errs = append(errs, "authorization timeouts must not be negative")
	}

	if c.Live.QueueSize < 1 {
		errs = append(errs, "live.queue_size must be at least 1")
	}
	if c.Live.Workers < 1 {
		errs = append(errs, "live.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Lookup returns a process-level attribute by name.
func (c *Config) Lookup(name string) (string, bool) {
	v, ok := c.Attributes[name]
	return v, ok
}

// GetRefreshDelay returns the registry cache staleness window as a Duration.
func (c *Config) GetRefreshDelay() time.Duration {
	return time.Duration(c.Registry.RefreshDelay) * time.Second
}

// GetConnectTimeout returns the authorization connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Authorization.ConnectTimeout) * time.Second
}

// GetReadTimeout returns the authorization read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Authorization.ReadTimeout) * time.Second
}

// GetShadowTTL returns the Redis shadow expiry as a Duration.
func (c *Config) GetShadowTTL() time.Duration {
	return time.Duration(c.Redis.ShadowTTL) * time.Second
}
