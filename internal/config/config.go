// Package config loads and validates the controller configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the full controller configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// DatabaseConfig holds metadata store settings.
// Use ":memory:" for an in-memory database (tests only).
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the out-of-band admin credential.
type AuthConfig struct {
	AdminAPIKey string `yaml:"admin_api_key"`
}

// LimitsConfig bounds upload sizes, in bytes. Exceeding a limit fails the
// upload with 413 and deletes the partial blob.
type LimitsConfig struct {
	MaxSourceBytes int64 `yaml:"max_source_bytes"`
	MaxCertsBytes  int64 `yaml:"max_certs_bytes"`
	MaxResultBytes int64 `yaml:"max_result_bytes"`
}

// WatchdogConfig bounds how long a stuck build may hold a worker.
type WatchdogConfig struct {
	Interval Duration `yaml:"interval"`
	// HeartbeatDeadline is the maximum tolerated interval between heartbeats.
	HeartbeatDeadline Duration `yaml:"heartbeat_deadline"`
	// AssignmentGrace is how long an assigned build may wait for its first
	// heartbeat before it is reclaimed.
	AssignmentGrace Duration `yaml:"assignment_grace"`
}

// TokenConfig holds the short-lived credential lifetimes.
type TokenConfig struct {
	VMTokenTTL Duration `yaml:"vm_token_ttl"`
	OTPTTL     Duration `yaml:"otp_ttl"`
}

// RetentionConfig controls how long terminal builds keep their blobs.
type RetentionConfig struct {
	Window        Duration `yaml:"window"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig enables optional NATS publishing of build lifecycle events.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Duration wraps time.Duration with YAML string parsing ("30s", "2m", "168h").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Best-effort .env loading; process env always wins.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 - operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content, so secrets like the
	// admin API key can live in the environment rather than on disk.
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Duration(5 * time.Minute)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(30 * time.Second)
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "./data/blobs"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/flightdeck.db"
	}
	if c.Limits.MaxSourceBytes == 0 {
		c.Limits.MaxSourceBytes = 512 << 20
	}
	if c.Limits.MaxCertsBytes == 0 {
		c.Limits.MaxCertsBytes = 16 << 20
	}
	if c.Limits.MaxResultBytes == 0 {
		c.Limits.MaxResultBytes = 2 << 30
	}
	if c.Watchdog.Interval == 0 {
		c.Watchdog.Interval = Duration(15 * time.Second)
	}
	if c.Watchdog.HeartbeatDeadline == 0 {
		c.Watchdog.HeartbeatDeadline = Duration(2 * time.Minute)
	}
	if c.Watchdog.AssignmentGrace == 0 {
		c.Watchdog.AssignmentGrace = Duration(2 * time.Minute)
	}
	if c.Tokens.VMTokenTTL == 0 {
		c.Tokens.VMTokenTTL = Duration(30 * time.Minute)
	}
	if c.Tokens.OTPTTL == 0 {
		c.Tokens.OTPTTL = Duration(10 * time.Minute)
	}
	if c.Retention.Window == 0 {
		c.Retention.Window = Duration(7 * 24 * time.Hour)
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = Duration(1 * time.Hour)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "flightdeck.builds"
	}
}

// Validate rejects configurations the controller cannot safely run with.
func (c *Config) Validate() error {
	if c.Auth.AdminAPIKey == "" {
		return fmt.Errorf("auth.admin_api_key is required (set FLIGHTDECK_ADMIN_KEY and reference it as ${FLIGHTDECK_ADMIN_KEY})")
	}
	if c.Limits.MaxSourceBytes < 0 || c.Limits.MaxCertsBytes < 0 || c.Limits.MaxResultBytes < 0 {
		return fmt.Errorf("limits must be non-negative")
	}
	if c.Watchdog.HeartbeatDeadline.Std() < c.Watchdog.Interval.Std() {
		return fmt.Errorf("watchdog.heartbeat_deadline must not be shorter than watchdog.interval")
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events.enabled is true")
	}
	return nil
}
