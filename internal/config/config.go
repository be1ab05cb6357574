// ABOUTME: Configuration loading and parsing for the message gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when optional fields are omitted.
const (
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxConnections  = 10000
	DefaultRateLimitWindow = 15 * time.Minute
	DefaultRateLimitMax    = 100
	DefaultConcurrency     = 4
	DefaultPollInterval    = time.Second
	DefaultWaitTimeout     = 30 * time.Second
	DefaultMaxRetry        = 2
)

// Config represents the complete message-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration
type ServerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	AllowedOrigin string `yaml:"allowed_origin"`

	// MaxConnections caps the number of distinct users with live
	// connections. New users beyond the cap are refused admission.
	MaxConnections int `yaml:"max_connections"`

	RateLimitMax int `yaml:"rate_limit_max"`

	ShutdownTimeout time.Duration `yaml:"-"`
	RateLimitWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
	RateLimitWindowRaw string `yaml:"rate_limit_window"`
}

// DatabaseConfig holds persistence backend configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds queue backend connection configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// QueueConfig holds job queue worker and wait configuration
type QueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetry    int `yaml:"max_retry"`

	PollInterval time.Duration `yaml:"-"`
	WaitTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
	WaitTimeoutRaw  string `yaml:"wait_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
// The gateway refuses to start on any failure here, before opening listeners.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be positive")
	}
	return nil
}

// applyDefaults fills in defaults for optional fields left at zero values.
func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.RateLimitWindow == 0 {
		c.Server.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Server.RateLimitMax == 0 {
		c.Server.RateLimitMax = DefaultRateLimitMax
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = DefaultConcurrency
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = DefaultPollInterval
	}
	if c.Queue.WaitTimeout == 0 {
		c.Queue.WaitTimeout = DefaultWaitTimeout
	}
	if c.Queue.MaxRetry == 0 {
		c.Queue.MaxRetry = DefaultMaxRetry
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout, "shutdown_timeout"},
		{cfg.Server.RateLimitWindowRaw, &cfg.Server.RateLimitWindow, "rate_limit_window"},
		{cfg.Queue.PollIntervalRaw, &cfg.Queue.PollInterval, "poll_interval"},
		{cfg.Queue.WaitTimeoutRaw, &cfg.Queue.WaitTimeout, "wait_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
