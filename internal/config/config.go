// ABOUTME: Configuration loading and parsing for peer-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete peer-bridge configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds listener configuration. When CertFile and KeyFile are
// both set the listener serves TLS; otherwise it serves plaintext.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the per-class credential table and token signing key.
type AuthConfig struct {
	// Credentials maps client class (e.g. "peer-a") to its expected credential.
	Credentials map[string]string `yaml:"credentials"`
	// Permissions maps client class to its granted capability tokens.
	Permissions map[string][]string `yaml:"permissions"`
	// SigningKey signs session tokens. Required.
	SigningKey string `yaml:"signing_key"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// RateLimitConfig holds token-bucket parameters. Capacity tokens refill
// linearly over Window.
type RateLimitConfig struct {
	Capacity  int           `yaml:"capacity"`
	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// TimeoutsConfig holds the handshake and idle thresholds plus the background
// sweep intervals.
type TimeoutsConfig struct {
	Handshake      time.Duration `yaml:"-"`
	Idle           time.Duration `yaml:"-"`
	ReaperInterval time.Duration `yaml:"-"`
	HealthInterval time.Duration `yaml:"-"`
	ProbeTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeRaw      string `yaml:"handshake"`
	IdleRaw           string `yaml:"idle"`
	ReaperIntervalRaw string `yaml:"reaper_interval"`
	HealthIntervalRaw string `yaml:"health_interval"`
	ProbeTimeoutRaw   string `yaml:"probe_timeout"`
}

// DownstreamConfig lists the tool services the health supervisor probes.
type DownstreamConfig struct {
	// Services maps service name to its probe URL.
	Services map[string]string `yaml:"services"`
}

// MirrorConfig holds the optional durable mirror settings. An empty Path
// disables mirroring; the in-memory store is always authoritative.
type MirrorConfig struct {
	Path      string        `yaml:"path"`
	Expiry    time.Duration `yaml:"-"`
	ExpiryRaw string        `yaml:"expiry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied after parsing when fields are unset.
const (
	DefaultCapacity       = 60
	DefaultWindow         = time.Minute
	DefaultHandshake      = 10 * time.Second
	DefaultIdle           = 5 * time.Minute
	DefaultReaperInterval = time.Minute
	DefaultHealthInterval = 30 * time.Second
	DefaultProbeTimeout   = time.Second
	DefaultTokenTTL       = 24 * time.Hour
	DefaultMirrorExpiry   = time.Hour
	DefaultMetricsPath    = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, expands environment variables, parses
// durations, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = DefaultCapacity
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultWindow
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = DefaultHandshake
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = DefaultIdle
	}
	if c.Timeouts.ReaperInterval == 0 {
		c.Timeouts.ReaperInterval = DefaultReaperInterval
	}
	if c.Timeouts.HealthInterval == 0 {
		c.Timeouts.HealthInterval = DefaultHealthInterval
	}
	if c.Timeouts.ProbeTimeout == 0 {
		c.Timeouts.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Mirror.Expiry == 0 {
		c.Mirror.Expiry = DefaultMirrorExpiry
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure encountered.
// A missing signing key or unparseable bind address fails startup.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q is not a valid host:port: %w", c.Server.Addr, err)
	}

	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("server.cert_file and server.key_file must be set together")
	}

	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key is required")
	}
	if len(c.Auth.Credentials) == 0 {
		return fmt.Errorf("auth.credentials must define at least one client class")
	}
	for class, cred := range c.Auth.Credentials {
		if cred == "" {
			return fmt.Errorf("auth.credentials[%s] is empty", class)
		}
	}

	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL, "auth.token_ttl"},
		{cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window, "rate_limit.window"},
		{cfg.Timeouts.HandshakeRaw, &cfg.Timeouts.Handshake, "timeouts.handshake"},
		{cfg.Timeouts.IdleRaw, &cfg.Timeouts.Idle, "timeouts.idle"},
		{cfg.Timeouts.ReaperIntervalRaw, &cfg.Timeouts.ReaperInterval, "timeouts.reaper_interval"},
		{cfg.Timeouts.HealthIntervalRaw, &cfg.Timeouts.HealthInterval, "timeouts.health_interval"},
		{cfg.Timeouts.ProbeTimeoutRaw, &cfg.Timeouts.ProbeTimeout, "timeouts.probe_timeout"},
		{cfg.Mirror.ExpiryRaw, &cfg.Mirror.Expiry, "mirror.expiry"},
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

// ClassPermissions returns the configured permission set for a client class,
// or nil if the class has no entry.
func (c *Config) ClassPermissions(class string) []string {
	return c.Auth.Permissions[class]
}
