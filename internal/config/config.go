// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Streams   StreamsConfig   `yaml:"streams"`
	Limits    LimitsConfig    `yaml:"limits"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // applies to buffered routes; SSE routes clear it
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"` // SSE comment interval
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"` // empty = no authentication
}

// UpstreamConfig configures the shared outgoing HTTP client.
type UpstreamConfig struct {
	UserAgent    string        `yaml:"user_agent"`
	Timeout      time.Duration `yaml:"timeout"`       // buffered relays only
	ChunkTimeout time.Duration `yaml:"chunk_timeout"` // streams; 0 = wait forever
	DNSCache     bool          `yaml:"dns_cache"`
	DNSRefresh   time.Duration `yaml:"dns_refresh"`
	ForceHTTP2   bool          `yaml:"force_http2"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// StreamsConfig configures the per-stream mailboxes.
type StreamsConfig struct {
	MailboxSize    int           `yaml:"mailbox_size"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
	OrphanTTL      time.Duration `yaml:"orphan_ttl"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	TombstoneTTL   time.Duration `yaml:"tombstone_ttl"`
	TombstoneMax   int           `yaml:"tombstone_max"`
}

// LimitsConfig holds per-caller admission budgets. Zero means unlimited.
type LimitsConfig struct {
	RequestsPerMinute int64         `yaml:"requests_per_minute"`
	StreamsPerMinute  int64         `yaml:"streams_per_minute"`
	IdleEviction      time.Duration `yaml:"idle_eviction"` // drop caller state unused this long
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure   bool    `yaml:"insecure"`
}

// LogConfig selects the default slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SlogLevel returns the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			KeepAliveInterval: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			UserAgent:    "relay/1.0",
			Timeout:      60 * time.Second,
			DNSCache:     true,
			DNSRefresh:   5 * time.Minute,
			ForceHTTP2:   true,
			MaxBodyBytes: 32 << 20,
		},
		Streams: StreamsConfig{
			MailboxSize:    256,
			DeliverTimeout: 5 * time.Second,
			OrphanTTL:      2 * time.Minute,
			ReapInterval:   30 * time.Second,
			TombstoneTTL:   10 * time.Minute,
			TombstoneMax:   100_000,
		},
		Limits: LimitsConfig{
			IdleEviction: 30 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1.0},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
// Unset fields keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("server.keep_alive_interval must be positive"))
	}
	if c.Upstream.Timeout < 0 || c.Upstream.ChunkTimeout < 0 {
		errs = append(errs, errors.New("upstream timeouts must not be negative"))
	}
	if c.Upstream.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("upstream.max_body_bytes must be positive"))
	}
	if c.Streams.MailboxSize <= 0 {
		errs = append(errs, errors.New("streams.mailbox_size must be positive"))
	}
	if c.Streams.DeliverTimeout <= 0 || c.Streams.OrphanTTL <= 0 || c.Streams.ReapInterval <= 0 || c.Streams.TombstoneTTL <= 0 {
		errs = append(errs, errors.New("streams durations must be positive"))
	}
	if c.Streams.TombstoneMax <= 0 {
		errs = append(errs, errors.New("streams.tombstone_max must be positive"))
	}
	if c.Limits.RequestsPerMinute < 0 || c.Limits.StreamsPerMinute < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.IdleEviction <= 0 {
		errs = append(errs, errors.New("limits.idle_eviction must be positive"))
	}
	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.tracing.sample_rate %v out of range [0,1]", r))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
