// Package config loads and validates the CipherDrop relay configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CIPHERDROP_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the full relay configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains the HTTP/event-channel listener configuration
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Storage configures the on-disk file store and its limits
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Sessions configures session admission and expiry
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`

	// Uploads configures chunked upload lifetimes
	Uploads UploadsConfig `mapstructure:"uploads" yaml:"uploads"`
}

// LoggingConfig controls log level, format, and destination.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  validate:"omitempty,oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"             yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig contains listener and access-control settings.
type ServerConfig struct {
	// Port is the TCP port the relay listens on
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// BaseURL, when set, is prefixed to download URLs handed to clients.
	// Empty means URLs are relative to the serving host.
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url" yaml:"base_url"`

	// AllowedOrigins is the Origin/Referer allow-list for the HTTP API and
	// event channel. Empty permits any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds header parsing; request bodies are unbounded
	// because uploads may be arbitrarily large
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"required,gt=0" yaml:"read_header_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// StorageConfig configures the session file store.
type StorageConfig struct {
	// Root is the directory holding all per-session trees
	Root string `mapstructure:"root" validate:"required" yaml:"root"`

	// MaxSessionBytes is the per-session storage quota; -1 means unlimited
	MaxSessionBytes int64 `mapstructure:"max_session_bytes" validate:"min=-1" yaml:"max_session_bytes"`

	// MaxFileBytes caps a single uploaded file; -1 means unlimited
	MaxFileBytes int64 `mapstructure:"max_file_bytes" validate:"min=-1" yaml:"max_file_bytes"`
}

// SessionsConfig configures session admission and tiered expiry.
type SessionsConfig struct {
	// MaxActive caps concurrently live sessions; -1 means unlimited
	MaxActive int `mapstructure:"max_active" validate:"min=-1" yaml:"max_active"`

	// UnusedGrace is the deletion grace for sessions that never saw a
	// message or completed upload
	UnusedGrace time.Duration `mapstructure:"unused_grace" validate:"required,gt=0" yaml:"unused_grace"`

	// ActiveGrace is the deletion grace for sessions with prior activity
	ActiveGrace time.Duration `mapstructure:"active_grace" validate:"required,gt=0" yaml:"active_grace"`

	// SweepInterval is the period of the background expiry sweeper
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0" yaml:"sweep_interval"`
}

// UploadsConfig configures chunked upload expiry.
type UploadsConfig struct {
	// TTL is the maximum idle time of an in-flight chunked upload
	TTL time.Duration `mapstructure:"ttl" validate:"required,gt=0" yaml:"ttl"`

	// SweepInterval is the period of the upload TTL sweeper
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0" yaml:"sweep_interval"`
}

// Load loads configuration from file, environment, and defaults.
//
// An empty configPath loads defaults plus environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with a friendlier error when the named file
// does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// SaveConfig writes the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and the config file.
// Environment variables use the CIPHERDROP_ prefix with underscores, e.g.
// CIPHERDROP_SERVER_PORT=9090 or CIPHERDROP_STORAGE_MAX_SESSION_BYTES=-1.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CIPHERDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Unmarshal only sees keys viper knows about, so env-only keys must be
	// bound explicitly.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"server.port", "server.base_url", "server.allowed_origins",
		"server.shutdown_timeout", "server.read_header_timeout",
		"metrics.enabled",
		"storage.root", "storage.max_session_bytes", "storage.max_file_bytes",
		"sessions.max_active", "sessions.unused_grace", "sessions.active_grace",
		"sessions.sweep_interval",
		"uploads.ttl", "uploads.sweep_interval",
	} {
		_ = v.BindEnv(key)
	}
}

// decodeHooks returns the mapstructure hooks used when unmarshalling:
// durations from strings ("20m") and string slices from comma-separated
// values (so CIPHERDROP_SERVER_ALLOWED_ORIGINS=a,b works).
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
