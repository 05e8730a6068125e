package config

import (
	"strings"
	"time"
)

// Default limits. Storage and session caps default to unlimited; operators
// opt in to quotas explicitly.
const (
	DefaultPort              = 8080
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxFileBytes      = int64(5) << 30 // 5 GiB per file
	DefaultUnusedGrace       = 60 * time.Second
	DefaultActiveGrace       = 20 * time.Minute
	DefaultSessionSweep      = 30 * time.Second
	DefaultUploadTTL         = 24 * time.Hour
	DefaultUploadSweep       = 5 * time.Minute
	DefaultStorageRoot       = "/var/lib/cipherdrop/uploads"
)

// GetDefaultConfig returns a configuration with all defaults applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in defaults for any unset fields. Zero values are
// replaced; explicit values are preserved. The -1 "unlimited" sentinels are
// only applied when the field is exactly zero, so an explicit 0 is treated
// as unset rather than as a zero-byte quota.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applySessionsDefaults(&cfg.Sessions)
	applyUploadsDefaults(&cfg.Uploads)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = DefaultStorageRoot
	}
	if cfg.MaxSessionBytes == 0 {
		cfg.MaxSessionBytes = -1
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.MaxActive == 0 {
		cfg.MaxActive = -1
	}
	if cfg.UnusedGrace == 0 {
		cfg.UnusedGrace = DefaultUnusedGrace
	}
	if cfg.ActiveGrace == 0 {
		cfg.ActiveGrace = DefaultActiveGrace
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSessionSweep
	}
}

func applyUploadsDefaults(cfg *UploadsConfig) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultUploadTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultUploadSweep
	}
}
