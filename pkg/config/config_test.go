package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, int64(-1), cfg.Storage.MaxSessionBytes)
	assert.Equal(t, DefaultMaxFileBytes, cfg.Storage.MaxFileBytes)
	assert.Equal(t, -1, cfg.Sessions.MaxActive)
	assert.Equal(t, DefaultUnusedGrace, cfg.Sessions.UnusedGrace)
	assert.Equal(t, DefaultActiveGrace, cfg.Sessions.ActiveGrace)
	assert.Equal(t, DefaultUploadTTL, cfg.Uploads.TTL)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: DEBUG
server:
  port: 9090
  allowed_origins:
    - https://drop.example.com
storage:
  root: /tmp/drop-test
  max_session_bytes: 104857600
sessions:
  max_active: 50
  active_grace: 10m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://drop.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, int64(104857600), cfg.Storage.MaxSessionBytes)
	assert.Equal(t, 50, cfg.Sessions.MaxActive)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.ActiveGrace)

	// Unset fields still get defaults
	assert.Equal(t, DefaultUnusedGrace, cfg.Sessions.UnusedGrace)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CIPHERDROP_SERVER_PORT", "7070")
	t.Setenv("CIPHERDROP_STORAGE_MAX_SESSION_BYTES", "2048")
	t.Setenv("CIPHERDROP_SERVER_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, int64(2048), cfg.Storage.MaxSessionBytes)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("valid defaults", func(t *testing.T) {
		assert.NoError(t, Validate(GetDefaultConfig()))
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Server.Port = 70000
		assert.Error(t, Validate(cfg))
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = "LOUD"
		assert.Error(t, Validate(cfg))
	})

	t.Run("unused grace beyond active grace", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Sessions.UnusedGrace = time.Hour
		cfg.Sessions.ActiveGrace = time.Minute
		assert.Error(t, Validate(cfg))
	})
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.Port = 1234
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Server.Port)
	assert.Equal(t, cfg.Sessions.ActiveGrace, loaded.Sessions.ActiveGrace)
}
