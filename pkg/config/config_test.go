package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10*time.Minute, cfg.TURN.DefaultTTL)
	assert.True(t, cfg.Security.FailOpen)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }},
		{"pong timeout below ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero message rate", func(c *Config) { c.Signal.MessagesPerSecond = 0 }},
		{"zero session ttl", func(c *Config) { c.Signal.SessionTTL = 0 }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"short turn secret", func(c *Config) { c.TURN.Secret = "too-short" }},
		{"turn ttl above ceiling", func(c *Config) { c.TURN.DefaultTTL = 13 * time.Hour }},
		{"zero credential rate limit", func(c *Config) { c.Security.CredentialRateLimit = 0 }},
		{"zero session cap", func(c *Config) { c.Security.MaxSessionsPerUser = 0 }},
		{"zero recovery attempts", func(c *Config) { c.Recovery.MaxAttempts = 0 }},
		{"max delay below initial delay", func(c *Config) { c.Recovery.MaxDelay = c.Recovery.InitialDelay / 2 }},
		{"multiplier below one", func(c *Config) { c.Recovery.Multiplier = 0.5 }},
		{"non-increasing quality tiers", func(c *Config) { c.Quality.GoodRTT = c.Quality.FairRTT }},
		{"redis enabled without address", func(c *Config) { c.Redis.Enabled = true; c.Redis.Address = "" }},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  address: ":9090"
signal:
  ping_interval: 15s
  pong_timeout: 45s
auth:
  jwt_secret: "file-secret"
redis:
  enabled: true
  address: "redis:6379"
  pool_size: 4
logging:
  level: "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, 4, cfg.Redis.PoolSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 15*time.Second, cfg.Signal.PingInterval)
	assert.Equal(t, 45*time.Second, cfg.Signal.PongTimeout)
	// Untouched sections keep defaults.
	assert.Equal(t, 10*time.Minute, cfg.TURN.DefaultTTL)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROOMLINK_SERVER_ADDRESS", ":7070")
	t.Setenv("ROOMLINK_LOG_LEVEL", "warn")
	t.Setenv("ROOMLINK_REDIS_ADDRESS", "envredis:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "envredis:6379", cfg.Redis.Address)
	assert.True(t, cfg.Redis.Enabled)
}
