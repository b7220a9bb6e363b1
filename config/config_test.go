package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-engine/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Retry.Backend)
	assert.Equal(t, 30*time.Second, cfg.Retry.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, time.Hour, cfg.Sync.Interval)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  rate_limit_per_sec: 5
database:
  path: /var/lib/fleet/fleet.db
retry:
  backend: redis
  redis_url: redis://localhost:6379/0
  backoff_seconds: 10
sync:
  enabled: false
  interval_seconds: 900
cache:
  ttl_seconds: 0
logging:
  level: debug
  format: console
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5.0, cfg.Server.RateLimitPerSec)
	assert.Equal(t, 40, cfg.Server.RateLimitBurst)
	assert.Equal(t, "/var/lib/fleet/fleet.db", cfg.Database.Path)
	assert.Equal(t, "redis", cfg.Retry.Backend)
	assert.Equal(t, 10*time.Second, cfg.Retry.Backoff)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Zero(t, cfg.Cache.TTL)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "server: [1, 2"},
		{"unknown backend", "retry:\n  backend: kafka\n"},
		{"redis without url", "retry:\n  backend: redis\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, config.DefaultPath, config.PathFromEnv())

	t.Setenv("CONFIG_PATH", "/etc/fleet.yaml")
	assert.Equal(t, "/etc/fleet.yaml", config.PathFromEnv())
}
