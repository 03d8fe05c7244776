package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, DeliveryOptimistic, cfg.DeliveryMode)
	assert.Equal(t, 30*time.Second, cfg.ClaimTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_URL", "file::memory:")
	t.Setenv("DELIVERY_MODE", "ack")
	t.Setenv("CLAIM_TTL", "5s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENABLE_TRACING", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, DeliveryAck, cfg.DeliveryMode)
	assert.Equal(t, 5*time.Second, cfg.ClaimTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.True(t, cfg.EnableTracing)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c2panel.yaml")
	t.Setenv("PANEL_TEST_REDIS", "redis://cache:6379/1")
	content := `
http_port: "7070"
redis_url: ${PANEL_TEST_REDIS}
delivery_mode: ack
claim_ttl: 45s
enable_metrics: false
nats_url: nats://bus:4222
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "7171")

	cfg, err := Load()
	require.NoError(t, err)

	// environment wins over the file
	assert.Equal(t, "7171", cfg.HTTPPort)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, DeliveryAck, cfg.DeliveryMode)
	assert.Equal(t, 45*time.Second, cfg.ClaimTTL)
	assert.False(t, cfg.EnableMetrics)
	assert.Equal(t, "nats://bus:4222", cfg.NATSURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "DB_DRIVER", "mysql"},
		{"unknown delivery mode", "DELIVERY_MODE", "exactly-once"},
		{"bad duration", "CLAIM_TTL", "soon"},
		{"ping not shorter than read timeout", "WS_PING_INTERVAL", "2m"},
		{"ping equal to read timeout", "WS_PING_INTERVAL", "60s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
