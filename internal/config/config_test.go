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

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("STORAGE_DIR", "/data")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.StorageDir)
	assert.Equal(t, "sqlite", cfg.QueueBackend)
	assert.Equal(t, 30*time.Second, cfg.Transfer.Timeout)
	assert.Equal(t, 3, cfg.Transfer.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Transfer.ProgressInterval)
	assert.Equal(t, 5*time.Minute, cfg.Worker.LeaseDuration)
	assert.True(t, cfg.ConsumesQueue("downloads"))
	assert.Equal(t, []string{"zim", "maps"}, cfg.DownloadFamilies)
	assert.Empty(t, cfg.Web.Username)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DIR", "/data")
	t.Setenv("QUEUE_BACKEND", "bolt")
	t.Setenv("TRANSFER_TIMEOUT", "1m")
	t.Setenv("WORKER_QUEUES", "downloads,embeddings")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "bolt", cfg.QueueBackend)
	assert.Equal(t, time.Minute, cfg.Transfer.Timeout)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.ConsumesQueue("embeddings"))
	assert.False(t, cfg.ConsumesQueue("model-downloads"))
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Run("missing storage dir", func(t *testing.T) {
		t.Setenv("STORAGE_DIR", "")
		require.NoError(t, os.Unsetenv("STORAGE_DIR"))

		_, err := LoadConfig()
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("STORAGE_DIR", "/data")
		t.Setenv("QUEUE_BACKEND", "redis")

		_, err := LoadConfig()
		require.ErrorContains(t, err, "invalid queue backend")
	})
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
downloads:
  attempts: 5
  concurrency: 4
  backoff:
    type: fixed
    delay: 10s
embeddings:
  retention:
    keep_completed: 100
    keep_failed: 0
`), 0o600))

	p, err := LoadPolicies(path)
	require.NoError(t, err)

	assert.Equal(t, 5, p["downloads"].Attempts)
	assert.Equal(t, 4, p["downloads"].Concurrency)
	assert.Equal(t, "fixed", p["downloads"].Backoff.Type)
	assert.Equal(t, 10*time.Second, p["downloads"].Backoff.Delay)
	assert.Nil(t, p["downloads"].Retention)
	require.NotNil(t, p["embeddings"].Retention)
	assert.Equal(t, 100, p["embeddings"].Retention.KeepCompleted)
}

func TestLoadPolicies_Errors(t *testing.T) {
	p, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("downloads:\n  backoff:\n    type: linear\n"), 0o600))

	_, err = LoadPolicies(path)
	require.ErrorContains(t, err, "unknown backoff type")
}
