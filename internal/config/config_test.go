package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, filepath.Join("data", "runhub.db"), cfg.DBPath)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.StreamPollInterval)
	assert.Equal(t, 200, cfg.StreamBatchSize)
	assert.Equal(t, time.Duration(0), cfg.AskTimeout)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RUNHUB_DATA_DIR", "/var/lib/runhub")
	t.Setenv("RUNHUB_LEASE_DURATION", "45s")
	t.Setenv("RUNHUB_MAX_ATTEMPTS", "5")
	t.Setenv("RUNHUB_METRICS_ENABLED", "false")
	t.Setenv("RUNHUB_WORKER_MODES", "plan, build,")
	t.Setenv("RUNHUB_LOG_FORMAT", "text")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/runhub/runhub.db", cfg.DBPath)
	assert.Equal(t, 45*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, []string{"plan", "build"}, cfg.Worker.Modes)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("RUNHUB_LEASE_DURATION", "soon")
	t.Setenv("RUNHUB_MAX_ATTEMPTS", "many")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNHUB_LEASE_DURATION")
	assert.Contains(t, err.Error(), "RUNHUB_MAX_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	cfg.MaxAttempts = 0
	cfg.LogLevel = "loud"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "LOG_LEVEL")

	assert.Error(t, WorkerConfig{APIURL: "http://x", ID: "w"}.Validate())
	assert.NoError(t, WorkerConfig{APIURL: "http://x", ID: "w", Command: "agent", Concurrency: 1}.Validate())
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RUNHUB_HTTP_ADDR=:9999\nRUNHUB_SERVICE_NAME=from-file\n"), 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("RUNHUB_SERVICE_NAME", "from-env")
	// godotenv sets variables directly; register them so they are restored.
	t.Setenv("RUNHUB_HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("RUNHUB_HTTP_ADDR"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "from-env", cfg.ServiceName)
}

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Config{LogLevel: "warn", LogFormat: "json"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"run_id":"r1"`)
}
