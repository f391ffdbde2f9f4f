package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2, cfg.Pool.Min)
	assert.Equal(t, 10, cfg.Pool.Max)
	assert.Equal(t, int64(1000), cfg.Pool.MaxRequestsPerWorker)
	assert.Equal(t, 100, cfg.Pool.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 8, cfg.Invoke.MaxDepth)
	assert.Equal(t, SandboxEnforce, cfg.SandboxMode)
	assert.Equal(t, float64(70), cfg.Degrade.CPUDegraded)
	assert.Equal(t, int64(500), cfg.Degrade.QueueCritical)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
pool:
  min: 1
  max: 4
  max_queue_size: 10
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Pool.Min)
	assert.Equal(t, 4, cfg.Pool.Max)
	assert.Equal(t, 10, cfg.Pool.MaxQueueSize)
	// Untouched sections keep defaults.
	assert.Equal(t, 8, cfg.Invoke.MaxDepth)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KB_LOG_LEVEL", "warn")
	t.Setenv("KB_SANDBOX_MODE", "compat")
	t.Setenv("KB_SANDBOX_TRACE", "1")
	t.Setenv("KB_WORKFLOW_SERVICE_URL", "http://workflows.local")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, SandboxCompat, cfg.SandboxMode)
	assert.True(t, cfg.SandboxTrace)
	assert.Equal(t, "http://workflows.local", cfg.WorkflowServiceURL)
}

func TestRawConfigJSONRoundTrip(t *testing.T) {
	base := Default()
	base.LogLevel = "debug"
	base.Pool.Max = 42

	raw, err := base.RawJSON()
	require.NoError(t, err)

	t.Setenv("KB_RAW_CONFIG_JSON", raw)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 42, cfg.Pool.Max)
	assert.Equal(t, base.DefaultTimeout, cfg.DefaultTimeout)
}

func TestRawConfigJSONRejectsGarbage(t *testing.T) {
	t.Setenv("KB_RAW_CONFIG_JSON", "{not json")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("KB_SANDBOX_MODE", "yolo")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/kb.yaml")
	assert.Error(t, err)
}
