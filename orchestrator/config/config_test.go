package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Manager.PollingInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollingInterval.Std())
	assert.Equal(t, 100, cfg.Manager.MaxJobsPerCycle)
	assert.Equal(t, 10, cfg.Dispatcher.MaxActiveJobs)
	assert.Equal(t, 3, cfg.Retry.DefaultMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Retry.DefaultRetryDelay.Std())
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, time.Hour, cfg.Retry.MaxRetryDelay.Std())
	assert.Equal(t, 20*time.Minute, cfg.Timeouts.DefaultJobTimeout.Std())
	assert.True(t, cfg.Manager.RecoverStuckJobsOnStartup)
	assert.Equal(t, 720*time.Hour, cfg.Cleanup.DeadLetterRetentionPeriod.Std())
	assert.True(t, cfg.Cleanup.AutoPurgeDeadLetters)
	assert.True(t, cfg.Manager.Enabled)
	assert.True(t, cfg.Dispatcher.Enabled)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "flowforge:dispatch", cfg.Redis.QueueKey)
	assert.Equal(t, 30*time.Second, cfg.Coordination.LeaseTTL.Std())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
manager:
  polling_interval: 1s
  max_jobs_per_cycle: 25
dispatcher:
  enabled: false
retry:
  default_retry_delay: 30s
  max_retry_delay: 10m
database:
  url: postgres://flow:flow@db/flowforge
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Manager.PollingInterval.Std())
	assert.Equal(t, 25, cfg.Manager.MaxJobsPerCycle)
	assert.False(t, cfg.Dispatcher.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Retry.DefaultRetryDelay.Std())
	assert.Equal(t, 10*time.Minute, cfg.Retry.MaxRetryDelay.Std())
	assert.Equal(t, "postgres://flow:flow@db/flowforge", cfg.Database.URL)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Manager.Enabled)
	assert.Equal(t, 10, cfg.Dispatcher.MaxActiveJobs)
}

func TestLoadRejectsUnknownKeysAndBadDurations(t *testing.T) {
	_, err := Load(writeConfig(t, "manger:\n  polling_interval: 1s\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "manager:\n  polling_interval: quickly\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quickly")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@db/flow")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("NATS_URL", "nats://bus:4222")

	path := writeConfig(t, "database:\n  url: postgres://file@db/flow\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, "postgres://env@db/flow", cfg.Database.URL)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_addr: \":7070\"\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
}

func TestValidateCatchesCrossFieldMistakes(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxRetryDelay = Duration(time.Second)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retry_delay")

	cfg = Default()
	cfg.Manager.MaxJobsPerCycle = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.ListenAddr = ""
	require.Error(t, cfg.Validate())
}
