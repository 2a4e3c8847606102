package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.True(t, cfg.History.Enabled)
	assert.False(t, cfg.History.EnabledForAnonymousUsers)
	assert.Equal(t, 5*time.Minute, cfg.History.CacheTTL)
	assert.Equal(t, 2, cfg.Notifications.Workers)
	assert.Equal(t, 5*time.Second, cfg.Notifications.RetryDelay)
}

func TestLoadFromEnvironment(t *testing.T) {
	inTempDir(t)
	t.Setenv("DB_DRIVER", DriverSQLite)
	t.Setenv("DB_PATH", "/tmp/history.db")
	t.Setenv("ENTITY_HISTORY_ENABLED", "false")
	t.Setenv("ENTITY_HISTORY_IGNORED_TYPES", " Session , ,AuditLog")
	t.Setenv("ENTITY_HISTORY_CACHE_TTL", "bogus")
	t.Setenv("NOTIFICATION_RETRY_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/history.db", cfg.Database.Path)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, []string{"Session", "AuditLog"}, cfg.History.IgnoredTypes)
	assert.Equal(t, 5*time.Minute, cfg.History.CacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Notifications.RetryDelay)
}

func inTempDir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
