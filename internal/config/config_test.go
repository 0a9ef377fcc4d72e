package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file:girder.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Engine.PoolSize)
	assert.Equal(t, 0.3, cfg.Risk.AutonomousBelow)
	assert.Equal(t, 0.7, cfg.Risk.EscalatedAt)
	assert.Equal(t, []string{"engineer", "senior_engineer", "lead_engineer", "chief_engineer"}, cfg.Risk.Ladder)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GIRDER_DB_PATH", "file:/var/lib/girder/prod.db")
	t.Setenv("GIRDER_LOG_FORMAT", "json")
	t.Setenv("GIRDER_ENGINE_POOL_SIZE", "32")
	t.Setenv("GIRDER_SCHEDULER_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file:/var/lib/girder/prod.db", cfg.DB.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 32, cfg.Engine.PoolSize)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	yaml := []byte("db:\n  path: file:custom.db\nrisk:\n  escalated_at: 0.6\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "girder.yaml"), yaml, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file:custom.db", cfg.DB.Path)
	assert.Equal(t, 0.6, cfg.Risk.EscalatedAt)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.3, cfg.Risk.AutonomousBelow)
}
