package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novadb/novadb/core/buffer"
)

func TestLoadDefaultsWithoutPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, buffer.MigrationDramOnly, cfg.Buffer.MigrationPolicy)
	require.False(t, cfg.Buffer.EnableNUMA)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "novadb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
buffer:
  dram_buffer_pool_size: 1073741824
  enable_numa: true
  migration_policy: eager
scheduler:
  num_nodes: 4
  workers_per_node: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(1073741824), cfg.Buffer.DRAMBufferPoolSize)
	require.True(t, cfg.Buffer.EnableNUMA)
	require.Equal(t, buffer.MigrationEager, cfg.Buffer.MigrationPolicy)
	require.Equal(t, 4, cfg.Scheduler.NumNodes)
	require.Equal(t, 8, cfg.Scheduler.WorkersPerNode)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("NOVADB_ENABLE_NUMA", "true")
	t.Setenv("NOVADB_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Buffer.EnableNUMA)
	require.Equal(t, "debug", cfg.Logger.Level)
}
