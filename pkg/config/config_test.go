package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shardlordd.yaml")
	contents := `
nodeId: node-1
bindAddr: 10.0.0.5:7400
catalogDsn: postgres://shardlord@catalog/shardman
retry:
  cmdRetryNaptimeMs: 5000
  pollIntervalMs: 250
  syncReplicas: false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, "10.0.0.5:7400", cfg.BindAddr)
	assert.Equal(t, "postgres://shardlord@catalog/shardman", cfg.CatalogDSN)
	assert.Equal(t, 5000, cfg.Retry.CmdRetryNaptimeMS)
	assert.Equal(t, 250, cfg.Retry.PollIntervalMS)
	assert.False(t, cfg.Retry.SyncReplicas)
	// Untouched defaults survive the merge.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 60, cfg.Rebalance.IntervalSeconds)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
