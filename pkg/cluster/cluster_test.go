package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	c, err := New(Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Bootstrap())
	defer c.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsLeader() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, c.IsLeader())

	stats := c.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Peers)
}

func TestAddVoterFailsWhenNotLeader(t *testing.T) {
	c := &Cluster{nodeID: "node-2"}
	err := c.AddVoter("node-3", "127.0.0.1:9999")
	assert.Error(t, err)
}

func TestStatsNilBeforeStart(t *testing.T) {
	c, err := New(Config{NodeID: "node-4", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, c.Stats())
	assert.False(t, c.IsLeader())
	assert.Empty(t, c.LeaderAddr())
}
