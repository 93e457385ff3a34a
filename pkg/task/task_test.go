package task

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog is an in-memory stand-in for pkg/catalog.Client, modeling the
// partitions table as a set of (partition, node) -> (prv, nxt) edges.
type fakeCatalog struct {
	relation  string
	conns     map[int]string
	primary   map[string]int
	tail      map[string]int
	prv       map[string]map[int]int
	nxt       map[string]map[int]int
	existsSet map[string]map[int]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		relation:  "r",
		conns:     map[int]string{},
		primary:   map[string]int{},
		tail:      map[string]int{},
		prv:       map[string]map[int]int{},
		nxt:       map[string]map[int]int{},
		existsSet: map[string]map[int]bool{},
	}
}

func (f *fakeCatalog) PrimaryOwner(ctx context.Context, partition string) (int, error) {
	return f.primary[partition], nil
}
func (f *fakeCatalog) TailOwner(ctx context.Context, partition string) (int, error) {
	return f.tail[partition], nil
}
func (f *fakeCatalog) NextNeighbor(ctx context.Context, partition string, node int) (int, bool, error) {
	n, ok := f.nxt[partition][node]
	return n, ok, nil
}
func (f *fakeCatalog) PrevNeighbor(ctx context.Context, partition string, node int) (int, bool, error) {
	n, ok := f.prv[partition][node]
	return n, ok, nil
}
func (f *fakeCatalog) RelationName(ctx context.Context, partition string) (string, error) {
	return f.relation, nil
}
func (f *fakeCatalog) Exists(ctx context.Context, partition string, node int) (bool, error) {
	return f.existsSet[partition][node], nil
}
func (f *fakeCatalog) ConnString(ctx context.Context, node int) (string, error) {
	cs, ok := f.conns[node]
	if !ok {
		return "", fmt.Errorf("no conn string for node %d", node)
	}
	return cs, nil
}

func TestChannelNameInjective(t *testing.T) {
	a := ChannelName("p", 1, 2)
	b := ChannelName("p", 2, 1)
	c := ChannelName("q", 1, 2)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "shardman_copy_p_1_2", a)
}

func TestNewMoveTaskNoNeighbors(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1] = "host=a"
	cat.conns[2] = "host=b"
	cat.primary["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true}

	tk := NewMoveTask(context.Background(), cat, "task-1", "p", 1, 2)

	require.Equal(t, ResultInProgress, tk.Result)
	assert.Equal(t, MovePrimary, tk.Kind)
	assert.Equal(t, StepStartTablesync, tk.Step)
	assert.Equal(t, "shardman_copy_p_1_2", tk.ChannelName)
	assert.False(t, tk.Move.HasPrev)
	assert.False(t, tk.Move.HasNext)
	assert.Empty(t, tk.Move.DestReconfigSQL)
	// The destination table is the partition itself, shaped like the root
	// relation; the publication covers the partition, not the root.
	assert.Contains(t, tk.Scripts.DstCreateTableAndSubSQL, "CREATE TABLE p (LIKE r")
	assert.Contains(t, tk.Scripts.SrcCreatePubAndSlotSQL, "FOR TABLE p;")
	assert.Contains(t, tk.Scripts.ReadOnlySQL, "ON p FROM PUBLIC")
}

func TestNewMoveTaskWithDownstreamReplica(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1], cat.conns[2], cat.conns[3] = "host=a", "host=b", "host=c"
	cat.primary["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true, 3: true}
	cat.nxt["p"] = map[int]int{1: 3}
	cat.prv["p"] = map[int]int{3: 1}

	tk := NewMoveTask(context.Background(), cat, "task-2", "p", 1, 2)

	require.Equal(t, ResultInProgress, tk.Result)
	assert.False(t, tk.Move.HasPrev)
	require.True(t, tk.Move.HasNext)
	assert.Equal(t, 3, tk.Move.NextNode)
	assert.Contains(t, tk.Move.NextReconfigSQL, "shardman_data_p_2_3")
}

func TestNewMoveTaskReplicaWithUpstreamPrimary(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1], cat.conns[2], cat.conns[3] = "host=a", "host=b", "host=c"
	cat.primary["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true, 3: true}
	cat.nxt["p"] = map[int]int{1: 3}
	cat.prv["p"] = map[int]int{3: 1}

	tk := NewMoveTask(context.Background(), cat, "task-6", "p", 3, 2)

	require.Equal(t, ResultInProgress, tk.Result)
	assert.Equal(t, MoveReplica, tk.Kind)
	require.True(t, tk.Move.HasPrev)
	assert.Equal(t, 1, tk.Move.PrevNode)
	assert.False(t, tk.Move.HasNext)
	assert.Contains(t, tk.Move.PrevReconfigSQL, "shardman_data_p_1_2")
	assert.Contains(t, tk.Move.SyncStandbyPrevSQL, "shardman_data_p_1_2")
	assert.Contains(t, tk.Move.DestReconfigSQL, "shardman_data_p_1_2")
}

func TestNewMoveTaskFailsWhenDestAlreadyHoldsPartition(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1], cat.conns[2] = "host=a", "host=b"
	cat.primary["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true, 2: true}

	tk := NewMoveTask(context.Background(), cat, "task-3", "p", 1, 2)

	assert.Equal(t, ResultFailed, tk.Result)
	assert.Nil(t, tk.SourceSession)
	assert.Nil(t, tk.DestSession)
}

func TestNewCreateReplicaTaskAtTail(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1], cat.conns[2] = "host=a", "host=b"
	cat.tail["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true}

	tk := NewCreateReplicaTask(context.Background(), cat, "task-4", "p", 2)

	require.Equal(t, ResultInProgress, tk.Result)
	assert.Equal(t, CreateReplica, tk.Kind)
	assert.Equal(t, 1, tk.SourceNode)
	assert.Equal(t, 2, tk.DestNode)
	assert.Contains(t, tk.Scripts.MetadataUpdateSQL, "prv, nxt, relation")
}

func TestTaskCloseIsIdempotent(t *testing.T) {
	cat := newFakeCatalog()
	cat.conns[1], cat.conns[2] = "host=a", "host=b"
	cat.primary["p"] = 1
	cat.existsSet["p"] = map[int]bool{1: true}

	tk := NewMoveTask(context.Background(), cat, "task-5", "p", 1, 2)
	tk.Close()
	tk.Close()
}
