package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardlord/pkg/nodes"
	"github.com/cuemby/shardlord/pkg/queue"
	"github.com/cuemby/shardlord/pkg/task"
)

type fakeSubmitter struct {
	submitted []*task.Task
}

func (f *fakeSubmitter) Submit(t *task.Task) {
	f.submitted = append(f.submitted, t)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *queue.Queue, *nodes.Registry, *fakeSubmitter) {
	t.Helper()
	q, err := queue.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	reg := nodes.NewRegistry()
	sub := &fakeSubmitter{}
	d := New(q, nil, reg, sub, 0)
	return d, q, reg, sub
}

func TestDrainAddNodeRegistersConnString(t *testing.T) {
	d, q, reg, _ := newTestDispatcher(t)

	_, err := q.Enqueue(queue.AddNode, map[string]string{"id": "1", "conn": "host=a dbname=shard"})
	require.NoError(t, err)

	n, err := d.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cs, err := reg.ConnString(1)
	require.NoError(t, err)
	assert.Equal(t, "host=a dbname=shard", cs)
}

func TestDrainRemoveNodeDropsRegistration(t *testing.T) {
	d, q, reg, _ := newTestDispatcher(t)
	reg.Add(2, "host=b")

	_, err := q.Enqueue(queue.RemoveNode, map[string]string{"id": "2"})
	require.NoError(t, err)

	_, err = d.Drain(t.Context())
	require.NoError(t, err)

	_, err = reg.ConnString(2)
	assert.Error(t, err)
}

func TestDrainAddNodeMissingConnFails(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)

	_, err := q.Enqueue(queue.AddNode, map[string]string{"id": "1"})
	require.NoError(t, err)

	n, err := d.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "command failing to dispatch is dropped, not counted")
}

func TestDrainUnknownKindIsDroppedNotFatal(t *testing.T) {
	d, q, _, _ := newTestDispatcher(t)

	_, err := q.Enqueue(queue.Kind("bogus"), nil)
	require.NoError(t, err)

	n, err := d.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDrainSetReplicationLevelIsANoOp(t *testing.T) {
	d, q, _, sub := newTestDispatcher(t)

	_, err := q.Enqueue(queue.SetReplicationLevel, map[string]string{"level": "2"})
	require.NoError(t, err)

	n, err := d.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, sub.submitted)
}

func TestOwnershipInsertsOnePrimaryRowPerShard(t *testing.T) {
	owners := map[string]int{"orders_p_1": 2, "orders_p_0": 1}

	script := ownershipInserts("orders", owners)

	assert.Equal(t,
		"INSERT INTO partitions (part_name, owner, prv, nxt, relation) VALUES ('orders_p_0', 1, NULL, NULL, 'orders');\n"+
			"INSERT INTO partitions (part_name, owner, prv, nxt, relation) VALUES ('orders_p_1', 2, NULL, NULL, 'orders');\n",
		script)
}

func TestDrainEmptyQueueReturnsZero(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	n, err := d.Drain(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
