// Package queue is the durable store for commands the operator (or
// pkg/rebalance) submits: move-partition, create-replica, add-node,
// remove-node, hash-partition, rebalance and set-replication-level.
// Each enqueued command is a row the background dispatcher drains in
// FIFO order, backed by bbolt.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/shardlord/pkg/metrics"
)

// Kind identifies which cluster operation a Command requests.
type Kind string

const (
	MovePartition       Kind = "move-partition"
	CreateReplica       Kind = "create-replica"
	AddNode             Kind = "add-node"
	RemoveNode          Kind = "remove-node"
	HashPartition       Kind = "hash-partition"
	Rebalance           Kind = "rebalance"
	SetReplicationLevel Kind = "set-replication-level"
)

// Command is one durable, queued request. Args carries kind-specific
// parameters (partition name, source/destination node IDs, replica
// count) as strings; callers are expected to know the shape for their
// Kind.
type Command struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Args       map[string]string `json:"args"`
	CreatedAt  time.Time         `json:"created_at"`
	Dispatched bool              `json:"dispatched"`
}

var bucketCommands = []byte("commands")

// Queue is a bbolt-backed FIFO of Commands, ordered by CreatedAt via a
// monotonically increasing sequence key so iteration order matches
// submission order regardless of clock resolution.
type Queue struct {
	db *bolt.DB
}

// Open creates or opens the queue's bbolt file under dataDir.
func Open(dataDir string) (*Queue, error) {
	path := filepath.Join(dataDir, "shardlord-queue.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCommands)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	q := &Queue{db: db}
	q.refreshDepth()
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably appends a command and returns its generated ID.
func (q *Queue) Enqueue(kind Kind, args map[string]string) (string, error) {
	cmd := Command{
		ID:        uuid.NewString(),
		Kind:      kind,
		Args:      args,
		CreatedAt: time.Now().UTC(),
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return "", err
	}
	metrics.QueueDepth.Inc()
	return cmd.ID, nil
}

// Dequeue removes and returns the oldest undispatched command, or nil
// if the queue is empty.
func (q *Queue) Dequeue() (*Command, error) {
	var cmd *Command
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		var decoded Command
		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}
		cmd = &decoded
		return b.Delete(k)
	})
	if err != nil {
		return nil, err
	}
	if cmd != nil {
		metrics.QueueDepth.Dec()
		metrics.CommandsDispatchedTotal.WithLabelValues(string(cmd.Kind)).Inc()
	}
	return cmd, nil
}

// List returns every command currently queued, oldest first.
func (q *Queue) List() ([]*Command, error) {
	var out []*Command
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		return b.ForEach(func(k, v []byte) error {
			var cmd Command
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			out = append(out, &cmd)
			return nil
		})
	})
	return out, err
}

// Depth returns the current number of queued commands.
func (q *Queue) Depth() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketCommands).Stats().KeyN
		return nil
	})
	return n, err
}

func (q *Queue) refreshDepth() {
	n, err := q.Depth()
	if err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
