// Package dispatcher drains the durable command queue, turns each
// Command into a pkg/task.Task via the metadata catalog, and hands the
// result to the scheduler. It owns no copy-engine state itself — once a
// task is Submitted, pkg/scheduler is the sole owner of its lifecycle.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/shardlord/pkg/catalog"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/nodes"
	"github.com/cuemby/shardlord/pkg/partition"
	"github.com/cuemby/shardlord/pkg/queue"
	"github.com/cuemby/shardlord/pkg/task"
)

// Submitter is the narrow interface the dispatcher needs from the
// scheduler: hand it a constructed task and let it own the rest of that
// task's lifecycle. pkg/scheduler.Scheduler satisfies it.
type Submitter interface {
	Submit(t *task.Task)
}

// Dispatcher drains pkg/queue on a ticker, converting each command into
// scheduler work or a direct catalog/registry mutation.
type Dispatcher struct {
	queue *queue.Queue
	cat   *catalog.Client
	nodes *nodes.Registry
	sched Submitter

	mu       sync.Mutex
	stopCh   chan struct{}
	interval time.Duration
}

// New constructs a Dispatcher. interval controls how often the queue is
// polled for new commands.
func New(q *queue.Queue, cat *catalog.Client, nodeReg *nodes.Registry, sched Submitter, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		cat:      cat,
		nodes:    nodeReg,
		sched:    sched,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

// Start begins the drain loop in its own goroutine.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop ends the drain loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) run() {
	logger := log.WithComponent("dispatcher")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", d.interval).Msg("dispatcher started")

	for {
		select {
		case <-ticker.C:
			if _, err := d.Drain(context.Background()); err != nil {
				logger.Error().Err(err).Msg("drain cycle failed")
			}
		case <-d.stopCh:
			logger.Info().Msg("dispatcher stopped")
			return
		}
	}
}

// Drain pulls every command currently queued and dispatches each in turn,
// returning the number successfully handed off. It is exported so
// cmd/shardlordd can drive a single drain cycle synchronously (e.g. from
// a "drain once" CLI verb) without waiting for the ticker. A command that
// fails to dispatch is logged and dropped: the caller is expected to
// resubmit it, matching the copy engine's own construction-error contract
// (a task either starts clean or never starts).
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dispatched := 0
	for {
		cmd, err := d.queue.Dequeue()
		if err != nil {
			return dispatched, fmt.Errorf("dequeue command: %w", err)
		}
		if cmd == nil {
			break
		}
		if err := d.dispatch(ctx, cmd); err != nil {
			dispatchLogger := log.WithComponent("dispatcher")
			dispatchLogger.Error().Err(err).
				Str("command_id", cmd.ID).Str("kind", string(cmd.Kind)).
				Msg("failed to dispatch command")
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd *queue.Command) error {
	switch cmd.Kind {
	case queue.MovePartition:
		return d.dispatchMove(ctx, cmd)
	case queue.CreateReplica:
		return d.dispatchCreateReplica(ctx, cmd)
	case queue.AddNode:
		return d.dispatchAddNode(cmd)
	case queue.RemoveNode:
		return d.dispatchRemoveNode(cmd)
	case queue.HashPartition:
		return d.dispatchHashPartition(ctx, cmd)
	case queue.SetReplicationLevel:
		// Accepted and discarded: the level argument is not stored
		// anywhere. Synchronous-standby behaviour comes only from
		// task.RetryConfig.SyncReplicas in the daemon's configuration.
		return nil
	case queue.Rebalance:
		// Rebalance commands are planned by pkg/rebalance directly into
		// move-partition commands; a bare "rebalance" command reaching
		// here means the planner itself should be invoked by the caller,
		// not the dispatcher.
		return nil
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (d *Dispatcher) dispatchMove(ctx context.Context, cmd *queue.Command) error {
	partitionName := cmd.Args["partition"]
	src, err := strconv.Atoi(cmd.Args["src"])
	if err != nil {
		return fmt.Errorf("move-partition: invalid src: %w", err)
	}
	dst, err := strconv.Atoi(cmd.Args["dst"])
	if err != nil {
		return fmt.Errorf("move-partition: invalid dst: %w", err)
	}
	t := task.NewMoveTask(ctx, d.cat, uuid.NewString(), partitionName, src, dst)
	d.sched.Submit(t)
	return nil
}

func (d *Dispatcher) dispatchCreateReplica(ctx context.Context, cmd *queue.Command) error {
	partitionName := cmd.Args["partition"]
	dst, err := strconv.Atoi(cmd.Args["dst"])
	if err != nil {
		return fmt.Errorf("create-replica: invalid dst: %w", err)
	}
	t := task.NewCreateReplicaTask(ctx, d.cat, uuid.NewString(), partitionName, dst)
	d.sched.Submit(t)
	return nil
}

func (d *Dispatcher) dispatchAddNode(cmd *queue.Command) error {
	id, err := strconv.Atoi(cmd.Args["id"])
	if err != nil {
		return fmt.Errorf("add-node: invalid id: %w", err)
	}
	conn := cmd.Args["conn"]
	if conn == "" {
		return fmt.Errorf("add-node: missing conn")
	}
	d.nodes.Add(id, conn)
	return nil
}

func (d *Dispatcher) dispatchRemoveNode(cmd *queue.Command) error {
	id, err := strconv.Atoi(cmd.Args["id"])
	if err != nil {
		return fmt.Errorf("remove-node: invalid id: %w", err)
	}
	d.nodes.Remove(id)
	return nil
}

func (d *Dispatcher) dispatchHashPartition(ctx context.Context, cmd *queue.Command) error {
	relation := cmd.Args["relation"]
	key := cmd.Args["key"]
	partCount, err := strconv.Atoi(cmd.Args["partCount"])
	if err != nil {
		return fmt.Errorf("hash-partition: invalid partCount: %w", err)
	}
	nodeIDs := d.nodes.List()
	if len(nodeIDs) == 0 {
		return fmt.Errorf("hash-partition: no nodes registered")
	}
	sort.Ints(nodeIDs)
	plan := partition.Plan{Relation: relation, Key: key, PartCount: partCount, Nodes: nodeIDs}
	ddl, err := plan.BuildDDL()
	if err != nil {
		return fmt.Errorf("hash-partition: %w", err)
	}
	// The new shards must land in the partitions table too, or they can
	// never be the subject of a later move-partition / create-replica
	// command.
	script := ddl + ownershipInserts(relation, plan.Owners())
	if err := d.cat.Exec(ctx, script); err != nil {
		return fmt.Errorf("hash-partition: %w", err)
	}
	return nil
}

// ownershipInserts renders one primary partitions row per shard, in
// partition-name order so the script is deterministic for a given plan.
func ownershipInserts(relation string, owners map[string]int) string {
	names := make([]string, 0, len(owners))
	for name := range owners {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b,
			"INSERT INTO partitions (part_name, owner, prv, nxt, relation) VALUES ('%s', %d, NULL, NULL, '%s');\n",
			name, owners[name], relation)
	}
	return b.String()
}
