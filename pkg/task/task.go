// Package task defines the copy-task data model: the discriminated record
// that carries a partition move or replica-creation through the copy state
// machine and its flavor-specific topology reconfiguration.
package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/shardlord/pkg/clock"
	"github.com/cuemby/shardlord/pkg/session"
)

// Kind discriminates the three task flavors the engine drives through the
// same copy state machine.
type Kind string

const (
	MovePrimary   Kind = "move_primary"
	MoveReplica   Kind = "move_replica"
	CreateReplica Kind = "create_replica"
)

// Step is the task's position in the copy state machine. Steps only ever
// advance.
type Step int

const (
	StepStartTablesync Step = iota
	StepStartFinalsync
	StepFinalize
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepStartTablesync:
		return "StartTablesync"
	case StepStartFinalsync:
		return "StartFinalsync"
	case StepFinalize:
		return "Finalize"
	case StepDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Result is the terminal (or non-terminal) outcome of a task.
type Result string

const (
	ResultInProgress Result = "in_progress"
	ResultSuccess    Result = "success"
	ResultFailed     Result = "failed"
)

// Signal is what a task execution asks the scheduler to do next.
type Signal string

const (
	SignalDone     Signal = "done"
	SignalWakeMeUp Signal = "wake_me_up"
	SignalEpoll    Signal = "epoll"
)

// MetaCatalog is the narrow run-time interface the copy state machine
// and topology reconfiguration need from the shardlord catalog: the
// freshness-barrier reference position and the final metadata-update
// transaction. pkg/catalog.Client satisfies it.
type MetaCatalog interface {
	CurrentLSN(ctx context.Context) (string, error)
	Exec(ctx context.Context, sql string) error
}

// Catalog is the narrow read interface task construction needs from the
// metadata catalog. pkg/catalog.Client satisfies it.
type Catalog interface {
	PrimaryOwner(ctx context.Context, partition string) (int, error)
	TailOwner(ctx context.Context, partition string) (int, error)
	NextNeighbor(ctx context.Context, partition string, node int) (int, bool, error)
	PrevNeighbor(ctx context.Context, partition string, node int) (int, bool, error)
	RelationName(ctx context.Context, partition string) (string, error)
	Exists(ctx context.Context, partition string, node int) (bool, error)
	ConnString(ctx context.Context, node int) (string, error)
}

// Scripts holds the precomputed, semicolon-separated SQL fragments the copy
// state machine issues. Every field is filled once at construction time;
// none are recomputed mid-flight.
type Scripts struct {
	DstDropSubSQL           string
	SrcCreatePubAndSlotSQL  string
	DstCreateTableAndSubSQL string
	ReadOnlySQL             string
	SubstateSQL             string
	ReceivedLSNSQL          string
	MetaSubReceivedLSNSQL   string
	CurrentWALLSNSQL        string
	MetadataUpdateSQL       string
}

// MoveExtension carries the neighbor sessions and reconfiguration scripts a
// move task needs once the copy itself has finished.
type MoveExtension struct {
	PrevNode        int
	HasPrev         bool
	PrevConnStr     string
	PrevSession     session.Conn
	PrevReconfigSQL string

	NextNode        int
	HasNext         bool
	NextConnStr     string
	NextSession     session.Conn
	NextReconfigSQL string

	// DestReconfigSQL accepts the incoming channel from prev (if any) and,
	// if a next neighbor exists, creates the publication/slot for dst->next.
	DestReconfigSQL string

	SyncStandbyPrevSQL string
	SyncStandbyDestSQL string
}

// CreateReplicaExtension carries the reconfiguration scripts a
// create-replica task runs once the copy has finished.
type CreateReplicaExtension struct {
	DropCopySubSQL          string
	CreateDataPubAndSlotSQL string
	CreateDataSubSQL        string
	SyncStandbySQL          string
	ReleaseReadOnlySQL      string
}

// Task is the discriminated record driving one partition copy. It owns its
// sessions and script strings exclusively; the scheduler only weakly
// references it through the timeout list and readiness set.
type Task struct {
	ID string

	Partition   string
	SourceNode  int
	DestNode    int
	Kind        Kind
	ChannelName string
	Relation    string

	SourceConnStr string
	DestConnStr   string
	SourceSession session.Conn
	DestSession   session.Conn

	Scripts Scripts

	SyncPoint uint64
	HaveSync  bool

	MetaBarrierLSN  uint64
	HaveMetaBarrier bool

	Step   Step
	Result Result
	Signal Signal

	WakeTime    clock.Timespec
	ReadinessFD int

	Move          *MoveExtension
	CreateReplica *CreateReplicaExtension
}

// RetryConfig holds the two named retry intervals the copy engine and
// topology reconfiguration use; there is no exponential backoff.
type RetryConfig struct {
	CmdRetryNaptimeMS int64
	PollIntervalMS    int64
	SyncReplicas      bool
}

// ChannelName is the deterministic copy-channel name, injective over
// (partition, source, destination).
func ChannelName(partition string, src, dst int) string {
	return fmt.Sprintf("shardman_copy_%s_%d_%d", partition, src, dst)
}

// DataChannelName is the deterministic name for the durable (post-copy)
// replication channel between a publisher and a subscriber node.
func DataChannelName(partition string, pub, sub int) string {
	return fmt.Sprintf("shardman_data_%s_%d_%d", partition, pub, sub)
}

func failed() *Task {
	return &Task{Result: ResultFailed, Step: StepDone, ReadinessFD: -1}
}

func buildScripts(channel, partition, relation, srcConnStr string) Scripts {
	return Scripts{
		DstDropSubSQL: fmt.Sprintf("DROP SUBSCRIPTION IF EXISTS %s CASCADE;", channel),
		SrcCreatePubAndSlotSQL: fmt.Sprintf(
			"DROP PUBLICATION IF EXISTS %[1]s CASCADE;"+
				"CREATE PUBLICATION %[1]s FOR TABLE %[2]s;"+
				"SELECT pg_drop_replication_slot('%[1]s') WHERE EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = '%[1]s');"+
				"SELECT pg_create_logical_replication_slot('%[1]s', 'pgoutput');",
			channel, partition),
		// Mimics declarative partition creation: the new table copies the
		// root relation's shape but not its foreign keys.
		DstCreateTableAndSubSQL: fmt.Sprintf(
			"DROP TABLE IF EXISTS %[1]s CASCADE;"+
				"CREATE TABLE %[1]s (LIKE %[2]s INCLUDING DEFAULTS INCLUDING INDEXES INCLUDING STORAGE);"+
				"DROP SUBSCRIPTION IF EXISTS %[3]s CASCADE;"+
				"CREATE SUBSCRIPTION %[3]s CONNECTION '%[4]s' PUBLICATION %[3]s WITH (create_slot = false, slot_name = '%[3]s', synchronous_commit = local);",
			partition, relation, channel, srcConnStr),
		ReadOnlySQL: fmt.Sprintf("REVOKE INSERT, UPDATE, DELETE ON %s FROM PUBLIC;", partition),
		SubstateSQL: fmt.Sprintf(
			"SELECT r.srsubstate FROM pg_subscription_rel r JOIN pg_subscription s ON r.srsubid = s.oid WHERE s.subname = '%s';",
			channel),
		ReceivedLSNSQL:        fmt.Sprintf("SELECT received_lsn FROM pg_stat_subscription WHERE subname = '%s';", channel),
		MetaSubReceivedLSNSQL: "SELECT received_lsn FROM pg_stat_subscription WHERE subname = 'shardman_meta_sub';",
		CurrentWALLSNSQL:      "SELECT pg_current_wal_lsn();",
	}
}

// NewMoveTask validates preconditions against the catalog and constructs a
// move task (primary or replica). On precondition violation it returns a
// task born Failed with every other field empty, per the construction-error
// contract: no sessions are ever opened for such a task.
func NewMoveTask(ctx context.Context, cat Catalog, id, partition string, src, dst int) *Task {
	if src == dst {
		return failed()
	}
	exists, err := cat.Exists(ctx, partition, dst)
	if err != nil || exists {
		return failed()
	}
	srcExists, err := cat.Exists(ctx, partition, src)
	if err != nil || !srcExists {
		return failed()
	}
	relation, err := cat.RelationName(ctx, partition)
	if err != nil {
		return failed()
	}
	srcConnStr, err := cat.ConnString(ctx, src)
	if err != nil {
		return failed()
	}
	dstConnStr, err := cat.ConnString(ctx, dst)
	if err != nil {
		return failed()
	}
	primaryOwner, err := cat.PrimaryOwner(ctx, partition)
	if err != nil {
		return failed()
	}

	kind := MoveReplica
	if primaryOwner == src {
		kind = MovePrimary
	}

	channel := ChannelName(partition, src, dst)
	t := &Task{
		ID:            id,
		Partition:     partition,
		SourceNode:    src,
		DestNode:      dst,
		Kind:          kind,
		ChannelName:   channel,
		Relation:      relation,
		SourceConnStr: srcConnStr,
		DestConnStr:   dstConnStr,
		SourceSession: session.New(srcConnStr),
		DestSession:   session.New(dstConnStr),
		Scripts:       buildScripts(channel, partition, relation, srcConnStr),
		Step:          StepStartTablesync,
		Result:        ResultInProgress,
		Signal:        SignalWakeMeUp,
		WakeTime:      clock.Now(),
		ReadinessFD:   -1,
	}
	t.Scripts.MetadataUpdateSQL = fmt.Sprintf(
		"UPDATE partitions SET owner = %[2]d WHERE part_name = '%[1]s' AND owner = %[3]d;"+
			"UPDATE partitions SET prv = %[2]d WHERE part_name = '%[1]s' AND prv = %[3]d;"+
			"UPDATE partitions SET nxt = %[2]d WHERE part_name = '%[1]s' AND nxt = %[3]d;",
		partition, dst, src)

	move := &MoveExtension{}
	if prev, ok, err := cat.PrevNeighbor(ctx, partition, src); err == nil && ok {
		move.HasPrev = true
		move.PrevNode = prev
		if cs, err := cat.ConnString(ctx, prev); err == nil {
			move.PrevConnStr = cs
			move.PrevSession = session.New(cs)
		}
		prevChannel := DataChannelName(partition, prev, dst)
		move.PrevReconfigSQL = fmt.Sprintf(
			"DROP PUBLICATION IF EXISTS %[1]s CASCADE;"+
				"CREATE PUBLICATION %[1]s FOR TABLE %[2]s;"+
				"SELECT pg_create_logical_replication_slot('%[1]s', 'pgoutput');",
			prevChannel, partition)
		move.SyncStandbyPrevSQL = fmt.Sprintf(
			"ALTER SYSTEM SET synchronous_standby_names = '%s';SELECT pg_reload_conf();", prevChannel)
	}
	if next, ok, err := cat.NextNeighbor(ctx, partition, src); err == nil && ok {
		move.HasNext = true
		move.NextNode = next
		if cs, err := cat.ConnString(ctx, next); err == nil {
			move.NextConnStr = cs
			move.NextSession = session.New(cs)
		}
		nextChannel := DataChannelName(partition, dst, next)
		move.NextReconfigSQL = fmt.Sprintf(
			"DROP SUBSCRIPTION IF EXISTS %[1]s CASCADE;"+
				"CREATE SUBSCRIPTION %[1]s CONNECTION '%[2]s' PUBLICATION %[1]s WITH (create_slot = false, slot_name = '%[1]s', synchronous_commit = local);",
			nextChannel, dstConnStr)
		move.SyncStandbyDestSQL = fmt.Sprintf(
			"ALTER SYSTEM SET synchronous_standby_names = '%s';SELECT pg_reload_conf();", nextChannel)
	}

	var destFragments []string
	if move.HasPrev {
		prevChannel := DataChannelName(partition, move.PrevNode, dst)
		destFragments = append(destFragments, fmt.Sprintf(
			"DROP SUBSCRIPTION IF EXISTS %[1]s CASCADE;"+
				"CREATE SUBSCRIPTION %[1]s CONNECTION '%[2]s' PUBLICATION %[1]s WITH (create_slot = false, slot_name = '%[1]s', synchronous_commit = local);",
			prevChannel, move.PrevConnStr))
	}
	if move.HasNext {
		nextChannel := DataChannelName(partition, dst, move.NextNode)
		destFragments = append(destFragments, fmt.Sprintf(
			"DROP PUBLICATION IF EXISTS %[1]s CASCADE;"+
				"CREATE PUBLICATION %[1]s FOR TABLE %[2]s;"+
				"SELECT pg_create_logical_replication_slot('%[1]s', 'pgoutput');",
			nextChannel, partition))
	}
	move.DestReconfigSQL = strings.Join(destFragments, "")

	t.Move = move
	return t
}

// NewCreateReplicaTask validates preconditions against the catalog and
// constructs a create-replica task appending dst to the tail of
// partition's replica chain.
func NewCreateReplicaTask(ctx context.Context, cat Catalog, id, partition string, dst int) *Task {
	tail, err := cat.TailOwner(ctx, partition)
	if err != nil {
		return failed()
	}
	exists, err := cat.Exists(ctx, partition, dst)
	if err != nil || exists {
		return failed()
	}
	relation, err := cat.RelationName(ctx, partition)
	if err != nil {
		return failed()
	}
	srcConnStr, err := cat.ConnString(ctx, tail)
	if err != nil {
		return failed()
	}
	dstConnStr, err := cat.ConnString(ctx, dst)
	if err != nil {
		return failed()
	}

	channel := ChannelName(partition, tail, dst)
	t := &Task{
		ID:            id,
		Partition:     partition,
		SourceNode:    tail,
		DestNode:      dst,
		Kind:          CreateReplica,
		ChannelName:   channel,
		Relation:      relation,
		SourceConnStr: srcConnStr,
		DestConnStr:   dstConnStr,
		SourceSession: session.New(srcConnStr),
		DestSession:   session.New(dstConnStr),
		Scripts:       buildScripts(channel, partition, relation, srcConnStr),
		Step:          StepStartTablesync,
		Result:        ResultInProgress,
		Signal:        SignalWakeMeUp,
		WakeTime:      clock.Now(),
		ReadinessFD:   -1,
	}
	t.Scripts.MetadataUpdateSQL = fmt.Sprintf(
		"INSERT INTO partitions (part_name, owner, prv, nxt, relation) VALUES ('%[1]s', %[2]d, %[3]d, NULL, '%[4]s');"+
			"UPDATE partitions SET nxt = %[2]d WHERE part_name = '%[1]s' AND owner = %[3]d;",
		partition, dst, tail, relation)

	dataChannel := DataChannelName(partition, tail, dst)
	t.CreateReplica = &CreateReplicaExtension{
		DropCopySubSQL: fmt.Sprintf("DROP SUBSCRIPTION IF EXISTS %s CASCADE;", channel),
		CreateDataPubAndSlotSQL: fmt.Sprintf(
			"DROP PUBLICATION IF EXISTS %[1]s CASCADE;"+
				"CREATE PUBLICATION %[1]s FOR TABLE %[2]s;"+
				"SELECT pg_create_logical_replication_slot('%[1]s', 'pgoutput');",
			dataChannel, partition),
		CreateDataSubSQL: fmt.Sprintf(
			"CREATE SUBSCRIPTION %[1]s CONNECTION '%[2]s' PUBLICATION %[1]s WITH (create_slot = false, slot_name = '%[1]s', synchronous_commit = local);",
			dataChannel, srcConnStr),
		SyncStandbySQL: fmt.Sprintf(
			"ALTER SYSTEM SET synchronous_standby_names = '%s';SELECT pg_reload_conf();", dataChannel),
		ReleaseReadOnlySQL: fmt.Sprintf("GRANT INSERT, UPDATE, DELETE ON %s TO PUBLIC;", partition),
	}
	return t
}

// Close releases every session the task owns, regardless of result. Safe
// to call multiple times.
func (t *Task) Close() {
	if t.SourceSession != nil {
		t.SourceSession.Close()
	}
	if t.DestSession != nil {
		t.DestSession.Close()
	}
	if t.Move != nil {
		if t.Move.PrevSession != nil {
			t.Move.PrevSession.Close()
		}
		if t.Move.NextSession != nil {
			t.Move.NextSession.Close()
		}
	}
}
