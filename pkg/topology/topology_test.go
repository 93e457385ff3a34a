package topology

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shardlord/pkg/clock"
	"github.com/cuemby/shardlord/pkg/session"
	"github.com/cuemby/shardlord/pkg/task"
)

// scriptLog records script executions across every fake session so the
// cross-node ordering of reconfiguration sub-steps can be asserted.
type scriptLog struct {
	entries []string
}

type fakeConn struct {
	name   string
	log    *scriptLog
	failOn string // script that returns Retry when executed
	closed bool
}

func (f *fakeConn) EnsureOpen(context.Context) session.Outcome { return session.Ok }

func (f *fakeConn) RunScript(_ context.Context, script string) session.Outcome {
	f.log.entries = append(f.log.entries, f.name+":"+script)
	if script == f.failOn {
		return session.Retry
	}
	return session.Ok
}

func (f *fakeConn) QueryOne(context.Context, string) (string, session.Outcome) {
	return "", session.Retry
}

func (f *fakeConn) Close() { f.closed = true }

// fakeMeta implements task.MetaCatalog.
type fakeMeta struct {
	execs   []string
	execErr error
}

func (f *fakeMeta) CurrentLSN(context.Context) (string, error) { return "0/0", nil }

func (f *fakeMeta) Exec(_ context.Context, sql string) error {
	if f.execErr != nil {
		return f.execErr
	}
	f.execs = append(f.execs, sql)
	return nil
}

var testCfg = task.RetryConfig{CmdRetryNaptimeMS: 10_000, PollIntervalMS: 2_000, SyncReplicas: true}

func newMoveTask(lg *scriptLog) (*task.Task, *fakeConn, *fakeConn, *fakeConn, *fakeConn) {
	src := &fakeConn{name: "src", log: lg}
	dst := &fakeConn{name: "dst", log: lg}
	prev := &fakeConn{name: "prev", log: lg}
	next := &fakeConn{name: "next", log: lg}
	tk := &task.Task{
		Kind:          task.MovePrimary,
		ChannelName:   "shardman_copy_p_1_2",
		SourceSession: src,
		DestSession:   dst,
		Result:        task.ResultInProgress,
		Scripts:       task.Scripts{MetadataUpdateSQL: "update-metadata"},
		Move: &task.MoveExtension{
			HasPrev:            true,
			PrevSession:        prev,
			PrevReconfigSQL:    "prev-reconfig",
			SyncStandbyPrevSQL: "sync-standby-prev",
			HasNext:            true,
			NextSession:        next,
			NextReconfigSQL:    "next-reconfig",
			SyncStandbyDestSQL: "sync-standby-dst",
			DestReconfigSQL:    "dst-reconfig",
		},
	}
	return tk, src, dst, prev, next
}

func TestReconfigureMoveRunsSubStepsInFixedOrder(t *testing.T) {
	lg := &scriptLog{}
	tk, src, _, prev, _ := newMoveTask(lg)
	meta := &fakeMeta{}

	New().Reconfigure(context.Background(), tk, meta, testCfg)

	// Every newly created subscription must be matched by an
	// already-existing publication, so this order is load-bearing.
	assert.Equal(t, []string{
		"prev:prev-reconfig",
		"dst:dst-reconfig",
		"prev:sync-standby-prev",
		"next:next-reconfig",
		"dst:sync-standby-dst",
	}, lg.entries)
	assert.Equal(t, []string{"update-metadata"}, meta.execs)
	assert.Equal(t, task.ResultSuccess, tk.Result)
	assert.Equal(t, task.SignalDone, tk.Signal)
	assert.True(t, src.closed)
	assert.True(t, prev.closed)
}

func TestReconfigureMoveSkipsSyncStandbyWhenDisabled(t *testing.T) {
	lg := &scriptLog{}
	tk, _, _, _, _ := newMoveTask(lg)
	meta := &fakeMeta{}
	cfg := testCfg
	cfg.SyncReplicas = false

	New().Reconfigure(context.Background(), tk, meta, cfg)

	assert.Equal(t, []string{
		"prev:prev-reconfig",
		"dst:dst-reconfig",
		"next:next-reconfig",
	}, lg.entries)
	assert.Equal(t, task.ResultSuccess, tk.Result)
}

func TestReconfigureMoveNoNeighborsOnlyUpdatesMetadata(t *testing.T) {
	lg := &scriptLog{}
	tk := &task.Task{
		Kind:          task.MovePrimary,
		SourceSession: &fakeConn{name: "src", log: lg},
		DestSession:   &fakeConn{name: "dst", log: lg},
		Result:        task.ResultInProgress,
		Scripts:       task.Scripts{MetadataUpdateSQL: "update-metadata"},
		Move:          &task.MoveExtension{},
	}
	meta := &fakeMeta{}

	New().Reconfigure(context.Background(), tk, meta, testCfg)

	assert.Empty(t, lg.entries)
	assert.Equal(t, []string{"update-metadata"}, meta.execs)
	assert.Equal(t, task.ResultSuccess, tk.Result)
}

func TestReconfigureMoveNeighborFailureSchedulesRetry(t *testing.T) {
	lg := &scriptLog{}
	tk, _, _, _, next := newMoveTask(lg)
	next.failOn = "next-reconfig"
	meta := &fakeMeta{}

	before := clock.Now()
	New().Reconfigure(context.Background(), tk, meta, testCfg)

	require.Equal(t, task.ResultInProgress, tk.Result)
	assert.Equal(t, task.SignalWakeMeUp, tk.Signal)
	assert.InDelta(t, 10_000, clock.DiffMillis(tk.WakeTime, before), 50)
	// The metadata update must not run after a partial reconfiguration.
	assert.Empty(t, meta.execs)
	assert.Equal(t, "next:next-reconfig", lg.entries[len(lg.entries)-1])
}

func newCreateReplicaTask(lg *scriptLog) (*task.Task, *fakeConn, *fakeConn) {
	src := &fakeConn{name: "src", log: lg}
	dst := &fakeConn{name: "dst", log: lg}
	tk := &task.Task{
		Kind:          task.CreateReplica,
		ChannelName:   "shardman_copy_p_1_2",
		SourceSession: src,
		DestSession:   dst,
		Result:        task.ResultInProgress,
		Scripts:       task.Scripts{MetadataUpdateSQL: "insert-tail-row"},
		CreateReplica: &task.CreateReplicaExtension{
			DropCopySubSQL:          "drop-copy-sub",
			CreateDataPubAndSlotSQL: "create-data-pub",
			CreateDataSubSQL:        "create-data-sub",
			SyncStandbySQL:          "sync-standby",
			ReleaseReadOnlySQL:      "release-read-only",
		},
	}
	return tk, src, dst
}

func TestReconfigureCreateReplicaRunsSequenceAndReleasesSource(t *testing.T) {
	lg := &scriptLog{}
	tk, src, dst := newCreateReplicaTask(lg)
	meta := &fakeMeta{}

	New().Reconfigure(context.Background(), tk, meta, testCfg)

	assert.Equal(t, []string{
		"dst:drop-copy-sub",
		"src:create-data-pub",
		"dst:create-data-sub",
		"src:sync-standby",
		"src:release-read-only",
	}, lg.entries)
	assert.Equal(t, []string{"insert-tail-row"}, meta.execs)
	assert.Equal(t, task.ResultSuccess, tk.Result)
	assert.True(t, src.closed)
	assert.True(t, dst.closed)
}

func TestReconfigureCreateReplicaSkipsSyncStandbyWhenDisabled(t *testing.T) {
	lg := &scriptLog{}
	tk, _, _ := newCreateReplicaTask(lg)
	meta := &fakeMeta{}
	cfg := testCfg
	cfg.SyncReplicas = false

	New().Reconfigure(context.Background(), tk, meta, cfg)

	assert.NotContains(t, lg.entries, "src:sync-standby")
	assert.Contains(t, lg.entries, "src:release-read-only")
	assert.Equal(t, task.ResultSuccess, tk.Result)
}

func TestReconfigureMetadataFailureSchedulesRetry(t *testing.T) {
	lg := &scriptLog{}
	tk, src, _ := newCreateReplicaTask(lg)
	meta := &fakeMeta{execErr: errors.New("catalog unreachable")}

	before := clock.Now()
	New().Reconfigure(context.Background(), tk, meta, testCfg)

	assert.Equal(t, task.ResultInProgress, tk.Result)
	assert.Equal(t, task.SignalWakeMeUp, tk.Signal)
	assert.InDelta(t, 10_000, clock.DiffMillis(tk.WakeTime, before), 50)
	assert.False(t, src.closed)
}
