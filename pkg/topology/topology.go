// Package topology runs the flavor-specific reconfiguration that follows a
// successful copy: rebuilding logical-replication links among neighbors in
// a fixed order, then atomically updating the cluster metadata so the
// move/create becomes visible. Any error discards the affected connection
// and schedules a retry of the whole phase; every step re-run here is
// idempotent at the script layer (drop-if-exists, slot-already-exists are
// treated as benign).
package topology

import (
	"context"

	"github.com/cuemby/shardlord/pkg/clock"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
	"github.com/cuemby/shardlord/pkg/session"
	"github.com/cuemby/shardlord/pkg/task"
)

// Engine runs topology reconfiguration. It has no state of its own; it
// implements copyengine.Reconfigurer.
type Engine struct{}

// New returns a topology Engine.
func New() *Engine {
	return &Engine{}
}

// Reconfigure dispatches to the move or create-replica reconfiguration
// phase based on t.Kind.
func (e *Engine) Reconfigure(ctx context.Context, t *task.Task, cat task.MetaCatalog, cfg task.RetryConfig) {
	var ok bool
	switch t.Kind {
	case task.MovePrimary, task.MoveReplica:
		ok = reconfigureMove(ctx, t, cfg)
	case task.CreateReplica:
		ok = reconfigureCreateReplica(ctx, t, cfg)
	}
	if !ok {
		retry(t, cfg)
		return
	}

	if err := cat.Exec(ctx, t.Scripts.MetadataUpdateSQL); err != nil {
		channelLogger := log.WithChannel(t.ChannelName)
		channelLogger.Error().Err(err).Msg("metadata update transaction failed")
		retry(t, cfg)
		return
	}

	t.Result = task.ResultSuccess
	t.Signal = task.SignalDone
	t.Close()
}

// reconfigureMove runs the five sub-steps of §4.4 in the fixed order the
// design mandates: every newly created subscription must be matched by an
// already-existing publication. Sub-steps must never be reordered.
func reconfigureMove(ctx context.Context, t *task.Task, cfg task.RetryConfig) bool {
	m := t.Move

	if m.HasPrev {
		if m.PrevSession.EnsureOpen(ctx) != session.Ok {
			return false
		}
		if m.PrevSession.RunScript(ctx, m.PrevReconfigSQL) != session.Ok {
			return false
		}
	}

	if t.DestSession.EnsureOpen(ctx) != session.Ok {
		return false
	}
	if m.DestReconfigSQL != "" {
		if t.DestSession.RunScript(ctx, m.DestReconfigSQL) != session.Ok {
			return false
		}
	}

	if cfg.SyncReplicas && m.HasPrev {
		if m.PrevSession.RunScript(ctx, m.SyncStandbyPrevSQL) != session.Ok {
			return false
		}
	}

	if m.HasNext {
		if m.NextSession.EnsureOpen(ctx) != session.Ok {
			return false
		}
		if m.NextSession.RunScript(ctx, m.NextReconfigSQL) != session.Ok {
			return false
		}
	}

	if cfg.SyncReplicas && m.HasNext {
		if t.DestSession.RunScript(ctx, m.SyncStandbyDestSQL) != session.Ok {
			return false
		}
	}

	return true
}

// reconfigureCreateReplica runs §4.5's sequence: drop the copy subscription,
// stand up the durable data channel, then optionally enroll the
// destination as a synchronous standby and release read-only on the
// source.
func reconfigureCreateReplica(ctx context.Context, t *task.Task, cfg task.RetryConfig) bool {
	cr := t.CreateReplica

	if t.DestSession.RunScript(ctx, cr.DropCopySubSQL) != session.Ok {
		return false
	}
	if t.SourceSession.RunScript(ctx, cr.CreateDataPubAndSlotSQL) != session.Ok {
		return false
	}
	if t.DestSession.RunScript(ctx, cr.CreateDataSubSQL) != session.Ok {
		return false
	}
	if cfg.SyncReplicas {
		if t.SourceSession.RunScript(ctx, cr.SyncStandbySQL) != session.Ok {
			return false
		}
	}
	if t.SourceSession.RunScript(ctx, cr.ReleaseReadOnlySQL) != session.Ok {
		return false
	}

	return true
}

func retry(t *task.Task, cfg task.RetryConfig) {
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.NowPlusMillis(cfg.CmdRetryNaptimeMS)
	metrics.RetryScheduledTotal.WithLabelValues("reconfig").Inc()
}
