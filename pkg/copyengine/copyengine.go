// Package copyengine implements the three-step copy state machine shared
// by every task flavor: establish a logical-replication channel, wait for
// the initial bulk copy, freeze the source, wait for the stream to catch
// up to a recorded commit position. Each step is idempotent with respect
// to a partially-applied prior attempt because it issues explicit
// drop-if-exists statements before creating its resources.
package copyengine

import (
	"context"

	"github.com/cuemby/shardlord/pkg/catalog"
	"github.com/cuemby/shardlord/pkg/clock"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
	"github.com/cuemby/shardlord/pkg/session"
	"github.com/cuemby/shardlord/pkg/task"
)

// substateReady is pg_subscription_rel.srsubstate's value once the initial
// tablesync for a relation has finished ('r' == SUBREL_STATE_READY).
const substateReady = "r"

// Reconfigurer runs a task's flavor-specific topology reconfiguration and
// final metadata-update transaction once the copy itself (steps A-C) has
// finished. pkg/topology.Engine satisfies this.
type Reconfigurer interface {
	Reconfigure(ctx context.Context, t *task.Task, cat task.MetaCatalog, cfg task.RetryConfig)
}

// Exec runs exactly one iteration of t's copy state machine (or, once the
// copy itself is Done, one iteration of its reconfiguration phase), and
// sets t.Signal / t.WakeTime accordingly.
func Exec(ctx context.Context, t *task.Task, cat task.MetaCatalog, recon Reconfigurer, cfg task.RetryConfig) {
	step := t.Step
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TaskStepDuration, step.String())

	switch step {
	case task.StepStartTablesync:
		startTablesync(ctx, t, cat, cfg)
	case task.StepStartFinalsync:
		startFinalsync(ctx, t, cfg)
	case task.StepFinalize:
		finalize(ctx, t, cfg)
	case task.StepDone:
		if t.Result == task.ResultInProgress {
			recon.Reconfigure(ctx, t, cat, cfg)
		}
	}
}

func startTablesync(ctx context.Context, t *task.Task, cat task.MetaCatalog, cfg task.RetryConfig) {
	logger := log.WithChannel(t.ChannelName)

	if t.SourceSession.EnsureOpen(ctx) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}
	if t.DestSession.EnsureOpen(ctx) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}

	if !t.HaveMetaBarrier {
		lsnText, err := cat.CurrentLSN(ctx)
		if err != nil {
			scheduleRetry(t, cfg)
			return
		}
		barrier, err := catalog.ParseLSN(lsnText)
		if err != nil {
			scheduleRetry(t, cfg)
			return
		}
		t.MetaBarrierLSN = barrier
		t.HaveMetaBarrier = true
	}

	if !freshnessSatisfied(ctx, t.SourceSession, t.MetaBarrierLSN) {
		logger.Debug().Msg("source meta-subscription lagging barrier, retrying")
		scheduleRetry(t, cfg)
		return
	}
	if !freshnessSatisfied(ctx, t.DestSession, t.MetaBarrierLSN) {
		logger.Debug().Msg("destination meta-subscription lagging barrier, retrying")
		scheduleRetry(t, cfg)
		return
	}

	// Drop first: the source cannot drop its slot while a subscriber holds it.
	if t.DestSession.RunScript(ctx, t.Scripts.DstDropSubSQL) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}
	if t.SourceSession.RunScript(ctx, t.Scripts.SrcCreatePubAndSlotSQL) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}
	if t.DestSession.RunScript(ctx, t.Scripts.DstCreateTableAndSubSQL) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}

	t.Step = task.StepStartFinalsync
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.Now()
}

// freshnessSatisfied reports whether s's received_lsn from the well-known
// meta-subscription has caught up to barrier.
func freshnessSatisfied(ctx context.Context, s session.Conn, barrier uint64) bool {
	text, outcome := s.QueryOne(ctx, "SELECT received_lsn FROM pg_stat_subscription WHERE subname = 'shardman_meta_sub';")
	if outcome != session.Ok {
		return false
	}
	lsn, err := catalog.ParseLSN(text)
	if err != nil {
		return false
	}
	return lsn >= barrier
}

func startFinalsync(ctx context.Context, t *task.Task, cfg task.RetryConfig) {
	substate, outcome := t.DestSession.QueryOne(ctx, t.Scripts.SubstateSQL)
	if outcome != session.Ok || substate != substateReady {
		pollRetry(t, cfg)
		return
	}

	if t.SourceSession.RunScript(ctx, t.Scripts.ReadOnlySQL) != session.Ok {
		scheduleRetry(t, cfg)
		return
	}

	lsnText, outcome := t.SourceSession.QueryOne(ctx, t.Scripts.CurrentWALLSNSQL)
	if outcome != session.Ok {
		scheduleRetry(t, cfg)
		return
	}
	lsn, err := catalog.ParseLSN(lsnText)
	if err != nil {
		scheduleRetry(t, cfg)
		return
	}
	t.SyncPoint = lsn
	t.HaveSync = true

	t.Step = task.StepFinalize
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.Now()
}

func finalize(ctx context.Context, t *task.Task, cfg task.RetryConfig) {
	lsnText, outcome := t.DestSession.QueryOne(ctx, t.Scripts.ReceivedLSNSQL)
	if outcome != session.Ok {
		pollRetry(t, cfg)
		return
	}
	lsn, err := catalog.ParseLSN(lsnText)
	if err != nil || lsn < t.SyncPoint {
		pollRetry(t, cfg)
		return
	}

	t.Step = task.StepDone
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.Now()
}

func scheduleRetry(t *task.Task, cfg task.RetryConfig) {
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.NowPlusMillis(cfg.CmdRetryNaptimeMS)
	metrics.RetryScheduledTotal.WithLabelValues("transport").Inc()
}

func pollRetry(t *task.Task, cfg task.RetryConfig) {
	t.Signal = task.SignalWakeMeUp
	t.WakeTime = clock.NowPlusMillis(cfg.PollIntervalMS)
	metrics.RetryScheduledTotal.WithLabelValues("not_ready").Inc()
}
