package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_tasks_in_flight",
			Help: "Number of copy tasks currently owned by the scheduler",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardlord_tasks_completed_total",
			Help: "Total number of copy tasks that reached a terminal state, by kind and result",
		},
		[]string{"kind", "result"},
	)

	TaskStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardlord_task_step_duration_seconds",
			Help:    "Wall-clock time spent executing one copy-state-machine step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Scheduler metrics
	SchedulerTimeoutListSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_scheduler_timeout_list_size",
			Help: "Number of tasks currently on the scheduler's timeout list",
		},
	)

	SchedulerReadinessSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_scheduler_readiness_set_size",
			Help: "Number of tasks currently waiting on fd readiness",
		},
	)

	// Session metrics
	SessionReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardlord_session_reconnects_total",
			Help: "Total number of times a worker session was discarded and reopened",
		},
	)

	RetryScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardlord_retry_scheduled_total",
			Help: "Total number of retries scheduled, by reason",
		},
		[]string{"reason"},
	)

	// Command queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_command_queue_depth",
			Help: "Number of commands waiting in the durable command queue",
		},
	)

	CommandsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardlord_commands_dispatched_total",
			Help: "Total number of commands dispatched from the queue, by kind",
		},
		[]string{"kind"},
	)

	// Raft / leader-election metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_raft_is_leader",
			Help: "Whether this process is the active controller (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_raft_peers_total",
			Help: "Total number of raft peers in the controller cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_raft_log_index",
			Help: "Current raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardlord_raft_applied_index",
			Help: "Last applied raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardlord_raft_apply_duration_seconds",
			Help:    "Time taken to apply a raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rebalance metrics
	RebalanceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardlord_rebalance_cycles_total",
			Help: "Total number of rebalance heuristic cycles completed",
		},
	)

	RebalanceMovesPlannedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardlord_rebalance_moves_planned_total",
			Help: "Total number of move-partition commands planned by the rebalancer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksInFlight,
		TasksCompletedTotal,
		TaskStepDuration,
		SchedulerTimeoutListSize,
		SchedulerReadinessSetSize,
		SessionReconnectsTotal,
		RetryScheduledTotal,
		QueueDepth,
		CommandsDispatchedTotal,
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		RebalanceCyclesTotal,
		RebalanceMovesPlannedTotal,
	)
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
