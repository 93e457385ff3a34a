/*
Package metrics exposes shardlord's Prometheus instrumentation and a
simple component-health registry used by the HTTP /healthz and /readyz
endpoints.

# Metrics

Task lifecycle (pkg/scheduler, pkg/copyengine):

  - shardlord_tasks_in_flight - gauge, tasks currently owned by the scheduler.
  - shardlord_tasks_completed_total{kind,result} - counter, terminal tasks.
  - shardlord_task_step_duration_seconds{step} - histogram of per-step latency.

Scheduler internals (pkg/scheduler):

  - shardlord_scheduler_timeout_list_size - gauge.
  - shardlord_scheduler_readiness_set_size - gauge.

Worker sessions (pkg/session):

  - shardlord_session_reconnects_total - counter.
  - shardlord_retry_scheduled_total{reason} - counter, incremented by
    pkg/copyengine and pkg/topology when they schedule a retry.

Command queue (pkg/queue, pkg/dispatcher):

  - shardlord_command_queue_depth - gauge.
  - shardlord_commands_dispatched_total{kind} - counter.

Controller leader election (pkg/cluster):

  - shardlord_raft_is_leader - gauge, 1 if this process holds leadership.
  - shardlord_raft_peers_total - gauge.
  - shardlord_raft_log_index / shardlord_raft_applied_index - gauges.
  - shardlord_raft_apply_duration_seconds - histogram.

Rebalancer (pkg/rebalance):

  - shardlord_rebalance_cycles_total - counter.
  - shardlord_rebalance_moves_planned_total - counter.

All metrics are registered with the default Prometheus registry at
package init and served by Handler() on the HTTP mux configured via
Config.MetricsAddr.

# Health and readiness

RegisterComponent and UpdateComponent let long-lived subsystems (the
catalog connection, raft, the scheduler) report their own up/down
status; Health aggregates it for HealthHandler, and Readiness
additionally fails if any of the "raft", "catalog", or "scheduler"
components are missing or unhealthy, for ReadyHandler.
*/
package metrics
