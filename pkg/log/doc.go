/*
Package log provides structured logging for the shardlord using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Usage

Initializing the logger:

	import "github.com/cuemby/shardlord/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Logging through the root logger:

	log.Logger.Info().Msg("shardlord starting")
	log.Logger.Warn().Msg("meta-subscription lag detected")
	log.Logger.Fatal().Msg("cannot start without catalog connection") // exits process

Component loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("starting event loop")

	taskLog := log.WithComponent("copyengine").
		With().Str("task_id", t.ID).
		Str("channel", t.ChannelName).Logger()
	taskLog.Info().Msg("advancing to StartFinalsync")

# Integration points

  - pkg/scheduler: logs tasks born failed, batch cancellation and epoll
    registration failures
  - pkg/copyengine: logs meta-subscription lag at debug level
  - pkg/topology: logs failed metadata-update transactions
  - pkg/session: logs connect, statement and query failures at debug level
  - pkg/dispatcher and pkg/rebalance: log drain failures and planning cycles
  - cmd/shardlordd: logs startup, signals and background-loop errors

# Design patterns

Global logger pattern: a single package-level Logger instance, initialized
once at startup and accessible from all packages without being threaded
through call signatures.

Context logger pattern: child loggers created with WithComponent /
WithNode / WithTaskID / WithChannel carry their fields through every
subsequent log line without repeating them at each call site.
*/
package log
