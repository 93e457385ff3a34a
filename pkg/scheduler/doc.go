/*
Package scheduler implements the single-threaded, cooperative event loop
that multiplexes every in-flight copy task on one goroutine.

# Architecture

The scheduler owns two collections: a timeout list of tasks whose next
reactivation is time-driven, and a readiness set of tasks waiting on
readiness of a registered file descriptor. Each iteration of Run:

 1. Computes the earliest waketime across the timeout list and derives an
    epoll_wait timeout from it (-1 if the list is empty, 0 if a task is
    already due).
 2. Blocks on epoll_wait (level-triggered, one-shot per fd) for that
    timeout.
 3. On wakeup, moves any now-ready fds into the timeout list, then walks
    the timeout list and runs one iteration of the copy state machine
    (pkg/copyengine) for every task whose waketime has passed.
 4. Classifies each executed task's resulting Signal: WakeMeUp leaves it
    on the timeout list with its new waketime, Epoll moves it to the
    readiness set, Done reaps it and records a terminal metric.

The loop exits when both collections are empty, Terminate is called, or
the context is cancelled - in all three cases every remaining task's
sessions are closed before Run returns. Run may be re-entered after a
batch drains (cmd/shardlordd does this between dispatcher ticks);
CancelAll abandons the current batch without stopping the loop.

# Usage

	sched, err := scheduler.New(catalogClient, topology.New(), retryConfig)
	if err != nil {
	    log.Logger.Fatal().Err(err).Msg("construct scheduler")
	}
	sched.Submit(task.NewMoveTask(ctx, catalogClient, id, "p1", 1, 2))
	if err := sched.Run(ctx); err != nil {
	    log.Logger.Error().Err(err).Msg("scheduler exited")
	}

Submit is safe to call concurrently with Run; a task born Failed at
construction is reaped immediately rather than scheduled.
*/
package scheduler
