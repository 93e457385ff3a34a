// Package scheduler implements the single-threaded, cooperative event loop
// that multiplexes every in-flight copy task on one goroutine: a timeout
// list of time-driven tasks and a readiness set of tasks waiting on a
// registered file descriptor. Each iteration blocks on readiness-or-timeout,
// dispatches every task whose waketime has passed, and reaps the ones that
// finish.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/shardlord/pkg/catalog"
	"github.com/cuemby/shardlord/pkg/clock"
	"github.com/cuemby/shardlord/pkg/copyengine"
	"github.com/cuemby/shardlord/pkg/log"
	"github.com/cuemby/shardlord/pkg/metrics"
	"github.com/cuemby/shardlord/pkg/task"
)

// Scheduler is the controller's single-threaded copy-task event loop.
type Scheduler struct {
	cat   *catalog.Client
	recon copyengine.Reconfigurer
	cfg   task.RetryConfig

	mu           sync.Mutex
	timeoutList  map[string]*task.Task
	readinessSet map[int]*task.Task
	epfd         int
	gen          int

	stopCh chan struct{}
}

// New creates a Scheduler backed by its own epoll instance.
func New(cat *catalog.Client, recon copyengine.Reconfigurer, cfg task.RetryConfig) (*Scheduler, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Scheduler{
		cat:          cat,
		recon:        recon,
		cfg:          cfg,
		timeoutList:  make(map[string]*task.Task),
		readinessSet: make(map[int]*task.Task),
		epfd:         epfd,
		stopCh:       make(chan struct{}),
	}, nil
}

// Submit registers a non-failed task on the timeout list at time zero, or
// immediately reaps one born Failed at construction.
func (s *Scheduler) Submit(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Result == task.ResultFailed {
		taskLogger := log.WithTaskID(t.ID)
		taskLogger.Warn().Msg("task born failed, not scheduled")
		return
	}
	t.WakeTime = clock.Now()
	s.timeoutList[t.ID] = t
	metrics.TasksInFlight.Inc()
	s.reportSizesLocked()
}

// Terminate causes Run to stop accepting iterations and exit cleanly,
// closing every remaining task's sessions.
func (s *Scheduler) Terminate() {
	close(s.stopCh)
}

// Terminated reports whether Terminate has been called.
func (s *Scheduler) Terminated() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// CancelAll abandons the current task batch: every in-flight task's
// sessions are closed and both collections are emptied. The scheduler
// remains usable afterwards; new tasks may be submitted and Run
// re-entered.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timeoutList {
		t.Close()
		metrics.TasksInFlight.Dec()
	}
	for _, t := range s.readinessSet {
		t.Close()
		metrics.TasksInFlight.Dec()
	}
	s.timeoutList = make(map[string]*task.Task)
	s.readinessSet = make(map[int]*task.Task)
	s.gen++
	s.reportSizesLocked()
	batchLogger := log.WithComponent("scheduler")
	batchLogger.Warn().Msg("current task batch cancelled")
}

// Run drives the event loop until no tasks remain or Terminate is called.
// On termination every remaining task's sessions are closed; a plain
// batch-drained return leaves nothing behind to close, so Run may be
// re-entered after more submissions.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-s.stopCh:
			s.closeAll()
			return nil
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		empty := len(s.timeoutList) == 0 && len(s.readinessSet) == 0
		timeoutMs := s.calcTimeoutLocked()
		s.mu.Unlock()
		if empty {
			return nil
		}

		events := make([]unix.EpollEvent, 32)
		n, err := unix.EpollWait(s.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.closeAll()
			return fmt.Errorf("epoll_wait: %w", err)
		}

		s.mu.Lock()
		now := clock.Now()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if t, ok := s.readinessSet[fd]; ok {
				delete(s.readinessSet, fd)
				t.WakeTime = now
				s.timeoutList[t.ID] = t
			}
		}

		var due []*task.Task
		for _, t := range s.timeoutList {
			if !t.WakeTime.After(now) {
				due = append(due, t)
			}
		}
		gen := s.gen
		s.mu.Unlock()

		for _, t := range due {
			copyengine.Exec(ctx, t, s.cat, s.recon, s.cfg)
			s.classify(t, gen)
		}
	}
}

// classify applies the scheduler's post-execution transition: leave the
// task on the timeout list with its new waketime, move it to the readiness
// set, or reap it. gen is the batch generation the task was dispatched
// under; if CancelAll ran in the meantime, the task is closed instead of
// re-registered.
func (s *Scheduler) classify(t *task.Task, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		t.Close()
		return
	}

	switch t.Signal {
	case task.SignalWakeMeUp:
		s.timeoutList[t.ID] = t
	case task.SignalEpoll:
		delete(s.timeoutList, t.ID)
		if err := s.epollSubscribe(t); err != nil {
			epollLogger := log.WithTaskID(t.ID)
			epollLogger.Error().Err(err).Msg("epoll_ctl failed, falling back to timeout-driven wakeup")
			t.Signal = task.SignalWakeMeUp
			t.WakeTime = clock.NowPlusMillis(s.cfg.CmdRetryNaptimeMS)
			s.timeoutList[t.ID] = t
			s.reportSizesLocked()
			return
		}
		s.readinessSet[t.ReadinessFD] = t
	case task.SignalDone:
		delete(s.timeoutList, t.ID)
		delete(s.readinessSet, t.ReadinessFD)
		metrics.TasksInFlight.Dec()
		if t.Result == task.ResultSuccess {
			metrics.TasksCompletedTotal.WithLabelValues(string(t.Kind), "success").Inc()
		} else {
			metrics.TasksCompletedTotal.WithLabelValues(string(t.Kind), "failed").Inc()
		}
	}
	s.reportSizesLocked()
}

// reportSizesLocked pushes the current collection sizes into the gauges
// the metrics endpoint exposes. Caller must hold s.mu.
func (s *Scheduler) reportSizesLocked() {
	metrics.SchedulerTimeoutListSize.Set(float64(len(s.timeoutList)))
	metrics.SchedulerReadinessSetSize.Set(float64(len(s.readinessSet)))
}

// epollSubscribe registers or re-arms t's file descriptor for level-
// triggered, one-shot readiness, ADD if this is the fd's first registration
// and MOD otherwise.
func (s *Scheduler) epollSubscribe(t *task.Task) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
		Fd:     int32(t.ReadinessFD),
	}
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, t.ReadinessFD, &event)
	if err == unix.EEXIST {
		// A one-shot fd stays registered after it fires; re-arm it.
		err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, t.ReadinessFD, &event)
	}
	return err
}

// calcTimeoutLocked computes the epoll_wait timeout in milliseconds: -1 if
// the timeout list is empty, 0 if any task is already due, otherwise the
// delta to the earliest waketime. Caller must hold s.mu.
func (s *Scheduler) calcTimeoutLocked() int {
	if len(s.timeoutList) == 0 {
		return -1
	}
	now := clock.Now()
	var min clock.Timespec
	have := false
	for _, t := range s.timeoutList {
		if !have || t.WakeTime.Before(min) {
			min = t.WakeTime
			have = true
		}
	}
	delta := clock.DiffMillis(min, now)
	if delta <= 0 {
		return 0
	}
	return int(delta)
}

func (s *Scheduler) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timeoutList {
		t.Close()
	}
	for _, t := range s.readinessSet {
		t.Close()
	}
	s.timeoutList = make(map[string]*task.Task)
	s.readinessSet = make(map[int]*task.Task)
}

// Close releases the scheduler's epoll instance. Run must not be
// re-entered afterwards.
func (s *Scheduler) Close() {
	unix.Close(s.epfd)
}
