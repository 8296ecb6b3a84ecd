//go:build linux

package monsoon

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Scheduler is an M:N dispatcher: it multiplexes fibers and callbacks over a
// fixed pool of OS-thread-locked workers. Each worker owns a ThreadContext
// holding a private queue (no synchronization; touched only while the worker
// is the running side of the handshake) and a public queue (mutex-protected;
// the target of affinity routing and work stealing).
//
// Task routing:
//   - affinity w: the task lands in worker w's public queue and is never
//     stolen.
//   - affinity AnyWorker, fiber task posted from within this scheduler: the
//     current worker's private queue, with no lock and no wake. This keeps
//     self-spawned fiber chains on the same core.
//   - affinity AnyWorker otherwise: round-robin into a public queue, with
//     exactly one wake.
type Scheduler struct {
	// Prevent copying
	_ [0]func()

	name      string
	workers   int
	useCaller bool

	// callerGoid is the goroutine that constructed the scheduler; with
	// caller participation, Stop must run on it.
	callerGoid uint64

	state    schedState
	contexts []*threadContext
	rr       atomic.Uint32

	activeWorkers paddedCounter
	idleWorkers   paddedCounter

	notify chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}

	pin         bool
	pinOffset   int
	pinStride   int
	stackSize   int
	idleTimeout time.Duration

	metrics metrics

	// Overridable dispatch hooks; the reactor replaces all three.
	tickleFn   func()
	idleFn     func(tc *threadContext)
	stoppingFn func() bool

	// io is set when this scheduler is the embedded base of an IOManager;
	// the hook layer resolves the ambient reactor through it.
	io *IOManager
}

// threadContext is the per-worker record.
type threadContext struct {
	index   int
	sched   *Scheduler
	private taskQueue
	public  publicQueue

	// cbFiber is the cached callback fiber, reset per callback task to
	// avoid a fresh fiber per task. Released (not reset) when a callback
	// suspends mid-run, since the waiter then owns the fiber.
	cbFiber *Fiber
}

// NewScheduler creates a scheduler with the given options. Call Start to
// spawn the workers; NewIOManager does this automatically.
func NewScheduler(opts ...Option) (*Scheduler, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newScheduler(cfg), nil
}

func newScheduler(cfg *options) *Scheduler {
	s := &Scheduler{
		name:        cfg.name,
		workers:     cfg.workers,
		useCaller:   cfg.useCaller,
		callerGoid:  goroutineID(),
		notify:      make(chan struct{}, cfg.workers+1),
		done:        make(chan struct{}),
		pin:         cfg.pin,
		pinOffset:   cfg.pinOffset,
		pinStride:   cfg.pinStride,
		stackSize:   cfg.stackSize,
		idleTimeout: cfg.idleTimeout,
	}
	s.contexts = make([]*threadContext, cfg.workers)
	for i := range s.contexts {
		s.contexts[i] = &threadContext{index: i, sched: s}
	}
	s.tickleFn = s.defaultTickle
	s.idleFn = s.defaultIdle
	s.stoppingFn = s.baseStopping
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Workers returns the configured worker count, including the caller when
// caller participation is enabled.
func (s *Scheduler) Workers() int { return s.workers }

// Metrics returns a snapshot of the scheduler's counters.
func (s *Scheduler) Metrics() MetricsSnapshot { return s.metrics.snapshot() }

// Start spawns the worker pool. With caller participation, one worker slot
// is reserved for the constructing goroutine, which only dispatches inside
// Stop.
func (s *Scheduler) Start() error {
	if !s.state.TryTransition(stateInit, stateRunning) {
		return ErrSchedulerRunning
	}
	spawn := s.workers
	if s.useCaller {
		spawn--
	}
	for i := 0; i < spawn; i++ {
		tc := s.contexts[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(tc)
		}()
	}
	log().Info().
		Str("scheduler", s.name).
		Int("workers", s.workers).
		Bool("use_caller", s.useCaller).
		Log("scheduler started")
	return nil
}

// Stop gracefully stops the scheduler: it waits until every queued task has
// run and every worker has exited. With caller participation, Stop must be
// called from the constructing goroutine, which drains work itself before
// joining the others. Safe to call multiple times; later calls wait for the
// first to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(s.stopImpl)
	<-s.done
}

func (s *Scheduler) stopImpl() {
	if s.state.TryTransition(stateInit, stateStopped) {
		close(s.done)
		return
	}
	if s.useCaller && goroutineID() != s.callerGoid {
		panic("monsoon: Stop must be called from the thread that created the scheduler")
	}
	s.state.TryTransition(stateRunning, stateStopping)

	// One wake per worker, plus one for the caller's dispatch pass.
	for i := 0; i < s.workers; i++ {
		s.tickleFn()
	}
	if s.useCaller {
		s.tickleFn()
		tc := s.contexts[s.workers-1]
		runtime.LockOSThread()
		if s.pin {
			s.pinThread(tc.index)
		}
		gid := goroutineID()
		registerWorker(gid, tc)
		root := newRootFiber()
		root.sched = s
		root.worker = tc.index
		setCurrentFiber(gid, root)
		s.dispatch(tc)
		clearCurrentFiber(gid)
		unregisterWorker(gid)
		runtime.UnlockOSThread()
	}

	s.wg.Wait()
	s.state.Store(stateStopped)
	log().Info().
		Str("scheduler", s.name).
		Log("scheduler stopped")
	close(s.done)
}

// Schedule posts an affinity-free callback task. Never blocks.
func (s *Scheduler) Schedule(cb func()) {
	s.scheduleTask(task{cb: cb, affinity: AnyWorker})
}

// ScheduleTo posts a callback task pinned to the given worker.
func (s *Scheduler) ScheduleTo(cb func(), worker int) {
	s.checkWorker(worker)
	s.scheduleTask(task{cb: cb, affinity: worker})
}

// ScheduleFiber posts an affinity-free fiber task.
func (s *Scheduler) ScheduleFiber(f *Fiber) {
	s.scheduleTask(task{fiber: f, affinity: AnyWorker})
}

// ScheduleFiberTo posts a fiber task pinned to the given worker.
func (s *Scheduler) ScheduleFiberTo(f *Fiber, worker int) {
	s.checkWorker(worker)
	s.scheduleTask(task{fiber: f, affinity: worker})
}

func (s *Scheduler) checkWorker(worker int) {
	if worker != AnyWorker && (worker < 0 || worker >= s.workers) {
		panic("monsoon: schedule to unknown worker")
	}
}

func (s *Scheduler) scheduleTask(t task) {
	if !t.valid() {
		panic("monsoon: schedule of empty task")
	}
	if s.state.Load() == stateStopped {
		log().Warning().
			Str("scheduler", s.name).
			Log("task dropped: scheduler is stopped")
		return
	}
	s.metrics.tasksScheduled.Add(1)

	if t.affinity != AnyWorker {
		s.contexts[t.affinity].public.push(t)
		s.tickleFn()
		return
	}

	// Self-scheduling fast path: a fiber task posted from inside this
	// scheduler continues on the current worker, lock-free and without a
	// wake. Callback tasks always round-robin so load spreads.
	if t.fiber != nil {
		if tc := s.callerContext(); tc != nil {
			tc.private.push(t)
			return
		}
	}

	i := int(s.rr.Add(1)-1) % len(s.contexts)
	s.contexts[i].public.push(t)
	s.tickleFn()
}

// callerContext resolves the worker the calling goroutine belongs to:
// either the worker goroutine itself (dispatch or idle code), or the worker
// currently executing the calling fiber. The private queue push that
// follows is safe in both cases because the worker cannot dispatch
// concurrently with either.
func (s *Scheduler) callerContext() *threadContext {
	gid := goroutineID()
	if tc := currentWorker(gid); tc != nil && tc.sched == s {
		return tc
	}
	if f := currentFiberByGid(gid); f != nil && f.sched == s &&
		f.worker >= 0 && f.worker < len(s.contexts) {
		return s.contexts[f.worker]
	}
	return nil
}

// runWorker is the entry point of a spawned worker goroutine.
func (s *Scheduler) runWorker(tc *threadContext) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.pin {
		s.pinThread(tc.index)
	}

	gid := goroutineID()
	registerWorker(gid, tc)
	defer unregisterWorker(gid)

	// The implicit root fiber wraps the worker's original execution; it
	// owns no stack of its own and gives dispatch-loop code an identity.
	root := newRootFiber()
	root.sched = s
	root.worker = tc.index
	setCurrentFiber(gid, root)
	defer clearCurrentFiber(gid)

	log().Debug().
		Str("scheduler", s.name).
		Int("worker", tc.index).
		Log("worker running")
	s.dispatch(tc)
	log().Debug().
		Str("scheduler", s.name).
		Int("worker", tc.index).
		Log("worker exit")
}

// pinThread pins the calling thread to core (offset + index*stride) mod
// NumCPU. The caller thread, when participating, is pinned to the core
// immediately after the last worker (it holds the last worker index).
func (s *Scheduler) pinThread(index int) {
	cores := runtime.NumCPU()
	core := (s.pinOffset + index*s.pinStride) % cores
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log().Warning().
			Str("scheduler", s.name).
			Int("worker", index).
			Int("core", core).
			Err(err).
			Log("cpu pinning failed")
	}
}

// dispatch is the main loop shared by workers and the caller's Stop drain.
//
// Per iteration: drain the private queue head, else take from the own
// public queue, else steal an affinity-free task from a sibling, else run
// the idle path. Exits when the stopping predicate holds.
func (s *Scheduler) dispatch(tc *threadContext) {
	for {
		if t, ok := tc.private.pop(); ok {
			s.execute(tc, t)
			continue
		}
		if t, ok := tc.public.take(tc.index); ok {
			s.execute(tc, t)
			continue
		}
		if t, ok := s.trySteal(tc); ok {
			s.execute(tc, t)
			continue
		}
		if s.stoppingFn() {
			break
		}
		s.idleWorkers.Add(1)
		s.idleFn(tc)
		s.idleWorkers.Add(-1)
	}
	// Chain-wake a sibling that may still be blocked in the idle path so
	// it notices the stopping predicate promptly.
	s.tickleFn()
}

// trySteal walks the other workers' public queues for an affinity-free
// task. Pinned tasks are never stolen.
func (s *Scheduler) trySteal(tc *threadContext) (task, bool) {
	n := len(s.contexts)
	for off := 1; off < n; off++ {
		victim := s.contexts[(tc.index+off)%n]
		if t, ok := victim.public.steal(); ok {
			s.metrics.tasksStolen.Add(1)
			return t, true
		}
	}
	return task{}, false
}

// execute runs one task to its next suspension point.
func (s *Scheduler) execute(tc *threadContext, t task) {
	s.activeWorkers.Add(1)
	defer s.activeWorkers.Add(-1)
	s.metrics.tasksExecuted.Add(1)

	switch {
	case t.fiber != nil:
		f := t.fiber
		switch f.State() {
		case FiberTerminated, FiberFaulted:
			return
		case FiberRunning:
			// The fiber was made runnable between arming its waiter
			// and completing its yield; it is mid-handshake. Requeue
			// and let the store land.
			runtime.Gosched()
			tc.private.push(t)
			return
		}
		s.adopt(f, tc)
		s.metrics.fibersResumed.Add(1)
		f.Resume()

	case t.cb != nil:
		f := tc.cbFiber
		if f == nil {
			f = NewFiber(t.cb, s.stackSize, true)
		} else {
			f.Reset(t.cb)
		}
		s.adopt(f, tc)
		s.metrics.fibersResumed.Add(1)
		f.Resume()
		if st := f.State(); st == FiberTerminated || st == FiberFaulted {
			tc.cbFiber = f
		} else {
			// The callback suspended; whoever re-schedules the fiber
			// owns it now. Cache nothing.
			tc.cbFiber = nil
		}
	}
}

// adopt binds a fiber to the executing worker for the upcoming resume. The
// writes are ordered before the fiber observes them by the resume handshake.
func (s *Scheduler) adopt(f *Fiber, tc *threadContext) {
	f.sched = s
	f.worker = tc.index
	f.hookEnabled = true
}

// defaultTickle wakes at most one idle worker via the notify channel. The
// reactor replaces this with an eventfd write.
func (s *Scheduler) defaultTickle() {
	s.metrics.wakes.Add(1)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// defaultIdle blocks until tickled, bounded by the idle timeout so the
// stopping predicate is re-checked periodically. The reactor replaces this
// with the epoll_wait loop.
func (s *Scheduler) defaultIdle(tc *threadContext) {
	t := time.NewTimer(s.idleTimeout)
	defer t.Stop()
	select {
	case <-s.notify:
	case <-t.C:
	}
}

// baseStopping is the base stopping predicate: stop requested, all queues
// empty, no worker executing.
func (s *Scheduler) baseStopping() bool {
	if s.state.Load() != stateStopping {
		return false
	}
	if s.activeWorkers.Load() != 0 {
		return false
	}
	for _, tc := range s.contexts {
		if !tc.private.empty() || tc.public.len() > 0 {
			return false
		}
	}
	return true
}
