//go:build linux

package monsoon

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
	"weak"

	"golang.org/x/sys/unix"
)

// Event identifies an I/O readiness direction. Values match the epoll bits
// so mask arithmetic translates directly.
type Event uint32

const (
	// EventNone is the empty event mask.
	EventNone Event = 0
	// EventRead is readable-readiness (EPOLLIN).
	EventRead Event = unix.EPOLLIN
	// EventWrite is writable-readiness (EPOLLOUT).
	EventWrite Event = unix.EPOLLOUT
)

// maxFDLimit bounds the fd slot table; large enough for any realistic
// ulimit while catching garbage fds.
const maxFDLimit = 100000000

// eventContext holds at most one waiter for one direction: a fiber or a
// callback, plus the scheduler that should run it.
type eventContext struct {
	sched *Scheduler
	fiber *Fiber
	cb    func()
}

func (ec *eventContext) empty() bool {
	return ec.fiber == nil && ec.cb == nil
}

// FdContext is the per-file-descriptor record: the currently armed event
// mask and one EventContext slot per direction. Invariant: a bit set in the
// mask means the corresponding slot holds exactly one non-empty waiter.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventContext
	write  eventContext
}

// slot returns the EventContext for one direction. ev must be exactly
// EventRead or EventWrite.
func (c *FdContext) slot(ev Event) *eventContext {
	switch ev {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		panic("monsoon: unknown event")
	}
}

// IOManager is the reactor: a Scheduler whose idle path blocks in
// epoll_wait bounded by the nearest timer deadline, and whose tickle writes
// to an eventfd registered on the same epoll instance.
type IOManager struct {
	*Scheduler

	timers *timerManager

	epfd   int
	wakeFd int

	wakePending atomic.Uint32

	slotMu sync.RWMutex
	slots  []*FdContext

	pendingEvents atomic.Int64

	maxEvents int
	idleMaxMS uint64

	connectTimeout time.Duration

	bufPool sync.Pool

	closeOnce sync.Once
}

// defaultIOManager is the process-wide fallback reactor used by hook
// operations invoked outside any fiber (Close of a managed fd from plain
// goroutine code, for example). The first IOManager created claims it.
var defaultIOManager atomic.Pointer[IOManager]

// CurrentIOManager returns the reactor the calling fiber runs under, or the
// process default when called outside a fiber. May return nil.
func CurrentIOManager() *IOManager {
	if f := CurrentFiber(); f != nil && f.sched != nil && f.sched.io != nil {
		return f.sched.io
	}
	return defaultIOManager.Load()
}

// NewIOManager creates the reactor and starts its worker pool.
func NewIOManager(opts ...Option) (*IOManager, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	m := &IOManager{
		Scheduler:      newScheduler(cfg),
		timers:         newTimerManager(),
		epfd:           epfd,
		wakeFd:         wakeFd,
		maxEvents:      cfg.maxEvents,
		idleMaxMS:      uint64(cfg.idleTimeout / time.Millisecond),
		connectTimeout: cfg.connectTimeout,
	}
	m.Scheduler.io = m
	m.bufPool.New = func() any {
		return make([]unix.EpollEvent, m.maxEvents)
	}

	// The wake channel is registered edge-triggered and discriminated by
	// its fd, like every other registration.
	wakeEv := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, wakeEv); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}

	m.slotMu.Lock()
	m.resizeSlotsLocked(32)
	m.slotMu.Unlock()

	m.Scheduler.tickleFn = m.tickle
	m.Scheduler.idleFn = m.idle
	m.Scheduler.stoppingFn = m.ioStopping
	m.timers.onInsertAtFront = m.onTimerInsertedAtFront

	if err := m.Scheduler.Start(); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}

	defaultIOManager.CompareAndSwap(nil, m)
	return m, nil
}

// Stop gracefully stops the reactor: it returns once every queued task has
// run, every pending I/O event has been fired or cancelled, and all timers
// are gone.
func (m *IOManager) Stop() {
	m.Scheduler.Stop()
	m.closeOnce.Do(func() {
		_ = unix.Close(m.epfd)
		_ = unix.Close(m.wakeFd)
	})
	defaultIOManager.CompareAndSwap(m, nil)
}

// AddTimer schedules cb to run after d, optionally recurring with period d.
func (m *IOManager) AddTimer(d time.Duration, cb func(), recurring bool) *Timer {
	return m.timers.add(durToMS(d), cb, recurring)
}

// AddConditionTimer schedules cb like [IOManager.AddTimer], but the
// callback runs only if the weak condition is still alive at fire time.
// Deadlines use this so they do not keep their target alive.
func AddConditionTimer[T any](m *IOManager, d time.Duration, cb func(), cond weak.Pointer[T], recurring bool) *Timer {
	return m.timers.add(durToMS(d), func() {
		if cond.Value() != nil {
			cb()
		}
	}, recurring)
}

// HasTimers reports whether any timer is pending.
func (m *IOManager) HasTimers() bool { return m.timers.hasTimers() }

// PendingEvents returns the number of armed, unfired I/O events.
func (m *IOManager) PendingEvents() int64 { return m.pendingEvents.Load() }

// resizeSlotsLocked grows the FdContext table to size, materializing every
// slot. Caller holds the write lock.
func (m *IOManager) resizeSlotsLocked(size int) {
	if size <= len(m.slots) {
		return
	}
	slots := make([]*FdContext, size)
	copy(slots, m.slots)
	for i := len(m.slots); i < size; i++ {
		slots[i] = &FdContext{fd: i}
	}
	m.slots = slots
}

// fdContext returns the FdContext for fd, growing the table by ~1.5x under
// the write lock (double-checked) when fd exceeds the current length.
func (m *IOManager) fdContext(fd int, create bool) (*FdContext, error) {
	if fd < 0 || fd >= maxFDLimit {
		return nil, ErrFdOutOfRange
	}
	m.slotMu.RLock()
	if fd < len(m.slots) {
		ctx := m.slots[fd]
		m.slotMu.RUnlock()
		return ctx, nil
	}
	m.slotMu.RUnlock()
	if !create {
		return nil, nil
	}
	m.slotMu.Lock()
	if fd >= len(m.slots) {
		size := fd + fd/2
		if size <= fd {
			size = fd + 1
		}
		m.resizeSlotsLocked(size)
	}
	ctx := m.slots[fd]
	m.slotMu.Unlock()
	return ctx, nil
}

// AddEvent arms one readiness direction on fd. The waiter is cb if given,
// otherwise the currently running fiber. Fails if the direction is already
// armed, or on epoll registration failure.
func (m *IOManager) AddEvent(fd int, ev Event, cb func()) error {
	if ev != EventRead && ev != EventWrite {
		panic("monsoon: AddEvent of unknown event")
	}
	var fiber *Fiber
	if cb == nil {
		fiber = CurrentFiber()
		if fiber == nil || fiber.root {
			// A root fiber cannot be suspended and resumed, so it
			// cannot wait on readiness.
			return ErrNoCurrentFiber
		}
		if fiber.State() != FiberRunning {
			panic("monsoon: AddEvent waiter fiber is not running")
		}
	}
	ctx, err := m.fdContext(fd, true)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&ev != 0 {
		log().Err().
			Int("fd", fd).
			Uint64("event", uint64(ev)).
			Uint64("armed", uint64(ctx.events)).
			Log("AddEvent: event already armed")
		return ErrEventExists
	}

	op := unix.EPOLL_CTL_ADD
	if ctx.events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epevent := &unix.EpollEvent{
		Events: unix.EPOLLET | uint32(ctx.events) | uint32(ev),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(m.epfd, op, fd, epevent); err != nil {
		log().Err().
			Int("fd", fd).
			Int("op", op).
			Err(err).
			Log("AddEvent: epoll_ctl failed")
		return err
	}

	m.pendingEvents.Add(1)
	ctx.events |= ev
	ec := ctx.slot(ev)
	if !ec.empty() {
		panic("monsoon: event context is dirty")
	}
	ec.sched = m.Scheduler
	if cb != nil {
		ec.cb = cb
	} else {
		ec.fiber = fiber
	}
	return nil
}

// DelEvent silently disarms one direction on fd: the epoll mask is reduced
// and the waiter is discarded without being fired.
func (m *IOManager) DelEvent(fd int, ev Event) bool {
	ctx, err := m.fdContext(fd, false)
	if err != nil || ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&ev == 0 {
		return false
	}
	if !m.rearmLocked(ctx, ctx.events&^ev) {
		return false
	}
	m.pendingEvents.Add(-1)
	ctx.events &^= ev
	*ctx.slot(ev) = eventContext{}
	return true
}

// CancelEvent disarms one direction on fd and fires its waiter exactly
// once. This is how timeouts and fd close propagate cancellation into a
// suspended fiber.
func (m *IOManager) CancelEvent(fd int, ev Event) bool {
	ctx, err := m.fdContext(fd, false)
	if err != nil || ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&ev == 0 {
		return false
	}
	if !m.rearmLocked(ctx, ctx.events&^ev) {
		return false
	}
	m.triggerLocked(ctx, ev)
	m.pendingEvents.Add(-1)
	return true
}

// CancelAll fires every armed waiter on fd (read then write) and removes
// the fd from epoll.
func (m *IOManager) CancelAll(fd int) bool {
	ctx, err := m.fdContext(fd, false)
	if err != nil || ctx == nil {
		return false
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events == 0 {
		return false
	}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{Fd: int32(fd)}); err != nil {
		log().Err().
			Int("fd", fd).
			Err(err).
			Log("CancelAll: epoll_ctl failed")
		return false
	}
	if ctx.events&EventRead != 0 {
		m.triggerLocked(ctx, EventRead)
		m.pendingEvents.Add(-1)
	}
	if ctx.events&EventWrite != 0 {
		m.triggerLocked(ctx, EventWrite)
		m.pendingEvents.Add(-1)
	}
	if ctx.events != 0 {
		panic("monsoon: fd not fully cleared")
	}
	return true
}

// rearmLocked updates the kernel registration to the residual mask,
// choosing MOD or DEL. Caller holds ctx.mu.
func (m *IOManager) rearmLocked(ctx *FdContext, left Event) bool {
	op := unix.EPOLL_CTL_DEL
	if left != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	epevent := &unix.EpollEvent{
		Events: unix.EPOLLET | uint32(left),
		Fd:     int32(ctx.fd),
	}
	if err := unix.EpollCtl(m.epfd, op, ctx.fd, epevent); err != nil {
		log().Err().
			Int("fd", ctx.fd).
			Int("op", op).
			Err(err).
			Log("epoll_ctl rearm failed")
		return false
	}
	return true
}

// triggerLocked fires one armed direction: it clears the mask bit, hands
// the waiter to its scheduler, and resets the slot for reuse. Caller holds
// ctx.mu.
func (m *IOManager) triggerLocked(ctx *FdContext, ev Event) {
	if ctx.events&ev == 0 {
		panic("monsoon: trigger of unarmed event")
	}
	ctx.events &^= ev
	ec := ctx.slot(ev)
	if ec.cb != nil {
		ec.sched.Schedule(ec.cb)
	} else if ec.fiber != nil {
		ec.sched.ScheduleFiber(ec.fiber)
	}
	*ec = eventContext{}
	m.metrics.eventsFired.Add(1)
}

// tickle wakes a blocked idle worker by writing the eventfd. No wake is
// written when no worker is idle, and concurrent wakes collapse into one
// pending write until the next drain.
func (m *IOManager) tickle() {
	m.metrics.wakes.Add(1)
	if m.idleWorkers.Load() == 0 {
		return
	}
	if !m.wakePending.CompareAndSwap(0, 1) {
		return
	}
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, _ = unix.Write(m.wakeFd, buf)
}

// drainWake reads the eventfd until EAGAIN, discarding the payload. The
// wake carries no ordering or identity, only "look again".
func (m *IOManager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakeFd, buf[:]); err != nil {
			break
		}
	}
	m.wakePending.Store(0)
}

// onTimerInsertedAtFront wakes an already-blocking epoll_wait so it can
// shrink its timeout to the new nearest deadline.
func (m *IOManager) onTimerInsertedAtFront() {
	m.tickle()
}

// idle is the reactor's idle path, run by a worker with nothing to
// dispatch: one epoll_wait bounded by the nearest timer, then a timer drain
// and event dispatch, then back to the dispatch loop so newly enqueued
// tasks run immediately.
func (m *IOManager) idle(tc *threadContext) {
	buf := m.bufPool.Get().([]unix.EpollEvent)
	defer m.bufPool.Put(buf)

	timeout := m.timers.nextTimer()
	if timeout > m.idleMaxMS {
		timeout = m.idleMaxMS
	}

	n, err := unix.EpollWait(m.epfd, buf, int(timeout))
	if err != nil {
		if err == unix.EINTR {
			return
		}
		log().Err().
			Str("scheduler", m.name).
			Err(err).
			Log("epoll_wait failed")
		return
	}

	// Expired timers first: their callbacks become ordinary tasks.
	var cbs []func()
	m.timers.listExpired(&cbs)
	for _, cb := range cbs {
		m.metrics.timersFired.Add(1)
		m.Schedule(cb)
	}

	for i := 0; i < n; i++ {
		ev := &buf[i]
		fd := int(ev.Fd)
		if fd == m.wakeFd {
			m.drainWake()
			continue
		}

		ctx, err := m.fdContext(fd, false)
		if err != nil || ctx == nil {
			continue
		}
		ctx.mu.Lock()

		// Error and hangup conditions wake both directions so waiters
		// cannot get stuck on a half-closed peer.
		bits := ev.Events
		if bits&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			bits |= (unix.EPOLLIN | unix.EPOLLOUT) & uint32(ctx.events)
		}
		var real Event
		if bits&unix.EPOLLIN != 0 {
			real |= EventRead
		}
		if bits&unix.EPOLLOUT != 0 {
			real |= EventWrite
		}
		if ctx.events&real == EventNone {
			ctx.mu.Unlock()
			continue
		}

		if !m.rearmLocked(ctx, ctx.events&^real) {
			ctx.mu.Unlock()
			continue
		}
		if real&EventRead != 0 && ctx.events&EventRead != 0 {
			m.triggerLocked(ctx, EventRead)
			m.pendingEvents.Add(-1)
		}
		if real&EventWrite != 0 && ctx.events&EventWrite != 0 {
			m.triggerLocked(ctx, EventWrite)
			m.pendingEvents.Add(-1)
		}
		ctx.mu.Unlock()
	}
}

// ioStopping extends the base predicate: the reactor may stop only when no
// I/O event is pending and no timer remains.
func (m *IOManager) ioStopping() bool {
	return !m.timers.hasTimers() && m.pendingEvents.Load() == 0 && m.baseStopping()
}
