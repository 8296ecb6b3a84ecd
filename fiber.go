//go:build linux

package monsoon

import (
	"sync/atomic"
)

// FiberState is the lifecycle state of a Fiber.
type FiberState int32

const (
	// FiberReady means the fiber can be resumed.
	FiberReady FiberState = iota
	// FiberRunning means the fiber currently owns its worker.
	FiberRunning
	// FiberTerminated means the callable returned normally.
	FiberTerminated
	// FiberFaulted means the callable panicked.
	FiberFaulted
)

// String returns a human-readable representation of the state.
func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "Ready"
	case FiberRunning:
		return "Running"
	case FiberTerminated:
		return "Terminated"
	case FiberFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

var (
	fiberIDCounter atomic.Uint64
	liveFiberCount atomic.Int64
)

// Fiber is a cooperative coroutine backed by a dedicated goroutine.
//
// Control transfer is an explicit two-channel handshake: Resume transfers
// control into the fiber and blocks the caller until the fiber yields or
// terminates; Yield transfers control back and blocks the fiber until the
// next resume. At most one side of the handshake runs at any instant.
//
// A Fiber is exclusively owned by whichever handle currently holds it: the
// scheduler's task record while queued, its own execution while running.
// The zero value is not usable; construct with NewFiber.
type Fiber struct {
	// Prevent copying
	_ [0]func()

	id        uint64
	state     atomic.Int32
	cb        func()
	stackSize int

	// runInScheduler records whether this fiber resumes into a scheduler
	// dispatch loop rather than a bare thread; informational in this
	// implementation, the handshake is identical either way.
	runInScheduler bool

	// root marks the implicit fiber wrapping a worker's original
	// execution; it owns no handshake channels and cannot yield.
	root bool

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  bool

	// Written by the executing worker before Resume; read by the fiber
	// goroutine (ordered by the handshake).
	sched       *Scheduler
	worker      int
	hookEnabled bool
}

// NewFiber creates a fiber that will run cb when first resumed.
//
// stackSize is retained as metadata and a sizing hint; the backing
// goroutine's stack is bounded and overflow-checked by the Go runtime, which
// is the property the size limit exists to provide. A stackSize of 0 uses
// the package default. runInScheduler should be true for fibers that will be
// resumed by a scheduler dispatch loop.
func NewFiber(cb func(), stackSize int, runInScheduler bool) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		id:             fiberIDCounter.Add(1),
		cb:             cb,
		stackSize:      stackSize,
		runInScheduler: runInScheduler,
		worker:         -1,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(FiberReady))
	liveFiberCount.Add(1)
	return f
}

// newRootFiber wraps the calling goroutine's original execution. It owns no
// channels; its only purpose is to give dispatch-loop code an identity.
func newRootFiber() *Fiber {
	f := &Fiber{
		id:     fiberIDCounter.Add(1),
		root:   true,
		worker: -1,
	}
	f.state.Store(int32(FiberRunning))
	return f
}

// CurrentFiber returns the fiber executing on the calling goroutine, or nil
// when the goroutine is not a fiber (and not a worker's root context).
func CurrentFiber() *Fiber {
	return currentFiberByGid(goroutineID())
}

// LiveFibers returns the number of fibers currently alive: created (or
// re-armed by Reset) and whose callable has not yet finished.
func LiveFibers() int64 {
	return liveFiberCount.Load()
}

// ID returns the fiber's monotonic id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current state.
func (f *Fiber) State() FiberState {
	return FiberState(f.state.Load())
}

// StackSize returns the configured stack size hint.
func (f *Fiber) StackSize() int { return f.stackSize }

// SetHookEnabled controls whether hooked syscalls suspend this fiber on the
// reactor. The scheduler enables hooking for every fiber it executes.
func (f *Fiber) SetHookEnabled(enabled bool) { f.hookEnabled = enabled }

// Resume transfers control into the fiber and blocks until it yields or
// terminates. Precondition: the fiber is Ready; anything else is a
// programming error and panics.
func (f *Fiber) Resume() {
	if f.root {
		panic("monsoon: resume of a root fiber")
	}
	if !f.state.CompareAndSwap(int32(FiberReady), int32(FiberRunning)) {
		panic("monsoon: resume of fiber in state " + f.State().String())
	}
	if !f.started {
		f.started = true
		go f.trampoline()
	} else {
		f.resumeCh <- struct{}{}
	}
	<-f.yieldCh
}

// Yield suspends the fiber, transitioning it to Ready and returning control
// to the resumer. Must be called from within the fiber. Yielding from a root
// fiber is a programming error and panics.
//
// A racing resumer (a waiter fired between arming and yielding) may observe
// Ready before the yield handshake completes; its resume send simply blocks
// until this fiber parks, because the unbuffered channels serialize the two
// transfers. A dispatcher that instead observes Running requeues the task
// and retries.
func (f *Fiber) Yield() {
	if f.root {
		panic("monsoon: yield from a root fiber")
	}
	if FiberState(f.state.Load()) != FiberRunning {
		panic("monsoon: yield of fiber in state " + f.State().String())
	}
	f.state.Store(int32(FiberReady))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// Reset re-arms a finished fiber with a new callable, transitioning it back
// to Ready. Permitted from Terminated, Faulted, or a Ready fiber that was
// never started; this is what enables pooled reuse of callback fibers
// without re-allocating their bookkeeping.
func (f *Fiber) Reset(cb func()) {
	if f.root {
		panic("monsoon: reset of a root fiber")
	}
	switch f.State() {
	case FiberTerminated, FiberFaulted:
	case FiberReady:
		if f.started {
			panic("monsoon: reset of a suspended fiber")
		}
	default:
		panic("monsoon: reset of fiber in state " + f.State().String())
	}
	f.cb = cb
	if f.started {
		// The previous run's goroutine has exited and decremented the
		// live count; the re-armed fiber counts as alive again.
		liveFiberCount.Add(1)
	}
	f.started = false
	f.state.Store(int32(FiberReady))
}

// trampoline is the entry point of the fiber's backing goroutine. It runs
// the user callable inside a recover boundary, records the terminal state,
// and performs the final yield. The callable reference is dropped before
// that final handshake so the last strong reference does not pin the
// closure beyond termination.
func (f *Fiber) trampoline() {
	gid := goroutineID()
	setCurrentFiber(gid, f)
	defer func() {
		clearCurrentFiber(gid)
		liveFiberCount.Add(-1)
		f.yieldCh <- struct{}{}
	}()
	defer func() {
		if r := recover(); r != nil {
			f.state.Store(int32(FiberFaulted))
			log().Err().
				Uint64("fiber", f.id).
				Any("panic", r).
				Log("fiber callable panicked")
		}
	}()
	cb := f.cb
	f.cb = nil
	cb()
	f.state.Store(int32(FiberTerminated))
}
