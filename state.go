//go:build linux

package monsoon

import "sync/atomic"

// runState represents the lifecycle state of a scheduler.
//
// State machine:
//
//	stateInit (0) → stateRunning (1)       [Start]
//	stateRunning (1) → stateStopping (2)   [Stop]
//	stateStopping (2) → stateStopped (3)   [all workers drained and joined]
//
// Transitions into Running and Stopping use TryTransition (CAS); the final
// Store(stateStopped) is performed only by the goroutine that owns Stop.
type runState uint32

const (
	// stateInit indicates the scheduler has been created but not started.
	stateInit runState = iota
	// stateRunning indicates workers are dispatching tasks.
	stateRunning
	// stateStopping indicates Stop has been requested; workers drain
	// their queues and exit once the stopping predicate holds.
	stateStopping
	// stateStopped indicates all workers have been joined.
	stateStopped
)

// String returns a human-readable representation of the state.
func (s runState) String() string {
	switch s {
	case stateInit:
		return "Init"
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	case stateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// schedState is a lock-free state machine with cache-line padding to avoid
// false sharing with neighboring hot fields.
type schedState struct {
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

// Load returns the current state atomically.
func (s *schedState) Load() runState {
	return runState(s.v.Load())
}

// Store atomically stores a new state without transition validation.
func (s *schedState) Store(state runState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition between two states.
func (s *schedState) TryTransition(from, to runState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
