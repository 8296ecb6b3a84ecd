//go:build linux

package monsoon

import "errors"

// Standard errors.
var (
	// ErrSchedulerRunning is returned when Start is called twice.
	ErrSchedulerRunning = errors.New("monsoon: scheduler is already running")

	// ErrEventExists is returned by AddEvent when the fd already has the
	// requested event armed.
	ErrEventExists = errors.New("monsoon: event already armed for fd")

	// ErrFdOutOfRange is returned for negative or absurdly large fds.
	ErrFdOutOfRange = errors.New("monsoon: fd out of range")

	// ErrNoCurrentFiber is returned when an operation that records the
	// calling fiber as a waiter is invoked outside any fiber.
	ErrNoCurrentFiber = errors.New("monsoon: no current fiber")
)
