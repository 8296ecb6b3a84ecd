//go:build linux

package monsoon

import "sync/atomic"

// paddedCounter is an atomic counter padded to its own cache line so hot
// counters on different workers do not false-share.
type paddedCounter struct {
	_ [64]byte //nolint:unused
	v atomic.Int64
	_ [56]byte //nolint:unused
}

func (c *paddedCounter) Add(delta int64) int64 { return c.v.Add(delta) }
func (c *paddedCounter) Load() int64           { return c.v.Load() }

// metrics holds the scheduler's always-on counters. Updates are single
// atomic adds; reads take a point-in-time snapshot.
type metrics struct {
	tasksScheduled paddedCounter
	tasksExecuted  paddedCounter
	tasksStolen    paddedCounter
	fibersResumed  paddedCounter
	timersFired    paddedCounter
	wakes          paddedCounter
	eventsFired    paddedCounter
}

// MetricsSnapshot is a point-in-time copy of the runtime counters.
type MetricsSnapshot struct {
	// TasksScheduled is the number of tasks accepted by Schedule and its
	// variants.
	TasksScheduled int64
	// TasksExecuted is the number of tasks dispatched by workers.
	TasksExecuted int64
	// TasksStolen is the number of tasks taken from a sibling's public
	// queue.
	TasksStolen int64
	// FibersResumed counts resume operations performed by workers.
	FibersResumed int64
	// TimersFired counts expired timer callbacks handed to the scheduler.
	TimersFired int64
	// Wakes counts tickle operations.
	Wakes int64
	// EventsFired counts I/O waiters fired by the reactor.
	EventsFired int64
}

func (m *metrics) snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TasksScheduled: m.tasksScheduled.Load(),
		TasksExecuted:  m.tasksExecuted.Load(),
		TasksStolen:    m.tasksStolen.Load(),
		FibersResumed:  m.fibersResumed.Load(),
		TimersFired:    m.timersFired.Load(),
		Wakes:          m.wakes.Load(),
		EventsFired:    m.eventsFired.Load(),
	}
}
