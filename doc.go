// Package monsoon provides a coroutine-based asynchronous I/O runtime:
// cooperative fibers multiplexed over a small pool of CPU-pinnable worker
// threads by a work-stealing scheduler, with an epoll-driven reactor and a
// blocking-style syscall surface underneath.
//
// # Architecture
//
// The runtime is built from four tightly coupled subsystems:
//
//   - [Fiber]: a cooperative coroutine with explicit [Fiber.Resume] and
//     [Fiber.Yield] control transfer. Application code written inside a
//     fiber reads as straight-line, apparently-blocking procedures.
//   - [Scheduler]: an M:N dispatcher. Each worker owns a private queue
//     (no synchronization) and a public queue (lockable, stealable);
//     affinity-pinned tasks are never stolen.
//   - [IOManager]: a Scheduler whose idle path blocks in epoll_wait using
//     the nearest timer deadline as its timeout, dispatching readiness
//     events back to waiting fibers and draining an ordered timer set.
//   - The hook layer ([Read], [Write], [Connect], [Accept], [Sleep], ...):
//     blocking-style wrappers around raw file descriptors that retry on
//     EINTR, and on EAGAIN arm an epoll registration plus an optional
//     deadline timer, suspend the calling fiber, and resume it when the
//     kernel reports readiness. EAGAIN is never observed by callers for
//     runtime-managed sockets.
//
// # Execution Model
//
// Inside each worker exactly one fiber executes at any moment; fibers never
// migrate between workers while running. Suspension points are exactly:
// explicit [Fiber.Yield], hooked I/O that encountered EAGAIN, and hooked
// sleeps. Everything between suspension points runs non-preemptively.
//
// # Thread Safety
//
//   - [Scheduler.Schedule] and [IOManager.AddTimer] are safe from any
//     goroutine and never block.
//   - Per-fd state is protected by its own mutex; the fd slot table by a
//     reader-writer lock (read to look up, write to grow).
//   - Locks are leaf-level and never held across a suspension point.
//
// # Usage
//
//	iom, err := monsoon.NewIOManager(monsoon.WithWorkers(4))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer iom.Stop()
//
//	iom.Schedule(func() {
//		fd, _ := monsoon.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
//		defer monsoon.Close(fd)
//		// Connect, Read and Write suspend the fiber instead of
//		// blocking the worker thread.
//	})
//
// The runtime is Linux-only: epoll, eventfd and edge-triggered readiness
// are part of its contract.
package monsoon
