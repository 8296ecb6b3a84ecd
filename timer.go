//go:build linux

package monsoon

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Timer deadlines are expressed in monotonic milliseconds since process
// start. time.Since against the anchor uses the monotonic clock, so the
// timeline is unaffected by wall-clock adjustments.
var processStart = time.Now()

func elapsedMS() uint64 {
	return uint64(time.Since(processStart) / time.Millisecond)
}

// infiniteMS is the "no timer" sentinel returned by nextTimer.
const infiniteMS = ^uint64(0)

// rolloverThresholdMS: an observed-now more than one hour behind the
// previous observation is treated as a clock reset, and every timer is
// expired rather than risking stuck-forever deadlines.
const rolloverThresholdMS = 60 * 60 * 1000

func durToMS(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

// Timer is a single scheduled deadline owned by a timer manager. Timers in
// a manager are ordered strictly by (deadline, sequence).
type Timer struct {
	mgr       *timerManager
	deadline  uint64 // absolute, monotonic ms
	period    uint64
	recurring bool
	cb        func()
	seq       uint64
	index     int // position in the heap, -1 when not queued
}

// Cancel removes the timer without firing it. Returns false if the timer
// already fired or was cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if t.index >= 0 {
		heap.Remove(&t.mgr.heap, t.index)
	}
	return true
}

// Refresh pushes the deadline out to now+period, keeping the period.
// Returns false if the timer already fired or was cancelled.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.mgr.heap, t.index)
	t.deadline = t.mgr.now() + t.period
	heap.Push(&t.mgr.heap, t)
	return true
}

// Reset changes the period. With fromNow the new deadline counts from the
// current instant; without it, from the previous theoretical fire time, so
// periodic jitter does not accumulate.
func (t *Timer) Reset(d time.Duration, fromNow bool) bool {
	ms := durToMS(d)
	m := t.mgr
	m.mu.Lock()
	if ms == t.period && !fromNow {
		m.mu.Unlock()
		return true
	}
	if t.cb == nil || t.index < 0 {
		m.mu.Unlock()
		return false
	}
	heap.Remove(&m.heap, t.index)
	var start uint64
	if fromNow {
		start = m.now()
	} else {
		start = t.deadline - t.period
	}
	t.period = ms
	t.deadline = start + ms
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront {
		m.notifyFront()
	}
	return true
}

// timerHeap is a min-heap ordered by (deadline, seq), with index
// maintenance so removal by handle is O(log n).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerManager is the ordered set of pending deadlines. The reactor owns
// one and wires onInsertAtFront to its tickle so a blocked epoll_wait picks
// up a newly nearest deadline.
type timerManager struct {
	mu   sync.RWMutex
	heap timerHeap
	seq  uint64

	// tickled suppresses repeated front-insert notifications until the
	// next nextTimer read consumes the pending one.
	tickled atomic.Bool

	previous uint64

	// now is replaceable for deterministic rollover tests.
	now func() uint64

	onInsertAtFront func()
}

func newTimerManager() *timerManager {
	m := &timerManager{now: elapsedMS}
	m.previous = m.now()
	return m
}

// add schedules cb to run after ms milliseconds, optionally recurring.
func (m *timerManager) add(ms uint64, cb func(), recurring bool) *Timer {
	m.mu.Lock()
	m.seq++
	t := &Timer{
		mgr:       m,
		deadline:  m.now() + ms,
		period:    ms,
		recurring: recurring,
		cb:        cb,
		seq:       m.seq,
		index:     -1,
	}
	atFront := m.pushLocked(t)
	m.mu.Unlock()
	if atFront {
		m.notifyFront()
	}
	return t
}

// pushLocked inserts the timer and reports whether a front-insert
// notification is due. Caller holds the write lock.
func (m *timerManager) pushLocked(t *Timer) bool {
	heap.Push(&m.heap, t)
	return t.index == 0 && m.tickled.CompareAndSwap(false, true)
}

func (m *timerManager) notifyFront() {
	if m.onInsertAtFront != nil {
		m.onInsertAtFront()
	}
}

// nextTimer returns 0 if the earliest timer is already due, infiniteMS if
// the set is empty, else the gap in milliseconds.
func (m *timerManager) nextTimer() uint64 {
	m.tickled.Store(false)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.heap) == 0 {
		return infiniteMS
	}
	next := m.heap[0].deadline
	now := m.now()
	if now >= next {
		return 0
	}
	return next - now
}

func (m *timerManager) hasTimers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.heap) > 0
}

// listExpired appends the callbacks of every due timer to out, removing
// them from the set and re-inserting recurring ones with fresh deadlines.
// A detected clock regression expires everything.
func (m *timerManager) listExpired(out *[]func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.heap) == 0 {
		return
	}
	now := m.now()
	rollover := m.detectRolloverLocked(now)
	if rollover {
		log().Warning().
			Uint64("now_ms", now).
			Log("timer clock regression detected; expiring all timers")
	}
	if !rollover && m.heap[0].deadline > now {
		return
	}
	var requeue []*Timer
	for len(m.heap) > 0 {
		if !rollover && m.heap[0].deadline > now {
			break
		}
		t := heap.Pop(&m.heap).(*Timer)
		if t.cb == nil {
			continue
		}
		*out = append(*out, t.cb)
		if t.recurring {
			t.deadline = now + t.period
			requeue = append(requeue, t)
		} else {
			t.cb = nil
		}
	}
	for _, t := range requeue {
		heap.Push(&m.heap, t)
	}
}

// detectRolloverLocked reports a monotonic regression larger than one hour.
func (m *timerManager) detectRolloverLocked(now uint64) bool {
	rollover := now < m.previous && m.previous-now > rolloverThresholdMS
	m.previous = now
	return rollover
}
