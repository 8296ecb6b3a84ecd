//go:build linux

package monsoon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFOAcrossChunks(t *testing.T) {
	var q taskQueue
	n := taskChunkSize*2 + 17 // force chunk spill
	for i := 0; i < n; i++ {
		i := i
		q.push(task{cb: func() { _ = i }, affinity: i})
	}
	require.Equal(t, n, q.len())
	for i := 0; i < n; i++ {
		got, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, i, got.affinity)
	}
	require.True(t, q.empty())
	_, ok := q.pop()
	require.False(t, ok)
}

func TestPublicQueueTakeSkipsOtherAffinities(t *testing.T) {
	var q publicQueue
	q.push(task{cb: func() {}, affinity: 3})
	q.push(task{cb: func() {}, affinity: AnyWorker})
	q.push(task{cb: func() {}, affinity: 1})

	// Worker 1 must skip the worker-3 entry and take the affinity-free one
	// first (FIFO among eligible entries).
	got, ok := q.take(1)
	require.True(t, ok)
	require.Equal(t, AnyWorker, got.affinity)

	got, ok = q.take(1)
	require.True(t, ok)
	require.Equal(t, 1, got.affinity)

	_, ok = q.take(1)
	require.False(t, ok, "worker-3 entry is not eligible for worker 1")
	require.Equal(t, 1, q.len())
}

func TestPublicQueueStealNeverTakesPinned(t *testing.T) {
	var q publicQueue
	q.push(task{cb: func() {}, affinity: 2})
	q.push(task{cb: func() {}, affinity: 2})

	_, ok := q.steal()
	require.False(t, ok)

	q.push(task{cb: func() {}, affinity: AnyWorker})
	got, ok := q.steal()
	require.True(t, ok)
	require.Equal(t, AnyWorker, got.affinity)
	require.Equal(t, 2, q.len())
}
