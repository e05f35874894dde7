package vulkan

import (
	"testing"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFenceManager(t *testing.T) (*FenceManager, *fakeTimeline) {
	t.Helper()
	s, timeline, _ := newTestScheduler(t)
	return NewFenceManager(s), timeline
}

func TestFenceManagerStubbedFence(t *testing.T) {
	fm, _ := newTestFenceManager(t)

	fence := fm.CreateFence(true)

	// Stubbed fences are born signaled and never touch the timeline.
	assert.True(t, fm.IsFenceSignaled(fence))
	assert.NoError(t, fm.WaitFence(fence))
	require.NoError(t, fm.QueueFence(fence))
	assert.True(t, fm.IsFenceSignaled(fence))
}

func TestFenceManagerUnqueuedFence(t *testing.T) {
	fm, _ := newTestFenceManager(t)

	fence := fm.CreateFence(false)

	assert.False(t, fm.IsFenceSignaled(fence))
	assert.ErrorIs(t, fm.WaitFence(fence), core.ErrFenceNotQueued)
}

func TestFenceManagerQueueAndSignal(t *testing.T) {
	fm, timeline := newTestFenceManager(t)

	fence := fm.CreateFence(false)
	require.NoError(t, fm.QueueFence(fence))

	// Queueing flushed, so the captured tick was submitted.
	fm.scheduler.WaitWorker()
	assert.NotEmpty(t, timeline.submittedTicks())
	assert.True(t, fm.IsFenceSignaled(fence))
	assert.NoError(t, fm.WaitFence(fence))
}

func TestFenceManagerPendingRelease(t *testing.T) {
	fm, _ := newTestFenceManager(t)

	first := fm.CreateFence(false)
	second := fm.CreateFence(false)
	require.NoError(t, fm.SignalFence(first))
	require.NoError(t, fm.SignalFence(second))

	fm.scheduler.WaitWorker()
	fm.TryReleasePendingFences()
	assert.Empty(t, fm.pending)
}

func TestFenceManagerWaitPendingFences(t *testing.T) {
	fm, _ := newTestFenceManager(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, fm.SignalFence(fm.CreateFence(false)))
	}
	require.NotEmpty(t, fm.pending)

	require.NoError(t, fm.WaitPendingFences())
	assert.Empty(t, fm.pending)
}
