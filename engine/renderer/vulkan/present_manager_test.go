package vulkan

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePresentTarget counts calls and serves scripted copy failures, so
// the recovery policy can be tested without a device.
type fakePresentTarget struct {
	// Observes every copy before the counters are touched. Set before
	// the manager starts, never mutated after.
	onCopy func()

	mu sync.Mutex

	created   int
	recreated int
	destroyed int
	waits     int

	copies   int
	copyErrs []error

	swapchainRecreations int
	surfaceRecreations   int
}

func (ft *fakePresentTarget) CreateFrame(width uint32, height uint32) (*Frame, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.created++
	return &Frame{Width: width, Height: height}, nil
}

func (ft *fakePresentTarget) RecreateFrame(frame *Frame, width uint32, height uint32) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.recreated++
	frame.Width = width
	frame.Height = height
	return nil
}

func (ft *fakePresentTarget) DestroyFrame(*Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.destroyed++
}

func (ft *fakePresentTarget) WaitFrame(*Frame) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.waits++
	return nil
}

func (ft *fakePresentTarget) CopyToSwapchain(*Frame) error {
	if ft.onCopy != nil {
		ft.onCopy()
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.copies++
	if len(ft.copyErrs) > 0 {
		err := ft.copyErrs[0]
		ft.copyErrs = ft.copyErrs[1:]
		return err
	}
	return nil
}

func (ft *fakePresentTarget) RecreateSwapchain(uint32, uint32) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.swapchainRecreations++
	return nil
}

func (ft *fakePresentTarget) RecreateSurface() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.surfaceRecreations++
	return nil
}

func (ft *fakePresentTarget) WaitIdle() {}

func (ft *fakePresentTarget) snapshot() fakePresentTarget {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return fakePresentTarget{
		created:              ft.created,
		recreated:            ft.recreated,
		destroyed:            ft.destroyed,
		waits:                ft.waits,
		copies:               ft.copies,
		swapchainRecreations: ft.swapchainRecreations,
		surfaceRecreations:   ft.surfaceRecreations,
	}
}

func newTestPresentManager(t *testing.T, target PresentTarget, frameCount uint32, async bool) *PresentManager {
	t.Helper()
	s, _, _ := newTestScheduler(t)
	pm, err := NewPresentManager(s, target, frameCount, async, 640, 480)
	require.NoError(t, err)
	return pm
}

func TestPresentManagerClampsFrameCount(t *testing.T) {
	for requested, want := range map[uint32]int{
		0: int(VULKAN_MIN_FRAMES_IN_FLIGHT),
		2: 2,
		3: 3,
		8: int(VULKAN_MAX_FRAMES_IN_FLIGHT),
	} {
		target := &fakePresentTarget{}
		pm := newTestPresentManager(t, target, requested, false)
		assert.Equal(t, want, pm.FrameCount(), "requested %d frames", requested)
		pm.Destroy()
	}
}

func TestPresentManagerSyncRoundTrip(t *testing.T) {
	target := &fakePresentTarget{}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	for i := 0; i < 5; i++ {
		frame, err := pm.GetRenderFrame(640, 480)
		require.NoError(t, err)
		require.NoError(t, pm.Present(frame))
	}

	got := target.snapshot()
	assert.Equal(t, 5, got.copies)
	assert.Equal(t, 5, got.waits)
	assert.Zero(t, got.recreated)
	// Every frame came back to the free queue.
	assert.Equal(t, pm.FrameCount(), pm.freeQueue.Len())
}

func TestPresentManagerAsyncDrains(t *testing.T) {
	target := &fakePresentTarget{}
	pm := newTestPresentManager(t, target, 3, true)
	defer pm.Destroy()

	const presents = 9
	for i := 0; i < presents; i++ {
		frame, err := pm.GetRenderFrame(640, 480)
		require.NoError(t, err)
		require.NoError(t, pm.Present(frame))
	}
	pm.WaitPresent()

	assert.Equal(t, presents, target.snapshot().copies)

	// The present goroutine returns frames after the copy, so the free
	// queue refills shortly after the drain.
	require.Eventually(t, func() bool {
		pm.freeMu.Lock()
		defer pm.freeMu.Unlock()
		return pm.freeQueue.Len() == pm.FrameCount()
	}, time.Second, time.Millisecond)
}

func TestPresentManagerRecreatesFrameOnResize(t *testing.T) {
	target := &fakePresentTarget{}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	// Each ring frame is resized lazily, the first time it is claimed
	// at the new size.
	for i := 0; i < pm.FrameCount(); i++ {
		frame, err := pm.GetRenderFrame(1280, 720)
		require.NoError(t, err)
		assert.Equal(t, uint32(1280), frame.Width)
		assert.Equal(t, uint32(720), frame.Height)
		require.NoError(t, pm.Present(frame))
	}
	assert.Equal(t, pm.FrameCount(), target.snapshot().recreated)

	// The whole ring carries the new size now, no further recreation.
	frame, err := pm.GetRenderFrame(1280, 720)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))
	assert.Equal(t, pm.FrameCount(), target.snapshot().recreated)
}

func TestPresentManagerRecoversFromOutOfDate(t *testing.T) {
	target := &fakePresentTarget{copyErrs: []error{core.ErrOutOfDate}}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))

	got := target.snapshot()
	assert.Equal(t, 1, got.swapchainRecreations)
	assert.Zero(t, got.surfaceRecreations)
	// Failed copy plus the successful retry.
	assert.Equal(t, 2, got.copies)
}

func TestPresentManagerRecoversFromSuboptimal(t *testing.T) {
	target := &fakePresentTarget{copyErrs: []error{core.ErrSuboptimal}}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))

	got := target.snapshot()
	assert.Equal(t, 1, got.swapchainRecreations)
	assert.Equal(t, 2, got.copies)
}

func TestPresentManagerRecoversFromSurfaceLoss(t *testing.T) {
	target := &fakePresentTarget{copyErrs: []error{core.ErrSurfaceLost}}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))

	got := target.snapshot()
	assert.Equal(t, 1, got.surfaceRecreations)
	assert.Equal(t, 1, got.swapchainRecreations)
	assert.Equal(t, 2, got.copies)
}

func TestPresentManagerPropagatesUnknownErrors(t *testing.T) {
	boom := errors.New("boom")
	target := &fakePresentTarget{copyErrs: []error{boom}}
	pm := newTestPresentManager(t, target, 2, false)
	defer pm.Destroy()

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	assert.ErrorIs(t, pm.Present(frame), boom)

	// The frame is still returned, so rendering can continue.
	assert.Equal(t, pm.FrameCount(), pm.freeQueue.Len())
}

func TestPresentManagerDestroyReleasesFrames(t *testing.T) {
	target := &fakePresentTarget{}
	pm := newTestPresentManager(t, target, 3, true)

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))

	pm.Destroy()
	assert.Equal(t, 3, target.snapshot().destroyed)
}

// stallingTimeline delays every submission, exposing anything that
// races ahead of the queue.
type stallingTimeline struct {
	fakeTimeline
	submitted atomic.Bool
}

func (st *stallingTimeline) Submit(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer, waitSem vk.Semaphore, signalSem vk.Semaphore, signalTick uint64) error {
	time.Sleep(50 * time.Millisecond)
	st.submitted.Store(true)
	return st.fakeTimeline.Submit(cmdbuf, upload, waitSem, signalSem, signalTick)
}

func TestPresentManagerCopiesAfterRenderSubmission(t *testing.T) {
	timeline := &stallingTimeline{}
	timeline.current.Store(1)
	s, err := NewScheduler(&VulkanContext{}, timeline, &fakeSource{})
	require.NoError(t, err)
	defer s.Destroy()

	var premature atomic.Bool
	target := &fakePresentTarget{}
	target.onCopy = func() {
		if !timeline.submitted.Load() {
			premature.Store(true)
		}
	}

	pm, err := NewPresentManager(s, target, 2, true, 640, 480)
	require.NoError(t, err)
	defer pm.Destroy()

	frame, err := pm.GetRenderFrame(640, 480)
	require.NoError(t, err)
	_, err = s.Flush(nil, nil)
	require.NoError(t, err)
	require.NoError(t, pm.Present(frame))
	pm.WaitPresent()

	// The swapchain copy waits on the frame's render semaphore, so it
	// must not start until that submission is on the queue.
	require.Equal(t, 1, target.snapshot().copies)
	assert.False(t, premature.Load())
}
