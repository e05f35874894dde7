package vulkan

import (
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Distinct non-nil handles for change detection tests. They are only
// ever compared, never handed to the driver.
func fakeRenderPass() vk.RenderPass {
	return vk.RenderPass(unsafe.Pointer(new(byte)))
}

func fakeFramebuffer() *VulkanFramebuffer {
	return &VulkanFramebuffer{Handle: vk.Framebuffer(unsafe.Pointer(new(byte)))}
}

// fakeTimeline implements TimelineQueue without touching the device.
// Submissions complete instantly, so waits never block.
type fakeTimeline struct {
	current atomic.Uint64
	gpu     atomic.Uint64

	mu      sync.Mutex
	submits []uint64
	waits   []uint64
}

func newFakeTimeline() *fakeTimeline {
	ft := &fakeTimeline{}
	ft.current.Store(1)
	return ft
}

func (ft *fakeTimeline) CurrentTick() uint64  { return ft.current.Load() }
func (ft *fakeTimeline) KnownGpuTick() uint64 { return ft.gpu.Load() }
func (ft *fakeTimeline) NextTick() uint64     { return ft.current.Add(1) - 1 }
func (ft *fakeTimeline) IsFree(tick uint64) bool {
	return tick <= ft.gpu.Load()
}
func (ft *fakeTimeline) Refresh() {}

func (ft *fakeTimeline) Wait(tick uint64) error {
	ft.mu.Lock()
	ft.waits = append(ft.waits, tick)
	ft.mu.Unlock()
	ft.advance(tick)
	return nil
}

func (ft *fakeTimeline) Submit(_ vk.CommandBuffer, _ vk.CommandBuffer, _ vk.Semaphore, _ vk.Semaphore, signalTick uint64) error {
	ft.mu.Lock()
	ft.submits = append(ft.submits, signalTick)
	ft.mu.Unlock()
	ft.advance(signalTick)
	return nil
}

func (ft *fakeTimeline) Destroy() {}

func (ft *fakeTimeline) advance(tick uint64) {
	for {
		known := ft.gpu.Load()
		if tick <= known || ft.gpu.CompareAndSwap(known, tick) {
			return
		}
	}
}

func (ft *fakeTimeline) submittedTicks() []uint64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]uint64(nil), ft.submits...)
}

func (ft *fakeTimeline) waitedTicks() []uint64 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]uint64(nil), ft.waits...)
}

// fakeSource hands out nil command buffers. Commands recorded in tests
// never dereference them.
type fakeSource struct {
	commits atomic.Int32
}

func (fs *fakeSource) Commit() (vk.CommandBuffer, error) {
	fs.commits.Add(1)
	return nil, nil
}

func (fs *fakeSource) Destroy() {}

func mustFlush(t *testing.T, s *Scheduler) uint64 {
	t.Helper()
	tick, err := s.Flush(nil, nil)
	require.NoError(t, err)
	return tick
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeTimeline, *fakeSource) {
	t.Helper()
	timeline := newFakeTimeline()
	source := &fakeSource{}
	s, err := NewScheduler(&VulkanContext{}, timeline, source)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s, timeline, source
}

func TestSchedulerTicksIncreaseAcrossFlushes(t *testing.T) {
	s, timeline, _ := newTestScheduler(t)

	var ticks []uint64
	for i := 0; i < 3; i++ {
		tick, err := s.Flush(nil, nil)
		require.NoError(t, err)
		ticks = append(ticks, tick)
	}
	s.WaitWorker()

	assert.Equal(t, []uint64{1, 2, 3}, ticks)
	assert.Equal(t, ticks, timeline.submittedTicks())
	assert.Equal(t, uint64(4), s.CurrentTick())
}

func TestSchedulerExecutesCommandsInOrder(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	const n = 50
	var mu sync.Mutex
	var order []int
	for i := 0; i < n; i++ {
		i := i
		s.Record(func(vk.CommandBuffer) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	tick, err := s.Finish(nil, nil)
	require.NoError(t, err)
	assert.True(t, s.IsFree(tick))
	s.WaitWorker()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestSchedulerSpillsFullChunks(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	// Well past chunk capacity, so recording spills into multiple
	// chunks, which must still execute in recording order.
	const n = VULKAN_COMMAND_CHUNK_CAPACITY*2 + 100
	var mu sync.Mutex
	var order []int
	for i := 0; i < n; i++ {
		i := i
		s.Record(func(vk.CommandBuffer) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	mustFlush(t, s)
	s.WaitWorker()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestSchedulerWaitFlushesUnsubmittedTick(t *testing.T) {
	s, timeline, _ := newTestScheduler(t)

	tick := s.CurrentTick()
	require.NoError(t, s.Wait(tick))
	s.WaitWorker()

	// The wait forced a flush so the tick could ever signal.
	assert.Equal(t, []uint64{tick}, timeline.submittedTicks())
	assert.True(t, s.IsFree(tick))
}

func TestSchedulerRequestRenderpassIsIdempotent(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	renderpass := fakeRenderPass()
	framebuffer := fakeFramebuffer()
	area := vk.Rect2D{Extent: vk.Extent2D{Width: 640, Height: 480}}

	s.RequestRenderpass(renderpass, framebuffer, area, nil, nil)
	recorded := s.chunk.Size()
	s.RequestRenderpass(renderpass, framebuffer, area, nil, nil)

	// Same pass, framebuffer and area: nothing new is recorded.
	assert.Equal(t, recorded, s.chunk.Size())

	// A different render area ends the pass and begins a new one.
	other := vk.Rect2D{Extent: vk.Extent2D{Width: 800, Height: 600}}
	s.RequestRenderpass(renderpass, framebuffer, other, nil, nil)
	assert.Equal(t, recorded+2, s.chunk.Size())
}

func TestSchedulerOutsideRenderpassEndsActivePass(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	renderpass := fakeRenderPass()
	framebuffer := fakeFramebuffer()
	area := vk.Rect2D{Extent: vk.Extent2D{Width: 640, Height: 480}}

	s.RequestRenderpass(renderpass, framebuffer, area, nil, nil)
	recorded := s.chunk.Size()

	s.RequestOutsideRenderpassOperationContext()
	assert.Equal(t, recorded+1, s.chunk.Size())

	// No pass is active anymore, so ending again records nothing.
	s.RequestOutsideRenderpassOperationContext()
	assert.Equal(t, recorded+1, s.chunk.Size())
}

func TestSchedulerPipelineChangeDetection(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	a := &GraphicsPipeline{}
	b := &GraphicsPipeline{}

	assert.True(t, s.UpdateGraphicsPipeline(a))
	assert.False(t, s.UpdateGraphicsPipeline(a))
	assert.True(t, s.UpdateGraphicsPipeline(b))
	assert.False(t, s.UpdateGraphicsPipeline(b))

	// Submission invalidates the binding, so the same pipeline is a
	// change again afterwards.
	mustFlush(t, s)
	assert.True(t, s.UpdateGraphicsPipeline(b))
}

func TestSchedulerRescalingChangeDetection(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	// Unknown at first, so any value is a change.
	assert.True(t, s.UpdateRescaling(false))
	assert.False(t, s.UpdateRescaling(false))
	assert.True(t, s.UpdateRescaling(true))
	assert.False(t, s.UpdateRescaling(true))

	mustFlush(t, s)
	assert.True(t, s.UpdateRescaling(true))
}

func TestSchedulerRotatesBuffersPerSubmission(t *testing.T) {
	s, _, source := newTestScheduler(t)

	// Two buffers allocated up front.
	assert.Equal(t, int32(2), source.commits.Load())

	mustFlush(t, s)
	s.WaitWorker()
	assert.Equal(t, int32(4), source.commits.Load())

	// Non-submission dispatches keep the current buffers.
	s.Record(func(vk.CommandBuffer) {})
	s.DispatchWork()
	s.WaitWorker()
	assert.Equal(t, int32(4), source.commits.Load())

	mustFlush(t, s)
	s.WaitWorker()
	assert.Equal(t, int32(6), source.commits.Load())
}

func TestSchedulerQuerySegmentHook(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	var calls []bool
	s.SetQuerySegmentHook(func(resume bool) {
		calls = append(calls, resume)
	})

	mustFlush(t, s)

	// Paused right before the cut, resumed after the new segment began.
	assert.Equal(t, []bool{false, true}, calls)
}

func TestSchedulerWaitWorkerDrainsEverything(t *testing.T) {
	s, timeline, _ := newTestScheduler(t)

	var executed atomic.Int32
	const n = 200
	for i := 0; i < n; i++ {
		s.Record(func(vk.CommandBuffer) {
			executed.Add(1)
		})
	}
	s.WaitWorker()

	assert.Equal(t, int32(n), executed.Load())
	// The drain also lets the device catch up to its known tick.
	assert.Contains(t, timeline.waitedTicks(), timeline.KnownGpuTick())
}
