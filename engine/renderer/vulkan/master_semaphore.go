package vulkan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
)

// Warn when a tick wait exceeds this; a healthy queue signals within a
// frame, so a full second usually means the device hung.
const tickWaitSlice = time.Second

/**
 * @brief TimelineQueue tracks a monotonic tick timeline over queue
 * submissions. Every submission signals one tick; a tick at or below
 * the known GPU tick has fully finished executing. The scheduler only
 * talks to this interface, never to the queue directly.
 */
type TimelineQueue interface {
	// CurrentTick returns the tick the next submission will signal.
	CurrentTick() uint64
	// KnownGpuTick returns the highest tick known to have completed.
	KnownGpuTick() uint64
	// NextTick reserves the tick for a submission and advances the
	// timeline. Returns the reserved tick.
	NextTick() uint64
	// IsFree reports whether the tick has completed, without polling
	// the device.
	IsFree(tick uint64) bool
	// Refresh polls the device for newly completed ticks.
	Refresh()
	// Wait blocks until the tick completes.
	Wait(tick uint64) error
	// Submit finalizes both command buffers and submits them, with the
	// upload buffer ordered first. The submission signals signalTick on
	// completion, plus signalSemaphore if not nil, and waits on
	// waitSemaphore if not nil.
	Submit(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer, waitSemaphore vk.Semaphore, signalSemaphore vk.Semaphore, signalTick uint64) error
	Destroy()
}

type pendingTick struct {
	fence vk.Fence
	tick  uint64
}

/**
 * @brief Fence pool implementation of TimelineQueue. Each submission
 * carries a recycled fence; polling the fences in submission order
 * advances the known GPU tick.
 */
type MasterSemaphore struct {
	context *VulkanContext

	gpuTick     atomic.Uint64
	currentTick atomic.Uint64

	mu sync.Mutex
	// Signaled when a submission lands, waking waiters parked on a
	// reserved tick whose fence has not reached pending yet.
	submitCv *sync.Cond
	// In-flight submissions in FIFO order. The queue signals them in
	// submission order, so only the head can complete first.
	pending []pendingTick
	free    []vk.Fence
}

func NewMasterSemaphore(context *VulkanContext) *MasterSemaphore {
	ms := &MasterSemaphore{
		context: context,
	}
	ms.submitCv = sync.NewCond(&ms.mu)
	// Tick zero is the birth of the timeline and is always complete.
	ms.currentTick.Store(1)
	return ms
}

func (ms *MasterSemaphore) CurrentTick() uint64 {
	return ms.currentTick.Load()
}

func (ms *MasterSemaphore) KnownGpuTick() uint64 {
	return ms.gpuTick.Load()
}

func (ms *MasterSemaphore) NextTick() uint64 {
	return ms.currentTick.Add(1) - 1
}

func (ms *MasterSemaphore) IsFree(tick uint64) bool {
	return tick <= ms.gpuTick.Load()
}

func (ms *MasterSemaphore) Refresh() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.refreshLocked()
}

func (ms *MasterSemaphore) refreshLocked() {
	for len(ms.pending) > 0 {
		head := ms.pending[0]
		res := vk.GetFenceStatus(ms.context.Device.LogicalDevice, head.fence)
		if res != vk.Success {
			break
		}
		ms.advanceTo(head.tick)
		ms.recycleLocked(head.fence)
		ms.pending = ms.pending[1:]
	}
}

func (ms *MasterSemaphore) Wait(tick uint64) error {
	if ms.IsFree(tick) {
		return nil
	}
	if tick >= ms.CurrentTick() {
		// Waiting for a tick that has not been submitted would block
		// forever.
		core.LogError("waiting for tick %d that was never submitted", tick)
		return core.ErrFenceNotQueued
	}

	for {
		ms.mu.Lock()
		ms.refreshLocked()
		if ms.IsFree(tick) {
			ms.mu.Unlock()
			return nil
		}
		// The queue signals in order, so the first pending fence at or
		// past the tick covers it.
		var fence vk.Fence
		for _, p := range ms.pending {
			if p.tick >= tick {
				fence = p.fence
				break
			}
		}
		if fence == nil {
			// Reserved but not yet handed to the queue by the worker.
			// Park until a submission lands.
			ms.submitCv.Wait()
			ms.mu.Unlock()
			continue
		}
		ms.mu.Unlock()

		res := vk.WaitForFences(ms.context.Device.LogicalDevice, 1, []vk.Fence{fence}, vk.True, uint64(tickWaitSlice.Nanoseconds()))
		switch res {
		case vk.Success:
			// Loop back to refresh and recycle.
		case vk.Timeout:
			core.LogWarn("still waiting for tick %d after %s, device may be hung", tick, tickWaitSlice)
		default:
			err := fmt.Errorf("failed waiting for tick %d: %s", tick, VulkanResultString(res))
			core.LogError(err.Error())
			return VulkanResultToError(res)
		}
	}
}

func (ms *MasterSemaphore) Submit(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer, waitSemaphore vk.Semaphore, signalSemaphore vk.Semaphore, signalTick uint64) error {
	// Uploads stay ahead of draws: a global barrier on the upload
	// buffer makes every staged copy visible before the draw buffer
	// starts consuming it.
	barrier := vk.MemoryBarrier{
		SType:         vk.StructureTypeMemoryBarrier,
		SrcAccessMask: vk.AccessFlags(vk.AccessMemoryWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit),
	}
	vk.CmdPipelineBarrier(upload,
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
		0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)

	if res := vk.EndCommandBuffer(upload); res != vk.Success {
		err := fmt.Errorf("failed to end upload command buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return VulkanResultToError(res)
	}
	if res := vk.EndCommandBuffer(cmdbuf); res != vk.Success {
		err := fmt.Errorf("failed to end command buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return VulkanResultToError(res)
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 2,
		PCommandBuffers:    []vk.CommandBuffer{upload, cmdbuf},
	}
	if waitSemaphore != nil {
		submitInfo.WaitSemaphoreCount = 1
		submitInfo.PWaitSemaphores = []vk.Semaphore{waitSemaphore}
		submitInfo.PWaitDstStageMask = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}
	}
	if signalSemaphore != nil {
		submitInfo.SignalSemaphoreCount = 1
		submitInfo.PSignalSemaphores = []vk.Semaphore{signalSemaphore}
	}

	ms.mu.Lock()
	fence, err := ms.fenceLocked()
	if err != nil {
		ms.mu.Unlock()
		return err
	}
	ms.pending = append(ms.pending, pendingTick{fence: fence, tick: signalTick})
	ms.submitCv.Broadcast()
	ms.mu.Unlock()

	if res := vk.QueueSubmit(ms.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence); res != vk.Success {
		err := fmt.Errorf("failed to submit queue, tick %d: %s", signalTick, VulkanResultString(res))
		core.LogError(err.Error())
		return VulkanResultToError(res)
	}
	return nil
}

func (ms *MasterSemaphore) Destroy() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, p := range ms.pending {
		vk.WaitForFences(ms.context.Device.LogicalDevice, 1, []vk.Fence{p.fence}, vk.True, uint64(tickWaitSlice.Nanoseconds()))
		vk.DestroyFence(ms.context.Device.LogicalDevice, p.fence, ms.context.Allocator)
	}
	ms.pending = nil
	for _, fence := range ms.free {
		vk.DestroyFence(ms.context.Device.LogicalDevice, fence, ms.context.Allocator)
	}
	ms.free = nil
}

// advanceTo lifts the known GPU tick, never lowering it.
func (ms *MasterSemaphore) advanceTo(tick uint64) {
	for {
		known := ms.gpuTick.Load()
		if tick <= known || ms.gpuTick.CompareAndSwap(known, tick) {
			return
		}
	}
}

func (ms *MasterSemaphore) fenceLocked() (vk.Fence, error) {
	if n := len(ms.free); n > 0 {
		fence := ms.free[n-1]
		ms.free = ms.free[:n-1]
		return fence, nil
	}
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	var fence vk.Fence
	if res := vk.CreateFence(ms.context.Device.LogicalDevice, &fenceCreateInfo, ms.context.Allocator, &fence); res != vk.Success {
		err := fmt.Errorf("failed to create fence: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}
	return fence, nil
}

func (ms *MasterSemaphore) recycleLocked(fence vk.Fence) {
	vk.ResetFences(ms.context.Device.LogicalDevice, 1, []vk.Fence{fence})
	ms.free = append(ms.free, fence)
}
