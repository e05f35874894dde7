package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
)

/**
 * @brief CommandSource hands out command buffers ready for recording.
 * Buffers are recycled once the tick they were handed out under has
 * completed on the GPU.
 */
type CommandSource interface {
	// Commit returns a command buffer in the recording state.
	Commit() (vk.CommandBuffer, error)
	Destroy()
}

type CommandPool struct {
	context  *VulkanContext
	timeline TimelineQueue
	handle   vk.CommandPool

	buffers []vk.CommandBuffer
	// Tick each buffer was last handed out under. A buffer is reusable
	// once its tick is known complete.
	ticks []uint64
	// Rotating scan hint, so reuse spreads over the pool instead of
	// hammering the first free slot.
	cursor int
}

func NewCommandPool(context *VulkanContext, timeline TimelineQueue) (*CommandPool, error) {
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(context.Device.GraphicsQueueIndex),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit | vk.CommandPoolCreateResetCommandBufferBit),
	}
	var handle vk.CommandPool
	if res := vk.CreateCommandPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create command pool: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}
	return &CommandPool{
		context:  context,
		timeline: timeline,
		handle:   handle,
	}, nil
}

func (cp *CommandPool) Commit() (vk.CommandBuffer, error) {
	index, ok := cp.findFree()
	if !ok {
		cp.timeline.Refresh()
		index, ok = cp.findFree()
	}
	if !ok {
		var err error
		index, err = cp.grow()
		if err != nil {
			return nil, err
		}
	}
	cp.cursor = (index + 1) % len(cp.buffers)
	cp.ticks[index] = cp.timeline.CurrentTick()

	cmdbuf := cp.buffers[index]
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cmdbuf, &beginInfo); res != vk.Success {
		err := fmt.Errorf("failed to begin command buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}
	return cmdbuf, nil
}

func (cp *CommandPool) Destroy() {
	if cp.handle != nil {
		// The pool owns its buffers; destroying it frees them all.
		vk.DestroyCommandPool(cp.context.Device.LogicalDevice, cp.handle, cp.context.Allocator)
		cp.handle = nil
	}
	cp.buffers = nil
	cp.ticks = nil
}

func (cp *CommandPool) findFree() (int, bool) {
	for i := 0; i < len(cp.buffers); i++ {
		index := (cp.cursor + i) % len(cp.buffers)
		if cp.timeline.IsFree(cp.ticks[index]) {
			return index, true
		}
	}
	return 0, false
}

func (cp *CommandPool) grow() (int, error) {
	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        cp.handle,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: VULKAN_COMMAND_BUFFER_BATCH,
	}
	batch := make([]vk.CommandBuffer, VULKAN_COMMAND_BUFFER_BATCH)
	if res := vk.AllocateCommandBuffers(cp.context.Device.LogicalDevice, &allocateInfo, batch); res != vk.Success {
		err := fmt.Errorf("failed to allocate command buffers: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return 0, VulkanResultToError(res)
	}
	first := len(cp.buffers)
	cp.buffers = append(cp.buffers, batch...)
	cp.ticks = append(cp.ticks, make([]uint64, VULKAN_COMMAND_BUFFER_BATCH)...)
	return first, nil
}
