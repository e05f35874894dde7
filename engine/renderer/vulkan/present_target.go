package vulkan

import (
	"fmt"
	"math"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
)

/**
 * @brief SwapchainPresentTarget is the device-backed PresentTarget.
 * Frames render offscreen through the blit render pass; the copy path
 * blits them into acquired swapchain images and presents.
 */
type SwapchainPresentTarget struct {
	context    *VulkanContext
	platform   *platform.Platform
	scheduler  *Scheduler
	renderpass *VulkanRenderpass

	// Pool for the per-frame copy command buffers.
	cmdPool vk.CommandPool

	// One acquire semaphore per swapchain image, rotated per copy. One
	// present semaphore per swapchain image, indexed by acquire result.
	acquireSemaphores []vk.Semaphore
	presentSemaphores []vk.Semaphore
	acquireCursor     int
}

func NewSwapchainPresentTarget(context *VulkanContext, platform *platform.Platform, scheduler *Scheduler, renderpass *VulkanRenderpass) (*SwapchainPresentTarget, error) {
	target := &SwapchainPresentTarget{
		context:    context,
		platform:   platform,
		scheduler:  scheduler,
		renderpass: renderpass,
	}

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(context.Device.GraphicsQueueIndex),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(context.Device.LogicalDevice, &poolCreateInfo, context.Allocator, &target.cmdPool); res != vk.Success {
		err := fmt.Errorf("failed to create present command pool: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}

	if err := target.createSemaphores(); err != nil {
		target.Destroy()
		return nil, err
	}
	return target, nil
}

func (t *SwapchainPresentTarget) CreateFrame(width uint32, height uint32) (*Frame, error) {
	frame := &Frame{}
	if err := t.buildFrameResources(frame, width, height); err != nil {
		return nil, err
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        t.cmdPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cmdbufs := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(t.context.Device.LogicalDevice, &allocateInfo, cmdbufs); res != vk.Success {
		err := fmt.Errorf("failed to allocate frame command buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}
	frame.Cmdbuf = cmdbufs[0]

	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	if res := vk.CreateSemaphore(t.context.Device.LogicalDevice, &semaphoreCreateInfo, t.context.Allocator, &frame.RenderReady); res != vk.Success {
		err := fmt.Errorf("failed to create frame semaphore: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}

	// Born signaled so the first WaitFrame passes through.
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: vk.FenceCreateFlags(vk.FenceCreateSignaledBit),
	}
	if res := vk.CreateFence(t.context.Device.LogicalDevice, &fenceCreateInfo, t.context.Allocator, &frame.PresentDone); res != vk.Success {
		err := fmt.Errorf("failed to create frame fence: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}

	return frame, nil
}

func (t *SwapchainPresentTarget) RecreateFrame(frame *Frame, width uint32, height uint32) error {
	core.LogDebug("recreating frame %dx%d -> %dx%d", frame.Width, frame.Height, width, height)
	if frame.Framebuffer != nil {
		frame.Framebuffer.Destroy(t.context)
		frame.Framebuffer = nil
	}
	if frame.Image != nil {
		frame.Image.ImageDestroy(t.context)
		frame.Image = nil
	}
	return t.buildFrameResources(frame, width, height)
}

func (t *SwapchainPresentTarget) DestroyFrame(frame *Frame) {
	device := t.context.Device.LogicalDevice
	if frame.PresentDone != nil {
		vk.WaitForFences(device, 1, []vk.Fence{frame.PresentDone}, vk.True, uint64(tickWaitSlice.Nanoseconds()))
		vk.DestroyFence(device, frame.PresentDone, t.context.Allocator)
		frame.PresentDone = nil
	}
	if frame.RenderReady != nil {
		vk.DestroySemaphore(device, frame.RenderReady, t.context.Allocator)
		frame.RenderReady = nil
	}
	if frame.Cmdbuf != nil {
		vk.FreeCommandBuffers(device, t.cmdPool, 1, []vk.CommandBuffer{frame.Cmdbuf})
		frame.Cmdbuf = nil
	}
	if frame.Framebuffer != nil {
		frame.Framebuffer.Destroy(t.context)
		frame.Framebuffer = nil
	}
	if frame.Image != nil {
		frame.Image.ImageDestroy(t.context)
		frame.Image = nil
	}
}

func (t *SwapchainPresentTarget) WaitFrame(frame *Frame) error {
	device := t.context.Device.LogicalDevice
	for {
		res := vk.WaitForFences(device, 1, []vk.Fence{frame.PresentDone}, vk.True, uint64(tickWaitSlice.Nanoseconds()))
		switch res {
		case vk.Success:
			if r := vk.ResetFences(device, 1, []vk.Fence{frame.PresentDone}); r != vk.Success {
				return VulkanResultToError(r)
			}
			return nil
		case vk.Timeout:
			core.LogWarn("still waiting for frame presentation after %s", tickWaitSlice)
		default:
			return VulkanResultToError(res)
		}
	}
}

func (t *SwapchainPresentTarget) CopyToSwapchain(frame *Frame) error {
	swapchain := t.context.Swapchain

	acquireSem := t.acquireSemaphores[t.acquireCursor]
	t.acquireCursor = (t.acquireCursor + 1) % len(t.acquireSemaphores)

	imageIndex, err := swapchain.SwapchainAcquireNextImageIndex(t.context, math.MaxUint64, acquireSem, nil)
	if err != nil {
		return err
	}
	presentSem := t.presentSemaphores[imageIndex]

	if err := t.recordCopy(frame, swapchain, imageIndex); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount: 2,
		PWaitSemaphores:    []vk.Semaphore{frame.RenderReady, acquireSem},
		PWaitDstStageMask: []vk.PipelineStageFlags{
			vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{frame.Cmdbuf},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{presentSem},
	}

	// The graphics queue is shared with the scheduler worker; its
	// submissions must not interleave with ours.
	err = t.scheduler.WithQueueLock(func() error {
		if res := vk.QueueSubmit(t.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, frame.PresentDone); res != vk.Success {
			e := fmt.Errorf("failed to submit swapchain copy: %s", VulkanResultString(res))
			core.LogError(e.Error())
			return VulkanResultToError(res)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return swapchain.SwapchainPresent(t.context, t.context.Device.PresentQueue, presentSem, imageIndex)
}

func (t *SwapchainPresentTarget) RecreateSwapchain(width uint32, height uint32) error {
	swapchain, err := t.context.Swapchain.SwapchainRecreate(t.context, width, height)
	if err != nil {
		return err
	}
	t.context.Swapchain = swapchain

	// The image count can change across recreation; rebuild the
	// per-image semaphores to match.
	t.destroySemaphores()
	return t.createSemaphores()
}

func (t *SwapchainPresentTarget) RecreateSurface() error {
	vk.DeviceWaitIdle(t.context.Device.LogicalDevice)
	if t.context.Surface != nil {
		vk.DestroySurface(t.context.Instance, t.context.Surface, t.context.Allocator)
		t.context.Surface = nil
	}
	return CreateVulkanSurface(t.platform, t.context)
}

func (t *SwapchainPresentTarget) WaitIdle() {
	vk.DeviceWaitIdle(t.context.Device.LogicalDevice)
}

func (t *SwapchainPresentTarget) Destroy() {
	t.destroySemaphores()
	if t.cmdPool != nil {
		vk.DestroyCommandPool(t.context.Device.LogicalDevice, t.cmdPool, t.context.Allocator)
		t.cmdPool = nil
	}
}

func (t *SwapchainPresentTarget) buildFrameResources(frame *Frame, width uint32, height uint32) error {
	image, err := ImageCreate(
		t.context,
		vk.ImageType2d,
		width,
		height,
		t.renderpass.Format,
		vk.ImageTilingOptimal,
		vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit|vk.ImageUsageTransferSrcBit),
		MemoryUsageDeviceLocal,
		true,
		vk.ImageAspectFlags(vk.ImageAspectColorBit))
	if err != nil {
		return err
	}

	framebuffer, err := FramebufferCreate(t.context, t.renderpass, width, height, []vk.ImageView{image.View})
	if err != nil {
		image.ImageDestroy(t.context)
		return err
	}

	frame.Image = image
	frame.Framebuffer = framebuffer
	frame.Width = width
	frame.Height = height
	return nil
}

func (t *SwapchainPresentTarget) recordCopy(frame *Frame, swapchain *VulkanSwapchain, imageIndex uint32) error {
	cmdbuf := frame.Cmdbuf
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cmdbuf, &beginInfo); res != vk.Success {
		return VulkanResultToError(res)
	}

	swapImage := swapchain.Images[imageIndex]
	colorRange := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}

	// Swapchain image to transfer destination.
	toTransfer := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       0,
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
		OldLayout:           vk.ImageLayoutUndefined,
		NewLayout:           vk.ImageLayoutTransferDstOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               swapImage,
		SubresourceRange:    colorRange,
	}
	vk.CmdPipelineBarrier(cmdbuf,
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toTransfer})

	// The frame image is in transfer source layout when its render
	// pass ends. Sizes match more often than not; a straight copy is
	// cheaper than a blit, which is only needed to rescale.
	subresource := vk.ImageSubresourceLayers{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LayerCount: 1,
	}
	if frame.Width == swapchain.Extent.Width && frame.Height == swapchain.Extent.Height {
		region := vk.ImageCopy{
			SrcSubresource: subresource,
			DstSubresource: subresource,
			Extent:         vk.Extent3D{Width: frame.Width, Height: frame.Height, Depth: 1},
		}
		vk.CmdCopyImage(cmdbuf,
			frame.Image.Handle, vk.ImageLayoutTransferSrcOptimal,
			swapImage, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageCopy{region})
	} else {
		blit := vk.ImageBlit{
			SrcSubresource: subresource,
			DstSubresource: subresource,
		}
		blit.SrcOffsets[1] = vk.Offset3D{X: int32(frame.Width), Y: int32(frame.Height), Z: 1}
		blit.DstOffsets[1] = vk.Offset3D{X: int32(swapchain.Extent.Width), Y: int32(swapchain.Extent.Height), Z: 1}
		vk.CmdBlitImage(cmdbuf,
			frame.Image.Handle, vk.ImageLayoutTransferSrcOptimal,
			swapImage, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageBlit{blit}, vk.FilterLinear)
	}

	// Swapchain image to presentable.
	toPresent := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask:       0,
		OldLayout:           vk.ImageLayoutTransferDstOptimal,
		NewLayout:           vk.ImageLayoutPresentSrc,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               swapImage,
		SubresourceRange:    colorRange,
	}
	vk.CmdPipelineBarrier(cmdbuf,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toPresent})

	if res := vk.EndCommandBuffer(cmdbuf); res != vk.Success {
		return VulkanResultToError(res)
	}
	return nil
}

func (t *SwapchainPresentTarget) createSemaphores() error {
	count := int(t.context.Swapchain.ImageCount)
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	for i := 0; i < count; i++ {
		var acquire, present vk.Semaphore
		if res := vk.CreateSemaphore(t.context.Device.LogicalDevice, &semaphoreCreateInfo, t.context.Allocator, &acquire); res != vk.Success {
			return VulkanResultToError(res)
		}
		if res := vk.CreateSemaphore(t.context.Device.LogicalDevice, &semaphoreCreateInfo, t.context.Allocator, &present); res != vk.Success {
			return VulkanResultToError(res)
		}
		t.acquireSemaphores = append(t.acquireSemaphores, acquire)
		t.presentSemaphores = append(t.presentSemaphores, present)
	}
	t.acquireCursor = 0
	return nil
}

func (t *SwapchainPresentTarget) destroySemaphores() {
	for _, s := range t.acquireSemaphores {
		vk.DestroySemaphore(t.context.Device.LogicalDevice, s, t.context.Allocator)
	}
	for _, s := range t.presentSemaphores {
		vk.DestroySemaphore(t.context.Device.LogicalDevice, s, t.context.Allocator)
	}
	t.acquireSemaphores = nil
	t.presentSemaphores = nil
}
