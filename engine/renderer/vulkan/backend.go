package vulkan

import (
	"fmt"
	"image"
	"os"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/config"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"golang.org/x/image/draw"
)

/**
 * @brief VulkanRenderer wires the whole backend together: context and
 * device, deferred command scheduler, fence manager, pipeline cache and
 * the presentation ring.
 */
type VulkanRenderer struct {
	platform *platform.Platform
	config   *config.Config

	FrameNumber uint64
	context     *VulkanContext

	cachedFramebufferWidth  uint32
	cachedFramebufferHeight uint32

	timeline       *MasterSemaphore
	commandPool    *CommandPool
	Scheduler      *Scheduler
	FenceManager   *FenceManager
	renderpass     *VulkanRenderpass
	PipelineCache  *PipelineCache
	presentTarget  *SwapchainPresentTarget
	PresentManager *PresentManager

	debug bool
}

func New(p *platform.Platform, cfg *config.Config) *VulkanRenderer {
	return &VulkanRenderer{
		platform: p,
		config:   cfg,
		context: &VulkanContext{
			Allocator: nil,
		},
		debug: cfg.Renderer.ValidationLayers,
	}
}

func (vr *VulkanRenderer) Initialize(appName string, appWidth, appHeight uint32, translator ShaderTranslator) error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		core.LogError("GetInstanceProcAddress is nil")
		return fmt.Errorf("GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return err
	}

	vr.context.FramebufferWidth = appWidth
	vr.context.FramebufferHeight = appHeight

	if err := vr.createInstance(appName); err != nil {
		return err
	}

	if vr.debug {
		if err := vr.createDebugMessenger(); err != nil {
			return err
		}
	}

	core.LogDebug("Creating Vulkan surface...")
	if err := CreateVulkanSurface(vr.platform, vr.context); err != nil {
		return err
	}
	core.LogDebug("Vulkan surface created.")

	vr.context.Device = &VulkanDevice{
		GraphicsQueueIndex: -1,
		PresentQueueIndex:  -1,
		TransferQueueIndex: -1,
	}
	if err := DeviceCreate(vr.context); err != nil {
		core.LogError("Failed to create device!")
		return err
	}

	vr.context.Memory = NewMemoryAllocator(vr.context, captureToolAttached())

	swapchain, err := SwapchainCreate(vr.context, vr.context.FramebufferWidth, vr.context.FramebufferHeight, vr.requestedPresentMode())
	if err != nil {
		return err
	}
	vr.context.Swapchain = swapchain

	renderpass, err := RenderpassCreate(vr.context, swapchain.ImageFormat.Format)
	if err != nil {
		return err
	}
	vr.renderpass = renderpass

	vr.timeline = NewMasterSemaphore(vr.context)
	vr.commandPool, err = NewCommandPool(vr.context, vr.timeline)
	if err != nil {
		return err
	}
	vr.Scheduler, err = NewScheduler(vr.context, vr.timeline, vr.commandPool)
	if err != nil {
		return err
	}
	vr.FenceManager = NewFenceManager(vr.Scheduler)

	vr.PipelineCache = NewPipelineCache(vr.context, renderpass, translator, ShaderProfile{
		SupportedSpirvVersion: uint32(vk.MakeVersion(1, 3, 0)),
		MaxVertexAttributes:   32,
		SupportsGeometry:      vr.context.Device.Features.GeometryShader == vk.True,
		SupportsTessellation:  vr.context.Device.Features.TessellationShader == vk.True,
	})

	vr.presentTarget, err = NewSwapchainPresentTarget(vr.context, vr.platform, vr.Scheduler, renderpass)
	if err != nil {
		return err
	}
	vr.PresentManager, err = NewPresentManager(
		vr.Scheduler,
		vr.presentTarget,
		vr.config.Renderer.FramesInFlight,
		vr.config.Renderer.AsyncPresentation,
		vr.context.FramebufferWidth,
		vr.context.FramebufferHeight)
	if err != nil {
		return err
	}

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

// Shutdown tears the backend down in strict reverse order: workers are
// stopped and joined before anything they touch is destroyed.
func (vr *VulkanRenderer) Shutdown() error {
	// Drain both pipelines first.
	if err := vr.FenceManager.WaitPendingFences(); err != nil {
		core.LogWarn("pending fences did not drain cleanly: %v", err)
	}
	if _, err := vr.Scheduler.Finish(nil, nil); err != nil {
		core.LogWarn("final submission did not finish cleanly: %v", err)
	}
	vr.PresentManager.Destroy()
	vr.Scheduler.Destroy()

	vk.DeviceWaitIdle(vr.context.Device.LogicalDevice)

	// Destroy in the opposite order of creation.
	vr.presentTarget.Destroy()
	vr.PipelineCache.Destroy()
	vr.commandPool.Destroy()
	vr.timeline.Destroy()
	vr.renderpass.RenderpassDestroy(vr.context)
	vr.context.Swapchain.SwapchainDestroy(vr.context)
	vr.context.Memory.Destroy()
	DeviceDestroy(vr.context)

	if vr.context.Surface != nil {
		vk.DestroySurface(vr.context.Instance, vr.context.Surface, vr.context.Allocator)
		vr.context.Surface = nil
	}
	if vr.context.debugMessenger != nil {
		vk.DestroyDebugReportCallback(vr.context.Instance, vr.context.debugMessenger, vr.context.Allocator)
		vr.context.debugMessenger = nil
	}
	if vr.context.Instance != nil {
		vk.DestroyInstance(vr.context.Instance, vr.context.Allocator)
		vr.context.Instance = nil
	}

	core.LogInfo("Vulkan renderer shut down.")
	return nil
}

// Resized records the new framebuffer size. The resize is absorbed at
// the next AcquireFrame.
func (vr *VulkanRenderer) Resized(width, height uint32) {
	vr.cachedFramebufferWidth = width
	vr.cachedFramebufferHeight = height
	vr.context.FramebufferSizeGeneration++
	core.LogInfo("Vulkan renderer backend->resized: w/h/gen: %d/%d/%d", width, height, vr.context.FramebufferSizeGeneration)
}

// AcquireFrame returns a frame safe to render into, absorbing any
// pending window resize first.
func (vr *VulkanRenderer) AcquireFrame() (*Frame, error) {
	if vr.context.FramebufferSizeGeneration != vr.context.FramebufferSizeLastGeneration {
		vr.context.FramebufferWidth = vr.cachedFramebufferWidth
		vr.context.FramebufferHeight = vr.cachedFramebufferHeight
		vr.context.FramebufferSizeLastGeneration = vr.context.FramebufferSizeGeneration
	}
	if vr.context.FramebufferWidth == 0 || vr.context.FramebufferHeight == 0 {
		// Minimized. Nothing to render into.
		return nil, nil
	}
	return vr.PresentManager.GetRenderFrame(vr.context.FramebufferWidth, vr.context.FramebufferHeight)
}

// RenderClear records a clear of the whole frame through the deferred
// render pass machinery.
func (vr *VulkanRenderer) RenderClear(frame *Frame, r, g, b, a float32) {
	area := vk.Rect2D{
		Extent: vk.Extent2D{Width: frame.Width, Height: frame.Height},
	}
	colorRange := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
	vr.Scheduler.RequestRenderpass(
		vr.renderpass.Handle,
		frame.Framebuffer,
		area,
		[]vk.Image{frame.Image.Handle},
		[]vk.ImageSubresourceRange{colorRange})

	vr.Scheduler.Record(func(cmdbuf vk.CommandBuffer) {
		clear := vk.ClearAttachment{
			AspectMask:      vk.ImageAspectFlags(vk.ImageAspectColorBit),
			ColorAttachment: 0,
		}
		clear.ClearValue.SetColor([]float32{r, g, b, a})
		rect := vk.ClearRect{
			Rect:       area,
			LayerCount: 1,
		}
		vk.CmdClearAttachments(cmdbuf, 1, []vk.ClearAttachment{clear}, 1, []vk.ClearRect{rect})
	})
}

// PresentFrame submits everything recorded for the frame and hands it
// to the presentation pipeline. Returns without waiting for the GPU.
func (vr *VulkanRenderer) PresentFrame(frame *Frame, deltaTime float64) error {
	vr.Scheduler.EndRenderPass()
	if _, err := vr.Scheduler.Flush(frame.RenderReady, nil); err != nil {
		return err
	}
	if err := vr.PresentManager.Present(frame); err != nil {
		return err
	}
	vr.FrameNumber++
	core.MetricsUpdate(deltaTime)
	return nil
}

// Screenshot reads the frame's image back to the host, scaled to the
// requested size. Blocks until the GPU is done with the frame.
func (vr *VulkanRenderer) Screenshot(frame *Frame, width, height int) (*image.RGBA, error) {
	size := vk.DeviceSize(frame.Width) * vk.DeviceSize(frame.Height) * 4
	buffer, err := vr.context.Memory.CreateBuffer(size, vk.BufferUsageFlags(vk.BufferUsageTransferDstBit), MemoryUsageDownload)
	if err != nil {
		return nil, err
	}
	defer buffer.Destroy(vr.context.Memory)

	vr.Scheduler.RequestOutsideRenderpassOperationContext()

	imageHandle := frame.Image.Handle
	bufferHandle := buffer.Handle
	frameWidth, frameHeight := frame.Width, frame.Height
	vr.Scheduler.Record(func(cmdbuf vk.CommandBuffer) {
		region := vk.BufferImageCopy{
			ImageSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LayerCount: 1,
			},
			ImageExtent: vk.Extent3D{Width: frameWidth, Height: frameHeight, Depth: 1},
		}
		vk.CmdCopyImageToBuffer(cmdbuf, imageHandle, vk.ImageLayoutTransferSrcOptimal, bufferHandle, 1, []vk.BufferImageCopy{region})
	})

	if _, err := vr.Scheduler.Finish(nil, nil); err != nil {
		return nil, err
	}
	if err := buffer.InvalidateMappedRange(vr.context.Memory); err != nil {
		return nil, err
	}

	// The swapchain format is BGRA; swizzle while copying out.
	native := image.NewRGBA(image.Rect(0, 0, int(frameWidth), int(frameHeight)))
	for i := 0; i+3 < len(buffer.Mapped) && i+3 < len(native.Pix); i += 4 {
		native.Pix[i+0] = buffer.Mapped[i+2]
		native.Pix[i+1] = buffer.Mapped[i+1]
		native.Pix[i+2] = buffer.Mapped[i+0]
		native.Pix[i+3] = buffer.Mapped[i+3]
	}

	if width == int(frameWidth) && height == int(frameHeight) {
		return native, nil
	}
	scaled := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), native, native.Bounds(), draw.Src, nil)
	return scaled, nil
}

func (vr *VulkanRenderer) createInstance(appName string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Prism Engine"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// Obtain a list of required extensions
	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, vr.platform.GetRequiredExtensionNames()...)

	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
	}

	if vr.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
		core.LogInfo("Required extensions:")
		for i := 0; i < len(requiredExtensions); i++ {
			core.LogInfo(requiredExtensions[i])
		}
	}

	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	// Validation layers.
	requiredValidationLayerNames := []string{}
	if vr.debug {
		core.LogInfo("Validation layers enabled. Enumerating...")
		requiredValidationLayerNames = []string{"VK_LAYER_KHRONOS_validation"}

		if runtime.GOOS == "darwin" {
			createInfo.Flags |= 1
		}

		var availableLayerCount uint32
		if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, nil); res != vk.Success {
			return VulkanResultToError(res)
		}
		availableLayers := make([]vk.LayerProperties, availableLayerCount)
		if res := vk.EnumerateInstanceLayerProperties(&availableLayerCount, availableLayers); res != vk.Success {
			return VulkanResultToError(res)
		}

		// Verify all required layers are available.
		for i := range requiredValidationLayerNames {
			core.LogInfo("Searching for layer: %s...", requiredValidationLayerNames[i])
			found := false
			for j := range availableLayers {
				availableLayers[j].Deref()
				end := FindFirstZeroInByteArray(availableLayers[j].LayerName[:])
				if requiredValidationLayerNames[i] == vk.ToString(availableLayers[j].LayerName[:end+1]) {
					found = true
					core.LogInfo("Found.")
					break
				}
			}
			if !found {
				err := fmt.Errorf("required validation layer is missing: %s", requiredValidationLayerNames[i])
				core.LogError(err.Error())
				return err
			}
		}
		core.LogInfo("All required validation layers are present.")
	}

	createInfo.EnabledLayerCount = uint32(len(requiredValidationLayerNames))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(requiredValidationLayerNames)

	if res := vk.CreateInstance(&createInfo, vr.context.Allocator, &vr.context.Instance); res != vk.Success {
		err := fmt.Errorf("failed in creating the Vulkan Instance with error `%s`", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	if err := vk.InitInstance(vr.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}

	core.LogInfo("Vulkan Instance created.")
	return nil
}

func (vr *VulkanRenderer) createDebugMessenger() error {
	core.LogDebug("Creating Vulkan debugger...")
	debugCreateInfo := vk.DebugReportCallbackCreateInfo{
		SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
		Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
		PfnCallback: dbgCallbackFunc,
	}

	var dbg vk.DebugReportCallback
	if err := vk.Error(vk.CreateDebugReportCallback(vr.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
		core.LogError("vk.CreateDebugReportCallback failed with %s", err)
		return err
	}
	vr.context.debugMessenger = dbg
	core.LogDebug("Vulkan debugger created.")
	return nil
}

func (vr *VulkanRenderer) requestedPresentMode() vk.PresentMode {
	if vr.config.Renderer.PresentMode == "mailbox" {
		return vk.PresentModeMailbox
	}
	return vk.PresentModeFifo
}

// captureToolAttached reports whether a frame capture tool is hooked
// into the process. Stream allocations avoid small BAR heaps then,
// since the tool shadows host-visible device memory.
func captureToolAttached() bool {
	if os.Getenv("ENABLE_VULKAN_RENDERDOC_CAPTURE") == "1" {
		return true
	}
	for _, env := range []string{"VK_INSTANCE_LAYERS", "VK_LOADER_LAYERS_ENABLE"} {
		if v := os.Getenv(env); v != "" {
			return true
		}
	}
	return false
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("INFORMATION: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
