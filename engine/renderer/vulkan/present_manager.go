package vulkan

import (
	"errors"
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"
	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
)

/**
 * @brief Frame is one entry of the presentation ring. The renderer
 * draws into its image, then the frame travels to the swapchain copy
 * and back to the free queue once its fence clears.
 */
type Frame struct {
	// Stable identity for log correlation across resizes.
	ID uuid.UUID

	Width  uint32
	Height uint32

	Image       *VulkanImage
	Framebuffer *VulkanFramebuffer

	// Records the swapchain copy for this frame. Owned by the target.
	Cmdbuf vk.CommandBuffer

	// Signaled by the renderer's last submission touching the frame;
	// the swapchain copy waits on it.
	RenderReady vk.Semaphore
	// Signaled when the copy submission completes. Waited before the
	// frame is rendered into again.
	PresentDone vk.Fence
}

/**
 * @brief PresentTarget is the native half of presentation: frame
 * resources, the swapchain copy, and surface recovery. The present
 * manager drives it and owns all the queuing policy.
 */
type PresentTarget interface {
	CreateFrame(width uint32, height uint32) (*Frame, error)
	RecreateFrame(frame *Frame, width uint32, height uint32) error
	DestroyFrame(frame *Frame)
	// WaitFrame blocks until the frame's previous presentation is done
	// and rearms its fence.
	WaitFrame(frame *Frame) error
	// CopyToSwapchain acquires a swapchain image, blits the frame into
	// it and presents. Surface conditions come back as sentinel errors.
	CopyToSwapchain(frame *Frame) error
	RecreateSwapchain(width uint32, height uint32) error
	RecreateSurface() error
	WaitIdle()
}

/**
 * @brief PresentManager circulates frames between the renderer and the
 * presentation engine. With async presentation the swapchain copy runs
 * on its own goroutine so the renderer never blocks on acquire.
 */
type PresentManager struct {
	scheduler *Scheduler
	target    PresentTarget
	frames    []*Frame

	// Frames ready to be rendered into.
	freeMu    sync.Mutex
	freeCv    *sync.Cond
	freeQueue *containers.RingQueue[*Frame]

	// Frames waiting for the swapchain copy, async mode only.
	queueMu      sync.Mutex
	frameCv      *sync.Cond
	presentQueue *containers.RingQueue[*Frame]

	// Held for the duration of every swapchain copy. Taken before the
	// queue lock is released, so draining the queue and then taking
	// this lock proves no copy is in flight.
	swapchainMu sync.Mutex

	async bool
	stop  bool
	done  sync.WaitGroup
}

func NewPresentManager(scheduler *Scheduler, target PresentTarget, frameCount uint32, async bool, width uint32, height uint32) (*PresentManager, error) {
	frameCount = MathClamp(frameCount, VULKAN_MIN_FRAMES_IN_FLIGHT, VULKAN_MAX_FRAMES_IN_FLIGHT)

	pm := &PresentManager{
		scheduler:    scheduler,
		target:       target,
		freeQueue:    containers.NewRingQueue[*Frame](int(frameCount)),
		presentQueue: containers.NewRingQueue[*Frame](int(frameCount)),
		async:        async,
	}
	pm.freeCv = sync.NewCond(&pm.freeMu)
	pm.frameCv = sync.NewCond(&pm.queueMu)

	for i := uint32(0); i < frameCount; i++ {
		frame, err := target.CreateFrame(width, height)
		if err != nil {
			pm.destroyFrames()
			return nil, err
		}
		frame.ID = uuid.New()
		pm.frames = append(pm.frames, frame)
		if err := pm.freeQueue.Enqueue(frame); err != nil {
			pm.destroyFrames()
			return nil, err
		}
	}

	if async {
		pm.done.Add(1)
		go pm.presentThread()
	}

	core.LogInfo("Present manager started (%d frames, async=%t).", frameCount, async)
	return pm, nil
}

// GetRenderFrame blocks until a frame is free, then makes it safe to
// render into. The frame is resized when the requested size changed.
func (pm *PresentManager) GetRenderFrame(width uint32, height uint32) (*Frame, error) {
	pm.freeMu.Lock()
	for pm.freeQueue.IsEmpty() {
		pm.freeCv.Wait()
	}
	frame, err := pm.freeQueue.Dequeue()
	pm.freeMu.Unlock()
	if err != nil {
		return nil, err
	}

	// The last presentation of this frame must be over before its
	// image is written again.
	if err := pm.target.WaitFrame(frame); err != nil {
		return nil, err
	}

	if frame.Width != width || frame.Height != height {
		core.LogDebug("resizing frame %s to %dx%d", frame.ID, width, height)
		if err := pm.target.RecreateFrame(frame, width, height); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// Present hands a rendered frame to the presentation engine. In sync
// mode the swapchain copy happens here; in async mode the frame is
// handed over from the command stream, so the present goroutine only
// sees it after the submission signaling RenderReady has reached the
// queue.
func (pm *PresentManager) Present(frame *Frame) error {
	if !pm.async {
		// The copy waits on RenderReady; the render submission must be
		// on the queue before then.
		pm.scheduler.WaitWorker()
		pm.swapchainMu.Lock()
		err := pm.copyToSwapchain(frame)
		pm.swapchainMu.Unlock()
		pm.releaseFrame(frame)
		return err
	}

	pm.scheduler.Record(func(vk.CommandBuffer) {
		pm.enqueuePresent(frame)
	})
	pm.scheduler.DispatchWork()
	return nil
}

// enqueuePresent queues the frame for the present goroutine. Runs on
// the scheduler worker, after the frame's render submission.
func (pm *PresentManager) enqueuePresent(frame *Frame) {
	pm.queueMu.Lock()
	for pm.presentQueue.IsFull() {
		pm.frameCv.Wait()
	}
	if err := pm.presentQueue.Enqueue(frame); err != nil {
		core.LogError("failed to queue frame %s for presentation: %v", frame.ID, err)
	}
	pm.frameCv.Broadcast()
	pm.queueMu.Unlock()
}

// WaitPresent blocks until every queued frame has been copied to the
// swapchain and presented.
func (pm *PresentManager) WaitPresent() {
	if !pm.async {
		return
	}
	// Hand-over closures still in the command stream must land before
	// the queue can be declared drained.
	pm.scheduler.WaitWorker()

	pm.queueMu.Lock()
	for !pm.presentQueue.IsEmpty() {
		pm.frameCv.Wait()
	}
	pm.queueMu.Unlock()

	// The present goroutine takes swapchainMu before releasing the
	// queue lock, so holding it briefly proves the last copy finished.
	pm.swapchainMu.Lock()
	pm.swapchainMu.Unlock() //nolint:staticcheck // empty critical section is the point
}

// FrameCount returns the size of the frame ring.
func (pm *PresentManager) FrameCount() int {
	return len(pm.frames)
}

func (pm *PresentManager) Destroy() {
	if pm.async {
		pm.WaitPresent()
		pm.queueMu.Lock()
		pm.stop = true
		pm.frameCv.Broadcast()
		pm.queueMu.Unlock()
		pm.done.Wait()
	}
	pm.target.WaitIdle()
	pm.destroyFrames()
	core.LogInfo("Present manager stopped.")
}

func (pm *PresentManager) presentThread() {
	defer pm.done.Done()

	for {
		pm.queueMu.Lock()
		for pm.presentQueue.IsEmpty() && !pm.stop {
			pm.frameCv.Wait()
		}
		if pm.presentQueue.IsEmpty() {
			pm.queueMu.Unlock()
			return
		}
		frame, err := pm.presentQueue.Dequeue()
		if err != nil {
			pm.queueMu.Unlock()
			continue
		}
		// Wake WaitPresent drains and Present callers blocked on a full
		// queue, then pin the swapchain before letting go of the queue.
		pm.frameCv.Broadcast()
		pm.swapchainMu.Lock()
		pm.queueMu.Unlock()

		if err := pm.copyToSwapchain(frame); err != nil {
			core.LogError("presentation of frame %s failed: %v", frame.ID, err)
		}
		pm.swapchainMu.Unlock()

		pm.releaseFrame(frame)
	}
}

// copyToSwapchain runs the swapchain copy, recovering in place from
// surface conditions. Callers hold swapchainMu.
func (pm *PresentManager) copyToSwapchain(frame *Frame) error {
	start := time.Now()
	for {
		err := pm.target.CopyToSwapchain(frame)
		if err == nil {
			core.MetricsPresentUpdate(time.Since(start).Seconds())
			return nil
		}
		switch {
		case errors.Is(err, core.ErrSurfaceLost):
			core.LogWarn("presentation surface lost, recreating")
			if err := pm.target.RecreateSurface(); err != nil {
				return err
			}
			if err := pm.target.RecreateSwapchain(frame.Width, frame.Height); err != nil {
				return err
			}
		case errors.Is(err, core.ErrOutOfDate), errors.Is(err, core.ErrSuboptimal):
			core.LogDebug("swapchain out of date, recreating")
			if err := pm.target.RecreateSwapchain(frame.Width, frame.Height); err != nil {
				return err
			}
		case errors.Is(err, core.ErrDeviceLost):
			core.LogFatal("device lost during presentation")
			return err
		default:
			return err
		}
	}
}

func (pm *PresentManager) releaseFrame(frame *Frame) {
	pm.freeMu.Lock()
	if err := pm.freeQueue.Enqueue(frame); err != nil {
		core.LogError("failed to return frame to free queue: %v", err)
	}
	pm.freeCv.Signal()
	pm.freeMu.Unlock()
}

func (pm *PresentManager) destroyFrames() {
	for _, frame := range pm.frames {
		pm.target.DestroyFrame(frame)
	}
	pm.frames = nil
}
