package vulkan

import (
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
)

// CommandFn is a deferred command. It runs on the worker thread with
// the command buffer that is current when its chunk executes.
type CommandFn func(cmdbuf vk.CommandBuffer)

// UploadCommandFn additionally receives the upload command buffer,
// which is submitted ahead of the draw buffer.
type UploadCommandFn func(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer)

// QuerySegmentHook is notified around submission boundaries. It is
// called with false right before the pending command stream is cut for
// submission and with true after a new segment begins.
type QuerySegmentHook func(resume bool)

/**
 * @brief Scheduler defers command recording into chunks consumed by a
 * worker goroutine, so the recording thread never touches the device.
 * Submissions signal ticks on the timeline; anyone holding a tick can
 * ask whether the work it covers has finished.
 */
type Scheduler struct {
	context  *VulkanContext
	timeline TimelineQueue
	source   CommandSource

	// Chunk being recorded by the renderer thread. Only touched from
	// the recording side.
	chunk *CommandChunk

	// Worker-owned command buffers. Rotated after every submission.
	currentCmdbuf       vk.CommandBuffer
	currentUploadCmdbuf vk.CommandBuffer

	// queueMu guards the work queue and stop flag. workCv is signaled
	// both when work arrives and when the queue drains.
	queueMu   sync.Mutex
	workCv    *sync.Cond
	workQueue *containers.RingQueue[*CommandChunk]
	stop      bool

	// Held by the worker while it executes a chunk. Taken before
	// queueMu is released, so draining the queue and then taking this
	// lock proves the worker is idle.
	executionMu sync.Mutex

	// Chunk recycle pool.
	reserveMu    sync.Mutex
	chunkReserve []*CommandChunk

	// Serializes queue submission against anyone else submitting on
	// the same queue (the present manager's blit submissions).
	submitMu sync.Mutex

	state       schedulerState
	segmentHook QuerySegmentHook

	done sync.WaitGroup
}

// schedulerState is the render pass and pipeline cache used for change
// detection. It only exists on the recording thread.
type schedulerState struct {
	renderpass  vk.RenderPass
	framebuffer vk.Framebuffer
	renderArea  vk.Rect2D

	numImages   int
	images      [VULKAN_MAX_RENDERPASS_ATTACHMENTS]vk.Image
	imageRanges [VULKAN_MAX_RENDERPASS_ATTACHMENTS]vk.ImageSubresourceRange

	graphicsPipeline *GraphicsPipeline
	rescaling        bool
	rescalingKnown   bool
}

func NewScheduler(context *VulkanContext, timeline TimelineQueue, source CommandSource) (*Scheduler, error) {
	s := &Scheduler{
		context:   context,
		timeline:  timeline,
		source:    source,
		chunk:     NewCommandChunk(),
		workQueue: containers.NewRingQueue[*CommandChunk](64),
	}
	s.workCv = sync.NewCond(&s.queueMu)

	if err := s.allocateWorkerCommandBuffers(); err != nil {
		return nil, err
	}

	s.done.Add(1)
	go s.worker()

	core.LogInfo("Scheduler started.")
	return s, nil
}

// Destroy stops the worker after it drains the queue. Pending ticks are
// not waited on; callers wanting that call Finish first.
func (s *Scheduler) Destroy() {
	s.queueMu.Lock()
	s.stop = true
	s.workCv.Broadcast()
	s.queueMu.Unlock()
	s.done.Wait()
	core.LogInfo("Scheduler stopped.")
}

// SetQuerySegmentHook installs the hook notified around submissions.
func (s *Scheduler) SetQuerySegmentHook(hook QuerySegmentHook) {
	s.segmentHook = hook
}

// CurrentTick returns the tick the next submission will signal.
func (s *Scheduler) CurrentTick() uint64 {
	return s.timeline.CurrentTick()
}

// IsFree reports whether all work up to the tick has finished on the
// GPU, without blocking.
func (s *Scheduler) IsFree(tick uint64) bool {
	if s.timeline.IsFree(tick) {
		return true
	}
	s.timeline.Refresh()
	return s.timeline.IsFree(tick)
}

// Wait blocks until all work up to the tick has finished on the GPU.
func (s *Scheduler) Wait(tick uint64) error {
	if tick >= s.CurrentTick() {
		// The tick belongs to work that has not been cut yet. Flush so
		// the wait can terminate.
		if _, err := s.Flush(nil, nil); err != nil {
			return err
		}
	}
	return s.timeline.Wait(tick)
}

// WithQueueLock runs fn while holding the queue submission lock. Other
// users of the graphics queue wrap their submissions with it so they
// never interleave with the worker's.
func (s *Scheduler) WithQueueLock(fn func() error) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	return fn()
}

// Record defers a command into the current chunk.
func (s *Scheduler) Record(fn CommandFn) {
	s.RecordWithUpload(func(cmdbuf vk.CommandBuffer, _ vk.CommandBuffer) {
		fn(cmdbuf)
	})
}

// RecordWithUpload defers a command that also records staging work on
// the upload command buffer.
func (s *Scheduler) RecordWithUpload(fn UploadCommandFn) {
	if s.chunk.Record(chunkCommand(fn)) {
		return
	}
	// Chunk is full. Hand it to the worker and retry on a fresh one.
	s.DispatchWork()
	if !s.chunk.Record(chunkCommand(fn)) {
		core.LogFatal("fresh command chunk rejected a record")
	}
}

// DispatchWork hands the current chunk to the worker. No-op when the
// chunk is empty.
func (s *Scheduler) DispatchWork() {
	if s.chunk.Empty() {
		return
	}

	s.queueMu.Lock()
	for s.workQueue.IsFull() {
		// Worker is far behind. Wait for it to drain a slot.
		s.workCv.Wait()
	}
	if err := s.workQueue.Enqueue(s.chunk); err != nil {
		s.queueMu.Unlock()
		core.LogFatal("failed to enqueue command chunk: %v", err)
		return
	}
	s.workCv.Broadcast()
	s.queueMu.Unlock()

	s.acquireNewChunk()
}

// WaitWorker blocks until the worker has executed every dispatched
// chunk and gone idle.
func (s *Scheduler) WaitWorker() {
	s.DispatchWork()

	// Wait until the queue drains.
	s.queueMu.Lock()
	for !s.workQueue.IsEmpty() {
		s.workCv.Wait()
	}
	s.queueMu.Unlock()

	// The worker grabs executionMu before it releases queueMu, so once
	// this lock is ours the in-flight chunk has finished executing.
	s.executionMu.Lock()
	s.executionMu.Unlock() //nolint:staticcheck // empty critical section is the point

	// Let the device catch up to the last tick it is known to have
	// reached before reporting the worker idle.
	if err := s.timeline.Wait(s.timeline.KnownGpuTick()); err != nil {
		core.LogWarn("wait after worker drain failed: %v", err)
	}
}

// Flush cuts the pending command stream and submits it without waiting
// for completion. Returns the tick the submission will signal.
func (s *Scheduler) Flush(signalSemaphore vk.Semaphore, waitSemaphore vk.Semaphore) (uint64, error) {
	return s.submitExecution(signalSemaphore, waitSemaphore), nil
}

// Finish submits the pending command stream and blocks until the GPU
// has executed it. Returns the tick the submission signaled.
func (s *Scheduler) Finish(signalSemaphore vk.Semaphore, waitSemaphore vk.Semaphore) (uint64, error) {
	tick := s.submitExecution(signalSemaphore, waitSemaphore)
	return tick, s.Wait(tick)
}

// RequestRenderpass defers a render pass begin, or does nothing when
// the same pass, framebuffer and render area are already active. The
// images backing the framebuffer are barriered when the pass ends.
func (s *Scheduler) RequestRenderpass(renderpass vk.RenderPass, framebuffer *VulkanFramebuffer, renderArea vk.Rect2D, images []vk.Image, imageRanges []vk.ImageSubresourceRange) {
	if renderpass == s.state.renderpass &&
		framebuffer.Handle == s.state.framebuffer &&
		renderArea == s.state.renderArea {
		return
	}
	s.EndRenderPass()

	s.state.renderpass = renderpass
	s.state.framebuffer = framebuffer.Handle
	s.state.renderArea = renderArea

	numImages := len(images)
	if numImages > VULKAN_MAX_RENDERPASS_ATTACHMENTS {
		numImages = VULKAN_MAX_RENDERPASS_ATTACHMENTS
	}
	s.state.numImages = numImages
	copy(s.state.images[:], images[:numImages])
	copy(s.state.imageRanges[:], imageRanges[:numImages])

	fbHandle := framebuffer.Handle
	s.Record(func(cmdbuf vk.CommandBuffer) {
		beginInfo := vk.RenderPassBeginInfo{
			SType:       vk.StructureTypeRenderPassBeginInfo,
			RenderPass:  renderpass,
			Framebuffer: fbHandle,
			RenderArea:  renderArea,
		}
		vk.CmdBeginRenderPass(cmdbuf, &beginInfo, vk.SubpassContentsInline)
	})
}

// RequestOutsideRenderpassOperationContext ends any active render pass
// so the next recorded command runs outside one.
func (s *Scheduler) RequestOutsideRenderpassOperationContext() {
	s.EndRenderPass()
}

// UpdateGraphicsPipeline reports whether the pipeline differs from the
// active one, making it the active one when it does.
func (s *Scheduler) UpdateGraphicsPipeline(pipeline *GraphicsPipeline) bool {
	if s.state.graphicsPipeline == pipeline {
		return false
	}
	s.state.graphicsPipeline = pipeline
	return true
}

// UpdateRescaling reports whether the rescaling state changed since it
// was last seen.
func (s *Scheduler) UpdateRescaling(rescaled bool) bool {
	if s.state.rescalingKnown && s.state.rescaling == rescaled {
		return false
	}
	s.state.rescalingKnown = true
	s.state.rescaling = rescaled
	return true
}

// EndRenderPass defers the render pass end together with one barrier
// batch covering every attachment, so later transfer and shader reads
// order after attachment writes.
func (s *Scheduler) EndRenderPass() {
	if s.state.renderpass == nil {
		return
	}

	numImages := s.state.numImages
	images := s.state.images
	imageRanges := s.state.imageRanges

	s.Record(func(cmdbuf vk.CommandBuffer) {
		vk.CmdEndRenderPass(cmdbuf)

		if numImages == 0 {
			return
		}
		barriers := make([]vk.ImageMemoryBarrier, numImages)
		for i := 0; i < numImages; i++ {
			barriers[i] = vk.ImageMemoryBarrier{
				SType: vk.StructureTypeImageMemoryBarrier,
				SrcAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit) |
					vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
				DstAccessMask: vk.AccessFlags(vk.AccessMemoryReadBit) |
					vk.AccessFlags(vk.AccessMemoryWriteBit),
				OldLayout:           vk.ImageLayoutGeneral,
				NewLayout:           vk.ImageLayoutGeneral,
				SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
				DstQueueFamilyIndex: vk.QueueFamilyIgnored,
				Image:               images[i],
				SubresourceRange:    imageRanges[i],
			}
		}
		vk.CmdPipelineBarrier(cmdbuf,
			vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit)|
				vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
			vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit),
			0, 0, nil, 0, nil, uint32(numImages), barriers)
	})

	s.state.renderpass = nil
	s.state.framebuffer = nil
	s.state.renderArea = vk.Rect2D{}
	s.state.numImages = 0
}

func (s *Scheduler) submitExecution(signalSemaphore vk.Semaphore, waitSemaphore vk.Semaphore) uint64 {
	s.endPendingOperations()
	s.invalidateState()

	signalTick := s.timeline.NextTick()
	timeline := s.timeline
	submitMu := &s.submitMu

	s.RecordWithUpload(func(cmdbuf vk.CommandBuffer, upload vk.CommandBuffer) {
		submitMu.Lock()
		defer submitMu.Unlock()
		if err := timeline.Submit(cmdbuf, upload, waitSemaphore, signalSemaphore, signalTick); err != nil {
			core.LogFatal("queue submission failed: %v", err)
		}
	})
	s.chunk.MarkSubmit()
	s.DispatchWork()

	if s.segmentHook != nil {
		s.segmentHook(true)
	}
	return signalTick
}

func (s *Scheduler) endPendingOperations() {
	if s.segmentHook != nil {
		s.segmentHook(false)
	}
	s.EndRenderPass()
}

// invalidateState drops cached bindings. The next segment re-detects
// everything against fresh command buffers.
func (s *Scheduler) invalidateState() {
	s.state.graphicsPipeline = nil
	s.state.rescalingKnown = false
}

func (s *Scheduler) acquireNewChunk() {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	if n := len(s.chunkReserve); n > 0 {
		s.chunk = s.chunkReserve[n-1]
		s.chunkReserve = s.chunkReserve[:n-1]
		return
	}
	s.chunk = NewCommandChunk()
}

func (s *Scheduler) allocateWorkerCommandBuffers() error {
	cmdbuf, err := s.source.Commit()
	if err != nil {
		return err
	}
	upload, err := s.source.Commit()
	if err != nil {
		return err
	}
	s.currentCmdbuf = cmdbuf
	s.currentUploadCmdbuf = upload
	return nil
}

func (s *Scheduler) worker() {
	defer s.done.Done()

	for {
		s.queueMu.Lock()
		for s.workQueue.IsEmpty() && !s.stop {
			s.workCv.Wait()
		}
		if s.workQueue.IsEmpty() {
			// Stop requested and nothing left to execute.
			s.queueMu.Unlock()
			return
		}
		work, err := s.workQueue.Dequeue()
		if err != nil {
			s.queueMu.Unlock()
			continue
		}
		// Wake dispatchers waiting on a full queue and drain waiters.
		s.workCv.Broadcast()

		// Take the execution lock before releasing the queue lock, so
		// WaitWorker observing an empty queue can prove idleness by
		// acquiring it.
		s.executionMu.Lock()
		s.queueMu.Unlock()

		hasSubmit := work.HasSubmit()
		work.ExecuteAll(s.currentCmdbuf, s.currentUploadCmdbuf)
		if hasSubmit {
			// The buffers were submitted; rotate to fresh ones.
			if err := s.allocateWorkerCommandBuffers(); err != nil {
				core.LogFatal("failed to rotate worker command buffers: %v", err)
			}
		}
		s.executionMu.Unlock()

		s.reserveMu.Lock()
		s.chunkReserve = append(s.chunkReserve, work)
		s.reserveMu.Unlock()
	}
}
