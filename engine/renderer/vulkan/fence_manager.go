package vulkan

import (
	"github.com/spaghettifunk/prism/engine/core"
)

/**
 * @brief InnerFence marks a point in the command stream by capturing
 * the scheduler tick at queue time. It is signaled once the GPU passes
 * that tick.
 */
type InnerFence struct {
	// Stubbed fences never touch the timeline and are born signaled.
	// They stand in for sync points taken while the GPU is idle.
	stubbed bool
	tick    uint64
	queued  bool
}

type FenceManager struct {
	scheduler *Scheduler
	// Pending fences in signal order. Only the front can complete
	// first, since ticks are monotonic.
	pending []*InnerFence
}

func NewFenceManager(scheduler *Scheduler) *FenceManager {
	return &FenceManager{
		scheduler: scheduler,
	}
}

func (fm *FenceManager) CreateFence(stubbed bool) *InnerFence {
	return &InnerFence{
		stubbed: stubbed,
	}
}

// QueueFence captures the current tick and flushes, so the tick is
// guaranteed to signal eventually. Stubbed fences capture nothing.
func (fm *FenceManager) QueueFence(fence *InnerFence) error {
	if fence.stubbed {
		fence.queued = true
		return nil
	}
	fence.tick = fm.scheduler.CurrentTick()
	fence.queued = true
	_, err := fm.scheduler.Flush(nil, nil)
	return err
}

func (fm *FenceManager) IsFenceSignaled(fence *InnerFence) bool {
	if fence.stubbed {
		return true
	}
	if !fence.queued {
		return false
	}
	return fm.scheduler.IsFree(fence.tick)
}

func (fm *FenceManager) WaitFence(fence *InnerFence) error {
	if fence.stubbed {
		return nil
	}
	if !fence.queued {
		core.LogError("waiting on a fence that was never queued")
		return core.ErrFenceNotQueued
	}
	return fm.scheduler.Wait(fence.tick)
}

// SignalFence queues the fence and tracks it as pending, releasing any
// older fences the GPU has already passed.
func (fm *FenceManager) SignalFence(fence *InnerFence) error {
	fm.TryReleasePendingFences()
	if err := fm.QueueFence(fence); err != nil {
		return err
	}
	fm.pending = append(fm.pending, fence)
	return nil
}

// TryReleasePendingFences drops signaled fences from the front of the
// pending queue without blocking.
func (fm *FenceManager) TryReleasePendingFences() {
	for len(fm.pending) > 0 {
		if !fm.IsFenceSignaled(fm.pending[0]) {
			return
		}
		fm.pending[0] = nil
		fm.pending = fm.pending[1:]
	}
}

// WaitPendingFences blocks until every pending fence has signaled.
func (fm *FenceManager) WaitPendingFences() error {
	for len(fm.pending) > 0 {
		if err := fm.WaitFence(fm.pending[0]); err != nil {
			return err
		}
		fm.pending[0] = nil
		fm.pending = fm.pending[1:]
	}
	return nil
}
