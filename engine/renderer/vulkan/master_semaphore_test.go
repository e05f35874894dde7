package vulkan

import (
	"testing"
	"time"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/stretchr/testify/assert"
)

func TestMasterSemaphoreInitialTicks(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	// Tick zero predates every submission and is always complete.
	assert.Equal(t, uint64(1), ms.CurrentTick())
	assert.Equal(t, uint64(0), ms.KnownGpuTick())
	assert.True(t, ms.IsFree(0))
	assert.False(t, ms.IsFree(1))
}

func TestMasterSemaphoreNextTickAdvances(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	assert.Equal(t, uint64(1), ms.NextTick())
	assert.Equal(t, uint64(2), ms.NextTick())
	assert.Equal(t, uint64(3), ms.NextTick())
	assert.Equal(t, uint64(4), ms.CurrentTick())
}

func TestMasterSemaphoreAdvanceNeverLowers(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	ms.advanceTo(5)
	assert.Equal(t, uint64(5), ms.KnownGpuTick())

	ms.advanceTo(3)
	assert.Equal(t, uint64(5), ms.KnownGpuTick())

	assert.True(t, ms.IsFree(5))
	assert.False(t, ms.IsFree(6))
}

func TestMasterSemaphoreWaitUnsubmittedTick(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	// Waiting for a tick no submission will ever signal must fail
	// instead of blocking forever.
	assert.ErrorIs(t, ms.Wait(ms.CurrentTick()), core.ErrFenceNotQueued)
	assert.ErrorIs(t, ms.Wait(ms.CurrentTick()+10), core.ErrFenceNotQueued)
}

func TestMasterSemaphoreWaitCompletedTick(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	ms.NextTick()
	ms.advanceTo(1)

	assert.NoError(t, ms.Wait(0))
	assert.NoError(t, ms.Wait(1))
}

func TestMasterSemaphoreWaitParksUntilSubmission(t *testing.T) {
	ms := NewMasterSemaphore(&VulkanContext{})

	tick := ms.NextTick()
	done := make(chan error, 1)
	go func() { done <- ms.Wait(tick) }()

	// Reserved but not yet submitted: the waiter parks instead of
	// returning or spinning.
	select {
	case err := <-done:
		t.Fatalf("wait returned before the tick was submitted: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// A submission lands and completes the tick.
	ms.mu.Lock()
	ms.advanceTo(tick)
	ms.submitCv.Broadcast()
	ms.mu.Unlock()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not wake after the tick completed")
	}
}
