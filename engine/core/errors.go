package core

import (
	"errors"
)

// Errors are grouped by how the renderer reacts to them: device loss is
// fatal, surface conditions are recovered in place by the present
// manager, logic errors are programming bugs and never retried, and
// allocation failures are surfaced to the caller.
var (
	// Fatal. The device cannot continue rendering.
	ErrDeviceLost = errors.New("device lost")

	// Transient presentation-surface conditions. The present manager
	// recreates the surface or swapchain and retries; these never reach
	// callers of CopyToSwapchain.
	ErrSurfaceLost = errors.New("surface lost")
	ErrOutOfDate   = errors.New("swapchain out of date")
	ErrSuboptimal  = errors.New("swapchain suboptimal")

	// Logic errors.
	ErrFenceNotQueued = errors.New("fence was never queued")

	// Resource exhaustion, surfaced to the caller.
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfHostMemory   = errors.New("out of host memory")

	ErrUnknown = errors.New("unknown")
)
