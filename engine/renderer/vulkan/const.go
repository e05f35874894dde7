package vulkan

/**
 * @brief Max number of deferred commands a single chunk can hold before
 * recording transparently spills into a fresh chunk.
 */
const VULKAN_COMMAND_CHUNK_CAPACITY int = 512

/**
 * @brief Max number of render pass attachments barriered in one batch
 * when a render pass ends. Extra attachments are clamped, never resized.
 */
const VULKAN_MAX_RENDERPASS_ATTACHMENTS int = 9

/**
 * @brief Number of command buffers allocated per pool growth step.
 */
const VULKAN_COMMAND_BUFFER_BATCH uint32 = 4

/**
 * @brief Bounds for the presentation frame ring. Two frames give double
 * buffering, three pair with mailbox present mode.
 */
const (
	VULKAN_MIN_FRAMES_IN_FLIGHT uint32 = 2
	VULKAN_MAX_FRAMES_IN_FLIGHT uint32 = 3
)
