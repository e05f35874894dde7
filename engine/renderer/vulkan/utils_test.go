package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/stretchr/testify/assert"
)

func TestVulkanResultToError(t *testing.T) {
	assert.NoError(t, VulkanResultToError(vk.Success))
	// Success class results carry no error even when not VK_SUCCESS.
	assert.NoError(t, VulkanResultToError(vk.NotReady))
	assert.NoError(t, VulkanResultToError(vk.Timeout))

	assert.ErrorIs(t, VulkanResultToError(vk.ErrorDeviceLost), core.ErrDeviceLost)
	assert.ErrorIs(t, VulkanResultToError(vk.ErrorSurfaceLost), core.ErrSurfaceLost)
	assert.ErrorIs(t, VulkanResultToError(vk.ErrorOutOfDate), core.ErrOutOfDate)
	assert.ErrorIs(t, VulkanResultToError(vk.Suboptimal), core.ErrSuboptimal)
	assert.ErrorIs(t, VulkanResultToError(vk.ErrorOutOfDeviceMemory), core.ErrOutOfDeviceMemory)
	assert.ErrorIs(t, VulkanResultToError(vk.ErrorOutOfHostMemory), core.ErrOutOfHostMemory)
	assert.ErrorIs(t, VulkanResultToError(vk.ErrorInitializationFailed), core.ErrUnknown)
}

func TestMathClamp(t *testing.T) {
	assert.Equal(t, 2, MathClamp(1, 2, 3))
	assert.Equal(t, 2, MathClamp(2, 2, 3))
	assert.Equal(t, 3, MathClamp(5, 2, 3))
	assert.Equal(t, uint32(3), MathClamp(uint32(8), VULKAN_MIN_FRAMES_IN_FLIGHT, VULKAN_MAX_FRAMES_IN_FLIGHT))
	assert.Equal(t, 1.5, MathClamp(1.5, 1.0, 2.0))
}

func TestVulkanSafeString(t *testing.T) {
	assert.Equal(t, "main\x00", VulkanSafeString("main"))
	assert.Equal(t, "main\x00", VulkanSafeString("main\x00"))
	assert.Equal(t, "\x00", VulkanSafeString(""))
}
