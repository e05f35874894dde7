package vulkan

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flags(bits ...vk.MemoryPropertyFlagBits) vk.MemoryPropertyFlags {
	var f vk.MemoryPropertyFlags
	for _, bit := range bits {
		f |= vk.MemoryPropertyFlags(bit)
	}
	return f
}

// A discrete GPU style layout: a big device heap, system memory, and a
// small BAR heap that is both device local and host visible.
var testMemoryTypes = []memoryTypeInfo{
	{propertyFlags: flags(vk.MemoryPropertyDeviceLocalBit), heapIndex: 0, heapSize: 8 << 30},
	{propertyFlags: flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit), heapIndex: 1, heapSize: 16 << 30},
	{propertyFlags: flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyHostCachedBit), heapIndex: 1, heapSize: 16 << 30},
	{propertyFlags: flags(vk.MemoryPropertyDeviceLocalBit, vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit), heapIndex: 2, heapSize: 256 << 20},
}

func TestMemoryUsagePropertyFlags(t *testing.T) {
	tests := []struct {
		usage MemoryUsage
		want  vk.MemoryPropertyFlags
	}{
		{MemoryUsageDeviceLocal, flags(vk.MemoryPropertyDeviceLocalBit)},
		{MemoryUsageUpload, flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyDeviceLocalBit)},
		{MemoryUsageDownload, flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyHostCachedBit)},
		{MemoryUsageStream, flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit, vk.MemoryPropertyDeviceLocalBit)},
	}
	for _, tc := range tests {
		t.Run(tc.usage.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, memoryUsagePropertyFlags(tc.usage))
		})
	}
}

func TestRelaxPropertyFlags(t *testing.T) {
	// Uploads give up device local first, then have nothing left to
	// concede.
	relaxed, changed := relaxPropertyFlags(memoryUsagePropertyFlags(MemoryUsageUpload), MemoryUsageUpload)
	require.True(t, changed)
	assert.Equal(t, flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit), relaxed)

	_, changed = relaxPropertyFlags(relaxed, MemoryUsageUpload)
	assert.False(t, changed)

	// Downloads give up the cached preference.
	relaxed, changed = relaxPropertyFlags(memoryUsagePropertyFlags(MemoryUsageDownload), MemoryUsageDownload)
	require.True(t, changed)
	assert.Equal(t, flags(vk.MemoryPropertyHostVisibleBit, vk.MemoryPropertyHostCoherentBit), relaxed)

	// Device local allocations have nothing optional.
	_, changed = relaxPropertyFlags(memoryUsagePropertyFlags(MemoryUsageDeviceLocal), MemoryUsageDeviceLocal)
	assert.False(t, changed)
}

func TestFindMemoryType(t *testing.T) {
	allTypes := uint32(1<<len(testMemoryTypes)) - 1

	// Upload prefers the small BAR type, the only one that is both
	// device local and host visible.
	index, ok := findMemoryType(testMemoryTypes, allTypes, memoryUsagePropertyFlags(MemoryUsageUpload))
	require.True(t, ok)
	assert.Equal(t, uint32(3), index)

	// With the BAR type masked out nothing matches until the flags are
	// relaxed.
	masked := allTypes &^ (1 << 3)
	_, ok = findMemoryType(testMemoryTypes, masked, memoryUsagePropertyFlags(MemoryUsageUpload))
	assert.False(t, ok)

	relaxed, _ := relaxPropertyFlags(memoryUsagePropertyFlags(MemoryUsageUpload), MemoryUsageUpload)
	index, ok = findMemoryType(testMemoryTypes, masked, relaxed)
	require.True(t, ok)
	assert.Equal(t, uint32(1), index)

	// Downloads land on the cached type.
	index, ok = findMemoryType(testMemoryTypes, allTypes, memoryUsagePropertyFlags(MemoryUsageDownload))
	require.True(t, ok)
	assert.Equal(t, uint32(2), index)

	_, ok = findMemoryType(testMemoryTypes, 0, memoryUsagePropertyFlags(MemoryUsageDeviceLocal))
	assert.False(t, ok)
}

func TestStreamTypeMask(t *testing.T) {
	// Without a capture tool every type is usable.
	assert.Equal(t, ^uint32(0), streamTypeMask(testMemoryTypes, false))

	// With one attached the small BAR type is excluded.
	mask := streamTypeMask(testMemoryTypes, true)
	assert.Zero(t, mask&(1<<3))
	assert.NotZero(t, mask&(1<<0))
	assert.NotZero(t, mask&(1<<1))
	assert.NotZero(t, mask&(1<<2))

	// A large BAR heap stays usable even with a tool attached.
	bigBar := append([]memoryTypeInfo(nil), testMemoryTypes...)
	bigBar[3].heapSize = 4 << 30
	assert.Equal(t, ^uint32(0), streamTypeMask(bigBar, true))
}

func TestMemoryUsageString(t *testing.T) {
	assert.Equal(t, "device_local", MemoryUsageDeviceLocal.String())
	assert.Equal(t, "upload", MemoryUsageUpload.String())
	assert.Equal(t, "download", MemoryUsageDownload.String())
	assert.Equal(t, "stream", MemoryUsageStream.String())
	assert.Equal(t, "invalid", MemoryUsage(42).String())
}
