package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/prism/engine/core"
)

/**
 * @brief Declares the intended host/device access pattern of an
 * allocation so the allocator can pick the right memory type for it.
 */
type MemoryUsage int

const (
	// Device local memory, not host visible. Textures, render targets.
	MemoryUsageDeviceLocal MemoryUsage = iota
	// Host writable, device readable. Staging uploads.
	MemoryUsageUpload
	// Device writable, host readable. Screenshots and readbacks.
	MemoryUsageDownload
	// Rewritten every frame from the host. Ring staging buffers.
	MemoryUsageStream
)

func (mu MemoryUsage) String() string {
	switch mu {
	case MemoryUsageDeviceLocal:
		return "device_local"
	case MemoryUsageUpload:
		return "upload"
	case MemoryUsageDownload:
		return "download"
	case MemoryUsageStream:
		return "stream"
	default:
		return "invalid"
	}
}

// Heaps at or below this size that are both device local and host
// visible are too small to stream through when a capture tool also
// wants them. They are excluded from the stream type mask.
const smallBarHeapSize vk.DeviceSize = 256 * 1024 * 1024

type memoryTypeInfo struct {
	propertyFlags vk.MemoryPropertyFlags
	heapIndex     uint32
	heapSize      vk.DeviceSize
}

type MemoryAllocator struct {
	context *VulkanContext
	types   []memoryTypeInfo
	// Bitmask of memory types usable for stream allocations.
	streamMask uint32
	// Live allocation count, reported on shutdown.
	allocations uint32
}

func NewMemoryAllocator(context *VulkanContext, externalToolAttached bool) *MemoryAllocator {
	var properties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(context.Device.PhysicalDevice, &properties)
	properties.Deref()

	types := make([]memoryTypeInfo, properties.MemoryTypeCount)
	for i := uint32(0); i < properties.MemoryTypeCount; i++ {
		properties.MemoryTypes[i].Deref()
		heapIndex := properties.MemoryTypes[i].HeapIndex
		properties.MemoryHeaps[heapIndex].Deref()
		types[i] = memoryTypeInfo{
			propertyFlags: properties.MemoryTypes[i].PropertyFlags,
			heapIndex:     heapIndex,
			heapSize:      properties.MemoryHeaps[heapIndex].Size,
		}
	}

	return &MemoryAllocator{
		context:    context,
		types:      types,
		streamMask: streamTypeMask(types, externalToolAttached),
	}
}

func (ma *MemoryAllocator) CommitImage(image vk.Image, usage MemoryUsage) (vk.DeviceMemory, error) {
	var requirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ma.context.Device.LogicalDevice, image, &requirements)
	requirements.Deref()
	memory, _, err := ma.commit(requirements, usage)
	return memory, err
}

func (ma *MemoryAllocator) CommitBuffer(buffer vk.Buffer, usage MemoryUsage) (vk.DeviceMemory, error) {
	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(ma.context.Device.LogicalDevice, buffer, &requirements)
	requirements.Deref()
	memory, _, err := ma.commit(requirements, usage)
	return memory, err
}

func (ma *MemoryAllocator) Release(memory vk.DeviceMemory) {
	vk.FreeMemory(ma.context.Device.LogicalDevice, memory, ma.context.Allocator)
	ma.allocations--
}

func (ma *MemoryAllocator) Destroy() {
	if ma.allocations != 0 {
		core.LogWarn("memory allocator destroyed with %d live allocations", ma.allocations)
	}
}

func (ma *MemoryAllocator) commit(requirements vk.MemoryRequirements, usage MemoryUsage) (vk.DeviceMemory, vk.MemoryPropertyFlags, error) {
	typeBits := requirements.MemoryTypeBits
	if usage == MemoryUsageStream {
		typeBits &= ma.streamMask
	}

	flags := memoryUsagePropertyFlags(usage)
	for {
		index, ok := findMemoryType(ma.types, typeBits, flags)
		if !ok {
			// Relax the optional flags one step and retry.
			relaxed, changed := relaxPropertyFlags(flags, usage)
			if !changed {
				err := fmt.Errorf("no suitable memory type for %s allocation: %w", usage, core.ErrOutOfDeviceMemory)
				core.LogError(err.Error())
				return nil, 0, err
			}
			flags = relaxed
			continue
		}

		allocateInfo := vk.MemoryAllocateInfo{
			SType:           vk.StructureTypeMemoryAllocateInfo,
			AllocationSize:  requirements.Size,
			MemoryTypeIndex: index,
		}
		var memory vk.DeviceMemory
		res := vk.AllocateMemory(ma.context.Device.LogicalDevice, &allocateInfo, ma.context.Allocator, &memory)
		if res == vk.Success {
			ma.allocations++
			return memory, ma.types[index].propertyFlags, nil
		}
		if res == vk.ErrorOutOfDeviceMemory {
			// Drop the exhausted type and look for the next candidate.
			typeBits &^= 1 << index
			continue
		}
		err := fmt.Errorf("failed to allocate %d bytes: %s", requirements.Size, VulkanResultString(res))
		core.LogError(err.Error())
		return nil, 0, VulkanResultToError(res)
	}
}

/**
 * @brief VulkanBuffer is a buffer committed through the allocator.
 * Host visible buffers stay persistently mapped for their lifetime.
 */
type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   vk.DeviceSize
	// Non-nil when the backing memory is host visible.
	Mapped []byte
	// When false, reads need InvalidateMappedRange first and writes
	// need an explicit flush.
	Coherent bool
}

func (ma *MemoryAllocator) CreateBuffer(size vk.DeviceSize, usage vk.BufferUsageFlags, memoryUsage MemoryUsage) (*VulkanBuffer, error) {
	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}
	var handle vk.Buffer
	if res := vk.CreateBuffer(ma.context.Device.LogicalDevice, &bufferCreateInfo, ma.context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, VulkanResultToError(res)
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(ma.context.Device.LogicalDevice, handle, &requirements)
	requirements.Deref()

	memory, propertyFlags, err := ma.commit(requirements, memoryUsage)
	if err != nil {
		vk.DestroyBuffer(ma.context.Device.LogicalDevice, handle, ma.context.Allocator)
		return nil, err
	}
	if res := vk.BindBufferMemory(ma.context.Device.LogicalDevice, handle, memory, 0); res != vk.Success {
		ma.Release(memory)
		vk.DestroyBuffer(ma.context.Device.LogicalDevice, handle, ma.context.Allocator)
		return nil, VulkanResultToError(res)
	}

	buffer := &VulkanBuffer{
		Handle:   handle,
		Memory:   memory,
		Size:     size,
		Coherent: propertyFlags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit) != 0,
	}
	if propertyFlags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) != 0 {
		var data unsafe.Pointer
		if res := vk.MapMemory(ma.context.Device.LogicalDevice, memory, 0, size, 0, &data); res != vk.Success {
			buffer.Destroy(ma)
			return nil, VulkanResultToError(res)
		}
		buffer.Mapped = unsafe.Slice((*byte)(data), int(size))
	}
	return buffer, nil
}

// InvalidateMappedRange makes device writes visible to the host for a
// non-coherent mapping. No-op for coherent memory.
func (vb *VulkanBuffer) InvalidateMappedRange(ma *MemoryAllocator) error {
	if vb.Coherent || vb.Mapped == nil {
		return nil
	}
	mappedRange := vk.MappedMemoryRange{
		SType:  vk.StructureTypeMappedMemoryRange,
		Memory: vb.Memory,
		Offset: 0,
		Size:   vk.DeviceSize(vk.WholeSize),
	}
	if res := vk.InvalidateMappedMemoryRanges(ma.context.Device.LogicalDevice, 1, []vk.MappedMemoryRange{mappedRange}); res != vk.Success {
		return VulkanResultToError(res)
	}
	return nil
}

func (vb *VulkanBuffer) Destroy(ma *MemoryAllocator) {
	if vb.Mapped != nil {
		vk.UnmapMemory(ma.context.Device.LogicalDevice, vb.Memory)
		vb.Mapped = nil
	}
	if vb.Handle != nil {
		vk.DestroyBuffer(ma.context.Device.LogicalDevice, vb.Handle, ma.context.Allocator)
		vb.Handle = nil
	}
	if vb.Memory != nil {
		ma.Release(vb.Memory)
		vb.Memory = nil
	}
}

// memoryUsagePropertyFlags returns the preferred property flags for a
// usage intent. The commit path relaxes them if nothing matches.
func memoryUsagePropertyFlags(usage MemoryUsage) vk.MemoryPropertyFlags {
	visible := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	switch usage {
	case MemoryUsageDeviceLocal:
		return vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	case MemoryUsageUpload:
		return visible | vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	case MemoryUsageDownload:
		return visible | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit)
	case MemoryUsageStream:
		return visible | vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	default:
		return 0
	}
}

// relaxPropertyFlags removes the optional bits that a usage intent
// merely prefers, keeping the bits it cannot work without.
func relaxPropertyFlags(flags vk.MemoryPropertyFlags, usage MemoryUsage) (vk.MemoryPropertyFlags, bool) {
	switch usage {
	case MemoryUsageUpload, MemoryUsageStream:
		if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit) != 0 {
			return flags &^ vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit), true
		}
	case MemoryUsageDownload:
		if flags&vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit) != 0 {
			return flags &^ vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit), true
		}
	}
	return flags, false
}

func findMemoryType(types []memoryTypeInfo, typeBits uint32, flags vk.MemoryPropertyFlags) (uint32, bool) {
	for i := range types {
		if typeBits&(1<<uint32(i)) == 0 {
			continue
		}
		if types[i].propertyFlags&flags == flags {
			return uint32(i), true
		}
	}
	return 0, false
}

// streamTypeMask computes which memory types stream allocations may
// use. Small device local, host visible heaps are skipped when a
// capture tool is attached, since the tool shadows them on the host.
func streamTypeMask(types []memoryTypeInfo, externalToolAttached bool) uint32 {
	mask := ^uint32(0)
	if !externalToolAttached {
		return mask
	}
	barFlags := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit | vk.MemoryPropertyHostVisibleBit)
	for i := range types {
		if types[i].propertyFlags&barFlags == barFlags && types[i].heapSize <= smallBarHeapSize {
			mask &^= 1 << uint32(i)
		}
	}
	return mask
}
