package gpualloc

import "unsafe"

// blockFlavor tags which strategy originated a MemoryBlock and therefore
// which strategy's Dealloc must reclaim it.
type blockFlavor uint8

const (
	flavorDedicated blockFlavor = iota
	flavorLinear
	flavorBuddy
)

// MemoryBlock is a handle to a sub-range of a device memory object. It is
// returned by GpuAllocator.Alloc and must eventually be passed to
// GpuAllocator.Dealloc exactly once.
type MemoryBlock[M any] struct {
	memoryType uint32
	props      MemoryPropertyFlags
	memory     M
	offset     uint64
	size       uint64
	// mapMask is non_coherent_atom_size-1 for host-visible non-coherent
	// types, else 0.
	mapMask uint64
	mapped  bool

	flavor blockFlavor

	// chunkID identifies the owning chunk for Linear/Buddy flavors.
	chunkID uint64
	// nodeIndex is the packed (pairIndex<<1)|side buddy node id. Buddy only.
	nodeIndex uint64
	// basePtr/hasBasePtr record the chunk's permanent host mapping for
	// Linear/Buddy flavors; hasBasePtr is false when the chunk could not be
	// host-mapped (device-only chunk).
	basePtr    uintptr
	hasBasePtr bool
}

// MemoryType returns the index, into DeviceProperties.MemoryTypes, of the
// memory type this block was allocated from.
func (b *MemoryBlock[M]) MemoryType() uint32 { return b.memoryType }

// Props returns the property flags of this block's memory type.
func (b *MemoryBlock[M]) Props() MemoryPropertyFlags { return b.props }

// Memory returns the underlying device memory object handle. Multiple
// blocks may share the same handle (Linear/Buddy sub-allocation); callers
// must never deallocate_memory this handle directly.
func (b *MemoryBlock[M]) Memory() M { return b.memory }

// Offset returns this block's byte offset within Memory().
func (b *MemoryBlock[M]) Offset() uint64 { return b.offset }

// Size returns this block's size in bytes. May be larger than the
// originally requested size.
func (b *MemoryBlock[M]) Size() uint64 { return b.size }

// producePointer computes the host pointer for the caller-visible range
// [offset, offset+size) within the block, mapping the owning device object
// if necessary. It returns the pointer together with the atom-rounded
// [roundedOffset, roundedOffset+roundedSize) range (relative to the block,
// not the device object) that a subsequent flush/invalidate call must use.
func (b *MemoryBlock[M]) producePointer(device MemoryDevice[M], offset, size uint64) (ptr uintptr, roundedOffset, roundedSize uint64, err error) {
	if offset > b.size || offset+size > b.size {
		panic("gpualloc: map range exceeds block bounds")
	}

	alignedOffset := alignDown(offset, b.mapMask)
	alignedEnd, ok := alignUp(offset+size, b.mapMask)
	if !ok {
		panic("gpualloc: map range overflow")
	}
	alignedSize := alignedEnd - alignedOffset

	switch b.flavor {
	case flavorDedicated:
		devPtr, mapErr := device.MapMemory(b.memory, b.offset+alignedOffset, alignedSize)
		if mapErr != nil {
			return 0, 0, 0, translateDeviceMapError(mapErr)
		}
		return devPtr + uintptr(offset-alignedOffset), alignedOffset, alignedSize, nil
	default:
		if !b.hasBasePtr {
			return 0, 0, 0, ErrNonHostVisible
		}
		return b.basePtr + uintptr(offset), alignedOffset, alignedSize, nil
	}
}

// Map maps [offset, offset+size) of the block into host address space and
// returns a pointer to offset. Panics if the block is already mapped.
func (b *MemoryBlock[M]) Map(device MemoryDevice[M], offset, size uint64) (uintptr, error) {
	if b.mapped {
		panic("gpualloc: block already mapped")
	}
	ptr, _, _, err := b.producePointer(device, offset, size)
	if err != nil {
		return 0, err
	}
	b.mapped = true
	return ptr, nil
}

// Unmap undoes a prior successful Map. Panics if the block is not mapped.
func (b *MemoryBlock[M]) Unmap(device MemoryDevice[M]) {
	if !b.mapped {
		panic("gpualloc: block not mapped")
	}
	if b.flavor == flavorDedicated {
		device.UnmapMemory(b.memory)
	}
	b.mapped = false
}

// WriteBytes copies data into [offset, offset+len(data)) of the block,
// transiently mapping and flushing as needed. Must not be called while the
// block is already mapped (panics).
func (b *MemoryBlock[M]) WriteBytes(device MemoryDevice[M], offset uint64, data []byte) error {
	if b.mapped {
		panic("gpualloc: write_bytes while mapped")
	}
	if len(data) == 0 {
		return nil
	}
	ptr, roundedOffset, roundedSize, err := b.producePointer(device, offset, uint64(len(data)))
	if err != nil {
		return err
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(data))
	copy(dst, data)

	var flushErr error
	if hostVisibleNonCoherent(b.props) {
		flushErr = device.FlushMemoryRanges([]MappedMemoryRange[M]{{
			Memory: b.memory,
			Offset: b.offset + roundedOffset,
			Size:   roundedSize,
		}})
	}
	if b.flavor == flavorDedicated {
		device.UnmapMemory(b.memory)
	}
	if flushErr != nil {
		return translateOutOfMemory(flushErr)
	}
	return nil
}

// ReadBytes copies [offset, offset+len(data)) of the block into data,
// transiently mapping and invalidating as needed. Must not be called while
// the block is already mapped (panics).
func (b *MemoryBlock[M]) ReadBytes(device MemoryDevice[M], offset uint64, data []byte) error {
	if b.mapped {
		panic("gpualloc: read_bytes while mapped")
	}
	if len(data) == 0 {
		return nil
	}
	ptr, roundedOffset, roundedSize, err := b.producePointer(device, offset, uint64(len(data)))
	if err != nil {
		return err
	}

	var invErr error
	if hostVisibleNonCoherent(b.props) {
		invErr = device.InvalidateMemoryRanges([]MappedMemoryRange[M]{{
			Memory: b.memory,
			Offset: b.offset + roundedOffset,
			Size:   roundedSize,
		}})
	}
	if invErr == nil {
		if !b.props.Has(MemoryPropertyHostCached) {
			Logger().Warn("gpualloc: read_bytes from non-cached host memory")
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(data))
		copy(data, src)
	}
	if b.flavor == flavorDedicated {
		device.UnmapMemory(b.memory)
	}
	if invErr != nil {
		return translateOutOfMemory(invErr)
	}
	return nil
}

func translateDeviceMapError(err error) MapError {
	if dme, ok := err.(DeviceMapError); ok {
		switch dme {
		case DeviceMapOutOfDeviceMemory:
			return ErrMapOutOfDeviceMemory
		case DeviceMapOutOfHostMemory:
			return ErrMapOutOfHostMemory
		default:
			return ErrMapFailed
		}
	}
	return ErrMapFailed
}

func translateOutOfMemory(err error) MapError {
	if oom, ok := err.(OutOfMemory); ok {
		if oom == OutOfMemoryHost {
			return ErrMapOutOfHostMemory
		}
		return ErrMapOutOfDeviceMemory
	}
	return ErrMapFailed
}
