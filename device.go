package gpualloc

// MemoryType is a (property-flag-set, heap-index) pair the device offers.
// The allocator picks one per request.
type MemoryType struct {
	Properties MemoryPropertyFlags
	HeapIndex  uint32
}

// MemoryHeap is a partition of device memory with a fixed byte capacity.
type MemoryHeap struct {
	Size uint64
}

// DeviceProperties is an immutable snapshot of a device's memory layout,
// provided once at GpuAllocator construction.
type DeviceProperties struct {
	// MemoryTypes is the device's ordered list of memory types. Indices
	// into this slice are the memory-type indices used throughout this
	// package and in Request.MemoryTypes / MemoryBlock.MemoryType.
	MemoryTypes []MemoryType

	// MemoryHeaps is the device's ordered list of heaps. MemoryType.HeapIndex
	// indexes into this slice.
	MemoryHeaps []MemoryHeap

	// MaxMemoryAllocationCount is the global cap on concurrent device memory
	// objects.
	MaxMemoryAllocationCount uint32

	// MaxMemoryAllocationSize is the largest single device object the
	// device will create.
	MaxMemoryAllocationSize uint64

	// NonCoherentAtomSize is the power-of-two alignment required for
	// flush/invalidate ranges on non-coherent host-visible mappings.
	NonCoherentAtomSize uint64

	// BufferDeviceAddress reports whether AllocationFlagDeviceAddress is
	// supported by allocate_memory.
	BufferDeviceAddress bool
}

// MappedMemoryRange names a sub-range of a mapped memory object for
// flush/invalidate calls.
type MappedMemoryRange[M any] struct {
	Memory M
	Offset uint64
	Size   uint64
}

// MemoryDevice is the capability this package consumes to talk to an
// actual device. M is a cheaply-clonable opaque handle to a device memory
// object (see spec design note on the opaque clonable handle): the
// allocator clones M into every MemoryBlock sharing a chunk and calls
// DeallocateMemory exactly once, when the last block referencing that
// chunk is reclaimed.
//
// Implementations are synchronous: every method runs to completion before
// returning. They may block (they are I/O to a driver) but must not
// otherwise suspend.
type MemoryDevice[M any] interface {
	// AllocateMemory produces a fresh device memory object of the given
	// size from the given memory-type index. flags may carry
	// AllocationFlagDeviceAddress.
	AllocateMemory(size uint64, memoryTypeIndex uint32, flags AllocationFlags) (M, error)

	// DeallocateMemory reclaims a device memory object. All clones of
	// memory become invalid; the allocator guarantees exactly one call per
	// distinct device object.
	DeallocateMemory(memory M)

	// MapMemory maps a contiguous byte range of memory into host address
	// space. Only one active mapping per memory object is permitted.
	MapMemory(memory M, offset, size uint64) (uintptr, error)

	// UnmapMemory undoes a prior successful MapMemory call on memory.
	UnmapMemory(memory M)

	// InvalidateMemoryRanges makes CPU caches re-read the specified
	// sub-ranges. Offsets and sizes in non-coherent memory must be
	// multiples of DeviceProperties.NonCoherentAtomSize.
	InvalidateMemoryRanges(ranges []MappedMemoryRange[M]) error

	// FlushMemoryRanges makes CPU writes visible to the device for the
	// specified sub-ranges. Same alignment requirement as
	// InvalidateMemoryRanges.
	FlushMemoryRanges(ranges []MappedMemoryRange[M]) error
}
