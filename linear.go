package gpualloc

// linearChunk is one device memory object backing a run of bump-allocated
// sub-blocks. cursor is the next free byte offset; liveCount is the number
// of outstanding MemoryBlocks carved from this chunk.
type linearChunk[M any] struct {
	memory     M
	hasBasePtr bool
	basePtr    uintptr
	cursor     uint64
	liveCount  uint64
}

// linearStream is one FIFO of chunks — either the host-mapped or the
// device-only population maintained by LinearAllocator. exhausted holds a
// nil entry for a chunk that has been fully reclaimed but not yet popped
// off the front.
type linearStream[M any] struct {
	ready         *linearChunk[M]
	exhausted     []*linearChunk[M]
	chunkIDOffset uint64
}

// LinearAllocator bump-allocates sub-blocks out of large chunks and retires
// whole chunks once every block carved from them has been freed, in
// approximately FIFO order (spec.md §4.5). Lazily constructed per memory
// type by GpuAllocator.
type LinearAllocator[M any] struct {
	mapped     linearStream[M]
	unmapped   linearStream[M]
	chunkSize  uint64
	memoryType uint32
	props      MemoryPropertyFlags
	atomMask   uint64
}

func newLinearAllocator[M any](chunkSize uint64, memoryType uint32, props MemoryPropertyFlags, atomMask uint64) *LinearAllocator[M] {
	return &LinearAllocator[M]{
		chunkSize:  chunkSize,
		memoryType: memoryType,
		props:      props,
		atomMask:   atomMask,
	}
}

// linearFits reports whether size more bytes, starting at the next
// align_mask-aligned offset past cursor, still fit within chunkSize. The
// boundary is non-strict: a request that exactly fills the remaining chunk
// space fits (see SPEC_FULL.md §6).
func linearFits(chunkSize, cursor, size, alignMask uint64) bool {
	aligned, ok := alignUp(cursor, alignMask)
	if !ok {
		return false
	}
	end := aligned + size
	if end < aligned {
		return false
	}
	return end <= chunkSize
}

func (a *LinearAllocator[M]) allocFromChunk(chunk *linearChunk[M], stream *linearStream[M], alignMask, size uint64) MemoryBlock[M] {
	offset, ok := alignUp(chunk.cursor, alignMask)
	if !ok {
		panic("gpualloc: linear cursor alignment overflow")
	}
	chunk.cursor = offset + size
	chunk.liveCount++

	block := MemoryBlock[M]{
		memoryType: a.memoryType,
		props:      a.props,
		memory:     chunk.memory,
		offset:     offset,
		size:       size,
		mapMask:    a.atomMask,
		flavor:     flavorLinear,
		chunkID:    stream.chunkIDOffset + uint64(len(stream.exhausted)),
	}
	if chunk.hasBasePtr {
		block.hasBasePtr = true
		block.basePtr = chunk.basePtr + uintptr(offset)
	}
	return block
}

// retire moves stream's current ready chunk into the exhausted FIFO so a new
// chunk can become ready in its place. A chunk whose last live block was
// already freed while it was still ready carries no outstanding references,
// so it is reclaimed immediately instead of being queued — nothing will ever
// name its chunk id again, and the next ready chunk reuses that FIFO slot.
func (a *LinearAllocator[M]) retire(device MemoryDevice[M], stream *linearStream[M], heap *heapState, q *deviceQuota) {
	chunk := stream.ready
	if chunk == nil {
		return
	}
	stream.ready = nil
	if chunk.liveCount == 0 {
		device.DeallocateMemory(chunk.memory)
		q.release()
		heap.dealloc(a.chunkSize)
		return
	}
	stream.exhausted = append(stream.exhausted, chunk)
}

// allocateDeviceChunk acquires quota, asks the device for a new chunkSize
// chunk and charges it to heap. It returns the memory without mapping it or
// installing it in either stream; the caller does both.
func (a *LinearAllocator[M]) allocateDeviceChunk(device MemoryDevice[M], flags AllocationFlags, heap *heapState, q *deviceQuota) (M, error) {
	var zero M
	if !q.tryAcquire() {
		return zero, ErrTooManyObjects
	}
	memory, err := device.AllocateMemory(a.chunkSize, a.memoryType, flags)
	if err != nil {
		q.release()
		return zero, translateAllocateError(err)
	}
	heap.alloc(a.chunkSize)
	return memory, nil
}

// Alloc carves a size-byte sub-block, aligned to align_mask | atom_mask,
// out of this memory type's chunk pool. Precondition: size <= chunkSize.
func (a *LinearAllocator[M]) Alloc(device MemoryDevice[M], req Request, flags AllocationFlags, heap *heapState, q *deviceQuota) (MemoryBlock[M], error) {
	if req.Size > a.chunkSize {
		panic("gpualloc: linear allocation request larger than chunk size")
	}
	alignMask := req.AlignMask | a.atomMask
	hostVisible := a.props.Has(MemoryPropertyHostVisible)
	wantsHostAccess := req.Usage.Contains(UsageHostAccess)

	if !hostVisible {
		if wantsHostAccess {
			panic("gpualloc: non-host-visible memory type requested with HOST_ACCESS usage")
		}
		return a.allocUnmappedOnly(device, req.Size, alignMask, flags, heap, q)
	}

	if !wantsHostAccess {
		if a.unmapped.ready != nil && linearFits(a.chunkSize, a.unmapped.ready.cursor, req.Size, alignMask) {
			return a.allocFromChunk(a.unmapped.ready, &a.unmapped, alignMask, req.Size), nil
		}
		a.retire(device, &a.unmapped, heap, q)
	}

	if a.mapped.ready != nil && linearFits(a.chunkSize, a.mapped.ready.cursor, req.Size, alignMask) {
		return a.allocFromChunk(a.mapped.ready, &a.mapped, alignMask, req.Size), nil
	}
	a.retire(device, &a.mapped, heap, q)

	memory, err := a.allocateDeviceChunk(device, flags, heap, q)
	if err != nil {
		return MemoryBlock[M]{}, err
	}

	ptr, mapErr := device.MapMemory(memory, 0, a.chunkSize)
	if mapErr == nil {
		chunk := &linearChunk[M]{memory: memory, hasBasePtr: true, basePtr: ptr}
		a.mapped.ready = chunk
		return a.allocFromChunk(chunk, &a.mapped, alignMask, req.Size), nil
	}

	dme, isDeviceMapErr := mapErr.(DeviceMapError)
	if isDeviceMapErr && dme == DeviceMapFailed {
		if !wantsHostAccess {
			Logger().Warn("linear allocator: host-visible chunk map failed, falling back to unmapped chunk",
				"memoryType", a.memoryType)
			chunk := &linearChunk[M]{memory: memory, hasBasePtr: false}
			a.unmapped.ready = chunk
			return a.allocFromChunk(chunk, &a.unmapped, alignMask, req.Size), nil
		}
		device.DeallocateMemory(memory)
		q.release()
		heap.dealloc(a.chunkSize)
		return MemoryBlock[M]{}, ErrOutOfHostMemory
	}

	device.DeallocateMemory(memory)
	q.release()
	heap.dealloc(a.chunkSize)
	if isDeviceMapErr {
		return MemoryBlock[M]{}, translateMapErrorToAllocation(dme)
	}
	return MemoryBlock[M]{}, ErrOutOfDeviceMemory
}

func (a *LinearAllocator[M]) allocUnmappedOnly(device MemoryDevice[M], size, alignMask uint64, flags AllocationFlags, heap *heapState, q *deviceQuota) (MemoryBlock[M], error) {
	if a.unmapped.ready != nil && linearFits(a.chunkSize, a.unmapped.ready.cursor, size, alignMask) {
		return a.allocFromChunk(a.unmapped.ready, &a.unmapped, alignMask, size), nil
	}
	a.retire(device, &a.unmapped, heap, q)

	memory, err := a.allocateDeviceChunk(device, flags, heap, q)
	if err != nil {
		return MemoryBlock[M]{}, err
	}
	chunk := &linearChunk[M]{memory: memory, hasBasePtr: false}
	a.unmapped.ready = chunk
	return a.allocFromChunk(chunk, &a.unmapped, alignMask, size), nil
}

// Dealloc returns block — previously produced by Alloc on this same
// allocator — to its owning chunk, reclaiming the chunk's device object
// once its last live block is freed.
func (a *LinearAllocator[M]) Dealloc(device MemoryDevice[M], block MemoryBlock[M], heap *heapState, q *deviceQuota) {
	stream := &a.unmapped
	if block.hasBasePtr {
		stream = &a.mapped
	}
	a.deallocFromStream(device, stream, block.chunkID, heap, q)
}

func (a *LinearAllocator[M]) deallocFromStream(device MemoryDevice[M], stream *linearStream[M], chunkID uint64, heap *heapState, q *deviceQuota) {
	if chunkID < stream.chunkIDOffset {
		panic("gpualloc: linear chunk id precedes stream offset; wrong allocator instance")
	}
	chunkOffset := chunkID - stream.chunkIDOffset
	n := uint64(len(stream.exhausted))

	if chunkOffset == n {
		if stream.ready == nil {
			panic("gpualloc: linear chunk id out of bounds")
		}
		stream.ready.liveCount--
		return
	}
	if chunkOffset > n {
		panic("gpualloc: linear chunk id out of bounds")
	}

	chunk := stream.exhausted[chunkOffset]
	if chunk == nil {
		panic("gpualloc: linear chunk id points to an already-reclaimed chunk")
	}
	chunk.liveCount--
	if chunk.liveCount != 0 {
		return
	}

	device.DeallocateMemory(chunk.memory)
	q.release()
	heap.dealloc(a.chunkSize)
	stream.exhausted[chunkOffset] = nil

	if chunkOffset == 0 {
		i := 0
		for i < len(stream.exhausted) && stream.exhausted[i] == nil {
			i++
		}
		stream.exhausted = stream.exhausted[i:]
		stream.chunkIDOffset += uint64(i)
	}
}
