package gpualloc

// buddySide names which half of a split pair a packed node index refers
// to.
type buddySide uint8

const (
	buddyLeft  buddySide = 0
	buddyRight buddySide = 1
)

// buddyPairState is either Exhausted (both buddies allocated, or the pair
// has been split further) or Ready (exactly one buddy free, linked into
// its size class's circular doubly-linked ready list).
type buddyPairState struct {
	exhausted bool
	readySide buddySide
	next      int
	prev      int
}

// buddyPairEntry is one pair of sibling blocks spawned from a parent node.
type buddyPairEntry struct {
	state     buddyPairState
	chunkID   int
	offset    uint64
	parent    int
	hasParent bool
}

// buddySizeBlock is the result of successfully acquiring (or creating) a
// free block within a size class.
type buddySizeBlock struct {
	chunkID int
	offset  uint64
	index   int // packed (pairIndex<<1)|side
}

// buddyReleaseKind tags what a release() call propagates to its caller.
type buddyReleaseKind uint8

const (
	buddyReleaseNone buddyReleaseKind = iota
	buddyReleaseParent
	buddyReleaseChunk
)

type buddyReleaseResult struct {
	kind  buddyReleaseKind
	value int // parent pair index, or chunk id, depending on kind
}

// buddySizeClass manages every block of one power-of-two size: a slab of
// pair entries plus the head of their circular doubly-linked ready list.
// readyHead is -1 when no pair in this class currently has a free buddy.
type buddySizeClass struct {
	readyHead int
	pairs     *Slab[buddyPairEntry]
}

func newBuddySizeClass() *buddySizeClass {
	return &buddySizeClass{readyHead: -1, pairs: NewSlab[buddyPairEntry]()}
}

// linkBeforeHead splices pair idx into the circular ready list without
// disturbing the existing head, unless the list was empty (in which case
// idx becomes the sole entry and the new head).
func (c *buddySizeClass) linkBeforeHead(idx int, side buddySide) {
	entry := c.pairs.GetPtr(idx)
	if c.readyHead == -1 {
		entry.state = buddyPairState{readySide: side, next: idx, prev: idx}
		c.readyHead = idx
		return
	}
	head := c.readyHead
	headEntry := c.pairs.GetPtr(head)
	prev := headEntry.state.prev
	headEntry.state.prev = idx
	prevEntry := c.pairs.GetPtr(prev)
	prevEntry.state.next = idx
	entry.state = buddyPairState{readySide: side, next: head, prev: prev}
}

// addPairAndAcquireLeft inserts a fresh pair (chunkID, offset, parent) with
// its right buddy free and its left buddy considered already acquired,
// making the new pair the head of the ready list (favors reusing the most
// recently split pair, improving locality). Returns the acquired left
// block.
func (c *buddySizeClass) addPairAndAcquireLeft(chunkID int, offset uint64, parent int, hasParent bool) buddySizeBlock {
	idx := c.pairs.Insert(buddyPairEntry{chunkID: chunkID, offset: offset, parent: parent, hasParent: hasParent})
	entry := c.pairs.GetPtr(idx)
	if c.readyHead == -1 {
		entry.state = buddyPairState{readySide: buddyRight, next: idx, prev: idx}
	} else {
		head := c.readyHead
		headEntry := c.pairs.GetPtr(head)
		prev := headEntry.state.prev
		headEntry.state.prev = idx
		prevEntry := c.pairs.GetPtr(prev)
		prevEntry.state.next = idx
		entry.state = buddyPairState{readySide: buddyRight, next: head, prev: prev}
	}
	c.readyHead = idx
	return buddySizeBlock{chunkID: chunkID, offset: offset, index: idx << 1}
}

// acquire pops the head of the ready list, if any, and returns the free
// buddy it names. blockSize is the byte size of one buddy in this class,
// used to compute the Right buddy's offset.
func (c *buddySizeClass) acquire(blockSize uint64) (buddySizeBlock, bool) {
	if c.readyHead == -1 {
		return buddySizeBlock{}, false
	}
	idx := c.readyHead
	entry := c.pairs.GetPtr(idx)
	chunkID := entry.chunkID
	offset := entry.offset
	side := entry.state.readySide
	next := entry.state.next
	prev := entry.state.prev

	if next == idx {
		c.readyHead = -1
	} else {
		nextEntry := c.pairs.GetPtr(next)
		nextEntry.state.prev = prev
		prevEntry := c.pairs.GetPtr(prev)
		prevEntry.state.next = next
		c.readyHead = next
	}
	entry.state = buddyPairState{exhausted: true}

	blockOffset := offset
	if side == buddyRight {
		blockOffset += blockSize
	}
	return buddySizeBlock{chunkID: chunkID, offset: blockOffset, index: (idx << 1) | int(side)}, true
}

// release frees the buddy named by packedIndex. If this makes the pair
// fully free, the pair entry is deleted and the release propagates to the
// parent pair (buddyReleaseParent) or, for a top-level pair, to the
// chunk that should now be returned to the device (buddyReleaseChunk).
func (c *buddySizeClass) release(packedIndex int) buddyReleaseResult {
	side := buddySide(packedIndex & 1)
	idx := packedIndex >> 1
	entry := c.pairs.GetPtr(idx)
	if entry == nil {
		panic("gpualloc: buddy release of unknown pair")
	}
	chunkID := entry.chunkID
	offset := entry.offset
	parent := entry.parent
	hasParent := entry.hasParent

	if entry.state.exhausted {
		c.linkBeforeHead(idx, side)
		return buddyReleaseResult{kind: buddyReleaseNone}
	}

	if entry.state.readySide == side {
		panic("gpualloc: double free of buddy block")
	}

	next := entry.state.next
	prev := entry.state.prev
	if next == idx {
		c.readyHead = -1
	} else {
		nextEntry := c.pairs.GetPtr(next)
		nextEntry.state.prev = prev
		prevEntry := c.pairs.GetPtr(prev)
		prevEntry.state.next = next
		if c.readyHead == idx {
			c.readyHead = next
		}
	}
	c.pairs.Remove(idx)

	if hasParent {
		return buddyReleaseResult{kind: buddyReleaseParent, value: parent}
	}
	if offset != 0 {
		panic("gpualloc: buddy top-level pair has nonzero offset")
	}
	return buddyReleaseResult{kind: buddyReleaseChunk, value: chunkID}
}

// buddyChunk is one device memory object the BuddyAllocator has split into
// a tree of pairs.
type buddyChunk[M any] struct {
	memory     M
	hasBasePtr bool
	basePtr    uintptr
	size       uint64
}

// BuddyAllocator splits power-of-two chunks into a tree of buddy pairs,
// coalescing siblings back together on dealloc (spec.md §4.6). Lazily
// constructed per memory type by GpuAllocator.
type BuddyAllocator[M any] struct {
	minimalSize uint64
	chunks      *Slab[buddyChunk[M]]
	sizes       []*buddySizeClass
	memoryType  uint32
	props       MemoryPropertyFlags
	atomMask    uint64
	// mapMask is the caller's atom mask alone, without minimalSize-1 folded
	// in; it becomes MemoryBlock.mapMask.
	mapMask uint64
}

func newBuddyAllocator[M any](minimalSize, initialDedicatedSize uint64, memoryType uint32, props MemoryPropertyFlags, atomMask uint64) *BuddyAllocator[M] {
	if !isPowerOfTwo(minimalSize) {
		panic("gpualloc: buddy minimal size must be a power of two")
	}
	if !isPowerOfTwo(initialDedicatedSize) {
		panic("gpualloc: buddy initial dedicated size must be a power of two")
	}

	initialClasses := 0
	if log2(initialDedicatedSize) > log2(minimalSize) {
		initialClasses = int(log2(initialDedicatedSize) - log2(minimalSize))
	}
	sizes := make([]*buddySizeClass, initialClasses)
	for i := range sizes {
		sizes[i] = newBuddySizeClass()
	}

	return &BuddyAllocator[M]{
		minimalSize: minimalSize,
		chunks:      NewSlab[buddyChunk[M]](),
		sizes:       sizes,
		memoryType:  memoryType,
		props:       props,
		atomMask:    atomMask | (minimalSize - 1),
		mapMask:     atomMask,
	}
}

func (a *BuddyAllocator[M]) ensureSizeClass(index int) {
	for len(a.sizes) <= index {
		a.sizes = append(a.sizes, newBuddySizeClass())
	}
}

// Alloc returns a power-of-two-sized, power-of-two-aligned sub-block at
// least req.Size bytes long.
func (a *BuddyAllocator[M]) Alloc(device MemoryDevice[M], req Request, flags AllocationFlags, heap *heapState, q *deviceQuota) (MemoryBlock[M], error) {
	alignMask := req.AlignMask | a.atomMask

	aligned, ok := alignUp(req.Size, alignMask)
	if !ok {
		return MemoryBlock[M]{}, ErrOutOfDeviceMemory
	}
	size := nextPowerOfTwo(aligned)
	if size == 0 {
		return MemoryBlock[M]{}, ErrOutOfDeviceMemory
	}

	sizeIndex := int(log2(size) - log2(a.minimalSize))
	a.ensureSizeClass(sizeIndex)

	hostVisible := a.props.Has(MemoryPropertyHostVisible)

	var acquired buddySizeBlock
	acquiredClass := sizeIndex
	for {
		blockSize := a.minimalSize << uint(acquiredClass)
		if entry, ok := a.sizes[acquiredClass].acquire(blockSize); ok {
			acquired = entry
			break
		}

		if acquiredClass == len(a.sizes)-1 {
			if !q.tryAcquire() {
				return MemoryBlock[M]{}, ErrTooManyObjects
			}
			chunkSize := a.minimalSize << uint(acquiredClass+1)
			memory, err := device.AllocateMemory(chunkSize, a.memoryType, flags)
			if err != nil {
				q.release()
				return MemoryBlock[M]{}, translateAllocateError(err)
			}
			heap.alloc(chunkSize)

			chunk := buddyChunk[M]{memory: memory, size: chunkSize}
			if hostVisible {
				ptr, mapErr := device.MapMemory(memory, 0, chunkSize)
				if mapErr != nil {
					device.DeallocateMemory(memory)
					q.release()
					heap.dealloc(chunkSize)
					if dme, ok := mapErr.(DeviceMapError); ok && dme == DeviceMapOutOfDeviceMemory {
						return MemoryBlock[M]{}, ErrOutOfDeviceMemory
					}
					return MemoryBlock[M]{}, ErrOutOfHostMemory
				}
				chunk.hasBasePtr = true
				chunk.basePtr = ptr
			}

			chunkID := a.chunks.Insert(chunk)
			acquired = a.sizes[acquiredClass].addPairAndAcquireLeft(chunkID, 0, 0, false)
			break
		}

		acquiredClass++
		a.ensureSizeClass(acquiredClass)
	}

	for splitClass := acquiredClass - 1; splitClass >= sizeIndex; splitClass-- {
		acquired = a.sizes[splitClass].addPairAndAcquireLeft(acquired.chunkID, acquired.offset, acquired.index, true)
	}

	chunk, ok := a.chunks.Get(acquired.chunkID)
	if !ok {
		panic("gpualloc: buddy pair references unknown chunk")
	}

	block := MemoryBlock[M]{
		memoryType: a.memoryType,
		props:      a.props,
		memory:     chunk.memory,
		offset:     acquired.offset,
		size:       size,
		mapMask:    a.mapMask,
		flavor:     flavorBuddy,
		chunkID:    uint64(acquired.chunkID),
		nodeIndex:  uint64(acquired.index),
	}
	if chunk.hasBasePtr {
		block.hasBasePtr = true
		block.basePtr = chunk.basePtr + uintptr(acquired.offset)
	}
	return block, nil
}

// Dealloc releases block, coalescing buddies and ultimately the chunk back
// to the device when every block it contained has been freed.
func (a *BuddyAllocator[M]) Dealloc(device MemoryDevice[M], block MemoryBlock[M], heap *heapState, q *deviceQuota) {
	if !isPowerOfTwo(block.size) {
		panic("gpualloc: buddy block size is not a power of two")
	}
	sizeIndex := int(log2(block.size) - log2(a.minimalSize))

	releaseIndex := int(block.nodeIndex)
	releaseClass := sizeIndex
	for {
		result := a.sizes[releaseClass].release(releaseIndex)
		switch result.kind {
		case buddyReleaseParent:
			releaseClass++
			releaseIndex = result.value
		case buddyReleaseChunk:
			chunk := a.chunks.Remove(result.value)
			device.DeallocateMemory(chunk.memory)
			q.release()
			heap.dealloc(chunk.size)
			return
		case buddyReleaseNone:
			return
		}
	}
}
