package gpualloc

// heapState tracks budget accounting for one device memory heap. Mirrors
// DeviceProperties.MemoryHeaps[i] plus the mutable counters the allocator
// maintains on top of it.
//
// Invariant: used <= total, and used == cumulativeAllocated -
// cumulativeDeallocated at every quiescent point (spec.md §8, universal
// invariant 1).
type heapState struct {
	total               uint64
	used                uint64
	cumulativeAllocated uint64
	cumulativeDeallocated uint64
}

// budget returns the remaining bytes available on this heap.
func (h *heapState) budget() uint64 {
	return h.total - h.used
}

// alloc records size bytes charged against this heap. It does not check
// size against h.budget(). The Dedicated path checks the budget before
// calling; Linear and Buddy chunk creation do not, and rely on the device
// refusing an allocation that does not fit.
func (h *heapState) alloc(size uint64) {
	h.used += size
	h.cumulativeAllocated += size
}

// dealloc records size bytes released from this heap.
func (h *heapState) dealloc(size uint64) {
	h.used -= size
	h.cumulativeDeallocated += size
}
