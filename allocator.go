package gpualloc

// perTypeState holds the lazily-constructed Linear and Buddy sub-allocators
// for one memory type. Both start nil so a memory type that a caller never
// routes a Linear or Buddy request through pays nothing for it (spec.md
// §9, "Lazy per-type sub-allocators").
type perTypeState[M any] struct {
	linear *LinearAllocator[M]
	buddy  *BuddyAllocator[M]
}

// GpuAllocator is the top-level sub-allocator: it picks a strategy for
// each request, iterates candidate memory types, and dispatches to the
// Dedicated fast path or to the Linear/Buddy strategies. Not safe for
// concurrent use — the caller serializes access, exactly as this
// package's doc comment states.
type GpuAllocator[M any] struct {
	config  Config
	props   DeviceProperties
	heaps   []heapState
	quota   *deviceQuota
	usage   *memoryForUsage
	perType []perTypeState[M]
}

// NewGpuAllocator builds an allocator over the given device snapshot.
// Config's thresholds are clamped here so preferred <= dedicated <=
// transient <= max_memory_allocation_size: this guarantees a request
// larger than any single device object can produce always selects the
// Dedicated strategy and fails cleanly on size, rather than being handed
// to Linear/Buddy where it would violate their chunk-size precondition.
func NewGpuAllocator[M any](config Config, props DeviceProperties) *GpuAllocator[M] {
	if !isPowerOfTwo(props.NonCoherentAtomSize) {
		panic("gpualloc: non-coherent atom size must be a power of two")
	}

	maxSize := props.MaxMemoryAllocationSize

	dedicated := min64(config.DedicatedThreshold, maxSize)
	preferred := min64(config.PreferredDedicatedThreshold, dedicated)
	transient := config.TransientDedicatedThreshold
	transient = max64(transient, dedicated)
	transient = min64(transient, maxSize)

	config.DedicatedThreshold = dedicated
	config.PreferredDedicatedThreshold = preferred
	config.TransientDedicatedThreshold = transient

	heaps := make([]heapState, len(props.MemoryHeaps))
	for i, h := range props.MemoryHeaps {
		heaps[i] = heapState{total: h.Size}
	}

	return &GpuAllocator[M]{
		config:  config,
		props:   props,
		heaps:   heaps,
		quota:   newDeviceQuota(props.MaxMemoryAllocationCount),
		usage:   newMemoryForUsage(props.MemoryTypes),
		perType: make([]perTypeState[M], len(props.MemoryTypes)),
	}
}

// Alloc satisfies req by choosing a strategy automatically (spec.md §4.3).
func (g *GpuAllocator[M]) Alloc(device MemoryDevice[M], req Request) (MemoryBlock[M], error) {
	return g.allocInternal(device, req, nil)
}

// AllocWithStrategy satisfies req using the given strategy override instead
// of automatic selection.
func (g *GpuAllocator[M]) AllocWithStrategy(device MemoryDevice[M], req Request, strategy Strategy) (MemoryBlock[M], error) {
	return g.allocInternal(device, req, &strategy)
}

func (g *GpuAllocator[M]) allocInternal(device MemoryDevice[M], req Request, override *Strategy) (MemoryBlock[M], error) {
	if req.Size == 0 {
		return MemoryBlock[M]{}, errInvalidRequest
	}

	usage := withImplicitUsageFlags(req.Usage)
	if usage.Contains(UsageDeviceAddress) && !g.props.BufferDeviceAddress {
		panic("gpualloc: DEVICE_ADDRESS requested but device does not support buffer device address")
	}

	compatMask := g.usage.Mask(usage)
	if compatMask&req.MemoryTypes == 0 {
		return MemoryBlock[M]{}, ErrNoCompatibleMemoryTypes
	}

	strategy := g.chooseStrategy(req, usage)
	if override != nil {
		strategy = g.resolveOverride(*override, req, usage)
	}

	if strategy == StrategyDedicated && g.quota.remaining == 0 {
		return MemoryBlock[M]{}, ErrTooManyObjects
	}

	var flags AllocationFlags
	if usage.Contains(UsageDeviceAddress) {
		flags = AllocationFlagDeviceAddress
	}

	priority := g.usage.Priority(usage)
	for _, typeIndex := range priority {
		if req.MemoryTypes&(1<<typeIndex) == 0 {
			continue
		}

		Logger().Debug("gpualloc: trying memory type", "memoryType", typeIndex, "strategy", strategy)

		memType := g.props.MemoryTypes[typeIndex]
		heap := &g.heaps[memType.HeapIndex]
		mapMask := uint64(0)
		if hostVisibleNonCoherent(memType.Properties) {
			mapMask = g.props.NonCoherentAtomSize - 1
		}

		var block MemoryBlock[M]
		var err error
		switch strategy {
		case StrategyDedicated:
			block, err = g.allocDedicated(device, req, typeIndex, memType, heap, mapMask, flags)
		case StrategyLinear:
			block, err = g.allocLinear(device, req, usage, typeIndex, memType, heap, flags)
		case StrategyBuddy:
			block, err = g.allocBuddy(device, req, typeIndex, memType, heap, flags)
		default:
			panic("gpualloc: unresolved allocation strategy")
		}

		if err == nil {
			return block, nil
		}
		if aerr, ok := err.(AllocationError); ok && aerr == ErrOutOfDeviceMemory {
			Logger().Debug("gpualloc: memory type exhausted, trying next", "memoryType", typeIndex)
			continue
		}
		return MemoryBlock[M]{}, err
	}

	return MemoryBlock[M]{}, ErrOutOfDeviceMemory
}

// chooseStrategy implements the automatic strategy-selection ladder from
// spec.md §4.3.
func (g *GpuAllocator[M]) chooseStrategy(req Request, usage UsageFlags) Strategy {
	switch req.Dedicated {
	case DedicatedRequired:
		return StrategyDedicated
	case DedicatedPreferred:
		if req.Size >= g.config.PreferredDedicatedThreshold && g.quota.remaining > 0 {
			return StrategyDedicated
		}
	}

	if usage.Contains(UsageTransient) {
		if req.Size > g.config.TransientDedicatedThreshold && g.quota.remaining > 0 {
			return StrategyDedicated
		}
		return StrategyLinear
	}

	if req.Size > g.config.DedicatedThreshold && g.quota.remaining > 0 {
		return StrategyDedicated
	}
	return StrategyBuddy
}

// resolveOverride honors an explicit AllocWithStrategy choice.
// StrategyPreferDedicated behaves like DedicatedPreferred above and falls
// back to automatic selection when the threshold or quota don't allow it.
func (g *GpuAllocator[M]) resolveOverride(strategy Strategy, req Request, usage UsageFlags) Strategy {
	switch strategy {
	case StrategyPreferDedicated:
		if req.Size >= g.config.PreferredDedicatedThreshold && g.quota.remaining > 0 {
			return StrategyDedicated
		}
		return g.chooseStrategy(req, usage)
	case StrategyLinear, StrategyBuddy, StrategyDedicated:
		return strategy
	default:
		panic("gpualloc: unknown strategy override")
	}
}

func (g *GpuAllocator[M]) allocDedicated(device MemoryDevice[M], req Request, typeIndex uint32, memType MemoryType, heap *heapState, mapMask uint64, flags AllocationFlags) (MemoryBlock[M], error) {
	if heap.budget() < req.Size {
		return MemoryBlock[M]{}, ErrOutOfDeviceMemory
	}
	if !g.quota.tryAcquire() {
		return MemoryBlock[M]{}, ErrTooManyObjects
	}
	memory, err := device.AllocateMemory(req.Size, typeIndex, flags)
	if err != nil {
		g.quota.release()
		return MemoryBlock[M]{}, translateAllocateError(err)
	}
	heap.alloc(req.Size)

	return MemoryBlock[M]{
		memoryType: typeIndex,
		props:      memType.Properties,
		memory:     memory,
		offset:     0,
		size:       req.Size,
		mapMask:    mapMask,
		flavor:     flavorDedicated,
	}, nil
}

// linearFor returns (lazily constructing on first use) the Linear
// sub-allocator for typeIndex, with its chunk size capped at
// heap.total/32 per SPEC_FULL.md §4.
func (g *GpuAllocator[M]) linearFor(typeIndex uint32, memType MemoryType, heap *heapState) *LinearAllocator[M] {
	st := &g.perType[typeIndex]
	if st.linear == nil {
		chunkSize := min64(g.config.LinearChunk, heap.total/32)
		if chunkSize == 0 {
			chunkSize = heap.total
		}
		atomMask := uint64(0)
		if hostVisibleNonCoherent(memType.Properties) {
			atomMask = g.props.NonCoherentAtomSize - 1
		}
		st.linear = newLinearAllocator[M](chunkSize, typeIndex, memType.Properties, atomMask)
	}
	return st.linear
}

func (g *GpuAllocator[M]) allocLinear(device MemoryDevice[M], req Request, usage UsageFlags, typeIndex uint32, memType MemoryType, heap *heapState, flags AllocationFlags) (MemoryBlock[M], error) {
	linear := g.linearFor(typeIndex, memType, heap)
	if req.Size > linear.chunkSize {
		return MemoryBlock[M]{}, ErrOutOfDeviceMemory
	}
	linearReq := req
	linearReq.Usage = usage
	return linear.Alloc(device, linearReq, flags, heap, g.quota)
}

// buddyFor returns (lazily constructing on first use) the Buddy
// sub-allocator for typeIndex, with minimal block size capped at
// heap.total/1024 and initial chunk size at heap.total/32, both rounded
// down to a power of two, per SPEC_FULL.md §4.
func (g *GpuAllocator[M]) buddyFor(typeIndex uint32, memType MemoryType, heap *heapState) *BuddyAllocator[M] {
	st := &g.perType[typeIndex]
	if st.buddy == nil {
		minimalSize := floorPowerOfTwo(min64(g.config.MinimalBuddySize, max64(heap.total/1024, 1)))
		if minimalSize == 0 {
			minimalSize = 1
		}
		initialSize := floorPowerOfTwo(min64(g.config.InitialBuddyDedicatedSize, max64(heap.total/32, minimalSize)))
		if initialSize < minimalSize {
			initialSize = minimalSize
		}
		atomMask := uint64(0)
		if hostVisibleNonCoherent(memType.Properties) {
			atomMask = g.props.NonCoherentAtomSize - 1
		}
		st.buddy = newBuddyAllocator[M](minimalSize, initialSize, typeIndex, memType.Properties, atomMask)
	}
	return st.buddy
}

func (g *GpuAllocator[M]) allocBuddy(device MemoryDevice[M], req Request, typeIndex uint32, memType MemoryType, heap *heapState, flags AllocationFlags) (MemoryBlock[M], error) {
	buddy := g.buddyFor(typeIndex, memType, heap)
	return buddy.Alloc(device, req, flags, heap, g.quota)
}

// Dealloc returns block — previously produced by Alloc/AllocWithStrategy on
// this same allocator — to its owning strategy.
func (g *GpuAllocator[M]) Dealloc(device MemoryDevice[M], block MemoryBlock[M]) {
	heap := &g.heaps[g.props.MemoryTypes[block.memoryType].HeapIndex]
	switch block.flavor {
	case flavorDedicated:
		device.DeallocateMemory(block.memory)
		g.quota.release()
		heap.dealloc(block.size)
	case flavorLinear:
		st := &g.perType[block.memoryType]
		if st.linear == nil {
			panic("gpualloc: dealloc of linear block against a memory type with no linear allocator")
		}
		st.linear.Dealloc(device, block, heap, g.quota)
	case flavorBuddy:
		st := &g.perType[block.memoryType]
		if st.buddy == nil {
			panic("gpualloc: dealloc of buddy block against a memory type with no buddy allocator")
		}
		st.buddy.Dealloc(device, block, heap, g.quota)
	default:
		panic("gpualloc: memory block has unknown flavor")
	}
}
