// Package gpualloc is a backend-agnostic sub-allocator for GPU device memory
// objects, modeled after the allocation interface of Vulkan-class graphics
// APIs.
//
// # Why sub-allocate
//
// Vulkan-class APIs expose memory as a small, fixed-count population of
// opaque device memory objects drawn from heterogeneous heaps. Allocating
// one device object per GPU resource exhausts the platform's hard cap on
// outstanding allocations (often <= 4096) and incurs per-object driver
// latency. gpualloc pools a small number of large device allocations and
// hands out sub-ranges (MemoryBlock) to callers, tracking ownership, heap
// budgets, alignment, mapping state, and host-coherence semantics.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────┐
//	│                      GpuAllocator                          │
//	│   (strategy choice, memory-type iteration, heap gating)    │
//	├─────────────────────────┬───────────────────┬─────────────┤
//	│      LinearAllocator    │   BuddyAllocator   │  Dedicated  │
//	│  (bump chunks, FIFO)    │ (power-of-2 split/ │  (1:1 with  │
//	│                         │  coalesce)         │  device obj)│
//	├─────────────────────────┴───────────────────┴─────────────┤
//	│                       MemoryDevice                         │
//	│        (injected capability: allocate/map/flush/...)       │
//	└─────────────────────────────────────────────────────────────┘
//
// # Usage
//
// Construct DeviceProperties describing the device's memory types and
// heaps, then create a GpuAllocator and use it for all device memory
// allocations:
//
//	a := gpualloc.NewGpuAllocator[vk.DeviceMemory](gpualloc.DefaultConfig(), props)
//	block, err := a.Alloc(device, gpualloc.Request{
//		Size:         bufferSize,
//		AlignMask:    alignment - 1,
//		Usage:        gpualloc.UsageHostAccess | gpualloc.UsageUpload,
//		MemoryTypes:  requirements.MemoryTypeBits,
//	})
//	// ... use block.Memory(), block.Offset(), block.Size() to bind a resource
//	a.Dealloc(device, block)
//
// # Thread safety
//
// A GpuAllocator instance is not safe for concurrent use; the caller is
// expected to serialize access (typically with an external mutex), exactly
// as Vulkan command recording itself must be externally synchronized. The
// MemoryDevice implementation supplied by the caller may perform blocking
// driver calls; gpualloc itself never blocks or spawns goroutines.
//
// # Logging
//
// By default gpualloc is silent. Call SetLogger to route its diagnostics
// (memory-type fallback, chunk-mapping failures) through an application's
// own *slog.Logger.
package gpualloc
