package gpualloc

import "sort"

// usageCombos is the number of distinct raw UsageFlags bit patterns this
// package defines (6 flags), so a precomputed table indexed directly by
// the usage value needs exactly this many slots.
const usageCombos = 1 << 6

// memoryForUsage holds, for every possible UsageFlags value, the ordered
// list of memory-type indices that satisfy it (most preferred first) and
// the bitset of those indices. Built once at GpuAllocator construction
// from DeviceProperties.MemoryTypes (spec.md §4.2).
type memoryForUsage struct {
	priority [usageCombos][]uint32
	mask     [usageCombos]uint32
}

// Scoring weights used to order candidate memory types for a given usage.
// Larger weight means stronger preference; these are not spec-mandated
// numbers, only a total order consistent with §4.2's per-bit rules.
const (
	weightDownloadCached    = 1000
	weightTransientLazy     = 200
	weightFastDeviceLocal   = 100
	weightUploadDeviceLocal = 100
	weightHostCoherent      = 20
	weightUploadCoherent    = 10
	weightFastHostVisible   = -1
)

func newMemoryForUsage(types []MemoryType) *memoryForUsage {
	m := &memoryForUsage{}
	for usage := 0; usage < usageCombos; usage++ {
		u := UsageFlags(usage)
		var candidates []uint32
		var mask uint32
		for i, t := range types {
			if !memoryTypeSatisfies(u, t.Properties) {
				continue
			}
			candidates = append(candidates, uint32(i))
			mask |= 1 << uint32(i)
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			sa := scoreMemoryType(u, types[candidates[a]].Properties)
			sb := scoreMemoryType(u, types[candidates[b]].Properties)
			return sa > sb
		})
		m.priority[usage] = candidates
		m.mask[usage] = mask
	}
	return m
}

// memoryTypeSatisfies reports whether props meets the hard requirements
// implied by usage (HOST_VISIBLE for HOST_ACCESS/UPLOAD/DOWNLOAD).
func memoryTypeSatisfies(usage UsageFlags, props MemoryPropertyFlags) bool {
	if usage.Intersects(UsageHostAccess|UsageUpload|UsageDownload) && !props.Has(MemoryPropertyHostVisible) {
		return false
	}
	return true
}

// scoreMemoryType ranks a compatible memory type for the given usage; higher
// is more preferred.
func scoreMemoryType(usage UsageFlags, props MemoryPropertyFlags) int {
	score := 0
	if usage.Contains(UsageFastDeviceAccess) {
		if props.Has(MemoryPropertyDeviceLocal) {
			score += weightFastDeviceLocal
		}
		if props.Has(MemoryPropertyHostVisible) {
			score += weightFastHostVisible
		}
	}
	if usage.Contains(UsageHostAccess) {
		if props.Has(MemoryPropertyHostCoherent) {
			score += weightHostCoherent
		}
	}
	if usage.Contains(UsageUpload) {
		if props.Has(MemoryPropertyDeviceLocal) {
			score += weightUploadDeviceLocal
		}
		if props.Has(MemoryPropertyHostCoherent) {
			score += weightUploadCoherent
		}
	}
	if usage.Contains(UsageDownload) {
		if props.Has(MemoryPropertyHostCached) {
			score += weightDownloadCached
		}
	}
	if usage.Contains(UsageTransient) {
		if props.Has(MemoryPropertyLazilyAllocated) {
			score += weightTransientLazy
		}
	}
	return score
}

// Mask returns the bitset of memory-type indices compatible with usage.
func (m *memoryForUsage) Mask(usage UsageFlags) uint32 {
	return m.mask[usage&(usageCombos-1)]
}

// Priority returns the ordered (most-preferred-first) list of memory-type
// indices compatible with usage.
func (m *memoryForUsage) Priority(usage UsageFlags) []uint32 {
	return m.priority[usage&(usageCombos-1)]
}
