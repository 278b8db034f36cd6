package gpualloc

import "unsafe"

// mockObject is one simulated device memory object. data backs host-visible
// mappings so write_bytes/read_bytes round trips can be exercised without a
// real driver.
type mockObject struct {
	size   uint64
	data   []byte
	mapped bool
}

// mockDevice is a MemoryDevice[uint64] backed by plain Go slices, used
// throughout this package's tests in place of a real driver.
type mockDevice struct {
	nextHandle  uint64
	objects     map[uint64]*mockObject
	failMapType map[uint32]DeviceMapError
	// flushed records every range passed to FlushMemoryRanges, in order.
	flushed []MappedMemoryRange[uint64]
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		objects:     make(map[uint64]*mockObject),
		failMapType: make(map[uint32]DeviceMapError),
	}
}

func (d *mockDevice) AllocateMemory(size uint64, memoryTypeIndex uint32, flags AllocationFlags) (uint64, error) {
	d.nextHandle++
	h := d.nextHandle
	buf := size
	if buf == 0 {
		buf = 1
	}
	d.objects[h] = &mockObject{size: size, data: make([]byte, buf)}
	return h, nil
}

func (d *mockDevice) DeallocateMemory(memory uint64) {
	if _, ok := d.objects[memory]; !ok {
		panic("mockDevice: deallocate of unknown object")
	}
	delete(d.objects, memory)
}

func (d *mockDevice) MapMemory(memory uint64, offset, size uint64) (uintptr, error) {
	obj, ok := d.objects[memory]
	if !ok {
		panic("mockDevice: map of unknown object")
	}
	if obj.mapped {
		panic("mockDevice: double map of device object")
	}
	obj.mapped = true
	return uintptr(unsafe.Pointer(&obj.data[0])) + uintptr(offset), nil
}

func (d *mockDevice) UnmapMemory(memory uint64) {
	obj, ok := d.objects[memory]
	if !ok {
		panic("mockDevice: unmap of unknown object")
	}
	obj.mapped = false
}

func (d *mockDevice) InvalidateMemoryRanges(ranges []MappedMemoryRange[uint64]) error {
	return nil
}

func (d *mockDevice) FlushMemoryRanges(ranges []MappedMemoryRange[uint64]) error {
	d.flushed = append(d.flushed, ranges...)
	return nil
}

// liveObjectCount reports how many device objects are currently allocated,
// used by tests to check quota/refcount bookkeeping end to end.
func (d *mockDevice) liveObjectCount() int {
	return len(d.objects)
}
