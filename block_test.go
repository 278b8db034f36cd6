package gpualloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMemoryBlockDedicatedWriteReadRoundTrip(t *testing.T) {
	dev := newMockDevice()
	memory, err := dev.AllocateMemory(4096, 0, 0)
	require.NoError(t, err)

	block := MemoryBlock[uint64]{
		memory: memory,
		size:   4096,
		flavor: flavorDedicated,
	}

	payload := []byte("gpu memory sub-allocator")
	require.NoError(t, block.WriteBytes(dev, 64, payload))

	out := make([]byte, len(payload))
	require.NoError(t, block.ReadBytes(dev, 64, out))
	require.Equal(t, payload, out)
}

func TestMemoryBlockNonCoherentFlushRangeIsAtomAligned(t *testing.T) {
	dev := newMockDevice()
	memory, err := dev.AllocateMemory(4096, 0, 0)
	require.NoError(t, err)

	const atomSize = 256
	block := MemoryBlock[uint64]{
		memory:  memory,
		size:    4096,
		flavor:  flavorDedicated,
		mapMask: atomSize - 1,
		props:   MemoryPropertyHostVisible,
	}

	require.NoError(t, block.WriteBytes(dev, 10, []byte{1, 2, 3}))
	// Bytes [10, 13) widen to the one atom that holds them: [0, 256).
	require.Equal(t, []MappedMemoryRange[uint64]{{Memory: memory, Offset: 0, Size: atomSize}}, dev.flushed)
}

func TestMemoryBlockDoubleMapPanics(t *testing.T) {
	dev := newMockDevice()
	memory, err := dev.AllocateMemory(4096, 0, 0)
	require.NoError(t, err)

	block := MemoryBlock[uint64]{memory: memory, size: 4096, flavor: flavorDedicated}

	_, err = block.Map(dev, 0, 128)
	require.NoError(t, err)

	require.Panics(t, func() {
		block.Map(dev, 0, 128)
	})
}

func TestMemoryBlockUnmapWithoutMapPanics(t *testing.T) {
	dev := newMockDevice()
	memory, err := dev.AllocateMemory(4096, 0, 0)
	require.NoError(t, err)
	block := MemoryBlock[uint64]{memory: memory, size: 4096, flavor: flavorDedicated}

	require.Panics(t, func() {
		block.Unmap(dev)
	})
}

func TestMemoryBlockLinearFlavorUsesBasePtrWithoutDeviceMap(t *testing.T) {
	buf := make([]byte, 4096)
	base := uintptr(unsafe.Pointer(&buf[0]))

	// A Linear/Buddy block never calls MapMemory/UnmapMemory on the device;
	// it reads straight through the chunk's permanent host mapping. Use a
	// device with no registered objects to prove that.
	dev := newMockDevice()

	block := MemoryBlock[uint64]{
		size:       4096,
		flavor:     flavorLinear,
		hasBasePtr: true,
		basePtr:    base,
		props:      MemoryPropertyHostVisible | MemoryPropertyHostCoherent,
	}

	require.NoError(t, block.WriteBytes(dev, 0, []byte("hello")))
	require.Equal(t, []byte("hello"), buf[:5])

	out := make([]byte, 5)
	require.NoError(t, block.ReadBytes(dev, 0, out))
	require.Equal(t, []byte("hello"), out)
}

func TestMemoryBlockMapRangeOutOfBoundsPanics(t *testing.T) {
	dev := newMockDevice()
	memory, err := dev.AllocateMemory(64, 0, 0)
	require.NoError(t, err)
	block := MemoryBlock[uint64]{memory: memory, size: 64, flavor: flavorDedicated}

	require.Panics(t, func() {
		block.Map(dev, 32, 64)
	})
}

func TestMemoryBlockNonHostVisibleChunkReturnsErrNonHostVisible(t *testing.T) {
	dev := newMockDevice()
	block := MemoryBlock[uint64]{
		size:       4096,
		flavor:     flavorBuddy,
		hasBasePtr: false,
	}

	_, err := block.Map(dev, 0, 64)
	require.Equal(t, ErrNonHostVisible, err)
}
