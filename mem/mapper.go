package mem

import (
	"errors"
	"unsafe"
)

// Mapper provides the memory backing regions.
type Mapper interface {
	// MapRegion returns size bytes of zeroed, word aligned memory.
	MapRegion(size uint64) ([]byte, error)
	// UnmapRegion releases memory returned by MapRegion.
	UnmapRegion(mem []byte) error
}

var errBadRegionSize = errors.New("region size is not a multiple of the region unit")

// SliceMapper backs regions with memory from the Go heap.
type SliceMapper struct{}

// MapRegion allocates the region as a word slice so that it is aligned for
// atomic access.
func (SliceMapper) MapRegion(size uint64) ([]byte, error) {
	if size == 0 || size%RegionSize != 0 {
		return nil, errBadRegionSize
	}
	words := make([]uint64, size/WordSize)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

// UnmapRegion drops the reference; the Go collector frees it.
func (SliceMapper) UnmapRegion(mem []byte) error {
	return nil
}

func wordsOf(mem []byte) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), len(mem)/WordSize)
}
