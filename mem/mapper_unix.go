//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

// MmapMapper maps regions as anonymous private memory.
type MmapMapper struct{}

func (MmapMapper) MapRegion(size uint64) ([]byte, error) {
	if size == 0 || size%RegionSize != 0 {
		return nil, errBadRegionSize
	}
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func (MmapMapper) UnmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}

// DefaultMapper returns the mapper used when none is configured.
func DefaultMapper() Mapper {
	return MmapMapper{}
}
