package mem

// HugeSpace holds objects larger than MaxRegularObjectSize, one region per
// object. Dead objects are reclaimed by releasing their region.
type HugeSpace struct {
	spaceBase
}

var _ Space = (*HugeSpace)(nil)

// NewHugeSpace creates an empty huge object space of the given type.
func NewHugeSpace(as *AddressSpace, typ SpaceType, initial, maximum uint64) *HugeSpace {
	s := &HugeSpace{}
	s.init(as, typ, initial, maximum)
	return s
}

// RegionUnits returns the number of region units an object of size bytes
// needs.
func RegionUnits(size uint64) int {
	return int((size + RegionSize - 1) / RegionSize)
}

// Allocate maps a dedicated region for an object of size bytes.
func (s *HugeSpace) Allocate(size uint64) (Address, error) {
	units := RegionUnits(size)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.committed.Load()+uint64(units)*RegionSize > s.limit(false) {
		return Null, ErrAllocationFailure
	}
	r, err := s.expandLocked(units)
	if err != nil {
		return Null, err
	}
	return r.Allocate(size), nil
}

// HeapObjectSize returns the size of all objects in the space.
func (s *HugeSpace) HeapObjectSize() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return allocatedBytes(s.regions)
}

// Sweep releases the regions of unmarked objects and returns the number of
// bytes freed.
func (s *HugeSpace) Sweep() (freed uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := 0; i < len(s.regions); {
		r := s.regions[i]
		if r.IsMarked(r.Base()) {
			i++
			continue
		}
		freed += r.AllocatedBytes()
		s.removeLocked(r)
	}
	return freed
}

// Reset releases every region.
func (s *HugeSpace) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.releaseAllLocked()
}

// Destroy releases every region.
func (s *HugeSpace) Destroy() { s.Reset() }
