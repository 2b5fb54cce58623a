package mem

// LinearSpace is a bump space whose objects are never moved or collected:
// read-only, snapshot and app-spawn spaces.
type LinearSpace struct {
	spaceBase
	current *Region
}

var _ Space = (*LinearSpace)(nil)

// NewLinearSpace creates an empty linear space of the given type.
func NewLinearSpace(as *AddressSpace, typ SpaceType, initial, maximum uint64) *LinearSpace {
	s := &LinearSpace{}
	s.init(as, typ, initial, maximum)
	return s
}

// Allocate bumps size bytes, adding a region when the current one is full.
func (s *LinearSpace) Allocate(size uint64) (Address, error) {
	if size > MaxRegularObjectSize {
		return Null, ErrObjectTooLarge
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		if addr := s.current.Allocate(size); addr != Null {
			return addr, nil
		}
	}
	if s.committed.Load()+RegionSize > s.limit(false) {
		return Null, ErrAllocationFailure
	}
	r, err := s.expandLocked(1)
	if err != nil {
		return Null, err
	}
	if s.current != nil {
		s.current.Close()
	}
	s.current = r
	return r.Allocate(size), nil
}

// HeapObjectSize returns the allocated bytes.
func (s *LinearSpace) HeapObjectSize() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return allocatedBytes(s.regions)
}

// AdoptRegions takes over regions from another space, for example the old
// space before a fork. The regions must be walkable.
func (s *LinearSpace) AdoptRegions(regions []*Region) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.adoptLocked(regions)
	if committed := s.committed.Load(); committed > s.MaximumCapacity() {
		s.SetMaximumCapacity(committed)
	}
}

// Reset releases every region.
func (s *LinearSpace) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = nil
	s.releaseAllLocked()
}

// Destroy releases every region.
func (s *LinearSpace) Destroy() { s.Reset() }
