package mem

import (
	"sync/atomic"
)

// SemiSpaceParams controls how a semi space resizes between collections.
type SemiSpaceParams struct {
	GrowSurvivalRate   float64
	ShrinkSurvivalRate float64
	GrowingFactor      float64
}

// SemiSpace is one half of the young generation. Allocation bumps the top of
// the current region with a CAS; a new region is added under the lock when
// the current one is full.
type SemiSpace struct {
	spaceBase
	params SemiSpaceParams

	minimumCapacity uint64
	current         atomic.Pointer[Region]

	// survivedSize is the object size recorded by SetWaterLine.
	survivedSize atomic.Uint64
}

var _ Space = (*SemiSpace)(nil)

// NewSemiSpace creates an empty semi space.
func NewSemiSpace(as *AddressSpace, initial, maximum uint64, params SemiSpaceParams) *SemiSpace {
	s := &SemiSpace{params: params, minimumCapacity: initial}
	s.init(as, SemiSpaceType, initial, maximum)
	return s
}

// MinimumCapacity returns the capacity the space never shrinks below.
func (s *SemiSpace) MinimumCapacity() uint64 { return s.minimumCapacity }

// Allocate allocates size bytes.
func (s *SemiSpace) Allocate(size uint64) (Address, error) {
	return s.allocate(size, false)
}

// AllocateForGC allocates during evacuation. The capacity limit does not
// apply: survivors must always find room.
func (s *SemiSpace) AllocateForGC(size uint64) (Address, error) {
	return s.allocate(size, true)
}

func (s *SemiSpace) allocate(size uint64, forGC bool) (Address, error) {
	if size > MaxRegularObjectSize {
		return Null, ErrObjectTooLarge
	}
	if r := s.current.Load(); r != nil {
		if addr := r.Allocate(size); addr != Null {
			return addr, nil
		}
	}
	r, err := s.expand(size, forGC)
	if err != nil {
		return Null, err
	}
	if addr := r.Allocate(size); addr != Null {
		return addr, nil
	}
	return Null, ErrAllocationFailure
}

// allocateChunk hands out a TLAB chunk of between min and max bytes.
func (s *SemiSpace) allocateChunk(min, max uint64, forGC bool) (Address, uint64, error) {
	if r := s.current.Load(); r != nil {
		if addr, n := r.AllocateUpTo(min, max); addr != Null {
			return addr, n, nil
		}
	}
	r, err := s.expand(min, forGC)
	if err != nil {
		return Null, 0, err
	}
	if addr, n := r.AllocateUpTo(min, max); addr != Null {
		return addr, n, nil
	}
	return Null, 0, ErrAllocationFailure
}

// expand returns a current region with at least need bytes of room, adding a
// region if needed.
func (s *SemiSpace) expand(need uint64, forGC bool) (*Region, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	cur := s.current.Load()
	if cur != nil && uint64(cur.End()-cur.Top()) >= need {
		// Another thread expanded the space in the meantime.
		return cur, nil
	}
	if !forGC && s.committed.Load()+RegionSize > s.limit(true) {
		return nil, ErrAllocationFailure
	}
	r, err := s.expandLocked(1)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		cur.Close()
	}
	s.current.Store(r)
	return r, nil
}

// Reset releases every region.
func (s *SemiSpace) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current.Store(nil)
	s.releaseAllLocked()
	s.survivedSize.Store(0)
}

// Destroy releases every region.
func (s *SemiSpace) Destroy() { s.Reset() }

// HeapObjectSize returns the number of allocated bytes.
func (s *SemiSpace) HeapObjectSize() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return allocatedBytes(s.regions)
}

// SetWaterLine records the top of every region. Objects below it survived the
// collection that just finished and are promoted by the next one.
func (s *SemiSpace) SetWaterLine() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, r := range s.regions {
		r.SetWaterLine()
	}
	s.survivedSize.Store(allocatedBytes(s.regions))
}

// SurvivedSize returns the size recorded by the last SetWaterLine.
func (s *SemiSpace) SurvivedSize() uint64 { return s.survivedSize.Load() }

// AllocatedSizeSinceGC returns the bytes allocated since SetWaterLine.
func (s *SemiSpace) AllocatedSizeSinceGC() uint64 {
	size, survived := s.HeapObjectSize(), s.survivedSize.Load()
	if size < survived {
		return 0
	}
	return size - survived
}

// AdjustCapacity grows or shrinks the initial capacity according to the
// survival rate of the last cycle. It reports whether the capacity changed.
func (s *SemiSpace) AdjustCapacity(allocatedSinceGC uint64) bool {
	initial := s.InitialCapacity()
	p := s.params
	if float64(allocatedSinceGC) <= float64(initial)*p.GrowSurvivalRate/p.GrowingFactor {
		return false
	}
	survived := float64(s.survivedSize.Load())
	survivalRate := survived / float64(allocatedSinceGC)
	initialRate := survived / float64(initial)
	switch {
	case survivalRate > p.GrowSurvivalRate || initialRate > p.GrowSurvivalRate:
		if initial >= s.MaximumCapacity() {
			return false
		}
		s.SetInitialCapacity(min(uint64(float64(initial)*p.GrowingFactor), s.MaximumCapacity()))
		return true
	case survivalRate < p.ShrinkSurvivalRate:
		if initial <= s.minimumCapacity {
			return false
		}
		s.SetInitialCapacity(max(uint64(float64(initial)/p.GrowingFactor), s.minimumCapacity))
		return true
	}
	return false
}
