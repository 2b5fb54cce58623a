package mem

import (
	"sync"
	"sync/atomic"
)

// Space is a set of regions objects are allocated from.
type Space interface {
	Type() SpaceType
	Allocate(size uint64) (Address, error)
	Reset()
	Destroy()

	InitialCapacity() uint64
	SetInitialCapacity(size uint64)
	MaximumCapacity() uint64
	SetMaximumCapacity(size uint64)
	CommittedSize() uint64
	HeapObjectSize() uint64

	OvershootSize() uint64
	IncreaseOvershootSize(size uint64)
	DecreaseOvershootSize(size uint64)
	ResetOvershootSize()

	RegionCount() int
	EnumerateRegions(fn func(r *Region))
	IterateOverObjects(fn func(obj Address))
}

// spaceBase holds what every space has: its regions, capacities and sizes.
type spaceBase struct {
	typ SpaceType
	as  *AddressSpace

	lock    sync.Mutex
	regions []*Region

	initialCapacity atomic.Uint64
	maximumCapacity atomic.Uint64
	committed       atomic.Uint64
	overshoot       atomic.Uint64
}

func (s *spaceBase) init(as *AddressSpace, typ SpaceType, initial, maximum uint64) {
	s.as = as
	s.typ = typ
	s.initialCapacity.Store(initial)
	s.maximumCapacity.Store(maximum)
}

func (s *spaceBase) Type() SpaceType { return s.typ }

func (s *spaceBase) InitialCapacity() uint64 { return s.initialCapacity.Load() }

func (s *spaceBase) SetInitialCapacity(size uint64) { s.initialCapacity.Store(size) }

func (s *spaceBase) MaximumCapacity() uint64 { return s.maximumCapacity.Load() }

func (s *spaceBase) SetMaximumCapacity(size uint64) { s.maximumCapacity.Store(size) }

func (s *spaceBase) CommittedSize() uint64 { return s.committed.Load() }

func (s *spaceBase) OvershootSize() uint64 { return s.overshoot.Load() }

func (s *spaceBase) IncreaseOvershootSize(size uint64) { s.overshoot.Add(size) }

func (s *spaceBase) DecreaseOvershootSize(size uint64) {
	for {
		cur := s.overshoot.Load()
		next := uint64(0)
		if cur > size {
			next = cur - size
		}
		if s.overshoot.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (s *spaceBase) ResetOvershootSize() { s.overshoot.Store(0) }

func (s *spaceBase) RegionCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.regions)
}

// EnumerateRegions calls fn for a snapshot of the regions. fn may call back
// into the space.
func (s *spaceBase) EnumerateRegions(fn func(r *Region)) {
	s.lock.Lock()
	regions := append([]*Region(nil), s.regions...)
	s.lock.Unlock()
	for _, r := range regions {
		fn(r)
	}
}

// IterateOverObjects calls fn for every object, skipping free chunks.
func (s *spaceBase) IterateOverObjects(fn func(obj Address)) {
	s.EnumerateRegions(func(r *Region) {
		r.IterateObjects(func(addr Address, h Header) bool {
			if !h.IsFree() {
				fn(addr)
			}
			return true
		})
	})
}

// limit is the committed size the space may grow to.
func (s *spaceBase) limit(initial bool) uint64 {
	if initial {
		return s.initialCapacity.Load() + s.overshoot.Load()
	}
	return s.maximumCapacity.Load() + s.overshoot.Load()
}

// expandLocked maps a region for the space. Must be called with the lock held.
func (s *spaceBase) expandLocked(units int) (*Region, error) {
	r, err := s.as.AllocateRegion(units)
	if err != nil {
		return nil, err
	}
	r.SetSpace(s.typ)
	s.regions = append(s.regions, r)
	s.committed.Add(r.Size())
	return r, nil
}

// removeLocked drops r from the region list and releases it.
func (s *spaceBase) removeLocked(r *Region) {
	for i, other := range s.regions {
		if other == r {
			last := len(s.regions) - 1
			s.regions[i] = s.regions[last]
			s.regions[last] = nil
			s.regions = s.regions[:last]
			break
		}
	}
	s.committed.Add(-r.Size())
	s.as.FreeRegion(r)
}

// releaseAllLocked releases every region.
func (s *spaceBase) releaseAllLocked() {
	for _, r := range s.regions {
		s.as.FreeRegion(r)
	}
	s.regions = nil
	s.committed.Store(0)
}

// adoptLocked takes ownership of regions removed from another space.
func (s *spaceBase) adoptLocked(regions []*Region) {
	for _, r := range regions {
		r.SetSpace(s.typ)
		s.regions = append(s.regions, r)
		s.committed.Add(r.Size())
	}
}

// takeAllLocked removes every region without releasing it.
func (s *spaceBase) takeAllLocked() []*Region {
	regions := s.regions
	s.regions = nil
	s.committed.Store(0)
	return regions
}

func allocatedBytes(regions []*Region) uint64 {
	var n uint64
	for _, r := range regions {
		n += r.AllocatedBytes()
	}
	return n
}
