package mem

import (
	"sync/atomic"
)

// SparseSpace is a non-compacting space: old, non-movable, machine code and
// their shared counterparts. Objects are allocated from a free list of chunks
// found by the sweeper and otherwise by bumping the top of the current region.
type SparseSpace struct {
	spaceBase

	free    *FreeList
	current *Region

	// objectSize counts live bytes found by sweeping plus bytes allocated
	// since.
	objectSize atomic.Uint64
	// allocated counts bytes allocated by mutators since the last cycle.
	allocated atomic.Uint64

	// Regions waiting to be swept. Protected by lock.
	pending  []*Region
	sweeping atomic.Int32
	sweepCh  chan struct{}
}

var _ Space = (*SparseSpace)(nil)

// NewSparseSpace creates an empty sparse space of the given type.
func NewSparseSpace(as *AddressSpace, typ SpaceType, initial, maximum uint64) *SparseSpace {
	s := &SparseSpace{free: NewFreeList(as)}
	s.init(as, typ, initial, maximum)
	return s
}

// Allocate allocates size bytes. Capacity is bounded by the maximum capacity
// plus the overshoot.
func (s *SparseSpace) Allocate(size uint64) (Address, error) {
	addr, err := s.allocate(size)
	if err == nil {
		s.allocated.Add(size)
	}
	return addr, err
}

// AllocateForGC allocates while evacuating. It is bounded like Allocate but
// does not count as mutator allocation.
func (s *SparseSpace) AllocateForGC(size uint64) (Address, error) {
	return s.allocate(size)
}

func (s *SparseSpace) allocate(size uint64) (Address, error) {
	if size > MaxRegularObjectSize {
		return Null, ErrObjectTooLarge
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	addr, err := s.allocateLocked(size)
	if err != nil {
		return Null, err
	}
	s.objectSize.Add(size)
	return addr, nil
}

func (s *SparseSpace) allocateLocked(size uint64) (Address, error) {
	for {
		if addr, ok := s.free.Pop(size); ok {
			return addr, nil
		}
		if s.current != nil {
			if addr := s.current.Allocate(size); addr != Null {
				return addr, nil
			}
		}
		// Help the sweeper before taking a new region.
		if len(s.pending) == 0 {
			break
		}
		s.sweepOneLocked()
	}
	if s.committed.Load()+RegionSize > s.limit(false) {
		return Null, ErrAllocationFailure
	}
	r, err := s.expandLocked(1)
	if err != nil {
		return Null, err
	}
	if s.current != nil {
		s.closeCurrentLocked()
	}
	s.current = r
	if addr := r.Allocate(size); addr != Null {
		return addr, nil
	}
	return Null, ErrAllocationFailure
}

// allocateChunk hands out a TLAB chunk. Sparse chunks are exact: the free
// list is searched for the preferred size first.
func (s *SparseSpace) allocateChunk(min, max uint64, forGC bool) (Address, uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if addr, ok := s.free.Pop(max); ok {
		s.objectSize.Add(max)
		return addr, max, nil
	}
	if s.current != nil {
		if addr, n := s.current.AllocateUpTo(min, max); addr != Null {
			s.objectSize.Add(n)
			return addr, n, nil
		}
	}
	addr, err := s.allocateLocked(min)
	if err != nil {
		return Null, 0, err
	}
	n := min
	// A fresh bump region may have been opened; extend the chunk into it.
	if cur := s.current; cur != nil && addr.Add(min) == cur.Top() {
		if _, extra := cur.AllocateUpTo(0, max-min); extra > 0 {
			n += extra
		}
	}
	s.objectSize.Add(n)
	return addr, n, nil
}

// returnChunk gives back the unused tail of a TLAB chunk.
func (s *SparseSpace) returnChunk(addr Address, size uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.objectSize.Add(-size)
	if s.current != nil && s.current.UndoAllocation(addr, size) {
		return
	}
	s.free.Insert(addr, size)
}

func (s *SparseSpace) closeCurrentLocked() {
	r := s.current
	s.current = nil
	top := r.Top()
	if top < r.End() {
		r.Close()
		s.free.Insert(top, uint64(r.End()-top))
	}
}

// HeapObjectSize returns the live object size.
func (s *SparseSpace) HeapObjectSize() uint64 { return s.objectSize.Load() }

// AllocatedSizeSinceGC returns the bytes allocated by mutators since the last
// call to ResetAllocatedSize.
func (s *SparseSpace) AllocatedSizeSinceGC() uint64 { return s.allocated.Load() }

// ResetAllocatedSize restarts the allocation counter.
func (s *SparseSpace) ResetAllocatedSize() { s.allocated.Store(0) }

// AvailableSize returns the free list size.
func (s *SparseSpace) AvailableSize() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.free.Available()
}

// FragmentationSize returns the committed bytes not used by live objects.
func (s *SparseSpace) FragmentationSize() uint64 {
	committed, live := s.CommittedSize(), s.HeapObjectSize()
	if live > committed {
		return 0
	}
	return committed - live
}

// FreeList returns the free list. Callers must hold no reference to it across
// allocations.
func (s *SparseSpace) FreeList() *FreeList { return s.free }

// Reset releases every region.
func (s *SparseSpace) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = nil
	s.pending = nil
	s.free.Reset()
	s.releaseAllLocked()
	s.objectSize.Store(0)
	s.allocated.Store(0)
}

// Destroy releases every region.
func (s *SparseSpace) Destroy() { s.Reset() }

// CloseCurrentRegion retires the bump region so that the heap is walkable and
// every free byte is on the free list.
func (s *SparseSpace) CloseCurrentRegion() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		s.closeCurrentLocked()
	}
}

// Merge moves every region of other into s. Used to turn the compress space
// into the old space after a full collection, and by promotion of whole
// regions.
func (s *SparseSpace) Merge(other *SparseSpace) {
	other.lock.Lock()
	if other.current != nil {
		other.current.Close()
		other.current = nil
	}
	regions := other.takeAllLocked()
	objectSize := other.objectSize.Swap(0)
	other.free.Reset()
	other.pending = nil
	other.lock.Unlock()

	s.lock.Lock()
	s.adoptLocked(regions)
	s.lock.Unlock()
	s.objectSize.Add(objectSize)
}

// TakeRegions removes every region from the space without releasing them.
func (s *SparseSpace) TakeRegions() (regions []*Region, objectSize uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
	s.free.Reset()
	s.pending = nil
	return s.takeAllLocked(), s.objectSize.Swap(0)
}

// ReclaimCSet releases every region in the collection set.
func (s *SparseSpace) ReclaimCSet() (freed uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := 0; i < len(s.regions); {
		r := s.regions[i]
		if !r.InCSet() {
			i++
			continue
		}
		if r == s.current {
			s.current = nil
		}
		s.free.RemoveRegion(r)
		freed += r.LiveBytes()
		s.removeLocked(r)
	}
	return freed
}

// SelectCSet puts regions whose live ratio is below liveRatio into the
// collection set and takes their chunks off the free list, so that nothing
// is evacuated into them. It returns the number of selected regions.
func (s *SparseSpace) SelectCSet(liveRatio float64) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, r := range s.regions {
		if r == s.current {
			continue
		}
		if float64(r.LiveBytes()) < float64(r.Size())*liveRatio {
			r.SetInCSet(true)
			s.free.RemoveRegion(r)
			n++
		}
	}
	return n
}

// PrepareSweeping queues every region for sweeping. The current region is
// closed first. Mark bits must be final.
func (s *SparseSpace) PrepareSweeping() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.current != nil {
		r := s.current
		s.current = nil
		r.Close()
	}
	s.free.Reset()
	s.pending = s.pending[:0]
	// Until a region is swept its marked bytes stand in for its object size.
	var live uint64
	for _, r := range s.regions {
		if r.InCSet() {
			continue
		}
		r.swept.Store(false)
		s.pending = append(s.pending, r)
		live += r.LiveBytes()
	}
	s.objectSize.Store(live)
	s.sweepCh = make(chan struct{})
	s.sweeping.Store(int32(len(s.pending)))
	if len(s.pending) == 0 {
		close(s.sweepCh)
	}
}

// SweepNext sweeps one pending region. It returns false when nothing was left
// to sweep.
func (s *SparseSpace) SweepNext() bool {
	s.lock.Lock()
	if len(s.pending) == 0 {
		s.lock.Unlock()
		return false
	}
	r := s.pending[len(s.pending)-1]
	s.pending = s.pending[:len(s.pending)-1]
	s.lock.Unlock()

	res := sweepRegion(r)

	s.lock.Lock()
	s.finishSweepLocked(r, res)
	s.lock.Unlock()
	return true
}

func (s *SparseSpace) sweepOneLocked() {
	r := s.pending[len(s.pending)-1]
	s.pending = s.pending[:len(s.pending)-1]
	s.finishSweepLocked(r, sweepRegion(r))
}

func (s *SparseSpace) finishSweepLocked(r *Region, res sweepResult) {
	s.objectSize.Add(res.live - r.liveBytes.Load())
	if res.live == 0 {
		s.removeLocked(r)
	} else {
		for _, fr := range res.free {
			r.clearRememberedRange(fr.start, fr.size)
			s.free.Insert(fr.start, fr.size)
		}
		r.liveBytes.Store(res.live)
	}
	r.swept.Store(true)
	if s.sweeping.Add(-1) == 0 {
		close(s.sweepCh)
	}
}

// SweepAll sweeps every pending region on the calling goroutine.
func (s *SparseSpace) SweepAll() {
	for s.SweepNext() {
	}
}

// WaitSweepingFinished blocks until every region queued by PrepareSweeping
// has been swept, helping with the remaining ones.
func (s *SparseSpace) WaitSweepingFinished() {
	s.SweepAll()
	s.lock.Lock()
	ch := s.sweepCh
	s.lock.Unlock()
	if ch != nil {
		<-ch
	}
}

// IsSweeping reports whether swept regions are still outstanding.
func (s *SparseSpace) IsSweeping() bool { return s.sweeping.Load() > 0 }

type freeChunk struct {
	start Address
	size  uint64
}

type sweepResult struct {
	live uint64
	free []freeChunk
}

// sweepRegion finds the unmarked objects of a region and coalesces them into
// free chunks. Marks are left in place.
func sweepRegion(r *Region) sweepResult {
	var (
		res       sweepResult
		freeStart Address
	)
	r.IterateObjects(func(addr Address, h Header) bool {
		size := h.Size()
		if h.IsFree() || !r.IsMarked(addr) {
			if freeStart == Null {
				freeStart = addr
			}
			return true
		}
		if freeStart != Null {
			res.free = append(res.free, freeChunk{freeStart, uint64(addr - freeStart)})
			freeStart = Null
		}
		res.live += size
		return true
	})
	if freeStart != Null {
		res.free = append(res.free, freeChunk{freeStart, uint64(r.Top() - freeStart)})
	}
	return res
}
