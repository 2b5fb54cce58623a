package mem

import (
	"fmt"
	"sync/atomic"
)

// Region is a contiguous block of heap memory owned by one space. Regular
// regions are one unit (RegionSize bytes); huge regions span several units
// and hold a single object.
type Region struct {
	as    *AddressSpace
	id    uint32
	units uint32
	mem   []byte
	words []uint64
	base  Address
	end   Address

	top       atomic.Uint64
	waterLine atomic.Uint64

	space  atomic.Uint32
	inCSet atomic.Bool
	// hasRefs is set once an object with reference fields is allocated.
	hasRefs atomic.Bool
	// swept is cleared when the region is queued for sweeping.
	swept atomic.Bool

	liveBytes atomic.Uint64

	markBits     *Bitset
	oldToNew     *Bitset
	localToShare atomic.Pointer[Bitset]
}

func newRegion(as *AddressSpace, id, units uint32, mem []byte) *Region {
	base := Address(id) << RegionShift
	r := &Region{
		as:    as,
		id:    id,
		units: units,
		mem:   mem,
		words: wordsOf(mem),
		base:  base,
		end:   base.Add(uint64(len(mem))),
	}
	n := uint(len(mem) / WordSize)
	r.markBits = NewBitset(n)
	r.oldToNew = NewBitset(n)
	r.top.Store(uint64(base))
	r.swept.Store(true)
	return r
}

// reset prepares a pooled region for reuse.
func (r *Region) reset() {
	r.top.Store(uint64(r.base))
	r.waterLine.Store(0)
	r.space.Store(uint32(NoSpace))
	r.inCSet.Store(false)
	r.hasRefs.Store(false)
	r.swept.Store(true)
	r.liveBytes.Store(0)
	r.markBits.Reset()
	r.oldToNew.Reset()
	r.localToShare.Store(nil)
}

// ID returns the id of the first region unit.
func (r *Region) ID() uint32 { return r.id }

// Units returns the number of region units the region spans.
func (r *Region) Units() int { return int(r.units) }

// Base returns the first address of the region.
func (r *Region) Base() Address { return r.base }

// End returns the address just past the region.
func (r *Region) End() Address { return r.end }

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 { return uint64(r.end - r.base) }

// Top returns the allocation top.
func (r *Region) Top() Address { return Address(r.top.Load()) }

// AllocatedBytes returns the number of bytes below the allocation top.
func (r *Region) AllocatedBytes() uint64 { return uint64(r.Top() - r.base) }

// Space returns the type of the owning space.
func (r *Region) Space() SpaceType { return SpaceType(r.space.Load()) }

// SetSpace moves the region to another space.
func (r *Region) SetSpace(t SpaceType) { r.space.Store(uint32(t)) }

// InYoungSpace reports whether the region holds young objects.
func (r *Region) InYoungSpace() bool { return r.Space().IsYoung() }

// InSharedHeap reports whether the region belongs to the shared heap.
func (r *Region) InSharedHeap() bool { return r.Space().IsShared() }

// InCSet reports whether the region is part of the collection set.
func (r *Region) InCSet() bool { return r.inCSet.Load() }

// SetInCSet adds the region to or removes it from the collection set.
func (r *Region) SetInCSet(v bool) { r.inCSet.Store(v) }

// HasReferences reports whether an object with reference fields was allocated
// in the region.
func (r *Region) HasReferences() bool { return r.hasRefs.Load() }

// SetHasReferences marks the region as holding reference fields.
func (r *Region) SetHasReferences() {
	if !r.hasRefs.Load() {
		r.hasRefs.Store(true)
	}
}

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr Address) bool {
	return addr >= r.base && addr < r.end
}

func (r *Region) wordIndex(addr Address) uint64 {
	return uint64(addr-r.base) / WordSize
}

func (r *Region) addressOf(index uint) Address {
	return r.base.Add(uint64(index) * WordSize)
}

// Allocate bumps the top by size bytes without locking. It returns Null when
// the region is full.
func (r *Region) Allocate(size uint64) Address {
	for {
		top := r.top.Load()
		next := top + size
		if next > uint64(r.end) {
			return Null
		}
		if r.top.CompareAndSwap(top, next) {
			return Address(top)
		}
	}
}

// AllocateUpTo bumps the top by up to max bytes, but at least min bytes. It
// returns the start and the number of bytes taken.
func (r *Region) AllocateUpTo(min, max uint64) (Address, uint64) {
	for {
		top := r.top.Load()
		avail := uint64(r.end) - top
		if avail < min {
			return Null, 0
		}
		n := max
		if avail < n {
			n = avail
		}
		if r.top.CompareAndSwap(top, top+n) {
			return Address(top), n
		}
	}
}

// UndoAllocation gives back the most recent allocation if nothing was
// allocated after it.
func (r *Region) UndoAllocation(addr Address, size uint64) bool {
	return r.top.CompareAndSwap(uint64(addr)+size, uint64(addr))
}

// Close fills the space above the top and moves the top to the end, so that
// nothing more is bump allocated in the region.
func (r *Region) Close() {
	for {
		top := r.top.Load()
		if top == uint64(r.end) {
			return
		}
		if r.top.CompareAndSwap(top, uint64(r.end)) {
			r.as.WriteFiller(Address(top), uint64(r.end)-top)
			return
		}
	}
}

// WaterLine returns the top recorded by SetWaterLine.
func (r *Region) WaterLine() Address { return Address(r.waterLine.Load()) }

// SetWaterLine records the current top. Objects below it have survived a
// collection.
func (r *Region) SetWaterLine() { r.waterLine.Store(r.top.Load()) }

// BelowWaterLine reports whether the object at addr has survived a collection.
func (r *Region) BelowWaterLine(addr Address) bool {
	return uint64(addr) < r.waterLine.Load()
}

// Mark sets the mark bit of the object at addr and reports whether this call
// marked it.
func (r *Region) Mark(addr Address) bool {
	return r.markBits.Set(uint(r.wordIndex(addr)))
}

// IsMarked reports whether the object at addr is marked.
func (r *Region) IsMarked(addr Address) bool {
	return r.markBits.Test(uint(r.wordIndex(addr)))
}

// ClearMarks clears all mark bits.
func (r *Region) ClearMarks() { r.markBits.Reset() }

// MarkBits returns the mark bitmap, one bit per word.
func (r *Region) MarkBits() *Bitset { return r.markBits }

// LiveBytes returns the live bytes counted by the last marking.
func (r *Region) LiveBytes() uint64 { return r.liveBytes.Load() }

// AddLiveBytes adds to the live byte count.
func (r *Region) AddLiveBytes(n uint64) { r.liveBytes.Add(n) }

// ResetLiveBytes clears the live byte count.
func (r *Region) ResetLiveBytes() { r.liveBytes.Store(0) }

// OldToNew returns the old-to-new remembered set, one bit per slot word.
func (r *Region) OldToNew() *Bitset { return r.oldToNew }

// InsertOldToNew records slot in the old-to-new remembered set.
func (r *Region) InsertOldToNew(slot Address) {
	r.oldToNew.Set(uint(r.wordIndex(slot)))
}

// ClearOldToNew removes slot from the old-to-new remembered set.
func (r *Region) ClearOldToNew(slot Address) {
	r.oldToNew.Clear(uint(r.wordIndex(slot)))
}

// IterateOldToNew calls fn for every recorded slot.
func (r *Region) IterateOldToNew(fn func(slot Address) bool) {
	r.oldToNew.Iterate(func(i uint) bool { return fn(r.addressOf(i)) })
}

// LocalToShare returns the local-to-share remembered set, or nil.
func (r *Region) LocalToShare() *Bitset { return r.localToShare.Load() }

// InsertLocalToShare records slot in the local-to-share remembered set,
// creating the set on first use.
func (r *Region) InsertLocalToShare(slot Address) {
	b := r.localToShare.Load()
	if b == nil {
		b = NewBitset(uint(len(r.words)))
		if !r.localToShare.CompareAndSwap(nil, b) {
			b = r.localToShare.Load()
		}
	}
	b.Set(uint(r.wordIndex(slot)))
}

// ClearLocalToShare removes slot from the local-to-share remembered set.
func (r *Region) ClearLocalToShare(slot Address) {
	if b := r.localToShare.Load(); b != nil {
		b.Clear(uint(r.wordIndex(slot)))
	}
}

// ExtractLocalToShare detaches the local-to-share set from the region and
// returns it. Slots recorded afterwards go to a fresh set.
func (r *Region) ExtractLocalToShare() *Bitset {
	return r.localToShare.Swap(nil)
}

// MergeLocalToShare puts back a set returned by ExtractLocalToShare.
func (r *Region) MergeLocalToShare(b *Bitset) {
	if b == nil {
		return
	}
	if r.localToShare.CompareAndSwap(nil, b) {
		return
	}
	r.localToShare.Load().Merge(b)
}

// clearRememberedRange drops the remembered set bits of the slots in
// [start, start+size). Freed chunks keep stale slot values.
func (r *Region) clearRememberedRange(start Address, size uint64) {
	from := uint(r.wordIndex(start))
	to := from + uint(size/WordSize)
	r.oldToNew.ClearRange(from, to)
	if b := r.localToShare.Load(); b != nil {
		b.ClearRange(from, to)
	}
}

// ClearOldToNewAll drops every old-to-new bit. Used when the young generation
// is empty or the sets are rebuilt.
func (r *Region) ClearOldToNewAll() { r.oldToNew.Reset() }

// SlotAddress converts a remembered set bit index to a slot address.
func (r *Region) SlotAddress(index uint) Address {
	return r.addressOf(index)
}

// IterateObjects walks every object and free chunk between the base and the
// top. fn receives the address and header; forwarded objects are reported
// with their forwarding header. Walking stops when fn returns false.
func (r *Region) IterateObjects(fn func(addr Address, h Header) bool) {
	top := r.Top()
	for addr := r.base; addr < top; {
		h := Header(atomic.LoadUint64(&r.words[r.wordIndex(addr)]))
		size := h.Size()
		if h.IsForwarded() {
			size = r.as.HeaderOf(h.ForwardingAddress()).Size()
		}
		if size == 0 {
			panic(fmt.Sprintf("mem: zero sized object at %v in region %d (%v)", addr, r.id, r.Space()))
		}
		if !fn(addr, h) {
			return
		}
		addr = addr.Add(size)
	}
}

func (r *Region) String() string {
	return fmt.Sprintf("region %d (%v, %d units, top %v)", r.id, r.Space(), r.units, r.Top())
}
