package heap

import (
	"sync/atomic"

	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/mem"
)

// evacuator copies the live objects of the regions in the collection set.
// Young objects go to the to-space, or to the old generation once they
// survived a collection; old objects and, for a full collection, every
// movable object go to target. The first thread to install a forwarding
// header wins; losers give their copy back.
type evacuator struct {
	b     *base
	as    *mem.AddressSpace
	model mem.ObjectModel
	wm    *gcwork.WorkManager

	// full moves young objects to target as well.
	full   bool
	to     *mem.SemiSpace
	target *mem.SparseSpace

	// roots replaces every root value by the result of its argument.
	roots func(update func(v mem.Address) mem.Address)

	semiTLABs   []*mem.TLAB
	targetTLABs []*mem.TLAB

	copied   atomic.Uint64
	promoted atomic.Uint64
	moved    atomic.Uint64

	promotionFailed atomic.Bool
}

func newEvacuator(h *LocalHeap, target *mem.SparseSpace, full bool) *evacuator {
	n := h.wm.TotalThreadNum()
	return &evacuator{
		b:           &h.base,
		as:          h.as,
		model:       h.model,
		wm:          h.wm,
		full:        full,
		to:          h.inactiveSemi,
		target:      target,
		roots:       h.handles.update,
		semiTLABs:   make([]*mem.TLAB, n),
		targetTLABs: make([]*mem.TLAB, n),
	}
}

// newSharedEvacuator compacts the shared heap into target. The roots are the
// handles of every local heap.
func newSharedEvacuator(s *SharedHeap, heaps []*LocalHeap) *evacuator {
	n := s.wm.TotalThreadNum()
	return &evacuator{
		b:      &s.base,
		as:     s.as,
		model:  s.model,
		wm:     s.wm.WorkManager,
		full:   true,
		target: s.compress,
		roots: func(update func(v mem.Address) mem.Address) {
			for _, h := range heaps {
				h.handles.update(update)
			}
		},
		semiTLABs:   make([]*mem.TLAB, n),
		targetTLABs: make([]*mem.TLAB, n),
	}
}

func (e *evacuator) semiTLAB(tid uint32) *mem.TLAB {
	if e.semiTLABs[tid] == nil {
		e.semiTLABs[tid] = mem.NewTLAB(e.as, e.to, true)
	}
	return e.semiTLABs[tid]
}

func (e *evacuator) targetTLAB(tid uint32) *mem.TLAB {
	if e.targetTLABs[tid] == nil {
		e.targetTLABs[tid] = mem.NewSparseTLAB(e.as, e.target)
	}
	return e.targetTLABs[tid]
}

// flush retires every buffer so that the destination spaces are walkable.
func (e *evacuator) flush() {
	for _, t := range e.semiTLABs {
		if t != nil {
			t.Flush()
		}
	}
	for _, t := range e.targetTLABs {
		if t != nil {
			t.Flush()
		}
	}
}

// allocate finds room for a copy of obj. It returns the buffer used and
// whether the copy leaves the young generation.
func (e *evacuator) allocate(tid uint32, src *mem.Region, obj mem.Address, size uint64) (mem.Address, *mem.TLAB, bool) {
	young := src.InYoungSpace()
	if young && !e.full {
		if src.BelowWaterLine(obj) {
			t := e.targetTLAB(tid)
			if addr, err := t.Allocate(size); err == nil {
				return addr, t, true
			}
			e.promotionFailed.Store(true)
		}
		t := e.semiTLAB(tid)
		addr, err := t.Allocate(size)
		if err != nil {
			e.fail(size, mem.SemiSpaceType, err)
		}
		return addr, t, false
	}
	t := e.targetTLAB(tid)
	addr, err := t.Allocate(size)
	if err != nil {
		e.fail(size, e.target.Type(), err)
	}
	return addr, t, young
}

// fail reports that a survivor could not be copied. The heap is left in an
// inconsistent state, so this does not return.
func (e *evacuator) fail(size uint64, space mem.SpaceType, err error) {
	oom := e.b.outOfMemory(size, space)
	diagnostics.Fatal(oom)
	panic(err)
}

// forward returns the new address of obj, copying it if no thread did yet.
func (e *evacuator) forward(tid uint32, obj mem.Address) mem.Address {
	hdr := e.as.HeaderOf(obj)
	if hdr.IsForwarded() {
		return hdr.ForwardingAddress()
	}
	size := e.model.SizeOf(hdr)
	src := e.as.RegionOf(obj)
	dst, tlab, promoted := e.allocate(tid, src, obj, size)
	e.as.CopyObject(dst, obj, size, hdr)
	if !e.as.CompareAndSwap(obj, uint64(hdr), uint64(mem.ForwardingHeader(dst))) {
		tlab.Undo(dst, size)
		return e.as.HeaderOf(obj).ForwardingAddress()
	}

	// Copies outside the young generation are swept with the marks of this
	// cycle.
	dr := e.as.RegionOf(dst)
	if !dr.InYoungSpace() {
		dr.Mark(dst)
		dr.AddLiveBytes(size)
	}
	if e.model.HasReferenceFields(hdr) {
		dr.SetHasReferences()
		e.wm.Push(tid, dst)
	}
	switch {
	case promoted:
		e.promoted.Add(size)
		e.wm.Holder(tid).AddPromotedSize(size)
	case src.InYoungSpace():
		e.copied.Add(size)
		e.wm.Holder(tid).AddAliveSize(size)
	default:
		e.moved.Add(size)
	}
	return dst
}

// updateSlot forwards the value of slot, a slot of an object in region r,
// and records the result in r's remembered sets. It returns the new target.
func (e *evacuator) updateSlot(tid uint32, r *mem.Region, slot mem.Address) mem.Address {
	v := e.as.LoadRef(slot)
	target := mem.Strip(v)
	if target == mem.Null {
		return mem.Null
	}
	tr := e.as.RegionOf(target)
	if tr == nil {
		return target
	}
	if tr.InCSet() {
		n := e.forward(tid, target)
		if mem.IsWeak(v) {
			e.as.StoreRef(slot, mem.MakeWeak(n))
		} else {
			e.as.StoreRef(slot, n)
		}
		target, tr = n, e.as.RegionOf(n)
	}
	switch {
	case tr.InYoungSpace():
		if r.Space().IsOldGeneration() {
			r.InsertOldToNew(slot)
		}
	case tr.InSharedHeap() && !r.InSharedHeap():
		r.InsertLocalToShare(slot)
	}
	return target
}

// updateRoot returns the new value of a root.
func (e *evacuator) updateRoot(v mem.Address) mem.Address {
	target := mem.Strip(v)
	r := e.as.RegionOf(target)
	if r == nil || !r.InCSet() {
		return v
	}
	n := e.forward(0, target)
	if mem.IsWeak(v) {
		return mem.MakeWeak(n)
	}
	return n
}

// scan updates every slot of a copied object.
func (e *evacuator) scan(tid uint32, obj mem.Address) {
	r := e.as.RegionOf(obj)
	hdr := e.as.HeaderOf(obj)
	e.model.VisitReferenceSlots(obj, hdr, func(slot mem.Address) {
		e.updateSlot(tid, r, slot)
	})
}

func (e *evacuator) drain(tid uint32) {
	for {
		obj, ok := e.wm.Pop(tid)
		if !ok {
			return
		}
		e.scan(tid, obj)
	}
}

// seedRemembered updates the old-to-new slots of an old generation region
// and drops the bits that no longer point into the young generation.
func (e *evacuator) seedRemembered(tid uint32, r *mem.Region) {
	r.IterateOldToNew(func(slot mem.Address) bool {
		target := e.updateSlot(tid, r, slot)
		if tr := e.as.RegionOf(target); tr == nil || !tr.InYoungSpace() {
			r.ClearOldToNew(slot)
		}
		return true
	})
}

// seedLive rebuilds the old-to-new set of a region that is not evacuated
// from its live objects. Immortal objects are always live; elsewhere the
// marks of the preceding full mark decide.
func (e *evacuator) seedLive(tid uint32, r *mem.Region) {
	r.ClearOldToNewAll()
	if !r.HasReferences() {
		return
	}
	immortal := r.Space().IsImmortal()
	r.IterateObjects(func(obj mem.Address, hdr mem.Header) bool {
		if hdr.IsFree() || (!immortal && !r.IsMarked(obj)) {
			return true
		}
		if e.model.HasReferenceFields(hdr) {
			e.model.VisitReferenceSlots(obj, hdr, func(slot mem.Address) {
				e.updateSlot(tid, r, slot)
			})
		}
		return true
	})
}

// seedLocalToShare updates the local-to-share slots of a local region after
// the shared heap moved, dropping the slots that no longer hold a shared
// reference.
func (e *evacuator) seedLocalToShare(tid uint32, r *mem.Region) {
	b := r.LocalToShare()
	if b == nil {
		return
	}
	b.Iterate(func(i uint) bool {
		target := e.updateSlot(tid, r, r.SlotAddress(i))
		if tr := e.as.RegionOf(target); tr == nil || !tr.InSharedHeap() {
			b.Clear(i)
		}
		return true
	})
}

// run evacuates from the roots and the seed regions. Seed regions are
// handed out to the threads one at a time.
func (e *evacuator) run(helpers int, seeds *regionCursor, seed func(tid uint32, r *mem.Region)) {
	newPhaseRunner(e.b, e.wm, helpers, func(tid uint32) {
		if tid == 0 {
			e.roots(e.updateRoot)
		}
		for {
			r, ok := seeds.claim()
			if !ok {
				break
			}
			seed(tid, r)
			e.drain(tid)
		}
		e.drain(tid)
	}).run(helpers > 0)
	e.wm.Finish()
	e.flush()
}
