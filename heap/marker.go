package heap

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/mem"
)

// marker traces the objects of a scope. Objects outside the scope are
// neither marked nor scanned. The same marker serves the local young and
// full marks and the shared mark.
type marker struct {
	as    *mem.AddressSpace
	model mem.ObjectModel
	wm    *gcwork.WorkManager
	scope func(r *mem.Region) bool
	// stop, when set, makes drain return early.
	stop *atomic.Bool
}

func youngScope(r *mem.Region) bool { return r.InYoungSpace() }

// fullScope covers every collectable local region.
func fullScope(r *mem.Region) bool {
	t := r.Space()
	return t != mem.NoSpace && !t.IsShared() && !t.IsImmortal()
}

// sharedScope covers every collectable shared region.
func sharedScope(r *mem.Region) bool {
	t := r.Space()
	return t.IsShared() && !t.IsImmortal()
}

func markScope(t heuristics.MarkType) func(r *mem.Region) bool {
	if t == heuristics.MarkYoung {
		return youngScope
	}
	return fullScope
}

func markPhase(t heuristics.MarkType) gcwork.Phase {
	if t == heuristics.MarkYoung {
		return gcwork.YoungMark
	}
	return gcwork.FullMark
}

func (m *marker) inScope(obj mem.Address) (*mem.Region, bool) {
	r := m.as.RegionOf(obj)
	return r, r != nil && m.scope(r)
}

// markObject marks obj and queues it for scanning if it was not marked yet.
func (m *marker) markObject(tid uint32, obj mem.Address) {
	r, ok := m.inScope(obj)
	if ok && r.Mark(obj) {
		m.wm.Push(tid, obj)
	}
}

// markSlot marks the target of a reference slot. Weak slots are recorded
// and cleared after marking if their target died.
func (m *marker) markSlot(tid uint32, slot mem.Address) {
	v := m.as.LoadRef(slot)
	if v == mem.Null {
		return
	}
	if mem.IsWeak(v) {
		if _, ok := m.inScope(mem.Strip(v)); ok {
			m.wm.Holder(tid).PushWeakSlot(slot)
		}
		return
	}
	m.markObject(tid, v)
}

// markRoot marks a strong root value.
func (m *marker) markRoot(tid uint32, v mem.Address) {
	if v != mem.Null && !mem.IsWeak(v) {
		m.markObject(tid, v)
	}
}

// scanSlots marks from every reference slot of obj.
func (m *marker) scanSlots(tid uint32, obj mem.Address) {
	hdr := m.as.HeaderOf(obj)
	if !m.model.HasReferenceFields(hdr) {
		return
	}
	m.model.VisitReferenceSlots(obj, hdr, func(slot mem.Address) {
		m.markSlot(tid, slot)
	})
}

func (m *marker) scan(tid uint32, obj mem.Address) uint64 {
	r := m.as.RegionOf(obj)
	size := m.model.SizeOf(m.as.HeaderOf(obj))
	holder := m.wm.Holder(tid)
	holder.AddAliveSize(size)
	holder.AddLiveBytes(r, size)
	m.scanSlots(tid, obj)
	return size
}

// drain scans queued objects until no work is left for tid.
func (m *marker) drain(tid uint32) {
	for {
		if m.stop != nil && m.stop.Load() {
			return
		}
		obj, ok := m.wm.Pop(tid)
		if !ok {
			return
		}
		m.scan(tid, obj)
	}
}

// deadlineCheckInterval is the number of objects scanned between two looks
// at the clock.
const deadlineCheckInterval = 64

// drainUntil scans queued objects of tid until none are left or the deadline
// passed. It returns the scanned bytes and whether the work ran out.
func (m *marker) drainUntil(tid uint32, deadline time.Time) (uint64, bool) {
	var scanned uint64
	for n := 0; ; n++ {
		if n%deadlineCheckInterval == 0 && !time.Now().Before(deadline) {
			return scanned, false
		}
		obj, ok := m.wm.Pop(tid)
		if !ok {
			return scanned, true
		}
		scanned += m.scan(tid, obj)
	}
}

// isDead reports whether obj is in scope and was not marked.
func (m *marker) isDead(obj mem.Address) bool {
	r, ok := m.inScope(obj)
	return ok && !r.IsMarked(obj)
}

// clearWeak nulls the weak slots whose target died and returns how many.
func (m *marker) clearWeak(slots []mem.Address) int {
	n := 0
	for _, slot := range slots {
		v := m.as.LoadRef(slot)
		if mem.IsWeak(v) && m.isDead(mem.Strip(v)) {
			m.as.StoreRef(slot, mem.Null)
			n++
		}
	}
	return n
}

// weakRoot returns the value a root keeps after marking.
func (m *marker) weakRoot(v mem.Address) mem.Address {
	if mem.IsWeak(v) && m.isDead(mem.Strip(v)) {
		return mem.Null
	}
	return v
}

func (h *LocalHeap) newMarker(t heuristics.MarkType, stop *atomic.Bool) *marker {
	return &marker{as: h.as, model: h.model, wm: h.wm, scope: markScope(t), stop: stop}
}

// prepareMarking clears the marks and live bytes of the regions a mark of
// type t covers. A full mark first waits for sweeping, which reads the marks
// of the previous cycle.
func (h *LocalHeap) prepareMarking(t heuristics.MarkType) {
	if t == heuristics.MarkFull {
		h.waitSweepingFinished()
	}
	scope := markScope(t)
	for _, s := range h.spaces() {
		s.EnumerateRegions(func(r *mem.Region) {
			if scope(r) {
				r.ClearMarks()
				r.ResetLiveBytes()
			}
		})
	}
}

// markRoots marks from the handles and, for a young mark, from the
// old-to-new sets, or for a full mark from every immortal object.
func (h *LocalHeap) markRoots(m *marker, t heuristics.MarkType) {
	h.handles.iterate(func(v mem.Address) { m.markRoot(0, v) })
	if t == heuristics.MarkYoung {
		for _, s := range h.oldGenSpaces() {
			s.EnumerateRegions(func(r *mem.Region) {
				r.IterateOldToNew(func(slot mem.Address) bool {
					m.markSlot(0, slot)
					return true
				})
			})
		}
		return
	}
	for _, s := range h.immortalSpaces() {
		s.IterateOverObjects(func(obj mem.Address) { m.scanSlots(0, obj) })
	}
}

// runMark marks with the mutator stopped and returns the alive size.
func (h *LocalHeap) runMark(ctx context.Context, t heuristics.MarkType) uint64 {
	var alive uint64
	h.phase(ctx, "mark."+t.String(), func() {
		h.prepareMarking(t)
		h.wm.Initialize(h.ensureWorkManager(), markPhase(t))
		m := h.newMarker(t, nil)
		alive = h.markAndFinish(m, t)
	})
	h.verifyIf(markVerifyKind(t))
	return alive
}

// markAndFinish marks from the roots, drains in parallel and processes weak
// references. The work manager must be initialized.
func (h *LocalHeap) markAndFinish(m *marker, t heuristics.MarkType) uint64 {
	helpers, _ := h.rt.taskLimits(h.inBackground.Load())
	newPhaseRunner(&h.base, h.wm, helpers, func(tid uint32) {
		if tid == 0 {
			h.markRoots(m, t)
			h.wm.PushWorkNodeToGlobal(0, true)
		}
		m.drain(tid)
	}).run(false)

	alive := h.wm.Finish()
	cleared := m.clearWeak(h.wm.WeakSlots())
	h.handles.update(m.weakRoot)
	if cleared > 0 {
		h.log.Trace("%s: cleared %d weak references", h.name, cleared)
	}
	return alive
}
