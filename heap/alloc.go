package heap

import (
	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/mem"
)

// alignSize rounds an object size up to whole words. Every object has at
// least its header word.
func alignSize(size uint64) uint64 {
	size = mem.AlignUp(size)
	if size < mem.WordSize {
		size = mem.WordSize
	}
	return size
}

// AllocateYoung allocates a young object of size bytes, header included.
// Objects too big for a regular region go to the huge object space. When
// the young generation is full a collection runs, then a full one; if even
// that leaves no room an *OutOfMemoryError is returned.
func (h *LocalHeap) AllocateYoung(size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	size = alignSize(size)
	if size > mem.MaxRegularObjectSize {
		return h.allocateHuge(h.huge, size, layout)
	}
	refill := size > h.tlab.Remaining()
	addr, err := h.tlab.Allocate(size)
	if err != nil {
		if addr, err = h.allocateYoungSlow(size); err != nil {
			return mem.Null, err
		}
	} else if refill {
		h.TryTriggerConcurrentMarking()
	}
	h.initObject(addr, size, layout)
	return addr, nil
}

func (h *LocalHeap) allocateYoungSlow(size uint64) (mem.Address, error) {
	if h.growYoungOvershootIfStopped() {
		if addr, err := h.tlab.Allocate(size); err == nil {
			return addr, nil
		}
	}
	for _, t := range []TriggerType{h.SelectGCType(), FullGC} {
		if err := h.CollectGarbage(t, ReasonAllocationFailed); err != nil {
			return mem.Null, err
		}
		// The live old generation outgrew its space: further young
		// collections could not promote anything.
		if h.oldOverLimit.Load() {
			return mem.Null, h.outOfMemory(size, mem.OldSpaceType)
		}
		if addr, err := h.tlab.Allocate(size); err == nil {
			return addr, nil
		}
	}
	return mem.Null, h.outOfMemory(size, mem.SemiSpaceType)
}

// AllocateOld allocates directly in the old space.
func (h *LocalHeap) AllocateOld(size uint64, layout mem.Layout) (mem.Address, error) {
	return h.allocateSparse(h.old, h.huge, size, layout)
}

// AllocateNonMovable allocates an object that is never moved.
func (h *LocalHeap) AllocateNonMovable(size uint64, layout mem.Layout) (mem.Address, error) {
	if h.ShouldThrowOOMError() {
		h.SetShouldThrowOOMError(false)
		return mem.Null, h.outOfMemory(size, mem.NonMovableSpaceType)
	}
	return h.allocateSparse(h.nonMovable, h.huge, size, layout)
}

// AllocateMachineCode allocates in the machine code space.
func (h *LocalHeap) AllocateMachineCode(size uint64, layout mem.Layout) (mem.Address, error) {
	return h.allocateSparse(h.machineCode, h.hugeMachineCode, size, layout)
}

// AllocateHuge allocates an object in its own region.
func (h *LocalHeap) AllocateHuge(size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	return h.allocateHuge(h.huge, alignSize(size), layout)
}

// AllocateReadOnly allocates an immortal object in the read-only space.
func (h *LocalHeap) AllocateReadOnly(size uint64, layout mem.Layout) (mem.Address, error) {
	return h.allocateImmortal(h.readOnly, size, layout)
}

// AllocateSnapshot allocates an immortal object in the snapshot space.
func (h *LocalHeap) AllocateSnapshot(size uint64, layout mem.Layout) (mem.Address, error) {
	return h.allocateImmortal(h.snapshot, size, layout)
}

func (h *LocalHeap) allocateSparse(s *mem.SparseSpace, huge *mem.HugeSpace, size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	size = alignSize(size)
	if size > mem.MaxRegularObjectSize {
		return h.allocateHuge(huge, size, layout)
	}
	h.CheckAndTriggerOldGC(size)
	addr, err := s.Allocate(size)
	if err != nil {
		addr, err = h.retryAfterGC(size, s.Type(), func() (mem.Address, error) { return s.Allocate(size) })
		if err != nil {
			return mem.Null, err
		}
	}
	h.initObject(addr, size, layout)
	return addr, nil
}

func (h *LocalHeap) allocateHuge(s *mem.HugeSpace, size uint64, layout mem.Layout) (mem.Address, error) {
	h.CheckAndTriggerOldGC(size)
	addr, err := s.Allocate(size)
	if err != nil {
		addr, err = h.retryAfterGC(size, s.Type(), func() (mem.Address, error) { return s.Allocate(size) })
		if err != nil {
			return mem.Null, err
		}
	}
	h.initObject(addr, size, layout)
	return addr, nil
}

// retryAfterGC escalates from an old to a full collection until alloc
// succeeds.
func (h *LocalHeap) retryAfterGC(size uint64, space mem.SpaceType, alloc func() (mem.Address, error)) (mem.Address, error) {
	for _, t := range []TriggerType{OldGC, FullGC} {
		if err := h.CollectGarbage(t, ReasonAllocationFailed); err != nil {
			return mem.Null, err
		}
		if h.oldOverLimit.Load() {
			return mem.Null, h.outOfMemory(size, mem.OldSpaceType)
		}
		if addr, err := alloc(); err == nil {
			return addr, nil
		}
	}
	return mem.Null, h.outOfMemory(size, space)
}

func (h *LocalHeap) allocateImmortal(s *mem.LinearSpace, size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	size = alignSize(size)
	addr, err := s.Allocate(size)
	if err != nil {
		return mem.Null, h.outOfMemory(size, s.Type())
	}
	h.initObject(addr, size, layout)
	return addr, nil
}

// initObject writes the header of a fresh object. Objects allocated while
// a concurrent mark covers their region are allocated marked.
func (h *LocalHeap) initObject(addr mem.Address, size uint64, layout mem.Layout) {
	h.as.InitObject(addr, size, layout)
	r := h.as.RegionOf(addr)
	if !layout.PointerFree() {
		r.SetHasReferences()
	}
	if h.marking.covers(r) && r.Mark(addr) {
		r.AddLiveBytes(size)
	}
}

// AllocateShared allocates in the shared old space.
func (h *LocalHeap) AllocateShared(size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	return h.rt.shared.allocate(h, mem.SharedOldSpaceType, alignSize(size), layout)
}

// AllocateSharedNonMovable allocates in the shared non-movable space.
func (h *LocalHeap) AllocateSharedNonMovable(size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	return h.rt.shared.allocate(h, mem.SharedNonMovableSpaceType, alignSize(size), layout)
}

// AllocateSharedReadOnly allocates an immortal shared object.
func (h *LocalHeap) AllocateSharedReadOnly(size uint64, layout mem.Layout) (mem.Address, error) {
	h.thread.CheckSafepoint()
	return h.rt.shared.allocate(h, mem.SharedReadOnlySpaceType, alignSize(size), layout)
}

// Load reads a reference slot.
func (h *LocalHeap) Load(slot mem.Address) mem.Address { return h.as.LoadRef(slot) }

// WriteBarrier stores value into slot, a reference field of obj, and keeps
// the remembered sets and any running mark up to date. Every reference
// store of a mutator must go through it.
func (h *LocalHeap) WriteBarrier(obj, slot, value mem.Address) {
	h.as.StoreRef(slot, value)
	target := mem.Strip(value)
	if target == mem.Null {
		return
	}
	src := h.as.RegionOf(obj)
	dst := h.as.RegionOf(target)
	if src == nil || dst == nil {
		diagnostics.Fatalf("%s: write barrier on unmapped address (object %v, value %v)", h.name, obj, value)
		return
	}
	srcShared, dstShared := src.InSharedHeap(), dst.InSharedHeap()
	switch {
	case srcShared && !dstShared:
		diagnostics.Fatalf("%s: shared object %v must not reference local object %v", h.name, obj, target)
		return
	case dst.InYoungSpace() && src.Space().IsOldGeneration():
		src.InsertOldToNew(slot)
	case dstShared && !srcShared:
		src.InsertLocalToShare(slot)
	}

	// Shade the new target for running marks. Weak stores are shaded too;
	// the target then survives the current cycle.
	if h.marking.covers(dst) && dst.Mark(target) {
		h.wm.Push(0, target)
	}
	if dstShared {
		h.rt.shared.shade(h, dst, target)
	}
}
