package heap

import (
	"context"
	"fmt"
	"time"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/stats"
	"github.com/gengc/gengc/verify"
)

// gcMarkType is the mark a collection of type t needs.
func gcMarkType(t TriggerType) heuristics.MarkType {
	if t == YoungGC {
		return heuristics.MarkYoung
	}
	return heuristics.MarkFull
}

func markVerifyKind(t heuristics.MarkType) verify.Kind {
	if t == heuristics.MarkYoung {
		return verify.MarkYoung
	}
	return verify.MarkFull
}

// CollectGarbage runs a collection of type t on the calling mutator. Shared
// types are handed to the shared heap, and the mutator waits for the daemon
// outside of running state.
//
// A young collection that failed to promote turns the next collection into
// a full one.
func (h *LocalHeap) CollectGarbage(t TriggerType, reason Reason) error {
	if h.destroyed.Load() {
		return ErrHeapDestroyed
	}
	if t.IsShared() {
		var err error
		h.thread.SuspensionScope(func() {
			err = h.rt.shared.CollectGarbage(t, reason)
		})
		return err
	}
	if t > AppSpawnFullGC {
		return fmt.Errorf("%s: %w %v", h.name, ErrInvalidTrigger, t)
	}
	if h.nextGCFull.Load() && t < FullGC {
		t = FullGC
	}

	done := h.enterGC()
	defer done()
	h.ProcessSharedGCRSetWorkList()
	h.oldOverLimit.Store(false)
	concurrent := h.reconcileConcurrentMark(&t)

	c := &Cycle{
		Type:       t,
		Reason:     reason,
		Mark:       gcMarkType(t),
		Start:      time.Now(),
		HeapBefore: h.HeapObjectSize(),
	}
	h.notify(GCStarted, c)
	ctx, span := h.startCycleSpan(c)

	h.flushTLAB()
	h.waitSweepingFinished()
	h.verifyIf(verify.PreGC)

	switch t {
	case YoungGC:
		h.youngGC(ctx, c, concurrent)
	case OldGC:
		h.oldGC(ctx, c, concurrent)
	default:
		h.fullGC(ctx, c, concurrent)
		if t == AppSpawnFullGC {
			h.moveOldToAppSpawn()
		}
	}

	c.End = time.Now()
	c.HeapAfter = h.HeapObjectSize()
	if c.HeapBefore > c.HeapAfter {
		c.Freed = c.HeapBefore - c.HeapAfter
	}
	if h.cfg.EnableHeapVerify {
		h.waitSweepingFinished()
		h.VerifyAll(verify.PostGC)
	}
	endCycleSpan(span, c)
	h.record(c, h.CommittedSize())
	h.notify(GCFinished, c)
	return nil
}

// reconcileConcurrentMark decides what happens to a running concurrent mark
// when a collection starts. A young collection during a full mark becomes an
// old collection. A mark of the right type is finished by the collection;
// any other is dropped. It reports whether the collection reuses the mark.
func (h *LocalHeap) reconcileConcurrentMark(t *TriggerType) bool {
	c := &h.marking
	if !c.active() {
		return false
	}
	if c.typ == heuristics.MarkFull && *t == YoungGC {
		*t = OldGC
	}
	if gcMarkType(*t) == c.typ {
		h.CheckOngoingConcurrentMarking()
		return true
	}
	h.log.Debug("%s: dropping concurrent %v mark for %v gc", h.name, c.typ, *t)
	c.cancel(h.wm)
	return false
}

// mark runs or finishes the mark of a collection and returns the alive size.
func (h *LocalHeap) mark(ctx context.Context, t heuristics.MarkType, concurrent bool) uint64 {
	start := time.Now()
	var alive uint64
	if concurrent {
		alive = h.finishConcurrentMarking(ctx)
	} else {
		alive = h.runMark(ctx, t)
	}
	h.stats.SetSpeed(stats.MarkSpeed, alive, time.Since(start))
	return alive
}

// setCSet puts every region of s into the evacuation set.
func setCSet(s mem.Space) {
	s.EnumerateRegions(func(r *mem.Region) { r.SetInCSet(true) })
}

// evacuate copies the live objects of the evacuation set. Young seeds are
// walked through their old-to-new sets, others through their marked objects.
func (h *LocalHeap) evacuate(ctx context.Context, target *mem.SparseSpace, full, young bool, seeds *regionCursor) *evacuator {
	var e *evacuator
	h.phase(ctx, "evacuate", func() {
		h.wm.Initialize(h.ensureWorkManager(), gcwork.Evacuate)
		e = newEvacuator(h, target, full)
		seed := e.seedLive
		if young {
			seed = e.seedRemembered
		}
		_, helpers := h.rt.taskLimits(h.inBackground.Load())
		e.run(helpers, seeds, seed)
	})
	return e
}

// swapSemiSpaces releases the evacuated semi space and makes the to-space
// the allocation space. Survivors sit below the new waterline.
func (h *LocalHeap) swapSemiSpaces() {
	from, to := h.activeSemi, h.inactiveSemi
	allocated := from.AllocatedSizeSinceGC()
	to.SetInitialCapacity(from.InitialCapacity())
	from.ResetOvershootSize()
	to.ResetOvershootSize()
	from.Reset()
	h.activeSemi, h.inactiveSemi = to, from

	to.SetWaterLine()
	if to.AdjustCapacity(allocated) {
		h.log.Debug("%s: semi space capacity now %s", h.name, config.FormatSize(to.InitialCapacity()))
	}
	h.tlab = mem.NewTLAB(h.as, to, false)
}

func (h *LocalHeap) youngGC(ctx context.Context, c *Cycle, concurrent bool) {
	h.mark(ctx, heuristics.MarkYoung, concurrent)

	originalNew := h.activeSemi.HeapObjectSize()
	h.mc.StartCalculationBeforeGC(h.activeSemi.AllocatedSizeSinceGC(), h.old.AllocatedSizeSinceGC())
	setCSet(h.activeSemi)
	var seeds regionCursor
	for _, s := range h.oldGenSpaces() {
		seeds.add(s)
	}
	start := time.Now()
	e := h.evacuate(ctx, h.old, false, true, &seeds)
	c.Copied, c.Promoted = e.copied.Load(), e.promoted.Load()
	h.stats.SetSpeed(stats.YoungEvacuateSpaceSpeed, c.Copied+c.Promoted, time.Since(start))
	h.swapSemiSpaces()

	c.SurvivalRate = h.limits.AdjustBySurvivalRate(h.old, h.Sizes(), originalNew, c.Copied, c.Promoted)
	if e.promotionFailed.Load() {
		h.log.Info("%s: promotion failed, next gc is full", h.name)
		h.nextGCFull.Store(true)
	}
	h.old.ResetAllocatedSize()
	h.mc.StopCalculationAfterGC(YoungGC, c.Copied+c.Promoted)
	h.verifyIf(verify.EvacuateYoung)
}

func (h *LocalHeap) oldGC(ctx context.Context, c *Cycle, concurrent bool) {
	alive := h.mark(ctx, heuristics.MarkFull, concurrent)
	h.mc.StartCalculationBeforeGC(h.activeSemi.AllocatedSizeSinceGC(), h.old.AllocatedSizeSinceGC())

	n := h.old.SelectCSet(h.cfg.Params.CSetLiveRatio)
	c.CSetSize = uint64(n) * mem.RegionSize
	// Evacuated objects only go to fresh regions: the regions that stay are
	// walked while the copies are made.
	headroom := uint64(n+h.wm.TotalThreadNum()) * mem.RegionSize
	h.old.IncreaseOvershootSize(headroom)
	h.old.CloseCurrentRegion()
	h.old.FreeList().Reset()

	setCSet(h.activeSemi)
	var seeds regionCursor
	h.old.EnumerateRegions(func(r *mem.Region) {
		if !r.InCSet() {
			seeds.regions = append(seeds.regions, r)
		}
	})
	for _, s := range []mem.Space{h.nonMovable, h.machineCode, h.huge, h.hugeMachineCode} {
		seeds.add(s)
	}
	for _, s := range h.immortalSpaces() {
		seeds.add(s)
	}
	start := time.Now()
	e := h.evacuate(ctx, h.old, false, false, &seeds)
	c.Copied, c.Promoted = e.copied.Load(), e.promoted.Load()
	h.stats.SetSpeed(stats.OldEvacuateSpaceSpeed, c.Copied+c.Promoted+e.moved.Load(), time.Since(start))
	h.swapSemiSpaces()

	h.sweep(ctx)
	h.old.DecreaseOvershootSize(headroom)
	if e.promotionFailed.Load() {
		h.nextGCFull.Store(true)
	}
	h.checkNonMovableLiveSize()
	h.old.ResetAllocatedSize()
	h.mc.StopCalculationAfterGC(OldGC, alive)
	h.limits.RecomputeLimits(h.old, h.Sizes())
	h.verifyIf(verify.EvacuateOld)
}

func (h *LocalHeap) fullGC(ctx context.Context, c *Cycle, concurrent bool) {
	alive := h.mark(ctx, heuristics.MarkFull, concurrent)
	h.mc.StartCalculationBeforeGC(h.activeSemi.AllocatedSizeSinceGC(), h.old.AllocatedSizeSinceGC())

	setCSet(h.activeSemi)
	setCSet(h.old)
	var seeds regionCursor
	for _, s := range []mem.Space{h.nonMovable, h.machineCode, h.huge, h.hugeMachineCode} {
		seeds.add(s)
	}
	for _, s := range h.immortalSpaces() {
		seeds.add(s)
	}
	start := time.Now()
	e := h.evacuate(ctx, h.compress, true, false, &seeds)
	c.Copied, c.Promoted = e.copied.Load(), e.promoted.Load()
	h.stats.SetSpeed(stats.OldEvacuateSpaceSpeed, c.Copied+c.Promoted+e.moved.Load(), time.Since(start))

	// The compacted objects become the old space.
	h.old.Reset()
	h.old.Merge(h.compress)
	h.activeSemi.Reset()
	h.activeSemi.ResetOvershootSize()
	h.activeSemi.SetWaterLine()
	h.tlab = mem.NewTLAB(h.as, h.activeSemi, false)

	h.sweep(ctx)
	if limit := h.old.MaximumCapacity() + h.old.OvershootSize(); h.old.CommittedSize() > limit {
		h.log.Warn("%s: %s of old space still live after full gc, limit %s", h.name,
			config.FormatSize(h.old.CommittedSize()), config.FormatSize(limit))
		h.oldOverLimit.Store(true)
	}
	h.nextGCFull.Store(false)
	h.limits.SetFullMarkRequested(false)
	h.checkNonMovableLiveSize()
	h.mc.StopCalculationAfterGC(c.Type, alive)
	h.limits.RecomputeLimits(h.old, h.Sizes())
	h.verifyIf(verify.EvacuateFull)
}

// sweep frees the unmarked objects of the sparse spaces, releases the
// evacuated old regions and the dead huge objects. The sparse spaces are
// swept on the pool when concurrent sweeping is enabled.
func (h *LocalHeap) sweep(ctx context.Context) {
	h.phase(ctx, "sweep", func() {
		start := time.Now()
		var size uint64
		spaces := h.sweepableSpaces()
		for _, s := range spaces {
			s.PrepareSweeping()
			size += s.HeapObjectSize()
		}
		h.old.ReclaimCSet()
		h.huge.Sweep()
		h.hugeMachineCode.Sweep()

		if h.cfg.EnableConcurrentSweep {
			for _, s := range spaces {
				if s.IsSweeping() {
					h.postTask(func(uint32) { s.SweepAll() })
				}
			}
			return
		}
		for _, s := range spaces {
			s.SweepAll()
		}
		h.stats.SetSpeed(stats.SweepSpeed, size, time.Since(start))
	})
}

// checkNonMovableLiveSize arms an out of memory error for the next
// non-movable allocation when too much of that space survived.
func (h *LocalHeap) checkNonMovableLiveSize() {
	if live := h.nonMovable.HeapObjectSize(); live > h.cfg.MaxNonmovableLiveObjSize {
		h.log.Warn("%s: %s of non-movable objects survived, limit %s", h.name,
			config.FormatSize(live), config.FormatSize(h.cfg.MaxNonmovableLiveObjSize))
		h.SetShouldThrowOOMError(true)
	}
}

// moveOldToAppSpawn hands every old region to the app spawn space, where
// the objects stay for the lifetime of the process.
func (h *LocalHeap) moveOldToAppSpawn() {
	regions, size := h.old.TakeRegions()
	h.appSpawn.AdoptRegions(regions)
	h.log.Debug("%s: moved %d regions (%s) to the app spawn space", h.name, len(regions), config.FormatSize(size))
}
