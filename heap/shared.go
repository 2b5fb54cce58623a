package heap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/rset"
	"github.com/gengc/gengc/stats"
	"github.com/gengc/gengc/verify"
)

// SharedHeap holds the objects every mutator may reference. It is collected
// on a daemon thread with every mutator suspended; its marking may run
// concurrently with the mutators.
//
// Local objects that point into the shared heap are found through the
// local-to-share sets of the local heaps. A shared mark detaches those sets
// and merges them back exactly once, either on the owning mutator before it
// collects its own heap or at the remark.
type SharedHeap struct {
	base

	cfg   *config.Config
	as    *mem.AddressSpace
	model mem.ObjectModel

	old        *mem.SparseSpace
	compress   *mem.SparseSpace
	nonMovable *mem.SparseSpace
	huge       *mem.HugeSpace
	readOnly   *mem.LinearSpace
	appSpawn   *mem.LinearSpace

	wm     *gcwork.SharedWorkManager
	limits *heuristics.SharedLimits
	daemon *daemon

	marking concurrentMark
	// markRequested is set while a concurrent mark start is queued on the
	// daemon.
	markRequested atomic.Bool
	// handlers hold the local-to-share sets detached by the current mark.
	handlers []*rset.WorkListHandler

	gcLock  sync.Mutex
	gcCond  sync.Cond
	pending int

	// localMarkTriggered is set once the local heaps were asked for a full
	// mark in the current cycle.
	localMarkTriggered atomic.Bool

	destroyed atomic.Bool
}

func newSharedHeap(rt *Runtime) (*SharedHeap, error) {
	cfg := rt.cfg
	s := &SharedHeap{
		cfg:   cfg,
		as:    rt.as,
		model: rt.model,
	}
	if err := s.base.init(rt, "shared"); err != nil {
		return nil, err
	}
	oldCap := cfg.SharedMaxHeapSize - cfg.NonMovableSpaceSize - cfg.ReadOnlySpaceSize
	s.old = mem.NewSparseSpace(s.as, mem.SharedOldSpaceType, oldCap, oldCap)
	s.compress = mem.NewSparseSpace(s.as, mem.SharedCompressSpaceType, oldCap, cfg.SharedMaxHeapSize)
	s.nonMovable = mem.NewSparseSpace(s.as, mem.SharedNonMovableSpaceType, cfg.NonMovableSpaceSize, cfg.NonMovableSpaceSize)
	s.huge = mem.NewHugeSpace(s.as, mem.SharedHugeObjectSpaceType, 0, oldCap)
	s.readOnly = mem.NewLinearSpace(s.as, mem.SharedReadOnlySpaceType, cfg.ReadOnlySpaceSize, cfg.ReadOnlySpaceSize)
	s.appSpawn = mem.NewLinearSpace(s.as, mem.SharedAppSpawnSpaceType, 0, oldCap)

	s.wm = gcwork.NewSharedWorkManager(rt.totalThreads())
	s.limits = heuristics.NewSharedLimits(cfg)
	s.gcCond.L = &s.gcLock
	s.marking.init()
	s.daemon = newDaemon(rt.registry, "shared-gc", s)
	s.log.Debug("shared: created, old space %s", config.FormatSize(oldCap))
	return s, nil
}

func (s *SharedHeap) spaces() []mem.Space {
	return []mem.Space{s.old, s.compress, s.nonMovable, s.huge, s.readOnly, s.appSpawn}
}

func (s *SharedHeap) immortalSpaces() []mem.Space {
	return []mem.Space{s.readOnly, s.appSpawn}
}

func (s *SharedHeap) sweepableSpaces() []*mem.SparseSpace {
	return []*mem.SparseSpace{s.old, s.nonMovable}
}

// Space returns the space of the given type, or nil if the heap has none.
func (s *SharedHeap) Space(t mem.SpaceType) mem.Space {
	for _, sp := range s.spaces() {
		if sp.Type() == t {
			return sp
		}
	}
	return nil
}

// HeapObjectSize returns the object size over every space.
func (s *SharedHeap) HeapObjectSize() uint64 {
	var n uint64
	for _, sp := range s.spaces() {
		n += sp.HeapObjectSize()
	}
	return n
}

// CommittedSize returns the committed size over every space.
func (s *SharedHeap) CommittedSize() uint64 {
	var n uint64
	for _, sp := range s.spaces() {
		n += sp.CommittedSize()
	}
	return n
}

// Sizes returns a snapshot of the heap sizes for the heuristics.
func (s *SharedHeap) Sizes() heuristics.SharedSizes {
	return heuristics.SharedSizes{
		HeapObject:         s.HeapObjectSize(),
		Committed:          s.CommittedSize(),
		OldObject:          s.old.HeapObjectSize(),
		OldCommitted:       s.old.CommittedSize(),
		OldExceedLimit:     s.old.CommittedSize()+mem.RegionSize > s.old.MaximumCapacity()+s.old.OvershootSize(),
		HugeExceedCapacity: s.huge.CommittedSize() >= s.huge.MaximumCapacity(),
	}
}

// Limits returns the triggering limits of the shared heap.
func (s *SharedHeap) Limits() *heuristics.SharedLimits { return s.limits }

func (s *SharedHeap) waitSweepingFinished() {
	for _, sp := range s.sweepableSpaces() {
		sp.WaitSweepingFinished()
	}
}

// IsReadyToConcurrentMark reports whether no shared concurrent mark is
// running or queued.
func (s *SharedHeap) IsReadyToConcurrentMark() bool {
	return !s.marking.active() && !s.markRequested.Load()
}

// allocate allocates a shared object for the mutator of h. Collections it
// needs run through h so that the mutator waits outside of running state.
func (s *SharedHeap) allocate(h *LocalHeap, typ mem.SpaceType, size uint64, layout mem.Layout) (mem.Address, error) {
	if s.destroyed.Load() {
		return mem.Null, ErrHeapDestroyed
	}
	var alloc func() (mem.Address, error)
	switch {
	case typ == mem.SharedReadOnlySpaceType:
		addr, err := s.readOnly.Allocate(size)
		if err != nil {
			// Nothing in the read-only space is ever freed.
			oom := s.outOfMemory(size, typ)
			diagnostics.Fatal(oom)
			return mem.Null, oom
		}
		s.initObject(addr, size, layout)
		return addr, nil
	case size > mem.MaxRegularObjectSize:
		typ = mem.SharedHugeObjectSpaceType
		s.CheckHugeAndTriggerSharedGC(h, size)
		alloc = func() (mem.Address, error) { return s.huge.Allocate(size) }
	case typ == mem.SharedNonMovableSpaceType:
		s.CheckAndTriggerSharedGC(h)
		alloc = func() (mem.Address, error) { return s.nonMovable.Allocate(size) }
	default:
		s.CheckAndTriggerSharedGC(h)
		alloc = func() (mem.Address, error) { return s.old.Allocate(size) }
	}

	addr, err := alloc()
	for _, t := range []TriggerType{s.limits.NearOOMType(s.Sizes()), SharedFullGC} {
		if err == nil {
			break
		}
		if cerr := h.CollectGarbage(t, ReasonNearOOM); cerr != nil {
			return mem.Null, cerr
		}
		addr, err = alloc()
	}
	if err != nil {
		oom := s.outOfMemory(size, typ)
		diagnostics.Fatal(oom)
		return mem.Null, oom
	}
	s.initObject(addr, size, layout)
	return addr, nil
}

// initObject writes the header of a fresh shared object. Objects allocated
// while the shared heap marks are allocated marked.
func (s *SharedHeap) initObject(addr mem.Address, size uint64, layout mem.Layout) {
	s.as.InitObject(addr, size, layout)
	r := s.as.RegionOf(addr)
	if !layout.PointerFree() {
		r.SetHasReferences()
	}
	if s.marking.covers(r) && r.Mark(addr) {
		r.AddLiveBytes(size)
	}
}

// shade hands target, a shared object in region r just stored by the
// mutator of h, to a running shared mark.
func (s *SharedHeap) shade(h *LocalHeap, r *mem.Region, target mem.Address) {
	if s.marking.covers(r) && r.Mark(target) {
		s.wm.PushToLocalBuffer(&h.sharedBuffer, target)
	}
}

// needStop asks the startup and sensitive state of the mutator of h whether
// shared collections are held back.
func (s *SharedHeap) needStop(h *LocalHeap, sz heuristics.SharedSizes) bool {
	return h.smart.NeedStopSharedCollection(sz.HeapObject, s.limits.ObjectExceedMaxHeapSize(sz))
}

// CheckAndTriggerSharedGC collects the shared heap on behalf of the mutator
// of h when it crossed its allocation limit, or starts a concurrent mark when
// it crossed the mark limit. It reports whether a collection ran.
func (s *SharedHeap) CheckAndTriggerSharedGC(h *LocalHeap) bool {
	sz := s.Sizes()
	if s.limits.NeedSharedGC(sz, !s.IsReadyToConcurrentMark(), s.needStop(h, sz)) {
		h.collect(SharedGC, ReasonSharedLimit)
		return true
	}
	if s.limits.NeedSharedConcurrentMark(sz) {
		s.TriggerConcurrentMarking(ReasonSharedLimit)
	}
	return false
}

// CheckHugeAndTriggerSharedGC is CheckAndTriggerSharedGC before a huge
// allocation of size bytes.
func (s *SharedHeap) CheckHugeAndTriggerSharedGC(h *LocalHeap, size uint64) bool {
	sz := s.Sizes()
	exceed := s.huge.CommittedSize()+uint64(mem.RegionUnits(size))*mem.RegionSize > s.huge.MaximumCapacity()
	if s.limits.NeedSharedGCForHuge(sz, exceed, !s.IsReadyToConcurrentMark(), s.needStop(h, sz)) {
		h.collect(SharedGC, ReasonSharedLimit)
		return true
	}
	if s.limits.NeedSharedConcurrentMark(sz) {
		s.TriggerConcurrentMarking(ReasonSharedLimit)
	}
	return false
}

// CollectGarbage runs a shared collection on the daemon and waits for it.
// A running mutator must go through LocalHeap.CollectGarbage instead, which
// leaves running state while it waits.
func (s *SharedHeap) CollectGarbage(t TriggerType, reason Reason) error {
	if !t.IsShared() {
		return fmt.Errorf("%s: %w %v", s.name, ErrInvalidTrigger, t)
	}
	return s.request(t, reason, false)
}

// CollectGarbageNearOOM runs the collection fitting a failed allocation:
// a compacting one when the old space is fragmented.
func (s *SharedHeap) CollectGarbageNearOOM() error {
	return s.CollectGarbage(s.limits.NearOOMType(s.Sizes()), ReasonNearOOM)
}

// CompactHeapBeforeFork compacts the shared heap and moves the old space
// into the shared app spawn space.
func (s *SharedHeap) CompactHeapBeforeFork() error {
	return s.request(SharedFullGC, ReasonAppSpawn, true)
}

func (s *SharedHeap) request(t TriggerType, reason Reason, appSpawn bool) error {
	if s.destroyed.Load() {
		return ErrHeapDestroyed
	}
	s.gcLock.Lock()
	s.pending++
	s.gcLock.Unlock()

	errc := make(chan error, 1)
	posted := s.daemon.post(func() {
		defer s.NotifyGCCompleted()
		if s.destroyed.Load() {
			errc <- ErrHeapDestroyed
			return
		}
		s.collect(t, reason, appSpawn)
		errc <- nil
	})
	if !posted {
		s.NotifyGCCompleted()
		return ErrHeapDestroyed
	}
	return <-errc
}

// NotifyGCCompleted marks a requested collection as done and wakes the
// threads in WaitGCFinished.
func (s *SharedHeap) NotifyGCCompleted() {
	s.gcLock.Lock()
	s.pending--
	if s.pending == 0 {
		s.gcCond.Broadcast()
	}
	s.gcLock.Unlock()
}

// WaitGCFinished blocks until every requested shared collection is done.
// Mutators must call it inside a suspension scope.
func (s *SharedHeap) WaitGCFinished() {
	s.gcLock.Lock()
	for s.pending > 0 {
		s.gcCond.Wait()
	}
	s.gcLock.Unlock()
}

// TriggerConcurrentMarking queues the start of a concurrent shared mark on
// the daemon. It returns false when concurrent shared marking is disabled
// or a mark is already running or queued.
func (s *SharedHeap) TriggerConcurrentMarking(reason Reason) bool {
	if !s.cfg.EnableSharedConcurrentMark || s.destroyed.Load() || s.marking.active() {
		return false
	}
	if !s.markRequested.CompareAndSwap(false, true) {
		return false
	}
	posted := s.daemon.post(func() {
		defer s.markRequested.Store(false)
		if s.marking.active() || s.destroyed.Load() {
			return
		}
		s.startConcurrentMarking(reason)
	})
	if !posted {
		s.markRequested.Store(false)
	}
	return posted
}

// TryTriggerLocalConcurrentMarking asks every local heap for a full mark,
// at most once per shared cycle. Local objects keep shared objects alive, so
// collecting them lets the next shared cycle free more.
func (s *SharedHeap) TryTriggerLocalConcurrentMarking() bool {
	if !s.localMarkTriggered.CompareAndSwap(false, true) {
		return false
	}
	for _, h := range s.rt.Heaps() {
		h.limits.SetFullMarkRequested(true)
	}
	return true
}

func (s *SharedHeap) suspendAll() { s.rt.registry.SuspendAll(s.daemon.thread) }
func (s *SharedHeap) resumeAll()  { s.rt.registry.ResumeAll(s.daemon.thread) }

// newMarker returns a marker of the shared heap.
func (s *SharedHeap) newMarker(stop *atomic.Bool) *marker {
	return &marker{as: s.as, model: s.model, wm: s.wm.WorkManager, scope: sharedScope, stop: stop}
}

// prepareMarking clears the marks of the shared heap, sets up the work
// manager and detaches the local-to-share sets of every local heap. Every
// mutator must be suspended.
func (s *SharedHeap) prepareMarking(heaps []*LocalHeap) {
	s.waitSweepingFinished()
	for _, sp := range s.spaces() {
		sp.EnumerateRegions(func(r *mem.Region) {
			if sharedScope(r) {
				r.ClearMarks()
				r.ResetLiveBytes()
			}
		})
	}
	s.wm.Initialize(s.rt.totalThreads(), gcwork.SharedMark)

	s.handlers = s.handlers[:0]
	for _, h := range heaps {
		// Sweeping clears the sets of freed chunks.
		h.waitSweepingFinished()
		hd := rset.NewWorkListHandler(h.thread.ID())
		hd.Initialize(func(fn func(r *mem.Region)) {
			for _, sp := range h.spaces() {
				sp.EnumerateRegions(fn)
			}
		})
		h.sharedRSet.Store(hd)
		s.handlers = append(s.handlers, hd)
	}
}

// markRoots marks from the handles of every local heap and from the shared
// immortal objects.
func (s *SharedHeap) markRoots(m *marker, heaps []*LocalHeap) {
	for _, h := range heaps {
		h.handles.iterate(func(v mem.Address) { m.markRoot(0, v) })
	}
	for _, sp := range s.immortalSpaces() {
		sp.IterateOverObjects(func(obj mem.Address) { m.scanSlots(0, obj) })
	}
}

// rsetVisitor marks from a detached local-to-share slot. Slots that no
// longer hold a shared reference are dropped.
func (s *SharedHeap) rsetVisitor(m *marker, tid uint32) rset.Visitor {
	return func(slot mem.Address) bool {
		r := s.as.RegionOf(mem.Strip(s.as.LoadRef(slot)))
		if r == nil || !r.InSharedHeap() {
			return false
		}
		m.markSlot(tid, slot)
		return true
	}
}

// drainHandlers visits the detached sets not claimed yet, draining the mark
// stack after each.
func (s *SharedHeap) drainHandlers(m *marker, tid uint32) {
	visit := s.rsetVisitor(m, tid)
	for _, hd := range s.handlers {
		for hd.ProcessNext(visit) {
			m.drain(tid)
		}
	}
	m.drain(tid)
}

// markAndFinish completes a mark with every mutator suspended: it publishes
// the mutator buffers, rescans the roots, merges back every detached set and
// processes weak references. It returns the alive size.
func (s *SharedHeap) markAndFinish(m *marker, heaps []*LocalHeap) uint64 {
	helpers, _ := s.rt.taskLimits(false)
	newPhaseRunner(&s.base, s.wm.WorkManager, helpers, func(tid uint32) {
		if tid == 0 {
			for _, h := range heaps {
				s.wm.PushLocalBufferToGlobal(&h.sharedBuffer)
			}
			s.markRoots(m, heaps)
			s.wm.PushWorkNodeToGlobal(0, true)
		}
		s.drainHandlers(m, tid)
	}).run(true)

	visit := s.rsetVisitor(m, 0)
	for _, hd := range s.handlers {
		hd.MergeBack(visit)
	}
	m.drain(0)
	s.handlers = s.handlers[:0]

	alive := s.wm.Finish()
	cleared := m.clearWeak(s.wm.WeakSlots())
	for _, h := range heaps {
		h.handles.update(m.weakRoot)
	}
	if cleared > 0 {
		s.log.Trace("shared: cleared %d weak references", cleared)
	}
	return alive
}

// startConcurrentMarking runs on the daemon. Roots are marked with the
// mutators suspended; the helpers trace the rest while they run.
func (s *SharedHeap) startConcurrentMarking(reason Reason) {
	c := &s.marking
	s.suspendAll()
	heaps := s.rt.Heaps()
	s.prepareMarking(heaps)

	mark, _ := s.rt.taskLimits(false)
	c.limit = int32(max(mark, 1))
	c.typ = heuristics.MarkFull
	c.scope = sharedScope
	c.start = time.Now()
	c.m = s.newMarker(&c.stop)
	s.wm.SetPostTaskHook(func(uint32) { s.spawnMarkTask() })
	c.state.Store(int32(markRunning))
	s.markRoots(c.m, heaps)
	s.wm.PushWorkNodeToGlobal(0, false)
	s.resumeAll()

	s.spawnMarkTask()
	s.log.Debug("shared: concurrent mark started (%v)", reason)
}

func (s *SharedHeap) spawnMarkTask() {
	c := &s.marking
	m := c.m
	c.spawn(&s.base, s.wm.WorkManager, func(tid uint32) { s.drainHandlers(m, tid) }, s.wm.GlobalEmpty)
}

// IsConcurrentMarking reports whether a shared concurrent mark is running.
func (s *SharedHeap) IsConcurrentMarking() bool { return s.marking.active() }

// WaitConcurrentMarkingFinished blocks until the helpers of the running
// shared mark ran out of work.
func (s *SharedHeap) WaitConcurrentMarkingFinished() {
	s.marking.tasks.Wait()
}

// mark runs or finishes the shared mark. Every mutator is suspended.
func (s *SharedHeap) mark(ctx context.Context, heaps []*LocalHeap) uint64 {
	c := &s.marking
	var alive uint64
	start := time.Now()
	if c.active() {
		s.phase(ctx, "remark.shared", func() {
			c.tasks.Wait()
			s.wm.SetPostTaskHook(nil)
			alive = s.markAndFinish(c.m, heaps)
		})
		c.m = nil
		c.state.Store(int32(markIdle))
		s.log.Debug("shared: concurrent mark finished after %v", time.Since(c.start))
	} else {
		s.phase(ctx, "mark.shared", func() {
			s.prepareMarking(heaps)
			alive = s.markAndFinish(s.newMarker(nil), heaps)
		})
	}
	s.stats.SetSpeed(stats.MarkSpeed, alive, time.Since(start))
	return alive
}

// collect runs a shared collection on the daemon.
func (s *SharedHeap) collect(t TriggerType, reason Reason, appSpawn bool) {
	s.suspendAll()
	defer s.resumeAll()
	done := s.enterGC()
	defer done()

	heaps := s.rt.Heaps()
	s.localMarkTriggered.Store(false)
	c := &Cycle{
		Type:       t,
		Reason:     reason,
		Mark:       heuristics.MarkFull,
		Start:      time.Now(),
		HeapBefore: s.HeapObjectSize(),
	}
	s.notify(GCStarted, c)
	ctx, span := s.startCycleSpan(c)

	s.marking.tasks.Wait()
	s.waitSweepingFinished()
	s.verifyIf(verify.PreSharedGC)

	s.mark(ctx, heaps)
	if t == SharedFullGC {
		s.compact(ctx, c, heaps)
	}
	s.sweep(ctx)
	if appSpawn {
		regions, size := s.old.TakeRegions()
		s.appSpawn.AdoptRegions(regions)
		s.log.Debug("shared: moved %d regions (%s) to the app spawn space", len(regions), config.FormatSize(size))
	}

	c.End = time.Now()
	c.HeapAfter = s.HeapObjectSize()
	if c.HeapBefore > c.HeapAfter {
		c.Freed = c.HeapBefore - c.HeapAfter
	}
	limit, markLimit := s.limits.AdjustGlobalSpaceAllocLimit(s.Sizes())
	s.log.Debug("shared: alloc limit %s, mark limit %s", config.FormatSize(limit), config.FormatSize(markLimit))
	if s.cfg.EnableHeapVerify {
		s.waitSweepingFinished()
		s.VerifyAll(verify.PostSharedGC)
		if t == SharedFullGC {
			for _, h := range heaps {
				h.marking.tasks.Wait()
				h.VerifyAll(verify.SharedRSetPostFullGC)
			}
		}
	}
	endCycleSpan(span, c)
	s.record(c, s.CommittedSize())
	s.notify(GCFinished, c)
	if reason == ReasonSharedLimit {
		s.TryTriggerLocalConcurrentMarking()
	}
}

// compact moves every live object of the shared old space into the compress
// space, which then becomes the old space. Local references are found
// through the handles and the local-to-share sets.
func (s *SharedHeap) compact(ctx context.Context, c *Cycle, heaps []*LocalHeap) {
	s.phase(ctx, "compact.shared", func() {
		start := time.Now()
		setCSet(s.old)
		var seeds regionCursor
		for _, sp := range []mem.Space{s.nonMovable, s.huge, s.readOnly, s.appSpawn} {
			seeds.add(sp)
		}
		for _, h := range heaps {
			for _, sp := range h.spaces() {
				seeds.add(sp)
			}
		}

		s.wm.Initialize(s.rt.totalThreads(), gcwork.SharedCompress)
		e := newSharedEvacuator(s, heaps)
		_, helpers := s.rt.taskLimits(false)
		e.run(helpers, &seeds, func(tid uint32, r *mem.Region) {
			if r.InSharedHeap() {
				e.seedLive(tid, r)
			} else {
				e.seedLocalToShare(tid, r)
			}
		})
		c.Copied = e.moved.Load()
		s.stats.SetSpeed(stats.OldEvacuateSpaceSpeed, c.Copied, time.Since(start))

		s.old.Reset()
		s.old.Merge(s.compress)
		s.log.Debug("shared: compacted %s", config.FormatSize(c.Copied))
	})
}

// sweep frees the unmarked shared objects, on the pool when concurrent
// sweeping is enabled.
func (s *SharedHeap) sweep(ctx context.Context) {
	s.phase(ctx, "sweep.shared", func() {
		start := time.Now()
		var size uint64
		spaces := s.sweepableSpaces()
		for _, sp := range spaces {
			sp.PrepareSweeping()
			size += sp.HeapObjectSize()
		}
		s.huge.Sweep()
		if s.cfg.EnableConcurrentSweep {
			for _, sp := range spaces {
				if sp.IsSweeping() {
					s.postTask(func(uint32) { sp.SweepAll() })
				}
			}
			return
		}
		for _, sp := range spaces {
			sp.SweepAll()
		}
		s.stats.SetSpeed(stats.SweepSpeed, size, time.Since(start))
	})
}

// VerifyAll runs a verification pass over the shared heap and returns the
// number of violations.
func (s *SharedHeap) VerifyAll(kind verify.Kind) int {
	return verify.VerifyAll(sharedTarget{s}, kind)
}

func (s *SharedHeap) verifyIf(kind verify.Kind) {
	if s.cfg.EnableHeapVerify {
		s.VerifyAll(kind)
	}
}

// destroy stops the daemon and releases the shared heap. The local heaps
// must be gone.
func (s *SharedHeap) destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	s.daemon.stop()
	s.marking.cancel(s.wm.WorkManager)
	s.WaitAllTasksFinished()
	s.waitSweepingFinished()
	for _, sp := range s.spaces() {
		sp.Destroy()
	}
	s.close()
	s.log.Debug("shared: destroyed")
}

type sharedTarget struct{ s *SharedHeap }

var _ verify.Target = sharedTarget{}

func (t sharedTarget) Name() string                    { return t.s.name }
func (t sharedTarget) AddressSpace() *mem.AddressSpace { return t.s.as }
func (t sharedTarget) Model() mem.ObjectModel          { return t.s.model }
func (t sharedTarget) Shared() bool                    { return true }
func (t sharedTarget) LocalToSharePending() bool       { return false }

func (t sharedTarget) EnumerateSpaces(fn func(s mem.Space)) {
	for _, sp := range t.s.spaces() {
		fn(sp)
	}
}

// IterateRoots passes the shared values held by the handles of every local
// heap.
func (t sharedTarget) IterateRoots(fn func(v mem.Address)) {
	for _, h := range t.s.rt.Heaps() {
		h.handles.iterate(func(v mem.Address) {
			if r := t.s.as.RegionOf(mem.Strip(v)); r != nil && r.InSharedHeap() {
				fn(v)
			}
		})
	}
}

// ProcessSharedGCRSetWorkList merges back the local-to-share sets a shared
// mark detached from this heap. A running shared mark is told about every
// slot that still holds a shared reference. It runs before every local
// collection, which may move the slots.
func (h *LocalHeap) ProcessSharedGCRSetWorkList() {
	hd := h.sharedRSet.Load()
	if hd == nil || hd.IsMergedBack() {
		return
	}
	sh := h.rt.shared
	hd.MergeBack(func(slot mem.Address) bool {
		target := mem.Strip(h.as.LoadRef(slot))
		r := h.as.RegionOf(target)
		if r == nil || !r.InSharedHeap() {
			return false
		}
		sh.shade(h, r, target)
		return true
	})
}

// ProcessSharedGCMarkingLocalBuffer hands the shared objects shaded by this
// mutator to the shared mark.
func (h *LocalHeap) ProcessSharedGCMarkingLocalBuffer() {
	h.rt.shared.wm.PushLocalBufferToGlobal(&h.sharedBuffer)
}
