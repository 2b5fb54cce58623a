package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/internal/task"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/rset"
	"github.com/gengc/gengc/verify"
)

// LocalHeap is the heap of one mutator. It owns a young generation of two
// semi spaces, an old generation of sparse, huge and immortal spaces, and a
// handle table the mutator keeps its roots in.
//
// Allocation, the write barrier and every collection of a local heap run on
// the owning mutator. Marking and sweeping may continue on pool workers.
type LocalHeap struct {
	base

	cfg    *config.Config
	as     *mem.AddressSpace
	model  mem.ObjectModel
	thread *task.Thread

	activeSemi      *mem.SemiSpace
	inactiveSemi    *mem.SemiSpace
	old             *mem.SparseSpace
	compress        *mem.SparseSpace
	nonMovable      *mem.SparseSpace
	machineCode     *mem.SparseSpace
	huge            *mem.HugeSpace
	hugeMachineCode *mem.HugeSpace
	readOnly        *mem.LinearSpace
	snapshot        *mem.LinearSpace
	appSpawn        *mem.LinearSpace

	// tlab is the mutator allocation buffer on the active semi space.
	tlab *mem.TLAB

	handles handleTable

	wm     *gcwork.WorkManager
	limits *heuristics.Limits
	mc     *heuristics.MemController
	smart  *heuristics.SmartGC

	marking concurrentMark

	// sharedBuffer collects shared objects shaded by the write barrier while
	// the shared heap marks.
	sharedBuffer gcwork.LocalBuffer
	// sharedRSet holds the local-to-share sets detached by a shared
	// collection until they are merged back.
	sharedRSet atomic.Pointer[rset.WorkListHandler]

	nextGCFull   atomic.Bool
	oldOverLimit atomic.Bool
	inBackground atomic.Bool
	idle         idleState
	incrSpeed    incrementalSpeed

	// Object size recorded when the mutator started its current task.
	taskBeginSize atomic.Uint64

	// startupTimer ends the startup or the restraint window after it.
	startupLock  sync.Mutex
	startupTimer *time.Timer

	destroyed atomic.Bool
}

func newLocalHeap(rt *Runtime, name string) (*LocalHeap, error) {
	cfg := rt.cfg
	h := &LocalHeap{
		cfg:   cfg,
		as:    rt.as,
		model: rt.model,
	}
	if err := h.base.init(rt, name); err != nil {
		return nil, err
	}

	semiParams := mem.SemiSpaceParams{
		GrowSurvivalRate:   cfg.Params.GrowObjectSurvivalRate,
		ShrinkSurvivalRate: cfg.Params.ShrinkObjectSurvivalRate,
		GrowingFactor:      cfg.Params.SemiSpaceGrowingFactor,
	}
	oldCap := cfg.MaxHeapSize - cfg.FixedCapacity()
	h.activeSemi = mem.NewSemiSpace(h.as, cfg.MinSemiSpaceSize, cfg.MaxSemiSpaceSize, semiParams)
	h.inactiveSemi = mem.NewSemiSpace(h.as, cfg.MinSemiSpaceSize, cfg.MaxSemiSpaceSize, semiParams)
	h.old = mem.NewSparseSpace(h.as, mem.OldSpaceType, oldCap, oldCap)
	h.compress = mem.NewSparseSpace(h.as, mem.CompressSpaceType, oldCap, cfg.MaxHeapSize)
	h.nonMovable = mem.NewSparseSpace(h.as, mem.NonMovableSpaceType, cfg.NonMovableSpaceSize, cfg.NonMovableSpaceSize)
	h.machineCode = mem.NewSparseSpace(h.as, mem.MachineCodeSpaceType, cfg.MachineCodeSpaceSize, cfg.MachineCodeSpaceSize)
	h.huge = mem.NewHugeSpace(h.as, mem.HugeObjectSpaceType, 0, oldCap)
	h.hugeMachineCode = mem.NewHugeSpace(h.as, mem.HugeMachineCodeSpaceType, 0, oldCap)
	h.readOnly = mem.NewLinearSpace(h.as, mem.ReadOnlySpaceType, cfg.ReadOnlySpaceSize, cfg.ReadOnlySpaceSize)
	h.snapshot = mem.NewLinearSpace(h.as, mem.SnapshotSpaceType, cfg.SnapshotSpaceSize, cfg.SnapshotSpaceSize)
	h.appSpawn = mem.NewLinearSpace(h.as, mem.AppSpawnSpaceType, 0, oldCap)
	h.tlab = mem.NewTLAB(h.as, h.activeSemi, false)

	h.handles.init()
	h.wm = gcwork.NewWorkManager(rt.totalThreads())
	h.mc = heuristics.NewMemController(cfg.Params)
	h.limits = heuristics.NewLimits(cfg, h.mc)
	h.smart = heuristics.NewSmartGC(heuristics.SmartGCConfig{
		MaxHeapSize:            cfg.MaxHeapSize,
		JustFinishStartupRatio: cfg.Params.JustFinishStartupLocalRatio,
		ConcurrentMarkRatio:    cfg.Params.JustFinishStartupConcurrentMarkRatio,
		IncObjSizeThreshold:    cfg.IncObjSizeThresholdInSensitive,
		MinSensitiveRate:       cfg.Params.MinSensitiveObjectSurvivalRate,
	})
	h.marking.init()

	h.thread = rt.registry.NewThread(name, task.KindMutator, h)
	h.log.Debug("%s: created, old space %s, semi space %s", name,
		config.FormatSize(oldCap), config.FormatSize(cfg.MinSemiSpaceSize))
	return h, nil
}

// Runtime returns the runtime the heap belongs to.
func (h *LocalHeap) Runtime() *Runtime { return h.rt }

// Thread returns the registry entry of the owning mutator.
func (h *LocalHeap) Thread() *task.Thread { return h.thread }

// Enter marks the mutator as running. It blocks while a shared collection
// has the world stopped.
func (h *LocalHeap) Enter() { h.thread.TransitionToRunning() }

// Leave marks the mutator as not touching the heap.
func (h *LocalHeap) Leave() { h.thread.TransitionToNative() }

// Safepoint parks the mutator if a shared collection asked it to stop.
func (h *LocalHeap) Safepoint() { h.thread.CheckSafepoint() }

// spaces returns every space of the heap.
func (h *LocalHeap) spaces() []mem.Space {
	return []mem.Space{
		h.activeSemi, h.inactiveSemi, h.old, h.compress, h.nonMovable, h.machineCode,
		h.huge, h.hugeMachineCode, h.readOnly, h.snapshot, h.appSpawn,
	}
}

// oldGenSpaces returns the spaces whose pointers into the young generation
// are remembered.
func (h *LocalHeap) oldGenSpaces() []mem.Space {
	return []mem.Space{
		h.old, h.nonMovable, h.machineCode, h.huge, h.hugeMachineCode,
		h.readOnly, h.snapshot, h.appSpawn,
	}
}

func (h *LocalHeap) immortalSpaces() []mem.Space {
	return []mem.Space{h.readOnly, h.snapshot, h.appSpawn}
}

func (h *LocalHeap) sweepableSpaces() []*mem.SparseSpace {
	return []*mem.SparseSpace{h.old, h.nonMovable, h.machineCode}
}

// Space returns the space of the given type, or nil if the heap has none.
func (h *LocalHeap) Space(t mem.SpaceType) mem.Space {
	for _, s := range h.spaces() {
		if s.Type() == t && (t != mem.SemiSpaceType || s == h.activeSemi) {
			return s
		}
	}
	return nil
}

// HeapObjectSize returns the object size over every space.
func (h *LocalHeap) HeapObjectSize() uint64 {
	var n uint64
	for _, s := range h.spaces() {
		n += s.HeapObjectSize()
	}
	return n
}

// CommittedSize returns the committed size over every space.
func (h *LocalHeap) CommittedSize() uint64 {
	var n uint64
	for _, s := range h.spaces() {
		n += s.CommittedSize()
	}
	return n
}

// Sizes returns a snapshot of the heap sizes for the heuristics.
func (h *LocalHeap) Sizes() heuristics.Sizes {
	semi := h.activeSemi
	return heuristics.Sizes{
		HeapObject:        h.HeapObjectSize(),
		Committed:         h.CommittedSize(),
		OldObject:         h.old.HeapObjectSize() + h.huge.HeapObjectSize() + h.hugeMachineCode.HeapObjectSize(),
		OldSpaceObject:    h.old.HeapObjectSize(),
		OldCommitted:      h.old.CommittedSize() + h.huge.CommittedSize(),
		OldSpaceCommitted: h.old.CommittedSize(),
		OldInitial:        h.old.InitialCapacity(),
		OldMaximum:        h.old.MaximumCapacity(),
		OldOvershoot:      h.old.OvershootSize(),
		SemiObject:        semi.HeapObjectSize(),
		SemiCommitted:     semi.CommittedSize(),
		SemiInitial:       semi.InitialCapacity(),
		SemiOvershoot:     semi.OvershootSize(),
	}
}

// Limits returns the triggering limits of the heap.
func (h *LocalHeap) Limits() *heuristics.Limits { return h.limits }

// MemController returns the allocation and speed history of the heap.
func (h *LocalHeap) MemController() *heuristics.MemController { return h.mc }

// SmartGC returns the startup and sensitivity state of the heap.
func (h *LocalHeap) SmartGC() *heuristics.SmartGC { return h.smart }

// NeedStopCollection reports whether the startup or sensitive state asks
// to skip collections for now.
func (h *LocalHeap) NeedStopCollection() bool {
	size := h.HeapObjectSize()
	return h.smart.NeedStopCollection(size, h.limits.ObjectExceedMaxHeapSize(size))
}

// ensureWorkManager reconciles the work manager with the pool size, which
// changes when parallel collection is switched on or off.
func (h *LocalHeap) ensureWorkManager() int {
	n := h.rt.totalThreads()
	if h.wm.TotalThreadNum() != n {
		h.log.Debug("%s: work manager resized from %d to %d threads", h.name, h.wm.TotalThreadNum(), n)
	}
	return n
}

// flushTLAB retires the mutator buffer so that the young generation can be
// walked.
func (h *LocalHeap) flushTLAB() { h.tlab.Flush() }

func (h *LocalHeap) waitSweepingFinished() {
	for _, s := range h.sweepableSpaces() {
		s.WaitSweepingFinished()
	}
}

// Destroy releases the heap. It waits for the background tasks of the heap
// and merges back any remembered sets detached by a shared collection. The
// heap must not be used afterwards.
func (h *LocalHeap) Destroy() error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return ErrHeapDestroyed
	}
	// Stay running until unregistered: a shared collection must not walk the
	// heap while it is torn down.
	h.thread.TransitionToRunning()
	h.stopStartupTimer()
	h.marking.cancel(h.wm)
	h.WaitAllTasksFinished()
	h.waitSweepingFinished()
	h.ProcessSharedGCRSetWorkList()
	h.ProcessSharedGCMarkingLocalBuffer()

	h.rt.removeHeap(h)
	h.flushTLAB()
	for _, s := range h.spaces() {
		s.Destroy()
	}
	h.rt.registry.Unregister(h.thread)
	h.close()
	h.log.Debug("%s: destroyed", h.name)
	return nil
}

// Destroyed reports whether Destroy was called.
func (h *LocalHeap) Destroyed() bool { return h.destroyed.Load() }

// VerifyAll runs a verification pass and returns the number of violations.
// Violations are reported through diagnostics.Fatal. The mutator of h must
// be stopped: its buffer is retired first so that the young generation can
// be walked.
func (h *LocalHeap) VerifyAll(kind verify.Kind) int {
	h.flushTLAB()
	return verify.VerifyAll(localTarget{h}, kind)
}

// verifyIf runs a verification pass when heap verification is enabled.
func (h *LocalHeap) verifyIf(kind verify.Kind) {
	if h.cfg.EnableHeapVerify {
		h.VerifyAll(kind)
	}
}

type localTarget struct{ h *LocalHeap }

var _ verify.Target = localTarget{}

func (t localTarget) Name() string                    { return t.h.name }
func (t localTarget) AddressSpace() *mem.AddressSpace { return t.h.as }
func (t localTarget) Model() mem.ObjectModel          { return t.h.model }
func (t localTarget) Shared() bool                    { return false }

func (t localTarget) EnumerateSpaces(fn func(s mem.Space)) {
	for _, s := range t.h.spaces() {
		fn(s)
	}
}

func (t localTarget) IterateRoots(fn func(v mem.Address)) {
	t.h.handles.iterate(fn)
}

func (t localTarget) LocalToSharePending() bool {
	hd := t.h.sharedRSet.Load()
	return hd != nil && !hd.IsMergedBack()
}

// Handle names a root slot of a local heap. The zero handle is invalid.
type Handle uint32

// handleTable holds the roots of a mutator. Values may be weak.
type handleTable struct {
	lock  sync.Mutex
	slots []mem.Address
	used  []bool
	free  []Handle
}

func (t *handleTable) init() {
	t.slots = make([]mem.Address, 1, 64)
	t.used = make([]bool, 1, 64)
}

func (t *handleTable) add(v mem.Address) Handle {
	t.lock.Lock()
	defer t.lock.Unlock()
	if n := len(t.free); n > 0 {
		hd := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[hd], t.used[hd] = v, true
		return hd
	}
	t.slots = append(t.slots, v)
	t.used = append(t.used, true)
	return Handle(len(t.slots) - 1)
}

func (t *handleTable) check(hd Handle) {
	if hd == 0 || int(hd) >= len(t.slots) || !t.used[hd] {
		panic(fmt.Sprintf("heap: invalid handle %d", hd))
	}
}

func (t *handleTable) get(hd Handle) mem.Address {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.check(hd)
	return t.slots[hd]
}

func (t *handleTable) set(hd Handle, v mem.Address) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.check(hd)
	t.slots[hd] = v
}

func (t *handleTable) release(hd Handle) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.check(hd)
	t.slots[hd], t.used[hd] = mem.Null, false
	t.free = append(t.free, hd)
}

func (t *handleTable) len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.slots) - 1 - len(t.free)
}

// iterate calls fn for every non-null root value.
func (t *handleTable) iterate(fn func(v mem.Address)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for i, v := range t.slots {
		if t.used[i] && v != mem.Null {
			fn(v)
		}
	}
}

// update replaces every non-null root value by fn's result.
func (t *handleTable) update(fn func(v mem.Address) mem.Address) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for i, v := range t.slots {
		if t.used[i] && v != mem.Null {
			t.slots[i] = fn(v)
		}
	}
}

// NewHandle registers v as a root. A weak value (see mem.MakeWeak) does not
// keep its target alive; the handle is cleared when the target dies.
func (h *LocalHeap) NewHandle(v mem.Address) Handle { return h.handles.add(v) }

// Deref returns the value of a handle, weak tag included.
func (h *LocalHeap) Deref(hd Handle) mem.Address { return h.handles.get(hd) }

// SetHandle changes the value of a handle.
func (h *LocalHeap) SetHandle(hd Handle, v mem.Address) { h.handles.set(hd, v) }

// ReleaseHandle drops a root.
func (h *LocalHeap) ReleaseHandle(hd Handle) { h.handles.release(hd) }

// HandleCount returns the number of live handles.
func (h *LocalHeap) HandleCount() int { return h.handles.len() }
