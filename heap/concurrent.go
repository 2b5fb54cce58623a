package heap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/mem"
)

type markState int32

const (
	markIdle markState = iota
	markRunning
	// markDone means the helpers ran out of work. The mark still needs the
	// remark of the next collection.
	markDone
)

// concurrentMark is the state of a mark running beside the mutator. Objects
// allocated in its scope are born marked and the write barrier shades every
// stored reference; the collection that finishes it rescans the roots.
type concurrentMark struct {
	state atomic.Int32
	typ   heuristics.MarkType
	scope func(r *mem.Region) bool
	start time.Time
	m     *marker

	stop    atomic.Bool
	tasks   sync.WaitGroup
	helpers atomic.Int32
	limit   int32

	// incremental is set for a mark traced by the mutator in idle time
	// slices instead of by helpers.
	incremental bool
}

func (c *concurrentMark) init() {
	c.state.Store(int32(markIdle))
}

func (c *concurrentMark) active() bool {
	return markState(c.state.Load()) != markIdle
}

// covers reports whether a running mark traces region r.
func (c *concurrentMark) covers(r *mem.Region) bool {
	return c.active() && c.scope(r)
}

// cancel stops the helpers and drops the mark. Marks set so far are left
// behind; the next mark clears them.
func (c *concurrentMark) cancel(wm *gcwork.WorkManager) {
	if !c.active() {
		return
	}
	c.stop.Store(true)
	c.tasks.Wait()
	wm.SetPostTaskHook(nil)
	wm.Finish()
	c.m = nil
	c.incremental = false
	c.stop.Store(false)
	c.state.Store(int32(markIdle))
}

// spawn posts a mark helper running work unless enough are running. The
// last helper to run out of work moves the mark to markDone when drained
// reports that nothing is left.
func (c *concurrentMark) spawn(b *base, wm *gcwork.WorkManager, work func(tid uint32), drained func() bool) {
	for {
		n := c.helpers.Load()
		if n >= c.limit {
			return
		}
		if c.helpers.CompareAndSwap(n, n+1) {
			break
		}
	}
	c.tasks.Add(1)
	posted := b.postTask(func(tid uint32) {
		defer c.tasks.Done()
		if int(tid) < wm.TotalThreadNum() {
			work(tid)
		}
		if c.helpers.Add(-1) == 0 && drained() && !c.stop.Load() {
			c.state.CompareAndSwap(int32(markRunning), int32(markDone))
		}
	})
	if !posted {
		c.helpers.Add(-1)
		c.tasks.Done()
	}
}

// IsReadyToConcurrentMark reports whether no concurrent mark is in flight.
func (h *LocalHeap) IsReadyToConcurrentMark() bool {
	return !h.marking.active()
}

// IsConcurrentMarking reports whether a concurrent mark is in flight and of
// which type.
func (h *LocalHeap) IsConcurrentMarking() (heuristics.MarkType, bool) {
	if !h.marking.active() {
		return 0, false
	}
	return h.marking.typ, true
}

// TryTriggerConcurrentMarking starts a concurrent mark if the limits ask for
// one. Nothing happens while a mark runs, during a collection, while the
// heap is sensitive or when concurrent marking is disabled.
func (h *LocalHeap) TryTriggerConcurrentMarking() bool {
	if !h.cfg.EnableConcurrentMark || !h.IsReadyToConcurrentMark() || h.InGC() || h.destroyed.Load() {
		return false
	}
	if h.smart.InSensitiveStatus() {
		return false
	}
	s := h.Sizes()
	t, ok := h.limits.TryTriggerConcurrentMarking(heuristics.ConcurrentMarkDecision{
		Sizes:                 s,
		JustFinishStartup:     h.smart.IsJustFinishStartup(),
		BelowStartupThreshold: !h.smart.ObjectExceedJustFinishStartupThresholdForCM(s.HeapObject),
		FirstYoungMarkSize:    h.cfg.SemiSpaceTriggerConcurrentMark,
	})
	if !ok {
		return false
	}
	return h.TriggerConcurrentMarking(t)
}

// TriggerConcurrentMarking starts a concurrent mark of type t. It returns
// false if concurrent marking is disabled or a mark is already running.
func (h *LocalHeap) TriggerConcurrentMarking(t heuristics.MarkType) bool {
	if !h.cfg.EnableConcurrentMark || !h.IsReadyToConcurrentMark() || h.InGC() {
		return false
	}
	if t == heuristics.MarkFull {
		h.limits.SetFullMarkRequested(false)
	}
	h.startConcurrentMarking(t)
	return true
}

func (h *LocalHeap) startConcurrentMarking(t heuristics.MarkType) {
	c := &h.marking
	h.prepareMarking(t)
	h.wm.Initialize(h.ensureWorkManager(), markPhase(t))

	mark, _ := h.rt.taskLimits(h.inBackground.Load())
	c.limit = int32(max(mark, 1))
	c.typ = t
	c.scope = markScope(t)
	c.start = time.Now()
	c.incremental = false
	c.m = h.newMarker(t, &c.stop)
	h.wm.SetPostTaskHook(func(uint32) { h.spawnMarkTask() })
	c.state.Store(int32(markRunning))

	h.markRoots(c.m, t)
	h.wm.PushWorkNodeToGlobal(0, false)
	h.spawnMarkTask()
	h.log.Debug("%s: concurrent %v mark started", h.name, t)
}

// spawnMarkTask posts a mark helper unless enough are running.
func (h *LocalHeap) spawnMarkTask() {
	c := &h.marking
	c.spawn(&h.base, h.wm, c.m.drain, h.wm.GlobalEmpty)
}

// WaitConcurrentMarkingFinished blocks until the helpers of the running
// concurrent mark ran out of work.
func (h *LocalHeap) WaitConcurrentMarkingFinished() {
	h.thread.SuspensionScope(h.marking.tasks.Wait)
}

// CheckOngoingConcurrentMarking joins a running concurrent mark before a
// collection. It reports whether there was one. The mutator stays running:
// the helpers never wait for a safepoint.
func (h *LocalHeap) CheckOngoingConcurrentMarking() bool {
	if !h.marking.active() {
		return false
	}
	h.marking.tasks.Wait()
	return true
}

// finishConcurrentMarking remarks from the roots with the mutator stopped
// and processes weak references. It returns the alive size.
func (h *LocalHeap) finishConcurrentMarking(ctx context.Context) uint64 {
	c := &h.marking
	t := c.typ
	var alive uint64
	h.phase(ctx, "remark."+t.String(), func() {
		c.tasks.Wait()
		h.wm.SetPostTaskHook(nil)
		alive = h.markAndFinish(c.m, t)
	})
	if !c.incremental {
		h.mc.RecordAfterConcurrentMark(t, alive, time.Since(c.start))
	}
	c.m = nil
	c.incremental = false
	c.state.Store(int32(markIdle))
	h.log.Debug("%s: concurrent %v mark finished after %v", h.name, t, time.Since(c.start))
	h.verifyIf(markVerifyKind(t))
	return alive
}
