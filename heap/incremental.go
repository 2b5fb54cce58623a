package heap

import (
	"time"

	"github.com/gengc/gengc/heuristics"
)

// IncrementalState is the phase of an incremental mark.
type IncrementalState uint8

const (
	// IncrementalIdle means no incremental mark is running.
	IncrementalIdle IncrementalState = iota
	// IncrementalMarking means objects are still queued for tracing.
	IncrementalMarking
	// IncrementalRemark means the tracing is done and the next collection
	// finishes the mark from the roots.
	IncrementalRemark
)

func (s IncrementalState) String() string {
	switch s {
	case IncrementalIdle:
		return "idle"
	case IncrementalMarking:
		return "marking"
	case IncrementalRemark:
		return "remark"
	default:
		return "unknown"
	}
}

// incrementalSpeed averages the tracing speed of incremental mark steps.
type incrementalSpeed struct {
	bytes   uint64
	elapsed time.Duration
}

func (s *incrementalSpeed) record(bytes uint64, d time.Duration) {
	s.bytes += bytes
	s.elapsed += d
}

// perMS returns the average speed in bytes per millisecond, zero if unknown.
func (s *incrementalSpeed) perMS() float64 {
	ms := float64(s.elapsed) / float64(time.Millisecond)
	if s.bytes == 0 || ms == 0 {
		return 0
	}
	return float64(s.bytes) / ms
}

// IncrementalState returns the phase of the incremental mark.
func (h *LocalHeap) IncrementalState() IncrementalState {
	c := &h.marking
	if !c.active() || !c.incremental {
		return IncrementalIdle
	}
	if markState(c.state.Load()) == markDone {
		return IncrementalRemark
	}
	return IncrementalMarking
}

// TryTriggerIncrementalMarking plans an incremental full mark for the next
// idle periods when the old generation nears its limit. It needs idle
// collection enabled, no mark in flight and no other idle task planned.
func (h *LocalHeap) TryTriggerIncrementalMarking() bool {
	if !h.cfg.EnableIdleGC || !h.IsReadyToConcurrentMark() || h.InGC() || h.destroyed.Load() {
		return false
	}
	h.idle.lock.Lock()
	defer h.idle.lock.Unlock()
	if h.idle.task != heuristics.NoIdleTask {
		return false
	}
	if !h.limits.IncrementalMarkNeeded(h.Sizes(), h.incrSpeed.perMS()) {
		return false
	}
	h.idle.task, h.idle.mark, h.idle.predicted = heuristics.IncrementalMark, heuristics.MarkFull, 0
	h.idle.notify = true
	h.log.Trace("%s: idle %v planned", h.name, heuristics.IncrementalMark)
	return true
}

// TriggerIncrementalMark runs one step of an incremental full mark within
// budget and returns the phase the mark is left in. The first step clears
// the marks and queues the roots. Every step traces until the budget is
// spent or no work is left; the state is kept for the next step. Once in
// IncrementalRemark the next collection finishes the mark. Objects
// allocated or stored meanwhile are kept alive as with a concurrent mark.
func (h *LocalHeap) TriggerIncrementalMark(budget time.Duration) IncrementalState {
	start := time.Now()
	deadline := start.Add(budget)
	c := &h.marking
	switch {
	case h.InGC() || h.destroyed.Load():
		return h.IncrementalState()
	case !c.active():
		h.startIncrementalMarking()
	case !c.incremental:
		// A concurrent mark owns the mark bits.
		return IncrementalIdle
	}
	if markState(c.state.Load()) == markDone {
		return IncrementalRemark
	}

	scanned, drained := c.m.drainUntil(0, deadline)
	h.incrSpeed.record(scanned, time.Since(start))
	if drained {
		c.state.Store(int32(markDone))
		h.log.Debug("%s: incremental mark traced everything after %v", h.name, time.Since(c.start))
		return IncrementalRemark
	}
	return IncrementalMarking
}

// startIncrementalMarking clears the marks of the local heap and queues the
// roots. The mutator does all the tracing; no helper is posted.
func (h *LocalHeap) startIncrementalMarking() {
	const t = heuristics.MarkFull
	c := &h.marking
	h.limits.SetFullMarkRequested(false)
	h.prepareMarking(t)
	h.wm.Initialize(h.ensureWorkManager(), markPhase(t))
	h.wm.SetPostTaskHook(nil)

	c.typ = t
	c.scope = markScope(t)
	c.start = time.Now()
	c.incremental = true
	c.m = h.newMarker(t, &c.stop)
	c.state.Store(int32(markRunning))
	h.markRoots(c.m, t)
	h.log.Debug("%s: incremental mark started", h.name)
}
