package heuristics

import (
	"sync/atomic"

	"github.com/gengc/gengc/config"
)

// SharedSizes is a snapshot of the sizes of the shared heap.
type SharedSizes struct {
	HeapObject uint64
	Committed  uint64

	OldObject    uint64
	OldCommitted uint64
	// OldExceedLimit and HugeExceedCapacity come from the spaces.
	OldExceedLimit     bool
	HugeExceedCapacity bool
}

// SharedLimits are the allocation limits of the shared heap.
type SharedLimits struct {
	cfg *config.Config

	growingFactor float64
	growingStep   uint64

	globalAllocLimit    atomic.Uint64
	concurrentMarkLimit atomic.Uint64
}

// NewSharedLimits returns the limits of a fresh shared heap.
func NewSharedLimits(cfg *config.Config) *SharedLimits {
	l := &SharedLimits{
		cfg:           cfg,
		growingFactor: cfg.SharedHeapLimitGrowingFactor,
		growingStep:   cfg.SharedHeapLimitGrowingStep,
	}
	l.globalAllocLimit.Store(cfg.DefaultGlobalAllocLimit)
	l.concurrentMarkLimit.Store(uint64(float64(cfg.DefaultGlobalAllocLimit) * cfg.Params.TriggerSharedConcurrentMarkRate))
	return l
}

// GlobalAllocLimit returns the object size that triggers a shared collection.
func (l *SharedLimits) GlobalAllocLimit() uint64 { return l.globalAllocLimit.Load() }

// ConcurrentMarkLimit returns the object size that triggers a shared
// concurrent mark.
func (l *SharedLimits) ConcurrentMarkLimit() uint64 { return l.concurrentMarkLimit.Load() }

// ObjectExceedMaxHeapSize reports whether the shared heap reached its hard
// ceiling.
func (l *SharedLimits) ObjectExceedMaxHeapSize(s SharedSizes) bool {
	return s.OldExceedLimit || s.HugeExceedCapacity
}

// AdjustGlobalSpaceAllocLimit recomputes the limits after a shared
// collection:
//
//	limit = min(max(obj*factor, 2*defaultLimit), committed+step, maxHeapSize)
//	markLimit = max(limit*markRate, obj*incrementFactor)
func (l *SharedLimits) AdjustGlobalSpaceAllocLimit(s SharedSizes) (limit, markLimit uint64) {
	limit = max(uint64(float64(s.HeapObject)*l.growingFactor), 2*l.cfg.DefaultGlobalAllocLimit)
	limit = min(limit, s.Committed+l.growingStep, l.cfg.SharedMaxHeapSize)
	p := l.cfg.Params
	markLimit = uint64(float64(limit) * p.TriggerSharedConcurrentMarkRate)
	markLimit = max(markLimit, uint64(float64(s.HeapObject)*p.SharedMarkLimitIncrementFactor))
	l.globalAllocLimit.Store(limit)
	l.concurrentMarkLimit.Store(markLimit)
	return limit, markLimit
}

// NeedSharedGC reports whether a shared collection is due. A concurrent mark
// that is running or finished handles it unless the heap is at its ceiling.
func (l *SharedLimits) NeedSharedGC(s SharedSizes, markingOrFinished, needStop bool) bool {
	if markingOrFinished && !l.ObjectExceedMaxHeapSize(s) {
		return false
	}
	return (s.OldExceedLimit || s.HeapObject > l.GlobalAllocLimit()) && !needStop
}

// NeedSharedGCForHuge is NeedSharedGC for a huge allocation; hugeExceed
// tells whether the allocation exceeds the huge space capacity.
func (l *SharedLimits) NeedSharedGCForHuge(s SharedSizes, hugeExceed, markingOrFinished, needStop bool) bool {
	if markingOrFinished && !l.ObjectExceedMaxHeapSize(s) {
		return false
	}
	return (hugeExceed || s.HeapObject > l.GlobalAllocLimit()) && !needStop
}

// NeedSharedConcurrentMark reports whether the shared heap reached its
// concurrent mark limit.
func (l *SharedLimits) NeedSharedConcurrentMark(s SharedSizes) bool {
	return s.HeapObject > l.ConcurrentMarkLimit()
}

// NearOOMType picks the collection to run when a shared allocation failed:
// a compacting one when the old space is fragmented enough.
func (l *SharedLimits) NearOOMType(s SharedSizes) GCType {
	if sub(s.OldCommitted, s.OldObject) >= l.cfg.FragmentationLimitForSharedFullGC {
		return SharedFullGC
	}
	return SharedGC
}
