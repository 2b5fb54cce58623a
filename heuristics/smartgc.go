package heuristics

import (
	"sync/atomic"
)

// SmartGC restrains collections while the application starts up and during
// latency sensitive phases.
type SmartGC struct {
	maxHeapSize      uint64
	justFinishRatio  float64
	concurrentRatio  float64
	incThreshold     uint64
	minSensitiveRate float64

	startup   atomic.Int32
	sensitive atomic.Int32

	recordBeforeSensitive atomic.Uint64
	nearGCInSensitive     atomic.Bool
}

// SmartGCConfig holds the thresholds of a SmartGC.
type SmartGCConfig struct {
	MaxHeapSize uint64
	// JustFinishStartupRatio is the fraction of MaxHeapSize the heap may
	// reach right after startup before collections resume.
	JustFinishStartupRatio float64
	// ConcurrentMarkRatio is applied on top of JustFinishStartupRatio for
	// concurrent marks.
	ConcurrentMarkRatio float64
	// IncObjSizeThreshold is the growth allowed while sensitive.
	IncObjSizeThreshold uint64
	// MinSensitiveRate marks the heap near a forced collection once this
	// fraction of the sensitive budget is used.
	MinSensitiveRate float64
}

// NewSmartGC returns a SmartGC in the BeforeStartup and NormalScene states.
func NewSmartGC(c SmartGCConfig) *SmartGC {
	return &SmartGC{
		maxHeapSize:      c.MaxHeapSize,
		justFinishRatio:  c.JustFinishStartupRatio,
		concurrentRatio:  c.ConcurrentMarkRatio,
		incThreshold:     c.IncObjSizeThreshold,
		minSensitiveRate: c.MinSensitiveRate,
	}
}

// StartupStatus returns the startup state.
func (g *SmartGC) StartupStatus() StartupStatus { return StartupStatus(g.startup.Load()) }

// SensitiveStatus returns the sensitivity state.
func (g *SmartGC) SensitiveStatus() SensitiveStatus { return SensitiveStatus(g.sensitive.Load()) }

// OnStartupEvent reports whether the cold start is in progress.
func (g *SmartGC) OnStartupEvent() bool { return g.StartupStatus() == OnStartup }

// IsJustFinishStartup reports whether the cold start ended recently.
func (g *SmartGC) IsJustFinishStartup() bool { return g.StartupStatus() == JustFinishStartup }

// BeginStartup enters the cold start. It returns false unless the state was
// BeforeStartup.
func (g *SmartGC) BeginStartup() bool {
	return g.startup.CompareAndSwap(int32(BeforeStartup), int32(OnStartup))
}

// FinishStartup ends the cold start. It returns false if no cold start was
// in progress.
func (g *SmartGC) FinishStartup() bool {
	return g.startup.CompareAndSwap(int32(OnStartup), int32(JustFinishStartup))
}

// FinishRestrain ends the restraint window that follows the cold start.
func (g *SmartGC) FinishRestrain() bool {
	return g.startup.CompareAndSwap(int32(JustFinishStartup), int32(FinishStartup))
}

// NotifyHighSensitive enters or leaves a latency sensitive phase.
func (g *SmartGC) NotifyHighSensitive(start bool) {
	if start {
		g.sensitive.Store(int32(EnterHighSensitive))
	} else {
		g.sensitive.Store(int32(ExitHighSensitive))
	}
}

// HandleExitHighSensitive moves from ExitHighSensitive to NormalScene and
// forgets the recorded size. It returns true when the transition happened,
// which is when the caller should check its triggers again.
func (g *SmartGC) HandleExitHighSensitive() bool {
	if g.OnStartupEvent() {
		return false
	}
	if !g.sensitive.CompareAndSwap(int32(ExitHighSensitive), int32(NormalScene)) {
		return false
	}
	g.recordBeforeSensitive.Store(0)
	g.nearGCInSensitive.Store(false)
	return true
}

// InSensitiveStatus reports whether collections should be avoided.
func (g *SmartGC) InSensitiveStatus() bool {
	return g.SensitiveStatus() == EnterHighSensitive || g.OnStartupEvent()
}

// IsNearGCInSensitive reports whether most of the sensitive budget is used.
func (g *SmartGC) IsNearGCInSensitive() bool { return g.nearGCInSensitive.Load() }

// RecordHeapObjectSizeBeforeSensitive returns the size recorded when the
// sensitive phase first asked to stop a collection.
func (g *SmartGC) RecordHeapObjectSizeBeforeSensitive() uint64 {
	return g.recordBeforeSensitive.Load()
}

// ObjectExceedJustFinishStartupThresholdForGC reports whether the heap grew
// past the restraint threshold for collections.
func (g *SmartGC) ObjectExceedJustFinishStartupThresholdForGC(heapObject uint64) bool {
	return float64(heapObject) > float64(g.maxHeapSize)*g.justFinishRatio
}

// ObjectExceedJustFinishStartupThresholdForCM reports whether the heap grew
// past the restraint threshold for concurrent marks.
func (g *SmartGC) ObjectExceedJustFinishStartupThresholdForCM(heapObject uint64) bool {
	return float64(heapObject) > float64(g.maxHeapSize)*g.justFinishRatio*g.concurrentRatio
}

// NeedStopCollectionByStartup reports whether the startup state forbids a
// collection. During the cold start only the hard ceiling lets a collection
// through; right after it the heap may grow to a fraction of its maximum.
func (g *SmartGC) NeedStopCollectionByStartup(heapObject uint64, exceedMax bool) bool {
	switch g.StartupStatus() {
	case OnStartup:
		return !exceedMax
	case JustFinishStartup:
		return !exceedMax && !g.ObjectExceedJustFinishStartupThresholdForGC(heapObject)
	}
	return false
}

// NeedStopCollection decides whether a local heap collection must be
// skipped. exceedMax tells whether the heap reached its hard ceiling.
func (g *SmartGC) NeedStopCollection(heapObject uint64, exceedMax bool) bool {
	if g.NeedStopCollectionByStartup(heapObject, exceedMax) {
		return true
	}
	if !g.InSensitiveStatus() {
		return false
	}
	record := g.recordBeforeSensitive.Load()
	if record == 0 {
		record = heapObject
		g.recordBeforeSensitive.Store(record)
	}
	budget := record + g.incThreshold
	if heapObject < budget && !exceedMax {
		if !g.nearGCInSensitive.Load() && float64(heapObject) > float64(budget)*g.minSensitiveRate {
			g.nearGCInSensitive.Store(true)
		}
		return true
	}
	return false
}

// NeedStopSharedCollection is NeedStopCollection for the shared heap, which
// has no sensitive budget.
func (g *SmartGC) NeedStopSharedCollection(heapObject uint64, exceedMax bool) bool {
	if g.NeedStopCollectionByStartup(heapObject, exceedMax) {
		return true
	}
	if !g.InSensitiveStatus() {
		return false
	}
	return !exceedMax
}
