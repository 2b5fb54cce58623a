package heuristics

import (
	"sync"
	"sync/atomic"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/mem"
)

// Capacity is a space whose initial capacity acts as its allocation limit.
type Capacity interface {
	InitialCapacity() uint64
	SetInitialCapacity(size uint64)
}

// Overshoot is a space with temporary headroom above its limit.
type Overshoot interface {
	OvershootSize() uint64
	IncreaseOvershootSize(size uint64)
}

// OldGCAction is the outcome of CheckOldGC.
type OldGCAction uint8

const (
	// NoOldGC means the old generation is within its limits.
	NoOldGC OldGCAction = iota
	// GrowOvershoot means a full concurrent mark is running; the old space
	// overshoot was increased instead of collecting.
	GrowOvershoot
	// CollectOld asks for an old collection.
	CollectOld
)

// Limits are the allocation limits of a local heap and the decisions
// derived from them.
type Limits struct {
	cfg *config.Config
	mc  *MemController

	globalAllocLimit  atomic.Uint64
	oldLimitAdjusted  atomic.Bool
	fullMarkRequested atomic.Bool

	// Serializes the limit recomputation of concurrent callers.
	lock sync.Mutex
}

// NewLimits returns the limits of a fresh local heap.
func NewLimits(cfg *config.Config, mc *MemController) *Limits {
	l := &Limits{cfg: cfg, mc: mc}
	l.globalAllocLimit.Store(cfg.MaxHeapSize - cfg.MinSemiSpaceSize)
	return l
}

// MemController returns the speed recorder behind the limits.
func (l *Limits) MemController() *MemController { return l.mc }

// GlobalAllocLimit returns the object size over every space that triggers
// an old collection.
func (l *Limits) GlobalAllocLimit() uint64 { return l.globalAllocLimit.Load() }

// SetGlobalAllocLimit overrides the global allocation limit.
func (l *Limits) SetGlobalAllocLimit(v uint64) { l.globalAllocLimit.Store(v) }

// OldSpaceLimitAdjusted reports whether survival rates stopped shrinking the
// old space limit.
func (l *Limits) OldSpaceLimitAdjusted() bool { return l.oldLimitAdjusted.Load() }

// FullMarkRequested reports whether the next concurrent mark must be full.
func (l *Limits) FullMarkRequested() bool { return l.fullMarkRequested.Load() }

// SetFullMarkRequested sets or clears the full mark request.
func (l *Limits) SetFullMarkRequested(v bool) { l.fullMarkRequested.Store(v) }

// OldSpaceExceedLimit reports whether the old generation outgrew its limit.
func (l *Limits) OldSpaceExceedLimit(s Sizes) bool {
	return s.OldObject >= s.OldInitial+s.OldOvershoot
}

// OldSpaceExceedCapacity reports whether promoting size more bytes would
// exceed the maximum capacity of the old space.
func (l *Limits) OldSpaceExceedCapacity(s Sizes, size uint64) bool {
	return s.OldCommitted+size >= s.OldMaximum+s.OldOvershoot
}

// ObjectExceedMaxHeapSize reports whether the heap is so full that only the
// reserve for a concurrent mark is left.
func (l *Limits) ObjectExceedMaxHeapSize(heapObject uint64) bool {
	return ObjectExceedMaxHeapSize(l.cfg, heapObject)
}

// ObjectExceedMaxHeapSize reports whether heapObject is within one old space
// overshoot step of the maximum heap size.
func ObjectExceedMaxHeapSize(cfg *config.Config, heapObject uint64) bool {
	if cfg.OldSpaceStepOvershootSize >= cfg.MaxHeapSize {
		return true
	}
	return heapObject > cfg.MaxHeapSize-cfg.OldSpaceStepOvershootSize
}

// SelectGCType picks between a young and an old collection. While a
// concurrent mark is running its type decides, so young is returned.
func (l *Limits) SelectGCType(s Sizes, concurrentMarkEnabled, markInFlight bool) GCType {
	if concurrentMarkEnabled && markInFlight {
		return YoungGC
	}
	if !l.OldSpaceExceedLimit(s) &&
		!l.OldSpaceExceedCapacity(s, s.SemiCommitted) &&
		s.HeapObject <= l.GlobalAllocLimit()+s.OldOvershoot {
		return YoungGC
	}
	return OldGC
}

// CheckOldGC decides whether allocating size bytes in the old generation
// needs an old collection. When a full concurrent mark is running the old
// space overshoot is grown step by step instead, up to its maximum.
func (l *Limits) CheckOldGC(old Overshoot, s Sizes, size uint64, fullMarking, needStop bool) OldGCAction {
	if fullMarking && old.OvershootSize() == 0 {
		old.IncreaseOvershootSize(l.cfg.OldSpaceStepOvershootSize)
		s.OldOvershoot = old.OvershootSize()
	}
	exceeded := l.OldSpaceExceedLimit(s) || l.OldSpaceExceedCapacity(s, size) ||
		s.HeapObject > l.GlobalAllocLimit()+s.OldOvershoot
	if !exceeded || needStop {
		return NoOldGC
	}
	if fullMarking && old.OvershootSize() < l.cfg.OldSpaceMaxOvershootSize {
		old.IncreaseOvershootSize(l.cfg.OldSpaceStepOvershootSize)
		return GrowOvershoot
	}
	return CollectOld
}

// AdjustBySurvivalRate records the survival rate of a young collection that
// started with originalNew bytes in the young generation. Before the old
// space limit settles the rates shrink it; afterwards a sharp drop of the
// rate requests a full mark. It returns the survival rate.
func (l *Limits) AdjustBySurvivalRate(old Capacity, s Sizes, originalNew, copied, promoted uint64) float64 {
	if originalNew == 0 {
		return 0
	}
	rate := min(float64(copied+promoted)/float64(originalNew), 1)
	if !l.oldLimitAdjusted.Load() {
		l.mc.AddSurvivalRate(rate)
		l.AdjustOldSpaceLimit(old, s)
		return rate
	}
	avg := l.mc.AverageSurvivalRate()
	if avg/2 > rate && avg > l.cfg.Params.GrowObjectSurvivalRate {
		l.SetFullMarkRequested(true)
		l.mc.ResetRecordedSurvivalRates()
	}
	l.mc.AddSurvivalRate(rate)
	return rate
}

// AdjustOldSpaceLimit shrinks the old space limit and the global limit by
// the average survival rate. Once the computed limit would grow, the limit
// is considered settled and is left to RecomputeLimits.
func (l *Limits) AdjustOldSpaceLimit(old Capacity, s Sizes) {
	if l.oldLimitAdjusted.Load() {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	step := l.cfg.MinGrowingStep
	avg := l.mc.AverageSurvivalRate()
	current := old.InitialCapacity()
	next := max(s.OldSpaceObject+step, uint64(float64(current)*avg))
	if next <= current {
		old.SetInitialCapacity(next)
	} else {
		l.oldLimitAdjusted.Store(true)
	}
	global := l.GlobalAllocLimit()
	nextGlobal := max(s.HeapObject+step, uint64(float64(global)*avg))
	if nextGlobal < global {
		l.globalAllocLimit.Store(nextGlobal)
	}
}

// RecomputeLimits sets the old space limit and the global limit after an old
// or full collection from the live size and the growing factor. It requests
// a full mark when the old space is mostly empty.
func (l *Limits) RecomputeLimits(old Capacity, s Sizes) (oldLimit, globalLimit uint64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	gcSpeed := l.mc.CalculateMarkCompactSpeedPerMS()
	mutatorSpeed := l.mc.CurrentOldSpaceAllocationThroughputPerMS()
	factor := l.mc.CalculateGrowingFactor(gcSpeed, mutatorSpeed)

	newSpaceCapacity := s.SemiInitial
	maxOld := sub(s.OldMaximum, newSpaceCapacity)
	oldLimit = l.mc.CalculateAllocLimit(s.OldObject, l.cfg.MinOldSpaceLimit, maxOld, newSpaceCapacity, factor)
	maxGlobal := sub(l.cfg.MaxHeapSize, newSpaceCapacity)
	globalLimit = l.mc.CalculateAllocLimit(s.HeapObject, l.cfg.MinHeapSize, maxGlobal, newSpaceCapacity, factor)

	l.globalAllocLimit.Store(globalLimit)
	old.SetInitialCapacity(oldLimit)

	if float64(s.OldSpaceObject)/l.cfg.Params.ShrinkObjectSurvivalRate < float64(s.OldSpaceCommitted) &&
		s.OldSpaceCommitted/2 > oldLimit {
		l.SetFullMarkRequested(true)
	}
	return oldLimit, globalLimit
}

// ConcurrentMarkDecision is the input of TryTriggerConcurrentMarking.
type ConcurrentMarkDecision struct {
	Sizes Sizes
	// JustFinishStartup and BelowStartupThreshold restrain marking right
	// after the cold start.
	JustFinishStartup     bool
	BelowStartupThreshold bool
	// FirstYoungMarkSize is the committed young size that triggers the
	// first young mark, before any speed is known.
	FirstYoungMarkSize uint64
}

// TryTriggerConcurrentMarking decides whether to start a concurrent mark and
// of which type. The caller checks that no mark is running.
func (l *Limits) TryTriggerConcurrentMarking(d ConcurrentMarkDecision) (MarkType, bool) {
	if l.FullMarkRequested() {
		return MarkFull, true
	}
	if d.JustFinishStartup && d.BelowStartupThreshold {
		return 0, false
	}
	s := d.Sizes
	atLimit := s.OldObject >= s.OldInitial || s.HeapObject >= l.GlobalAllocLimit()
	if atLimit {
		return MarkFull, true
	}
	oldAllocSpeed := l.mc.OldSpaceAllocationThroughputPerMS()
	oldMarkSpeed := l.mc.FullSpaceConcurrentMarkSpeedPerMS()
	if oldAllocSpeed > 0 && oldMarkSpeed > 0 {
		toLimit := float64(s.OldInitial-s.OldObject) / oldAllocSpeed
		markDuration := float64(s.HeapObject) / oldMarkSpeed
		remain := (toLimit - markDuration) * oldAllocSpeed
		if remain > 0 && remain < mem.RegionSize {
			return MarkFull, true
		}
	}

	newAllocSpeed := l.mc.NewSpaceAllocationThroughputPerMS()
	newMarkSpeed := l.mc.NewSpaceConcurrentMarkSpeedPerMS()
	if newAllocSpeed == 0 || newMarkSpeed == 0 {
		if s.SemiCommitted >= d.FirstYoungMarkSize {
			return MarkYoung, true
		}
		return 0, false
	}
	capacity := s.SemiInitial + s.SemiOvershoot
	if capacity <= s.SemiCommitted {
		return MarkYoung, true
	}
	toLimit := float64(capacity-s.SemiCommitted) / newAllocSpeed
	markDuration := float64(s.SemiObject) / newMarkSpeed
	if (toLimit-markDuration)*newAllocSpeed < mem.RegionSize {
		return MarkYoung, true
	}
	return 0, false
}

// IncrementalAllocateSizeLimit bounds the bytes the mutator may allocate in
// the old generation while an incremental mark runs. Above it a concurrent
// mark is the better choice.
const IncrementalAllocateSizeLimit = 100 * 1024

// IncrementalMarkNeeded decides whether to start an incremental full mark in
// idle time. markSpeed is the average incremental mark speed in bytes per
// millisecond, zero if unknown. The mark must end before the old space
// reaches its limit and the old generation must not grow much meanwhile.
func (l *Limits) IncrementalMarkNeeded(s Sizes, markSpeed float64) bool {
	if s.HeapObject >= l.GlobalAllocLimit() {
		return true
	}
	allocSpeed := l.mc.OldSpaceAllocationThroughputPerMS()
	if allocSpeed == 0 || markSpeed == 0 {
		return s.OldObject >= s.OldInitial
	}
	toLimit := (float64(s.OldInitial) - float64(s.OldObject)) / allocSpeed
	markDuration := float64(s.HeapObject) / markSpeed
	if (toLimit-markDuration)*allocSpeed >= mem.RegionSize {
		return false
	}
	return allocSpeed*markDuration < IncrementalAllocateSizeLimit
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
