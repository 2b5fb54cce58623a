package heuristics

import (
	"fmt"
	"time"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/mem"
)

// BackgroundGCNeeded reports whether switching to the background should run
// a full collection: the heap grew since the last collection and most of
// the committed memory is garbage.
func BackgroundGCNeeded(p config.Params, heapObject, aliveAfterGC, committed uint64) bool {
	if committed == 0 || heapObject <= aliveAfterGC {
		return false
	}
	return heapObject-aliveAfterGC > p.BackgroundGrowLimit &&
		committed >= p.MinBackgroundGCLimit &&
		float64(heapObject)/float64(committed) <= p.MinObjectSurvivalRate
}

// TaskCounts returns the mark and evacuation task limits for the foreground
// or background given the GC thread option and the pool size (including the
// collecting thread).
func TaskCounts(inBackground bool, gcThreadNum, poolThreads int) (mark, evacuate int) {
	if inBackground {
		mark = min(gcThreadNum, (poolThreads-1)/2)
		evacuate = poolThreads / 2
	} else {
		mark = min(gcThreadNum, poolThreads-1)
		evacuate = poolThreads
	}
	return max(mark, 0), max(evacuate, 1)
}

// TaskFinishedGCNeeded reports whether a finished task grew the heap by more
// than max(TriggerOldGCObjectSizeLimit, TriggerOldGCObjectLimitRate*begin).
func TaskFinishedGCNeeded(p config.Params, begin, current uint64) bool {
	if current <= begin {
		return false
	}
	threshold := max(float64(p.TriggerOldGCObjectSizeLimit), p.TriggerOldGCObjectLimitRate*float64(begin))
	return float64(current-begin) > threshold
}

// HintGCNeeded reports whether a memory reduce hint of the given degree is
// worth acting on. Low hints need the heap to have grown by a noticeable
// share of the live size, middle hints by a background grow step; high hints
// only need any growth.
func HintGCNeeded(p config.Params, degree MemoryReduceDegree, heapObject, aliveAfterGC uint64) bool {
	if heapObject <= aliveAfterGC {
		return false
	}
	grown := heapObject - aliveAfterGC
	switch degree {
	case DegreeLow:
		return float64(grown) >= max(float64(p.BackgroundGrowLimit), p.TriggerOldGCObjectLimitRate*float64(aliveAfterGC))
	case DegreeMiddle:
		return grown >= p.BackgroundGrowLimit
	default:
		return true
	}
}

// IdleTaskType is the work scheduled for the next idle period.
type IdleTaskType uint8

const (
	NoIdleTask IdleTaskType = iota
	FinishMarking
	IdleYoungGC
	// IncrementalMark traces a full mark in idle time slices.
	IncrementalMark
)

func (t IdleTaskType) String() string {
	switch t {
	case NoIdleTask:
		return "none"
	case FinishMarking:
		return "finish-marking"
	case IdleYoungGC:
		return "young-gc"
	case IncrementalMark:
		return "incremental-mark"
	default:
		return fmt.Sprintf("IdleTaskType(%d)", uint8(t))
	}
}

// IdleYoungGCNeeded reports whether the young generation would fill up
// within two regions of allocation after a concurrent young mark.
func (mc *MemController) IdleYoungGCNeeded(semiInitial, semiCommitted, semiObject uint64) bool {
	allocSpeed := mc.NewSpaceAllocationThroughputPerMS()
	markSpeed := mc.NewSpaceConcurrentMarkSpeedPerMS()
	if allocSpeed == 0 || markSpeed == 0 {
		return false
	}
	toLimit := (float64(semiInitial) - float64(semiCommitted)) / allocSpeed
	markDuration := float64(semiObject) / markSpeed
	return (toLimit-markDuration)*allocSpeed < 2*mem.RegionSize
}

// Speeds are the recorded collector speeds in bytes per millisecond. Zero
// means unknown.
type Speeds struct {
	YoungUpdateReference float64
	UpdateReference      float64
	YoungEvacuate        float64
	OldEvacuate          float64
	Sweep                float64
	Mark                 float64
}

// IdleInput describes the heap for PredictIdleDuration.
type IdleInput struct {
	Mark         MarkType
	Task         IdleTaskType
	HeapObject   uint64
	SemiObject   uint64
	CSetSize     uint64
	SurvivalRate float64
}

// PredictIdleDuration estimates the pause of the collection an idle task
// would run.
func PredictIdleDuration(in IdleInput, s Speeds) time.Duration {
	var ms float64
	div := func(bytes, speed float64) {
		if speed > 0 {
			ms += bytes / speed
		}
	}
	if in.Mark == MarkYoung {
		div(float64(in.HeapObject), s.YoungUpdateReference)
		div(float64(in.SemiObject)*in.SurvivalRate, s.YoungEvacuate)
	} else {
		div(float64(in.HeapObject), s.UpdateReference)
		div(float64(in.HeapObject), s.Sweep)
		div(in.SurvivalRate*float64(in.SemiObject)+float64(in.CSetSize), s.OldEvacuate)
	}
	if in.Task == IdleYoungGC {
		div(float64(in.SemiObject), s.Mark)
	}
	return time.Duration(ms * float64(time.Millisecond))
}
