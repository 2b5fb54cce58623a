package heap

import (
	"sync"
	"time"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/internal/taskpool"
	"github.com/gengc/gengc/mem"
)

// collect runs a collection started by a trigger. Errors only mean the heap
// went away, so they are logged.
func (h *LocalHeap) collect(t TriggerType, reason Reason) {
	if err := h.CollectGarbage(t, reason); err != nil {
		h.log.Debug("%s: %v gc (%v) not run: %v", h.name, t, reason, err)
	}
}

// SelectGCType picks the collection to run when the young generation is
// full.
func (h *LocalHeap) SelectGCType() TriggerType {
	_, marking := h.IsConcurrentMarking()
	return h.limits.SelectGCType(h.Sizes(), h.cfg.EnableConcurrentMark, marking)
}

// CheckAndTriggerOldGC runs an old collection before size bytes are
// allocated in the old generation if that crosses a limit. While a full
// concurrent mark runs the old space overshoot grows instead. It reports
// whether a collection ran.
func (h *LocalHeap) CheckAndTriggerOldGC(size uint64) bool {
	if h.InGC() {
		return false
	}
	t, marking := h.IsConcurrentMarking()
	fullMarking := marking && t == heuristics.MarkFull
	switch h.limits.CheckOldGC(h.old, h.Sizes(), size, fullMarking, h.NeedStopCollection()) {
	case heuristics.CollectOld:
		h.collect(OldGC, ReasonAllocationLimit)
		return true
	case heuristics.GrowOvershoot:
		h.log.Trace("%s: old space overshoot now %s", h.name, config.FormatSize(h.old.OvershootSize()))
	}
	return false
}

// growYoungOvershootIfStopped lets the young generation grow by a step when
// the startup or sensitive state forbids collecting.
func (h *LocalHeap) growYoungOvershootIfStopped() bool {
	if !h.NeedStopCollection() {
		return false
	}
	h.activeSemi.IncreaseOvershootSize(h.cfg.SemiSpaceStepOvershootSize)
	return true
}

// TryIncreaseNewSpaceOvershootByConfigSize reserves young generation room
// for an old space overshoot step beyond the current committed size, so that
// the next young collection does not come right away. Nothing happens during
// a collection or while a concurrent mark runs.
func (h *LocalHeap) TryIncreaseNewSpaceOvershootByConfigSize() bool {
	if h.InGC() || !h.IsReadyToConcurrentMark() {
		return false
	}
	h.startupLock.Lock()
	defer h.startupLock.Unlock()
	semi := h.activeSemi
	remain := int64(semi.InitialCapacity()) - int64(semi.CommittedSize())
	overshoot := max(int64(h.cfg.OldSpaceStepOvershootSize)-remain, 0)
	semi.ResetOvershootSize()
	semi.IncreaseOvershootSize(uint64(overshoot))
	return true
}

// NotifyColdStart enters the startup state. Collections then only run when
// the heap reaches its hard ceiling.
func (h *LocalHeap) NotifyColdStart() bool {
	return h.smart.BeginStartup()
}

// NotifyFinishColdStartSoon ends the startup after the default startup
// duration.
func (h *LocalHeap) NotifyFinishColdStartSoon() {
	if !h.smart.OnStartupEvent() {
		return
	}
	h.setStartupTimer(h.cfg.Params.DefaultStartupDuration, func() {
		h.NotifyFinishColdStart(false)
	})
}

// NotifyFinishColdStart ends the startup. The heap is then restrained until
// FinishStartupTimepoint. Called on the mutator, it may start a concurrent
// mark right away.
func (h *LocalHeap) NotifyFinishColdStart(onMutator bool) {
	if h.destroyed.Load() || !h.smart.FinishStartup() {
		return
	}
	h.log.Info("%s: cold start finished", h.name)
	if onMutator && h.smart.ObjectExceedJustFinishStartupThresholdForCM(h.HeapObjectSize()) {
		h.TryTriggerConcurrentMarking()
	}
	p := h.cfg.Params
	h.setStartupTimer(p.FinishStartupTimepoint-p.DefaultStartupDuration, func() {
		if h.smart.FinishRestrain() {
			h.log.Debug("%s: startup restraint finished", h.name)
		}
	})
}

func (h *LocalHeap) setStartupTimer(d time.Duration, fn func()) {
	h.startupLock.Lock()
	defer h.startupLock.Unlock()
	if h.startupTimer != nil {
		h.startupTimer.Stop()
	}
	h.startupTimer = time.AfterFunc(d, fn)
}

func (h *LocalHeap) stopStartupTimer() {
	h.startupLock.Lock()
	defer h.startupLock.Unlock()
	if h.startupTimer != nil {
		h.startupTimer.Stop()
		h.startupTimer = nil
	}
}

// NotifyHighSensitive enters or leaves a latency sensitive phase.
func (h *LocalHeap) NotifyHighSensitive(start bool) {
	h.smart.NotifyHighSensitive(start)
	h.log.Debug("%s: high sensitive %v", h.name, start)
}

// HandleExitHighSensitiveEvent finishes leaving a sensitive phase and runs
// the triggers that were held back. It must run on the mutator.
func (h *LocalHeap) HandleExitHighSensitiveEvent() bool {
	if !h.smart.HandleExitHighSensitive() {
		return false
	}
	h.TryIncreaseNewSpaceOvershootByConfigSize()
	h.TryTriggerIncrementalMarking()
	h.TryTriggerIdleCollection()
	h.TryTriggerConcurrentMarking()
	return true
}

// ChangeGCParams adapts the heap to the application moving to or from the
// background. Going to the background may run full collections of the local
// and the shared heap when they are mostly garbage.
func (h *LocalHeap) ChangeGCParams(inBackground bool) {
	h.inBackground.Store(inBackground)
	pool := h.rt.pool()
	p := h.cfg.Params
	if !inBackground {
		h.log.Info("%s: in foreground", h.name)
		if h.mc.GrowingType() != heuristics.Pressure {
			h.mc.SetGrowingType(heuristics.HighThroughput)
		}
		pool.SetThreadPriority(taskpool.Foreground)
		return
	}

	h.log.Info("%s: in background", h.name)
	if heuristics.BackgroundGCNeeded(p, h.HeapObjectSize(), h.stats.HeapAliveSizeAfterGC(), h.CommittedSize()) {
		h.collect(FullGC, ReasonSwitchBackground)
	}
	sh := h.rt.shared
	if heuristics.BackgroundGCNeeded(p, sh.HeapObjectSize(), sh.stats.HeapAliveSizeAfterGC(), sh.CommittedSize()) {
		h.collect(SharedFullGC, ReasonSwitchBackground)
	}
	if h.mc.GrowingType() != heuristics.Pressure {
		h.mc.SetGrowingType(heuristics.Conservative)
	}
	pool.SetThreadPriority(taskpool.Background)
}

// NotifyMemoryPressure switches limit growth to its most careful setting
// while the system is short of memory.
func (h *LocalHeap) NotifyMemoryPressure(high bool) {
	if high {
		h.mc.SetGrowingType(heuristics.Pressure)
	} else {
		h.mc.SetGrowingType(heuristics.Conservative)
	}
	h.log.Info("%s: memory pressure %v", h.name, high)
}

// CheckAndTriggerHintGC acts on a request to reduce memory. A low degree
// starts a concurrent full mark, higher degrees collect fully. The local heap
// is tried first, then the shared heap. Nothing happens while sensitive.
func (h *LocalHeap) CheckAndTriggerHintGC(degree heuristics.MemoryReduceDegree, reason Reason) bool {
	if h.smart.InSensitiveStatus() {
		return false
	}
	p := h.cfg.Params
	sh := h.rt.shared
	local := heuristics.HintGCNeeded(p, degree, h.HeapObjectSize(), h.stats.HeapAliveSizeAfterGC())
	shared := heuristics.HintGCNeeded(p, degree, sh.HeapObjectSize(), sh.stats.HeapAliveSizeAfterGC())
	h.log.Debug("%s: hint gc %v (%v), local %v, shared %v", h.name, degree, reason, local, shared)

	switch degree {
	case heuristics.DegreeLow:
		if local && h.TriggerConcurrentMarking(heuristics.MarkFull) {
			return true
		}
		if shared && sh.TriggerConcurrentMarking(reason) {
			return true
		}
	case heuristics.DegreeMiddle:
		if local {
			h.collect(FullGC, reason)
			return true
		}
		if shared {
			h.collect(SharedFullGC, reason)
			return true
		}
	default:
		if local {
			h.collect(FullGC, reason)
		}
		if shared {
			h.collect(SharedFullGC, reason)
		}
		return local || shared
	}
	return false
}

// NotifyTaskBegin records the object size at the start of a mutator task.
func (h *LocalHeap) NotifyTaskBegin() {
	h.taskBeginSize.Store(h.HeapObjectSize())
}

// CheckAndTriggerTaskFinishedGC runs an old collection when the task that
// just finished grew the heap by more than a threshold.
func (h *LocalHeap) CheckAndTriggerTaskFinishedGC() bool {
	if !heuristics.TaskFinishedGCNeeded(h.cfg.Params, h.taskBeginSize.Load(), h.HeapObjectSize()) {
		return false
	}
	h.collect(OldGC, ReasonTaskFinished)
	h.taskBeginSize.Store(0)
	return true
}

// CompactHeapBeforeFork compacts the heap and moves every old object to the
// app spawn space.
func (h *LocalHeap) CompactHeapBeforeFork() error {
	return h.CollectGarbage(AppSpawnFullGC, ReasonAppSpawn)
}

// ResumeForAppSpawn drops what the forked process does not inherit: dead
// huge objects, the idle semi space, the emptied old space and the marks of
// the non-moving spaces.
func (h *LocalHeap) ResumeForAppSpawn() {
	h.WaitAllTasksFinished()
	h.waitSweepingFinished()
	h.huge.Sweep()
	h.hugeMachineCode.Sweep()
	h.inactiveSemi.Reset()
	h.old.Reset()
	for _, s := range []mem.Space{h.nonMovable, h.machineCode, h.huge, h.hugeMachineCode} {
		s.EnumerateRegions(func(r *mem.Region) {
			r.ClearMarks()
			r.ResetLiveBytes()
		})
	}
	h.log.Debug("%s: resumed after fork", h.name)
}

// idleState holds the work planned for the next idle period of the mutator.
type idleState struct {
	lock       sync.Mutex
	task       heuristics.IdleTaskType
	mark       heuristics.MarkType
	predicted  time.Duration
	finishedAt time.Time
	// notify is cleared once the mutator had nothing to do for a while.
	notify bool
}

// IdleNotificationEnabled reports whether the embedder should report idle
// periods.
func (h *LocalHeap) IdleNotificationEnabled() bool {
	h.idle.lock.Lock()
	defer h.idle.lock.Unlock()
	return h.idle.notify
}

// TryTriggerIdleCollection plans work for the next idle period: finishing a
// concurrent or incremental mark whose tracing is done, another step of an
// incremental mark, or a young collection when the young generation will
// fill up before a concurrent mark of it could end. Without concurrent
// marking an incremental mark is tried last.
func (h *LocalHeap) TryTriggerIdleCollection() bool {
	if !h.cfg.EnableIdleGC || h.InGC() || h.smart.InSensitiveStatus() {
		return false
	}
	var task heuristics.IdleTaskType
	mark := heuristics.MarkYoung
	switch {
	case markState(h.marking.state.Load()) == markDone:
		task, mark = heuristics.FinishMarking, h.marking.typ
	case h.IncrementalState() == IncrementalMarking:
		task, mark = heuristics.IncrementalMark, heuristics.MarkFull
	case !h.marking.active():
		semi := h.activeSemi
		if h.mc.IdleYoungGCNeeded(semi.InitialCapacity(), semi.CommittedSize(), semi.HeapObjectSize()) {
			task = heuristics.IdleYoungGC
		} else if !h.cfg.EnableConcurrentMark {
			return h.TryTriggerIncrementalMarking()
		}
	}
	if task == heuristics.NoIdleTask {
		return false
	}
	predicted := h.CalculateIdleDuration(task, mark)

	h.idle.lock.Lock()
	h.idle.task, h.idle.mark, h.idle.predicted = task, mark, predicted
	h.idle.notify = true
	h.idle.lock.Unlock()
	h.log.Trace("%s: idle %v planned, predicted %v", h.name, task, predicted)
	return true
}

// CalculateIdleDuration predicts the pause of the collection an idle task
// runs from the recorded speeds.
func (h *LocalHeap) CalculateIdleDuration(task heuristics.IdleTaskType, mark heuristics.MarkType) time.Duration {
	var cset uint64
	if mark == heuristics.MarkFull {
		if last, ok := h.stats.Last(); ok {
			cset = last.CSetSize
		}
	}
	return heuristics.PredictIdleDuration(heuristics.IdleInput{
		Mark:         mark,
		Task:         task,
		HeapObject:   h.HeapObjectSize(),
		SemiObject:   h.activeSemi.HeapObjectSize(),
		CSetSize:     cset,
		SurvivalRate: h.stats.AvgSurvivalRate(),
	}, h.stats.Speeds())
}

// TriggerIdleCollection runs the planned idle task if it fits the idle
// period. An incremental mark step always runs and stays within idle; once
// its tracing is done the task becomes finishing the mark. Without a task
// for IdleMaintainTime the notifications are turned off. It reports whether
// any collection work ran.
func (h *LocalHeap) TriggerIdleCollection(idle time.Duration) bool {
	h.idle.lock.Lock()
	task, mark, predicted := h.idle.task, h.idle.mark, h.idle.predicted
	if task == heuristics.NoIdleTask {
		if !h.idle.finishedAt.IsZero() && time.Since(h.idle.finishedAt) > h.cfg.Params.IdleMaintainTime {
			h.idle.notify = false
		}
		h.idle.lock.Unlock()
		return false
	}
	h.idle.lock.Unlock()

	if task == heuristics.IncrementalMark && h.IncrementalState() != IncrementalRemark {
		state := h.TriggerIncrementalMark(idle)
		h.idle.lock.Lock()
		switch state {
		case IncrementalRemark:
			h.idle.task, h.idle.mark = heuristics.FinishMarking, heuristics.MarkFull
			h.idle.predicted = h.CalculateIdleDuration(heuristics.FinishMarking, heuristics.MarkFull)
		case IncrementalIdle:
			h.idle.task = heuristics.NoIdleTask
			h.idle.finishedAt = time.Now()
		}
		h.idle.lock.Unlock()
		return state != IncrementalIdle
	}

	if idle < predicted && idle < h.cfg.Params.IdleTimeLimit {
		return false
	}
	switch task {
	case heuristics.FinishMarking, heuristics.IncrementalMark:
		if mark == heuristics.MarkFull {
			h.collect(OldGC, ReasonIdle)
		} else {
			h.collect(YoungGC, ReasonIdle)
		}
	case heuristics.IdleYoungGC:
		h.collect(YoungGC, ReasonIdle)
	}

	h.idle.lock.Lock()
	h.idle.task = heuristics.NoIdleTask
	h.idle.finishedAt = time.Now()
	h.idle.lock.Unlock()
	return true
}
