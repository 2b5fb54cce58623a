package heap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/mem"
)

func TestColdStartGrowsYoungGenerationInsteadOfCollecting(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "startup")

	require.True(t, h.NotifyColdStart())
	assert.False(t, h.NotifyColdStart())
	assert.True(t, h.NeedStopCollection())

	// Half again the young generation, without handles.
	n := int(cfg.MinSemiSpaceSize+cfg.MinSemiSpaceSize/2) / int(config.KB)
	for i := 0; i < n; i++ {
		_, err := h.AllocateYoung(config.KB, mem.NoPtrs)
		require.NoError(t, err)
	}
	assert.Zero(t, h.Stats().NumGC())
	assert.Equal(t, cfg.SemiSpaceStepOvershootSize, h.Space(mem.SemiSpaceType).OvershootSize())

	h.NotifyFinishColdStart(false)
	assert.Equal(t, heuristics.JustFinishStartup, h.SmartGC().StartupStatus())
	h.stopStartupTimer()
}

func TestHighSensitiveHoldsBackHints(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "sensitive")
	newNode(t, h, h.AllocateOld, 1)

	h.NotifyHighSensitive(true)
	assert.True(t, h.SmartGC().InSensitiveStatus())
	assert.False(t, h.CheckAndTriggerHintGC(heuristics.DegreeHigh, ReasonHint))
	assert.False(t, h.HandleExitHighSensitiveEvent(), "still sensitive")

	h.NotifyHighSensitive(false)
	assert.True(t, h.HandleExitHighSensitiveEvent())
	assert.False(t, h.HandleExitHighSensitiveEvent())
	assert.False(t, h.SmartGC().InSensitiveStatus())
	assert.Zero(t, h.Stats().NumGC())
}

func TestHintGC(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "hint")
	for i := 0; i < 10; i++ {
		newNode(t, h, h.AllocateOld, uint64(i))
	}

	assert.False(t, h.CheckAndTriggerHintGC(heuristics.DegreeMiddle, ReasonHint), "grew less than a step")
	assert.True(t, h.CheckAndTriggerHintGC(heuristics.DegreeHigh, ReasonHint))
	assert.EqualValues(t, 1, h.Stats().NumGCByType(FullGC))
	last, ok := h.Stats().Last()
	require.True(t, ok)
	assert.Equal(t, ReasonHint.String(), last.Reason)

	// Nothing grew since.
	assert.False(t, h.CheckAndTriggerHintGC(heuristics.DegreeHigh, ReasonHint))
}

func TestTaskFinishedGC(t *testing.T) {
	cfg := testConfig()
	cfg.Params.TriggerOldGCObjectSizeLimit = 64 * config.KB
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "task")

	h.NotifyTaskBegin()
	assert.False(t, h.CheckAndTriggerTaskFinishedGC())
	for i := 0; i < 100; i++ {
		_, err := h.AllocateOld(config.KB, mem.NoPtrs)
		require.NoError(t, err)
	}
	assert.True(t, h.CheckAndTriggerTaskFinishedGC())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(OldGC))
	assert.False(t, h.CheckAndTriggerTaskFinishedGC())
}

func TestIdleCollectionFinishesConcurrentMark(t *testing.T) {
	cfg := testConfig()
	cfg.EnableConcurrentMark = true
	cfg.EnableIdleGC = true
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "idle")

	root := h.NewHandle(newNode(t, h, h.AllocateYoung, 1))
	assert.False(t, h.TryTriggerIdleCollection(), "nothing to do")

	require.True(t, h.TriggerConcurrentMarking(heuristics.MarkYoung))
	h.WaitConcurrentMarkingFinished()
	require.True(t, h.TryTriggerIdleCollection())
	assert.True(t, h.IdleNotificationEnabled())

	assert.True(t, h.TriggerIdleCollection(time.Second))
	assert.True(t, h.IsReadyToConcurrentMark())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(YoungGC))
	assert.Equal(t, uint64(1), idOf(h, h.Deref(root)))

	// The task ran; nothing is planned any more.
	assert.False(t, h.TriggerIdleCollection(time.Second))
}

func TestIdleCollectionDisabled(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "idle")
	assert.False(t, h.TryTriggerIdleCollection())
	assert.False(t, h.TriggerIdleCollection(time.Second))
}

func TestChangeGCParams(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "params")
	mc := h.MemController()

	h.ChangeGCParams(true)
	assert.Equal(t, heuristics.Conservative, mc.GrowingType())
	h.ChangeGCParams(false)
	assert.Equal(t, heuristics.HighThroughput, mc.GrowingType())

	h.NotifyMemoryPressure(true)
	h.ChangeGCParams(false)
	assert.Equal(t, heuristics.Pressure, mc.GrowingType())
	h.NotifyMemoryPressure(false)
	assert.Equal(t, heuristics.Conservative, mc.GrowingType())
	// Neither heap is worth a collection yet.
	assert.Zero(t, h.Stats().NumGC())
}

func TestTryIncreaseNewSpaceOvershootByConfigSize(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "overshoot")

	semi := h.Space(mem.SemiSpaceType)
	require.Zero(t, semi.CommittedSize())
	require.True(t, h.TryIncreaseNewSpaceOvershootByConfigSize())
	assert.Equal(t, cfg.OldSpaceStepOvershootSize-semi.InitialCapacity(), semi.OvershootSize())
}

func TestSelectGCType(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "select")
	assert.Equal(t, YoungGC, h.SelectGCType())
}
