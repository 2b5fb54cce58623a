package heuristics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gengc/gengc/config"
)

const MB = config.MB

type fakeSpace struct {
	initial   uint64
	overshoot uint64
}

func (f *fakeSpace) InitialCapacity() uint64           { return f.initial }
func (f *fakeSpace) SetInitialCapacity(v uint64)       { f.initial = v }
func (f *fakeSpace) OvershootSize() uint64             { return f.overshoot }
func (f *fakeSpace) IncreaseOvershootSize(size uint64) { f.overshoot += size }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1000, 0)} }

func TestCalculateGrowingFactor(t *testing.T) {
	tests := []struct {
		name    string
		growing GrowingType
		gc, mut float64
		want    float64
	}{
		{"unknown speed", HighThroughput, 0, 100, 4.0},
		{"unknown mutator", HighThroughput, 100, 0, 4.0},
		{"ratio 2", HighThroughput, 200, 100, 2.0},
		{"ratio 1.5", HighThroughput, 150, 100, 3.0},
		{"clamped to max", HighThroughput, 110, 100, 4.0},
		{"slow collector", HighThroughput, 50, 100, 4.0},
		{"clamped to min", HighThroughput, 10000, 100, 1.1},
		{"conservative", Conservative, 150, 100, 2.0},
		{"pressure", Pressure, 200, 100, 1.1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mc := NewMemController(config.DefaultParams())
			mc.SetGrowingType(tc.growing)
			assert.InDelta(t, tc.want, mc.CalculateGrowingFactor(tc.gc, tc.mut), 1e-9)
		})
	}
}

func TestCalculateAllocLimit(t *testing.T) {
	mc := NewMemController(config.DefaultParams())
	tests := []struct {
		size, minSize, maxSize, newSpace uint64
		factor                           float64
		want                             uint64
	}{
		{10 * MB, 16 * MB, 100 * MB, 2 * MB, 2, 20 * MB},
		{50 * MB, 16 * MB, 90 * MB, 2 * MB, 2, 90 * MB},
		{89 * MB, 16 * MB, 90 * MB, 2 * MB, 1.1, 90 * MB},
		{5 * MB, 16 * MB, 100 * MB, 2 * MB, 1.1, 16 * MB},
		{20 * MB, 16 * MB, 100 * MB, 8 * MB, 1.1, 28 * MB},
	}
	for _, tc := range tests {
		got := mc.CalculateAllocLimit(tc.size, tc.minSize, tc.maxSize, tc.newSpace, tc.factor)
		assert.Equal(t, tc.want, got, "CalculateAllocLimit(%d, %d, %d, %d, %v)",
			tc.size, tc.minSize, tc.maxSize, tc.newSpace, tc.factor)
	}
}

func TestSpeeds(t *testing.T) {
	clock := newClock()
	mc := NewMemController(config.DefaultParams())
	mc.SetClock(clock.now)

	assert.Zero(t, mc.NewSpaceAllocationThroughputPerMS())

	clock.advance(10 * time.Millisecond)
	mc.StartCalculationBeforeGC(1000, 500)
	clock.advance(5 * time.Millisecond)
	mc.StopCalculationAfterGC(FullGC, 1000)

	assert.InDelta(t, 100, mc.NewSpaceAllocationThroughputPerMS(), 1e-9)
	assert.InDelta(t, 50, mc.OldSpaceAllocationThroughputPerMS(), 1e-9)
	assert.InDelta(t, 50, mc.CurrentOldSpaceAllocationThroughputPerMS(), 1e-9)
	assert.InDelta(t, 200, mc.CalculateMarkCompactSpeedPerMS(), 1e-9)
	assert.Equal(t, 10*time.Millisecond, mc.AllocationDurationSinceGC())

	// Young collections do not count as mark-compact.
	clock.advance(10 * time.Millisecond)
	mc.StartCalculationBeforeGC(3000, 0)
	clock.advance(time.Millisecond)
	mc.StopCalculationAfterGC(YoungGC, 1_000_000)
	assert.InDelta(t, 200, mc.CalculateMarkCompactSpeedPerMS(), 1e-9)
	assert.InDelta(t, 200, mc.NewSpaceAllocationThroughputPerMS(), 1e-9)

	mc.RecordAfterConcurrentMark(MarkYoung, 400, 2*time.Millisecond)
	mc.RecordAfterConcurrentMark(MarkFull, 900, 3*time.Millisecond)
	assert.InDelta(t, 200, mc.NewSpaceConcurrentMarkSpeedPerMS(), 1e-9)
	assert.InDelta(t, 300, mc.FullSpaceConcurrentMarkSpeedPerMS(), 1e-9)
}

func TestSurvivalRateHistory(t *testing.T) {
	p := config.DefaultParams()
	p.RecordedRateLength = 3
	mc := NewMemController(p)
	assert.Equal(t, 1.0, mc.AverageSurvivalRate())
	for _, r := range []float64{0.1, 0.2, 0.3, 0.4} {
		mc.AddSurvivalRate(r)
	}
	assert.Equal(t, 3, mc.RecordedSurvivalRates())
	assert.InDelta(t, 0.3, mc.AverageSurvivalRate(), 1e-9)
	mc.ResetRecordedSurvivalRates()
	assert.Equal(t, 0, mc.RecordedSurvivalRates())
}

func TestSelectGCType(t *testing.T) {
	cfg := config.Default()
	l := NewLimits(cfg, NewMemController(cfg.Params))
	base := Sizes{
		HeapObject:    50 * MB,
		OldObject:     20 * MB,
		OldCommitted:  30 * MB,
		OldInitial:    40 * MB,
		OldMaximum:    100 * MB,
		SemiCommitted: 4 * MB,
	}
	assert.Equal(t, YoungGC, l.SelectGCType(base, true, false))

	s := base
	s.OldObject = 40 * MB
	assert.Equal(t, OldGC, l.SelectGCType(s, false, false))
	assert.Equal(t, YoungGC, l.SelectGCType(s, true, true), "a running mark decides")

	s = base
	s.OldCommitted = 97 * MB
	assert.Equal(t, OldGC, l.SelectGCType(s, true, false))

	s = base
	l.SetGlobalAllocLimit(40 * MB)
	assert.Equal(t, OldGC, l.SelectGCType(s, true, false))
	s.OldOvershoot = 10 * MB
	assert.Equal(t, YoungGC, l.SelectGCType(s, true, false))
}

func TestCheckOldGC(t *testing.T) {
	cfg := config.Default()
	l := NewLimits(cfg, NewMemController(cfg.Params))
	s := Sizes{HeapObject: 60 * MB, OldObject: 50 * MB, OldInitial: 40 * MB, OldMaximum: 200 * MB}

	old := &fakeSpace{}
	assert.Equal(t, CollectOld, l.CheckOldGC(old, s, 0, false, false))
	assert.Equal(t, NoOldGC, l.CheckOldGC(old, s, 0, false, true), "stopped by smart gc")

	within := s
	within.OldObject = 10 * MB
	assert.Equal(t, NoOldGC, l.CheckOldGC(old, within, 0, false, false))

	// During a full concurrent mark the overshoot grows up to its maximum.
	old = &fakeSpace{}
	s.OldObject = 100 * MB
	var actions []OldGCAction
	for i := 0; i < 6; i++ {
		s.OldOvershoot = old.overshoot
		actions = append(actions, l.CheckOldGC(old, s, 0, true, false))
	}
	assert.Equal(t, []OldGCAction{GrowOvershoot, GrowOvershoot, GrowOvershoot, CollectOld, CollectOld, CollectOld}, actions)
	assert.Equal(t, cfg.OldSpaceMaxOvershootSize, old.overshoot)
}

func TestAdjustBySurvivalRateShrinksLimit(t *testing.T) {
	cfg := config.Default()
	l := NewLimits(cfg, NewMemController(cfg.Params))
	old := &fakeSpace{initial: 100 * MB}
	s := Sizes{HeapObject: 20 * MB, OldSpaceObject: 10 * MB}

	assert.Equal(t, 0.0, l.AdjustBySurvivalRate(old, s, 0, 0, 0))

	rate := l.AdjustBySurvivalRate(old, s, 4*MB, 1*MB, 1*MB)
	assert.InDelta(t, 0.5, rate, 1e-9)
	assert.Equal(t, 50*MB, old.initial)
	assert.Equal(t, uint64(float64(cfg.MaxHeapSize-cfg.MinSemiSpaceSize)*0.5), l.GlobalAllocLimit())
	assert.False(t, l.OldSpaceLimitAdjusted())

	l.AdjustBySurvivalRate(old, s, 4*MB, 2*MB, 0)
	assert.Equal(t, s.OldSpaceObject+cfg.MinGrowingStep, old.initial)

	// Once the limit would grow it is left alone.
	s.OldSpaceObject = 30 * MB
	l.AdjustBySurvivalRate(old, s, 4*MB, 2*MB, 0)
	assert.True(t, l.OldSpaceLimitAdjusted())
	assert.Equal(t, 10*MB+cfg.MinGrowingStep, old.initial)
}

func TestAdjustBySurvivalRateRequestsFullMark(t *testing.T) {
	cfg := config.Default()
	mc := NewMemController(cfg.Params)
	l := NewLimits(cfg, mc)
	old := &fakeSpace{initial: 20 * MB}
	s := Sizes{HeapObject: 20 * MB, OldSpaceObject: 10 * MB}

	l.AdjustBySurvivalRate(old, s, 10*MB, 9*MB, 0)
	require.True(t, l.OldSpaceLimitAdjusted())
	l.AdjustBySurvivalRate(old, s, 10*MB, 9*MB, 0)
	assert.False(t, l.FullMarkRequested())
	assert.Equal(t, 2, mc.RecordedSurvivalRates())

	l.AdjustBySurvivalRate(old, s, 10*MB, 1*MB, 0)
	assert.True(t, l.FullMarkRequested())
	assert.Equal(t, 1, mc.RecordedSurvivalRates(), "history is reset before recording")
}

// Twenty full collections with a decreasing amount of surviving old objects.
func TestRecomputeLimitsDecreasingSurvival(t *testing.T) {
	cfg := config.Default()
	clock := newClock()
	mc := NewMemController(cfg.Params)
	mc.SetClock(clock.now)
	l := NewLimits(cfg, mc)

	old := &fakeSpace{initial: cfg.MaxHeapSize / 2}
	const semi = 2 * MB
	oldMax := 200 * MB
	for i := 0; i < 20; i++ {
		live := 100 * MB * uint64(20-i) / 20
		clock.advance(100 * time.Millisecond)
		mc.StartCalculationBeforeGC(8*MB, 4*MB)
		clock.advance(time.Duration(10+i) * time.Millisecond)
		mc.StopCalculationAfterGC(FullGC, live)

		s := Sizes{
			HeapObject:        live + semi,
			OldObject:         live,
			OldSpaceObject:    live,
			OldSpaceCommitted: live + live/4,
			OldMaximum:        oldMax,
			SemiInitial:       semi,
		}
		factor := mc.CalculateGrowingFactor(mc.CalculateMarkCompactSpeedPerMS(), mc.CurrentOldSpaceAllocationThroughputPerMS())
		require.GreaterOrEqual(t, factor, cfg.Params.MinGrowingFactor)
		require.LessOrEqual(t, factor, cfg.Params.HighThroughputGrowingFactor)

		maxOld := oldMax - semi
		want := uint64(float64(live) * factor)
		want = max(want, cfg.MinOldSpaceLimit)
		want = min(want, maxOld)
		want = max(want, live+semi)
		want = min(want, maxOld)

		oldLimit, globalLimit := l.RecomputeLimits(old, s)
		assert.Equal(t, want, oldLimit, "collection %d", i)
		assert.Equal(t, want, old.initial)
		assert.GreaterOrEqual(t, oldLimit, cfg.MinOldSpaceLimit, "collection %d", i)
		assert.GreaterOrEqual(t, globalLimit, cfg.MinHeapSize)
		assert.LessOrEqual(t, globalLimit, cfg.MaxHeapSize-semi)
		assert.Equal(t, globalLimit, l.GlobalAllocLimit())
	}
	assert.False(t, l.FullMarkRequested())
}

func TestRecomputeLimitsRequestsFullMarkWhenMostlyEmpty(t *testing.T) {
	cfg := config.Default()
	l := NewLimits(cfg, NewMemController(cfg.Params))
	old := &fakeSpace{initial: 100 * MB}
	s := Sizes{
		HeapObject:        12 * MB,
		OldObject:         10 * MB,
		OldSpaceObject:    10 * MB,
		OldSpaceCommitted: 120 * MB,
		OldMaximum:        200 * MB,
		SemiInitial:       2 * MB,
	}
	l.RecomputeLimits(old, s)
	assert.True(t, l.FullMarkRequested())
}

func TestTryTriggerConcurrentMarking(t *testing.T) {
	cfg := config.Default()
	l := NewLimits(cfg, NewMemController(cfg.Params))
	quiet := Sizes{HeapObject: 10 * MB, OldObject: 5 * MB, OldInitial: 40 * MB, SemiCommitted: 512 * config.KB}
	d := ConcurrentMarkDecision{Sizes: quiet, FirstYoungMarkSize: cfg.SemiSpaceTriggerConcurrentMark}

	_, ok := l.TryTriggerConcurrentMarking(d)
	assert.False(t, ok)

	young := d
	young.Sizes.SemiCommitted = cfg.SemiSpaceTriggerConcurrentMark
	m, ok := l.TryTriggerConcurrentMarking(young)
	assert.True(t, ok)
	assert.Equal(t, MarkYoung, m)

	atLimit := d
	atLimit.Sizes.OldObject = 40 * MB
	m, ok = l.TryTriggerConcurrentMarking(atLimit)
	assert.True(t, ok)
	assert.Equal(t, MarkFull, m)

	restrained := atLimit
	restrained.JustFinishStartup = true
	restrained.BelowStartupThreshold = true
	_, ok = l.TryTriggerConcurrentMarking(restrained)
	assert.False(t, ok)

	l.SetFullMarkRequested(true)
	m, ok = l.TryTriggerConcurrentMarking(restrained)
	assert.True(t, ok)
	assert.Equal(t, MarkFull, m)
}

func TestNeedStopCollection(t *testing.T) {
	cfg := config.Default()
	g := NewSmartGC(SmartGCConfig{
		MaxHeapSize:            cfg.MaxHeapSize,
		JustFinishStartupRatio: cfg.Params.JustFinishStartupLocalRatio,
		ConcurrentMarkRatio:    cfg.Params.JustFinishStartupConcurrentMarkRatio,
		IncObjSizeThreshold:    cfg.IncObjSizeThresholdInSensitive,
		MinSensitiveRate:       cfg.Params.MinSensitiveObjectSurvivalRate,
	})
	ceiling := cfg.MaxHeapSize - cfg.OldSpaceStepOvershootSize
	exceed := func(obj uint64) bool { return ObjectExceedMaxHeapSize(cfg, obj) }

	assert.False(t, g.NeedStopCollection(100*MB, exceed(100*MB)))

	require.True(t, g.BeginStartup())
	assert.False(t, g.BeginStartup())
	tests := []struct {
		obj  uint64
		stop bool
	}{
		{10 * MB, true},
		{ceiling, true},
		{ceiling + 1, false},
		{cfg.MaxHeapSize, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.stop, g.NeedStopCollection(tc.obj, exceed(tc.obj)), "on startup with %d bytes", tc.obj)
	}

	require.True(t, g.FinishStartup())
	quarter := uint64(float64(cfg.MaxHeapSize) * cfg.Params.JustFinishStartupLocalRatio)
	assert.True(t, g.NeedStopCollection(quarter, exceed(quarter)))
	assert.False(t, g.NeedStopCollection(quarter+1, exceed(quarter+1)))
	assert.True(t, g.IsJustFinishStartup())

	require.True(t, g.FinishRestrain())
	assert.False(t, g.NeedStopCollection(10*MB, false))
}

func TestNeedStopCollectionInSensitive(t *testing.T) {
	g := NewSmartGC(SmartGCConfig{
		MaxHeapSize:         256 * MB,
		IncObjSizeThreshold: 40 * MB,
		MinSensitiveRate:    0.8,
	})
	g.NotifyHighSensitive(true)
	assert.True(t, g.InSensitiveStatus())

	assert.True(t, g.NeedStopCollection(50*MB, false))
	assert.Equal(t, 50*MB, g.RecordHeapObjectSizeBeforeSensitive())
	assert.False(t, g.IsNearGCInSensitive())

	assert.True(t, g.NeedStopCollection(80*MB, false))
	assert.True(t, g.IsNearGCInSensitive())

	assert.False(t, g.NeedStopCollection(90*MB, false), "budget used up")
	assert.False(t, g.NeedStopCollection(60*MB, true), "hard ceiling")

	assert.False(t, g.HandleExitHighSensitive())
	g.NotifyHighSensitive(false)
	assert.True(t, g.HandleExitHighSensitive())
	assert.Equal(t, NormalScene, g.SensitiveStatus())
	assert.Zero(t, g.RecordHeapObjectSizeBeforeSensitive())
	assert.False(t, g.NeedStopCollection(60*MB, false))
}

func TestSharedLimits(t *testing.T) {
	cfg := config.Default()
	l := NewSharedLimits(cfg)
	assert.Equal(t, cfg.DefaultGlobalAllocLimit, l.GlobalAllocLimit())

	limit, markLimit := l.AdjustGlobalSpaceAllocLimit(SharedSizes{HeapObject: 30 * MB, Committed: 40 * MB})
	assert.Equal(t, 60*MB, limit)
	assert.Equal(t, 45*MB, markLimit)

	limit, markLimit = l.AdjustGlobalSpaceAllocLimit(SharedSizes{HeapObject: 5 * MB, Committed: 10 * MB})
	assert.Equal(t, 30*MB, limit)
	assert.Equal(t, uint64(float64(30*MB)*0.75), markLimit)
	assert.Equal(t, limit, l.GlobalAllocLimit())
	assert.Equal(t, markLimit, l.ConcurrentMarkLimit())

	limit, _ = l.AdjustGlobalSpaceAllocLimit(SharedSizes{HeapObject: 200 * MB, Committed: 250 * MB})
	assert.Equal(t, cfg.SharedMaxHeapSize, limit)

	assert.Equal(t, SharedFullGC, l.NearOOMType(SharedSizes{OldCommitted: 100 * MB, OldObject: 50 * MB}))
	assert.Equal(t, SharedGC, l.NearOOMType(SharedSizes{OldCommitted: 100 * MB, OldObject: 80 * MB}))

	over := SharedSizes{HeapObject: l.GlobalAllocLimit() + 1}
	assert.True(t, l.NeedSharedGC(over, false, false))
	assert.False(t, l.NeedSharedGC(over, false, true))
	assert.False(t, l.NeedSharedGC(over, true, false), "the running mark handles it")
	over.OldExceedLimit = true
	assert.True(t, l.NeedSharedGC(over, true, false))
	assert.True(t, l.NeedSharedGCForHuge(SharedSizes{}, true, false, false))
}

func TestLifecycleTriggers(t *testing.T) {
	p := config.DefaultParams()

	assert.False(t, TaskFinishedGCNeeded(p, 100*MB, 115*MB))
	assert.True(t, TaskFinishedGCNeeded(p, 100*MB, 125*MB))
	assert.False(t, TaskFinishedGCNeeded(p, 500*MB, 540*MB))
	assert.True(t, TaskFinishedGCNeeded(p, 500*MB, 560*MB))
	assert.False(t, TaskFinishedGCNeeded(p, 500*MB, 100*MB))

	assert.True(t, BackgroundGCNeeded(p, 40*MB, 30*MB, 60*MB))
	assert.False(t, BackgroundGCNeeded(p, 40*MB, 30*MB, 20*MB))
	assert.False(t, BackgroundGCNeeded(p, 40*MB, 39*MB, 60*MB))
	assert.False(t, BackgroundGCNeeded(p, 50*MB, 30*MB, 60*MB))

	assert.True(t, HintGCNeeded(p, DegreeHigh, 31*MB, 30*MB))
	assert.False(t, HintGCNeeded(p, DegreeHigh, 30*MB, 30*MB))
	assert.True(t, HintGCNeeded(p, DegreeMiddle, 33*MB, 30*MB))
	assert.False(t, HintGCNeeded(p, DegreeLow, 32*MB, 30*MB))
	assert.True(t, HintGCNeeded(p, DegreeLow, 34*MB, 30*MB))

	mark, evac := TaskCounts(false, 3, 4)
	assert.Equal(t, 3, mark)
	assert.Equal(t, 4, evac)
	mark, evac = TaskCounts(true, 3, 4)
	assert.Equal(t, 1, mark)
	assert.Equal(t, 2, evac)
}

func TestPredictIdleDuration(t *testing.T) {
	s := Speeds{YoungUpdateReference: 10, YoungEvacuate: 5, Mark: 50, UpdateReference: 20, Sweep: 20}
	young := IdleInput{Mark: MarkYoung, Task: IdleYoungGC, HeapObject: 100, SemiObject: 50, SurvivalRate: 0.5}
	assert.Equal(t, 16*time.Millisecond, PredictIdleDuration(young, s))

	full := IdleInput{Mark: MarkFull, Task: FinishMarking, HeapObject: 100}
	assert.Equal(t, 10*time.Millisecond, PredictIdleDuration(full, s))
	assert.Zero(t, PredictIdleDuration(full, Speeds{}))
}

func TestIncrementalMarkNeeded(t *testing.T) {
	cfg := config.Default()
	clock := newClock()
	mc := NewMemController(cfg.Params)
	mc.SetClock(clock.now)
	l := NewLimits(cfg, mc)

	s := Sizes{HeapObject: MB, OldObject: 20 * MB, OldInitial: 40 * MB}
	assert.False(t, l.IncrementalMarkNeeded(s, 0), "speeds unknown, old below its initial size")
	s.OldObject = 40 * MB
	assert.True(t, l.IncrementalMarkNeeded(s, 0))

	// 50 bytes/ms of old allocation.
	clock.advance(10 * time.Millisecond)
	mc.StartCalculationBeforeGC(1000, 500)
	clock.advance(5 * time.Millisecond)
	mc.StopCalculationAfterGC(FullGC, 1000)
	require.InDelta(t, 50, mc.OldSpaceAllocationThroughputPerMS(), 1e-9)

	s.OldObject = 20 * MB
	assert.False(t, l.IncrementalMarkNeeded(s, 1000), "old space far from its limit")

	s.OldObject = s.OldInitial - 100*1024
	assert.True(t, l.IncrementalMarkNeeded(s, 1000))
	assert.False(t, l.IncrementalMarkNeeded(s, 10), "old space grows too much during a slow mark")

	s.OldObject = 0
	l.SetGlobalAllocLimit(s.HeapObject)
	assert.True(t, l.IncrementalMarkNeeded(s, 10), "heap at the global limit")
}
