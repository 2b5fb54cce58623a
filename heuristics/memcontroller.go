package heuristics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gengc/gengc/config"
)

// ring keeps the last n samples.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](n int) ring[T] {
	return ring[T]{buf: make([]T, n)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring[T]) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring[T]) each(fn func(v T)) {
	for i := 0; i < r.len(); i++ {
		fn(r.buf[i])
	}
}

func (r *ring[T]) reset() {
	r.next = 0
	r.full = false
}

// sample is an amount of bytes handled in some time.
type sample struct {
	bytes uint64
	dur   time.Duration
}

// speedOf returns bytes per millisecond over every sample, or 0 when no
// time was recorded.
func speedOf(r *ring[sample]) float64 {
	var bytes uint64
	var dur time.Duration
	r.each(func(s sample) {
		bytes += s.bytes
		dur += s.dur
	})
	ms := float64(dur) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return float64(bytes) / ms
}

// MemController records allocation and collection speeds and survival rates
// and turns them into growing factors and allocation limits.
type MemController struct {
	params config.Params
	now    func() time.Time

	growingType atomic.Int32

	mu                   sync.Mutex
	gcStart              time.Time
	gcEnd                time.Time
	newAlloc             ring[sample]
	oldAlloc             ring[sample]
	markCompact          ring[sample]
	newConcurrentMark    ring[sample]
	fullConcurrentMark   ring[sample]
	survival             ring[float64]
	currentOldAllocSpeed float64
	allocDurationSinceGC time.Duration
}

// NewMemController returns a controller using the given tuning constants.
func NewMemController(p config.Params) *MemController {
	n := p.RecordedRateLength
	if n < 1 {
		n = 1
	}
	mc := &MemController{
		params:             p,
		now:                time.Now,
		newAlloc:           newRing[sample](n),
		oldAlloc:           newRing[sample](n),
		markCompact:        newRing[sample](n),
		newConcurrentMark:  newRing[sample](n),
		fullConcurrentMark: newRing[sample](n),
		survival:           newRing[float64](n),
	}
	mc.gcEnd = mc.now()
	return mc
}

// SetClock replaces the time source. It must be called before the
// controller is used.
func (mc *MemController) SetClock(now func() time.Time) {
	mc.now = now
	mc.gcEnd = now()
}

// GrowingType returns the current growing type.
func (mc *MemController) GrowingType() GrowingType {
	return GrowingType(mc.growingType.Load())
}

// SetGrowingType changes the growing type.
func (mc *MemController) SetGrowingType(t GrowingType) {
	mc.growingType.Store(int32(t))
}

// StartCalculationBeforeGC records the bytes the mutator allocated in the
// young and old generations since the end of the last collection.
func (mc *MemController) StartCalculationBeforeGC(newAllocated, oldAllocated uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.gcStart = mc.now()
	d := mc.gcStart.Sub(mc.gcEnd)
	if d <= 0 {
		return
	}
	mc.allocDurationSinceGC = d
	mc.newAlloc.push(sample{newAllocated, d})
	mc.oldAlloc.push(sample{oldAllocated, d})
	mc.currentOldAllocSpeed = float64(oldAllocated) / (float64(d) / float64(time.Millisecond))
}

// StopCalculationAfterGC ends the measurement started by
// StartCalculationBeforeGC. For full and old collections liveBytes is the
// amount of memory traced, which gives the mark-compact speed.
func (mc *MemController) StopCalculationAfterGC(t GCType, liveBytes uint64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.gcEnd = mc.now()
	if t == YoungGC || mc.gcStart.IsZero() {
		return
	}
	if d := mc.gcEnd.Sub(mc.gcStart); d > 0 {
		mc.markCompact.push(sample{liveBytes, d})
	}
}

// RecordAfterConcurrentMark records the speed of a finished concurrent mark.
func (mc *MemController) RecordAfterConcurrentMark(m MarkType, markedBytes uint64, d time.Duration) {
	if d <= 0 {
		return
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if m == MarkYoung {
		mc.newConcurrentMark.push(sample{markedBytes, d})
	} else {
		mc.fullConcurrentMark.push(sample{markedBytes, d})
	}
}

// AllocationDurationSinceGC returns the mutator time measured by the last
// StartCalculationBeforeGC.
func (mc *MemController) AllocationDurationSinceGC() time.Duration {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.allocDurationSinceGC
}

// CalculateMarkCompactSpeedPerMS returns the traced bytes per millisecond of
// old and full collections.
func (mc *MemController) CalculateMarkCompactSpeedPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return speedOf(&mc.markCompact)
}

// CurrentOldSpaceAllocationThroughputPerMS returns the old generation
// allocation speed of the last mutator phase.
func (mc *MemController) CurrentOldSpaceAllocationThroughputPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.currentOldAllocSpeed
}

// NewSpaceAllocationThroughputPerMS returns the average young allocation speed.
func (mc *MemController) NewSpaceAllocationThroughputPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return speedOf(&mc.newAlloc)
}

// OldSpaceAllocationThroughputPerMS returns the average old allocation speed.
func (mc *MemController) OldSpaceAllocationThroughputPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return speedOf(&mc.oldAlloc)
}

// NewSpaceConcurrentMarkSpeedPerMS returns the speed of young concurrent marks.
func (mc *MemController) NewSpaceConcurrentMarkSpeedPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return speedOf(&mc.newConcurrentMark)
}

// FullSpaceConcurrentMarkSpeedPerMS returns the speed of full concurrent marks.
func (mc *MemController) FullSpaceConcurrentMarkSpeedPerMS() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return speedOf(&mc.fullConcurrentMark)
}

// AddSurvivalRate records the survival rate of a young collection.
func (mc *MemController) AddSurvivalRate(rate float64) {
	mc.mu.Lock()
	mc.survival.push(rate)
	mc.mu.Unlock()
}

// AverageSurvivalRate returns the average recorded survival rate, or 1 with
// no record.
func (mc *MemController) AverageSurvivalRate() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	n := mc.survival.len()
	if n == 0 {
		return 1
	}
	var sum float64
	mc.survival.each(func(v float64) { sum += v })
	return sum / float64(n)
}

// RecordedSurvivalRates returns the number of recorded survival rates.
func (mc *MemController) RecordedSurvivalRates() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.survival.len()
}

// ResetRecordedSurvivalRates forgets every survival rate.
func (mc *MemController) ResetRecordedSurvivalRates() {
	mc.mu.Lock()
	mc.survival.reset()
	mc.mu.Unlock()
}

// MaxGrowingFactor returns the largest growing factor allowed by the current
// growing type.
func (mc *MemController) MaxGrowingFactor() float64 {
	switch mc.GrowingType() {
	case Conservative:
		return mc.params.ConservativeGrowingFactor
	case Pressure:
		return mc.params.PressureGrowingFactor
	default:
		return mc.params.HighThroughputGrowingFactor
	}
}

// CalculateGrowingFactor derives the factor applied to the live size to get
// the next limit. It is a simplified form of the usual heap growing formula:
// with r = gcSpeed/mutatorSpeed the factor is r/(r-1), with no target for
// mutator utilization. A collector much faster than the mutator keeps the
// heap tight. Unknown speeds give the largest factor. The result is clamped
// to [MinGrowingFactor, MaxGrowingFactor].
func (mc *MemController) CalculateGrowingFactor(gcSpeed, mutatorSpeed float64) float64 {
	maxFactor := mc.MaxGrowingFactor()
	minFactor := mc.params.MinGrowingFactor
	if mc.GrowingType() == Pressure {
		return maxFactor
	}
	if gcSpeed <= 0 || mutatorSpeed <= 0 {
		return maxFactor
	}
	r := gcSpeed / mutatorSpeed
	factor := maxFactor
	if r > 1 {
		factor = r / (r - 1)
	}
	return min(max(factor, minFactor), maxFactor)
}

// CalculateAllocLimit returns size*factor clamped to [minSize, maxSize]. The
// limit leaves room for at least one young generation worth of promotion but
// never exceeds maxSize.
func (mc *MemController) CalculateAllocLimit(size, minSize, maxSize, newSpaceCapacity uint64, factor float64) uint64 {
	limit := uint64(float64(size) * factor)
	limit = max(limit, minSize)
	limit = min(limit, maxSize)
	limit = max(limit, size+newSpaceCapacity)
	return min(limit, maxSize)
}
