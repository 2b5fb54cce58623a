// Package stats records what every collection did and exposes it as
// summaries, metric samples and an optional trace file.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gengc/gengc/heuristics"
)

// maxRecords is the number of cycles kept by a GCStats.
const maxRecords = 256

// Cycle is the record of one finished collection.
type Cycle struct {
	Seq    uint64
	Type   heuristics.GCType
	Reason string
	Start  time.Time
	End    time.Time

	HeapBefore uint64
	HeapAfter  uint64
	Committed  uint64
	Promoted   uint64
	Copied     uint64
	Freed      uint64
	CSetSize   uint64

	SurvivalRate float64
}

// Pause returns how long the collection stopped the mutator.
func (c *Cycle) Pause() time.Duration { return c.End.Sub(c.Start) }

func (c *Cycle) String() string {
	return fmt.Sprintf("gc %d %v (%s): %v, heap %d -> %d bytes, promoted %d, copied %d, freed %d",
		c.Seq, c.Type, c.Reason, c.Pause(), c.HeapBefore, c.HeapAfter, c.Promoted, c.Copied, c.Freed)
}

// SpeedData names a recorded collector speed.
type SpeedData int

const (
	YoungUpdateReferenceSpeed SpeedData = iota
	UpdateReferenceSpeed
	YoungEvacuateSpaceSpeed
	OldEvacuateSpaceSpeed
	SweepSpeed
	MarkSpeed
	numSpeeds
)

func (s SpeedData) String() string {
	switch s {
	case YoungUpdateReferenceSpeed:
		return "young-update-reference"
	case UpdateReferenceSpeed:
		return "update-reference"
	case YoungEvacuateSpaceSpeed:
		return "young-evacuate"
	case OldEvacuateSpaceSpeed:
		return "old-evacuate"
	case SweepSpeed:
		return "sweep"
	case MarkSpeed:
		return "mark"
	default:
		return fmt.Sprintf("SpeedData(%d)", int(s))
	}
}

// GCStats collects the cycles of one heap.
type GCStats struct {
	mu sync.Mutex

	records []Cycle
	next    int
	seq     uint64
	byType  map[heuristics.GCType]uint64

	pauseTotal time.Duration
	lastGC     time.Time

	speeds        [numSpeeds]float64
	survivalSum   float64
	survivalCount int

	heapAliveAfterGC uint64
	promotedTotal    uint64
	freedTotal       uint64

	sink func(c *Cycle)
}

// New returns empty statistics.
func New() *GCStats {
	return &GCStats{byType: make(map[heuristics.GCType]uint64)}
}

// SetSink installs a function called with every recorded cycle, outside the
// statistics lock.
func (s *GCStats) SetSink(fn func(c *Cycle)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// Record adds a finished cycle and returns it with its sequence number set.
func (s *GCStats) Record(c Cycle) Cycle {
	s.mu.Lock()
	s.seq++
	c.Seq = s.seq
	if len(s.records) < maxRecords {
		s.records = append(s.records, c)
	} else {
		s.records[s.next] = c
		s.next = (s.next + 1) % maxRecords
	}
	s.byType[c.Type]++
	s.pauseTotal += c.Pause()
	s.lastGC = c.End
	s.promotedTotal += c.Promoted
	s.freedTotal += c.Freed
	if c.Type == heuristics.YoungGC && c.SurvivalRate > 0 {
		s.survivalSum += c.SurvivalRate
		s.survivalCount++
	}
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(&c)
	}
	return c
}

// NumGC returns the number of recorded cycles.
func (s *GCStats) NumGC() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// NumGCByType returns the number of recorded cycles of type t.
func (s *GCStats) NumGCByType(t heuristics.GCType) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byType[t]
}

// Records returns the kept cycles, oldest first.
func (s *GCStats) Records() []Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cycle, 0, len(s.records))
	out = append(out, s.records[s.next:]...)
	return append(out, s.records[:s.next]...)
}

// Last returns the most recent cycle.
func (s *GCStats) Last() (Cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return Cycle{}, false
	}
	i := s.next - 1
	if i < 0 {
		i = len(s.records) - 1
	}
	return s.records[i], true
}

// SetSpeed records the speed of a phase that handled bytes in d.
func (s *GCStats) SetSpeed(which SpeedData, bytes uint64, d time.Duration) {
	if d <= 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	s.mu.Lock()
	s.speeds[which] = float64(bytes) / ms
	s.mu.Unlock()
}

// Speed returns a recorded speed in bytes per millisecond, or 0.
func (s *GCStats) Speed(which SpeedData) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speeds[which]
}

// Speeds returns every recorded speed.
func (s *GCStats) Speeds() heuristics.Speeds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return heuristics.Speeds{
		YoungUpdateReference: s.speeds[YoungUpdateReferenceSpeed],
		UpdateReference:      s.speeds[UpdateReferenceSpeed],
		YoungEvacuate:        s.speeds[YoungEvacuateSpaceSpeed],
		OldEvacuate:          s.speeds[OldEvacuateSpaceSpeed],
		Sweep:                s.speeds[SweepSpeed],
		Mark:                 s.speeds[MarkSpeed],
	}
}

// AvgSurvivalRate returns the average survival rate of young cycles, or 1
// when none was recorded.
func (s *GCStats) AvgSurvivalRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.survivalCount == 0 {
		return 1
	}
	return s.survivalSum / float64(s.survivalCount)
}

// SetHeapAliveSizeAfterGC records the live size found by a full trace.
func (s *GCStats) SetHeapAliveSizeAfterGC(n uint64) {
	s.mu.Lock()
	s.heapAliveAfterGC = n
	s.mu.Unlock()
}

// HeapAliveSizeAfterGC returns the live size of the last full trace.
func (s *GCStats) HeapAliveSizeAfterGC() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heapAliveAfterGC
}

// Summary is a snapshot of the pause history.
type Summary struct {
	LastGC     time.Time
	NumGC      int64
	PauseTotal time.Duration
	// Pause and PauseEnd hold the kept pauses, most recent first.
	Pause    []time.Duration
	PauseEnd []time.Time
	// PauseQuantiles is filled with the minimum, quantiles and maximum of
	// the kept pauses when it has a non-zero length on input.
	PauseQuantiles []time.Duration
}

// ReadSummary fills sum with the current pause history.
func (s *GCStats) ReadSummary(sum *Summary) {
	records := s.Records()
	s.mu.Lock()
	sum.LastGC = s.lastGC
	sum.NumGC = int64(s.seq)
	sum.PauseTotal = s.pauseTotal
	s.mu.Unlock()

	sum.Pause = sum.Pause[:0]
	sum.PauseEnd = sum.PauseEnd[:0]
	for i := len(records) - 1; i >= 0; i-- {
		sum.Pause = append(sum.Pause, records[i].Pause())
		sum.PauseEnd = append(sum.PauseEnd, records[i].End)
	}
	if n := len(sum.PauseQuantiles); n > 0 {
		sorted := append([]time.Duration(nil), sum.Pause...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i := range sum.PauseQuantiles {
			if len(sorted) == 0 {
				sum.PauseQuantiles[i] = 0
				continue
			}
			idx := 0
			if n > 1 {
				idx = i * (len(sorted) - 1) / (n - 1)
			}
			sum.PauseQuantiles[i] = sorted[idx]
		}
	}
}
