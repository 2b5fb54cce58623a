package stats

import (
	"math"
	"sort"
	"time"

	"github.com/gengc/gengc/heuristics"
)

// Description describes a metric.
type Description struct {
	// Name is the metric name, a path followed by a colon and the unit.
	Name        string
	Description string
	Kind        ValueKind
	// Cumulative is set for metrics that only grow.
	Cumulative bool
}

var descriptions = []Description{
	{Name: "/gc/cycles/total:gc-cycles", Description: "Count of completed collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/young:gc-cycles", Description: "Count of completed young collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/old:gc-cycles", Description: "Count of completed old collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/full:gc-cycles", Description: "Count of completed full and app spawn collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/cycles/shared:gc-cycles", Description: "Count of completed shared and shared full collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/alive:bytes", Description: "Live bytes found by the last full trace.", Kind: KindUint64},
	{Name: "/gc/heap/promoted:bytes", Description: "Bytes promoted to the old generation.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/freed:bytes", Description: "Bytes reclaimed by collections.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/pauses:seconds", Description: "Distribution of collection pauses.", Kind: KindFloat64Histogram, Cumulative: true},
	{Name: "/gc/pauses/total:seconds", Description: "Total time spent in collections.", Kind: KindFloat64, Cumulative: true},
	{Name: "/gc/survival/young:ratio", Description: "Average survival rate of young collections.", Kind: KindFloat64},
	{Name: "/gc/speed/mark:bytes-per-ms", Description: "Last recorded marking speed.", Kind: KindFloat64},
	{Name: "/gc/speed/sweep:bytes-per-ms", Description: "Last recorded sweeping speed.", Kind: KindFloat64},
}

// All returns a description of every supported metric.
func All() []Description {
	return append([]Description(nil), descriptions...)
}

// Float64Histogram is a distribution of float64 values.
type Float64Histogram struct {
	// Counts[i] is the number of values in [Buckets[i], Buckets[i+1]).
	Counts  []uint64
	Buckets []float64
}

// Sample is a metric name together with its value.
type Sample struct {
	Name  string
	Value Value
}

// Value is a metric value. Reading it as the wrong kind panics.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

// Kind returns the kind of the value.
func (v Value) Kind() ValueKind { return v.kind }

// Uint64 returns the value as a uint64.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the value as a float64.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the value as a histogram.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-histogram metric value")
	}
	return v.pointer
}

// ValueKind is the kind of a metric value.
type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)

func uint64Value(n uint64) Value { return Value{kind: KindUint64, scalar: n} }

func float64Value(f float64) Value { return Value{kind: KindFloat64, scalar: math.Float64bits(f)} }

// pauseBuckets are the histogram boundaries of pause durations.
var pauseBuckets = []time.Duration{
	0,
	100 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

func (s *GCStats) pauseHistogram() *Float64Histogram {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)),
		Buckets: make([]float64, len(pauseBuckets)+1),
	}
	for i, b := range pauseBuckets {
		h.Buckets[i] = b.Seconds()
	}
	h.Buckets[len(pauseBuckets)] = math.Inf(1)
	for _, c := range s.Records() {
		p := c.Pause()
		i := sort.Search(len(pauseBuckets), func(i int) bool { return pauseBuckets[i] > p }) - 1
		h.Counts[max(i, 0)]++
	}
	return h
}

// Read fills the values of the samples. Unknown names get a KindBad value.
func (s *GCStats) Read(samples []Sample) {
	for i := range samples {
		samples[i].Value = s.value(samples[i].Name)
	}
}

func (s *GCStats) value(name string) Value {
	switch name {
	case "/gc/cycles/total:gc-cycles":
		return uint64Value(s.NumGC())
	case "/gc/cycles/young:gc-cycles":
		return uint64Value(s.NumGCByType(heuristics.YoungGC))
	case "/gc/cycles/old:gc-cycles":
		return uint64Value(s.NumGCByType(heuristics.OldGC))
	case "/gc/cycles/full:gc-cycles":
		return uint64Value(s.NumGCByType(heuristics.FullGC) + s.NumGCByType(heuristics.AppSpawnFullGC))
	case "/gc/cycles/shared:gc-cycles":
		return uint64Value(s.NumGCByType(heuristics.SharedGC) + s.NumGCByType(heuristics.SharedFullGC))
	case "/gc/heap/alive:bytes":
		return uint64Value(s.HeapAliveSizeAfterGC())
	case "/gc/heap/promoted:bytes":
		s.mu.Lock()
		defer s.mu.Unlock()
		return uint64Value(s.promotedTotal)
	case "/gc/heap/freed:bytes":
		s.mu.Lock()
		defer s.mu.Unlock()
		return uint64Value(s.freedTotal)
	case "/gc/pauses:seconds":
		return Value{kind: KindFloat64Histogram, pointer: s.pauseHistogram()}
	case "/gc/pauses/total:seconds":
		s.mu.Lock()
		defer s.mu.Unlock()
		return float64Value(s.pauseTotal.Seconds())
	case "/gc/survival/young:ratio":
		return float64Value(s.AvgSurvivalRate())
	case "/gc/speed/mark:bytes-per-ms":
		return float64Value(s.Speed(MarkSpeed))
	case "/gc/speed/sweep:bytes-per-ms":
		return float64Value(s.Speed(SweepSpeed))
	}
	return Value{}
}
