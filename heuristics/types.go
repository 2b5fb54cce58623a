// Package heuristics decides when to collect and how large the spaces may
// grow. The functions work on size snapshots taken by the heaps so that every
// decision can be tested without a heap.
package heuristics

import "fmt"

// GCType is the kind of collection to run.
type GCType uint8

const (
	YoungGC GCType = iota
	OldGC
	FullGC
	AppSpawnFullGC
	SharedGC
	SharedFullGC
)

func (t GCType) String() string {
	switch t {
	case YoungGC:
		return "young"
	case OldGC:
		return "old"
	case FullGC:
		return "full"
	case AppSpawnFullGC:
		return "appspawn-full"
	case SharedGC:
		return "shared"
	case SharedFullGC:
		return "shared-full"
	default:
		return fmt.Sprintf("GCType(%d)", uint8(t))
	}
}

// IsShared reports whether the collection runs on the shared heap.
func (t GCType) IsShared() bool { return t == SharedGC || t == SharedFullGC }

// IsFull reports whether the collection compacts every movable object.
func (t GCType) IsFull() bool {
	return t == FullGC || t == AppSpawnFullGC || t == SharedFullGC
}

// MarkType is the scope of a (concurrent) mark.
type MarkType uint8

const (
	MarkYoung MarkType = iota
	MarkFull
)

func (m MarkType) String() string {
	if m == MarkYoung {
		return "young"
	}
	return "full"
}

// GrowingType selects how aggressively limits grow after a collection.
type GrowingType int32

const (
	HighThroughput GrowingType = iota
	Conservative
	Pressure
)

func (g GrowingType) String() string {
	switch g {
	case HighThroughput:
		return "high-throughput"
	case Conservative:
		return "conservative"
	case Pressure:
		return "pressure"
	default:
		return fmt.Sprintf("GrowingType(%d)", int32(g))
	}
}

// StartupStatus tracks the cold start of the application.
type StartupStatus int32

const (
	BeforeStartup StartupStatus = iota
	OnStartup
	JustFinishStartup
	FinishStartup
)

func (s StartupStatus) String() string {
	switch s {
	case BeforeStartup:
		return "before-startup"
	case OnStartup:
		return "on-startup"
	case JustFinishStartup:
		return "just-finish-startup"
	case FinishStartup:
		return "finish-startup"
	default:
		return fmt.Sprintf("StartupStatus(%d)", int32(s))
	}
}

// SensitiveStatus tracks latency sensitive phases announced by the
// application.
type SensitiveStatus int32

const (
	NormalScene SensitiveStatus = iota
	EnterHighSensitive
	ExitHighSensitive
)

func (s SensitiveStatus) String() string {
	switch s {
	case NormalScene:
		return "normal"
	case EnterHighSensitive:
		return "enter-high-sensitive"
	case ExitHighSensitive:
		return "exit-high-sensitive"
	default:
		return fmt.Sprintf("SensitiveStatus(%d)", int32(s))
	}
}

// MemoryReduceDegree is the urgency of a hint GC.
type MemoryReduceDegree uint8

const (
	DegreeLow MemoryReduceDegree = iota
	DegreeMiddle
	DegreeHigh
)

func (d MemoryReduceDegree) String() string {
	switch d {
	case DegreeLow:
		return "low"
	case DegreeMiddle:
		return "middle"
	case DegreeHigh:
		return "high"
	default:
		return fmt.Sprintf("MemoryReduceDegree(%d)", uint8(d))
	}
}

// Sizes is a snapshot of the sizes of a local heap.
type Sizes struct {
	// HeapObject is the object size over every space.
	HeapObject uint64
	// Committed is the committed size over every space.
	Committed uint64

	// OldObject is the object size of the old, huge and huge machine code
	// spaces together.
	OldObject      uint64
	OldSpaceObject uint64
	// OldCommitted is the committed size of the old and huge spaces.
	OldCommitted      uint64
	OldSpaceCommitted uint64
	OldInitial        uint64
	OldMaximum        uint64
	OldOvershoot      uint64

	SemiObject    uint64
	SemiCommitted uint64
	SemiInitial   uint64
	SemiOvershoot uint64
}
