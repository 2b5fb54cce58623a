// Package heap drives the collections of the local heaps and of the shared
// heap. A Runtime owns the address space, the worker pool and the shared
// heap; every mutator gets its own LocalHeap from it.
package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corazawaf/coraza/v3/loggers"
	"go.opentelemetry.io/otel/trace"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/heuristics"
	"github.com/gengc/gengc/internal/taskpool"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/stats"
	"github.com/gengc/gengc/verify"
)

// TriggerType is the kind of collection asked for.
type TriggerType = heuristics.GCType

const (
	YoungGC        = heuristics.YoungGC
	OldGC          = heuristics.OldGC
	FullGC         = heuristics.FullGC
	AppSpawnFullGC = heuristics.AppSpawnFullGC
	SharedGC       = heuristics.SharedGC
	SharedFullGC   = heuristics.SharedFullGC
)

// Reason tells why a collection was started.
type Reason uint8

const (
	ReasonAllocationFailed Reason = iota
	ReasonAllocationLimit
	ReasonExternal
	ReasonHint
	ReasonIdle
	ReasonSwitchBackground
	ReasonTaskFinished
	ReasonAppSpawn
	ReasonSharedLimit
	ReasonNearOOM
	ReasonOther
)

func (r Reason) String() string {
	switch r {
	case ReasonAllocationFailed:
		return "allocation failed"
	case ReasonAllocationLimit:
		return "allocation limit"
	case ReasonExternal:
		return "external"
	case ReasonHint:
		return "hint"
	case ReasonIdle:
		return "idle"
	case ReasonSwitchBackground:
		return "switch to background"
	case ReasonTaskFinished:
		return "task finished"
	case ReasonAppSpawn:
		return "app spawn"
	case ReasonSharedLimit:
		return "shared limit"
	case ReasonNearOOM:
		return "near out of memory"
	case ReasonOther:
		return "other"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

var (
	// ErrOutOfMemory is wrapped by every *OutOfMemoryError.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrHeapDestroyed is returned by heaps used after Destroy.
	ErrHeapDestroyed = errors.New("heap destroyed")
	// ErrInvalidTrigger is returned when a heap is asked for a collection it
	// does not run.
	ErrInvalidTrigger = errors.New("invalid collection type")
	// ErrRecursiveCollection is reported when a collection starts while the
	// same heap is collecting.
	ErrRecursiveCollection = errors.New("recursive collection")
)

// OutOfMemoryError is returned when an allocation fails even after the
// heaviest collection.
type OutOfMemoryError struct {
	Heap  string
	Size  uint64
	Space mem.SpaceType
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("%s: out of memory allocating %s in %v space", e.Heap, config.FormatSize(e.Size), e.Space)
}

func (e *OutOfMemoryError) Unwrap() error { return ErrOutOfMemory }

// HeapLike is what the local heaps and the shared heap have in common.
type HeapLike interface {
	Name() string
	CollectGarbage(t TriggerType, reason Reason) error
	CommittedSize() uint64
	HeapObjectSize() uint64
	IsReadyToConcurrentMark() bool
	WaitAllTasksFinished()
	VerifyAll(kind verify.Kind) int
	AddGCListener(l GCListener) ListenerID
	RemoveGCListener(id ListenerID)
}

var (
	_ HeapLike = (*LocalHeap)(nil)
	_ HeapLike = (*SharedHeap)(nil)
)

// Cycle describes a collection to listeners.
type Cycle struct {
	Type   TriggerType
	Reason Reason
	Mark   heuristics.MarkType
	Start  time.Time
	End    time.Time

	HeapBefore uint64
	HeapAfter  uint64
	Promoted   uint64
	Copied     uint64
	Freed      uint64
	CSetSize   uint64

	SurvivalRate float64
}

// GCEvent is passed to listeners.
type GCEvent uint8

const (
	GCStarted GCEvent = iota
	GCFinished
)

func (e GCEvent) String() string {
	if e == GCStarted {
		return "started"
	}
	return "finished"
}

// GCListener is called at the start and the end of every collection, on the
// collecting thread. Listeners must not allocate.
type GCListener func(ev GCEvent, c *Cycle)

// ListenerID identifies a registered listener.
type ListenerID uint64

// base holds the state the local heaps and the shared heap share.
type base struct {
	name   string
	rt     *Runtime
	log    loggers.DebugLogger
	stats  *stats.GCStats
	tracer *stats.Tracer
	spans  trace.Tracer

	inGC atomic.Bool

	// Tasks posted to the pool that are still running.
	tasksLock sync.Mutex
	tasksCond sync.Cond
	tasks     int

	listenersLock sync.Mutex
	listeners     map[ListenerID]GCListener
	nextListener  ListenerID

	shouldThrowOOM atomic.Bool
	oomThrown      atomic.Bool
}

func (b *base) init(rt *Runtime, name string) error {
	b.name = name
	b.rt = rt
	b.log = rt.log
	b.spans = rt.spans
	b.stats = stats.New()
	b.tasksCond.L = &b.tasksLock
	b.listeners = make(map[ListenerID]GCListener)
	if path := rt.cfg.TraceFile; path != "" {
		tr, err := stats.OpenTracer(path, name)
		if err != nil {
			return err
		}
		b.tracer = tr
		b.stats.SetSink(func(c *stats.Cycle) {
			if err := tr.Trace(c); err != nil {
				b.log.Warn("%s: could not write trace: %v", name, err)
			}
		})
	}
	return nil
}

func (b *base) close() {
	if b.tracer != nil {
		if err := b.tracer.Close(); err != nil {
			b.log.Warn("%s: could not close trace file: %v", b.name, err)
		}
	}
}

// Name returns the name of the heap.
func (b *base) Name() string { return b.name }

// Stats returns the collection records of the heap.
func (b *base) Stats() *stats.GCStats { return b.stats }

// enterGC guards against a collection starting inside another one on the
// same heap. The returned function ends the guard.
func (b *base) enterGC() func() {
	if !b.inGC.CompareAndSwap(false, true) {
		diagnostics.Fatal(fmt.Errorf("%s: %w", b.name, ErrRecursiveCollection))
		return func() {}
	}
	return func() { b.inGC.Store(false) }
}

// InGC reports whether the heap is collecting.
func (b *base) InGC() bool { return b.inGC.Load() }

// postTask runs fn on the pool and counts it until it returns. It reports
// false if the pool was closed and fn will not run.
func (b *base) postTask(fn func(tid uint32)) bool {
	b.tasksLock.Lock()
	b.tasks++
	b.tasksLock.Unlock()
	posted := b.rt.pool().PostTask(taskpool.Func(func(tid uint32) bool {
		defer b.taskFinished()
		fn(tid)
		return true
	}))
	if !posted {
		b.taskFinished()
	}
	return posted
}

func (b *base) taskFinished() {
	b.tasksLock.Lock()
	b.tasks--
	if b.tasks == 0 {
		b.tasksCond.Broadcast()
	}
	b.tasksLock.Unlock()
}

// RunningTasks returns the number of background tasks of the heap.
func (b *base) RunningTasks() int {
	b.tasksLock.Lock()
	defer b.tasksLock.Unlock()
	return b.tasks
}

// WaitAllTasksFinished blocks until every background task of the heap has
// returned.
func (b *base) WaitAllTasksFinished() {
	b.tasksLock.Lock()
	for b.tasks > 0 {
		b.tasksCond.Wait()
	}
	b.tasksLock.Unlock()
}

// AddGCListener registers l and returns its id.
func (b *base) AddGCListener(l GCListener) ListenerID {
	b.listenersLock.Lock()
	defer b.listenersLock.Unlock()
	b.nextListener++
	b.listeners[b.nextListener] = l
	return b.nextListener
}

// RemoveGCListener unregisters a listener. Unknown ids are ignored.
func (b *base) RemoveGCListener(id ListenerID) {
	b.listenersLock.Lock()
	delete(b.listeners, id)
	b.listenersLock.Unlock()
}

func (b *base) notify(ev GCEvent, c *Cycle) {
	b.listenersLock.Lock()
	ls := make([]GCListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.listenersLock.Unlock()
	for _, l := range ls {
		l(ev, c)
	}
}

// record stores a finished cycle in the statistics.
func (b *base) record(c *Cycle, committed uint64) {
	b.stats.Record(stats.Cycle{
		Type:         c.Type,
		Reason:       c.Reason.String(),
		Start:        c.Start,
		End:          c.End,
		HeapBefore:   c.HeapBefore,
		HeapAfter:    c.HeapAfter,
		Committed:    committed,
		Promoted:     c.Promoted,
		Copied:       c.Copied,
		Freed:        c.Freed,
		CSetSize:     c.CSetSize,
		SurvivalRate: c.SurvivalRate,
	})
	b.stats.SetHeapAliveSizeAfterGC(c.HeapAfter)
	b.log.Debug("%s: %v gc (%v) %v, heap %s -> %s", b.name, c.Type, c.Reason, c.End.Sub(c.Start),
		config.FormatSize(c.HeapBefore), config.FormatSize(c.HeapAfter))
}

// ShouldThrowOOMError reports whether the next allocation fails with an out
// of memory error.
func (b *base) ShouldThrowOOMError() bool { return b.shouldThrowOOM.Load() }

// SetShouldThrowOOMError sets or clears the pending out of memory error.
func (b *base) SetShouldThrowOOMError(v bool) { b.shouldThrowOOM.Store(v) }

// outOfMemory builds the error of a failed allocation and logs it once.
func (b *base) outOfMemory(size uint64, space mem.SpaceType) error {
	err := &OutOfMemoryError{Heap: b.name, Size: size, Space: space}
	if b.oomThrown.CompareAndSwap(false, true) {
		b.log.Error("%v", err)
	}
	return err
}
