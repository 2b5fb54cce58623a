// Package rset processes the local-to-share remembered sets of a local heap
// during a shared collection.
//
// When a shared cycle starts, the local-to-share sets of every region of
// every local heap are detached into a WorkListHandler. GC threads drain the
// handlers in parallel with the owning mutators, and the surviving bits are
// merged back into the regions exactly once, either by the owner before it
// collects its own heap or by the shared collector at remark.
package rset

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gengc/gengc/mem"
)

// State of a handler.
type State int32

const (
	Uncollected State = iota
	Initialized
	Draining
	Drained
	MergedBack
)

func (s State) String() string {
	switch s {
	case Uncollected:
		return "uncollected"
	case Initialized:
		return "initialized"
	case Draining:
		return "draining"
	case Drained:
		return "drained"
	case MergedBack:
		return "merged-back"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Visitor is called for every recorded slot. It returns false when the slot no
// longer points into the shared heap, which drops the bit.
type Visitor func(slot mem.Address) bool

type item struct {
	region *mem.Region
	bits   *mem.Bitset
}

// WorkListHandler owns the detached local-to-share sets of one local heap for
// one shared cycle.
type WorkListHandler struct {
	owner uint32
	items []item

	remaining atomic.Int64
	inFlight  atomic.Int64
	merged    atomic.Bool
	state     atomic.Int32

	lock sync.Mutex
	cond sync.Cond
}

// NewWorkListHandler returns a handler owned by the thread with the given id.
func NewWorkListHandler(owner uint32) *WorkListHandler {
	h := &WorkListHandler{owner: owner}
	h.cond.L = &h.lock
	return h
}

// Owner returns the id of the owning thread. Ownership may only be checked
// while every mutator is suspended.
func (h *WorkListHandler) Owner() uint32 { return h.owner }

// State returns the current state.
func (h *WorkListHandler) State() State { return State(h.state.Load()) }

// Len returns the number of detached sets.
func (h *WorkListHandler) Len() int { return len(h.items) }

// Initialize detaches the non-empty local-to-share set of every region
// passed to the enumerator. It must run while the owner is suspended.
func (h *WorkListHandler) Initialize(enumerate func(fn func(r *mem.Region))) {
	if h.State() != Uncollected {
		panic("rset: handler initialized twice")
	}
	enumerate(func(r *mem.Region) {
		b := r.ExtractLocalToShare()
		if b == nil || b.IsEmpty() {
			return
		}
		h.items = append(h.items, item{region: r, bits: b})
	})
	h.remaining.Store(int64(len(h.items)))
	h.state.Store(int32(Initialized))
}

// ProcessNext claims one set and visits its slots. It returns false when
// nothing was left or the handler has been merged back.
func (h *WorkListHandler) ProcessNext(visit Visitor) bool {
	h.inFlight.Add(1)
	defer h.done()
	if h.merged.Load() {
		return false
	}
	idx := h.remaining.Add(-1)
	if idx < 0 {
		h.state.CompareAndSwap(int32(Draining), int32(Drained))
		h.state.CompareAndSwap(int32(Initialized), int32(Drained))
		return false
	}
	h.state.CompareAndSwap(int32(Initialized), int32(Draining))
	it := h.items[idx]
	it.bits.Iterate(func(i uint) bool {
		if !visit(it.region.SlotAddress(i)) {
			it.bits.Clear(i)
		}
		return true
	})
	return true
}

func (h *WorkListHandler) done() {
	if h.inFlight.Add(-1) == 0 {
		h.lock.Lock()
		h.cond.Broadcast()
		h.lock.Unlock()
	}
}

// ProcessAll drains every set that has not been claimed yet.
func (h *WorkListHandler) ProcessAll(visit Visitor) {
	for h.ProcessNext(visit) {
	}
}

// WaitFinished blocks until no ProcessNext call is running.
func (h *WorkListHandler) WaitFinished() {
	h.lock.Lock()
	for h.inFlight.Load() != 0 {
		h.cond.Wait()
	}
	h.lock.Unlock()
}

// MergeBack drains what is left, waits for concurrent processors and merges
// the surviving bits back into their regions. Only the first call merges; it
// returns false for every later one.
func (h *WorkListHandler) MergeBack(visit Visitor) bool {
	if h.merged.Load() {
		return false
	}
	h.ProcessAll(visit)
	h.WaitFinished()
	if !h.merged.CompareAndSwap(false, true) {
		return false
	}
	for _, it := range h.items {
		if !it.bits.IsEmpty() {
			it.region.MergeLocalToShare(it.bits)
		}
	}
	h.items = nil
	h.state.Store(int32(MergedBack))
	return true
}

// IsMergedBack reports whether MergeBack has completed.
func (h *WorkListHandler) IsMergedBack() bool {
	return h.State() == MergedBack
}
