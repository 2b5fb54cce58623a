// Package gcwork implements the work-stealing mark stacks used by parallel
// marking and evacuation.
//
// Every GC thread owns a Holder with two work nodes: objects are pushed to the
// in node and popped from the out node. A full in node is published on the
// global stack where idle threads steal it. This is the double buffering of
// the runtime's gcWork with nodes instead of buffers.
package gcwork

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gengc/gengc/mem"
)

// NodeCapacity is the number of objects a work node holds.
const NodeCapacity = 64

// nodesPerChunk is the number of nodes allocated at once by the arena.
const nodesPerChunk = 256

// WorkNode is a fixed size stack of objects.
type WorkNode struct {
	top  int
	next *WorkNode
	objs [NodeCapacity]mem.Address
}

// PushObject pushes obj and reports whether there was room.
func (n *WorkNode) PushObject(obj mem.Address) bool {
	if n.top == NodeCapacity {
		return false
	}
	n.objs[n.top] = obj
	n.top++
	return true
}

// PopObject pops the most recently pushed object.
func (n *WorkNode) PopObject() (mem.Address, bool) {
	if n.top == 0 {
		return mem.Null, false
	}
	n.top--
	return n.objs[n.top], true
}

// IsEmpty reports whether the node holds no object.
func (n *WorkNode) IsEmpty() bool { return n.top == 0 }

// IsFull reports whether the node has no room left.
func (n *WorkNode) IsFull() bool { return n.top == NodeCapacity }

// Len returns the number of objects in the node.
func (n *WorkNode) Len() int { return n.top }

func (n *WorkNode) reset() {
	n.top = 0
	n.next = nil
}

// GlobalStack is the stack of published work nodes.
type GlobalStack struct {
	lock sync.Mutex
	top  *WorkNode
	size int
}

// Push publishes a node.
func (s *GlobalStack) Push(n *WorkNode) {
	s.lock.Lock()
	n.next = s.top
	s.top = n
	s.size++
	s.lock.Unlock()
}

// Pop takes a node, or returns nil.
func (s *GlobalStack) Pop() *WorkNode {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := s.top
	if n == nil {
		return nil
	}
	s.top = n.next
	n.next = nil
	s.size--
	return n
}

// IsEmpty reports whether no node is published.
func (s *GlobalStack) IsEmpty() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.top == nil
}

// Len returns the number of published nodes.
func (s *GlobalStack) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.size
}

func (s *GlobalStack) clear() {
	s.lock.Lock()
	s.top = nil
	s.size = 0
	s.lock.Unlock()
}

// arena hands out work nodes. Nodes are never freed individually: the whole
// arena is recycled when a cycle finishes.
type arena struct {
	lock   sync.Mutex
	chunks [][]WorkNode
	chunk  int
	next   int
	used   atomic.Int64
}

func (a *arena) allocate() *WorkNode {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.chunk == len(a.chunks) {
		a.chunks = append(a.chunks, make([]WorkNode, nodesPerChunk))
	}
	n := &a.chunks[a.chunk][a.next]
	a.next++
	if a.next == nodesPerChunk {
		a.chunk++
		a.next = 0
	}
	n.reset()
	a.used.Add(1)
	return n
}

// recycle makes every node available again. Chunks beyond the first few are
// dropped so that a single large cycle does not pin memory forever.
func (a *arena) recycle() {
	a.lock.Lock()
	defer a.lock.Unlock()
	const keep = 4
	if len(a.chunks) > keep {
		for i := keep; i < len(a.chunks); i++ {
			a.chunks[i] = nil
		}
		a.chunks = a.chunks[:keep]
	}
	a.chunk, a.next = 0, 0
	a.used.Store(0)
}

// Phase is the kind of traversal the work manager is set up for.
type Phase uint8

const (
	YoungMark Phase = iota
	OldMark
	FullMark
	Evacuate
	SharedMark
	SharedCompress
)

func (p Phase) String() string {
	switch p {
	case YoungMark:
		return "young-mark"
	case OldMark:
		return "old-mark"
	case FullMark:
		return "full-mark"
	case Evacuate:
		return "evacuate"
	case SharedMark:
		return "shared-mark"
	case SharedCompress:
		return "shared-compress"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Holder is the per thread state of a work manager.
type Holder struct {
	in       *WorkNode
	out      *WorkNode
	cachedIn *WorkNode

	aliveSize    uint64
	promotedSize uint64
	weakSlots    []mem.Address
	liveBytes    map[*mem.Region]uint64
}

// AddAliveSize adds to the bytes found alive by this thread.
func (h *Holder) AddAliveSize(n uint64) { h.aliveSize += n }

// AddPromotedSize adds to the bytes promoted by this thread.
func (h *Holder) AddPromotedSize(n uint64) { h.promotedSize += n }

// PushWeakSlot records a weak reference slot to process after marking.
func (h *Holder) PushWeakSlot(slot mem.Address) { h.weakSlots = append(h.weakSlots, slot) }

// AddLiveBytes accounts n live bytes to region r. The counts are flushed to
// the regions by Finish.
func (h *Holder) AddLiveBytes(r *mem.Region, n uint64) {
	if h.liveBytes == nil {
		h.liveBytes = make(map[*mem.Region]uint64)
	}
	h.liveBytes[r] += n
}

// WorkManager distributes mark work over a fixed number of threads. Thread 0
// is the thread driving the collection; pool workers use their own index.
type WorkManager struct {
	arena  arena
	global GlobalStack

	holders      []Holder
	totalThreads int
	phase        Phase
	initialized  atomic.Bool

	postTask func(tid uint32)

	// Results of the last Finish.
	weakSlots    []mem.Address
	promotedSize uint64
}

// NewWorkManager returns a work manager for totalThreads threads.
func NewWorkManager(totalThreads int) *WorkManager {
	wm := &WorkManager{}
	wm.resize(totalThreads)
	return wm
}

func (wm *WorkManager) resize(totalThreads int) {
	if totalThreads < 1 {
		totalThreads = 1
	}
	wm.totalThreads = totalThreads
	wm.holders = make([]Holder, totalThreads)
}

// SetPostTaskHook sets the function called when a thread publishes a full
// node and more helpers could be useful.
func (wm *WorkManager) SetPostTaskHook(fn func(tid uint32)) {
	wm.postTask = fn
}

// Initialize prepares the manager for a new traversal. The thread count may
// change between cycles, never during one.
func (wm *WorkManager) Initialize(totalThreads int, phase Phase) {
	if wm.initialized.Load() {
		panic("gcwork: Initialize called twice without Finish")
	}
	if totalThreads != wm.totalThreads {
		wm.resize(totalThreads)
	}
	wm.phase = phase
	wm.global.clear()
	for i := range wm.holders {
		h := &wm.holders[i]
		h.in = wm.arena.allocate()
		h.out = wm.arena.allocate()
		h.cachedIn = nil
		h.aliveSize = 0
		h.promotedSize = 0
		h.weakSlots = h.weakSlots[:0]
		h.liveBytes = nil
	}
	wm.initialized.Store(true)
}

// HasInitialized reports whether a traversal is in progress.
func (wm *WorkManager) HasInitialized() bool { return wm.initialized.Load() }

// TotalThreadNum returns the number of threads the manager is set up for.
func (wm *WorkManager) TotalThreadNum() int { return wm.totalThreads }

// Phase returns the phase passed to Initialize.
func (wm *WorkManager) Phase() Phase { return wm.phase }

// Holder returns the state of thread tid.
func (wm *WorkManager) Holder(tid uint32) *Holder { return &wm.holders[tid] }

// Push adds obj to the work of thread tid. The caller must have claimed the
// object, normally by setting its mark bit, so that it is pushed only once.
func (wm *WorkManager) Push(tid uint32, obj mem.Address) {
	h := &wm.holders[tid]
	if h.in.PushObject(obj) {
		return
	}
	wm.PushWorkNodeToGlobal(tid, true)
	h.in.PushObject(obj)
}

// Pop returns the next object for thread tid: first from its out node, then
// from its own in node, and finally from the global stack.
func (wm *WorkManager) Pop(tid uint32) (mem.Address, bool) {
	h := &wm.holders[tid]
	if obj, ok := h.out.PopObject(); ok {
		return obj, true
	}
	if !h.in.IsEmpty() {
		h.in, h.out = h.out, h.in
		return h.out.PopObject()
	}
	n := wm.global.Pop()
	if n == nil {
		return mem.Null, false
	}
	if h.cachedIn == nil {
		h.cachedIn = h.out
	}
	h.out = n
	return h.out.PopObject()
}

// PushWorkNodeToGlobal publishes the in node of thread tid if it holds any
// work. With postTask set the post-task hook is called so that the owner can
// start another helper.
func (wm *WorkManager) PushWorkNodeToGlobal(tid uint32, postTask bool) {
	h := &wm.holders[tid]
	if h.in.IsEmpty() {
		return
	}
	wm.global.Push(h.in)
	if h.cachedIn != nil {
		h.in, h.cachedIn = h.cachedIn, nil
		h.in.reset()
	} else {
		h.in = wm.arena.allocate()
	}
	if postTask && wm.postTask != nil {
		wm.postTask(tid)
	}
}

// GlobalEmpty reports whether no published work is left.
func (wm *WorkManager) GlobalEmpty() bool { return wm.global.IsEmpty() }

// Finish ends the traversal. It flushes the per region live byte counts,
// collects weak slots and returns the total alive size.
func (wm *WorkManager) Finish() (aliveSize uint64) {
	wm.weakSlots = wm.weakSlots[:0]
	wm.promotedSize = 0
	for i := range wm.holders {
		h := &wm.holders[i]
		aliveSize += h.aliveSize
		wm.promotedSize += h.promotedSize
		wm.weakSlots = append(wm.weakSlots, h.weakSlots...)
		for r, n := range h.liveBytes {
			r.AddLiveBytes(n)
		}
		h.liveBytes = nil
		h.in, h.out, h.cachedIn = nil, nil, nil
	}
	wm.global.clear()
	wm.arena.recycle()
	wm.initialized.Store(false)
	return aliveSize
}

// WeakSlots returns the weak slots collected by the last Finish.
func (wm *WorkManager) WeakSlots() []mem.Address { return wm.weakSlots }

// PromotedSize returns the promoted bytes counted by the last Finish.
func (wm *WorkManager) PromotedSize() uint64 { return wm.promotedSize }

// NodesInUse returns the number of nodes handed out since the last Finish.
func (wm *WorkManager) NodesInUse() int { return int(wm.arena.used.Load()) }
