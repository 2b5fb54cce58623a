package gcwork

import (
	"sync"

	"github.com/gengc/gengc/mem"
)

// LocalBuffer collects shared objects shaded by one mutator's write barrier
// while shared marking runs. Only the owning mutator pushes to it.
type LocalBuffer struct {
	node *WorkNode
}

// IsEmpty reports whether the buffer holds no object.
func (b *LocalBuffer) IsEmpty() bool {
	return b.node == nil || b.node.IsEmpty()
}

// SharedWorkManager is the work manager of the shared heap. On top of the
// per thread holders it accepts work from mutator local buffers.
type SharedWorkManager struct {
	*WorkManager

	// Serializes buffer node allocation against Finish.
	lock sync.Mutex
}

// NewSharedWorkManager returns a shared work manager for totalThreads GC
// threads.
func NewSharedWorkManager(totalThreads int) *SharedWorkManager {
	return &SharedWorkManager{WorkManager: NewWorkManager(totalThreads)}
}

// PushToLocalBuffer adds obj to a mutator's buffer, publishing the buffer node
// when it is full.
func (sm *SharedWorkManager) PushToLocalBuffer(b *LocalBuffer, obj mem.Address) {
	if b.node == nil {
		b.node = sm.allocateNode()
	}
	if b.node.PushObject(obj) {
		return
	}
	sm.global.Push(b.node)
	b.node = sm.allocateNode()
	b.node.PushObject(obj)
}

// PushLocalBufferToGlobal publishes whatever the buffer holds.
func (sm *SharedWorkManager) PushLocalBufferToGlobal(b *LocalBuffer) {
	if b.node == nil {
		return
	}
	if !b.node.IsEmpty() {
		sm.global.Push(b.node)
	}
	b.node = nil
}

func (sm *SharedWorkManager) allocateNode() *WorkNode {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return sm.arena.allocate()
}

// Finish ends the traversal. Every local buffer must have been published.
func (sm *SharedWorkManager) Finish() uint64 {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return sm.WorkManager.Finish()
}
