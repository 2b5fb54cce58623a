// Package task tracks the threads that touch the heap and implements the
// suspend-all barrier used by shared collections.
package task

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// If true, print verbose debug logs.
const verbose = false

// State is the scheduling state of a thread as seen by the collector.
type State uint32

const (
	// StateNative is a thread that is not touching the heap. It never needs
	// to acknowledge a suspend request. New threads start in this state.
	StateNative State = iota
	// StateRunning is a thread that may read or write heap objects at any
	// moment. It must poll CheckSafepoint.
	StateRunning
	// StateSuspended is a running thread parked at a safepoint.
	StateSuspended
	// StateTerminated is a thread that has been unregistered.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNative:
		return "native"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Kind of a thread.
type Kind uint8

const (
	KindMutator Kind = iota
	KindDaemon
)

// Thread is a registered participant of the suspend-all protocol.
type Thread struct {
	// Thread ID. The number here is not really significant but it is unique
	// for the lifetime of the registry and useful for debugging.
	id   uint32
	name string
	kind Kind

	registry *Registry

	// Next thread in the registry list.
	next *Thread

	state atomic.Uint32

	// suspendFlag is set by SuspendAll and polled by CheckSafepoint.
	suspendFlag atomic.Bool

	// counted is set when the current suspend request waits for an
	// acknowledgement from this thread. Protected by registry.lock.
	counted bool

	// Context is attached by the owner of the thread (for mutators, the local
	// heap). It is set before Register and never changed afterwards.
	Context any
}

// ID returns the thread id.
func (t *Thread) ID() uint32 {
	return t.id
}

// Name returns the name given at creation.
func (t *Thread) Name() string {
	return t.name
}

// Kind returns the kind of the thread.
func (t *Thread) Kind() Kind {
	return t.kind
}

// State returns the current state of the thread.
func (t *Thread) State() State {
	return State(t.state.Load())
}

// IsRunning reports whether the thread may currently touch the heap.
func (t *Thread) IsRunning() bool {
	return t.State() == StateRunning
}

// Registry returns the registry the thread belongs to.
func (t *Thread) Registry() *Registry {
	return t.registry
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// TransitionToRunning marks the thread as touching the heap. It blocks while
// a suspend-all requested by another thread is in effect.
func (t *Thread) TransitionToRunning() {
	t.registry.transitionToRunning(t)
}

// TransitionToNative marks the thread as not touching the heap. A pending
// suspend request no longer waits for it.
func (t *Thread) TransitionToNative() {
	t.registry.transitionToNative(t)
}

// CheckSafepoint parks the thread if a suspend-all is in effect.
func (t *Thread) CheckSafepoint() {
	if !t.suspendFlag.Load() {
		return
	}
	t.registry.safepoint(t)
}

// SuspensionScope runs fn with the thread in native state and restores the
// previous state afterwards. Threads that block on the collector must do so
// inside a suspension scope, otherwise a suspend-all would wait forever.
func (t *Thread) SuspensionScope(fn func()) {
	wasRunning := t.State() == StateRunning
	if wasRunning {
		t.TransitionToNative()
	}
	fn()
	if wasRunning {
		t.TransitionToRunning()
	}
}

// gcState values.
const (
	gcStateResumed = iota
	gcStateStopped
)

// Registry is the set of threads taking part in suspend-all.
type Registry struct {
	// lock protects the thread list and all state transitions.
	lock    sync.Mutex
	threads *Thread
	count   int
	nextID  atomic.Uint32

	// suspendLock serializes suspenders. It is held from SuspendAll until the
	// matching ResumeAll.
	suspendLock sync.Mutex
	suspender   *Thread
	acks        *waitGroup

	// gcState is used to track and notify threads when the world is
	// stopping/resuming.
	gcState Futex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewThread creates and registers a thread in native state.
func (r *Registry) NewThread(name string, kind Kind, context any) *Thread {
	t := &Thread{
		id:       r.nextID.Add(1),
		name:     name,
		kind:     kind,
		registry: r,
		Context:  context,
	}
	t.state.Store(uint32(StateNative))
	if verbose {
		println("*** register:", t.id, name)
	}

	// Register with the lock held so that a stop-the-world in progress either
	// sees the thread completely or not at all.
	r.lock.Lock()
	t.next = r.threads
	r.threads = t
	r.count++
	if r.gcState.Load() == gcStateStopped {
		t.suspendFlag.Store(true)
	}
	r.lock.Unlock()
	return t
}

// Unregister removes the thread from the registry.
func (r *Registry) Unregister(t *Thread) {
	if verbose {
		println("*** unregister:", t.id)
	}
	r.lock.Lock()
	found := false
	for q := &r.threads; *q != nil; q = &(*q).next {
		if *q == t {
			*q = t.next
			found = true
			break
		}
	}
	if found {
		r.count--
	}
	if t.counted {
		t.counted = false
		r.acks.done()
	}
	t.state.Store(uint32(StateTerminated))
	r.lock.Unlock()

	// Sanity check.
	if !found {
		panic("task: unregistering unknown thread " + t.String())
	}
}

// Count returns the number of registered threads.
func (r *Registry) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.count
}

// Iterate calls fn for every registered thread. The registry is locked for
// the duration of the call, so fn must not change thread states.
func (r *Registry) Iterate(fn func(t *Thread)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for t := r.threads; t != nil; t = t.next {
		fn(t)
	}
}

// IsSuspended reports whether a suspend-all is in effect.
func (r *Registry) IsSuspended() bool {
	return r.gcState.Load() == gcStateStopped
}

// SuspendAll stops every registered thread other than current (which may be
// nil). On return no other thread is in running state, and none will become
// running until ResumeAll.
//
// After calling this function, ResumeAll needs to be called once to resume
// all threads again.
func (r *Registry) SuspendAll(current *Thread) {
	r.suspendLock.Lock()

	r.lock.Lock()
	r.gcState.Store(gcStateStopped)
	r.suspender = current
	n := uint32(0)
	for t := r.threads; t != nil; t = t.next {
		if t == current {
			continue
		}
		t.suspendFlag.Store(true)
		if t.State() == StateRunning {
			t.counted = true
			n++
		}
	}
	acks := newWaitGroup(n)
	r.acks = acks
	r.lock.Unlock()

	if verbose {
		println("*** suspend all: waiting for", n, "threads")
	}

	// Wait for the running threads to reach a safepoint or leave running
	// state.
	acks.wait()
}

// ResumeAll resumes the threads stopped by SuspendAll.
func (r *Registry) ResumeAll(current *Thread) {
	r.lock.Lock()
	if r.gcState.Load() == gcStateResumed || r.suspender != current {
		r.lock.Unlock()
		panic("task: ResumeAll without matching SuspendAll")
	}
	for t := r.threads; t != nil; t = t.next {
		t.suspendFlag.Store(false)
	}
	r.suspender = nil
	r.acks = nil
	r.gcState.Store(gcStateResumed)
	r.lock.Unlock()

	// Wake all of the stopped threads.
	r.gcState.WakeAll()
	r.suspendLock.Unlock()
}

func (r *Registry) safepoint(t *Thread) {
	r.lock.Lock()
	if !t.counted {
		// Either the flag is stale or the thread was not running when the
		// request was made.
		r.lock.Unlock()
		return
	}
	t.counted = false
	t.state.Store(uint32(StateSuspended))
	acks := r.acks
	r.lock.Unlock()

	// Notify the suspender that we are stopped.
	acks.done()

	r.waitResumed(t)
}

func (r *Registry) transitionToRunning(t *Thread) {
	r.waitResumed(t)
}

// waitResumed blocks until no foreign suspend-all is in effect and then marks
// the thread running. The check and the state change happen under the lock so
// that a new SuspendAll either counts this thread or blocks it.
func (r *Registry) waitResumed(t *Thread) {
	for {
		r.lock.Lock()
		if r.gcState.Load() == gcStateStopped && r.suspender != t {
			r.lock.Unlock()
			r.gcState.Wait(gcStateStopped)
			continue
		}
		t.state.Store(uint32(StateRunning))
		r.lock.Unlock()
		return
	}
}

func (r *Registry) transitionToNative(t *Thread) {
	r.lock.Lock()
	t.state.Store(uint32(StateNative))
	if t.counted {
		t.counted = false
		r.acks.done()
	}
	r.lock.Unlock()
}
