package task

import (
	"sync"
	"sync/atomic"
)

// A futex is a way for a goroutine to wait with the value as the key, and for
// another goroutine to wake one or all waiters keyed on the same value.
//
// A futex does not change the underlying value, it only reads it before
// sleeping to prevent lost wake-ups. The value must be changed before calling
// Wake or WakeAll.
type Futex struct {
	atomic.Uint32

	once sync.Once
	mu   sync.Mutex
	cond *sync.Cond
}

func (f *Futex) init() {
	f.once.Do(func() {
		f.cond = sync.NewCond(&f.mu)
	})
}

// Atomically check for cmp to still be equal to the futex value and if so, go
// to sleep. Return true if we were awoken by a call to Wake or WakeAll, and
// false if the value had already changed.
func (f *Futex) Wait(cmp uint32) (awoken bool) {
	f.init()
	f.mu.Lock()
	if f.Uint32.Load() != cmp {
		f.mu.Unlock()
		return false
	}
	f.cond.Wait()
	f.mu.Unlock()
	return true
}

// Wake a single waiter.
func (f *Futex) Wake() {
	f.init()
	f.mu.Lock()
	f.cond.Signal()
	f.mu.Unlock()
}

// Wake all waiters.
func (f *Futex) WakeAll() {
	f.init()
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

// waitGroup is used to wait on until a number of threads have finished the
// current state transition.
type waitGroup struct {
	f Futex
}

func newWaitGroup(n uint32) *waitGroup {
	wg := &waitGroup{}
	wg.f.Store(n)
	return wg
}

func (wg *waitGroup) done() {
	if wg.f.Add(^uint32(0)) == 0 {
		wg.f.WakeAll()
	}
}

func (wg *waitGroup) wait() {
	for {
		val := wg.f.Load()
		if val == 0 {
			return
		}
		wg.f.Wait(val)
	}
}
