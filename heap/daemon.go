package heap

import (
	"sync"

	"github.com/gengc/gengc/internal/task"
)

// daemon is the thread the shared heap collects on. It runs the posted
// tasks one at a time, in order.
type daemon struct {
	thread *task.Thread

	lock   sync.Mutex
	closed bool
	tasks  chan func()
	done   chan struct{}
}

func newDaemon(registry *task.Registry, name string, context any) *daemon {
	d := &daemon{
		thread: registry.NewThread(name, task.KindDaemon, context),
		tasks:  make(chan func(), 16),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *daemon) loop() {
	defer close(d.done)
	for fn := range d.tasks {
		fn()
	}
}

// post queues fn. It reports false once the daemon is stopped.
func (d *daemon) post(fn func()) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return false
	}
	d.tasks <- fn
	return true
}

// stop runs the queued tasks, ends the loop and unregisters the thread.
func (d *daemon) stop() {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return
	}
	d.closed = true
	close(d.tasks)
	d.lock.Unlock()
	<-d.done
	d.thread.Registry().Unregister(d.thread)
}
