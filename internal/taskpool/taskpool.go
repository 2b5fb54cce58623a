// Package taskpool is the bounded worker pool shared by every collection in
// a runtime. Workers are numbered from 1; index 0 is reserved for the thread
// that drives a collection so that per-thread GC state can be indexed
// directly by the worker index.
package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gengc/gengc/internal/task"
)

// Task is a unit of work run by a pool worker.
type Task interface {
	// Run executes the task on the worker with the given index. The return
	// value is reserved for tasks that want to report completion.
	Run(threadIndex uint32) bool
}

// Func adapts a function to the Task interface.
type Func func(threadIndex uint32) bool

func (f Func) Run(threadIndex uint32) bool {
	return f(threadIndex)
}

// Priority of the pool threads.
type Priority int32

const (
	Foreground Priority = iota
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "foreground"
}

// Pool runs posted tasks on a fixed set of workers.
type Pool struct {
	threads int

	tasks   task.Queue[Task]
	lock    sync.Mutex
	cond    *sync.Cond
	closed  bool
	pending int

	group  *errgroup.Group
	cancel context.CancelFunc

	running  atomic.Int32
	executed atomic.Uint64
	priority atomic.Int32

	timersLock sync.Mutex
	timers     map[*time.Timer]struct{}
}

// New starts a pool with the given number of workers. At least one worker is
// always started.
func New(threads int) *Pool {
	if threads < 1 {
		threads = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	p := &Pool{
		threads: threads,
		group:   group,
		cancel:  cancel,
		timers:  make(map[*time.Timer]struct{}),
	}
	p.cond = sync.NewCond(&p.lock)
	for i := 1; i <= threads; i++ {
		index := uint32(i)
		group.Go(func() error {
			return p.worker(ctx, index)
		})
	}
	return p
}

// TotalThreadNum returns the number of workers.
func (p *Pool) TotalThreadNum() int {
	return p.threads
}

// PostTask queues t for execution and reports whether it was queued. Tasks
// posted after Close are dropped.
func (p *Pool) PostTask(t Task) bool {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return false
	}
	p.tasks.Push(t)
	p.pending++
	p.lock.Unlock()
	p.cond.Signal()
	return true
}

// PostDelayedTask queues t after delay has elapsed.
func (p *Pool) PostDelayedTask(t Task, delay time.Duration) {
	var timer *time.Timer
	p.timersLock.Lock()
	timer = time.AfterFunc(delay, func() {
		p.timersLock.Lock()
		delete(p.timers, timer)
		p.timersLock.Unlock()
		p.PostTask(t)
	})
	p.timers[timer] = struct{}{}
	p.timersLock.Unlock()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Executed returns the number of tasks run since the pool was created.
func (p *Pool) Executed() uint64 {
	return p.executed.Load()
}

// SetThreadPriority records the priority of the pool threads. Background
// pools are used by heaps to lower their task counts.
func (p *Pool) SetThreadPriority(priority Priority) {
	p.priority.Store(int32(priority))
}

// ThreadPriority returns the last priority set.
func (p *Pool) ThreadPriority() Priority {
	return Priority(p.priority.Load())
}

// Close stops accepting tasks, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Close() error {
	p.timersLock.Lock()
	for timer := range p.timers {
		timer.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	p.timersLock.Unlock()

	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()
	p.cond.Broadcast()
	err := p.group.Wait()
	p.cancel()
	return err
}

func (p *Pool) worker(ctx context.Context, index uint32) error {
	for {
		p.lock.Lock()
		for p.pending == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.pending == 0 && p.closed {
			p.lock.Unlock()
			return nil
		}
		t, _ := p.tasks.Pop()
		p.pending--
		p.lock.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		p.running.Add(1)
		t.Run(index)
		p.running.Add(-1)
		p.executed.Add(1)
	}
}
