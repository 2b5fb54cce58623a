package heap

import (
	"sync"
	"sync/atomic"

	"github.com/gengc/gengc/gcwork"
	"github.com/gengc/gengc/mem"
)

// phaseRunner runs one parallel phase of a collection. The collecting
// thread works as thread 0; helpers are posted to the pool whenever a
// thread publishes work, up to limit at a time.
type phaseRunner struct {
	b     *base
	wm    *gcwork.WorkManager
	limit int32
	work  func(tid uint32)

	running atomic.Int32
	wg      sync.WaitGroup
}

func newPhaseRunner(b *base, wm *gcwork.WorkManager, limit int, work func(tid uint32)) *phaseRunner {
	return &phaseRunner{b: b, wm: wm, limit: int32(limit), work: work}
}

func (p *phaseRunner) spawn() {
	for {
		n := p.running.Load()
		if n >= p.limit {
			return
		}
		if p.running.CompareAndSwap(n, n+1) {
			break
		}
	}
	p.wg.Add(1)
	posted := p.b.postTask(func(tid uint32) {
		defer p.wg.Done()
		defer p.running.Add(-1)
		if int(tid) >= p.wm.TotalThreadNum() {
			return
		}
		p.work(tid)
	})
	if !posted {
		p.running.Add(-1)
		p.wg.Done()
	}
}

// run executes the phase and returns when the collecting thread and every
// helper are done. With eager set, helpers are started right away instead
// of waiting for published work.
func (p *phaseRunner) run(eager bool) {
	p.wm.SetPostTaskHook(func(uint32) { p.spawn() })
	if eager {
		for i := int32(0); i < p.limit; i++ {
			p.spawn()
		}
	}
	p.work(0)
	p.wg.Wait()
	p.wm.SetPostTaskHook(nil)
}

// regionCursor hands out regions of a snapshot to parallel workers.
type regionCursor struct {
	regions []*mem.Region
	next    atomic.Int64
}

func (c *regionCursor) add(s mem.Space) {
	s.EnumerateRegions(func(r *mem.Region) {
		c.regions = append(c.regions, r)
	})
}

func (c *regionCursor) claim() (*mem.Region, bool) {
	i := c.next.Add(1) - 1
	if i >= int64(len(c.regions)) {
		return nil, false
	}
	return c.regions[i], true
}
