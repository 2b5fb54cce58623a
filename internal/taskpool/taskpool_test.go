package taskpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(4)
	assert.Equal(t, 4, p.TotalThreadNum())

	var (
		wg      sync.WaitGroup
		count   atomic.Int32
		badIdx  atomic.Bool
		workers sync.Map
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.PostTask(Func(func(idx uint32) bool {
			defer wg.Done()
			if idx < 1 || idx > 4 {
				badIdx.Store(true)
			}
			workers.Store(idx, true)
			count.Add(1)
			return true
		}))
	}
	wg.Wait()
	require.NoError(t, p.Close())
	assert.Equal(t, int32(100), count.Load())
	assert.False(t, badIdx.Load(), "worker index out of range")
	assert.Equal(t, uint64(100), p.Executed())
}

func TestPostDelayedTask(t *testing.T) {
	p := New(1)
	defer p.Close()
	done := make(chan time.Time, 1)
	start := time.Now()
	p.PostDelayedTask(Func(func(uint32) bool {
		done <- time.Now()
		return true
	}), 20*time.Millisecond)
	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
}

func TestCloseDropsLateTasks(t *testing.T) {
	p := New(2)
	require.NoError(t, p.Close())
	ran := false
	assert.False(t, p.PostTask(Func(func(uint32) bool { ran = true; return true })))
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran)
}

func TestPriority(t *testing.T) {
	p := New(0)
	defer p.Close()
	assert.Equal(t, 1, p.TotalThreadNum())
	assert.Equal(t, Foreground, p.ThreadPriority())
	p.SetThreadPriority(Background)
	assert.Equal(t, "background", p.ThreadPriority().String())
}
