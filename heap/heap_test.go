package heap

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/internal/logger"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/verify"
)

func testConfig() *config.Config {
	cfg := config.ForHeapSize(32 * config.MB)
	cfg.GCThreadNum = 2
	cfg.EnableConcurrentMark = false
	cfg.EnableSharedConcurrentMark = false
	cfg.EnableConcurrentSweep = false
	cfg.EnableHeapVerify = true
	return cfg
}

// newTestRuntime creates a runtime whose fatal errors panic with the
// reported error.
func newTestRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	prevHandler := diagnostics.SetFatalHandler(func(err error) { panic(err) })
	prevOutput := diagnostics.SetFatalOutput(io.Discard)
	rt, err := NewRuntime(cfg, WithMapper(mem.SliceMapper{}), WithLogger(logger.Nop()))
	if err != nil {
		diagnostics.SetFatalHandler(prevHandler)
		diagnostics.SetFatalOutput(prevOutput)
		t.Fatal(err)
	}
	t.Cleanup(func() {
		rt.Destroy()
		diagnostics.SetFatalHandler(prevHandler)
		diagnostics.SetFatalOutput(prevOutput)
	})
	return rt
}

// newMutator returns a local heap whose mutator is the calling goroutine.
func newMutator(t *testing.T, rt *Runtime, name string) *LocalHeap {
	t.Helper()
	h, err := rt.NewLocalHeap(name)
	require.NoError(t, err)
	h.Enter()
	return h
}

// fatalError runs fn and returns the error it reported as fatal.
func fatalError(t *testing.T, fn func()) (err error) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "no fatal error reported")
		e, ok := r.(error)
		require.True(t, ok, "unexpected panic %v", r)
		err = e
	}()
	fn()
	return nil
}

// Nodes have a header, a reference and an id.
const nodeSize = 3 * mem.WordSize

type allocFunc func(size uint64, layout mem.Layout) (mem.Address, error)

func newNode(t *testing.T, h *LocalHeap, alloc allocFunc, id uint64) mem.Address {
	t.Helper()
	obj, err := alloc(nodeSize, mem.String)
	require.NoError(t, err)
	h.as.Store(obj.Add(2*mem.WordSize), id)
	return obj
}

func nextSlot(obj mem.Address) mem.Address { return obj.Add(mem.WordSize) }

func idOf(h *LocalHeap, obj mem.Address) uint64 { return h.as.Load(obj.Add(2 * mem.WordSize)) }

func spaceOf(h *LocalHeap, v mem.Address) mem.SpaceType {
	return h.as.RegionOf(mem.Strip(v)).Space()
}

// link stores to into the reference of from through the write barrier.
func link(h *LocalHeap, from, to mem.Address) {
	h.WriteBarrier(from, nextSlot(from), to)
}

func slotIndex(r *mem.Region, slot mem.Address) uint {
	return uint((slot - r.Base()) / mem.WordSize)
}

func TestYoungGCCopiesSurvivors(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "young")

	const n = 1000
	var live []Handle
	for i := 0; i < n; i++ {
		obj := newNode(t, h, h.AllocateYoung, uint64(i))
		if i%2 == 0 {
			live = append(live, h.NewHandle(obj))
		}
	}
	before := h.Space(mem.SemiSpaceType)
	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))

	assert.NotSame(t, before, h.Space(mem.SemiSpaceType), "semi spaces were not swapped")
	for i, hd := range live {
		obj := h.Deref(hd)
		assert.Equal(t, uint64(2*i), idOf(h, obj))
		assert.Equal(t, mem.SemiSpaceType, spaceOf(h, obj))
	}
	assert.EqualValues(t, 1, h.Stats().NumGC())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(YoungGC))

	// Survivors of a second collection are promoted.
	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	for i, hd := range live {
		obj := h.Deref(hd)
		assert.Equal(t, uint64(2*i), idOf(h, obj))
		assert.Equal(t, mem.OldSpaceType, spaceOf(h, obj))
	}
	last, ok := h.Stats().Last()
	require.True(t, ok)
	assert.Equal(t, uint64(len(live))*nodeSize, last.Promoted)
}

func TestYoungGCUpdatesOldToNewSlots(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "rset")

	old := newNode(t, h, h.AllocateOld, 1)
	young := newNode(t, h, h.AllocateYoung, 2)
	link(h, old, young)
	h.NewHandle(old)

	r := h.as.RegionOf(old)
	idx := slotIndex(r, nextSlot(old))
	require.True(t, r.OldToNew().Test(idx))

	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	moved := h.Load(nextSlot(old))
	assert.NotEqual(t, young, moved)
	assert.Equal(t, uint64(2), idOf(h, moved))
	assert.Equal(t, mem.SemiSpaceType, spaceOf(h, moved))
	assert.True(t, r.OldToNew().Test(idx), "slot still points to the young generation")

	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	promoted := h.Load(nextSlot(old))
	assert.Equal(t, uint64(2), idOf(h, promoted))
	assert.Equal(t, mem.OldSpaceType, spaceOf(h, promoted))
	assert.False(t, r.OldToNew().Test(idx), "slot no longer points to the young generation")
	assert.Zero(t, h.VerifyAll(verify.PostGC))
}

func TestVerifyWhileBufferInUse(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "verify")

	var roots []Handle
	for round := 0; round < 3; round++ {
		for i := 0; i < 20; i++ {
			obj := newNode(t, h, h.AllocateYoung, uint64(round*100+i))
			if i%2 == 0 {
				roots = append(roots, h.NewHandle(obj))
			}
		}
		require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	}
	newNode(t, h, h.AllocateYoung, 1000)
	require.NotZero(t, h.tlab.Remaining())

	assert.Zero(t, h.VerifyAll(verify.PreGC))
	assert.Zero(t, h.VerifyAll(verify.PostGC))
	for i, r := range roots {
		assert.Equal(t, uint64(i/10*100+i%10*2), idOf(h, h.Deref(r)))
	}
	assert.Equal(t, mem.SemiSpaceType, spaceOf(h, newNode(t, h, h.AllocateYoung, 1001)))
}

func TestFullGCCompactsLiveObjects(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "full")

	const n = 10
	head := newNode(t, h, h.AllocateOld, 0)
	root := h.NewHandle(head)
	prev := head
	for i := 1; i < n; i++ {
		node := newNode(t, h, h.AllocateOld, uint64(i))
		link(h, prev, node)
		newNode(t, h, h.AllocateOld, 1000+uint64(i))
		prev = node
	}
	tail := newNode(t, h, h.AllocateYoung, n)
	link(h, prev, tail)

	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))

	assert.NotEqual(t, head, h.Deref(root))
	obj := h.Deref(root)
	for i := 0; i <= n; i++ {
		require.NotEqual(t, mem.Null, obj, "chain broken at %d", i)
		assert.Equal(t, uint64(i), idOf(h, obj))
		assert.Equal(t, mem.OldSpaceType, spaceOf(h, obj))
		obj = h.Load(nextSlot(obj))
	}
	assert.Equal(t, mem.Null, obj)
	assert.Equal(t, uint64(n+1)*nodeSize, h.Space(mem.OldSpaceType).HeapObjectSize())
	assert.Zero(t, h.Space(mem.SemiSpaceType).HeapObjectSize())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(FullGC))
}

func TestOldGCSweepsGarbage(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "old")

	const n = 10
	head := newNode(t, h, h.AllocateOld, 0)
	root := h.NewHandle(head)
	prev := head
	for i := 1; i < n; i++ {
		node := newNode(t, h, h.AllocateOld, uint64(i))
		link(h, prev, node)
		newNode(t, h, h.AllocateOld, 1000+uint64(i))
		prev = node
	}

	require.NoError(t, h.CollectGarbage(OldGC, ReasonExternal))

	obj := h.Deref(root)
	for i := 0; i < n; i++ {
		require.NotEqual(t, mem.Null, obj, "chain broken at %d", i)
		assert.Equal(t, uint64(i), idOf(h, obj))
		obj = h.Load(nextSlot(obj))
	}
	assert.Equal(t, uint64(n)*nodeSize, h.Space(mem.OldSpaceType).HeapObjectSize())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(OldGC))
}

func TestWeakReferences(t *testing.T) {
	for _, typ := range []TriggerType{YoungGC, OldGC, FullGC} {
		t.Run(typ.String(), func(t *testing.T) {
			rt := newTestRuntime(t, testConfig())
			h := newMutator(t, rt, "weak")

			strong := newNode(t, h, h.AllocateYoung, 1)
			dead := newNode(t, h, h.AllocateYoung, 2)
			deadSlotTarget := newNode(t, h, h.AllocateYoung, 3)
			holder := newNode(t, h, h.AllocateYoung, 4)
			h.WriteBarrier(holder, nextSlot(holder), mem.MakeWeak(deadSlotTarget))

			strongRoot := h.NewHandle(strong)
			weakLive := h.NewHandle(mem.MakeWeak(strong))
			weakDead := h.NewHandle(mem.MakeWeak(dead))
			holderRoot := h.NewHandle(holder)

			require.NoError(t, h.CollectGarbage(typ, ReasonExternal))

			assert.Equal(t, mem.Null, h.Deref(weakDead))
			assert.Equal(t, mem.MakeWeak(h.Deref(strongRoot)), h.Deref(weakLive))
			assert.Equal(t, uint64(1), idOf(h, h.Deref(strongRoot)))
			assert.Equal(t, mem.Null, h.Load(nextSlot(h.Deref(holderRoot))))
		})
	}
}

func TestRecursiveCollectionIsFatal(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "recursive")

	done := h.enterGC()
	defer done()
	err := fatalError(t, func() { h.enterGC() })
	assert.ErrorIs(t, err, ErrRecursiveCollection)
}

func TestAllocateNonMovableOutOfMemory(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "oom")

	const size = 16 * config.KB
	var err error
	for i := 0; i < 1000; i++ {
		var obj mem.Address
		obj, err = h.AllocateNonMovable(size, mem.NoPtrs)
		if err != nil {
			break
		}
		h.NewHandle(obj)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, mem.NonMovableSpaceType, oom.Space)
	assert.Equal(t, uint64(size), oom.Size)
	assert.Equal(t, "oom", oom.Heap)
	// Both retries ran before giving up.
	assert.NotZero(t, h.Stats().NumGCByType(OldGC))
	assert.NotZero(t, h.Stats().NumGCByType(FullGC))
}

// fillLive allocates size byte objects with alloc and keeps them alive
// until an allocation fails, which it returns.
func fillLive(t *testing.T, h *LocalHeap, alloc allocFunc, size uint64, limit uint64) error {
	t.Helper()
	for i := uint64(0); i < 2*limit/size; i++ {
		obj, err := alloc(size, mem.NoPtrs)
		if err != nil {
			return err
		}
		h.NewHandle(obj)
	}
	return nil
}

func TestAllocateYoungOutOfMemory(t *testing.T) {
	cfg := testConfig()
	cfg.EnableHeapVerify = false
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "young-oom")

	const size = 4 * config.KB
	err := fillLive(t, h, h.AllocateYoung, size, cfg.MaxHeapSize)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, mem.OldSpaceType, oom.Space)
	assert.Equal(t, uint64(size), oom.Size)

	// Survivors were promoted until the old space filled up, then a full
	// collection ran before giving up.
	assert.NotZero(t, h.Stats().NumGCByType(YoungGC))
	assert.NotZero(t, h.Stats().NumGCByType(FullGC))
	last, ok := h.Stats().Last()
	require.True(t, ok)
	assert.Equal(t, FullGC, last.Type)
	assert.Equal(t, ReasonAllocationFailed.String(), last.Reason)
	assert.Greater(t, h.Space(mem.OldSpaceType).CommittedSize(), h.Space(mem.OldSpaceType).MaximumCapacity())

	// The heap stays usable for what still fits.
	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
}

func TestAllocateOldOutOfMemory(t *testing.T) {
	cfg := testConfig()
	cfg.EnableHeapVerify = false
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "old-oom")

	const size = 8 * config.KB
	err := fillLive(t, h, h.AllocateOld, size, cfg.MaxHeapSize)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, mem.OldSpaceType, oom.Space)

	assert.NotZero(t, h.Stats().NumGCByType(OldGC))
	assert.NotZero(t, h.Stats().NumGCByType(FullGC))
	last, ok := h.Stats().Last()
	require.True(t, ok)
	assert.Equal(t, FullGC, last.Type)
	assert.Equal(t, ReasonAllocationFailed.String(), last.Reason)
}

func TestCollectGarbageErrors(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "errors")

	err := h.CollectGarbage(TriggerType(42), ReasonExternal)
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	require.NoError(t, h.Destroy())
	assert.ErrorIs(t, h.Destroy(), ErrHeapDestroyed)
	assert.ErrorIs(t, h.CollectGarbage(YoungGC, ReasonExternal), ErrHeapDestroyed)
	assert.True(t, h.Destroyed())
	assert.Empty(t, rt.Heaps())
}

func TestGCListeners(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "listeners")

	type event struct {
		ev  GCEvent
		typ TriggerType
	}
	var events []event
	id := h.AddGCListener(func(ev GCEvent, c *Cycle) {
		events = append(events, event{ev, c.Type})
	})
	require.NoError(t, h.CollectGarbage(OldGC, ReasonExternal))
	assert.Equal(t, []event{{GCStarted, OldGC}, {GCFinished, OldGC}}, events)

	h.RemoveGCListener(id)
	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	assert.Len(t, events, 2)
}

func TestParallelGCToggle(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "parallel")
	assert.True(t, rt.ParallelGC())

	rt.DisableParallelGC()
	assert.False(t, rt.ParallelGC())
	root := h.NewHandle(newNode(t, h, h.AllocateYoung, 7))
	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))
	assert.Equal(t, uint64(7), idOf(h, h.Deref(root)))

	rt.EnableParallelGC()
	assert.True(t, rt.ParallelGC())
	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))
	assert.Equal(t, uint64(7), idOf(h, h.Deref(root)))
}

func TestCompactHeapBeforeFork(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "appspawn")

	a := newNode(t, h, h.AllocateOld, 1)
	b := newNode(t, h, h.AllocateYoung, 2)
	link(h, a, b)
	root := h.NewHandle(a)
	newNode(t, h, h.AllocateOld, 3)

	require.NoError(t, h.CompactHeapBeforeFork())
	obj := h.Deref(root)
	assert.Equal(t, mem.AppSpawnSpaceType, spaceOf(h, obj))
	next := h.Load(nextSlot(obj))
	assert.Equal(t, mem.AppSpawnSpaceType, spaceOf(h, next))
	assert.Equal(t, uint64(2), idOf(h, next))
	assert.Zero(t, h.Space(mem.OldSpaceType).HeapObjectSize())
	assert.EqualValues(t, 1, h.Stats().NumGCByType(AppSpawnFullGC))

	h.ResumeForAppSpawn()
	// App spawn objects are immortal.
	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))
	assert.Equal(t, obj, h.Deref(root))
	assert.Equal(t, uint64(1), idOf(h, obj))
}

func TestAllocateHugeAndImmortal(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "spaces")

	huge, err := h.AllocateYoung(mem.MaxRegularObjectSize+mem.WordSize, mem.NoPtrs)
	require.NoError(t, err)
	assert.Equal(t, mem.HugeObjectSpaceType, spaceOf(h, huge))

	ro, err := h.AllocateReadOnly(nodeSize, mem.String)
	require.NoError(t, err)
	assert.Equal(t, mem.ReadOnlySpaceType, spaceOf(h, ro))

	code, err := h.AllocateMachineCode(nodeSize, mem.NoPtrs)
	require.NoError(t, err)
	assert.Equal(t, mem.MachineCodeSpaceType, spaceOf(h, code))

	// The read-only object keeps a young object alive.
	young := newNode(t, h, h.AllocateYoung, 9)
	link(h, ro, young)
	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))
	moved := h.Load(nextSlot(ro))
	assert.Equal(t, uint64(9), idOf(h, moved))
	assert.Equal(t, mem.OldSpaceType, spaceOf(h, moved))

	// Unreferenced huge objects are freed.
	assert.Zero(t, h.Space(mem.HugeObjectSpaceType).HeapObjectSize())
}

func TestHandles(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "handles")

	a := newNode(t, h, h.AllocateYoung, 1)
	hd := h.NewHandle(a)
	assert.Equal(t, 1, h.HandleCount())
	assert.Equal(t, a, h.Deref(hd))

	b := newNode(t, h, h.AllocateYoung, 2)
	h.SetHandle(hd, b)
	require.NoError(t, h.CollectGarbage(YoungGC, ReasonExternal))
	assert.Equal(t, uint64(2), idOf(h, h.Deref(hd)))

	h.ReleaseHandle(hd)
	assert.Zero(t, h.HandleCount())
	assert.Panics(t, func() { h.Deref(hd) })
}

func TestShouldThrowOOMError(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "pending-oom")

	h.SetShouldThrowOOMError(true)
	_, err := h.AllocateNonMovable(nodeSize, mem.NoPtrs)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.False(t, h.ShouldThrowOOMError())
	_, err = h.AllocateNonMovable(nodeSize, mem.NoPtrs)
	assert.NoError(t, err)
}
