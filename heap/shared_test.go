package heap

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/mem"
	"github.com/gengc/gengc/verify"
)

const sharedObjectSize = 2 * mem.WordSize

// sharedFixture is a local heap whose old object references a shared
// object.
type sharedFixture struct {
	h      *LocalHeap
	root   Handle
	shared mem.Address
}

func (f *sharedFixture) local() mem.Address { return f.h.Deref(f.root) }

// setupShared creates n local heaps, each set up on its own goroutine with a
// live and a garbage shared object. The mutators are left native.
func setupShared(t *testing.T, rt *Runtime, n int) []*sharedFixture {
	t.Helper()
	fs := make([]*sharedFixture, n)
	for i := range fs {
		h, err := rt.NewLocalHeap(fmt.Sprintf("mutator-%d", i))
		require.NoError(t, err)
		fs[i] = &sharedFixture{h: h}
	}
	var g errgroup.Group
	for i, f := range fs {
		i, f := i, f
		g.Go(func() error {
			h := f.h
			h.Enter()
			defer h.Leave()
			local, err := h.AllocateOld(nodeSize, mem.String)
			if err != nil {
				return err
			}
			h.as.Store(local.Add(2*mem.WordSize), uint64(i))
			shared, err := h.AllocateShared(sharedObjectSize, mem.NoPtrs)
			if err != nil {
				return err
			}
			link(h, local, shared)
			f.root = h.NewHandle(local)
			f.shared = shared
			_, err = h.AllocateShared(sharedObjectSize, mem.NoPtrs)
			return err
		})
	}
	require.NoError(t, g.Wait())
	return fs
}

func requireMergedBack(t *testing.T, fs []*sharedFixture) {
	t.Helper()
	for _, f := range fs {
		hd := f.h.sharedRSet.Load()
		require.NotNil(t, hd, f.h.Name())
		assert.True(t, hd.IsMergedBack(), f.h.Name())
		assert.Zero(t, hd.Len(), f.h.Name())
		assert.False(t, hd.MergeBack(func(mem.Address) bool { return true }), "second merge back")

		local := f.local()
		r := f.h.as.RegionOf(local)
		bits := r.LocalToShare()
		require.NotNil(t, bits, f.h.Name())
		assert.Equal(t, 1, bits.Count(), f.h.Name())
		assert.True(t, bits.Test(slotIndex(r, nextSlot(local))), f.h.Name())
	}
}

func TestSharedGCFreesUnreachableObjects(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	fs := setupShared(t, rt, 4)
	sh := rt.SharedHeap()
	require.Equal(t, uint64(8*sharedObjectSize), sh.HeapObjectSize())

	require.NoError(t, fs[0].h.CollectGarbage(SharedGC, ReasonExternal))

	assert.Equal(t, uint64(4*sharedObjectSize), sh.Space(mem.SharedOldSpaceType).HeapObjectSize())
	for _, f := range fs {
		// A shared collection without compaction leaves the objects in place.
		assert.Equal(t, f.shared, f.h.Load(nextSlot(f.local())))
	}
	requireMergedBack(t, fs)
	assert.EqualValues(t, 1, sh.Stats().NumGCByType(SharedGC))
	assert.Zero(t, fs[0].h.Stats().NumGC())
}

func TestSharedConcurrentMarkRacesMergeBack(t *testing.T) {
	cfg := testConfig()
	cfg.EnableSharedConcurrentMark = true
	rt := newTestRuntime(t, cfg)
	fs := setupShared(t, rt, 4)
	sh := rt.SharedHeap()

	require.True(t, sh.TriggerConcurrentMarking(ReasonExternal))
	require.Eventually(t, sh.IsConcurrentMarking, 5*time.Second, time.Millisecond)
	assert.False(t, sh.IsReadyToConcurrentMark())
	assert.False(t, sh.TriggerConcurrentMarking(ReasonExternal), "mark already running")

	var g errgroup.Group
	for _, f := range fs {
		h := f.h
		g.Go(func() error {
			h.Enter()
			defer h.Leave()
			h.ProcessSharedGCRSetWorkList()
			h.ProcessSharedGCMarkingLocalBuffer()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, fs[0].h.CollectGarbage(SharedGC, ReasonExternal))
	assert.False(t, sh.IsConcurrentMarking())
	assert.Equal(t, uint64(4*sharedObjectSize), sh.Space(mem.SharedOldSpaceType).HeapObjectSize())
	requireMergedBack(t, fs)
}

func TestSharedFullGCUpdatesLocalReferences(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")
	sh := rt.SharedHeap()

	_, err := h.AllocateShared(nodeSize, mem.String)
	require.NoError(t, err)
	shared := newNode(t, h, h.AllocateShared, 5)
	sharedRoot := h.NewHandle(shared)

	old := newNode(t, h, h.AllocateOld, 1)
	link(h, old, shared)
	oldRoot := h.NewHandle(old)
	young := newNode(t, h, h.AllocateYoung, 2)
	link(h, young, shared)
	youngRoot := h.NewHandle(young)

	require.NoError(t, h.CollectGarbage(SharedFullGC, ReasonExternal))

	moved := h.Deref(sharedRoot)
	assert.NotEqual(t, shared, moved)
	assert.Equal(t, mem.SharedOldSpaceType, spaceOf(h, moved))
	assert.Equal(t, uint64(5), idOf(h, moved))
	assert.Equal(t, moved, h.Load(nextSlot(h.Deref(oldRoot))))
	assert.Equal(t, moved, h.Load(nextSlot(h.Deref(youngRoot))))

	r := h.as.RegionOf(old)
	require.NotNil(t, r.LocalToShare())
	assert.True(t, r.LocalToShare().Test(slotIndex(r, nextSlot(old))))
	assert.Equal(t, uint64(nodeSize), sh.Space(mem.SharedOldSpaceType).HeapObjectSize())
	assert.EqualValues(t, 1, sh.Stats().NumGCByType(SharedFullGC))

	// The local references survive a local collection too.
	require.NoError(t, h.CollectGarbage(FullGC, ReasonExternal))
	assert.Equal(t, moved, h.Load(nextSlot(h.Deref(youngRoot))))
}

func TestSharedFullGCVerifiesPartlyUsedBuffer(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")

	shared := h.NewHandle(newNode(t, h, h.AllocateShared, 1))
	young := newNode(t, h, h.AllocateYoung, 2)
	link(h, young, h.Deref(shared))
	root := h.NewHandle(young)
	require.NotZero(t, h.tlab.Remaining(), "buffer half used")

	require.NoError(t, h.CollectGarbage(SharedFullGC, ReasonExternal))
	assert.Equal(t, h.Deref(shared), h.Load(nextSlot(h.Deref(root))))
	assert.Equal(t, uint64(1), idOf(h, h.Deref(shared)))

	next := newNode(t, h, h.AllocateYoung, 3)
	assert.Equal(t, mem.SemiSpaceType, spaceOf(h, next))
	assert.Zero(t, h.VerifyAll(verify.SharedRSetPostFullGC))
}

func TestSharedWeakReferences(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")

	live := newNode(t, h, h.AllocateShared, 1)
	dead := newNode(t, h, h.AllocateShared, 2)
	strong := h.NewHandle(live)
	weakLive := h.NewHandle(mem.MakeWeak(live))
	weakDead := h.NewHandle(mem.MakeWeak(dead))

	require.NoError(t, h.CollectGarbage(SharedGC, ReasonExternal))
	assert.Equal(t, mem.MakeWeak(h.Deref(strong)), h.Deref(weakLive))
	assert.Equal(t, mem.Null, h.Deref(weakDead))
}

func TestSharedCollectGarbageRejectsLocalTypes(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	for _, typ := range []TriggerType{YoungGC, OldGC, FullGC, AppSpawnFullGC} {
		err := rt.SharedHeap().CollectGarbage(typ, ReasonExternal)
		assert.ErrorIs(t, err, ErrInvalidTrigger, typ.String())
	}
}

func TestSharedCompactHeapBeforeFork(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")
	sh := rt.SharedHeap()

	root := h.NewHandle(newNode(t, h, h.AllocateShared, 3))
	newNode(t, h, h.AllocateShared, 4)
	h.Leave()

	require.NoError(t, sh.CompactHeapBeforeFork())
	h.Enter()
	obj := h.Deref(root)
	assert.Equal(t, mem.SharedAppSpawnSpaceType, spaceOf(h, obj))
	assert.Equal(t, uint64(3), idOf(h, obj))
	assert.Zero(t, sh.Space(mem.SharedOldSpaceType).HeapObjectSize())
}

func TestTryTriggerLocalConcurrentMarking(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")
	sh := rt.SharedHeap()

	assert.True(t, sh.TryTriggerLocalConcurrentMarking())
	assert.True(t, h.Limits().FullMarkRequested())
	assert.False(t, sh.TryTriggerLocalConcurrentMarking(), "once per cycle")

	require.NoError(t, h.CollectGarbage(SharedGC, ReasonExternal))
	assert.True(t, sh.TryTriggerLocalConcurrentMarking(), "new cycle")
}

func TestSharedToLocalStoreIsFatal(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")

	shared := newNode(t, h, h.AllocateShared, 1)
	local := newNode(t, h, h.AllocateYoung, 2)
	err := fatalError(t, func() { link(h, shared, local) })
	assert.ErrorContains(t, err, "must not reference local object")
}

func TestLocalToSharedStoreIsRemembered(t *testing.T) {
	rt := newTestRuntime(t, testConfig())
	h := newMutator(t, rt, "mutator")

	shared := newNode(t, h, h.AllocateSharedNonMovable, 1)
	assert.Equal(t, mem.SharedNonMovableSpaceType, spaceOf(h, shared))
	local := newNode(t, h, h.AllocateNonMovable, 2)
	link(h, local, shared)

	r := h.as.RegionOf(local)
	require.NotNil(t, r.LocalToShare())
	assert.True(t, r.LocalToShare().Test(slotIndex(r, nextSlot(local))))
	assert.True(t, r.OldToNew().IsEmpty())

	// Clearing the reference drops the bit at the next shared mark.
	link(h, local, mem.Null)
	h.NewHandle(local)
	require.NoError(t, h.CollectGarbage(SharedGC, ReasonExternal))
	bits := r.LocalToShare()
	assert.True(t, bits == nil || bits.IsEmpty())
}

func TestSharedReadOnlyOutOfMemoryIsFatal(t *testing.T) {
	cfg := testConfig()
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "mutator")

	const size = 16 * config.KB
	n := int(cfg.ReadOnlySpaceSize / size)
	for i := 0; i < n; i++ {
		_, err := h.AllocateSharedReadOnly(size, mem.NoPtrs)
		require.NoError(t, err)
	}
	err := fatalError(t, func() { h.AllocateSharedReadOnly(size, mem.NoPtrs) })
	assert.ErrorIs(t, err, ErrOutOfMemory)
	var oom *OutOfMemoryError
	require.True(t, errors.As(err, &oom))
	assert.Equal(t, mem.SharedReadOnlySpaceType, oom.Space)
	assert.Equal(t, uint64(size), oom.Size)
	assert.Zero(t, rt.SharedHeap().Stats().NumGC(), "read-only objects are never collected")
}

func TestSharedNonMovableOutOfMemoryIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.EnableHeapVerify = false
	rt := newTestRuntime(t, cfg)
	h := newMutator(t, rt, "mutator")

	const size = 64 * config.KB
	err := fatalError(t, func() {
		for i := 0; i < 1000; i++ {
			obj, err := h.AllocateSharedNonMovable(size, mem.NoPtrs)
			require.NoError(t, err)
			h.NewHandle(obj)
		}
	})
	var oom *OutOfMemoryError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, mem.SharedNonMovableSpaceType, oom.Space)
	assert.NotZero(t, rt.SharedHeap().Stats().NumGCByType(SharedFullGC), "collected before giving up")
}
