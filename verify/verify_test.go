package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/mem"
)

type testHeap struct {
	as      *mem.AddressSpace
	young   *mem.SemiSpace
	old     *mem.SparseSpace
	shared  *mem.SparseSpace
	roots   []mem.Address
	pending bool
}

func newTestHeap(t *testing.T) *testHeap {
	as := mem.NewAddressSpace(mem.SliceMapper{})
	t.Cleanup(func() { as.Close() })
	params := mem.SemiSpaceParams{GrowSurvivalRate: 0.8, ShrinkSurvivalRate: 0.2, GrowingFactor: 2}
	return &testHeap{
		as:     as,
		young:  mem.NewSemiSpace(as, 4*mem.RegionSize, 4*mem.RegionSize, params),
		old:    mem.NewSparseSpace(as, mem.OldSpaceType, 4*mem.RegionSize, 4*mem.RegionSize),
		shared: mem.NewSparseSpace(as, mem.SharedOldSpaceType, 4*mem.RegionSize, 4*mem.RegionSize),
	}
}

func (h *testHeap) alloc(t *testing.T, s mem.Space, size uint64, layout mem.Layout) mem.Address {
	addr, err := s.Allocate(size)
	require.NoError(t, err)
	h.as.InitObject(addr, size, layout)
	return addr
}

// link stores value in the first payload word of obj.
func (h *testHeap) link(obj, value mem.Address) mem.Address {
	slot := obj.Add(mem.WordSize)
	h.as.StoreRef(slot, value)
	return slot
}

type localTarget struct{ *testHeap }

func (l localTarget) Name() string { return "mutator-1" }
func (l localTarget) AddressSpace() *mem.AddressSpace { return l.as }
func (l localTarget) Model() mem.ObjectModel { return mem.LayoutModel{} }
func (l localTarget) Shared() bool { return false }
func (l localTarget) LocalToSharePending() bool { return l.pending }
func (l localTarget) IterateRoots(fn func(v mem.Address)) {
	for _, r := range l.roots {
		fn(r)
	}
}
func (l localTarget) EnumerateSpaces(fn func(s mem.Space)) {
	fn(l.young)
	fn(l.old)
}

type sharedTarget struct{ *testHeap }

func (s sharedTarget) Name() string { return "shared" }
func (s sharedTarget) AddressSpace() *mem.AddressSpace { return s.as }
func (s sharedTarget) Model() mem.ObjectModel { return mem.LayoutModel{} }
func (s sharedTarget) Shared() bool { return true }
func (s sharedTarget) LocalToSharePending() bool { return false }
func (s sharedTarget) IterateRoots(fn func(v mem.Address)) {}
func (s sharedTarget) EnumerateSpaces(fn func(s mem.Space)) { fn(s.shared) }

func messages(errs []error) []string {
	var msgs []string
	for _, err := range errs {
		msgs = append(msgs, err.(*diagnostics.Error).Msg)
	}
	return msgs
}

func TestCleanHeap(t *testing.T) {
	h := newTestHeap(t)
	young := h.alloc(t, h.young, 16, mem.Pointer)
	old := h.alloc(t, h.old, 16, mem.Pointer)
	shared := h.alloc(t, h.shared, 16, mem.NoPtrs)

	h.as.RegionOf(old).InsertOldToNew(h.link(old, young))
	h.as.RegionOf(young).InsertLocalToShare(h.link(young, shared))
	h.roots = []mem.Address{old, mem.MakeWeak(young)}

	for _, kind := range []Kind{PreGC, PostGC, EvacuateYoung, EvacuateOld, SharedRSetPostFullGC} {
		t.Run(kind.String(), func(t *testing.T) {
			assert.Empty(t, Run(localTarget{h}, kind))
		})
	}
	assert.Empty(t, Run(sharedTarget{h}, PostSharedGC))
}

func TestMissingRememberedSetBits(t *testing.T) {
	h := newTestHeap(t)
	young := h.alloc(t, h.young, 16, mem.NoPtrs)
	old := h.alloc(t, h.old, 16, mem.Pointer)
	shared := h.alloc(t, h.shared, 16, mem.NoPtrs)
	other := h.alloc(t, h.old, 16, mem.Pointer)
	h.link(old, young)
	h.link(other, shared)

	errs := Run(localTarget{h}, PostGC)
	require.Len(t, errs, 2)
	msgs := messages(errs)
	assert.Contains(t, msgs, "old to young reference missing from old-to-new set")
	assert.Contains(t, msgs, "local to shared reference missing from local-to-share set")

	e := errs[0].(*diagnostics.Error)
	assert.Equal(t, "old", e.Pos.Space)
	assert.Equal(t, uint64(e.Object)+mem.WordSize, e.Slot)

	// Detached local-to-share sets are not checked.
	h.pending = true
	assert.Equal(t, []string{"old to young reference missing from old-to-new set"}, messages(Run(localTarget{h}, PostGC)))
}

func TestBadTargets(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, h *testHeap) mem.Address
		want  string
	}{
		{
			name: "free",
			build: func(t *testing.T, h *testHeap) mem.Address {
				dead := h.alloc(t, h.old, 32, mem.NoPtrs)
				h.as.WriteFiller(dead, 32)
				return dead
			},
			want: "reference to free chunk in old",
		},
		{
			name: "interior",
			build: func(t *testing.T, h *testHeap) mem.Address {
				obj := h.alloc(t, h.old, 32, mem.NoPtrs)
				h.as.Store(obj.Add(mem.WordSize), uint64(mem.MakeHeader(16, mem.NoPtrs)))
				return obj.Add(mem.WordSize)
			},
			want: "reference into the middle of an object",
		},
		{
			name: "unmapped",
			build: func(t *testing.T, h *testHeap) mem.Address {
				return mem.Address(1000) << mem.RegionShift
			},
			want: "reference to unmapped memory",
		},
		{
			name: "above top",
			build: func(t *testing.T, h *testHeap) mem.Address {
				obj := h.alloc(t, h.old, 32, mem.NoPtrs)
				return obj.Add(1024)
			},
			want: "reference above the top of region",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHeap(t)
			value := tc.build(t, h)
			src := h.alloc(t, h.old, 16, mem.Pointer)
			h.link(src, value)
			errs := Run(localTarget{h}, PostGC)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0].Error(), tc.want)
		})
	}
}

func TestForwardedReference(t *testing.T) {
	h := newTestHeap(t)
	from := h.alloc(t, h.old, 16, mem.NoPtrs)
	to := h.alloc(t, h.old, 16, mem.NoPtrs)
	src := h.alloc(t, h.old, 16, mem.Pointer)
	h.link(src, from)
	h.as.Store(from, uint64(mem.ForwardingHeader(to)))

	msgs := messages(Run(localTarget{h}, PostGC))
	assert.Contains(t, msgs, "reference to forwarded object (now at "+to.String()+")")
	assert.Contains(t, msgs, "forwarded object left in old")
}

func TestMarkConsistency(t *testing.T) {
	h := newTestHeap(t)
	reachable := h.alloc(t, h.young, 16, mem.NoPtrs)
	rooted := h.alloc(t, h.young, 16, mem.Pointer)
	old := h.alloc(t, h.old, 16, mem.Pointer)
	h.as.RegionOf(old).InsertOldToNew(h.link(old, reachable))
	h.roots = []mem.Address{rooted}

	errs := Run(localTarget{h}, MarkYoung)
	assert.Len(t, errs, 2)

	h.as.RegionOf(rooted).Mark(rooted)
	h.as.RegionOf(reachable).Mark(reachable)
	assert.Empty(t, Run(localTarget{h}, MarkYoung))

	// A full mark also needs the old object itself.
	h.roots = append(h.roots, old)
	assert.Len(t, Run(localTarget{h}, MarkFull), 1)
	h.as.RegionOf(old).Mark(old)
	assert.Empty(t, Run(localTarget{h}, MarkFull))
}

func TestUnmarkedGarbageSkipped(t *testing.T) {
	h := newTestHeap(t)
	dead := h.alloc(t, h.old, 16, mem.Pointer)
	h.link(dead, mem.Address(1000)<<mem.RegionShift)

	assert.Len(t, Run(localTarget{h}, PostGC), 1)
	assert.Empty(t, Run(localTarget{h}, EvacuateOld))
}

func TestSharedToLocal(t *testing.T) {
	h := newTestHeap(t)
	local := h.alloc(t, h.old, 16, mem.NoPtrs)
	shared := h.alloc(t, h.shared, 16, mem.Pointer)
	h.link(shared, local)

	errs := Run(sharedTarget{h}, PostSharedGC)
	require.Len(t, errs, 1)
	assert.Equal(t, "shared object references local old object", errs[0].(*diagnostics.Error).Msg)
}

func TestVerifyAllReportsFatal(t *testing.T) {
	var got error
	prev := diagnostics.SetFatalHandler(func(err error) { got = err })
	defer diagnostics.SetFatalHandler(prev)
	buf := &bytes.Buffer{}
	prevOut := diagnostics.SetFatalOutput(buf)
	defer diagnostics.SetFatalOutput(prevOut)

	h := newTestHeap(t)
	assert.Equal(t, 0, VerifyAll(localTarget{h}, PreGC))
	require.NoError(t, got)

	old := h.alloc(t, h.old, 16, mem.Pointer)
	h.link(old, h.alloc(t, h.young, 16, mem.NoPtrs))
	assert.Equal(t, 1, VerifyAll(localTarget{h}, PreGC))

	var multi *diagnostics.MultiError
	require.ErrorAs(t, got, &multi)
	assert.Equal(t, "mutator-1", multi.Heap)
	assert.Equal(t, "pre-gc", multi.Kind)
	assert.Contains(t, buf.String(), "# mutator-1 (pre-gc)")
}
