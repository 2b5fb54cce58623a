// Package verify walks a heap and checks the invariants the collectors rely
// on: every reference points at a live object, cross-generation and
// cross-heap references are recorded in the remembered sets, and mark bits
// agree with reachability after a mark phase.
//
// The verifier never changes the heap. A checksum of the region metadata is
// taken before and after the walk to make sure of it.
package verify

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
	"golang.org/x/tools/container/intsets"

	"github.com/gengc/gengc/diagnostics"
	"github.com/gengc/gengc/mem"
)

// Kind selects the checks of a verification pass.
type Kind uint8

const (
	PreGC Kind = iota
	PostGC
	MarkYoung
	EvacuateYoung
	MarkFull
	EvacuateOld
	EvacuateFull
	PreSharedGC
	PostSharedGC
	SharedRSetPostFullGC
)

func (k Kind) String() string {
	switch k {
	case PreGC:
		return "pre-gc"
	case PostGC:
		return "post-gc"
	case MarkYoung:
		return "mark-young"
	case EvacuateYoung:
		return "evacuate-young"
	case MarkFull:
		return "mark-full"
	case EvacuateOld:
		return "evacuate-old"
	case EvacuateFull:
		return "evacuate-full"
	case PreSharedGC:
		return "pre-shared-gc"
	case PostSharedGC:
		return "post-shared-gc"
	case SharedRSetPostFullGC:
		return "shared-rset-post-full-gc"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// skipsUnmarked reports whether unmarked objects in sweepable and huge
// spaces are garbage that has not been swept yet.
func (k Kind) skipsUnmarked() bool {
	return k == MarkFull || k == EvacuateOld || k == EvacuateFull
}

// Target is a heap that can be verified.
type Target interface {
	Name() string
	AddressSpace() *mem.AddressSpace
	Model() mem.ObjectModel
	// EnumerateSpaces calls fn for every space owned by the heap.
	EnumerateSpaces(fn func(s mem.Space))
	// IterateRoots calls fn for every root value.
	IterateRoots(fn func(v mem.Address))
	// Shared reports whether the target is the shared heap.
	Shared() bool
	// LocalToSharePending reports whether the local-to-share sets are
	// detached by a shared collection and cannot be checked.
	LocalToSharePending() bool
}

var table = crc16.MakeTable(crc16.CRC16_XMODEM)

type verifier struct {
	t      Target
	kind   Kind
	as     *mem.AddressSpace
	model  mem.ObjectModel
	starts intsets.Sparse
	errs   []error
}

// Run verifies t and returns every violation found. The errors are
// *diagnostics.Error values.
func Run(t Target, kind Kind) []error {
	v := &verifier{t: t, kind: kind, as: t.AddressSpace(), model: t.Model()}
	before := v.checksum()
	v.collectStarts()
	v.verifyRoots()
	v.verifyObjects()
	if after := v.checksum(); after != before {
		v.errs = append(v.errs, &diagnostics.Error{
			Msg: fmt.Sprintf("heap metadata changed during verification (crc %#04x -> %#04x)", before, after),
		})
	}
	return v.errs
}

// VerifyAll verifies t and reports the violations through the fatal handler.
// It returns the number of violations, which is only observable when the
// handler returns.
func VerifyAll(t Target, kind Kind) int {
	errs := Run(t, kind)
	if len(errs) > 0 {
		diagnostics.Fatal(&diagnostics.MultiError{Heap: t.Name(), Kind: kind.String(), Errs: errs})
	}
	return len(errs)
}

func (v *verifier) regions(fn func(s mem.Space, r *mem.Region)) {
	v.t.EnumerateSpaces(func(s mem.Space) {
		s.EnumerateRegions(func(r *mem.Region) {
			if r.InCSet() {
				// Evacuated or about to be; its objects are forwarded.
				return
			}
			fn(s, r)
		})
	})
}

func (v *verifier) collectStarts() {
	v.regions(func(_ mem.Space, r *mem.Region) {
		r.IterateObjects(func(addr mem.Address, h mem.Header) bool {
			if !h.IsFree() {
				v.starts.Insert(int(addr))
			}
			return true
		})
	})
}

func (v *verifier) checksum() uint16 {
	var buf []byte
	var scratch [8]byte
	put := func(x uint64) {
		binary.LittleEndian.PutUint64(scratch[:], x)
		buf = append(buf, scratch[:]...)
	}
	v.regions(func(_ mem.Space, r *mem.Region) {
		put(uint64(r.ID()))
		put(uint64(r.Top()))
		put(uint64(r.MarkBits().Count()))
		put(uint64(r.OldToNew().Count()))
		if b := r.LocalToShare(); b != nil {
			put(uint64(b.Count()))
		}
		r.IterateObjects(func(_ mem.Address, h mem.Header) bool {
			put(uint64(h))
			return true
		})
	})
	return crc16.Checksum(buf, table)
}

func (v *verifier) errorf(r *mem.Region, obj, slot, value mem.Address, format string, args ...interface{}) {
	e := &diagnostics.Error{
		Msg:    fmt.Sprintf(format, args...),
		Object: uint64(obj),
		Slot:   uint64(slot),
		Value:  uint64(value),
	}
	if r != nil {
		e.Pos = diagnostics.Position{Space: r.Space().String(), Region: r.ID(), Offset: uint64(obj - r.Base())}
	}
	v.errs = append(v.errs, e)
}

func (v *verifier) verifyRoots() {
	v.t.IterateRoots(func(value mem.Address) {
		value = mem.Strip(value)
		if value == mem.Null {
			return
		}
		to := v.checkTarget(nil, mem.Null, mem.Null, value)
		if to == nil {
			return
		}
		if v.inMarkScope(to) && !to.IsMarked(value) {
			v.errorf(nil, mem.Null, mem.Null, value, "root %v is not marked after %v", value, v.kind)
		}
	})
}

func (v *verifier) verifyObjects() {
	v.regions(func(s mem.Space, r *mem.Region) {
		typ := s.Type()
		r.IterateObjects(func(obj mem.Address, h mem.Header) bool {
			if h.IsFree() {
				return true
			}
			if h.IsForwarded() {
				v.errorf(r, obj, mem.Null, h.ForwardingAddress(), "forwarded object left in %v", typ)
				return true
			}
			if v.kind.skipsUnmarked() && (typ.IsSweepable() || typ.IsHuge()) && !r.IsMarked(obj) {
				return true
			}
			live := v.isLiveSource(r, obj)
			v.model.VisitReferenceSlots(obj, h, func(slot mem.Address) {
				v.verifySlot(r, obj, slot, live)
			})
			return true
		})
	})
}

// isLiveSource reports whether the outgoing references of obj must point at
// marked objects for the mark kinds.
func (v *verifier) isLiveSource(r *mem.Region, obj mem.Address) bool {
	switch v.kind {
	case MarkYoung:
		return !r.InYoungSpace() || r.IsMarked(obj)
	case MarkFull:
		return r.Space().IsImmortal() || r.IsMarked(obj)
	}
	return false
}

// inMarkScope reports whether objects in region r must be marked when they
// are reachable.
func (v *verifier) inMarkScope(r *mem.Region) bool {
	switch v.kind {
	case MarkYoung:
		return r.InYoungSpace()
	case MarkFull:
		t := r.Space()
		return !t.IsShared() && !t.IsImmortal()
	}
	return false
}

func (v *verifier) verifySlot(from *mem.Region, obj, slot mem.Address, live bool) {
	value := mem.Strip(v.as.LoadRef(slot))
	if value == mem.Null {
		return
	}
	to := v.checkTarget(from, obj, slot, value)
	if to == nil {
		return
	}
	fromType, toType := from.Space(), to.Space()
	index := uint((slot - from.Base()) / mem.WordSize)

	if v.kind == SharedRSetPostFullGC {
		if toType.IsShared() && !fromType.IsShared() && !v.t.LocalToSharePending() {
			v.checkLocalToShare(from, obj, slot, value, index)
		}
		return
	}

	switch {
	case fromType.IsShared() && !toType.IsShared():
		v.errorf(from, obj, slot, value, "shared object references local %v object", toType)
		return
	case fromType.IsOldGeneration() && toType.IsYoung():
		if !from.OldToNew().Test(index) {
			v.errorf(from, obj, slot, value, "%v to young reference missing from old-to-new set", fromType)
		}
	case !fromType.IsShared() && toType.IsShared():
		if !v.t.LocalToSharePending() {
			v.checkLocalToShare(from, obj, slot, value, index)
		}
	}

	if live && v.inMarkScope(to) && !to.IsMarked(value) {
		v.errorf(from, obj, slot, value, "reachable %v object is not marked after %v", toType, v.kind)
	}
}

func (v *verifier) checkLocalToShare(from *mem.Region, obj, slot, value mem.Address, index uint) {
	b := from.LocalToShare()
	if b == nil || !b.Test(index) {
		v.errorf(from, obj, slot, value, "local to shared reference missing from local-to-share set")
	}
}

// checkTarget validates the object a reference points at and returns its
// region, or nil after reporting an error.
func (v *verifier) checkTarget(from *mem.Region, obj, slot, value mem.Address) *mem.Region {
	to := v.as.RegionOf(value)
	if to == nil || to.Space() == mem.NoSpace {
		v.errorf(from, obj, slot, value, "reference to unmapped memory")
		return nil
	}
	if value >= to.Top() {
		v.errorf(from, obj, slot, value, "reference above the top of region %d", to.ID())
		return nil
	}
	h := v.as.HeaderOf(value)
	switch {
	case h.IsForwarded():
		v.errorf(from, obj, slot, value, "reference to forwarded object (now at %v)", h.ForwardingAddress())
		return nil
	case h.IsFree():
		v.errorf(from, obj, slot, value, "reference to free chunk in %v", to.Space())
		return nil
	case h.Size() == 0:
		v.errorf(from, obj, slot, value, "reference to object without size")
		return nil
	}
	if to.InCSet() {
		v.errorf(from, obj, slot, value, "reference into collection set region %d", to.ID())
		return nil
	}
	if v.owns(to) && !v.starts.Has(int(value)) {
		v.errorf(from, obj, slot, value, "reference into the middle of an object")
		return nil
	}
	return to
}

// owns reports whether region r was walked, which is when object starts are
// known for it.
func (v *verifier) owns(r *mem.Region) bool {
	return r.Space().IsShared() == v.t.Shared()
}
