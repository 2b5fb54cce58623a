package mem

import "fmt"

// Header is the first word of every object.
//
// The lowest bit is the forwarding tag: when it is set the rest of the word is
// the address of the copy. Otherwise the word is laid out as follows:
//
//	bit  1      free chunk (filler) instead of an object
//	bits 2-7    layout period in words, 0 when the object holds no references
//	bits 8-31   reference mask over the period
//	bits 32-63  object size in bytes, header included
//
// The reference mask works like the precise layout bitstring of a block
// allocator: bit i tells whether payload word i (object word i+1) holds a
// reference. When the payload is longer than the period, the mask repeats, so
// arrays store their layout in a single period.
type Header uint64

const (
	forwardedBit = 1 << 0
	freeBit      = 1 << 1
	periodShift  = 2
	periodBits   = 6
	maskShift    = 8
	maskBits     = 24
	sizeShift    = 32

	// MaxLayoutPeriod is the longest period that fits the mask.
	MaxLayoutPeriod = maskBits
)

// MakeHeader returns the header of a live object.
func MakeHeader(size uint64, layout Layout) Header {
	return Header(size<<sizeShift |
		uint64(layout.Mask)<<maskShift |
		uint64(layout.Period)<<periodShift)
}

// FillerHeader returns the header of a free chunk of the given size.
func FillerHeader(size uint64) Header {
	return Header(size<<sizeShift | freeBit)
}

// ForwardingHeader returns the header pointing at a forwarded copy.
func ForwardingHeader(to Address) Header {
	return Header(uint64(to) | forwardedBit)
}

// IsForwarded reports whether the object has been moved.
func (h Header) IsForwarded() bool {
	return h&forwardedBit != 0
}

// ForwardingAddress returns the address of the copy of a forwarded object.
func (h Header) ForwardingAddress() Address {
	return Address(h &^ forwardedBit)
}

// IsFree reports whether the header starts a free chunk.
func (h Header) IsFree() bool {
	return h&forwardedBit == 0 && h&freeBit != 0
}

// Size returns the size of the object or free chunk in bytes.
func (h Header) Size() uint64 {
	return uint64(h) >> sizeShift
}

// Layout returns the reference layout of the object.
func (h Header) Layout() Layout {
	return Layout{
		Period: uint8(uint64(h) >> periodShift & (1<<periodBits - 1)),
		Mask:   uint32(uint64(h) >> maskShift & (1<<maskBits - 1)),
	}
}

func (h Header) String() string {
	switch {
	case h.IsForwarded():
		return "forwarded to " + h.ForwardingAddress().String()
	case h.IsFree():
		return fmt.Sprintf("free(%d)", h.Size())
	default:
		l := h.Layout()
		return fmt.Sprintf("object(size=%d period=%d mask=%#b)", h.Size(), l.Period, l.Mask)
	}
}

// Layout describes which payload words of an object hold references.
type Layout struct {
	Period uint8
	Mask   uint32
}

// Common layouts.
var (
	NoPtrs  = Layout{}
	Pointer = Layout{Period: 1, Mask: 0b1}
	String  = Layout{Period: 2, Mask: 0b01}
	Slice   = Layout{Period: 3, Mask: 0b001}
)

// NewLayout returns a layout with the given period and reference mask.
func NewLayout(period int, mask uint32) (Layout, error) {
	if period < 0 || period > MaxLayoutPeriod {
		return Layout{}, fmt.Errorf("layout period %d out of range", period)
	}
	if period < 32 && mask>>uint(period) != 0 {
		return Layout{}, fmt.Errorf("layout mask %#b is longer than period %d", mask, period)
	}
	if mask == 0 {
		return NoPtrs, nil
	}
	return Layout{Period: uint8(period), Mask: mask}, nil
}

// PointerFree reports whether objects with this layout hold no references.
func (l Layout) PointerFree() bool {
	return l.Period == 0 || l.Mask == 0
}

// scan calls visit for every reference slot of an object with this layout.
// The payload starts at start and is payloadWords long; it is scanned in
// whole periods.
func (l Layout) scan(start Address, payloadWords uint64, visit func(slot Address)) {
	if l.PointerFree() {
		return
	}
	period := uint64(l.Period)
	for payloadWords >= period {
		scanWithMask(start, l.Mask, visit)
		start = start.Add(period * WordSize)
		payloadWords -= period
	}
}

func scanWithMask(addr Address, mask uint32, visit func(slot Address)) {
	for mask != 0 {
		if mask&1 != 0 {
			visit(addr)
		}
		mask >>= 1
		addr = addr.Add(WordSize)
	}
}

// Weak references are stored with the lowest bit set. The collector does not
// mark through them and clears them when the target dies.
const weakTag = 1

// MakeWeak returns the weak form of a reference.
func MakeWeak(a Address) Address {
	return a | weakTag
}

// IsWeak reports whether a slot value is a weak reference.
func IsWeak(v Address) bool {
	return v&weakTag != 0
}

// Strip removes the weak tag from a slot value.
func Strip(v Address) Address {
	return v &^ weakTag
}
