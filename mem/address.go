// Package mem implements the region based heap layout: the address space,
// regions and their bitmaps, object headers, and the spaces objects are
// allocated from.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Address is a heap address: the region id in the upper bits and the byte
// offset inside the region in the lower RegionShift bits. The zero address is
// null.
type Address uint64

const (
	// RegionShift is log2 of RegionSize.
	RegionShift = 18

	// RegionSize is the size of a region unit. Huge regions span several units.
	RegionSize = 1 << RegionShift

	// WordSize is the size of a heap word. Every object and slot is word
	// aligned.
	WordSize = 8

	regionWords = RegionSize / WordSize

	// MaxRegularObjectSize is the largest object allocated outside the huge
	// object spaces.
	MaxRegularObjectSize = RegionSize / 2

	// defaultPoolLimit is the number of unused single regions kept mapped.
	defaultPoolLimit = 16
)

// Null is the null address.
const Null Address = 0

// RegionID returns the id of the region unit the address points into.
func (a Address) RegionID() uint32 {
	return uint32(a >> RegionShift)
}

// Offset returns the offset of the address inside its region unit.
func (a Address) Offset() uint64 {
	return uint64(a) & (RegionSize - 1)
}

// Add returns the address n bytes further.
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

func (a Address) String() string {
	if a == Null {
		return "null"
	}
	return fmt.Sprintf("%#x", uint64(a))
}

// AlignUp rounds size up to a multiple of the word size.
func AlignUp(size uint64) uint64 {
	return (size + WordSize - 1) &^ (WordSize - 1)
}

type regionTable struct {
	regions []atomic.Pointer[Region]
}

// AddressSpace maps region ids to regions. Lookups are lock free: the table
// is replaced as a whole when it grows and every entry is an atomic pointer.
// Registration and release happen under a lock.
type AddressSpace struct {
	mapper Mapper

	lock      sync.Mutex
	table     atomic.Pointer[regionTable]
	nextID    uint32
	freeIDs   []uint32
	pool      []*Region
	poolLimit int

	committed atomic.Uint64
}

// NewAddressSpace creates an empty address space. A nil mapper selects
// DefaultMapper.
func NewAddressSpace(mapper Mapper) *AddressSpace {
	if mapper == nil {
		mapper = DefaultMapper()
	}
	as := &AddressSpace{
		mapper:    mapper,
		nextID:    1, // region id 0 would make address 0 valid
		poolLimit: defaultPoolLimit,
	}
	as.table.Store(&regionTable{regions: make([]atomic.Pointer[Region], 64)})
	return as
}

// SetPoolLimit sets how many released single regions stay mapped for reuse.
func (as *AddressSpace) SetPoolLimit(n int) {
	as.lock.Lock()
	as.poolLimit = n
	as.lock.Unlock()
}

// CommittedSize returns the number of mapped bytes, including pooled regions.
func (as *AddressSpace) CommittedSize() uint64 {
	return as.committed.Load()
}

// PooledRegions returns the number of regions waiting for reuse.
func (as *AddressSpace) PooledRegions() int {
	as.lock.Lock()
	defer as.lock.Unlock()
	return len(as.pool)
}

// AllocateRegion maps a region of the given number of units. The region is
// registered but belongs to no space.
func (as *AddressSpace) AllocateRegion(units int) (*Region, error) {
	if units < 1 {
		units = 1
	}
	as.lock.Lock()
	defer as.lock.Unlock()

	if units == 1 && len(as.pool) > 0 {
		r := as.pool[len(as.pool)-1]
		as.pool = as.pool[:len(as.pool)-1]
		r.reset()
		return r, nil
	}

	mem, err := as.mapper.MapRegion(uint64(units) * RegionSize)
	if err != nil {
		return nil, fmt.Errorf("map %d region units: %w", units, err)
	}
	var id uint32
	if units == 1 && len(as.freeIDs) > 0 {
		id = as.freeIDs[len(as.freeIDs)-1]
		as.freeIDs = as.freeIDs[:len(as.freeIDs)-1]
	} else {
		id = as.nextID
		as.nextID += uint32(units)
	}
	r := newRegion(as, id, uint32(units), mem)
	t := as.ensureTable(int(id) + units)
	for i := 0; i < units; i++ {
		t.regions[int(id)+i].Store(r)
	}
	as.committed.Add(uint64(len(mem)))
	return r, nil
}

// ensureTable makes sure the table has room for n ids. Must be called with
// the lock held.
func (as *AddressSpace) ensureTable(n int) *regionTable {
	t := as.table.Load()
	if n <= len(t.regions) {
		return t
	}
	size := len(t.regions) * 2
	for size < n {
		size *= 2
	}
	grown := &regionTable{regions: make([]atomic.Pointer[Region], size)}
	for i := range t.regions {
		grown.regions[i].Store(t.regions[i].Load())
	}
	as.table.Store(grown)
	return grown
}

// FreeRegion releases a region. Single regions are pooled up to the pool
// limit; everything else is unmapped.
func (as *AddressSpace) FreeRegion(r *Region) error {
	r.space.Store(uint32(NoSpace))
	r.inCSet.Store(false)
	as.lock.Lock()
	defer as.lock.Unlock()
	if r.units == 1 && len(as.pool) < as.poolLimit {
		as.pool = append(as.pool, r)
		return nil
	}
	return as.unmapLocked(r)
}

func (as *AddressSpace) unmapLocked(r *Region) error {
	t := as.table.Load()
	for i := uint32(0); i < r.units; i++ {
		id := r.id + i
		t.regions[id].Store(nil)
		as.freeIDs = append(as.freeIDs, id)
	}
	as.committed.Add(-uint64(len(r.mem)))
	mem := r.mem
	r.mem, r.words = nil, nil
	return as.mapper.UnmapRegion(mem)
}

// Close unmaps the pooled regions.
func (as *AddressSpace) Close() error {
	as.lock.Lock()
	defer as.lock.Unlock()
	var firstErr error
	for _, r := range as.pool {
		if err := as.unmapLocked(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	as.pool = nil
	return firstErr
}

// RegionOf returns the region containing addr, or nil.
func (as *AddressSpace) RegionOf(addr Address) *Region {
	id := addr.RegionID()
	t := as.table.Load()
	if addr == Null || int(id) >= len(t.regions) {
		return nil
	}
	return t.regions[id].Load()
}

func (as *AddressSpace) word(addr Address) *uint64 {
	r := as.RegionOf(addr)
	if r == nil {
		panic(fmt.Sprintf("mem: address %v is not in any region", addr))
	}
	return &r.words[r.wordIndex(addr)]
}

// Load reads the word at addr.
func (as *AddressSpace) Load(addr Address) uint64 {
	return atomic.LoadUint64(as.word(addr))
}

// Store writes the word at addr.
func (as *AddressSpace) Store(addr Address, v uint64) {
	atomic.StoreUint64(as.word(addr), v)
}

// CompareAndSwap replaces the word at addr if it still holds old.
func (as *AddressSpace) CompareAndSwap(addr Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(as.word(addr), old, new)
}

// LoadRef reads a reference slot.
func (as *AddressSpace) LoadRef(slot Address) Address {
	return Address(as.Load(slot))
}

// StoreRef writes a reference slot.
func (as *AddressSpace) StoreRef(slot, value Address) {
	as.Store(slot, uint64(value))
}

// HeaderOf reads the header word of the object at addr.
func (as *AddressSpace) HeaderOf(addr Address) Header {
	return Header(as.Load(addr))
}

// InitObject writes the header of a new object and clears its payload.
func (as *AddressSpace) InitObject(addr Address, size uint64, layout Layout) {
	r := as.RegionOf(addr)
	idx := r.wordIndex(addr)
	n := size / WordSize
	for i := uint64(1); i < n; i++ {
		atomic.StoreUint64(&r.words[idx+i], 0)
	}
	atomic.StoreUint64(&r.words[idx], uint64(MakeHeader(size, layout)))
}

// WriteFiller turns [addr, addr+size) into a free chunk so that walking the
// region skips it.
func (as *AddressSpace) WriteFiller(addr Address, size uint64) {
	if size == 0 {
		return
	}
	as.Store(addr, uint64(FillerHeader(size)))
}

// CopyObject copies size bytes of the object at src to dst. The header word is
// copied last by the caller when it needs to publish the copy.
func (as *AddressSpace) CopyObject(dst, src Address, size uint64, header Header) {
	sr, dr := as.RegionOf(src), as.RegionOf(dst)
	si, di := sr.wordIndex(src), dr.wordIndex(dst)
	n := size / WordSize
	atomic.StoreUint64(&dr.words[di], uint64(header))
	for i := uint64(1); i < n; i++ {
		atomic.StoreUint64(&dr.words[di+i], atomic.LoadUint64(&sr.words[si+i]))
	}
}

// RefKind tells whether a resolved reference is the object itself or its
// forwarded copy.
type RefKind uint8

const (
	Live RefKind = iota
	Forwarded
)

func (k RefKind) String() string {
	if k == Forwarded {
		return "forwarded"
	}
	return "live"
}

// Ref is the result of resolving an address through its header.
type Ref struct {
	Kind RefKind
	Addr Address
}

// Resolve follows a forwarding header, if any.
func (as *AddressSpace) Resolve(addr Address) Ref {
	h := as.HeaderOf(addr)
	if h.IsForwarded() {
		return Ref{Kind: Forwarded, Addr: h.ForwardingAddress()}
	}
	return Ref{Kind: Live, Addr: addr}
}

// SizeOf returns the size of the object at addr, reading it from the copy when
// the object has been forwarded.
func (as *AddressSpace) SizeOf(addr Address) uint64 {
	h := as.HeaderOf(addr)
	if h.IsForwarded() {
		h = as.HeaderOf(h.ForwardingAddress())
	}
	return h.Size()
}
