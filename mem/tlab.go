package mem

// DefaultTLABSize is the chunk size a TLAB takes from its space.
const DefaultTLABSize = 32 * 1024

// chunkSource is a space that hands out TLAB chunks.
type chunkSource interface {
	allocateChunk(min, max uint64, forGC bool) (Address, uint64, error)
}

type chunkReturner interface {
	returnChunk(addr Address, size uint64)
}

// TLAB is a thread local allocation buffer. It takes chunks from a space under
// the space's synchronization and bump allocates inside them without any.
// A TLAB must only be used by one goroutine at a time.
type TLAB struct {
	as        *AddressSpace
	source    chunkSource
	forGC     bool
	chunkSize uint64

	top, end Address

	// wasted counts bytes filled when a chunk was retired with room left.
	wasted uint64
}

// NewTLAB returns a TLAB for a semi space.
func NewTLAB(as *AddressSpace, s *SemiSpace, forGC bool) *TLAB {
	return &TLAB{as: as, source: s, forGC: forGC, chunkSize: DefaultTLABSize}
}

// NewSparseTLAB returns a TLAB for a sparse space. Sparse TLABs are used by
// evacuation only.
func NewSparseTLAB(as *AddressSpace, s *SparseSpace) *TLAB {
	return &TLAB{as: as, source: s, forGC: true, chunkSize: DefaultTLABSize}
}

// Allocate allocates size bytes, refilling the buffer when needed. Objects
// bigger than a quarter of the chunk size bypass the buffer.
func (t *TLAB) Allocate(size uint64) (Address, error) {
	if t.top != Null && uint64(t.end-t.top) >= size {
		addr := t.top
		t.top = t.top.Add(size)
		return addr, nil
	}
	if size > t.chunkSize/4 {
		addr, _, err := t.source.allocateChunk(size, size, t.forGC)
		return addr, err
	}
	t.Flush()
	addr, n, err := t.source.allocateChunk(size, t.chunkSize, t.forGC)
	if err != nil {
		return Null, err
	}
	t.top, t.end = addr.Add(size), addr.Add(n)
	return addr, nil
}

// Undo gives back an allocation that was not used, for example because
// another thread won the race to copy an object. If the allocation was the
// last one in the buffer the top is moved back, otherwise the bytes are
// filled.
func (t *TLAB) Undo(addr Address, size uint64) {
	if addr.Add(size) == t.top {
		t.top = addr
		return
	}
	t.as.WriteFiller(addr, size)
	t.wasted += size
}

// Flush retires the current chunk. The unused tail is given back to sparse
// spaces and filled in semi spaces.
func (t *TLAB) Flush() {
	if t.top == Null {
		return
	}
	if rest := uint64(t.end - t.top); rest > 0 {
		if ret, ok := t.source.(chunkReturner); ok {
			ret.returnChunk(t.top, rest)
		} else {
			t.as.WriteFiller(t.top, rest)
			t.wasted += rest
		}
	}
	t.top, t.end = Null, Null
}

// Remaining returns the free bytes in the current chunk.
func (t *TLAB) Remaining() uint64 {
	return uint64(t.end - t.top)
}

// Wasted returns the number of bytes filled so far.
func (t *TLAB) Wasted() uint64 {
	return t.wasted
}
