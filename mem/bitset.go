package mem

import (
	"math/bits"
	"sync/atomic"
)

// Bitset is a fixed size set of bits that can be updated concurrently.
type Bitset struct {
	words []uint64
	size  uint
}

// NewBitset returns an empty bitset holding n bits.
func NewBitset(n uint) *Bitset {
	return &Bitset{words: make([]uint64, (n+63)/64), size: n}
}

// Len returns the number of bits in the set.
func (b *Bitset) Len() uint {
	return b.size
}

// Set sets bit i and reports whether it was previously clear.
func (b *Bitset) Set(i uint) bool {
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old|mask) {
			return true
		}
	}
}

// Test reports whether bit i is set.
func (b *Bitset) Test(i uint) bool {
	return atomic.LoadUint64(&b.words[i/64])&(uint64(1)<<(i%64)) != 0
}

// Clear clears bit i.
func (b *Bitset) Clear(i uint) {
	w := &b.words[i/64]
	mask := uint64(1) << (i % 64)
	for {
		old := atomic.LoadUint64(w)
		if old&mask == 0 || atomic.CompareAndSwapUint64(w, old, old&^mask) {
			return
		}
	}
}

// ClearRange clears bits [from, to).
func (b *Bitset) ClearRange(from, to uint) {
	for from < to {
		if from%64 == 0 && to-from >= 64 {
			atomic.StoreUint64(&b.words[from/64], 0)
			from += 64
			continue
		}
		b.Clear(from)
		from++
	}
}

// Iterate calls fn for every set bit in increasing order. Each word is read
// once, so bits set concurrently may or may not be visited. Iteration stops
// when fn returns false.
func (b *Bitset) Iterate(fn func(i uint) bool) {
	for wi := range b.words {
		w := atomic.LoadUint64(&b.words[wi])
		for w != 0 {
			tz := uint(bits.TrailingZeros64(w))
			if !fn(uint(wi)*64 + tz) {
				return
			}
			w &= w - 1
		}
	}
}

// IsEmpty reports whether no bit is set.
func (b *Bitset) IsEmpty() bool {
	for i := range b.words {
		if atomic.LoadUint64(&b.words[i]) != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return n
}

// Merge sets every bit that is set in other. Both sets must have the same
// size.
func (b *Bitset) Merge(other *Bitset) {
	for i := range other.words {
		add := atomic.LoadUint64(&other.words[i])
		if add == 0 {
			continue
		}
		w := &b.words[i]
		for {
			old := atomic.LoadUint64(w)
			if old|add == old || atomic.CompareAndSwapUint64(w, old, old|add) {
				break
			}
		}
	}
}

// Reset clears every bit.
func (b *Bitset) Reset() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}
