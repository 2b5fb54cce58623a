package mem

// freeRange is a node on the outer list of range lengths.
// The free ranges are structured as two nested singly-linked lists:
//   - The outer level (freeRange) has one entry for each unique range length.
//   - The inner level (freeRangeMore) has one entry for each additional range
//     of the same length.
//
// Insertion and removal walk the outer list only, so their cost depends on the
// number of distinct lengths, not on the number of ranges.
type freeRange struct {
	// words is the length of this free range in words.
	words uint64
	start Address

	// nextLen is the next longer free range.
	nextLen *freeRange

	// nextWithLen is the next free range with this length.
	nextWithLen *freeRangeMore
}

// freeRangeMore is a node on the inner list of equal-length ranges.
type freeRangeMore struct {
	start Address
	next  *freeRangeMore
}

// FreeList tracks free chunks of sparse space regions. Every chunk in the
// list starts with a filler header so the regions stay walkable. It is not
// safe for concurrent use; spaces guard it with their lock.
type FreeList struct {
	as        *AddressSpace
	ranges    *freeRange
	available uint64
	count     int
}

// NewFreeList returns an empty free list over the given address space.
func NewFreeList(as *AddressSpace) *FreeList {
	return &FreeList{as: as}
}

// Available returns the number of free bytes in the list.
func (fl *FreeList) Available() uint64 {
	return fl.available
}

// Len returns the number of free chunks.
func (fl *FreeList) Len() int {
	return fl.count
}

// Insert adds the chunk [start, start+size) to the list.
func (fl *FreeList) Insert(start Address, size uint64) {
	if size == 0 {
		return
	}
	fl.as.WriteFiller(start, size)
	words := size / WordSize

	// Find the insertion point by length.
	// Skip until the next range is at least the target length.
	insDst := &fl.ranges
	for *insDst != nil && (*insDst).words < words {
		insDst = &(*insDst).nextLen
	}

	next := *insDst
	if next != nil && next.words == words {
		// Insert into the list with this length.
		next.nextWithLen = &freeRangeMore{start: start, next: next.nextWithLen}
	} else {
		// Insert into the list of lengths.
		*insDst = &freeRange{
			words:   words,
			start:   start,
			nextLen: next,
		}
	}
	fl.available += size
	fl.count++
}

// Pop removes a chunk of at least size bytes and returns its start. The rest
// of the chunk goes back into the list.
func (fl *FreeList) Pop(size uint64) (Address, bool) {
	words := size / WordSize
	if words == 0 {
		return Null, false
	}

	remDst := &fl.ranges
	for *remDst != nil && (*remDst).words < words {
		remDst = &(*remDst).nextLen
	}
	rangeWithLength := *remDst
	if rangeWithLength == nil {
		// No ranges are long enough.
		return Null, false
	}
	removedWords := rangeWithLength.words

	var start Address
	if nextWithLen := rangeWithLength.nextWithLen; nextWithLen != nil {
		// Remove from the list with this length.
		rangeWithLength.nextWithLen = nextWithLen.next
		start = nextWithLen.start
	} else {
		// Remove from the list of lengths.
		*remDst = rangeWithLength.nextLen
		start = rangeWithLength.start
	}
	fl.available -= removedWords * WordSize
	fl.count--

	if removedWords > words {
		// Insert the leftover range.
		fl.Insert(start.Add(words*WordSize), (removedWords-words)*WordSize)
	}
	return start, true
}

// Reset empties the list.
func (fl *FreeList) Reset() {
	fl.ranges = nil
	fl.available = 0
	fl.count = 0
}

// RemoveRegion drops every chunk inside r, for example before the region is
// released.
func (fl *FreeList) RemoveRegion(r *Region) {
	for dst := &fl.ranges; *dst != nil; {
		fr := *dst
		for more := &fr.nextWithLen; *more != nil; {
			if r.Contains((*more).start) {
				fl.available -= fr.words * WordSize
				fl.count--
				*more = (*more).next
				continue
			}
			more = &(*more).next
		}
		if r.Contains(fr.start) {
			fl.available -= fr.words * WordSize
			fl.count--
			if fr.nextWithLen != nil {
				// Promote the first equal-length range to the outer list.
				m := fr.nextWithLen
				fr.start = m.start
				fr.nextWithLen = m.next
				dst = &fr.nextLen
				continue
			}
			*dst = fr.nextLen
			continue
		}
		dst = &fr.nextLen
	}
}

// Counts returns the number of free chunks for every length in words, in
// increasing order of length.
func (fl *FreeList) Counts() (lengths []uint64, counts []int) {
	for fr := fl.ranges; fr != nil; fr = fr.nextLen {
		n := 1
		for m := fr.nextWithLen; m != nil; m = m.next {
			n++
		}
		lengths = append(lengths, fr.words)
		counts = append(counts, n)
	}
	return lengths, counts
}
