package mem

// ObjectModel tells the collector how big objects are and where their
// references live.
type ObjectModel interface {
	SizeOf(h Header) uint64
	VisitReferenceSlots(obj Address, h Header, visit func(slot Address))
	HasReferenceFields(h Header) bool
}

// LayoutModel is the default object model: sizes and reference slots come
// from the header word.
type LayoutModel struct{}

var _ ObjectModel = LayoutModel{}

func (LayoutModel) SizeOf(h Header) uint64 {
	return h.Size()
}

func (LayoutModel) VisitReferenceSlots(obj Address, h Header, visit func(slot Address)) {
	size := h.Size()
	if size <= WordSize {
		return
	}
	h.Layout().scan(obj.Add(WordSize), size/WordSize-1, visit)
}

func (LayoutModel) HasReferenceFields(h Header) bool {
	return !h.Layout().PointerFree()
}
