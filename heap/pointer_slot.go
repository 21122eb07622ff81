package heap

// StorePointer writes newValue into the word-aligned slot at addr and
// records the write with the heap under one critical section, so a
// concurrent CollectGarbage can never observe the word written but the
// pointer bit unset (which would let the mark phase skip the newly
// stored referent as non-pointer data and sweep it):
//
//	lock h.mu
//	*slot = newValue
//	heap.recordWrite(address(slot), newValue)
//	unlock h.mu
//
// newValue may be Null; the slot is still recorded pointer-typed, since
// a collector scan treats a zero word as "not a pointer" regardless of
// whether the bit is set.
func (h *Heap) StorePointer(slot, newValue Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeWordLocked(slot, uint64(newValue))
	h.recordWriteLocked(slot, newValue)
}

// LoadPointer reads the pointer-valued word at addr. Loads do not
// participate in the write barrier.
func (h *Heap) LoadPointer(addr Address) Address {
	return Address(h.ReadWord(addr))
}
