// Package heap implements CodeSwitch's chunked, size-segregated heap: a
// mark-sweep collector driven by per-word pointer bitmaps and per-block
// mark bitmaps, plus the off-heap handle store that roots client-held
// references and the bootstrap type roots.
package heap

import (
	"sort"
	"sync"
)

// gcPhase tracks whether the heap will refuse to collect. It is set while
// the root-table bootstrap (NewRoots) is under
// construction, since a collection running before the roots exist would
// have nothing to scan from and could reclaim blocks still being wired up.
type gcPhase int

const (
	gcNone gcPhase = iota
	gcLocked
)

// RootAcceptor is a function that calls visit on every root address it
// owns. HandleStore.accept and the Roots bootstrap are both acceptors;
// interp.Stack registers one of its own for the operand stack.
type RootAcceptor func(visit func(Address))

// Sink receives optional diagnostic events from the heap. A nil Sink
// disables diagnostics entirely — see package diag.
type Sink interface {
	GCCycle(stats GCStats)
	ChunkCreated(blockSize, chunkCount int)
	AllocationFailed(size int, shouldRetry bool)
}

// GCStats summarizes one collectGarbageLocked cycle.
type GCStats struct {
	BytesBefore    int
	BytesAfter     int
	ChunksDropped  int
	AllocationCap  int
	MarkedBlocks   int
}

// DefaultAllocationLimit is the initial allocationLimit before any
// collection has run.
const DefaultAllocationLimit = 1 << 20 // 1 MiB

// Heap owns every chunk, segregated by block size, and drives mark–sweep
// collection across them.
type Heap struct {
	mu sync.Mutex

	chunksBySize map[int][]*Chunk
	chunksByBase []*Chunk // sorted by base, spans all size classes

	bytesAllocated  int
	allocationLimit int
	growFactor      float64

	nextBase Address

	rootAcceptors []RootAcceptor
	phase         gcPhase
	markStack     []Address

	sink Sink
}

// Options configures a new Heap. The zero value is valid and yields
// sensible defaults.
type Options struct {
	InitialAllocationLimit int
	GrowFactor             float64
	Sink                   Sink
}

// New creates an empty heap with no chunks.
func New(opts Options) *Heap {
	limit := opts.InitialAllocationLimit
	if limit <= 0 {
		limit = DefaultAllocationLimit
	}
	grow := opts.GrowFactor
	if grow <= 0 {
		grow = 2.0
	}
	return &Heap{
		chunksBySize:    make(map[int][]*Chunk),
		bytesAllocated:  0,
		allocationLimit: limit,
		growFactor:      grow,
		nextBase:        MinAddress + Address(DataAreaSize), // leave room for ZeroAllocAddress
		sink:            opts.Sink,
	}
}

// SetSink installs (or clears, with nil) the diagnostics sink.
func (h *Heap) SetSink(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

// RegisterRootAcceptor adds fn to the set of functions CollectGarbage
// calls during the mark phase. Registering an acceptor while the GC lock
// is held is allowed — that is precisely how bootstrap code (NewRoots)
// protects itself before the heap can observe it.
func (h *Heap) RegisterRootAcceptor(fn RootAcceptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rootAcceptors = append(h.rootAcceptors, fn)
}

// SetGCLock toggles the GC lock. While locked, CollectGarbage is a silent
// no-op. This exists so bootstrap code can allocate and wire up roots
// before anything can trace through the heap and observe a half-built
// root set.
func (h *Heap) SetGCLock(locked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if locked {
		h.phase = gcLocked
	} else {
		h.phase = gcNone
	}
}

// Allocate reserves size zeroed bytes and returns their address.
func (h *Heap) Allocate(size int) (Address, error) {
	if size == 0 {
		return ZeroAllocAddress, nil
	}
	size = roundUp(size, BlockAlignment)
	if size > MaxBlockSize {
		if h.sink != nil {
			h.sink.AllocationFailed(size, false)
		}
		return Null, &AllocationError{ShouldRetryAfterGC: false, Size: size}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bytesAllocated+size >= h.allocationLimit {
		h.collectGarbageLocked()
	}

	for _, c := range h.chunksBySize[size] {
		if addr, ok := c.Allocate(); ok {
			h.bytesAllocated += size
			return addr, nil
		}
	}

	c, err := h.addChunkLocked(size)
	if err != nil {
		if h.sink != nil {
			h.sink.AllocationFailed(size, true)
		}
		return Null, &AllocationError{ShouldRetryAfterGC: true, Size: size}
	}
	addr, ok := c.Allocate()
	if !ok {
		// A brand-new chunk with room for at least one block of this
		// size must succeed; this would indicate a fixed-size-table bug.
		if h.sink != nil {
			h.sink.AllocationFailed(size, true)
		}
		return Null, &AllocationError{ShouldRetryAfterGC: true, Size: size}
	}
	h.bytesAllocated += size
	return addr, nil
}

func (h *Heap) addChunkLocked(blockSize int) (*Chunk, error) {
	c, err := newChunk(blockSize, h.nextBase)
	if err != nil {
		return nil, err
	}
	h.nextBase += Address(DataAreaSize)
	h.chunksBySize[blockSize] = append(h.chunksBySize[blockSize], c)
	h.chunksByBase = append(h.chunksByBase, c)
	if h.sink != nil {
		h.sink.ChunkCreated(blockSize, len(h.chunksBySize[blockSize]))
	}
	return c, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// chunkFromAddress finds the chunk whose data area contains addr via a
// binary search over chunksByBase (sorted since bases are assigned
// monotonically), in place of address-masking tricks that depend on
// OS-aligned mmap.
func (h *Heap) chunkFromAddress(addr Address) *Chunk {
	chunks := h.chunksByBase
	i := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].Base() > addr
	})
	if i == 0 {
		return nil
	}
	c := chunks[i-1]
	if !c.contains(addr) {
		return nil
	}
	return c
}

// RecordWrite is the heap side of the write barrier: it marks the word at
// from as pointer-valued. to may be Null; the slot is still recorded as
// pointer-typed so that a later non-null store does not need a matching
// call.
func (h *Heap) RecordWrite(from, to Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordWriteLocked(from, to)
}

func (h *Heap) recordWriteLocked(from, to Address) {
	c := h.chunkFromAddress(from)
	if c == nil {
		panic("heap: RecordWrite: address is not on the heap")
	}
	c.SetPointer(from, true)
}

// IsPointer reports whether the word at addr is recorded as pointer-typed.
func (h *Heap) IsPointer(addr Address) bool {
	h.mu.Lock()
	c := h.chunkFromAddress(addr)
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.IsPointer(addr)
}

// IsMarked reports whether the block starting at addr is currently marked.
func (h *Heap) IsMarked(addr Address) bool {
	h.mu.Lock()
	c := h.chunkFromAddress(addr)
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.IsMarked(addr)
}

// BlockContaining returns the base address of the block containing p, or
// Null for the zero-allocation sentinel.
func (h *Heap) BlockContaining(p Address) Address {
	if p == ZeroAllocAddress {
		return Null
	}
	h.mu.Lock()
	c := h.chunkFromAddress(p)
	h.mu.Unlock()
	if c == nil {
		return Null
	}
	return c.BlockContaining(p)
}

// BlockSize returns the block size of the chunk containing p, or 0 for
// the zero-allocation sentinel or an address the heap doesn't own.
func (h *Heap) BlockSize(p Address) int {
	if p == ZeroAllocAddress {
		return 0
	}
	h.mu.Lock()
	c := h.chunkFromAddress(p)
	h.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.BlockSize()
}

// ReadWord reads the word at addr.
func (h *Heap) ReadWord(addr Address) uint64 {
	h.mu.Lock()
	c := h.chunkFromAddress(addr)
	h.mu.Unlock()
	if c == nil {
		panic("heap: ReadWord: address is not on the heap")
	}
	return c.ReadWord(addr)
}

// WriteWord writes v at addr without touching the pointer bitmap. Use
// StorePointer (pointer_slot.go) when the word holds a managed reference.
func (h *Heap) WriteWord(addr Address, v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeWordLocked(addr, v)
}

func (h *Heap) writeWordLocked(addr Address, v uint64) {
	c := h.chunkFromAddress(addr)
	if c == nil {
		panic("heap: WriteWord: address is not on the heap")
	}
	c.WriteWord(addr, v)
}

// CheckBound reports whether the byte offset offset falls inside the
// block that contains base, returning a *BoundsCheckError if not. Object
// layouts with more than one field (a Type descriptor's payload words, a
// future array's elements) address those fields as offset from the
// block's base; this is the check every such accessor runs before
// touching the heap, matching the read-or-write-off-the-end-of-an-array
// hazard this exists to catch.
func (h *Heap) CheckBound(base Address, offset int) error {
	h.mu.Lock()
	c := h.chunkFromAddress(base)
	h.mu.Unlock()
	if c == nil {
		panic("heap: CheckBound: address is not on the heap")
	}
	blockBase := c.BlockContaining(base)
	size := c.BlockSize()
	rel := int(base-blockBase) + offset
	if rel < 0 || rel+WordSize > size {
		return &BoundsCheckError{Address: blockBase, Offset: offset, Size: size}
	}
	return nil
}

// ReadWordAt reads the word at byte offset offset from block base,
// returning a *BoundsCheckError if offset falls outside the block.
func (h *Heap) ReadWordAt(base Address, offset int) (uint64, error) {
	if err := h.CheckBound(base, offset); err != nil {
		return 0, err
	}
	return h.ReadWord(base + Address(offset)), nil
}

// WriteWordAt writes v at byte offset offset from block base, returning a
// *BoundsCheckError if offset falls outside the block. It does not touch
// the pointer bitmap; see WriteWord.
func (h *Heap) WriteWordAt(base Address, offset int, v uint64) error {
	if err := h.CheckBound(base, offset); err != nil {
		return err
	}
	h.WriteWord(base+Address(offset), v)
	return nil
}

// BytesAllocated returns the heap's current live+dead byte count across
// all chunks (accurate immediately after a sweep; otherwise an upper
// bound including garbage not yet collected).
func (h *Heap) BytesAllocated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesAllocated
}

// AllocationLimit returns the byte threshold that triggers a collection
// on the next Allocate call.
func (h *Heap) AllocationLimit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocationLimit
}

// CollectGarbage runs a full mark-sweep cycle unless the GC lock is held,
// in which case it is a silent no-op.
func (h *Heap) CollectGarbage() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectGarbageLocked()
}

func (h *Heap) collectGarbageLocked() {
	if h.phase == gcLocked {
		return
	}

	before := h.bytesAllocated

	h.markStack = h.markStack[:0]
	marked := make(map[Address]bool)

	visit := func(addr Address) {
		if addr == Null || addr == ZeroAllocAddress {
			return
		}
		if marked[addr] {
			return
		}
		marked[addr] = true
		h.markStack = append(h.markStack, addr)
	}

	for _, acceptor := range h.rootAcceptors {
		acceptor(visit)
	}

	markedCount := 0
	for len(h.markStack) > 0 {
		p := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]

		c := h.chunkFromAddress(p)
		if c == nil {
			continue
		}
		blockBase := c.BlockContaining(p)
		if c.IsMarked(blockBase) {
			continue
		}
		c.SetMarked(blockBase, true)
		markedCount++

		wordsPerBlock := c.BlockSize() / WordSize
		for i := 0; i < wordsPerBlock; i++ {
			wordAddr := blockBase + Address(i*WordSize)
			if !c.IsPointer(wordAddr) {
				continue
			}
			v := Address(c.ReadWord(wordAddr))
			if v != Null {
				visit(v)
			}
		}
	}

	chunksDropped := 0
	h.bytesAllocated = 0
	for size, chunks := range h.chunksBySize {
		kept := chunks[:0]
		for _, c := range chunks {
			empty := c.Sweep()
			if empty {
				chunksDropped++
				continue
			}
			h.bytesAllocated += c.BytesAllocated()
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(h.chunksBySize, size)
		} else {
			h.chunksBySize[size] = kept
		}
	}
	h.rebuildChunkIndexLocked()

	h.allocationLimit = int(h.growFactor * float64(h.bytesAllocated))
	if h.allocationLimit < DefaultAllocationLimit {
		h.allocationLimit = DefaultAllocationLimit
	}

	if h.sink != nil {
		h.sink.GCCycle(GCStats{
			BytesBefore:   before,
			BytesAfter:    h.bytesAllocated,
			ChunksDropped: chunksDropped,
			AllocationCap: h.allocationLimit,
			MarkedBlocks:  markedCount,
		})
	}
}

// rebuildChunkIndexLocked refreshes chunksByBase after chunks have been
// dropped by a sweep; chunkFromAddress requires it sorted by base.
func (h *Heap) rebuildChunkIndexLocked() {
	kept := make([]*Chunk, 0, len(h.chunksByBase))
	for size := range h.chunksBySize {
		kept = append(kept, h.chunksBySize[size]...)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Base() < kept[j].Base() })
	h.chunksByBase = kept
}

// ChunkCount returns the total number of live chunks across every size
// class. Exposed for tests and diagnostics.
func (h *Heap) ChunkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunksByBase)
}
