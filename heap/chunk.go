package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/chazu/codeswitch/bitmap"
)

// Address identifies a word inside a chunk's data area, or one of the two
// sentinel values Null (0) and ZeroAllocAddress (the result of a 0-byte
// request).
//
// Rather than pun real process memory addresses (which would require
// OS-level mmap at an alignment equal to the chunk size to recover a
// chunk from an address by masking), each Chunk is assigned a synthetic,
// monotonically increasing virtual base when it is created. Chunk
// lookup is a binary search over the heap's sorted list of chunk bases.
type Address uintptr

// Null is the address stored in a pointer slot that holds no reference,
// and the value a free handle/free-list cell carries.
const Null Address = 0

// MinAddress is the smallest address the heap will ever hand out for a
// real allocation. Values below it are reserved for sentinels.
const MinAddress Address = 1 << 20

// ZeroAllocAddress is returned for every zero-byte allocation request.
// It is stable and never aliases a real block.
const ZeroAllocAddress Address = MinAddress

const (
	// WordSize is the width of a stack slot / heap word in bytes.
	WordSize = 8
	// ChunkSize is the logical size of a chunk.
	ChunkSize = 1 << 20 // 1 MiB
	// BitmapRegionSize is the portion of a chunk's logical address range
	// reserved for the header and the two bitmaps.
	BitmapRegionSize = 32 * 1024
	// DataAreaSize is the number of bytes available for blocks in a chunk.
	DataAreaSize = ChunkSize - BitmapRegionSize
	// MaxBlockSize is the largest single allocation the heap will serve.
	MaxBlockSize = 128 * 1024
	// BlockAlignment is the alignment (and therefore minimum size step)
	// of every block.
	BlockAlignment = 8
)

// Chunk is a size-segregated arena: every block inside one Chunk has the
// same blockSize. It owns a pointer bitmap (one bit per word: "this word
// holds a managed pointer") and a mark bitmap (one bit per word, but only
// the bit at a block's first word is meaningful) alongside its data area.
type Chunk struct {
	mu sync.Mutex

	blockSize      int
	bytesAllocated int
	freeListHead   Address // Null if the free list is empty
	freeSpaceStart int     // byte offset into data; [freeSpaceStart, len(data)) is the free tail

	base Address // synthetic virtual base address of data[0]
	data []byte

	ptrBitmap  *bitmap.Bitmap
	markBitmap *bitmap.Bitmap
}

// newChunk creates an empty chunk for the given block size, based at the
// given synthetic virtual address.
func newChunk(blockSize int, base Address) (*Chunk, error) {
	if blockSize <= 0 || blockSize%BlockAlignment != 0 {
		return nil, fmt.Errorf("heap: blockSize %d is not a positive multiple of %d", blockSize, BlockAlignment)
	}
	if blockSize > MaxBlockSize {
		return nil, fmt.Errorf("heap: blockSize %d exceeds MaxBlockSize %d", blockSize, MaxBlockSize)
	}
	bits := DataAreaSize / WordSize
	return &Chunk{
		blockSize:  blockSize,
		base:       base,
		data:       make([]byte, DataAreaSize),
		ptrBitmap:  bitmap.New(bits),
		markBitmap: bitmap.New(bits),
	}, nil
}

// Base returns the chunk's synthetic virtual base address.
func (c *Chunk) Base() Address { return c.base }

// BlockSize returns the size of every block in this chunk.
func (c *Chunk) BlockSize() int { return c.blockSize }

// contains reports whether addr falls inside this chunk's data area.
func (c *Chunk) contains(addr Address) bool {
	return addr >= c.base && addr < c.base+Address(DataAreaSize)
}

func (c *Chunk) offsetOf(addr Address) int {
	return int(addr - c.base)
}

func (c *Chunk) wordIndex(addr Address) int {
	return c.offsetOf(addr) / WordSize
}

// addressAt returns the address of the byte at the given offset into the
// data area.
func (c *Chunk) addressAt(offset int) Address {
	return c.base + Address(offset)
}

// readWord reads the 8-byte little-endian word at addr. Caller holds c.mu
// or otherwise knows no concurrent writer can run.
func (c *Chunk) readWord(addr Address) uint64 {
	off := c.offsetOf(addr)
	return binary.LittleEndian.Uint64(c.data[off : off+WordSize])
}

func (c *Chunk) writeWord(addr Address, v uint64) {
	off := c.offsetOf(addr)
	binary.LittleEndian.PutUint64(c.data[off:off+WordSize], v)
}

func (c *Chunk) zeroBlock(addr Address) {
	off := c.offsetOf(addr)
	clear(c.data[off : off+c.blockSize])
}

// Allocate returns the address of a fresh, zeroed block, or (Null, false)
// if this chunk has no room. The free list is tried first, then the free
// tail is bump-allocated.
func (c *Chunk) Allocate() (Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freeListHead != Null {
		addr := c.freeListHead
		next := c.readWord(addr)
		c.writeWord(addr, 0)
		c.freeListHead = Address(next)
		c.bytesAllocated += c.blockSize
		return addr, true
	}

	if DataAreaSize-c.freeSpaceStart >= c.blockSize {
		addr := c.addressAt(c.freeSpaceStart)
		c.freeSpaceStart += c.blockSize
		c.bytesAllocated += c.blockSize
		return addr, true
	}

	return Null, false
}

// IsPointer reports whether the word at addr is recorded as holding a
// managed pointer.
func (c *Chunk) IsPointer(addr Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptrBitmap.Get(c.wordIndex(addr))
}

// SetPointer marks (or unmarks) the word at addr as holding a pointer.
func (c *Chunk) SetPointer(addr Address, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ptrBitmap.Set(c.wordIndex(addr), v)
}

// IsMarked reports whether the block starting at addr is marked live.
func (c *Chunk) IsMarked(addr Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markBitmap.Get(c.wordIndex(addr))
}

// SetMarked marks (or unmarks) the block starting at addr.
func (c *Chunk) SetMarked(addr Address, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markBitmap.Set(c.wordIndex(addr), v)
}

// HasMark reports whether any block in this chunk is currently marked.
func (c *Chunk) HasMark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markBitmap.Any()
}

// BlockContaining returns the base address of the block that contains p.
func (c *Chunk) BlockContaining(p Address) Address {
	off := c.offsetOf(p)
	blockIndex := off / c.blockSize
	return c.addressAt(blockIndex * c.blockSize)
}

// ReadWord reads the word at addr under the chunk lock.
func (c *Chunk) ReadWord(addr Address) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readWord(addr)
}

// WriteWord writes v at addr under the chunk lock. This does not touch
// the pointer bitmap; callers storing a managed reference must also call
// Heap.RecordWrite (see pointer_slot.go).
func (c *Chunk) WriteWord(addr Address, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeWord(addr, v)
}

// BytesAllocated returns the number of bytes currently allocated (live or
// dead, not yet swept) in this chunk.
func (c *Chunk) BytesAllocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesAllocated
}

// Sweep reclaims every unmarked block, rebuilding the free list and
// coalescing a free tail, then clears all mark bits. It returns true if
// the chunk has no live blocks left (the heap may then drop the chunk
// entirely).
func (c *Chunk) Sweep() (empty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wordsPerBlock := c.blockSize / WordSize

	// 1. Coalesce the tail: absorb unmarked blocks immediately below the
	// current free-tail boundary.
	for c.freeSpaceStart > 0 {
		prevOffset := c.freeSpaceStart - c.blockSize
		prevAddr := c.addressAt(prevOffset)
		if c.markBitmap.Get(c.wordIndex(prevAddr)) {
			break
		}
		c.zeroBlock(prevAddr)
		startWord := c.wordIndex(prevAddr)
		for i := 0; i < wordsPerBlock; i++ {
			c.ptrBitmap.Set(startWord+i, false)
		}
		c.freeSpaceStart = prevOffset
	}

	// 2. Rebuild the free list over everything below the (possibly
	// shrunk) tail.
	c.freeListHead = Null
	c.bytesAllocated = 0
	for offset := c.freeSpaceStart - c.blockSize; offset >= 0; offset -= c.blockSize {
		addr := c.addressAt(offset)
		startWord := c.wordIndex(addr)
		if c.markBitmap.Get(startWord) {
			c.bytesAllocated += c.blockSize
			continue
		}
		c.zeroBlock(addr)
		for i := 0; i < wordsPerBlock; i++ {
			c.ptrBitmap.Set(startWord+i, false)
		}
		c.writeWord(addr, uint64(c.freeListHead))
		c.freeListHead = addr
	}

	// 3 & 4. Mark bits of live blocks are left untouched until now; clear
	// the whole bitmap (live blocks keep their pointer bits, not their
	// mark bits — marks are recomputed every cycle).
	c.markBitmap.Clear()

	return c.bytesAllocated == 0
}

// Validate is a debug-only consistency check: every live block's pointer
// words are either zero or point at a marked block; every free-list node
// holds only its link word; the free tail is entirely zero.
func (c *Chunk) Validate(ptrTargetMarked func(Address) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wordsPerBlock := c.blockSize / WordSize
	seen := make(map[Address]bool)
	for node := c.freeListHead; node != Null; {
		seen[node] = true
		next := Address(c.readWord(node))
		node = next
	}

	for offset := 0; offset < c.freeSpaceStart; offset += c.blockSize {
		addr := c.addressAt(offset)
		startWord := c.wordIndex(addr)
		if c.markBitmap.Get(startWord) {
			for i := 0; i < wordsPerBlock; i++ {
				wordAddr := addr + Address(i*WordSize)
				if !c.ptrBitmap.Get(startWord+i) {
					continue
				}
				v := Address(c.readWord(wordAddr))
				if v != Null && ptrTargetMarked != nil && !ptrTargetMarked(v) {
					return fmt.Errorf("heap: live block %#x has unmarked pointer target %#x", uintptr(addr), uintptr(v))
				}
			}
		} else if seen[addr] {
			for i := 1; i < wordsPerBlock; i++ {
				if c.readWord(addr+Address(i*WordSize)) != 0 {
					return fmt.Errorf("heap: free-list node %#x has non-zero tail word", uintptr(addr))
				}
			}
		}
	}

	for offset := c.freeSpaceStart; offset < DataAreaSize; offset += WordSize {
		addr := c.addressAt(offset)
		if c.readWord(addr) != 0 {
			return fmt.Errorf("heap: free tail word at %#x is non-zero", uintptr(addr))
		}
		if c.ptrBitmap.Get(c.wordIndex(addr)) || c.markBitmap.Get(c.wordIndex(addr)) {
			return fmt.Errorf("heap: free tail word at %#x has a stray bitmap bit set", uintptr(addr))
		}
	}

	return nil
}
