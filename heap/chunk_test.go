package heap

import "testing"

func TestNewChunkRejectsBadBlockSize(t *testing.T) {
	if _, err := newChunk(0, MinAddress); err == nil {
		t.Fatal("expected error for zero blockSize")
	}
	if _, err := newChunk(3, MinAddress); err == nil {
		t.Fatal("expected error for misaligned blockSize")
	}
	if _, err := newChunk(MaxBlockSize+BlockAlignment, MinAddress); err == nil {
		t.Fatal("expected error for oversized blockSize")
	}
}

func TestChunkAllocateBumpsThenReusesSweptSpace(t *testing.T) {
	c, err := newChunk(16, MinAddress)
	if err != nil {
		t.Fatal(err)
	}

	a1, ok := c.Allocate()
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	a2, ok := c.Allocate()
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if a1 == a2 {
		t.Fatal("expected distinct addresses")
	}
	if c.BytesAllocated() != 32 {
		t.Fatalf("BytesAllocated() = %d, want 32", c.BytesAllocated())
	}

	c.SetMarked(a1, false)
	c.SetMarked(a2, false)
	empty := c.Sweep()
	if !empty {
		t.Fatal("expected chunk to be empty after sweeping two unmarked blocks")
	}

	a3, ok := c.Allocate()
	if !ok {
		t.Fatal("expected allocation to succeed after sweep freed space")
	}
	if a3 != a1 && a3 != a2 {
		t.Fatalf("expected a3 to reuse a freed address, got %#x", uintptr(a3))
	}
}

func TestChunkAllocateExhaustion(t *testing.T) {
	c, err := newChunk(BlockAlignment, MinAddress)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for {
		if _, ok := c.Allocate(); !ok {
			break
		}
		count++
	}
	if count != DataAreaSize/BlockAlignment {
		t.Fatalf("allocated %d blocks, want %d", count, DataAreaSize/BlockAlignment)
	}
}

func TestChunkSweepKeepsMarkedBlocks(t *testing.T) {
	c, err := newChunk(16, MinAddress)
	if err != nil {
		t.Fatal(err)
	}
	a1, _ := c.Allocate()
	a2, _ := c.Allocate()

	c.SetMarked(a1, true)
	c.SetMarked(a2, false)

	empty := c.Sweep()
	if empty {
		t.Fatal("chunk should not be empty: one block survived")
	}
	if c.BytesAllocated() != 16 {
		t.Fatalf("BytesAllocated() = %d, want 16", c.BytesAllocated())
	}
	if c.IsMarked(a1) {
		t.Fatal("mark bits should be cleared after sweep")
	}
}

func TestChunkPointerBitmap(t *testing.T) {
	c, err := newChunk(16, MinAddress)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Allocate()
	if c.IsPointer(a) {
		t.Fatal("fresh block should not be marked pointer-typed")
	}
	c.SetPointer(a, true)
	if !c.IsPointer(a) {
		t.Fatal("expected pointer bit to be set")
	}
}

func TestChunkBlockContaining(t *testing.T) {
	c, err := newChunk(32, MinAddress)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Allocate()
	mid := a + 7
	if got := c.BlockContaining(mid); got != a {
		t.Fatalf("BlockContaining(mid) = %#x, want %#x", uintptr(got), uintptr(a))
	}
}

func TestChunkValidateCatchesDirtyFreeTail(t *testing.T) {
	c, err := newChunk(16, MinAddress)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Allocate()
	c.SetMarked(a, true)

	if err := c.Validate(func(Address) bool { return true }); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	c.writeWord(c.addressAt(c.freeSpaceStart), 1)
	if err := c.Validate(func(Address) bool { return true }); err == nil {
		t.Fatal("expected validation to catch a dirty free-tail word")
	}
}
