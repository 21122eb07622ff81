package heap

import "testing"

func TestHeapAllocateZeroSize(t *testing.T) {
	h := New(Options{})
	addr, err := h.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	if addr != ZeroAllocAddress {
		t.Fatalf("Allocate(0) = %#x, want ZeroAllocAddress", uintptr(addr))
	}
}

func TestHeapAllocateRejectsOversize(t *testing.T) {
	h := New(Options{})
	_, err := h.Allocate(MaxBlockSize + BlockAlignment)
	if err == nil {
		t.Fatal("expected an error for an oversized allocation")
	}
	allocErr, ok := err.(*AllocationError)
	if !ok {
		t.Fatalf("expected *AllocationError, got %T", err)
	}
	if allocErr.ShouldRetryAfterGC {
		t.Fatal("an oversized request should never be marked retryable")
	}
}

func TestHeapAllocateRoundsToAlignment(t *testing.T) {
	h := New(Options{})
	a1, err := h.Allocate(3)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := h.Allocate(3)
	if err != nil {
		t.Fatal(err)
	}
	if a2-a1 != BlockAlignment {
		t.Fatalf("expected rounded allocations to be BlockAlignment apart, got delta %d", a2-a1)
	}
}

func TestHeapWriteBarrierAndReadback(t *testing.T) {
	h := New(Options{})
	a, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}

	h.StorePointer(a, b)
	if !h.IsPointer(a) {
		t.Fatal("expected StorePointer to mark the slot pointer-typed")
	}
	if got := h.LoadPointer(a); got != b {
		t.Fatalf("LoadPointer(a) = %#x, want %#x", uintptr(got), uintptr(b))
	}
}

func TestHeapRecordWritePanicsOffHeap(t *testing.T) {
	h := New(Options{})
	defer func() {
		if recover() == nil {
			t.Fatal("expected RecordWrite to panic for an address not on the heap")
		}
	}()
	h.RecordWrite(Address(1), Address(2))
}

func TestHeapCollectGarbageReclaimsUnreachable(t *testing.T) {
	h := New(Options{})
	root, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	garbage, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	_ = garbage

	h.RegisterRootAcceptor(func(visit func(Address)) {
		visit(root)
	})

	before := h.BytesAllocated()
	h.CollectGarbage()
	after := h.BytesAllocated()

	if after >= before {
		t.Fatalf("expected BytesAllocated to shrink after collecting unreachable garbage: before=%d after=%d", before, after)
	}
	if after != WordSize {
		t.Fatalf("expected only the rooted block to survive, BytesAllocated=%d", after)
	}
}

func TestHeapCollectGarbageTracesThroughPointers(t *testing.T) {
	h := New(Options{})
	tail, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	head, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	h.StorePointer(head, tail)

	h.RegisterRootAcceptor(func(visit func(Address)) {
		visit(head)
	})

	h.CollectGarbage()
	if h.BytesAllocated() != 2*WordSize {
		t.Fatalf("expected both head and tail to survive via the stored pointer, BytesAllocated=%d", h.BytesAllocated())
	}
}

func TestHeapGCLockSuppressesCollection(t *testing.T) {
	h := New(Options{})
	_, err := h.Allocate(WordSize)
	if err != nil {
		t.Fatal(err)
	}
	h.SetGCLock(true)
	before := h.BytesAllocated()
	h.CollectGarbage()
	if h.BytesAllocated() != before {
		t.Fatal("CollectGarbage should be a no-op while the GC lock is held")
	}
}

func TestHeapChunkCountGrowsAcrossSizeClasses(t *testing.T) {
	h := New(Options{})
	if _, err := h.Allocate(WordSize); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Allocate(2 * WordSize); err != nil {
		t.Fatal(err)
	}
	if h.ChunkCount() != 2 {
		t.Fatalf("ChunkCount() = %d, want 2 distinct size-class chunks", h.ChunkCount())
	}
}

func TestHeapDiagSink(t *testing.T) {
	var created, cycles int
	sink := &fakeSink{
		chunkCreated: func(int, int) { created++ },
		gcCycle:      func(GCStats) { cycles++ },
	}
	h := New(Options{Sink: sink})
	if _, err := h.Allocate(WordSize); err != nil {
		t.Fatal(err)
	}
	h.CollectGarbage()

	if created == 0 {
		t.Fatal("expected ChunkCreated to fire")
	}
	if cycles == 0 {
		t.Fatal("expected GCCycle to fire")
	}
}

type fakeSink struct {
	chunkCreated func(blockSize, chunkCount int)
	gcCycle      func(GCStats)
}

func (f *fakeSink) GCCycle(stats GCStats) {
	if f.gcCycle != nil {
		f.gcCycle(stats)
	}
}

func (f *fakeSink) ChunkCreated(blockSize, chunkCount int) {
	if f.chunkCreated != nil {
		f.chunkCreated(blockSize, chunkCount)
	}
}

func (f *fakeSink) AllocationFailed(size int, shouldRetry bool) {}
