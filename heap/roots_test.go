package heap

import "testing"

func TestNewRootsAllocatesThreeDistinctBlocks(t *testing.T) {
	h := New(Options{})
	r, err := NewRoots(h)
	if err != nil {
		t.Fatal(err)
	}

	if r.Unit == r.Bool || r.Bool == r.Int64 || r.Unit == r.Int64 {
		t.Fatal("expected three distinct canonical type addresses")
	}
	if kind, err := r.Kind(h, r.Unit); err != nil || kind != KindUnit {
		t.Fatalf("Unit block should report KindUnit, got %v, err %v", kind, err)
	}
	if kind, err := r.Kind(h, r.Bool); err != nil || kind != KindBool {
		t.Fatalf("Bool block should report KindBool, got %v, err %v", kind, err)
	}
	if kind, err := r.Kind(h, r.Int64); err != nil || kind != KindInt64 {
		t.Fatalf("Int64 block should report KindInt64, got %v, err %v", kind, err)
	}
}

// TestReadWordAtRejectsOutOfBoundOffset exercises the bounds check a real
// multi-word object layout would rely on: reading past a block's single
// word must fail with a *BoundsCheckError, not silently read into the
// next block.
func TestReadWordAtRejectsOutOfBoundOffset(t *testing.T) {
	h := New(Options{})
	r, err := NewRoots(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ReadWordAt(r.Unit, WordSize); err == nil {
		t.Fatal("expected a bounds check error reading past the end of a one-word block")
	} else if _, ok := err.(*BoundsCheckError); !ok {
		t.Fatalf("expected *BoundsCheckError, got %T: %v", err, err)
	}
}

func TestRootsSurviveCollection(t *testing.T) {
	h := New(Options{})
	r, err := NewRoots(h)
	if err != nil {
		t.Fatal(err)
	}

	before := h.BytesAllocated()
	h.CollectGarbage()
	if h.BytesAllocated() != before {
		t.Fatalf("canonical type blocks should never be collected: before=%d after=%d", before, h.BytesAllocated())
	}
	_ = r.ByKind(KindBool)
}

func TestTypeKindSizes(t *testing.T) {
	cases := []struct {
		kind          TypeKind
		size          int
		stackSlotSize int
	}{
		{KindUnit, 0, 0},
		{KindBool, 1, 1},
		{KindInt64, 8, 1},
	}
	for _, c := range cases {
		if got := c.kind.Size(); got != c.size {
			t.Errorf("%v.Size() = %d, want %d", c.kind, got, c.size)
		}
		if got := c.kind.StackSlotSize(); got != c.stackSlotSize {
			t.Errorf("%v.StackSlotSize() = %d, want %d", c.kind, got, c.stackSlotSize)
		}
	}
}

func TestGCLockHeldDuringBootstrap(t *testing.T) {
	h := New(Options{})
	var sawLockedDuringAllocate bool
	orig := h.phase
	_ = orig

	h.SetSink(&fakeSink{
		chunkCreated: func(int, int) {
			if h.phase != gcLocked {
				t.Error("expected GC lock to be held while bootstrap allocates chunks")
			}
			sawLockedDuringAllocate = true
		},
	})

	if _, err := NewRoots(h); err != nil {
		t.Fatal(err)
	}
	if !sawLockedDuringAllocate {
		t.Fatal("expected at least one chunk to be created during bootstrap")
	}
	if h.phase != gcNone {
		t.Fatal("expected GC lock to be released after NewRoots returns")
	}
}
