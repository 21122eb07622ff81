package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/codeswitch/heap"
)

func TestLoadParsesHeapGCAndVerifySections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codeswitch.toml")
	contents := `
[heap]
initial_allocation_limit = 2097152

[gc]
grow_factor = 1.5
trace = true

[verify]
full = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Heap.InitialAllocationLimit != 2097152 {
		t.Errorf("InitialAllocationLimit = %d, want 2097152", c.Heap.InitialAllocationLimit)
	}
	if c.GC.GrowFactor != 1.5 {
		t.Errorf("GrowFactor = %v, want 1.5", c.GC.GrowFactor)
	}
	if !c.GC.Trace {
		t.Error("GC.Trace = false, want true")
	}
	if !c.Verify.Full {
		t.Error("Verify.Full = false, want true")
	}
}

func TestLoadRejectsMismatchedChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codeswitch.toml")
	contents := `
[heap]
chunk_size_bytes = 4096
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a mismatched chunk_size_bytes")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestHeapOptionsRespectsTrace(t *testing.T) {
	c := Default()
	c.GC.Trace = false
	opts := c.HeapOptions(fakeSink{})
	if opts.Sink != nil {
		t.Error("HeapOptions attached a sink even though gc.trace is false")
	}

	c.GC.Trace = true
	opts = c.HeapOptions(fakeSink{})
	if opts.Sink == nil {
		t.Error("HeapOptions dropped the sink even though gc.trace is true")
	}
}

type fakeSink struct{}

func (fakeSink) GCCycle(heap.GCStats)       {}
func (fakeSink) ChunkCreated(int, int)      {}
func (fakeSink) AllocationFailed(int, bool) {}
