// Package config loads codeswitch.toml, the runtime configuration for
// an embedding host's heap and verifier knobs. The package file format
// itself (what cswpkg reads and writes) is not configurable; this only
// tunes how a process that embeds the heap and interpreter behaves.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chazu/codeswitch/heap"
)

// Config is the parsed contents of a codeswitch.toml file.
type Config struct {
	Heap   HeapConfig   `toml:"heap"`
	GC     GCConfig     `toml:"gc"`
	Verify VerifyConfig `toml:"verify"`
}

// HeapConfig configures the size-segregated heap. ChunkSizeBytes and
// MaxBlockSizeBytes are not tunable knobs, they're an assertion: Load
// rejects a file whose values disagree with the compiled-in
// heap.ChunkSize/heap.MaxBlockSize, since those constants are baked
// into the on-disk chunk layout and cannot vary per process.
type HeapConfig struct {
	ChunkSizeBytes         int `toml:"chunk_size_bytes"`
	InitialAllocationLimit int `toml:"initial_allocation_limit"`
	MaxBlockSizeBytes      int `toml:"max_block_size"`
}

// GCConfig configures collection behavior.
type GCConfig struct {
	GrowFactor float64 `toml:"grow_factor"`
	// Trace, when true, wires a diag.Sink into the heap so GC cycles,
	// chunk creation, and allocation failures are logged. config does
	// not construct the sink itself (that would make config depend on
	// diag's commonlog dependency for every caller); the embedder reads
	// Trace and decides.
	Trace bool `toml:"trace"`
}

// VerifyConfig configures how packages are verified before running.
type VerifyConfig struct {
	// Full enables interp.Options.FullValidation: every function's
	// safepoint table is re-derived and compared byte-for-byte against
	// the one stored in the package file.
	Full bool `toml:"full"`
}

// Default returns the configuration used when no codeswitch.toml is
// present: heap.Options' own defaults, gc.grow_factor unset (2.0),
// full validation off.
func Default() *Config {
	return &Config{
		Heap: HeapConfig{ChunkSizeBytes: heap.ChunkSize, MaxBlockSizeBytes: heap.MaxBlockSize},
	}
}

// Load parses a codeswitch.toml file at path. It fails if the file
// declares heap.chunk_size_bytes or heap.max_block_size values that
// disagree with the compiled-in constants.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	c := *Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse error in %s: %w", path, err)
	}
	if c.Heap.ChunkSizeBytes != 0 && c.Heap.ChunkSizeBytes != heap.ChunkSize {
		return nil, fmt.Errorf("config: %s: heap.chunk_size_bytes = %d, but this build's chunk size is fixed at %d",
			path, c.Heap.ChunkSizeBytes, heap.ChunkSize)
	}
	if c.Heap.MaxBlockSizeBytes != 0 && c.Heap.MaxBlockSizeBytes != heap.MaxBlockSize {
		return nil, fmt.Errorf("config: %s: heap.max_block_size = %d, but this build's max block size is fixed at %d",
			path, c.Heap.MaxBlockSizeBytes, heap.MaxBlockSize)
	}
	return &c, nil
}

// HeapOptions translates the [heap]/[gc] sections into heap.Options,
// attaching sink as the heap's diagnostics sink. Pass nil for sink, or
// when gc.trace is false, to disable diagnostics regardless of sink.
func (c *Config) HeapOptions(sink heap.Sink) heap.Options {
	if !c.GC.Trace {
		sink = nil
	}
	return heap.Options{
		InitialAllocationLimit: c.Heap.InitialAllocationLimit,
		GrowFactor:             c.GC.GrowFactor,
		Sink:                   sink,
	}
}

// VerifyConfig's Full field is consumed by callers as
// interp.Options{FullValidation: cfg.Verify.Full}; config does not
// import interp itself, keeping this package a leaf.
