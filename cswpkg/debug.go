package cswpkg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// sectionDebug is an additive section kind: a reader that doesn't know
// about it skips it, per the loader's "tolerate unknown section kinds"
// rule for anything outside FUNCTION/TYPE/STRING.
const sectionDebug uint32 = 4

var debugEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cswpkg: failed to create CBOR enc mode: %v", err))
	}
	debugEncMode = em
}

// SourceEntry maps one instruction offset in a function to a source
// location.
type SourceEntry struct {
	Offset uint32 `cbor:"offset"`
	Line   uint32 `cbor:"line"`
	File   string `cbor:"file"`
}

// FunctionDebugInfo is the DEBUG section's per-function record.
type FunctionDebugInfo struct {
	FunctionIndex uint32        `cbor:"function_index"`
	Entries       []SourceEntry `cbor:"entries"`
}

type debugSection struct {
	functions []FunctionDebugInfo
}

func (d *debugSection) encode() []byte {
	blob, err := debugEncMode.Marshal(d.functions)
	if err != nil {
		panic(fmt.Sprintf("cswpkg: failed to encode debug section: %v", err))
	}
	return blob
}

func decodeDebugSection(blob []byte) (*debugSection, error) {
	var functions []FunctionDebugInfo
	if err := cbor.Unmarshal(blob, &functions); err != nil {
		return nil, fmt.Errorf("cswpkg: decode debug section: %w", err)
	}
	return &debugSection{functions: functions}, nil
}

// SetDebugInfo attaches a source-line table to the package under
// construction. Calling it is optional; a package written without it
// carries no DEBUG section.
func (w *Writer) SetDebugInfo(functions []FunctionDebugInfo) {
	w.debug = &debugSection{functions: functions}
}

// DebugInfo returns the source-line table for functionIndex, if the
// package carries a DEBUG section covering it.
func (p *Package) DebugInfo(functionIndex uint32) (FunctionDebugInfo, bool) {
	if p.reader.debug == nil {
		return FunctionDebugInfo{}, false
	}
	for _, fd := range p.reader.debug.functions {
		if fd.FunctionIndex == functionIndex {
			return fd, true
		}
	}
	return FunctionDebugInfo{}, false
}

// LineFor resolves offset within functionIndex to a (file, line) pair
// using the package's DEBUG section, if present and if it covers that
// function and offset.
func (p *Package) LineFor(functionIndex uint32, offset int) (file string, line uint32, ok bool) {
	fd, ok := p.DebugInfo(functionIndex)
	if !ok {
		return "", 0, false
	}
	for _, e := range fd.Entries {
		if int(e.Offset) == offset {
			return e.File, e.Line, true
		}
	}
	return "", 0, false
}
