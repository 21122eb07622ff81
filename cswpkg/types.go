package cswpkg

import (
	"encoding/binary"

	"github.com/chazu/codeswitch/isa"
)

// bytesPerEntry returns the padded width of one safepoint entry's
// pointer-bit region for a function whose frame size is frameSize
// words: ceil(frameSize/8) bytes, rounded up to a 4-byte multiple.
func bytesPerEntry(frameSize int) int {
	bits := (frameSize + 7) / 8
	return (bits + 3) / 4 * 4
}

// Safepoint is one program point at which the collector may observe the
// interpreter's stack, together with the bitmap of which of the
// function's frameSize stack slots (from the base of the frame) hold a
// managed reference at that point.
type Safepoint struct {
	Offset int
	Bits   []byte
}

// SafepointTable is a function's sorted-by-offset safepoint list.
type SafepointTable struct {
	FrameSize int
	Entries   []Safepoint
}

// Lookup returns the safepoint recorded at exactly offset, and whether
// one exists. Entries are sorted, so this is a binary search.
func (t *SafepointTable) Lookup(offset int) (Safepoint, bool) {
	begin, end := 0, len(t.Entries)
	for begin < end {
		mid := begin + (end-begin)/2
		e := t.Entries[mid]
		switch {
		case e.Offset == offset:
			return e, true
		case e.Offset < offset:
			begin = mid + 1
		default:
			end = mid
		}
	}
	return Safepoint{}, false
}

// Encode serializes the table to the section's on-disk safepoint blob:
// entries concatenated in order, each a 4-byte offset followed by
// bytesPerEntry(FrameSize) bitmap bytes.
func (t *SafepointTable) Encode() []byte {
	width := bytesPerEntry(t.FrameSize)
	out := make([]byte, 0, len(t.Entries)*(4+width))
	for _, e := range t.Entries {
		var off [4]byte
		binary.LittleEndian.PutUint32(off[:], uint32(e.Offset))
		out = append(out, off[:]...)
		bits := make([]byte, width)
		copy(bits, e.Bits)
		out = append(out, bits...)
	}
	return out
}

// DecodeSafepointTable parses a safepoint blob for a function whose
// frame size is frameSize words. Each entry's Bits holds ceil(frameSize/8)
// bytes; the on-disk padding to a 4-byte multiple is dropped.
func DecodeSafepointTable(blob []byte, frameSize int, count int) (*SafepointTable, error) {
	width := bytesPerEntry(frameSize)
	entrySize := 4 + width
	if len(blob) < entrySize*count {
		return nil, ErrTruncated
	}
	t := &SafepointTable{FrameSize: frameSize, Entries: make([]Safepoint, count)}
	for i := 0; i < count; i++ {
		start := i * entrySize
		off := binary.LittleEndian.Uint32(blob[start : start+4])
		bits := make([]byte, (frameSize+7)/8)
		copy(bits, blob[start+4:start+entrySize])
		t.Entries[i] = Safepoint{Offset: int(off), Bits: bits}
	}
	return t, nil
}

// Function is one loaded function: its signature, instruction bytes,
// and precomputed safepoint table. Both type lists are read-only after
// construction.
type Function struct {
	Name        string
	ParamTypes  []isa.Type
	ReturnTypes []isa.Type
	Code        []byte
	Safepoints  *SafepointTable
	FrameSize   int
}

// ParamWordCount returns the number of stack words the function's
// parameters occupy in total.
func (f *Function) ParamWordCount() int {
	n := 0
	for _, t := range f.ParamTypes {
		n += t.StackSlotSize()
	}
	return n
}

// ReturnWordCount returns the number of stack words the function's
// return values occupy in total.
func (f *Function) ReturnWordCount() int {
	n := 0
	for _, t := range f.ReturnTypes {
		n += t.StackSlotSize()
	}
	return n
}
