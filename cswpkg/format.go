// Package cswpkg implements the CSWP package file format: a sectioned,
// random-access binary holding a package's functions, types, and
// strings, read with lazy per-entry materialization and written in one
// pass by the Writer.
package cswpkg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the four ASCII bytes every CSWP file begins with.
var Magic = [4]byte{'C', 'S', 'W', 'P'}

const (
	// Version is the only file format version this reader accepts.
	Version byte = 0
	// WordSize is the only stack-word width this reader accepts.
	WordSize byte = 8

	fileHeaderSize    = 8
	sectionHeaderSize = 28

	// functionEntrySize is the encoded size of one FunctionEntry: u32 +
	// u64 + u32 + u64 + u32 + u64 + u32 + u64 + u32 + u16, field widths
	// taken literally from each field's declared type.
	functionEntrySize = 54
	stringEntrySize   = 16
	typeEntrySize     = 1
)

// Section kinds. Unknown kinds are tolerated by the reader and skipped.
const (
	SectionFunction uint32 = 1
	SectionType     uint32 = 2
	SectionString   uint32 = 3
)

var (
	ErrBadMagic         = errors.New("cswpkg: bad magic bytes")
	ErrBadVersion       = errors.New("cswpkg: unsupported version")
	ErrBadWordSize      = errors.New("cswpkg: unsupported word size")
	ErrSectionOverlap   = errors.New("cswpkg: sections overlap or are out of order")
	ErrDuplicateSection = errors.New("cswpkg: duplicate section kind")
	ErrTruncated        = errors.New("cswpkg: file truncated")
)

// FormatError wraps one of the sentinel errors above with the file path
// and enough detail to locate the problem.
type FormatError struct {
	Path    string
	Err     error
	Message string
}

func (e *FormatError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cswpkg: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("cswpkg: %s: %v: %s", e.Path, e.Err, e.Message)
}

func (e *FormatError) Unwrap() error { return e.Err }

// fileHeader is the first 8 bytes of a CSWP file.
type fileHeader struct {
	Magic        [4]byte
	Version      byte
	WordSize     byte
	SectionCount uint16
}

func decodeFileHeader(b []byte) (fileHeader, error) {
	if len(b) < fileHeaderSize {
		return fileHeader{}, ErrTruncated
	}
	var h fileHeader
	copy(h.Magic[:], b[0:4])
	h.Version = b[4]
	h.WordSize = b[5]
	h.SectionCount = binary.LittleEndian.Uint16(b[6:8])
	return h, nil
}

func encodeFileHeader(h fileHeader) []byte {
	b := make([]byte, fileHeaderSize)
	copy(b[0:4], h.Magic[:])
	b[4] = h.Version
	b[5] = h.WordSize
	binary.LittleEndian.PutUint16(b[6:8], h.SectionCount)
	return b
}

// sectionHeader describes one section's location and entry layout.
type sectionHeader struct {
	Kind       uint32
	Offset     uint64
	Size       uint64
	EntryCount uint32
	EntrySize  uint32
}

func decodeSectionHeader(b []byte) sectionHeader {
	return sectionHeader{
		Kind:       binary.LittleEndian.Uint32(b[0:4]),
		Offset:     binary.LittleEndian.Uint64(b[4:12]),
		Size:       binary.LittleEndian.Uint64(b[12:20]),
		EntryCount: binary.LittleEndian.Uint32(b[20:24]),
		EntrySize:  binary.LittleEndian.Uint32(b[24:28]),
	}
}

func encodeSectionHeader(s sectionHeader) []byte {
	b := make([]byte, sectionHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], s.Kind)
	binary.LittleEndian.PutUint64(b[4:12], s.Offset)
	binary.LittleEndian.PutUint64(b[12:20], s.Size)
	binary.LittleEndian.PutUint32(b[20:24], s.EntryCount)
	binary.LittleEndian.PutUint32(b[24:28], s.EntrySize)
	return b
}

// functionEntry is the fixed-size directory record for one function; the
// variable-length type lists, instruction bytes, and safepoint bytes it
// points at live in the section's data area, offsets relative to that
// area's start.
type functionEntry struct {
	NameIndex        uint32
	ParamTypeOffset  uint64
	ParamTypeCount   uint32
	ReturnTypeOffset uint64
	ReturnTypeCount  uint32
	InstOffset       uint64
	InstSize         uint32
	SafepointOffset  uint64
	SafepointCount   uint32
	FrameSize        uint16
}

func decodeFunctionEntry(b []byte) functionEntry {
	return functionEntry{
		NameIndex:        binary.LittleEndian.Uint32(b[0:4]),
		ParamTypeOffset:  binary.LittleEndian.Uint64(b[4:12]),
		ParamTypeCount:   binary.LittleEndian.Uint32(b[12:16]),
		ReturnTypeOffset: binary.LittleEndian.Uint64(b[16:24]),
		ReturnTypeCount:  binary.LittleEndian.Uint32(b[24:28]),
		InstOffset:       binary.LittleEndian.Uint64(b[28:36]),
		InstSize:         binary.LittleEndian.Uint32(b[36:40]),
		SafepointOffset:  binary.LittleEndian.Uint64(b[40:48]),
		SafepointCount:   binary.LittleEndian.Uint32(b[48:52]),
		FrameSize:        binary.LittleEndian.Uint16(b[52:54]),
	}
}

func encodeFunctionEntry(e functionEntry) []byte {
	b := make([]byte, functionEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.NameIndex)
	binary.LittleEndian.PutUint64(b[4:12], e.ParamTypeOffset)
	binary.LittleEndian.PutUint32(b[12:16], e.ParamTypeCount)
	binary.LittleEndian.PutUint64(b[16:24], e.ReturnTypeOffset)
	binary.LittleEndian.PutUint32(b[24:28], e.ReturnTypeCount)
	binary.LittleEndian.PutUint64(b[28:36], e.InstOffset)
	binary.LittleEndian.PutUint32(b[36:40], e.InstSize)
	binary.LittleEndian.PutUint64(b[40:48], e.SafepointOffset)
	binary.LittleEndian.PutUint32(b[48:52], e.SafepointCount)
	binary.LittleEndian.PutUint16(b[52:54], e.FrameSize)
	return b
}

// stringEntry locates one string's bytes within the string section's
// data area.
type stringEntry struct {
	Offset uint64
	Size   uint64
}

func decodeStringEntry(b []byte) stringEntry {
	return stringEntry{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Size:   binary.LittleEndian.Uint64(b[8:16]),
	}
}

func encodeStringEntry(e stringEntry) []byte {
	b := make([]byte, stringEntrySize)
	binary.LittleEndian.PutUint64(b[0:8], e.Offset)
	binary.LittleEndian.PutUint64(b[8:16], e.Size)
	return b
}
