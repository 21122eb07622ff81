package cswpkg

import (
	"fmt"
	"os"

	"github.com/chazu/codeswitch/isa"
)

// Reader holds a CSWP file's bytes and its parsed section table. Opening
// a file validates the header and section layout but does not parse any
// entry; entries are decoded lazily through the Package it returns.
type Reader struct {
	path     string
	data     []byte
	sections map[uint32]sectionHeader
	debug    *debugSection
}

// Open reads path fully into memory (a portable stand-in for a memory
// map) and validates its header and section table.
func Open(path string) (*Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenBytes(path, data)
}

// OpenBytes parses data as a CSWP file already resident in memory. path
// is used only to annotate errors.
func OpenBytes(path string, data []byte) (*Package, error) {
	r := &Reader{path: path, data: data, sections: make(map[uint32]sectionHeader)}
	if err := r.parseHeader(); err != nil {
		return nil, &FormatError{Path: path, Err: err}
	}
	if _, ok := r.sections[sectionDebug]; ok {
		ds, err := decodeDebugSection(r.sectionDataArea(sectionDebug))
		if err != nil {
			return nil, &FormatError{Path: path, Err: err}
		}
		r.debug = ds
	}

	fnCount := 0
	if s, ok := r.sections[SectionFunction]; ok {
		fnCount = int(s.EntryCount)
	}

	p := &Package{
		reader:    r,
		functions: make([]*Function, fnCount),
		strings:   make(map[int]string),
	}
	return p, nil
}

func (r *Reader) parseHeader() error {
	hdr, err := decodeFileHeader(r.data)
	if err != nil {
		return err
	}
	if hdr.Magic != Magic {
		return ErrBadMagic
	}
	if hdr.Version != Version {
		return ErrBadVersion
	}
	if hdr.WordSize != WordSize {
		return ErrBadWordSize
	}

	headerEnd := fileHeaderSize + int(hdr.SectionCount)*sectionHeaderSize
	if headerEnd > len(r.data) {
		return ErrTruncated
	}

	type span struct {
		start, end uint64
		kind       uint32
	}
	var spans []span

	for i := 0; i < int(hdr.SectionCount); i++ {
		start := fileHeaderSize + i*sectionHeaderSize
		sh := decodeSectionHeader(r.data[start : start+sectionHeaderSize])

		end := sh.Offset + sh.Size
		if end < sh.Offset || end > uint64(len(r.data)) {
			return ErrTruncated
		}

		switch sh.Kind {
		case SectionFunction, SectionType, SectionString, sectionDebug:
			if _, dup := r.sections[sh.Kind]; dup {
				return ErrDuplicateSection
			}
			if want := expectedEntrySize(sh.Kind); want >= 0 && int(sh.EntrySize) != want {
				return fmt.Errorf("cswpkg: section kind %d has entrySize %d, want %d", sh.Kind, sh.EntrySize, want)
			}
			r.sections[sh.Kind] = sh
			spans = append(spans, span{sh.Offset, end, sh.Kind})
		default:
			// Unknown section kinds are tolerated and skipped.
		}
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.start < b.end && b.start < a.end {
				return ErrSectionOverlap
			}
		}
	}

	return nil
}

// expectedEntrySize returns the required SectionHeader.EntrySize for a
// known section kind, or -1 if the kind has no fixed entry width (the
// DEBUG section is a single opaque blob).
func expectedEntrySize(kind uint32) int {
	switch kind {
	case SectionFunction:
		return functionEntrySize
	case SectionType:
		return typeEntrySize
	case SectionString:
		return stringEntrySize
	default:
		return -1
	}
}

func (r *Reader) sectionEntry(kind uint32, index int, entrySize int) ([]byte, error) {
	s, ok := r.sections[kind]
	if !ok || index < 0 || index >= int(s.EntryCount) {
		return nil, fmt.Errorf("cswpkg: entry %d not present in section kind %d", index, kind)
	}
	entriesStart := int(s.Offset)
	start := entriesStart + index*entrySize
	return r.data[start : start+entrySize], nil
}

func (r *Reader) sectionDataArea(kind uint32) []byte {
	s := r.sections[kind]
	dataStart := int(s.Offset) + int(s.EntryCount)*int(s.EntrySize)
	dataEnd := int(s.Offset + s.Size)
	return r.data[dataStart:dataEnd]
}

func (r *Reader) materializeString(i int) (string, error) {
	entryBytes, err := r.sectionEntry(SectionString, i, stringEntrySize)
	if err != nil {
		return "", err
	}
	e := decodeStringEntry(entryBytes)
	area := r.sectionDataArea(SectionString)
	if e.Offset+e.Size > uint64(len(area)) {
		return "", ErrTruncated
	}
	return string(area[e.Offset : e.Offset+e.Size]), nil
}

func (r *Reader) decodeTypeList(offset uint64, count uint32) ([]isa.Type, error) {
	if count == 0 {
		return nil, nil
	}
	area := r.sectionDataArea(SectionType)
	end := offset + uint64(count)
	if end > uint64(len(area)) {
		return nil, ErrTruncated
	}
	types := make([]isa.Type, count)
	for i := range types {
		types[i] = isa.Type(area[offset+uint64(i)])
	}
	return types, nil
}

func (r *Reader) materializeFunction(index int) (*Function, error) {
	entryBytes, err := r.sectionEntry(SectionFunction, index, functionEntrySize)
	if err != nil {
		return nil, err
	}
	e := decodeFunctionEntry(entryBytes)

	name, err := r.materializeString(int(e.NameIndex))
	if err != nil {
		return nil, err
	}

	paramTypes, err := r.decodeTypeList(e.ParamTypeOffset, e.ParamTypeCount)
	if err != nil {
		return nil, err
	}
	returnTypes, err := r.decodeTypeList(e.ReturnTypeOffset, e.ReturnTypeCount)
	if err != nil {
		return nil, err
	}

	fnArea := r.sectionDataArea(SectionFunction)
	if e.InstOffset+uint64(e.InstSize) > uint64(len(fnArea)) {
		return nil, ErrTruncated
	}
	code := make([]byte, e.InstSize)
	copy(code, fnArea[e.InstOffset:e.InstOffset+uint64(e.InstSize)])

	spWidth := bytesPerEntry(int(e.FrameSize))
	spBlobSize := uint64(int(e.SafepointCount) * (4 + spWidth))
	if e.SafepointOffset+spBlobSize > uint64(len(fnArea)) {
		return nil, ErrTruncated
	}
	spBlob := fnArea[e.SafepointOffset : e.SafepointOffset+spBlobSize]
	safepoints, err := DecodeSafepointTable(spBlob, int(e.FrameSize), int(e.SafepointCount))
	if err != nil {
		return nil, err
	}

	return &Function{
		Name:        name,
		ParamTypes:  paramTypes,
		ReturnTypes: returnTypes,
		Code:        code,
		Safepoints:  safepoints,
		FrameSize:   int(e.FrameSize),
	}, nil
}
