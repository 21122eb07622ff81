package cswpkg

import (
	"os"

	"github.com/chazu/codeswitch/isa"
)

// FunctionDef is the input to Writer.AddFunction: everything needed to
// serialize one function, before string and type deduplication. A nil
// Safepoints is written as an empty table with frame size 0.
type FunctionDef struct {
	Name        string
	ParamTypes  []isa.Type
	ReturnTypes []isa.Type
	Code        []byte
	Safepoints  *SafepointTable
}

// Writer accumulates functions and serializes them into a single CSWP
// byte stream in one pass, deduplicating strings as they're added.
type Writer struct {
	functions []FunctionDef

	stringIndex map[string]uint32
	strings     []string

	debug *debugSection
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{stringIndex: make(map[string]uint32)}
}

// AddFunction appends def to the package under construction and returns
// its assigned index.
func (w *Writer) AddFunction(def FunctionDef) int {
	w.internString(def.Name)
	w.functions = append(w.functions, def)
	return len(w.functions) - 1
}

func (w *Writer) internString(s string) uint32 {
	if idx, ok := w.stringIndex[s]; ok {
		return idx
	}
	idx := uint32(len(w.strings))
	w.strings = append(w.strings, s)
	w.stringIndex[s] = idx
	return idx
}

// Write serializes the accumulated functions, types, and strings into
// the fixed section order FUNCTION, TYPE, STRING (plus an optional
// trailing DEBUG section) and returns the resulting bytes.
func (w *Writer) Write() []byte {
	var typeData []byte
	funcEntries := make([]functionEntry, len(w.functions))
	var fnData []byte

	for i, def := range w.functions {
		paramOff := uint64(len(typeData))
		for _, t := range def.ParamTypes {
			typeData = append(typeData, byte(t))
		}
		returnOff := uint64(len(typeData))
		for _, t := range def.ReturnTypes {
			typeData = append(typeData, byte(t))
		}

		instOff := uint64(len(fnData))
		fnData = append(fnData, def.Code...)

		sp := def.Safepoints
		if sp == nil {
			sp = &SafepointTable{}
		}
		spBlob := sp.Encode()
		spOff := uint64(len(fnData))
		fnData = append(fnData, spBlob...)

		funcEntries[i] = functionEntry{
			NameIndex:        w.stringIndex[def.Name],
			ParamTypeOffset:  paramOff,
			ParamTypeCount:   uint32(len(def.ParamTypes)),
			ReturnTypeOffset: returnOff,
			ReturnTypeCount:  uint32(len(def.ReturnTypes)),
			InstOffset:       instOff,
			InstSize:         uint32(len(def.Code)),
			SafepointOffset:  spOff,
			SafepointCount:   uint32(len(sp.Entries)),
			FrameSize:        uint16(sp.FrameSize),
		}
	}

	var stringData []byte
	stringEntries := make([]stringEntry, len(w.strings))
	for i, s := range w.strings {
		stringEntries[i] = stringEntry{Offset: uint64(len(stringData)), Size: uint64(len(s))}
		stringData = append(stringData, s...)
	}

	sections := []struct {
		kind      uint32
		entrySize int
		entries   [][]byte
		data      []byte
	}{
		{SectionFunction, functionEntrySize, encodeAll(funcEntries, encodeFunctionEntry), fnData},
		{SectionType, typeEntrySize, nil, typeData},
		{SectionString, stringEntrySize, encodeAll(stringEntries, encodeStringEntry), stringData},
	}

	sectionCount := len(sections)
	if w.debug != nil {
		sectionCount++
	}

	offset := uint64(fileHeaderSize + sectionCount*sectionHeaderSize)
	headers := make([]sectionHeader, 0, sectionCount)
	var body []byte

	for _, s := range sections {
		entryBytes := 0
		for _, e := range s.entries {
			entryBytes += len(e)
		}
		size := uint64(entryBytes) + uint64(len(s.data))
		headers = append(headers, sectionHeader{
			Kind:       s.kind,
			Offset:     offset,
			Size:       size,
			EntryCount: uint32(len(s.entries)),
			EntrySize:  uint32(s.entrySize),
		})
		for _, e := range s.entries {
			body = append(body, e...)
		}
		body = append(body, s.data...)
		offset += size
	}

	if w.debug != nil {
		blob := w.debug.encode()
		headers = append(headers, sectionHeader{
			Kind:       sectionDebug,
			Offset:     offset,
			Size:       uint64(len(blob)),
			EntryCount: 0,
			EntrySize:  0,
		})
		body = append(body, blob...)
	}

	out := encodeFileHeader(fileHeader{Magic: Magic, Version: Version, WordSize: WordSize, SectionCount: uint16(sectionCount)})
	for _, h := range headers {
		out = append(out, encodeSectionHeader(h)...)
	}
	out = append(out, body...)
	return out
}

// WriteFile serializes and writes the package to path.
func (w *Writer) WriteFile(path string) error {
	return os.WriteFile(path, w.Write(), 0o644)
}

func encodeAll[T any](items []T, encode func(T) []byte) [][]byte {
	out := make([][]byte, len(items))
	for i, item := range items {
		out[i] = encode(item)
	}
	return out
}
