package cswpkg

import (
	"reflect"
	"testing"
)

func TestSafepointTableEncodeDecode(t *testing.T) {
	table := &SafepointTable{
		FrameSize: 3,
		Entries: []Safepoint{
			{Offset: 5, Bits: []byte{0}},
			{Offset: 12, Bits: []byte{0}},
		},
	}
	blob := table.Encode()
	got, err := DecodeSafepointTable(blob, table.FrameSize, len(table.Entries))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Entries, table.Entries) {
		t.Fatalf("got %+v, want %+v", got.Entries, table.Entries)
	}
}

func TestSafepointTableLookup(t *testing.T) {
	table := &SafepointTable{
		FrameSize: 1,
		Entries: []Safepoint{
			{Offset: 1, Bits: []byte{0}},
			{Offset: 8, Bits: []byte{0}},
			{Offset: 20, Bits: []byte{0}},
		},
	}
	for _, off := range []int{1, 8, 20} {
		if _, ok := table.Lookup(off); !ok {
			t.Errorf("expected to find a safepoint at offset %d", off)
		}
	}
	if _, ok := table.Lookup(9); ok {
		t.Error("did not expect a safepoint at offset 9")
	}
}

func TestBytesPerEntryRounding(t *testing.T) {
	cases := []struct {
		frameSize int
		want      int
	}{
		{0, 0},
		{1, 4},
		{8, 4},
		{9, 4},
		{32, 4},
		{33, 8},
	}
	for _, c := range cases {
		if got := bytesPerEntry(c.frameSize); got != c.want {
			t.Errorf("bytesPerEntry(%d) = %d, want %d", c.frameSize, got, c.want)
		}
	}
}
