package isa

import "testing"

func TestEveryOpcodeHasAName(t *testing.T) {
	for _, op := range AllOpcodes() {
		if op.String() == "" {
			t.Errorf("opcode %#x has an empty name", byte(op))
		}
	}
}

func TestOpcodeSizes(t *testing.T) {
	cases := []struct {
		op   Opcode
		size int
	}{
		{Nop, 1},
		{Sys, 2},
		{Ret, 1},
		{Call, 5},
		{B, 5},
		{Bif, 5},
		{LoadArg, 3},
		{LoadLocal, 3},
		{StoreArg, 3},
		{StoreLocal, 3},
		{Unit, 1},
		{True, 1},
		{False, 1},
		{Int64, 9},
		{Neg, 1},
		{Add, 1},
		{Lt, 1},
		{Eq, 1},
	}
	for _, c := range cases {
		if got := c.op.Size(); got != c.size {
			t.Errorf("%v.Size() = %d, want %d", c.op, got, c.size)
		}
	}
}

func TestMayAllocate(t *testing.T) {
	if !Call.MayAllocate() {
		t.Error("call should be marked allocating")
	}
	if Nop.MayAllocate() {
		t.Error("nop should not be marked allocating")
	}
}

func TestSysCodeEffectAndAllocation(t *testing.T) {
	if !Println.MayAllocate() {
		t.Error("PRINTLN should be marked allocating")
	}
	if Exit.MayAllocate() {
		t.Error("EXIT should not be marked allocating")
	}
	if !Println.Effect().Polymorphic {
		t.Error("PRINTLN should be polymorphic over unit, bool and int64")
	}
}

func TestTypeSizes(t *testing.T) {
	if UnitType.StackSlotSize() != 0 {
		t.Errorf("unit should occupy 0 stack words, got %d", UnitType.StackSlotSize())
	}
	if Bool.StackSlotSize() != 1 {
		t.Errorf("bool should occupy 1 stack word, got %d", Bool.StackSlotSize())
	}
	if Int64Type.StackSlotSize() != 1 {
		t.Errorf("int64 should occupy 1 stack word, got %d", Int64Type.StackSlotSize())
	}
}
