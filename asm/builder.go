// Package asm provides a programmatic assembler for CodeSwitch bytecode:
// a per-function instruction builder with forward-referencable labels and
// branch fixups, and a package builder that ties functions together by
// index (including mutual recursion via two-phase declare/define) and
// hands the result to the verifier and the package writer.
//
// This is the layer tools reach for instead of hand-encoding isa.Instruction
// values and byte offsets: tests build small functions with it, and it is
// the natural target for anything that generates CodeSwitch bytecode from a
// higher-level source.
package asm

import (
	"fmt"

	"github.com/chazu/codeswitch/isa"
)

// Label names a not-yet-known instruction offset within a function body.
// It may be referenced by B or Bif before it is bound; Finish resolves
// every reference once every label used has been bound.
type Label struct {
	id int
}

type fixup struct {
	// instrOffset is the offset of the branch instruction itself, since
	// isa.B/isa.Bif's I32 operand is relative to the branch instruction's
	// own offset, not the offset immediately following it.
	instrOffset int
}

type labelState struct {
	bound  bool
	target int
	fixups []fixup
}

// Builder assembles one function's instruction stream.
type Builder struct {
	code   []byte
	labels []*labelState
}

// NewBuilder returns an empty function body builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// NewLabel allocates an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, &labelState{})
	return Label{id: len(b.labels) - 1}
}

// Bind marks the current end of the instruction stream as l's target.
// A label may be bound exactly once.
func (b *Builder) Bind(l Label) {
	st := b.labels[l.id]
	if st.bound {
		panic(fmt.Sprintf("asm: label %d bound twice", l.id))
	}
	st.bound = true
	st.target = len(b.code)
}

// Offset returns the current length of the instruction stream, which is
// the offset of the next emitted instruction. Labels are bound only
// through Bind.
func (b *Builder) Offset() int {
	return len(b.code)
}

func (b *Builder) emit(inst isa.Instruction) int {
	offset := len(b.code)
	b.code = isa.Encode(b.code, inst)
	return offset
}

func (b *Builder) branch(op isa.Opcode, l Label) {
	offset := b.emit(isa.Instruction{Opcode: op, I32: 0})
	st := b.labels[l.id]
	if st.bound {
		patchI32(b.code, offset, int32(st.target-offset))
		return
	}
	st.fixups = append(st.fixups, fixup{instrOffset: offset})
}

func patchI32(code []byte, instrOffset int, delta int32) {
	// The opcode byte occupies instrOffset; the I32 operand follows it.
	at := instrOffset + 1
	code[at+0] = byte(delta)
	code[at+1] = byte(delta >> 8)
	code[at+2] = byte(delta >> 16)
	code[at+3] = byte(delta >> 24)
}

// Nop emits a no-op.
func (b *Builder) Nop() { b.emit(isa.Instruction{Opcode: isa.Nop}) }

// Sys emits a sys instruction with the given sub-code.
func (b *Builder) Sys(code isa.SysCode) { b.emit(isa.Instruction{Opcode: isa.Sys, U8: byte(code)}) }

// Println emits sys println.
func (b *Builder) Println() { b.Sys(isa.Println) }

// Exit emits sys exit.
func (b *Builder) Exit() { b.Sys(isa.Exit) }

// Ret emits a return.
func (b *Builder) Ret() { b.emit(isa.Instruction{Opcode: isa.Ret}) }

// Call emits a call to the function at index.
func (b *Builder) Call(index FuncIndex) {
	b.emit(isa.Instruction{Opcode: isa.Call, U32: uint32(index)})
}

// B emits an unconditional branch to l.
func (b *Builder) B(l Label) { b.branch(isa.B, l) }

// Bif emits a conditional branch to l, popping a bool.
func (b *Builder) Bif(l Label) { b.branch(isa.Bif, l) }

// LoadArg pushes the value of parameter idx.
func (b *Builder) LoadArg(idx uint16) { b.emit(isa.Instruction{Opcode: isa.LoadArg, U16: idx}) }

// LoadLocal pushes the value of local idx.
func (b *Builder) LoadLocal(idx uint16) { b.emit(isa.Instruction{Opcode: isa.LoadLocal, U16: idx}) }

// StoreArg pops the top of stack into parameter idx.
func (b *Builder) StoreArg(idx uint16) { b.emit(isa.Instruction{Opcode: isa.StoreArg, U16: idx}) }

// StoreLocal pops the top of stack into local idx.
func (b *Builder) StoreLocal(idx uint16) { b.emit(isa.Instruction{Opcode: isa.StoreLocal, U16: idx}) }

// Unit pushes the unit value.
func (b *Builder) Unit() { b.emit(isa.Instruction{Opcode: isa.Unit}) }

// True pushes the boolean true.
func (b *Builder) True() { b.emit(isa.Instruction{Opcode: isa.True}) }

// False pushes the boolean false.
func (b *Builder) False() { b.emit(isa.Instruction{Opcode: isa.False}) }

// Int64 pushes an int64 literal.
func (b *Builder) Int64(v int64) { b.emit(isa.Instruction{Opcode: isa.Int64, I64: v}) }

// Neg negates the top of stack.
func (b *Builder) Neg() { b.emit(isa.Instruction{Opcode: isa.Neg}) }

// Not inverts the top of stack (bool) or complements it (int64).
func (b *Builder) Not() { b.emit(isa.Instruction{Opcode: isa.Not}) }

// Add, Sub, Mul, Div, Mod, Shl, Shr, and Asr emit the binary arithmetic
// opcode of the same name.
func (b *Builder) Add() { b.emit(isa.Instruction{Opcode: isa.Add}) }
func (b *Builder) Sub() { b.emit(isa.Instruction{Opcode: isa.Sub}) }
func (b *Builder) Mul() { b.emit(isa.Instruction{Opcode: isa.Mul}) }
func (b *Builder) Div() { b.emit(isa.Instruction{Opcode: isa.Div}) }
func (b *Builder) Mod() { b.emit(isa.Instruction{Opcode: isa.Mod}) }
func (b *Builder) Shl() { b.emit(isa.Instruction{Opcode: isa.Shl}) }
func (b *Builder) Shr() { b.emit(isa.Instruction{Opcode: isa.Shr}) }
func (b *Builder) Asr() { b.emit(isa.Instruction{Opcode: isa.Asr}) }

// And, Or, and Xor emit the bitwise/logical opcode of the same name.
func (b *Builder) And() { b.emit(isa.Instruction{Opcode: isa.And}) }
func (b *Builder) Or()  { b.emit(isa.Instruction{Opcode: isa.Or}) }
func (b *Builder) Xor() { b.emit(isa.Instruction{Opcode: isa.Xor}) }

// Lt, Le, Gt, and Ge emit the int64 comparison opcode of the same name.
func (b *Builder) Lt() { b.emit(isa.Instruction{Opcode: isa.Lt}) }
func (b *Builder) Le() { b.emit(isa.Instruction{Opcode: isa.Le}) }
func (b *Builder) Gt() { b.emit(isa.Instruction{Opcode: isa.Gt}) }
func (b *Builder) Ge() { b.emit(isa.Instruction{Opcode: isa.Ge}) }

// Eq and Ne emit the polymorphic equality opcode of the same name.
func (b *Builder) Eq() { b.emit(isa.Instruction{Opcode: isa.Eq}) }
func (b *Builder) Ne() { b.emit(isa.Instruction{Opcode: isa.Ne}) }

// Finish resolves every branch fixup against its label's bound target and
// returns the finished instruction stream. It fails if any label used by
// B or Bif was never bound.
func (b *Builder) Finish() ([]byte, error) {
	for id, st := range b.labels {
		if len(st.fixups) == 0 {
			continue
		}
		if !st.bound {
			return nil, fmt.Errorf("asm: label %d referenced but never bound", id)
		}
		for _, fx := range st.fixups {
			patchI32(b.code, fx.instrOffset, int32(st.target-fx.instrOffset))
		}
	}
	return b.code, nil
}
