// Package isa defines the CodeSwitch instruction set: the opcode enum,
// per-opcode encoding layout, and the typed stack effect each opcode has.
// It has no dependency on the heap, loader, verifier, or interpreter —
// those packages consume this table, never the reverse.
package isa

import "fmt"

// Opcode identifies one instruction. The byte value has no significance
// beyond uniqueness; instructions are always read and dispatched by name
// via the metadata table below.
type Opcode byte

const (
	Nop Opcode = 0x00

	Sys Opcode = 0x01

	Ret  Opcode = 0x02
	Call Opcode = 0x03
	B    Opcode = 0x04
	Bif  Opcode = 0x05

	LoadArg    Opcode = 0x06
	LoadLocal  Opcode = 0x07
	StoreArg   Opcode = 0x08
	StoreLocal Opcode = 0x09

	Unit  Opcode = 0x0A
	True  Opcode = 0x0B
	False Opcode = 0x0C
	Int64 Opcode = 0x0D

	Neg Opcode = 0x0E
	Not Opcode = 0x0F

	Add Opcode = 0x10
	Sub Opcode = 0x11
	Mul Opcode = 0x12
	Div Opcode = 0x13
	Mod Opcode = 0x14
	Shl Opcode = 0x15
	Shr Opcode = 0x16
	Asr Opcode = 0x17

	And Opcode = 0x18
	Or  Opcode = 0x19
	Xor Opcode = 0x1A

	Lt Opcode = 0x1B
	Le Opcode = 0x1C
	Gt Opcode = 0x1D
	Ge Opcode = 0x1E

	Eq Opcode = 0x1F
	Ne Opcode = 0x20
)

// OperandKind tags the shape of an opcode's immediate operand, driving
// both the encoder and the verifier's decode step.
type OperandKind int

const (
	OperandNone   OperandKind = iota
	OperandU8         // one unsigned byte (sys sub-code)
	OperandU16        // one unsigned 16-bit index (loadarg/loadlocal/storearg/storelocal)
	OperandU32        // one unsigned 32-bit function index (call)
	OperandI32        // one signed 32-bit relative displacement (b/bif)
	OperandI64        // one signed 64-bit literal (int64)
)

// StackEffect describes the type-level pops and pushes of an opcode. A
// nil Pops/Pushes for a polymorphic opcode (and/or/xor/eq/ne) means "the
// types are determined at verify time from the operand stack" rather
// than "no effect" — see the verify package.
type StackEffect struct {
	Pops   []Type
	Pushes []Type
	// Polymorphic is true for opcodes whose pop/push types depend on the
	// operand stack's contents rather than being fixed by the opcode
	// alone (and, or, xor, eq, ne).
	Polymorphic bool
}

// OpcodeInfo is the complete static description of one opcode.
type OpcodeInfo struct {
	Name        string
	Operand     OperandKind
	Effect      StackEffect
	MayAllocate bool
}

// Size returns the operand's width in bytes, not counting the opcode
// byte (Opcode.Size adds that).
func (k OperandKind) Size() int {
	switch k {
	case OperandNone:
		return 0
	case OperandU8:
		return 1
	case OperandU16:
		return 2
	case OperandU32, OperandI32:
		return 4
	case OperandI64:
		return 8
	default:
		return 0
	}
}

var opcodeTable = map[Opcode]OpcodeInfo{
	Nop: {"nop", OperandNone, StackEffect{}, false},

	Sys: {"sys", OperandU8, StackEffect{}, true}, // actual effect depends on sub-code; see syscode.go

	Ret:  {"ret", OperandNone, StackEffect{}, false}, // pops the function's declared returns; handled structurally
	Call: {"call", OperandU32, StackEffect{}, true},  // pops params, pushes returns; resolved against the callee's signature
	B:    {"b", OperandI32, StackEffect{}, false},
	Bif:  {"bif", OperandI32, StackEffect{Pops: []Type{Bool}}, false},

	LoadArg:    {"loadarg", OperandU16, StackEffect{}, false},    // pushes the declared type of the indexed parameter
	LoadLocal:  {"loadlocal", OperandU16, StackEffect{}, false},  // pushes whatever type the last storelocal to this index left there
	StoreArg:   {"storearg", OperandU16, StackEffect{}, false},   // pops the declared type of the indexed parameter
	StoreLocal: {"storelocal", OperandU16, StackEffect{}, false}, // pops the top of stack, whatever its type, into the indexed local

	Unit:  {"unit", OperandNone, StackEffect{Pushes: []Type{UnitType}}, false},
	True:  {"true", OperandNone, StackEffect{Pushes: []Type{Bool}}, false},
	False: {"false", OperandNone, StackEffect{Pushes: []Type{Bool}}, false},
	Int64: {"int64", OperandI64, StackEffect{Pushes: []Type{Int64Type}}, false},

	Neg: {"neg", OperandNone, StackEffect{Pops: []Type{Int64Type}, Pushes: []Type{Int64Type}}, false},
	Not: {"not", OperandNone, StackEffect{}, false}, // int64 or bool, same in/out; handled specially in the verifier

	Add: {"add", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Sub: {"sub", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Mul: {"mul", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Div: {"div", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Mod: {"mod", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Shl: {"shl", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Shr: {"shr", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},
	Asr: {"asr", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Int64Type}}, false},

	And: {"and", OperandNone, StackEffect{Polymorphic: true}, false},
	Or:  {"or", OperandNone, StackEffect{Polymorphic: true}, false},
	Xor: {"xor", OperandNone, StackEffect{Polymorphic: true}, false},

	Lt: {"lt", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Bool}}, false},
	Le: {"le", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Bool}}, false},
	Gt: {"gt", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Bool}}, false},
	Ge: {"ge", OperandNone, StackEffect{Pops: []Type{Int64Type, Int64Type}, Pushes: []Type{Bool}}, false},

	Eq: {"eq", OperandNone, StackEffect{Polymorphic: true}, false},
	Ne: {"ne", OperandNone, StackEffect{Polymorphic: true}, false},
}

// Info returns the static metadata for op, or a zero-value OpcodeInfo
// with a synthesized name if op is not a recognized opcode.
func Info(op Opcode) OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown(0x%02x)", byte(op))}
}

// String returns the mnemonic for op.
func (op Opcode) String() string {
	return Info(op).String()
}

func (info OpcodeInfo) String() string {
	return info.Name
}

// Size returns the total encoded length of an instruction with this
// opcode, including the opcode byte itself.
func (op Opcode) Size() int {
	return 1 + Info(op).Operand.Size()
}

// MayAllocate reports whether executing op can trigger a heap
// allocation, and therefore whether the verifier must emit a safepoint
// at the instruction immediately following it.
func (op Opcode) MayAllocate() bool {
	return Info(op).MayAllocate
}

// IsTerminator reports whether op unconditionally ends a basic block.
// sys EXIT also ends a block, but that depends on the sub-code operand,
// not the opcode alone, so the verifier checks for it separately.
func (op Opcode) IsTerminator() bool {
	switch op {
	case Ret, B, Bif:
		return true
	default:
		return false
	}
}

// AllOpcodes returns every defined opcode, for tests that want to assert
// every one has a name and a size.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for op := range opcodeTable {
		ops = append(ops, op)
	}
	return ops
}
