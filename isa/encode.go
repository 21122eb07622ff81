package isa

import (
	"encoding/binary"
	"fmt"
)

// Instruction is a decoded instruction: its opcode, offset in the
// function's byte stream, and immediate operand (interpreted according
// to the opcode's OperandKind).
type Instruction struct {
	Opcode Opcode
	Offset int

	// Exactly one of these is meaningful, selected by Info(Opcode).Operand.
	U8  byte
	U16 uint16
	U32 uint32
	I32 int32
	I64 int64
}

// Decode reads one instruction from code starting at offset. It returns
// an error if the opcode is unrecognized or the operand would run past
// the end of code.
func Decode(code []byte, offset int) (Instruction, error) {
	if offset < 0 || offset >= len(code) {
		return Instruction{}, &DecodeError{Offset: offset, Message: "offset out of range"}
	}
	op := Opcode(code[offset])
	if _, ok := opcodeTable[op]; !ok {
		return Instruction{}, &DecodeError{Offset: offset, Message: fmt.Sprintf("unrecognized opcode %#x", byte(op))}
	}
	info := Info(op)
	size := op.Size()
	if offset+size > len(code) {
		return Instruction{}, &DecodeError{Offset: offset, Message: "instruction truncated"}
	}

	inst := Instruction{Opcode: op, Offset: offset}
	operand := code[offset+1 : offset+size]
	switch info.Operand {
	case OperandNone:
	case OperandU8:
		inst.U8 = operand[0]
	case OperandU16:
		inst.U16 = binary.LittleEndian.Uint16(operand)
	case OperandU32:
		inst.U32 = binary.LittleEndian.Uint32(operand)
	case OperandI32:
		inst.I32 = int32(binary.LittleEndian.Uint32(operand))
	case OperandI64:
		inst.I64 = int64(binary.LittleEndian.Uint64(operand))
	}
	return inst, nil
}

// Encode appends the encoded bytes for inst to dst and returns the
// result, mirroring append's growth semantics.
func Encode(dst []byte, inst Instruction) []byte {
	info := Info(inst.Opcode)
	dst = append(dst, byte(inst.Opcode))
	switch info.Operand {
	case OperandNone:
	case OperandU8:
		dst = append(dst, inst.U8)
	case OperandU16:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], inst.U16)
		dst = append(dst, buf[:]...)
	case OperandU32:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], inst.U32)
		dst = append(dst, buf[:]...)
	case OperandI32:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(inst.I32))
		dst = append(dst, buf[:]...)
	case OperandI64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(inst.I64))
		dst = append(dst, buf[:]...)
	}
	return dst
}

// DecodeError reports a malformed instruction stream.
type DecodeError struct {
	Offset  int
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("isa: decode error at offset %d: %s", e.Offset, e.Message)
}
