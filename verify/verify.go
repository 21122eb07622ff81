// Package verify implements the CodeSwitch bytecode verifier: an
// abstract interpretation of each function that reconstructs its
// control-flow graph, checks every instruction's stack effect against
// the operand-stack type discipline, and emits the safepoint table and
// frame size the interpreter and collector rely on.
package verify

import (
	"fmt"
	"sort"

	"github.com/chazu/codeswitch/cswpkg"
	"github.com/chazu/codeswitch/isa"
)

// ValidationError reports a semantic error found while verifying one
// function. SourceFile/Line are resolved from the package's DEBUG
// section when one is available and covers the offending instruction
// (only Package/PackageFull have the function index and package needed
// to do this; Function/FunctionFull always leave them unset). Absent
// that, the error still identifies the failure precisely via Function
// and Offset, the raw function name and byte offset.
type ValidationError struct {
	File       string
	Function   string
	Offset     int
	Message    string
	SourceFile string
	Line       uint32
}

func (e *ValidationError) Error() string {
	loc := fmt.Sprintf("offset %d", e.Offset)
	if e.SourceFile != "" {
		loc = fmt.Sprintf("%s:%d", e.SourceFile, e.Line)
	}
	if e.File != "" {
		return fmt.Sprintf("verify: %s: %s at %s: %s", e.File, e.Function, loc, e.Message)
	}
	return fmt.Sprintf("verify: %s at %s: %s", e.Function, loc, e.Message)
}

// block is one basic block discovered during verification.
type block struct {
	entry       int
	entryStack  []isa.Type
	entryFrame  int
	entryLocals []isa.Type
	end         int
}

// growLocals extends locals to length n, defaulting any newly-visible
// slot to isa.Int64Type. Interpreter.pushFrame zero-initializes every
// local slot to an int64 zero before a function body runs a single
// instruction, so a loadlocal reached before any storelocal on this path
// sees exactly the type the interpreter actually stores there.
func growLocals(locals []isa.Type, n int) []isa.Type {
	for len(locals) < n {
		locals = append(locals, isa.Int64Type)
	}
	return locals
}

// equalLocals reports whether two local-type snapshots agree at every
// index either one has touched, treating an index past the end of either
// slice as the interpreter's implicit isa.Int64Type default.
func equalLocals(a, b []isa.Type) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	at := func(s []isa.Type, i int) isa.Type {
		if i < len(s) {
			return s[i]
		}
		return isa.Int64Type
	}
	for i := 0; i < n; i++ {
		if at(a, i) != at(b, i) {
			return false
		}
	}
	return true
}

// Result is the outcome of successfully verifying one function: its
// computed frame size and safepoint table, ready to attach to a
// cswpkg.Function.
type Result struct {
	FrameSize  int
	LocalCount int
	Safepoints *cswpkg.SafepointTable
}

// CalleeResolver looks up a function by its package-level index, so the
// verifier can check a call instruction's operand stack effect against
// the callee's actual signature instead of treating call as opaque.
type CalleeResolver func(index uint32) (*cswpkg.Function, error)

// Function verifies fn's instruction stream and returns its computed
// frame size and safepoint table. file annotates any ValidationError
// with the source package's path for diagnostics; it may be empty.
// resolve looks up call targets by index; pass nil if fn's code contains
// no call instructions.
func Function(file string, fn *cswpkg.Function, resolve CalleeResolver) (*Result, error) {
	v := &verifier{
		file:        file,
		fnName:      fn.Name,
		code:        fn.Code,
		paramTypes:  fn.ParamTypes,
		returnTypes: fn.ReturnTypes,
		resolve:     resolve,
		blocks:      make(map[int]*block),
	}
	return v.run()
}

// FunctionFull does everything Function does, then re-derives the
// safepoint table from scratch and compares it byte-for-byte against
// fn.Safepoints (the table the package file actually carries). A
// mismatch means the loaded file's safepoint section was hand-edited,
// corrupted, or produced by a builder that disagrees with this
// verifier, and is reported as a ValidationError rather than trusted
// silently.
func FunctionFull(file string, fn *cswpkg.Function, resolve CalleeResolver) (*Result, error) {
	result, err := Function(file, fn, resolve)
	if err != nil {
		return nil, err
	}
	if fn.Safepoints == nil {
		return result, nil
	}
	computed := result.Safepoints.Encode()
	stored := fn.Safepoints.Encode()
	if len(computed) != len(stored) || string(computed) != string(stored) {
		return nil, &ValidationError{
			File:     file,
			Function: fn.Name,
			Message:  "full validation: re-derived safepoint table does not match the package file's stored table",
		}
	}
	return result, nil
}

// Package verifies every function in pkg, resolving call targets against
// each other by index. It returns the verified results in function-index
// order, or the first ValidationError encountered.
func Package(file string, pkg *cswpkg.Package) ([]*Result, error) {
	return verifyPackage(file, pkg, Function)
}

// PackageFull does what Package does, using FunctionFull for every
// function so a corrupted or hand-edited safepoint section is caught
// before the interpreter ever runs.
func PackageFull(file string, pkg *cswpkg.Package) ([]*Result, error) {
	return verifyPackage(file, pkg, FunctionFull)
}

func verifyPackage(file string, pkg *cswpkg.Package, verifyOne func(string, *cswpkg.Function, CalleeResolver) (*Result, error)) ([]*Result, error) {
	results := make([]*Result, pkg.FunctionCount())
	resolve := func(index uint32) (*cswpkg.Function, error) {
		return pkg.FunctionByIndex(int(index))
	}
	for i := 0; i < pkg.FunctionCount(); i++ {
		fn, err := pkg.FunctionByIndex(i)
		if err != nil {
			return nil, err
		}
		r, err := verifyOne(file, fn, resolve)
		if err != nil {
			return nil, resolveErrorLocation(pkg, uint32(i), err)
		}
		results[i] = r
	}
	return results, nil
}

// resolveErrorLocation fills in a *ValidationError's SourceFile/Line from
// pkg's DEBUG section, if it covers functionIndex and the error's byte
// offset. Any other error, or one the DEBUG section doesn't cover, is
// returned unchanged — the raw function name and byte offset it already
// carries remain the fallback.
func resolveErrorLocation(pkg *cswpkg.Package, functionIndex uint32, err error) error {
	ve, ok := err.(*ValidationError)
	if !ok {
		return err
	}
	if sourceFile, line, ok := pkg.LineFor(functionIndex, ve.Offset); ok {
		ve.SourceFile = sourceFile
		ve.Line = line
	}
	return ve
}

type verifier struct {
	file        string
	fnName      string
	code        []byte
	paramTypes  []isa.Type
	returnTypes []isa.Type
	resolve     CalleeResolver

	blocks    map[int]*block
	worklist  []int
	maxFrame  int
	maxLocal  int
	safepoint []cswpkg.Safepoint
}

func (v *verifier) fail(offset int, format string, args ...any) error {
	return &ValidationError{File: v.file, Function: v.fnName, Offset: offset, Message: fmt.Sprintf(format, args...)}
}

func (v *verifier) run() (*Result, error) {
	v.blocks[0] = &block{entry: 0}
	v.worklist = append(v.worklist, 0)

	for len(v.worklist) > 0 {
		entry := v.worklist[len(v.worklist)-1]
		v.worklist = v.worklist[:len(v.worklist)-1]
		if err := v.interpretBlock(v.blocks[entry]); err != nil {
			return nil, err
		}
	}

	sorted := make([]*block, 0, len(v.blocks))
	for _, b := range v.blocks {
		sorted = append(sorted, b)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].entry < sorted[j].entry })

	prevEnd := 0
	for _, b := range sorted {
		if b.entry != prevEnd {
			return nil, v.fail(b.entry, "dead or overlapping bytes before block at offset %d (previous block ended at %d)", b.entry, prevEnd)
		}
		prevEnd = b.end
	}
	if prevEnd != len(v.code) {
		return nil, v.fail(prevEnd, "trailing bytes after the last block")
	}

	sort.Slice(v.safepoint, func(i, j int) bool { return v.safepoint[i].Offset < v.safepoint[j].Offset })

	return &Result{
		FrameSize:  v.maxFrame,
		LocalCount: v.maxLocal,
		Safepoints: &cswpkg.SafepointTable{
			FrameSize: v.maxFrame,
			Entries:   v.safepoint,
		},
	}, nil
}

// interpretBlock abstractly executes instructions starting at b.entry
// until it hits a terminator or falls through into an already-queued
// block boundary, recording stack/frame state and safepoints as it goes.
func (v *verifier) interpretBlock(b *block) error {
	stack := append([]isa.Type(nil), b.entryStack...)
	locals := append([]isa.Type(nil), b.entryLocals...)
	frame := b.entryFrame
	offset := b.entry

	trackMax := func() {
		if frame > v.maxFrame {
			v.maxFrame = frame
		}
	}
	trackMax()

	pop := func(want isa.Type) error {
		if len(stack) == 0 {
			return v.fail(offset, "stack underflow: expected %v", want)
		}
		top := stack[len(stack)-1]
		if top != want {
			return v.fail(offset, "type mismatch: expected %v, found %v", want, top)
		}
		stack = stack[:len(stack)-1]
		frame -= want.StackSlotSize()
		return nil
	}
	popAny := func() (isa.Type, error) {
		if len(stack) == 0 {
			return 0, v.fail(offset, "stack underflow")
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		frame -= top.StackSlotSize()
		return top, nil
	}
	push := func(t isa.Type) {
		stack = append(stack, t)
		frame += t.StackSlotSize()
		trackMax()
	}

	for {
		inst, err := isa.Decode(v.code, offset)
		if err != nil {
			return v.fail(offset, "%v", err)
		}

		switch inst.Opcode {
		case isa.Nop:
			// no effect

		case isa.Sys:
			code := isa.SysCode(inst.U8)
			effect := code.Effect()
			if effect.Polymorphic {
				if _, err := popAny(); err != nil {
					return err
				}
			} else {
				for _, t := range effect.Pops {
					if err := pop(t); err != nil {
						return err
					}
				}
			}
			if code == isa.Exit {
				offset += inst.Opcode.Size()
				return v.terminateBlock(b, offset)
			}
			if code.MayAllocate() {
				v.emitSafepoint(offset+inst.Opcode.Size(), stack)
			}

		case isa.Ret:
			for i := len(v.returnTypes) - 1; i >= 0; i-- {
				if err := pop(v.returnTypes[i]); err != nil {
					return err
				}
			}
			if len(stack) != 0 {
				return v.fail(offset, "ret leaves %d value(s) on the stack beyond the function's declared return types", len(stack))
			}
			offset += inst.Opcode.Size()
			return v.terminateBlock(b, offset)

		case isa.Call:
			// A prior version of this verifier emitted the call's
			// safepoint before popping the callee's arguments off the
			// operand stack, so the recorded frame size undercounted
			// live slots at the exact moment the callee could trigger a
			// collection. The safepoint must be taken after applying
			// call's full stack effect: pop the callee's parameters,
			// then push its return values, then record the point.
			if v.resolve == nil {
				return v.fail(offset, "call instruction present but no callee resolver was provided")
			}
			callee, err := v.resolve(inst.U32)
			if err != nil {
				return v.fail(offset, "call target %d: %v", inst.U32, err)
			}
			for i := len(callee.ParamTypes) - 1; i >= 0; i-- {
				if err := pop(callee.ParamTypes[i]); err != nil {
					return err
				}
			}
			for _, t := range callee.ReturnTypes {
				push(t)
			}
			v.emitSafepoint(offset+inst.Opcode.Size(), stack)

		case isa.B:
			target := offset + int(inst.I32)
			if target < 0 || target >= len(v.code) {
				return v.fail(offset, "branch target %d out of range [0,%d)", target, len(v.code))
			}
			if err := v.mergeBlock(target, stack, frame, locals); err != nil {
				return err
			}
			offset += inst.Opcode.Size()
			return v.terminateBlock(b, offset)

		case isa.Bif:
			if err := pop(isa.Bool); err != nil {
				return err
			}
			target := offset + int(inst.I32)
			if target < 0 || target >= len(v.code) {
				return v.fail(offset, "branch target %d out of range [0,%d)", target, len(v.code))
			}
			if err := v.mergeBlock(target, stack, frame, locals); err != nil {
				return err
			}
			fallthroughOffset := offset + inst.Opcode.Size()
			if err := v.mergeBlock(fallthroughOffset, stack, frame, locals); err != nil {
				return err
			}
			return v.terminateBlock(b, fallthroughOffset)

		case isa.LoadArg:
			idx := int(inst.U16)
			if idx < 0 || idx >= len(v.paramTypes) {
				return v.fail(offset, "loadarg index %d out of range", idx)
			}
			push(v.paramTypes[idx])

		case isa.LoadLocal:
			// The file format carries no declared local-slot count, so
			// the verifier derives it from the highest index any
			// loadlocal/storelocal in the function actually touches.
			// Locals share the operand stack's type discipline: a slot's
			// type is whatever was most recently stored there on every
			// path reaching this point, not a fixed declaration.
			idx := int(inst.U16)
			if idx+1 > v.maxLocal {
				v.maxLocal = idx + 1
			}
			locals = growLocals(locals, idx+1)
			push(locals[idx])

		case isa.StoreArg:
			idx := int(inst.U16)
			if idx < 0 || idx >= len(v.paramTypes) {
				return v.fail(offset, "storearg index %d out of range", idx)
			}
			if err := pop(v.paramTypes[idx]); err != nil {
				return err
			}

		case isa.StoreLocal:
			idx := int(inst.U16)
			if idx+1 > v.maxLocal {
				v.maxLocal = idx + 1
			}
			t, err := popAny()
			if err != nil {
				return err
			}
			locals = growLocals(locals, idx+1)
			locals[idx] = t

		case isa.Unit:
			push(isa.UnitType)
		case isa.True, isa.False:
			push(isa.Bool)
		case isa.Int64:
			push(isa.Int64Type)

		case isa.Neg:
			if err := pop(isa.Int64Type); err != nil {
				return err
			}
			push(isa.Int64Type)

		case isa.Not:
			t, err := popAny()
			if err != nil {
				return err
			}
			if t != isa.Bool && t != isa.Int64Type {
				return v.fail(offset, "not requires bool or int64, found %v", t)
			}
			push(t)

		case isa.Add, isa.Sub, isa.Mul, isa.Div, isa.Mod, isa.Shl, isa.Shr, isa.Asr:
			if err := pop(isa.Int64Type); err != nil {
				return err
			}
			if err := pop(isa.Int64Type); err != nil {
				return err
			}
			push(isa.Int64Type)

		case isa.And, isa.Or, isa.Xor:
			a, err := popAny()
			if err != nil {
				return err
			}
			b, err := popAny()
			if err != nil {
				return err
			}
			if a != b || (a != isa.Bool && a != isa.Int64Type) {
				return v.fail(offset, "%v requires two operands of the same type (int64 or bool), found %v and %v", inst.Opcode, a, b)
			}
			push(a)

		case isa.Lt, isa.Le, isa.Gt, isa.Ge:
			if err := pop(isa.Int64Type); err != nil {
				return err
			}
			if err := pop(isa.Int64Type); err != nil {
				return err
			}
			push(isa.Bool)

		case isa.Eq, isa.Ne:
			a, err := popAny()
			if err != nil {
				return err
			}
			b, err := popAny()
			if err != nil {
				return err
			}
			if a != b {
				return v.fail(offset, "%v requires two operands of the same type, found %v and %v", inst.Opcode, a, b)
			}
			push(isa.Bool)

		default:
			return v.fail(offset, "unrecognized opcode %#x", byte(inst.Opcode))
		}

		offset += inst.Opcode.Size()
		if offset >= len(v.code) {
			return v.fail(offset, "function falls off the end of its instruction stream without a terminator")
		}
		if _, ok := v.blocks[offset]; ok {
			if err := v.mergeBlock(offset, stack, frame, locals); err != nil {
				return err
			}
			return v.terminateBlock(b, offset)
		}
	}
}

func (v *verifier) emitSafepoint(offset int, stack []isa.Type) {
	v.safepoint = append(v.safepoint, cswpkg.Safepoint{
		Offset: offset,
		Bits:   pointerBits(stack),
	})
}

// pointerBits computes the pointer bitmap for a safepoint's operand
// stack, iterating bottom to top and setting a bit for every slot whose
// type is a reference type. No surface type is pointer-valued yet, so
// this is always all-zero, but it is still computed and sized
// correctly so a future reference type needs no format change.
func pointerBits(stack []isa.Type) []byte {
	slots := 0
	for _, t := range stack {
		slots += t.StackSlotSize()
	}
	width := (slots + 7) / 8
	return make([]byte, width)
}

func (v *verifier) terminateBlock(b *block, end int) error {
	b.end = end
	return nil
}

// mergeBlock creates the block at target if it doesn't exist, or checks
// that the incoming stack/frame/local state matches an existing block's
// recorded entry state exactly.
func (v *verifier) mergeBlock(target int, stack []isa.Type, frame int, locals []isa.Type) error {
	if existing, ok := v.blocks[target]; ok {
		if !isa.EqualTypeSlice(existing.entryStack, stack) || existing.entryFrame != frame {
			return v.fail(target, "control-flow merge mismatch at offset %d: incoming stack/frame does not match the block's recorded entry state", target)
		}
		if !equalLocals(existing.entryLocals, locals) {
			return v.fail(target, "control-flow merge mismatch at offset %d: incoming local variable types do not match the block's recorded entry state", target)
		}
		return nil
	}
	v.blocks[target] = &block{
		entry:       target,
		entryStack:  append([]isa.Type(nil), stack...),
		entryFrame:  frame,
		entryLocals: append([]isa.Type(nil), locals...),
	}
	v.worklist = append(v.worklist, target)
	return nil
}
