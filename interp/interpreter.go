package interp

import (
	"fmt"
	"io"

	"github.com/chazu/codeswitch/cswpkg"
	"github.com/chazu/codeswitch/heap"
	"github.com/chazu/codeswitch/isa"
	"github.com/chazu/codeswitch/verify"
)

// ExitError carries the status code passed to a sys EXIT instruction.
// Run returns it as a plain error value; callers that care about the
// distinction between "the program halted itself" and "something else
// went wrong" should check for it with errors.As.
type ExitError struct {
	Code int64
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("interp: program exited with status %d", e.Code)
}

// RuntimeError reports a failure discovered only at execution time:
// integer division or remainder by zero, an argument of the wrong type
// passed to Run, an instruction that fails to decode, an unknown sys
// code, or an unimplemented opcode. Stack overflow is reported as a
// *StackOverflowError instead.
type RuntimeError struct {
	Function string
	Offset   int
	Message  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("interp: %s at offset %d: %s", e.Function, e.Offset, e.Message)
}

// Interpreter executes verified functions from one package against one
// heap, using a pooled Stack for its call frames and operand values.
type Interpreter struct {
	Heap      *heap.Heap
	Pool      *StackPool
	Roots     *heap.Roots
	Stdout    io.Writer
	functions []*cswpkg.Function
	results   []*verify.Result
}

// Options controls how New verifies a package before running it.
type Options struct {
	// FullValidation re-derives every function's safepoint table from
	// scratch and rejects the package if it disagrees with the table
	// the file actually carries, catching a hand-edited or corrupted
	// package that would otherwise run with a wrong GC root map.
	FullValidation bool
}

// New verifies every function in pkg and returns an Interpreter ready
// to run any of them. file annotates verification errors.
func New(h *heap.Heap, pool *StackPool, stdout io.Writer, file string, pkg *cswpkg.Package) (*Interpreter, error) {
	return NewWithOptions(h, pool, stdout, file, pkg, Options{})
}

// NewWithOptions is New with explicit verification Options. It also
// bootstraps h's canonical UNIT/BOOL/INT64 type roots, the "at VM
// startup" step every embedded heap needs before any Package's type
// table can be resolved. A given *heap.Heap backs at most one
// Interpreter: calling NewWithOptions twice against the same Heap
// bootstraps a second, distinct set of roots rather than reusing the
// first.
func NewWithOptions(h *heap.Heap, pool *StackPool, stdout io.Writer, file string, pkg *cswpkg.Package, opts Options) (*Interpreter, error) {
	verifyPackage := verify.Package
	if opts.FullValidation {
		verifyPackage = verify.PackageFull
	}
	results, err := verifyPackage(file, pkg)
	if err != nil {
		return nil, err
	}
	functions := make([]*cswpkg.Function, pkg.FunctionCount())
	for i := range functions {
		fn, err := pkg.FunctionByIndex(i)
		if err != nil {
			return nil, err
		}
		functions[i] = fn
	}
	roots, err := heap.NewRoots(h)
	if err != nil {
		return nil, err
	}
	return &Interpreter{Heap: h, Pool: pool, Roots: roots, Stdout: stdout, functions: functions, results: results}, nil
}

// Run executes the function at entryIndex to completion. It returns the
// function's declared return values, or an error: an *ExitError if the
// program halted itself via sys EXIT, a *RuntimeError for a runtime
// fault such as division by zero, or a *verify.ValidationError (from
// New) if the package failed verification.
func (in *Interpreter) Run(entryIndex int, args []Value) ([]Value, error) {
	stack, err := in.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer in.Pool.Put(stack)

	if entryIndex < 0 || entryIndex >= len(in.functions) {
		return nil, fmt.Errorf("interp: function index %d out of range", entryIndex)
	}
	if err := in.pushFrame(stack, entryIndex, args, 0); err != nil {
		return nil, err
	}
	return in.loop(stack)
}

// pushFrame lays out a new activation on top of the stack: argCount
// argument slots (populated from args), localCount zeroed local slots,
// then its operand region begins.
func (in *Interpreter) pushFrame(stack *Stack, fnIndex int, args []Value, returnSlot int) error {
	fn := in.functions[fnIndex]
	result := in.results[fnIndex]

	total := len(fn.ParamTypes) + result.LocalCount
	if err := stack.check(total); err != nil {
		return err
	}

	base := stack.sp
	for i, t := range fn.ParamTypes {
		v := args[i]
		if v.Type != t {
			return &RuntimeError{Function: fn.Name, Offset: 0, Message: fmt.Sprintf("argument %d has type %v, want %v", i, v.Type, t)}
		}
		stack.words[base+i] = v
	}
	for i := 0; i < result.LocalCount; i++ {
		stack.words[base+len(fn.ParamTypes)+i] = Value{Type: isa.Int64Type}
	}
	stack.sp = base + total

	stack.frames = append(stack.frames, frameRecord{
		fn:          fn,
		result:      result,
		pc:          0,
		base:        base,
		argCount:    len(fn.ParamTypes),
		localCount:  result.LocalCount,
		operandBase: stack.sp,
		returnSlot:  returnSlot,
	})
	return nil
}

func (in *Interpreter) loop(stack *Stack) ([]Value, error) {
	for {
		f := stack.frame()
		inst, err := isa.Decode(f.fn.Code, f.pc)
		if err != nil {
			return nil, &RuntimeError{Function: f.fn.Name, Offset: f.pc, Message: err.Error()}
		}

		done, retvals, err := in.step(stack, f, inst)
		if err != nil {
			return nil, err
		}
		if done {
			if len(stack.frames) == 0 {
				return retvals, nil
			}
		}
	}
}

// step executes one instruction against the top frame. done is true
// when the top frame has returned (frames may now be empty, meaning
// the whole program finished); retvals is only meaningful in that case.
func (in *Interpreter) step(stack *Stack, f *frameRecord, inst isa.Instruction) (done bool, retvals []Value, err error) {
	switch inst.Opcode {
	case isa.Nop:
		f.pc += inst.Opcode.Size()

	case isa.Unit:
		if err := stack.push(Value{Type: isa.UnitType}); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.True:
		if err := stack.push(Value{Type: isa.Bool, Int: 1}); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.False:
		if err := stack.push(Value{Type: isa.Bool, Int: 0}); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.Int64:
		if err := stack.push(Value{Type: isa.Int64Type, Int: inst.I64}); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.LoadArg:
		if err := stack.push(stack.getSlot(f.base + int(inst.U16))); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.StoreArg:
		v := stack.pop()
		stack.setSlot(f.base+int(inst.U16), v)
		f.pc += inst.Opcode.Size()

	case isa.LoadLocal:
		if err := stack.push(stack.getSlot(f.base + f.argCount + int(inst.U16))); err != nil {
			return false, nil, err
		}
		f.pc += inst.Opcode.Size()

	case isa.StoreLocal:
		v := stack.pop()
		stack.setSlot(f.base+f.argCount+int(inst.U16), v)
		f.pc += inst.Opcode.Size()

	case isa.Neg:
		a := stack.pop()
		stack.push(Value{Type: isa.Int64Type, Int: -a.Int})
		f.pc += inst.Opcode.Size()

	case isa.Not:
		a := stack.pop()
		switch a.Type {
		case isa.Bool:
			v := int64(0)
			if a.Int == 0 {
				v = 1
			}
			stack.push(Value{Type: isa.Bool, Int: v})
		default:
			stack.push(Value{Type: isa.Int64Type, Int: ^a.Int})
		}
		f.pc += inst.Opcode.Size()

	case isa.Add, isa.Sub, isa.Mul, isa.Div, isa.Mod, isa.Shl, isa.Shr, isa.Asr:
		b := stack.pop()
		a := stack.pop()
		result, rerr := arith(inst.Opcode, a.Int, b.Int, f, stack.frame().pc)
		if rerr != nil {
			return false, nil, rerr
		}
		stack.push(Value{Type: isa.Int64Type, Int: result})
		f.pc += inst.Opcode.Size()

	case isa.And, isa.Or, isa.Xor:
		b := stack.pop()
		a := stack.pop()
		stack.push(bitwise(inst.Opcode, a, b))
		f.pc += inst.Opcode.Size()

	case isa.Lt, isa.Le, isa.Gt, isa.Ge:
		b := stack.pop()
		a := stack.pop()
		stack.push(Value{Type: isa.Bool, Int: boolInt(compare(inst.Opcode, a.Int, b.Int))})
		f.pc += inst.Opcode.Size()

	case isa.Eq, isa.Ne:
		b := stack.pop()
		a := stack.pop()
		eq := a.Type == b.Type && a.Int == b.Int
		if inst.Opcode == isa.Ne {
			eq = !eq
		}
		stack.push(Value{Type: isa.Bool, Int: boolInt(eq)})
		f.pc += inst.Opcode.Size()

	case isa.B:
		f.pc += int(inst.I32)

	case isa.Bif:
		cond := stack.pop()
		if cond.Int != 0 {
			f.pc += int(inst.I32)
		} else {
			f.pc += inst.Opcode.Size()
		}

	case isa.Call:
		callee := in.functions[inst.U32]
		argc := len(callee.ParamTypes)
		args := make([]Value, argc)
		for i := argc - 1; i >= 0; i-- {
			args[i] = stack.pop()
		}
		f.pc += inst.Opcode.Size()
		returnSlot := stack.sp
		if err := in.pushFrame(stack, int(inst.U32), args, returnSlot); err != nil {
			return false, nil, err
		}

	case isa.Ret:
		n := len(f.fn.ReturnTypes)
		vals := make([]Value, n)
		for i := n - 1; i >= 0; i-- {
			vals[i] = stack.pop()
		}
		returnSlot := f.returnSlot
		stack.frames = stack.frames[:len(stack.frames)-1]
		stack.sp = returnSlot
		if len(stack.frames) == 0 {
			return true, vals, nil
		}
		for _, v := range vals {
			if err := stack.push(v); err != nil {
				return false, nil, err
			}
		}

	case isa.Sys:
		code := isa.SysCode(inst.U8)
		switch code {
		case isa.Exit:
			status := stack.pop()
			return false, nil, &ExitError{Code: status.Int}
		case isa.Println:
			v := stack.pop()
			fmt.Fprintln(in.Stdout, v.String())
			// Println is marked mayAllocate at verify time to cover a
			// future formatter that boxes its argument; nothing is
			// allocated today, so there is nothing further to do here.
		default:
			return false, nil, &RuntimeError{Function: f.fn.Name, Offset: f.pc, Message: fmt.Sprintf("unknown sys code %d", inst.U8)}
		}
		f.pc += inst.Opcode.Size()

	default:
		return false, nil, &RuntimeError{Function: f.fn.Name, Offset: f.pc, Message: fmt.Sprintf("unimplemented opcode %v", inst.Opcode)}
	}
	return false, nil, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func compare(op isa.Opcode, a, b int64) bool {
	switch op {
	case isa.Lt:
		return a < b
	case isa.Le:
		return a <= b
	case isa.Gt:
		return a > b
	case isa.Ge:
		return a >= b
	default:
		return false
	}
}

func bitwise(op isa.Opcode, a, b Value) Value {
	switch op {
	case isa.And:
		return Value{Type: a.Type, Int: a.Int & b.Int}
	case isa.Or:
		return Value{Type: a.Type, Int: a.Int | b.Int}
	default:
		return Value{Type: a.Type, Int: a.Int ^ b.Int}
	}
}

// arith implements the fixed-width integer ops. div and mod raise a
// RuntimeError on a zero divisor rather than the platform's undefined
// or panicking behavior, since the verifier has no way to statically
// rule out a zero divisor.
func arith(op isa.Opcode, a, b int64, f *frameRecord, offset int) (int64, error) {
	switch op {
	case isa.Add:
		return a + b, nil
	case isa.Sub:
		return a - b, nil
	case isa.Mul:
		return a * b, nil
	case isa.Div:
		if b == 0 {
			return 0, &RuntimeError{Function: f.fn.Name, Offset: offset, Message: "division by zero"}
		}
		return a / b, nil
	case isa.Mod:
		if b == 0 {
			return 0, &RuntimeError{Function: f.fn.Name, Offset: offset, Message: "modulo by zero"}
		}
		return a % b, nil
	case isa.Shl:
		return a << uint(b&63), nil
	case isa.Shr:
		return int64(uint64(a) >> uint(b&63)), nil
	case isa.Asr:
		return a >> uint(b&63), nil
	default:
		return 0, nil
	}
}
