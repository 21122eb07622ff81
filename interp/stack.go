// Package interp implements the CodeSwitch interpreter: the operand
// stack and call-frame machinery, and the opcode dispatch loop that
// executes a verified function against a heap.
package interp

import (
	"fmt"
	"sync"

	"github.com/chazu/codeswitch/cswpkg"
	"github.com/chazu/codeswitch/heap"
	"github.com/chazu/codeswitch/isa"
	"github.com/chazu/codeswitch/verify"
)

// StackBytes is the total size of one interpreter's operand-stack
// buffer. Every surface type (unit, bool, int64) fits in at most one
// machine word, so StackWords is also the maximum number of live
// logical values the stack can hold at once.
const StackBytes = 4096

// StackWords is StackBytes expressed in machine words.
const StackWords = StackBytes / heap.WordSize

// StackOverflowError is raised when a push or call would exceed the
// stack's fixed capacity.
type StackOverflowError struct {
	Requested int
	Available int
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("interp: stack overflow: requested %d words, %d available", e.Requested, e.Available)
}

// Value is one operand-stack slot: its static type plus the payload,
// encoded as an int64 (bool as 0/1, unit unused).
type Value struct {
	Type isa.Type
	Int  int64
}

func (v Value) String() string {
	switch v.Type {
	case isa.UnitType:
		return "()"
	case isa.Bool:
		if v.Int != 0 {
			return "true"
		}
		return "false"
	case isa.Int64Type:
		return fmt.Sprintf("%d", v.Int)
	default:
		return "<invalid>"
	}
}

// frameRecord is one activation on the call stack.
type frameRecord struct {
	fn       *cswpkg.Function
	result   *verify.Result
	pc       int
	base     int // index of this frame's first argument slot in Stack.words
	argCount int
	localCount int
	// operandBase is the first index above the frame's args and locals,
	// where its own operand stack begins.
	operandBase int
	// returnSlot is where this frame's caller expects to find its
	// return values once popped, expressed as an index into words. It
	// equals the caller's stack pointer after the call's arguments were
	// popped, which is also this frame's base.
	returnSlot int
}

// Stack is one interpreter's operand stack and call-frame chain. It has
// a fixed capacity and does not grow; exceeding it is a StackOverflowError.
type Stack struct {
	words [StackWords]Value
	sp    int
	frames []frameRecord
}

func newStack() *Stack {
	return &Stack{}
}

func (s *Stack) reset() {
	s.sp = 0
	s.frames = s.frames[:0]
}

func (s *Stack) check(n int) error {
	if s.sp+n > StackWords {
		return &StackOverflowError{Requested: n, Available: StackWords - s.sp}
	}
	return nil
}

func (s *Stack) push(v Value) error {
	if err := s.check(1); err != nil {
		return err
	}
	s.words[s.sp] = v
	s.sp++
	return nil
}

func (s *Stack) pop() Value {
	s.sp--
	return s.words[s.sp]
}

// depth returns how many operand values the current frame has pushed
// beyond its args and locals.
func (s *Stack) depth() int {
	if len(s.frames) == 0 {
		return s.sp
	}
	return s.sp - s.frames[len(s.frames)-1].operandBase
}

func (s *Stack) frame() *frameRecord {
	return &s.frames[len(s.frames)-1]
}

func (s *Stack) getSlot(idx int) Value {
	return s.words[idx]
}

func (s *Stack) setSlot(idx int, v Value) {
	s.words[idx] = v
}

// accept implements heap.RootAcceptor: it walks every frame on the
// stack and, using that frame's safepoint table at its current program
// counter, visits every operand-stack word the verifier marked
// pointer-typed at that point. No surface type is heap-allocated today,
// so every safepoint's bitmap is all-zero and this never actually
// visits anything; it exists so a future reference type needs no
// change to the stack-walking machinery, only to the bitmap producer in
// package verify.
func (s *Stack) accept(visit func(heap.Address)) {
	for i := range s.frames {
		f := &s.frames[i]
		if f.result == nil {
			continue
		}
		sp, ok := f.result.Safepoints.Lookup(f.pc)
		if !ok {
			continue
		}
		totalBits := len(sp.Bits) * 8
		for wordIdx := 0; wordIdx < totalBits; wordIdx++ {
			byteIdx, bit := wordIdx/8, uint(wordIdx%8)
			if sp.Bits[byteIdx]&(1<<bit) == 0 {
				continue
			}
			slot := f.operandBase + wordIdx
			if slot < 0 || slot >= s.sp {
				continue
			}
			visit(heap.Address(s.words[slot].Int))
		}
	}
}

// StackPool holds a single, reusable Stack. CodeSwitch runs one
// interpreter at a time per pool; Get fails if the stack is already
// checked out, guarding against re-entrant execution sharing state.
type StackPool struct {
	mu     sync.Mutex
	inUse  bool
	stack  *Stack
}

// NewStackPool creates a pool with one Stack and registers it as a root
// acceptor with h.
func NewStackPool(h *heap.Heap) *StackPool {
	p := &StackPool{stack: newStack()}
	h.RegisterRootAcceptor(p.stack.accept)
	return p
}

// Get checks out the pool's stack for exclusive use, resetting it to
// empty first.
func (p *StackPool) Get() (*Stack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse {
		return nil, fmt.Errorf("interp: stack is already checked out; re-entrant execution is not supported")
	}
	p.inUse = true
	p.stack.reset()
	return p.stack, nil
}

// Put returns the stack to the pool.
func (p *StackPool) Put(s *Stack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse = false
}
