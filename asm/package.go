package asm

import (
	"fmt"

	"github.com/chazu/codeswitch/cswpkg"
	"github.com/chazu/codeswitch/isa"
	"github.com/chazu/codeswitch/verify"
)

// FuncIndex identifies a function within a PackageBuilder, stable from
// the moment it is declared regardless of when its body is defined. It
// is the same index Call uses and the same index the assembled package
// exposes through cswpkg.Package.FunctionByIndex.
type FuncIndex uint32

type pendingFunc struct {
	name        string
	paramTypes  []isa.Type
	returnTypes []isa.Type
	builder     *Builder
	defined     bool
}

// PackageBuilder assembles a set of functions into a CSWP package. Unlike
// Builder, which only knows about branch offsets within one function body,
// PackageBuilder resolves call targets by index across the whole set,
// including forward and mutually recursive calls: Declare reserves a
// function's index and signature up front, and Define supplies its body
// once, in any order relative to other functions' declarations.
type PackageBuilder struct {
	funcs []*pendingFunc
}

// NewPackageBuilder returns an empty package builder.
func NewPackageBuilder() *PackageBuilder {
	return &PackageBuilder{}
}

// Declare reserves index for a function with the given signature, before
// its body is known. The returned index is valid to pass to Call
// immediately, from any function in the package, including itself.
func (pb *PackageBuilder) Declare(name string, paramTypes, returnTypes []isa.Type) FuncIndex {
	pb.funcs = append(pb.funcs, &pendingFunc{name: name, paramTypes: paramTypes, returnTypes: returnTypes})
	return FuncIndex(len(pb.funcs) - 1)
}

// Define returns the Builder for idx's body. It must be called exactly
// once per declared index before Assemble.
func (pb *PackageBuilder) Define(idx FuncIndex) *Builder {
	pf := pb.funcs[idx]
	if pf.defined {
		panic(fmt.Sprintf("asm: function %q defined twice", pf.name))
	}
	pf.defined = true
	pf.builder = NewBuilder()
	return pf.builder
}

// AddFunction is a convenience for the common case where a function's
// signature and body are known together: it declares and returns a
// Builder to define it in one call.
func (pb *PackageBuilder) AddFunction(name string, paramTypes, returnTypes []isa.Type) (FuncIndex, *Builder) {
	idx := pb.Declare(name, paramTypes, returnTypes)
	return idx, pb.Define(idx)
}

// Assemble finishes every function body, verifies each one against the
// others' declared signatures, and serializes the result into a CSWP
// byte stream. file annotates any verification error with a source name.
func (pb *PackageBuilder) Assemble(file string) ([]byte, error) {
	functions := make([]*cswpkg.Function, len(pb.funcs))
	for i, pf := range pb.funcs {
		if !pf.defined {
			return nil, fmt.Errorf("asm: function %q declared but never defined", pf.name)
		}
		code, err := pf.builder.Finish()
		if err != nil {
			return nil, fmt.Errorf("asm: function %q: %w", pf.name, err)
		}
		functions[i] = &cswpkg.Function{
			Name:        pf.name,
			ParamTypes:  pf.paramTypes,
			ReturnTypes: pf.returnTypes,
			Code:        code,
		}
	}

	resolve := func(index uint32) (*cswpkg.Function, error) {
		if int(index) >= len(functions) {
			return nil, fmt.Errorf("asm: call target %d out of range [0,%d)", index, len(functions))
		}
		return functions[index], nil
	}

	w := cswpkg.NewWriter()
	for _, fn := range functions {
		result, err := verify.Function(file, fn, resolve)
		if err != nil {
			return nil, err
		}
		w.AddFunction(cswpkg.FunctionDef{
			Name:        fn.Name,
			ParamTypes:  fn.ParamTypes,
			ReturnTypes: fn.ReturnTypes,
			Code:        fn.Code,
			Safepoints:  result.Safepoints,
		})
	}
	return w.Write(), nil
}
