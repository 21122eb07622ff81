package asm

import (
	"bytes"
	"testing"

	"github.com/chazu/codeswitch/cswpkg"
	"github.com/chazu/codeswitch/heap"
	"github.com/chazu/codeswitch/interp"
	"github.com/chazu/codeswitch/isa"
)

func TestAssembleStraightLineFunction(t *testing.T) {
	pb := NewPackageBuilder()
	_, b := pb.AddFunction("add", []isa.Type{isa.Int64Type, isa.Int64Type}, []isa.Type{isa.Int64Type})
	b.LoadArg(0)
	b.LoadArg(1)
	b.Add()
	b.Ret()

	data, err := pb.Assemble("test.csw")
	if err != nil {
		t.Fatal(err)
	}

	pkg, err := cswpkg.OpenBytes("test.cswp", data)
	if err != nil {
		t.Fatal(err)
	}
	h := heap.New(heap.Options{})
	pool := interp.NewStackPool(h)
	var out bytes.Buffer
	in, err := interp.New(h, pool, &out, "test.cswp", pkg)
	if err != nil {
		t.Fatal(err)
	}
	fn, err := pkg.FunctionByName("add")
	if err != nil {
		t.Fatal(err)
	}
	idx := -1
	for i := 0; i < pkg.FunctionCount(); i++ {
		f, _ := pkg.FunctionByIndex(i)
		if f == fn {
			idx = i
		}
	}
	results, err := in.Run(idx, []interp.Value{{Type: isa.Int64Type, Int: 10}, {Type: isa.Int64Type, Int: 32}})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Int != 42 {
		t.Fatalf("results[0].Int = %d, want 42", results[0].Int)
	}
}

func TestAssembleForwardBranchJoinsCorrectly(t *testing.T) {
	// if true then 1 else 2, returned.
	pb := NewPackageBuilder()
	_, b := pb.AddFunction("main", nil, []isa.Type{isa.Int64Type})
	b.True()
	elseLabel := b.NewLabel()
	joinLabel := b.NewLabel()
	b.Bif(elseLabel)
	b.Int64(2)
	b.B(joinLabel)
	b.Bind(elseLabel)
	b.Int64(1)
	b.Bind(joinLabel)
	b.Ret()

	data, err := pb.Assemble("test.csw")
	if err != nil {
		t.Fatal(err)
	}
	pkg, err := cswpkg.OpenBytes("test.cswp", data)
	if err != nil {
		t.Fatal(err)
	}
	h := heap.New(heap.Options{})
	pool := interp.NewStackPool(h)
	var out bytes.Buffer
	in, err := interp.New(h, pool, &out, "test.cswp", pkg)
	if err != nil {
		t.Fatal(err)
	}
	results, err := in.Run(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Int != 1 {
		t.Fatalf("results[0].Int = %d, want 1", results[0].Int)
	}
}

func TestAssembleMutualRecursionViaForwardDeclare(t *testing.T) {
	pb := NewPackageBuilder()
	isEven := pb.Declare("is_even", []isa.Type{isa.Int64Type}, []isa.Type{isa.Bool})
	isOdd := pb.Declare("is_odd", []isa.Type{isa.Int64Type}, []isa.Type{isa.Bool})

	evenB := pb.Define(isEven)
	baseTrue := evenB.NewLabel()
	evenB.LoadArg(0)
	evenB.Int64(0)
	evenB.Eq()
	evenB.Bif(baseTrue)
	evenB.LoadArg(0)
	evenB.Int64(1)
	evenB.Sub()
	evenB.Call(isOdd)
	evenB.Ret()
	evenB.Bind(baseTrue)
	evenB.True()
	evenB.Ret()

	oddB := pb.Define(isOdd)
	baseFalse := oddB.NewLabel()
	oddB.LoadArg(0)
	oddB.Int64(0)
	oddB.Eq()
	oddB.Bif(baseFalse)
	oddB.LoadArg(0)
	oddB.Int64(1)
	oddB.Sub()
	oddB.Call(isEven)
	oddB.Ret()
	oddB.Bind(baseFalse)
	oddB.False()
	oddB.Ret()

	data, err := pb.Assemble("test.csw")
	if err != nil {
		t.Fatal(err)
	}
	pkg, err := cswpkg.OpenBytes("test.cswp", data)
	if err != nil {
		t.Fatal(err)
	}
	h := heap.New(heap.Options{})
	pool := interp.NewStackPool(h)
	var out bytes.Buffer
	in, err := interp.New(h, pool, &out, "test.cswp", pkg)
	if err != nil {
		t.Fatal(err)
	}
	results, err := in.Run(int(isEven), []interp.Value{{Type: isa.Int64Type, Int: 4}})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Int != 1 {
		t.Fatalf("is_even(4) = %d, want true (1)", results[0].Int)
	}
}

func TestAssembleRejectsUnboundLabel(t *testing.T) {
	pb := NewPackageBuilder()
	_, b := pb.AddFunction("main", nil, nil)
	dangling := b.NewLabel()
	b.B(dangling)

	if _, err := pb.Assemble("test.csw"); err == nil {
		t.Fatal("expected an error for an unbound label")
	}
}
