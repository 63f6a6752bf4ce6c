//go:build amd64

package jit

import (
	"testing"
	"unsafe"

	"github.com/nullarch/emu/internal/ir"
)

type fakeContext struct {
	rax uint64
	rip uint64
}

func (c *fakeContext) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), unsafe.Sizeof(*c))
}

var raxOffset = uint32(unsafe.Offsetof(fakeContext{}.rax))
var ripOffset = uint32(unsafe.Offsetof(fakeContext{}.rip))

func TestCompileStoreConstantAndAdvanceRIP(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	c := b.Constant(0x2A)
	b.StoreContext(8, raxOffset, c)
	b.EndBlock(5)

	be := New()
	entry, err := be.Compile(b, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if entry == nil {
		t.Fatal("Compile declined a block made only of supported records")
	}

	ctx := &fakeContext{rip: 0x1000}
	next, err := entry.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.rax != 0x2A {
		t.Fatalf("rax = %#x, want 0x2A", ctx.rax)
	}
	if next != 0x1005 {
		t.Fatalf("next rip = %#x, want %#x", next, uint64(0x1005))
	}
}

func TestCompileArithmetic(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	a := b.Constant(10)
	c := b.Constant(3)
	sum := b.Add(a, c)
	b.StoreContext(8, raxOffset, sum)
	b.EndBlock(1)

	be := New()
	entry, err := be.Compile(b, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if entry == nil {
		t.Fatal("Compile declined a block made only of supported records")
	}

	ctx := &fakeContext{}
	if _, err := entry.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.rax != 13 {
		t.Fatalf("rax = %d, want 13", ctx.rax)
	}
}

func TestCompileDeclinesUnsupportedRecordKind(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	addr := b.Constant(0x4000)
	v := b.LoadMem(8, addr, ir.SentinelOffset)
	b.StoreContext(8, raxOffset, v)
	b.EndBlock(1)

	be := New()
	entry, err := be.Compile(b, nil, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if entry != nil {
		t.Fatal("Compile should decline a block containing LoadMem, which this codegen does not implement")
	}
}
