package interpreter

import (
	"testing"
	"unsafe"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// fakeContext is a minimal backend.Context: a two-field register file
// with RIP second, its offset learned the same way internal/cpu wires
// a real Context in via SetRIPOffset.
type fakeContext struct {
	rax uint64
	rip uint64
}

func (c *fakeContext) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), unsafe.Sizeof(*c))
}

var raxOffset = uint32(unsafe.Offsetof(fakeContext{}.rax))
var ripOffset = uint32(unsafe.Offsetof(fakeContext{}.rip))

type nullMem struct{}

func (nullMem) ReadAt(addr uint64, dst []byte) error  { panic("unexpected ReadAt") }
func (nullMem) WriteAt(addr uint64, src []byte) error { panic("unexpected WriteAt") }

func TestRunEndBlockAddsIncrementWhenRIPNeverStored(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	c := b.Constant(42)
	b.StoreContext(8, raxOffset, c)
	b.EndBlock(5)

	ctx := &fakeContext{}
	entry, err := New().Compile(b, nullMem{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	next, err := entry.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.rax != 42 {
		t.Fatalf("rax = %d, want 42", ctx.rax)
	}
	if next != 5 {
		t.Fatalf("next rip = %d, want 5 (EndBlock's increment, rip never explicitly stored)", next)
	}
}

func TestRunExplicitRIPStoreOverridesEndBlockIncrement(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	target := b.Constant(0x1000)
	b.StoreContext(8, ripOffset, target)
	b.EndBlock(0)

	ctx := &fakeContext{}
	entry, err := New().Compile(b, nullMem{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	next, err := entry.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if next != 0x1000 {
		t.Fatalf("next rip = %#x, want %#x", next, uint64(0x1000))
	}
}

func TestRunArithmeticAndSelect(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	a := b.Constant(10)
	c := b.Constant(3)
	sum := b.Add(a, c)
	diff := b.Sub(sum, c)
	zero := b.Constant(0)
	eq := b.Select(ir.CondEQ, diff, a, b.Constant(1), b.Constant(0))
	_ = zero
	b.StoreContext(8, raxOffset, eq)
	b.EndBlock(1)

	ctx := &fakeContext{}
	entry, err := New().Compile(b, nullMem{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := entry.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// sum=13, diff=10, diff==a(10) so Select picks the "true" branch.
	if ctx.rax != 1 {
		t.Fatalf("rax = %d, want 1 (diff == a)", ctx.rax)
	}
}

type recordingSys struct {
	args [7]uint64
	ret  uint64
}

func (s *recordingSys) Syscall(ctx backend.Context, args [7]uint64) (uint64, error) {
	s.args = args
	return s.ret, nil
}

func TestRunSyscallDispatchesArgsAndStoresReturnValue(t *testing.T) {
	SetRIPOffset(ripOffset)

	b := ir.NewBlock()
	b.BeginBlock()
	var args [7]ir.Offset
	for i := range args {
		args[i] = b.Constant(uint64(i + 1))
	}
	ret := b.Syscall(args)
	b.StoreContext(8, raxOffset, ret)
	b.EndBlock(2)

	sys := &recordingSys{ret: 99}
	ctx := &fakeContext{}
	entry, err := New().Compile(b, nullMem{}, sys)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := entry.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sys.args != [7]uint64{1, 2, 3, 4, 5, 6, 7} {
		t.Fatalf("syscall args = %v, want 1..7", sys.args)
	}
	if ctx.rax != 99 {
		t.Fatalf("rax = %d, want 99 (handler's return value)", ctx.rax)
	}
}

func TestRunSurfacesMemorySpaceError(t *testing.T) {
	SetRIPOffset(ripOffset)

	// A LoadMem against a MemorySpace that fails every access errors
	// out cleanly rather than panicking, exercising Run's error
	// propagation path.
	b := ir.NewBlock()
	b.BeginBlock()
	addr := b.Constant(0x2000)
	v := b.LoadMem(8, addr, ir.SentinelOffset)
	b.StoreContext(8, raxOffset, v)
	b.EndBlock(1)

	ctx := &fakeContext{}
	entry, err := New().Compile(b, errMem{}, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := entry.Run(ctx); err == nil {
		t.Fatal("expected Run to surface the MemorySpace error")
	}
}

type errMem struct{}

func (errMem) ReadAt(addr uint64, dst []byte) error  { return errTestRead }
func (errMem) WriteAt(addr uint64, src []byte) error { return errTestRead }

var errTestRead = &testReadError{}

type testReadError struct{}

func (*testReadError) Error() string { return "test: simulated read failure" }
