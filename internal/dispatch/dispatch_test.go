package dispatch

import (
	"testing"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/backend/interpreter"
	"github.com/nullarch/emu/internal/cpu"
	"github.com/nullarch/emu/internal/decoder"
)

// nullMem is a backend.MemorySpace that panics on any access; the
// single-instruction blocks these tests build never touch memory.
type nullMem struct{}

func (nullMem) ReadAt(addr uint64, dst []byte) error  { panic("unexpected ReadAt") }
func (nullMem) WriteAt(addr uint64, src []byte) error { panic("unexpected WriteAt") }

// recordingSys captures the last syscall args it was handed and
// returns a fixed value, standing in for internal/hle.Handler.
type recordingSys struct {
	args [7]uint64
	ret  uint64
}

func (s *recordingSys) Syscall(ctx backend.Context, args [7]uint64) (uint64, error) {
	s.args = args
	return s.ret, nil
}

// buildAndRun decodes and dispatches each instruction in code back to
// back into a single block, ending it with ripIncrement, then runs it
// through the interpreter backend against ctx.
func buildAndRun(t *testing.T, code []byte, ripIncrement uint64, ctx *cpu.Context, sys backend.SyscallHandler) uint64 {
	t.Helper()

	b := NewBuilder()
	b.Begin()

	rip := ctx.RIP
	pos := 0
	for pos < len(code) {
		res, err := decoder.Decode(code[pos:])
		if err != nil {
			t.Fatalf("decode at %d: %v", pos, err)
		}
		if res.Info == nil {
			t.Fatalf("no decode table entry at %d (byte %#x)", pos, code[pos])
		}
		b.AddRIPMarker(rip)
		if err := b.Dispatch(code[pos:pos+res.Size], rip, res); err != nil {
			t.Fatalf("dispatch at %d: %v", pos, err)
		}
		pos += res.Size
		rip += uint64(res.Size)
	}
	b.End(ripIncrement)

	if err := b.IR().Validate(); err != nil {
		t.Fatalf("invalid block: %v", err)
	}

	be := interpreter.New()
	entry, err := be.Compile(b.IR(), nullMem{}, sys)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	next, err := entry.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return next
}

func TestMovRegReg(t *testing.T) {
	// 48 89 C8 — mov rax, rcx
	code := []byte{0x48, 0x89, 0xC8}
	ctx := &cpu.Context{RCX: 0xDEADBEEF}
	next := buildAndRun(t, code, uint64(len(code)), ctx, nil)

	if ctx.RAX != 0xDEADBEEF {
		t.Fatalf("rax = %#x, want %#x", ctx.RAX, uint64(0xDEADBEEF))
	}
	if next != uint64(len(code)) {
		t.Fatalf("next rip = %#x, want %#x", next, uint64(len(code)))
	}
}

func TestXorEaxEaxZeroesRegister(t *testing.T) {
	// 31 C0 — xor eax, eax
	code := []byte{0x31, 0xC0}
	ctx := &cpu.Context{RAX: 0x1234}
	buildAndRun(t, code, uint64(len(code)), ctx, nil)

	if ctx.RAX != 0 {
		t.Fatalf("rax = %#x, want 0", ctx.RAX)
	}
}

func TestAddRaxImm8(t *testing.T) {
	// 48 83 C0 05 — add rax, 5
	code := []byte{0x48, 0x83, 0xC0, 0x05}
	ctx := &cpu.Context{RAX: 10}
	buildAndRun(t, code, uint64(len(code)), ctx, nil)

	if ctx.RAX != 15 {
		t.Fatalf("rax = %d, want 15", ctx.RAX)
	}
}

func TestConditionalBranchFallthroughUpdatesBothRegisters(t *testing.T) {
	// cmp eax, ebx ; jne L1 ; mov eax, 1 ; L1: mov ebx, 2
	//
	// eax == ebx == 7, so the branch is not taken and both
	// straight-line instructions after it execute.
	code := []byte{
		0x39, 0xD8, // cmp eax, ebx
		0x75, 0x05, // jne +5 (size of "mov eax, 1")
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
	}
	ctx := &cpu.Context{RAX: 7, RBX: 7}

	// The Jcc lift ends its own block (any RIP write ends a block), so
	// the straight-line tail is lifted and run as a second block once
	// the interpreter reports the fallthrough RIP.
	b := NewBuilder()
	b.Begin()
	rip := ctx.RIP
	res, err := decoder.Decode(code)
	if err != nil {
		t.Fatalf("decode cmp: %v", err)
	}
	if err := b.Dispatch(code[:res.Size], rip, res); err != nil {
		t.Fatalf("dispatch cmp: %v", err)
	}
	rip += uint64(res.Size)
	pos := res.Size

	res2, err := decoder.Decode(code[pos:])
	if err != nil {
		t.Fatalf("decode jne: %v", err)
	}
	if err := b.Dispatch(code[pos:pos+res2.Size], rip, res2); err != nil {
		t.Fatalf("dispatch jne: %v", err)
	}
	b.End(0)
	if err := b.IR().Validate(); err != nil {
		t.Fatalf("invalid block 1: %v", err)
	}

	interp := interpreter.New()
	entry1, err := interp.Compile(b.IR(), nullMem{}, nil)
	if err != nil {
		t.Fatalf("compile block 1: %v", err)
	}
	next, err := entry1.Run(ctx)
	if err != nil {
		t.Fatalf("run block 1: %v", err)
	}

	fallthroughRIP := rip + uint64(res2.Size)
	if next != fallthroughRIP {
		t.Fatalf("next rip = %#x, want fallthrough %#x (branch should not be taken)", next, fallthroughRIP)
	}

	tail := code[pos+res2.Size:]
	ctx.RIP = next
	buildAndRun(t, tail, uint64(len(tail)), ctx, nil)

	if ctx.RAX != 1 {
		t.Fatalf("eax = %d, want 1", ctx.RAX)
	}
	if ctx.RBX != 2 {
		t.Fatalf("ebx = %d, want 2", ctx.RBX)
	}
}

func TestSyscallLiftsSevenArgRecordAndStoresRIPBeforeCall(t *testing.T) {
	// 0F 05 — syscall, with rax=102 (getuid) and argument registers set.
	code := []byte{0x0F, 0x05}
	ctx := &cpu.Context{
		RAX: 102,
		RDI: 1, RSI: 2, RDX: 3, R10: 4, R8: 5, R9: 6,
		RIP: 0x1000,
	}
	sys := &recordingSys{ret: 1}

	startRIP := ctx.RIP
	next := buildAndRun(t, code, 0, ctx, sys)

	if sys.args[0] != 102 {
		t.Fatalf("syscall number = %d, want 102", sys.args[0])
	}
	if sys.args != [7]uint64{102, 1, 2, 3, 4, 5, 6} {
		t.Fatalf("syscall args = %v, want {102,1,2,3,4,5,6}", sys.args)
	}
	if ctx.RAX != 1 {
		t.Fatalf("rax after syscall = %d, want 1 (handler's return value)", ctx.RAX)
	}
	if next != startRIP+uint64(len(code)) {
		t.Fatalf("next rip = %#x, want %#x", next, startRIP+uint64(len(code)))
	}
}

func TestMovRegImm32ZeroExtendsUpperBits(t *testing.T) {
	// B8 05 00 00 00 — mov eax, 5. eax's opcode byte (0xB8) has its low
	// bit clear, which operandWidth must not mistake for the 8-bit
	// MOV r8,Ib form: a 32-bit destination zero-extends into rax.
	code := []byte{0xB8, 0x05, 0x00, 0x00, 0x00}
	ctx := &cpu.Context{RAX: 0xFFFFFFFF00000000}
	buildAndRun(t, code, uint64(len(code)), ctx, nil)

	if ctx.RAX != 5 {
		t.Fatalf("rax = %#x, want 5 (upper 32 bits zero-extended)", ctx.RAX)
	}
}

func TestDispatchRejectsUnrecognizedEncoding(t *testing.T) {
	b := NewBuilder()
	b.Begin()
	// 0F 0B is UD2: the decoder has no table entry for it, so Decode
	// hands back a nil Info, which Dispatch must reject rather than
	// lift as if it were a no-op.
	res, err := decoder.Decode([]byte{0x0F, 0x0B})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Info != nil {
		t.Fatalf("decoder unexpectedly has a table entry for UD2: %+v", res.Info)
	}
	if err := b.Dispatch([]byte{0x0F, 0x0B}, 0, res); err == nil {
		t.Fatal("expected dispatch error for unrecognized encoding, got nil")
	}
	if !b.HadDecodeFailure() {
		t.Fatal("HadDecodeFailure() = false after a failed Dispatch")
	}
}
