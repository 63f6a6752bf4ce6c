package refcpu_test

import (
	"testing"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/cpu"
	"github.com/nullarch/emu/internal/refcpu"
)

// fakeMem is a flat byte-addressed guest memory backing refcpu.Step's
// code fetches and any PUSH/POP/CALL/RET/SYSCALL memory traffic.
type fakeMem struct {
	buf   []byte
	base  uint64
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (m *fakeMem) ReadAt(addr uint64, dst []byte) error {
	off := addr - m.base
	copy(dst, m.buf[off:])
	return nil
}

func (m *fakeMem) WriteAt(addr uint64, src []byte) error {
	off := addr - m.base
	copy(m.buf[off:], src)
	return nil
}

type recordingSys struct {
	args [7]uint64
	ret  uint64
}

func (s *recordingSys) Syscall(ctx backend.Context, args [7]uint64) (uint64, error) {
	s.args = args
	return s.ret, nil
}

func TestStepMovRegReg(t *testing.T) {
	ctx := &cpu.Context{RCX: 0xCAFEBABE}
	mem := newFakeMem(4096)
	// 48 89 C8 — mov rax, rcx, placed at guest address 0.
	copy(mem.buf, []byte{0x48, 0x89, 0xC8})

	if err := refcpu.Step(ctx.Bytes(), mem, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ctx.RAX != 0xCAFEBABE {
		t.Fatalf("rax = %#x, want %#x", ctx.RAX, uint64(0xCAFEBABE))
	}
	if ctx.RIP != 3 {
		t.Fatalf("rip = %d, want 3", ctx.RIP)
	}
}

func TestStepAddRegReg(t *testing.T) {
	ctx := &cpu.Context{RAX: 10, RCX: 5}
	mem := newFakeMem(4096)
	// 48 01 C8 — add rax, rcx
	copy(mem.buf, []byte{0x48, 0x01, 0xC8})

	if err := refcpu.Step(ctx.Bytes(), mem, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ctx.RAX != 15 {
		t.Fatalf("rax = %d, want 15", ctx.RAX)
	}
}

func TestStepMovRegReg32ZeroExtends(t *testing.T) {
	ctx := &cpu.Context{RAX: 0xFFFFFFFFFFFFFFFF, RCX: 0xCAFEBABE}
	mem := newFakeMem(4096)
	// 89 C8 — mov eax, ecx (no REX.W): writes the low 32 bits and
	// zero-extends, clearing RAX's upper 32 bits.
	copy(mem.buf, []byte{0x89, 0xC8})

	if err := refcpu.Step(ctx.Bytes(), mem, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ctx.RAX != 0xCAFEBABE {
		t.Fatalf("rax = %#x, want %#x (upper 32 bits zero-extended)", ctx.RAX, uint64(0xCAFEBABE))
	}
}

func TestStepJneNotTakenWhenEqual(t *testing.T) {
	ctx := &cpu.Context{RAX: 7, RBX: 7}
	mem := newFakeMem(4096)
	// 39 D8 — cmp eax, ebx
	copy(mem.buf, []byte{0x39, 0xD8})

	if err := refcpu.Step(ctx.Bytes(), mem, nil); err != nil {
		t.Fatalf("Step cmp: %v", err)
	}
	if ctx.RIP != 2 {
		t.Fatalf("rip after cmp = %d, want 2", ctx.RIP)
	}

	// 75 05 — jne +5, at guest address 2.
	copy(mem.buf[2:], []byte{0x75, 0x05})
	if err := refcpu.Step(ctx.Bytes(), mem, nil); err != nil {
		t.Fatalf("Step jne: %v", err)
	}
	if ctx.RIP != 4 {
		t.Fatalf("rip after jne = %d, want 4 (not taken, eax==ebx)", ctx.RIP)
	}
}

func TestStepSyscallDispatchesSevenArgRecord(t *testing.T) {
	ctx := &cpu.Context{
		RAX: 60, RDI: 1, RSI: 2, RDX: 3, R10: 4, R8: 5, R9: 6,
	}
	mem := newFakeMem(4096)
	// 0F 05 — syscall
	copy(mem.buf, []byte{0x0F, 0x05})
	sys := &recordingSys{ret: 0}

	if err := refcpu.Step(ctx.Bytes(), mem, sys); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if sys.args != [7]uint64{60, 1, 2, 3, 4, 5, 6} {
		t.Fatalf("syscall args = %v, want {60,1,2,3,4,5,6}", sys.args)
	}
	if ctx.RIP != 2 {
		t.Fatalf("rip after syscall = %d, want 2", ctx.RIP)
	}
}
