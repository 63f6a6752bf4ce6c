package monitor

import (
	"strings"
	"testing"

	"github.com/nullarch/emu/internal/cpu"
	"github.com/nullarch/emu/internal/hle"
)

const pageSize = 0x1000

func pageFloor(v uint64) uint64 { return v &^ (pageSize - 1) }

func newCoreAndThread(t *testing.T, entry uint64, code []byte) (*cpu.Core, *cpu.ThreadState) {
	t.Helper()
	core, err := cpu.NewCore(1 << 23)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	core.SetSyscallHandler(hle.NewHandler(core.Space, core, core))

	if _, err := core.Space.Map(pageFloor(entry), pageSize, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := core.Space.WriteAt(entry, code); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	ts := core.InitThread(entry, 0x500000)
	return core, ts
}

func TestRunRegsShowsRegisterValues(t *testing.T) {
	const entry = 0x400000
	// 48 89 C8 — mov rax, rcx
	core, ts := newCoreAndThread(t, entry, []byte{0x48, 0x89, 0xC8})
	ts.Ctx.RCX = 0xDEADBEEF

	var out strings.Builder
	m := New(core, ts, &out)
	in := strings.NewReader("reg rcx\nquit\n")
	if err := m.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "0xdeadbeef") {
		t.Fatalf("output missing rcx value, got: %q", out.String())
	}
}

func TestRunStepAdvancesRegisters(t *testing.T) {
	const entry = 0x400000
	// 31 C0 — xor eax, eax
	core, ts := newCoreAndThread(t, entry, []byte{0x31, 0xC0})
	ts.Ctx.RAX = 0x1234

	var out strings.Builder
	m := New(core, ts, &out)
	in := strings.NewReader("step\nreg rax\nquit\n")
	if err := m.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ts.Ctx.RAX != 0 {
		t.Fatalf("rax = %#x, want 0 after step", ts.Ctx.RAX)
	}
	if !strings.Contains(out.String(), "0x0\n") {
		t.Fatalf("output missing zeroed rax, got: %q", out.String())
	}
}

func TestRunBreakThenContinueStopsAtBreakpoint(t *testing.T) {
	const entry = 0x400000
	code := []byte{
		0x31, 0xC0, // [0] xor eax, eax
		0xBB, 0x02, 0x00, 0x00, 0x00, // [2] mov ebx, 2
	}
	core, ts := newCoreAndThread(t, entry, code)

	var out strings.Builder
	m := New(core, ts, &out)
	target := entry + 2
	in := strings.NewReader("break " + hexAddr(target) + "\ncontinue\nquit\n")
	if err := m.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ts.Ctx.RIP != target {
		t.Fatalf("rip = %#x, want breakpoint address %#x", ts.Ctx.RIP, target)
	}
	if !strings.Contains(out.String(), "hit breakpoint") {
		t.Fatalf("output missing breakpoint notice, got: %q", out.String())
	}
}

func TestRunMemDumpsWrittenBytes(t *testing.T) {
	const entry = 0x400000
	core, ts := newCoreAndThread(t, entry, []byte{0x90})
	if err := core.Space.WriteAt(entry, []byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	var out strings.Builder
	m := New(core, ts, &out)
	in := strings.NewReader("mem " + hexAddr(entry) + " 4\nquit\n")
	if err := m.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "01 02 03 04") {
		t.Fatalf("output missing memory dump, got: %q", out.String())
	}
}

func TestRunUnknownCommandDoesNotAbortSession(t *testing.T) {
	const entry = 0x400000
	core, ts := newCoreAndThread(t, entry, []byte{0x90})

	var out strings.Builder
	m := New(core, ts, &out)
	in := strings.NewReader("bogus\nregs\nquit\n")
	if err := m.Run(in); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Fatalf("output missing unknown-command notice, got: %q", out.String())
	}
	if !strings.Contains(out.String(), "rax") {
		t.Fatalf("session ended before reaching regs command, got: %q", out.String())
	}
}

func hexAddr(v uint64) string {
	const hexDigits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var b []byte
	for v > 0 {
		b = append([]byte{hexDigits[v&0xF]}, b...)
		v >>= 4
	}
	return "0x" + string(b)
}
