// Package monitor implements an interactive debug REPL over the guest
// CPU state: register dump, single-step, breakpoints, and memory
// inspection. A typed register-name lookup plus a breakpoint map
// consulted by a runner loop, exposed as a local line-oriented REPL
// rather than a networked debug protocol.
package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/nullarch/emu/internal/cpu"
)

// Monitor drives one guest thread under interactive control.
type Monitor struct {
	core *cpu.Core
	ts   *cpu.ThreadState

	out io.Writer

	breakpoints map[uint64]bool
}

// New returns a Monitor controlling ts, a thread owned by core.
func New(core *cpu.Core, ts *cpu.ThreadState, out io.Writer) *Monitor {
	return &Monitor{core: core, ts: ts, out: out, breakpoints: make(map[uint64]bool)}
}

// registers lists the general-purpose registers in the canonical
// encoding order, plus RIP/RFLAGS.
var registers = []struct {
	name string
	get  func(*cpu.Context) uint64
}{
	{"rax", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRAX) }},
	{"rcx", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRCX) }},
	{"rdx", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRDX) }},
	{"rbx", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRBX) }},
	{"rsp", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRSP) }},
	{"rbp", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRBP) }},
	{"rsi", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRSI) }},
	{"rdi", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegRDI) }},
	{"r8", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR8) }},
	{"r9", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR9) }},
	{"r10", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR10) }},
	{"r11", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR11) }},
	{"r12", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR12) }},
	{"r13", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR13) }},
	{"r14", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR14) }},
	{"r15", func(c *cpu.Context) uint64 { return c.GPR(cpu.RegR15) }},
	{"rip", func(c *cpu.Context) uint64 { return c.RIP }},
	{"rflags", func(c *cpu.Context) uint64 { return c.RFlags }},
}

func (m *Monitor) getRegister(name string) (uint64, bool) {
	name = strings.ToLower(name)
	for _, r := range registers {
		if r.name == name {
			return r.get(&m.ts.Ctx), true
		}
	}
	return 0, false
}

func (m *Monitor) dumpRegisters() {
	for i, r := range registers {
		fmt.Fprintf(m.out, "%-7s %#018x", r.name, r.get(&m.ts.Ctx))
		if i%2 == 1 {
			fmt.Fprintln(m.out)
		}
	}
	if len(registers)%2 == 1 {
		fmt.Fprintln(m.out)
	}
}

// Run reads commands line by line from in until EOF or "quit",
// writing prompts and output to m.out. Line-oriented rather than
// raw per-keystroke terminal mode, since multi-token commands like
// "break 0x1000" or "mem 0xc0000000 64" don't fit single-character
// command dispatch.
func (m *Monitor) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(m.out, "emu monitor — type help for commands")

	// Only print an interactive prompt when stdin is an actual
	// terminal; a piped/scripted session (tests, CI) gets bare output.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))

	for {
		if interactive {
			fmt.Fprint(m.out, "(emu) ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "help":
			fmt.Fprintln(m.out, "commands: regs, reg <name>, step, continue, break <addr>, mem <addr> <len>, quit")
		case "regs":
			m.dumpRegisters()
		case "reg":
			if len(fields) < 2 {
				fmt.Fprintln(m.out, "usage: reg <name>")
				continue
			}
			v, ok := m.getRegister(fields[1])
			if !ok {
				fmt.Fprintf(m.out, "unknown register %q\n", fields[1])
				continue
			}
			fmt.Fprintf(m.out, "%#x\n", v)
		case "step":
			if err := m.core.Step(m.ts); err != nil {
				fmt.Fprintf(m.out, "step: %v\n", err)
			}
		case "continue":
			if err := m.cont(); err != nil {
				fmt.Fprintf(m.out, "continue: %v\n", err)
			}
		case "break":
			if len(fields) < 2 {
				fmt.Fprintln(m.out, "usage: break <addr>")
				continue
			}
			addr, err := parseAddr(fields[1])
			if err != nil {
				fmt.Fprintln(m.out, err)
				continue
			}
			m.breakpoints[addr] = true
			fmt.Fprintf(m.out, "breakpoint set at %#x\n", addr)
		case "mem":
			if len(fields) < 3 {
				fmt.Fprintln(m.out, "usage: mem <addr> <len>")
				continue
			}
			m.dumpMemory(fields[1], fields[2])
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(m.out, "unknown command %q\n", fields[0])
		}
	}
}

// cont steps the guest thread one block at a time until a set
// breakpoint's RIP is reached or the thread exits.
func (m *Monitor) cont() error {
	for {
		if err := m.core.Step(m.ts); err != nil {
			return err
		}
		if m.breakpoints[m.ts.Ctx.RIP] {
			fmt.Fprintf(m.out, "hit breakpoint at %#x\n", m.ts.Ctx.RIP)
			return nil
		}
	}
}

func (m *Monitor) dumpMemory(addrStr, lenStr string) {
	addr, err := parseAddr(addrStr)
	if err != nil {
		fmt.Fprintln(m.out, err)
		return
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n <= 0 {
		fmt.Fprintln(m.out, "invalid length")
		return
	}
	buf := make([]byte, n)
	if err := m.core.Space.ReadAt(addr, buf); err != nil {
		fmt.Fprintf(m.out, "mem: %v\n", err)
		return
	}
	for i := 0; i < len(buf); i += 16 {
		end := i + 16
		if end > len(buf) {
			end = len(buf)
		}
		fmt.Fprintf(m.out, "%#010x  % x\n", addr+uint64(i), buf[i:end])
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return v, nil
}
