// Command emu loads and executes a static ELF64 x86-64 Linux
// executable under the DBT: decode → lift → pass pipeline → compile →
// run, with a Linux syscall/HLE layer behind it. Guest exits are
// reported on stderr; the host process itself always exits 0 on a
// clean guest exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nullarch/emu/internal/cpu"
	"github.com/nullarch/emu/internal/elfload"
	"github.com/nullarch/emu/internal/hle"
	"github.com/nullarch/emu/internal/logging"
	"github.com/nullarch/emu/internal/monitor"
)

// Guest address-space layout: a generously oversized backing region so
// ELF segments, the heap, mmap's arena, the stack, and TLS scratch all
// fit without colliding, none of it actually committed until something
// Maps it.
const (
	spaceSize = 1 << 34 // 16 GiB of guest virtual address space

	stackBase  = 0xC000_0000
	stackSize  = 8 * 1024 * 1024
	tlsBase    = 0xB000_0000
	tlsSize    = 4096
)

func main() {
	monitorFlag := flag.Bool("monitor", false, "drop into an interactive debug REPL instead of running to completion")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: emu [options] <path-to-elf>\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *monitorFlag); err != nil {
		fmt.Fprintf(os.Stderr, "emu: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, useMonitor bool) error {
	img, err := elfload.Load(path)
	if err != nil {
		return err
	}

	core, err := cpu.NewCore(spaceSize)
	if err != nil {
		return fmt.Errorf("allocate address space: %w", err)
	}
	if err := img.MapInto(core.Space); err != nil {
		return err
	}
	if _, err := core.Space.Map(tlsBase, tlsSize, true); err != nil {
		return fmt.Errorf("map tls scratch: %w", err)
	}
	if _, err := core.Space.Map(stackBase, stackSize, true); err != nil {
		return fmt.Errorf("map stack: %w", err)
	}

	rsp, err := initGuestStack(core)
	if err != nil {
		return err
	}

	handler := hle.NewHandler(core.Space, core, core)
	core.SetSyscallHandler(handler)

	ts := core.InitThread(img.Entry, rsp)

	if useMonitor {
		m := monitor.New(core, ts, os.Stdout)
		ts.Start()
		return m.Run(os.Stdin)
	}

	ctx := context.Background()
	if err := core.RunAll(ctx); err != nil {
		logging.Errorf("guest execution stopped: %v", err)
	}
	return nil
}

// initGuestStack lays out a placeholder argc/argv block at the very top
// of the stack region: argc(2), argv[0] pointer, argv[1] pointer, then
// argv[0]'s own bytes.
func initGuestStack(core *cpu.Core) (uint64, error) {
	top := uint64(stackBase + stackSize)

	argv0 := []byte("Butts\x00")
	strAddr := top - uint64(len(argv0))
	if err := core.Space.WriteAt(strAddr, argv0); err != nil {
		return 0, err
	}

	// argc, argv[0] pointer, argv[1] pointer: three 8-byte guest words.
	structAddr := strAddr - 24
	buf := make([]byte, 24)
	putLE64(buf[0:8], 2)
	putLE64(buf[8:16], strAddr)
	putLE64(buf[16:24], 0)
	if err := core.Space.WriteAt(structAddr, buf); err != nil {
		return 0, err
	}

	return structAddr, nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
