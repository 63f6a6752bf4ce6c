// Package backend defines the uniform compile interface:
// compile(ir_block) -> native_entry_point | null. Concrete backends
// live in subpackages (interpreter, jit, aarch64) so a Core can be
// built against whichever one the host architecture and build tags
// make available — one small interface with swappable concrete
// implementations.
package backend

import "github.com/nullarch/emu/internal/ir"

// NativeEntry is an opaque compiled form of one ir.Block. Run executes
// it against ctx (a *cpu.Context, passed as the Context interface
// below to avoid an import cycle between backend and cpu) and
// returns the guest RIP execution left the thread at.
type NativeEntry interface {
	Run(ctx Context) (nextRIP uint64, err error)
}

// Context is the minimal surface a backend needs from the
// architectural register file: a flat byte view that every backend
// addresses by field offset.
type Context interface {
	Bytes() []byte
}

// MemorySpace is the minimal surface a backend needs from the guest
// address space to execute LoadMem/StoreMem records.
type MemorySpace interface {
	ReadAt(addr uint64, dst []byte) error
	WriteAt(addr uint64, src []byte) error
}

// SyscallHandler executes a lifted Syscall record's seven-argument ABI
// call and returns the guest return value.
type SyscallHandler interface {
	Syscall(ctx Context, args [7]uint64) (uint64, error)
}

// Backend compiles a validated ir.Block into a NativeEntry, or returns
// a nil NativeEntry (no error) when it cannot handle the block: null
// means fall through to the next backend, the contract aarch64's
// always-fail stub relies on.
type Backend interface {
	Name() string
	Compile(b *ir.Block, mem MemorySpace, sys SyscallHandler) (NativeEntry, error)
}
