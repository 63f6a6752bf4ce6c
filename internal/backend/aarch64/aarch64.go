// Package aarch64 is the native-JIT stand-in for AArch64 hosts: it
// always declines to compile, forcing the Core to fall back to the
// interpreter backend. A backend slot exists here so a Core's backend
// list stays architecture-uniform even where no native codegen has
// been written yet.
package aarch64

import (
	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// Backend never compiles anything; Compile always returns a nil
// NativeEntry and nil error, the documented "decline, don't fail"
// contract.
type Backend struct{}

// New returns an aarch64 Backend.
func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "aarch64-stub" }

func (*Backend) Compile(*ir.Block, backend.MemorySpace, backend.SyscallHandler) (backend.NativeEntry, error) {
	return nil, nil
}
