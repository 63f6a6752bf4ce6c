//go:build !amd64

// On non-amd64 hosts there is no native codegen; New returns a backend
// that always declines, identical in behavior to internal/backend/aarch64.
package jit

import (
	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// SetRIPOffset is a no-op on non-amd64 builds.
func SetRIPOffset(uint32) {}

// Backend always declines to compile on this host architecture.
type Backend struct{}

// New returns a Backend that never compiles a block.
func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "jit-unavailable" }

func (*Backend) Compile(*ir.Block, backend.MemorySpace, backend.SyscallHandler) (backend.NativeEntry, error) {
	return nil, nil
}
