// Package interpreter implements the always-available IR-walking
// backend: it never fails to compile a validated block, and its Run
// method evaluates records in order using a single values-by-offset
// array, exploiting the same positional-identity property ir.Block
// itself relies on. This is the backend every other one is checked
// for correctness against, and the only one guaranteed to run on any
// host architecture this module targets, including the AArch64 stub's
// fallback path.
package interpreter

import (
	"fmt"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// Backend is the stateless interpreter backend value; it holds no
// per-block state, so a single instance may compile any number of
// blocks concurrently.
type Backend struct{}

// New returns an interpreter Backend.
func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "interpreter" }

// entry captures exactly what Run needs: the block and the
// MemorySpace/SyscallHandler it was compiled against.
type entry struct {
	blk *ir.Block
	mem backend.MemorySpace
	sys backend.SyscallHandler
}

// Compile always succeeds for a validated block: the interpreter needs
// no native codegen step, just a reference to the block.
func (b *Backend) Compile(blk *ir.Block, mem backend.MemorySpace, sys backend.SyscallHandler) (backend.NativeEntry, error) {
	return &entry{blk: blk, mem: mem, sys: sys}, nil
}

// Run walks e.blk record by record, maintaining values[offset] for
// every record producing a result, and applies LoadContext/
// StoreContext/LoadMem/StoreMem directly against ctx and e.mem.
func (e *entry) Run(ctx backend.Context) (uint64, error) {
	buf := e.blk.Bytes()
	values := make([]uint64, len(buf)+1)
	ctxBytes := ctx.Bytes()

	// rip starts at the context's current RIP, so an EndBlock increment
	// advances from where the block began.
	var rip uint64
	if ro := ripFieldOffset(ctxBytes); int(ro)+8 <= len(ctxBytes) {
		rip = readSized(ctxBytes[ro:], 8)
	}
	off := ir.Offset(0)
	for int(off) < len(buf) {
		tag := e.blk.Tag(off)
		switch tag {
		case ir.OpConstant:
			values[off] = e.blk.ConstantValue(off)
		case ir.OpLoadContext:
			size, fieldOff := e.blk.LoadContextInfo(off)
			values[off] = readSized(ctxBytes[fieldOff:], size)
		case ir.OpStoreContext:
			size, fieldOff, arg := e.blk.StoreContextInfo(off)
			writeSized(ctxBytes[fieldOff:], size, values[arg])
			if fieldOff == ripFieldOffset(ctxBytes) {
				rip = values[arg]
			}
		case ir.OpLoadMem:
			size, base, idx := e.blk.LoadMemInfo(off)
			addr := values[base]
			if idx != ir.SentinelOffset {
				addr += values[idx]
			}
			tmp := make([]byte, size)
			if err := e.mem.ReadAt(addr, tmp); err != nil {
				return 0, fmt.Errorf("interpreter: LoadMem at %#x: %w", addr, err)
			}
			values[off] = readSized(tmp, size)
		case ir.OpStoreMem:
			size, base, idx, val := e.blk.StoreMemInfo(off)
			addr := values[base]
			if idx != ir.SentinelOffset {
				addr += values[idx]
			}
			tmp := make([]byte, size)
			writeSized(tmp, size, values[val])
			if err := e.mem.WriteAt(addr, tmp); err != nil {
				return 0, fmt.Errorf("interpreter: StoreMem at %#x: %w", addr, err)
			}
		case ir.OpAdd:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] + values[c]
		case ir.OpSub:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] - values[c]
		case ir.OpOr:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] | values[c]
		case ir.OpXor:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] ^ values[c]
		case ir.OpShl:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] << (values[c] & 63)
		case ir.OpShr:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] >> (values[c] & 63)
		case ir.OpAnd:
			a, c := e.blk.BinaryOperands(off)
			values[off] = values[a] & values[c]
		case ir.OpNand:
			a, c := e.blk.BinaryOperands(off)
			values[off] = ^(values[a] & values[c])
		case ir.OpBitExtract:
			a, bit := e.blk.BinaryOperands(off)
			values[off] = (values[a] >> (values[bit] & 63)) & 1
		case ir.OpSelectEQ:
			a, c, t, f := e.blk.SelectOperands(off)
			if values[a] == values[c] {
				values[off] = values[t]
			} else {
				values[off] = values[f]
			}
		case ir.OpSelectNEQ:
			a, c, t, f := e.blk.SelectOperands(off)
			if values[a] != values[c] {
				values[off] = values[t]
			} else {
				values[off] = values[f]
			}
		case ir.OpTrunc16:
			a := e.blk.TruncOperand(off)
			values[off] = values[a] & 0xFFFF
		case ir.OpTrunc32:
			a := e.blk.TruncOperand(off)
			values[off] = values[a] & 0xFFFFFFFF
		case ir.OpBeginBlock, ir.OpJmpTarget, ir.OpReturn:
			// markers, no value
		case ir.OpJump:
			target := e.blk.JumpTarget(off)
			_ = target
		case ir.OpCondJump:
			_, _, ripTarget := e.blk.CondJumpInfo(off)
			if rip == 0 {
				rip = ripTarget
			}
		case ir.OpCall, ir.OpExternCall:
			// target already applied via the preceding StoreContext(RIP)
		case ir.OpSyscall:
			args := e.blk.SyscallArgs(off)
			var argVals [7]uint64
			for i, a := range args {
				argVals[i] = values[a]
			}
			ret, err := e.sys.Syscall(ctx, argVals)
			if err != nil {
				return 0, err
			}
			values[off] = ret
		case ir.OpRIPMarker:
			// diagnostic only
		case ir.OpEndBlock:
			inc := e.blk.EndBlockIncrement(off)
			if inc != 0 {
				rip += inc
			}
		default:
			return 0, fmt.Errorf("interpreter: unhandled IR op %d at offset %d", tag, off)
		}

		size, _ := recordTotalSize(e.blk, off, tag)
		off += ir.Offset(1 + size)
	}

	return rip, nil
}

func readSized(b []byte, size uint8) uint64 {
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func writeSized(b []byte, size uint8, v uint64) {
	for i := uint8(0); i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ripOffsetOverride is the Context field offset the interpreter treats
// as RIP. The interpreter package has no dependency on cpu.Context to
// avoid an import cycle, so it infers "this StoreContext targets RIP"
// from the field offset recorded via SetRIPOffset.
var ripOffsetOverride uint32 = ^uint32(0)

// SetRIPOffset configures which Context field offset the interpreter
// treats as RIP, so Run's return value reflects it. Must be called
// once before the first Run; internal/cpu's init does this.
func SetRIPOffset(offset uint32) { ripOffsetOverride = offset }

func ripFieldOffset(ctxBytes []byte) uint32 { return ripOffsetOverride }

func recordTotalSize(b *ir.Block, off ir.Offset, tag ir.Op) (int, error) {
	return recordPayloadSize(tag), nil
}

func recordPayloadSize(tag ir.Op) int {
	switch tag {
	case ir.OpConstant:
		return 8
	case ir.OpLoadContext:
		return 5
	case ir.OpStoreContext:
		return 9
	case ir.OpLoadMem:
		return 9
	case ir.OpStoreMem:
		return 13
	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpAnd, ir.OpNand, ir.OpBitExtract:
		return 8
	case ir.OpSelectEQ, ir.OpSelectNEQ:
		return 16
	case ir.OpTrunc16, ir.OpTrunc32:
		return 4
	case ir.OpBeginBlock, ir.OpJmpTarget, ir.OpReturn:
		return 0
	case ir.OpEndBlock:
		return 8
	case ir.OpJump:
		return 4
	case ir.OpCondJump:
		return 16
	case ir.OpCall, ir.OpExternCall:
		return 4
	case ir.OpSyscall:
		return 28
	case ir.OpRIPMarker:
		return 8
	default:
		return 0
	}
}
