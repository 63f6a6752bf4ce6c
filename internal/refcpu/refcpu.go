// Package refcpu implements the single-step reference/fallback
// emulator: an independent x86-64 decoder and executor used whenever
// the primary decoder/lifter can't handle an encoding. It keeps no
// per-thread state and takes no part in thread creation. Using a second,
// unrelated decoder (golang.org/x/arch/x86/x86asm, not
// internal/decoder's own tables) means a bug in the DBT's decoder
// cannot also break its own safety net.
package refcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nullarch/emu/internal/backend"
)

// regOffsets, ripOffset and rflagsOffset mirror the same
// configure-once-at-startup pattern internal/backend/interpreter and
// internal/backend/jit use to learn cpu.Context's field layout without
// importing internal/cpu (which itself imports refcpu, so the reverse
// import would cycle).
var (
	regOffsets   [16]uint32
	ripOffset    uint32
	rflagsOffset uint32
	configured   bool
)

// Configure records cpu.Context's field layout. Called once from
// internal/cpu's init.
func Configure(regs [16]uint32, rip, rflags uint32) {
	regOffsets = regs
	ripOffset = rip
	rflagsOffset = rflags
	configured = true
}

// MemorySpace is the minimal guest-memory surface Step needs.
type MemorySpace = backend.MemorySpace

// SyscallHandler is the minimal syscall surface Step needs.
type SyscallHandler = backend.SyscallHandler

type rawContext []byte

func (r rawContext) Bytes() []byte { return r }

func getReg(ctx []byte, off uint32) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(ctx[off+uint32(i)]) << (8 * i)
	}
	return v
}

func setReg(ctx []byte, off uint32, v uint64) {
	for i := 0; i < 8; i++ {
		ctx[off+uint32(i)] = byte(v >> (8 * i))
	}
}

func gprIndex(r x86asm.Reg) (idx int, width int, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return int(r-x86asm.AL) % 16, 1, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r-x86asm.AX) % 16, 2, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r-x86asm.EAX) % 16, 4, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, true
	default:
		return 0, 0, false
	}
}

// Step decodes and executes exactly one instruction at the register
// file's current RIP, reading guest bytes through mem and dispatching
// SYSCALL through sys. It supports a representative subset of what
// internal/dispatch lifts (MOV/ADD/OR/XOR/AND/SUB/CMP/PUSH/POP/JE/JNE/
// JMP/CALL/RET/SYSCALL/NOP) since its purpose is to make forward progress
// on exactly the instructions the primary path already targets, not to
// be a full independent x86-64 interpreter.
func Step(ctx []byte, mem MemorySpace, sys SyscallHandler) error {
	if !configured {
		return fmt.Errorf("refcpu: Configure was never called")
	}
	rip := getReg(ctx, ripOffset)

	window := make([]byte, 16)
	if err := mem.ReadAt(rip, window); err != nil {
		return fmt.Errorf("refcpu: read at %#x: %w", rip, err)
	}
	inst, err := x86asm.Decode(window, 64)
	if err != nil {
		return fmt.Errorf("refcpu: decode at %#x: %w", rip, err)
	}

	nextRip := rip + uint64(inst.Len)

	switch inst.Op {
	case x86asm.NOP:
		// no effect

	case x86asm.MOV:
		v, err := operandValue(ctx, mem, inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := storeOperand(ctx, mem, inst, inst.Args[0], v); err != nil {
			return err
		}

	case x86asm.ADD, x86asm.OR, x86asm.XOR, x86asm.AND, x86asm.SUB:
		a, err := operandValue(ctx, mem, inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := operandValue(ctx, mem, inst, inst.Args[1])
		if err != nil {
			return err
		}
		var res uint64
		switch inst.Op {
		case x86asm.ADD:
			res = a + b
		case x86asm.OR:
			res = a | b
		case x86asm.XOR:
			res = a ^ b
		case x86asm.AND:
			res = a & b
		case x86asm.SUB:
			res = a - b
		}
		if err := storeOperand(ctx, mem, inst, inst.Args[0], res); err != nil {
			return err
		}

	case x86asm.CMP:
		a, err := operandValue(ctx, mem, inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := operandValue(ctx, mem, inst, inst.Args[1])
		if err != nil {
			return err
		}
		flags := getReg(ctx, rflagsOffset)
		if a == b {
			flags |= 1 << 6
		} else {
			flags &^= 1 << 6
		}
		setReg(ctx, rflagsOffset, flags)

	case x86asm.PUSH:
		v, err := operandValue(ctx, mem, inst, inst.Args[0])
		if err != nil {
			return err
		}
		rsp := getReg(ctx, regOffsets[4]) - 8
		setReg(ctx, regOffsets[4], rsp)
		if err := writeMem(mem, rsp, v, 8); err != nil {
			return err
		}

	case x86asm.POP:
		rsp := getReg(ctx, regOffsets[4])
		tmp := make([]byte, 8)
		if err := mem.ReadAt(rsp, tmp); err != nil {
			return err
		}
		setReg(ctx, regOffsets[4], rsp+8)
		if err := storeOperand(ctx, mem, inst, inst.Args[0], leU64(tmp)); err != nil {
			return err
		}

	case x86asm.JE, x86asm.JNE:
		flags := getReg(ctx, rflagsOffset)
		zero := flags&(1<<6) != 0
		taken := (inst.Op == x86asm.JE && zero) || (inst.Op == x86asm.JNE && !zero)
		if taken {
			rel, ok := inst.Args[0].(x86asm.Rel)
			if !ok {
				return fmt.Errorf("refcpu: Jcc operand not relative")
			}
			nextRip = rip + uint64(inst.Len) + uint64(int64(rel))
		}

	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return fmt.Errorf("refcpu: JMP operand not relative")
		}
		nextRip = rip + uint64(inst.Len) + uint64(int64(rel))

	case x86asm.CALL:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return fmt.Errorf("refcpu: CALL operand not relative")
		}
		retAddr := rip + uint64(inst.Len)
		rsp := getReg(ctx, regOffsets[4]) - 8
		setReg(ctx, regOffsets[4], rsp)
		if err := writeMem(mem, rsp, retAddr, 8); err != nil {
			return err
		}
		nextRip = rip + uint64(inst.Len) + uint64(int64(rel))

	case x86asm.RET:
		rsp := getReg(ctx, regOffsets[4])
		tmp := make([]byte, 8)
		if err := mem.ReadAt(rsp, tmp); err != nil {
			return err
		}
		setReg(ctx, regOffsets[4], rsp+8)
		nextRip = leU64(tmp)

	case x86asm.SYSCALL:
		args := [7]uint64{
			getReg(ctx, regOffsets[0]), // RAX
			getReg(ctx, regOffsets[7]), // RDI
			getReg(ctx, regOffsets[6]), // RSI
			getReg(ctx, regOffsets[2]), // RDX
			getReg(ctx, regOffsets[10]), // R10
			getReg(ctx, regOffsets[8]), // R8
			getReg(ctx, regOffsets[9]), // R9
		}
		ret, err := sys.Syscall(rawContext(ctx), args)
		if err != nil {
			return err
		}
		setReg(ctx, regOffsets[0], ret)

	default:
		return fmt.Errorf("refcpu: unsupported instruction %v at rip %#x", inst.Op, rip)
	}

	setReg(ctx, ripOffset, nextRip)
	return nil
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func writeMem(mem MemorySpace, addr, v uint64, size int) error {
	tmp := make([]byte, size)
	for i := 0; i < size; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	return mem.WriteAt(addr, tmp)
}

func operandValue(ctx []byte, mem MemorySpace, inst x86asm.Inst, arg x86asm.Arg) (uint64, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		idx, width, ok := gprIndex(a)
		if !ok {
			return 0, fmt.Errorf("refcpu: unsupported register operand %v", a)
		}
		v := getReg(ctx, regOffsets[idx])
		return maskWidth(v, width), nil
	case x86asm.Imm:
		return uint64(a), nil
	case x86asm.Mem:
		addr, err := effectiveAddress(ctx, a)
		if err != nil {
			return 0, err
		}
		tmp := make([]byte, inst.MemBytes)
		if inst.MemBytes == 0 {
			tmp = make([]byte, 8)
		}
		if err := mem.ReadAt(addr, tmp); err != nil {
			return 0, err
		}
		return leU64(tmp), nil
	default:
		return 0, fmt.Errorf("refcpu: unsupported operand type %T", arg)
	}
}

func storeOperand(ctx []byte, mem MemorySpace, inst x86asm.Inst, arg x86asm.Arg, v uint64) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		idx, width, ok := gprIndex(a)
		if !ok {
			return fmt.Errorf("refcpu: unsupported register operand %v", a)
		}
		switch {
		case width == 8:
			setReg(ctx, regOffsets[idx], v)
		case width == 4:
			// A 32-bit GPR write zero-extends to the full 64-bit
			// register per the x86-64 ABI, unlike 8/16-bit writes
			// which preserve the upper bits.
			setReg(ctx, regOffsets[idx], v&0xFFFFFFFF)
		default:
			old := getReg(ctx, regOffsets[idx])
			mask := uint64(1)<<(uint(width)*8) - 1
			setReg(ctx, regOffsets[idx], (old &^ mask) | (v & mask))
		}
		return nil
	case x86asm.Mem:
		addr, err := effectiveAddress(ctx, a)
		if err != nil {
			return err
		}
		size := inst.MemBytes
		if size == 0 {
			size = 8
		}
		return writeMem(mem, addr, v, size)
	default:
		return fmt.Errorf("refcpu: unsupported store target %T", arg)
	}
}

func effectiveAddress(ctx []byte, m x86asm.Mem) (uint64, error) {
	var addr uint64
	if m.Base != 0 {
		idx, _, ok := gprIndex(m.Base)
		if !ok {
			return 0, fmt.Errorf("refcpu: unsupported base register %v", m.Base)
		}
		addr += getReg(ctx, regOffsets[idx])
	}
	if m.Index != 0 {
		idx, _, ok := gprIndex(m.Index)
		if !ok {
			return 0, fmt.Errorf("refcpu: unsupported index register %v", m.Index)
		}
		addr += getReg(ctx, regOffsets[idx]) * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	return addr, nil
}

func maskWidth(v uint64, width int) uint64 {
	if width >= 8 {
		return v
	}
	return v & (uint64(1)<<(uint(width)*8) - 1)
}
