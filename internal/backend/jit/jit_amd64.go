//go:build amd64

// Package jit implements the native-code backend: it translates a
// validated ir.Block directly into amd64 machine code using
// golang-asm's obj.Prog builder, the same external assembler library
// tetratelabs/wazero's JIT engine uses to avoid hand-encoding opcode
// bytes. Compiled code runs against the live *cpu.Context and a
// per-block scratch array addressed the same way the interpreter
// addresses its values-by-offset array, so a record's IR Offset is
// also its scratch-slot index here.
//
// Compile declines (returns a nil entry, nil error) for any record
// kind it has not been taught to emit — LoadMem/StoreMem, BitExtract,
// Select, Trunc, Syscall, Jump/CondJump/Call/ExternCall/Return, and
// LoadContext/StoreContext narrower than 8 bytes — so the Core falls
// back to the interpreter for those blocks rather than running
// incomplete native code.
package jit

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/sys/unix"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// jitcall is implemented in jitcall_amd64.s. It loads ctxPtr into R15
// and scratchPtr into R14, calls into code, and returns whatever value
// the compiled code left in AX.
func jitcall(code, ctxPtr, scratchPtr uintptr) uint64

// ripOffsetOverride mirrors the interpreter package's same-named
// mechanism: the jit package cannot import internal/cpu without
// creating an import cycle (cpu imports backend to select backends),
// so the Core configures it once at startup via SetRIPOffset.
var ripOffsetOverride uint32 = ^uint32(0)

// SetRIPOffset configures which cpu.Context field offset holds RIP.
func SetRIPOffset(offset uint32) { ripOffsetOverride = offset }

// Backend is the amd64 native-code backend.
type Backend struct{}

// New returns a Backend. Valid only on amd64 hosts; build tags keep it
// out of non-amd64 builds, where aarch64.Backend takes its place.
func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "jit-amd64" }

type entry struct {
	code     []byte // mmapped PROT_EXEC region
	scratch  []uint64
	scratchN int
}

func (e *entry) Run(ctx backend.Context) (uint64, error) {
	for i := range e.scratch {
		e.scratch[i] = 0
	}
	ctxPtr := uintptr(unsafePointer(ctx.Bytes()))
	scratchPtr := uintptr(unsafePointer(u64Bytes(e.scratch)))
	codePtr := uintptr(unsafePointer(e.code))
	return jitcall(codePtr, ctxPtr, scratchPtr), nil
}

// Compile walks b's records once, emitting one or more obj.Prog
// instructions per record into an asm.Builder. Any record this
// codegen doesn't recognize aborts the whole compile with (nil, nil):
// decline, don't partially compile.
func (bk *Backend) Compile(b *ir.Block, mem backend.MemorySpace, sys backend.SyscallHandler) (backend.NativeEntry, error) {
	asmBuilder, err := asm.NewBuilder("amd64", 64)
	if err != nil {
		return nil, fmt.Errorf("jit: new builder: %w", err)
	}

	c := &codegen{b: asmBuilder, blk: b}

	buf := b.Bytes()
	off := ir.Offset(0)
	for int(off) < len(buf) {
		tag := b.Tag(off)
		if !c.emit(off, tag) {
			return nil, nil // decline: fall back to the interpreter
		}
		size := recordPayloadSize(tag)
		off += ir.Offset(1 + size)
	}

	c.emitFinalRet()

	machineCode := asmBuilder.Assemble()
	if err != nil {
		return nil, fmt.Errorf("jit: assemble: %w", err)
	}
	exec, err := mmapExecutable(machineCode)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap executable region: %w", err)
	}

	return &entry{code: exec, scratch: make([]uint64, len(buf)+1)}, nil
}

// codegen tracks the instruction stream and the running "current RIP"
// register slot used to compute EndBlock's return value.
type codegen struct {
	b        *asm.Builder
	blk      *ir.Block
	ripReg   int16 // AX holds the final RIP value by convention; see emitFinalRet
	haveRip  bool
}

func (c *codegen) newProg() *obj.Prog { return c.b.NewProg() }

func (c *codegen) add(p *obj.Prog) { c.b.AddInstruction(p) }

func memAddr(reg int16, offset int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: reg, Offset: offset}
}

func regAddr(reg int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: reg} }

func constAddr(v int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: v} }

// scratchSlot returns the memory operand for IR offset off's slot in
// the R14-addressed scratch array (8 bytes per slot).
func scratchSlot(off ir.Offset) obj.Addr {
	return memAddr(x86.REG_R14, int64(off)*8)
}

func (c *codegen) movToAX(addr obj.Addr) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From = addr
	p.To = regAddr(x86.REG_AX)
	c.add(p)
}

func (c *codegen) movFromAX(addr obj.Addr) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From = regAddr(x86.REG_AX)
	p.To = addr
	c.add(p)
}

func (c *codegen) movToReg(addr obj.Addr, reg int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From = addr
	p.To = regAddr(reg)
	c.add(p)
}

func (c *codegen) binOp(as obj.As, src, dst int16) {
	p := c.newProg()
	p.As = as
	p.From = regAddr(src)
	p.To = regAddr(dst)
	c.add(p)
}

// emit translates one IR record into machine instructions. It returns
// false when it doesn't support the record kind, signalling the caller
// to abandon native compilation for the whole block.
func (c *codegen) emit(off ir.Offset, tag ir.Op) bool {
	b := c.blk
	switch tag {
	case ir.OpBeginBlock, ir.OpJmpTarget, ir.OpRIPMarker:
		return true

	case ir.OpConstant:
		v := int64(b.ConstantValue(off))
		p := c.newProg()
		p.As = x86.AMOVQ
		p.From = constAddr(v)
		p.To = regAddr(x86.REG_AX)
		c.add(p)
		c.movFromAX(scratchSlot(off))
		return true

	case ir.OpLoadContext:
		size, fieldOff := b.LoadContextInfo(off)
		if size != 8 {
			return false
		}
		c.movToAX(memAddr(x86.REG_R15, int64(fieldOff)))
		c.movFromAX(scratchSlot(off))
		return true

	case ir.OpStoreContext:
		size, fieldOff, arg := b.StoreContextInfo(off)
		if size != 8 {
			return false
		}
		c.movToAX(scratchSlot(arg))
		c.movFromAX(memAddr(x86.REG_R15, int64(fieldOff)))
		if fieldOff == ripOffsetOverride {
			c.haveRip = true
		}
		return true

	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpXor, ir.OpAnd:
		a, cOff := b.BinaryOperands(off)
		c.movToReg(scratchSlot(a), x86.REG_AX)
		c.movToReg(scratchSlot(cOff), x86.REG_BX)
		var as obj.As
		switch tag {
		case ir.OpAdd:
			as = x86.AADDQ
		case ir.OpSub:
			as = x86.ASUBQ
		case ir.OpOr:
			as = x86.AORQ
		case ir.OpXor:
			as = x86.AXORQ
		case ir.OpAnd:
			as = x86.AANDQ
		}
		c.binOp(as, x86.REG_BX, x86.REG_AX)
		c.movFromAX(scratchSlot(off))
		return true

	case ir.OpNand:
		a, cOff := b.BinaryOperands(off)
		c.movToReg(scratchSlot(a), x86.REG_AX)
		c.movToReg(scratchSlot(cOff), x86.REG_BX)
		c.binOp(x86.AANDQ, x86.REG_BX, x86.REG_AX)
		p := c.newProg()
		p.As = x86.ANOTQ
		p.To = regAddr(x86.REG_AX)
		c.add(p)
		c.movFromAX(scratchSlot(off))
		return true

	case ir.OpShl, ir.OpShr:
		a, cOff := b.BinaryOperands(off)
		c.movToReg(scratchSlot(cOff), x86.REG_CX)
		c.movToReg(scratchSlot(a), x86.REG_AX)
		as := x86.ASHLQ
		if tag == ir.OpShr {
			as = x86.ASHRQ
		}
		c.binOp(as, x86.REG_CX, x86.REG_AX)
		c.movFromAX(scratchSlot(off))
		return true

	case ir.OpEndBlock:
		inc := b.EndBlockIncrement(off)
		if inc != 0 {
			if ripOffsetOverride == ^uint32(0) {
				return false
			}
			c.movToAX(memAddr(x86.REG_R15, int64(ripOffsetOverride)))
			p := c.newProg()
			p.As = x86.AADDQ
			p.From = constAddr(int64(inc))
			p.To = regAddr(x86.REG_AX)
			c.add(p)
			c.movFromAX(memAddr(x86.REG_R15, int64(ripOffsetOverride)))
		}
		return true

	default:
		return false
	}
}

// emitFinalRet loads the (by now updated) RIP field back into AX — the
// value jitcall surfaces as its return — and returns.
func (c *codegen) emitFinalRet() {
	if ripOffsetOverride != ^uint32(0) {
		c.movToAX(memAddr(x86.REG_R15, int64(ripOffsetOverride)))
	}
	p := c.newProg()
	p.As = obj.ARET
	c.add(p)
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

func mmapExecutable(code []byte) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	return mem, nil
}
