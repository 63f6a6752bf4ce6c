// Package cpu implements the per-thread execution state machine: the
// architectural register file (Context), the block/IR caches, and the
// core that drives guest OS threads through decode→lift→compile→run.
//
// Context is a flat register block: amd64's sixteen 64-bit GPRs plus
// RIP and RFLAGS, addressed by byte offset rather than field name since
// the IR's LoadContext/StoreContext records target it that way.
package cpu

import "unsafe"

// Context is the architectural state of one guest thread: the sixteen
// general-purpose registers, RIP, and RFLAGS, laid out so that IR
// LoadContext/StoreContext byte offsets address directly into it.
type Context struct {
	RAX, RCX, RDX, RBX uint64
	RSP, RBP, RSI, RDI uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFlags             uint64

	// FSBase backs arch_prctl(ARCH_SET_FS), consulted by thread-local
	// storage addressing in lifted code.
	FSBase uint64
}

// Register indexes the GPR array in the canonical x86-64 encoding
// order (the order ModRM.reg/rm and REX.B/R/X extend), used to convert
// a decoded register field into a Context field offset.
type Register int

const (
	RegRAX Register = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// Flag bit positions within RFlags — amd64 RFLAGS reuses the same low
// bits as 386 EFLAGS, so no new bit layout is needed.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
)

var regOffsets = [16]uint32{
	RegRAX: uint32(unsafe.Offsetof(Context{}.RAX)),
	RegRCX: uint32(unsafe.Offsetof(Context{}.RCX)),
	RegRDX: uint32(unsafe.Offsetof(Context{}.RDX)),
	RegRBX: uint32(unsafe.Offsetof(Context{}.RBX)),
	RegRSP: uint32(unsafe.Offsetof(Context{}.RSP)),
	RegRBP: uint32(unsafe.Offsetof(Context{}.RBP)),
	RegRSI: uint32(unsafe.Offsetof(Context{}.RSI)),
	RegRDI: uint32(unsafe.Offsetof(Context{}.RDI)),
	RegR8:  uint32(unsafe.Offsetof(Context{}.R8)),
	RegR9:  uint32(unsafe.Offsetof(Context{}.R9)),
	RegR10: uint32(unsafe.Offsetof(Context{}.R10)),
	RegR11: uint32(unsafe.Offsetof(Context{}.R11)),
	RegR12: uint32(unsafe.Offsetof(Context{}.R12)),
	RegR13: uint32(unsafe.Offsetof(Context{}.R13)),
	RegR14: uint32(unsafe.Offsetof(Context{}.R14)),
	RegR15: uint32(unsafe.Offsetof(Context{}.R15)),
}

// RegOffset returns the Context byte offset of general-purpose
// register r, for building LoadContext/StoreContext IR records.
func RegOffset(r Register) uint32 { return regOffsets[r] }

// RIPOffset and RFlagsOffset are field offsets for the two
// non-indexable architectural registers.
func RIPOffset() uint32    { return uint32(unsafe.Offsetof(Context{}.RIP)) }
func RFlagsOffset() uint32 { return uint32(unsafe.Offsetof(Context{}.RFlags)) }
func FSBaseOffset() uint32 { return uint32(unsafe.Offsetof(Context{}.FSBase)) }

// Bytes exposes the Context as a flat byte slice for the interpreter
// backend's LoadContext/StoreContext execution and for the native JIT
// to compute absolute field addresses at compile time.
func (c *Context) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(c)), unsafe.Sizeof(*c))
}

// GPR returns the current value of general-purpose register r.
func (c *Context) GPR(r Register) uint64 {
	return *(*uint64)(unsafe.Pointer(&c.Bytes()[regOffsets[r]]))
}

// SetGPR stores v into general-purpose register r.
func (c *Context) SetGPR(r Register, v uint64) {
	*(*uint64)(unsafe.Pointer(&c.Bytes()[regOffsets[r]])) = v
}
