// Package decoder implements the x86-64 instruction length decoder:
// static one-byte, two-byte (0F-prefixed), and ModRM-extension tables
// indexed by opcode byte, producing a mnemonic/class/flags record and
// the instruction's total encoded length. It does not interpret
// operands — that is internal/dispatch's job — it only tells the
// caller how many bytes the instruction occupies and what dispatch
// handler (by opcode index) should lift it.
//
// Each table entry describes the instruction (info the lifter's
// Builder consumes) rather than being the handler itself, since the
// same Info must serve both the IR lifter and the length-only fast
// path prefix scanning requires.
package decoder

import "fmt"

// Class classifies a decode-table leaf.
type Class byte

const (
	ClassUnknown Class = iota
	ClassLegacyPrefix
	ClassREXPrefix
	ClassModRMTablePrefix
	ClassInstruction
)

// Flag bits describing static properties of an instruction-table leaf.
type Flag uint16

const (
	FlagHasModRM Flag = 1 << iota
	FlagDispX2         // immediate size (ExtraBytes) doubles when REX.W set
	FlagDispDiv2       // immediate size (ExtraBytes) halves when OPSIZE (0x66) set
	FlagRexInByte      // REX bits are encoded directly in the opcode byte (rare)
	FlagSetsRIP
	FlagBlockEnd
)

// Info is the static per-opcode record produced by table lookup.
type Info struct {
	Name        string
	Class       Class
	Flags       Flag
	ExtraBytes  int // fixed additional bytes (e.g. immediate size) beyond opcode+modrm+sib+disp
	Handler     HandlerID
	ModRMExtKey bool
}

// DecodeFlag records run-time prefix/modrm/sib observations.
type DecodeFlag uint16

const (
	DFRex DecodeFlag = 1 << iota
	DFOpSize
	DFAddrSize
	DFModRM
	DFSib
	DFLock
)

// Rex holds the decomposed bits of a REX prefix, when present.
type Rex struct {
	Present    bool
	W, R, X, B bool
}

// Result is what Decode returns for one instruction.
type Result struct {
	Info         *Info
	Size         int
	PrefixBytes  int
	Flags        DecodeFlag
	Rex          Rex
	ModRM        byte
	HasModRM     bool
	SIB          byte
	HasSIB       bool
	DispSize     int
	ImmSize      int
	OpcodeOffset int // offset of the first non-prefix opcode byte within the input slice
}

// ByteReader is the minimal interface Decode needs over guest memory —
// satisfied by a slice, or by anything that can hand back a window of
// bytes starting at RIP.
type ByteReader interface {
	ReadAt(addr uint64, dst []byte) error
}

// Decode decodes one instruction from code, which must start at the
// guest instruction boundary and be long enough to contain the whole
// encoding (16 bytes is always sufficient for x86-64). Returns an error
// only for control-flow issues (short buffer); an unrecognized opcode
// yields a nil Result.Info with no error — callers decide unknown-decode
// fallback themselves.
func Decode(code []byte) (*Result, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("decoder: empty input")
	}
	r := &Result{}
	i := 0

	// Step 1: legacy prefixes.
	for i < len(code) {
		switch code[i] {
		case 0x66:
			r.Flags |= DFOpSize
			i++
			continue
		case 0x67:
			r.Flags |= DFAddrSize
			i++
			continue
		case 0xF0:
			r.Flags |= DFLock
			i++
			continue
		case 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
			i++
			continue
		}
		break
	}

	// Step 2: at most one REX prefix.
	if i < len(code) && code[i] >= 0x40 && code[i] <= 0x4F {
		rex := code[i]
		r.Rex = Rex{
			Present: true,
			W:       rex&0x08 != 0,
			R:       rex&0x04 != 0,
			X:       rex&0x02 != 0,
			B:       rex&0x01 != 0,
		}
		r.Flags |= DFRex
		i++
	}
	r.PrefixBytes = i

	if i >= len(code) {
		return nil, fmt.Errorf("decoder: truncated instruction after prefixes")
	}

	// Step 3: one- vs two-byte table.
	var info *Info
	opcodeStart := i
	if code[i] == 0x0F {
		i++
		if i >= len(code) {
			return nil, fmt.Errorf("decoder: truncated two-byte opcode")
		}
		info = twoByteTable[code[i]]
		i++
	} else {
		info = oneByteTable[code[i]]
		i++
	}
	r.OpcodeOffset = opcodeStart

	if info == nil {
		return &Result{Info: nil}, nil
	}

	// Step 4: ModRM-extension resolution.
	if info.Class == ClassModRMTablePrefix {
		if i >= len(code) {
			return nil, fmt.Errorf("decoder: truncated ModRM-extension instruction")
		}
		modrm := code[i]
		key := uint16(code[opcodeStart])<<8 | uint16((modrm>>3)&7)
		ext, ok := modrmExtTable[key]
		if !ok {
			return &Result{Info: nil}, nil
		}
		info = ext
	}

	r.Info = info

	// Step 5: ModRM / SIB / displacement sizing.
	if info.Flags&FlagHasModRM != 0 || r.Rex.R || r.Rex.X || r.Rex.B {
		if i >= len(code) {
			return nil, fmt.Errorf("decoder: truncated ModRM byte")
		}
		r.ModRM = code[i]
		r.HasModRM = true
		r.Flags |= DFModRM
		i++

		mod := r.ModRM >> 6
		rm := r.ModRM & 7

		hasSIB := rm == 0b100 && mod != 0b11
		if hasSIB {
			if i >= len(code) {
				return nil, fmt.Errorf("decoder: truncated SIB byte")
			}
			r.SIB = code[i]
			r.HasSIB = true
			r.Flags |= DFSib
			i++
		}

		switch {
		case mod == 0b01:
			r.DispSize = 1
		case mod == 0b10:
			r.DispSize = 4
		case mod == 0b00 && rm == 0b101:
			r.DispSize = 4
		case mod == 0b00 && hasSIB && (r.SIB&7) == 0b101:
			r.DispSize = 4
		default:
			r.DispSize = 0
		}
		i += r.DispSize
	}

	// Step 6: fixed extra bytes (immediates), scaled by REX.W/OPSIZE.
	extra := info.ExtraBytes
	if info.Flags&FlagDispX2 != 0 && r.Rex.W {
		extra *= 2
	}
	if info.Flags&FlagDispDiv2 != 0 && r.Flags&DFOpSize != 0 {
		extra /= 2
	}
	r.ImmSize = extra
	i += extra

	if i > len(code) {
		return nil, fmt.Errorf("decoder: instruction length %d exceeds input window %d", i, len(code))
	}

	r.Size = i
	return r, nil
}
