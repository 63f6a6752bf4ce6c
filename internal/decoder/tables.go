package decoder

// oneByteTable, twoByteTable and modrmExtTable are the static decode
// tables. They cover the subset of the System V x86-64 ISA this
// emulator lifts; every other opcode byte decodes to a nil Info, which
// the lifter treats as a decode failure and routes to the single-step
// fallback interpreter.
//
// Table layout is a flat per-opcode-byte assignment, grouped by
// instruction family with a banner comment; each entry carries a
// semantic Info record rather than a direct interpreter function
// pointer.

var oneByteTable [256]*Info

var twoByteTable [256]*Info

var modrmExtTable = map[uint16]*Info{}

func init() {
	// ADD
	oneByteTable[0x00] = &Info{Name: "ADD Eb,Gb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HAddRMReg}
	oneByteTable[0x01] = &Info{Name: "ADD Ev,Gv", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HAddRMReg}
	oneByteTable[0x02] = &Info{Name: "ADD Gb,Eb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HAddRegRM}
	oneByteTable[0x03] = &Info{Name: "ADD Gv,Ev", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HAddRegRM}
	oneByteTable[0x04] = &Info{Name: "ADD AL,Ib", Class: ClassInstruction, ExtraBytes: 1, Handler: HAddALImm}
	oneByteTable[0x05] = &Info{Name: "ADD eAX,Iz", Class: ClassInstruction, ExtraBytes: 4, Flags: FlagDispDiv2, Handler: HAddEAXImm}

	// OR
	oneByteTable[0x08] = &Info{Name: "OR Eb,Gb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HOrRMReg}
	oneByteTable[0x09] = &Info{Name: "OR Ev,Gv", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HOrRMReg}
	oneByteTable[0x0A] = &Info{Name: "OR Gb,Eb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HOrRegRM}
	oneByteTable[0x0B] = &Info{Name: "OR Gv,Ev", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HOrRegRM}

	// XOR
	oneByteTable[0x30] = &Info{Name: "XOR Eb,Gb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HXorRMReg}
	oneByteTable[0x31] = &Info{Name: "XOR Ev,Gv", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HXorRMReg}
	oneByteTable[0x32] = &Info{Name: "XOR Gb,Eb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HXorRegRM}
	oneByteTable[0x33] = &Info{Name: "XOR Gv,Ev", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HXorRegRM}

	// CMP
	oneByteTable[0x38] = &Info{Name: "CMP Eb,Gb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HCmpRMReg}
	oneByteTable[0x39] = &Info{Name: "CMP Ev,Gv", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HCmpRMReg}
	oneByteTable[0x3A] = &Info{Name: "CMP Gb,Eb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HCmpRegRM}
	oneByteTable[0x3B] = &Info{Name: "CMP Gv,Ev", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HCmpRegRM}

	// PUSH/POP r64 (opcode+reg, REX.B extends to r8-r15)
	for r := byte(0); r <= 7; r++ {
		oneByteTable[0x50+r] = &Info{Name: "PUSH r64", Class: ClassInstruction, Handler: HPushReg}
		oneByteTable[0x58+r] = &Info{Name: "POP r64", Class: ClassInstruction, Handler: HPopReg}
	}
	oneByteTable[0x68] = &Info{Name: "PUSH Iz", Class: ClassInstruction, ExtraBytes: 4, Handler: HPushImm}

	// Jcc rel8 (0x70-0x7F)
	for op := byte(0x70); op <= 0x7F; op++ {
		oneByteTable[op] = &Info{Name: "Jcc rel8", Class: ClassInstruction, ExtraBytes: 1, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HJccRel8}
	}

	// Group 1: immediate ALU ops, selected by ModRM.reg
	oneByteTable[0x80] = &Info{Name: "Grp1 Eb,Ib", Class: ClassModRMTablePrefix, Flags: FlagHasModRM}
	oneByteTable[0x81] = &Info{Name: "Grp1 Ev,Iz", Class: ClassModRMTablePrefix, Flags: FlagHasModRM}
	oneByteTable[0x83] = &Info{Name: "Grp1 Ev,Ib", Class: ClassModRMTablePrefix, Flags: FlagHasModRM}
	for reg := uint16(0); reg <= 7; reg++ {
		modrmExtTable[0x80<<8|reg] = &Info{Name: "Grp1 Eb,Ib", Class: ClassInstruction, Flags: FlagHasModRM, ExtraBytes: 1, Handler: HGroup1RMImm, ModRMExtKey: true}
		modrmExtTable[0x81<<8|reg] = &Info{Name: "Grp1 Ev,Iz", Class: ClassInstruction, Flags: FlagHasModRM, ExtraBytes: 4, Handler: HGroup1RMImm, ModRMExtKey: true}
		modrmExtTable[0x83<<8|reg] = &Info{Name: "Grp1 Ev,Ib", Class: ClassInstruction, Flags: FlagHasModRM, ExtraBytes: 1, Handler: HGroup1RMImm, ModRMExtKey: true}
	}

	// MOV
	oneByteTable[0x88] = &Info{Name: "MOV Eb,Gb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HMovRMReg}
	oneByteTable[0x89] = &Info{Name: "MOV Ev,Gv", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HMovRMReg}
	oneByteTable[0x8A] = &Info{Name: "MOV Gb,Eb", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HMovRegRM}
	oneByteTable[0x8B] = &Info{Name: "MOV Gv,Ev", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HMovRegRM}
	oneByteTable[0x8D] = &Info{Name: "LEA Gv,M", Class: ClassInstruction, Flags: FlagHasModRM, Handler: HLea}

	oneByteTable[0x90] = &Info{Name: "NOP", Class: ClassInstruction, Handler: HNop}

	for r := byte(0); r <= 7; r++ {
		oneByteTable[0xB0+r] = &Info{Name: "MOV r8,Ib", Class: ClassInstruction, ExtraBytes: 1, Handler: HMovRegImm}
		oneByteTable[0xB8+r] = &Info{Name: "MOV r32/64,Iz/Iv", Class: ClassInstruction, ExtraBytes: 4, Flags: FlagDispX2, Handler: HMovRegImm}
	}

	oneByteTable[0xC3] = &Info{Name: "RET", Class: ClassInstruction, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HRet}
	oneByteTable[0xC6] = &Info{Name: "Grp11 Eb,Ib", Class: ClassInstruction, Flags: FlagHasModRM, ExtraBytes: 1, Handler: HMovRMImm}
	oneByteTable[0xC7] = &Info{Name: "Grp11 Ev,Iz", Class: ClassInstruction, Flags: FlagHasModRM, ExtraBytes: 4, Handler: HMovRMImm}

	oneByteTable[0xE8] = &Info{Name: "CALL rel32", Class: ClassInstruction, ExtraBytes: 4, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HCallRel32}
	oneByteTable[0xE9] = &Info{Name: "JMP rel32", Class: ClassInstruction, ExtraBytes: 4, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HJmpRel32}
	oneByteTable[0xEB] = &Info{Name: "JMP rel8", Class: ClassInstruction, ExtraBytes: 1, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HJmpRel8}

	// Two-byte (0F-prefixed) table: SYSCALL, Jcc rel32.
	twoByteTable[0x05] = &Info{Name: "SYSCALL", Class: ClassInstruction, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HSyscall}
	for op := byte(0x80); op <= 0x8F; op++ {
		twoByteTable[op] = &Info{Name: "Jcc rel32", Class: ClassInstruction, ExtraBytes: 4, Flags: FlagSetsRIP | FlagBlockEnd, Handler: HJccRel32}
	}
}
