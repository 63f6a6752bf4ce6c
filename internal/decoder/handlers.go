package decoder

// HandlerID names a semantic lifter in internal/dispatch. The decoder
// package only knows these as opaque integers, keeping the mapping
// from opcode table to IR-emission code entirely inside dispatch,
// separate from decoder tables.
type HandlerID int

const (
	HUnknown HandlerID = iota
	HMovRegRM
	HMovRMReg
	HMovRegImm
	HMovRMImm
	HLea
	HAddRMReg
	HAddRegRM
	HAddALImm
	HAddEAXImm
	HOrRMReg
	HOrRegRM
	HXorRMReg
	HXorRegRM
	HCmpRMReg
	HCmpRegRM
	HGroup1RMImm // ADD/OR/AND/SUB/XOR/CMP r/m, imm — reg field of ModRM picks the op
	HPushReg
	HPopReg
	HPushImm
	HJccRel8
	HJccRel32
	HJmpRel8
	HJmpRel32
	HCallRel32
	HRet
	HSyscall
	HNop
)

// Group1Op identifies which ALU operation a Group-1 (0x80/0x81/0x83)
// immediate instruction performs, selected by the ModRM reg field.
type Group1Op int

const (
	Group1Add Group1Op = 0
	Group1Or  Group1Op = 1
	Group1Adc Group1Op = 2
	Group1Sbb Group1Op = 3
	Group1And Group1Op = 4
	Group1Sub Group1Op = 5
	Group1Xor Group1Op = 6
	Group1Cmp Group1Op = 7
)
