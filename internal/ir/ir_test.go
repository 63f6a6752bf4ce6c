package ir

import "testing"

func TestConstantRoundTrip(t *testing.T) {
	b := NewBlock()
	off := b.Constant(0xDEADBEEF)
	if got := b.ConstantValue(off); got != 0xDEADBEEF {
		t.Fatalf("ConstantValue = %#x, want 0xDEADBEEF", got)
	}
}

func TestLoadStoreContextRoundTrip(t *testing.T) {
	b := NewBlock()
	c := b.Constant(5)
	store := b.StoreContext(8, 0x10, c)
	size, offset, arg := b.StoreContextInfo(store)
	if size != 8 || offset != 0x10 || arg != c {
		t.Fatalf("StoreContextInfo = (%d,%d,%d), want (8,16,%d)", size, offset, arg, c)
	}
}

func TestValidateRejectsForwardOperand(t *testing.T) {
	b := NewBlock()
	// Hand-construct an Add whose second operand is a later record.
	a := b.Constant(1)
	addOff := b.Add(a, a+100) // forged forward reference
	_ = addOff
	if err := b.Validate(); err == nil {
		t.Fatal("Validate should reject a forward operand reference")
	}
}

func TestValidateRejectsRecordAfterEndBlock(t *testing.T) {
	b := NewBlock()
	b.BeginBlock()
	b.EndBlock(3)
	b.JmpTarget() // illegal trailing record
	if err := b.Validate(); err == nil {
		t.Fatal("Validate should reject any record following EndBlock")
	}
}

func TestValidateAcceptsWellFormedBlock(t *testing.T) {
	b := NewBlock()
	b.BeginBlock()
	rax := b.LoadContext(8, 0)
	five := b.Constant(5)
	sum := b.Add(rax, five)
	b.StoreContext(8, 0, sum)
	b.EndBlock(3)
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate on well-formed block: %v", err)
	}
}

func TestCondJumpRipTarget(t *testing.T) {
	b := NewBlock()
	cond := b.Constant(1)
	target := b.JmpTarget()
	cj := b.CondJump(cond, target, 0x401003)
	gotCond, gotTarget, gotRip := b.CondJumpInfo(cj)
	if gotCond != cond || gotTarget != target || gotRip != 0x401003 {
		t.Fatalf("CondJumpInfo mismatch: (%d,%d,%#x)", gotCond, gotTarget, gotRip)
	}
}
