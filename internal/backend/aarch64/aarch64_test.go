package aarch64

import (
	"testing"

	"github.com/nullarch/emu/internal/ir"
)

func TestCompileAlwaysDeclines(t *testing.T) {
	b := New()
	if b.Name() == "" {
		t.Fatal("Name() returned empty string")
	}
	entry, err := b.Compile(ir.NewBlock(), nil, nil)
	if entry != nil || err != nil {
		t.Fatalf("Compile() = (%v, %v), want (nil, nil)", entry, err)
	}
}
