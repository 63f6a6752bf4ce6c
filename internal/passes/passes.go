// Package passes implements the IR pass manager: an ordered pipeline
// of transformations applied to a lifted ir.Block before it reaches a
// backend, a composable chain so optimizations can be added without
// touching the lifter or backends.
package passes

import "github.com/nullarch/emu/internal/ir"

// Pass transforms a Block, returning the (possibly identical) Block to
// use downstream. A Pass that makes no change should return its input
// unmodified rather than rebuild it.
type Pass interface {
	Name() string
	Run(b *ir.Block) (*ir.Block, error)
}

// Manager runs a fixed, ordered sequence of passes over a Block.
type Manager struct {
	passes []Pass
}

// NewManager returns a Manager that runs passes in the given order.
func NewManager(passes ...Pass) *Manager { return &Manager{passes: passes} }

// Run applies every configured pass in order, returning the final
// Block or the first error encountered.
func (m *Manager) Run(b *ir.Block) (*ir.Block, error) {
	var err error
	for _, p := range m.passes {
		b, err = p.Run(b)
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ValidatePass runs ir.Block.Validate and fails the pipeline if the
// block violates the append-only/operand-ordering invariants. Intended
// to run first, catching a lifter bug before it reaches a backend.
type ValidatePass struct{}

func (ValidatePass) Name() string { return "validate" }

func (ValidatePass) Run(b *ir.Block) (*ir.Block, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// IdentityPass performs no transformation. It exists as a placeholder
// pipeline stage and as a template for new passes.
type IdentityPass struct{ name string }

// NewIdentityPass returns an IdentityPass reporting the given name,
// useful for pipeline position markers in diagnostics.
func NewIdentityPass(name string) IdentityPass { return IdentityPass{name: name} }

func (p IdentityPass) Name() string { return p.name }

func (p IdentityPass) Run(b *ir.Block) (*ir.Block, error) { return b, nil }
