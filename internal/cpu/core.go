// Package cpu implements the DBT core: the execution loop that drives
// each guest thread through decode → lift → pass pipeline → compile →
// run, backed by per-thread block/IR caches, plus the pause-all
// barrier multi-threaded guest programs need when one thread maps new
// memory other threads must also observe.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/backend/aarch64"
	"github.com/nullarch/emu/internal/backend/interpreter"
	"github.com/nullarch/emu/internal/backend/jit"
	"github.com/nullarch/emu/internal/decoder"
	"github.com/nullarch/emu/internal/dispatch"
	"github.com/nullarch/emu/internal/hle"
	"github.com/nullarch/emu/internal/ir"
	"github.com/nullarch/emu/internal/logging"
	"github.com/nullarch/emu/internal/memmap"
	"github.com/nullarch/emu/internal/passes"
	"github.com/nullarch/emu/internal/refcpu"
)

func init() {
	interpreter.SetRIPOffset(RIPOffset())
	jit.SetRIPOffset(RIPOffset())

	var layout [16]uint32
	for r := RegRAX; r <= RegR15; r++ {
		layout[r] = RegOffset(r)
	}
	refcpu.Configure(layout, RIPOffset(), RFlagsOffset())
	hle.Configure(RIPOffset(), RegOffset(RegRSP), RegOffset(RegRAX), FSBaseOffset())
}

// SyscallHandler is the syscall surface the Core needs, satisfied by
// internal/hle.Handler (which reads and writes guest registers through
// backend.Context, not cpu.Context).
type SyscallHandler interface {
	Syscall(ctx backend.Context, args [7]uint64) (uint64, error)
}

// Core owns the guest address space, the backend chain, and the set of
// live guest threads: a single address space shared by every guest OS
// thread, plus the shared resource every worker goroutine holds a
// pointer to.
type Core struct {
	Space *memmap.Space
	sys   SyscallHandler

	backends []backend.Backend

	mu      sync.Mutex
	threads []*ThreadState
	nextTID int32

	analysisPasses     *passes.Manager
	optimizationPasses *passes.Manager
}

// NewCore allocates a Core with a freshly Allocate'd address space of
// spaceSize bytes and the standard backend chain in priority order:
// native JIT first, the AArch64 stub (always declines), then the
// always-available interpreter last.
//
// The syscall handler is wired in separately via SetSyscallHandler:
// internal/hle.Handler needs a ThreadSpawner/RegionMapper pointing
// back at this same Core (for clone and mmap/brk), so construction is
// necessarily two-phase — a Core with sys unset cannot run guest code
// yet, but can hand itself to a Handler's constructor.
func NewCore(spaceSize uint64) (*Core, error) {
	space := memmap.New()
	if err := space.Allocate(spaceSize); err != nil {
		return nil, fmt.Errorf("cpu: allocate address space: %w", err)
	}
	return &Core{
		Space: space,
		backends: []backend.Backend{
			jit.New(),
			aarch64.New(),
			interpreter.New(),
		},
		analysisPasses:     passes.NewManager(passes.ValidatePass{}),
		optimizationPasses: passes.NewManager(passes.NewIdentityPass("identity")),
		nextTID:            1,
	}, nil
}

// SetSyscallHandler completes a Core's construction. Must be called
// before RunAll/InitThread's thread ever reaches a SYSCALL instruction.
func (c *Core) SetSyscallHandler(sys SyscallHandler) { c.sys = sys }

// InitThread creates the process's first thread, its Context zeroed
// except for RIP and RSP, and registers it with the Core.
func (c *Core) InitThread(entryRIP, initialRSP uint64) *ThreadState {
	c.mu.Lock()
	tid := c.nextTID
	c.nextTID++
	c.mu.Unlock()

	ts := NewThreadState(tid)
	ts.Ctx.RIP = entryRIP
	ts.Ctx.RSP = initialRSP

	c.mu.Lock()
	c.threads = append(c.threads, ts)
	c.mu.Unlock()
	return ts
}

// NewThread services clone(2): it copies the parent's Context (the
// caller is expected to have already adjusted RSP/TLS/return-value
// fields per the clone flags before calling this) and registers the
// child with the Core so mapRegionOnAll reaches it too.
func (c *Core) NewThread(parent *Context) *ThreadState {
	c.mu.Lock()
	tid := c.nextTID
	c.nextTID++
	c.mu.Unlock()

	ts := NewThreadState(tid)
	ts.Ctx = *parent

	c.mu.Lock()
	c.threads = append(c.threads, ts)
	c.mu.Unlock()
	return ts
}

// RemoveThread unregisters a thread once it has exited, so
// mapRegionOnAll no longer waits on it.
func (c *Core) RemoveThread(ts *ThreadState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.threads {
		if t == ts {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			return
		}
	}
}

// RunAll starts every currently-registered thread's execution loop
// under an errgroup.Group, returning once every thread has exited or
// any one returns a non-nil error — the supervision pattern
// golang.org/x/sync/errgroup exists for, one shared cancellation
// context in place of per-worker done-channel-plus-manual-select
// bookkeeping.
func (c *Core) RunAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	threadsSnapshot := append([]*ThreadState(nil), c.threads...)
	c.mu.Unlock()

	for _, ts := range threadsSnapshot {
		ts := ts
		ts.Start()
		g.Go(func() error {
			return c.executionThread(gctx, ts)
		})
	}
	return g.Wait()
}

// executionThread is the per-thread loop: wait for the start barrier,
// then repeatedly decode/lift/compile/run one block at a time at the
// thread's current RIP, checking the pause and stop flags between
// blocks.
func (c *Core) executionThread(ctx context.Context, ts *ThreadState) error {
	ts.waitStart()
	ts.running.Store(true)
	defer func() {
		ts.running.Store(false)
		close(ts.Done)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ts.stopRequested() {
			return nil
		}
		for ts.Paused() {
			// Parked for mapRegionOnAll, whose Resume clears the flag.
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if err := c.runOneBlock(ts); err != nil {
			if errors.Is(err, hle.ErrExit) {
				return nil
			}
			return err
		}
	}
}

// Step runs exactly one block (or, on a decode failure, exactly one
// fallback-interpreted instruction) at ts's current RIP. Exported for
// internal/monitor's single-step command; the execution loop's own
// per-iteration body is the same runOneBlock this calls.
func (c *Core) Step(ts *ThreadState) error {
	return c.runOneBlock(ts)
}

func (c *Core) runOneBlock(ts *ThreadState) error {
	rip := ts.Ctx.RIP
	entry, ok := ts.lookupBlock(rip)
	if !ok {
		blk, err := c.lift(ts, rip)
		if err != nil {
			logging.Debugf("cpu: lift failed at rip %#x, falling back to single-step: %v", rip, err)
			if err := c.fallbackSingleStep(ts); err != nil {
				if errors.Is(err, hle.ErrExit) {
					return hle.ErrExit
				}
				return fmt.Errorf("cpu: fallback single-step at rip %#x: %w", rip, err)
			}
			return nil
		}
		ts.insertIR(rip, blk)

		compiled, err := c.compile(blk)
		if err != nil {
			return fmt.Errorf("cpu: compile at rip %#x: %w", rip, err)
		}
		ts.insertBlock(rip, compiled)
		entry = compiled
	}

	next, err := entry.Run(&ts.Ctx)
	if err != nil {
		if errors.Is(err, hle.ErrExit) {
			return hle.ErrExit
		}
		return fmt.Errorf("cpu: run block at rip %#x: %w", rip, err)
	}
	ts.Ctx.RIP = next
	return nil
}

// lift decodes and dispatches guest instructions starting at rip into
// one IR block, stopping at the first block-ending instruction (Jcc,
// JMP, CALL, RET, SYSCALL) or at a configured maximum instruction
// count, whichever comes first.
func (c *Core) lift(ts *ThreadState, rip uint64) (*ir.Block, error) {
	const maxInstructions = 256
	const maxWindow = 16

	b := dispatch.NewBuilder()
	b.Begin()

	cur := rip
	for i := 0; i < maxInstructions; i++ {
		window := make([]byte, maxWindow)
		if err := c.Space.ReadAt(cur, window); err != nil {
			return nil, fmt.Errorf("read instruction bytes at %#x: %w", cur, err)
		}
		res, err := decoder.Decode(window)
		if err != nil {
			return nil, fmt.Errorf("decode at %#x: %w", cur, err)
		}
		if res.Info == nil {
			return nil, fmt.Errorf("no decode table entry at %#x (opcode %#x)", cur, window[0])
		}

		b.AddRIPMarker(cur)
		if err := b.Dispatch(window[:res.Size], cur, res); err != nil {
			return nil, err
		}

		cur += uint64(res.Size)
		if res.Info.Flags&decoder.FlagBlockEnd != 0 {
			b.End(0)
			return b.IR(), nil
		}
	}
	b.End(cur - rip)
	return b.IR(), nil
}

// compile runs the analysis/optimization pass pipelines, then tries
// each backend in order until one returns a non-nil NativeEntry.
func (c *Core) compile(blk *ir.Block) (backend.NativeEntry, error) {
	blk, err := c.analysisPasses.Run(blk)
	if err != nil {
		return nil, err
	}
	blk, err = c.optimizationPasses.Run(blk)
	if err != nil {
		return nil, err
	}

	for _, be := range c.backends {
		entry, err := be.Compile(blk, c.Space, c.sys)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", be.Name(), err)
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("no backend could compile block")
}

// fallbackSingleStep executes exactly one instruction at the thread's
// current RIP through the independent reference decoder, used when
// the primary decoder/lifter can't handle an encoding, so a DBT
// decoder bug degrades to correctness-preserving slow execution rather
// than a hard stop.
func (c *Core) fallbackSingleStep(ts *ThreadState) error {
	return refcpu.Step(ts.Ctx.Bytes(), c.Space, c.sys)
}

// mapRegionOnAll establishes a new memory mapping for every live guest
// thread: it sets each thread's pause flag, performs the mapping, then
// clears the flags. It does not wait for any thread to park before
// mapping; a thread inside a block keeps running during the mapping and
// only checks the flag at its next block boundary. The mapping is made
// in the one shared Space, so every thread sees it once Map returns.
func (c *Core) mapRegionOnAll(guestOffset, size uint64, fixed bool) (uintptr, error) {
	c.mu.Lock()
	threadsSnapshot := append([]*ThreadState(nil), c.threads...)
	c.mu.Unlock()

	for _, t := range threadsSnapshot {
		t.Pause()
	}
	defer func() {
		for _, t := range threadsSnapshot {
			t.Resume()
		}
	}()

	return c.Space.Map(guestOffset, size, fixed)
}

// MapRegionOnAll exposes mapRegionOnAll to the hle package's mmap
// implementation.
func (c *Core) MapRegionOnAll(guestOffset, size uint64, fixed bool) (uintptr, error) {
	return c.mapRegionOnAll(guestOffset, size, fixed)
}

func bytesToContext(b []byte) *Context {
	var c Context
	copy(c.Bytes(), b)
	return &c
}

// CloneThread services clone(2) from inside the syscall handler: it
// registers a new ThreadState carrying a copy of the parent's register
// file (the caller has already adjusted RSP/TLS/return-value fields
// per the clone flags) and starts its execution loop immediately. A
// thread spawned this way runs outside RunAll's errgroup — it is
// already mid-flight by the time any supervisor could have known about
// it — so its own exit is reported only through logging; a child
// thread's lifetime is independent of the parent's wait semantics once
// CLONE_THREAD-style attachment succeeds.
func (c *Core) CloneThread(parentCtx []byte) int32 {
	ts := c.NewThread(bytesToContext(parentCtx))
	ts.Start()
	go func() {
		if err := c.executionThread(context.Background(), ts); err != nil {
			logging.Errorf("cpu: cloned thread %d exited: %v", ts.TID, err)
		}
		c.RemoveThread(ts)
	}()
	return ts.TID
}
