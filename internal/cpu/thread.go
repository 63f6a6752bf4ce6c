package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/ir"
)

// ThreadState is one guest thread's full execution state: its register
// file, block/IR caches, and the cooperative control flags the Core
// uses to start, pause, and stop it — one goroutine per guest thread,
// driven by a Running atomic flag and a done channel, any number of
// which can share one address space.
type ThreadState struct {
	TID int32
	Ctx Context

	running atomic.Bool
	paused  atomic.Bool
	stopped atomic.Bool

	startMu   sync.Mutex
	startCond *sync.Cond
	started   bool

	Done chan struct{}

	cacheMu    sync.RWMutex
	blockCache map[uint64]backend.NativeEntry
	irCache    map[uint64]*ir.Block

	// RobustListHead and ClearChildTID are not read or written by this
	// package or by internal/hle, which records set_robust_list,
	// set_tid_address and CLONE_CHILD_CLEARTID addresses in its own
	// Handler maps.
	RobustListHead uint64
	ClearChildTID  uint64
}

// NewThreadState allocates a ThreadState with empty caches. Its
// execution loop does not begin until Start is called on it.
func NewThreadState(tid int32) *ThreadState {
	ts := &ThreadState{
		TID:        tid,
		Done:       make(chan struct{}),
		blockCache: make(map[uint64]backend.NativeEntry),
		irCache:    make(map[uint64]*ir.Block),
	}
	ts.startCond = sync.NewCond(&ts.startMu)
	return ts
}

// Start releases the thread's start barrier, letting its execution
// goroutine begin running guest code.
func (t *ThreadState) Start() {
	t.startMu.Lock()
	t.started = true
	t.startCond.Broadcast()
	t.startMu.Unlock()
}

// waitStart blocks the execution goroutine until Start is called.
func (t *ThreadState) waitStart() {
	t.startMu.Lock()
	for !t.started {
		t.startCond.Wait()
	}
	t.startMu.Unlock()
}

// RequestStop asks the thread to exit its execution loop at the next
// block boundary. Cooperative, not forced: the stop flag is only
// advisory between block boundaries.
func (t *ThreadState) RequestStop() { t.stopped.Store(true) }

func (t *ThreadState) stopRequested() bool { return t.stopped.Load() }

// Pause/Resume implement the pause-all barrier mapRegionOnAll uses:
// each thread polls Paused() between blocks and parks until resumed.
func (t *ThreadState) Pause()        { t.paused.Store(true) }
func (t *ThreadState) Resume()       { t.paused.Store(false) }
func (t *ThreadState) Paused() bool  { return t.paused.Load() }
func (t *ThreadState) Running() bool { return t.running.Load() }

// lookupBlock returns the cached native entry for rip, if any.
func (t *ThreadState) lookupBlock(rip uint64) (backend.NativeEntry, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	e, ok := t.blockCache[rip]
	return e, ok
}

// insertBlock records a compiled entry for rip. A second insert for
// the same rip without an intervening flush is a logic bug, not a
// runtime condition to tolerate — it panics rather than silently
// overwriting.
func (t *ThreadState) insertBlock(rip uint64, e backend.NativeEntry) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if _, exists := t.blockCache[rip]; exists {
		panic("cpu: block cache already has an entry for this rip")
	}
	t.blockCache[rip] = e
}

func (t *ThreadState) lookupIR(rip uint64) (*ir.Block, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	b, ok := t.irCache[rip]
	return b, ok
}

func (t *ThreadState) insertIR(rip uint64, b *ir.Block) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if _, exists := t.irCache[rip]; exists {
		panic("cpu: ir cache already has an entry for this rip")
	}
	t.irCache[rip] = b
}

// FlushCaches drops every cached block and IR, used after a coarse
// self-modifying-code invalidation rather than precise tracking.
func (t *ThreadState) FlushCaches() {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	t.blockCache = make(map[uint64]backend.NativeEntry)
	t.irCache = make(map[uint64]*ir.Block)
}
