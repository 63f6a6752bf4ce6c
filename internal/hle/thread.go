package hle

import (
	"fmt"

	"github.com/nullarch/emu/internal/backend"
)

// sysClone implements the thread-creation subset of clone(2): a new
// stack and TLS base, a shared address space (there is only ever one
// memmap.Space per process, so CLONE_VM is implicit), and child_tid,
// when nonzero, written with the new thread's id (as CLONE_CHILD_SETTID
// does) and recorded for exit to clear; flags itself is not inspected. Signal
// handling, CLONE_VFORK ordering, and process-creation flags (as
// opposed to thread-creation flags) are out of scope: a
// pthread_create-shaped threading model never exercises them.
func (h *Handler) sysClone(ctx backend.Context, flags, newsp, parentTid, childTid, tls uint64) (uint64, error) {
	if !configured {
		return 0, fmt.Errorf("hle: Configure was never called")
	}
	_ = parentTid

	parent := ctx.Bytes()
	childCtx := make([]byte, len(parent))
	copy(childCtx, parent)

	if newsp != 0 {
		setReg(childCtx, rspOffset, newsp)
	}
	if tls != 0 {
		setReg(childCtx, fsBaseOffset, tls)
	}
	setReg(childCtx, raxOffset, 0) // child sees clone() return 0

	tid := h.Spawner.CloneThread(childCtx)

	h.mu.Lock()
	if childTid != 0 {
		h.clear[tid] = childTid
		_ = h.Mem.WriteAt(childTid, []byte{byte(tid), byte(tid >> 8), byte(tid >> 16), byte(tid >> 24)})
	}
	h.mu.Unlock()

	return uint64(tid), nil
}

// sysExit implements exit/exit_group: it clears the thread's
// CLONE_CHILD_CLEARTID word (if set_tid_address registered one) and
// wakes any futex waiter blocked on it — the handshake pthread_join
// relies on — then returns ErrExit so the caller stops this thread's
// execution loop without treating the exit as a failure.
func (h *Handler) sysExit(ctx backend.Context) (uint64, error) {
	_ = ctx
	h.mu.Lock()
	for tid, addr := range h.clear {
		if err := h.Mem.WriteAt(addr, []byte{0, 0, 0, 0}); err == nil {
			h.futex.condFor(addr).Broadcast()
		}
		delete(h.clear, tid)
	}
	h.mu.Unlock()
	return 0, ErrExit
}

// sysSetTidAddress implements set_tid_address(2): it records the
// address exit should clear and futex-wake. Since Syscall has no
// thread-identity parameter of its own, the address is recorded under
// the fixed key 0 rather than per calling thread (libc's startup code,
// before any clone has happened, is the usual caller). It returns 1,
// the same fixed id gettid reports.
func (h *Handler) sysSetTidAddress(ctx backend.Context, addr uint64) (uint64, error) {
	_ = ctx
	h.mu.Lock()
	h.clear[0] = addr
	h.mu.Unlock()
	return 1, nil
}

func (h *Handler) sysSetRobustList(ctx backend.Context, head uint64) (uint64, error) {
	_ = ctx
	h.mu.Lock()
	h.robust[0] = head
	h.mu.Unlock()
	return 0, nil
}
