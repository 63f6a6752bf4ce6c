package hle

import (
	"sync"

	"github.com/nullarch/emu/internal/logging"
	"golang.org/x/sys/unix"
)

// futexTable implements FUTEX_WAIT/FUTEX_WAKE only — no timed waits,
// no FUTEX_CMP_REQUEUE or priority-inheritance variants — the subset
// needed to let a guest spinlock/mutex implementation block and wake
// correctly. Each address gets its own condition variable, recreated
// lazily, rather than a single global futex lock that would serialize
// unrelated waiters.
type futexTable struct {
	mu   sync.Mutex
	vars map[uint64]*sync.Cond
}

func newFutexTable() *futexTable {
	return &futexTable{vars: make(map[uint64]*sync.Cond)}
}

func (t *futexTable) condFor(addr uint64) *sync.Cond {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.vars[addr]
	if !ok {
		c = sync.NewCond(&sync.Mutex{})
		t.vars[addr] = c
	}
	return c
}

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// sysFutex implements futex(2) for op==FUTEX_WAIT/FUTEX_WAKE, masking
// out FUTEX_PRIVATE_FLAG (this emulator has no process-shared vs.
// private distinction: every futex address lives in the one guest
// address space every thread shares). Timed waits are not supported:
// a non-null timeout on WAIT is a fatal assertion rather than silently
// serviced as an untimed wait.
func (h *Handler) sysFutex(addr uint64, op int32, val uint32, timeoutAddr uint64) (uint64, error) {
	op &^= futexPrivateFlag
	cond := h.futex.condFor(addr)

	switch op {
	case futexWait:
		if timeoutAddr != 0 {
			logging.Assert(false, "hle: futex: timed FUTEX_WAIT is not supported")
			return errnoRet(unix.ENOSYS), nil
		}

		word, err := h.readFutexWord(addr)
		if err != nil {
			return 0, err
		}
		if word != val {
			return errnoRet(unix.EAGAIN), nil
		}

		cond.L.Lock()
		for {
			word, err := h.readFutexWord(addr)
			if err != nil {
				cond.L.Unlock()
				return 0, err
			}
			if word != val {
				break
			}
			cond.Wait()
		}
		cond.L.Unlock()
		return 0, nil
	case futexWake:
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
		return uint64(val), nil
	default:
		return errnoRet(unix.ENOSYS), nil
	}
}

// readFutexWord reads the 4-byte guest word at addr, the value
// FUTEX_WAIT compares against val both before and after blocking.
func (h *Handler) readFutexWord(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := h.Mem.ReadAt(addr, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}
