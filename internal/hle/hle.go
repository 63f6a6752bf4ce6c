// Package hle implements the host-linked-execution layer: the Linux
// syscall surface a lifted SYSCALL instruction's seven-argument ABI
// record is dispatched to — the component that turns a guest's
// syscall request into a host-side effect and a return value, covering
// the subset of the Linux x86-64 syscall table a statically linked
// guest binary actually issues.
package hle

import (
	"errors"
	"sync"

	"github.com/nullarch/emu/internal/backend"
	"github.com/nullarch/emu/internal/logging"
)

// ErrExit is returned by Syscall for exit/exit_group, and propagates
// up through the backend.NativeEntry.Run that invoked it so
// internal/cpu's execution loop can stop the thread cleanly instead of
// treating a normal process exit as a fatal execution error.
var ErrExit = errors.New("hle: guest thread exited")

// ThreadSpawner is the minimal surface Syscall's clone handling needs
// from internal/cpu.Core. Declared here rather than imported from cpu
// so hle has no dependency on cpu at all — cpu already depends on hle
// for ErrExit, and the reverse would cycle. *cpu.Core satisfies this
// interface structurally via its CloneThread method.
type ThreadSpawner interface {
	CloneThread(parentCtx []byte) int32
}

// RegionMapper is the minimal surface mmap/brk need from
// internal/cpu.Core: establishing a new mapping visible to every live
// guest thread, not just the one that asked for it.
type RegionMapper interface {
	MapRegionOnAll(guestOffset, size uint64, fixed bool) (uintptr, error)
}

// Handler implements backend.SyscallHandler. One Handler is shared by
// every guest thread in a process, matching real Linux: file
// descriptors, the heap break, and mmap's placement cursor are
// process-wide state, not per-thread.
type Handler struct {
	Mem     backend.MemorySpace
	Spawner ThreadSpawner
	Mapper  RegionMapper

	mu sync.Mutex

	fds    *fdTable
	mem    memState
	futex  *futexTable
	robust map[int32]uint64 // tid -> robust_list_head, set_robust_list
	clear  map[int32]uint64 // tid -> child_tid addr, set_tid_address/CLONE_CHILD_CLEARTID
}

// NewHandler returns a Handler ready to service syscalls for a single
// guest process. mem backs guest LoadMem/StoreMem for syscall
// arguments (paths, buffers, struct out-params); mapper services
// mmap/brk's address-space-wide mapping requirement; spawner services
// clone.
func NewHandler(mem backend.MemorySpace, mapper RegionMapper, spawner ThreadSpawner) *Handler {
	return &Handler{
		Mem:     mem,
		Spawner: spawner,
		Mapper:  mapper,
		fds:     newFDTable(),
		futex:   newFutexTable(),
		robust:  make(map[int32]uint64),
		clear:   make(map[int32]uint64),
	}
}

// Syscall numbers, a subset of the real kernel's Linux x86-64 table
// large enough for a statically linked guest binary doing file I/O,
// heap/mmap allocation, threading, and time.
const (
	sysRead           = 0
	sysWrite          = 1
	sysOpen           = 2
	sysClose          = 3
	sysFstat          = 5
	sysLseek          = 8
	sysMmap           = 9
	sysMprotect       = 10
	sysBrk            = 12
	sysRtSigaction    = 13
	sysRtSigprocmask  = 14
	sysWritev         = 20
	sysAccess         = 21
	sysNanosleep      = 35
	sysGetpid         = 39
	sysClone          = 56
	sysExit           = 60
	sysUname          = 63
	sysReadlink       = 89
	sysGetuid         = 102
	sysGetgid         = 104
	sysGeteuid        = 107
	sysGetegid        = 108
	sysArchPrctl      = 158
	sysGettid         = 186
	sysFutex          = 202
	sysSetTidAddress  = 218
	sysClockGettime   = 228
	sysExitGroup      = 231
	sysTgkill         = 234
	sysOpenat         = 257
	sysSetRobustList  = 273
	sysPrlimit64      = 302
)

// Syscall dispatches one lifted SYSCALL instruction's ABI record:
// args[0] is the syscall number, args[1..6] the guest's
// RDI/RSI/RDX/R10/R8/R9 at the point of the call, the Linux x86-64
// syscall calling convention.
func (h *Handler) Syscall(ctx backend.Context, args [7]uint64) (uint64, error) {
	nr := args[0]
	a := args[1:]

	switch nr {
	case sysRead:
		return h.sysRead(int32(a[0]), a[1], a[2])
	case sysWrite:
		return h.sysWrite(int32(a[0]), a[1], a[2])
	case sysOpen:
		return h.sysOpen(a[0], int32(a[1]), uint32(a[2]))
	case sysOpenat:
		return h.sysOpenat(int32(a[0]), a[1], int32(a[2]), uint32(a[3]))
	case sysClose:
		return h.sysClose(int32(a[0]))
	case sysFstat:
		return h.sysFstat(int32(a[0]), a[1])
	case sysLseek:
		return h.sysLseek(int32(a[0]), int64(a[1]), int32(a[2]))
	case sysWritev:
		return h.sysWritev(int32(a[0]), a[1], int32(a[2]))
	case sysAccess:
		return h.sysAccess(a[0])
	case sysReadlink:
		return h.sysReadlink(a[0], a[1], a[2])

	case sysMmap:
		return h.sysMmap(a[0], a[1], int32(a[2]), int32(a[3]), int32(a[4]), int64(a[5]))
	case sysMprotect:
		return 0, nil
	case sysBrk:
		return h.sysBrk(a[0])

	case sysClone:
		return h.sysClone(ctx, a[0], a[1], a[2], a[3], a[4])
	case sysExit, sysExitGroup:
		return h.sysExit(ctx)
	case sysTgkill:
		return 0, nil

	case sysFutex:
		return h.sysFutex(a[0], int32(a[1]), uint32(a[2]), a[3])
	case sysSetTidAddress:
		return h.sysSetTidAddress(ctx, a[0])
	case sysSetRobustList:
		return h.sysSetRobustList(ctx, a[0])

	case sysClockGettime:
		return h.sysClockGettime(int32(a[0]), a[1])
	case sysNanosleep:
		return h.sysNanosleep(a[0])

	case sysArchPrctl:
		return h.sysArchPrctl(ctx, int32(a[0]), a[1])
	case sysUname:
		return h.sysUname(a[0])

	case sysGetpid, sysGettid:
		return 1, nil
	case sysGetuid, sysGeteuid, sysGetgid, sysGetegid:
		// Fixed HLE identity: every guest runs as uid/gid 1.
		return 1, nil

	case sysRtSigaction, sysRtSigprocmask, sysPrlimit64:
		// Signal disposition and resource limits have no guest-visible
		// effect in this emulator (no signal delivery, no enforced
		// limits) — treated as benign no-ops returning success.
		return 0, nil

	default:
		logging.Errorf("hle: unimplemented syscall %d", nr)
		return ^uint64(0), nil
	}
}
