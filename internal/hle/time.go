package hle

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nullarch/emu/internal/backend"
)

const archSetFS = 0x1002

// sysArchPrctl implements arch_prctl(2) for ARCH_SET_FS only — the one
// call glibc's thread-local-storage setup actually issues on x86-64;
// ARCH_GET_FS and the GS-segment variants have no caller in a
// statically linked guest and are left unimplemented.
func (h *Handler) sysArchPrctl(ctx backend.Context, code int32, addr uint64) (uint64, error) {
	if code != archSetFS {
		return errnoRet(unix.EINVAL), nil
	}
	if !configured {
		return 0, fmt.Errorf("hle: Configure was never called")
	}
	setReg(ctx.Bytes(), fsBaseOffset, addr)
	return 0, nil
}

// sysClockGettime forwards to the host clock: the guest gets real
// wall/monotonic time rather than a simulated one, since nothing in
// this emulator's scope depends on a deterministic clock.
func (h *Handler) sysClockGettime(clockID int32, tsAddr uint64) (uint64, error) {
	var clk int
	switch clockID {
	case 1:
		clk = unix.CLOCK_MONOTONIC
	default:
		clk = unix.CLOCK_REALTIME
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(clk, &ts); err != nil {
		return errnoRet(unix.EINVAL), nil
	}
	buf := make([]byte, 16)
	putLE64(buf[0:8], uint64(ts.Sec))
	putLE64(buf[8:16], uint64(ts.Nsec))
	if err := h.Mem.WriteAt(tsAddr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysNanosleep blocks the calling goroutine on the host's scheduler
// for the requested duration — real sleep, not simulated guest time,
// the same "forward to the host" posture as clock_gettime.
func (h *Handler) sysNanosleep(reqAddr uint64) (uint64, error) {
	buf := make([]byte, 16)
	if err := h.Mem.ReadAt(reqAddr, buf); err != nil {
		return 0, err
	}
	sec := int64(leU64(buf[0:8]))
	nsec := int64(leU64(buf[8:16]))
	time.Sleep(time.Duration(sec)*time.Second + time.Duration(nsec))
	return 0, nil
}

// uname field layout: struct utsname has six 65-byte NUL-padded
// fields (sysname, nodename, release, version, machine, domainname).
func (h *Handler) sysUname(addr uint64) (uint64, error) {
	fields := []string{"Linux", "Emu", "4.19", "#1", "x86_64", "(none)"}
	buf := make([]byte, 65*6)
	for i, s := range fields {
		copy(buf[i*65:i*65+65], s)
	}
	if err := h.Mem.WriteAt(addr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}
