package hle

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// fdTable is the process-wide guest file descriptor table, mapping
// small guest-visible integers to host *os.File handles, indexed the
// way a real fd namespace is.
type fdTable struct {
	mu      sync.Mutex
	next    int32
	entries map[int32]*os.File
}

func newFDTable() *fdTable {
	t := &fdTable{next: 3, entries: make(map[int32]*os.File)}
	t.entries[0] = os.Stdin
	t.entries[1] = os.Stdout
	t.entries[2] = os.Stderr
	return t
}

func (t *fdTable) get(fd int32) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[fd]
	return f, ok
}

func (t *fdTable) insert(f *os.File) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.entries[fd] = f
	return fd
}

func (t *fdTable) remove(fd int32) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	return f, ok
}

// readCString reads a NUL-terminated string from guest memory, used
// for every syscall argument that is a path pointer.
func (h *Handler) readCString(addr uint64) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for {
		if err := h.Mem.ReadAt(addr+uint64(len(out)), buf); err != nil {
			return "", fmt.Errorf("hle: read path at %#x: %w", addr, err)
		}
		for _, b := range buf {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
	}
}

func (h *Handler) sysRead(fd int32, bufAddr, count uint64) (uint64, error) {
	f, ok := h.fds.get(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	tmp := make([]byte, count)
	n, err := f.Read(tmp)
	if err != nil && err != io.EOF {
		return errnoRet(unix.EIO), nil
	}
	if n > 0 {
		if err := h.Mem.WriteAt(bufAddr, tmp[:n]); err != nil {
			return 0, err
		}
	}
	return uint64(n), nil
}

func (h *Handler) sysWrite(fd int32, bufAddr, count uint64) (uint64, error) {
	f, ok := h.fds.get(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	tmp := make([]byte, count)
	if err := h.Mem.ReadAt(bufAddr, tmp); err != nil {
		return 0, err
	}
	n, err := f.Write(tmp)
	if err != nil {
		return errnoRet(unix.EIO), nil
	}
	return uint64(n), nil
}

func (h *Handler) sysWritev(fd int32, iovAddr uint64, iovcnt int32) (uint64, error) {
	f, ok := h.fds.get(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	var total uint64
	iov := make([]byte, 16)
	for i := int32(0); i < iovcnt; i++ {
		if err := h.Mem.ReadAt(iovAddr+uint64(i)*16, iov); err != nil {
			return 0, err
		}
		base := leU64(iov[0:8])
		length := leU64(iov[8:16])
		tmp := make([]byte, length)
		if length > 0 {
			if err := h.Mem.ReadAt(base, tmp); err != nil {
				return 0, err
			}
		}
		n, err := f.Write(tmp)
		if err != nil {
			return errnoRet(unix.EIO), nil
		}
		total += uint64(n)
	}
	return total, nil
}

func (h *Handler) sysOpen(pathAddr uint64, flags int32, mode uint32) (uint64, error) {
	return h.openAt(pathAddr, flags, mode)
}

func (h *Handler) sysOpenat(dirfd int32, pathAddr uint64, flags int32, mode uint32) (uint64, error) {
	// dirfd is accepted but ignored: every path the guest opens is
	// resolved relative to the host's current directory. Filesystem
	// namespacing is out of scope.
	_ = dirfd
	return h.openAt(pathAddr, flags, mode)
}

func (h *Handler) openAt(pathAddr uint64, flags int32, mode uint32) (uint64, error) {
	path, err := h.readCString(pathAddr)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(path, hostOpenFlags(flags), os.FileMode(mode))
	if err != nil {
		return errnoRet(errnoFromErr(err)), nil
	}
	return uint64(h.fds.insert(f)), nil
}

// hostOpenFlags translates the guest's Linux O_* bitmask (values from
// the x86-64 ABI, not the host's own fcntl.h) into Go's portable
// os.O_* flags.
func hostOpenFlags(flags int32) int {
	const (
		oWRONLY = 0x1
		oRDWR   = 0x2
		oCREAT  = 0x40
		oTRUNC  = 0x200
		oAPPEND = 0x400
	)
	out := os.O_RDONLY
	if flags&oWRONLY != 0 {
		out = os.O_WRONLY
	} else if flags&oRDWR != 0 {
		out = os.O_RDWR
	}
	if flags&oCREAT != 0 {
		out |= os.O_CREATE
	}
	if flags&oTRUNC != 0 {
		out |= os.O_TRUNC
	}
	if flags&oAPPEND != 0 {
		out |= os.O_APPEND
	}
	return out
}

func (h *Handler) sysClose(fd int32) (uint64, error) {
	f, ok := h.fds.remove(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	if err := f.Close(); err != nil {
		return errnoRet(unix.EIO), nil
	}
	return 0, nil
}

func (h *Handler) sysLseek(fd int32, offset int64, whence int32) (uint64, error) {
	f, ok := h.fds.get(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	pos, err := f.Seek(offset, int(whence))
	if err != nil {
		return errnoRet(unix.EINVAL), nil
	}
	return uint64(pos), nil
}

// sysFstat writes a minimal struct stat: only st_size and st_mode are
// filled in, the fields a static guest binary's libc startup path
// actually inspects (stdio buffering mode, file length). The real
// struct has ~20 fields; the rest are left zero.
func (h *Handler) sysFstat(fd int32, statAddr uint64) (uint64, error) {
	f, ok := h.fds.get(fd)
	if !ok {
		return errnoRet(unix.EBADF), nil
	}
	info, err := f.Stat()
	if err != nil {
		return errnoRet(unix.EIO), nil
	}
	buf := make([]byte, 144)
	putLE64(buf[48:56], uint64(info.Size()))  // st_size
	putLE64(buf[24:32], uint64(info.Mode()))  // st_mode (approximate)
	if err := h.Mem.WriteAt(statAddr, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func (h *Handler) sysAccess(pathAddr uint64) (uint64, error) {
	path, err := h.readCString(pathAddr)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(path); err != nil {
		return errnoRet(unix.ENOENT), nil
	}
	return 0, nil
}

func (h *Handler) sysReadlink(pathAddr, bufAddr, size uint64) (uint64, error) {
	path, err := h.readCString(pathAddr)
	if err != nil {
		return 0, err
	}
	target, err := os.Readlink(path)
	if err != nil {
		return errnoRet(unix.EINVAL), nil
	}
	tmp := []byte(target)
	if uint64(len(tmp)) > size {
		tmp = tmp[:size]
	}
	if err := h.Mem.WriteAt(bufAddr, tmp); err != nil {
		return 0, err
	}
	return uint64(len(tmp)), nil
}

// errnoRet encodes a negative errno the way the x86-64 syscall ABI
// returns failure: as RAX = -errno, reinterpreted as uint64.
func errnoRet(errno unix.Errno) uint64 {
	return uint64(^uint64(errno) + 1)
}

func errnoFromErr(err error) unix.Errno {
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(unix.Errno); ok {
			return errno
		}
	}
	return unix.EIO
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
