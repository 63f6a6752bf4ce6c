// Package memmap implements the guest address space: one large
// file-backed (here, anonymous) shared mapping carved into
// non-overlapping subregions, each satisfying
// host_pointer == base + guest_offset for fixed mappings — a single
// contiguous slice guarded by a mutex, sized at Allocate time, holding
// 64-bit guest virtual addresses.
package memmap

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is one mapped subregion of the guest address space.
type Region struct {
	GuestOffset uint64
	Size        uint64
	HostPointer uintptr
}

func (r Region) contains(addr uint64) bool {
	return addr >= r.GuestOffset && addr < r.GuestOffset+r.Size
}

// Space is the shared guest address space. All guest threads hold a
// pointer to the same Space; mutation (Map/Unmap) is serialized with a
// mutex, since region maps are global across all threads.
type Space struct {
	mu      sync.RWMutex
	backing []byte // anonymous mmap standing in for the file-backed allocator
	base    uintptr
	regions []Region
}

// New returns an empty address space with no backing allocation yet.
func New() *Space { return &Space{} }

// Allocate acquires a single backing region of `size` bytes whose host
// base is stable for the Space's lifetime. It must be called exactly
// once before any Map call.
func (s *Space) Allocate(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backing != nil {
		return fmt.Errorf("memmap: Allocate called twice")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("memmap: allocate %d bytes: %w", size, err)
	}
	s.backing = mem
	s.base = uintptr(unsafePointer(mem))
	return nil
}

// Map establishes a mapping of `size` bytes at `guestOffset`. With
// fixed=true (the common case) the host pointer is base+guestOffset;
// fixed=false yields the same host pointer (see below).
func (s *Space) Map(guestOffset, size uint64, fixed bool) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if guestOffset+size > uint64(len(s.backing)) {
		return 0, fmt.Errorf("memmap: region [%#x,%#x) exceeds backing size %#x", guestOffset, guestOffset+size, len(s.backing))
	}
	for _, r := range s.regions {
		if overlaps(r.GuestOffset, r.Size, guestOffset, size) {
			return 0, fmt.Errorf("memmap: region [%#x,%#x) overlaps existing region [%#x,%#x)", guestOffset, guestOffset+size, r.GuestOffset, r.GuestOffset+r.Size)
		}
	}

	// The backing allocation is a single contiguous mapping (see
	// Allocate), so host_pointer == base + guest_offset always holds
	// here; fixed=false exists in the interface for an allocator that
	// can place regions anywhere, which this single-mapping design
	// does not need. Both cases compute the same host pointer.
	_ = fixed
	host := s.base + uintptr(guestOffset)

	region := Region{GuestOffset: guestOffset, Size: size, HostPointer: host}
	s.regions = append(s.regions, region)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].GuestOffset < s.regions[j].GuestOffset })
	return host, nil
}

func overlaps(off1, size1, off2, size2 uint64) bool {
	return off1 < off2+size2 && off2 < off1+size1
}

// Unmap removes the region record backed by hostPointer. It does not
// return host pages to the OS — regions are carved from a single
// fixed-lifetime allocation and are never destroyed; Unmap only drops
// the bookkeeping record so a future overlapping Map can succeed.
func (s *Space) Unmap(hostPointer uintptr, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.HostPointer == hostPointer && r.Size == size {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

// Translate returns the host pointer for a guest virtual address, or
// ok=false if no mapped region covers it.
func (s *Space) Translate(guestAddr uint64) (uintptr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		if r.contains(guestAddr) {
			return r.HostPointer + uintptr(guestAddr-r.GuestOffset), true
		}
	}
	return 0, false
}

// BaseOffset computes base+offset without a bounds check, for
// generated code that has already validated the address falls in a
// direct-mapped region.
func (s *Space) BaseOffset(offset uint64) uintptr {
	return s.base + uintptr(offset)
}

// Base returns the backing allocation's stable host base address.
func (s *Space) Base() uintptr { return s.base }

// Regions returns a snapshot of the currently mapped regions, sorted
// by guest offset, for diagnostics and the monitor.
func (s *Space) Regions() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// ReadAt copies `len(dst)` bytes from guest memory starting at addr.
func (s *Space) ReadAt(addr uint64, dst []byte) error {
	host, ok := s.Translate(addr)
	if !ok {
		return fmt.Errorf("memmap: unmapped read at %#x", addr)
	}
	copy(dst, hostSlice(host, len(dst)))
	return nil
}

// WriteAt copies src into guest memory starting at addr.
func (s *Space) WriteAt(addr uint64, src []byte) error {
	host, ok := s.Translate(addr)
	if !ok {
		return fmt.Errorf("memmap: unmapped write at %#x", addr)
	}
	copy(hostSlice(host, len(src)), src)
	return nil
}
