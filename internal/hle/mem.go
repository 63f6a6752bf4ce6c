package hle

import (
	"fmt"
)

// Fixed guest address-space layout for brk/mmap. Real Linux places
// these per-process at load time based on ASLR and the binary's own
// layout; this emulator fixes them so every run is reproducible.
const (
	heapBase  = 0xA000_0000
	heapLimit = heapBase + 256*1024*1024 // 256 MiB, mapped in full on first brk
	mmapBase  = 0xD000_0000
	pageSize  = 4096
)

// memState tracks the heap break and the mmap placement cursor. Both
// are process-wide: every thread sharing this Handler sees the same
// heap and the same mmap arena, as real Linux threads sharing an mm
// would.
type memState struct {
	heapMapped bool
	brk        uint64
	mmapNext   uint64
}

// sysBrk implements brk(2). addr==0 queries the current break. A
// nonzero request is granted unconditionally up to heapLimit — this
// emulator does not fail allocation, since the whole heap region is
// mapped in one shot behind the scenes the first time brk is touched.
func (h *Handler) sysBrk(addr uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.mem.heapMapped {
		if _, err := h.Mapper.MapRegionOnAll(heapBase, heapLimit-heapBase, true); err != nil {
			return 0, fmt.Errorf("hle: map heap: %w", err)
		}
		h.mem.heapMapped = true
		h.mem.brk = heapBase
	}

	if addr == 0 || addr < heapBase {
		return h.mem.brk, nil
	}
	if addr > heapLimit {
		return h.mem.brk, nil // deny growth past the fixed heap region
	}
	h.mem.brk = addr
	return h.mem.brk, nil
}

// sysMmap implements a parity-preserving subset of mmap(2): it always
// succeeds, always grants a fresh region carved from mmapBase upward,
// and ignores addr/prot/flags/fd/offset entirely. A guest that asks
// for MAP_FIXED at a specific address, or mmaps a file for its
// contents rather than just anonymous scratch space, gets a region
// with neither property — an explicitly sanctioned divergence from
// real Linux semantics, since nothing this emulator targets depends on
// mmap placement or file-backed mapping content.
func (h *Handler) sysMmap(addr, length uint64, prot, flags, fd int32, offset int64) (uint64, error) {
	_ = addr
	_ = prot
	_ = flags
	_ = fd
	_ = offset

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem.mmapNext == 0 {
		h.mem.mmapNext = mmapBase
	}

	size := alignUp(length, pageSize)
	base := h.mem.mmapNext
	if _, err := h.Mapper.MapRegionOnAll(base, size, true); err != nil {
		return errnoRetFromMapErr(), fmt.Errorf("hle: mmap: %w", err)
	}
	h.mem.mmapNext = base + size
	return base, nil
}

func errnoRetFromMapErr() uint64 { return ^uint64(11) + 1 } // -ENOMEM

func alignUp(v, align uint64) uint64 {
	if v == 0 {
		return align
	}
	return (v + align - 1) &^ (align - 1)
}
