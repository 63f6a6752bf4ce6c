// Package elfload reads a static ELF64 x86-64 executable into its
// loadable segments and entry point, the input side of the ELF64
// layout the pack's elf.Builder (lcox74-bfcc/pkg/elf) only writes.
// Parsing goes through the standard library's debug/elf rather than a
// hand-rolled Header64/Phdr64 reader: no example in the corpus imports
// a third-party ELF parser, and debug/elf is the idiomatic tool for
// exactly this job.
package elfload

import (
	"debug/elf"
	"fmt"

	"github.com/nullarch/emu/internal/memmap"
)

const pageSize = 0x1000

func pageFloor(v uint64) uint64 { return v &^ (pageSize - 1) }
func pageCeil(v uint64) uint64  { return (v + pageSize - 1) &^ (pageSize - 1) }

// Segment is one PT_LOAD program header, already read into memory.
type Segment struct {
	VAddr    uint64
	Data     []byte // file contents, length == FileSz
	MemSize  uint64 // total guest memory this segment occupies, >= len(Data); the tail is BSS
	Writable bool
	Execute  bool
}

// Image is a loaded ELF64 executable ready to be mapped into a guest
// address space.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Load parses path as an ELF64 x86-64 executable and reads every
// PT_LOAD segment's file contents.
func Load(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("elfload: %s is not ELF64", path)
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("elfload: %s is not x86-64 (machine %v)", path, f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("elfload: %s is not an executable (type %v)", path, f.Type)
	}

	img := &Image{Entry: f.Entry}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("elfload: read segment at %#x: %w", p.Vaddr, err)
		}
		img.Segments = append(img.Segments, Segment{
			VAddr:    p.Vaddr,
			Data:     data,
			MemSize:  p.Memsz,
			Writable: p.Flags&elf.PF_W != 0,
			Execute:  p.Flags&elf.PF_X != 0,
		})
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("elfload: %s has no PT_LOAD segments", path)
	}
	return img, nil
}

// MapInto establishes every PT_LOAD segment as a page-aligned region
// in space and copies its file contents in, leaving the BSS tail
// (MemSize beyond len(Data)) zeroed — space.Allocate already zeroes
// its backing mmap, so no explicit zero-fill is needed.
func (img *Image) MapInto(space *memmap.Space) error {
	for _, seg := range img.Segments {
		lo := pageFloor(seg.VAddr)
		hi := pageCeil(seg.VAddr + seg.MemSize)
		if _, err := space.Map(lo, hi-lo, true); err != nil {
			return fmt.Errorf("elfload: map segment at %#x: %w", seg.VAddr, err)
		}
		if len(seg.Data) > 0 {
			if err := space.WriteAt(seg.VAddr, seg.Data); err != nil {
				return fmt.Errorf("elfload: write segment at %#x: %w", seg.VAddr, err)
			}
		}
	}
	return nil
}
