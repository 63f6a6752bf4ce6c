package elfload

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/nullarch/emu/internal/memmap"
)

const (
	etExec    = 2
	emX86_64  = 62
	emI386    = 3
	ptLoad    = 1
	pfX, pfW  = 1, 2
	ehdrSize  = 64
	phdrSize  = 56
)

// buildELF writes a minimal ELF64 executable with a single PT_LOAD
// segment to a temp file and returns its path.
func buildELF(t *testing.T, machine uint16, class byte, entry, vaddr uint64, data []byte, memsz uint64, flags uint32) string {
	t.Helper()

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = class // EI_CLASS
	ehdr[5] = 1     // EI_DATA: little-endian
	ehdr[6] = 1     // EI_VERSION
	binary.LittleEndian.PutUint16(ehdr[16:18], etExec)
	binary.LittleEndian.PutUint16(ehdr[18:20], machine)
	binary.LittleEndian.PutUint32(ehdr[20:24], 1) // e_version
	binary.LittleEndian.PutUint64(ehdr[24:32], entry)
	binary.LittleEndian.PutUint64(ehdr[32:40], ehdrSize) // e_phoff
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrSize) // e_ehsize
	binary.LittleEndian.PutUint16(ehdr[54:56], phdrSize) // e_phentsize
	binary.LittleEndian.PutUint16(ehdr[56:58], 1)         // e_phnum

	const dataOff = ehdrSize + phdrSize
	phdr := make([]byte, phdrSize)
	binary.LittleEndian.PutUint32(phdr[0:4], ptLoad)
	binary.LittleEndian.PutUint32(phdr[4:8], flags)
	binary.LittleEndian.PutUint64(phdr[8:16], dataOff)
	binary.LittleEndian.PutUint64(phdr[16:24], vaddr)
	binary.LittleEndian.PutUint64(phdr[24:32], vaddr)
	binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(data)))
	binary.LittleEndian.PutUint64(phdr[40:48], memsz)
	binary.LittleEndian.PutUint64(phdr[48:56], 0x1000)

	buf := append(append(ehdr, phdr...), data...)
	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, buf, 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesEntryAndSegment(t *testing.T) {
	data := []byte{0x90, 0x90, 0xC3, 0xAA} // arbitrary code bytes
	path := buildELF(t, emX86_64, 2, 0x401000, 0x400000, data, 32, pfX|pfW)

	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x401000 {
		t.Fatalf("entry = %#x, want %#x", img.Entry, uint64(0x401000))
	}
	if len(img.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VAddr != 0x400000 {
		t.Fatalf("vaddr = %#x, want %#x", seg.VAddr, uint64(0x400000))
	}
	if string(seg.Data) != string(data) {
		t.Fatalf("segment data = %v, want %v", seg.Data, data)
	}
	if seg.MemSize != 32 {
		t.Fatalf("memsize = %d, want 32", seg.MemSize)
	}
	if !seg.Execute || !seg.Writable {
		t.Fatalf("segment flags = {exec:%v write:%v}, want both true", seg.Execute, seg.Writable)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	path := buildELF(t, emI386, 2, 0x1000, 0x1000, []byte{0x90}, 1, pfX)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a non-x86-64 ELF")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	// debug/elf itself rejects a truncated file; Load just forwards
	// that error rather than duplicating header validation.
	path := filepath.Join(t.TempDir(), "short")
	if err := os.WriteFile(path, []byte{0x7f, 'E', 'L', 'F'}, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a truncated/invalid ELF file")
	}
}

func TestMapIntoWritesSegmentDataAndLeavesBSSZeroed(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	img := &Image{
		Entry: 0x400000,
		Segments: []Segment{
			{VAddr: 0x400000, Data: data, MemSize: 0x2000, Writable: true, Execute: true},
		},
	}

	space := memmap.New()
	if err := space.Allocate(1 << 23); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := img.MapInto(space); err != nil {
		t.Fatalf("MapInto: %v", err)
	}

	got := make([]byte, len(data))
	if err := space.ReadAt(0x400000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("segment prefix = %v, want %v", got, data)
	}

	bss := make([]byte, 16)
	if err := space.ReadAt(0x400000+0x1000, bss); err != nil {
		t.Fatalf("ReadAt bss: %v", err)
	}
	for _, b := range bss {
		if b != 0 {
			t.Fatalf("bss tail not zeroed: %v", bss)
		}
	}
}
