package memmap

import "testing"

func newSpace(t *testing.T, size uint64) *Space {
	t.Helper()
	s := New()
	if err := s.Allocate(size); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	return s
}

func TestTranslateWithinRegion(t *testing.T) {
	s := newSpace(t, 1<<20)
	if _, err := s.Map(0x1000, 0x1000, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	host, ok := s.Translate(0x1500)
	if !ok {
		t.Fatal("Translate reported unmapped for an address within the region")
	}
	if host-s.Base() != 0x1500 {
		t.Fatalf("translate(a) - base == a invariant violated: got %#x", host-s.Base())
	}
}

func TestTranslateOutsideRegion(t *testing.T) {
	s := newSpace(t, 1<<20)
	if _, err := s.Map(0x1000, 0x1000, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, ok := s.Translate(0x5000); ok {
		t.Fatal("Translate should fail for an address outside any region")
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	s := newSpace(t, 1<<20)
	if _, err := s.Map(0x1000, 0x2000, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := s.Map(0x1800, 0x100, true); err == nil {
		t.Fatal("Map should reject an overlapping region")
	}
}

func TestReadWriteAtRoundTrip(t *testing.T) {
	s := newSpace(t, 1<<20)
	if _, err := s.Map(0x2000, 0x1000, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := []byte{1, 2, 3, 4, 5}
	if err := s.WriteAt(0x2000, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if err := s.ReadAt(0x2000, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestUnmapAllowsReuse(t *testing.T) {
	s := newSpace(t, 1<<20)
	host, err := s.Map(0x3000, 0x1000, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	s.Unmap(host, 0x1000)
	if _, err := s.Map(0x3000, 0x1000, true); err != nil {
		t.Fatalf("Map after Unmap should succeed: %v", err)
	}
}
