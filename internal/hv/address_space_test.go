package hv

import "testing"

func TestAddressSpaceAllocate(t *testing.T) {
	as := NewAddressSpace(ArchitectureX86_64, []MMIORegion{{Address: 0, Size: 0x10000}})
	if err := as.RegisterFixed("lapic", 0x11000, 0x1000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}

	first, err := as.Allocate(MMIOAllocationRequest{Name: "a", Size: 0x800})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if first.Base != 0x10000 || first.Size != 0x1000 {
		t.Fatalf("first window %+v", first)
	}

	// The fixed page is skipped.
	second, err := as.Allocate(MMIOAllocationRequest{Name: "b", Size: 0x1000})
	if err != nil || second.Base != 0x12000 {
		t.Fatalf("second window %+v %v", second, err)
	}

	if err := as.Release(first.Base); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := as.Release(first.Base); err == nil {
		t.Fatalf("double release accepted")
	}
	again, err := as.Allocate(MMIOAllocationRequest{Name: "c", Size: 0x1000})
	if err != nil || again.Base != 0x10000 {
		t.Fatalf("released window not reused: %+v %v", again, err)
	}
	if n := len(as.Allocations()); n != 2 {
		t.Fatalf("%d allocations, want 2", n)
	}
}

func TestAddressSpaceRejects(t *testing.T) {
	as := NewAddressSpace(ArchitectureARM64, []MMIORegion{{Address: 0x40000000, Size: 0x100000}})

	if _, err := as.Allocate(MMIOAllocationRequest{Name: "empty"}); err == nil {
		t.Errorf("zero-size allocation accepted")
	}
	if _, err := as.Allocate(MMIOAllocationRequest{Name: "odd", Size: 0x1000, Alignment: 0x3000}); err == nil {
		t.Errorf("non power of two alignment accepted")
	}
	if err := as.RegisterFixed("ram", 0x40080000, 0x1000); err == nil {
		t.Errorf("fixed region over RAM accepted")
	}
	w, err := as.Allocate(MMIOAllocationRequest{Name: "w", Size: 0x1000, Alignment: 0x10000})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if w.Base < 0x40100000 || w.Base%0x10000 != 0 {
		t.Errorf("window %+v below RAM top or misaligned", w)
	}
	if err := as.RegisterFixed("clash", w.Base, 0x1000); err == nil {
		t.Errorf("fixed region over an allocation accepted")
	}
}
