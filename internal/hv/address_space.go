package hv

import (
	"fmt"
	"sort"
	"sync"
)

// MMIOAllocationRequest asks the AddressSpace for an MMIO window.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a window handed out to a device model.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

func (m MMIOAllocation) End() uint64 { return m.Base + m.Size }

// AddressSpace manages guest-physical address allocation for a partition.
// It tracks RAM ranges and allocates MMIO windows above RAM so device
// intercepts never shadow guest memory.
type AddressSpace struct {
	mu sync.Mutex

	arch CpuArchitecture
	ram  []MMIORegion

	// nextMMIO is the next candidate address for MMIO allocation (above RAM)
	nextMMIO uint64

	allocations  []MMIOAllocation
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates an allocator for the given RAM ranges.
// MMIO allocations start above the highest RAM byte.
func NewAddressSpace(arch CpuArchitecture, ram []MMIORegion) *AddressSpace {
	a := &AddressSpace{
		arch: arch,
		ram:  append([]MMIORegion(nil), ram...),
	}
	sort.Slice(a.ram, func(i, j int) bool { return a.ram[i].Address < a.ram[j].Address })

	var top uint64
	for _, r := range a.ram {
		if end := r.Address + r.Size; end > top {
			top = end
		}
	}
	// Start MMIO allocation above RAM, aligned to 4KB
	a.nextMMIO = alignUp(top, 0x1000)
	return a
}

// Allocate allocates an MMIO region with the specified requirements.
// Released windows are reused first-fit before growing upward.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000 // Default to 4KB alignment
	}

	// Ensure alignment is a power of 2
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	size := alignUp(req.Size, alignment)

	base, ok := a.findHoleLocked(size, alignment)
	if !ok {
		base = alignUp(a.nextMMIO, alignment)
		for a.collidesLocked(base, size) {
			base = alignUp(base+alignment, alignment)
		}
		a.nextMMIO = base + size
	}

	alloc := MMIOAllocation{Name: req.Name, Base: base, Size: size}
	a.allocations = append(a.allocations, alloc)
	return alloc, nil
}

func (a *AddressSpace) findHoleLocked(size, alignment uint64) (uint64, bool) {
	start := alignUp(a.ramTopLocked(), 0x1000)
	for start+size <= a.nextMMIO {
		base := alignUp(start, alignment)
		if base+size > a.nextMMIO {
			return 0, false
		}
		if !a.collidesLocked(base, size) {
			return base, true
		}
		start = base + alignment
	}
	return 0, false
}

func (a *AddressSpace) ramTopLocked() uint64 {
	var top uint64
	for _, r := range a.ram {
		if end := r.Address + r.Size; end > top {
			top = end
		}
	}
	return top
}

func (a *AddressSpace) collidesLocked(base, size uint64) bool {
	end := base + size
	for _, r := range a.ram {
		if base < r.Address+r.Size && end > r.Address {
			return true
		}
	}
	for _, r := range a.allocations {
		if base < r.End() && end > r.Base {
			return true
		}
	}
	for _, r := range a.fixedRegions {
		if base < r.End() && end > r.Base {
			return true
		}
	}
	return false
}

// Release returns a window previously handed out by Allocate.
func (a *AddressSpace) Release(base uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.allocations {
		if r.Base == base {
			a.allocations = append(a.allocations[:i], a.allocations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address_space: no allocation at 0x%x", base)
}

// RegisterFixed registers a pre-determined MMIO region such as the local
// interrupt controller page. Returns error if the region overlaps RAM or
// another region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	for _, r := range a.ram {
		ramEnd := r.Address + r.Size
		if base < ramEnd && regionEnd > r.Address {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
				name, base, regionEnd, r.Address, ramEnd)
		}
	}
	for _, r := range append(append([]MMIOAllocation(nil), a.fixedRegions...), a.allocations...) {
		if base < r.End() && regionEnd > r.Base {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, r.Name, r.Base, r.End())
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})

	return nil
}

// Allocations returns a copy of all dynamically allocated MMIO regions.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
