// Package guestmem is the bounds-checked view of guest-physical memory.
//
// A Map holds sorted, non-overlapping regions. Every access must lie wholly
// inside one region that grants the requested permission; anything else is
// reported as a *MemoryFault and no byte is read or written. The package never
// raises guest exceptions itself. Callers decide how to surface a fault.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/paravisor/internal/hv"
)

type FaultReason uint8

const (
	// FaultUnmapped means no region contains the first byte.
	FaultUnmapped FaultReason = iota
	// FaultStraddle means the access starts in a region but runs past its end.
	FaultStraddle
	// FaultPermission means the region does not grant the access kind.
	FaultPermission
	// FaultClosed means the map was closed.
	FaultClosed
)

func (r FaultReason) String() string {
	switch r {
	case FaultUnmapped:
		return "unmapped"
	case FaultStraddle:
		return "straddles region boundary"
	case FaultPermission:
		return "permission denied"
	case FaultClosed:
		return "memory map closed"
	default:
		return fmt.Sprintf("FaultReason(%d)", uint8(r))
	}
}

// MemoryFault describes a rejected guest-physical access.
type MemoryFault struct {
	Address uint64
	Length  uint64
	Access  hv.AccessKind
	Reason  FaultReason
}

func (f *MemoryFault) Error() string {
	return fmt.Sprintf("guestmem: %s of %d bytes at 0x%x: %s", f.Access, f.Length, f.Address, f.Reason)
}

// AsFault returns the *MemoryFault wrapped in err, if any.
func AsFault(err error) (*MemoryFault, bool) {
	var f *MemoryFault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Region is one mapped range of guest-physical memory.
type Region struct {
	Base uint64
	Size uint64
	Perm hv.Permission

	data    []byte
	release func() error
}

func (r *Region) End() uint64 { return r.Base + r.Size }

// Bytes returns the host backing of the region.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) contains(gpa uint64) bool { return gpa >= r.Base && gpa < r.End() }

// Location is a translated guest-physical range.
type Location struct {
	Region *Region
	Offset uint64
	// Host aliases the backing bytes. It is valid until the region is removed
	// or the map is closed.
	Host []byte
}

// Options controls how Add allocates backing memory.
type Options struct {
	// Lock pins the backing in RAM (mlock on linux).
	Lock bool
	// HugePages asks for transparent huge pages where supported.
	HugePages bool
}

// Map is the partition's guest-physical mapping table.
type Map struct {
	mu      sync.RWMutex
	regions []*Region
	closed  bool
	opts    Options
}

// New returns an empty map.
func New(opts Options) *Map {
	return &Map{opts: opts}
}

// Add allocates host backing for [base, base+size) and inserts it.
func (m *Map) Add(base, size uint64, perm hv.Permission) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: zero-size region at 0x%x", base)
	}
	data, release, err := allocateBacking(size, m.opts)
	if err != nil {
		return nil, fmt.Errorf("guestmem: allocate %d bytes at 0x%x: %w", size, base, err)
	}
	region := &Region{Base: base, Size: size, Perm: perm, data: data, release: release}
	if err := m.insert(region); err != nil {
		if release != nil {
			_ = release()
		}
		return nil, err
	}
	return region, nil
}

// AddBacking inserts a region backed by caller-provided memory.
func (m *Map) AddBacking(base uint64, data []byte, perm hv.Permission) (*Region, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("guestmem: zero-size region at 0x%x", base)
	}
	region := &Region{Base: base, Size: uint64(len(data)), Perm: perm, data: data}
	if err := m.insert(region); err != nil {
		return nil, err
	}
	return region, nil
}

func (m *Map) insert(region *Region) error {
	if region.End() < region.Base {
		return fmt.Errorf("guestmem: region at 0x%x wraps the address space", region.Base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &MemoryFault{Address: region.Base, Length: region.Size, Access: hv.AccessWrite, Reason: FaultClosed}
	}

	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base >= region.Base })
	if i > 0 && m.regions[i-1].End() > region.Base {
		prev := m.regions[i-1]
		return fmt.Errorf("guestmem: region [0x%x-0x%x) overlaps [0x%x-0x%x)", region.Base, region.End(), prev.Base, prev.End())
	}
	if i < len(m.regions) && m.regions[i].Base < region.End() {
		next := m.regions[i]
		return fmt.Errorf("guestmem: region [0x%x-0x%x) overlaps [0x%x-0x%x)", region.Base, region.End(), next.Base, next.End())
	}

	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = region
	return nil
}

// Remove drops the region starting at base and releases its backing.
func (m *Map) Remove(base uint64) error {
	m.mu.Lock()
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base >= base })
	if i == len(m.regions) || m.regions[i].Base != base {
		m.mu.Unlock()
		return fmt.Errorf("guestmem: no region at 0x%x", base)
	}
	region := m.regions[i]
	m.regions = append(m.regions[:i], m.regions[i+1:]...)
	m.mu.Unlock()

	if region.release != nil {
		return region.release()
	}
	return nil
}

// Protect changes the guest permissions of the region starting at base.
func (m *Map) Protect(base uint64, perm hv.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if r.Base == base {
			r.Perm = perm
			return nil
		}
	}
	return fmt.Errorf("guestmem: no region at 0x%x", base)
}

// Regions returns a copy of the region descriptors in address order.
func (m *Map) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = Region{Base: r.Base, Size: r.Size, Perm: r.Perm}
	}
	return out
}

// lookupLocked finds the region holding [gpa, gpa+length) with access
// permission. The caller holds at least the read lock.
func (m *Map) lookupLocked(gpa, length uint64, access hv.AccessKind) (*Region, error) {
	fault := func(reason FaultReason) error {
		return &MemoryFault{Address: gpa, Length: length, Access: access, Reason: reason}
	}
	if m.closed {
		return nil, fault(FaultClosed)
	}

	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > gpa })
	if i == len(m.regions) || !m.regions[i].contains(gpa) {
		return nil, fault(FaultUnmapped)
	}
	r := m.regions[i]
	if length > r.End()-gpa {
		return nil, fault(FaultStraddle)
	}
	if !r.Perm.Allows(access.Permission()) {
		return nil, fault(FaultPermission)
	}
	return r, nil
}

// Translate resolves a guest-physical range to its host location.
func (m *Map) Translate(gpa, length uint64, access hv.AccessKind) (Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookupLocked(gpa, length, access)
	if err != nil {
		return Location{}, err
	}
	off := gpa - r.Base
	return Location{Region: r, Offset: off, Host: r.data[off : off+length : off+length]}, nil
}

// Contains reports whether gpa lies inside any region, regardless of
// permissions.
func (m *Map) Contains(gpa uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, err := m.lookupLocked(gpa, 1, hv.AccessRead)
	if f, ok := AsFault(err); ok {
		return f.Reason == FaultPermission
	}
	return err == nil
}

// Read copies len(buf) bytes at gpa into buf.
func (m *Map) Read(gpa uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookupLocked(gpa, uint64(len(buf)), hv.AccessRead)
	if err != nil {
		return err
	}
	copy(buf, r.data[gpa-r.Base:])
	return nil
}

// Write copies buf into guest memory at gpa. Nothing is written on failure.
func (m *Map) Write(gpa uint64, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookupLocked(gpa, uint64(len(buf)), hv.AccessWrite)
	if err != nil {
		return err
	}
	copy(r.data[gpa-r.Base:], buf)
	return nil
}

// Fetch reads instruction bytes, checking execute permission. It returns as
// many bytes as fit in the containing region, up to len(buf).
func (m *Map) Fetch(gpa uint64, buf []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookupLocked(gpa, 1, hv.AccessExecute)
	if err != nil {
		return 0, err
	}
	return copy(buf, r.data[gpa-r.Base:]), nil
}

// ReadSized reads a little-endian value of size 1, 2, 4 or 8 bytes.
func (m *Map) ReadSized(gpa uint64, size int) (uint64, error) {
	var buf [8]byte
	if size <= 0 || size > 8 {
		return 0, fmt.Errorf("guestmem: invalid access size %d", size)
	}
	if err := m.Read(gpa, buf[:size]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteSized writes the low size bytes of value little-endian.
func (m *Map) WriteSized(gpa uint64, size int, value uint64) error {
	var buf [8]byte
	if size <= 0 || size > 8 {
		return fmt.Errorf("guestmem: invalid access size %d", size)
	}
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(gpa, buf[:size])
}

func (m *Map) ReadUint64(gpa uint64) (uint64, error) { return m.ReadSized(gpa, 8) }

func (m *Map) WriteUint64(gpa uint64, value uint64) error { return m.WriteSized(gpa, 8, value) }

// Close releases every region. Later accesses fail with FaultClosed.
func (m *Map) Close() error {
	m.mu.Lock()
	regions := m.regions
	m.regions = nil
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if r.release != nil {
			if err := r.release(); err != nil {
				errs = append(errs, fmt.Errorf("guestmem: release 0x%x: %w", r.Base, err))
			}
		}
	}
	return errors.Join(errs...)
}
