package emulator

import "fmt"

type ShadowedRegister uint8

const (
	ShadowCR0 ShadowedRegister = iota
	ShadowCR4
)

const (
	cr0PE uint64 = 1 << 0
	cr0MP uint64 = 1 << 1
	cr0EM uint64 = 1 << 2
	cr0TS uint64 = 1 << 3
	cr0ET uint64 = 1 << 4
	cr0NE uint64 = 1 << 5
	cr0WP uint64 = 1 << 16
	cr0AM uint64 = 1 << 18
	cr0NW uint64 = 1 << 29
	cr0CD uint64 = 1 << 30
	cr0PG uint64 = 1 << 31

	cr4VME        uint64 = 1 << 0
	cr4PVI        uint64 = 1 << 1
	cr4TSD        uint64 = 1 << 2
	cr4DE         uint64 = 1 << 3
	cr4PSE        uint64 = 1 << 4
	cr4PAE        uint64 = 1 << 5
	cr4MCE        uint64 = 1 << 6
	cr4PGE        uint64 = 1 << 7
	cr4PCE        uint64 = 1 << 8
	cr4OSFXSR     uint64 = 1 << 9
	cr4OSXMMEXCPT uint64 = 1 << 10
	cr4UMIP       uint64 = 1 << 11
	cr4LA57       uint64 = 1 << 12
	cr4VMXE       uint64 = 1 << 13
	cr4FSGSBASE   uint64 = 1 << 16
	cr4PCIDE      uint64 = 1 << 17
	cr4OSXSAVE    uint64 = 1 << 18
	cr4SMEP       uint64 = 1 << 20
	cr4SMAP       uint64 = 1 << 21
	cr4CET        uint64 = 1 << 23

	cr0ResetValue = cr0ET | cr0NW | cr0CD
)

func (r ShadowedRegister) String() string {
	switch r {
	case ShadowCR0:
		return "cr0"
	case ShadowCR4:
		return "cr4"
	default:
		return fmt.Sprintf("ShadowedRegister(%d)", uint8(r))
	}
}

// GuestOwnedMask is the set of bits whose guest-written value reaches the
// physical register. The rest only live in the shadow the guest reads back.
func (r ShadowedRegister) GuestOwnedMask() uint64 {
	switch r {
	case ShadowCR0:
		return cr0ET | cr0MP | cr0EM | cr0TS | cr0WP | cr0AM | cr0PE | cr0PG
	case ShadowCR4:
		return cr4VME | cr4PVI | cr4TSD | cr4DE | cr4PSE | cr4PAE | cr4PGE |
			cr4PCE | cr4OSFXSR | cr4OSXMMEXCPT | cr4UMIP | cr4LA57 |
			cr4FSGSBASE | cr4PCIDE | cr4OSXSAVE | cr4SMEP | cr4SMAP | cr4CET
	default:
		return 0
	}
}

// InvalidValueError is returned for a write setting a bit outside the
// allowed set. The guest receives #GP(0).
type InvalidValueError struct {
	Register ShadowedRegister
	Value    uint64
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("emulator: invalid value %#x for register %s", e.Value, e.Register)
}

// VirtualRegister is a control register whose guest-visible value is a
// shadow merged with the guest-owned bits of the physical register.
type VirtualRegister struct {
	register ShadowedRegister
	shadow   uint64
	// allowed restricts writable bits; nil allows all.
	allowed *uint64
}

func NewVirtualRegister(reg ShadowedRegister, initial uint64, allowed *uint64) *VirtualRegister {
	return &VirtualRegister{register: reg, shadow: initial, allowed: allowed}
}

// SetAllowed restricts the bits a guest write may set.
func (v *VirtualRegister) SetAllowed(bits uint64) { v.allowed = &bits }

// Write stores value into the shadow and the guest-owned bits of physical.
func (v *VirtualRegister) Write(value uint64, physical *uint64) error {
	if v.allowed != nil && value&^*v.allowed != 0 {
		return &InvalidValueError{Register: v.register, Value: value}
	}
	mask := v.register.GuestOwnedMask()
	if (*physical^value)&mask != 0 {
		*physical = (*physical &^ mask) | (value & mask)
	}
	v.shadow = value
	return nil
}

// Read returns the guest-visible value.
func (v *VirtualRegister) Read(physical uint64) uint64 {
	mask := v.register.GuestOwnedMask()
	return (v.shadow &^ mask) | (physical & mask)
}
