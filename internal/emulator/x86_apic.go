package emulator

import (
	"log/slog"
)

const (
	// XAPICBase is the default guest-physical address of the local APIC page.
	XAPICBase uint64 = 0xFEE0_0000
	XAPICSize uint64 = 0x1000

	msrAPICBase     uint32 = 0x1B
	msrX2APICFirst  uint32 = 0x800
	msrX2APICLast   uint32 = 0x8FF
	msrHvGuestOSID  uint32 = 0x4000_0000
	msrHvHypercall  uint32 = 0x4000_0001
	msrHvVPIndex    uint32 = 0x4000_0002
	apicBaseEnable  uint64 = 1 << 11
	apicBaseX2APIC  uint64 = 1 << 10
	apicBaseBSP     uint64 = 1 << 8
	hypercallEnable uint64 = 1 << 0

	apicRegID      uint32 = 0x020
	apicRegVersion uint32 = 0x030
	apicRegTPR     uint32 = 0x080
	apicRegPPR     uint32 = 0x0A0
	apicRegEOI     uint32 = 0x0B0
	apicRegLDR     uint32 = 0x0D0
	apicRegSVR     uint32 = 0x0F0
	apicRegISR     uint32 = 0x100
	apicRegTMR     uint32 = 0x180
	apicRegIRR     uint32 = 0x200
	apicRegESR     uint32 = 0x280
	apicRegICRLow  uint32 = 0x300
	apicRegICRHigh uint32 = 0x310
	apicRegLVTLast uint32 = 0x370
	apicRegTimerIC uint32 = 0x380
	apicRegTimerCC uint32 = 0x390
	apicRegTimerDC uint32 = 0x3E0
	apicRegSelfIPI uint32 = 0x3F0

	apicVersion = 0x0005_0014

	icrDeliveryFixed          = 0
	icrDeliveryLowestPriority = 1
	icrDestLogical            = 1 << 11
)

// apicRead returns a 32-bit local APIC register. ok is false for
// registers that do not exist or are write-only.
func apicRead(local *Local, offset uint32, x2 bool) (uint32, bool) {
	c := local.Interrupts
	switch {
	case offset == apicRegID:
		if x2 {
			return c.ID(), true
		}
		return c.ID() << 24, true
	case offset == apicRegVersion:
		return apicVersion, true
	case offset == apicRegTPR:
		return uint32(c.TaskPriority()), true
	case offset == apicRegPPR:
		return uint32(c.ProcessorPriority()), true
	case offset == apicRegLDR:
		if x2 {
			// x2APIC logical id is derived from the physical id.
			id := c.ID()
			return (id>>4)<<16 | 1<<(id&0xF), true
		}
		return local.apicLDR, true
	case offset == apicRegSVR:
		return local.apicSVR, true
	case offset >= apicRegISR && offset < apicRegISR+0x80:
		return bitmapWord(c.InServiceBits(), (offset-apicRegISR)>>4), true
	case offset >= apicRegTMR && offset < apicRegTMR+0x80:
		return 0, true
	case offset >= apicRegIRR && offset < apicRegIRR+0x80:
		return bitmapWord(c.RequestBits(), (offset-apicRegIRR)>>4), true
	case offset == apicRegESR:
		return local.apicESR, true
	case offset == apicRegICRLow:
		return local.apicICRLow, true
	case offset == apicRegICRHigh && !x2:
		return local.apicICRHigh, true
	case offset > apicRegICRHigh && offset <= apicRegLVTLast, offset == 0x2F0:
		return local.lvt(offset), true
	case offset == apicRegTimerIC, offset == apicRegTimerDC:
		return local.lvt(offset), true
	case offset == apicRegTimerCC:
		return 0, true
	}
	return 0, false
}

func bitmapWord(b [4]uint64, word uint32) uint32 {
	return uint32(b[word/2] >> (32 * (word % 2)))
}

// apicWrite stores a 32-bit local APIC register. For x2APIC the ICR is a
// single 64-bit register, passed in full through icr64.
func apicWrite(env Env, offset uint32, value uint32, icr64 uint64, x2 bool) bool {
	local := env.Local
	c := local.Interrupts
	switch {
	case offset == apicRegTPR:
		c.SetTaskPriority(uint8(value))
	case offset == apicRegEOI:
		if x2 && value != 0 {
			return false
		}
		c.EOI()
	case offset == apicRegLDR && !x2:
		local.apicLDR = value & 0xFF00_0000
	case offset == apicRegSVR:
		local.apicSVR = value
	case offset == apicRegESR:
		local.apicESR = 0
	case offset == apicRegICRLow:
		local.apicICRLow = value &^ (1 << 12)
		if x2 {
			local.apicICRHigh = uint32(icr64 >> 32)
		}
		sendICR(env, local.apicICRLow, local.apicICRHigh, x2)
	case offset == apicRegICRHigh && !x2:
		local.apicICRHigh = value
	case offset == apicRegSelfIPI && x2:
		c.Request(uint8(value))
	case offset > apicRegICRHigh && offset <= apicRegLVTLast, offset == 0x2F0:
		local.setLVT(offset, value)
	case offset == apicRegTimerIC, offset == apicRegTimerDC:
		local.setLVT(offset, value)
	case offset == apicRegID && !x2:
		// Read-only in this model.
	default:
		return false
	}
	return true
}

func (l *Local) lvt(offset uint32) uint32 {
	if v, ok := l.apicLVT[offset]; ok {
		return v
	}
	if offset <= apicRegLVTLast {
		// Masked after reset.
		return 1 << 16
	}
	return 0
}

func (l *Local) setLVT(offset, value uint32) {
	if l.apicLVT == nil {
		l.apicLVT = make(map[uint32]uint32)
	}
	l.apicLVT[offset] = value
}

func sendICR(env Env, low, high uint32, x2 bool) {
	vector := uint8(low)
	mode := (low >> 8) & 0x7
	if mode != icrDeliveryFixed && mode != icrDeliveryLowestPriority {
		slog.Debug("emulator: ignoring non-fixed ipi", "vp", env.Local.Index, "mode", mode)
		return
	}
	if vector < 16 {
		env.Local.apicESR |= 1 << 5 // send illegal vector
		return
	}

	ipi := IPI{Source: env.Local.Index, Vector: vector, Shorthand: Shorthand((low >> 18) & 0x3)}
	if ipi.Shorthand == ShorthandNone {
		dest := high
		if !x2 {
			dest = high >> 24
		}
		logical := low&icrDestLogical != 0
		switch {
		case !logical && ((x2 && dest == 0xFFFF_FFFF) || (!x2 && dest == 0xFF)):
			ipi.Shorthand = ShorthandAllIncludingSelf
		case !logical:
			ipi.Targets = []uint32{dest}
		case x2:
			cluster := dest >> 16
			for bit := uint32(0); bit < 16; bit++ {
				if dest&(1<<bit) != 0 {
					ipi.Targets = append(ipi.Targets, cluster<<4|bit)
				}
			}
		default:
			// Flat logical model: bit n addresses APIC id n.
			for bit := uint32(0); bit < 8; bit++ {
				if dest&(1<<bit) != 0 {
					ipi.Targets = append(ipi.Targets, bit)
				}
			}
		}
	}
	if env.IPI == nil {
		if ipi.Shorthand == ShorthandSelf || ipi.Shorthand == ShorthandAllIncludingSelf {
			env.Local.Interrupts.Request(vector)
		}
		return
	}
	if err := env.IPI.SendIPI(ipi); err != nil {
		slog.Debug("emulator: ipi delivery failed", "vp", env.Local.Index, "vector", vector, "err", err)
	}
}
