// Package emulator completes guest instructions the hardware could not:
// MMIO and port I/O accesses, control and system register traps, and the
// local interrupt controller interface. There are exactly two variants,
// x86 and arm64, chosen once per partition with New.
//
// Decode failures are guest-attributable. They come back as a Fault outcome
// carrying the architectural exception to inject, never as a host error.
package emulator

import (
	"fmt"

	"github.com/tinyrange/paravisor/internal/apic"
	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
)

type OutcomeKind uint8

const (
	// OutcomeRetry re-enters the guest at the same instruction.
	OutcomeRetry OutcomeKind = iota
	// OutcomeAdvance means the instruction was fully emulated.
	OutcomeAdvance
	// OutcomeFault means an exception must be injected instead.
	OutcomeFault
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRetry:
		return "retry"
	case OutcomeAdvance:
		return "advance"
	case OutcomeFault:
		return "fault"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the result of one emulation.
type Outcome struct {
	Kind OutcomeKind
	// Length is the instruction length for OutcomeAdvance.
	Length int
	// Event is the exception for OutcomeFault.
	Event hv.PendingEvent
}

func Retry() Outcome { return Outcome{Kind: OutcomeRetry} }

func Advance(length int) Outcome { return Outcome{Kind: OutcomeAdvance, Length: length} }

func Fault(event hv.PendingEvent) Outcome {
	event.Valid = true
	return Outcome{Kind: OutcomeFault, Event: event}
}

// Apply folds the outcome into the register snapshot: Advance moves the
// program counter, Fault queues the exception.
func (o Outcome) Apply(regs *hv.Registers) {
	switch o.Kind {
	case OutcomeAdvance:
		regs.PC += uint64(o.Length)
	case OutcomeFault:
		regs.Event = o.Event
	}
}

// InterceptKind is the part of the exit classification the emulator cares about.
type InterceptKind uint8

const (
	InterceptInstruction InterceptKind = iota
	InterceptInterruptController
)

// Intercept is an exit handed to the emulator.
type Intercept struct {
	Kind InterceptKind
	Exit hv.Exit
}

// Memory is guest-physical memory as seen by the emulators.
type Memory interface {
	Read(gpa uint64, buf []byte) error
	Write(gpa uint64, buf []byte) error
	Fetch(gpa uint64, buf []byte) (int, error)
	Contains(gpa uint64) bool
}

var _ Memory = (*guestmem.Map)(nil)

// Bus routes device accesses to the registered device models. A false
// return means no handler claims the address.
type Bus interface {
	MMIO(addr uint64, data []byte, write bool) (bool, error)
	PIO(port uint16, data []byte, write bool) (bool, error)
}

type Shorthand uint8

const (
	ShorthandNone Shorthand = iota
	ShorthandSelf
	ShorthandAllIncludingSelf
	ShorthandAllExcludingSelf
)

// IPI is an inter-processor interrupt request decoded from the guest.
type IPI struct {
	Source    int
	Vector    uint8
	Shorthand Shorthand
	// Targets are hardware interrupt controller ids when Shorthand is None.
	Targets []uint32
}

// Sender delivers IPIs into other VPs' request bitmaps.
type Sender interface {
	SendIPI(ipi IPI) error
}

// Env is everything an emulation may touch.
type Env struct {
	Memory Memory
	Bus    Bus
	Local  *Local
	IPI    Sender
}

// Local is the per-VP emulator state kept between intercepts.
type Local struct {
	Index      int
	Interrupts *apic.Controller

	// x86 shadowed control registers.
	CR0 *VirtualRegister
	CR4 *VirtualRegister

	// x86 local APIC registers with no behaviour beyond storage.
	apicSVR     uint32
	apicLDR     uint32
	apicICRHigh uint32
	apicESR     uint32
	apicICRLow  uint32
	apicLVT     map[uint32]uint32
	apicBase    uint64

	// Hyper-V synthetic MSRs.
	hvGuestOSID uint64
	hvHypercall uint64

	// arm64 GIC CPU interface state.
	gicPMR   uint8
	gicBPR1  uint8
	gicIGRP1 bool
	// Vectors acknowledged through ICC_IAR1_EL1 in order; running priority
	// is the top of the stack.
	gicActive []uint8
}

// NewLocal returns reset state for VP index with its interrupt controller.
func NewLocal(index int, interrupts *apic.Controller) *Local {
	return &Local{
		Index:      index,
		Interrupts: interrupts,
		CR0:        NewVirtualRegister(ShadowCR0, cr0ResetValue, nil),
		CR4:        NewVirtualRegister(ShadowCR4, 0, nil),
		apicSVR:    0xFF,
		apicBase:   XAPICBase | apicBaseEnable,
		gicPMR:     0xFF,
	}
}

// Emulator is one of the two architecture variants.
type Emulator interface {
	Architecture() hv.CpuArchitecture

	// Emulate completes the intercepted operation and updates regs.
	Emulate(env Env, in Intercept, regs *hv.Registers) Outcome

	// TranslationFault converts a second-level translation fault on mapped
	// RAM into the guest exception the hardware would have raised.
	TranslationFault(fault *guestmem.MemoryFault, regs *hv.Registers) hv.PendingEvent

	// PrepareInterrupt presents the controller's highest deliverable vector
	// for the next entry, if the guest can take it.
	PrepareInterrupt(local *Local, regs *hv.Registers) bool

	sealed()
}

// InterruptControllerAccess reports whether exit touches the local
// interrupt controller interface: the xAPIC page and x2APIC MSR range on
// x86, the GICv3 CPU interface registers on arm64.
func InterruptControllerAccess(arch hv.CpuArchitecture, exit *hv.Exit) bool {
	switch arch {
	case hv.ArchitectureX86_64:
		switch exit.Reason {
		case hv.ExitMemoryAccess:
			return !exit.Translation && exit.GPA&^0xFFF == XAPICBase
		case hv.ExitMSR:
			return exit.MSR >= msrX2APICFirst && exit.MSR <= msrX2APICLast
		}
	case hv.ArchitectureARM64:
		if exit.Reason == hv.ExitSystemRegister {
			reg := sysRegISS(exit.Syndrome).SysReg()
			return reg == SysRegPMR || (reg.Op0 == 3 && reg.Op1 == 0 && reg.CRn == 12)
		}
	}
	return false
}

// New returns the emulator variant for arch.
func New(arch hv.CpuArchitecture) (Emulator, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return &x86Emulator{}, nil
	case hv.ArchitectureARM64:
		return &arm64Emulator{}, nil
	default:
		return nil, fmt.Errorf("emulator: unsupported architecture %q", arch)
	}
}
