package hv

import "fmt"

type ExitReason uint32

const (
	ExitUnknown ExitReason = iota
	// ExitHypercall is an explicit hypercall instruction (VMCALL/VMMCALL/HVC).
	ExitHypercall
	// ExitInstruction is an instruction the hardware could not complete
	// (for example a trapped CPUID or a MOV to a control register).
	ExitInstruction
	// ExitMemoryAccess is a guest-physical access the second-level
	// translation did not satisfy: MMIO, or a permission violation on RAM.
	ExitMemoryAccess
	ExitPortIO
	ExitMSR
	// ExitSystemRegister is an arm64 MSR/MRS trap.
	ExitSystemRegister
	ExitHalt
	// ExitCanceled is returned when Run was forced out by a kick.
	ExitCanceled
	ExitHardwareError
)

func (r ExitReason) String() string {
	switch r {
	case ExitHypercall:
		return "hypercall"
	case ExitInstruction:
		return "instruction"
	case ExitMemoryAccess:
		return "memory_access"
	case ExitPortIO:
		return "port_io"
	case ExitMSR:
		return "msr"
	case ExitSystemRegister:
		return "system_register"
	case ExitHalt:
		return "halt"
	case ExitCanceled:
		return "canceled"
	case ExitHardwareError:
		return "hardware_error"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(r))
	}
}

type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) Permission() Permission {
	switch k {
	case AccessWrite:
		return PermWrite
	case AccessExecute:
		return PermExecute
	default:
		return PermRead
	}
}

func (k AccessKind) String() string {
	switch k {
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "read"
	}
}

// Exit is what a single entry into guest execution returns.
type Exit struct {
	Reason ExitReason

	// Memory access exits.
	GPA    uint64
	Access AccessKind
	Size   int
	// Translation is set when the fault happened while the hardware itself
	// was translating a guest access to mapped RAM (permission violation),
	// as opposed to an access to an address with no RAM behind it.
	Translation bool

	// Instruction bytes as captured by the hardware, if any.
	Instruction []byte

	// Port I/O exits.
	Port uint16

	// MSR exits.
	MSR uint32

	// arm64 exception syndrome (ESR_EL2 style) for aborts and traps.
	Syndrome uint64

	// Hardware error detail.
	Err error

	Registers Registers
}
