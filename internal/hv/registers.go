package hv

import "fmt"

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rbx
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Control Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer

	// ARM64 General-Purpose Registers
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64X2
	RegisterARM64X3
	RegisterARM64X4
	RegisterARM64X5
	RegisterARM64X6
	RegisterARM64X7
	RegisterARM64X8
	RegisterARM64X9
	RegisterARM64X10
	RegisterARM64X11
	RegisterARM64X12
	RegisterARM64X13
	RegisterARM64X14
	RegisterARM64X15
	RegisterARM64X16
	RegisterARM64X17
	RegisterARM64X18
	RegisterARM64X19
	RegisterARM64X20
	RegisterARM64X21
	RegisterARM64X22
	RegisterARM64X23
	RegisterARM64X24
	RegisterARM64X25
	RegisterARM64X26
	RegisterARM64X27
	RegisterARM64X28
	RegisterARM64X29
	RegisterARM64X30
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Vbar
	RegisterARM64Esr
	RegisterARM64Far
	RegisterARM64Elr
)

func (r Register) String() string {
	switch {
	case r >= RegisterAMD64Rax && r <= RegisterAMD64R15:
		return amd64GPRNames[r-RegisterAMD64Rax]
	case r >= RegisterARM64X0 && r <= RegisterARM64X30:
		return fmt.Sprintf("x%d", r-RegisterARM64X0)
	}
	switch r {
	case RegisterAMD64Rip:
		return "rip"
	case RegisterAMD64Rflags:
		return "rflags"
	case RegisterAMD64Cr0:
		return "cr0"
	case RegisterAMD64Cr3:
		return "cr3"
	case RegisterAMD64Cr4:
		return "cr4"
	case RegisterAMD64Cr8:
		return "cr8"
	case RegisterAMD64Efer:
		return "efer"
	case RegisterARM64Sp:
		return "sp"
	case RegisterARM64Pc:
		return "pc"
	case RegisterARM64Pstate:
		return "pstate"
	case RegisterARM64Vbar:
		return "vbar_el1"
	case RegisterARM64Esr:
		return "esr_el1"
	case RegisterARM64Far:
		return "far_el1"
	case RegisterARM64Elr:
		return "elr_el1"
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

var amd64GPRNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// GPR slot indices for x86. The order is the hardware ModRM encoding so
// decoded register numbers index Registers.GPR directly.
const (
	X86Rax = iota
	X86Rcx
	X86Rdx
	X86Rbx
	X86Rsp
	X86Rbp
	X86Rsi
	X86Rdi
	X86R8
	X86R9
	X86R10
	X86R11
	X86R12
	X86R13
	X86R14
	X86R15
)

// ARM64 stack pointer slot; X0..X30 occupy slots 0..30.
const ARM64Sp = 31

// PendingEvent is a synchronous exception to deliver on the next entry.
type PendingEvent struct {
	Valid bool

	// x86 exception vector (6 for #UD, 13 for #GP, 14 for #PF).
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool

	// arm64 exception syndrome (ESR_EL1) for the injected exception.
	Syndrome uint64

	// Faulting address (CR2 on x86, FAR_EL1 on arm64).
	FaultAddress uint64
}

// PendingInterrupt describes an external interrupt to present on entry.
// On x86 the vector is injected directly; on arm64 only the IRQ line is
// raised and the guest acknowledges through the GIC CPU interface.
type PendingInterrupt struct {
	Valid  bool
	Vector uint8
}

// Registers is a cached snapshot of one virtual processor's state.
type Registers struct {
	Arch CpuArchitecture

	GPR   [32]uint64
	PC    uint64
	Flags uint64

	// x86 control state. Mode is the default operand size in bits (16, 32, 64).
	CR0  uint64
	CR3  uint64
	CR4  uint64
	CR8  uint64
	EFER uint64
	Mode int

	// arm64 exception state.
	VBAR uint64
	ESR  uint64
	FAR  uint64
	ELR  uint64

	Event     PendingEvent
	Interrupt PendingInterrupt
}

// Interruptible reports whether the guest currently accepts external
// interrupts.
func (r *Registers) Interruptible() bool {
	switch r.Arch {
	case ArchitectureX86_64:
		return r.Flags&X86FlagIF != 0
	case ArchitectureARM64:
		return r.Flags&ARM64PstateI == 0
	default:
		return false
	}
}

const (
	X86FlagCF uint64 = 1 << 0
	X86FlagPF uint64 = 1 << 2
	X86FlagZF uint64 = 1 << 6
	X86FlagSF uint64 = 1 << 7
	X86FlagIF uint64 = 1 << 9
	X86FlagOF uint64 = 1 << 11

	ARM64PstateI uint64 = 1 << 7
)

// Get returns the value of a named register.
func (r *Registers) Get(reg Register) (uint64, error) {
	switch {
	case reg >= RegisterAMD64Rax && reg <= RegisterAMD64R15:
		if r.Arch != ArchitectureX86_64 {
			break
		}
		return r.GPR[reg-RegisterAMD64Rax], nil
	case reg >= RegisterARM64X0 && reg <= RegisterARM64X30:
		if r.Arch != ArchitectureARM64 {
			break
		}
		return r.GPR[reg-RegisterARM64X0], nil
	}

	switch {
	case r.Arch == ArchitectureX86_64:
		switch reg {
		case RegisterAMD64Rip:
			return r.PC, nil
		case RegisterAMD64Rflags:
			return r.Flags, nil
		case RegisterAMD64Cr0:
			return r.CR0, nil
		case RegisterAMD64Cr3:
			return r.CR3, nil
		case RegisterAMD64Cr4:
			return r.CR4, nil
		case RegisterAMD64Cr8:
			return r.CR8, nil
		case RegisterAMD64Efer:
			return r.EFER, nil
		}
	case r.Arch == ArchitectureARM64:
		switch reg {
		case RegisterARM64Sp:
			return r.GPR[ARM64Sp], nil
		case RegisterARM64Pc:
			return r.PC, nil
		case RegisterARM64Pstate:
			return r.Flags, nil
		case RegisterARM64Vbar:
			return r.VBAR, nil
		case RegisterARM64Esr:
			return r.ESR, nil
		case RegisterARM64Far:
			return r.FAR, nil
		case RegisterARM64Elr:
			return r.ELR, nil
		}
	}

	return 0, fmt.Errorf("hv: unsupported register %v for architecture %s", reg, r.Arch)
}

// Set writes a named register.
func (r *Registers) Set(reg Register, value uint64) error {
	switch {
	case reg >= RegisterAMD64Rax && reg <= RegisterAMD64R15 && r.Arch == ArchitectureX86_64:
		r.GPR[reg-RegisterAMD64Rax] = value
		return nil
	case reg >= RegisterARM64X0 && reg <= RegisterARM64X30 && r.Arch == ArchitectureARM64:
		r.GPR[reg-RegisterARM64X0] = value
		return nil
	}

	if r.Arch == ArchitectureX86_64 {
		switch reg {
		case RegisterAMD64Rip:
			r.PC = value
		case RegisterAMD64Rflags:
			r.Flags = value
		case RegisterAMD64Cr0:
			r.CR0 = value
		case RegisterAMD64Cr3:
			r.CR3 = value
		case RegisterAMD64Cr4:
			r.CR4 = value
		case RegisterAMD64Cr8:
			r.CR8 = value
		case RegisterAMD64Efer:
			r.EFER = value
		default:
			return fmt.Errorf("hv: unsupported register %v for architecture %s", reg, r.Arch)
		}
		return nil
	}

	if r.Arch == ArchitectureARM64 {
		switch reg {
		case RegisterARM64Sp:
			r.GPR[ARM64Sp] = value
		case RegisterARM64Pc:
			r.PC = value
		case RegisterARM64Pstate:
			r.Flags = value
		case RegisterARM64Vbar:
			r.VBAR = value
		case RegisterARM64Esr:
			r.ESR = value
		case RegisterARM64Far:
			r.FAR = value
		case RegisterARM64Elr:
			r.ELR = value
		default:
			return fmt.Errorf("hv: unsupported register %v for architecture %s", reg, r.Arch)
		}
		return nil
	}

	return fmt.Errorf("hv: unsupported register %v for architecture %s", reg, r.Arch)
}

// NewRegisters returns a reset snapshot for the given architecture.
func NewRegisters(arch CpuArchitecture) Registers {
	r := Registers{Arch: arch}
	switch arch {
	case ArchitectureX86_64:
		r.Flags = 0x2
		r.Mode = 64
	case ArchitectureARM64:
		// EL1h with DAIF masked.
		r.Flags = 0x3c5
	}
	return r
}
