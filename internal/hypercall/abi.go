package hypercall

import (
	"fmt"

	"github.com/tinyrange/paravisor/internal/hv"
)

// Code is a hypercall call code.
type Code uint16

const (
	CodeFlushVirtualAddressSpace Code = 0x0002
	CodeNotifyLongSpinWait       Code = 0x0008
	CodeSendSyntheticClusterIpi  Code = 0x000B
	CodeGetVpRegisters           Code = 0x0050
	CodeSetVpRegisters           Code = 0x0051
	CodePostMessage              Code = 0x005C
	CodeSignalEvent              Code = 0x005D
	CodeGetVpIndexFromApicId     Code = 0x009A
)

var codeNames = map[Code]string{
	CodeFlushVirtualAddressSpace: "FlushVirtualAddressSpace",
	CodeNotifyLongSpinWait:       "NotifyLongSpinWait",
	CodeSendSyntheticClusterIpi:  "SendSyntheticClusterIpi",
	CodeGetVpRegisters:           "GetVpRegisters",
	CodeSetVpRegisters:           "SetVpRegisters",
	CodePostMessage:              "PostMessage",
	CodeSignalEvent:              "SignalEvent",
	CodeGetVpIndexFromApicId:     "GetVpIndexFromApicId",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%#04x)", uint16(c))
}

// Status is the guest-visible hypercall result status.
type Status uint16

const (
	StatusSuccess               Status = 0x0000
	StatusInvalidHypercallCode  Status = 0x0002
	StatusInvalidHypercallInput Status = 0x0003
	StatusInvalidAlignment      Status = 0x0004
	StatusInvalidParameter      Status = 0x0005
	StatusAccessDenied          Status = 0x0006
	StatusInvalidVpIndex        Status = 0x000E
	StatusInvalidPortID         Status = 0x0011
	StatusInvalidConnectionID   Status = 0x0012
	StatusInsufficientBuffers   Status = 0x0013
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidHypercallCode:
		return "invalid hypercall code"
	case StatusInvalidHypercallInput:
		return "invalid hypercall input"
	case StatusInvalidAlignment:
		return "invalid alignment"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusAccessDenied:
		return "access denied"
	case StatusInvalidVpIndex:
		return "invalid vp index"
	case StatusInvalidPortID:
		return "invalid port id"
	case StatusInvalidConnectionID:
		return "invalid connection id"
	case StatusInsufficientBuffers:
		return "insufficient buffers"
	default:
		return fmt.Sprintf("Status(%#04x)", uint16(s))
	}
}

// Control is the hypercall input value: the call code, the fast flag, the
// variable header size and the rep count and start index.
type Control uint64

const (
	controlFastBit        = 16
	controlVarHeaderShift = 17
	controlVarHeaderMask  = 0x3FF
	controlRepCountShift  = 32
	controlRepStartShift  = 48
	controlRepMask        = 0xFFF

	// Bits 44-47 and 60-63 must be zero.
	controlReservedMask = Control(0xF<<44 | 0xF<<60)

	// MaxReps is the largest rep count the control word can hold.
	MaxReps = controlRepMask
)

func (c Control) Code() Code { return Code(c & 0xFFFF) }

func (c Control) Fast() bool { return c&(1<<controlFastBit) != 0 }

// VarHeaderSize is the size of the variable header in 8-byte units.
func (c Control) VarHeaderSize() int {
	return int((c >> controlVarHeaderShift) & controlVarHeaderMask)
}

func (c Control) RepCount() int { return int((c >> controlRepCountShift) & controlRepMask) }

func (c Control) RepStart() int { return int((c >> controlRepStartShift) & controlRepMask) }

// WithRepStart returns c with the rep start index replaced.
func (c Control) WithRepStart(start int) Control {
	c &^= controlRepMask << controlRepStartShift
	return c | Control(start&controlRepMask)<<controlRepStartShift
}

// NewControl builds a control word. Used by tests and by guests written in
// Go that issue hypercalls through the simulated substrate.
func NewControl(code Code, fast bool, repCount, repStart int) Control {
	c := Control(code)
	if fast {
		c |= 1 << controlFastBit
	}
	c |= Control(repCount&controlRepMask) << controlRepCountShift
	c |= Control(repStart&controlRepMask) << controlRepStartShift
	return c
}

// resultValue packs a status and the number of reps completed so far.
func resultValue(status Status, repsCompleted int) uint64 {
	return uint64(status) | uint64(repsCompleted&controlRepMask)<<32
}

// ResultStatus and ResultReps unpack a value written to the result register.
func ResultStatus(v uint64) Status { return Status(v & 0xFFFF) }

func ResultReps(v uint64) int { return int((v >> 32) & controlRepMask) }

// callRegisters names the general purpose register slots the ABI uses for
// the control word, the input operand, the output operand and the result.
type callRegisters struct {
	control, input, output, result int
}

func abiRegisters(arch hv.CpuArchitecture) (callRegisters, error) {
	switch arch {
	case hv.ArchitectureX86_64:
		return callRegisters{control: hv.X86Rcx, input: hv.X86Rdx, output: hv.X86R8, result: hv.X86Rax}, nil
	case hv.ArchitectureARM64:
		return callRegisters{control: 0, input: 1, output: 2, result: 0}, nil
	default:
		return callRegisters{}, fmt.Errorf("hypercall: unsupported architecture %q", arch)
	}
}

// Instruction lengths. On x86 the exit reports the VMCALL address; on arm64
// the return address already points past HVC.
const (
	x86CallLength   = 3
	arm64CallLength = 4
)

// RegisterName is a synthetic register identifier used by the Get/Set VP
// register calls.
type RegisterName uint32

const (
	RegisterNameX64Rax    RegisterName = 0x0002_0000
	RegisterNameX64Rip    RegisterName = 0x0002_0010
	RegisterNameX64Rflags RegisterName = 0x0002_0011
	RegisterNameX64Cr0    RegisterName = 0x0004_0000
	RegisterNameX64Cr3    RegisterName = 0x0004_0002
	RegisterNameX64Cr4    RegisterName = 0x0004_0003
	RegisterNameX64Cr8    RegisterName = 0x0004_0004
	RegisterNameX64Efer   RegisterName = 0x0008_0001

	RegisterNameARM64X0     RegisterName = 0x0002_0000
	RegisterNameARM64Sp     RegisterName = 0x0002_001F
	RegisterNameARM64Pc     RegisterName = 0x0002_0022
	RegisterNameARM64Pstate RegisterName = 0x0002_0023

	// RegisterNameVpIndex is read-only on both architectures.
	RegisterNameVpIndex RegisterName = 0x0009_0003
)

// registerFor maps a synthetic register name to a snapshot register.
func registerFor(arch hv.CpuArchitecture, name RegisterName) (hv.Register, bool) {
	switch arch {
	case hv.ArchitectureX86_64:
		switch {
		case name >= RegisterNameX64Rax && name <= RegisterNameX64Rax+15:
			return x86GPRNames[name-RegisterNameX64Rax], true
		case name == RegisterNameX64Rip:
			return hv.RegisterAMD64Rip, true
		case name == RegisterNameX64Rflags:
			return hv.RegisterAMD64Rflags, true
		case name == RegisterNameX64Cr0:
			return hv.RegisterAMD64Cr0, true
		case name == RegisterNameX64Cr3:
			return hv.RegisterAMD64Cr3, true
		case name == RegisterNameX64Cr4:
			return hv.RegisterAMD64Cr4, true
		case name == RegisterNameX64Cr8:
			return hv.RegisterAMD64Cr8, true
		case name == RegisterNameX64Efer:
			return hv.RegisterAMD64Efer, true
		}
	case hv.ArchitectureARM64:
		switch {
		case name >= RegisterNameARM64X0 && name <= RegisterNameARM64X0+30:
			return hv.RegisterARM64X0 + hv.Register(name-RegisterNameARM64X0), true
		case name == RegisterNameARM64Sp:
			return hv.RegisterARM64Sp, true
		case name == RegisterNameARM64Pc:
			return hv.RegisterARM64Pc, true
		case name == RegisterNameARM64Pstate:
			return hv.RegisterARM64Pstate, true
		}
	}
	return 0, false
}

// Synthetic names for RAX..R15 follow the hardware encoding order.
var x86GPRNames = [16]hv.Register{
	hv.RegisterAMD64Rax, hv.RegisterAMD64Rcx, hv.RegisterAMD64Rdx, hv.RegisterAMD64Rbx,
	hv.RegisterAMD64Rsp, hv.RegisterAMD64Rbp, hv.RegisterAMD64Rsi, hv.RegisterAMD64Rdi,
	hv.RegisterAMD64R8, hv.RegisterAMD64R9, hv.RegisterAMD64R10, hv.RegisterAMD64R11,
	hv.RegisterAMD64R12, hv.RegisterAMD64R13, hv.RegisterAMD64R14, hv.RegisterAMD64R15,
}
