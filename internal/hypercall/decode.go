package hypercall

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/paravisor/internal/hv"
)

// Memory is the guest memory a normal (memory operand) call reads its
// input from and writes its output to.
type Memory interface {
	Read(gpa uint64, buf []byte) error
	Write(gpa uint64, buf []byte) error
}

// Input is the typed input of one call. The set of implementations is
// closed.
type Input interface {
	isInput()
}

type SignalEventInput struct {
	ConnectionID uint32
	FlagNumber   uint16
}

type PostMessageInput struct {
	ConnectionID uint32
	MessageType  uint32
	Payload      []byte
}

type FlushVirtualAddressSpaceInput struct {
	AddressSpace  uint64
	Flags         uint64
	ProcessorMask uint64
}

type NotifyLongSpinWaitInput struct {
	SpinCount uint64
}

type SendSyntheticClusterIpiInput struct {
	Vector        uint32
	TargetVTL     uint8
	ProcessorMask uint64
}

type GetVpIndexFromApicIdInput struct {
	PartitionID uint64
	TargetVTL   uint8
	ApicIDs     []uint32
}

type GetVpRegistersInput struct {
	PartitionID uint64
	VpIndex     uint32
	TargetVTL   uint8
	Names       []RegisterName
}

// RegisterAssoc is one name/value element of SetVpRegisters. Values are
// 128 bits; only the low half is meaningful for the registers supported.
type RegisterAssoc struct {
	Name      RegisterName
	Low, High uint64
}

type SetVpRegistersInput struct {
	PartitionID uint64
	VpIndex     uint32
	TargetVTL   uint8
	Assocs      []RegisterAssoc
}

// RawInput carries the input bytes of a call registered by a device model.
type RawInput struct {
	Data []byte
}

func (SignalEventInput) isInput()              {}
func (PostMessageInput) isInput()              {}
func (FlushVirtualAddressSpaceInput) isInput() {}
func (NotifyLongSpinWaitInput) isInput()       {}
func (SendSyntheticClusterIpiInput) isInput()  {}
func (GetVpIndexFromApicIdInput) isInput()     {}
func (GetVpRegistersInput) isInput()           {}
func (SetVpRegistersInput) isInput()           {}
func (RawInput) isInput()                      {}

// Invocation is a decoded call. It does not record whether the operands
// came from registers or memory; the fast and normal encodings of the same
// call decode to equal invocations.
type Invocation struct {
	Code     Code
	RepCount int
	RepStart int
	// Input is nil for unknown call codes.
	Input Input
}

// Frame records how a call was issued so the result can be returned the
// same way.
type Frame struct {
	Arch      hv.CpuArchitecture
	Control   Control
	Fast      bool
	InputGPA  uint64
	OutputGPA uint64

	// Size of one output element (rep calls) or of the whole output.
	outputSize int
	regs       callRegisters
}

// DecodeError is a malformed call. It is always attributable to the guest
// and is returned to it as Status.
type DecodeError struct {
	Code   Code
	Status Status
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("hypercall: decode %v: %s (%v)", e.Code, e.Reason, e.Status)
}

const (
	// PostMessage payloads are at most 240 bytes.
	MaxMessagePayload = 240

	fastInputSize = 16
	// Normal calls read their input from a single page.
	pageSize = 4096
)

// layout describes the input and output shape of a call code.
type layout struct {
	rep bool

	// Fixed header (rep calls) or whole input (simple calls).
	headerSize int
	// Per-rep input and output element sizes.
	elementSize int
	outputSize  int

	parse func(header []byte, elements [][]byte) (Input, error)
}

// Fast calls carry only their fixed input in two registers, so calls with
// output or rep elements are always issued through memory.
func (l layout) fastCapable() bool {
	return l.outputSize == 0 && (!l.rep || l.headerSize+l.elementSize <= fastInputSize) &&
		l.headerSize <= fastInputSize
}

var le = binary.LittleEndian

var layouts = map[Code]layout{
	CodeSignalEvent: {
		headerSize: 8,
		parse: func(h []byte, _ [][]byte) (Input, error) {
			return SignalEventInput{ConnectionID: le.Uint32(h[0:]), FlagNumber: le.Uint16(h[4:])}, nil
		},
	},
	CodePostMessage: {
		headerSize: 16 + MaxMessagePayload,
		parse: func(h []byte, _ [][]byte) (Input, error) {
			size := le.Uint32(h[12:])
			if size > MaxMessagePayload {
				return nil, fmt.Errorf("payload size %d exceeds %d", size, MaxMessagePayload)
			}
			return PostMessageInput{
				ConnectionID: le.Uint32(h[0:]),
				MessageType:  le.Uint32(h[8:]),
				Payload:      append([]byte(nil), h[16:16+size]...),
			}, nil
		},
	},
	CodeFlushVirtualAddressSpace: {
		headerSize: 24,
		parse: func(h []byte, _ [][]byte) (Input, error) {
			return FlushVirtualAddressSpaceInput{
				AddressSpace:  le.Uint64(h[0:]),
				Flags:         le.Uint64(h[8:]),
				ProcessorMask: le.Uint64(h[16:]),
			}, nil
		},
	},
	CodeNotifyLongSpinWait: {
		headerSize: 8,
		parse: func(h []byte, _ [][]byte) (Input, error) {
			return NotifyLongSpinWaitInput{SpinCount: le.Uint64(h)}, nil
		},
	},
	CodeSendSyntheticClusterIpi: {
		headerSize: 16,
		parse: func(h []byte, _ [][]byte) (Input, error) {
			return SendSyntheticClusterIpiInput{
				Vector:        le.Uint32(h[0:]),
				TargetVTL:     h[4],
				ProcessorMask: le.Uint64(h[8:]),
			}, nil
		},
	},
	CodeGetVpIndexFromApicId: {
		rep:         true,
		headerSize:  16,
		elementSize: 4,
		outputSize:  4,
		parse: func(h []byte, elems [][]byte) (Input, error) {
			in := GetVpIndexFromApicIdInput{PartitionID: le.Uint64(h[0:]), TargetVTL: h[8]}
			for _, e := range elems {
				in.ApicIDs = append(in.ApicIDs, le.Uint32(e))
			}
			return in, nil
		},
	},
	CodeGetVpRegisters: {
		rep:         true,
		headerSize:  16,
		elementSize: 4,
		outputSize:  16,
		parse: func(h []byte, elems [][]byte) (Input, error) {
			in := GetVpRegistersInput{PartitionID: le.Uint64(h[0:]), VpIndex: le.Uint32(h[8:]), TargetVTL: h[12]}
			for _, e := range elems {
				in.Names = append(in.Names, RegisterName(le.Uint32(e)))
			}
			return in, nil
		},
	},
	CodeSetVpRegisters: {
		rep:         true,
		headerSize:  16,
		elementSize: 32,
		parse: func(h []byte, elems [][]byte) (Input, error) {
			in := SetVpRegistersInput{PartitionID: le.Uint64(h[0:]), VpIndex: le.Uint32(h[8:]), TargetVTL: h[12]}
			for _, e := range elems {
				in.Assocs = append(in.Assocs, RegisterAssoc{
					Name: RegisterName(le.Uint32(e[0:])),
					Low:  le.Uint64(e[16:]),
					High: le.Uint64(e[24:]),
				})
			}
			return in, nil
		},
	},
}

// Decode reads a call from the register snapshot and, for normal calls,
// from guest memory. Calls registered with the dispatcher are decoded by
// Dispatcher.Decode instead.
func Decode(arch hv.CpuArchitecture, regs *hv.Registers, mem Memory) (Invocation, Frame, error) {
	return decode(arch, regs, mem, nil)
}

func decode(arch hv.CpuArchitecture, regs *hv.Registers, mem Memory, lookup func(Code) (layout, bool)) (Invocation, Frame, error) {
	abi, err := abiRegisters(arch)
	if err != nil {
		return Invocation{}, Frame{}, err
	}

	control := Control(regs.GPR[abi.control])
	code := control.Code()
	frame := Frame{
		Arch:    arch,
		Control: control,
		Fast:    control.Fast(),
		regs:    abi,
	}
	if !frame.Fast {
		frame.InputGPA = regs.GPR[abi.input]
		frame.OutputGPA = regs.GPR[abi.output]
	}
	inv := Invocation{Code: code, RepCount: control.RepCount(), RepStart: control.RepStart()}

	fail := func(status Status, format string, args ...any) (Invocation, Frame, error) {
		return inv, frame, &DecodeError{Code: code, Status: status, Reason: fmt.Sprintf(format, args...)}
	}

	lay, ok := layouts[code]
	if !ok && lookup != nil {
		lay, ok = lookup(code)
	}
	if !ok {
		// The dispatcher reports unknown codes.
		return inv, frame, nil
	}
	frame.outputSize = lay.outputSize

	if control&controlReservedMask != 0 {
		return fail(StatusInvalidHypercallInput, "reserved control bits set: %#x", uint64(control&controlReservedMask))
	}
	if !lay.rep && (inv.RepCount != 0 || inv.RepStart != 0) {
		return fail(StatusInvalidHypercallInput, "rep count %d on a simple call", inv.RepCount)
	}
	if inv.RepStart > inv.RepCount {
		return fail(StatusInvalidHypercallInput, "rep start %d beyond rep count %d", inv.RepStart, inv.RepCount)
	}

	headerSize := lay.headerSize + 8*control.VarHeaderSize()
	total := headerSize + lay.elementSize*inv.RepCount

	var input []byte
	if frame.Fast {
		if !lay.fastCapable() || total > fastInputSize {
			return fail(StatusInvalidHypercallInput, "input of %d bytes does not fit a fast call", total)
		}
		input = make([]byte, fastInputSize)
		le.PutUint64(input[0:], regs.GPR[abi.input])
		le.PutUint64(input[8:], regs.GPR[abi.output])
	} else {
		if frame.InputGPA%8 != 0 || (lay.outputSize != 0 && frame.OutputGPA%8 != 0) {
			return fail(StatusInvalidAlignment, "operands %#x/%#x not 8-byte aligned", frame.InputGPA, frame.OutputGPA)
		}
		if total > pageSize || frame.InputGPA%pageSize+uint64(total) > pageSize {
			return fail(StatusInvalidHypercallInput, "input of %d bytes crosses a page", total)
		}
		if lay.outputSize != 0 && frame.OutputGPA%pageSize+uint64(lay.outputSize*inv.RepCount) > pageSize {
			return fail(StatusInvalidHypercallInput, "output of %d reps crosses a page", inv.RepCount)
		}
		input = make([]byte, total)
		if err := mem.Read(frame.InputGPA, input); err != nil {
			return fail(StatusInvalidParameter, "read input: %v", err)
		}
	}

	header := input[:lay.headerSize]
	var elems [][]byte
	for i := 0; i < inv.RepCount; i++ {
		off := headerSize + i*lay.elementSize
		elems = append(elems, input[off:off+lay.elementSize])
	}
	in, err := lay.parse(header, elems)
	if err != nil {
		return fail(StatusInvalidParameter, "%v", err)
	}
	inv.Input = in
	return inv, frame, nil
}

// Complete returns res to the guest. For a partial result the rep start in
// the control register is advanced and the program counter left on the
// call, so the guest re-issues it and processing resumes where it stopped.
// Otherwise the status is written and the call is stepped over.
func (f Frame) Complete(regs *hv.Registers, mem Memory, inv Invocation, res Result) error {
	done := inv.RepStart + res.RepsCompleted

	if len(res.Output) != 0 && !f.Fast {
		offset := uint64(inv.RepStart * f.outputSize)
		if err := mem.Write(f.OutputGPA+offset, res.Output); err != nil {
			// Output could not be stored; the guest sees the call fail.
			res = Result{Status: StatusInvalidParameter, RepsCompleted: res.RepsCompleted}
			return f.finish(regs, res.Status, done, fmt.Errorf("hypercall: write output for %v: %w", inv.Code, err))
		}
	}

	if res.Partial {
		regs.GPR[f.regs.control] = uint64(f.Control.WithRepStart(done))
		if f.Arch == hv.ArchitectureARM64 {
			regs.PC -= arm64CallLength
		}
		return nil
	}
	return f.finish(regs, res.Status, done, nil)
}

func (f Frame) finish(regs *hv.Registers, status Status, reps int, err error) error {
	regs.GPR[f.regs.result] = resultValue(status, reps)
	if f.Arch == hv.ArchitectureX86_64 {
		regs.PC += x86CallLength
	}
	return err
}

// Fail returns a status for a call that could not be decoded.
func (f Frame) Fail(regs *hv.Registers, status Status) {
	f.finish(regs, status, f.Control.RepStart(), nil)
}
