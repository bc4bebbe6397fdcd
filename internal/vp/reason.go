package vp

import (
	"errors"
	"fmt"

	"github.com/tinyrange/paravisor/internal/emulator"
	"github.com/tinyrange/paravisor/internal/hv"
)

// State is the lifecycle state of a virtual processor.
type State uint32

const (
	StateReady State = iota
	StateRunning
	StateExited
	StateDispatching
	StateEmulating
	StateHalted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateDispatching:
		return "dispatching"
	case StateEmulating:
		return "emulating"
	case StateHalted:
		return "halted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// InterceptReason is the classified cause of one exit. The set of variants
// is closed.
type InterceptReason interface {
	isInterceptReason()
}

// HypercallInvoked is an explicit hypercall instruction.
type HypercallInvoked struct{}

// InstructionFault is an instruction the hardware could not complete: an
// MMIO or port access to a device, a trapped MSR or control register.
type InstructionFault struct {
	Exit hv.Exit
}

// InterruptControllerAccess is an access to the local interrupt
// controller interface.
type InterruptControllerAccess struct {
	Exit hv.Exit
}

// MemoryFault is a fault taken by the hardware while translating a guest
// access to mapped RAM.
type MemoryFault struct {
	Address uint64
	Access  hv.AccessKind
	Size    int
}

// Halted means the guest is idle until an interrupt arrives.
type Halted struct{}

// Kicked means the entry was forced out.
type Kicked struct{}

// HardwareError is an unrecoverable substrate failure for one VP. It is
// both an intercept reason and the error Run returns.
type HardwareError struct {
	VP  int
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("vp %d: hardware error: %v", e.VP, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// PartitionWide reports whether the substrate said the failure affects
// every VP.
func (e *HardwareError) PartitionWide() bool { return errors.Is(e.Err, hv.ErrPartitionWide) }

func (HypercallInvoked) isInterceptReason()          {}
func (InstructionFault) isInterceptReason()          {}
func (InterruptControllerAccess) isInterceptReason() {}
func (MemoryFault) isInterceptReason()               {}
func (Halted) isInterceptReason()                    {}
func (Kicked) isInterceptReason()                    {}
func (*HardwareError) isInterceptReason()            {}

// Classify maps one exit to exactly one intercept reason.
func Classify(arch hv.CpuArchitecture, vp int, exit hv.Exit) InterceptReason {
	switch exit.Reason {
	case hv.ExitHypercall:
		return HypercallInvoked{}
	case hv.ExitHalt:
		return Halted{}
	case hv.ExitCanceled:
		return Kicked{}
	case hv.ExitMemoryAccess:
		if exit.Translation {
			return MemoryFault{Address: exit.GPA, Access: exit.Access, Size: exit.Size}
		}
		fallthrough
	case hv.ExitInstruction, hv.ExitPortIO, hv.ExitMSR, hv.ExitSystemRegister:
		if emulator.InterruptControllerAccess(arch, &exit) {
			return InterruptControllerAccess{Exit: exit}
		}
		return InstructionFault{Exit: exit}
	case hv.ExitHardwareError:
		err := exit.Err
		if err == nil {
			err = errors.New("substrate reported a hardware error")
		}
		return &HardwareError{VP: vp, Err: err}
	default:
		return &HardwareError{VP: vp, Err: fmt.Errorf("unknown exit reason %v", exit.Reason)}
	}
}
