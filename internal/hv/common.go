package hv

import (
	"context"
	"errors"
	"io"
)

var (
	ErrVPClosed              = errors.New("virtual processor closed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrPartitionWide is wrapped by substrate errors that affect every
	// virtual processor of the partition, not only the one that reported it.
	ErrPartitionWide = errors.New("partition-wide substrate failure")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// Permission describes how the guest may access a mapped range.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute

	PermRW  = PermRead | PermWrite
	PermRWX = PermRead | PermWrite | PermExecute
)

func (p Permission) Allows(want Permission) bool { return p&want == want }

func (p Permission) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExecute != 0 {
		b[2] = 'x'
	}
	return string(b)
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// VirtualProcessor is one vCPU as exposed by the hardware virtualization
// layer. Run is the blocking entry into guest execution. Cancelling ctx
// forces the processor out of guest mode; Run then returns an exit with
// reason ExitCanceled.
type VirtualProcessor interface {
	Index() int

	Run(ctx context.Context) (Exit, error)

	Registers() (Registers, error)
	SetRegisters(regs Registers) error

	io.Closer
}

// Substrate is the hardware virtualization control layer for one partition.
type Substrate interface {
	io.Closer

	Architecture() CpuArchitecture

	CreateVirtualProcessor(index int) (VirtualProcessor, error)

	MapMemory(gpa uint64, host []byte, perm Permission) error
	UnmapMemory(gpa uint64, size uint64) error
}
