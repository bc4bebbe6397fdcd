package chipset

import (
	"context"

	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hypercall"
)

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// EventConnection is a guest signal target. Notify runs on the signalling
// VP's goroutine and must not block.
type EventConnection struct {
	ID     uint32
	Notify func(flag uint16)
}

// MessageConnection is a guest message port with a bounded queue.
type MessageConnection struct {
	ID     uint32
	Depth  int
	Notify func()
}

// ConnectionIntercept lists the hypercall connections a device listens on.
type ConnectionIntercept struct {
	Events   []EventConnection
	Messages []MessageConnection
}

// HypercallCode is a device-private call code outside the built-in set.
type HypercallCode struct {
	Code      hypercall.Code
	InputSize int
	Handler   hypercall.Handler
}

type HypercallIntercept struct {
	Codes []HypercallCode
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// ChangeDeviceState exposes lifecycle hooks for devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is the unified interface all device models implement. A nil
// intercept means the device does not use that path.
type Device interface {
	Name() string
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsConnections() *ConnectionIntercept
	SupportsHypercalls() *HypercallIntercept
}

// Poller is implemented by devices that want Poll called by the partition.
type Poller interface {
	SupportsPollDevice() PollHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}
