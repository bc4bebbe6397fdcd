package hypercall

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/hv"
)

// DefaultRepBudget is the number of reps processed between checks for a
// pending interrupt.
const DefaultRepBudget = 16

// vpIndexSelf addresses the calling VP in Get/SetVpRegisters.
const vpIndexSelf = 0xFFFF_FFFE

// Result is the outcome of one dispatch.
type Result struct {
	Status Status

	// RepsCompleted counts reps processed by this dispatch, starting at
	// the invocation's RepStart.
	RepsCompleted int

	// Partial is set when a rep call stopped early to let the VP take an
	// interrupt. It is not an error.
	Partial bool

	// Output holds the output elements for the completed reps.
	Output []byte
}

// Target is the partition state calls may act on.
type Target interface {
	VPCount() int
	VPIndexFromAPICID(apicID uint32) (int, bool)
	SendIPI(vp int, vector uint8) error
}

// Caller identifies the VP issuing a call.
type Caller struct {
	VP   int
	Regs *hv.Registers
}

// Handler serves a call code registered by a device model.
type Handler func(ctx context.Context, caller Caller, input []byte) Status

type extension struct {
	inputSize int
	handler   Handler
}

// DispatcherStats counts dispatches.
type DispatcherStats struct {
	Calls        uint64
	Failed       uint64
	Partial      uint64
	UnknownCodes uint64
}

// Dispatcher executes decoded calls. It is shared by every VP of a
// partition.
type Dispatcher struct {
	arch        hv.CpuArchitecture
	repBudget   int
	connections *ConnectionTable
	target      Target

	mu         sync.RWMutex
	extensions map[Code]extension

	calls, failed, partial, unknown atomic.Uint64
}

// NewDispatcher returns a dispatcher. repBudget <= 0 selects
// DefaultRepBudget.
func NewDispatcher(arch hv.CpuArchitecture, repBudget int, connections *ConnectionTable, target Target) *Dispatcher {
	if repBudget <= 0 {
		repBudget = DefaultRepBudget
	}
	if connections == nil {
		connections = NewConnectionTable()
	}
	return &Dispatcher{
		arch:        arch,
		repBudget:   repBudget,
		connections: connections,
		target:      target,
		extensions:  make(map[Code]extension),
	}
}

func (d *Dispatcher) Connections() *ConnectionTable { return d.connections }

func (d *Dispatcher) RepBudget() int { return d.repBudget }

// Register routes a call code to a device model handler. Built in codes
// cannot be overridden.
func (d *Dispatcher) Register(code Code, inputSize int, h Handler) error {
	if _, ok := layouts[code]; ok {
		return fmt.Errorf("hypercall: code %v is built in", code)
	}
	if inputSize < 0 || inputSize > pageSize {
		return fmt.Errorf("hypercall: input size %d out of range", inputSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.extensions[code]; ok {
		return fmt.Errorf("hypercall: code %v already registered", code)
	}
	d.extensions[code] = extension{inputSize: inputSize, handler: h}
	return nil
}

// Unregister removes a device model handler.
func (d *Dispatcher) Unregister(code Code) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.extensions, code)
}

func (d *Dispatcher) extension(code Code) (extension, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ext, ok := d.extensions[code]
	return ext, ok
}

// Decode is the package Decode extended with the registered codes.
func (d *Dispatcher) Decode(regs *hv.Registers, mem Memory) (Invocation, Frame, error) {
	return decode(d.arch, regs, mem, func(code Code) (layout, bool) {
		ext, ok := d.extension(code)
		if !ok {
			return layout{}, false
		}
		return layout{
			headerSize: ext.inputSize,
			parse: func(h []byte, _ [][]byte) (Input, error) {
				return RawInput{Data: append([]byte(nil), h...)}, nil
			},
		}, true
	})
}

// Dispatch executes inv. Reps run in ascending order from RepStart; after
// every RepBudget reps, preempt is consulted and a true result stops the
// call with a partial result. A cancelled ctx stops it the same way.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, inv Invocation, preempt func() bool) Result {
	d.calls.Add(1)
	res := d.dispatch(ctx, caller, inv, preempt)
	switch {
	case res.Partial:
		d.partial.Add(1)
	case res.Status != StatusSuccess:
		d.failed.Add(1)
	}
	slog.Debug("hypercall: dispatched", "vp", caller.VP, "code", inv.Code,
		"status", res.Status, "reps", res.RepsCompleted, "partial", res.Partial)
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, caller Caller, inv Invocation, preempt func() bool) Result {
	switch in := inv.Input.(type) {
	case SignalEventInput:
		return Result{Status: d.connections.SignalEvent(in.ConnectionID, in.FlagNumber)}
	case PostMessageInput:
		return Result{Status: d.connections.PostMessage(in.ConnectionID, in.MessageType, in.Payload)}
	case FlushVirtualAddressSpaceInput, NotifyLongSpinWaitInput:
		// TLB flushes and spin-wait hints need no action from the paravisor.
		return Result{Status: StatusSuccess}
	case SendSyntheticClusterIpiInput:
		return Result{Status: d.sendClusterIPI(in)}
	case GetVpIndexFromApicIdInput:
		return d.reps(ctx, inv, preempt, 4, func(i int, out []byte) Status {
			if d.target == nil {
				return StatusInvalidParameter
			}
			vp, ok := d.target.VPIndexFromAPICID(in.ApicIDs[i])
			if !ok {
				return StatusInvalidParameter
			}
			le.PutUint32(out, uint32(vp))
			return StatusSuccess
		})
	case GetVpRegistersInput:
		if st := d.checkSelf(caller, in.VpIndex); st != StatusSuccess {
			return Result{Status: st}
		}
		return d.reps(ctx, inv, preempt, 16, func(i int, out []byte) Status {
			v, st := d.getRegister(caller, in.Names[i])
			if st == StatusSuccess {
				le.PutUint64(out, v)
			}
			return st
		})
	case SetVpRegistersInput:
		if st := d.checkSelf(caller, in.VpIndex); st != StatusSuccess {
			return Result{Status: st}
		}
		return d.reps(ctx, inv, preempt, 0, func(i int, _ []byte) Status {
			return d.setRegister(caller, in.Assocs[i])
		})
	case RawInput:
		ext, ok := d.extension(inv.Code)
		if !ok {
			// Unregistered between decode and dispatch.
			d.unknown.Add(1)
			return Result{Status: StatusInvalidHypercallCode}
		}
		return Result{Status: ext.handler(ctx, caller, in.Data)}
	case nil:
		d.unknown.Add(1)
		slog.Debug("hypercall: unknown call code", "vp", caller.VP, "code", inv.Code)
		return Result{Status: StatusInvalidHypercallCode}
	default:
		return Result{Status: StatusInvalidHypercallCode}
	}
}

// reps runs one function per rep. A failing rep stops the call with the
// reps before it completed.
func (d *Dispatcher) reps(ctx context.Context, inv Invocation, preempt func() bool, outSize int, fn func(i int, out []byte) Status) Result {
	res := Result{Status: StatusSuccess}
	if outSize > 0 {
		res.Output = make([]byte, 0, outSize*(inv.RepCount-inv.RepStart))
	}
	out := make([]byte, outSize)
	since := 0
	for i := inv.RepStart; i < inv.RepCount; i++ {
		if since == d.repBudget {
			since = 0
			if ctx.Err() != nil || (preempt != nil && preempt()) {
				res.Partial = true
				return res
			}
		}
		clear(out)
		if st := fn(i, out); st != StatusSuccess {
			res.Status = st
			return res
		}
		res.Output = append(res.Output, out...)
		res.RepsCompleted++
		since++
	}
	return res
}

func (d *Dispatcher) sendClusterIPI(in SendSyntheticClusterIpiInput) Status {
	if in.Vector < 16 || in.Vector > 255 {
		return StatusInvalidParameter
	}
	if d.target == nil {
		return StatusInvalidParameter
	}
	count := d.target.VPCount()
	if count < 64 && in.ProcessorMask>>count != 0 {
		return StatusInvalidParameter
	}
	// Targets are validated before any IPI is sent.
	for mask := in.ProcessorMask; mask != 0; mask &= mask - 1 {
		vp := bits.TrailingZeros64(mask)
		if err := d.target.SendIPI(vp, uint8(in.Vector)); err != nil {
			slog.Debug("hypercall: ipi failed", "vp", vp, "vector", in.Vector, "err", err)
		}
	}
	return StatusSuccess
}

func (d *Dispatcher) checkSelf(caller Caller, index uint32) Status {
	if index != vpIndexSelf && index != uint32(caller.VP) {
		return StatusAccessDenied
	}
	if caller.Regs == nil {
		return StatusInvalidParameter
	}
	return StatusSuccess
}

func (d *Dispatcher) getRegister(caller Caller, name RegisterName) (uint64, Status) {
	if name == RegisterNameVpIndex {
		return uint64(caller.VP), StatusSuccess
	}
	reg, ok := registerFor(d.arch, name)
	if !ok {
		return 0, StatusInvalidParameter
	}
	v, err := caller.Regs.Get(reg)
	if err != nil {
		return 0, StatusInvalidParameter
	}
	return v, StatusSuccess
}

func (d *Dispatcher) setRegister(caller Caller, assoc RegisterAssoc) Status {
	reg, ok := registerFor(d.arch, assoc.Name)
	if !ok {
		return StatusInvalidParameter
	}
	// The program counter is owned by the call completion.
	if reg == hv.RegisterAMD64Rip || reg == hv.RegisterARM64Pc {
		return StatusAccessDenied
	}
	if err := caller.Regs.Set(reg, assoc.Low); err != nil {
		return StatusInvalidParameter
	}
	return StatusSuccess
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Calls:        d.calls.Load(),
		Failed:       d.failed.Load(),
		Partial:      d.partial.Load(),
		UnknownCodes: d.unknown.Load(),
	}
}
