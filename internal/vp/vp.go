// Package vp drives one virtual processor: it enters guest execution,
// classifies each exit and routes it to the hypercall dispatcher, the
// instruction emulator or the fault path, then resumes.
package vp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/paravisor/internal/emulator"
	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hypercall"
	"github.com/tinyrange/paravisor/internal/metrics"
	"github.com/tinyrange/paravisor/internal/sidecar"
)

const (
	DefaultSidecarTimeout = 2 * time.Millisecond
	DefaultSidecarRetries = 3
)

// Memory is guest-physical memory as the run loop needs it.
type Memory interface {
	emulator.Memory
	Translate(gpa, length uint64, access hv.AccessKind) (guestmem.Location, error)
}

var _ Memory = (*guestmem.Map)(nil)

// Config wires one VP to the partition's shared components.
type Config struct {
	Index      int
	VP         hv.VirtualProcessor
	Emulator   emulator.Emulator
	Local      *emulator.Local
	Memory     Memory
	Bus        emulator.Bus
	IPI        emulator.Sender
	Dispatcher *hypercall.Dispatcher
	Metrics    *metrics.Counters

	// SidecarTimeout bounds the wait for one offloaded iteration.
	SidecarTimeout time.Duration
	// SidecarRetries is how many times a submission refused with
	// backpressure is retried before running locally.
	SidecarRetries int
}

type entry struct {
	kick context.CancelFunc
}

type binding struct {
	ch     *sidecar.Channel
	worker *sidecar.Worker
}

// Processor is the run loop of one VP. Run owns the register snapshot;
// every other method may be called from any goroutine.
type Processor struct {
	cfg  Config
	arch hv.CpuArchitecture
	env  emulator.Env

	state atomic.Uint32
	regs  hv.Registers

	mu      sync.Mutex
	started bool
	stopReq bool
	stopRun context.CancelFunc
	stopped chan struct{}

	entry   atomic.Pointer[entry]
	sidecar atomic.Pointer[binding]
	// localNext forces the next entry to run locally. Run goroutine only.
	localNext bool

	kicks     atomic.Uint64
	fallbacks atomic.Uint64
}

// New returns a processor in the Ready state.
func New(cfg Config) (*Processor, error) {
	switch {
	case cfg.VP == nil:
		return nil, fmt.Errorf("vp %d: no virtual processor", cfg.Index)
	case cfg.Emulator == nil:
		return nil, fmt.Errorf("vp %d: no emulator", cfg.Index)
	case cfg.Local == nil || cfg.Local.Interrupts == nil:
		return nil, fmt.Errorf("vp %d: no interrupt controller", cfg.Index)
	case cfg.Memory == nil:
		return nil, fmt.Errorf("vp %d: no guest memory", cfg.Index)
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("vp %d: no hypercall dispatcher", cfg.Index)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.SidecarTimeout <= 0 {
		cfg.SidecarTimeout = DefaultSidecarTimeout
	}
	if cfg.SidecarRetries < 0 {
		cfg.SidecarRetries = 0
	}
	return &Processor{
		cfg:  cfg,
		arch: cfg.Emulator.Architecture(),
		env: emulator.Env{
			Memory: cfg.Memory,
			Bus:    cfg.Bus,
			Local:  cfg.Local,
			IPI:    cfg.IPI,
		},
		stopped: make(chan struct{}),
	}, nil
}

func (p *Processor) Index() int { return p.cfg.Index }

func (p *Processor) State() State { return State(p.state.Load()) }

func (p *Processor) setState(s State) { p.state.Store(uint32(s)) }

// Stopped is closed once the processor has reached StateStopped.
func (p *Processor) Stopped() <-chan struct{} { return p.stopped }

// Kicks is the number of kicks that forced an entry out.
func (p *Processor) Kicks() uint64 { return p.kicks.Load() }

// Fallbacks is the number of iterations that ran locally while bound to a
// sidecar.
func (p *Processor) Fallbacks() uint64 { return p.fallbacks.Load() }

// Kick forces the processor out of its current guest entry. It has no
// effect when the processor is not inside an entry, and kicking the same
// entry twice produces one exit.
func (p *Processor) Kick() bool {
	e := p.entry.Load()
	if e == nil {
		return false
	}
	e.kick()
	p.kicks.Add(1)
	p.cfg.Metrics.Kick()
	return true
}

// Stop ends Run. A processor that was never run goes straight to Stopped
// when Run is called.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopReq = true
	cancel := p.stopRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Abandon moves a processor that was never run straight to Stopped. Later
// calls to Run fail. It reports false when Run already owns the processor.
func (p *Processor) Abandon() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return false
	}
	p.started = true
	p.stopReq = true
	p.setState(StateStopped)
	close(p.stopped)
	slog.Debug("vp: abandoned before run", "vp", p.cfg.Index)
	return true
}

// BindSidecar offloads guest execution to worker, which serves ch. The
// worker must be the only consumer of ch and must be running.
func (p *Processor) BindSidecar(ch *sidecar.Channel, worker *sidecar.Worker) {
	p.sidecar.Store(&binding{ch: ch, worker: worker})
	slog.Debug("vp: sidecar bound", "vp", p.cfg.Index, "capacity", ch.Capacity())
}

// UnbindSidecar returns the processor to local execution.
func (p *Processor) UnbindSidecar() { p.sidecar.Store(nil) }

// Sidecar returns the bound channel, or nil.
func (p *Processor) Sidecar() *sidecar.Channel {
	if b := p.sidecar.Load(); b != nil {
		return b.ch
	}
	return nil
}

// Run drives the processor until Stop, ctx cancellation or a hardware
// error. It returns nil when stopped and a *HardwareError otherwise. Run
// may be called once.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("vp %d: already run", p.cfg.Index)
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.stopRun = cancel
	stopReq := p.stopReq
	p.mu.Unlock()

	defer func() {
		cancel()
		p.setState(StateStopped)
		close(p.stopped)
		slog.Debug("vp: stopped", "vp", p.cfg.Index)
	}()
	if stopReq {
		return nil
	}

	regs, err := p.cfg.VP.Registers()
	if err != nil {
		return p.hardwareError(fmt.Errorf("read initial registers: %w", err))
	}
	p.regs = regs
	p.setState(StateReady)

	for {
		if ctx.Err() != nil {
			return nil
		}

		exit, err := p.enter(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, hv.ErrVPClosed) {
				return nil
			}
			var hwErr *HardwareError
			if errors.As(err, &hwErr) {
				return p.hardwareError(hwErr.Err)
			}
			return p.hardwareError(err)
		}
		p.setState(StateExited)
		p.regs = exit.Registers

		switch r := Classify(p.arch, p.cfg.Index, exit).(type) {
		case HypercallInvoked:
			p.setState(StateDispatching)
			p.hypercall(ctx)
		case InstructionFault:
			p.setState(StateEmulating)
			p.emulate(emulator.InterceptInstruction, r.Exit)
		case InterruptControllerAccess:
			p.setState(StateEmulating)
			p.emulate(emulator.InterceptInterruptController, r.Exit)
		case MemoryFault:
			p.memoryFault(r)
		case Halted:
			p.halt(ctx)
		case Kicked:
		case *HardwareError:
			return p.hardwareError(r.Err)
		}
		p.setState(StateReady)
	}
}

func (p *Processor) hardwareError(err error) error {
	p.cfg.Metrics.HardwareError()
	hwErr := &HardwareError{VP: p.cfg.Index, Err: err}
	slog.Error("vp: hardware error", "vp", p.cfg.Index, "err", err, "partition_wide", hwErr.PartitionWide())
	return hwErr
}

// enter performs one entry into guest execution, locally or through the
// bound sidecar.
func (p *Processor) enter(ctx context.Context) (hv.Exit, error) {
	entryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Publish the entry before looking for interrupts: a request that
	// misses the check below sees the entry and kicks it.
	p.entry.Store(&entry{kick: cancel})
	defer p.entry.Store(nil)

	if p.cfg.Emulator.PrepareInterrupt(p.cfg.Local, &p.regs) {
		p.cfg.Metrics.Interrupt()
	}
	p.setState(StateRunning)
	start := time.Now()

	if b := p.sidecar.Load(); b != nil {
		if !p.localNext {
			exit, ran, err := p.offload(ctx, entryCtx, b)
			if err != nil {
				return hv.Exit{}, err
			}
			if ran {
				p.cfg.Metrics.Exit(exit.Reason, time.Since(start))
				return exit, nil
			}
			if ctx.Err() != nil {
				return hv.Exit{Reason: hv.ExitCanceled, Registers: p.regs}, nil
			}
		}
		p.localNext = false
		p.fallbacks.Add(1)
		p.cfg.Metrics.SidecarFallback()
		slog.Debug("vp: sidecar fallback", "vp", p.cfg.Index)
	}

	if err := p.cfg.VP.SetRegisters(p.regs); err != nil {
		return hv.Exit{}, fmt.Errorf("set registers: %w", err)
	}
	exit, err := p.cfg.VP.Run(entryCtx)
	if err != nil {
		return hv.Exit{}, err
	}
	p.cfg.Metrics.Exit(exit.Reason, time.Since(start))
	return exit, nil
}

func (p *Processor) hypercall(ctx context.Context) {
	inv, frame, err := p.cfg.Dispatcher.Decode(&p.regs, p.cfg.Memory)
	if err != nil {
		status := hypercall.StatusInvalidHypercallInput
		var de *hypercall.DecodeError
		if errors.As(err, &de) {
			status = de.Status
		}
		slog.Debug("vp: hypercall decode failed", "vp", p.cfg.Index, "err", err)
		frame.Fail(&p.regs, status)
		p.cfg.Metrics.Hypercall(false, true)
		return
	}

	interrupts := p.cfg.Local.Interrupts
	preempt := func() bool {
		_, ok := interrupts.Deliverable()
		return ok
	}
	res := p.cfg.Dispatcher.Dispatch(ctx, hypercall.Caller{VP: p.cfg.Index, Regs: &p.regs}, inv, preempt)
	if err := frame.Complete(&p.regs, p.cfg.Memory, inv, res); err != nil {
		slog.Debug("vp: hypercall completion failed", "vp", p.cfg.Index, "err", err)
		p.cfg.Metrics.Hypercall(false, true)
		return
	}
	p.cfg.Metrics.Hypercall(res.Partial, !res.Partial && res.Status != hypercall.StatusSuccess)
}

func (p *Processor) emulate(kind emulator.InterceptKind, exit hv.Exit) {
	out := p.cfg.Emulator.Emulate(p.env, emulator.Intercept{Kind: kind, Exit: exit}, &p.regs)
	out.Apply(&p.regs)
	p.cfg.Metrics.Emulation()
	if out.Kind == emulator.OutcomeFault {
		p.cfg.Metrics.FaultInjected()
	}
	slog.Debug("vp: emulated", "vp", p.cfg.Index, "reason", exit.Reason, "outcome", out.Kind)
}

// memoryFault turns a translation fault on guest RAM into the exception
// the guest would have seen. If the mapping now allows the access the
// instruction is simply retried.
func (p *Processor) memoryFault(r MemoryFault) {
	size := uint64(r.Size)
	if size == 0 {
		size = 1
	}
	_, err := p.cfg.Memory.Translate(r.Address, size, r.Access)
	fault, ok := guestmem.AsFault(err)
	if !ok {
		slog.Debug("vp: translation fault resolved", "vp", p.cfg.Index, "gpa", r.Address)
		return
	}
	p.regs.Event = p.cfg.Emulator.TranslationFault(fault, &p.regs)
	p.cfg.Metrics.FaultInjected()
	slog.Debug("vp: memory fault", "vp", p.cfg.Index, "fault", fault)
}

// halt waits until an interrupt can be delivered or the processor stops.
func (p *Processor) halt(ctx context.Context) {
	p.setState(StateHalted)
	p.cfg.Metrics.Halt()
	// A wait cut short by ctx is noticed at the top of the loop.
	_ = p.cfg.Local.Interrupts.Wait(ctx)
}
