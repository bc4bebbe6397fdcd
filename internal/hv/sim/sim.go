// Package sim is a software substrate that replays scripted exits. It backs
// the tests and `paravisor run --substrate sim`; it does not execute guest code.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/hv"
)

// Step is one scripted entry into guest execution.
type Step struct {
	// Exit is returned from Run. Exit.Registers is ignored; the VP's current
	// register file (after Edit) is attached instead.
	Exit hv.Exit

	// Edit mutates the register file before the exit is reported, standing
	// in for the guest instructions executed during the entry.
	Edit func(regs *hv.Registers)

	// Block makes Run wait until it is kicked. The step is consumed by the kick.
	Block bool

	// Err is returned from Run instead of an exit.
	Err error
}

// Halt is a step that reports a halt exit.
func Halt() Step { return Step{Exit: hv.Exit{Reason: hv.ExitHalt}} }

// Block is a step that waits for a kick.
func Block() Step { return Step{Block: true} }

// MappedRegion records a MapMemory call.
type MappedRegion struct {
	GPA  uint64
	Size uint64
	Perm hv.Permission
}

// Substrate is a simulated hardware virtualization layer.
type Substrate struct {
	arch hv.CpuArchitecture

	mu      sync.Mutex
	vps     map[int]*VirtualProcessor
	scripts map[int][]Step
	regions []MappedRegion
	closed  bool

	// FailCreate makes CreateVirtualProcessor fail for the given index.
	FailCreate map[int]error
}

// New returns an empty simulated substrate for arch.
func New(arch hv.CpuArchitecture) *Substrate {
	return &Substrate{
		arch:    arch,
		vps:     make(map[int]*VirtualProcessor),
		scripts: make(map[int][]Step),
	}
}

var (
	_ hv.Substrate        = (*Substrate)(nil)
	_ hv.VirtualProcessor = (*VirtualProcessor)(nil)
)

func (s *Substrate) Architecture() hv.CpuArchitecture { return s.arch }

// Script queues steps for the VP with the given index. It may be called
// before or after the VP is created.
func (s *Substrate) Script(index int, steps ...Step) {
	s.mu.Lock()
	vp := s.vps[index]
	if vp == nil {
		s.scripts[index] = append(s.scripts[index], steps...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	vp.Push(steps...)
}

// VirtualProcessor returns the created VP with the given index.
func (s *Substrate) VirtualProcessor(index int) *VirtualProcessor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vps[index]
}

func (s *Substrate) CreateVirtualProcessor(index int) (hv.VirtualProcessor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("sim: substrate closed")
	}
	if err := s.FailCreate[index]; err != nil {
		return nil, err
	}
	if _, ok := s.vps[index]; ok {
		return nil, fmt.Errorf("sim: virtual processor %d already exists", index)
	}

	vp := &VirtualProcessor{
		index:  index,
		regs:   hv.NewRegisters(s.arch),
		steps:  s.scripts[index],
		signal: make(chan struct{}, 1),
	}
	delete(s.scripts, index)
	s.vps[index] = vp
	return vp, nil
}

func (s *Substrate) MapMemory(gpa uint64, host []byte, perm hv.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("sim: substrate closed")
	}
	size := uint64(len(host))
	for _, r := range s.regions {
		if gpa < r.GPA+r.Size && gpa+size > r.GPA {
			return fmt.Errorf("sim: mapping [0x%x-0x%x) overlaps [0x%x-0x%x)", gpa, gpa+size, r.GPA, r.GPA+r.Size)
		}
	}
	s.regions = append(s.regions, MappedRegion{GPA: gpa, Size: size, Perm: perm})
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].GPA < s.regions[j].GPA })
	return nil
}

func (s *Substrate) UnmapMemory(gpa uint64, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.regions {
		if r.GPA == gpa && r.Size == size {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("sim: no mapping at 0x%x", gpa)
}

// Regions returns the currently mapped guest-physical ranges.
func (s *Substrate) Regions() []MappedRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MappedRegion(nil), s.regions...)
}

// Closed reports whether Close has been called.
func (s *Substrate) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Substrate) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.regions = nil
	return nil
}

// VirtualProcessor is a scripted vCPU.
type VirtualProcessor struct {
	index int

	mu     sync.Mutex
	regs   hv.Registers
	steps  []Step
	closed bool

	// signal wakes a Run waiting for more steps.
	signal chan struct{}

	entries  atomic.Uint64
	kicks    atomic.Uint64
	inside   atomic.Bool
	injected []hv.PendingInterrupt
	events   []hv.PendingEvent
}

func (v *VirtualProcessor) Index() int { return v.index }

// Push appends steps to the script and wakes a waiting Run.
func (v *VirtualProcessor) Push(steps ...Step) {
	v.mu.Lock()
	v.steps = append(v.steps, steps...)
	v.mu.Unlock()
	select {
	case v.signal <- struct{}{}:
	default:
	}
}

// Run consumes the next step. With an empty script it behaves like a guest
// spinning in a loop: it blocks until steps are pushed or ctx is cancelled.
func (v *VirtualProcessor) Run(ctx context.Context) (hv.Exit, error) {
	v.entries.Add(1)
	v.inside.Store(true)
	defer v.inside.Store(false)

	for {
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			return hv.Exit{}, hv.ErrVPClosed
		}
		v.recordEntryLocked()
		if ctx.Err() != nil {
			v.mu.Unlock()
			return v.canceled(), nil
		}
		if len(v.steps) == 0 {
			v.mu.Unlock()
			select {
			case <-ctx.Done():
				return v.canceled(), nil
			case <-v.signal:
				continue
			}
		}
		step := v.steps[0]
		v.steps = v.steps[1:]

		if step.Block {
			v.mu.Unlock()
			<-ctx.Done()
			return v.canceled(), nil
		}
		if step.Err != nil {
			v.mu.Unlock()
			return hv.Exit{}, step.Err
		}
		if step.Edit != nil {
			step.Edit(&v.regs)
		}
		exit := step.Exit
		exit.Registers = v.regs
		v.mu.Unlock()

		slog.Debug("sim: exit", "vp", v.index, "reason", exit.Reason)
		return exit, nil
	}
}

// recordEntryLocked consumes pending injections as the hardware would on entry.
func (v *VirtualProcessor) recordEntryLocked() {
	if v.regs.Interrupt.Valid {
		v.injected = append(v.injected, v.regs.Interrupt)
		v.regs.Interrupt = hv.PendingInterrupt{}
	}
	if v.regs.Event.Valid {
		v.events = append(v.events, v.regs.Event)
		v.regs.Event = hv.PendingEvent{}
	}
}

func (v *VirtualProcessor) canceled() hv.Exit {
	v.kicks.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	return hv.Exit{Reason: hv.ExitCanceled, Registers: v.regs}
}

func (v *VirtualProcessor) Registers() (hv.Registers, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return hv.Registers{}, hv.ErrVPClosed
	}
	return v.regs, nil
}

func (v *VirtualProcessor) SetRegisters(regs hv.Registers) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return hv.ErrVPClosed
	}
	if regs.Arch != v.regs.Arch {
		return fmt.Errorf("sim: register architecture %s does not match %s", regs.Arch, v.regs.Arch)
	}
	v.regs = regs
	return nil
}

func (v *VirtualProcessor) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errors.New("sim: virtual processor already closed")
	}
	v.closed = true
	return nil
}

// Entries is the number of Run calls so far.
func (v *VirtualProcessor) Entries() uint64 { return v.entries.Load() }

// Kicks is the number of Run calls ended by cancellation.
func (v *VirtualProcessor) Kicks() uint64 { return v.kicks.Load() }

// Inside reports whether a Run call is in progress.
func (v *VirtualProcessor) Inside() bool { return v.inside.Load() }

// Injected returns the interrupts delivered at entry so far.
func (v *VirtualProcessor) Injected() []hv.PendingInterrupt {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hv.PendingInterrupt(nil), v.injected...)
}

// Events returns the exceptions delivered at entry so far.
func (v *VirtualProcessor) Events() []hv.PendingEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]hv.PendingEvent(nil), v.events...)
}

// Remaining is the number of unconsumed script steps.
func (v *VirtualProcessor) Remaining() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.steps)
}
