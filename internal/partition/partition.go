// Package partition owns the virtual processors of one guest and the state
// they share: the guest memory map, the interrupt routing table and the
// intercept registry. VPs are addressed by index; cross-VP signalling goes
// through the partition, never through one processor holding another.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/paravisor/internal/apic"
	"github.com/tinyrange/paravisor/internal/chipset"
	"github.com/tinyrange/paravisor/internal/emulator"
	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hypercall"
	"github.com/tinyrange/paravisor/internal/metrics"
	"github.com/tinyrange/paravisor/internal/sidecar"
	"github.com/tinyrange/paravisor/internal/vp"
)

const (
	// MaxVPs is bounded by the 8-bit interrupt controller ids.
	MaxVPs = 256

	DefaultSidecarCapacity = 16
	DefaultTeardownTimeout = 5 * time.Second
)

var (
	// ErrPartitionFatal is returned by Run when a substrate failure affects
	// every VP. The guest cannot continue.
	ErrPartitionFatal = errors.New("partition: fatal substrate failure")

	// ErrTornDown is returned by Start after Teardown.
	ErrTornDown = errors.New("partition: already torn down")

	// ErrTeardownTimeout means some VP did not reach Stopped in time. Guest
	// memory is left mapped in that case.
	ErrTeardownTimeout = errors.New("partition: teardown timed out")

	ErrNoSuchVP = errors.New("partition: no such virtual processor")
)

// MemoryRegion is one range of guest RAM.
type MemoryRegion struct {
	Base uint64
	Size uint64
	Perm hv.Permission
}

type Config struct {
	// ID names the partition. A random id is assigned when it is nil.
	ID uuid.UUID

	VPCount       int
	Memory        []MemoryRegion
	MemoryOptions guestmem.Options

	// RepBudget is the number of hypercall reps processed between checks
	// for a deliverable interrupt. Zero selects hypercall.DefaultRepBudget.
	RepBudget int

	// SidecarVPs are offloaded to a sidecar worker each, through a ring of
	// SidecarCapacity slots.
	SidecarVPs      []int
	SidecarCapacity int
	SidecarTimeout  time.Duration
	SidecarRetries  int
}

type vpSlot struct {
	index int
	hv    hv.VirtualProcessor
	ctrl  *apic.Controller
	proc  *vp.Processor

	// Set for offloaded VPs.
	channel *sidecar.Channel
	worker  *sidecar.Worker
}

// Partition is the ownership root of one guest.
type Partition struct {
	id   uuid.UUID
	arch hv.CpuArchitecture

	substrate    hv.Substrate
	mem          *guestmem.Map
	addressSpace *hv.AddressSpace
	conns        *hypercall.ConnectionTable
	dispatcher   *hypercall.Dispatcher
	registry     *chipset.Registry
	routes       *RoutingTable
	lines        *chipset.LineSet
	metrics      *metrics.Counters

	vps []*vpSlot

	mu       sync.Mutex
	running  bool
	tornDown bool
	failures map[int]error

	// done is closed when the VPs launched by Start have returned; runErr
	// is their result.
	done   chan struct{}
	runErr error

	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

var _ hypercall.Target = (*Partition)(nil)

// New maps guest RAM into the substrate, creates the VPs and wires every
// shared component. On failure everything created so far is released; the
// substrate itself stays with the caller. On success the partition owns it.
func New(cfg Config, substrate hv.Substrate) (*Partition, error) {
	if substrate == nil {
		return nil, fmt.Errorf("partition: substrate is nil")
	}
	if cfg.VPCount <= 0 || cfg.VPCount > MaxVPs {
		return nil, fmt.Errorf("partition: vp count %d out of range 1..%d", cfg.VPCount, MaxVPs)
	}
	if len(cfg.Memory) == 0 {
		return nil, fmt.Errorf("partition: no guest memory configured")
	}
	if cfg.SidecarCapacity == 0 {
		cfg.SidecarCapacity = DefaultSidecarCapacity
	}
	offload := make(map[int]bool, len(cfg.SidecarVPs))
	for _, i := range cfg.SidecarVPs {
		if i < 0 || i >= cfg.VPCount {
			return nil, fmt.Errorf("partition: sidecar vp %d: %w", i, ErrNoSuchVP)
		}
		offload[i] = true
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}

	arch := substrate.Architecture()
	emu, err := emulator.New(arch)
	if err != nil {
		return nil, fmt.Errorf("partition: %w", err)
	}

	p := &Partition{
		id:        cfg.ID,
		arch:      arch,
		substrate: substrate,
		mem:       guestmem.New(cfg.MemoryOptions),
		conns:     hypercall.NewConnectionTable(),
		metrics:   metrics.New(),
		failures:  make(map[int]error),
		fatal:     make(chan struct{}),
		done:      make(chan struct{}),
	}

	cu := cleanup.Make(func() {
		if err := p.mem.Close(); err != nil {
			slog.Warn("partition: release guest memory", "err", err)
		}
	})
	defer cu.Clean()

	ram := make([]hv.MMIORegion, 0, len(cfg.Memory))
	for _, r := range cfg.Memory {
		region, err := p.mem.Add(r.Base, r.Size, r.Perm)
		if err != nil {
			return nil, fmt.Errorf("partition: add memory: %w", err)
		}
		if err := substrate.MapMemory(r.Base, region.Bytes(), r.Perm); err != nil {
			return nil, fmt.Errorf("partition: map memory [0x%x-0x%x): %w", r.Base, r.Base+r.Size, err)
		}
		base, size := r.Base, r.Size
		cu.Add(func() {
			if err := substrate.UnmapMemory(base, size); err != nil {
				slog.Warn("partition: unmap memory", "gpa", base, "err", err)
			}
		})
		ram = append(ram, hv.MMIORegion{Address: r.Base, Size: r.Size})
	}

	p.addressSpace = hv.NewAddressSpace(arch, ram)
	if arch == hv.ArchitectureX86_64 {
		if err := p.addressSpace.RegisterFixed("lapic", emulator.XAPICBase, emulator.XAPICSize); err != nil {
			return nil, fmt.Errorf("partition: %w", err)
		}
	}
	p.dispatcher = hypercall.NewDispatcher(arch, cfg.RepBudget, p.conns, p)
	p.registry = chipset.NewRegistry(p.conns, p.dispatcher)
	p.routes = NewRoutingTable(arch, p)
	p.lines = chipset.NewLineSet(p.routes)

	for i := 0; i < cfg.VPCount; i++ {
		hvp, err := substrate.CreateVirtualProcessor(i)
		if err != nil {
			return nil, fmt.Errorf("partition: create vp %d: %w", i, err)
		}
		cu.Add(func() { hvp.Close() })

		ctrl := apic.New(uint32(i))
		proc, err := vp.New(vp.Config{
			Index:          i,
			VP:             hvp,
			Emulator:       emu,
			Local:          emulator.NewLocal(i, ctrl),
			Memory:         p.mem,
			Bus:            p.registry,
			IPI:            ipiSender{p: p},
			Dispatcher:     p.dispatcher,
			Metrics:        p.metrics,
			SidecarTimeout: cfg.SidecarTimeout,
			SidecarRetries: cfg.SidecarRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("partition: %w", err)
		}

		slot := &vpSlot{index: i, hv: hvp, ctrl: ctrl, proc: proc}
		if offload[i] {
			ch, err := sidecar.New(cfg.SidecarCapacity)
			if err != nil {
				return nil, fmt.Errorf("partition: vp %d: %w", i, err)
			}
			slot.channel = ch
			slot.worker = sidecar.NewWorker(ch, sidecar.VPExecutor{VP: hvp})
			proc.BindSidecar(ch, slot.worker)
		}
		p.vps = append(p.vps, slot)
	}

	cu.Release()
	slog.Info("partition: created",
		"id", p.id,
		"arch", arch,
		"vps", cfg.VPCount,
		"regions", len(cfg.Memory),
		"sidecar_vps", len(offload))
	return p, nil
}

func (p *Partition) ID() uuid.UUID                           { return p.id }
func (p *Partition) Architecture() hv.CpuArchitecture        { return p.arch }
func (p *Partition) Memory() *guestmem.Map                   { return p.mem }
func (p *Partition) AddressSpace() *hv.AddressSpace          { return p.addressSpace }
func (p *Partition) Connections() *hypercall.ConnectionTable { return p.conns }
func (p *Partition) Dispatcher() *hypercall.Dispatcher       { return p.dispatcher }
func (p *Partition) Registry() *chipset.Registry             { return p.registry }
func (p *Partition) Routes() *RoutingTable                   { return p.routes }
func (p *Partition) Lines() *chipset.LineSet                 { return p.lines }
func (p *Partition) Metrics() *metrics.Counters              { return p.metrics }

func (p *Partition) slot(index int) (*vpSlot, error) {
	if index < 0 || index >= len(p.vps) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchVP, index)
	}
	return p.vps[index], nil
}

// Processor returns the run loop of VP index.
func (p *Partition) Processor(index int) (*vp.Processor, error) {
	s, err := p.slot(index)
	if err != nil {
		return nil, err
	}
	return s.proc, nil
}

// Controller returns the interrupt controller of VP index.
func (p *Partition) Controller(index int) (*apic.Controller, error) {
	s, err := p.slot(index)
	if err != nil {
		return nil, err
	}
	return s.ctrl, nil
}

// Sidecar returns the offload channel of VP index, or nil if it runs locally.
func (p *Partition) Sidecar(index int) *sidecar.Channel {
	if s, err := p.slot(index); err == nil {
		return s.channel
	}
	return nil
}

// VPStates returns the lifecycle state of every VP, by index.
func (p *Partition) VPStates() []vp.State {
	out := make([]vp.State, len(p.vps))
	for i, s := range p.vps {
		out[i] = s.proc.State()
	}
	return out
}

// Failures returns the hardware errors that stopped individual VPs.
func (p *Partition) Failures() map[int]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]error, len(p.failures))
	for k, v := range p.failures {
		out[k] = v
	}
	return out
}

// Fatal is closed when the partition can no longer run.
func (p *Partition) Fatal() <-chan struct{} { return p.fatal }

// Err returns the error that closed Fatal, or nil.
func (p *Partition) Err() error {
	select {
	case <-p.fatal:
		return p.fatalErr
	default:
		return nil
	}
}

func (p *Partition) setFatal(err error) {
	p.fatalOnce.Do(func() {
		p.fatalErr = err
		close(p.fatal)
		slog.Error("partition: fatal", "id", p.id, "err", err)
	})
}

// Start launches one goroutine per VP and returns once the partition is
// marked running, so a Teardown issued right after Start always waits for
// the VPs. Use Wait for the result.
func (p *Partition) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.tornDown:
		p.mu.Unlock()
		return ErrTornDown
	case p.running:
		p.mu.Unlock()
		return fmt.Errorf("partition: already running")
	}
	p.running = true
	p.mu.Unlock()

	// Workers outlive the VPs so an offloaded iteration always has a
	// consumer; they are released once every VP has returned.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for _, s := range p.vps {
		if s.worker == nil {
			continue
		}
		workers.Add(1)
		go func(s *vpSlot) {
			defer workers.Done()
			if err := s.worker.Run(workerCtx); err != nil {
				slog.Warn("partition: sidecar worker", "vp", s.index, "err", err)
			}
		}(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.vps {
		g.Go(func() error { return p.runVP(gctx, s) })
	}

	go func() {
		err := g.Wait()
		stopWorkers()
		workers.Wait()

		slog.Info("partition: stopped", "id", p.id, "err", err)
		p.runErr = err
		close(p.done)
	}()
	return nil
}

// Wait blocks until every VP started by Start has returned.
func (p *Partition) Wait() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return fmt.Errorf("partition: not started")
	}
	<-p.done
	return p.runErr
}

// Run is Start followed by Wait.
func (p *Partition) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

func (p *Partition) runVP(ctx context.Context, s *vpSlot) error {
	err := s.proc.Run(ctx)
	if err == nil {
		return nil
	}
	var hwErr *vp.HardwareError
	if !errors.As(err, &hwErr) {
		return err
	}

	p.mu.Lock()
	p.failures[s.index] = hwErr
	tornDown := p.tornDown
	p.mu.Unlock()

	if hwErr.PartitionWide() && !tornDown {
		fatal := fmt.Errorf("%w: %w", ErrPartitionFatal, hwErr)
		p.setFatal(fatal)
		// Returning the error cancels the group, which stops the other VPs.
		return fatal
	}
	slog.Warn("partition: vp abandoned", "id", p.id, "vp", s.index, "err", hwErr)
	return nil
}

// Stop asks every VP to stop. Run returns once they have.
func (p *Partition) Stop() {
	for _, s := range p.vps {
		s.proc.Stop()
	}
}

// Teardown quiesces and releases the partition. Offload channels are
// closed first, so every outstanding sidecar command is retired as a
// cancellation; then every VP is stopped and kicked out of guest
// execution. Guest memory and the substrate are released only once all VPs
// have reached Stopped within timeout.
func (p *Partition) Teardown(timeout time.Duration) error {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return nil
	}
	p.tornDown = true
	started := p.running
	p.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTeardownTimeout
	}

	cancelled := 0
	for _, s := range p.vps {
		if s.channel != nil {
			cancelled += s.channel.Close()
		}
	}
	p.Stop()

	if !started {
		for _, s := range p.vps {
			s.proc.Abandon()
		}
	}

	if started {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var stuck []int
		for _, s := range p.vps {
			if !waitClosed(ctx, s.proc.Stopped()) {
				stuck = append(stuck, s.index)
				continue
			}
			if s.worker != nil && !waitClosed(ctx, s.worker.Stopped()) {
				stuck = append(stuck, s.index)
			}
		}
		if len(stuck) > 0 {
			slog.Error("partition: teardown timed out", "id", p.id, "vps", stuck)
			return fmt.Errorf("%w after %v: vps %v still running", ErrTeardownTimeout, timeout, stuck)
		}
	}

	var errs []error
	if err := p.registry.Stop(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range p.vps {
		if err := s.hv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("partition: close vp %d: %w", s.index, err))
		}
	}
	if err := p.mem.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.substrate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("partition: close substrate: %w", err))
	}

	slog.Info("partition: torn down", "id", p.id, "sidecar_cancelled", cancelled)
	return errors.Join(errs...)
}

// waitClosed reports whether ch is closed before ctx is done. A channel
// that is already closed wins over an expired context.
func waitClosed(ctx context.Context, ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-ctx.Done():
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
