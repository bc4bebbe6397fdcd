// Package supervisor owns the lifecycle of one partition: it builds the
// partition from a settings document, attaches the device endpoints the
// document describes, applies topology changes while the VPs run, and
// serves the control plane.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/paravisor/internal/config"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/logbuf"
	"github.com/tinyrange/paravisor/internal/metrics"
	"github.com/tinyrange/paravisor/internal/partition"
	"github.com/tinyrange/paravisor/internal/settings"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

var (
	ErrAlreadyRunning = errors.New("supervisor: partition already running")
	ErrNotRunning     = errors.New("supervisor: partition not running")

	// ErrBaseChanged rejects a reconfiguration that touches the fixed
	// parameters; those take effect only on the next start.
	ErrBaseChanged = errors.New("supervisor: base settings cannot change while running")
)

const (
	// completionVector is raised on a device's target VP when it completes
	// a doorbell.
	completionVector = 0x50
	firstConnection  = 0x100

	x86HoleStart       = 0xC000_0000
	x86HighMemoryStart = 0x1_0000_0000
)

// SubstrateFactory opens the virtualization substrate for a new partition.
type SubstrateFactory func(arch hv.CpuArchitecture) (hv.Substrate, error)

type Options struct {
	Config       *config.Config
	NewSubstrate SubstrateFactory
	// Logs is served by the logs command when set.
	Logs *logbuf.Ring
}

type Supervisor struct {
	opts Options

	mu       sync.Mutex
	doc      *settings.Document
	state    State
	part     *partition.Partition
	devices  map[settings.DeviceRef]*stubDevice
	nextConn uint32
	cancel   context.CancelFunc
	done     chan struct{}
	runErr   error
}

// New validates doc and returns an idle supervisor.
func New(opts Options, doc *settings.Document) (*Supervisor, error) {
	if opts.NewSubstrate == nil {
		return nil, fmt.Errorf("supervisor: no substrate factory")
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		opts:  opts,
		doc:   doc,
		state: StateIdle,
	}, nil
}

func (s *Supervisor) partitionConfig() partition.Config {
	base := s.doc.Base
	cfg := partition.Config{
		VPCount:         int(base.VPCount),
		Memory:          memoryLayout(base.Architecture.CPU(), base.MemorySize),
		RepBudget:       s.opts.Config.HypercallRepBudget,
		SidecarCapacity: int(base.SidecarRingSize),
		SidecarTimeout:  s.opts.Config.SidecarTimeout,
		SidecarRetries:  s.opts.Config.SidecarRetries,
	}
	if base.HypercallRepBudget != 0 {
		cfg.RepBudget = int(base.HypercallRepBudget)
	}
	for _, vp := range base.SidecarVPs {
		cfg.SidecarVPs = append(cfg.SidecarVPs, int(vp))
	}
	return cfg
}

// memoryLayout places guest RAM from address zero. On x86 RAM that would
// reach the interrupt controller hole is split, the rest continuing at 4GiB.
func memoryLayout(arch hv.CpuArchitecture, size uint64) []partition.MemoryRegion {
	if arch != hv.ArchitectureX86_64 || size <= x86HoleStart {
		return []partition.MemoryRegion{{Base: 0, Size: size, Perm: hv.PermRWX}}
	}
	return []partition.MemoryRegion{
		{Base: 0, Size: x86HoleStart, Perm: hv.PermRWX},
		{Base: x86HighMemoryStart, Size: size - x86HoleStart, Perm: hv.PermRWX},
	}
}

// Start builds the partition, attaches every device and runs the VPs until
// Stop or a fatal failure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.part != nil {
		return ErrAlreadyRunning
	}

	arch := s.doc.Base.Architecture.CPU()
	substrate, err := s.opts.NewSubstrate(arch)
	if err != nil {
		return fmt.Errorf("supervisor: open substrate: %w", err)
	}
	cu := cleanup.Make(func() { substrate.Close() })
	defer cu.Clean()

	p, err := partition.New(s.partitionConfig(), substrate)
	if err != nil {
		return err
	}
	// The partition owns the substrate from here on.
	cu.Release()
	cu = cleanup.Make(func() {
		if err := p.Teardown(s.opts.Config.TeardownTimeout); err != nil {
			slog.Warn("supervisor: teardown after failed start", "err", err)
		}
	})
	defer cu.Clean()

	s.devices = make(map[settings.DeviceRef]*stubDevice)
	s.nextConn = firstConnection
	for _, ref := range s.doc.Devices() {
		if err := s.attachLocked(p, ref); err != nil {
			s.devices = nil
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := p.Start(runCtx); err != nil {
		cancel()
		s.devices = nil
		return err
	}
	cu.Release()

	done := make(chan struct{})
	s.part, s.cancel, s.done, s.runErr = p, cancel, done, nil
	s.state = StateRunning

	go func() {
		err := p.Wait()
		s.mu.Lock()
		s.runErr = err
		switch {
		case err != nil:
			s.state = StateFailed
			slog.Error("supervisor: partition failed", "id", p.ID(), "err", err)
		case s.state == StateRunning:
			s.state = StateStopped
		}
		s.mu.Unlock()
		close(done)
	}()

	slog.Info("supervisor: started", "id", p.ID(), "arch", arch, "vps", s.doc.Base.VPCount, "devices", len(s.devices))
	return nil
}

// Stop tears the partition down and waits for its VPs to return.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	p, cancel, done := s.part, s.cancel, s.done
	if p == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.state == StateRunning {
		s.state = StateStopping
	}
	s.mu.Unlock()

	err := p.Teardown(s.opts.Config.TeardownTimeout)
	if errors.Is(err, partition.ErrTeardownTimeout) {
		// The VPs are still out there; keep the partition so a later Stop
		// can try again.
		return err
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.part, s.cancel, s.done = nil, nil, nil
	s.devices = nil
	if s.state == StateStopping {
		s.state = StateStopped
	}
	slog.Info("supervisor: stopped", "id", p.ID(), "err", err)
	return err
}

// Done is closed when the running partition has returned. It is nil when
// nothing is running.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Reconfigure validates doc and applies it. While running, only devices
// that were added, removed or changed are touched; the VPs keep running.
func (s *Supervisor) Reconfigure(doc *settings.Document) (settings.Changes, error) {
	if err := doc.Validate(); err != nil {
		return settings.Changes{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changes := settings.Diff(s.doc, doc)
	if s.part == nil {
		s.doc = doc
		return changes, nil
	}
	if changes.BaseChanged {
		return changes, ErrBaseChanged
	}

	// Either the whole change applies or the previous device set is put
	// back and the document in force stays the old one.
	var (
		errs     []error
		detached []settings.DeviceRef
		attached []settings.DeviceRef
	)
	for _, ref := range concatRefs(changes.Removed, changes.Changed) {
		if _, ok := s.devices[ref]; ok {
			detached = append(detached, ref)
		}
		if err := s.detachLocked(s.part, ref); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		for _, ref := range concatRefs(changes.Added, changes.Changed) {
			if err := s.attachLocked(s.part, ref); err != nil {
				errs = append(errs, err)
				break
			}
			attached = append(attached, ref)
		}
	}
	if len(errs) > 0 {
		s.rollbackLocked(attached, detached)
		slog.Warn("supervisor: reconfigure rolled back", "err", errors.Join(errs...))
		return changes, errors.Join(errs...)
	}

	s.doc = doc
	slog.Info("supervisor: reconfigured",
		"added", len(changes.Added),
		"removed", len(changes.Removed),
		"changed", len(changes.Changed))
	return changes, nil
}

// rollbackLocked undoes a partial reconfiguration.
func (s *Supervisor) rollbackLocked(attached, detached []settings.DeviceRef) {
	for _, ref := range attached {
		if err := s.detachLocked(s.part, ref); err != nil {
			slog.Error("supervisor: rollback detach", "device", ref, "err", err)
		}
	}
	for _, ref := range detached {
		if _, ok := s.devices[ref]; ok {
			continue
		}
		if err := s.attachLocked(s.part, ref); err != nil {
			slog.Error("supervisor: rollback attach", "device", ref, "err", err)
		}
	}
}

func concatRefs(a, b []settings.DeviceRef) []settings.DeviceRef {
	out := make([]settings.DeviceRef, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// attachLocked gives ref a doorbell window, an event connection and an
// interrupt line routed to one of the VPs, then registers it.
func (s *Supervisor) attachLocked(p *partition.Partition, ref settings.DeviceRef) error {
	window, err := p.AddressSpace().Allocate(hv.MMIOAllocationRequest{Name: ref.String(), Size: doorbellWindow})
	if err != nil {
		return fmt.Errorf("supervisor: attach %s: %w", ref, err)
	}
	cu := cleanup.Make(func() { p.AddressSpace().Release(window.Base) })
	defer cu.Clean()

	id := s.nextConn
	s.nextConn++
	dev := &stubDevice{ref: ref, window: window, connection: id, line: id}

	route := partition.Route{VP: int(id) % p.VPCount(), Vector: completionVector}
	if err := p.Routes().SetRoute(dev.line, route); err != nil {
		return fmt.Errorf("supervisor: attach %s: %w", ref, err)
	}
	cu.Add(func() { p.Routes().ClearRoute(dev.line) })

	dev.irq = p.Lines().AllocateLine(dev.line)
	cu.Add(func() { p.Lines().Release(dev.line) })

	if err := p.Registry().AddDevice(dev); err != nil {
		return fmt.Errorf("supervisor: attach %s: %w", ref, err)
	}
	if err := dev.Start(); err != nil {
		p.Registry().RemoveDevice(dev.Name())
		return fmt.Errorf("supervisor: start %s: %w", ref, err)
	}
	cu.Release()

	s.devices[ref] = dev
	slog.Debug("supervisor: device attached", "device", ref, "mmio", window.Base, "connection", id, "vp", route.VP)
	return nil
}

func (s *Supervisor) detachLocked(p *partition.Partition, ref settings.DeviceRef) error {
	dev, ok := s.devices[ref]
	if !ok {
		return fmt.Errorf("supervisor: detach %s: not attached", ref)
	}
	delete(s.devices, ref)

	var errs []error
	if _, err := p.Registry().RemoveDevice(dev.Name()); err != nil {
		errs = append(errs, err)
	}
	if err := dev.Stop(); err != nil {
		errs = append(errs, err)
	}
	p.Lines().Release(dev.line)
	p.Routes().ClearRoute(dev.line)
	if err := p.AddressSpace().Release(dev.window.Base); err != nil {
		errs = append(errs, err)
	}
	slog.Debug("supervisor: device detached", "device", ref)
	return errors.Join(errs...)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State        State             `json:"state"`
	PartitionID  string            `json:"partition_id,omitempty"`
	Architecture string            `json:"architecture,omitempty"`
	VPs          []string          `json:"vps,omitempty"`
	Devices      []DeviceStatus    `json:"devices,omitempty"`
	Metrics      *metrics.Snapshot `json:"metrics,omitempty"`
	Degraded     bool              `json:"degraded"`
	Error        string            `json:"error,omitempty"`
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.state}
	if s.runErr != nil {
		st.Error = s.runErr.Error()
	}
	if s.part == nil {
		return st
	}
	st.PartitionID = s.part.ID().String()
	st.Architecture = string(s.part.Architecture())
	for _, vs := range s.part.VPStates() {
		st.VPs = append(st.VPs, vs.String())
	}
	for _, ref := range s.doc.Devices() {
		if dev, ok := s.devices[ref]; ok {
			st.Devices = append(st.Devices, dev.status())
		}
	}
	snap := s.part.Metrics().Snapshot()
	st.Metrics = &snap
	st.Degraded = snap.Degraded()
	return st
}

// Partition returns the running partition, or nil.
func (s *Supervisor) Partition() *partition.Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.part
}

// Document returns the settings currently in force.
func (s *Supervisor) Document() *settings.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}
