// Package chipset is the intercept registry: it maps guest port I/O, MMIO
// windows, hypercall connections and device-private call codes to the
// device models that serve them.
package chipset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/paravisor/internal/emulator"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hypercall"
)

type mmioBinding struct {
	region  hv.MMIORegion
	device  string
	handler MmioHandler
}

func (b mmioBinding) end() uint64 { return b.region.Address + b.region.Size }

type pioBinding struct {
	device  string
	handler PortIOHandler
}

type deviceEntry struct {
	dev      Device
	ports    []uint16
	regions  []hv.MMIORegion
	events   []uint32
	messages []uint32
	codes    []hypercall.Code
	pollable PollHandler
}

// Registry is read by every VP on each intercept and written only when the
// device set changes, so lookups take the read lock.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*deviceEntry
	pio     map[uint16]pioBinding
	// mmio is sorted by address and never overlapping.
	mmio []mmioBinding

	connections *hypercall.ConnectionTable
	dispatcher  *hypercall.Dispatcher
}

var _ emulator.Bus = (*Registry)(nil)

// NewRegistry returns an empty registry. Device connections are registered
// in connections and device call codes in dispatcher; either may be nil,
// in which case devices asking for them are rejected.
func NewRegistry(connections *hypercall.ConnectionTable, dispatcher *hypercall.Dispatcher) *Registry {
	return &Registry{
		devices:     make(map[string]*deviceEntry),
		pio:         make(map[uint16]pioBinding),
		connections: connections,
		dispatcher:  dispatcher,
	}
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// AddDevice registers a device and all of its intercepts. Either every
// intercept is installed or none is.
func (r *Registry) AddDevice(dev Device) error {
	if dev == nil {
		return fmt.Errorf("chipset: device is nil")
	}
	name := dev.Name()
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}
	entry, err := r.plan(dev)
	if err != nil {
		return fmt.Errorf("chipset: device %q: %w", name, err)
	}

	// The tables below were checked by plan; only the connection table and
	// dispatcher can still refuse, and they are undone on failure.
	cu := cleanup.Make(func() {})
	defer cu.Clean()

	if conns := dev.SupportsConnections(); conns != nil {
		for _, ev := range conns.Events {
			if err := r.connections.AddEvent(ev.ID, ev.Notify); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			id := ev.ID
			cu.Add(func() { r.connections.RemoveEvent(id) })
			entry.events = append(entry.events, id)
		}
		for _, mp := range conns.Messages {
			if err := r.connections.AddMessagePort(mp.ID, mp.Depth, mp.Notify); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			id := mp.ID
			cu.Add(func() { r.connections.RemoveMessagePort(id) })
			entry.messages = append(entry.messages, id)
		}
	}
	if calls := dev.SupportsHypercalls(); calls != nil {
		for _, c := range calls.Codes {
			if err := r.dispatcher.Register(c.Code, c.InputSize, c.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
			code := c.Code
			cu.Add(func() { r.dispatcher.Unregister(code) })
			entry.codes = append(entry.codes, code)
		}
	}
	cu.Release()

	if intercept := dev.SupportsPortIO(); intercept != nil {
		for _, port := range intercept.Ports {
			r.pio[port] = pioBinding{device: name, handler: intercept.Handler}
		}
	}
	if intercept := dev.SupportsMmio(); intercept != nil {
		for _, region := range intercept.Regions {
			r.mmio = append(r.mmio, mmioBinding{region: region, device: name, handler: intercept.Handler})
		}
		sort.Slice(r.mmio, func(i, j int) bool { return r.mmio[i].region.Address < r.mmio[j].region.Address })
	}
	r.devices[name] = entry

	slog.Debug("chipset: device added",
		"device", name,
		"ports", len(entry.ports),
		"mmio", len(entry.regions),
		"events", len(entry.events),
		"messages", len(entry.messages),
		"codes", len(entry.codes))
	return nil
}

// plan validates the port and MMIO intercepts of dev against the current
// tables and against each other. Called with the write lock held.
func (r *Registry) plan(dev Device) (*deviceEntry, error) {
	entry := &deviceEntry{dev: dev}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return nil, fmt.Errorf("port I/O intercept with nil handler")
		}
		seen := make(map[uint16]bool, len(intercept.Ports))
		for _, port := range intercept.Ports {
			if b, exists := r.pio[port]; exists {
				return nil, fmt.Errorf("PIO port 0x%x already registered by %q", port, b.device)
			}
			if seen[port] {
				return nil, fmt.Errorf("PIO port 0x%x listed twice", port)
			}
			seen[port] = true
			entry.ports = append(entry.ports, port)
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return nil, fmt.Errorf("MMIO intercept with nil handler")
		}
		for i, region := range intercept.Regions {
			base, size := region.Address, region.Size
			if size == 0 {
				return nil, fmt.Errorf("MMIO region at 0x%x has zero size", base)
			}
			if base+size < base {
				return nil, fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
			}
			for _, existing := range r.mmio {
				if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
					return nil, fmt.Errorf(
						"MMIO region 0x%x-0x%x overlaps region 0x%x-0x%x of %q",
						base, base+size-1, existing.region.Address, existing.end()-1, existing.device)
				}
			}
			for _, other := range intercept.Regions[:i] {
				if regionsOverlap(base, size, other.Address, other.Size) {
					return nil, fmt.Errorf("MMIO region 0x%x overlaps another region of the same device", base)
				}
			}
			entry.regions = append(entry.regions, region)
		}
	}

	if conns := dev.SupportsConnections(); conns != nil && (len(conns.Events) > 0 || len(conns.Messages) > 0) {
		if r.connections == nil {
			return nil, fmt.Errorf("no connection table for hypercall connections")
		}
	}
	if calls := dev.SupportsHypercalls(); calls != nil && len(calls.Codes) > 0 {
		if r.dispatcher == nil {
			return nil, fmt.Errorf("no dispatcher for device call codes")
		}
		for _, c := range calls.Codes {
			if c.Handler == nil {
				return nil, fmt.Errorf("call code %v with nil handler", c.Code)
			}
		}
	}

	if p, ok := dev.(Poller); ok {
		entry.pollable = p.SupportsPollDevice()
	}
	return entry, nil
}

// RemoveDevice unregisters a device and every intercept it installed.
// Accesses already dispatched to it may still complete.
func (r *Registry) RemoveDevice(name string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("chipset: device %q not registered", name)
	}
	for _, port := range entry.ports {
		delete(r.pio, port)
	}
	kept := r.mmio[:0]
	for _, b := range r.mmio {
		if b.device != name {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(r.mmio); i++ {
		r.mmio[i] = mmioBinding{}
	}
	r.mmio = kept
	for _, id := range entry.events {
		r.connections.RemoveEvent(id)
	}
	for _, id := range entry.messages {
		r.connections.RemoveMessagePort(id)
	}
	for _, code := range entry.codes {
		r.dispatcher.Unregister(code)
	}
	delete(r.devices, name)

	slog.Debug("chipset: device removed", "device", name)
	return entry.dev, nil
}

// Device returns the registered device with the given name.
func (r *Registry) Device(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[name]
	if !ok {
		return nil, false
	}
	return entry.dev, true
}

// DeviceNames returns the registered device names in sorted order.
func (r *Registry) DeviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deviceNamesLocked()
}

func (r *Registry) deviceNamesLocked() []string {
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devs := make([]Device, 0, len(r.devices))
	for _, name := range r.deviceNamesLocked() {
		devs = append(devs, r.devices[name].dev)
	}
	return devs
}

// Start activates all registered devices.
func (r *Registry) Start() error {
	for _, dev := range r.snapshot() {
		if err := dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", dev.Name(), err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (r *Registry) Stop() error {
	for _, dev := range r.snapshot() {
		if err := dev.Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", dev.Name(), err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (r *Registry) Reset() error {
	for _, dev := range r.snapshot() {
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", dev.Name(), err)
		}
	}
	return nil
}

// Poll executes Poll on all poll-capable devices.
func (r *Registry) Poll(ctx context.Context) error {
	r.mu.RLock()
	var polls []PollHandler
	for _, name := range r.deviceNamesLocked() {
		if p := r.devices[name].pollable; p != nil {
			polls = append(polls, p)
		}
	}
	r.mu.RUnlock()

	for _, handler := range polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// PIO dispatches an I/O port access. It reports false when no device
// claims the port.
func (r *Registry) PIO(port uint16, data []byte, write bool) (bool, error) {
	r.mu.RLock()
	b, ok := r.pio[port]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	var err error
	if write {
		err = b.handler.WriteIOPort(port, data)
	} else {
		err = b.handler.ReadIOPort(port, data)
	}
	if err != nil {
		return true, fmt.Errorf("chipset: %s port 0x%04x: %w", b.device, port, err)
	}
	return true, nil
}

// MMIO dispatches an MMIO access. The access must lie wholly inside one
// device region; otherwise it is unclaimed.
func (r *Registry) MMIO(addr uint64, data []byte, write bool) (bool, error) {
	end := addr + uint64(len(data))
	if end < addr {
		return false, nil
	}

	r.mu.RLock()
	i := sort.Search(len(r.mmio), func(i int) bool { return r.mmio[i].end() > addr })
	var b mmioBinding
	found := i < len(r.mmio) && r.mmio[i].region.Address <= addr && end <= r.mmio[i].end()
	if found {
		b = r.mmio[i]
	}
	r.mu.RUnlock()
	if !found {
		return false, nil
	}

	var err error
	if write {
		err = b.handler.WriteMMIO(addr, data)
	} else {
		err = b.handler.ReadMMIO(addr, data)
	}
	if err != nil {
		return true, fmt.Errorf("chipset: %s mmio 0x%016x: %w", b.device, addr, err)
	}
	return true, nil
}
