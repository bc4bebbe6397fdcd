package partition

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/chipset"
	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/hypercall"
)

// Route sends a device interrupt line to one vector on one VP.
type Route struct {
	VP     int
	Vector uint8
}

// RoutingTable maps device interrupt lines to VP vectors. Devices assert
// lines on every interrupt; routes change only with the topology, so
// lookups take the read lock and delivery happens outside it.
type RoutingTable struct {
	arch   hv.CpuArchitecture
	target hypercall.Target

	mu     sync.RWMutex
	routes map[uint32]Route

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var _ chipset.InterruptSink = (*RoutingTable)(nil)

// NewRoutingTable returns an empty table delivering to target.
func NewRoutingTable(arch hv.CpuArchitecture, target hypercall.Target) *RoutingTable {
	return &RoutingTable{
		arch:   arch,
		target: target,
		routes: make(map[uint32]Route),
	}
}

// SetRoute installs or replaces the route for line.
func (t *RoutingTable) SetRoute(line uint32, r Route) error {
	if r.VP < 0 || r.VP >= t.target.VPCount() {
		return fmt.Errorf("partition: route line %d: %w: %d", line, ErrNoSuchVP, r.VP)
	}
	// x86 vectors below 16 are reserved for exceptions.
	if t.arch == hv.ArchitectureX86_64 && r.Vector < 16 {
		return fmt.Errorf("partition: route line %d: vector %#x is reserved", line, r.Vector)
	}
	t.mu.Lock()
	t.routes[line] = r
	t.mu.Unlock()
	slog.Debug("partition: route set", "line", line, "vp", r.VP, "vector", r.Vector)
	return nil
}

// ClearRoute removes the route for line. Later assertions are dropped.
func (t *RoutingTable) ClearRoute(line uint32) {
	t.mu.Lock()
	delete(t.routes, line)
	t.mu.Unlock()
}

func (t *RoutingTable) Lookup(line uint32) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[line]
	return r, ok
}

// Lines returns the routed lines in ascending order.
func (t *RoutingTable) Lines() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint32, 0, len(t.routes))
	for line := range t.routes {
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Assert delivers one interrupt on line. An unrouted line is dropped.
func (t *RoutingTable) Assert(line uint32) error {
	r, ok := t.Lookup(line)
	if !ok {
		t.dropped.Add(1)
		slog.Debug("partition: interrupt on unrouted line", "line", line)
		return nil
	}
	if err := t.target.SendIPI(r.VP, r.Vector); err != nil {
		return fmt.Errorf("partition: deliver line %d: %w", line, err)
	}
	t.delivered.Add(1)
	return nil
}

// SetIRQ implements chipset.InterruptSink. A rising level asserts the line.
func (t *RoutingTable) SetIRQ(line uint32, level bool) {
	if !level {
		return
	}
	if err := t.Assert(line); err != nil {
		slog.Warn("partition: interrupt delivery failed", "line", line, "err", err)
	}
}

// Delivered and Dropped count assertions since creation.
func (t *RoutingTable) Delivered() uint64 { return t.delivered.Load() }
func (t *RoutingTable) Dropped() uint64   { return t.dropped.Load() }
