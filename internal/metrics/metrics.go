// Package metrics counts run-loop activity for a partition. Every counter
// is updated with atomics from the VP goroutines and read with Snapshot.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/paravisor/internal/hv"
)

// exitReasons is large enough for every hv.ExitReason.
const exitReasons = int(hv.ExitHardwareError) + 1

// Counters is the live metric set of one partition.
type Counters struct {
	exits [exitReasons]atomic.Uint64

	hypercalls        atomic.Uint64
	hypercallsPartial atomic.Uint64
	hypercallsFailed  atomic.Uint64
	emulations        atomic.Uint64
	faultsInjected    atomic.Uint64
	interrupts        atomic.Uint64
	halts             atomic.Uint64
	kicks             atomic.Uint64

	sidecarSubmitted    atomic.Uint64
	sidecarBackpressure atomic.Uint64
	sidecarFallbacks    atomic.Uint64
	sidecarCancelled    atomic.Uint64

	hardwareErrors atomic.Uint64

	runNanos atomic.Uint64
	entries  atomic.Uint64
}

func New() *Counters { return &Counters{} }

// Exit records one exit and the time spent in guest execution before it.
func (c *Counters) Exit(reason hv.ExitReason, inGuest time.Duration) {
	if int(reason) < exitReasons {
		c.exits[reason].Add(1)
	}
	c.entries.Add(1)
	c.runNanos.Add(uint64(inGuest.Nanoseconds()))
}

func (c *Counters) Hypercall(partial, failed bool) {
	c.hypercalls.Add(1)
	if partial {
		c.hypercallsPartial.Add(1)
	}
	if failed {
		c.hypercallsFailed.Add(1)
	}
}

func (c *Counters) Emulation()     { c.emulations.Add(1) }
func (c *Counters) FaultInjected() { c.faultsInjected.Add(1) }
func (c *Counters) Interrupt()     { c.interrupts.Add(1) }
func (c *Counters) Halt()          { c.halts.Add(1) }
func (c *Counters) Kick()          { c.kicks.Add(1) }
func (c *Counters) HardwareError() { c.hardwareErrors.Add(1) }

func (c *Counters) SidecarSubmitted()    { c.sidecarSubmitted.Add(1) }
func (c *Counters) SidecarBackpressure() { c.sidecarBackpressure.Add(1) }
func (c *Counters) SidecarCancelled()    { c.sidecarCancelled.Add(1) }

// SidecarFallback records an iteration that ran locally although the VP is
// bound to a sidecar. This is the degradation signal.
func (c *Counters) SidecarFallback() { c.sidecarFallbacks.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Exits               map[string]uint64 `json:"exits"`
	Hypercalls          uint64            `json:"hypercalls"`
	HypercallsPartial   uint64            `json:"hypercalls_partial"`
	HypercallsFailed    uint64            `json:"hypercalls_failed"`
	Emulations          uint64            `json:"emulations"`
	FaultsInjected      uint64            `json:"faults_injected"`
	Interrupts          uint64            `json:"interrupts"`
	Halts               uint64            `json:"halts"`
	Kicks               uint64            `json:"kicks"`
	SidecarSubmitted    uint64            `json:"sidecar_submitted"`
	SidecarBackpressure uint64            `json:"sidecar_backpressure"`
	SidecarFallbacks    uint64            `json:"sidecar_fallbacks"`
	SidecarCancelled    uint64            `json:"sidecar_cancelled"`
	HardwareErrors      uint64            `json:"hardware_errors"`
	AvgRunTimeNs        uint64            `json:"avg_run_time_ns"`
}

// Degraded reports whether any sidecar iteration fell back to local execution.
func (s Snapshot) Degraded() bool { return s.SidecarFallbacks > 0 }

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Exits:               make(map[string]uint64),
		Hypercalls:          c.hypercalls.Load(),
		HypercallsPartial:   c.hypercallsPartial.Load(),
		HypercallsFailed:    c.hypercallsFailed.Load(),
		Emulations:          c.emulations.Load(),
		FaultsInjected:      c.faultsInjected.Load(),
		Interrupts:          c.interrupts.Load(),
		Halts:               c.halts.Load(),
		Kicks:               c.kicks.Load(),
		SidecarSubmitted:    c.sidecarSubmitted.Load(),
		SidecarBackpressure: c.sidecarBackpressure.Load(),
		SidecarFallbacks:    c.sidecarFallbacks.Load(),
		SidecarCancelled:    c.sidecarCancelled.Load(),
		HardwareErrors:      c.hardwareErrors.Load(),
	}
	for i := range c.exits {
		if n := c.exits[i].Load(); n > 0 {
			s.Exits[hv.ExitReason(i).String()] = n
		}
	}
	if entries := c.entries.Load(); entries > 0 {
		s.AvgRunTimeNs = c.runNanos.Load() / entries
	}
	return s
}

// Reset clears every counter.
func (c *Counters) Reset() {
	for i := range c.exits {
		c.exits[i].Store(0)
	}
	for _, v := range []*atomic.Uint64{
		&c.hypercalls, &c.hypercallsPartial, &c.hypercallsFailed,
		&c.emulations, &c.faultsInjected, &c.interrupts, &c.halts, &c.kicks,
		&c.sidecarSubmitted, &c.sidecarBackpressure, &c.sidecarFallbacks, &c.sidecarCancelled,
		&c.hardwareErrors, &c.runNanos, &c.entries,
	} {
		v.Store(0)
	}
}
