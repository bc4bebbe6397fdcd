// Package apic implements the per-VP local interrupt controller state shared
// by both architecture emulators: a 256-entry request bitmap, an in-service
// bitmap, a task priority and a wake signal for a halted owner.
//
// Request may be called from any goroutine. Acknowledge, EOI and the task
// priority setters belong to the owning VP. The request bitmap is updated with
// atomic OR before the wake channel is signalled, so a waiter that observed an
// empty bitmap is guaranteed to find the wake token afterwards.
package apic

import (
	"context"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"
)

const NumVectors = 256

// Bitmap is a snapshot of one 256-bit vector set.
type Bitmap [4]uint64

func (b Bitmap) Has(v uint8) bool { return b[v>>6]&(1<<(v&63)) != 0 }

// Highest returns the highest set vector.
func (b Bitmap) Highest() (uint8, bool) {
	for i := 3; i >= 0; i-- {
		if b[i] != 0 {
			return uint8(i*64 + 63 - bits.LeadingZeros64(b[i])), true
		}
	}
	return 0, false
}

func (b Bitmap) Empty() bool { return b[0]|b[1]|b[2]|b[3] == 0 }

// Disjoint reports whether no vector is set in both bitmaps.
func (b Bitmap) Disjoint(o Bitmap) bool {
	return b[0]&o[0]|b[1]&o[1]|b[2]&o[2]|b[3]&o[3] == 0
}

func (b Bitmap) String() string {
	var parts []string
	for v := 0; v < NumVectors; v++ {
		if b.Has(uint8(v)) {
			parts = append(parts, fmt.Sprintf("%#x", v))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Stats counts controller activity.
type Stats struct {
	Requests     uint64
	Acknowledges uint64
	EOIs         uint64
	Spurious     uint64
}

// Controller is the interrupt state of one VP.
type Controller struct {
	id uint32

	request   [4]atomic.Uint64
	inService [4]atomic.Uint64
	tpr       atomic.Uint32

	wake chan struct{}

	requests     atomic.Uint64
	acknowledges atomic.Uint64
	eois         atomic.Uint64
	spurious     atomic.Uint64
}

// New returns a controller with the given hardware id (APIC id or GIC affinity).
func New(id uint32) *Controller {
	return &Controller{
		id:   id,
		wake: make(chan struct{}, 1),
	}
}

func (c *Controller) ID() uint32 { return c.id }

func priorityClass(v uint8) uint8 { return v >> 4 }

// Request marks vector as requested and wakes the owner.
func (c *Controller) Request(vector uint8) {
	c.request[vector>>6].Or(1 << (vector & 63))
	c.requests.Add(1)
	c.signal()
}

// Retract clears a request that has not been acknowledged yet, as a
// level-triggered line going low would.
func (c *Controller) Retract(vector uint8) {
	c.request[vector>>6].And(^uint64(1 << (vector & 63)))
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Kick wakes a waiting owner without requesting a vector.
func (c *Controller) Kick() { c.signal() }

// WaitChan is signalled after a Request. A receive consumes the token.
func (c *Controller) WaitChan() <-chan struct{} { return c.wake }

// Wait blocks until a deliverable vector exists or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	for {
		if _, ok := c.Deliverable(); ok {
			return nil
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func load(bm *[4]atomic.Uint64) Bitmap {
	return Bitmap{bm[0].Load(), bm[1].Load(), bm[2].Load(), bm[3].Load()}
}

func (c *Controller) RequestBits() Bitmap   { return load(&c.request) }
func (c *Controller) InServiceBits() Bitmap { return load(&c.inService) }

// Pending reports whether any vector is requested, deliverable or not.
func (c *Controller) Pending() bool { return !c.RequestBits().Empty() }

// SetTaskPriority sets the task priority register. Only vectors whose
// priority class is above the task priority class are delivered.
func (c *Controller) SetTaskPriority(tpr uint8) {
	c.tpr.Store(uint32(tpr))
	c.signal()
}

func (c *Controller) TaskPriority() uint8 { return uint8(c.tpr.Load()) }

// ProcessorPriority is max(task priority, highest in-service class).
func (c *Controller) ProcessorPriority() uint8 {
	tpr := c.TaskPriority()
	if isv, ok := c.InServiceBits().Highest(); ok && isv&0xF0 > tpr&0xF0 {
		return isv & 0xF0
	}
	return tpr
}

// Deliverable returns the vector Acknowledge would pick, without changing state.
func (c *Controller) Deliverable() (uint8, bool) {
	v, ok := c.RequestBits().Highest()
	if !ok {
		return 0, false
	}
	ppr := c.ProcessorPriority()
	_, busy := c.InServiceBits().Highest()
	// With nothing in service and a zero task priority every class is open,
	// including class 0 (arm64 SGIs).
	if (busy || ppr != 0) && priorityClass(v) <= priorityClass(ppr) {
		return 0, false
	}
	return v, true
}

// Acknowledge moves the highest deliverable vector from the request to the
// in-service bitmap and returns it. Owner only.
func (c *Controller) Acknowledge() (uint8, bool) {
	v, ok := c.Deliverable()
	if !ok {
		c.spurious.Add(1)
		return 0, false
	}
	bit := uint64(1) << (v & 63)
	c.inService[v>>6].Or(bit)
	c.request[v>>6].And(^bit)
	c.acknowledges.Add(1)
	return v, true
}

// EOI retires the highest in-service vector. Owner only.
func (c *Controller) EOI() (uint8, bool) {
	v, ok := c.InServiceBits().Highest()
	if !ok {
		return 0, false
	}
	c.EOIVector(v)
	return v, true
}

// EOIVector retires a specific in-service vector. Owner only.
func (c *Controller) EOIVector(vector uint8) bool {
	bit := uint64(1) << (vector & 63)
	old := c.inService[vector>>6].And(^bit)
	if old&bit == 0 {
		return false
	}
	c.eois.Add(1)
	// A request queued while the vector was in service may now be deliverable.
	if c.Pending() {
		c.signal()
	}
	return true
}

// Reset clears all state. Owner only, with no concurrent requesters.
func (c *Controller) Reset() {
	for i := range c.request {
		c.request[i].Store(0)
		c.inService[i].Store(0)
	}
	c.tpr.Store(0)
	select {
	case <-c.wake:
	default:
	}
}

func (c *Controller) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		Acknowledges: c.acknowledges.Load(),
		EOIs:         c.eois.Load(),
		Spurious:     c.spurious.Load(),
	}
}

func (c *Controller) String() string {
	return fmt.Sprintf("apic[%d]{irr=%s isr=%s tpr=%#x}", c.id, c.RequestBits(), c.InServiceBits(), c.TaskPriority())
}
