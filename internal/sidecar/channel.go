// Package sidecar offloads virtual processor run iterations to a separate
// worker through a fixed-capacity command ring.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/hv"
)

var (
	// ErrBackpressure is returned by Submit when every slot holds an
	// unretired command.
	ErrBackpressure = errors.New("sidecar: channel full")
	ErrClosed       = errors.New("sidecar: channel closed")
)

// DispatchID correlates a command with its completion. IDs increase by one
// per submission and are never reused while the command is unretired.
type DispatchID uint64

// Command asks the worker to run one iteration of a VP starting from Regs.
type Command struct {
	VP   int
	Regs hv.Registers
}

// Record is the retirement of one command: either a completion carrying the
// exit, or a cancellation synthesized by the channel.
type Record struct {
	ID        DispatchID
	Cancelled bool
	// Abandoned marks a cancellation of a command the worker had already
	// started; the processor state may have moved.
	Abandoned bool
	Exit      hv.Exit
	Err       error
}

type slotState uint32

const (
	slotFree slotState = iota
	slotPending
	slotClaimed
	slotCompleting
	slotCompleted
	slotCancelled
	slotAbandoned
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotPending:
		return "pending"
	case slotClaimed:
		return "claimed"
	case slotCompleting:
		return "completing"
	case slotCompleted:
		return "completed"
	case slotCancelled:
		return "cancelled"
	case slotAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("slotState(%d)", uint32(s))
	}
}

const stateBits = 3

// pack tags a state with the id of the command occupying the slot so a
// transition can never apply to a later command reusing it.
func pack(id DispatchID, st slotState) uint64 { return uint64(id)<<stateBits | uint64(st) }

func unpack(w uint64) (DispatchID, slotState) {
	return DispatchID(w >> stateBits), slotState(w & (1<<stateBits - 1))
}

// cmd is written by the producer before it publishes pending; record by
// the consumer between completing and completed.
type slot struct {
	word   atomic.Uint64
	cmd    Command
	record Record
}

func (s *slot) transition(id DispatchID, from, to slotState) bool {
	return s.word.CompareAndSwap(pack(id, from), pack(id, to))
}

// Stats counts channel activity.
type Stats struct {
	Submitted    uint64
	Completed    uint64
	Cancelled    uint64
	Backpressure uint64
}

// Channel is a single-producer single-consumer ring. The producer (the VP
// run loop) calls Submit, Poll and Cancel; the consumer (a Worker) claims
// and completes commands. Close may be called from any goroutine.
type Channel struct {
	slots []slot
	mask  uint64

	// head is the next id to submit, tail the next to retire; both are
	// owned by the producer. claim is the next id the consumer looks at.
	head  atomic.Uint64
	tail  atomic.Uint64
	claim atomic.Uint64

	closed atomic.Bool
	done   chan struct{}

	// 1-slot wake channels; a set flag is never lost because each side
	// re-checks the ring after waking.
	toWorker   chan struct{}
	toProducer chan struct{}

	submitted, completed, cancelled, backpressure atomic.Uint64
}

// New returns a channel with capacity slots. Capacity must be a power of
// two.
func New(capacity int) (*Channel, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("sidecar: capacity %d is not a power of two", capacity)
	}
	return &Channel{
		slots:      make([]slot, capacity),
		mask:       uint64(capacity - 1),
		done:       make(chan struct{}),
		toWorker:   make(chan struct{}, 1),
		toProducer: make(chan struct{}, 1),
	}, nil
}

func (c *Channel) Capacity() int { return len(c.slots) }

// Outstanding is the number of submitted commands not yet retired by Poll.
func (c *Channel) Outstanding() int { return int(c.head.Load() - c.tail.Load()) }

func (c *Channel) slot(id DispatchID) *slot { return &c.slots[uint64(id)&c.mask] }

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Submit publishes a command. It never blocks: a full ring returns
// ErrBackpressure and the caller decides whether to retry.
func (c *Channel) Submit(cmd Command) (DispatchID, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	head := c.head.Load()
	if head-c.tail.Load() >= uint64(len(c.slots)) {
		c.backpressure.Add(1)
		return 0, ErrBackpressure
	}
	id := DispatchID(head)
	s := c.slot(id)
	if _, st := unpack(s.word.Load()); st != slotFree {
		// The slot of a retired command is always free.
		panic(fmt.Sprintf("sidecar: slot for %d is %v", id, st))
	}
	s.cmd = cmd
	s.record = Record{}
	s.word.Store(pack(id, slotPending))
	c.head.Store(head + 1)
	c.submitted.Add(1)

	// Close may have run between the check above and publication; its
	// sweep can miss this slot, so cancel it here.
	if c.closed.Load() && s.transition(id, slotPending, slotCancelled) {
		c.cancelled.Add(1)
	}
	wake(c.toWorker)
	return id, nil
}

// Poll retires the oldest command if it has completed or been cancelled.
// Records are returned in submission order, exactly once each.
func (c *Channel) Poll() (Record, bool) {
	tail := c.tail.Load()
	if tail == c.head.Load() {
		return Record{}, false
	}
	id := DispatchID(tail)
	s := c.slot(id)
	var rec Record
	switch w, st := unpack(s.word.Load()); {
	case w != id:
		return Record{}, false
	case st == slotCompleted:
		rec = s.record
	case st == slotCancelled:
		rec = Record{Cancelled: true, Err: context.Canceled}
	case st == slotAbandoned:
		rec = Record{Cancelled: true, Abandoned: true, Err: context.Canceled}
	default:
		return Record{}, false
	}
	rec.ID = id
	s.record = Record{}
	s.word.Store(pack(id, slotFree))
	c.tail.Store(tail + 1)
	return rec, true
}

// Cancel withdraws a command the worker has not yet claimed. Its record is
// still retired through Poll.
func (c *Channel) Cancel(id DispatchID) bool {
	if uint64(id) < c.tail.Load() || uint64(id) >= c.head.Load() {
		return false
	}
	if !c.slot(id).transition(id, slotPending, slotCancelled) {
		return false
	}
	c.cancelled.Add(1)
	wake(c.toProducer)
	return true
}

// Completions is signalled whenever a record may have become pollable.
func (c *Channel) Completions() <-chan struct{} { return c.toProducer }

// Done is closed by Close.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Close cancels every outstanding command, including ones the worker has
// claimed; their eventual completions are discarded. It returns the number
// of commands cancelled. The cancellations are retired through Poll.
func (c *Channel) Close() int {
	if c.closed.Swap(true) {
		return 0
	}
	n := 0
	for id := c.tail.Load(); id < c.head.Load(); id++ {
		s, d := c.slot(DispatchID(id)), DispatchID(id)
		if s.transition(d, slotPending, slotCancelled) || s.transition(d, slotClaimed, slotAbandoned) {
			n++
		}
	}
	c.cancelled.Add(uint64(n))
	close(c.done)
	wake(c.toProducer)
	wake(c.toWorker)
	return n
}

func (c *Channel) Closed() bool { return c.closed.Load() }

// next blocks until a pending command can be claimed. claiming runs with
// each id just before the claim is attempted. Cancelled commands
// are skipped: a failed claim of a submitted id means it was cancelled,
// and possibly already retired.
func (c *Channel) next(ctx context.Context, claiming func(DispatchID)) (DispatchID, Command, bool) {
	for {
		if c.closed.Load() {
			return 0, Command{}, false
		}
		claim := c.claim.Load()
		if claim < c.head.Load() {
			id := DispatchID(claim)
			s := c.slot(id)
			c.claim.Store(claim + 1)
			claiming(id)
			if s.transition(id, slotPending, slotClaimed) {
				return id, s.cmd, true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return 0, Command{}, false
		case <-c.done:
			return 0, Command{}, false
		case <-c.toWorker:
		}
	}
}

// complete publishes the result of a claimed command. It reports false if
// the command was cancelled while it ran.
func (c *Channel) complete(id DispatchID, exit hv.Exit, err error) bool {
	s := c.slot(id)
	if !s.transition(id, slotClaimed, slotCompleting) {
		return false
	}
	s.record = Record{Exit: exit, Err: err}
	c.completed.Add(1)
	s.word.Store(pack(id, slotCompleted))
	wake(c.toProducer)
	return true
}

func (c *Channel) Stats() Stats {
	return Stats{
		Submitted:    c.submitted.Load(),
		Completed:    c.completed.Load(),
		Cancelled:    c.cancelled.Load(),
		Backpressure: c.backpressure.Load(),
	}
}
