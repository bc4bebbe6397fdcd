package chipset

import (
	"sort"
	"sync"
)

// InterruptSink receives interrupt assertions for a given line. The
// partition routing table is the sink in a running partition.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// LineSet hands out device interrupt lines and forwards level changes to
// the sink. Repeated assertions of an already high line are dropped.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint32]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint32]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given line.
func (l *LineSet) AllocateLine(line uint32) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[line]; !ok {
		l.lines[line] = &lineState{}
	}
	return &lineHandle{owner: l, line: line}
}

// Release lowers the line if it is high and forgets it.
func (l *LineSet) Release(line uint32) {
	l.mu.Lock()
	state, ok := l.lines[line]
	delete(l.lines, line)
	l.mu.Unlock()
	if ok && state.level {
		l.sink.SetIRQ(line, false)
	}
}

// High returns the lines currently asserted, in ascending order.
func (l *LineSet) High() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint32
	for line, state := range l.lines {
		if state.level {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	line  uint32
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.line)
}

func (l *LineSet) setLevel(line uint32, high bool) {
	l.mu.Lock()
	state := l.lines[line]
	if state == nil {
		state = &lineState{}
		l.lines[line] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(line, high)
	}
}

func (l *LineSet) pulse(line uint32) {
	l.sink.SetIRQ(line, true)
	l.sink.SetIRQ(line, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}
