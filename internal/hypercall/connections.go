package hypercall

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultMessageDepth is the queue depth of a message port when none is
// given.
const DefaultMessageDepth = 16

// Message is one posted message waiting on a port.
type Message struct {
	Type    uint32
	Payload []byte
}

type eventPort struct {
	pending atomic.Uint64
	notify  func(flag uint16)
}

type messagePort struct {
	mu     sync.Mutex
	queue  []Message
	depth  int
	notify func()
}

// ConnectionTable maps guest connection ids to the ports device models
// listen on. Lookups take a read lock; the per-port state has its own
// synchronization so signalling never blocks registration.
type ConnectionTable struct {
	mu       sync.RWMutex
	events   map[uint32]*eventPort
	messages map[uint32]*messagePort
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		events:   make(map[uint32]*eventPort),
		messages: make(map[uint32]*messagePort),
	}
}

// AddEvent registers an event connection. notify may be nil.
func (t *ConnectionTable) AddEvent(id uint32, notify func(flag uint16)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.events[id]; ok {
		return fmt.Errorf("hypercall: event connection %d already registered", id)
	}
	t.events[id] = &eventPort{notify: notify}
	return nil
}

// AddMessagePort registers a message connection with a bounded queue.
func (t *ConnectionTable) AddMessagePort(id uint32, depth int, notify func()) error {
	if depth <= 0 {
		depth = DefaultMessageDepth
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.messages[id]; ok {
		return fmt.Errorf("hypercall: message connection %d already registered", id)
	}
	t.messages[id] = &messagePort{depth: depth, notify: notify}
	return nil
}

// RemoveEvent and RemoveMessagePort drop a connection; queued messages are
// discarded.
func (t *ConnectionTable) RemoveEvent(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.events, id)
}

func (t *ConnectionTable) RemoveMessagePort(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, id)
}

func (t *ConnectionTable) event(id uint32) *eventPort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.events[id]
}

func (t *ConnectionTable) message(id uint32) *messagePort {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messages[id]
}

// SignalEvent increments the connection's pending signal count.
func (t *ConnectionTable) SignalEvent(id uint32, flag uint16) Status {
	port := t.event(id)
	if port == nil {
		return StatusInvalidConnectionID
	}
	port.pending.Add(1)
	if port.notify != nil {
		port.notify(flag)
	}
	return StatusSuccess
}

// PendingSignals returns the number of signals not yet consumed.
func (t *ConnectionTable) PendingSignals(id uint32) uint64 {
	if port := t.event(id); port != nil {
		return port.pending.Load()
	}
	return 0
}

// ConsumeSignals returns and clears the pending signal count.
func (t *ConnectionTable) ConsumeSignals(id uint32) uint64 {
	if port := t.event(id); port != nil {
		return port.pending.Swap(0)
	}
	return 0
}

// PostMessage queues a message. A full queue is reported to the guest,
// which retries later.
func (t *ConnectionTable) PostMessage(id uint32, msgType uint32, payload []byte) Status {
	port := t.message(id)
	if port == nil {
		return StatusInvalidConnectionID
	}
	if len(payload) > MaxMessagePayload {
		return StatusInvalidParameter
	}
	port.mu.Lock()
	if len(port.queue) >= port.depth {
		port.mu.Unlock()
		return StatusInsufficientBuffers
	}
	port.queue = append(port.queue, Message{Type: msgType, Payload: append([]byte(nil), payload...)})
	port.mu.Unlock()
	if port.notify != nil {
		port.notify()
	}
	return StatusSuccess
}

// ReceiveMessage pops the oldest queued message.
func (t *ConnectionTable) ReceiveMessage(id uint32) (Message, bool) {
	port := t.message(id)
	if port == nil {
		return Message{}, false
	}
	port.mu.Lock()
	defer port.mu.Unlock()
	if len(port.queue) == 0 {
		return Message{}, false
	}
	msg := port.queue[0]
	port.queue = port.queue[1:]
	return msg, true
}
