package control

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClientClosed = errors.New("control: client closed")

// Client is one connection to a paravisor control socket. Calls are
// serialized; the protocol has one request in flight per connection.
type Client struct {
	conn       net.Conn
	mu         sync.Mutex
	closed     atomic.Bool
	socketPath string
	timeout    time.Duration
}

// Dial connects to the control socket. A positive timeout bounds both the
// dial and every later Call.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: connect to %s: %w", socketPath, err)
	}
	return &Client{
		conn:       conn,
		socketPath: socketPath,
		timeout:    timeout,
	}, nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Call sends a request and waits for a response.
// This is a synchronous RPC call.
func (c *Client) Call(msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(c.conn, msgType, payload); err != nil {
		return nil, fmt.Errorf("control: write %s: %w", MessageName(msgType), err)
	}

	header, resp, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("control: read %s response: %w", MessageName(msgType), err)
	}

	switch header.Type {
	case MsgResponse:
		return resp, nil
	case MsgError:
		ce, err := DecodeError(NewDecoder(resp))
		if err != nil {
			return nil, fmt.Errorf("control: decode error response: %w", err)
		}
		if ce != nil {
			return nil, ce
		}
		return nil, nil
	}
	return nil, fmt.Errorf("control: unexpected response type %s", MessageName(header.Type))
}

// CallWithEncoder is a convenience method that uses an encoder for the request.
func (c *Client) CallWithEncoder(msgType uint16, encode func(*Encoder)) ([]byte, error) {
	enc := NewEncoder()
	encode(enc)
	return c.Call(msgType, enc.Bytes())
}
