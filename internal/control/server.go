package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/net/netutil"
)

// ErrInUse means another process already serves the socket path.
var ErrInUse = errors.New("control: socket already in use")

// Handler handles one request and returns the response payload.
type Handler func(msgType uint16, payload []byte) ([]byte, error)

// Server accepts control connections on a unix socket.
type Server struct {
	listener   net.Listener
	socketPath string
	lock       *flock.Flock
	handler    Handler
	closed     atomic.Bool
	wg         sync.WaitGroup
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
}

// NewServer listens on socketPath. A lock file next to the socket keeps a
// second paravisor from taking over a live socket; a socket left behind by
// a dead process is replaced. At most maxConns connections are served at
// once; further clients wait in the accept queue.
func NewServer(socketPath string, maxConns int, handler Handler) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("control: create socket directory: %w", err)
	}

	lock := flock.New(socketPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("control: lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrInUse, socketPath)
	}

	removeSocket(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		lock:       lock,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections and handles requests.
// This blocks until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		s.connsMu.Lock()
		if s.closed.Load() {
			s.connsMu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.connsMu.Unlock()

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	for {
		if s.closed.Load() {
			return
		}

		header, payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return
			}
			code := ErrCodeIO
			if errors.Is(err, ErrFrameTooLarge) {
				code = ErrCodeInvalidArgument
			}
			s.sendError(conn, &Error{Code: code, Message: err.Error(), Op: "read"})
			return
		}

		slog.Debug("control: request", "type", MessageName(header.Type), "len", len(payload))
		resp, err := s.handler(header.Type, payload)
		if err != nil {
			s.sendErrorFromGoError(conn, header.Type, err)
			continue
		}

		if err := WriteFrame(conn, MsgResponse, resp); err != nil {
			return
		}
	}
}

func (s *Server) sendError(conn net.Conn, e *Error) {
	enc := NewEncoder()
	EncodeError(enc, e)
	if err := WriteFrame(conn, MsgError, enc.Bytes()); err != nil {
		slog.Debug("control: send error", "err", err)
	}
}

func (s *Server) sendErrorFromGoError(conn net.Conn, msgType uint16, err error) {
	var ce *Error
	if errors.As(err, &ce) {
		s.sendError(conn, ce)
		return
	}
	s.sendError(conn, &Error{Code: ErrCodeUnknown, Message: err.Error(), Op: MessageName(msgType)})
}

// Close shuts down the server.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Close listener first to stop accepting new connections
	err := s.listener.Close()

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	removeSocket(s.socketPath)
	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}

// Mux is a message type multiplexer for the server.
type Mux struct {
	handlers map[uint16]MuxHandler
	mu       sync.RWMutex
}

// MuxHandler handles a specific message type.
type MuxHandler func(dec *Decoder) ([]byte, error)

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[uint16]MuxHandler),
	}
}

// Handle registers a handler for a message type.
func (m *Mux) Handle(msgType uint16, handler MuxHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// Handler returns a Handler function for use with Server.
func (m *Mux) Handler() Handler {
	return func(msgType uint16, payload []byte) ([]byte, error) {
		m.mu.RLock()
		handler, ok := m.handlers[msgType]
		m.mu.RUnlock()

		if !ok {
			return nil, &Error{
				Code:    ErrCodeInvalidArgument,
				Message: fmt.Sprintf("unknown message type: 0x%04x", msgType),
			}
		}

		return handler(NewDecoder(payload))
	}
}
