// Package control is the control-plane transport of the paravisor: framed
// request/response messages over a unix socket. Each frame is a 6-byte
// big-endian header (2-byte type, 4-byte length) followed by the payload.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Request types.
const (
	MsgStart       uint16 = 0x0001
	MsgStop        uint16 = 0x0002
	MsgReconfigure uint16 = 0x0003
	MsgStatus      uint16 = 0x0004
	MsgLogs        uint16 = 0x0005
	MsgPing        uint16 = 0x0006

	// Response types.
	MsgResponse uint16 = 0x8000
	MsgError    uint16 = 0x8001
)

func MessageName(t uint16) string {
	switch t {
	case MsgStart:
		return "start"
	case MsgStop:
		return "stop"
	case MsgReconfigure:
		return "reconfigure"
	case MsgStatus:
		return "status"
	case MsgLogs:
		return "logs"
	case MsgPing:
		return "ping"
	case MsgResponse:
		return "response"
	case MsgError:
		return "error"
	}
	return fmt.Sprintf("0x%04x", t)
}

const (
	HeaderSize = 6

	// MaxPayload bounds a single frame. Settings documents are the largest
	// payloads and stay far below it.
	MaxPayload = 16 << 20
)

// Error codes carried by MsgError.
const (
	ErrCodeOK uint8 = iota
	ErrCodeUnknown
	ErrCodeInvalidArgument
	ErrCodeNotRunning
	ErrCodeAlreadyRunning
	ErrCodeRejected
	ErrCodeIO
)

var ErrFrameTooLarge = errors.New("control: frame exceeds maximum payload")

type Header struct {
	Type   uint16
	Length uint32
}

func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:   binary.BigEndian.Uint16(b[0:2]),
		Length: binary.BigEndian.Uint32(b[2:6]),
	}
	if h.Length > MaxPayload {
		return h, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length)
	}
	return h, nil
}

func WriteHeader(w io.Writer, h Header) error {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Type)
	binary.BigEndian.PutUint32(b[2:6], h.Length)
	_, err := w.Write(b[:])
	return err
}

// WriteFrame writes a header and payload with a single Write so frames
// from concurrent writers never interleave on a stream socket.
func WriteFrame(w io.Writer, msgType uint16, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], msgType)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, fmt.Errorf("read payload: %w", err)
	}
	return h, payload, nil
}

// Encoder builds a payload. Integers are big endian; strings and byte
// slices are prefixed with a 4-byte length.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Uint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) Uint16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *Encoder) Uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *Encoder) Uint64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *Encoder) Int64(v int64)   { e.Uint64(uint64(v)) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) Bytes() []byte { return e.buf }

var ErrShortPayload = errors.New("control: payload too short")

// Decoder reads a payload written by Encoder. The first failure sticks:
// later reads return zero values and Err reports it.
type Decoder struct {
	buf []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = ErrShortPayload
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) Uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) Uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }
func (d *Decoder) Bool() bool   { return d.Uint8() != 0 }

func (d *Decoder) ReadBytes() []byte {
	n := d.Uint32()
	if n > math.MaxInt32 {
		d.err = ErrShortPayload
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (d *Decoder) ReadString() string { return string(d.ReadBytes()) }

// Remaining returns the bytes not yet consumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) Err() error { return d.err }

// Error is a failure reported by the server.
type Error struct {
	Code    uint8
	Message string
	Op      string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("control: %s: %s", e.Op, e.Message)
	}
	return "control: " + e.Message
}

func EncodeError(enc *Encoder, e *Error) {
	enc.Uint8(e.Code)
	enc.String(e.Message)
	enc.String(e.Op)
}

// DecodeError reads an error payload. It returns nil, nil for ErrCodeOK.
func DecodeError(dec *Decoder) (*Error, error) {
	code := dec.Uint8()
	msg := dec.ReadString()
	op := dec.ReadString()
	if err := dec.Err(); err != nil {
		return nil, err
	}
	if code == ErrCodeOK {
		return nil, nil
	}
	return &Error{Code: code, Message: msg, Op: op}, nil
}
