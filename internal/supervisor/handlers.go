package supervisor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tinyrange/paravisor/internal/control"
	"github.com/tinyrange/paravisor/internal/settings"
)

// Register installs the control handlers on mux. ctx bounds partitions
// started through the control plane.
func (s *Supervisor) Register(ctx context.Context, mux *control.Mux) {
	mux.Handle(control.MsgStart, func(dec *control.Decoder) ([]byte, error) {
		if err := s.Start(ctx); err != nil {
			return nil, controlError("start", err)
		}
		return nil, nil
	})

	mux.Handle(control.MsgStop, func(dec *control.Decoder) ([]byte, error) {
		if err := s.Stop(); err != nil {
			return nil, controlError("stop", err)
		}
		return nil, nil
	})

	mux.Handle(control.MsgReconfigure, func(dec *control.Decoder) ([]byte, error) {
		raw := dec.ReadBytes()
		if err := dec.Err(); err != nil {
			return nil, controlError("reconfigure", err)
		}
		doc, err := settings.Unmarshal(raw)
		if err != nil {
			return nil, controlError("reconfigure", err)
		}
		changes, err := s.Reconfigure(doc)
		if err != nil {
			return nil, controlError("reconfigure", err)
		}
		enc := control.NewEncoder()
		EncodeChanges(enc, changes)
		return enc.Bytes(), nil
	})

	mux.Handle(control.MsgStatus, func(dec *control.Decoder) ([]byte, error) {
		return json.Marshal(s.Status())
	})

	mux.Handle(control.MsgLogs, func(dec *control.Decoder) ([]byte, error) {
		lines := dec.Uint32()
		if err := dec.Err(); err != nil {
			return nil, controlError("logs", err)
		}
		if s.opts.Logs == nil {
			return nil, &control.Error{Code: control.ErrCodeRejected, Message: "log capture disabled", Op: "logs"}
		}
		if lines == 0 {
			return s.opts.Logs.Bytes(), nil
		}
		return s.opts.Logs.Tail(int(lines)), nil
	})

	mux.Handle(control.MsgPing, func(dec *control.Decoder) ([]byte, error) {
		enc := control.NewEncoder()
		enc.String(string(s.Status().State))
		return enc.Bytes(), nil
	})
}

// controlError maps err onto a control error code.
func controlError(op string, err error) error {
	code := control.ErrCodeUnknown
	var (
		verr *settings.ValidationError
		derr *settings.DecodeError
	)
	switch {
	case errors.Is(err, ErrNotRunning):
		code = control.ErrCodeNotRunning
	case errors.Is(err, ErrAlreadyRunning):
		code = control.ErrCodeAlreadyRunning
	case errors.Is(err, ErrBaseChanged):
		code = control.ErrCodeRejected
	case errors.As(err, &verr), errors.As(err, &derr), errors.Is(err, control.ErrShortPayload):
		code = control.ErrCodeInvalidArgument
	}
	return &control.Error{Code: code, Message: err.Error(), Op: op}
}

// EncodeChanges writes the result of a reconfiguration.
func EncodeChanges(enc *control.Encoder, c settings.Changes) {
	enc.Bool(c.BaseChanged)
	for _, refs := range [][]settings.DeviceRef{c.Added, c.Removed, c.Changed} {
		enc.Uint32(uint32(len(refs)))
		for _, ref := range refs {
			enc.String(ref.String())
		}
	}
}

// ChangeSummary is the client's view of a reconfiguration result.
type ChangeSummary struct {
	BaseChanged bool
	Added       []string
	Removed     []string
	Changed     []string
}

func DecodeChanges(dec *control.Decoder) (ChangeSummary, error) {
	var c ChangeSummary
	c.BaseChanged = dec.Bool()
	for _, out := range []*[]string{&c.Added, &c.Removed, &c.Changed} {
		n := dec.Uint32()
		for i := uint32(0); i < n && dec.Err() == nil; i++ {
			*out = append(*out, dec.ReadString())
		}
	}
	return c, dec.Err()
}
