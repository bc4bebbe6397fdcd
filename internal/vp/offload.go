package vp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/paravisor/internal/hv"
	"github.com/tinyrange/paravisor/internal/sidecar"
)

// ErrSidecarUnresponsive is wrapped in the hardware error raised when a
// kicked sidecar worker does not return the processor in time.
var ErrSidecarUnresponsive = errors.New("sidecar worker unresponsive")

// offload runs one iteration on the sidecar worker. ran is false when the
// iteration must run locally instead: the ring stayed full, the command
// timed out before the worker claimed it, or the channel was closed.
func (p *Processor) offload(ctx, entryCtx context.Context, b *binding) (exit hv.Exit, ran bool, err error) {
	p.drain(b)

	var id sidecar.DispatchID
	for attempt := 0; ; attempt++ {
		id, err = b.ch.Submit(sidecar.Command{VP: p.cfg.Index, Regs: p.regs})
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, sidecar.ErrBackpressure):
			p.cfg.Metrics.SidecarBackpressure()
			if attempt >= p.cfg.SidecarRetries {
				slog.Debug("vp: sidecar backpressure", "vp", p.cfg.Index, "attempts", attempt+1)
				return hv.Exit{}, false, nil
			}
			p.drain(b)
		case errors.Is(err, sidecar.ErrClosed):
			p.unbind(b)
			return hv.Exit{}, false, nil
		default:
			return hv.Exit{}, false, fmt.Errorf("sidecar submit: %w", err)
		}
	}
	p.cfg.Metrics.SidecarSubmitted()

	// A kick of this entry, or Stop, forces the worker out.
	stopKick := context.AfterFunc(entryCtx, func() { b.worker.Kick(id) })
	defer stopKick()

	timer := time.NewTimer(p.cfg.SidecarTimeout)
	defer timer.Stop()
	kicked := false
	for {
		if rec, ok := p.await(b, id); ok {
			if rec.Cancelled {
				return p.cancelled(b, rec)
			}
			if rec.Err != nil {
				return hv.Exit{}, false, &HardwareError{VP: p.cfg.Index, Err: rec.Err}
			}
			if kicked {
				p.localNext = true
			}
			return rec.Exit, true, nil
		}

		select {
		case <-b.ch.Completions():
		case <-timer.C:
			if kicked {
				return hv.Exit{}, false, &HardwareError{
					VP:  p.cfg.Index,
					Err: fmt.Errorf("dispatch %d: %w", id, ErrSidecarUnresponsive),
				}
			}
			if b.ch.Cancel(id) {
				// Never claimed; the processor state is still ours.
				p.cfg.Metrics.SidecarCancelled()
				p.await(b, id)
				return hv.Exit{}, false, nil
			}
			// A miss means the command completed in the meantime; the
			// next round retires it.
			kicked = b.worker.Kick(id)
			timer.Reset(p.cfg.SidecarTimeout)
		}
	}
}

// drain retires records of iterations this processor gave up on.
func (p *Processor) drain(b *binding) {
	for {
		rec, ok := b.ch.Poll()
		if !ok {
			return
		}
		p.stale(rec)
	}
}

// await retires records up to and including id and returns the one for id
// if it is available.
func (p *Processor) await(b *binding, id sidecar.DispatchID) (sidecar.Record, bool) {
	for {
		rec, ok := b.ch.Poll()
		if !ok {
			return sidecar.Record{}, false
		}
		if rec.ID == id {
			return rec, true
		}
		p.stale(rec)
	}
}

func (p *Processor) stale(rec sidecar.Record) {
	if rec.Cancelled {
		p.cfg.Metrics.SidecarCancelled()
	}
	slog.Debug("vp: stale sidecar record", "vp", p.cfg.Index, "id", rec.ID, "cancelled", rec.Cancelled)
}

// cancelled handles a command cancelled by Close. If the worker had
// started it, the processor state is read back once the worker is gone.
func (p *Processor) cancelled(b *binding, rec sidecar.Record) (hv.Exit, bool, error) {
	p.cfg.Metrics.SidecarCancelled()
	p.unbind(b)
	if !rec.Abandoned {
		return hv.Exit{}, false, nil
	}

	select {
	case <-b.worker.Stopped():
	case <-time.After(p.cfg.SidecarTimeout):
		return hv.Exit{}, false, &HardwareError{
			VP:  p.cfg.Index,
			Err: fmt.Errorf("dispatch %d abandoned: %w", rec.ID, ErrSidecarUnresponsive),
		}
	}
	regs, err := p.cfg.VP.Registers()
	if err != nil {
		return hv.Exit{}, false, &HardwareError{VP: p.cfg.Index, Err: fmt.Errorf("reload registers: %w", err)}
	}
	// An event or interrupt that was pending in the abandoned command is
	// still pending in the snapshot.
	p.regs = regs
	return hv.Exit{}, false, nil
}

func (p *Processor) unbind(b *binding) {
	if p.sidecar.CompareAndSwap(b, nil) {
		slog.Info("vp: sidecar unbound", "vp", p.cfg.Index, "closed", b.ch.Closed())
	}
}
