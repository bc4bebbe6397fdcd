package partition

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/paravisor/internal/emulator"
)

func (p *Partition) VPCount() int { return len(p.vps) }

// VPIndexFromAPICID maps an interrupt controller id to a VP index. Ids are
// assigned equal to the index.
func (p *Partition) VPIndexFromAPICID(id uint32) (int, bool) {
	if int(id) >= len(p.vps) || p.vps[id].ctrl.ID() != id {
		return 0, false
	}
	return int(id), true
}

// SendIPI requests vector in VP index's interrupt controller and forces the
// VP out of guest execution so it notices. The request is published before
// the kick, and a VP publishes its entry before it looks for interrupts, so
// one side always sees the other. A halted VP is woken by the request.
func (p *Partition) SendIPI(index int, vector uint8) error {
	s, err := p.slot(index)
	if err != nil {
		return err
	}
	s.ctrl.Request(vector)
	s.proc.Kick()
	return nil
}

// ipiSender resolves the destinations of an IPI raised by an emulated
// interrupt controller write.
type ipiSender struct {
	p *Partition
}

var _ emulator.Sender = ipiSender{}

func (s ipiSender) SendIPI(ipi emulator.IPI) error {
	p := s.p
	switch ipi.Shorthand {
	case emulator.ShorthandSelf:
		return p.SendIPI(ipi.Source, ipi.Vector)
	case emulator.ShorthandAllIncludingSelf, emulator.ShorthandAllExcludingSelf:
		var errs []error
		for i := range p.vps {
			if i == ipi.Source && ipi.Shorthand == emulator.ShorthandAllExcludingSelf {
				continue
			}
			errs = append(errs, p.SendIPI(i, ipi.Vector))
		}
		return errors.Join(errs...)
	}

	var errs []error
	for _, id := range ipi.Targets {
		index, ok := p.VPIndexFromAPICID(id)
		if !ok {
			// Hardware drops IPIs to ids nobody answers to.
			slog.Debug("partition: ipi to unknown controller", "source", ipi.Source, "id", id, "vector", ipi.Vector)
			continue
		}
		errs = append(errs, p.SendIPI(index, ipi.Vector))
	}
	return errors.Join(errs...)
}
