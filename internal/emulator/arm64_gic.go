package emulator

import (
	"log/slog"

	"github.com/tinyrange/paravisor/internal/hv"
)

// GICv3 CPU interface system registers (ICC_*_EL1).
var (
	SysRegPMR     = SysReg{Op0: 3, Op1: 0, CRn: 4, CRm: 6, Op2: 0}
	SysRegDIR     = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 11, Op2: 1}
	SysRegRPR     = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 11, Op2: 3}
	SysRegSGI1R   = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 11, Op2: 5}
	SysRegIAR1    = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 0}
	SysRegEOIR1   = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 1}
	SysRegHPPIR1  = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 2}
	SysRegBPR1    = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 3}
	SysRegCTLR    = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 4}
	SysRegSRE     = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 5}
	SysRegIGRPEN1 = SysReg{Op0: 3, Op1: 0, CRn: 12, CRm: 12, Op2: 7}
)

const (
	GICSpuriousINTID = 1023

	gicSREValue     = 0x7 // SRE | DFB | DIB
	gicIdlePriority = 0xFF
)

// taskPriorityFromPMR maps the GIC priority mask onto the controller's task
// priority. Vectors rank high-number-first while GIC priorities rank
// low-number-first, so the scale is inverted.
func taskPriorityFromPMR(pmr uint8) uint8 { return 0xFF - pmr }

func (e *arm64Emulator) emulateSysReg(env Env, iss sysRegISS, regs *hv.Registers) Outcome {
	local := env.Local
	c := local.Interrupts
	reg := iss.SysReg()
	rt := iss.Register()

	if iss.Read() {
		var v uint64
		switch reg {
		case SysRegIAR1:
			v = GICSpuriousINTID
			if local.gicIGRP1 {
				if vector, ok := c.Acknowledge(); ok {
					local.gicActive = append(local.gicActive, vector)
					v = uint64(vector)
				}
			}
		case SysRegHPPIR1:
			v = GICSpuriousINTID
			if vector, ok := c.Deliverable(); ok && local.gicIGRP1 {
				v = uint64(vector)
			}
		case SysRegRPR:
			v = gicIdlePriority
			if n := len(local.gicActive); n > 0 {
				v = uint64(0xFF - local.gicActive[n-1]&0xF0)
			}
		case SysRegPMR:
			v = uint64(local.gicPMR)
		case SysRegBPR1:
			v = uint64(local.gicBPR1)
		case SysRegCTLR:
			v = 0
		case SysRegSRE:
			v = gicSREValue
		case SysRegIGRPEN1:
			if local.gicIGRP1 {
				v = 1
			}
		default:
			slog.Debug("emulator: unhandled system register read", "vp", local.Index, "reg", reg)
			return Fault(undefinedEvent())
		}
		e.setReg(regs, rt, v)
		return Advance(arm64InstrLength)
	}

	v := e.reg(regs, rt)
	switch reg {
	case SysRegEOIR1:
		intid := v & 0xFF_FFFF
		if intid < 256 {
			vector := uint8(intid)
			c.EOIVector(vector)
			for i := len(local.gicActive) - 1; i >= 0; i-- {
				if local.gicActive[i] == vector {
					local.gicActive = append(local.gicActive[:i], local.gicActive[i+1:]...)
					break
				}
			}
		}
	case SysRegDIR:
		// EOImode is 0, priority drop and deactivation happen together.
	case SysRegPMR:
		local.gicPMR = uint8(v)
		c.SetTaskPriority(taskPriorityFromPMR(uint8(v)))
	case SysRegBPR1:
		local.gicBPR1 = uint8(v & 0x7)
	case SysRegCTLR:
	case SysRegSRE:
	case SysRegIGRPEN1:
		local.gicIGRP1 = v&1 != 0
	case SysRegSGI1R:
		e.sendSGI(env, v)
	default:
		slog.Debug("emulator: unhandled system register write", "vp", local.Index, "reg", reg)
		return Fault(undefinedEvent())
	}
	return Advance(arm64InstrLength)
}

// sendSGI decodes an ICC_SGI1R_EL1 write. Interrupt controller ids are
// Aff1<<4 | Aff0; higher affinity levels must be zero.
func (e *arm64Emulator) sendSGI(env Env, v uint64) {
	intid := uint8((v >> 24) & 0xF)
	ipi := IPI{Source: env.Local.Index, Vector: intid}

	if v&(1<<40) != 0 {
		ipi.Shorthand = ShorthandAllExcludingSelf
	} else {
		aff1 := uint32((v >> 16) & 0xFF)
		aff2 := (v >> 32) & 0xFF
		aff3 := (v >> 48) & 0xFF
		if aff2 != 0 || aff3 != 0 {
			slog.Debug("emulator: sgi to unsupported affinity", "vp", env.Local.Index, "aff2", aff2, "aff3", aff3)
			return
		}
		list := uint32(v & 0xFFFF)
		for bit := uint32(0); bit < 16; bit++ {
			if list&(1<<bit) != 0 {
				ipi.Targets = append(ipi.Targets, aff1<<4|bit)
			}
		}
		if len(ipi.Targets) == 0 {
			return
		}
	}

	if env.IPI == nil {
		for _, t := range ipi.Targets {
			if t == env.Local.Interrupts.ID() {
				env.Local.Interrupts.Request(intid)
			}
		}
		return
	}
	if err := env.IPI.SendIPI(ipi); err != nil {
		slog.Debug("emulator: sgi delivery failed", "vp", env.Local.Index, "intid", intid, "err", err)
	}
}
