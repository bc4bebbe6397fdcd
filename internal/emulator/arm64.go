package emulator

import (
	"encoding/binary"
	"log/slog"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
)

const (
	esrECShift = 26
	esrIL      = uint64(1) << 25

	ecUnknown           = 0x00
	ecSysReg            = 0x18
	ecInstrAbortLowerEL = 0x20
	ecInstrAbortSameEL  = 0x21
	ecDataAbortLowerEL  = 0x24
	ecDataAbortSameEL   = 0x25

	dfscSyncExternal  = 0x10
	dfscTranslationL3 = 0x07
	dfscPermissionL3  = 0x0F
	issDataAbortWnR   = uint64(1) << 6
	arm64InstrLength  = 4
	arm64ZeroRegister = 31
)

// dataAbortISS is the instruction syndrome of a data abort (ESR ISS).
type dataAbortISS uint64

func (s dataAbortISS) Valid() bool      { return s&(1<<24) != 0 }
func (s dataAbortISS) Size() int        { return 1 << ((s >> 22) & 0x3) }
func (s dataAbortISS) SignExtend() bool { return s&(1<<21) != 0 }
func (s dataAbortISS) Register() int    { return int((s >> 16) & 0x1F) }
func (s dataAbortISS) SixtyFour() bool  { return s&(1<<15) != 0 }
func (s dataAbortISS) Write() bool      { return s&(1<<6) != 0 }

// sysRegISS is the syndrome of an MSR/MRS trap.
type sysRegISS uint64

func (s sysRegISS) Op0() uint8    { return uint8((s >> 20) & 0x3) }
func (s sysRegISS) Op2() uint8    { return uint8((s >> 17) & 0x7) }
func (s sysRegISS) Op1() uint8    { return uint8((s >> 14) & 0x7) }
func (s sysRegISS) CRn() uint8    { return uint8((s >> 10) & 0xF) }
func (s sysRegISS) Register() int { return int((s >> 5) & 0x1F) }
func (s sysRegISS) CRm() uint8    { return uint8((s >> 1) & 0xF) }
func (s sysRegISS) Read() bool    { return s&1 != 0 }

// SysReg identifies a system register by its encoding.
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (s sysRegISS) SysReg() SysReg {
	return SysReg{Op0: s.Op0(), Op1: s.Op1(), CRn: s.CRn(), CRm: s.CRm(), Op2: s.Op2()}
}

// EncodeSysRegTrap builds the ESR for a trapped MSR (write) or MRS (read).
func EncodeSysRegTrap(reg SysReg, rt int, read bool) uint64 {
	iss := uint64(reg.Op0)<<20 | uint64(reg.Op2)<<17 | uint64(reg.Op1)<<14 |
		uint64(reg.CRn)<<10 | uint64(rt&0x1F)<<5 | uint64(reg.CRm)<<1
	if read {
		iss |= 1
	}
	return ecSysReg<<esrECShift | esrIL | iss
}

// EncodeDataAbort builds the ESR for a data abort with a valid syndrome.
func EncodeDataAbort(size, rt int, write, signExtend, sixtyFour bool) uint64 {
	var sas uint64
	for 1<<sas < size {
		sas++
	}
	iss := uint64(1)<<24 | sas<<22 | uint64(rt&0x1F)<<16
	if signExtend {
		iss |= 1 << 21
	}
	if sixtyFour {
		iss |= 1 << 15
	}
	if write {
		iss |= issDataAbortWnR
	}
	return ecDataAbortLowerEL<<esrECShift | esrIL | iss
}

func exceptionClass(esr uint64) uint64 { return (esr >> esrECShift) & 0x3F }

func currentEL(regs *hv.Registers) uint64 { return (regs.Flags >> 2) & 0x3 }

func undefinedEvent() hv.PendingEvent {
	return hv.PendingEvent{Syndrome: ecUnknown<<esrECShift | esrIL}
}

func dataAbortEvent(regs *hv.Registers, addr uint64, write bool, dfsc uint64) hv.PendingEvent {
	ec := uint64(ecDataAbortLowerEL)
	if currentEL(regs) > 0 {
		ec = ecDataAbortSameEL
	}
	esr := ec<<esrECShift | esrIL | dfsc
	if write {
		esr |= issDataAbortWnR
	}
	return hv.PendingEvent{Syndrome: esr, FaultAddress: addr}
}

type arm64Emulator struct{}

func (*arm64Emulator) sealed() {}

func (*arm64Emulator) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (e *arm64Emulator) Emulate(env Env, in Intercept, regs *hv.Registers) Outcome {
	exit := &in.Exit
	switch {
	case exit.Reason == hv.ExitSystemRegister || exceptionClass(exit.Syndrome) == ecSysReg:
		return e.emulateSysReg(env, sysRegISS(exit.Syndrome), regs)
	case exit.Reason == hv.ExitMemoryAccess:
		return e.emulateDataAbort(env, exit, regs)
	default:
		slog.Debug("emulator: unexpected arm64 exit", "vp", env.Local.Index, "reason", exit.Reason, "esr", exit.Syndrome)
		return Fault(undefinedEvent())
	}
}

func (e *arm64Emulator) reg(regs *hv.Registers, n int) uint64 {
	if n == arm64ZeroRegister {
		return 0
	}
	return regs.GPR[n]
}

func (e *arm64Emulator) setReg(regs *hv.Registers, n int, v uint64) {
	if n != arm64ZeroRegister {
		regs.GPR[n] = v
	}
}

// loadStore is a decoded single-register load or store.
type loadStore struct {
	rt         int
	size       int
	write      bool
	signExtend bool
	sixtyFour  bool

	// Base register writeback for pre/post-indexed forms.
	writeback bool
	rn        int
	offset    int64
}

func (e *arm64Emulator) emulateDataAbort(env Env, exit *hv.Exit, regs *hv.Registers) Outcome {
	iss := dataAbortISS(exit.Syndrome)

	var ls loadStore
	if iss.Valid() {
		ls = loadStore{
			rt:         iss.Register(),
			size:       iss.Size(),
			write:      iss.Write(),
			signExtend: iss.SignExtend(),
			sixtyFour:  iss.SixtyFour(),
		}
	} else {
		var ok bool
		ls, ok = e.decodeLoadStore(env, exit, regs)
		if !ok {
			return Fault(undefinedEvent())
		}
	}

	gpa := exit.GPA
	var buf [8]byte
	if ls.write {
		binary.LittleEndian.PutUint64(buf[:], e.reg(regs, ls.rt))
	}

	handled := false
	if env.Bus != nil {
		var err error
		handled, err = env.Bus.MMIO(gpa, buf[:ls.size], ls.write)
		if err != nil {
			slog.Debug("emulator: mmio handler failed", "gpa", gpa, "write", ls.write, "err", err)
			handled = true
			if !ls.write {
				binary.LittleEndian.PutUint64(buf[:], ^uint64(0))
			}
		}
	}
	if !handled {
		return Fault(dataAbortEvent(regs, gpa, ls.write, dfscSyncExternal))
	}

	if !ls.write {
		v := truncate(binary.LittleEndian.Uint64(buf[:]), ls.size)
		if ls.signExtend {
			v = signExtend(v, ls.size)
		}
		if !ls.sixtyFour {
			v &= 0xFFFF_FFFF
		}
		e.setReg(regs, ls.rt, v)
	}
	if ls.writeback {
		if ls.rn == arm64ZeroRegister {
			regs.GPR[hv.ARM64Sp] += uint64(ls.offset)
		} else {
			regs.GPR[ls.rn] += uint64(ls.offset)
		}
	}
	return Advance(arm64InstrLength)
}

// decodeLoadStore decodes the faulting instruction when the hardware did
// not provide a valid syndrome. The instruction is taken from the exit or,
// failing that, fetched at the program counter assuming stage 1 is off.
func (e *arm64Emulator) decodeLoadStore(env Env, exit *hv.Exit, regs *hv.Registers) (loadStore, bool) {
	code := exit.Instruction
	if len(code) < 4 {
		code = make([]byte, 4)
		if n, err := env.Memory.Fetch(regs.PC, code); err != nil || n < 4 {
			return loadStore{}, false
		}
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		slog.Debug("emulator: arm64 decode failed", "vp", env.Local.Index, "pc", regs.PC, "err", err)
		return loadStore{}, false
	}

	var ls loadStore
	switch inst.Op {
	case arm64asm.STR, arm64asm.STUR:
		ls.write = true
	case arm64asm.STRB, arm64asm.STURB:
		ls.write, ls.size = true, 1
	case arm64asm.STRH, arm64asm.STURH:
		ls.write, ls.size = true, 2
	case arm64asm.LDR, arm64asm.LDUR:
	case arm64asm.LDRB, arm64asm.LDURB:
		ls.size = 1
	case arm64asm.LDRH, arm64asm.LDURH:
		ls.size = 2
	case arm64asm.LDRSB, arm64asm.LDURSB:
		ls.size, ls.signExtend = 1, true
	case arm64asm.LDRSH, arm64asm.LDURSH:
		ls.size, ls.signExtend = 2, true
	case arm64asm.LDRSW, arm64asm.LDURSW:
		ls.size, ls.signExtend = 4, true
	default:
		slog.Debug("emulator: unsupported arm64 mmio instruction", "vp", env.Local.Index, "op", inst.Op)
		return loadStore{}, false
	}

	rt, ok := inst.Args[0].(arm64asm.Reg)
	if !ok {
		return loadStore{}, false
	}
	switch {
	case rt >= arm64asm.W0 && rt <= arm64asm.WZR:
		ls.rt = int(rt - arm64asm.W0)
	case rt >= arm64asm.X0 && rt <= arm64asm.XZR:
		ls.rt = int(rt - arm64asm.X0)
		ls.sixtyFour = true
	default:
		// SIMD and FP registers.
		return loadStore{}, false
	}
	if ls.size == 0 {
		ls.size = 4
		if ls.sixtyFour {
			ls.size = 8
		}
	}

	switch mem := inst.Args[1].(type) {
	case arm64asm.MemImmediate:
		if mem.Mode == arm64asm.AddrPreIndex || mem.Mode == arm64asm.AddrPostIndex {
			// imm9 sits in bits 20:12 of the pre/post-indexed encodings.
			imm9 := int64(inst.Enc>>12) & 0x1FF
			ls.writeback = true
			ls.offset = imm9 << 55 >> 55
			ls.rn = int((inst.Enc >> 5) & 0x1F)
		}
	case arm64asm.MemExtend:
	default:
		return loadStore{}, false
	}
	return ls, true
}

func (e *arm64Emulator) TranslationFault(fault *guestmem.MemoryFault, regs *hv.Registers) hv.PendingEvent {
	dfsc := uint64(dfscTranslationL3)
	if fault.Reason == guestmem.FaultPermission {
		dfsc = dfscPermissionL3
	}
	if fault.Access == hv.AccessExecute {
		ec := uint64(ecInstrAbortLowerEL)
		if currentEL(regs) > 0 {
			ec = ecInstrAbortSameEL
		}
		return hv.PendingEvent{Valid: true, Syndrome: ec<<esrECShift | esrIL | dfsc, FaultAddress: fault.Address}
	}
	ev := dataAbortEvent(regs, fault.Address, fault.Access == hv.AccessWrite, dfsc)
	ev.Valid = true
	return ev
}

// PrepareInterrupt drives the virtual IRQ line. The vector is not
// acknowledged here; the guest does that by reading ICC_IAR1_EL1.
func (e *arm64Emulator) PrepareInterrupt(local *Local, regs *hv.Registers) bool {
	if !local.gicIGRP1 {
		regs.Interrupt = hv.PendingInterrupt{}
		return false
	}
	v, ok := local.Interrupts.Deliverable()
	if !ok {
		regs.Interrupt = hv.PendingInterrupt{}
		return false
	}
	regs.Interrupt = hv.PendingInterrupt{Valid: true, Vector: v}
	return true
}
