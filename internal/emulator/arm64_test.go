package emulator

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/paravisor/internal/hv"
)

func dataAbort(gpa uint64, esr uint64, code ...byte) hv.Exit {
	return hv.Exit{Reason: hv.ExitMemoryAccess, GPA: gpa, Syndrome: esr, Instruction: code}
}

func sysRegExit(reg SysReg, rt int, read bool) hv.Exit {
	return hv.Exit{Reason: hv.ExitSystemRegister, Syndrome: EncodeSysRegTrap(reg, rt, read)}
}

func TestARM64SyndromeStore(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.regs.GPR[1] = 0xFFFF_FFFF_DEAD_BEEF
	h.regs.PC = 0x4000

	out := h.run(InterceptInstruction, dataAbort(0xD000_0008, EncodeDataAbort(4, 1, true, false, false)))
	expectAdvance(t, out, 4)
	if h.regs.PC != 0x4004 {
		t.Fatalf("pc = %#x", h.regs.PC)
	}
	if len(h.bus.accesses) != 1 {
		t.Fatalf("accesses = %d", len(h.bus.accesses))
	}
	a := h.bus.accesses[0]
	if !a.write || len(a.data) != 4 || binary.LittleEndian.Uint32(a.data) != 0xDEAD_BEEF {
		t.Fatalf("unexpected access %+v", a)
	}
}

func TestARM64SyndromeLoadSignExtends(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.bus.readValue = 0x80

	expectAdvance(t, h.run(InterceptInstruction, dataAbort(0xD000_0000, EncodeDataAbort(1, 2, false, true, true))), 4)
	if h.regs.GPR[2] != 0xFFFF_FFFF_FFFF_FF80 {
		t.Fatalf("x2 = %#x", h.regs.GPR[2])
	}

	// A W register destination is zero-extended past bit 31.
	h.bus.readValue = 0x8000
	expectAdvance(t, h.run(InterceptInstruction, dataAbort(0xD000_0000, EncodeDataAbort(2, 3, false, true, false))), 4)
	if h.regs.GPR[3] != 0xFFFF_8000 {
		t.Fatalf("w3 = %#x", h.regs.GPR[3])
	}
}

func TestARM64LoadIntoZeroRegisterDiscarded(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	before := h.regs.GPR
	expectAdvance(t, h.run(InterceptInstruction, dataAbort(0xD000_0000, EncodeDataAbort(8, 31, false, false, true))), 4)
	if h.regs.GPR != before {
		t.Fatalf("zero register load modified the register file")
	}
}

func TestARM64DecodesWithoutSyndrome(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.regs.GPR[1] = 0xD000_0000

	// ldr x0, [x1], #8
	code := make([]byte, 4)
	binary.LittleEndian.PutUint32(code, 0xF840_8420)
	esr := uint64(ecDataAbortLowerEL) << esrECShift
	expectAdvance(t, h.run(InterceptInstruction, dataAbort(0xD000_0000, esr, code...)), 4)
	if h.regs.GPR[0] != h.bus.readValue {
		t.Fatalf("x0 = %#x", h.regs.GPR[0])
	}
	if h.regs.GPR[1] != 0xD000_0008 {
		t.Fatalf("x1 writeback = %#x", h.regs.GPR[1])
	}

	// strb w2, [x1] fetched from guest memory.
	h.regs.PC = 0x100
	h.regs.GPR[2] = 0x1AB
	binary.LittleEndian.PutUint32(code, 0x3900_0022)
	if err := h.mem.Write(0x100, code); err != nil {
		t.Fatalf("write code: %v", err)
	}
	expectAdvance(t, h.run(InterceptInstruction, dataAbort(0xD000_0000, esr)), 4)
	last := h.bus.accesses[len(h.bus.accesses)-1]
	if !last.write || len(last.data) != 1 || last.data[0] != 0xAB {
		t.Fatalf("unexpected access %+v", last)
	}
}

func TestARM64UnsupportedInstructionUndefined(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	// nop
	code := []byte{0x1F, 0x20, 0x03, 0xD5}
	out := h.run(InterceptInstruction, dataAbort(0xD000_0000, uint64(ecDataAbortLowerEL)<<esrECShift, code...))
	if out.Kind != OutcomeFault || exceptionClass(out.Event.Syndrome) != ecUnknown {
		t.Fatalf("outcome = %v, event %+v", out.Kind, out.Event)
	}
}

// An access with neither a region nor a device takes a synchronous
// external data abort at the current exception level.
func TestARM64UnmappedMMIOAborts(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.regs.PC = 0x2000

	out := h.run(InterceptInstruction, dataAbort(0xE000_0000, EncodeDataAbort(4, 1, true, false, false)))
	if out.Kind != OutcomeFault || !out.Event.Valid {
		t.Fatalf("outcome = %v", out.Kind)
	}
	if ec := exceptionClass(out.Event.Syndrome); ec != ecDataAbortSameEL {
		t.Fatalf("ec = %#x", ec)
	}
	if out.Event.Syndrome&0x3F != dfscSyncExternal || out.Event.Syndrome&issDataAbortWnR == 0 {
		t.Fatalf("esr = %#x", out.Event.Syndrome)
	}
	if out.Event.FaultAddress != 0xE000_0000 || h.regs.PC != 0x2000 {
		t.Fatalf("fault address %#x pc %#x", out.Event.FaultAddress, h.regs.PC)
	}
}

func TestGICAcknowledgeAndEOI(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	c := h.env.Local.Interrupts
	c.Request(0x30)

	// Group 1 disabled: the line stays low.
	if h.emu.PrepareInterrupt(h.env.Local, &h.regs) {
		t.Fatalf("interrupt signalled with group 1 disabled")
	}

	h.regs.GPR[0] = 1
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegIGRPEN1, 0, false)), 4)
	if !h.emu.PrepareInterrupt(h.env.Local, &h.regs) || h.regs.Interrupt.Vector != 0x30 {
		t.Fatalf("interrupt not signalled: %+v", h.regs.Interrupt)
	}
	if !c.RequestBits().Has(0x30) {
		t.Fatalf("signalling consumed the request")
	}

	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegHPPIR1, 4, true)), 4)
	if h.regs.GPR[4] != 0x30 {
		t.Fatalf("hppir = %#x", h.regs.GPR[4])
	}

	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegIAR1, 5, true)), 4)
	if h.regs.GPR[5] != 0x30 {
		t.Fatalf("iar = %#x", h.regs.GPR[5])
	}
	if !c.InServiceBits().Has(0x30) || c.RequestBits().Has(0x30) {
		t.Fatalf("acknowledge did not move the vector in service")
	}

	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegRPR, 6, true)), 4)
	if h.regs.GPR[6] != 0xCF {
		t.Fatalf("rpr = %#x", h.regs.GPR[6])
	}

	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegEOIR1, 5, false)), 4)
	if c.InServiceBits().Has(0x30) {
		t.Fatalf("eoi did not retire the vector")
	}

	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegIAR1, 5, true)), 4)
	if h.regs.GPR[5] != GICSpuriousINTID {
		t.Fatalf("iar with nothing pending = %d", h.regs.GPR[5])
	}
}

func TestGICPriorityMask(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.regs.GPR[0] = 0x80
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegPMR, 0, false)), 4)
	if got := h.env.Local.Interrupts.TaskPriority(); got != 0x7F {
		t.Fatalf("tpr = %#x", got)
	}
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegPMR, 1, true)), 4)
	if h.regs.GPR[1] != 0x80 {
		t.Fatalf("pmr = %#x", h.regs.GPR[1])
	}
}

func TestGICSendSGI(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)

	// INTID 3 to Aff1=1, target list {0, 2}.
	h.regs.GPR[0] = 3<<24 | 1<<16 | 0b101
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegSGI1R, 0, false)), 4)
	if len(h.sender.ipis) != 1 {
		t.Fatalf("ipis = %d", len(h.sender.ipis))
	}
	ipi := h.sender.ipis[0]
	if ipi.Vector != 3 || len(ipi.Targets) != 2 || ipi.Targets[0] != 0x10 || ipi.Targets[1] != 0x12 {
		t.Fatalf("unexpected ipi %+v", ipi)
	}

	h.regs.GPR[0] = 1<<40 | 5<<24
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegSGI1R, 0, false)), 4)
	if got := h.sender.ipis[1]; got.Shorthand != ShorthandAllExcludingSelf || got.Vector != 5 {
		t.Fatalf("unexpected broadcast %+v", got)
	}
}

func TestGICSelfSGIWithoutSender(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	h.env.IPI = nil
	h.regs.GPR[0] = 7<<24 | 1
	expectAdvance(t, h.run(InterceptInterruptController, sysRegExit(SysRegSGI1R, 0, false)), 4)
	if !h.env.Local.Interrupts.RequestBits().Has(7) {
		t.Fatalf("self sgi not requested")
	}
}

func TestUnknownSystemRegisterUndefined(t *testing.T) {
	h := newHarness(t, hv.ArchitectureARM64)
	out := h.run(InterceptInstruction, sysRegExit(SysReg{Op0: 3, Op1: 3, CRn: 14, CRm: 2, Op2: 1}, 0, true))
	if out.Kind != OutcomeFault || !out.Event.Valid || exceptionClass(out.Event.Syndrome) != ecUnknown {
		t.Fatalf("outcome = %v, event %+v", out.Kind, out.Event)
	}
}

func TestInterruptControllerAccessARM64(t *testing.T) {
	gic := hv.Exit{Reason: hv.ExitSystemRegister, Syndrome: EncodeSysRegTrap(SysRegIAR1, 0, true)}
	pmr := hv.Exit{Reason: hv.ExitSystemRegister, Syndrome: EncodeSysRegTrap(SysRegPMR, 1, false)}
	other := hv.Exit{Reason: hv.ExitSystemRegister, Syndrome: EncodeSysRegTrap(SysReg{Op0: 3, Op1: 3, CRn: 14, CRm: 0, Op2: 1}, 0, true)}
	abort := hv.Exit{Reason: hv.ExitMemoryAccess, GPA: 0x08000000}
	if !InterruptControllerAccess(hv.ArchitectureARM64, &gic) || !InterruptControllerAccess(hv.ArchitectureARM64, &pmr) {
		t.Fatalf("GIC CPU interface access not recognised")
	}
	if InterruptControllerAccess(hv.ArchitectureARM64, &other) || InterruptControllerAccess(hv.ArchitectureARM64, &abort) {
		t.Fatalf("non-GIC exit recognised")
	}
}
