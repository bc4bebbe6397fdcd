package emulator

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
)

const (
	VectorUD uint8 = 6
	VectorGP uint8 = 13
	VectorPF uint8 = 14

	pfPresent uint32 = 1 << 0
	pfWrite   uint32 = 1 << 1
	pfFetch   uint32 = 1 << 4
)

func udEvent() hv.PendingEvent { return hv.PendingEvent{Vector: VectorUD} }

func gpEvent() hv.PendingEvent {
	return hv.PendingEvent{Vector: VectorGP, HasErrorCode: true}
}

func pfEvent(addr uint64, code uint32) hv.PendingEvent {
	return hv.PendingEvent{Vector: VectorPF, HasErrorCode: true, ErrorCode: code, FaultAddress: addr}
}

type x86Emulator struct{}

func (*x86Emulator) sealed() {}

func (*x86Emulator) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (e *x86Emulator) Emulate(env Env, in Intercept, regs *hv.Registers) Outcome {
	exit := &in.Exit
	switch exit.Reason {
	case hv.ExitMemoryAccess:
		return e.emulateMMIO(env, exit, regs)
	case hv.ExitPortIO:
		return e.emulatePIO(env, exit, regs)
	case hv.ExitMSR:
		return e.emulateMSR(env, exit, regs)
	case hv.ExitInstruction:
		return e.emulateInstruction(env, exit, regs)
	default:
		slog.Debug("emulator: unexpected x86 exit", "vp", env.Local.Index, "reason", exit.Reason)
		return Fault(udEvent())
	}
}

// decode returns the faulting instruction. On failure the returned outcome
// is the exception to inject.
func (e *x86Emulator) decode(env Env, exit *hv.Exit, regs *hv.Registers) (x86asm.Inst, Outcome, bool) {
	code := exit.Instruction
	if len(code) == 0 {
		var err error
		code, err = fetchInstruction(env.Memory, regs)
		if err != nil {
			var walk *pageWalkError
			if errors.As(err, &walk) {
				return x86asm.Inst{}, Fault(pfEvent(regs.PC, pfFetch)), false
			}
			if f, ok := guestmem.AsFault(err); ok && f.Reason == guestmem.FaultPermission {
				return x86asm.Inst{}, Fault(pfEvent(regs.PC, pfFetch|pfPresent)), false
			}
			return x86asm.Inst{}, Fault(gpEvent()), false
		}
	}

	mode := regs.Mode
	if mode == 0 {
		mode = 64
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		slog.Debug("emulator: x86 decode failed", "vp", env.Local.Index, "pc", regs.PC, "bytes", code, "err", err)
		return x86asm.Inst{}, Fault(udEvent()), false
	}
	return inst, Outcome{}, true
}

func (e *x86Emulator) emulateMMIO(env Env, exit *hv.Exit, regs *hv.Registers) Outcome {
	inst, out, ok := e.decode(env, exit, regs)
	if !ok {
		return out
	}
	gpa := exit.GPA
	size := inst.MemBytes

	operand := func(arg x86asm.Arg) (uint64, bool) {
		switch a := arg.(type) {
		case x86asm.Reg:
			v, _, err := readGPR(regs, a)
			return v, err == nil
		case x86asm.Imm:
			return uint64(a), true
		}
		return 0, false
	}

	switch inst.Op {
	case x86asm.MOV:
		if _, isMem := inst.Args[0].(x86asm.Mem); isMem {
			v, ok := operand(inst.Args[1])
			if !ok {
				return Fault(udEvent())
			}
			if ev := e.mmioWrite(env, gpa, size, truncate(v, size)); ev != nil {
				return Fault(*ev)
			}
			return Advance(inst.Len)
		}
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return Fault(udEvent())
		}
		v, ev := e.mmioRead(env, gpa, size)
		if ev != nil {
			return Fault(*ev)
		}
		if err := writeGPR(regs, dst, v); err != nil {
			return Fault(udEvent())
		}
		return Advance(inst.Len)

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return Fault(udEvent())
		}
		v, ev := e.mmioRead(env, gpa, size)
		if ev != nil {
			return Fault(*ev)
		}
		if inst.Op != x86asm.MOVZX {
			v = signExtend(v, size)
		}
		if err := writeGPR(regs, dst, v); err != nil {
			return Fault(udEvent())
		}
		return Advance(inst.Len)

	case x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		apply := func(a, b uint64) uint64 {
			switch inst.Op {
			case x86asm.OR:
				return a | b
			case x86asm.XOR:
				return a ^ b
			default:
				return a & b
			}
		}
		if _, isMem := inst.Args[0].(x86asm.Mem); isMem {
			src, ok := operand(inst.Args[1])
			if !ok {
				return Fault(udEvent())
			}
			old, ev := e.mmioRead(env, gpa, size)
			if ev != nil {
				return Fault(*ev)
			}
			res := truncate(apply(old, src), size)
			if inst.Op != x86asm.TEST {
				if ev := e.mmioWrite(env, gpa, size, res); ev != nil {
					return Fault(*ev)
				}
			}
			logicFlags(regs, res, size)
			return Advance(inst.Len)
		}
		dst, ok := inst.Args[0].(x86asm.Reg)
		if !ok {
			return Fault(udEvent())
		}
		cur, width, err := readGPR(regs, dst)
		if err != nil {
			return Fault(udEvent())
		}
		m, ev := e.mmioRead(env, gpa, size)
		if ev != nil {
			return Fault(*ev)
		}
		res := truncate(apply(cur, m), width)
		if inst.Op != x86asm.TEST {
			if err := writeGPR(regs, dst, res); err != nil {
				return Fault(udEvent())
			}
		}
		logicFlags(regs, res, width)
		return Advance(inst.Len)
	}

	slog.Debug("emulator: unsupported mmio instruction", "vp", env.Local.Index, "op", inst.Op, "gpa", gpa)
	return Fault(udEvent())
}

func (e *x86Emulator) apicPage(env Env, gpa uint64) (uint32, bool) {
	base := env.Local.apicBase
	if base&apicBaseEnable == 0 || base&apicBaseX2APIC != 0 {
		return 0, false
	}
	page := base &^ 0xFFF
	if gpa < page || gpa >= page+XAPICSize {
		return 0, false
	}
	return uint32(gpa - page), true
}

func (e *x86Emulator) mmioRead(env Env, gpa uint64, size int) (uint64, *hv.PendingEvent) {
	if offset, ok := e.apicPage(env, gpa); ok {
		if size != 4 || offset&0xF != 0 {
			return 0, nil
		}
		v, _ := apicRead(env.Local, offset, false)
		return uint64(v), nil
	}

	var buf [8]byte
	handled := false
	if env.Bus != nil {
		var err error
		handled, err = env.Bus.MMIO(gpa, buf[:size], false)
		if err != nil {
			slog.Debug("emulator: mmio read handler failed", "gpa", gpa, "size", size, "err", err)
			return truncate(^uint64(0), size), nil
		}
	}
	if !handled {
		ev := gpEvent()
		return 0, &ev
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (e *x86Emulator) mmioWrite(env Env, gpa uint64, size int, value uint64) *hv.PendingEvent {
	if offset, ok := e.apicPage(env, gpa); ok {
		if size == 4 && offset&0xF == 0 {
			apicWrite(env, offset, uint32(value), 0, false)
		}
		return nil
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	handled := false
	if env.Bus != nil {
		var err error
		handled, err = env.Bus.MMIO(gpa, buf[:size], true)
		if err != nil {
			slog.Debug("emulator: mmio write handler failed", "gpa", gpa, "size", size, "err", err)
			return nil
		}
	}
	if !handled {
		ev := gpEvent()
		return &ev
	}
	return nil
}

func (e *x86Emulator) emulatePIO(env Env, exit *hv.Exit, regs *hv.Registers) Outcome {
	inst, out, ok := e.decode(env, exit, regs)
	if !ok {
		return out
	}

	var (
		port  uint16
		data  x86asm.Reg
		write bool
	)
	portOf := func(arg x86asm.Arg) (uint16, bool) {
		switch a := arg.(type) {
		case x86asm.Imm:
			return uint16(a), true
		case x86asm.Reg:
			if a == x86asm.DX {
				return uint16(regs.GPR[hv.X86Rdx]), true
			}
		}
		return 0, false
	}

	switch inst.Op {
	case x86asm.IN:
		reg, isReg := inst.Args[0].(x86asm.Reg)
		p, okPort := portOf(inst.Args[1])
		if !isReg || !okPort {
			return Fault(udEvent())
		}
		port, data = p, reg
	case x86asm.OUT:
		reg, isReg := inst.Args[1].(x86asm.Reg)
		p, okPort := portOf(inst.Args[0])
		if !isReg || !okPort {
			return Fault(udEvent())
		}
		port, data, write = p, reg, true
	default:
		// INS/OUTS and anything else.
		slog.Debug("emulator: unsupported port i/o instruction", "vp", env.Local.Index, "op", inst.Op)
		return Fault(udEvent())
	}

	value, size, err := readGPR(regs, data)
	if err != nil {
		return Fault(udEvent())
	}

	var buf [8]byte
	if write {
		binary.LittleEndian.PutUint64(buf[:], value)
	} else {
		// Reads from unclaimed ports float high.
		binary.LittleEndian.PutUint64(buf[:], ^uint64(0))
	}
	if env.Bus != nil {
		if _, err := env.Bus.PIO(port, buf[:size], write); err != nil {
			slog.Debug("emulator: port handler failed", "port", port, "write", write, "err", err)
		}
	}
	if !write {
		v := binary.LittleEndian.Uint64(buf[:])
		if err := writeGPR(regs, data, truncate(v, size)); err != nil {
			return Fault(udEvent())
		}
	}
	return Advance(inst.Len)
}

const msrInstructionLength = 2

func (e *x86Emulator) emulateMSR(env Env, exit *hv.Exit, regs *hv.Registers) Outcome {
	local := env.Local
	msr := exit.MSR

	if exit.Access == hv.AccessWrite {
		value := regs.GPR[hv.X86Rdx]<<32 | regs.GPR[hv.X86Rax]&0xFFFF_FFFF
		if !e.writeMSR(env, msr, value) {
			slog.Debug("emulator: wrmsr rejected", "vp", local.Index, "msr", msr, "value", value)
			return Fault(gpEvent())
		}
		return Advance(msrInstructionLength)
	}

	value, ok := e.readMSR(env, msr)
	if !ok {
		slog.Debug("emulator: rdmsr rejected", "vp", local.Index, "msr", msr)
		return Fault(gpEvent())
	}
	regs.GPR[hv.X86Rax] = value & 0xFFFF_FFFF
	regs.GPR[hv.X86Rdx] = value >> 32
	return Advance(msrInstructionLength)
}

func (e *x86Emulator) x2apic(local *Local) bool {
	return local.apicBase&(apicBaseEnable|apicBaseX2APIC) == apicBaseEnable|apicBaseX2APIC
}

func (e *x86Emulator) readMSR(env Env, msr uint32) (uint64, bool) {
	local := env.Local
	switch {
	case msr == msrAPICBase:
		v := local.apicBase
		if local.Index == 0 {
			v |= apicBaseBSP
		}
		return v, true
	case msr >= msrX2APICFirst && msr <= msrX2APICLast:
		if !e.x2apic(local) {
			return 0, false
		}
		offset := (msr - msrX2APICFirst) << 4
		v, ok := apicRead(local, offset, true)
		if !ok {
			return 0, false
		}
		if offset == apicRegICRLow {
			return uint64(local.apicICRHigh)<<32 | uint64(v), true
		}
		return uint64(v), true
	case msr == msrHvGuestOSID:
		return local.hvGuestOSID, true
	case msr == msrHvHypercall:
		return local.hvHypercall, true
	case msr == msrHvVPIndex:
		return uint64(local.Index), true
	}
	return 0, false
}

func (e *x86Emulator) writeMSR(env Env, msr uint32, value uint64) bool {
	local := env.Local
	switch {
	case msr == msrAPICBase:
		local.apicBase = value &^ apicBaseBSP
		return true
	case msr >= msrX2APICFirst && msr <= msrX2APICLast:
		if !e.x2apic(local) {
			return false
		}
		return apicWrite(env, (msr-msrX2APICFirst)<<4, uint32(value), value, true)
	case msr == msrHvGuestOSID:
		local.hvGuestOSID = value
		return true
	case msr == msrHvHypercall:
		local.hvHypercall = value
		if value&hypercallEnable != 0 && local.hvGuestOSID != 0 {
			// The hypercall page holds VMCALL; RET.
			page := value &^ 0xFFF
			if err := env.Memory.Write(page, []byte{0x0F, 0x01, 0xC1, 0xC3}); err != nil {
				return false
			}
		}
		return true
	case msr == msrHvVPIndex:
		return false
	}
	return false
}

func (e *x86Emulator) emulateInstruction(env Env, exit *hv.Exit, regs *hv.Registers) Outcome {
	inst, out, ok := e.decode(env, exit, regs)
	if !ok {
		return out
	}

	switch inst.Op {
	case x86asm.MOV:
		if cr, isReg := inst.Args[0].(x86asm.Reg); isReg && cr >= x86asm.CR0 && cr <= x86asm.CR15 {
			src, _ := inst.Args[1].(x86asm.Reg)
			v, _, err := readGPR(regs, src)
			if err != nil {
				return Fault(udEvent())
			}
			if ev := e.writeCR(env.Local, cr, v, regs); ev != nil {
				return Fault(*ev)
			}
			return Advance(inst.Len)
		}
		if cr, isReg := inst.Args[1].(x86asm.Reg); isReg && cr >= x86asm.CR0 && cr <= x86asm.CR15 {
			dst, _ := inst.Args[0].(x86asm.Reg)
			v, ok := e.readCR(env.Local, cr, regs)
			if !ok {
				return Fault(udEvent())
			}
			if err := writeGPR(regs, dst, v); err != nil {
				return Fault(udEvent())
			}
			return Advance(inst.Len)
		}
	case x86asm.CPUID:
		eax, ebx, ecx, edx := cpuid(uint32(regs.GPR[hv.X86Rax]), uint32(regs.GPR[hv.X86Rcx]))
		regs.GPR[hv.X86Rax] = uint64(eax)
		regs.GPR[hv.X86Rbx] = uint64(ebx)
		regs.GPR[hv.X86Rcx] = uint64(ecx)
		regs.GPR[hv.X86Rdx] = uint64(edx)
		return Advance(inst.Len)
	case x86asm.WBINVD, x86asm.INVD:
		return Advance(inst.Len)
	}

	slog.Debug("emulator: unsupported instruction", "vp", env.Local.Index, "op", inst.Op, "pc", regs.PC)
	return Fault(udEvent())
}

func (e *x86Emulator) writeCR(local *Local, cr x86asm.Reg, v uint64, regs *hv.Registers) *hv.PendingEvent {
	var err error
	switch cr {
	case x86asm.CR0:
		err = local.CR0.Write(v, &regs.CR0)
	case x86asm.CR3:
		regs.CR3 = v
	case x86asm.CR4:
		err = local.CR4.Write(v, &regs.CR4)
	case x86asm.CR8:
		if v > 0xF {
			err = errors.New("reserved cr8 bits")
		} else {
			regs.CR8 = v
			local.Interrupts.SetTaskPriority(uint8(v << 4))
		}
	default:
		ev := udEvent()
		return &ev
	}
	if err != nil {
		slog.Debug("emulator: control register write rejected", "vp", local.Index, "cr", cr, "value", v, "err", err)
		ev := gpEvent()
		return &ev
	}
	return nil
}

func (e *x86Emulator) readCR(local *Local, cr x86asm.Reg, regs *hv.Registers) (uint64, bool) {
	switch cr {
	case x86asm.CR0:
		return local.CR0.Read(regs.CR0), true
	case x86asm.CR3:
		return regs.CR3, true
	case x86asm.CR4:
		return local.CR4.Read(regs.CR4), true
	case x86asm.CR8:
		return uint64(local.Interrupts.TaskPriority() >> 4), true
	}
	return 0, false
}

// cpuid answers the hypervisor leaves. Architectural leaves are passed
// through by the hardware and never reach here in practice.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0x4000_0000:
		// "Microsoft Hv"
		return 0x4000_0005, 0x7263_694D, 0x666F_736F, 0x7648_2074
	case 0x4000_0001:
		// "Hv#1"
		return 0x3123_7648, 0, 0, 0
	case 0x4000_0003:
		// VP index and hypercall MSRs; post messages and signal events.
		return 1<<5 | 1<<6, 1<<4 | 1<<5, 0, 0
	}
	return 0, 0, 0, 0
}

func (e *x86Emulator) TranslationFault(fault *guestmem.MemoryFault, regs *hv.Registers) hv.PendingEvent {
	var code uint32
	if fault.Reason == guestmem.FaultPermission {
		code |= pfPresent
	}
	switch fault.Access {
	case hv.AccessWrite:
		code |= pfWrite
	case hv.AccessExecute:
		code |= pfFetch
	}
	ev := pfEvent(fault.Address, code)
	ev.Valid = true
	return ev
}

func (e *x86Emulator) PrepareInterrupt(local *Local, regs *hv.Registers) bool {
	if regs.Event.Valid || regs.Interrupt.Valid || !regs.Interruptible() {
		return false
	}
	v, ok := local.Interrupts.Acknowledge()
	if !ok {
		return false
	}
	regs.Interrupt = hv.PendingInterrupt{Valid: true, Vector: v}
	return true
}
