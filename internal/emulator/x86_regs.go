package emulator

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/paravisor/internal/hv"
)

// gprOperand describes where a decoded general-purpose register lives.
type gprOperand struct {
	slot  int
	width int // bytes
	high8 bool
}

func decodeGPR(reg x86asm.Reg) (gprOperand, error) {
	switch {
	case reg >= x86asm.AL && reg <= x86asm.BL:
		return gprOperand{slot: int(reg - x86asm.AL), width: 1}, nil
	case reg >= x86asm.AH && reg <= x86asm.BH:
		return gprOperand{slot: int(reg - x86asm.AH), width: 1, high8: true}, nil
	case reg >= x86asm.SPB && reg <= x86asm.R15B:
		return gprOperand{slot: int(reg-x86asm.SPB) + hv.X86Rsp, width: 1}, nil
	case reg >= x86asm.AX && reg <= x86asm.R15W:
		return gprOperand{slot: int(reg - x86asm.AX), width: 2}, nil
	case reg >= x86asm.EAX && reg <= x86asm.R15L:
		return gprOperand{slot: int(reg - x86asm.EAX), width: 4}, nil
	case reg >= x86asm.RAX && reg <= x86asm.R15:
		return gprOperand{slot: int(reg - x86asm.RAX), width: 8}, nil
	}
	return gprOperand{}, fmt.Errorf("emulator: register %v is not a general-purpose register", reg)
}

func readGPR(regs *hv.Registers, reg x86asm.Reg) (uint64, int, error) {
	op, err := decodeGPR(reg)
	if err != nil {
		return 0, 0, err
	}
	v := regs.GPR[op.slot]
	if op.high8 {
		return (v >> 8) & 0xFF, 1, nil
	}
	return truncate(v, op.width), op.width, nil
}

// writeGPR stores value with x86 partial-register semantics: 32-bit writes
// zero the upper half, 8- and 16-bit writes preserve the rest.
func writeGPR(regs *hv.Registers, reg x86asm.Reg, value uint64) error {
	op, err := decodeGPR(reg)
	if err != nil {
		return err
	}
	cur := regs.GPR[op.slot]
	switch {
	case op.high8:
		regs.GPR[op.slot] = cur&^0xFF00 | (value&0xFF)<<8
	case op.width == 1:
		regs.GPR[op.slot] = cur&^0xFF | value&0xFF
	case op.width == 2:
		regs.GPR[op.slot] = cur&^0xFFFF | value&0xFFFF
	case op.width == 4:
		regs.GPR[op.slot] = value & 0xFFFF_FFFF
	default:
		regs.GPR[op.slot] = value
	}
	return nil
}

func truncate(v uint64, width int) uint64 {
	if width >= 8 {
		return v
	}
	return v & (uint64(1)<<(uint(width)*8) - 1)
}

func signExtend(v uint64, width int) uint64 {
	if width >= 8 {
		return v
	}
	shift := 64 - uint(width)*8
	return uint64(int64(v<<shift) >> shift)
}

// logicFlags updates ZF, SF and PF from result and clears CF and OF, as
// AND, OR and XOR do.
func logicFlags(regs *hv.Registers, result uint64, width int) {
	f := regs.Flags &^ (hv.X86FlagCF | hv.X86FlagOF | hv.X86FlagZF | hv.X86FlagSF | hv.X86FlagPF)
	result = truncate(result, width)
	if result == 0 {
		f |= hv.X86FlagZF
	}
	if result>>(uint(width)*8-1)&1 != 0 {
		f |= hv.X86FlagSF
	}
	if parityEven(uint8(result)) {
		f |= hv.X86FlagPF
	}
	regs.Flags = f
}

func parityEven(b uint8) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 0
}
