package emulator

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/paravisor/internal/hv"
)

const (
	eferLMA uint64 = 1 << 10

	ptePresent  uint64 = 1 << 0
	ptePageSize uint64 = 1 << 7
	pteAddrMask uint64 = 0x000F_FFFF_FFFF_F000
)

// pageWalkError is a failed linear translation. The guest gets #PF.
type pageWalkError struct {
	linear  uint64
	present bool
}

func (e *pageWalkError) Error() string {
	return fmt.Sprintf("emulator: linear address 0x%x not mapped (present=%v)", e.linear, e.present)
}

// linearToPhysical resolves a linear address through the guest page
// tables. With paging off the mapping is the identity. Only 4-level long
// mode paging is walked; other paged modes are treated as identity mapped.
func linearToPhysical(mem Memory, regs *hv.Registers, linear uint64) (uint64, error) {
	if regs.CR0&cr0PG == 0 || regs.EFER&eferLMA == 0 {
		return linear, nil
	}

	table := regs.CR3 & pteAddrMask
	var buf [8]byte
	for level := 3; level >= 0; level-- {
		index := (linear >> (12 + 9*uint(level))) & 0x1FF
		if err := mem.Read(table+index*8, buf[:]); err != nil {
			return 0, &pageWalkError{linear: linear}
		}
		entry := binary.LittleEndian.Uint64(buf[:])
		if entry&ptePresent == 0 {
			return 0, &pageWalkError{linear: linear}
		}
		// 1 GiB and 2 MiB pages.
		if (level == 2 || level == 1) && entry&ptePageSize != 0 {
			pageMask := uint64(1)<<(12+9*uint(level)) - 1
			return (entry & pteAddrMask &^ pageMask) | (linear & pageMask), nil
		}
		table = entry & pteAddrMask
	}
	return table | (linear & 0xFFF), nil
}

// fetchInstruction reads up to 15 bytes at the current instruction pointer.
func fetchInstruction(mem Memory, regs *hv.Registers) ([]byte, error) {
	phys, err := linearToPhysical(mem, regs, regs.PC)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 15)
	n, err := mem.Fetch(phys, buf)
	if err != nil {
		return nil, err
	}
	// An instruction may cross into the next page.
	if n < len(buf) {
		next, err := linearToPhysical(mem, regs, regs.PC+uint64(n))
		if err == nil {
			m, _ := mem.Fetch(next, buf[n:])
			n += m
		}
	}
	return buf[:n], nil
}
