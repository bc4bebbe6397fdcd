package emulator

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/paravisor/internal/apic"
	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
)

type busAccess struct {
	addr  uint64
	port  uint16
	data  []byte
	write bool
}

// testBus claims MMIO in [mmioBase, mmioBase+0x1000) and one port. Reads
// return readValue.
type testBus struct {
	mmioBase  uint64
	port      uint16
	readValue uint64
	accesses  []busAccess
}

func (b *testBus) MMIO(addr uint64, data []byte, write bool) (bool, error) {
	if addr < b.mmioBase || addr >= b.mmioBase+0x1000 {
		return false, nil
	}
	if !write {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], b.readValue)
		copy(data, buf[:])
	}
	b.accesses = append(b.accesses, busAccess{addr: addr, data: append([]byte(nil), data...), write: write})
	return true, nil
}

func (b *testBus) PIO(port uint16, data []byte, write bool) (bool, error) {
	if port != b.port {
		return false, nil
	}
	if !write {
		for i := range data {
			data[i] = byte(b.readValue >> (8 * i))
		}
	}
	b.accesses = append(b.accesses, busAccess{port: port, data: append([]byte(nil), data...), write: write})
	return true, nil
}

type recordingSender struct {
	ipis []IPI
}

func (s *recordingSender) SendIPI(ipi IPI) error {
	s.ipis = append(s.ipis, ipi)
	return nil
}

type harness struct {
	emu    Emulator
	env    Env
	bus    *testBus
	sender *recordingSender
	mem    *guestmem.Map
	regs   hv.Registers
}

func newHarness(t testing.TB, arch hv.CpuArchitecture) *harness {
	t.Helper()
	emu, err := New(arch)
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	mem := guestmem.New(guestmem.Options{})
	if _, err := mem.Add(0, 0x10000, hv.PermRWX); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	bus := &testBus{mmioBase: 0xD000_0000, port: 0x3F8, readValue: 0x1122_3344_5566_7788}
	sender := &recordingSender{}
	return &harness{
		emu: emu,
		env: Env{
			Memory: mem,
			Bus:    bus,
			Local:  NewLocal(0, apic.New(0)),
			IPI:    sender,
		},
		bus:    bus,
		sender: sender,
		mem:    mem,
		regs:   hv.NewRegisters(arch),
	}
}

func (h *harness) run(kind InterceptKind, exit hv.Exit) Outcome {
	out := h.emu.Emulate(h.env, Intercept{Kind: kind, Exit: exit}, &h.regs)
	out.Apply(&h.regs)
	return out
}

func expectAdvance(t *testing.T, out Outcome, length int) {
	t.Helper()
	if out.Kind != OutcomeAdvance || out.Length != length {
		t.Fatalf("outcome = %v (len %d, event %+v), want advance %d", out.Kind, out.Length, out.Event, length)
	}
}

func expectVector(t *testing.T, out Outcome, vector uint8) {
	t.Helper()
	if out.Kind != OutcomeFault {
		t.Fatalf("outcome = %v, want fault", out.Kind)
	}
	if !out.Event.Valid || out.Event.Vector != vector {
		t.Fatalf("event = %+v, want vector %d", out.Event, vector)
	}
}

func TestNewRejectsUnknownArchitecture(t *testing.T) {
	if _, err := New(hv.ArchitectureInvalid); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVirtualRegisterMasks(t *testing.T) {
	vr := NewVirtualRegister(ShadowCR4, 0, nil)
	physical := uint64(cr4VMXE)

	// VMXE is host-owned: the guest sees its own shadow value.
	if got := vr.Read(physical); got != 0 {
		t.Fatalf("read = %#x, want 0", got)
	}
	if err := vr.Write(cr4PAE|cr4MCE, &physical); err != nil {
		t.Fatalf("write: %v", err)
	}
	if physical != cr4VMXE|cr4PAE {
		t.Fatalf("physical = %#x, want VMXE|PAE", physical)
	}
	if got := vr.Read(physical); got != cr4PAE|cr4MCE {
		t.Fatalf("read = %#x, want PAE|MCE", got)
	}

	vr.SetAllowed(cr4PAE)
	if err := vr.Write(cr4PAE|cr4PGE, &physical); err == nil {
		t.Fatalf("write outside allowed bits succeeded")
	}
}
