package hypercall

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/tinyrange/paravisor/internal/guestmem"
	"github.com/tinyrange/paravisor/internal/hv"
)

type fakeTarget struct {
	count int
	mu    sync.Mutex
	ipis  []ipiRecord
}

type ipiRecord struct {
	vp     int
	vector uint8
}

func (f *fakeTarget) VPCount() int { return f.count }

// APIC ids are twice the VP index.
func (f *fakeTarget) VPIndexFromAPICID(id uint32) (int, bool) {
	if id%2 != 0 || int(id/2) >= f.count {
		return 0, false
	}
	return int(id / 2), true
}

func (f *fakeTarget) SendIPI(vp int, vector uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipis = append(f.ipis, ipiRecord{vp, vector})
	return nil
}

func newMemory(t *testing.T) *guestmem.Map {
	t.Helper()
	mem := guestmem.New(guestmem.Options{})
	if _, err := mem.Add(0, 0x10000, hv.PermRW); err != nil {
		t.Fatalf("add memory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

var archs = []hv.CpuArchitecture{hv.ArchitectureX86_64, hv.ArchitectureARM64}

// setCall loads the control word and operands into the ABI registers.
func setCall(t *testing.T, regs *hv.Registers, control Control, input, output uint64) {
	t.Helper()
	abi, err := abiRegisters(regs.Arch)
	if err != nil {
		t.Fatal(err)
	}
	regs.GPR[abi.control] = uint64(control)
	regs.GPR[abi.input] = input
	regs.GPR[abi.output] = output
}

func resultOf(regs *hv.Registers) uint64 {
	abi, _ := abiRegisters(regs.Arch)
	return regs.GPR[abi.result]
}

func TestControlWord(t *testing.T) {
	c := NewControl(CodeGetVpRegisters, false, 12, 3)
	if c.Code() != CodeGetVpRegisters || c.Fast() || c.RepCount() != 12 || c.RepStart() != 3 {
		t.Fatalf("unexpected fields in %#x", uint64(c))
	}
	c = c.WithRepStart(9)
	if c.RepStart() != 9 || c.RepCount() != 12 {
		t.Fatalf("WithRepStart changed other fields: %#x", uint64(c))
	}
	if !NewControl(CodeSignalEvent, true, 0, 0).Fast() {
		t.Fatalf("fast bit not set")
	}
	v := resultValue(StatusInvalidParameter, 7)
	if ResultStatus(v) != StatusInvalidParameter || ResultReps(v) != 7 {
		t.Fatalf("result value %#x", v)
	}
}

func TestFastAndNormalDecodeIdentical(t *testing.T) {
	inputs := []struct {
		name string
		code Code
		data [16]byte
	}{
		{"signal event", CodeSignalEvent, [16]byte{0x34, 0x12, 0, 0, 5, 0}},
		{"spin wait", CodeNotifyLongSpinWait, [16]byte{0xFF, 0xFF, 0x01}},
		{"cluster ipi", CodeSendSyntheticClusterIpi, [16]byte{0x40, 0, 0, 0, 0, 0, 0, 0, 0x0B}},
	}

	for _, arch := range archs {
		for _, tc := range inputs {
			t.Run(string(arch)+"/"+tc.name, func(t *testing.T) {
				mem := newMemory(t)
				lo := binary.LittleEndian.Uint64(tc.data[0:])
				hi := binary.LittleEndian.Uint64(tc.data[8:])

				fast := hv.NewRegisters(arch)
				setCall(t, &fast, NewControl(tc.code, true, 0, 0), lo, hi)
				fastInv, fastFrame, err := Decode(arch, &fast, mem)
				if err != nil {
					t.Fatalf("fast decode: %v", err)
				}

				if err := mem.Write(0x1000, tc.data[:]); err != nil {
					t.Fatal(err)
				}
				normal := hv.NewRegisters(arch)
				setCall(t, &normal, NewControl(tc.code, false, 0, 0), 0x1000, 0x2000)
				normalInv, normalFrame, err := Decode(arch, &normal, mem)
				if err != nil {
					t.Fatalf("normal decode: %v", err)
				}

				if !reflect.DeepEqual(fastInv, normalInv) {
					t.Fatalf("invocations differ:\nfast   %+v\nnormal %+v", fastInv, normalInv)
				}
				if !fastFrame.Fast || normalFrame.Fast || normalFrame.InputGPA != 0x1000 {
					t.Fatalf("frames do not record the encoding: %+v / %+v", fastFrame, normalFrame)
				}
			})
		}
	}
}

// A fast SignalEvent bumps the connection's pending count and returns
// success.
func TestSignalEventFastCall(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, &fakeTarget{count: 1})
	if err := d.Connections().AddEvent(0x42, nil); err != nil {
		t.Fatal(err)
	}

	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	regs.PC = 0x1000
	setCall(t, &regs, NewControl(CodeSignalEvent, true, 0, 0), 0x42|3<<32, 0)

	inv, frame, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	in, ok := inv.Input.(SignalEventInput)
	if !ok || in.ConnectionID != 0x42 || in.FlagNumber != 3 {
		t.Fatalf("unexpected input %#v", inv.Input)
	}

	res := d.Dispatch(context.Background(), Caller{VP: 0, Regs: &regs}, inv, nil)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v", res.Status)
	}
	if got := d.Connections().PendingSignals(0x42); got != 1 {
		t.Fatalf("pending signals = %d", got)
	}
	if err := frame.Complete(&regs, mem, inv, res); err != nil {
		t.Fatal(err)
	}
	if regs.GPR[hv.X86Rax] != 0 || regs.PC != 0x1000+x86CallLength {
		t.Fatalf("rax = %#x pc = %#x", regs.GPR[hv.X86Rax], regs.PC)
	}
}

func TestSignalEventUnknownConnection(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureARM64, 0, nil, nil)
	regs := hv.NewRegisters(hv.ArchitectureARM64)
	setCall(t, &regs, NewControl(CodeSignalEvent, true, 0, 0), 9, 0)
	inv, _, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	if res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil); res.Status != StatusInvalidConnectionID {
		t.Fatalf("status = %v", res.Status)
	}
}

func TestUnknownCode(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, nil)
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	setCall(t, &regs, NewControl(0x7777, true, 0, 0), 0, 0)

	inv, frame, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatalf("unknown codes must decode: %v", err)
	}
	res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil)
	if res.Status != StatusInvalidHypercallCode {
		t.Fatalf("status = %v", res.Status)
	}
	if err := frame.Complete(&regs, mem, inv, res); err != nil {
		t.Fatal(err)
	}
	if ResultStatus(regs.GPR[hv.X86Rax]) != StatusInvalidHypercallCode {
		t.Fatalf("result = %#x", regs.GPR[hv.X86Rax])
	}
	if d.Stats().UnknownCodes != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		control Control
		input   uint64
		status  Status
	}{
		{"rep count on simple call", NewControl(CodeSignalEvent, true, 2, 0), 0, StatusInvalidHypercallInput},
		{"rep start past count", NewControl(CodeGetVpIndexFromApicId, false, 2, 3), 0x1000, StatusInvalidHypercallInput},
		{"reserved bits", NewControl(CodeSignalEvent, true, 0, 0) | 1<<45, 0, StatusInvalidHypercallInput},
		{"fast post message", NewControl(CodePostMessage, true, 0, 0), 0, StatusInvalidHypercallInput},
		{"misaligned input", NewControl(CodeFlushVirtualAddressSpace, false, 0, 0), 0x1004, StatusInvalidAlignment},
		{"unmapped input", NewControl(CodeFlushVirtualAddressSpace, false, 0, 0), 0x20000, StatusInvalidParameter},
		{"input crosses page", NewControl(CodePostMessage, false, 0, 0), 0x1FF8, StatusInvalidHypercallInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := newMemory(t)
			regs := hv.NewRegisters(hv.ArchitectureX86_64)
			regs.PC = 0x500
			setCall(t, &regs, tc.control, tc.input, 0x3000)

			_, frame, err := Decode(hv.ArchitectureX86_64, &regs, mem)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want DecodeError", err)
			}
			if de.Status != tc.status {
				t.Fatalf("status = %v, want %v", de.Status, tc.status)
			}
			frame.Fail(&regs, de.Status)
			if ResultStatus(regs.GPR[hv.X86Rax]) != tc.status || regs.PC != 0x500+x86CallLength {
				t.Fatalf("failure not returned to guest: rax %#x pc %#x", regs.GPR[hv.X86Rax], regs.PC)
			}
		})
	}
}

func TestPostMessage(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureARM64, 0, nil, nil)
	notified := 0
	if err := d.Connections().AddMessagePort(5, 1, func() { notified++ }); err != nil {
		t.Fatal(err)
	}

	page := make([]byte, 16+MaxMessagePayload)
	binary.LittleEndian.PutUint32(page[0:], 5)
	binary.LittleEndian.PutUint32(page[8:], 77)
	binary.LittleEndian.PutUint32(page[12:], 3)
	copy(page[16:], "abc")
	if err := mem.Write(0x4000, page); err != nil {
		t.Fatal(err)
	}

	post := func() Status {
		regs := hv.NewRegisters(hv.ArchitectureARM64)
		setCall(t, &regs, NewControl(CodePostMessage, false, 0, 0), 0x4000, 0)
		inv, _, err := d.Decode(&regs, mem)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil).Status
	}

	if st := post(); st != StatusSuccess {
		t.Fatalf("first post = %v", st)
	}
	if st := post(); st != StatusInsufficientBuffers {
		t.Fatalf("post to full queue = %v", st)
	}
	msg, ok := d.Connections().ReceiveMessage(5)
	if !ok || msg.Type != 77 || string(msg.Payload) != "abc" || notified != 1 {
		t.Fatalf("message = %+v ok=%v notified=%d", msg, ok, notified)
	}
	if st := post(); st != StatusSuccess {
		t.Fatalf("post after drain = %v", st)
	}
}

func TestPostMessageOversizedPayload(t *testing.T) {
	mem := newMemory(t)
	page := make([]byte, 16+MaxMessagePayload)
	binary.LittleEndian.PutUint32(page[12:], MaxMessagePayload+1)
	if err := mem.Write(0x4000, page); err != nil {
		t.Fatal(err)
	}
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	setCall(t, &regs, NewControl(CodePostMessage, false, 0, 0), 0x4000, 0)
	_, _, err := Decode(hv.ArchitectureX86_64, &regs, mem)
	var de *DecodeError
	if !errors.As(err, &de) || de.Status != StatusInvalidParameter {
		t.Fatalf("err = %v", err)
	}
}

func writeApicIDs(t *testing.T, mem *guestmem.Map, gpa uint64, ids []uint32) {
	t.Helper()
	buf := make([]byte, 16+4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(buf[16+4*i:], id)
	}
	if err := mem.Write(gpa, buf); err != nil {
		t.Fatal(err)
	}
}

// A rep call preempted after the budget resumes at the reported index
// when the guest re-issues it, and the output covers every rep.
func TestRepCallPreemptionAndResume(t *testing.T) {
	const reps = 40
	for _, arch := range archs {
		t.Run(string(arch), func(t *testing.T) {
			mem := newMemory(t)
			d := NewDispatcher(arch, 16, nil, &fakeTarget{count: 64})
			ids := make([]uint32, reps)
			for i := range ids {
				ids[i] = uint32(2 * (reps - 1 - i))
			}
			writeApicIDs(t, mem, 0x1000, ids)

			regs := hv.NewRegisters(arch)
			regs.PC = 0x8000
			setCall(t, &regs, NewControl(CodeGetVpIndexFromApicId, false, reps, 0), 0x1000, 0x2000)

			preempts := 0
			preempt := func() bool {
				preempts++
				return preempts == 1
			}

			inv, frame, err := d.Decode(&regs, mem)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, preempt)
			if !res.Partial || res.RepsCompleted != 16 || res.Status != StatusSuccess {
				t.Fatalf("first dispatch = %+v", res)
			}
			if err := frame.Complete(&regs, mem, inv, res); err != nil {
				t.Fatal(err)
			}
			abi, _ := abiRegisters(arch)
			if Control(regs.GPR[abi.control]).RepStart() != 16 {
				t.Fatalf("rep start not advanced: %#x", regs.GPR[abi.control])
			}
			wantPC := uint64(0x8000)
			if arch == hv.ArchitectureARM64 {
				wantPC -= arm64CallLength
			}
			if regs.PC != wantPC {
				t.Fatalf("pc = %#x, want %#x", regs.PC, wantPC)
			}

			// The guest re-issues the call.
			if arch == hv.ArchitectureARM64 {
				regs.PC += arm64CallLength
			}
			inv, frame, err = d.Decode(&regs, mem)
			if err != nil {
				t.Fatalf("re-decode: %v", err)
			}
			if inv.RepStart != 16 {
				t.Fatalf("resumed at %d", inv.RepStart)
			}
			res = d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, preempt)
			if res.Partial || res.RepsCompleted != reps-16 {
				t.Fatalf("second dispatch = %+v", res)
			}
			if err := frame.Complete(&regs, mem, inv, res); err != nil {
				t.Fatal(err)
			}
			if v := resultOf(&regs); ResultStatus(v) != StatusSuccess || ResultReps(v) != reps {
				t.Fatalf("result = %#x", v)
			}

			out := make([]byte, 4*reps)
			if err := mem.Read(0x2000, out); err != nil {
				t.Fatal(err)
			}
			for i := 0; i < reps; i++ {
				if got := binary.LittleEndian.Uint32(out[4*i:]); got != uint32(reps-1-i) {
					t.Fatalf("output[%d] = %d", i, got)
				}
			}
		})
	}
}

func TestRepCallStopsAtFailingRep(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, &fakeTarget{count: 8})
	writeApicIDs(t, mem, 0x1000, []uint32{0, 2, 4, 5, 6})

	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	setCall(t, &regs, NewControl(CodeGetVpIndexFromApicId, false, 5, 0), 0x1000, 0x2000)
	inv, frame, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil)
	if res.Status != StatusInvalidParameter || res.RepsCompleted != 3 || res.Partial {
		t.Fatalf("dispatch = %+v", res)
	}
	if err := frame.Complete(&regs, mem, inv, res); err != nil {
		t.Fatal(err)
	}
	if v := regs.GPR[hv.X86Rax]; ResultStatus(v) != StatusInvalidParameter || ResultReps(v) != 3 {
		t.Fatalf("result = %#x", v)
	}
}

func TestRepCallCancelledContextIsPartial(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 2, nil, &fakeTarget{count: 8})
	writeApicIDs(t, mem, 0x1000, []uint32{0, 2, 4, 6})
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	setCall(t, &regs, NewControl(CodeGetVpIndexFromApicId, false, 4, 0), 0x1000, 0x2000)
	inv, _, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := d.Dispatch(ctx, Caller{Regs: &regs}, inv, nil); !res.Partial || res.RepsCompleted != 2 {
		t.Fatalf("dispatch = %+v", res)
	}
}

func TestGetAndSetVpRegisters(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, nil)
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	caller := Caller{VP: 2, Regs: &regs}

	// SetVpRegisters: rbx = 0x1234, cr8 = 2.
	set := make([]byte, 16+2*32)
	binary.LittleEndian.PutUint32(set[8:], vpIndexSelf)
	binary.LittleEndian.PutUint32(set[16:], uint32(RegisterNameX64Rax+3))
	binary.LittleEndian.PutUint64(set[16+16:], 0x1234)
	binary.LittleEndian.PutUint32(set[48:], uint32(RegisterNameX64Cr8))
	binary.LittleEndian.PutUint64(set[48+16:], 2)
	if err := mem.Write(0x1000, set); err != nil {
		t.Fatal(err)
	}
	setCall(t, &regs, NewControl(CodeSetVpRegisters, false, 2, 0), 0x1000, 0)
	inv, _, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	if res := d.Dispatch(context.Background(), caller, inv, nil); res.Status != StatusSuccess || res.RepsCompleted != 2 {
		t.Fatalf("set = %+v", res)
	}
	if regs.GPR[hv.X86Rbx] != 0x1234 || regs.CR8 != 2 {
		t.Fatalf("rbx = %#x cr8 = %#x", regs.GPR[hv.X86Rbx], regs.CR8)
	}

	// GetVpRegisters for the same names plus the VP index.
	get := make([]byte, 16+3*4)
	binary.LittleEndian.PutUint32(get[8:], 2)
	binary.LittleEndian.PutUint32(get[16:], uint32(RegisterNameX64Rax+3))
	binary.LittleEndian.PutUint32(get[20:], uint32(RegisterNameX64Cr8))
	binary.LittleEndian.PutUint32(get[24:], uint32(RegisterNameVpIndex))
	if err := mem.Write(0x2000, get); err != nil {
		t.Fatal(err)
	}
	setCall(t, &regs, NewControl(CodeGetVpRegisters, false, 3, 0), 0x2000, 0x3000)
	inv, frame, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	res := d.Dispatch(context.Background(), caller, inv, nil)
	if res.Status != StatusSuccess {
		t.Fatalf("get = %+v", res)
	}
	if err := frame.Complete(&regs, mem, inv, res); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 48)
	if err := mem.Read(0x3000, out); err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(out[0:]) != 0x1234 || binary.LittleEndian.Uint64(out[16:]) != 2 || binary.LittleEndian.Uint64(out[32:]) != 2 {
		t.Fatalf("output = %x", out)
	}
}

func TestVpRegistersOtherVPDenied(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, nil)
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	get := make([]byte, 20)
	binary.LittleEndian.PutUint32(get[8:], 5)
	if err := mem.Write(0x1000, get); err != nil {
		t.Fatal(err)
	}
	setCall(t, &regs, NewControl(CodeGetVpRegisters, false, 1, 0), 0x1000, 0x2000)
	inv, _, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	if res := d.Dispatch(context.Background(), Caller{VP: 0, Regs: &regs}, inv, nil); res.Status != StatusAccessDenied {
		t.Fatalf("status = %v", res.Status)
	}
}

func TestSendSyntheticClusterIpi(t *testing.T) {
	mem := newMemory(t)
	target := &fakeTarget{count: 4}
	d := NewDispatcher(hv.ArchitectureX86_64, 0, nil, target)

	issue := func(vector uint32, mask uint64) Status {
		regs := hv.NewRegisters(hv.ArchitectureX86_64)
		setCall(t, &regs, NewControl(CodeSendSyntheticClusterIpi, true, 0, 0), uint64(vector), mask)
		inv, _, err := d.Decode(&regs, mem)
		if err != nil {
			t.Fatal(err)
		}
		return d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil).Status
	}

	if st := issue(0x40, 0b1010); st != StatusSuccess {
		t.Fatalf("status = %v", st)
	}
	if len(target.ipis) != 2 || target.ipis[0] != (ipiRecord{1, 0x40}) || target.ipis[1] != (ipiRecord{3, 0x40}) {
		t.Fatalf("ipis = %+v", target.ipis)
	}
	if st := issue(0x40, 1<<4); st != StatusInvalidParameter {
		t.Fatalf("out of range target = %v", st)
	}
	if st := issue(3, 1); st != StatusInvalidParameter {
		t.Fatalf("reserved vector = %v", st)
	}
	if len(target.ipis) != 2 {
		t.Fatalf("rejected calls sent ipis: %+v", target.ipis)
	}
}

func TestRegisteredCode(t *testing.T) {
	mem := newMemory(t)
	d := NewDispatcher(hv.ArchitectureARM64, 0, nil, nil)
	var got []byte
	err := d.Register(0x8001, 8, func(_ context.Context, _ Caller, input []byte) Status {
		got = input
		return StatusSuccess
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Register(CodeSignalEvent, 8, nil); err == nil {
		t.Fatalf("overriding a built in code succeeded")
	}

	regs := hv.NewRegisters(hv.ArchitectureARM64)
	setCall(t, &regs, NewControl(0x8001, true, 0, 0), 0x0102030405060708, 0)
	inv, _, err := d.Decode(&regs, mem)
	if err != nil {
		t.Fatal(err)
	}
	if res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil); res.Status != StatusSuccess {
		t.Fatalf("status = %v", res.Status)
	}
	if binary.LittleEndian.Uint64(got) != 0x0102030405060708 {
		t.Fatalf("handler input = %x", got)
	}

	d.Unregister(0x8001)
	inv, _, _ = d.Decode(&regs, mem)
	if res := d.Dispatch(context.Background(), Caller{Regs: &regs}, inv, nil); res.Status != StatusInvalidHypercallCode {
		t.Fatalf("status after unregister = %v", res.Status)
	}
}

func TestConcurrentSignals(t *testing.T) {
	table := NewConnectionTable()
	if err := table.AddEvent(1, nil); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				table.SignalEvent(1, 0)
			}
		}()
	}
	wg.Wait()
	if got := table.ConsumeSignals(1); got != 8000 {
		t.Fatalf("pending = %d", got)
	}
	if got := table.PendingSignals(1); got != 0 {
		t.Fatalf("pending after consume = %d", got)
	}
}
