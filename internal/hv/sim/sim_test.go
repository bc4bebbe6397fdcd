package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/paravisor/internal/hv"
)

func TestScriptedExits(t *testing.T) {
	s := New(hv.ArchitectureX86_64)
	s.Script(0,
		Step{
			Exit: hv.Exit{Reason: hv.ExitPortIO, Port: 0x3f8},
			Edit: func(r *hv.Registers) { r.GPR[hv.X86Rax] = 0x41 },
		},
		Halt(),
	)

	vp, err := s.CreateVirtualProcessor(0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	exit, err := vp.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exit.Reason != hv.ExitPortIO || exit.Port != 0x3f8 {
		t.Fatalf("unexpected exit %+v", exit)
	}
	if exit.Registers.GPR[hv.X86Rax] != 0x41 {
		t.Fatalf("edit not applied: rax=%#x", exit.Registers.GPR[hv.X86Rax])
	}

	exit, err = vp.Run(context.Background())
	if err != nil || exit.Reason != hv.ExitHalt {
		t.Fatalf("expected halt, got %v %v", exit.Reason, err)
	}
}

func TestBlockUntilKicked(t *testing.T) {
	s := New(hv.ArchitectureARM64)
	s.Script(1, Block())
	vp, err := s.CreateVirtualProcessor(1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan hv.Exit, 1)
	go func() {
		exit, _ := vp.Run(ctx)
		done <- exit
	}()

	select {
	case <-done:
		t.Fatalf("run returned before kick")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case exit := <-done:
		if exit.Reason != hv.ExitCanceled {
			t.Fatalf("expected canceled exit, got %v", exit.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("kick did not force an exit")
	}

	if got := s.VirtualProcessor(1).Kicks(); got != 1 {
		t.Fatalf("kicks = %d, want 1", got)
	}
}

func TestMapOverlapRejected(t *testing.T) {
	s := New(hv.ArchitectureX86_64)
	if err := s.MapMemory(0x1000, make([]byte, 0x2000), hv.PermRWX); err != nil {
		t.Fatalf("map: %v", err)
	}
	if err := s.MapMemory(0x2000, make([]byte, 0x1000), hv.PermRW); err == nil {
		t.Fatalf("expected overlap error")
	}
	if err := s.UnmapMemory(0x1000, 0x2000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if len(s.Regions()) != 0 {
		t.Fatalf("regions not empty after unmap")
	}
}

func TestClosedVP(t *testing.T) {
	s := New(hv.ArchitectureX86_64)
	vp, _ := s.CreateVirtualProcessor(0)
	if err := vp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := vp.Run(context.Background()); !errors.Is(err, hv.ErrVPClosed) {
		t.Fatalf("expected ErrVPClosed, got %v", err)
	}
}

func TestInjectionRecordedOnEntry(t *testing.T) {
	s := New(hv.ArchitectureX86_64)
	s.Script(0, Halt())
	vp, _ := s.CreateVirtualProcessor(0)

	regs, _ := vp.Registers()
	regs.Interrupt = hv.PendingInterrupt{Valid: true, Vector: 0x30}
	if err := vp.SetRegisters(regs); err != nil {
		t.Fatalf("set registers: %v", err)
	}
	if _, err := vp.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	injected := s.VirtualProcessor(0).Injected()
	if len(injected) != 1 || injected[0].Vector != 0x30 {
		t.Fatalf("injected = %+v", injected)
	}
}
