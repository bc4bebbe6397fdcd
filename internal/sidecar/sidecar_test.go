package sidecar

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/tinyrange/paravisor/internal/hv"
)

func newChannel(t *testing.T, capacity int) *Channel {
	t.Helper()
	ch, err := New(capacity)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	return ch
}

func waitRecord(t *testing.T, ch *Channel) Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if rec, ok := ch.Poll(); ok {
			return rec
		}
		select {
		case <-ch.Completions():
		case <-time.After(time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for a record")
		}
	}
}

func startWorker(t *testing.T, ch *Channel, exec Executor) *Worker {
	t.Helper()
	w := NewWorker(ch, exec)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-w.Stopped()
	})
	return w
}

func haltExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, cmd Command) (hv.Exit, error) {
		return hv.Exit{Reason: hv.ExitHalt, GPA: uint64(cmd.VP)}, nil
	})
}

func blockingExecutor(started chan<- DispatchID) Executor {
	return ExecutorFunc(func(ctx context.Context, cmd Command) (hv.Exit, error) {
		started <- DispatchID(cmd.VP)
		<-ctx.Done()
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	})
}

func TestCapacityMustBePowerOfTwo(t *testing.T) {
	for _, n := range []int{0, -1, 3, 6} {
		if _, err := New(n); err == nil {
			t.Fatalf("capacity %d accepted", n)
		}
	}
}

// With all four slots unretired a fifth submission is refused, and it is
// accepted again once a slot retires.
func TestBackpressure(t *testing.T) {
	ch := newChannel(t, 4)
	for i := 0; i < 4; i++ {
		id, err := ch.Submit(Command{VP: i})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if id != DispatchID(i) {
			t.Fatalf("id = %d, want %d", id, i)
		}
	}
	if _, err := ch.Submit(Command{VP: 4}); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("fifth submit err = %v", err)
	}
	if ch.Stats().Backpressure != 1 {
		t.Fatalf("stats = %+v", ch.Stats())
	}

	startWorker(t, ch, haltExecutor())
	rec := waitRecord(t, ch)
	if rec.ID != 0 || rec.Cancelled {
		t.Fatalf("record = %+v", rec)
	}
	id, err := ch.Submit(Command{VP: 4})
	if err != nil {
		t.Fatalf("submit after retire: %v", err)
	}
	if id != 4 {
		t.Fatalf("id = %d", id)
	}
	for want := DispatchID(1); want <= 4; want++ {
		rec := waitRecord(t, ch)
		if rec.ID != want || rec.Exit.GPA != uint64(want) {
			t.Fatalf("record = %+v, want id %d", rec, want)
		}
	}
}

func TestCancelPending(t *testing.T) {
	ch := newChannel(t, 2)
	id, err := ch.Submit(Command{})
	if err != nil {
		t.Fatal(err)
	}
	if !ch.Cancel(id) {
		t.Fatalf("cancel of a pending command failed")
	}
	if ch.Cancel(id) {
		t.Fatalf("second cancel succeeded")
	}
	rec, ok := ch.Poll()
	if !ok || !rec.Cancelled || rec.ID != id || !errors.Is(rec.Err, context.Canceled) {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
	if _, ok := ch.Poll(); ok {
		t.Fatalf("record retired twice")
	}
	if ch.Cancel(id) {
		t.Fatalf("cancel of a retired command succeeded")
	}

	// A cancelled command is skipped by the worker.
	startWorker(t, ch, haltExecutor())
	id, err = ch.Submit(Command{VP: 9})
	if err != nil {
		t.Fatal(err)
	}
	if rec := waitRecord(t, ch); rec.ID != id || rec.Exit.GPA != 9 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestKickInflight(t *testing.T) {
	ch := newChannel(t, 2)
	started := make(chan DispatchID, 1)
	w := startWorker(t, ch, blockingExecutor(started))

	id, err := ch.Submit(Command{VP: 0})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if w.Kick(id + 1) {
		t.Fatalf("kick of another id succeeded")
	}
	if !w.Kick(id) {
		t.Fatalf("kick of the running command failed")
	}
	rec := waitRecord(t, ch)
	if rec.Cancelled || rec.Exit.Reason != hv.ExitCanceled {
		t.Fatalf("record = %+v", rec)
	}
	if w.Kick(id) {
		t.Fatalf("kick after completion succeeded")
	}
}

// Once a command can no longer be cancelled the worker has claimed it, and
// a kick must reach it.
func TestKickAfterClaim(t *testing.T) {
	ch := newChannel(t, 2)
	w := startWorker(t, ch, ExecutorFunc(func(ctx context.Context, cmd Command) (hv.Exit, error) {
		<-ctx.Done()
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	}))

	claimed := 0
	for i := 0; i < 500; i++ {
		id, err := ch.Submit(Command{VP: i})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		for j := 0; j < i%8; j++ {
			runtime.Gosched()
		}
		if !ch.Cancel(id) {
			claimed++
			if !w.Kick(id) {
				t.Fatalf("dispatch %d claimed but not kickable", id)
			}
		}
		if rec := waitRecord(t, ch); rec.ID != id {
			t.Fatalf("record %d, want %d", rec.ID, id)
		}
	}
	t.Logf("%d of 500 commands kicked after claim", claimed)
}

func TestCloseCancelsOutstanding(t *testing.T) {
	ch := newChannel(t, 4)
	started := make(chan DispatchID, 4)
	w := startWorker(t, ch, blockingExecutor(started))

	for i := 0; i < 3; i++ {
		if _, err := ch.Submit(Command{VP: i}); err != nil {
			t.Fatal(err)
		}
	}
	<-started

	if n := ch.Close(); n != 3 {
		t.Fatalf("close cancelled %d, want 3", n)
	}
	if n := ch.Close(); n != 0 {
		t.Fatalf("second close cancelled %d", n)
	}
	for want := DispatchID(0); want < 3; want++ {
		rec, ok := ch.Poll()
		if !ok || !rec.Cancelled || rec.ID != want {
			t.Fatalf("record = %+v ok=%v, want cancellation of %d", rec, ok, want)
		}
		// Only the command the worker was running is abandoned.
		if rec.Abandoned != (want == 0) {
			t.Fatalf("record %d abandoned = %v", want, rec.Abandoned)
		}
	}
	if _, err := ch.Submit(Command{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err = %v", err)
	}

	select {
	case <-w.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop after close")
	}
	st := ch.Stats()
	if st.Completed != 0 || st.Cancelled != 3 {
		t.Fatalf("stats = %+v", st)
	}
}

// Every submitted command retires exactly once, as a completion or a
// cancellation, even when the channel closes mid-stream.
func TestExactlyOnceUnderClose(t *testing.T) {
	const total = 5000
	ch := newChannel(t, 8)
	startWorker(t, ch, haltExecutor())

	seen := make(map[DispatchID]bool)
	var completed, cancelled int
	retire := func(rec Record) {
		if seen[rec.ID] {
			t.Fatalf("id %d retired twice", rec.ID)
		}
		seen[rec.ID] = true
		if rec.Cancelled {
			cancelled++
		} else {
			completed++
		}
	}

	submitted := 0
submit:
	for submitted < total {
		if submitted == total/2 {
			go ch.Close()
		}
		_, err := ch.Submit(Command{VP: submitted})
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, ErrBackpressure):
			if rec, ok := ch.Poll(); ok {
				retire(rec)
			}
		case errors.Is(err, ErrClosed):
			break submit
		default:
			t.Fatalf("submit: %v", err)
		}
		if rec, ok := ch.Poll(); ok {
			retire(rec)
		}
	}

	ch.Close()
	for ch.Outstanding() > 0 {
		retire(waitRecord(t, ch))
	}
	if len(seen) != submitted || completed+cancelled != submitted {
		t.Fatalf("submitted %d, retired %d (completed %d cancelled %d)", submitted, len(seen), completed, cancelled)
	}
	for id := DispatchID(0); id < DispatchID(submitted); id++ {
		if !seen[id] {
			t.Fatalf("id %d never retired", id)
		}
	}
	if st := ch.Stats(); st.Submitted != uint64(submitted) {
		t.Fatalf("stats %+v, submitted %d", st, submitted)
	}
}

func TestVPExecutor(t *testing.T) {
	vp := &stubVP{exit: hv.Exit{Reason: hv.ExitHypercall}}
	exec := VPExecutor{VP: vp}
	regs := hv.NewRegisters(hv.ArchitectureX86_64)
	regs.PC = 0x1234
	exit, err := exec.Execute(context.Background(), Command{Regs: regs})
	if err != nil {
		t.Fatal(err)
	}
	if exit.Reason != hv.ExitHypercall || vp.regs.PC != 0x1234 {
		t.Fatalf("exit = %v, regs pc = %#x", exit.Reason, vp.regs.PC)
	}
}

type stubVP struct {
	regs hv.Registers
	exit hv.Exit
}

func (s *stubVP) Index() int                           { return 0 }
func (s *stubVP) Run(context.Context) (hv.Exit, error) { return s.exit, nil }
func (s *stubVP) Registers() (hv.Registers, error)     { return s.regs, nil }
func (s *stubVP) Close() error                         { return nil }

func (s *stubVP) SetRegisters(regs hv.Registers) error {
	s.regs = regs
	return nil
}
