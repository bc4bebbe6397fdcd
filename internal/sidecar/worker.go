package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/paravisor/internal/hv"
)

// Executor runs one command to its next exit.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (hv.Exit, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) (hv.Exit, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) (hv.Exit, error) {
	return f(ctx, cmd)
}

// VPExecutor runs commands on a substrate virtual processor. The worker is
// the only caller of the processor while the binding is active.
type VPExecutor struct {
	VP hv.VirtualProcessor
}

func (e VPExecutor) Execute(ctx context.Context, cmd Command) (hv.Exit, error) {
	if err := e.VP.SetRegisters(cmd.Regs); err != nil {
		return hv.Exit{}, fmt.Errorf("sidecar: set registers for vp %d: %w", cmd.VP, err)
	}
	exit, err := e.VP.Run(ctx)
	if err != nil {
		return hv.Exit{}, err
	}
	return exit, nil
}

type inflight struct {
	id     DispatchID
	cancel context.CancelFunc
}

// Worker consumes one channel in submission order.
type Worker struct {
	ch   *Channel
	exec Executor

	current atomic.Pointer[inflight]
	kicks   atomic.Uint64

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

func NewWorker(ch *Channel, exec Executor) *Worker {
	return &Worker{ch: ch, exec: exec, stopped: make(chan struct{})}
}

func (w *Worker) Channel() *Channel { return w.ch }

// Run serves commands until ctx is done or the channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sidecar: worker already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.stopped)

	// Closing the channel forces the in-flight command out.
	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()
	go func() {
		select {
		case <-w.ch.Done():
			cancelAll()
		case <-runCtx.Done():
		}
	}()

	var (
		cmdCtx context.Context
		cancel context.CancelFunc
	)
	// The in-flight entry is published before the slot is claimed, so a
	// producer that sees the command claimed can always kick it.
	claiming := func(id DispatchID) {
		if cancel != nil {
			cancel()
		}
		cmdCtx, cancel = context.WithCancel(runCtx)
		w.current.Store(&inflight{id: id, cancel: cancel})
	}
	for {
		id, cmd, ok := w.ch.next(runCtx, claiming)
		if !ok {
			w.current.Store(nil)
			if cancel != nil {
				cancel()
			}
			slog.Debug("sidecar: worker exiting", "closed", w.ch.Closed())
			return nil
		}

		exit, err := w.exec.Execute(cmdCtx, cmd)
		w.current.Store(nil)
		cancel()
		cancel = nil

		if !w.ch.complete(id, exit, err) {
			slog.Debug("sidecar: completion discarded", "id", id, "vp", cmd.VP)
		}
	}
}

// Kick forces the command id out of guest execution if it is the one
// running. It has no effect otherwise.
func (w *Worker) Kick(id DispatchID) bool {
	cur := w.current.Load()
	if cur == nil || cur.id != id {
		return false
	}
	w.kicks.Add(1)
	cur.cancel()
	return true
}

// Stopped is closed when Run returns.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

func (w *Worker) Kicks() uint64 { return w.kicks.Load() }
