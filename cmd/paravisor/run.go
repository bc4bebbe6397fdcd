package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/paravisor/internal/control"
	"github.com/tinyrange/paravisor/internal/hv/factory"
	"github.com/tinyrange/paravisor/internal/settings"
	"github.com/tinyrange/paravisor/internal/supervisor"
)

// settleDelay coalesces the burst of events an editor produces for one save.
const settleDelay = 100 * time.Millisecond

func (a *app) runCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run SETTINGS",
		Short: "Run a partition and serve the control socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reconfigure when the settings file changes")
	cmd.Flags().String("substrate", "", fmt.Sprintf("virtualization backend %v", factory.Names()))
	_ = a.v.BindPFlag("substrate", cmd.Flags().Lookup("substrate"))
	return cmd
}

func readSettings(path string) (*settings.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := settings.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func (a *app) run(ctx context.Context, path string, watch bool) error {
	doc, err := readSettings(path)
	if err != nil {
		return err
	}
	open, err := factory.Lookup(a.conf.Substrate)
	if err != nil {
		return err
	}
	sup, err := supervisor.New(supervisor.Options{
		Config:       a.conf,
		NewSubstrate: supervisor.SubstrateFactory(open),
		Logs:         a.logs,
	}, doc)
	if err != nil {
		return err
	}

	mux := control.NewMux()
	sup.Register(ctx, mux)
	srv, err := control.NewServer(a.conf.SocketPath, a.conf.MaxControlConns, mux.Handler())
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	slog.Info("paravisor: serving", "socket", a.conf.SocketPath, "substrate", a.conf.Substrate, "settings", path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	if watch {
		g.Go(func() error { return watchSettings(gctx, path, sup) })
	}
	g.Go(func() error {
		<-gctx.Done()
		err := sup.Stop()
		if errors.Is(err, supervisor.ErrNotRunning) {
			err = nil
		}
		return errors.Join(err, srv.Close())
	})
	return g.Wait()
}

// watchSettings applies the settings file to sup every time it changes.
// The directory is watched so replacing the file by rename is seen too.
func watchSettings(ctx context.Context, path string, sup *supervisor.Supervisor) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(settleDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(settleDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("paravisor: watch", "err", err)
		case <-timer.C:
			applySettings(abs, sup)
		}
	}
}

func applySettings(path string, sup *supervisor.Supervisor) {
	doc, err := readSettings(path)
	if err != nil {
		slog.Warn("paravisor: settings unreadable, keeping current", "err", err)
		return
	}
	changes, err := sup.Reconfigure(doc)
	switch {
	case errors.Is(err, supervisor.ErrBaseChanged):
		slog.Warn("paravisor: base settings changed, restart to apply", "path", path)
	case err != nil:
		slog.Error("paravisor: reconfigure", "err", err)
	case changes.Empty():
		slog.Debug("paravisor: settings unchanged", "path", path)
	}
}
