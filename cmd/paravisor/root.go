package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tinyrange/paravisor/internal/config"
	"github.com/tinyrange/paravisor/internal/logbuf"
)

type app struct {
	v       *viper.Viper
	cfgFile string
	conf    *config.Config
	logs    *logbuf.Ring
	stderr  io.Writer
}

func newApp() *app {
	return &app{v: viper.New(), stderr: os.Stderr}
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "paravisor",
		Short:         "Paravisor VP execution core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file path")
	flags.String("socket", "", "control socket path")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = a.v.BindPFlag("socket_path", flags.Lookup("socket"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))

	cmd.AddCommand(
		a.runCmd(),
		a.settingsCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.statusCmd(),
		a.reconfigureCmd(),
		a.logsCmd(),
		a.pingCmd(),
	)
	return cmd
}

func (a *app) init() error {
	conf, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.conf = conf
	a.logs = setupLogging(a.stderr, conf)
	return nil
}

// setupLogging installs the default slog logger. Output goes to w as text
// on a terminal and JSON otherwise, and is copied into the returned ring.
func setupLogging(w io.Writer, conf *config.Config) *logbuf.Ring {
	ring := logbuf.New(conf.LogBufferSize)
	out := io.MultiWriter(w, ring)
	opts := &slog.HandlerOptions{Level: conf.Level()}

	var h slog.Handler
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(h))
	return ring
}
