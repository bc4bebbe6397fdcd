package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/paravisor/internal/control"
	"github.com/tinyrange/paravisor/internal/supervisor"
)

const callTimeout = 30 * time.Second

func (a *app) dial() (*control.Client, error) {
	return control.Dial(a.conf.SocketPath, callTimeout)
}

// call sends one request on a fresh connection.
func (a *app) call(msgType uint16, encode func(*control.Encoder)) ([]byte, error) {
	c, err := a.dial()
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if encode == nil {
		return c.Call(msgType, nil)
	}
	return c.CallWithEncoder(msgType, encode)
}

func (a *app) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the partition of a running paravisor",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := a.call(control.MsgStart, nil)
			return err
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the partition and release its resources",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := a.call(control.MsgStop, nil)
			return err
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show partition state, devices and counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.call(control.MsgStatus, nil)
			if err != nil {
				return err
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(append(resp, '\n'))
				return err
			}
			var st supervisor.Status
			if err := json.Unmarshal(resp, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "print the raw JSON status")
	return cmd
}

func printStatus(out io.Writer, st supervisor.Status) {
	fmt.Fprintf(out, "state: %s\n", st.State)
	if st.PartitionID != "" {
		fmt.Fprintf(out, "partition: %s (%s)\n", st.PartitionID, st.Architecture)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "error: %s\n", st.Error)
	}
	if len(st.VPs) > 0 {
		fmt.Fprintf(out, "vps: %s\n", strings.Join(st.VPs, " "))
	}
	if st.Degraded {
		fmt.Fprintln(out, "degraded: sidecar offload fell back to local execution")
	}
	if len(st.Devices) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tMMIO\tCONNECTION\tLINE\tDOORBELLS\tSIGNALS")
		for _, d := range st.Devices {
			fmt.Fprintf(tw, "%s\t0x%x\t%d\t%d\t%d\t%d\n", d.Name, d.MMIOBase, d.Connection, d.Line, d.Doorbells, d.Signals)
		}
		tw.Flush()
	}
}

func (a *app) reconfigureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconfigure SETTINGS",
		Short: "Apply a settings document to a running paravisor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			resp, err := a.call(control.MsgReconfigure, func(enc *control.Encoder) { enc.WriteBytes(data) })
			if err != nil {
				return err
			}
			c, err := supervisor.DecodeChanges(control.NewDecoder(resp))
			if err != nil {
				return fmt.Errorf("decode changes: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, group := range []struct {
				sign string
				refs []string
			}{{"+", c.Added}, {"-", c.Removed}, {"~", c.Changed}} {
				for _, ref := range group.refs {
					fmt.Fprintf(out, "%s %s\n", group.sign, ref)
				}
			}
			return nil
		},
	}
}

func (a *app) logsCmd() *cobra.Command {
	var lines uint32
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print recent log output of a running paravisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := a.call(control.MsgLogs, func(enc *control.Encoder) { enc.Uint32(lines) })
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(resp)
			return err
		},
	}
	cmd.Flags().Uint32VarP(&lines, "lines", "n", 0, "last n lines only (0 for everything buffered)")
	return cmd
}

func (a *app) pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a paravisor answers on the control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			resp, err := a.call(control.MsgPing, nil)
			if err != nil {
				return err
			}
			state := control.NewDecoder(resp).ReadString()
			fmt.Fprintf(cmd.OutOrStdout(), "%s in %s\n", state, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
