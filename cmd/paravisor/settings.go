package main

import (
	"fmt"
	"io"
	"os"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/tinyrange/paravisor/internal/settings"
)

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Convert and check settings documents",
	}

	var out string
	encode := &cobra.Command{
		Use:   "encode FILE",
		Short: "Write the binary form of a settings document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readSettings(args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, settings.Marshal(doc))
		},
	}
	encode.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")

	decode := &cobra.Command{
		Use:   "decode FILE",
		Short: "Write the text form of a settings document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readSettings(args[0])
			if err != nil {
				return err
			}
			text, err := settings.MarshalText(doc)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, text)
		},
	}
	decode.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")

	check := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a settings document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readSettings(args[0])
			if err != nil {
				return err
			}
			if err := doc.Validate(); err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), doc)
			return nil
		},
	}

	cmd.AddCommand(encode, decode, check)
	return cmd
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(w io.Writer, doc *settings.Document) {
	b := doc.Base
	fmt.Fprintf(w, "base %s: %s, %d vps, %s memory", b.Version, b.Architecture, b.VPCount, units.BytesSize(float64(b.MemorySize)))
	if len(b.SidecarVPs) > 0 {
		fmt.Fprintf(w, ", sidecar vps %v", b.SidecarVPs)
	}
	fmt.Fprintln(w)
	if s := doc.Storage; s != nil {
		for _, c := range s.Controllers {
			fmt.Fprintf(w, "storage %s: %s controller %s, %d luns\n", s.Version, c.Protocol, c.InstanceID, len(c.LUNs))
		}
	}
	if n := doc.Network; n != nil {
		for _, nic := range n.NICs {
			fmt.Fprintf(w, "network %s: nic %s mac %s, %d queues", n.Version, nic.InstanceID, nic.MAC, nic.QueueCount)
			if nic.Accelerated != nil {
				fmt.Fprintf(w, ", accelerated %s", nic.Accelerated.PCIAddress)
			}
			fmt.Fprintln(w)
		}
	}
}
