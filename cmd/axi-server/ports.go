package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/serial"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports that may hold a plotter",
	Long:  `Lists candidate serial ports, likely boards first. With --probe each port is opened and asked for its firmware version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		probe, _ := cmd.Flags().GetBool("probe")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)

		ports, err := serial.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tVID:PID\tPRODUCT\tEBB\tFIRMWARE")
		for _, p := range ports {
			ids := "-"
			if p.USB {
				ids = p.VID + ":" + p.PID
			}
			fw := ""
			if probe {
				fw = probePort(cmd.Context(), p.Name, timeout)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", p.Name, ids, p.Product, p.LikelyEBB(), fw)
		}
		return w.Flush()
	},
}

// probePort opens name and reports the firmware line or the failure.
func probePort(ctx context.Context, name string, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ch := channel.New(channel.WithProbeTimeout(timeout))
	defer ch.Close()
	session, err := ch.Open(ctx, name)
	if err != nil {
		return "error: " + err.Error()
	}
	return session.Version
}

func init() {
	portsCmd.Flags().Bool("probe", false, "Open each port and query its firmware version")
	portsCmd.Flags().Duration("timeout", 2*time.Second, "Probe timeout per port")
	rootCmd.AddCommand(portsCmd)
}
