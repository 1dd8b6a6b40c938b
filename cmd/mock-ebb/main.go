// mock-ebb serves a simulated EiBotBoard over TCP so the server can be run
// without hardware. It speaks the same command set as the real board:
// - Identification and nickname
// - Pen servo configuration and lift
// - Stepper enable, moves, step counters and homing
// - Status, power and emergency stop queries
//
// Usage:
//
//	mock-ebb [--listen 127.0.0.1:5555] [--time-scale 1] [--trace]
//
// Then point the server at it:
//
//	axi-server serve --port tcp://127.0.0.1:5555
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joeysapp/axi-server-sub001/pkg/ebbsim"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:   "mock-ebb",
	Short: "Simulated EiBotBoard on a TCP socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		scale, _ := cmd.Flags().GetFloat64("time-scale")
		firmware, _ := cmd.Flags().GetString("firmware")
		lfcr, _ := cmd.Flags().GetBool("lfcr")
		trace, _ := cmd.Flags().GetBool("trace")

		logger := log.GetLogger("mock-ebb")
		opts := []ebbsim.Option{ebbsim.WithTimeScale(scale), ebbsim.WithFirmware(firmware)}
		if lfcr {
			opts = append(opts, ebbsim.WithLFCR())
		}
		board := ebbsim.New(opts...)
		if trace {
			board.SetHook(func(line string) {
				logger.WithField("cmd", line).Info("rx")
			})
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.WithFields(log.Fields{"addr": ln.Addr().String(), "firmware": firmware}).Info("simulated board listening")
		if err := board.ListenAndServe(ctx, ln); err != nil {
			return err
		}
		x, y := board.Steps()
		logger.WithFields(log.Fields{"motor1": x, "motor2": y, "pen_up": board.PenUp()}).Info("stopped")
		return nil
	},
}

func main() {
	rootCmd.Flags().String("listen", "127.0.0.1:5555", "TCP address to listen on")
	rootCmd.Flags().Float64("time-scale", 1, "Multiplier on move and pen durations; 0 acknowledges instantly")
	rootCmd.Flags().String("firmware", ebbsim.DefaultFirmware, "Version line returned for V")
	rootCmd.Flags().Bool("lfcr", false, "Terminate replies with LF CR like older firmware")
	rootCmd.Flags().Bool("trace", false, "Log every command received")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
