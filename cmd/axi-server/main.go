// axi-server drives an EiBotBoard pen plotter and exposes it over HTTP and
// a websocket stream.
//
// Usage:
//
//	axi-server serve [--config axi.yaml] [--port /dev/ttyACM0] [--addr :9700]
//	axi-server ports [--probe]
//	axi-server version
//
// Examples:
//
//	# Serve a simulated board started with mock-ebb
//	axi-server serve --port tcp://127.0.0.1:5555
//
//	# Find the board and verify it answers
//	axi-server ports --probe
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joeysapp/axi-server-sub001/pkg/config"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "axi-server",
	Short:         "Pen plotter control server",
	Long:          `axi-server owns the serial link to an EiBotBoard plotter and serves REST and websocket control planes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "axi.yaml", "Configuration file (missing file uses defaults)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Device.Port = f.Value.String()
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Server.Addr = f.Value.String()
	}
	return cfg, cfg.Validate()
}

// setupLogging installs the root logger all components derive from.
func setupLogging(cfg config.LogConfig) *log.Logger {
	root := log.New("axi")
	log.ConfigureFromEnv(root)
	cfg.Apply(root)
	log.SetDefaultLogger(root)
	return root
}
