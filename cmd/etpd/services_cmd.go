package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/codefionn/etp/internal/services"
)

var tickInterval time.Duration

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Echo every received line back to its sender",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd, cfg, services.NewEcho(cfg.DaemonOptions()...), nil)
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a named chat relay",
	Long: `Clients pick a unique name, then every line they send is relayed to
the other clients. "@name text" sends a private message.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd, cfg, services.NewRelay(cfg.DaemonOptions()...), nil)
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Broadcast a tick counter to every client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd, cfg, services.NewTicker(tickInterval, cfg.DaemonOptions()...), nil)
	},
}

func init() {
	broadcastCmd.Flags().DurationVar(&tickInterval, "interval", services.DefaultTickInterval, "Tick interval")
	rootCmd.AddCommand(echoCmd, relayCmd, broadcastCmd)
}
