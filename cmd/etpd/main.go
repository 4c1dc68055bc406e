package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/etp/internal/config"
	"github.com/codefionn/etp/internal/logger"
)

var (
	configFile string
	logLevel   string
	host       string
	port       int
	adminAddr  string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "etpd",
	Short: "Line-oriented TCP services",
	Long: `etpd runs small line-oriented TCP services:

- echo:      echo every line back
- relay:     named chat with private messages
- broadcast: periodic "* tick N" to every client
- ingest:    forward InfluxDB line protocol to InfluxDB or SQLite
- device:    synthetic sensor controlled with text commands
- client:    talk to any of the above

Settings come from the config file (JSON with comments), ETP_* and
INFLUX_* environment variables, and the flags below, in that order.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath(), "Configuration file (JSON with comments)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "Listen or connect host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "Listen or connect port")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "Admin HTTP address, e.g. 127.0.0.1:7080")
	rootCmd.PersistentFlags().StringVar(&pidFile, "pid-file", "", "PID file path (default under the XDG runtime dir)")
}

// loadConfig reads the config file, applies flag overrides, validates the
// result and initialises the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("Configuration loaded from %s", configFile)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("admin") {
		cfg.AdminAddr = adminAddr
	}
	if flags.Changed("pid-file") {
		cfg.PIDFile = pidFile
	}
}
