package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefionn/etp/internal/admin"
	"github.com/codefionn/etp/internal/config"
	"github.com/codefionn/etp/internal/influx"
	"github.com/codefionn/etp/internal/logger"
	"github.com/codefionn/etp/internal/services"
	"github.com/codefionn/etp/internal/store"
)

var ingestSink string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Accept InfluxDB line protocol and forward it to a sink",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sink, lines, err := openSink(cfg, ingestSink)
		if err != nil {
			return err
		}
		return serve(cmd, cfg, services.NewIngest(sink, cfg.DaemonOptions()...), lines)
	},
}

// openSink builds the line sink named by kind. The SQLite store is also
// returned as a line source for the admin API.
func openSink(cfg *config.Config, kind string) (services.LineWriter, admin.LineSource, error) {
	switch kind {
	case "influx":
		target, err := cfg.Influx.Target()
		if err != nil {
			return nil, nil, err
		}
		opts := cfg.Influx.WriterOptions()
		opts.Logger = logger.Global().WithPrefix("influx")
		w, err := influx.NewWriter(target, opts)
		if err != nil {
			return nil, nil, err
		}
		return w, nil, nil
	case "sqlite":
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Storing lines in %s", st.Path())
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink %q (want influx or sqlite)", kind)
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSink, "sink", "influx", "Sink: influx or sqlite")
	rootCmd.AddCommand(ingestCmd)
}
