package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/etp/internal/services"
)

var (
	deviceRate   float64
	deviceMetric string
	deviceName   string
	deviceTags   []string
	deviceSink   string
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run a synthetic sensor device",
	Long: `The device emits a random walk reading at --rate readings per second.
Clients control it with text commands: "set rate=5", "status", "exit".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("rate") {
			cfg.Device.Rate = deviceRate
		}
		if flags.Changed("metric") {
			cfg.Device.Metric = deviceMetric
		}
		if flags.Changed("name") {
			cfg.Device.Name = deviceName
		}
		tags, err := parseTags(deviceTags)
		if err != nil {
			return err
		}
		if cfg.Device.Tags == nil {
			cfg.Device.Tags = make(map[string]string)
		}
		for k, v := range tags {
			cfg.Device.Tags[k] = v
		}

		sink, lines, err := openSink(cfg, deviceSink)
		if err != nil {
			return err
		}
		dv, err := services.NewDevice(sink, services.DeviceConfig{
			Name:   cfg.Device.Name,
			Rate:   cfg.Device.Rate,
			Metric: cfg.Device.Metric,
			Tags:   cfg.Device.Tags,
		}, cfg.DaemonOptions()...)
		if err != nil {
			return err
		}
		return serve(cmd, cfg, dv, lines)
	},
}

// parseTags turns repeated key=value flags into a map.
func parseTags(values []string) (map[string]string, error) {
	tags := make(map[string]string, len(values))
	for _, item := range values {
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("tag must be key=value: %q", item)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("tag key is required: %q", item)
		}
		tags[key] = strings.TrimSpace(value)
	}
	return tags, nil
}

func init() {
	deviceCmd.Flags().Float64Var(&deviceRate, "rate", 1, "Readings per second")
	deviceCmd.Flags().StringVar(&deviceMetric, "metric", "temperature", "Metric name")
	deviceCmd.Flags().StringVar(&deviceName, "name", "dummy", "Device name and initial device_id")
	deviceCmd.Flags().StringArrayVar(&deviceTags, "tag", nil, "Extra tag key=value (repeatable)")
	deviceCmd.Flags().StringVar(&deviceSink, "sink", "influx", "Sink: influx or sqlite")
	rootCmd.AddCommand(deviceCmd)
}
