package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/etp/internal/command"
	"github.com/codefionn/etp/internal/daemon"
	"github.com/codefionn/etp/internal/influx"
)

const (
	deviceBaseValue = 20.0
	deviceSigma     = 0.1
	maxSampleDelay  = 100 * time.Second
)

// DeviceConfig describes a synthetic sensor.
type DeviceConfig struct {
	// Name is the daemon name and the initial device_id.
	Name string
	// Rate is the number of readings per second.
	Rate float64
	// Metric is the measurement name and the state key of the last reading.
	Metric string
	// Tags are added to every point. They override the device tag.
	Tags map[string]string
}

// Device is a synthetic sensor. A background task emits a gaussian random
// walk to the sink while clients inspect and tune it with TEXT commands:
//
//	set rate=5          -> ok rate=5.0
//	status              -> status device_id=dummy rate=5.0 temperature=20.03 count=12 last_update_ns=...
//	exit                -> bye, and the daemon stops without draining the sink
type Device struct {
	*daemon.Daemon

	sink   LineWriter
	metric string
	tags   map[string]string
	values *daemon.State
	drain  atomic.Bool
	normal func() float64
}

// NewDevice creates a device writing readings to sink.
func NewDevice(sink LineWriter, cfg DeviceConfig, opts ...daemon.Option) (*Device, error) {
	if cfg.Name == "" {
		cfg.Name = "dummy"
	}
	if cfg.Metric == "" {
		cfg.Metric = "temperature"
	}
	if cfg.Rate <= 0 || math.IsNaN(cfg.Rate) || math.IsInf(cfg.Rate, 0) {
		return nil, fmt.Errorf("device rate must be positive, got %v", cfg.Rate)
	}

	dv := &Device{
		sink:   sink,
		metric: cfg.Metric,
		tags:   maps.Clone(cfg.Tags),
		values: daemon.NewState(),
		normal: rand.NormFloat64,
	}
	dv.drain.Store(true)
	dv.values.Merge(map[string]any{
		"rate":           cfg.Rate,
		cfg.Metric:       nil,
		"last_update_ns": nil,
		"count":          0,
		"device_id":      cfg.Name,
	})
	dv.Daemon = daemon.New(cfg.Name, dv, opts...)
	return dv, nil
}

// Values returns a copy of the device state.
func (dv *Device) Values() map[string]any {
	return dv.values.Snapshot()
}

func (dv *Device) OnStart(context.Context) error {
	if err := startSink(dv.sink); err != nil {
		return err
	}
	dv.StartTask("sensor", dv.sensorLoop)
	return nil
}

// Run runs the daemon and closes the sink afterwards. The sink is drained
// unless a client ended the daemon with exit.
func (dv *Device) Run(ctx context.Context) error {
	return runWithSink(ctx, dv.Daemon.Run, dv.sink, dv.drain.Load)
}

func (dv *Device) HandleIncoming(_ context.Context, c *daemon.Connection) error {
	lines := c.Lines()
	for lines.Scan() {
		cmd, err := command.Parse(lines.Text(), command.Text)
		if err != nil {
			if err := dv.reply(c, "error", command.KV("message", err.Error())); err != nil {
				return err
			}
			continue
		}

		switch strings.ToLower(strings.TrimSpace(cmd.Name())) {
		case "exit":
			dv.drain.Store(false)
			_ = dv.SendLine(c, "bye")
			dv.Stop()
			return nil
		case "set":
			err = dv.handleSet(c, cmd)
		case "status":
			err = dv.sendStatus(c)
		default:
			err = dv.reply(c, "error", command.KV("message", "unknown command"))
		}
		if err != nil {
			return err
		}
	}
	return lines.Err()
}

func (dv *Device) handleSet(c *daemon.Connection, cmd *command.Command) error {
	kwargs := cmd.Kwargs()
	if len(kwargs) == 0 {
		return dv.reply(c, "error", command.KV("message", "missing parameters"))
	}

	updates := make(map[string]any, len(kwargs))
	echo := make([]command.KeyValue, 0, len(kwargs))
	for _, kv := range kwargs {
		value := parseValue(kv.Value)
		if kv.Key == "rate" {
			rate, ok := toFloat(value)
			if !ok || math.IsNaN(rate) || math.IsInf(rate, 0) {
				return dv.reply(c, "error", command.KV("message", "invalid rate"))
			}
			if rate <= 0 {
				return dv.reply(c, "error", command.KV("message", "rate must be positive"))
			}
			value = rate
		}
		updates[kv.Key] = value
		echo = append(echo, command.KV(kv.Key, formatValue(value)))
	}

	dv.values.Merge(updates)
	return dv.reply(c, "ok", echo...)
}

func (dv *Device) sendStatus(c *daemon.Connection) error {
	snapshot := dv.values.Snapshot()

	var kwargs []command.KeyValue
	for _, key := range []string{"device_id", "rate", dv.metric, "count", "last_update_ns"} {
		if v, ok := snapshot[key]; ok {
			kwargs = append(kwargs, command.KV(key, formatValue(v)))
		}
	}
	return dv.reply(c, "status", kwargs...)
}

func (dv *Device) reply(c *daemon.Connection, name string, kwargs ...command.KeyValue) error {
	return dv.SendLine(c, command.New(name, nil, kwargs...).String())
}

func (dv *Device) sensorLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := dv.sample(ctx); err != nil {
			if errors.Is(err, influx.ErrClosed) || ctx.Err() != nil {
				return err
			}
			dv.Logger().Warn("Failed to write reading: %v", err)
		}
		timer.Reset(dv.interval())
	}
}

// sample takes one reading, records it in the device state and writes it
// to the sink.
func (dv *Device) sample(ctx context.Context) error {
	snapshot := dv.values.Snapshot()
	base, ok := toFloat(snapshot[dv.metric])
	if !ok {
		base = deviceBaseValue
	}
	value := base + dv.normal()*deviceSigma
	now := time.Now().UnixNano()
	count, _ := snapshot["count"].(int)

	dv.values.Merge(map[string]any{
		dv.metric:        value,
		"last_update_ns": now,
		"count":          count + 1,
	})

	tags := map[string]string{"device": dv.values.GetString("device_id")}
	maps.Copy(tags, dv.tags)
	line, err := influx.Point{
		Measurement: dv.metric,
		Tags:        tags,
		Fields:      map[string]any{"value": value},
		Timestamp:   now,
	}.Line()
	if err != nil {
		return err
	}
	return dv.sink.WriteLine(ctx, line)
}

// interval is min(1/rate, 100s).
func (dv *Device) interval() time.Duration {
	v, _ := dv.values.Get("rate")
	rate, ok := toFloat(v)
	if !ok || rate <= 0 {
		return maxSampleDelay
	}
	secs := 1 / rate
	if secs >= maxSampleDelay.Seconds() {
		return maxSampleDelay
	}
	return time.Duration(secs * float64(time.Second))
}

// parseValue turns a command value into a bool, nil, int, float64 or,
// failing all of those, the text unchanged.
func parseValue(text string) any {
	lowered := strings.ToLower(strings.TrimSpace(text))
	switch lowered {
	case "true", "false":
		return lowered == "true"
	case "null", "none":
		return nil
	}
	if lowered != "" && lowered[0] != '+' {
		if n, err := strconv.Atoi(lowered); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
		return f
	}
	return text
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "none"
	case float64:
		s := strconv.FormatFloat(v, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEN") && !strings.Contains(s, "Inf") {
			s += ".0"
		}
		return s
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
